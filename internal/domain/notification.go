package domain

// Notification is a user-facing notice (ban messages, announcements).
// Class selects the visual style on the client ("short" or "classic").
type Notification struct {
	ID       string `json:"id,omitempty"`
	Target   string `json:"target,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Class    string `json:"class,omitempty"`
	Title    string `json:"title,omitempty"`
	Text     string `json:"text,omitempty"`
}
