package ratelimit

// QuotaParams re-parameterizes a NoteQuota. Zero fields keep the current
// value, mirroring how clients interpret the "nq" message.
type QuotaParams struct {
	Allowance  int
	Max        int
	MaxHistLen int
}

// Tier presets. Offline is the unthrottled default a quota starts with.
var (
	QuotaLobby      = QuotaParams{Allowance: 200, Max: 600}
	QuotaNormal     = QuotaParams{Allowance: 400, Max: 1200}
	QuotaRidiculous = QuotaParams{Allowance: 600, Max: 1800}
	QuotaOffline    = QuotaParams{Allowance: 8000, Max: 24000, MaxHistLen: 3}
)

// NoteQuota is a decaying token bucket. Points refill by Allowance on each
// tick up to Max; a short history of point snapshots detects sustained
// starvation, in which case further spending is scaled up by Allowance to
// make abuse disproportionately expensive.
type NoteQuota struct {
	Allowance  int
	Max        int
	MaxHistLen int
	Points     int
	History    []int
}

func NewNoteQuota(params QuotaParams) *NoteQuota {
	q := &NoteQuota{
		Allowance:  QuotaOffline.Allowance,
		Max:        QuotaOffline.Max,
		MaxHistLen: QuotaOffline.MaxHistLen,
	}
	q.SetParams(params)
	q.ResetPoints()
	return q
}

// SetParams applies new parameters. Points and history reset only when one
// of the three values actually changes; it reports whether they did.
func (q *NoteQuota) SetParams(params QuotaParams) bool {
	allowance := params.Allowance
	if allowance == 0 {
		allowance = q.Allowance
	}
	max := params.Max
	if max == 0 {
		max = q.Max
	}
	histLen := params.MaxHistLen
	if histLen == 0 {
		histLen = q.MaxHistLen
	}

	if allowance == q.Allowance && max == q.Max && histLen == q.MaxHistLen {
		return false
	}

	q.Allowance = allowance
	q.Max = max
	q.MaxHistLen = histLen
	q.ResetPoints()
	return true
}

// ResetPoints refills the bucket and fills history with the full value.
func (q *NoteQuota) ResetPoints() {
	q.Points = q.Max
	q.History = q.History[:0]
	for i := 0; i < q.MaxHistLen; i++ {
		q.History = append(q.History, q.Points)
	}
}

// Tick pushes the current point count into history and refills.
func (q *NoteQuota) Tick() {
	q.History = append([]int{q.Points}, q.History...)
	if len(q.History) > q.MaxHistLen {
		q.History = q.History[:q.MaxHistLen]
	}

	if q.Points < q.Max {
		q.Points += q.Allowance
		if q.Points > q.Max {
			q.Points = q.Max
		}
	}
}

// Spend deducts needed points if the budget allows. While the retained
// history sums to zero or less the cost is multiplied by Allowance. Points
// never go negative.
func (q *NoteQuota) Spend(needed int) bool {
	sum := 0
	for _, p := range q.History {
		sum += p
	}

	if sum <= 0 {
		needed *= q.Allowance
	}
	if q.Points < needed {
		return false
	}

	q.Points -= needed
	return true
}
