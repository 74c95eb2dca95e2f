package engine

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Ensemble/internal/config"
	"github.com/dkeye/Ensemble/internal/domain"
)

func newSocketID() domain.SocketID {
	return domain.SocketID(uuid.NewString())
}

func newParticipantID() domain.ParticipantID {
	return domain.ParticipantID(randomHex(24))
}

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in far worse trouble
		// than a weak ID; fall back to something usable.
		return strings.Repeat("0", n)
	}
	return hex.EncodeToString(buf)[:n]
}

// userIDFromIP derives the stable user ID for a connection. The legacy
// strategy reproduces the md5-of-mapped-address scheme older clients expect.
func userIDFromIP(ip string, cfg *config.Config) domain.UserID {
	switch cfg.Users.IDGeneration {
	case "sha256":
		sum := sha256.Sum256([]byte(ip + cfg.Users.Salt))
		return domain.UserID(hex.EncodeToString(sum[:])[:24])
	case "legacy":
		sum := md5.Sum([]byte("::ffff:" + ip + cfg.Users.Salt))
		return domain.UserID(hex.EncodeToString(sum[:])[:24])
	default:
		return domain.UserID(randomHex(24))
	}
}

// colorForID picks a user's default name color from their ID.
func colorForID(id domain.UserID, cfg *config.Config) string {
	switch cfg.Users.ColorGeneration {
	case "sha256":
		sum := sha256.Sum256([]byte(string(id) + cfg.Users.ColorSalt))
		return "#" + hex.EncodeToString(sum[:])[24:30]
	case "legacy":
		return legacyColor(string(id) + cfg.Users.ColorSalt)
	case "white":
		return "#ffffff"
	default:
		return fmt.Sprintf("#%06x", mrand.New(mrand.NewSource(time.Now().UnixNano())).Intn(0x1000000))
	}
}

// legacyColor is the historical md5-derived palette: offset each component,
// then darken until the color is not too bright.
func legacyColor(seed string) string {
	sum := md5.Sum([]byte(seed))

	r := int(sum[0])
	g := int(sum[1])
	b := int(sum[2])

	r = (r - 0x40 + 0x20) & 0xff
	g = (g - 0x40 + 0x20) & 0xff
	b = (b - 0x40 + 0x20) & 0xff

	for r+g+b > 0xd6*3 {
		if r > 0 {
			r--
		}
		if g > 0 {
			g--
		}
		if b > 0 {
			b--
		}
	}

	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

// darken derives the secondary channel color from the primary one.
func darken(color string, amount int) string {
	if !hexColorRe.MatchString(color) {
		return color
	}
	var r, g, b int
	fmt.Sscanf(color[1:], "%02x%02x%02x", &r, &g, &b)

	r = max(0, r-amount)
	g = max(0, g-amount)
	b = max(0, b-amount)

	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

// formatRemaining renders a duration like "1 hours, 30 minutes, 5 seconds".
func formatRemaining(d time.Duration) string {
	seconds := int(d.Seconds())

	days := seconds / 86400
	hours := seconds / 3600 % 24
	minutes := seconds / 60 % 60
	secs := seconds % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%d days", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%d hours", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%d minutes", minutes))
	}
	if secs > 0 {
		parts = append(parts, fmt.Sprintf("%d seconds", secs))
	}
	if len(parts) == 0 {
		return "0 seconds"
	}
	return strings.Join(parts, ", ")
}
