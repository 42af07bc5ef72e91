package whatsapp

import "time"

// PairingCode is a short-lived QR code the user scans from the phone app.
type PairingCode struct {
	Value    string
	IssuedAt time.Time
	TTL      time.Duration
}

// Remaining returns the time left before the code expires, never negative.
func (c PairingCode) Remaining(now time.Time) time.Duration {
	if c.Value == "" {
		return 0
	}
	left := c.IssuedAt.Add(c.TTL).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Valid reports whether the code can still be served at now.
func (c PairingCode) Valid(now time.Time) bool {
	return c.Remaining(now) > 0
}

// RemainingSeconds returns the whole seconds left, rounded up, so it is 0
// exactly when the code has expired.
func (c PairingCode) RemainingSeconds(now time.Time) int {
	return int((c.Remaining(now) + time.Second - 1) / time.Second)
}
