package whatsapp

import "strings"

// UserServer is the WhatsApp domain suffix for individual user addresses.
const UserServer = "s.whatsapp.net"

// NormalizeAddress converts a phone number in any human format into a WhatsApp
// user address: every non-digit is dropped and the user server is appended.
// "+1 (555) 123-4567" becomes "15551234567@s.whatsapp.net".
func NormalizeAddress(destination string) (string, error) {
	var b strings.Builder
	b.Grow(len(destination) + len(UserServer) + 1)
	for _, r := range destination {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", ErrInvalidDestination
	}
	b.WriteByte('@')
	b.WriteString(UserServer)
	return b.String(), nil
}
