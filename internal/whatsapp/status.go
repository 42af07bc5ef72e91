package whatsapp

// Status is the lifecycle state of the single WhatsApp connection.
type Status string

const (
	StatusDisconnected    Status = "disconnected"
	StatusConnecting      Status = "connecting"
	StatusAwaitingPairing Status = "awaiting_pairing"
	StatusConnected       Status = "connected"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// HasHandle reports whether a connection handle must exist in this status.
func (s Status) HasHandle() bool {
	switch s {
	case StatusConnecting, StatusAwaitingPairing, StatusConnected:
		return true
	default:
		return false
	}
}

// IsPairing reports whether the connection is waiting for (or about to get) a pairing code.
func (s Status) IsPairing() bool {
	return s == StatusConnecting || s == StatusAwaitingPairing
}
