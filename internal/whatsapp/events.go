package whatsapp

import "time"

// Event is emitted by a Handle into the sink passed to Connector.Open.
// Concrete types: PairingCodeOffered, ConnectionOpened, ConnectionClosed, CredentialsUpdated.
type Event interface {
	eventKind() string
}

// PairingCodeOffered carries a fresh QR pairing code issued by the network.
// TTL is the lifetime the network gives the code; zero means unknown. The
// served lifetime is the shorter of TTL and the policy's PairingCodeTTL.
type PairingCodeOffered struct {
	Code string
	TTL  time.Duration
}

// ConnectionOpened signals that the session is authenticated and usable.
type ConnectionOpened struct{}

// ConnectionClosed signals the end of the connection.
// Fatal is set when the credentials are permanently invalid (remote logout).
type ConnectionClosed struct {
	Reason string
	Fatal  bool
}

// CredentialsUpdated carries credential material that must be persisted.
type CredentialsUpdated struct {
	Credentials Credentials
}

func (PairingCodeOffered) eventKind() string { return "pairing-code-offered" }
func (ConnectionOpened) eventKind() string   { return "connection-open" }
func (ConnectionClosed) eventKind() string   { return "connection-close" }
func (CredentialsUpdated) eventKind() string { return "credentials-updated" }

// EventKind returns a stable name for logging.
func EventKind(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventKind()
}
