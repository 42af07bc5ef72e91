package whatsapp

import "context"

// Credentials is the durable credential material backing a session.
// It is opaque to the Manager: only the SessionStore and the Connector interpret it.
type Credentials any

// EventSink receives events from a Handle. Calls are serialized per handle.
type EventSink func(Event)

// Connector opens connections to the messaging network.
type Connector interface {
	// Open constructs a connection from the given credentials (nil means pair from scratch)
	// and registers sink for its events. It must not perform network I/O.
	Open(ctx context.Context, creds Credentials, sink EventSink) (Handle, error)
}

// Handle is a single opened connection.
type Handle interface {
	// Connect dials the network. The Manager runs it in the background;
	// completion is reported through the event sink.
	Connect() error
	// Send delivers a text message and returns the network message ID.
	Send(ctx context.Context, address, body string) (string, error)
	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error
	// Close unregisters the event sink and drops the connection.
	Close()
}

// SessionStore persists credential material for the single session.
type SessionStore interface {
	// Load returns nil credentials when no session has been persisted.
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, creds Credentials) error
	// Delete removes all credential material. Deleting an absent session succeeds.
	Delete(ctx context.Context) error
}
