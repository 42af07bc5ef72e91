package protocol

// WebSocket event names pushed from server to client.
const (
	// EventStatus carries a lifecycle snapshot after every state change.
	EventStatus = "whatsapp.status"
	// EventPairing is sent when a new pairing code is offered.
	EventPairing = "whatsapp.pairing"
	// EventHello is the first frame on a new stream, with the current snapshot.
	EventHello    = "hello"
	EventShutdown = "shutdown"
)
