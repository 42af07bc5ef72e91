package protocol

// Error codes carried in ErrorShape.Code.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrRateLimited    = "RATE_LIMITED"
	ErrNotFound       = "NOT_FOUND"
	ErrInternal       = "INTERNAL"

	// WhatsApp lifecycle
	ErrNotConnected        = "NOT_CONNECTED"
	ErrDeliveryFailed      = "DELIVERY_FAILED"
	ErrPairingBlocked      = "PAIRING_BLOCKED"
	ErrSessionDeleteFailed = "SESSION_DELETE_FAILED"
	ErrConnectFailed       = "CONNECT_FAILED"
)
