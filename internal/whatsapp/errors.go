package whatsapp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when the session is not connected.
	ErrNotConnected = errors.New("whatsapp is not connected")

	// ErrPairingBlocked is reported when automatic pairing-code requests exceeded the bound.
	ErrPairingBlocked = errors.New("automatic pairing attempts exhausted, manual request required")

	// ErrSessionDeleteFailed wraps a session store delete failure.
	ErrSessionDeleteFailed = errors.New("delete session credentials")

	// ErrInvalidDestination is returned when a destination has no digits.
	ErrInvalidDestination = errors.New("destination has no digits")
)

// DeliveryError is returned when the underlying handle rejected a send.
type DeliveryError struct {
	Cause error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message: %v", e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }

// ConnectError is returned when the connection could not be constructed.
type ConnectError struct {
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("open whatsapp connection: %v", e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }
