// Package protocol defines the wire format of the walink HTTP API and its
// WebSocket event stream. It is importable by clients (the walink CLI uses it).
package protocol

import "encoding/json"

// ProtocolVersion is reported in the hello event.
const ProtocolVersion = 1

// FrameTypeEvent is the only frame type on the event stream.
const FrameTypeEvent = "event"

// ErrorShape describes an API error.
type ErrorShape struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error *ErrorShape `json:"error"`
}

// NewError creates an error response body.
func NewError(code, message string) *ErrorResponse {
	return &ErrorResponse{Error: &ErrorShape{Code: code, Message: message}}
}

// EventFrame is pushed from server to client on /ws.
type EventFrame struct {
	Type    string      `json:"type"`              // always "event"
	Event   string      `json:"event"`             // event name
	Payload interface{} `json:"payload,omitempty"` // event data
	Seq     int64       `json:"seq,omitempty"`     // ordering sequence number
}

// NewEvent creates an event frame.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: payload,
	}
}

// RawEvent is an event frame decoded on the client side.
type RawEvent struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// ParseEvent decodes an event frame, keeping the payload raw.
func ParseEvent(data []byte) (*RawEvent, error) {
	var ev RawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
}

// PairingResponse is the body of GET /api/qr.
type PairingResponse struct {
	Code             string `json:"code"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
	Blocked          bool   `json:"blocked"`
	Connected        bool   `json:"connected"`
}

// SendRequest is the body of POST /api/send-message.
type SendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

// SendResponse is the success body of POST /api/send-message.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

// ActionResponse is the success body of POST /api/clear and /api/logout.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HelloPayload is the payload of the hello event.
type HelloPayload struct {
	Protocol int         `json:"protocol"`
	Status   interface{} `json:"status"`
}
