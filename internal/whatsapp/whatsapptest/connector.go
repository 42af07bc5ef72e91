// Package whatsapptest provides a scriptable in-memory Connector for tests.
package whatsapptest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nextlevelbuilder/walink/internal/whatsapp"
)

// ErrClosed is returned by Handle operations after Close.
var ErrClosed = errors.New("whatsapptest: handle closed")

// Connector records every Open and hands out Handles.
type Connector struct {
	mu      sync.Mutex
	handles []*Handle

	// OpenErr fails Open when set.
	OpenErr error
	// ConnectErr fails Handle.Connect when set.
	ConnectErr error
	// SendErr fails Handle.Send when set.
	SendErr error
	// LogoutErr fails Handle.Logout when set.
	LogoutErr error
	// OnConnect runs inside Handle.Connect (on the dial goroutine).
	OnConnect func(h *Handle)
}

// PairOnConnect returns an OnConnect hook that offers code when the handle has
// no credentials and opens the connection otherwise.
func PairOnConnect(code string) func(h *Handle) {
	return func(h *Handle) {
		if h.Creds == nil {
			h.OfferCode(code)
			return
		}
		h.Open()
	}
}

// Open implements whatsapp.Connector.
func (c *Connector) Open(_ context.Context, creds whatsapp.Credentials, sink whatsapp.EventSink) (whatsapp.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	h := &Handle{
		c:         c,
		Creds:     creds,
		sink:      sink,
		connected: make(chan struct{}),
	}
	c.handles = append(c.handles, h)
	return h, nil
}

// Opens returns the number of successful Open calls.
func (c *Connector) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Last returns the most recently opened handle, or nil.
func (c *Connector) Last() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

// Handles returns every opened handle in order.
func (c *Connector) Handles() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Handle, len(c.handles))
	copy(out, c.handles)
	return out
}

func (c *Connector) settings() (connectErr, sendErr, logoutErr error, onConnect func(*Handle)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ConnectErr, c.SendErr, c.LogoutErr, c.OnConnect
}

// Sent is a message recorded by Handle.Send.
type Sent struct {
	Address string
	Body    string
}

// Handle is a fake connection.
type Handle struct {
	c     *Connector
	Creds whatsapp.Credentials
	sink  whatsapp.EventSink

	connected chan struct{}
	once      sync.Once

	mu      sync.Mutex
	sent    []Sent
	logouts int
	closed  bool
}

// Connect implements whatsapp.Handle.
func (h *Handle) Connect() error {
	defer h.once.Do(func() { close(h.connected) })

	connectErr, _, _, onConnect := h.c.settings()
	if connectErr != nil {
		return connectErr
	}
	if onConnect != nil {
		onConnect(h)
	}
	return nil
}

// Send implements whatsapp.Handle.
func (h *Handle) Send(_ context.Context, address, body string) (string, error) {
	_, sendErr, _, _ := h.c.settings()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", ErrClosed
	}
	if sendErr != nil {
		return "", sendErr
	}
	h.sent = append(h.sent, Sent{Address: address, Body: body})
	return "MSG" + string(rune('A'+len(h.sent)-1)), nil
}

// Logout implements whatsapp.Handle.
func (h *Handle) Logout(_ context.Context) error {
	_, _, logoutErr, _ := h.c.settings()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logouts++
	return logoutErr
}

// Close implements whatsapp.Handle.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

// Emit delivers ev to the Manager synchronously.
func (h *Handle) Emit(ev whatsapp.Event) {
	h.sink(ev)
}

// OfferCode emits a PairingCodeOffered event.
func (h *Handle) OfferCode(code string) {
	h.Emit(whatsapp.PairingCodeOffered{Code: code})
}

// Open emits a ConnectionOpened event.
func (h *Handle) Open() {
	h.Emit(whatsapp.ConnectionOpened{})
}

// Drop emits a ConnectionClosed event.
func (h *Handle) Drop(reason string, fatal bool) {
	h.Emit(whatsapp.ConnectionClosed{Reason: reason, Fatal: fatal})
}

// WaitConnected blocks until Connect has returned or the timeout elapses.
func (h *Handle) WaitConnected(timeout time.Duration) bool {
	select {
	case <-h.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Sent returns the recorded messages.
func (h *Handle) Sent() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Sent, len(h.sent))
	copy(out, h.sent)
	return out
}

// Logouts returns the number of Logout calls.
func (h *Handle) Logouts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logouts
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
