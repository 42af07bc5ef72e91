// Package bus fans lifecycle state changes out to event-stream subscribers.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/walink/internal/whatsapp"
	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

// Event is a named payload broadcast to subscribers.
type Event struct {
	Name    string
	Payload any
	Seq     int64
}

// EventHandler receives broadcast events. It must not block.
type EventHandler func(Event)

// EventBus broadcasts events to subscribers (WebSocket streams).
// It implements whatsapp.Notifier.
type EventBus struct {
	seq atomic.Int64

	// Event subscribers (subscriber ID → handler)
	subscribers map[string]EventHandler
	subMu       sync.RWMutex

	lastCode string
	codeMu   sync.Mutex
}

func New() *EventBus {
	return &EventBus{
		subscribers: make(map[string]EventHandler),
	}
}

// Subscribe registers an event subscriber under id, replacing any previous one.
func (b *EventBus) Subscribe(id string, handler EventHandler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes an event subscriber.
func (b *EventBus) Unsubscribe(id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, id)
}

// Subscribers returns the number of registered subscribers.
func (b *EventBus) Subscribers() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subscribers)
}

// Broadcast stamps the event with the next sequence number and sends it to all
// subscribers.
func (b *EventBus) Broadcast(name string, payload any) {
	ev := Event{Name: name, Payload: payload, Seq: b.seq.Add(1)}

	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, handler := range b.subscribers {
		handler(ev) // handlers are non-blocking
	}
}

// Notify implements whatsapp.Notifier. Every snapshot goes out as a status
// event; a code not seen before also goes out as a pairing event.
func (b *EventBus) Notify(s whatsapp.Snapshot) {
	b.Broadcast(protocol.EventStatus, s)

	b.codeMu.Lock()
	fresh := s.Code != "" && s.Code != b.lastCode
	b.lastCode = s.Code
	b.codeMu.Unlock()

	if fresh {
		b.Broadcast(protocol.EventPairing, protocol.PairingResponse{
			Code:             s.Code,
			ExpiresInSeconds: s.ExpiresIn,
		})
	}
}
