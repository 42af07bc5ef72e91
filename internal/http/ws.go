package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/walink/internal/bus"
	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

const (
	streamSendBuffer = 64
	streamPingEvery  = 30 * time.Second
	streamReadWait   = 60 * time.Second
	streamWriteWait  = 10 * time.Second
	// Clients only send control frames and pongs.
	maxStreamMessageSize = 4096
)

// streamClient is one /ws subscriber.
type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *streamClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// enqueue queues a frame without blocking. Slow clients lose frames.
func (c *streamClient) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		slog.Debug("http: dropping event for slow stream client", "client", c.id)
		return false
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("http: websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, streamSendBuffer),
	}

	hello, _ := json.Marshal(protocol.NewEvent(protocol.EventHello, protocol.HelloPayload{
		Protocol: protocol.ProtocolVersion,
		Status:   s.lc.Snapshot(),
	}))
	c.enqueue(hello)

	s.events.Subscribe(c.id, func(ev bus.Event) {
		frame := protocol.NewEvent(ev.Name, ev.Payload)
		frame.Seq = ev.Seq
		data, err := json.Marshal(frame)
		if err != nil {
			slog.Warn("http: encode event failed", "event", ev.Name, "error", err)
			return
		}
		c.enqueue(data)
	})
	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	slog.Debug("http: stream client connected", "client", c.id)

	go c.writePump()
	c.readPump()

	s.events.Unsubscribe(c.id)
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
	c.close()
	slog.Debug("http: stream client disconnected", "client", c.id)
}

// readPump consumes client frames until the connection fails.
func (c *streamClient) readPump() {
	c.conn.SetReadLimit(maxStreamMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(streamReadWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(streamReadWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("http: stream read error", "client", c.id, "error", err)
			}
			return
		}
	}
}

// writePump writes frames and pings to the WebSocket connection.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(streamPingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// CloseStreams sends a shutdown event to every stream client and closes them.
// http.Server.Shutdown does not track hijacked connections.
func (s *Server) CloseStreams() {
	data, _ := json.Marshal(protocol.NewEvent(protocol.EventShutdown, nil))

	s.clientsMu.Lock()
	clients := make([]*streamClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		if s.events != nil {
			s.events.Unsubscribe(c.id)
		}
		c.enqueue(data)
		c.close()
	}
}

// StreamClients returns the number of connected stream clients.
func (s *Server) StreamClients() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}
