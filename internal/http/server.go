// Package http exposes the WhatsApp lifecycle over a small JSON API:
// status, pairing code (JSON and PNG), send, clear, logout, plus a WebSocket
// event stream, health and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/walink/internal/bus"
	"github.com/nextlevelbuilder/walink/internal/whatsapp"
	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

const maxSendBodySize = 64 << 10 // 64 KB

// Lifecycle is the part of whatsapp.Manager the API drives.
type Lifecycle interface {
	Snapshot() whatsapp.Snapshot
	Send(ctx context.Context, destination, body string) (string, error)
	Reset(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// PairingGovernor hands out pairing codes under the automatic-attempt bound.
type PairingGovernor interface {
	Request(ctx context.Context, automatic bool) whatsapp.PairingResult
}

// Config holds the hot-reloadable API settings.
type Config struct {
	Token        string
	RateLimitRPM int
	RateBurst    int
}

// Server serves the walink API.
type Server struct {
	lc     Lifecycle
	gov    PairingGovernor
	events *bus.EventBus
	idem   *bus.Idempotency

	token   atomic.Pointer[string]
	limiter atomic.Pointer[RateLimiter]

	upgrader  websocket.Upgrader
	clientsMu sync.Mutex
	clients   map[string]*streamClient
}

// NewServer creates the API server. events may be nil, which disables /ws.
func NewServer(lc Lifecycle, gov PairingGovernor, events *bus.EventBus, cfg Config) *Server {
	s := &Server{
		lc:      lc,
		gov:     gov,
		events:  events,
		idem:    bus.NewIdempotency(bus.DefaultIdempotencyTTL, bus.DefaultIdempotencySize),
		clients: make(map[string]*streamClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The bearer token is the access control; the stream is read-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the token and rate limit. Safe to call while serving.
func (s *Server) Apply(cfg Config) {
	tok := cfg.Token
	s.token.Store(&tok)
	s.limiter.Store(NewRateLimiter(cfg.RateLimitRPM, cfg.RateBurst))
}

// Token returns the current gateway token.
func (s *Server) Token() string {
	if p := s.token.Load(); p != nil {
		return *p
	}
	return ""
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, observe(pattern, s.rateLimited(s.requireAuth(false, h))))
	}
	api("GET /api/status", s.handleStatus)
	api("GET /api/qr", s.handleQR)
	api("GET /api/qr.png", s.handleQRImage)
	api("POST /api/send-message", s.handleSend)
	api("POST /api/clear", s.handleClear)
	api("POST /api/logout", s.handleLogout)

	if s.events != nil {
		mux.HandleFunc("GET /ws", s.rateLimited(s.requireAuth(true, s.handleStream)))
	}
	mux.Handle("GET /healthz", observe("GET /healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("http: write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.NewError(code, message))
}

// writeLifecycleError maps lifecycle errors onto API status codes.
func writeLifecycleError(w http.ResponseWriter, err error) {
	var (
		delivery *whatsapp.DeliveryError
		connect  *whatsapp.ConnectError
	)
	switch {
	case errors.Is(err, whatsapp.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, protocol.ErrNotConnected, "WhatsApp is not connected")
	case errors.Is(err, whatsapp.ErrInvalidDestination):
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
	case errors.Is(err, whatsapp.ErrPairingBlocked):
		writeError(w, http.StatusConflict, protocol.ErrPairingBlocked, err.Error())
	case errors.Is(err, whatsapp.ErrSessionDeleteFailed):
		writeError(w, http.StatusInternalServerError, protocol.ErrSessionDeleteFailed, "failed to delete session credentials")
	case errors.As(err, &delivery):
		writeError(w, http.StatusBadGateway, protocol.ErrDeliveryFailed, delivery.Error())
	case errors.As(err, &connect):
		writeError(w, http.StatusBadGateway, protocol.ErrConnectFailed, connect.Error())
	default:
		slog.Error("http: unexpected lifecycle error", "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
	}
}
