// Package whatsapp owns the lifecycle of the single WhatsApp connection.
//
// The Manager is a state machine over four statuses:
//
//	disconnected -> connecting -> awaiting_pairing -> connected
//
// Commands (Connect, Disconnect, Reset, Suspend) are serialized by opMu.
// Connection state (status, handle, generation, pairing code, auto-attempt
// counter) lives behind mu, which is never held across network or store I/O.
// Session-store calls are ordered by storeMu instead.
// Event callbacks from the network take mu as well, and events stamped with a
// stale generation are dropped, so a handle that was torn down can no longer
// mutate state.
//
// Reconnection is never automatic: a non-fatal close parks the connection in
// disconnected until the Governor (pairing-code requests) or an explicit
// command reconnects it. A fatal close wipes the session store.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultPairingCodeTTL is how long an offered QR code is served.
	DefaultPairingCodeTTL = 30 * time.Second
	// DefaultPairingWait bounds how long a pairing request waits for a fresh code.
	DefaultPairingWait = 1500 * time.Millisecond
	// DefaultMaxAutoAttempts is the number of automatic pairing requests tolerated
	// before the connection is suspended.
	DefaultMaxAutoAttempts = 5
	// DefaultLogoutTimeout bounds the best-effort logout during Disconnect.
	DefaultLogoutTimeout = 1500 * time.Millisecond
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/walink/internal/whatsapp")

// Policy holds the tunable lifecycle parameters. Zero fields take defaults.
type Policy struct {
	PairingCodeTTL  time.Duration
	PairingWait     time.Duration
	MaxAutoAttempts int
	LogoutTimeout   time.Duration
}

// DefaultPolicy returns the default lifecycle policy.
func DefaultPolicy() Policy {
	return Policy{
		PairingCodeTTL:  DefaultPairingCodeTTL,
		PairingWait:     DefaultPairingWait,
		MaxAutoAttempts: DefaultMaxAutoAttempts,
		LogoutTimeout:   DefaultLogoutTimeout,
	}
}

func (p Policy) withDefaults() Policy {
	if p.PairingCodeTTL <= 0 {
		p.PairingCodeTTL = DefaultPairingCodeTTL
	}
	if p.PairingWait <= 0 {
		p.PairingWait = DefaultPairingWait
	}
	if p.MaxAutoAttempts <= 0 {
		p.MaxAutoAttempts = DefaultMaxAutoAttempts
	}
	if p.LogoutTimeout <= 0 {
		p.LogoutTimeout = DefaultLogoutTimeout
	}
	return p
}

// Snapshot is a consistent view of the lifecycle state.
type Snapshot struct {
	Status       Status `json:"status"`
	Code         string `json:"code,omitempty"`
	ExpiresIn    int    `json:"expiresInSeconds"`
	AutoAttempts int    `json:"autoAttempts"`
}

// Notifier receives a snapshot after every state change.
// Notify is called with the Manager lock held: it must not block or call back into the Manager.
type Notifier interface {
	Notify(Snapshot)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithNotifier registers a state-change notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithPolicy sets the initial lifecycle policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p.withDefaults() }
}

// Manager owns the single WhatsApp connection.
type Manager struct {
	connector Connector
	store     SessionStore
	now       func() time.Time
	notifier  Notifier

	opMu sync.Mutex // serializes Connect/Disconnect/Reset/Suspend

	// storeMu orders session-store I/O. Lock order is storeMu before mu;
	// mu is never held across store calls.
	storeMu sync.Mutex

	mu           sync.Mutex
	policy       Policy
	status       Status
	handle       Handle
	gen          uint64
	code         PairingCode
	autoAttempts int
	changed      chan struct{}
}

// NewManager creates a Manager in the disconnected state.
func NewManager(connector Connector, store SessionStore, opts ...Option) *Manager {
	m := &Manager{
		connector: connector,
		store:     store,
		now:       time.Now,
		policy:    DefaultPolicy(),
		status:    StatusDisconnected,
		changed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	observeStatus(m.status)
	return m
}

// SetPolicy replaces the lifecycle policy. An already offered code keeps its TTL.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p.withDefaults()
}

// Policy returns the current lifecycle policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// PairingCode returns the current pairing code and its remaining lifetime in
// whole seconds. An expired code is cleared and reported as ("", 0).
func (m *Manager) PairingCode() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentCodeLocked()
}

// Snapshot returns the status, pairing code and counter read under one lock.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Changed returns a channel that is closed on the next state change.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// RegisterAttempt records a pairing-code request. A manual request resets the
// automatic counter. An automatic request is refused once max automatic
// requests were already made; otherwise the counter is incremented.
func (m *Manager) RegisterAttempt(automatic bool, max int) (attempts int, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !automatic {
		m.autoAttempts = 0
		return 0, true
	}
	if m.autoAttempts >= max {
		return m.autoAttempts, false
	}
	m.autoAttempts++
	return m.autoAttempts, true
}

// Connect opens the connection using the persisted session, if any.
// It is a no-op unless the connection is disconnected. The network dial runs
// in the background; its outcome is observed through Status.
func (m *Manager) Connect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.connect(ctx)
}

// Disconnect logs out (best effort), frees the connection and deletes the
// persisted session. It is safe to call while disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.disconnect(ctx)
}

// Reset wipes the persisted session and reconnects from scratch so a new
// pairing code is issued. A delete failure is returned, but the reconnect is
// still attempted.
func (m *Manager) Reset(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	delErr := m.disconnect(ctx)
	if err := m.connect(ctx); err != nil {
		return errors.Join(delErr, err)
	}
	return delErr
}

// Suspend frees the connection without logging out or touching the session store.
func (m *Manager) Suspend(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	h := m.detachLocked()
	m.mu.Unlock()

	if h != nil {
		h.Close()
		slog.Info("whatsapp: connection suspended")
	}
}

// Send delivers a text message to destination, a phone number in any format.
func (m *Manager) Send(ctx context.Context, destination, body string) (string, error) {
	ctx, span := tracer.Start(ctx, "whatsapp.send")
	defer span.End()

	m.mu.Lock()
	status, h := m.status, m.handle
	m.mu.Unlock()

	if status != StatusConnected || h == nil {
		messagesSent.WithLabelValues("not_connected").Inc()
		span.SetStatus(codes.Error, ErrNotConnected.Error())
		return "", ErrNotConnected
	}

	address, err := NormalizeAddress(destination)
	if err != nil {
		messagesSent.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("whatsapp.body_len", len(body)))

	id, err := h.Send(ctx, address, body)
	if err != nil {
		messagesSent.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		slog.Warn("whatsapp: send failed", "error", err)
		return "", &DeliveryError{Cause: err}
	}

	messagesSent.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.String("whatsapp.message_id", id))
	slog.Info("whatsapp: message sent", "message_id", id)
	return id, nil
}

// --- Commands (opMu held) ---

func (m *Manager) connect(ctx context.Context) error {
	if m.Status() != StatusDisconnected {
		return nil
	}

	// Only connect leaves disconnected and opMu is held, so the status
	// cannot change underneath the load.
	creds, err := m.loadSession(ctx)
	if err != nil {
		slog.Warn("whatsapp: load session failed, pairing from scratch", "error", err)
		creds = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusDisconnected {
		return nil
	}

	m.gen++
	gen := m.gen
	h, err := m.connector.Open(ctx, creds, func(ev Event) { m.handleEvent(gen, ev) })
	if err != nil {
		connectFailures.Inc()
		slog.Error("whatsapp: open connection failed", "error", err)
		return &ConnectError{Cause: err}
	}

	m.handle = h
	m.setStatusLocked(StatusConnecting)
	slog.Info("whatsapp: connecting", "resume", creds != nil)

	go m.dial(gen, h)
	return nil
}

func (m *Manager) dial(gen uint64, h Handle) {
	if err := h.Connect(); err != nil {
		connectFailures.Inc()
		slog.Warn("whatsapp: dial failed", "error", err)
		m.handleEvent(gen, ConnectionClosed{Reason: err.Error()})
	}
}

func (m *Manager) disconnect(ctx context.Context) error {
	m.mu.Lock()
	h := m.detachLocked()
	logoutTimeout := m.policy.LogoutTimeout
	m.mu.Unlock()

	if h != nil {
		bestEffort("logout", func() error {
			lctx, cancel := context.WithTimeout(ctx, logoutTimeout)
			defer cancel()
			return h.Logout(lctx)
		})
		h.Close()
		slog.Info("whatsapp: disconnected")
	}

	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	return m.deleteSessionLocked(ctx)
}

// --- Events ---

// handleEvent applies a network event stamped with the generation of the
// handle that produced it. Store writes run after mu is released.
func (m *Manager) handleEvent(gen uint64, ev Event) {
	switch e := ev.(type) {
	case ConnectionClosed:
		m.handleClosed(gen, e)
	case CredentialsUpdated:
		m.saveCredentials(gen, e.Credentials)
	default:
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.staleLocked(gen, ev) {
			return
		}
		m.applyLocked(ev)
	}
}

func (m *Manager) applyLocked(ev Event) {
	switch e := ev.(type) {
	case PairingCodeOffered:
		if m.status == StatusConnected {
			slog.Warn("whatsapp: pairing code offered while connected, ignoring")
			return
		}
		ttl := m.policy.PairingCodeTTL
		if e.TTL > 0 && e.TTL < ttl {
			ttl = e.TTL
		}
		m.code = PairingCode{Value: e.Code, IssuedAt: m.now(), TTL: ttl}
		pairingCodesOffered.Inc()
		slog.Info("whatsapp: pairing code offered", "ttl", ttl)
		m.setStatusLocked(StatusAwaitingPairing)

	case ConnectionOpened:
		m.code = PairingCode{}
		m.autoAttempts = 0
		m.setStatusLocked(StatusConnected)
		slog.Info("whatsapp: connected")

	default:
		slog.Debug("whatsapp: unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

// handleClosed detaches the handle under mu, then wipes the store for a fatal
// close. storeMu is taken first so a concurrent Connect cannot load the
// invalidated session before it is gone.
func (m *Manager) handleClosed(gen uint64, e ConnectionClosed) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	if m.staleLocked(gen, e) {
		m.mu.Unlock()
		return
	}
	h := m.detachLocked()
	m.mu.Unlock()

	connectionsClosed.WithLabelValues(fmt.Sprint(e.Fatal)).Inc()
	// Close re-enters the network library, which may be dispatching this very event.
	go h.Close()

	if !e.Fatal {
		slog.Info("whatsapp: connection closed", "reason", e.Reason)
		return
	}
	slog.Warn("whatsapp: session invalidated, deleting credentials", "reason", e.Reason)
	if err := m.deleteSessionLocked(context.Background()); err != nil {
		slog.Warn("whatsapp: credential wipe failed, stale session may be reused", "error", err)
	}
}

// saveCredentials persists refreshed credentials unless the handle was
// detached in the meantime. A Disconnect that detaches concurrently waits on
// storeMu, so its delete always lands after this save.
func (m *Manager) saveCredentials(gen uint64, creds Credentials) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	stale := m.staleLocked(gen, CredentialsUpdated{})
	m.mu.Unlock()
	if stale {
		return
	}
	if err := m.store.Save(context.Background(), creds); err != nil {
		slog.Warn("whatsapp: save credentials failed", "error", err)
	}
}

// --- Internal (mu held) ---

func (m *Manager) staleLocked(gen uint64, ev Event) bool {
	if gen != m.gen || m.handle == nil {
		slog.Debug("whatsapp: dropping stale event", "event", EventKind(ev))
		return true
	}
	return false
}

// detachLocked frees the current handle, invalidates its pending events and
// moves to disconnected. It returns the detached handle for the caller to close.
func (m *Manager) detachLocked() Handle {
	h := m.handle
	if h == nil {
		return nil
	}
	m.handle = nil
	m.gen++
	m.code = PairingCode{}
	m.setStatusLocked(StatusDisconnected)
	return h
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status != s {
		slog.Debug("whatsapp: status change", "from", m.status, "to", s)
	}
	m.status = s
	observeStatus(s)

	close(m.changed)
	m.changed = make(chan struct{})

	if m.notifier != nil {
		m.notifier.Notify(m.snapshotLocked())
	}
}

func (m *Manager) currentCodeLocked() (string, int) {
	now := m.now()
	if !m.code.Valid(now) {
		m.code = PairingCode{}
		return "", 0
	}
	return m.code.Value, m.code.RemainingSeconds(now)
}

func (m *Manager) snapshotLocked() Snapshot {
	code, expiresIn := m.currentCodeLocked()
	return Snapshot{
		Status:       m.status,
		Code:         code,
		ExpiresIn:    expiresIn,
		AutoAttempts: m.autoAttempts,
	}
}

// --- Store I/O (storeMu held, mu not held) ---

func (m *Manager) loadSession(ctx context.Context) (Credentials, error) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	return m.store.Load(ctx)
}

// deleteSessionLocked wipes the session store. Failures are returned wrapped in
// ErrSessionDeleteFailed and never block a state transition.
func (m *Manager) deleteSessionLocked(ctx context.Context) error {
	if err := m.store.Delete(ctx); err != nil {
		sessionDeletes.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %w", ErrSessionDeleteFailed, err)
	}
	sessionDeletes.WithLabelValues("ok").Inc()
	slog.Info("whatsapp: session credentials deleted")
	return nil
}

// bestEffort runs fn and logs its failure. It never returns an error.
func bestEffort(op string, fn func() error) {
	if err := fn(); err != nil {
		slog.Debug("whatsapp: best-effort operation failed", "op", op, "error", err)
	}
}
