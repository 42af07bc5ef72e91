package whatsapp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Lifecycle is the part of the Manager the Governor drives.
type Lifecycle interface {
	Status() Status
	PairingCode() (code string, expiresIn int)
	Changed() <-chan struct{}
	RegisterAttempt(automatic bool, max int) (attempts int, allowed bool)
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// PairingResult is the outcome of a pairing-code request.
// An empty Code with Blocked and Connected unset means the network has not
// offered a code yet; callers may poll again.
type PairingResult struct {
	Code      string
	ExpiresIn int
	Blocked   bool
	Connected bool
	Attempts  int
}

// Err returns ErrPairingBlocked for a blocked result.
func (r PairingResult) Err() error {
	if r.Blocked {
		return ErrPairingBlocked
	}
	return nil
}

// Governor decides who may trigger pairing-code regeneration.
// Automatic requests (client polling) are bounded; once the bound is exceeded
// the connection is torn down and only a manual request revives it.
type Governor struct {
	lc Lifecycle

	mu      sync.RWMutex
	maxAuto int
	wait    time.Duration
}

// NewGovernor creates a Governor over lc.
func NewGovernor(lc Lifecycle, p Policy) *Governor {
	g := &Governor{lc: lc}
	g.SetPolicy(p)
	return g
}

// SetPolicy updates the attempt bound and wait.
func (g *Governor) SetPolicy(p Policy) {
	p = p.withDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxAuto = p.MaxAutoAttempts
	g.wait = p.PairingWait
}

// Request returns the current pairing code, connecting first and waiting
// briefly for the network when there is none. It never blocks longer than
// the configured wait.
func (g *Governor) Request(ctx context.Context, automatic bool) PairingResult {
	g.mu.RLock()
	maxAuto, wait := g.maxAuto, g.wait
	g.mu.RUnlock()

	mode := "manual"
	if automatic {
		mode = "auto"
	}

	if g.lc.Status() == StatusConnected {
		PairingRequests.WithLabelValues(mode, "connected").Inc()
		return PairingResult{Connected: true}
	}

	attempts, allowed := g.lc.RegisterAttempt(automatic, maxAuto)
	if !allowed {
		slog.Warn("whatsapp: automatic pairing attempts exhausted, disconnecting",
			"attempts", attempts, "max", maxAuto)
		if err := g.lc.Disconnect(ctx); err != nil {
			slog.Warn("whatsapp: disconnect after blocked pairing", "error", err)
		}
		PairingRequests.WithLabelValues(mode, "blocked").Inc()
		return PairingResult{Blocked: true, Attempts: attempts}
	}

	res := g.await(ctx, wait)
	res.Attempts = attempts

	outcome := "empty"
	switch {
	case res.Connected:
		outcome = "connected"
	case res.Code != "":
		outcome = "code"
	}
	PairingRequests.WithLabelValues(mode, outcome).Inc()
	return res
}

func (g *Governor) await(ctx context.Context, wait time.Duration) PairingResult {
	changed := g.lc.Changed()
	if code, ttl := g.lc.PairingCode(); ttl > 0 {
		return PairingResult{Code: code, ExpiresIn: ttl}
	}

	if g.lc.Status() == StatusDisconnected {
		if err := g.lc.Connect(ctx); err != nil {
			slog.Warn("whatsapp: connect for pairing failed", "error", err)
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if code, ttl := g.lc.PairingCode(); ttl > 0 {
			return PairingResult{Code: code, ExpiresIn: ttl}
		}
		if g.lc.Status() == StatusConnected {
			return PairingResult{Connected: true}
		}

		select {
		case <-changed:
			changed = g.lc.Changed()
		case <-timer.C:
			code, ttl := g.lc.PairingCode()
			return PairingResult{Code: code, ExpiresIn: ttl}
		case <-ctx.Done():
			code, ttl := g.lc.PairingCode()
			return PairingResult{Code: code, ExpiresIn: ttl}
		}
	}
}
