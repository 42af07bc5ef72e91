//go:build tsnet

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/walink/internal/config"
)

// initTailscale serves the API on the tailnet as well, sharing handler with
// the main listener. Only compiled with -tags tsnet.
func initTailscale(ctx context.Context, cfg *config.Config, handler http.Handler) func() {
	tc := cfg.Tailscale
	if tc.Hostname == "" {
		slog.Debug("Tailscale available but not configured (set WALINK_TSNET_HOSTNAME to enable)")
		return nil
	}

	ts := &tsnet.Server{
		Hostname:  tc.Hostname,
		AuthKey:   tc.AuthKey,
		Ephemeral: tc.Ephemeral,
		Dir:       config.ExpandHome(tc.StateDir),
	}

	var (
		ln  net.Listener
		err error
	)
	port := ":80"
	if tc.EnableTLS {
		port = ":443"
		ln, err = ts.ListenTLS("tcp", port)
	} else {
		ln, err = ts.Listen("tcp", port)
	}
	if err != nil {
		slog.Warn("Tailscale listener failed to start", "error", err)
		ts.Close()
		return nil
	}
	slog.Info("Tailscale listener started", "hostname", tc.Hostname, "port", port, "tls", tc.EnableTLS)

	httpSrv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("Tailscale HTTP server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	return func() {
		httpSrv.Close()
		ln.Close()
		ts.Close()
		slog.Info("Tailscale listener stopped")
	}
}
