package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/walink/internal/bus"
	"github.com/nextlevelbuilder/walink/internal/config"
	httpapi "github.com/nextlevelbuilder/walink/internal/http"
	"github.com/nextlevelbuilder/walink/internal/sessionstore"
	"github.com/nextlevelbuilder/walink/internal/whatsapp"
	"github.com/nextlevelbuilder/walink/internal/whatsapp/meow"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (default when no subcommand is given)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

// policyFromConfig maps the whatsapp config section onto a lifecycle policy.
func policyFromConfig(cfg *config.Config) whatsapp.Policy {
	wa := cfg.WhatsApp
	return whatsapp.Policy{
		PairingCodeTTL:  time.Duration(wa.PairingCodeTTLSec) * time.Second,
		PairingWait:     time.Duration(wa.PairingWaitMs) * time.Millisecond,
		MaxAutoAttempts: wa.MaxAutoAttempts,
		LogoutTimeout:   time.Duration(wa.LogoutTimeoutMs) * time.Millisecond,
	}
}

func apiConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Token:        cfg.Gateway.Token,
		RateLimitRPM: cfg.Gateway.RateLimitRPM,
	}
}

func runGateway() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}

	logLevel := new(slog.LevelVar)
	slog.SetDefault(newLogger(cfg.Log, logLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := initOTelExporter(ctx, cfg)
	defer shutdownTracing()

	waLogger := meow.NewLogger(slog.Default(), "whatsmeow", meow.ParseLevel(cfg.WhatsApp.LogLevel))

	store, err := sessionstore.Open(ctx, cfg.WhatsApp.DBDialect, cfg.WhatsApp.DBDSN,
		config.ExpandHome(cfg.WhatsApp.DataDir), waLogger.Sub("Database"))
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	connector := meow.NewConnector(store.Container(), waLogger.Sub("Client"), meow.Config{
		DeviceName: cfg.WhatsApp.DeviceName,
		PrintQR:    cfg.WhatsApp.PrintQR,
	})

	events := bus.New()
	policy := policyFromConfig(cfg)
	mgr := whatsapp.NewManager(connector, store,
		whatsapp.WithNotifier(events),
		whatsapp.WithPolicy(policy),
	)
	gov := whatsapp.NewGovernor(mgr, policy)
	api := httpapi.NewServer(mgr, gov, events, apiConfig(cfg))
	handler := api.Handler()

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Hot reload: lifecycle policy, API token, rate limit and log level.
	// Listener address, store and device name need a restart.
	if watcher, err := config.NewWatcher(cfgPath); err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	} else {
		watcher.OnChange(func(next *config.Config) {
			p := policyFromConfig(next)
			mgr.SetPolicy(p)
			gov.SetPolicy(p)
			api.Apply(apiConfig(next))
			logLevel.Set(parseLogLevel(next.Log.Level))
			if next.Gateway.Host != cfg.Gateway.Host || next.Gateway.Port != cfg.Gateway.Port {
				slog.Warn("gateway address changed; restart to apply")
			}
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	stopTailscale := initTailscale(ctx, cfg, handler)
	if stopTailscale != nil {
		defer stopTailscale()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("gateway listening", "addr", addr, "auth", cfg.Gateway.Token != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})

	g.Go(func() error {
		if err := mgr.Connect(gctx); err != nil {
			// Stays disconnected; the next pairing request retries.
			slog.Warn("initial whatsapp connect failed", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down gateway")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		api.CloseStreams()
		err := srv.Shutdown(shutdownCtx)
		// Keep the session for the next start.
		mgr.Suspend(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}
