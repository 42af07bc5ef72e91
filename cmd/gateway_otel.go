//go:build otel

package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/walink/internal/config"
	"github.com/nextlevelbuilder/walink/internal/tracing/otelexport"
)

// initOTelExporter registers the OpenTelemetry OTLP exporter when the telemetry
// config is enabled. Only compiled with -tags otel. The returned func flushes
// pending spans.
func initOTelExporter(ctx context.Context, cfg *config.Config) func() {
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint == "" {
		slog.Debug("OTel export available but not enabled (set telemetry.enabled + telemetry.endpoint)")
		return func() {}
	}

	provider, err := otelexport.New(ctx, otelexport.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		slog.Warn("failed to create OTel exporter", "error", err)
		return func() {}
	}

	slog.Info("OpenTelemetry OTLP export enabled",
		"endpoint", cfg.Telemetry.Endpoint,
		"protocol", cfg.Telemetry.Protocol,
	)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("OTel exporter shutdown", "error", err)
		}
	}
}
