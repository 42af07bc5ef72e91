package otelexport

import (
	"context"
	"testing"
)

func TestNew_EmptyEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestNew_UnknownProtocol(t *testing.T) {
	_, err := New(context.Background(), Config{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestProvider_ShutdownNil(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil provider: %v", err)
	}
}

func TestNew_HTTPInsecure(t *testing.T) {
	p, err := New(context.Background(), Config{
		Endpoint: "localhost:4318",
		Protocol: "http",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Logf("shutdown (no collector running): %v", err)
	}
}
