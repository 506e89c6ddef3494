package otel

import (
	"context"
	"testing"
)

func TestNewProvidersEmptyEndpoint(t *testing.T) {
	ctx := context.Background()
	providers, err := NewProviders(ctx, "  ", "test-service", false)
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	if providers.TracerProvider == nil || providers.MeterProvider == nil {
		t.Fatal("no-op providers should still be non-nil")
	}
	if err := providers.Shutdown(ctx); err != nil {
		t.Errorf("no-op shutdown should not error: %v", err)
	}
}

func TestNewProvidersInvalidEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"://invalid", "http://[invalid", "http://"} {
		if _, err := NewProviders(ctx, endpoint, "test-service", false); err == nil {
			t.Errorf("NewProviders(%q) should fail", endpoint)
		}
	}
}

func TestNewProvidersEndpointNormalization(t *testing.T) {
	// Exporter construction is lazy; a syntactically valid endpoint builds
	// providers even when no collector is listening.
	ctx := context.Background()
	providers, err := NewProviders(ctx, "localhost:4317", "test-service", false)
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	providers.SetGlobal()
	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	_ = providers.Shutdown(cancelCtx)
}
