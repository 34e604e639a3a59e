package observability

import (
	"context"
	"testing"
)

func TestTracingIsOptIn(t *testing.T) {
	for _, cfg := range []TracingConfig{
		{},
		{Enabled: true},
		{Endpoint: "http://localhost:4318"},
	} {
		shutdown, err := SetupTracing(context.Background(), cfg)
		if err != nil {
			t.Fatalf("expected %+v to stay off, got %v", cfg, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("expected a no-op shutdown, got %v", err)
		}
	}
}

func TestProfilingModes(t *testing.T) {
	stop, err := StartProfiling("", t.TempDir())
	if err != nil {
		t.Fatalf("expected an empty mode to be a no-op, got %v", err)
	}
	stop()
	if _, err := StartProfiling("gpu", t.TempDir()); err == nil {
		t.Fatalf("expected an unknown mode to be rejected")
	}
}
