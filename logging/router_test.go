package logging_test

import (
	"context"
	"testing"
	"time"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/logging"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/logging/sinks"
)

func TestRouterDeliversAndDecoratesEvents(t *testing.T) {
	memory := sinks.NewMemory()
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityDebug
	cfg.Fields = map[string]any{"match": "m-1"}
	fixed := time.Unix(100, 0)
	router := logging.NewRouter(logging.ClockFunc(func() time.Time { return fixed }), cfg, nil, []logging.NamedSink{{Name: "memory", Sink: memory}})

	router.Publish(context.Background(), logging.Event{Type: "netcode.rollback", Frame: 12, Severity: logging.SeverityDebug})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("close router: %v", err)
	}

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Extra["match"] != "m-1" {
		t.Fatalf("expected router fields to be merged, got %+v", events[0].Extra)
	}
	if !events[0].Time.Equal(fixed) {
		t.Fatalf("expected clock time %v, got %v", fixed, events[0].Time)
	}
	if stats := router.Stats(); stats.EventsTotal != 1 {
		t.Fatalf("expected 1 routed event, got %d", stats.EventsTotal)
	}
}

func TestRouterFiltersBySeverity(t *testing.T) {
	memory := sinks.NewMemory()
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.SeverityWarn
	router := logging.NewRouter(nil, cfg, nil, []logging.NamedSink{{Name: "memory", Sink: memory}})

	router.Publish(context.Background(), logging.Event{Type: "netcode.rollback", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: "netcode.desync", Severity: logging.SeverityError})
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close router: %v", err)
	}
	events := memory.Events()
	if len(events) != 1 || events[0].Type != "netcode.desync" {
		t.Fatalf("expected only the desync event, got %+v", events)
	}
	if router.Sink("memory") != memory {
		t.Fatalf("expected named sink lookup to return the memory sink")
	}
}

func TestWithFieldsKeepsExistingKeys(t *testing.T) {
	memory := sinks.NewMemory()
	pub := logging.WithFields(memory, map[string]any{"peer": "a", "match": "m"})
	pub.Publish(context.Background(), logging.Event{Type: "x", Extra: map[string]any{"peer": "b"}})
	got := memory.Events()[0].Extra
	if got["peer"] != "b" || got["match"] != "m" {
		t.Fatalf("unexpected merged extra %+v", got)
	}
}

func TestParseSeverity(t *testing.T) {
	cases := map[string]logging.Severity{
		"debug":   logging.SeverityDebug,
		"":        logging.SeverityInfo,
		"WARNING": logging.SeverityWarn,
		"error":   logging.SeverityError,
	}
	for raw, want := range cases {
		got, err := logging.ParseSeverity(raw)
		if err != nil || got != want {
			t.Fatalf("ParseSeverity(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := logging.ParseSeverity("loud"); err == nil {
		t.Fatalf("expected error for unknown severity")
	}
}
