package snapshot

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/telemetry"
)

func TestStoreRoundTripAndChecksum(t *testing.T) {
	store := NewStore(4)
	if _, err := store.Save(0, []byte("zero"), 10); err != nil {
		t.Fatalf("save: %v", err)
	}
	blob, err := store.Load(0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(blob) != "zero" {
		t.Fatalf("expected blob zero, got %q", blob)
	}
	blob[0] = 'X'
	again, _ := store.Load(0)
	if string(again) != "zero" {
		t.Fatalf("expected store to hand out copies, got %q", again)
	}
	if sum, ok := store.Checksum(0); !ok || sum != 10 {
		t.Fatalf("expected checksum 10, got %d ok=%v", sum, ok)
	}
	if _, ok := store.Checksum(1); ok {
		t.Fatalf("expected no checksum for unsaved frame")
	}
}

func TestStoreEvictsOldestAndReportsWindow(t *testing.T) {
	counters := telemetry.NewCounters()
	store := NewStore(3, WithTelemetry(counters))
	for f := frame.Frame(0); f < 3; f++ {
		res, err := store.Save(f, []byte{byte(f)}, uint64(f))
		if err != nil {
			t.Fatalf("save %d: %v", f, err)
		}
		if len(res.Evicted) != 0 {
			t.Fatalf("expected no eviction while filling, got %+v", res.Evicted)
		}
	}
	res, err := store.Save(3, []byte{3}, 3)
	if err != nil {
		t.Fatalf("save 3: %v", err)
	}
	if len(res.Evicted) != 1 || res.Evicted[0].Frame != 0 {
		t.Fatalf("expected frame 0 evicted, got %+v", res.Evicted)
	}
	if res.Oldest != 1 || res.Newest != 3 || res.Size != 3 {
		t.Fatalf("unexpected window %+v", res)
	}
	if counters.Load(metricEvictions) != 1 {
		t.Fatalf("expected one eviction counted, got %d", counters.Load(metricEvictions))
	}

	_, err = store.Load(0)
	var windowErr *WindowError
	if !errors.As(err, &windowErr) {
		t.Fatalf("expected WindowError, got %v", err)
	}
	if windowErr.Frame != 0 || windowErr.Oldest != 1 || windowErr.Newest != 3 {
		t.Fatalf("unexpected window error %+v", windowErr)
	}
}

func TestStoreResaveSameFrameIsNotEviction(t *testing.T) {
	store := NewStore(2)
	if _, err := store.Save(1, []byte("a"), 1); err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err := store.Save(1, []byte("b"), 2)
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	if len(res.Evicted) != 0 {
		t.Fatalf("expected overwrite without eviction, got %+v", res.Evicted)
	}
	if sum, _ := store.Checksum(1); sum != 2 {
		t.Fatalf("expected overwritten checksum 2, got %d", sum)
	}
}

func TestStoreCompression(t *testing.T) {
	store := NewStore(2, WithCompression())
	payload := bytes.Repeat([]byte("bomb"), 512)
	if _, err := store.Save(5, payload, 99); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(5)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected decompressed payload to match, got %d bytes", len(got))
	}
}

func TestStoreInvalidate(t *testing.T) {
	store := NewStore(2)
	if _, err := store.Save(0, []byte("x"), 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	store.Invalidate()
	_, err := store.Load(0)
	var windowErr *WindowError
	if !errors.As(err, &windowErr) || !windowErr.Invalidated {
		t.Fatalf("expected invalidated WindowError, got %v", err)
	}
	if _, err := store.Save(1, []byte("y"), 0); err == nil {
		t.Fatalf("expected save after invalidate to fail")
	}
}
