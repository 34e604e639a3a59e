package session

import (
	"testing"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
)

func TestDesyncDetectorSchedulesCheckpoints(t *testing.T) {
	d := newDesyncDetector(10)
	if got := d.due(25, 12); len(got) != 1 || got[0] != 10 {
		t.Fatalf("expected checkpoint 10 only, got %v", got)
	}
	if got := d.due(25, 30); len(got) != 1 || got[0] != 20 {
		t.Fatalf("expected checkpoint 20 limited by the current frame, got %v", got)
	}
	if got := d.due(25, 30); len(got) != 0 {
		t.Fatalf("expected no repeats, got %v", got)
	}
	if got := d.due(41, frame.Max); len(got) != 2 || got[1] != 40 {
		t.Fatalf("expected 30 and 40 once every peer is frozen, got %v", got)
	}
}

func TestDesyncDetectorComparesEitherOrder(t *testing.T) {
	d := newDesyncDetector(10)
	if desync, ok := d.receive(1, 30, 7); desync != nil || !ok {
		t.Fatalf("expected early remote checksum to be held")
	}
	if desync := d.recordLocal(10, 5); desync != nil {
		t.Fatalf("expected no desync without a remote checksum, got %v", desync)
	}
	if desync, ok := d.receive(1, 10, 5); desync != nil || !ok {
		t.Fatalf("expected matching checksum to pass, got %v", desync)
	}
	desync := d.recordLocal(30, 8)
	if desync == nil || desync.Frame != 30 || desync.Peer != 1 || desync.Local != 8 || desync.Remote != 7 {
		t.Fatalf("expected desync at 30 against peer 1, got %+v", desync)
	}
	if desync, _ := d.receive(2, 10, 6); desync == nil || desync.Remote != 6 {
		t.Fatalf("expected late mismatching checksum to be caught, got %+v", desync)
	}
	if _, ok := d.receive(1, 15, 1); ok {
		t.Fatalf("expected off-interval checksum to be rejected")
	}
}

func TestDesyncDetectorBoundsPending(t *testing.T) {
	d := newDesyncDetector(1)
	for f := frame.Frame(1); f <= maxPendingRemote; f++ {
		if _, ok := d.receive(1, f, 1); !ok {
			t.Fatalf("expected checksum %d to be held", f)
		}
	}
	if _, ok := d.receive(1, maxPendingRemote+1, 1); ok {
		t.Fatalf("expected pending checksums to be capped")
	}
}

func TestDesyncDetectorDisabled(t *testing.T) {
	d := newDesyncDetector(0)
	if got := d.due(100, 100); got != nil {
		t.Fatalf("expected no checkpoints when disabled, got %v", got)
	}
	if desync, ok := d.receive(1, 10, 1); desync != nil || !ok {
		t.Fatalf("expected disabled detector to ignore checksums")
	}
}
