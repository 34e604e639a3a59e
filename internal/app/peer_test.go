package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/replay"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/telemetry"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/logging"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/logging/netcode"
	loggingSinks "github.com/aleksa2808/ascii-bomb-ecs-mp/logging/sinks"
)

// botHost walks in a square, drops the odd bomb and stops the peer once it
// has simulated stopAt frames.
type botHost struct {
	cancel context.CancelFunc
	stopAt frame.Frame

	mu     sync.Mutex
	ticks  int
	frame  frame.Frame
	handle int
	board  string
	err    error
}

func (b *botHost) Controls() input.Controls {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ticks++
	phase := (b.ticks / 6) % 5
	return input.Controls{
		Up:     phase == 0,
		Right:  phase == 1,
		Down:   phase == 2,
		Left:   phase == 3,
		Action: phase == 4 && b.ticks%40 == 0,
	}
}

func (b *botHost) Present(v View) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = v.Result.Frame
	b.handle = v.Handle
	b.board = v.Board
	if v.Err != nil && b.err == nil {
		b.err = v.Err
	}
	if v.Result.Frame >= b.stopAt {
		b.cancel()
	}
}

func startRelay(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunRelay(ctx, RelayServerConfig{ShutdownGrace: time.Second}, RelayOptions{
			Logger:   telemetry.DiscardLogger(),
			Listener: ln,
		})
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("relay: %v", err)
		}
	})
	return "ws://" + ln.Addr().String()
}

func relayPeerConfig(url, replayPath string) PeerConfig {
	return PeerConfig{
		Transport:             TransportRelay,
		Players:               2,
		RelayURL:              url,
		Room:                  "e2e",
		FPS:                   60,
		InputDelay:            2,
		MaxPrediction:         8,
		DesyncInterval:        10,
		DisconnectTimeout:     2 * time.Second,
		DisconnectNotifyStart: 500 * time.Millisecond,
		DisconnectPolicy:      "freeze",
		SyncTimeout:           10 * time.Second,
		PressFilter:           true,
		ReplayPath:            replayPath,
		Log:                   LogConfig{Sinks: []string{"console"}, Level: "info"},
	}
}

func TestPeersPlayOverRelayAndRecordReplays(t *testing.T) {
	url := startRelay(t)
	dir := t.TempDir()

	const stopAt = 120
	var (
		wg     sync.WaitGroup
		hosts  [2]*botHost
		events [2]*loggingSinks.Memory
		errs   [2]error
	)
	deadline, stop := context.WithTimeout(context.Background(), 20*time.Second)
	defer stop()
	for i := range hosts {
		ctx, cancel := context.WithCancel(deadline)
		defer cancel()
		hosts[i] = &botHost{cancel: cancel, stopAt: stopAt}
		events[i] = loggingSinks.NewMemory()
		cfg := relayPeerConfig(url, filepath.Join(dir, fmt.Sprintf("peer%d.db", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = RunPeer(ctx, cfg, hosts[i], PeerOptions{
				Logger:  telemetry.DiscardLogger(),
				Console: io.Discard,
				Sinks:   []logging.NamedSink{{Name: "memory", Sink: events[i]}},
			})
		}()
	}
	wg.Wait()
	if deadline.Err() != nil {
		t.Fatalf("expected both peers to finish before the deadline")
	}

	handles := map[int]bool{}
	for i, h := range hosts {
		if errs[i] != nil || h.err != nil {
			t.Fatalf("peer %d failed: %v %v", i, errs[i], h.err)
		}
		if h.frame < stopAt {
			t.Fatalf("expected peer %d to reach frame %d, got %d", i, stopAt, h.frame)
		}
		if !strings.Contains(h.board, "#") {
			t.Fatalf("expected peer %d to be shown the board", i)
		}
		handles[h.handle] = true
		if len(events[i].OfType(netcode.EventSynchronized)) != 1 {
			t.Fatalf("expected peer %d to publish one synchronized event", i)
		}
	}
	if !handles[0] || !handles[1] {
		t.Fatalf("expected the relay to hand out both handles, got %v", handles)
	}

	for i := range hosts {
		path := filepath.Join(dir, fmt.Sprintf("peer%d.db", i))
		store, err := replay.Open(path)
		if err != nil {
			t.Fatalf("open replay %d: %v", i, err)
		}
		matches, err := store.Matches(context.Background())
		_ = store.Close()
		if err != nil || len(matches) != 1 {
			t.Fatalf("expected one recorded match for peer %d, got %d (%v)", i, len(matches), err)
		}
		if matches[0].Frames < stopAt/2 {
			t.Fatalf("expected peer %d to record most frames, got %d", i, matches[0].Frames)
		}

		var out bytes.Buffer
		if err := VerifyReplay(context.Background(), path, matches[0].ID, 60, &out); err != nil {
			t.Fatalf("verify replay %d: %v", i, err)
		}
		if !strings.Contains(out.String(), "checksums verified") {
			t.Fatalf("expected a verification summary, got %q", out.String())
		}
		out.Reset()
		if err := ListReplays(context.Background(), path, &out); err != nil {
			t.Fatalf("list replays %d: %v", i, err)
		}
		if !strings.Contains(out.String(), matches[0].ID) {
			t.Fatalf("expected the listing to name the match, got %q", out.String())
		}
	}
}

func TestVerifyReplayUnknownMatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	err := VerifyReplay(context.Background(), path, "nope", 60, io.Discard)
	if !errors.Is(err, replay.ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestRunPeerReportsUnreachableRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	host := &botHost{cancel: cancel, stopAt: 1}
	err = RunPeer(ctx, relayPeerConfig("ws://"+addr, ""), host, PeerOptions{Logger: telemetry.DiscardLogger(), Console: io.Discard})
	if err == nil || !strings.Contains(err.Error(), "relay transport") {
		t.Fatalf("expected the dial failure to surface, got %v", err)
	}
}
