// Package app wires configuration, transports, storage and telemetry into
// the peer, relay and replay binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/arena"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/observability"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/replay"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/session"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/telemetry"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/logging"
)

// View is what the host sees after every tick.
type View struct {
	Result session.TickResult
	Err    error
	Handle int
	Board  string
	Winner int
	Over   bool
}

// Host supplies local controls and presents the match.
type Host interface {
	Controls() input.Controls
	Present(View)
}

// PeerOptions carries optional collaborators; the zero value is usable.
type PeerOptions struct {
	Logger telemetry.Logger
	// Console receives the console log sink; stderr by default so stdout is
	// free for the board.
	Console io.Writer
	Sinks   []logging.NamedSink
	Metrics *telemetry.Counters
}

// RunPeer plays one match until ctx ends or the session fails. A cancelled
// context is a clean exit.
func RunPeer(ctx context.Context, cfg PeerConfig, host Host, opts PeerOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	counters := opts.Metrics
	if counters == nil {
		counters = telemetry.NewCounters()
	}

	router, err := newEventRouter(cfg.Log, console, logger, opts.Sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			logger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry.tracing("ascii-bomb-peer"))
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if cerr := shutdownTracing(context.Background()); cerr != nil {
			logger.Printf("failed to flush traces: %v", cerr)
		}
	}()

	stopProfile, err := observability.StartProfiling(cfg.Telemetry.Profile, cfg.Telemetry.ProfileDir)
	if err != nil {
		return err
	}
	defer stopProfile()

	t, cfg, err := openTransport(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s transport: %w", cfg.Transport, err)
	}
	sessionCfg, err := cfg.Session()
	if err != nil {
		_ = t.Close()
		return err
	}

	sim, err := arena.New(arena.DefaultConfig(sessionCfg.Players, sessionCfg.FPS))
	if err != nil {
		_ = t.Close()
		return err
	}

	deps := session.Deps{
		Logger:    logger,
		Metrics:   counters,
		Publisher: logging.WithFields(router, map[string]any{"handle": sessionCfg.LocalHandle}),
	}
	if cfg.PressFilter {
		deps.Codec = newPressCodec(input.BitCodec{})
	}

	var recorder *replay.Recorder
	if cfg.ReplayPath != "" {
		store, err := replay.Open(cfg.ReplayPath)
		if err != nil {
			_ = t.Close()
			return err
		}
		defer store.Close()
		recorder = store.NewRecorder(logger)
		defer func() {
			if cerr := recorder.Close(context.Background()); cerr != nil {
				logger.Printf("failed to flush replay: %v", cerr)
			}
		}()
		deps.Recorder = recorder
	}

	s, err := session.New(sessionCfg, sim, t, deps)
	if err != nil {
		_ = t.Close()
		return err
	}
	defer s.Close()
	logger.Printf("peer %d of %d connected over %s", sessionCfg.LocalHandle, sessionCfg.Players, cfg.Transport)

	runner := session.NewRunner(s, sessionCfg.FPS, session.RunnerHooks{
		Controls: host.Controls,
		AfterTick: func(res session.TickResult, err error) {
			winner, over := sim.Winner()
			host.Present(View{
				Result: res,
				Err:    err,
				Handle: sessionCfg.LocalHandle,
				Board:  sim.Render(),
				Winner: winner,
				Over:   over,
			})
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		reportStats(gctx, logger, counters, cfg.StatsInterval)
		return nil
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// reportStats logs the counters every interval until ctx ends.
func reportStats(ctx context.Context, logger telemetry.Logger, counters *telemetry.Counters, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Printf("stats: %s", formatCounters(counters))
		}
	}
}

func formatCounters(counters *telemetry.Counters) string {
	keys := counters.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counters.Load(k)))
	}
	return strings.Join(parts, " ")
}
