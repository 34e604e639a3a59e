package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/observability"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/relay"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/telemetry"
)

// RelayOptions carries optional collaborators for RunRelay.
type RelayOptions struct {
	Logger  telemetry.Logger
	Metrics *telemetry.Counters
	// Listener overrides cfg.Addr, mostly for tests.
	Listener net.Listener
	// Ready is called with the bound address once the server accepts.
	Ready func(addr net.Addr)
}

// RunRelay serves relay rooms until ctx ends.
func RunRelay(ctx context.Context, cfg RelayServerConfig, opts RelayOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	counters := opts.Metrics
	if counters == nil {
		counters = telemetry.NewCounters()
	}

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry.tracing("ascii-bomb-relay"))
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

	hub := relay.NewHub(relay.HubConfig{
		MaxPlayers:      cfg.MaxPlayers,
		FramesPerSecond: cfg.FramesPerSecond,
		Burst:           cfg.Burst,
		Logger:          logger,
		Metrics:         counters,
	})
	handler := relay.NewHandler(hub, logger)

	listener := opts.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.Addr)
		if err != nil {
			return fmt.Errorf("relay listen %s: %w", cfg.Addr, err)
		}
	}
	srv := &http.Server{Handler: handler.Routes(), ReadHeaderTimeout: 10 * time.Second}
	logger.Printf("relay listening on %s", listener.Addr())
	if opts.Ready != nil {
		opts.Ready(listener.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		grace := cfg.ShutdownGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		reportStats(gctx, logger, counters, time.Minute)
		return nil
	})
	return g.Wait()
}
