package session

import (
	"context"
	"time"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
)

// RunnerHooks lets the host observe the fixed-rate loop.
type RunnerHooks struct {
	// Controls samples the local controls once per tick.
	Controls func() input.Controls
	// AfterTick receives every tick result, including failed ones.
	AfterTick func(TickResult, error)
}

// Runner drives a session at a fixed tick rate until the context ends or the
// session fails.
type Runner struct {
	session *Session
	fps     int
	hooks   RunnerHooks
}

// NewRunner wraps a session. fps falls back to the session's configured rate.
func NewRunner(s *Session, fps int, hooks RunnerHooks) *Runner {
	if fps <= 0 && s != nil {
		fps = s.cfg.FPS
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &Runner{session: s, fps: fps, hooks: hooks}
}

// Run blocks until ctx is done or Tick returns an error. A cancelled
// context returns ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	if r == nil || r.session == nil {
		return ErrSessionClosed
	}
	ticker := time.NewTicker(time.Second / time.Duration(r.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var controls input.Controls
			if r.hooks.Controls != nil {
				controls = r.hooks.Controls()
			}
			result, err := r.session.Tick(ctx, controls)
			if r.hooks.AfterTick != nil {
				r.hooks.AfterTick(result, err)
			}
			if err != nil {
				return err
			}
		}
	}
}
