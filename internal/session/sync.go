package session

import (
	"context"
	"fmt"
	"time"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/transport/wire"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/logging/netcode"
)

// tickSync runs the seed handshake: every peer sends its own seed with the
// digest of its settings, and the match starts once all seeds are in.
func (s *Session) tickSync(ctx context.Context) (TickResult, error) {
	now := s.deps.Clock.Now()
	s.rollbackTo = frame.Max
	if s.syncStarted.IsZero() {
		s.syncStarted = now
	}
	if s.syncTicks%s.cfg.SeedResend == 0 {
		s.broadcastSeed()
	}
	s.syncTicks++

	for _, msg := range s.transport.Poll() {
		s.handleMessage(ctx, msg, now)
		if s.fatal != nil {
			return s.result(false), s.fatal
		}
	}

	if missing := s.missingSeeds(); len(missing) > 0 {
		if s.cfg.SyncTimeout > 0 && now.Sub(s.syncStarted) >= s.cfg.SyncTimeout {
			err := fmt.Errorf("%w after %s, no seed from %v", ErrSyncTimeout, now.Sub(s.syncStarted).Round(time.Millisecond), missing)
			s.fail(err, StateDisconnected)
			return s.result(false), err
		}
		if leaves, ok := s.transport.(departures); ok {
			for _, h := range missing {
				if leaves.Left(h) {
					err := fmt.Errorf("%w: peer %d left before sending its seed", ErrSyncTimeout, h)
					s.fail(err, StateDisconnected)
					return s.result(false), err
				}
			}
		}
		return s.result(false), nil
	}

	if err := s.start(ctx, now); err != nil {
		s.fail(err, StateSynchronizing)
		return s.result(false), err
	}
	return s.result(false), nil
}

func (s *Session) broadcastSeed() {
	payload, err := wire.Encode(wire.Seed{Handle: s.cfg.LocalHandle, Seed: s.localSeed, Digest: s.digest})
	if err != nil {
		s.deps.Logger.Printf("encode seed packet: %v", err)
		return
	}
	for _, peer := range s.peers {
		if peer == nil {
			continue
		}
		if err := s.transport.SendReliable(peer.handle, payload); err != nil {
			s.deps.Logger.Printf("send seed to peer %d: %v", peer.handle, err)
		}
	}
}

func (s *Session) missingSeeds() []int {
	var missing []int
	for _, peer := range s.peers {
		if peer != nil && !peer.hasSeed {
			missing = append(missing, peer.handle)
		}
	}
	return missing
}

// start seeds the simulation, saves frame 0 and begins running.
func (s *Session) start(ctx context.Context, now time.Time) error {
	s.sharedSeed = s.combineSeeds()
	s.synced = true
	s.sim.Seed(s.sharedSeed)
	if err := s.save(0); err != nil {
		return err
	}
	for _, peer := range s.peers {
		if peer != nil {
			peer.lastHeard = now
		}
	}
	s.state = StateRunning
	s.emit(Event{Kind: EventSynchronized, Frame: 0, Peer: -1})
	netcode.Synchronized(ctx, s.deps.Publisher, netcode.SynchronizedPayload{
		SharedSeed: s.sharedSeed,
		Peers:      s.cfg.Players,
	}, nil)

	if s.recorder != nil {
		info := MatchInfo{SharedSeed: s.sharedSeed, Players: s.cfg.Players, LocalHandle: s.cfg.LocalHandle, FPS: s.cfg.FPS}
		if err := s.recorder.Begin(info); err != nil {
			s.deps.Logger.Printf("replay recorder unavailable: %v", err)
			s.recorder = nil
		}
	}
	return nil
}
