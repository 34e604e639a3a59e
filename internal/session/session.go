// Package session runs the rollback netcode for one match: it exchanges
// inputs with the remote peers, predicts what has not arrived yet, rewinds
// and replays when a prediction turns out wrong, and stalls when the
// prediction window is exhausted.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/rng"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/snapshot"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/transport"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/transport/wire"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/logging/netcode"
)

const (
	metricRollbacks      = "session_rollbacks_total"
	metricRollbackFrames = "session_rollback_frames_total"
	metricStallTicks     = "session_stall_ticks_total"
	metricPacketsDropped = "transport_packets_dropped_total"
	metricFrame          = "session_frame"
	metricDisconnects    = "session_peer_disconnects_total"
)

// Simulation is the deterministic game being synchronised. Step must depend
// only on the current state and the inputs; SaveState and LoadState must
// round-trip the whole state, including any random generator.
type Simulation interface {
	Seed(seed uint64)
	Step(inputs []input.Input)
	SaveState() ([]byte, error)
	LoadState(blob []byte) error
	Checksum() uint64
}

// Peer names one participant of a match and where to reach it.
type Peer struct {
	Handle  int
	Address string
}

type peerState struct {
	handle       int
	seed         uint64
	hasSeed      bool
	lastHeard    time.Time
	interrupted  bool
	disconnected bool
	// ack is the newest of our inputs the peer holds contiguously.
	ack frame.Frame
}

// departures is implemented by transports that learn about closed peers
// directly, such as the relay.
type departures interface {
	Left(handle int) bool
}

// Session is owned by a single goroutine that calls Tick once per frame.
// Close may be called from elsewhere.
type Session struct {
	mu sync.Mutex

	cfg       Config
	deps      Deps
	sim       Simulation
	transport transport.Transport
	store     *snapshot.Store
	queues    []*input.Queue
	peers     []*peerState
	detector  *desyncDetector
	digest    []byte

	state      State
	fatal      error
	frame      frame.Frame
	localSeed  uint64
	sharedSeed uint64
	synced     bool

	syncStarted time.Time
	syncTicks   int
	stallTicks  uint64
	recorded    frame.Frame
	recorder    Recorder

	rollbackTo   frame.Frame
	lastRollback *Rollback
	events       []Event
	closeOnce    sync.Once
}

// New builds a session in the Synchronizing state. The transport must
// already route to every handle in [0, cfg.Players).
func New(cfg Config, sim Simulation, t transport.Transport, deps Deps) (*Session, error) {
	cfg = cfg.normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sim == nil {
		return nil, errors.New("session: nil simulation")
	}
	if t == nil {
		return nil, errors.New("session: nil transport")
	}
	deps = deps.withDefaults()

	localSeed, err := deps.NewSeed()
	if err != nil {
		return nil, fmt.Errorf("session: draw local seed: %w", err)
	}
	digest, err := wire.Digest(cfg.Fingerprint())
	if err != nil {
		return nil, err
	}

	opts := []snapshot.Option{snapshot.WithTelemetry(deps.Metrics)}
	if cfg.CompressSnapshots {
		opts = append(opts, snapshot.WithCompression())
	}

	s := &Session{
		cfg:        cfg,
		deps:       deps,
		sim:        sim,
		transport:  t,
		store:      snapshot.NewStore(cfg.SnapshotWindow(), opts...),
		queues:     make([]*input.Queue, cfg.Players),
		peers:      make([]*peerState, cfg.Players),
		detector:   newDesyncDetector(cfg.DesyncInterval),
		digest:     digest,
		state:      StateSynchronizing,
		localSeed:  localSeed,
		recorded:   frame.Null,
		recorder:   deps.Recorder,
		rollbackTo: frame.Max,
	}
	for h := range s.queues {
		s.queues[h] = input.NewQueue(cfg.queueCapacity())
		if h != cfg.LocalHandle {
			s.peers[h] = &peerState{handle: h, ack: frame.Null}
		}
	}
	local := s.queues[cfg.LocalHandle]
	for f := frame.Frame(0); f < frame.Frame(cfg.InputDelay); f++ {
		if err := local.PushLocal(f, input.None); err != nil {
			return nil, fmt.Errorf("session: prefill local input: %w", err)
		}
	}
	return s, nil
}

// Tick runs one frame of the session with the local player's controls.
func (s *Session) Tick(ctx context.Context, controls input.Controls) (TickResult, error) {
	if s == nil {
		return TickResult{}, ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = nil
	s.lastRollback = nil
	if s.state == StateClosed {
		return s.result(false), ErrSessionClosed
	}
	if s.fatal != nil {
		return s.result(false), s.fatal
	}

	ctx, span := s.deps.Tracer.Start(ctx, "session.tick",
		trace.WithAttributes(attribute.Int("frame", int(s.frame)), attribute.String("state", s.state.String())))
	defer span.End()

	var (
		res TickResult
		err error
	)
	if s.state == StateSynchronizing {
		res, err = s.tickSync(ctx)
	} else {
		res, err = s.tickRunning(ctx, controls)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *Session) tickRunning(ctx context.Context, controls input.Controls) (TickResult, error) {
	now := s.deps.Clock.Now()
	s.rollbackTo = frame.Max

	s.pushLocal(s.deps.Codec.Encode(controls))
	s.sendInputs()

	for _, msg := range s.transport.Poll() {
		s.handleMessage(ctx, msg, now)
		if s.fatal != nil {
			return s.result(false), s.fatal
		}
	}

	s.checkPeers(ctx, now)
	if s.fatal != nil {
		return s.result(false), s.fatal
	}

	if s.rollbackTo < s.frame {
		if err := s.rollback(ctx, s.rollbackTo); err != nil {
			s.fail(err, s.state)
			return s.result(false), err
		}
	}

	advanced, err := s.advance(ctx)
	if err != nil {
		s.fail(err, s.state)
		return s.result(advanced), err
	}

	s.checkDesync(ctx)
	if s.fatal != nil {
		return s.result(advanced), s.fatal
	}

	s.recordAndPrune()
	s.deps.Metrics.Store(metricFrame, uint64(s.frame))
	return s.result(advanced), nil
}

func (s *Session) result(advanced bool) TickResult {
	return TickResult{
		Frame:    s.frame,
		State:    s.state,
		Advanced: advanced,
		Rollback: s.lastRollback,
		Events:   s.events,
	}
}

func (s *Session) fail(err error, state State) {
	if s.fatal != nil {
		return
	}
	s.fatal = err
	s.state = state
	s.deps.Logger.Printf("session failed at frame %d: %v", s.frame, err)
}

func (s *Session) emit(ev Event) {
	s.events = append(s.events, ev)
}

// pushLocal queues the local input delay frames ahead. The first input for
// a frame wins: while stalled the target frame does not move and later
// samples are discarded.
func (s *Session) pushLocal(in input.Input) {
	target := s.frame + frame.Frame(s.cfg.InputDelay)
	local := s.queues[s.cfg.LocalHandle]
	if e, ok := local.Entry(target); ok && e.State == input.Confirmed {
		return
	}
	if err := local.PushLocal(target, in); err != nil {
		s.deps.Logger.Printf("local input for frame %d rejected: %v", target, err)
	}
}

// sendInputs sends every remote peer the run of local inputs it has not
// acknowledged, oldest first. When nothing is outstanding the newest input
// is repeated so the peer keeps hearing from us.
func (s *Session) sendInputs() {
	local := s.queues[s.cfg.LocalHandle]
	newest := local.LastConfirmed()
	if !newest.Valid() {
		return
	}
	for _, peer := range s.peers {
		if peer == nil || peer.disconnected {
			continue
		}
		from := peer.ack + 1
		if from < local.Oldest() {
			from = local.Oldest()
		}
		if from > newest {
			from = newest
		}
		to := newest
		if int(to-from)+1 > s.cfg.InputHistory {
			to = from + frame.Frame(s.cfg.InputHistory) - 1
		}
		inputs, ok := local.ConfirmedRun(from, to)
		if !ok {
			s.deps.Logger.Printf("local inputs %d..%d unavailable for peer %d", from, to, peer.handle)
			continue
		}
		payload, err := wire.Encode(wire.Input{
			Handle: s.cfg.LocalHandle,
			Frame:  to,
			Ack:    s.queues[peer.handle].LastConfirmed(),
			Inputs: inputs,
		})
		if err != nil {
			s.deps.Logger.Printf("encode input packet: %v", err)
			continue
		}
		if err := s.transport.SendUnreliable(peer.handle, payload); err != nil {
			s.deps.Logger.Printf("send inputs to peer %d: %v", peer.handle, err)
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg transport.Message, now time.Time) {
	if msg.From < 0 || msg.From >= s.cfg.Players || msg.From == s.cfg.LocalHandle {
		s.drop(ctx, msg.From, "unknown sender", len(msg.Payload))
		return
	}
	peer := s.peers[msg.From]
	if peer.disconnected {
		return
	}
	pkt, err := wire.Decode(msg.Payload)
	if err != nil {
		s.drop(ctx, msg.From, err.Error(), len(msg.Payload))
		return
	}
	s.heard(ctx, peer, now)

	switch pkt.Kind {
	case wire.KindSeed:
		s.handleSeed(ctx, peer, pkt.Seed)
	case wire.KindInput:
		s.handleInput(ctx, peer, pkt.Input)
	case wire.KindChecksum:
		s.handleChecksum(ctx, peer, pkt.Checksum)
	}
}

func (s *Session) heard(ctx context.Context, peer *peerState, now time.Time) {
	peer.lastHeard = now
	if !peer.interrupted {
		return
	}
	peer.interrupted = false
	s.emit(Event{Kind: EventNetworkResumed, Frame: s.frame, Peer: peer.handle})
	netcode.PeerResumed(ctx, s.deps.Publisher, int64(s.frame), peer.handle, netcode.PeerPayload{
		LastConfirmed: int64(s.queues[peer.handle].LastConfirmed()),
	}, nil)
}

func (s *Session) handleSeed(ctx context.Context, peer *peerState, pkt *wire.Seed) {
	if pkt.Handle != peer.handle {
		s.drop(ctx, peer.handle, fmt.Sprintf("seed claims handle %d", pkt.Handle), 0)
		return
	}
	if !bytes.Equal(pkt.Digest, s.digest) {
		s.fail(fmt.Errorf("%w: peer %d", ErrConfigMismatch, peer.handle), StateDisconnected)
		return
	}
	if peer.hasSeed {
		if peer.seed != pkt.Seed {
			s.drop(ctx, peer.handle, "conflicting seed", 0)
		}
		return
	}
	if s.state != StateSynchronizing {
		s.drop(ctx, peer.handle, "seed after synchronization", 0)
		return
	}
	peer.seed = pkt.Seed
	peer.hasSeed = true
}

func (s *Session) handleInput(ctx context.Context, peer *peerState, pkt *wire.Input) {
	if pkt.Handle != peer.handle {
		s.drop(ctx, peer.handle, fmt.Sprintf("input claims handle %d", pkt.Handle), 0)
		return
	}
	if newest := s.queues[s.cfg.LocalHandle].LastConfirmed(); pkt.Ack > newest {
		s.drop(ctx, peer.handle, fmt.Sprintf("ack %d beyond local frame %d", pkt.Ack, newest), 0)
		return
	}
	if pkt.Ack > peer.ack {
		peer.ack = pkt.Ack
	}
	q := s.queues[peer.handle]
	first := pkt.FirstFrame()
	for i, in := range pkt.Inputs {
		f := first + frame.Frame(i)
		mis, ok, err := q.PushRemote(f, in)
		if err != nil {
			s.drop(ctx, peer.handle, err.Error(), 0)
			return
		}
		if ok {
			s.noteMisprediction(mis.Frame)
		}
	}
}

func (s *Session) handleChecksum(ctx context.Context, peer *peerState, pkt *wire.Checksum) {
	if pkt.Handle != peer.handle {
		s.drop(ctx, peer.handle, fmt.Sprintf("checksum claims handle %d", pkt.Handle), 0)
		return
	}
	desync, kept := s.detector.receive(peer.handle, pkt.Frame, pkt.Checksum)
	if !kept {
		s.drop(ctx, peer.handle, fmt.Sprintf("checksum for frame %d not kept", pkt.Frame), 0)
		return
	}
	if desync != nil {
		s.desync(ctx, desync)
	}
}

func (s *Session) drop(ctx context.Context, handle int, reason string, size int) {
	s.deps.Metrics.Add(metricPacketsDropped, 1)
	s.emit(Event{Kind: EventProtocolError, Frame: s.frame, Peer: handle, Detail: reason})
	netcode.PacketDropped(ctx, s.deps.Publisher, int64(s.frame), handle, netcode.PacketDroppedPayload{
		Reason: reason,
		Bytes:  size,
	}, nil)
}

func (s *Session) noteMisprediction(f frame.Frame) {
	if f < s.rollbackTo {
		s.rollbackTo = f
	}
}

// checkPeers raises interruption and disconnect events for silent peers.
func (s *Session) checkPeers(ctx context.Context, now time.Time) {
	leaves, _ := s.transport.(departures)
	for _, peer := range s.peers {
		if peer == nil || peer.disconnected {
			continue
		}
		silent := now.Sub(peer.lastHeard)
		if leaves != nil && leaves.Left(peer.handle) {
			s.disconnectPeer(ctx, peer, silent)
		} else if s.cfg.DisconnectTimeout > 0 && silent >= s.cfg.DisconnectTimeout {
			s.disconnectPeer(ctx, peer, silent)
		} else if s.cfg.DisconnectNotifyStart > 0 && silent >= s.cfg.DisconnectNotifyStart && !peer.interrupted {
			peer.interrupted = true
			s.emit(Event{Kind: EventNetworkInterrupted, Frame: s.frame, Peer: peer.handle})
			netcode.PeerInterrupted(ctx, s.deps.Publisher, int64(s.frame), peer.handle, netcode.PeerPayload{
				SilentMillis:  silent.Milliseconds(),
				LastConfirmed: int64(s.queues[peer.handle].LastConfirmed()),
			}, nil)
		}
		if s.fatal != nil {
			return
		}
	}
}

func (s *Session) disconnectPeer(ctx context.Context, peer *peerState, silent time.Duration) {
	peer.disconnected = true
	q := s.queues[peer.handle]
	lastConfirmed := q.LastConfirmed()
	s.deps.Metrics.Add(metricDisconnects, 1)
	s.emit(Event{Kind: EventPeerDisconnected, Frame: s.frame, Peer: peer.handle})
	netcode.PeerDisconnected(ctx, s.deps.Publisher, int64(s.frame), peer.handle, netcode.PeerPayload{
		SilentMillis:  silent.Milliseconds(),
		LastConfirmed: int64(lastConfirmed),
	}, map[string]any{"policy": s.cfg.DisconnectPolicy.String()})

	if s.cfg.DisconnectPolicy == PolicyEnd {
		s.fail(fmt.Errorf("%w: handle %d", ErrPeerDisconnected, peer.handle), StateDisconnected)
		return
	}
	if mis, ok := q.Freeze(s.cfg.FrozenInput, lastConfirmed+1); ok {
		s.noteMisprediction(mis.Frame)
	}
}

// rollback restores the snapshot of r and replays up to the current frame,
// re-saving every replayed frame.
func (s *Session) rollback(ctx context.Context, r frame.Frame) error {
	from := s.frame
	_, span := s.deps.Tracer.Start(ctx, "session.rollback",
		trace.WithAttributes(attribute.Int("from", int(from)), attribute.Int("to", int(r))))
	defer span.End()

	blob, err := s.store.Load(r)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.sim.LoadState(blob); err != nil {
		return fmt.Errorf("session: restore frame %d: %w", r, err)
	}
	for f := r; f < s.frame; f++ {
		s.sim.Step(s.gather(f))
		if err := s.save(f + 1); err != nil {
			return err
		}
	}

	frames := int(from - r)
	s.deps.Metrics.Add(metricRollbacks, 1)
	s.deps.Metrics.Add(metricRollbackFrames, uint64(frames))
	s.lastRollback = &Rollback{From: from, To: r, Frames: frames}
	netcode.Rollback(ctx, s.deps.Publisher, int64(from), netcode.RollbackPayload{
		From:   int64(from),
		To:     int64(r),
		Frames: int64(frames),
	}, nil)
	return nil
}

func (s *Session) gather(f frame.Frame) []input.Input {
	inputs := make([]input.Input, len(s.queues))
	for h, q := range s.queues {
		inputs[h] = q.GetOrPredict(f).Input
	}
	return inputs
}

func (s *Session) save(f frame.Frame) error {
	blob, err := s.sim.SaveState()
	if err != nil {
		return fmt.Errorf("session: save frame %d: %w", f, err)
	}
	if _, err := s.store.Save(f, blob, s.sim.Checksum()); err != nil {
		return err
	}
	return nil
}

func (s *Session) minConfirmed() frame.Frame {
	least := frame.Max
	for _, q := range s.queues {
		least = frame.Min(least, q.LastConfirmed())
	}
	return least
}

// advance steps one frame unless that would predict further than
// MaxPrediction frames past the confirmed frontier.
func (s *Session) advance(ctx context.Context) (bool, error) {
	confirmed := s.minConfirmed()
	if int64(s.frame)-int64(confirmed) > int64(s.cfg.MaxPrediction) {
		if s.state != StateStalled {
			s.state = StateStalled
			s.emit(Event{Kind: EventStalled, Frame: s.frame, Peer: -1})
			netcode.Stalled(ctx, s.deps.Publisher, int64(s.frame), netcode.StallPayload{
				Confirmed:     int64(confirmed),
				MaxPrediction: s.cfg.MaxPrediction,
				WaitingOn:     s.waitingOn(confirmed),
			}, nil)
		}
		s.stallTicks++
		s.deps.Metrics.Add(metricStallTicks, 1)
		return false, nil
	}
	if s.state == StateStalled {
		s.emit(Event{Kind: EventResumed, Frame: s.frame, Peer: -1})
		netcode.Resumed(ctx, s.deps.Publisher, int64(s.frame), netcode.ResumedPayload{StalledTicks: s.stallTicks}, nil)
		s.stallTicks = 0
	}
	s.state = StateRunning

	s.sim.Step(s.gather(s.frame))
	s.frame++
	return true, s.save(s.frame)
}

func (s *Session) waitingOn(confirmed frame.Frame) []int {
	var handles []int
	for h, q := range s.queues {
		if q.LastConfirmed() == confirmed {
			handles = append(handles, h)
		}
	}
	return handles
}

// checkDesync publishes the checksum of every checkpoint that can no longer
// be rolled back and compares it with what peers reported.
func (s *Session) checkDesync(ctx context.Context) {
	for _, f := range s.detector.due(s.frame, s.minConfirmed()) {
		sum, ok := s.store.Checksum(f)
		if !ok {
			s.deps.Logger.Printf("no snapshot checksum for checkpoint %d", f)
			continue
		}
		payload, err := wire.Encode(wire.Checksum{Handle: s.cfg.LocalHandle, Frame: f, Checksum: sum})
		if err != nil {
			s.deps.Logger.Printf("encode checksum packet: %v", err)
		} else {
			for _, peer := range s.peers {
				if peer == nil || peer.disconnected {
					continue
				}
				if err := s.transport.SendReliable(peer.handle, payload); err != nil {
					s.deps.Logger.Printf("send checksum to peer %d: %v", peer.handle, err)
				}
			}
		}
		if desync := s.detector.recordLocal(f, sum); desync != nil {
			s.desync(ctx, desync)
			return
		}
	}
}

func (s *Session) desync(ctx context.Context, d *DesyncError) {
	s.emit(Event{Kind: EventDesynced, Frame: d.Frame, Peer: d.Peer})
	netcode.Desync(ctx, s.deps.Publisher, int64(d.Frame), d.Peer, netcode.DesyncPayload{Local: d.Local, Remote: d.Remote}, nil)
	s.fail(d, StateDesynced)
}

// recordAndPrune hands every newly confirmed, simulated frame to the
// recorder and forgets inputs nobody can roll back to any more.
func (s *Session) recordAndPrune() {
	through := frame.Min(s.minConfirmed(), s.frame-1)
	for f := s.recorded + 1; f <= through; f++ {
		if s.recorder != nil {
			rec := FrameRecord{Frame: f, Inputs: make([]input.Input, len(s.queues))}
			for h, q := range s.queues {
				e, _ := q.Entry(f)
				rec.Inputs[h] = e.Input
			}
			rec.Checksum, rec.HasChecksum = s.store.Checksum(f)
			if err := s.recorder.Record(rec); err != nil {
				s.deps.Logger.Printf("replay recorder failed at frame %d, recording stopped: %v", f, err)
				s.recorder = nil
			}
		}
		s.recorded = f
	}

	pruneTo := s.recorded + 1
	for h, q := range s.queues {
		if h == s.cfg.LocalHandle {
			continue
		}
		q.Prune(pruneTo)
	}
	localPrune := pruneTo
	for _, peer := range s.peers {
		if peer == nil || peer.disconnected {
			continue
		}
		localPrune = frame.Min(localPrune, peer.ack+1)
	}
	s.queues[s.cfg.LocalHandle].Prune(localPrune)
}

// Close releases the transport and invalidates the snapshot store. It is
// safe to call more than once.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.state = StateClosed
		s.store.Invalidate()
		err = s.transport.Close()
	})
	return err
}

// Frame is the next frame to be simulated. It never decreases.
func (s *Session) Frame() frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// State reports the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the fatal error the session stopped with, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// ConfirmedFrame is the newest frame every player's input is known for.
func (s *Session) ConfirmedFrame() frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minConfirmed()
}

// SharedSeed is the combined seed, available once synchronized.
func (s *Session) SharedSeed() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharedSeed, s.synced
}

// LocalHandle is the local player's handle.
func (s *Session) LocalHandle() int {
	return s.cfg.LocalHandle
}

// Config returns the normalized settings the session runs with.
func (s *Session) Config() Config {
	return s.cfg
}

func (s *Session) combineSeeds() uint64 {
	seeds := []uint64{s.localSeed}
	for _, peer := range s.peers {
		if peer != nil {
			seeds = append(seeds, peer.seed)
		}
	}
	return rng.CombineSeeds(seeds...)
}
