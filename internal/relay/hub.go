// Package relay forwards opaque peer payloads between the members of a room
// for peers that cannot reach each other directly. It never looks inside a
// payload.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/telemetry"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/transport/wire"
)

const (
	metricForwarded = "relay_frames_forwarded_total"
	metricDropped   = "relay_frames_dropped_total"
	metricRooms     = "relay_rooms_open"

	writeWait = 5 * time.Second
	// maxPendingFrames bounds what a room buffers for a slot nobody has
	// joined yet.
	maxPendingFrames = 512
)

var (
	ErrRoomFull        = errors.New("relay: room is full")
	ErrPlayersMismatch = errors.New("relay: room exists with a different size")
	ErrInvalidRoom     = errors.New("relay: invalid room request")
	// ErrRateLimited is returned when a member sends a reliable frame over
	// its rate. Reliable frames are never dropped, so the member is cut off.
	ErrRateLimited = errors.New("relay: reliable frame over rate limit")
)

// HubConfig bounds rooms and per-connection traffic.
type HubConfig struct {
	MaxPlayers int
	// FramesPerSecond and Burst shape each member's inbound rate.
	FramesPerSecond float64
	Burst           int
	Logger          telemetry.Logger
	Metrics         telemetry.Metrics
}

// DefaultHubConfig allows rooms of up to eight players sending a few
// packets per frame at 60 frames per second.
func DefaultHubConfig() HubConfig {
	return HubConfig{MaxPlayers: 8, FramesPerSecond: 600, Burst: 240}
}

type member struct {
	handle  int
	conn    *websocket.Conn
	limiter *rate.Limiter
	writeMu sync.Mutex
}

func (m *member) write(f wire.RelayFrame) error {
	data, err := wire.EncodeRelay(f)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteMessage(websocket.BinaryMessage, data)
}

type room struct {
	id      string
	players int

	mu      sync.Mutex
	slots   []*member
	left    []bool
	joined  int
	pending map[int][]wire.RelayFrame
}

// Hub owns every open room.
type Hub struct {
	cfg HubConfig

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub builds an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = DefaultHubConfig().MaxPlayers
	}
	if cfg.FramesPerSecond <= 0 {
		cfg.FramesPerSecond = DefaultHubConfig().FramesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultHubConfig().Burst
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.DiscardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	return &Hub{cfg: cfg, rooms: make(map[string]*room)}
}

// Rooms reports how many rooms are open.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) room(id string, players int) (*room, error) {
	if id == "" || players < 2 || players > h.cfg.MaxPlayers {
		return nil, fmt.Errorf("%w: room %q for %d players", ErrInvalidRoom, id, players)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		r = &room{
			id:      id,
			players: players,
			slots:   make([]*member, players),
			left:    make([]bool, players),
			pending: make(map[int][]wire.RelayFrame),
		}
		h.rooms[id] = r
		h.cfg.Metrics.Store(metricRooms, uint64(len(h.rooms)))
		return r, nil
	}
	if r.players != players {
		return nil, fmt.Errorf("%w: %q holds %d players, asked for %d", ErrPlayersMismatch, id, r.players, players)
	}
	return r, nil
}

// join seats conn in the next free slot of the room, sends the welcome
// frame and then anything that was addressed to the slot before it joined.
func (h *Hub) join(roomID string, players int, conn *websocket.Conn) (*member, *room, error) {
	r, err := h.room(roomID, players)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joined >= r.players {
		return nil, nil, fmt.Errorf("%w: %q", ErrRoomFull, roomID)
	}
	m := &member{
		handle:  r.joined,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.FramesPerSecond), h.cfg.Burst),
	}
	r.slots[m.handle] = m
	r.joined++

	if err := m.write(wire.RelayFrame{Kind: wire.RelayWelcome, Handle: m.handle, Players: r.players}); err != nil {
		r.left[m.handle] = true
		return nil, nil, fmt.Errorf("relay: welcome %d: %w", m.handle, err)
	}
	for _, f := range r.pending[m.handle] {
		if err := m.write(f); err != nil {
			h.cfg.Logger.Printf("relay room %s: flush to %d failed: %v", r.id, m.handle, err)
			break
		}
		h.cfg.Metrics.Add(metricForwarded, 1)
	}
	delete(r.pending, m.handle)
	for handle, gone := range r.left {
		if gone {
			_ = m.write(wire.RelayFrame{Kind: wire.RelayLeft, From: handle})
		}
	}
	h.cfg.Logger.Printf("relay room %s: handle %d joined (%d/%d)", r.id, m.handle, r.joined, r.players)
	return m, r, nil
}

// forward routes a data frame from one member to another. Frames for slots
// that have not joined yet are held; frames for departed slots are dropped.
// Unreliable frames over the sender's rate are dropped; a reliable one
// returns ErrRateLimited and the caller should disconnect the sender.
func (h *Hub) forward(r *room, from *member, f wire.RelayFrame) error {
	if f.Kind != wire.RelayData || f.To < 0 || f.To >= r.players || f.To == from.handle {
		h.cfg.Metrics.Add(metricDropped, 1)
		return nil
	}
	if !from.limiter.Allow() {
		h.cfg.Metrics.Add(metricDropped, 1)
		if f.Reliable {
			return fmt.Errorf("%w: handle %d", ErrRateLimited, from.handle)
		}
		return nil
	}
	out := wire.RelayFrame{Kind: wire.RelayData, From: from.handle, To: f.To, Reliable: f.Reliable, Payload: f.Payload}

	r.mu.Lock()
	target := r.slots[f.To]
	switch {
	case r.left[f.To]:
		r.mu.Unlock()
		h.cfg.Metrics.Add(metricDropped, 1)
		return nil
	case target == nil:
		if len(r.pending[f.To]) >= maxPendingFrames {
			r.mu.Unlock()
			h.cfg.Metrics.Add(metricDropped, 1)
			return nil
		}
		r.pending[f.To] = append(r.pending[f.To], out)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := target.write(out); err != nil {
		h.cfg.Metrics.Add(metricDropped, 1)
		return nil
	}
	h.cfg.Metrics.Add(metricForwarded, 1)
	return nil
}

// leave marks a member gone, tells the rest of the room and closes the room
// once nobody is left in it.
func (h *Hub) leave(r *room, m *member) {
	r.mu.Lock()
	if r.left[m.handle] {
		r.mu.Unlock()
		return
	}
	r.left[m.handle] = true
	r.slots[m.handle] = nil
	var others []*member
	for handle, other := range r.slots {
		if other == nil || r.left[handle] {
			continue
		}
		others = append(others, other)
	}
	r.mu.Unlock()

	for _, other := range others {
		if err := other.write(wire.RelayFrame{Kind: wire.RelayLeft, From: m.handle}); err != nil {
			h.cfg.Logger.Printf("relay room %s: notify %d of departure failed: %v", r.id, other.handle, err)
		}
	}
	h.cfg.Logger.Printf("relay room %s: handle %d left", r.id, m.handle)

	if len(others) == 0 {
		h.mu.Lock()
		if h.rooms[r.id] == r {
			delete(h.rooms, r.id)
			h.cfg.Metrics.Store(metricRooms, uint64(len(h.rooms)))
		}
		h.mu.Unlock()
	}
}
