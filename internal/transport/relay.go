package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/transport/wire"
)

const relayWriteWait = 5 * time.Second

// RelayConfig locates a room on a relay server.
type RelayConfig struct {
	URL     string
	Room    string
	Players int
}

// Relay tunnels both channels through a websocket to the relay server. The
// websocket is already ordered and reliable, so both channels share it.
type Relay struct {
	conn    *websocket.Conn
	handle  int
	players int

	writeMu sync.Mutex

	mu     sync.Mutex
	inbox  []Message
	left   map[int]bool
	closed bool
	stats  Stats

	done chan struct{}
}

var _ Transport = (*Relay)(nil)

// DialRelay joins a room and waits for the relay to assign a handle.
func DialRelay(ctx context.Context, cfg RelayConfig) (*Relay, error) {
	if cfg.Room == "" || cfg.Players < 2 {
		return nil, fmt.Errorf("transport: relay room %q for %d players is invalid", cfg.Room, cfg.Players)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse relay url: %w", err)
	}
	u = u.JoinPath("rooms", cfg.Room)
	q := u.Query()
	q.Set("players", strconv.Itoa(cfg.Players))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial relay: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: await relay welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	welcome, err := wire.DecodeRelay(data)
	if err != nil || welcome.Kind != wire.RelayWelcome {
		conn.Close()
		return nil, fmt.Errorf("transport: unexpected first relay frame: %v", err)
	}

	r := &Relay{
		conn:    conn,
		handle:  welcome.Handle,
		players: welcome.Players,
		left:    make(map[int]bool),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// Handle is the handle the relay assigned to this peer.
func (r *Relay) Handle() int {
	return r.handle
}

// Players is the room size.
func (r *Relay) Players() int {
	return r.players
}

// Left reports whether the relay announced that handle's connection closed.
func (r *Relay) Left(handle int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.left[handle]
}

func (r *Relay) SendUnreliable(to int, payload []byte) error {
	return r.send(to, payload, false)
}

func (r *Relay) SendReliable(to int, payload []byte) error {
	return r.send(to, payload, true)
}

func (r *Relay) send(to int, payload []byte, reliable bool) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if to < 0 || to >= r.players || to == r.handle {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, to)
	}
	data, err := wire.EncodeRelay(wire.RelayFrame{Kind: wire.RelayData, To: to, Reliable: reliable, Payload: payload})
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := r.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("transport: relay write: %w", err)
	}
	r.mu.Lock()
	r.stats.Sent++
	r.mu.Unlock()
	return nil
}

func (r *Relay) Poll() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.inbox
	r.inbox = nil
	return out
}

// Close sends a close frame and waits for the reader to stop.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.inbox = nil
	r.mu.Unlock()

	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	r.writeMu.Unlock()
	err := r.conn.Close()
	<-r.done
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// Stats reports traffic counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Relay) readLoop() {
	defer close(r.done)
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := wire.DecodeRelay(data)
		r.mu.Lock()
		switch {
		case err != nil:
			r.stats.Dropped++
		case r.closed:
		case f.Kind == wire.RelayData:
			r.stats.Received++
			r.inbox = append(r.inbox, Message{From: f.From, Reliable: f.Reliable, Payload: f.Payload})
		case f.Kind == wire.RelayLeft:
			r.left[f.From] = true
		}
		r.mu.Unlock()
	}
}
