package session

import (
	"errors"
	"fmt"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
)

var (
	ErrSessionClosed    = errors.New("session: closed")
	ErrPeerDisconnected = errors.New("session: peer disconnected")
	ErrSyncTimeout      = errors.New("session: synchronization timed out")
	ErrConfigMismatch   = errors.New("session: peer config mismatch")
)

// ErrLocalInputConflict is re-exported from the input queue.
var ErrLocalInputConflict = input.ErrLocalInputConflict

// DesyncError reports two peers that computed different states for the same
// fully confirmed frame.
type DesyncError struct {
	Frame  frame.Frame
	Peer   int
	Local  uint64
	Remote uint64
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("session: desync at frame %d with peer %d (local %016x, remote %016x)", e.Frame, e.Peer, e.Local, e.Remote)
}

// State is the session lifecycle.
type State int

const (
	StateSynchronizing State = iota
	StateRunning
	StateStalled
	StateDesynced
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynchronizing:
		return "synchronizing"
	case StateRunning:
		return "running"
	case StateStalled:
		return "stalled"
	case StateDesynced:
		return "desynced"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further frames will be simulated.
func (s State) Terminal() bool {
	return s == StateDesynced || s == StateDisconnected || s == StateClosed
}

// EventKind classifies the advisory events a tick reports.
type EventKind int

const (
	EventSynchronized EventKind = iota
	EventStalled
	EventResumed
	EventNetworkInterrupted
	EventNetworkResumed
	EventPeerDisconnected
	EventProtocolError
	EventDesynced
)

func (k EventKind) String() string {
	switch k {
	case EventSynchronized:
		return "synchronized"
	case EventStalled:
		return "stalled"
	case EventResumed:
		return "resumed"
	case EventNetworkInterrupted:
		return "network_interrupted"
	case EventNetworkResumed:
		return "network_resumed"
	case EventPeerDisconnected:
		return "peer_disconnected"
	case EventProtocolError:
		return "protocol_error"
	case EventDesynced:
		return "desynced"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is an advisory notice for the host. Peer is -1 for session-wide
// events.
type Event struct {
	Kind   EventKind
	Frame  frame.Frame
	Peer   int
	Detail string
}

// Rollback describes the rewind performed during a tick.
type Rollback struct {
	From   frame.Frame
	To     frame.Frame
	Frames int
}

// TickResult summarises one Tick.
type TickResult struct {
	Frame    frame.Frame
	State    State
	Advanced bool
	Rollback *Rollback
	Events   []Event
}
