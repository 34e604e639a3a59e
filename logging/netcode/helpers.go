package netcode

import (
	"context"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/logging"
)

const (
	// EventSynchronized is emitted once every peer's seed has been received.
	EventSynchronized logging.EventType = "netcode.synchronized"
	// EventRollback is emitted when the engine rewinds and replays frames.
	EventRollback logging.EventType = "netcode.rollback"
	// EventStalled is emitted when the prediction window is exhausted.
	EventStalled logging.EventType = "netcode.stalled"
	// EventResumed is emitted when a stalled session advances again.
	EventResumed logging.EventType = "netcode.resumed"
	// EventPeerInterrupted is emitted when a peer has been silent past the notify threshold.
	EventPeerInterrupted logging.EventType = "netcode.peer_interrupted"
	// EventPeerResumed is emitted when an interrupted peer is heard from again.
	EventPeerResumed logging.EventType = "netcode.peer_resumed"
	// EventPeerDisconnected is emitted when a peer exceeds the disconnect timeout.
	EventPeerDisconnected logging.EventType = "netcode.peer_disconnected"
	// EventPacketDropped is emitted for malformed or out-of-window packets.
	EventPacketDropped logging.EventType = "netcode.packet_dropped"
	// EventDesync is emitted when a remote checksum contradicts the local one.
	EventDesync logging.EventType = "netcode.desync"
)

// SynchronizedPayload reports the agreed session seed.
type SynchronizedPayload struct {
	SharedSeed uint64 `json:"sharedSeed"`
	Peers      int    `json:"peers"`
}

// Synchronized publishes the end of the seed exchange.
func Synchronized(ctx context.Context, pub logging.Publisher, payload SynchronizedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSynchronized,
		Frame:    0,
		Peer:     logging.SessionRef(),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetcode,
		Payload:  payload,
		Extra:    extra,
	})
}

// RollbackPayload captures the extent of a rewind.
type RollbackPayload struct {
	From   int64 `json:"from"`
	To     int64 `json:"to"`
	Frames int64 `json:"frames"`
}

// Rollback publishes a debug event for every rewind.
func Rollback(ctx context.Context, pub logging.Publisher, frame int64, payload RollbackPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRollback,
		Frame:    frame,
		Peer:     logging.SessionRef(),
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetcode,
		Payload:  payload,
		Extra:    extra,
	})
}

// StallPayload records how far ahead of the confirmed frontier the session ran.
type StallPayload struct {
	Confirmed     int64 `json:"confirmed"`
	MaxPrediction int   `json:"maxPrediction"`
	WaitingOn     []int `json:"waitingOn,omitempty"`
}

// Stalled publishes a warning when the session stops advancing.
func Stalled(ctx context.Context, pub logging.Publisher, frame int64, payload StallPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventStalled,
		Frame:    frame,
		Peer:     logging.SessionRef(),
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetcode,
		Payload:  payload,
		Extra:    extra,
	})
}

// ResumedPayload records how many ticks the session was stalled for.
type ResumedPayload struct {
	StalledTicks uint64 `json:"stalledTicks"`
}

// Resumed publishes an info event when a stall clears.
func Resumed(ctx context.Context, pub logging.Publisher, frame int64, payload ResumedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventResumed,
		Frame:    frame,
		Peer:     logging.SessionRef(),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetcode,
		Payload:  payload,
		Extra:    extra,
	})
}

// PeerPayload carries the silence duration of a peer in milliseconds.
type PeerPayload struct {
	SilentMillis  int64 `json:"silentMillis"`
	LastConfirmed int64 `json:"lastConfirmed"`
}

// PeerInterrupted publishes a warning that a peer has gone quiet.
func PeerInterrupted(ctx context.Context, pub logging.Publisher, frame int64, handle int, payload PeerPayload, extra map[string]any) {
	publishPeer(ctx, pub, EventPeerInterrupted, logging.SeverityWarn, frame, handle, payload, extra)
}

// PeerResumed publishes an info event when an interrupted peer is heard from.
func PeerResumed(ctx context.Context, pub logging.Publisher, frame int64, handle int, payload PeerPayload, extra map[string]any) {
	publishPeer(ctx, pub, EventPeerResumed, logging.SeverityInfo, frame, handle, payload, extra)
}

// PeerDisconnected publishes an error event when a peer is given up on.
func PeerDisconnected(ctx context.Context, pub logging.Publisher, frame int64, handle int, payload PeerPayload, extra map[string]any) {
	publishPeer(ctx, pub, EventPeerDisconnected, logging.SeverityError, frame, handle, payload, extra)
}

func publishPeer(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, frame int64, handle int, payload PeerPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Frame:    frame,
		Peer:     logging.PeerRef{Handle: handle, Kind: logging.PeerKindRemote},
		Severity: severity,
		Category: logging.CategoryNetcode,
		Payload:  payload,
		Extra:    extra,
	})
}

// PacketDroppedPayload explains why an inbound packet was discarded.
type PacketDroppedPayload struct {
	Reason string `json:"reason"`
	Bytes  int    `json:"bytes,omitempty"`
}

// PacketDropped publishes a debug event for a discarded packet.
func PacketDropped(ctx context.Context, pub logging.Publisher, frame int64, handle int, payload PacketDroppedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventPacketDropped,
		Frame:    frame,
		Peer:     logging.PeerRef{Handle: handle, Kind: logging.PeerKindRemote},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryTransport,
		Payload:  payload,
		Extra:    extra,
	})
}

// DesyncPayload carries both checksums of the divergent frame.
type DesyncPayload struct {
	Local  uint64 `json:"local"`
	Remote uint64 `json:"remote"`
}

// Desync publishes an error event for a checksum mismatch.
func Desync(ctx context.Context, pub logging.Publisher, frame int64, handle int, payload DesyncPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDesync,
		Frame:    frame,
		Peer:     logging.PeerRef{Handle: handle, Kind: logging.PeerKindRemote},
		Severity: logging.SeverityError,
		Category: logging.CategoryNetcode,
		Payload:  payload,
		Extra:    extra,
	})
}
