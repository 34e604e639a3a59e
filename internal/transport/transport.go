// Package transport moves opaque payloads between the peers of a match. Each
// transport offers a best-effort unreliable channel and an ordered reliable
// channel, and never blocks the caller on the network.
package transport

import "errors"

var (
	// ErrClosed is returned by sends on a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrUnknownPeer is returned when sending to a handle with no route.
	ErrUnknownPeer = errors.New("transport: unknown peer")
)

// Message is one payload received from a peer.
type Message struct {
	From     int
	Reliable bool
	Payload  []byte
}

// Transport is what the session drives once per tick. Implementations are
// safe for concurrent use; Poll drains whatever arrived since the last call.
type Transport interface {
	SendUnreliable(to int, payload []byte) error
	SendReliable(to int, payload []byte) error
	Poll() []Message
	Close() error
}

// Stats counts traffic through a transport.
type Stats struct {
	Sent        uint64
	Received    uint64
	Dropped     uint64
	Retransmits uint64
}

func clonePayload(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
