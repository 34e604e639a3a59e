// Package wire encodes the packets peers exchange. Every packet travels in a
// versioned msgpack envelope.
package wire

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"lukechampine.com/blake3"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
)

const (
	// Version tracks the wire-protocol revision expected by peers.
	Version = 1

	// MaxInputs bounds the input history carried by one packet.
	MaxInputs = 255

	// DigestSize is the length of a config digest.
	DigestSize = 32
)

// Kind identifies the packet carried by an envelope.
type Kind string

const (
	KindSeed     Kind = "seed"
	KindInput    Kind = "input"
	KindChecksum Kind = "checksum"
)

var (
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	ErrUnknownKind        = errors.New("wire: unknown packet kind")
	ErrMalformed          = errors.New("wire: malformed packet")
)

type envelope struct {
	Ver  int                `msgpack:"v"`
	Kind Kind               `msgpack:"kind"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// Seed is the handshake packet: the sender's seed contribution and the
// digest of the session settings it runs with.
type Seed struct {
	Handle int    `msgpack:"h"`
	Seed   uint64 `msgpack:"s"`
	Digest []byte `msgpack:"d"`
}

// Input carries the sender's trailing local inputs. Inputs are ordered
// oldest to newest and the last one belongs to Frame. Ack is the newest
// frame of the receiver's inputs the sender holds contiguously.
type Input struct {
	Handle int           `msgpack:"h"`
	Frame  frame.Frame   `msgpack:"f"`
	Ack    frame.Frame   `msgpack:"a"`
	Inputs []input.Input `msgpack:"i"`
}

// FirstFrame is the frame of Inputs[0].
func (p Input) FirstFrame() frame.Frame {
	return p.Frame - frame.Frame(len(p.Inputs)) + 1
}

// Checksum announces the sender's state checksum for a confirmed frame.
type Checksum struct {
	Handle   int         `msgpack:"h"`
	Frame    frame.Frame `msgpack:"f"`
	Checksum uint64      `msgpack:"c"`
}

// Packet is a decoded envelope; exactly one body field is set.
type Packet struct {
	Kind     Kind
	Seed     *Seed
	Input    *Input
	Checksum *Checksum
}

// Encode wraps a Seed, Input or Checksum in an envelope.
func Encode(msg any) ([]byte, error) {
	var kind Kind
	switch m := msg.(type) {
	case Seed, *Seed:
		kind = KindSeed
	case Input:
		kind = KindInput
		if err := m.validate(); err != nil {
			return nil, err
		}
	case *Input:
		kind = KindInput
		if m == nil {
			return nil, fmt.Errorf("%w: nil input packet", ErrMalformed)
		}
		if err := m.validate(); err != nil {
			return nil, err
		}
	case Checksum, *Checksum:
		kind = KindChecksum
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	return msgpack.Marshal(envelope{Ver: Version, Kind: kind, Body: body})
}

// Decode parses and validates an envelope.
func Decode(payload []byte) (Packet, error) {
	var env envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Ver != Version {
		return Packet{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Ver)
	}
	pkt := Packet{Kind: env.Kind}
	switch env.Kind {
	case KindSeed:
		var body Seed
		if err := msgpack.Unmarshal(env.Body, &body); err != nil {
			return Packet{}, fmt.Errorf("%w: seed: %v", ErrMalformed, err)
		}
		if len(body.Digest) != DigestSize || body.Handle < 0 {
			return Packet{}, fmt.Errorf("%w: seed from handle %d", ErrMalformed, body.Handle)
		}
		pkt.Seed = &body
	case KindInput:
		var body Input
		if err := msgpack.Unmarshal(env.Body, &body); err != nil {
			return Packet{}, fmt.Errorf("%w: input: %v", ErrMalformed, err)
		}
		if err := body.validate(); err != nil {
			return Packet{}, err
		}
		pkt.Input = &body
	case KindChecksum:
		var body Checksum
		if err := msgpack.Unmarshal(env.Body, &body); err != nil {
			return Packet{}, fmt.Errorf("%w: checksum: %v", ErrMalformed, err)
		}
		if !body.Frame.Valid() || body.Handle < 0 {
			return Packet{}, fmt.Errorf("%w: checksum frame %d", ErrMalformed, body.Frame)
		}
		pkt.Checksum = &body
	default:
		return Packet{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return pkt, nil
}

func (p Input) validate() error {
	if p.Handle < 0 {
		return fmt.Errorf("%w: negative handle %d", ErrMalformed, p.Handle)
	}
	if len(p.Inputs) == 0 || len(p.Inputs) > MaxInputs {
		return fmt.Errorf("%w: %d inputs", ErrMalformed, len(p.Inputs))
	}
	if !p.FirstFrame().Valid() {
		return fmt.Errorf("%w: %d inputs ending at frame %d", ErrMalformed, len(p.Inputs), p.Frame)
	}
	if p.Ack < frame.Null {
		return fmt.Errorf("%w: ack %d", ErrMalformed, p.Ack)
	}
	for i, in := range p.Inputs {
		if !in.Valid() {
			return fmt.Errorf("%w: input %d has undefined bits %08b", ErrMalformed, i, uint8(in))
		}
	}
	return nil
}

// Fingerprint lists the settings every peer of a match must share.
type Fingerprint struct {
	Version        int    `msgpack:"v"`
	Game           string `msgpack:"g"`
	Players        int    `msgpack:"p"`
	MaxPrediction  int    `msgpack:"mp"`
	DesyncInterval int    `msgpack:"di"`
	FPS            int    `msgpack:"fps"`
}

// Digest hashes a fingerprint for the seed handshake.
func Digest(fp Fingerprint) ([]byte, error) {
	if fp.Version == 0 {
		fp.Version = Version
	}
	encoded, err := msgpack.Marshal(fp)
	if err != nil {
		return nil, fmt.Errorf("wire: encode fingerprint: %w", err)
	}
	sum := blake3.Sum256(encoded)
	return sum[:], nil
}
