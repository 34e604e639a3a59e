package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// RelayKind identifies a frame exchanged with the relay server.
type RelayKind string

const (
	// RelayWelcome is the first frame the relay sends: the joining peer's
	// handle and the room size.
	RelayWelcome RelayKind = "welcome"
	// RelayData carries an opaque peer payload.
	RelayData RelayKind = "data"
	// RelayLeft tells the room a peer's connection closed.
	RelayLeft RelayKind = "left"
)

// RelayFrame is the unit of the relay websocket protocol. From is stamped by
// the relay; clients only set To.
type RelayFrame struct {
	Kind     RelayKind `msgpack:"k"`
	From     int       `msgpack:"f"`
	To       int       `msgpack:"t"`
	Reliable bool      `msgpack:"r,omitempty"`
	Payload  []byte    `msgpack:"p,omitempty"`
	Handle   int       `msgpack:"h,omitempty"`
	Players  int       `msgpack:"n,omitempty"`
}

// EncodeRelay serialises a relay frame.
func EncodeRelay(f RelayFrame) ([]byte, error) {
	return msgpack.Marshal(f)
}

// DecodeRelay parses a relay frame.
func DecodeRelay(data []byte) (RelayFrame, error) {
	var f RelayFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return RelayFrame{}, fmt.Errorf("%w: relay frame: %v", ErrMalformed, err)
	}
	switch f.Kind {
	case RelayWelcome, RelayData, RelayLeft:
	default:
		return RelayFrame{}, fmt.Errorf("%w: relay kind %q", ErrUnknownKind, f.Kind)
	}
	return f, nil
}
