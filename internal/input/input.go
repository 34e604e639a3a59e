// Package input turns local controls into the fixed-width values exchanged
// between peers and keeps the per-player frame history of those values.
package input

import "strings"

// Input is the bit mask for one player on one frame. It is a plain value:
// two inputs are equal exactly when their bits are equal.
type Input uint8

const (
	Up Input = 1 << iota
	Down
	Left
	Right
	Action
)

// None is the "no action" input used for blank and frozen entries.
const None Input = 0

// Mask covers every defined bit; anything outside it is invalid on the wire.
const Mask = Up | Down | Left | Right | Action

// Has reports whether every bit of want is set.
func (in Input) Has(want Input) bool {
	return want != 0 && in&want == want
}

// Valid reports whether in only uses defined bits.
func (in Input) Valid() bool {
	return in&^Mask == 0
}

func (in Input) String() string {
	if in == None {
		return "-"
	}
	var b strings.Builder
	for _, bit := range []struct {
		mask  Input
		label byte
	}{{Up, 'U'}, {Down, 'D'}, {Left, 'L'}, {Right, 'R'}, {Action, 'A'}} {
		if in&bit.mask != 0 {
			b.WriteByte(bit.label)
		}
	}
	return b.String()
}

// Controls is the raw local control state sampled once per tick.
type Controls struct {
	Up     bool
	Down   bool
	Left   bool
	Right  bool
	Action bool
}

// Codec packs controls into an Input. A session calls Encode exactly once
// per simulated tick, never during rollback.
type Codec interface {
	Encode(Controls) Input
}

// BitCodec sets one bit per held control.
type BitCodec struct{}

func (BitCodec) Encode(c Controls) Input {
	var in Input
	if c.Up {
		in |= Up
	}
	if c.Down {
		in |= Down
	}
	if c.Left {
		in |= Left
	}
	if c.Right {
		in |= Right
	}
	if c.Action {
		in |= Action
	}
	return in
}

// PressFilter keeps only the bits that were not already held on the
// previous call, so holding a key produces a single input. It carries state
// and belongs to the host; the session only ever sees its output.
type PressFilter struct {
	held Input
}

func (f *PressFilter) Filter(in Input) Input {
	if f == nil {
		return in
	}
	pressed := ^f.held & in
	f.held = in
	return pressed
}

// Reset forgets the held keys.
func (f *PressFilter) Reset() {
	if f == nil {
		return
	}
	f.held = None
}
