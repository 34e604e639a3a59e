// Package frame defines the timeline coordinate shared by every netcode
// component.
package frame

import "math"

// Frame counts simulation steps from the start of the match. Frame f names
// the state before the inputs of frame f are applied.
type Frame int32

const (
	// Null marks "no frame yet", e.g. the confirmed frontier of a peer that
	// has not been heard from.
	Null Frame = -1
	// Max is the frontier reported for players whose input no longer needs
	// waiting for.
	Max Frame = math.MaxInt32
)

// Valid reports whether f names a real frame.
func (f Frame) Valid() bool {
	return f >= 0
}

// Min returns the smaller of two frames.
func Min(a, b Frame) Frame {
	if a < b {
		return a
	}
	return b
}
