package input

import (
	"errors"
	"fmt"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
)

var (
	// ErrLocalInputConflict reports a second, different local input for a
	// frame that already holds a confirmed one. Local input is never
	// speculative, so this is a caller bug.
	ErrLocalInputConflict = errors.New("input: conflicting local input")
	// ErrRemoteInputConflict reports a peer resending a different value for
	// a frame it already confirmed.
	ErrRemoteInputConflict = errors.New("input: conflicting remote input")
	// ErrOutsideWindow reports a frame too far ahead of the retained window.
	ErrOutsideWindow = errors.New("input: frame outside queue window")
)

// EntryState tells whether an entry came from the owning peer or was guessed.
type EntryState uint8

const (
	Blank EntryState = iota
	Predicted
	Confirmed
)

func (s EntryState) String() string {
	switch s {
	case Predicted:
		return "predicted"
	case Confirmed:
		return "confirmed"
	default:
		return "blank"
	}
}

// Entry is the input of one player on one frame.
type Entry struct {
	Frame frame.Frame
	Input Input
	State EntryState
}

// Misprediction is raised when a confirmed input contradicts the prediction
// the simulation already ran with.
type Misprediction struct {
	Frame     frame.Frame
	Predicted Input
	Confirmed Input
}

// Queue is the frame-indexed ring of inputs for one player. Slot i holds the
// entry for the frame f with f % len(slots) == i; a slot whose Frame does
// not match the requested frame is empty.
type Queue struct {
	slots  []Entry
	oldest frame.Frame

	lastConfirmed  frame.Frame
	frontierInput  Input
	newestReceived frame.Frame

	frozen      bool
	frozenFrom  frame.Frame
	frozenInput Input
}

// NewQueue builds a queue retaining capacity consecutive frames.
func NewQueue(capacity int) *Queue {
	if capacity < 2 {
		capacity = 2
	}
	q := &Queue{
		slots:          make([]Entry, capacity),
		lastConfirmed:  frame.Null,
		newestReceived: frame.Null,
	}
	q.clearSlots()
	return q
}

func (q *Queue) clearSlots() {
	for i := range q.slots {
		q.slots[i] = Entry{Frame: frame.Null}
	}
}

// Capacity reports how many consecutive frames the queue retains.
func (q *Queue) Capacity() int {
	if q == nil {
		return 0
	}
	return len(q.slots)
}

func (q *Queue) slot(f frame.Frame) *Entry {
	return &q.slots[int(f)%len(q.slots)]
}

func (q *Queue) lookup(f frame.Frame) (Entry, bool) {
	if f < q.oldest || !f.Valid() {
		return Entry{}, false
	}
	e := q.slot(f)
	if e.Frame != f {
		return Entry{}, false
	}
	return *e, true
}

func (q *Queue) inWindow(f frame.Frame) error {
	if !f.Valid() {
		return fmt.Errorf("%w: frame %d", ErrOutsideWindow, f)
	}
	if int(f-q.oldest) >= len(q.slots) {
		return fmt.Errorf("%w: frame %d beyond %d", ErrOutsideWindow, f, int(q.oldest)+len(q.slots)-1)
	}
	return nil
}

// PushLocal records the local player's input for f as confirmed.
func (q *Queue) PushLocal(f frame.Frame, in Input) error {
	if f < q.oldest {
		return fmt.Errorf("%w: frame %d already pruned", ErrOutsideWindow, f)
	}
	if err := q.inWindow(f); err != nil {
		return err
	}
	if existing, ok := q.lookup(f); ok && existing.State == Confirmed {
		if existing.Input != in {
			return fmt.Errorf("%w: frame %d holds %s, got %s", ErrLocalInputConflict, f, existing.Input, in)
		}
		return nil
	}
	q.confirm(f, in)
	return nil
}

// PushRemote records a peer's input for f as confirmed. Frames older than
// the retained window were confirmed long ago and are ignored. The returned
// misprediction is set when a prediction for f held a different value.
func (q *Queue) PushRemote(f frame.Frame, in Input) (Misprediction, bool, error) {
	if q.frozen && f >= q.frozenFrom {
		return Misprediction{}, false, nil
	}
	if f.Valid() && f < q.oldest {
		return Misprediction{}, false, nil
	}
	if err := q.inWindow(f); err != nil {
		return Misprediction{}, false, err
	}
	existing, ok := q.lookup(f)
	if ok {
		switch existing.State {
		case Confirmed:
			if existing.Input != in {
				return Misprediction{}, false, fmt.Errorf("%w: frame %d holds %s, got %s", ErrRemoteInputConflict, f, existing.Input, in)
			}
			return Misprediction{}, false, nil
		case Predicted:
			q.confirm(f, in)
			if existing.Input != in {
				return Misprediction{Frame: f, Predicted: existing.Input, Confirmed: in}, true, nil
			}
			return Misprediction{}, false, nil
		}
	}
	q.confirm(f, in)
	return Misprediction{}, false, nil
}

func (q *Queue) confirm(f frame.Frame, in Input) {
	*q.slot(f) = Entry{Frame: f, Input: in, State: Confirmed}
	if f > q.newestReceived {
		q.newestReceived = f
	}
	q.advanceFrontier()
}

func (q *Queue) advanceFrontier() {
	for {
		next := q.lastConfirmed + 1
		e, ok := q.lookup(next)
		if !ok || e.State != Confirmed {
			return
		}
		q.lastConfirmed = next
		q.frontierInput = e.Input
	}
}

// GetOrPredict returns the confirmed entry for f, or records and returns a
// prediction that repeats the input at the confirmed frontier. A player
// with no confirmed input yet is predicted to do nothing.
func (q *Queue) GetOrPredict(f frame.Frame) Entry {
	if q.frozen && f >= q.frozenFrom {
		if e, ok := q.lookup(f); ok && e.State == Confirmed {
			return e
		}
		entry := Entry{Frame: f, Input: q.frozenInput, State: Confirmed}
		if f >= q.oldest && q.inWindow(f) == nil {
			*q.slot(f) = entry
		}
		return entry
	}
	if e, ok := q.lookup(f); ok && e.State == Confirmed {
		return e
	}
	guess := None
	if q.lastConfirmed.Valid() && q.lastConfirmed < f {
		guess = q.frontierInput
	}
	entry := Entry{Frame: f, Input: guess, State: Predicted}
	if f >= q.oldest && q.inWindow(f) == nil {
		*q.slot(f) = entry
	}
	return entry
}

// Entry returns the stored entry for f, if retained. Frames of a frozen
// player that never arrived read as the frozen input.
func (q *Queue) Entry(f frame.Frame) (Entry, bool) {
	e, ok := q.lookup(f)
	if q.frozen && f >= q.frozenFrom && (!ok || e.State != Confirmed) {
		return Entry{Frame: f, Input: q.frozenInput, State: Confirmed}, true
	}
	return e, ok
}

// ConfirmedRun returns the confirmed inputs for frames [from, to]. ok is
// false when any frame in the range is missing or unconfirmed.
func (q *Queue) ConfirmedRun(from, to frame.Frame) ([]Input, bool) {
	if to < from {
		return nil, true
	}
	run := make([]Input, 0, int(to-from)+1)
	for f := from; f <= to; f++ {
		e, ok := q.Entry(f)
		if !ok || e.State != Confirmed {
			return nil, false
		}
		run = append(run, e.Input)
	}
	return run, true
}

// Freeze stops waiting for this player: every frame from on that is not
// already confirmed is confirmed as in. Inputs that arrived past a gap keep
// their value. Predictions already simulated with a different value are
// reported as the earliest misprediction.
func (q *Queue) Freeze(in Input, from frame.Frame) (Misprediction, bool) {
	if q.frozen {
		return Misprediction{}, false
	}
	if from < q.lastConfirmed+1 {
		from = q.lastConfirmed + 1
	}
	q.frozen = true
	q.frozenFrom = from
	q.frozenInput = in

	var first Misprediction
	found := false
	for i := range q.slots {
		e := q.slots[i]
		if e.Frame < from || e.Frame < q.oldest || e.State == Confirmed {
			continue
		}
		if e.State == Predicted && e.Input != in && (!found || e.Frame < first.Frame) {
			first = Misprediction{Frame: e.Frame, Predicted: e.Input, Confirmed: in}
			found = true
		}
		q.slots[i] = Entry{Frame: e.Frame, Input: in, State: Confirmed}
	}
	return first, found
}

// Frozen reports whether the player's input is frozen and from which frame.
func (q *Queue) Frozen() (bool, frame.Frame) {
	return q.frozen, q.frozenFrom
}

// LastConfirmed is the newest frame f such that every frame up to f is
// confirmed. Frozen players never hold the session back and report
// frame.Max.
func (q *Queue) LastConfirmed() frame.Frame {
	if q.frozen {
		return frame.Max
	}
	return q.lastConfirmed
}

// NewestReceived is the highest frame ever confirmed, contiguous or not.
func (q *Queue) NewestReceived() frame.Frame {
	return q.newestReceived
}

// Prune forgets every frame before the given one. Frames at or after the
// confirmed frontier are kept regardless.
func (q *Queue) Prune(before frame.Frame) {
	if before <= q.oldest {
		return
	}
	if !q.frozen && before > q.lastConfirmed+1 {
		before = q.lastConfirmed + 1
	}
	q.oldest = before
}

// Oldest is the first retained frame.
func (q *Queue) Oldest() frame.Frame {
	return q.oldest
}
