// Package snapshot keeps the bounded ring of saved simulation states the
// rollback engine rewinds to.
package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
)

// Slot is one saved state: the opaque blob produced by the simulation and
// the checksum it reported for that state.
type Slot struct {
	Frame    frame.Frame
	Blob     []byte
	Checksum uint64
}

// Eviction describes a slot dropped to make room for a newer save.
type Eviction struct {
	Frame  frame.Frame
	Reason string
}

// SaveResult reports the retention window after a save.
type SaveResult struct {
	Size    int
	Oldest  frame.Frame
	Newest  frame.Frame
	Evicted []Eviction
}

// WindowError is returned when a frame outside the retained window is
// requested. The engine treats it as fatal: it means a rollback reached
// further back than the prediction window allows.
type WindowError struct {
	Frame       frame.Frame
	Oldest      frame.Frame
	Newest      frame.Frame
	Invalidated bool
}

func (e *WindowError) Error() string {
	if e.Invalidated {
		return fmt.Sprintf("snapshot: store invalidated, cannot load frame %d", e.Frame)
	}
	return fmt.Sprintf("snapshot: frame %d outside window [%d, %d]", e.Frame, e.Oldest, e.Newest)
}

// Telemetry receives eviction counts.
type Telemetry interface {
	Add(key string, delta uint64)
}

const metricEvictions = "snapshot_evictions_total"

// Option configures a Store.
type Option func(*Store)

// WithCompression stores blobs lz4-compressed.
func WithCompression() Option {
	return func(s *Store) {
		s.compress = true
	}
}

// WithTelemetry attaches a metrics sink for evictions.
func WithTelemetry(t Telemetry) Option {
	return func(s *Store) {
		s.telemetry = t
	}
}

type storedSlot struct {
	frame    frame.Frame
	blob     []byte
	rawSize  int
	checksum uint64
}

// Store is a ring of window slots indexed by frame modulo window.
type Store struct {
	mu          sync.RWMutex
	slots       []storedSlot
	compress    bool
	invalidated bool
	telemetry   Telemetry
}

// NewStore builds a store retaining window consecutive frames.
func NewStore(window int, opts ...Option) *Store {
	if window < 1 {
		window = 1
	}
	s := &Store{slots: make([]storedSlot, window)}
	for i := range s.slots {
		s.slots[i].frame = frame.Null
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Window reports the number of retained frames.
func (s *Store) Window() int {
	if s == nil {
		return 0
	}
	return len(s.slots)
}

// Save stores blob as the state of f, replacing an earlier save of the same
// frame. Whatever frame previously occupied the slot is evicted.
func (s *Store) Save(f frame.Frame, blob []byte, checksum uint64) (SaveResult, error) {
	if s == nil {
		return SaveResult{}, fmt.Errorf("snapshot: nil store")
	}
	if !f.Valid() {
		return SaveResult{}, fmt.Errorf("snapshot: invalid frame %d", f)
	}
	stored, err := s.encode(blob)
	if err != nil {
		return SaveResult{}, fmt.Errorf("snapshot: save frame %d: %w", f, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalidated {
		return SaveResult{}, &WindowError{Frame: f, Invalidated: true}
	}

	var evicted []Eviction
	slot := &s.slots[int(f)%len(s.slots)]
	if slot.frame.Valid() && slot.frame != f {
		evicted = append(evicted, Eviction{Frame: slot.frame, Reason: "count"})
		if s.telemetry != nil {
			s.telemetry.Add(metricEvictions, 1)
		}
	}
	*slot = storedSlot{frame: f, blob: stored, rawSize: len(blob), checksum: checksum}

	oldest, newest, size := s.boundsLocked()
	return SaveResult{Size: size, Oldest: oldest, Newest: newest, Evicted: evicted}, nil
}

// Load returns a copy of the blob saved for f.
func (s *Store) Load(f frame.Frame) ([]byte, error) {
	if s == nil {
		return nil, &WindowError{Frame: f, Invalidated: true}
	}
	s.mu.RLock()
	if s.invalidated {
		s.mu.RUnlock()
		return nil, &WindowError{Frame: f, Invalidated: true}
	}
	slot, ok := s.lookupLocked(f)
	if !ok {
		oldest, newest, _ := s.boundsLocked()
		s.mu.RUnlock()
		return nil, &WindowError{Frame: f, Oldest: oldest, Newest: newest}
	}
	s.mu.RUnlock()
	return s.decode(slot)
}

// Checksum returns the checksum recorded with the save of f.
func (s *Store) Checksum(f frame.Frame) (uint64, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.invalidated {
		return 0, false
	}
	slot, ok := s.lookupLocked(f)
	if !ok {
		return 0, false
	}
	return slot.checksum, true
}

// Bounds reports the oldest and newest retained frames and how many slots
// are filled.
func (s *Store) Bounds() (oldest, newest frame.Frame, size int) {
	if s == nil {
		return frame.Null, frame.Null, 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundsLocked()
}

// Invalidate drops every slot. Loads and saves fail afterwards.
func (s *Store) Invalidate() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = true
	for i := range s.slots {
		s.slots[i] = storedSlot{frame: frame.Null}
	}
}

func (s *Store) lookupLocked(f frame.Frame) (storedSlot, bool) {
	if !f.Valid() {
		return storedSlot{}, false
	}
	slot := s.slots[int(f)%len(s.slots)]
	if slot.frame != f {
		return storedSlot{}, false
	}
	return slot, true
}

func (s *Store) boundsLocked() (oldest, newest frame.Frame, size int) {
	oldest, newest = frame.Null, frame.Null
	for _, slot := range s.slots {
		if !slot.frame.Valid() {
			continue
		}
		size++
		if oldest == frame.Null || slot.frame < oldest {
			oldest = slot.frame
		}
		if slot.frame > newest {
			newest = slot.frame
		}
	}
	return oldest, newest, size
}

func (s *Store) encode(blob []byte) ([]byte, error) {
	if !s.compress {
		out := make([]byte, len(blob))
		copy(out, blob)
		return out, nil
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(blob); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Store) decode(slot storedSlot) ([]byte, error) {
	if !s.compress {
		out := make([]byte, len(slot.blob))
		copy(out, slot.blob)
		return out, nil
	}
	out := bytes.NewBuffer(make([]byte, 0, slot.rawSize))
	if _, err := io.Copy(out, lz4.NewReader(bytes.NewReader(slot.blob))); err != nil {
		return nil, fmt.Errorf("snapshot: decompress frame %d: %w", slot.frame, err)
	}
	return out.Bytes(), nil
}
