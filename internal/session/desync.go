package session

import (
	"sort"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
)

const (
	checksumHistory  = 32
	maxPendingRemote = 64
)

// desyncDetector compares checksums of fully confirmed frames. Local
// checksums are taken at every interval boundary once the frame can no
// longer be rolled back; remote ones wait until the local side has caught
// up.
type desyncDetector struct {
	interval int
	next     frame.Frame
	local    map[frame.Frame]uint64
	pending  map[int]map[frame.Frame]uint64
}

func newDesyncDetector(interval int) *desyncDetector {
	return &desyncDetector{
		interval: interval,
		next:     frame.Frame(interval),
		local:    make(map[frame.Frame]uint64),
		pending:  make(map[int]map[frame.Frame]uint64),
	}
}

func (d *desyncDetector) enabled() bool {
	return d != nil && d.interval > 0
}

// due lists the checkpoints that became final, given the newest simulated
// frame and the confirmed frontier of every player.
func (d *desyncDetector) due(current, confirmedAll frame.Frame) []frame.Frame {
	if !d.enabled() {
		return nil
	}
	limit := current
	if confirmedAll < frame.Max && confirmedAll+1 < limit {
		limit = confirmedAll + 1
	}
	var out []frame.Frame
	for d.next <= limit {
		out = append(out, d.next)
		d.next += frame.Frame(d.interval)
	}
	return out
}

// recordLocal stores a local checksum and checks it against any remote ones
// that arrived early.
func (d *desyncDetector) recordLocal(f frame.Frame, sum uint64) *DesyncError {
	d.local[f] = sum
	d.trim()
	handles := make([]int, 0, len(d.pending))
	for handle := range d.pending {
		handles = append(handles, handle)
	}
	sort.Ints(handles)
	for _, handle := range handles {
		remote, ok := d.pending[handle][f]
		if !ok {
			continue
		}
		delete(d.pending[handle], f)
		if remote != sum {
			return &DesyncError{Frame: f, Peer: handle, Local: sum, Remote: remote}
		}
	}
	return nil
}

// receive handles a remote checksum. ok is false when the checksum could not
// be kept.
func (d *desyncDetector) receive(handle int, f frame.Frame, sum uint64) (desync *DesyncError, ok bool) {
	if !d.enabled() {
		return nil, true
	}
	if int(f)%d.interval != 0 {
		return nil, false
	}
	if local, known := d.local[f]; known {
		if local != sum {
			return &DesyncError{Frame: f, Peer: handle, Local: local, Remote: sum}, true
		}
		return nil, true
	}
	if f < d.next {
		// Older than anything still held locally.
		return nil, true
	}
	bucket := d.pending[handle]
	if bucket == nil {
		bucket = make(map[frame.Frame]uint64)
		d.pending[handle] = bucket
	}
	if len(bucket) >= maxPendingRemote {
		return nil, false
	}
	bucket[f] = sum
	return nil, true
}

func (d *desyncDetector) trim() {
	if len(d.local) <= checksumHistory {
		return
	}
	cutoff := d.next - frame.Frame(checksumHistory*d.interval)
	for f := range d.local {
		if f < cutoff {
			delete(d.local, f)
		}
	}
}
