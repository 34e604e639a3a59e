package transport

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
)

// LinkConfig shapes traffic on one direction of a link. Delay and Jitter are
// counted in network ticks; Loss and Jitter only apply to the unreliable
// channel.
type LinkConfig struct {
	Delay  int
	Jitter int
	Loss   float64
}

type linkKey struct {
	from, to int
}

type inflight struct {
	deliverAt uint64
	order     uint64
	to        int
	msg       Message
}

// Network is an in-process switch between Memory endpoints. Time only moves
// when Advance is called, so tests control delivery exactly; loss and
// jitter come from a seeded generator.
type Network struct {
	mu           sync.Mutex
	rng          *rand.Rand
	now          uint64
	order        uint64
	endpoints    map[int]*Memory
	links        map[linkKey]LinkConfig
	defaultLink  LinkConfig
	partitioned  map[int]bool
	pending      []inflight
	lastReliable map[linkKey]uint64
}

// NewNetwork builds an empty network.
func NewNetwork(seed uint64) *Network {
	return &Network{
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		endpoints:    make(map[int]*Memory),
		links:        make(map[linkKey]LinkConfig),
		partitioned:  make(map[int]bool),
		lastReliable: make(map[linkKey]uint64),
	}
}

// Endpoint returns the transport for handle, creating it on first use.
func (n *Network) Endpoint(handle int) *Memory {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[handle]; ok {
		return ep
	}
	ep := &Memory{network: n, handle: handle}
	n.endpoints[handle] = ep
	return ep
}

// SetDefaultLink applies cfg to every link without an explicit setting.
func (n *Network) SetDefaultLink(cfg LinkConfig) {
	n.mu.Lock()
	n.defaultLink = cfg
	n.mu.Unlock()
}

// SetLink shapes traffic from one handle to another.
func (n *Network) SetLink(from, to int, cfg LinkConfig) {
	n.mu.Lock()
	n.links[linkKey{from, to}] = cfg
	n.mu.Unlock()
}

// Partition cuts a handle off from everyone. Messages in flight to or from
// it are lost.
func (n *Network) Partition(handle int, cut bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[handle] = cut
	if !cut {
		return
	}
	kept := n.pending[:0]
	for _, p := range n.pending {
		if p.to == handle || p.msg.From == handle {
			continue
		}
		kept = append(kept, p)
	}
	n.pending = kept
}

// Now reports the number of Advance calls so far.
func (n *Network) Now() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.now
}

// Advance moves time forward one tick and delivers what became due.
func (n *Network) Advance() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.now++
	n.deliverLocked()
}

func (n *Network) deliverLocked() {
	if len(n.pending) == 0 {
		return
	}
	sort.SliceStable(n.pending, func(i, j int) bool {
		if n.pending[i].deliverAt != n.pending[j].deliverAt {
			return n.pending[i].deliverAt < n.pending[j].deliverAt
		}
		return n.pending[i].order < n.pending[j].order
	})
	idx := 0
	for idx < len(n.pending) && n.pending[idx].deliverAt <= n.now {
		p := n.pending[idx]
		if ep, ok := n.endpoints[p.to]; ok && !ep.isClosed() {
			ep.deliver(p.msg)
		}
		idx++
	}
	n.pending = append(n.pending[:0], n.pending[idx:]...)
}

func (n *Network) send(from, to int, payload []byte, reliable bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[to]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, to)
	}
	if n.partitioned[from] || n.partitioned[to] || ep.isClosed() {
		return nil
	}
	key := linkKey{from, to}
	cfg, ok := n.links[key]
	if !ok {
		cfg = n.defaultLink
	}
	delay := uint64(max(cfg.Delay, 0))
	if !reliable {
		if cfg.Loss > 0 && n.rng.Float64() < cfg.Loss {
			if src, ok := n.endpoints[from]; ok {
				src.noteDrop()
			}
			return nil
		}
		if cfg.Jitter > 0 {
			delay += uint64(n.rng.IntN(cfg.Jitter + 1))
		}
	}
	deliverAt := n.now + delay
	if reliable {
		if last := n.lastReliable[key]; deliverAt < last {
			deliverAt = last
		}
		n.lastReliable[key] = deliverAt
	}
	n.order++
	msg := Message{From: from, Reliable: reliable, Payload: clonePayload(payload)}
	if deliverAt <= n.now {
		ep.deliver(msg)
		return nil
	}
	n.pending = append(n.pending, inflight{deliverAt: deliverAt, order: n.order, to: to, msg: msg})
	return nil
}

// Memory is one peer's view of a Network.
type Memory struct {
	network *Network
	handle  int

	mu     sync.Mutex
	inbox  []Message
	closed bool
	stats  Stats
}

var _ Transport = (*Memory)(nil)

// Handle is the peer this endpoint belongs to.
func (m *Memory) Handle() int {
	return m.handle
}

func (m *Memory) SendUnreliable(to int, payload []byte) error {
	return m.sendTo(to, payload, false)
}

func (m *Memory) SendReliable(to int, payload []byte) error {
	return m.sendTo(to, payload, true)
}

func (m *Memory) sendTo(to int, payload []byte, reliable bool) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.mu.Lock()
	m.stats.Sent++
	m.mu.Unlock()
	return m.network.send(m.handle, to, payload, reliable)
}

func (m *Memory) Poll() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbox) == 0 {
		return nil
	}
	out := m.inbox
	m.inbox = nil
	return out
}

// Close detaches the endpoint; later sends fail and nothing more arrives.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.inbox = nil
	return nil
}

// Stats reports traffic counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) deliver(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.stats.Received++
	m.inbox = append(m.inbox, msg)
}

func (m *Memory) noteDrop() {
	m.mu.Lock()
	m.stats.Dropped++
	m.mu.Unlock()
}
