package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	udpUnreliable uint8 = iota
	udpReliable
	udpAck
)

const (
	defaultResendAfter  = 100 * time.Millisecond
	maxDatagram         = 64 * 1024
	maxOutOfOrderFrames = 1024
)

type udpFrame struct {
	Kind    uint8  `msgpack:"k"`
	From    int    `msgpack:"f"`
	Seq     uint32 `msgpack:"s,omitempty"`
	Payload []byte `msgpack:"p,omitempty"`
}

// UDPPeer is a remote endpoint of a UDP transport.
type UDPPeer struct {
	Handle  int
	Address string
}

// UDPConfig configures a UDP transport.
type UDPConfig struct {
	Handle      int
	Listen      string
	Peers       []UDPPeer
	ResendAfter time.Duration
	Now         func() time.Time
}

type unacked struct {
	payload  []byte
	lastSent time.Time
}

type udpPeer struct {
	handle int
	addr   *net.UDPAddr

	nextSeq uint32
	unacked map[uint32]*unacked

	recvNext   uint32
	outOfOrder map[uint32][]byte
}

// UDP sends unreliable packets as single datagrams. The reliable channel
// numbers each payload per peer, the receiver acks the highest contiguous
// sequence it holds, and Poll resends whatever is still unacked.
type UDP struct {
	conn        *net.UDPConn
	handle      int
	resendAfter time.Duration
	now         func() time.Time

	mu     sync.Mutex
	peers  map[int]*udpPeer
	inbox  []Message
	closed bool
	stats  Stats

	wg sync.WaitGroup
}

var _ Transport = (*UDP)(nil)

// ListenUDP binds the local socket and starts the reader goroutine.
func ListenUDP(cfg UDPConfig) (*UDP, error) {
	local, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", cfg.Listen, err)
	}
	peers := make(map[int]*udpPeer, len(cfg.Peers))
	for _, p := range cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", p.Address)
		if err != nil {
			return nil, fmt.Errorf("transport: resolve peer %d %q: %w", p.Handle, p.Address, err)
		}
		peers[p.Handle] = &udpPeer{
			handle:     p.Handle,
			addr:       addr,
			unacked:    make(map[uint32]*unacked),
			outOfOrder: make(map[uint32][]byte),
		}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", cfg.Listen, err)
	}
	u := &UDP{
		conn:        conn,
		handle:      cfg.Handle,
		resendAfter: cfg.ResendAfter,
		now:         cfg.Now,
		peers:       peers,
	}
	if u.resendAfter <= 0 {
		u.resendAfter = defaultResendAfter
	}
	if u.now == nil {
		u.now = time.Now
	}
	u.wg.Add(1)
	go u.readLoop()
	return u, nil
}

// AddPeer registers or re-addresses a remote endpoint.
func (u *UDP) AddPeer(p UDPPeer) error {
	addr, err := net.ResolveUDPAddr("udp", p.Address)
	if err != nil {
		return fmt.Errorf("transport: resolve peer %d %q: %w", p.Handle, p.Address, err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if existing, ok := u.peers[p.Handle]; ok {
		existing.addr = addr
		return nil
	}
	u.peers[p.Handle] = &udpPeer{
		handle:     p.Handle,
		addr:       addr,
		unacked:    make(map[uint32]*unacked),
		outOfOrder: make(map[uint32][]byte),
	}
	return nil
}

// LocalAddr is the bound socket address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) SendUnreliable(to int, payload []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	peer, ok := u.peers[to]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, to)
	}
	return u.writeLocked(peer, udpFrame{Kind: udpUnreliable, From: u.handle, Payload: payload})
}

func (u *UDP) SendReliable(to int, payload []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	peer, ok := u.peers[to]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, to)
	}
	seq := peer.nextSeq
	peer.nextSeq++
	peer.unacked[seq] = &unacked{payload: clonePayload(payload), lastSent: u.now()}
	return u.writeLocked(peer, udpFrame{Kind: udpReliable, From: u.handle, Seq: seq, Payload: payload})
}

// Poll resends overdue reliable payloads and drains the inbox.
func (u *UDP) Poll() []Message {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	now := u.now()
	for _, peer := range u.peers {
		for seq, pending := range peer.unacked {
			if now.Sub(pending.lastSent) < u.resendAfter {
				continue
			}
			pending.lastSent = now
			u.stats.Retransmits++
			_ = u.writeLocked(peer, udpFrame{Kind: udpReliable, From: u.handle, Seq: seq, Payload: pending.payload})
		}
	}
	out := u.inbox
	u.inbox = nil
	return out
}

// Close stops the reader and releases the socket.
func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.inbox = nil
	u.mu.Unlock()
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

// Stats reports traffic counters.
func (u *UDP) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

func (u *UDP) writeLocked(peer *udpPeer, f udpFrame) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: encode datagram: %w", err)
	}
	if _, err := u.conn.WriteToUDP(data, peer.addr); err != nil {
		return fmt.Errorf("transport: send to %d: %w", peer.handle, err)
	}
	u.stats.Sent++
	return nil
}

func (u *UDP) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.mu.Lock()
			closed := u.closed
			u.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		var f udpFrame
		if err := msgpack.Unmarshal(buf[:n], &f); err != nil {
			u.noteDrop()
			continue
		}
		u.handleFrame(f, addr)
	}
}

func (u *UDP) noteDrop() {
	u.mu.Lock()
	u.stats.Dropped++
	u.mu.Unlock()
}

func (u *UDP) handleFrame(f udpFrame, addr *net.UDPAddr) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	peer, ok := u.peers[f.From]
	if !ok || !sameAddr(peer.addr, addr) {
		u.stats.Dropped++
		return
	}
	switch f.Kind {
	case udpUnreliable:
		u.stats.Received++
		u.inbox = append(u.inbox, Message{From: peer.handle, Payload: clonePayload(f.Payload)})
	case udpReliable:
		u.receiveReliableLocked(peer, f)
	case udpAck:
		for seq := range peer.unacked {
			if seqBefore(seq, f.Seq) {
				delete(peer.unacked, seq)
			}
		}
	default:
		u.stats.Dropped++
	}
}

func (u *UDP) receiveReliableLocked(peer *udpPeer, f udpFrame) {
	switch {
	case f.Seq == peer.recvNext:
		u.stats.Received++
		u.inbox = append(u.inbox, Message{From: peer.handle, Reliable: true, Payload: clonePayload(f.Payload)})
		peer.recvNext++
		for {
			payload, ok := peer.outOfOrder[peer.recvNext]
			if !ok {
				break
			}
			delete(peer.outOfOrder, peer.recvNext)
			u.stats.Received++
			u.inbox = append(u.inbox, Message{From: peer.handle, Reliable: true, Payload: payload})
			peer.recvNext++
		}
	case seqBefore(peer.recvNext, f.Seq):
		if len(peer.outOfOrder) < maxOutOfOrderFrames {
			peer.outOfOrder[f.Seq] = clonePayload(f.Payload)
		}
	}
	// Ack names the next expected sequence; everything before it is held.
	_ = u.writeLocked(peer, udpFrame{Kind: udpAck, From: u.handle, Seq: peer.recvNext})
}

// seqBefore reports whether a precedes b with wraparound.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && (a.IP.Equal(b.IP) || a.IP.IsUnspecified() || (a.IP.IsLoopback() && b.IP.IsLoopback()))
}
