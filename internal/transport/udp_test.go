package transport

import (
	"errors"
	"testing"
	"time"
)

func listenPair(t *testing.T) (*UDP, *UDP) {
	t.Helper()
	a, err := ListenUDP(UDPConfig{Handle: 0, Listen: "127.0.0.1:0", ResendAfter: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err := ListenUDP(UDPConfig{Handle: 1, Listen: "127.0.0.1:0", ResendAfter: 20 * time.Millisecond})
	if err != nil {
		_ = a.Close()
		t.Fatalf("listen b: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	if err := a.AddPeer(UDPPeer{Handle: 1, Address: b.LocalAddr().String()}); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if err := b.AddPeer(UDPPeer{Handle: 0, Address: a.LocalAddr().String()}); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	return a, b
}

// pollUntil polls both ends until want messages reached dst.
func pollUntil(t *testing.T, src, dst *UDP, want int) []Message {
	t.Helper()
	var got []Message
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		src.Poll()
		got = append(got, dst.Poll()...)
		if len(got) >= want {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d messages, got %d", want, len(got))
	return nil
}

func TestUDPDeliversReliableInOrder(t *testing.T) {
	a, b := listenPair(t)
	for i := byte(0); i < 20; i++ {
		if err := a.SendReliable(1, []byte{i}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	got := pollUntil(t, a, b, 20)
	for i, msg := range got {
		if msg.From != 0 || !msg.Reliable || len(msg.Payload) != 1 || msg.Payload[0] != byte(i) {
			t.Fatalf("expected reliable payload %d from 0, got %+v", i, msg)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		a.Poll()
		b.Poll()
		a.mu.Lock()
		pending := len(a.peers[1].unacked)
		a.mu.Unlock()
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected every reliable payload to be acked, %d pending", pending)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestUDPUnreliableAndStrangers(t *testing.T) {
	a, b := listenPair(t)
	if err := b.SendUnreliable(0, []byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := pollUntil(t, b, a, 1)
	if got[0].From != 1 || got[0].Reliable || string(got[0].Payload) != "hi" {
		t.Fatalf("expected unreliable hi from 1, got %+v", got[0])
	}

	stranger, err := ListenUDP(UDPConfig{Handle: 1, Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen stranger: %v", err)
	}
	defer stranger.Close()
	if err := stranger.AddPeer(UDPPeer{Handle: 0, Address: a.LocalAddr().String()}); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	if err := stranger.SendUnreliable(0, []byte("spoof")); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.Stats().Dropped == 0 {
		if msgs := a.Poll(); len(msgs) > 0 {
			t.Fatalf("expected a datagram from the wrong address to be dropped, got %+v", msgs)
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the spoofed datagram to be counted as dropped")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestUDPClose(t *testing.T) {
	a, _ := listenPair(t)
	if err := a.SendUnreliable(7, nil); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := a.SendReliable(1, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if msgs := a.Poll(); msgs != nil {
		t.Fatalf("expected nothing from a closed transport, got %+v", msgs)
	}
}

func TestSeqBeforeWraps(t *testing.T) {
	if !seqBefore(1, 2) || seqBefore(2, 1) {
		t.Fatalf("expected plain ordering")
	}
	if !seqBefore(^uint32(0), 0) {
		t.Fatalf("expected the max sequence to precede zero")
	}
}
