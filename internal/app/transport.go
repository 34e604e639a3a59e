package app

import (
	"context"
	"fmt"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/transport"
)

// openTransport connects the configured transport. For the relay the room
// assigns the local handle, so the returned config may differ from cfg.
func openTransport(ctx context.Context, cfg PeerConfig) (transport.Transport, PeerConfig, error) {
	switch cfg.Transport {
	case TransportUDP:
		peers, err := cfg.RemotePeers()
		if err != nil {
			return nil, cfg, err
		}
		udpPeers := make([]transport.UDPPeer, 0, len(peers))
		for _, p := range peers {
			udpPeers = append(udpPeers, transport.UDPPeer{Handle: p.Handle, Address: p.Address})
		}
		t, err := transport.ListenUDP(transport.UDPConfig{Handle: cfg.Handle, Listen: cfg.Listen, Peers: udpPeers})
		if err != nil {
			return nil, cfg, err
		}
		return t, cfg, nil
	case TransportRelay:
		t, err := transport.DialRelay(ctx, transport.RelayConfig{URL: cfg.RelayURL, Room: cfg.Room, Players: cfg.Players})
		if err != nil {
			return nil, cfg, err
		}
		cfg.Handle = t.Handle()
		cfg.Players = t.Players()
		return t, cfg, nil
	default:
		return nil, cfg, fmt.Errorf("unknown transport %q (want %s or %s)", cfg.Transport, TransportUDP, TransportRelay)
	}
}

// pressCodec reports a held control only on the tick it was pressed.
type pressCodec struct {
	inner  input.Codec
	filter *input.PressFilter
}

func newPressCodec(inner input.Codec) *pressCodec {
	if inner == nil {
		inner = input.BitCodec{}
	}
	return &pressCodec{inner: inner, filter: &input.PressFilter{}}
}

func (c *pressCodec) Encode(controls input.Controls) input.Input {
	return c.filter.Filter(c.inner.Encode(controls))
}
