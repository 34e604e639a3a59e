package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
)

func TestInputPacketCarriesHistoryOldestFirst(t *testing.T) {
	payload, err := Encode(Input{Handle: 1, Frame: 12, Ack: 9, Inputs: []input.Input{input.Up, input.None, input.Action}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pkt, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pkt.Kind != KindInput || pkt.Input == nil {
		t.Fatalf("expected input packet, got %+v", pkt)
	}
	if pkt.Input.FirstFrame() != 10 {
		t.Fatalf("expected first frame 10, got %d", pkt.Input.FirstFrame())
	}
	if pkt.Input.Inputs[0] != input.Up || pkt.Input.Inputs[2] != input.Action {
		t.Fatalf("unexpected inputs %v", pkt.Input.Inputs)
	}
	if pkt.Input.Ack != 9 || pkt.Input.Handle != 1 {
		t.Fatalf("unexpected header %+v", pkt.Input)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := map[string]Input{
		"empty":          {Handle: 0, Frame: 3},
		"before start":   {Handle: 0, Frame: 1, Inputs: []input.Input{1, 1, 1}},
		"undefined bits": {Handle: 0, Frame: 0, Inputs: []input.Input{0x80}},
		"negative ack":   {Handle: 0, Frame: 0, Ack: -5, Inputs: []input.Input{0}},
	}
	for name, pkt := range cases {
		body, err := msgpack.Marshal(pkt)
		if err != nil {
			t.Fatalf("%s: marshal body: %v", name, err)
		}
		raw, err := msgpack.Marshal(envelope{Ver: Version, Kind: KindInput, Body: body})
		if err != nil {
			t.Fatalf("%s: marshal envelope: %v", name, err)
		}
		if _, err := Decode(raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
		if _, err := Encode(pkt); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected Encode to refuse, got %v", name, err)
		}
	}
}

func TestDecodeRejectsGarbageAndVersions(t *testing.T) {
	if _, err := Decode([]byte{0xc1, 0x00, 0x01}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for garbage, got %v", err)
	}
	raw, _ := msgpack.Marshal(envelope{Ver: Version + 1, Kind: KindChecksum})
	if _, err := Decode(raw); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	raw, _ = msgpack.Marshal(envelope{Ver: Version, Kind: "chat"})
	if _, err := Decode(raw); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Encode("hello"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected Encode to refuse unknown type, got %v", err)
	}
}

func TestSeedAndChecksumPackets(t *testing.T) {
	digest, err := Digest(Fingerprint{Game: "arena", Players: 2, MaxPrediction: 8, DesyncInterval: 10, FPS: 60})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	payload, err := Encode(&Seed{Handle: 1, Seed: 0xfeedface, Digest: digest})
	if err != nil {
		t.Fatalf("encode seed: %v", err)
	}
	pkt, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode seed: %v", err)
	}
	if pkt.Seed == nil || pkt.Seed.Seed != 0xfeedface || !bytes.Equal(pkt.Seed.Digest, digest) {
		t.Fatalf("unexpected seed packet %+v", pkt.Seed)
	}

	short, _ := Encode(Seed{Handle: 1, Seed: 1, Digest: []byte{1, 2}})
	if _, err := Decode(short); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected short digest to be rejected, got %v", err)
	}

	payload, err = Encode(Checksum{Handle: 0, Frame: 50, Checksum: 77})
	if err != nil {
		t.Fatalf("encode checksum: %v", err)
	}
	pkt, err = Decode(payload)
	if err != nil {
		t.Fatalf("decode checksum: %v", err)
	}
	if pkt.Checksum == nil || pkt.Checksum.Frame != 50 || pkt.Checksum.Checksum != 77 {
		t.Fatalf("unexpected checksum packet %+v", pkt.Checksum)
	}
}

func TestDigestDependsOnSettings(t *testing.T) {
	base := Fingerprint{Game: "arena", Players: 2, MaxPrediction: 8, DesyncInterval: 10, FPS: 60}
	a, _ := Digest(base)
	b, _ := Digest(base)
	if !bytes.Equal(a, b) {
		t.Fatalf("expected stable digest")
	}
	if len(a) != DigestSize {
		t.Fatalf("expected %d byte digest, got %d", DigestSize, len(a))
	}
	changed := base
	changed.MaxPrediction = 12
	c, _ := Digest(changed)
	if bytes.Equal(a, c) {
		t.Fatalf("expected digest to change with max prediction")
	}
}
