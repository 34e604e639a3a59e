package session

import (
	"fmt"
	"time"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/transport/wire"
)

// DisconnectPolicy decides what happens once a peer exceeds the disconnect
// timeout.
type DisconnectPolicy int

const (
	// PolicyFreeze keeps the match going with the peer's input frozen.
	PolicyFreeze DisconnectPolicy = iota
	// PolicyEnd stops the session with ErrPeerDisconnected.
	PolicyEnd
)

func (p DisconnectPolicy) String() string {
	switch p {
	case PolicyEnd:
		return "end"
	default:
		return "freeze"
	}
}

// ParseDisconnectPolicy maps "freeze" or "end" to a policy.
func ParseDisconnectPolicy(raw string) (DisconnectPolicy, error) {
	switch raw {
	case "", "freeze":
		return PolicyFreeze, nil
	case "end":
		return PolicyEnd, nil
	default:
		return PolicyFreeze, fmt.Errorf("unknown disconnect policy %q", raw)
	}
}

const (
	DefaultFPS                   = 60
	DefaultInputDelay            = 2
	DefaultMaxPrediction         = 8
	DefaultDesyncInterval        = 10
	DefaultDisconnectTimeout     = 2 * time.Second
	DefaultDisconnectNotifyStart = 500 * time.Millisecond
	DefaultSyncTimeout           = 30 * time.Second
	DefaultGame                  = "ascii-bomb"
)

// Config holds the per-match settings. Players, MaxPrediction, FPS,
// DesyncInterval and Game must agree across peers; the seed handshake
// rejects peers whose settings differ.
type Config struct {
	Game        string
	Players     int
	LocalHandle int

	InputDelay     int
	MaxPrediction  int
	FPS            int
	DesyncInterval int

	DisconnectTimeout     time.Duration
	DisconnectNotifyStart time.Duration
	DisconnectPolicy      DisconnectPolicy
	FrozenInput           input.Input

	// InputHistory caps the local inputs repeated in one packet.
	InputHistory int
	SyncTimeout  time.Duration
	// SeedResend is the tick interval between seed rebroadcasts while
	// synchronizing.
	SeedResend int

	CompressSnapshots bool
}

// DefaultConfig returns settings for a two player match.
func DefaultConfig() Config {
	return Config{
		Game:                  DefaultGame,
		Players:               2,
		InputDelay:            DefaultInputDelay,
		MaxPrediction:         DefaultMaxPrediction,
		FPS:                   DefaultFPS,
		DesyncInterval:        DefaultDesyncInterval,
		DisconnectTimeout:     DefaultDisconnectTimeout,
		DisconnectNotifyStart: DefaultDisconnectNotifyStart,
		DisconnectPolicy:      PolicyFreeze,
		FrozenInput:           input.None,
		SyncTimeout:           DefaultSyncTimeout,
	}
}

// normalized fills derived fields left at zero.
func (c Config) normalized() Config {
	if c.Game == "" {
		c.Game = DefaultGame
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.InputHistory <= 0 {
		c.InputHistory = 2 * (c.MaxPrediction + c.InputDelay + 1)
	}
	if c.InputHistory > wire.MaxInputs {
		c.InputHistory = wire.MaxInputs
	}
	if c.SeedResend <= 0 {
		c.SeedResend = c.FPS
	}
	return c
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Players < 2:
		return fmt.Errorf("session: need at least 2 players, got %d", c.Players)
	case c.LocalHandle < 0 || c.LocalHandle >= c.Players:
		return fmt.Errorf("session: local handle %d outside [0, %d)", c.LocalHandle, c.Players)
	case c.InputDelay < 0:
		return fmt.Errorf("session: negative input delay %d", c.InputDelay)
	case c.MaxPrediction < 1:
		return fmt.Errorf("session: max prediction must be positive, got %d", c.MaxPrediction)
	case c.DesyncInterval < 0:
		return fmt.Errorf("session: negative desync interval %d", c.DesyncInterval)
	case c.DisconnectTimeout < 0 || c.DisconnectNotifyStart < 0 || c.SyncTimeout < 0:
		return fmt.Errorf("session: negative timeout")
	case !c.FrozenInput.Valid():
		return fmt.Errorf("session: frozen input %08b uses undefined bits", uint8(c.FrozenInput))
	case c.InputDelay+c.MaxPrediction+1 > wire.MaxInputs/2:
		return fmt.Errorf("session: input delay %d and max prediction %d exceed packet history", c.InputDelay, c.MaxPrediction)
	}
	return nil
}

// SnapshotWindow is the number of saved states retained.
func (c Config) SnapshotWindow() int {
	return c.MaxPrediction + 2
}

func (c Config) queueCapacity() int {
	history := max(c.InputHistory, 2*(c.MaxPrediction+c.InputDelay+1))
	return history + c.MaxPrediction + c.InputDelay + 8
}

// Fingerprint is the part of the config every peer must share.
func (c Config) Fingerprint() wire.Fingerprint {
	return wire.Fingerprint{
		Version:        wire.Version,
		Game:           c.Game,
		Players:        c.Players,
		MaxPrediction:  c.MaxPrediction,
		DesyncInterval: c.DesyncInterval,
		FPS:            c.FPS,
	}
}
