package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/observability"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/session"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/logging"
)

const (
	TransportUDP   = "udp"
	TransportRelay = "relay"
)

// LogConfig selects the event sinks shared by every binary.
type LogConfig struct {
	Sinks    []string `env:"ARENA_LOG_SINKS" envSeparator:"," envDefault:"console"`
	Level    string   `env:"ARENA_LOG_LEVEL" envDefault:"info"`
	JSONPath string   `env:"ARENA_LOG_JSON_PATH"`
}

// TelemetryConfig carries the opt-in tracing and profiling toggles.
type TelemetryConfig struct {
	OTelEndpoint string  `env:"ARENA_OTEL_ENDPOINT"`
	OTelEnabled  bool    `env:"ARENA_OTEL_ENABLED" envDefault:"true"`
	SampleRatio  float64 `env:"ARENA_OTEL_SAMPLE_RATIO" envDefault:"1"`
	Profile      string  `env:"ARENA_PROFILE"`
	ProfileDir   string  `env:"ARENA_PROFILE_DIR" envDefault:"."`
}

func (c TelemetryConfig) tracing(service string) observability.TracingConfig {
	return observability.TracingConfig{
		Endpoint:    c.OTelEndpoint,
		Enabled:     c.OTelEnabled,
		ServiceName: service,
		SampleRatio: c.SampleRatio,
	}
}

// PeerConfig configures one player process.
type PeerConfig struct {
	Transport string `env:"ARENA_TRANSPORT" envDefault:"udp"`
	Players   int    `env:"ARENA_PLAYERS" envDefault:"2"`
	Handle    int    `env:"ARENA_HANDLE" envDefault:"0"`
	Listen    string `env:"ARENA_LISTEN" envDefault:":7000"`
	// Peers lists remote players as handle=host:port.
	Peers    []string `env:"ARENA_PEERS" envSeparator:","`
	RelayURL string   `env:"ARENA_RELAY_URL" envDefault:"ws://127.0.0.1:3536"`
	Room     string   `env:"ARENA_ROOM" envDefault:"lobby"`

	FPS                   int           `env:"ARENA_FPS" envDefault:"60"`
	InputDelay            int           `env:"ARENA_INPUT_DELAY" envDefault:"2"`
	MaxPrediction         int           `env:"ARENA_MAX_PREDICTION" envDefault:"8"`
	DesyncInterval        int           `env:"ARENA_DESYNC_INTERVAL" envDefault:"10"`
	DisconnectTimeout     time.Duration `env:"ARENA_DISCONNECT_TIMEOUT" envDefault:"2s"`
	DisconnectNotifyStart time.Duration `env:"ARENA_DISCONNECT_NOTIFY_START" envDefault:"500ms"`
	DisconnectPolicy      string        `env:"ARENA_DISCONNECT_POLICY" envDefault:"freeze"`
	SyncTimeout           time.Duration `env:"ARENA_SYNC_TIMEOUT" envDefault:"30s"`
	CompressSnapshots     bool          `env:"ARENA_COMPRESS_SNAPSHOTS"`
	PressFilter           bool          `env:"ARENA_PRESS_FILTER" envDefault:"true"`

	ReplayPath    string        `env:"ARENA_REPLAY_DB"`
	StatsInterval time.Duration `env:"ARENA_STATS_INTERVAL" envDefault:"10s"`

	Log       LogConfig
	Telemetry TelemetryConfig
}

// RelayServerConfig configures the relay process.
type RelayServerConfig struct {
	Addr            string        `env:"ARENA_RELAY_ADDR" envDefault:":3536"`
	MaxPlayers      int           `env:"ARENA_RELAY_MAX_PLAYERS" envDefault:"8"`
	FramesPerSecond float64       `env:"ARENA_RELAY_RATE" envDefault:"600"`
	Burst           int           `env:"ARENA_RELAY_BURST" envDefault:"240"`
	ShutdownGrace   time.Duration `env:"ARENA_RELAY_SHUTDOWN_GRACE" envDefault:"5s"`

	Telemetry TelemetryConfig
}

// LoadPeerConfig reads ARENA_* variables.
func LoadPeerConfig() (PeerConfig, error) {
	var cfg PeerConfig
	if err := env.Parse(&cfg); err != nil {
		return PeerConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LoadRelayConfig reads ARENA_RELAY_* and the telemetry variables.
func LoadRelayConfig() (RelayServerConfig, error) {
	var cfg RelayServerConfig
	if err := env.Parse(&cfg); err != nil {
		return RelayServerConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Session derives the engine settings.
func (c PeerConfig) Session() (session.Config, error) {
	policy, err := session.ParseDisconnectPolicy(c.DisconnectPolicy)
	if err != nil {
		return session.Config{}, err
	}
	cfg := session.DefaultConfig()
	cfg.Players = c.Players
	cfg.LocalHandle = c.Handle
	cfg.FPS = c.FPS
	cfg.InputDelay = c.InputDelay
	cfg.MaxPrediction = c.MaxPrediction
	cfg.DesyncInterval = c.DesyncInterval
	cfg.DisconnectTimeout = c.DisconnectTimeout
	cfg.DisconnectNotifyStart = c.DisconnectNotifyStart
	cfg.DisconnectPolicy = policy
	cfg.SyncTimeout = c.SyncTimeout
	cfg.CompressSnapshots = c.CompressSnapshots
	if err := cfg.Validate(); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

// RemotePeers parses Peers. Every remote handle must be listed exactly once.
func (c PeerConfig) RemotePeers() ([]session.Peer, error) {
	seen := make(map[int]bool, len(c.Peers))
	peers := make([]session.Peer, 0, len(c.Peers))
	for _, raw := range c.Peers {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		handleRaw, addr, ok := strings.Cut(raw, "=")
		if !ok || addr == "" {
			return nil, fmt.Errorf("peer %q: want handle=host:port", raw)
		}
		handle, err := strconv.Atoi(handleRaw)
		if err != nil {
			return nil, fmt.Errorf("peer %q: bad handle: %w", raw, err)
		}
		if handle < 0 || handle >= c.Players || handle == c.Handle {
			return nil, fmt.Errorf("peer %q: handle %d is not a remote player of %d", raw, handle, c.Players)
		}
		if seen[handle] {
			return nil, fmt.Errorf("peer %q: handle %d listed twice", raw, handle)
		}
		seen[handle] = true
		peers = append(peers, session.Peer{Handle: handle, Address: addr})
	}
	if len(peers) != c.Players-1 {
		return nil, fmt.Errorf("expected %d remote peers, got %d", c.Players-1, len(peers))
	}
	return peers, nil
}

func (c LogConfig) logging() (logging.Config, error) {
	cfg := logging.DefaultConfig()
	severity, err := logging.ParseSeverity(c.Level)
	if err != nil {
		return cfg, err
	}
	cfg.MinimumSeverity = severity
	if len(c.Sinks) > 0 {
		cfg.EnabledSinks = append([]string(nil), c.Sinks...)
	}
	cfg.JSON.FilePath = c.JSONPath
	return cfg, nil
}
