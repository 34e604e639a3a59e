package session

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/rng"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/telemetry"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/logging"
)

const tracerName = "github.com/aleksa2808/ascii-bomb-ecs-mp/internal/session"

// MatchInfo describes a match once every seed has been exchanged.
type MatchInfo struct {
	SharedSeed  uint64
	Players     int
	LocalHandle int
	FPS         int
}

// FrameRecord is one fully confirmed frame: every player's input and the
// checksum of the state before those inputs were applied.
type FrameRecord struct {
	Frame       frame.Frame
	Inputs      []input.Input
	Checksum    uint64
	HasChecksum bool
}

// Recorder receives confirmed frames in order.
type Recorder interface {
	Begin(MatchInfo) error
	Record(FrameRecord) error
}

// Deps carries the infrastructure a session reports through. Every field is
// optional.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Clock     logging.Clock
	Tracer    trace.Tracer
	Recorder  Recorder
	Codec     input.Codec
	// NewSeed draws the local seed contribution.
	NewSeed func() (uint64, error)
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = telemetry.DiscardLogger()
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NopMetrics()
	}
	if d.Publisher == nil {
		d.Publisher = logging.NopPublisher()
	}
	if d.Clock == nil {
		d.Clock = logging.SystemClock{}
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(tracerName)
	}
	if d.Codec == nil {
		d.Codec = input.BitCodec{}
	}
	if d.NewSeed == nil {
		d.NewSeed = rng.NewSeed
	}
	return d
}
