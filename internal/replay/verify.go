package replay

import (
	"fmt"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/session"
)

// Simulation is the part of a game a replay drives.
type Simulation interface {
	Seed(seed uint64)
	Step(inputs []input.Input)
	Checksum() uint64
}

// MismatchError reports the first frame whose replayed state disagrees with
// the recorded checksum.
type MismatchError struct {
	Frame    frame.Frame
	Recorded uint64
	Replayed uint64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("replay: frame %d replayed to %016x, recorded %016x", e.Frame, e.Replayed, e.Recorded)
}

// Report summarizes a verified replay.
type Report struct {
	Frames  int
	Checked int
	Final   uint64
}

// Verify seeds sim with the match seed and steps it through every record,
// comparing checksums wherever one was recorded. Records must start at
// frame zero and be contiguous.
func Verify(match Match, records []session.FrameRecord, sim Simulation) (Report, error) {
	sim.Seed(match.SharedSeed)
	var report Report
	for i, rec := range records {
		if rec.Frame != frame.Frame(i) {
			return report, fmt.Errorf("replay: expected frame %d, found %d", i, rec.Frame)
		}
		if len(rec.Inputs) != match.Players {
			return report, fmt.Errorf("replay: frame %d holds %d inputs for %d players", rec.Frame, len(rec.Inputs), match.Players)
		}
		if rec.HasChecksum {
			if got := sim.Checksum(); got != rec.Checksum {
				return report, &MismatchError{Frame: rec.Frame, Recorded: rec.Checksum, Replayed: got}
			}
			report.Checked++
		}
		sim.Step(rec.Inputs)
		report.Frames++
	}
	report.Final = sim.Checksum()
	return report, nil
}
