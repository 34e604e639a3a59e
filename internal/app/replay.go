package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/arena"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/replay"
)

// ListReplays prints every recorded match in path.
func ListReplays(ctx context.Context, path string, w io.Writer) error {
	store, err := replay.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	matches, err := store.Matches(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tPLAYERS\tHANDLE\tFRAMES")
	for _, m := range matches {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", m.ID, m.StartedAt.Format(time.RFC3339), m.Players, m.LocalHandle, m.Frames)
	}
	return tw.Flush()
}

// VerifyReplay re-runs match id from path through the arena and checks
// every recorded checksum. fps is only used for recordings that did not
// store their frame rate.
func VerifyReplay(ctx context.Context, path, id string, fps int, w io.Writer) error {
	store, err := replay.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	match, records, err := store.Load(ctx, id)
	if err != nil {
		return err
	}
	if match.FPS > 0 {
		fps = match.FPS
	}
	sim, err := arena.New(arena.DefaultConfig(match.Players, fps))
	if err != nil {
		return err
	}
	report, err := replay.Verify(match, records, sim)
	if err != nil {
		return err
	}
	winner, over := sim.Winner()
	fmt.Fprintf(w, "match %s: %d frames, %d checksums verified, final state %016x\n", match.ID, report.Frames, report.Checked, report.Final)
	switch {
	case over && winner >= 0:
		fmt.Fprintf(w, "player %d won\n", winner)
	case over:
		fmt.Fprintln(w, "draw")
	}
	fmt.Fprint(w, sim.Render())
	return nil
}
