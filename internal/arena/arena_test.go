package arena

import (
	"slices"
	"strings"
	"testing"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
)

func newTestArena(t *testing.T, cfg Config) *Arena {
	t.Helper()
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	return a
}

func openConfig() Config {
	cfg := DefaultConfig(2, 10)
	cfg.WallFill = -1
	return cfg
}

// scripted produces a busy but reproducible input stream.
func scripted(f, handle int) input.Input {
	bits := []input.Input{input.Up, input.Down, input.Left, input.Right, input.Action, input.None}
	return bits[(f*7+handle*3+f/5)%len(bits)]
}

func TestArenaIsDeterministic(t *testing.T) {
	a := newTestArena(t, DefaultConfig(4, 60))
	b := newTestArena(t, DefaultConfig(4, 60))
	a.Seed(99)
	b.Seed(99)
	for f := 0; f < 400; f++ {
		inputs := []input.Input{scripted(f, 0), scripted(f, 1), scripted(f, 2), scripted(f, 3)}
		a.Step(inputs)
		b.Step(inputs)
		if a.Checksum() != b.Checksum() {
			t.Fatalf("expected identical checksums at frame %d", f)
		}
	}
	if a.Frame() != 400 {
		t.Fatalf("expected frame 400, got %d", a.Frame())
	}
}

func TestArenaSeedChangesLayout(t *testing.T) {
	a := newTestArena(t, DefaultConfig(2, 60))
	a.Seed(1)
	first := a.Checksum()
	a.Seed(2)
	if a.Checksum() == first {
		t.Fatalf("expected a different layout for a different seed")
	}
	a.Seed(1)
	if a.Checksum() != first {
		t.Fatalf("expected reseeding to reproduce the layout")
	}
}

func TestArenaLoadStateReplaysIdentically(t *testing.T) {
	a := newTestArena(t, DefaultConfig(2, 20))
	a.Seed(5)
	for f := 0; f < 10; f++ {
		a.Step([]input.Input{scripted(f, 0), scripted(f, 1)})
	}
	saved, err := a.SaveState()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	var want []uint64
	for f := 10; f < 60; f++ {
		a.Step([]input.Input{scripted(f, 0), scripted(f, 1)})
		want = append(want, a.Checksum())
	}

	if err := a.LoadState(saved); err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Frame() != 10 {
		t.Fatalf("expected frame 10 after load, got %d", a.Frame())
	}
	for i, f := 0, 10; f < 60; i, f = i+1, f+1 {
		a.Step([]input.Input{scripted(f, 0), scripted(f, 1)})
		if got := a.Checksum(); got != want[i] {
			t.Fatalf("expected replayed checksum %x at frame %d, got %x", want[i], f, got)
		}
	}

	if err := a.LoadState([]byte{0xc1}); err == nil {
		t.Fatalf("expected garbage state to be rejected")
	}
}

func TestArenaMovementStopsAtWalls(t *testing.T) {
	a := newTestArena(t, openConfig())
	a.Seed(1)

	a.Step([]input.Input{input.Up, input.None})
	if got := a.Players()[0].Pos; got != (Position{Y: 1, X: 1}) {
		t.Fatalf("expected border to block, got %+v", got)
	}
	a.Step([]input.Input{input.Right, input.None})
	if got := a.Players()[0].Pos; got != (Position{Y: 1, X: 2}) {
		t.Fatalf("expected move right, got %+v", got)
	}
	a.Step([]input.Input{input.Down, input.None})
	if got := a.Players()[0].Pos; got != (Position{Y: 1, X: 2}) {
		t.Fatalf("expected pillar to block, got %+v", got)
	}
}

func TestArenaBombExplodesAfterFuse(t *testing.T) {
	a := newTestArena(t, openConfig())
	a.Seed(1)

	script := map[int]input.Input{0: input.Action, 1: input.Right, 2: input.Right, 3: input.Down}
	for f := 0; f < 20; f++ {
		a.Step([]input.Input{script[f], input.None})
	}
	if len(a.Bombs()) != 1 {
		t.Fatalf("expected the bomb to still be ticking, got %+v", a.Bombs())
	}
	if a.Players()[0].BombsAvailable != 0 {
		t.Fatalf("expected the satchel to be empty while the bomb ticks")
	}

	a.Step([]input.Input{input.None, input.None})
	if len(a.Bombs()) != 0 {
		t.Fatalf("expected the bomb to explode at frame 20, got %+v", a.Bombs())
	}
	var burning []Position
	for _, f := range a.Fires() {
		burning = append(burning, f.Pos)
	}
	for _, p := range []Position{{1, 1}, {1, 2}, {1, 3}, {2, 1}, {3, 1}} {
		if !slices.Contains(burning, p) {
			t.Fatalf("expected fire at %+v, got %+v", p, burning)
		}
	}
	p := a.Players()[0]
	if !p.Alive || p.Pos != (Position{Y: 2, X: 3}) {
		t.Fatalf("expected player 0 to have escaped to 2,3, got %+v", p)
	}
	if p.BombsAvailable != 1 {
		t.Fatalf("expected the bomb to be returned, got %d", p.BombsAvailable)
	}

	for f := 21; f <= 25; f++ {
		a.Step([]input.Input{input.None, input.None})
	}
	if len(a.Fires()) != 0 {
		t.Fatalf("expected fire to burn out, got %+v", a.Fires())
	}
}

func TestArenaFireKillsPlayer(t *testing.T) {
	a := newTestArena(t, openConfig())
	a.Seed(1)
	a.Step([]input.Input{input.Action, input.None})
	for f := 1; f <= 20; f++ {
		a.Step([]input.Input{input.None, input.None})
	}
	if a.Players()[0].Alive {
		t.Fatalf("expected player 0 to burn")
	}
	winner, over := a.Winner()
	if !over || winner != 1 {
		t.Fatalf("expected player 1 to win, got %d over=%v", winner, over)
	}
}

func TestArenaBurnedWallsCrumble(t *testing.T) {
	cfg := DefaultConfig(2, 10)
	cfg.WallFill = 100
	a := newTestArena(t, cfg)
	a.Seed(3)
	walls := a.Walls()
	for _, p := range []Position{{1, 3}, {3, 1}, {1, 5}} {
		if !slices.Contains(walls, p) {
			t.Fatalf("expected a full map to have a wall at %+v", p)
		}
	}

	a.Step([]input.Input{input.Action, input.None})
	for f := 1; f <= 25; f++ {
		a.Step([]input.Input{input.None, input.None})
	}
	walls = a.Walls()
	if slices.Contains(walls, Position{Y: 1, X: 3}) || slices.Contains(walls, Position{Y: 3, X: 1}) {
		t.Fatalf("expected burned walls to be gone, got %+v", walls)
	}
	if !slices.Contains(walls, Position{Y: 1, X: 5}) {
		t.Fatalf("expected walls beyond the blast to stand")
	}
}

func TestArenaRender(t *testing.T) {
	a := newTestArena(t, openConfig())
	a.Seed(1)
	out := a.Render()
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 11 || len(lines[0]) != 15 {
		t.Fatalf("expected an 11x15 grid, got %d lines", len(lines))
	}
	if lines[1][1] != '0' || lines[9][13] != '1' {
		t.Fatalf("expected players in opposite corners, got\n%s", out)
	}
}

func TestArenaRejectsBadConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Players: 0, FPS: 60, Rows: 11, Columns: 15},
		{Players: 2, FPS: 60, Rows: 10, Columns: 15},
		{Players: 2, FPS: 1, Rows: 11, Columns: 15},
		{Players: 9, FPS: 60, Rows: 13, Columns: 17},
	} {
		if _, err := New(cfg); err == nil {
			t.Fatalf("expected %+v to be rejected", cfg)
		}
	}
}
