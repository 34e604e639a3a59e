// Package arena is a small deterministic bomber game used to exercise the
// session: a tile grid with solid pillars, destructible walls, bombs with a
// fuse, fire that spreads along rows and columns, and walls that crumble
// after burning. All state lives in registered snapshot sections.
package arena

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/rng"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/snapshot"
)

const (
	MaxPlayers = 8
	// ShortFuseFrames is how soon a bomb caught in fire goes off.
	ShortFuseFrames = 2
)

// Config shapes a match. Rows and Columns default to the battle map sized
// for the player count.
type Config struct {
	Players int
	FPS     int
	Rows    int
	Columns int
	// WallFill is the percentage of free tiles seeded with destructible
	// walls. Negative disables them.
	WallFill int
}

// DefaultConfig returns the battle mode layout for players.
func DefaultConfig(players, fps int) Config {
	cfg := Config{Players: players, FPS: fps, Rows: 11, Columns: 15, WallFill: 60}
	if players > 4 {
		cfg.Rows, cfg.Columns, cfg.WallFill = 13, 17, 70
	}
	return cfg
}

func (c Config) validate() error {
	if c.Players < 1 || c.Players > MaxPlayers {
		return fmt.Errorf("arena: players %d outside [1, %d]", c.Players, MaxPlayers)
	}
	if c.FPS < 2 {
		return fmt.Errorf("arena: fps %d too low", c.FPS)
	}
	if c.Rows < 5 || c.Columns < 5 || c.Rows%2 == 0 || c.Columns%2 == 0 {
		return fmt.Errorf("arena: map %dx%d must be odd and at least 5x5", c.Rows, c.Columns)
	}
	if c.WallFill > 100 {
		return errors.New("arena: wall fill above 100 percent")
	}
	return nil
}

// Position is a tile coordinate.
type Position struct {
	Y int `msgpack:"y"`
	X int `msgpack:"x"`
}

func (p Position) offset(dir input.Input, n int) Position {
	switch dir {
	case input.Up:
		p.Y -= n
	case input.Down:
		p.Y += n
	case input.Left:
		p.X -= n
	case input.Right:
		p.X += n
	}
	return p
}

func comparePositions(p, o Position) int {
	if c := cmp.Compare(p.Y, o.Y); c != 0 {
		return c
	}
	return cmp.Compare(p.X, o.X)
}

var directions = []input.Input{input.Up, input.Down, input.Left, input.Right}

// Player is one penguin on the map.
type Player struct {
	ID             int      `msgpack:"id"`
	Pos            Position `msgpack:"p"`
	Alive          bool     `msgpack:"a"`
	BombsAvailable int      `msgpack:"b"`
	BombRange      int      `msgpack:"r"`
}

// Bomb explodes once the frame count reaches Expires.
type Bomb struct {
	ID      uint32   `msgpack:"id"`
	Owner   int      `msgpack:"o"`
	Pos     Position `msgpack:"p"`
	Range   int      `msgpack:"r"`
	Expires int32    `msgpack:"e"`
}

// Fire burns on a tile until Expires.
type Fire struct {
	Pos     Position `msgpack:"p"`
	Expires int32    `msgpack:"e"`
}

// Crumbling is a destructible wall that caught fire and disappears at
// Expires.
type Crumbling struct {
	Pos     Position `msgpack:"p"`
	Expires int32    `msgpack:"e"`
}

// Arena implements session.Simulation.
type Arena struct {
	cfg Config

	frame        int32
	players      []Player
	bombs        []Bomb
	nextBomb     uint32
	fires        []Fire
	crumbling    []Crumbling
	destructible []Position
	rng          *rng.Shared

	registry *snapshot.Registry
}

// New builds an arena. It is empty until Seed is called.
func New(cfg Config) (*Arena, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Arena{cfg: cfg, rng: rng.New(0)}
	registry, err := snapshot.NewRegistry(
		snapshot.Value("frame_count", &a.frame),
		snapshot.Value("players", &a.players),
		snapshot.Value("bombs", &a.bombs),
		snapshot.Value("next_bomb", &a.nextBomb),
		snapshot.Value("fire", &a.fires),
		snapshot.Value("crumbling", &a.crumbling),
		snapshot.Value("walls", &a.destructible),
		snapshot.Binary("rng", a.rng),
	)
	if err != nil {
		return nil, err
	}
	a.registry = registry
	return a, nil
}

// Seed lays out a fresh match from the shared seed.
func (a *Arena) Seed(seed uint64) {
	a.rng.Seed(seed)
	a.frame = 0
	a.bombs = nil
	a.nextBomb = 0
	a.fires = nil
	a.crumbling = nil

	spawns := a.spawns()
	a.players = make([]Player, a.cfg.Players)
	for i := range a.players {
		a.players[i] = Player{ID: i, Pos: spawns[i], Alive: true, BombsAvailable: 1, BombRange: 2}
	}

	a.destructible = nil
	if a.cfg.WallFill <= 0 {
		return
	}
	safe := make(map[Position]bool)
	for _, p := range a.players {
		safe[p.Pos] = true
		for _, dir := range directions {
			safe[p.Pos.offset(dir, 1)] = true
		}
	}
	for y := 1; y < a.cfg.Rows-1; y++ {
		for x := 1; x < a.cfg.Columns-1; x++ {
			p := Position{Y: y, X: x}
			if a.pillar(p) || safe[p] {
				continue
			}
			if a.rng.Below(100) < uint64(a.cfg.WallFill) {
				a.destructible = append(a.destructible, p)
			}
		}
	}
}

func (a *Arena) spawns() []Position {
	top, left := 1, 1
	bottom, right := a.cfg.Rows-2, a.cfg.Columns-2
	midY, midX := a.cfg.Rows/2, a.cfg.Columns/2
	if midY%2 == 0 {
		midY--
	}
	if midX%2 == 0 {
		midX--
	}
	return []Position{
		{top, left}, {bottom, right}, {top, right}, {bottom, left},
		{top, midX}, {bottom, midX}, {midY, left}, {midY, right},
	}
}

// pillar reports whether p is part of the indestructible wall pattern.
func (a *Arena) pillar(p Position) bool {
	if p.Y <= 0 || p.X <= 0 || p.Y >= a.cfg.Rows-1 || p.X >= a.cfg.Columns-1 {
		return true
	}
	return p.Y%2 == 0 && p.X%2 == 0
}

// Step advances the game by one frame. inputs is indexed by player handle.
func (a *Arena) Step(inputs []input.Input) {
	a.movePlayers(inputs)
	a.dropBombs(inputs)
	a.explodeBombs()
	a.tickFire()
	a.tickCrumbling()
	a.burnPlayers()
	a.frame++
}

// order returns alive player indices in a shuffled order so simultaneous
// actions are not always resolved in favour of the lowest handle.
func (a *Arena) order() []int {
	idx := make([]int, 0, len(a.players))
	for i, p := range a.players {
		if p.Alive {
			idx = append(idx, i)
		}
	}
	a.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	return idx
}

func (a *Arena) solids() map[Position]bool {
	solid := make(map[Position]bool, len(a.destructible)+len(a.bombs))
	for _, p := range a.destructible {
		solid[p] = true
	}
	for _, b := range a.bombs {
		solid[b.Pos] = true
	}
	return solid
}

func (a *Arena) movePlayers(inputs []input.Input) {
	solid := a.solids()
	for _, i := range a.order() {
		if i >= len(inputs) {
			continue
		}
		p := &a.players[i]
		for _, dir := range directions {
			if !inputs[i].Has(dir) {
				continue
			}
			next := p.Pos.offset(dir, 1)
			if a.pillar(next) || solid[next] {
				continue
			}
			p.Pos = next
		}
	}
}

func (a *Arena) dropBombs(inputs []input.Input) {
	blocked := a.solids()
	for _, f := range a.fires {
		blocked[f.Pos] = true
	}
	for _, i := range a.order() {
		if i >= len(inputs) || !inputs[i].Has(input.Action) {
			continue
		}
		p := &a.players[i]
		if p.BombsAvailable <= 0 || blocked[p.Pos] {
			continue
		}
		p.BombsAvailable--
		a.bombs = append(a.bombs, Bomb{
			ID:      a.nextBomb,
			Owner:   p.ID,
			Pos:     p.Pos,
			Range:   p.BombRange,
			Expires: a.frame + int32(2*a.cfg.FPS),
		})
		a.nextBomb++
		blocked[p.Pos] = true
	}
}

func (a *Arena) explodeBombs() {
	exploding := make(map[uint32]bool)
	for _, b := range a.bombs {
		if a.frame >= b.Expires {
			exploding[b.ID] = true
		}
	}
	if len(exploding) == 0 {
		return
	}

	fireproof := make(map[Position]bool)
	for _, p := range a.destructible {
		fireproof[p] = true
	}
	for _, b := range a.bombs {
		if !exploding[b.ID] {
			fireproof[b.Pos] = true
		}
	}

	touched := make(map[Position]bool)
	crumbling := make(map[Position]bool, len(a.crumbling))
	for _, c := range a.crumbling {
		crumbling[c.Pos] = true
	}
	spawnFire := func(p Position) {
		if touched[p] {
			return
		}
		touched[p] = true
		expires := a.frame + int32(a.cfg.FPS/2)
		for i := range a.fires {
			if a.fires[i].Pos == p {
				a.fires[i].Expires = expires
				return
			}
		}
		a.fires = append(a.fires, Fire{Pos: p, Expires: expires})
	}

	kept := a.bombs[:0]
	var blasts []Bomb
	for _, b := range a.bombs {
		if exploding[b.ID] {
			blasts = append(blasts, b)
			continue
		}
		kept = append(kept, b)
	}
	a.bombs = kept

	for _, b := range blasts {
		if b.Owner >= 0 && b.Owner < len(a.players) && a.players[b.Owner].Alive {
			a.players[b.Owner].BombsAvailable++
		}
		spawnFire(b.Pos)
		for _, dir := range directions {
			for n := 1; n <= b.Range; n++ {
				p := b.Pos.offset(dir, n)
				if a.pillar(p) {
					break
				}
				if fireproof[p] {
					if !touched[p] {
						for i := range a.bombs {
							if a.bombs[i].Pos == p {
								a.bombs[i].Expires = min(a.bombs[i].Expires, a.frame+ShortFuseFrames)
							}
						}
						if slices.Contains(a.destructible, p) && !crumbling[p] {
							crumbling[p] = true
							a.crumbling = append(a.crumbling, Crumbling{Pos: p, Expires: a.frame + int32(a.cfg.FPS/2)})
						}
						touched[p] = true
					}
					break
				}
				spawnFire(p)
			}
		}
	}
}

func (a *Arena) tickFire() {
	kept := a.fires[:0]
	for _, f := range a.fires {
		if a.frame < f.Expires {
			kept = append(kept, f)
		}
	}
	a.fires = kept
}

func (a *Arena) tickCrumbling() {
	var done []Position
	kept := a.crumbling[:0]
	for _, c := range a.crumbling {
		if a.frame >= c.Expires {
			done = append(done, c.Pos)
			continue
		}
		kept = append(kept, c)
	}
	a.crumbling = kept
	if len(done) == 0 {
		return
	}
	slices.SortFunc(done, comparePositions)
	a.destructible = slices.DeleteFunc(a.destructible, func(p Position) bool {
		_, found := slices.BinarySearchFunc(done, p, comparePositions)
		return found
	})
}

func (a *Arena) burnPlayers() {
	if len(a.fires) == 0 {
		return
	}
	burning := make(map[Position]bool, len(a.fires))
	for _, f := range a.fires {
		burning[f.Pos] = true
	}
	for i := range a.players {
		if a.players[i].Alive && burning[a.players[i].Pos] {
			a.players[i].Alive = false
		}
	}
}

// SaveState encodes every section.
func (a *Arena) SaveState() ([]byte, error) {
	return a.registry.SaveState()
}

// LoadState restores a blob produced by SaveState.
func (a *Arena) LoadState(blob []byte) error {
	return a.registry.LoadState(blob)
}

// Checksum hashes the encoded sections. A state that cannot be encoded
// hashes to zero, which no peer will match for long.
func (a *Arena) Checksum() uint64 {
	sum, err := a.registry.Checksum()
	if err != nil {
		return 0
	}
	return sum
}

// Frame is the number of steps taken since Seed.
func (a *Arena) Frame() int32 {
	return a.frame
}

// Players returns a copy of the player list.
func (a *Arena) Players() []Player {
	return slices.Clone(a.players)
}

// Bombs returns a copy of the live bombs.
func (a *Arena) Bombs() []Bomb {
	return slices.Clone(a.bombs)
}

// Fires returns a copy of the burning tiles.
func (a *Arena) Fires() []Fire {
	return slices.Clone(a.fires)
}

// Walls returns the destructible walls still standing.
func (a *Arena) Walls() []Position {
	return slices.Clone(a.destructible)
}

// Winner reports the last player standing once at most one is alive.
func (a *Arena) Winner() (id int, over bool) {
	id = -1
	alive := 0
	for _, p := range a.players {
		if p.Alive {
			alive++
			id = p.ID
		}
	}
	if len(a.players) > 1 && alive <= 1 {
		return id, true
	}
	return -1, false
}

// Render draws the map as text, one line per row.
func (a *Arena) Render() string {
	grid := make([][]byte, a.cfg.Rows)
	for y := range grid {
		grid[y] = make([]byte, a.cfg.Columns)
		for x := range grid[y] {
			if a.pillar(Position{Y: y, X: x}) {
				grid[y][x] = '#'
			} else {
				grid[y][x] = ' '
			}
		}
	}
	set := func(p Position, c byte) {
		if p.Y >= 0 && p.Y < a.cfg.Rows && p.X >= 0 && p.X < a.cfg.Columns {
			grid[p.Y][p.X] = c
		}
	}
	for _, p := range a.destructible {
		set(p, '+')
	}
	for _, c := range a.crumbling {
		set(c.Pos, '%')
	}
	for _, b := range a.bombs {
		set(b.Pos, '*')
	}
	for _, f := range a.fires {
		set(f.Pos, '~')
	}
	for _, p := range a.players {
		if p.Alive {
			set(p.Pos, byte('0'+p.ID))
		}
	}
	var b strings.Builder
	for _, row := range grid {
		b.Write(row)
		b.WriteByte('\n')
	}
	return b.String()
}
