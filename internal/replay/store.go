// Package replay keeps the confirmed inputs and checksums of finished matches
// in SQLite so a match can be re-run and checked after the fact.
package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/frame"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/input"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/session"
	"github.com/aleksa2808/ascii-bomb-ecs-mp/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS matches (
	id           TEXT PRIMARY KEY,
	shared_seed  INTEGER NOT NULL,
	players      INTEGER NOT NULL,
	local_handle INTEGER NOT NULL,
	fps          INTEGER NOT NULL,
	started_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS frames (
	match_id TEXT NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
	frame    INTEGER NOT NULL,
	inputs   BLOB NOT NULL,
	checksum INTEGER,
	PRIMARY KEY (match_id, frame)
);
`

// flushEvery is how many frames a recorder buffers before writing them out
// in one transaction.
const flushEvery = 120

var (
	ErrMatchNotFound = errors.New("replay: match not found")
	ErrNotStarted    = errors.New("replay: recorder has not begun a match")
)

// Match is the header row of one recorded match.
type Match struct {
	ID          string
	SharedSeed  uint64
	Players     int
	LocalHandle int
	FPS         int
	StartedAt   time.Time
	Frames      int
}

// Store provides SQLite-backed replay persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens or creates a replay database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("replay: storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Matches lists recorded matches, newest first.
func (s *Store) Matches(ctx context.Context) ([]Match, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("replay: storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT m.id, m.shared_seed, m.players, m.local_handle, m.fps, m.started_at, COUNT(f.frame)
FROM matches m LEFT JOIN frames f ON f.match_id = m.id
GROUP BY m.id
ORDER BY m.started_at DESC, m.id
`)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return matches, nil
}

// Load returns a match header and its frames in order.
func (s *Store) Load(ctx context.Context, id string) (Match, []session.FrameRecord, error) {
	if s == nil || s.sqlDB == nil {
		return Match{}, nil, fmt.Errorf("replay: storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT m.id, m.shared_seed, m.players, m.local_handle, m.fps, m.started_at, COUNT(f.frame)
FROM matches m LEFT JOIN frames f ON f.match_id = m.id
WHERE m.id = ?
GROUP BY m.id
`, id)
	match, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Match{}, nil, fmt.Errorf("%w: %s", ErrMatchNotFound, id)
	}
	if err != nil {
		return Match{}, nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT frame, inputs, checksum FROM frames WHERE match_id = ? ORDER BY frame`, id)
	if err != nil {
		return Match{}, nil, fmt.Errorf("load frames: %w", err)
	}
	defer rows.Close()

	records := make([]session.FrameRecord, 0, match.Frames)
	for rows.Next() {
		var (
			f        int64
			raw      []byte
			checksum sql.NullInt64
		)
		if err := rows.Scan(&f, &raw, &checksum); err != nil {
			return Match{}, nil, fmt.Errorf("scan frame: %w", err)
		}
		if len(raw) != match.Players {
			return Match{}, nil, fmt.Errorf("replay: frame %d holds %d inputs for %d players", f, len(raw), match.Players)
		}
		inputs := make([]input.Input, len(raw))
		for i, b := range raw {
			inputs[i] = input.Input(b)
		}
		records = append(records, session.FrameRecord{
			Frame:       frame.Frame(f),
			Inputs:      inputs,
			Checksum:    uint64(checksum.Int64),
			HasChecksum: checksum.Valid,
		})
	}
	if err := rows.Err(); err != nil {
		return Match{}, nil, fmt.Errorf("load frames: %w", err)
	}
	return match, records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMatch(row scanner) (Match, error) {
	var (
		m       Match
		seed    int64
		started int64
	)
	if err := row.Scan(&m.ID, &seed, &m.Players, &m.LocalHandle, &m.FPS, &started, &m.Frames); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Match{}, err
		}
		return Match{}, fmt.Errorf("scan match: %w", err)
	}
	m.SharedSeed = uint64(seed)
	m.StartedAt = time.UnixMilli(started).UTC()
	return m, nil
}

// Recorder writes one match to the store. It satisfies session.Recorder;
// frames are buffered and written in batches, so call Close once the match
// ends.
type Recorder struct {
	store  *Store
	logger telemetry.Logger
	now    func() time.Time

	mu      sync.Mutex
	id      string
	pending []session.FrameRecord
	closed  bool
}

var _ session.Recorder = (*Recorder)(nil)

// NewRecorder prepares a recorder for the next match.
func (s *Store) NewRecorder(logger telemetry.Logger) *Recorder {
	if logger == nil {
		logger = telemetry.DiscardLogger()
	}
	return &Recorder{store: s, logger: logger, now: time.Now}
}

// ID is the match id assigned by Begin.
func (r *Recorder) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Begin inserts the match header under a fresh id.
func (r *Recorder) Begin(info session.MatchInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("replay: recorder closed")
	}
	id := uuid.NewString()
	_, err := r.store.sqlDB.Exec(
		`INSERT INTO matches (id, shared_seed, players, local_handle, fps, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, int64(info.SharedSeed), info.Players, info.LocalHandle, info.FPS, r.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("begin match: %w", err)
	}
	r.id = id
	r.logger.Printf("recording match %s (%d players, seed %x)", id, info.Players, info.SharedSeed)
	return nil
}

// Record buffers a confirmed frame.
func (r *Recorder) Record(rec session.FrameRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id == "" {
		return ErrNotStarted
	}
	if r.closed {
		return fmt.Errorf("replay: recorder closed")
	}
	rec.Inputs = append([]input.Input(nil), rec.Inputs...)
	r.pending = append(r.pending, rec)
	if len(r.pending) >= flushEvery {
		return r.flushLocked(context.Background())
	}
	return nil
}

// Flush writes buffered frames.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

// Close flushes what is left. Further frames are refused.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.flushLocked(ctx)
}

func (r *Recorder) flushLocked(ctx context.Context) error {
	if len(r.pending) == 0 || r.id == "" {
		return nil
	}
	tx, err := r.store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin frames tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO frames (match_id, frame, inputs, checksum) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare frames insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range r.pending {
		raw := make([]byte, len(rec.Inputs))
		for i, in := range rec.Inputs {
			raw[i] = byte(in)
		}
		var checksum sql.NullInt64
		if rec.HasChecksum {
			checksum = sql.NullInt64{Int64: int64(rec.Checksum), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.id, int64(rec.Frame), raw, checksum); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record frame %d: %w", rec.Frame, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit frames: %w", err)
	}
	r.pending = r.pending[:0]
	return nil
}
