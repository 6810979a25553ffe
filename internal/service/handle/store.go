// Package handle keeps the last active run per user in a local SQLite file so
// a player can resume without the authority's active-run lookup.
package handle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/graymar/client/internal/model/game"
	"github.com/zhouzirui/graymar/client/internal/service/session"
)

// ErrNotFound is returned when no handle is stored for the user.
var ErrNotFound = errors.New("no stored run handle")

const schema = `CREATE TABLE IF NOT EXISTS run_handles (
	user_id         TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	preset_id       TEXT NOT NULL DEFAULT '',
	gender          TEXT NOT NULL DEFAULT '',
	current_turn_no INTEGER NOT NULL DEFAULT 0,
	updated_at      INTEGER NOT NULL
)`

// Store persists run handles in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (or creates) the handle database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save records run as the user's latest run.
func (s *Store) Save(ctx context.Context, userID string, run game.ActiveRun) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO run_handles (user_id, run_id, preset_id, gender, current_turn_no, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   run_id = excluded.run_id,
		   preset_id = excluded.preset_id,
		   gender = excluded.gender,
		   current_turn_no = excluded.current_turn_no,
		   updated_at = excluded.updated_at`,
		userID, run.RunID, run.PresetID, run.Gender, run.CurrentTurnNo, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save run handle: %w", err)
	}
	return nil
}

// Latest returns the user's latest run.
func (s *Store) Latest(ctx context.Context, userID string) (*game.ActiveRun, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT run_id, preset_id, gender, current_turn_no FROM run_handles WHERE user_id = ?`, userID)

	var run game.ActiveRun
	if err := row.Scan(&run.RunID, &run.PresetID, &run.Gender, &run.CurrentTurnNo); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load run handle: %w", err)
	}
	return &run, nil
}

// Clear forgets the user's run.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM run_handles WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear run handle: %w", err)
	}
	return nil
}

// Recorder mirrors session snapshots into the store. Its Observe method is
// meant to be passed to session.Store.Subscribe.
type Recorder struct {
	store  *Store
	userID string

	mu   sync.Mutex
	last game.ActiveRun
}

// NewRecorder creates a recorder for userID.
func NewRecorder(store *Store, userID string) *Recorder {
	return &Recorder{store: store, userID: userID}
}

// Observe saves the run when the session moves to a new turn and clears it
// once the run has ended.
func (r *Recorder) Observe(st session.State) {
	if st.SessionID == "" {
		return
	}
	run := game.ActiveRun{
		RunID:         st.SessionID,
		PresetID:      st.PresetID,
		Gender:        st.Variant,
		CurrentTurnNo: st.NextTurnNumber - 1,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx := context.Background()
	if st.Phase == game.PhaseEnded {
		if r.last.RunID == "" {
			return
		}
		if err := r.store.Clear(ctx, r.userID); err != nil {
			log.Printf("[handle] clear failed: %v", err)
			return
		}
		r.last = game.ActiveRun{}
		return
	}
	if run == r.last {
		return
	}
	if err := r.store.Save(ctx, r.userID, run); err != nil {
		log.Printf("[handle] save failed: %v", err)
		return
	}
	r.last = run
}
