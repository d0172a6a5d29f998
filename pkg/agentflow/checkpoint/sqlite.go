package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_checkpoints (
	run_id    TEXT    NOT NULL,
	sequence  INTEGER NOT NULL,
	node_id   TEXT    NOT NULL,
	next_node TEXT    NOT NULL,
	paused_at TEXT    NOT NULL,
	saved_ns  INTEGER NOT NULL,
	data      BLOB    NOT NULL,
	PRIMARY KEY (run_id, sequence)
)`

// SQLiteStore persists checkpoints to a SQLite file. One process should
// own the file; the store serialises its own access.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the store at path. ":memory:" gives a
// throwaway database for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init checkpoint db: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// use runs fn while holding the store lock, failing once the store is
// closed.
func (s *SQLiteStore) use(write bool, fn func(db *sql.DB) error) error {
	if write {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	if s.closed {
		return ErrStoreClosed
	}
	return fn(s.db)
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.Marshal()
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return s.use(true, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR REPLACE INTO run_checkpoints
			 (run_id, sequence, node_id, next_node, paused_at, saved_ns, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.RunID, cp.Sequence, cp.NodeID, cp.NextNode, cp.PausedAt, cp.Timestamp.UnixNano(), data)
		if err != nil {
			return fmt.Errorf("save checkpoint %s/%d: %w", cp.RunID, cp.Sequence, err)
		}
		return nil
	})
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	var data []byte
	err := s.use(false, func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT data FROM run_checkpoints WHERE run_id = ? ORDER BY sequence DESC LIMIT 1`,
			runID).Scan(&data)
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		if errors.Is(err, ErrStoreClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	return Unmarshal(data)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, runID string) ([]Info, error) {
	infos := []Info{}
	err := s.use(false, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT node_id, next_node, paused_at, sequence, saved_ns, LENGTH(data)
			 FROM run_checkpoints WHERE run_id = ? ORDER BY sequence`, runID)
		if err != nil {
			return fmt.Errorf("list checkpoints %s: %w", runID, err)
		}
		defer rows.Close()

		for rows.Next() {
			info := Info{RunID: runID}
			var ns int64
			if err := rows.Scan(&info.NodeID, &info.NextNode, &info.PausedAt, &info.Sequence, &ns, &info.Size); err != nil {
				return fmt.Errorf("scan checkpoint info: %w", err)
			}
			info.Timestamp = time.Unix(0, ns)
			infos = append(infos, info)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// Runs implements Store.
func (s *SQLiteStore) Runs(ctx context.Context) ([]string, error) {
	var runs []string
	err := s.use(false, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT DISTINCT run_id FROM run_checkpoints ORDER BY run_id`)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			runs = append(runs, id)
		}
		return rows.Err()
	})
	return runs, err
}

// DeleteRun implements Store.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	return s.use(true, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("delete run %s: %w", runID, err)
		}
		return nil
	})
}

// Close implements Store. Closing twice is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
