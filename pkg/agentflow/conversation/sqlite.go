package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteDB holds the conversation tables for any number of sessions.
// Open one per database file and derive a Store per node with Session.
type SQLiteDB struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (or creates) a conversation database.
// The path should be a file path or ":memory:" for testing.
func OpenSQLite(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serialises writers without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS conversation_parts (
			session TEXT NOT NULL,
			seq INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (session, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_cursors (
			session TEXT PRIMARY KEY,
			data BLOB NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	return &SQLiteDB{db: db}, nil
}

// Session returns the store for one conversation.
func (d *SQLiteDB) Session(session string) *SQLiteStore {
	return &SQLiteStore{parent: d, session: session}
}

// Sessions lists the sessions that have stored parts or a cursor.
func (d *SQLiteDB) Sessions(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrStoreClosed
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT session FROM conversation_parts
		UNION
		SELECT session FROM conversation_cursors
		ORDER BY session
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the database. Stores derived from it stop working.
func (d *SQLiteDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// SQLiteStore is one session inside a SQLiteDB.
type SQLiteStore struct {
	parent  *SQLiteDB
	session string
	closed  atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// AppendPart implements Store.
func (s *SQLiteStore) AppendPart(ctx context.Context, part Part) error {
	d := s.parent
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || s.closed.Load() {
		return ErrStoreClosed
	}

	data, err := json.Marshal(part)
	if err != nil {
		return fmt.Errorf("marshal part: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM conversation_parts WHERE session = ?`, s.session,
	).Scan(&last); err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}
	if last.Valid && int64(part.Seq) <= last.Int64 {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, part.Seq, last.Int64)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_parts (session, seq, data) VALUES (?, ?, ?)`,
		s.session, part.Seq, data,
	); err != nil {
		return fmt.Errorf("append part: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// ReadParts implements Store.
func (s *SQLiteStore) ReadParts(ctx context.Context) ([]Part, error) {
	d := s.parent
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed || s.closed.Load() {
		return nil, ErrStoreClosed
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT data FROM conversation_parts WHERE session = ? ORDER BY seq`, s.session)
	if err != nil {
		return nil, fmt.Errorf("read parts: %w", err)
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		var p Part
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode part: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parts: %w", err)
	}
	return parts, nil
}

// ReadCursor implements Store.
func (s *SQLiteStore) ReadCursor(ctx context.Context) (*Cursor, error) {
	d := s.parent
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed || s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT data FROM conversation_cursors WHERE session = ?`, s.session,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return &c, nil
}

// WriteCursor implements Store.
func (s *SQLiteStore) WriteCursor(ctx context.Context, cursor Cursor) error {
	d := s.parent
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || s.closed.Load() {
		return ErrStoreClosed
	}

	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO conversation_cursors (session, data) VALUES (?, ?)
		ON CONFLICT(session) DO UPDATE SET data = excluded.data
	`, s.session, data); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// Close implements Store. The shared database stays open; close it with
// SQLiteDB.Close.
func (s *SQLiteStore) Close() error {
	s.closed.Store(true)
	return nil
}
