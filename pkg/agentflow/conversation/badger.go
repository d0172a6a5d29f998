package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures a Badger-backed conversation database.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Keep true for crash safety.
	SyncWrites bool

	// Logger receives Badger's internal logs. Nil silences them.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns a durable configuration for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerDB holds conversations for many sessions in one Badger database.
//
// Keys:
//
//	part:<session>\x00<seq %016d>  -> Part JSON
//	cursor:<session>              -> Cursor JSON
//
// The NUL separator keeps one session's prefix from matching another's.
type BadgerDB struct {
	db     *badger.DB
	mu     sync.Mutex // serialises appends so the seq check and write are atomic
	closed atomic.Bool
}

// OpenBadger opens a Badger conversation database.
func OpenBadger(cfg BadgerConfig) (*BadgerDB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerDB{db: db}, nil
}

// Session returns the store for one conversation.
func (b *BadgerDB) Session(session string) *BadgerStore {
	return &BadgerStore{parent: b, session: session}
}

// Sessions lists the sessions that have stored parts or a cursor.
func (b *BadgerDB) Sessions(_ context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrStoreClosed
	}
	seen := map[string]bool{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			switch {
			case strings.HasPrefix(key, "cursor:"):
				seen[strings.TrimPrefix(key, "cursor:")] = true
			case strings.HasPrefix(key, "part:"):
				if session, _, ok := strings.Cut(strings.TrimPrefix(key, "part:"), "\x00"); ok {
					seen[session] = true
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Close closes the database.
func (b *BadgerDB) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

// BadgerStore is one session inside a BadgerDB.
type BadgerStore struct {
	parent  *BadgerDB
	session string
	closed  atomic.Bool
}

var _ Store = (*BadgerStore)(nil)

func (s *BadgerStore) partPrefix() []byte {
	return []byte("part:" + s.session + "\x00")
}

func (s *BadgerStore) partKey(seq int) []byte {
	return []byte(fmt.Sprintf("part:%s\x00%016d", s.session, seq))
}

func (s *BadgerStore) cursorKey() []byte {
	return []byte("cursor:" + s.session)
}

func (s *BadgerStore) isClosed() bool {
	return s.closed.Load() || s.parent.closed.Load()
}

// AppendPart implements Store.
func (s *BadgerStore) AppendPart(ctx context.Context, part Part) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if part.Seq < 0 {
		return fmt.Errorf("%w: negative seq %d", ErrOutOfOrder, part.Seq)
	}

	data, err := json.Marshal(part)
	if err != nil {
		return fmt.Errorf("marshal part: %w", err)
	}

	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	return s.parent.db.Update(func(txn *badger.Txn) error {
		last, ok, err := s.lastSeq(txn)
		if err != nil {
			return err
		}
		if ok && part.Seq <= last {
			return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, part.Seq, last)
		}
		return txn.Set(s.partKey(part.Seq), data)
	})
}

// lastSeq finds the highest stored seq by seeking past the prefix in reverse.
func (s *BadgerStore) lastSeq(txn *badger.Txn) (int, bool, error) {
	prefix := s.partPrefix()
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	// 0xFF sorts after every digit, so the reverse seek lands on the last key.
	it.Seek(append(append([]byte{}, prefix...), 0xFF))
	if !it.ValidForPrefix(prefix) {
		return 0, false, nil
	}

	key := it.Item().Key()
	seq, err := strconv.Atoi(string(key[len(prefix):]))
	if err != nil {
		return 0, false, fmt.Errorf("parse part key %q: %w", key, err)
	}
	return seq, true, nil
}

// ReadParts implements Store.
func (s *BadgerStore) ReadParts(ctx context.Context) ([]Part, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	var parts []Part
	err := s.parent.db.View(func(txn *badger.Txn) error {
		prefix := s.partPrefix()
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var p Part
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return fmt.Errorf("decode part: %w", err)
			}
			parts = append(parts, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read parts: %w", err)
	}
	return parts, nil
}

// ReadCursor implements Store.
func (s *BadgerStore) ReadCursor(_ context.Context) (*Cursor, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	var cursor *Cursor
	err := s.parent.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.cursorKey())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var c Cursor
			if err := json.Unmarshal(val, &c); err != nil {
				return fmt.Errorf("decode cursor: %w", err)
			}
			cursor = &c
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	return cursor, nil
}

// WriteCursor implements Store.
func (s *BadgerStore) WriteCursor(ctx context.Context, cursor Cursor) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	if err := s.parent.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.cursorKey(), data)
	}); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// Close implements Store. The shared database stays open.
func (s *BadgerStore) Close() error {
	s.closed.Store(true)
	return nil
}
