package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	partsDir   = "parts"
	cursorFile = "cursor.json"
)

// FileStore persists a conversation under a directory: one JSON file per
// part in parts/ and a cursor.json snapshot. Each write is synced and
// renamed into place so a crash never leaves a torn file.
type FileStore struct {
	dir     string
	mu      sync.RWMutex
	lastSeq int
	hasPart bool
	closed  bool
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens or creates a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, partsDir), 0o750); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", dir, err)
	}

	s := &FileStore{dir: dir}
	seqs, err := s.partSeqs()
	if err != nil {
		return nil, err
	}
	if len(seqs) > 0 {
		s.lastSeq = seqs[len(seqs)-1]
		s.hasPart = true
	}
	return s, nil
}

// FileSessions lists the file stores below root as slash-separated paths
// relative to root, sorted. A directory counts as a store when it holds a
// parts directory.
func FileSessions(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || d.Name() != partsDir || path == root {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions under %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}

// Dir returns the store's root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// AppendPart implements Store.
func (s *FileStore) AppendPart(_ context.Context, part Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.hasPart && part.Seq <= s.lastSeq {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, part.Seq, s.lastSeq)
	}

	data, err := json.Marshal(part)
	if err != nil {
		return fmt.Errorf("marshal part: %w", err)
	}
	if err := writeFileAtomic(s.partPath(part.Seq), data); err != nil {
		return fmt.Errorf("write part %d: %w", part.Seq, err)
	}

	s.lastSeq = part.Seq
	s.hasPart = true
	return nil
}

// ReadParts implements Store.
func (s *FileStore) ReadParts(_ context.Context) ([]Part, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	seqs, err := s.partSeqs()
	if err != nil {
		return nil, err
	}

	parts := make([]Part, 0, len(seqs))
	for _, seq := range seqs {
		data, err := os.ReadFile(s.partPath(seq))
		if err != nil {
			return nil, fmt.Errorf("read part %d: %w", seq, err)
		}
		var p Part
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode part %d: %w", seq, err)
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// ReadCursor implements Store.
func (s *FileStore) ReadCursor(_ context.Context) (*Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(filepath.Join(s.dir, cursorFile))
	if errors.Is(err, os.ErrNotExist) {
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
func (s *FileStore) WriteCursor(_ context.Context, cursor Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.MarshalIndent(cursor, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, cursorFile), data); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) partPath(seq int) string {
	return filepath.Join(s.dir, partsDir, fmt.Sprintf("%010d.json", seq))
}

// partSeqs lists stored sequence numbers in ascending order.
func (s *FileStore) partSeqs() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, partsDir))
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}

	seqs := make([]int, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
