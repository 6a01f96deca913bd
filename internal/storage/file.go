package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "pillpal/pkg/logx"
)

// fileStore persists pairs without any database.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal of puts and deletes)
//
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	data         map[string][]byte

	writes       int
	compactEvery int
}

type journalOp struct {
	Op    string `json:"op"` // "put" or "del"
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

const defaultCompactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	data := map[string][]byte{}
	if err := loadSnapshot(snapPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := replayJournal(journalPath, data)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		data:         data,
		compactEvery: defaultCompactEvery,
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("keys", len(data)), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	v := append([]byte(nil), value...)
	if err := s.appendLocked(journalOp{Op: "put", Key: key, Value: v}); err != nil {
		return err
	}
	s.data[key] = v
	return nil
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, false, ErrClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Scan(ctx context.Context) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return snapshotKV(s.data), nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "del", Key: key}); err != nil {
		return err
	}
	delete(s.data, key)
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err1 := s.compactLocked()
	err2 := s.journal.Close()
	s.journal = nil
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) appendLocked(op journalOp) error {
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort; the journal still holds every write.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]byte
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies journal ops on top of out. A torn trailing line from
// a crash mid-write is skipped.
func replayJournal(path string, out map[string][]byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.Key == "" {
			continue
		}
		switch op.Op {
		case "put":
			out[op.Key] = op.Value
		case "del":
			delete(out, op.Key)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
