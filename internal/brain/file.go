package brain

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"remindbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of all namespaces)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	data         map[string]map[string]json.RawMessage

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op        string          `json:"op"` // "set" | "del"
	Namespace string          `json:"ns"`
	ID        string          `json:"id"`
	Record    json.RawMessage `json:"record,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("brain.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	data := map[string]map[string]json.RawMessage{}
	_ = loadSnapshot(snapPath, data)
	_ = replayJournal(journalPath, data)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		data:         data,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.compactLocked()
	cerr := s.journalFile.Close()
	s.journalFile = nil
	if err != nil {
		return err
	}
	return cerr
}

func (s *fileStore) Get(ctx context.Context, namespace string) (map[string]json.RawMessage, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.data[namespace]))
	for id, rec := range s.data[namespace] {
		cp := make(json.RawMessage, len(rec))
		copy(cp, rec)
		out[id] = cp
	}
	return out, nil
}

func (s *fileStore) Set(ctx context.Context, namespace, id string, record json.RawMessage) error {
	_ = ctx
	if namespace == "" || id == "" {
		return errors.New("namespace and id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("brain journal closed")
	}
	if err := s.appendLocked(journalRecord{Op: "set", Namespace: namespace, ID: id, Record: record}); err != nil {
		return err
	}
	ns := s.data[namespace]
	if ns == nil {
		ns = map[string]json.RawMessage{}
		s.data[namespace] = ns
	}
	cp := make(json.RawMessage, len(record))
	copy(cp, record)
	ns[id] = cp
	return nil
}

func (s *fileStore) Delete(ctx context.Context, namespace, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("brain journal closed")
	}
	if err := s.appendLocked(journalRecord{Op: "del", Namespace: namespace, ID: id}); err != nil {
		return err
	}
	delete(s.data[namespace], id)
	return nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("brain compact failed", logx.Err(err))
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
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for ns, records := range m {
		if out[ns] == nil {
			out[ns] = map[string]json.RawMessage{}
		}
		for id, rec := range records {
			out[ns][id] = rec
		}
	}
	return nil
}

func replayJournal(path string, out map[string]map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Namespace == "" || r.ID == "" {
			continue
		}
		switch r.Op {
		case "set":
			if out[r.Namespace] == nil {
				out[r.Namespace] = map[string]json.RawMessage{}
			}
			out[r.Namespace][r.ID] = r.Record
		case "del":
			delete(out[r.Namespace], r.ID)
		}
	}
	return sc.Err()
}
