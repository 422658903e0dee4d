package brain

import (
	"context"
	"encoding/json"
	"sync"
)

// memStore keeps records in process memory. Used when persistence is
// disabled, and in tests.
type memStore struct {
	mu   sync.Mutex
	data map[string]map[string]json.RawMessage
}

func NewMemory() Store {
	return &memStore{data: map[string]map[string]json.RawMessage{}}
}

func (s *memStore) Get(ctx context.Context, namespace string) (map[string]json.RawMessage, error) {
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

func (s *memStore) Set(ctx context.Context, namespace, id string, record json.RawMessage) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *memStore) Delete(ctx context.Context, namespace, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[namespace], id)
	return nil
}

func (s *memStore) Close() error { return nil }
