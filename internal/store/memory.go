package store

import (
	"context"
	"strings"
	"sync"

	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/state"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	kv       map[string][]byte
	receipts []model.Receipt
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv: make(map[string][]byte),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	// Return a copy to avoid external mutation.
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte)
	for k, v := range s.kv {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

// Apply writes the batch under a single lock, so readers observe either
// none or all of it.
func (s *MemoryStore) Apply(_ context.Context, batch state.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range batch {
		if op.Delete {
			delete(s.kv, op.Key)
			continue
		}
		s.kv[op.Key] = append([]byte(nil), op.Value...)
	}
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.kv)
}

func (s *MemoryStore) InsertReceipt(_ context.Context, r *model.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receipts = append(s.receipts, *r)
	return nil
}

func (s *MemoryStore) GetReceiptsByAccount(_ context.Context, account model.AccountID) ([]model.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Receipt
	for _, r := range s.receipts {
		if r.Account == account {
			result = append(result, r)
		}
	}
	return result, nil
}
