package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/state"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, batch state.Batch) error {
	if err := s.primary.Apply(ctx, batch); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	// Invalidate cache; next read will re-populate.
	keys := make([]string, len(batch))
	for i, op := range batch {
		keys[i] = stateKey(op.Key)
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) InsertReceipt(ctx context.Context, r *model.Receipt) error {
	if err := s.primary.InsertReceipt(ctx, r); err != nil {
		return err
	}
	// Invalidate receipt cache for this account.
	s.rdb.Del(ctx, receiptsKey(r.Account))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, stateKey(key)).Bytes()
	if err == nil {
		return data, true, nil
	}

	// Cache miss: read from primary.
	v, ok, err := s.primary.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}

	s.rdb.Set(ctx, stateKey(key), v, s.ttl)
	return v, true, nil
}

func (s *CachedStore) GetReceiptsByAccount(ctx context.Context, account model.AccountID) ([]model.Receipt, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, receiptsKey(account)).Bytes()
	if err == nil {
		var receipts []model.Receipt
		if json.Unmarshal(data, &receipts) == nil {
			return receipts, nil
		}
	}

	// Cache miss.
	receipts, err := s.primary.GetReceiptsByAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(receipts); err == nil {
		s.rdb.Set(ctx, receiptsKey(account), data, s.ttl)
	}
	return receipts, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	return s.primary.Scan(ctx, prefix)
}

// --- Cache helpers ---

func stateKey(k string) string { return fmt.Sprintf("state:%s", k) }

func receiptsKey(a model.AccountID) string { return fmt.Sprintf("receipts:%s", a) }
