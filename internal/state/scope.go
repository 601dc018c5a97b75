// Package state stages engine writes in memory and applies them to a
// persistent key/value backend in one atomic batch.
//
// A Scope is opened per instruction. Reads see the scope's own pending
// writes layered over the committed backend. Nothing reaches the backend
// until Commit, and Commit hands the whole set of writes to Backend.Apply,
// which either applies every write or none. Checkpoint/Rollback undo
// pending writes back to an earlier point without touching the backend.
package state

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrClosed is returned when a committed or discarded scope is reused.
var ErrClosed = errors.New("state: scope already closed")

// Op is one write in a batch. Delete ops carry no value.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// Batch is an ordered set of writes applied as a unit.
type Batch []Op

// Backend is the committed key/value table.
type Backend interface {
	// Get returns the committed value of key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Scan returns every committed key/value pair whose key has prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)

	// Apply writes the whole batch or nothing.
	Apply(ctx context.Context, batch Batch) error
}

// Reader is the read side of a Scope.
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}

// ReadWriter is what engine collaborators need from a Scope.
type ReadWriter interface {
	Reader
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type pending struct {
	value   []byte
	deleted bool
}

// undo restores key to its state before one write.
type undo struct {
	key        string
	hadPending bool
	prev       pending
}

// Scope is an arena of pending writes over a Backend. It is not safe for
// concurrent use; instructions are executed one at a time.
type Scope struct {
	base    Backend
	pending map[string]pending
	ops     []undo
	closed  bool
}

// NewScope opens a scope over base.
func NewScope(base Backend) *Scope {
	return &Scope{
		base:    base,
		pending: make(map[string]pending),
	}
}

func (s *Scope) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed {
		return nil, false, ErrClosed
	}
	if p, ok := s.pending[key]; ok {
		if p.deleted {
			return nil, false, nil
		}
		return p.value, true, nil
	}
	return s.base.Get(ctx, key)
}

func (s *Scope) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	out, err := s.base.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string][]byte)
	}
	for k, p := range s.pending {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if p.deleted {
			delete(out, k)
		} else {
			out[k] = p.value
		}
	}
	return out, nil
}

// Put stages key=value. The scope takes ownership of value.
func (s *Scope) Put(_ context.Context, key string, value []byte) error {
	if s.closed {
		return ErrClosed
	}
	s.record(key)
	s.pending[key] = pending{value: value}
	return nil
}

// Delete stages the removal of key.
func (s *Scope) Delete(_ context.Context, key string) error {
	if s.closed {
		return ErrClosed
	}
	s.record(key)
	s.pending[key] = pending{deleted: true}
	return nil
}

func (s *Scope) record(key string) {
	prev, had := s.pending[key]
	s.ops = append(s.ops, undo{key: key, hadPending: had, prev: prev})
}

// Checkpoint returns a restore point for Rollback.
func (s *Scope) Checkpoint() int { return len(s.ops) }

// Rollback undoes every write made after the checkpoint.
func (s *Scope) Rollback(checkpoint int) {
	if checkpoint < 0 {
		checkpoint = 0
	}
	for i := len(s.ops) - 1; i >= checkpoint; i-- {
		u := s.ops[i]
		if u.hadPending {
			s.pending[u.key] = u.prev
		} else {
			delete(s.pending, u.key)
		}
	}
	if checkpoint < len(s.ops) {
		s.ops = s.ops[:checkpoint]
	}
}

// Pending returns the number of keys with staged writes.
func (s *Scope) Pending() int { return len(s.pending) }

// Batch freezes the pending writes into a batch sorted by key. This is the
// first phase of Commit; the scope is left untouched.
func (s *Scope) Batch() Batch {
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	batch := make(Batch, 0, len(keys))
	for _, k := range keys {
		p := s.pending[k]
		batch = append(batch, Op{Key: k, Value: p.value, Delete: p.deleted})
	}
	return batch
}

// Commit applies every pending write to the backend and closes the scope.
// On error the backend is unchanged and the scope stays open, so the caller
// may Discard it.
func (s *Scope) Commit(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	batch := s.Batch()
	if len(batch) > 0 {
		if err := s.base.Apply(ctx, batch); err != nil {
			return err
		}
	}
	s.close()
	return nil
}

// Discard drops every pending write and closes the scope.
func (s *Scope) Discard() {
	s.close()
}

func (s *Scope) close() {
	s.closed = true
	s.pending = nil
	s.ops = nil
}
