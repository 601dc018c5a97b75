// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/state"
)

// Store is the persistence interface. Engine state is a key/value table
// written in atomic batches; receipts are an append-only journal.
type Store interface {
	// --- Engine state ---

	state.Backend

	// --- Immutable journal ---

	// InsertReceipt appends an immutable instruction receipt.
	InsertReceipt(ctx context.Context, r *model.Receipt) error

	// GetReceiptsByAccount returns all receipts for an account, oldest first.
	GetReceiptsByAccount(ctx context.Context, account model.AccountID) ([]model.Receipt, error)
}
