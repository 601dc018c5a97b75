package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/state"
)

// Schema creates the tables used by PostgresStore. Amounts in the journal
// are stored as NUMERIC for exact precision.
const Schema = `
CREATE TABLE IF NOT EXISTS engine_state (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS receipts (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	account     TEXT NOT NULL,
	route       TEXT NOT NULL,
	asset_in    BIGINT NOT NULL,
	asset_out   BIGINT NOT NULL,
	amount_in   NUMERIC(78, 0) NOT NULL,
	amount_out  NUMERIC(78, 0) NOT NULL,
	fee         NUMERIC(78, 0) NOT NULL,
	position_id BIGINT NOT NULL DEFAULT 0,
	timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS receipts_account_idx ON receipts (account, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates missing tables.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM engine_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM engine_state WHERE starts_with(key, $1)`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Apply writes the batch inside one transaction.
func (s *PostgresStore) Apply(ctx context.Context, batch state.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin state batch: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, op := range batch {
		if op.Delete {
			b.Queue(`DELETE FROM engine_state WHERE key = $1`, op.Key)
			continue
		}
		b.Queue(`INSERT INTO engine_state (key, value) VALUES ($1, $2)
		         ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, op.Key, op.Value)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("apply state batch: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertReceipt(ctx context.Context, r *model.Receipt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO receipts (id, kind, account, route, asset_in, asset_out, amount_in, amount_out, fee, position_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		r.ID, r.Kind, string(r.Account), string(r.Route),
		int64(r.AssetIn), int64(r.AssetOut),
		r.AmountIn.String(), r.AmountOut.String(), r.Fee.String(),
		int64(r.PositionID), r.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetReceiptsByAccount(ctx context.Context, account model.AccountID) ([]model.Receipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, account, route, asset_in, asset_out,
		        amount_in::TEXT, amount_out::TEXT, fee::TEXT, position_id, timestamp
		 FROM receipts WHERE account = $1 ORDER BY timestamp`, string(account))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReceipts(rows)
}

// scanReceipts reads pgx rows into Receipt slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanReceipts(rows pgxRows) ([]model.Receipt, error) {
	var receipts []model.Receipt
	for rows.Next() {
		var r model.Receipt
		var account, route, amountIn, amountOut, fee string
		var assetIn, assetOut, positionID int64

		if err := rows.Scan(&r.ID, &r.Kind, &account, &route, &assetIn, &assetOut,
			&amountIn, &amountOut, &fee, &positionID, &r.Timestamp); err != nil {
			return nil, err
		}

		r.Account = model.AccountID(account)
		r.Route = model.Route(route)
		r.AssetIn = model.AssetID(assetIn)
		r.AssetOut = model.AssetID(assetOut)
		r.PositionID = model.PositionID(positionID)

		var c amountParser
		r.AmountIn = c.parse(amountIn)
		r.AmountOut = c.parse(amountOut)
		r.Fee = c.parse(fee)
		if c.err != nil {
			return nil, fmt.Errorf("scan receipt %s: %w", r.ID, c.err)
		}

		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

type amountParser struct{ err error }

func (p *amountParser) parse(s string) fixed.Uint {
	if p.err != nil {
		return fixed.Zero
	}
	v, err := fixed.FromDecimalString(s)
	p.err = err
	return v
}
