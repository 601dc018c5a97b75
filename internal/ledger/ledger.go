// Package ledger keeps account balances, total issuance and asset
// metadata on top of a state scope. Every method either succeeds in full
// or leaves the scope untouched.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/state"
)

const (
	// DefaultDecimals is assumed for assets registered without metadata.
	DefaultDecimals uint8 = 12
	// MaxDecimals bounds registered precision so amounts can be rescaled
	// to and from the 18-decimal solver precision.
	MaxDecimals uint8 = 36
)

// ErrInvalidDecimals is returned when an asset is registered with more
// than MaxDecimals.
var ErrInvalidDecimals = errors.New("ledger: asset decimals out of range")

// Asset is the registered metadata of an asset.
type Asset struct {
	ID       model.AssetID `json:"id"`
	Symbol   string        `json:"symbol"`
	Decimals uint8         `json:"decimals"`
}

// Ledger implements balance transfers over a state.ReadWriter.
type Ledger struct {
	rw  state.ReadWriter
	log *zap.Logger
}

// New creates a ledger. A nil logger disables logging.
func New(rw state.ReadWriter, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{rw: rw, log: log}
}

func balanceKey(asset model.AssetID, who model.AccountID) string {
	return state.Key("ledger", "balance", asset, who)
}
func issuanceKey(asset model.AssetID) string { return state.Key("ledger", "issuance", asset) }
func assetKey(asset model.AssetID) string    { return state.Key("ledger", "asset", asset) }

// RegisterAsset records asset metadata. Re-registering overwrites it.
func (l *Ledger) RegisterAsset(ctx context.Context, a Asset) error {
	if a.Decimals > MaxDecimals {
		return fmt.Errorf("asset %d with %d decimals: %w", a.ID, a.Decimals, ErrInvalidDecimals)
	}
	return state.PutJSON(ctx, l.rw, assetKey(a.ID), a)
}

// AssetInfo returns the registered metadata of asset.
func (l *Ledger) AssetInfo(ctx context.Context, asset model.AssetID) (Asset, error) {
	a, ok, err := state.GetJSON[Asset](ctx, l.rw, assetKey(asset))
	if err != nil {
		return Asset{}, err
	}
	if !ok {
		return Asset{}, fmt.Errorf("asset %d: %w", asset, model.ErrNotFound)
	}
	return a, nil
}

// Decimals returns the precision of asset, DefaultDecimals when the asset
// was never registered.
func (l *Ledger) Decimals(ctx context.Context, asset model.AssetID) (uint8, error) {
	a, ok, err := state.GetJSON[Asset](ctx, l.rw, assetKey(asset))
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultDecimals, nil
	}
	return a.Decimals, nil
}

func (l *Ledger) FreeBalance(ctx context.Context, asset model.AssetID, who model.AccountID) (fixed.Uint, error) {
	v, _, err := state.GetJSON[fixed.Uint](ctx, l.rw, balanceKey(asset, who))
	return v, err
}

func (l *Ledger) TotalIssuance(ctx context.Context, asset model.AssetID) (fixed.Uint, error) {
	v, _, err := state.GetJSON[fixed.Uint](ctx, l.rw, issuanceKey(asset))
	return v, err
}

// Transfer moves amount of asset from one account to another.
func (l *Ledger) Transfer(ctx context.Context, asset model.AssetID, from, to model.AccountID, amount fixed.Uint) error {
	if amount.IsZero() || from == to {
		return nil
	}
	fromBal, err := l.FreeBalance(ctx, asset, from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return fmt.Errorf("transfer %s of asset %d from %s: %w", amount, asset, from, model.ErrInsufficientBalance)
	}
	toBal, err := l.FreeBalance(ctx, asset, to)
	if err != nil {
		return err
	}
	newTo, err := toBal.Add(amount)
	if err != nil {
		return err
	}
	newFrom, _ := fromBal.Sub(amount)
	if err := l.setBalance(ctx, asset, from, newFrom); err != nil {
		return err
	}
	return l.setBalance(ctx, asset, to, newTo)
}

// Mint creates amount of asset in account to.
func (l *Ledger) Mint(ctx context.Context, asset model.AssetID, to model.AccountID, amount fixed.Uint) error {
	if amount.IsZero() {
		return nil
	}
	issuance, err := l.TotalIssuance(ctx, asset)
	if err != nil {
		return err
	}
	bal, err := l.FreeBalance(ctx, asset, to)
	if err != nil {
		return err
	}
	var c fixed.Calc
	newIssuance := c.Add(issuance, amount)
	newBal := c.Add(bal, amount)
	if err := c.Err(); err != nil {
		return err
	}
	if err := state.PutJSON(ctx, l.rw, issuanceKey(asset), newIssuance); err != nil {
		return err
	}
	l.log.Debug("mint", zap.Uint32("asset", uint32(asset)), zap.String("to", string(to)), zap.Stringer("amount", amount))
	return l.setBalance(ctx, asset, to, newBal)
}

// Burn destroys amount of asset held by from.
func (l *Ledger) Burn(ctx context.Context, asset model.AssetID, from model.AccountID, amount fixed.Uint) error {
	if amount.IsZero() {
		return nil
	}
	bal, err := l.FreeBalance(ctx, asset, from)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return fmt.Errorf("burn %s of asset %d from %s: %w", amount, asset, from, model.ErrInsufficientBalance)
	}
	issuance, err := l.TotalIssuance(ctx, asset)
	if err != nil {
		return err
	}
	newIssuance, err := issuance.Sub(amount)
	if err != nil {
		return err
	}
	newBal, _ := bal.Sub(amount)
	if err := state.PutJSON(ctx, l.rw, issuanceKey(asset), newIssuance); err != nil {
		return err
	}
	l.log.Debug("burn", zap.Uint32("asset", uint32(asset)), zap.String("from", string(from)), zap.Stringer("amount", amount))
	return l.setBalance(ctx, asset, from, newBal)
}

func (l *Ledger) setBalance(ctx context.Context, asset model.AssetID, who model.AccountID, v fixed.Uint) error {
	if v.IsZero() {
		return l.rw.Delete(ctx, balanceKey(asset, who))
	}
	return state.PutJSON(ctx, l.rw, balanceKey(asset, who), v)
}
