// Package model defines the core domain types shared across the engine.
// All amounts are fixed.Uint ledger units; never float64 for money.
package model

import (
	"time"

	"github.com/atmx/hubswap-engine/internal/fixed"
)

// AssetID identifies an asset on the ledger. A stable pool is identified
// by the id of its share asset.
type AssetID uint32

// AccountID identifies a ledger account.
type AccountID string

// PositionID identifies a hub-pool liquidity position.
type PositionID uint64

// AssetState is the hub-pool state of one asset.
type AssetState struct {
	Reserve        fixed.Uint    `json:"reserve"`
	HubReserve     fixed.Uint    `json:"hub_reserve"`     // denominated in the hub asset
	Shares         fixed.Uint    `json:"shares"`          // outstanding LP shares, protocol shares included
	ProtocolShares fixed.Uint    `json:"protocol_shares"` // shares owned by the protocol
	Cap            fixed.Permill `json:"cap"`             // max share of total hub reserve
	Tradable       Tradability   `json:"tradable"`
}

// Price returns the hub-asset price of one unit of the asset (18 decimals).
func (s AssetState) Price() (fixed.Uint, error) {
	return fixed.Price(s.HubReserve, s.Reserve)
}

// Apply returns the state after ch.
func (s AssetState) Apply(ch AssetStateChange) (AssetState, error) {
	var err error
	if s.Reserve, err = ch.DeltaReserve.Apply(s.Reserve); err != nil {
		return AssetState{}, err
	}
	if s.HubReserve, err = ch.DeltaHubReserve.Apply(s.HubReserve); err != nil {
		return AssetState{}, err
	}
	if s.Shares, err = ch.DeltaShares.Apply(s.Shares); err != nil {
		return AssetState{}, err
	}
	if s.ProtocolShares, err = ch.DeltaProtocolShares.Apply(s.ProtocolShares); err != nil {
		return AssetState{}, err
	}
	return s, nil
}

// BalanceUpdate is a signed delta: an amount and a direction.
// The zero value is an increase by zero.
type BalanceUpdate struct {
	Amount   fixed.Uint `json:"amount"`
	Decrease bool       `json:"decrease,omitempty"`
}

func Increase(x fixed.Uint) BalanceUpdate { return BalanceUpdate{Amount: x} }
func Decrease(x fixed.Uint) BalanceUpdate { return BalanceUpdate{Amount: x, Decrease: true} }

// Apply returns x adjusted by the update.
func (u BalanceUpdate) Apply(x fixed.Uint) (fixed.Uint, error) {
	if u.Decrease {
		return x.Sub(u.Amount)
	}
	return x.Add(u.Amount)
}

// AssetStateChange is the set of deltas applied to one AssetState.
type AssetStateChange struct {
	DeltaReserve        BalanceUpdate `json:"delta_reserve"`
	DeltaHubReserve     BalanceUpdate `json:"delta_hub_reserve"`
	DeltaShares         BalanceUpdate `json:"delta_shares"`
	DeltaProtocolShares BalanceUpdate `json:"delta_protocol_shares"`
}

// TradeFees are the fees charged by one hub-pool trade.
type TradeFees struct {
	Asset    fixed.Uint `json:"asset"`    // retained in the out-asset reserve
	Protocol fixed.Uint `json:"protocol"` // hub asset taken from the traded hub amount
}

// TradeStateChange describes a hub-pool trade between two assets. It is
// computed before anything is mutated so limits can be checked first.
//
// AssetIn.DeltaReserve is what the trader pays, AssetOut.DeltaReserve is
// what the trader receives.
type TradeStateChange struct {
	AssetIn        AssetStateChange `json:"asset_in"`
	AssetOut       AssetStateChange `json:"asset_out"`
	DeltaImbalance BalanceUpdate    `json:"delta_imbalance"`
	Fees           TradeFees        `json:"fees"`
}

// HubTradeStateChange describes a trade where one side is the hub asset.
type HubTradeStateChange struct {
	Asset          AssetStateChange `json:"asset"`
	DeltaImbalance BalanceUpdate    `json:"delta_imbalance"`
	Fee            fixed.Uint       `json:"fee"`
}

// Imbalance is the hub asset sold into the hub pool and not yet paid down
// by protocol fees. The imbalance is never positive; Value is its magnitude.
type Imbalance struct {
	Value fixed.Uint `json:"value"`
}

// Position is a hub-pool liquidity position.
type Position struct {
	AssetID AssetID    `json:"asset_id"`
	Owner   AccountID  `json:"owner"`
	Amount  fixed.Uint `json:"amount"`
	Shares  fixed.Uint `json:"shares"`
	Price   fixed.Uint `json:"price"` // hub-asset price at entry, 18 decimals
}

// StablePool is the persisted configuration of a stable pool. Balances are
// not stored here; they are the pool account's ledger balances.
type StablePool struct {
	ID                   AssetID                 `json:"id"`
	Assets               []AssetID               `json:"assets"`
	Decimals             []uint8                 `json:"decimals"`
	InitialAmplification uint64                  `json:"initial_amplification"`
	FinalAmplification   uint64                  `json:"final_amplification"`
	InitialBlock         uint64                  `json:"initial_block"`
	FinalBlock           uint64                  `json:"final_block"`
	TradeFee             fixed.Permill           `json:"trade_fee"`
	WithdrawFee          fixed.Permill           `json:"withdraw_fee"`
	Tradability          map[AssetID]Tradability `json:"tradability"`
}

// FindAsset returns the index of asset in the pool.
func (p StablePool) FindAsset(asset AssetID) (int, bool) {
	for i, a := range p.Assets {
		if a == asset {
			return i, true
		}
	}
	return 0, false
}

// MigrationDetail captures the hub-pool state of an asset at the moment it
// was migrated into a stable pool. Positions opened before the migration
// are rescaled with it.
type MigrationDetail struct {
	Price         fixed.Uint `json:"price"`          // hub price of the asset, 18 decimals
	Shares        fixed.Uint `json:"shares"`         // the asset's hub-pool shares
	HubReserve    fixed.Uint `json:"hub_reserve"`    // the asset's hub reserve
	ShareTokens   fixed.Uint `json:"share_tokens"`   // share-asset reserve attributed to the asset
	SubpoolShares fixed.Uint `json:"subpool_shares"` // share-asset hub shares attributed to the asset
}

// MigrationRecord is the registry entry of a migrated asset.
type MigrationRecord struct {
	PoolID AssetID         `json:"pool_id"`
	Detail MigrationDetail `json:"detail"`
}

// Route names the resolution path an instruction took.
type Route string

const (
	RouteHub             Route = "hub"
	RouteStable          Route = "stable"
	RouteBetweenSubpools Route = "between_subpools"
	RouteMixed           Route = "mixed"
	RouteHubAsset        Route = "hub_asset"
	RouteSubpoolAdmin    Route = "subpool_admin"
)

// Receipt is an immutable record of an executed instruction.
// Once created, receipts are never modified or deleted.
type Receipt struct {
	ID         string     `json:"id" db:"id"`
	Kind       string     `json:"kind" db:"kind"`
	Account    AccountID  `json:"account" db:"account"`
	Route      Route      `json:"route" db:"route"`
	AssetIn    AssetID    `json:"asset_in" db:"asset_in"`
	AssetOut   AssetID    `json:"asset_out" db:"asset_out"`
	AmountIn   fixed.Uint `json:"amount_in" db:"amount_in"`
	AmountOut  fixed.Uint `json:"amount_out" db:"amount_out"`
	Fee        fixed.Uint `json:"fee" db:"fee"`
	PositionID PositionID `json:"position_id,omitempty" db:"position_id"`
	Timestamp  time.Time  `json:"timestamp" db:"timestamp"`
}
