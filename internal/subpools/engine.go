// Package subpools resolves trade and liquidity instructions across the hub
// pool and the stable pools whose share assets are listed in it.
//
// An asset is either native to the hub pool or migrated into a stable pool
// (a subpool). The migration registry decides which; every instruction is
// routed from that classification. Each route computes its state changes
// first, checks limits, and only then moves tokens. All writes of one
// instruction happen inside a checkpoint of the state scope and are rolled
// back together on error.
package subpools

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/omnipool"
	"github.com/atmx/hubswap-engine/internal/stableswap"
)

// Ledger moves and mints tokens.
type Ledger interface {
	Transfer(ctx context.Context, asset model.AssetID, from, to model.AccountID, amount fixed.Uint) error
	Mint(ctx context.Context, asset model.AssetID, to model.AccountID, amount fixed.Uint) error
	Burn(ctx context.Context, asset model.AssetID, from model.AccountID, amount fixed.Uint) error
	FreeBalance(ctx context.Context, asset model.AssetID, who model.AccountID) (fixed.Uint, error)
	TotalIssuance(ctx context.Context, asset model.AssetID) (fixed.Uint, error)
}

// HubPool is the hub pool collaborator.
type HubPool interface {
	HubAsset() model.AssetID
	AssetFee() fixed.Permill
	ProtocolFee() fixed.Permill
	ProtocolAccount() model.AccountID

	LoadAssetState(ctx context.Context, id model.AssetID) (model.AssetState, error)
	AddAsset(ctx context.Context, id model.AssetID, s model.AssetState) error
	RemoveAsset(ctx context.Context, id model.AssetID) error
	UpdateAssetState(ctx context.Context, id model.AssetID, ch model.AssetStateChange) error
	ApplyTrade(ctx context.Context, assetIn, assetOut model.AssetID, ch model.TradeStateChange) error
	ApplyHubAssetTrade(ctx context.Context, asset model.AssetID, ch model.HubTradeStateChange) error
	CurrentImbalance(ctx context.Context) (model.Imbalance, error)
	IsHubAssetAllowed(ctx context.Context, c model.Capability) (bool, error)

	Sell(ctx context.Context, who model.AccountID, assetIn, assetOut model.AssetID, amount, minOut fixed.Uint) (omnipool.TradeResult, error)
	Buy(ctx context.Context, who model.AccountID, assetOut, assetIn model.AssetID, amount, maxIn fixed.Uint) (omnipool.TradeResult, error)

	AddLiquidity(ctx context.Context, who model.AccountID, asset model.AssetID, amount fixed.Uint) (model.PositionID, error)
	RemoveLiquidity(ctx context.Context, who model.AccountID, id model.PositionID, shares fixed.Uint) (omnipool.RemoveResult, error)
	LoadPosition(ctx context.Context, id model.PositionID, owner model.AccountID) (model.Position, error)
	SetPosition(ctx context.Context, id model.PositionID, pos model.Position) error
}

// StablePools is the stable pool collaborator.
type StablePools interface {
	GetPool(ctx context.Context, id model.AssetID) (model.StablePool, error)
	FindAssetIndex(pool model.StablePool, asset model.AssetID) (int, error)
	IsAssetAllowed(pool model.StablePool, asset model.AssetID, c model.Capability) bool
	PoolAccount(pool model.StablePool) model.AccountID
	Amplification(pool model.StablePool) uint64
	Reserves(ctx context.Context, pool model.StablePool) ([]stableswap.AssetReserve, error)
	Issuance(ctx context.Context, pool model.StablePool) (fixed.Uint, error)

	CreatePool(ctx context.Context, params stableswap.CreatePoolParams) (model.StablePool, error)
	AddAssetToExistingPool(ctx context.Context, id, asset model.AssetID) error
	SetAssetTradability(ctx context.Context, id, asset model.AssetID, t model.Tradability) error
	MoveLiquidity(ctx context.Context, from model.AccountID, id model.AssetID, amounts []stableswap.AssetAmount) error
	DepositShares(ctx context.Context, who model.AccountID, id model.AssetID, amount fixed.Uint) error
	AddLiquidity(ctx context.Context, who model.AccountID, id, asset model.AssetID, amount fixed.Uint) (fixed.Uint, error)
	RemoveLiquidityOneAsset(ctx context.Context, who model.AccountID, id, asset model.AssetID, shares fixed.Uint) (fixed.Uint, fixed.Uint, error)

	Sell(ctx context.Context, who model.AccountID, id, assetIn, assetOut model.AssetID, amountIn, minOut fixed.Uint) (stableswap.TradeResult, error)
	Buy(ctx context.Context, who model.AccountID, id, assetOut, assetIn model.AssetID, amountOut, maxIn fixed.Uint) (stableswap.TradeResult, error)
}

// TradeContract computes hub pool trades without applying them.
type TradeContract interface {
	SellStateChange(in, out model.AssetState, amount fixed.Uint, assetFee, protocolFee fixed.Permill, imbalance model.Imbalance) (model.TradeStateChange, error)
	BuyStateChange(in, out model.AssetState, amount fixed.Uint, assetFee, protocolFee fixed.Permill, imbalance model.Imbalance) (model.TradeStateChange, error)
	SellHubStateChange(out model.AssetState, hubIn fixed.Uint, assetFee fixed.Permill) (model.HubTradeStateChange, error)
	BuyForHubStateChange(out model.AssetState, amount fixed.Uint, assetFee fixed.Permill) (model.HubTradeStateChange, error)
}

// Scope undoes writes back to a checkpoint.
type Scope interface {
	Checkpoint() int
	Rollback(checkpoint int)
}

// Deps are the engine's collaborators. All of them must share one state
// scope so a rollback covers every write.
type Deps struct {
	Ledger   Ledger
	Hub      HubPool
	Stable   StablePools
	Contract TradeContract // omnipool.Contract{} when nil
	Registry *Registry
	Scope    Scope
	Log      *zap.Logger
}

// Engine routes instructions between the hub pool and its subpools.
type Engine struct {
	ledger   Ledger
	hub      HubPool
	stable   StablePools
	contract TradeContract
	registry *Registry
	scope    Scope
	log      *zap.Logger
}

func New(d Deps) *Engine {
	if d.Contract == nil {
		d.Contract = omnipool.Contract{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Engine{
		ledger:   d.Ledger,
		hub:      d.Hub,
		stable:   d.Stable,
		contract: d.Contract,
		registry: d.Registry,
		scope:    d.Scope,
		log:      d.Log,
	}
}

// Registry returns the migration and subpool registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Result is the outcome of an instruction.
type Result struct {
	Route      model.Route      `json:"route"`
	AmountIn   fixed.Uint       `json:"amount_in"`
	AmountOut  fixed.Uint       `json:"amount_out"`
	Fee        fixed.Uint       `json:"fee"` // charged by the leg that pays out, in the out asset
	HubOut     fixed.Uint       `json:"hub_out"`
	PositionID model.PositionID `json:"position_id,omitempty"`
}

// atomic runs fn and undoes its writes if it fails.
func (e *Engine) atomic(fn func() error) error {
	if e.scope == nil {
		return fn()
	}
	cp := e.scope.Checkpoint()
	if err := fn(); err != nil {
		e.scope.Rollback(cp)
		return err
	}
	return nil
}

// side is an asset classified by the migration registry.
type side struct {
	asset    model.AssetID
	migrated bool
	pool     model.AssetID
}

func (e *Engine) classify(ctx context.Context, asset model.AssetID) (side, error) {
	rec, ok, err := e.registry.Migration(ctx, asset)
	if err != nil {
		return side{}, err
	}
	return side{asset: asset, migrated: ok, pool: rec.PoolID}, nil
}

// stableView is a stable pool with the balances needed by the solver.
type stableView struct {
	pool     model.StablePool
	account  model.AccountID
	reserves []stableswap.AssetReserve
	issuance fixed.Uint
	amp      uint64
}

func (e *Engine) loadStable(ctx context.Context, id model.AssetID) (stableView, error) {
	pool, err := e.stable.GetPool(ctx, id)
	if err != nil {
		return stableView{}, err
	}
	reserves, err := e.stable.Reserves(ctx, pool)
	if err != nil {
		return stableView{}, err
	}
	issuance, err := e.stable.Issuance(ctx, pool)
	if err != nil {
		return stableView{}, err
	}
	return stableView{
		pool:     pool,
		account:  e.stable.PoolAccount(pool),
		reserves: reserves,
		issuance: issuance,
		amp:      e.stable.Amplification(pool),
	}, nil
}

// stableAsset loads the pool of a migrated asset and checks that the asset
// may be used for c.
func (e *Engine) stableAsset(ctx context.Context, s side, c model.Capability) (stableView, int, error) {
	v, err := e.loadStable(ctx, s.pool)
	if err != nil {
		return stableView{}, 0, err
	}
	idx, err := e.stable.FindAssetIndex(v.pool, s.asset)
	if err != nil {
		return stableView{}, 0, err
	}
	if !e.stable.IsAssetAllowed(v.pool, s.asset, c) {
		return stableView{}, 0, fmt.Errorf("%w: %s of asset %d in pool %d", model.ErrNotAllowed, c, s.asset, s.pool)
	}
	return v, idx, nil
}

// hubState loads a hub pool asset and checks that it may be used for c.
func (e *Engine) hubState(ctx context.Context, id model.AssetID, c model.Capability) (model.AssetState, error) {
	s, err := e.hub.LoadAssetState(ctx, id)
	if err != nil {
		return model.AssetState{}, err
	}
	if !s.Tradable.Contains(c) {
		return model.AssetState{}, fmt.Errorf("%w: %s of hub pool asset %d", model.ErrNotAllowed, c, id)
	}
	return s, nil
}

func (e *Engine) checkHubAssetSell(ctx context.Context) error {
	ok, err := e.hub.IsHubAssetAllowed(ctx, model.Sell)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: selling the hub asset", model.ErrNotAllowed)
	}
	return nil
}

func (e *Engine) checkPair(assetIn, assetOut model.AssetID, amount fixed.Uint) error {
	if amount.IsZero() {
		return model.ErrInvalidAmount
	}
	if assetIn == assetOut {
		return fmt.Errorf("%w: cannot trade asset %d for itself", model.ErrNotAllowed, assetIn)
	}
	if assetOut == e.hub.HubAsset() {
		return fmt.Errorf("%w: hub asset cannot be bought", model.ErrNotAllowed)
	}
	return nil
}

func (e *Engine) route(r model.Route, kind string, in, out model.AssetID) {
	e.log.Debug("instruction routed",
		zap.String("kind", kind),
		zap.String("route", string(r)),
		zap.Uint32("asset_in", uint32(in)),
		zap.Uint32("asset_out", uint32(out)),
	)
}

func limitNotReached(out, min fixed.Uint) error {
	return fmt.Errorf("%w: out %s < min %s", model.ErrLimitNotReached, out, min)
}

func limitExceeded(in, max fixed.Uint) error {
	return fmt.Errorf("%w: in %s > max %s", model.ErrLimitExceeded, in, max)
}
