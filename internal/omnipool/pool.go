package omnipool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/state"
)

// ProtocolAccount holds every hub pool reserve and the hub asset backing
// them.
const ProtocolAccount model.AccountID = "omnipool"

var (
	ErrAssetExists   = errors.New("omnipool: asset already in pool")
	ErrAssetNotFound = fmt.Errorf("omnipool: asset: %w", model.ErrNotFound)
	ErrNoPosition    = fmt.Errorf("omnipool: position: %w", model.ErrNotFound)
	ErrInvalidParams = errors.New("omnipool: invalid parameters")
)

// Ledger is the subset of the ledger the hub pool needs.
type Ledger interface {
	Transfer(ctx context.Context, asset model.AssetID, from, to model.AccountID, amount fixed.Uint) error
	Mint(ctx context.Context, asset model.AssetID, to model.AccountID, amount fixed.Uint) error
	Burn(ctx context.Context, asset model.AssetID, from model.AccountID, amount fixed.Uint) error
	FreeBalance(ctx context.Context, asset model.AssetID, who model.AccountID) (fixed.Uint, error)
}

// Params are the pool-wide settings.
type Params struct {
	HubAsset    model.AssetID
	AssetFee    fixed.Permill
	ProtocolFee fixed.Permill
}

// Pool is the hub pool over a state scope.
type Pool struct {
	rw     state.ReadWriter
	ledger Ledger
	params Params
	log    *zap.Logger
}

func New(rw state.ReadWriter, l Ledger, params Params, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{rw: rw, ledger: l, params: params, log: log}
}

const (
	assetPrefix    = "omnipool/asset/"
	positionPrefix = "omnipool/position/"
	nextPosKey     = "omnipool/next-position"
	imbalanceKey   = "omnipool/imbalance"
	hubTradableKey = "omnipool/hub-tradability"
)

func assetKey(id model.AssetID) string       { return state.Key("omnipool", "asset", id) }
func positionKey(id model.PositionID) string { return state.Key("omnipool", "position", id) }

func (p *Pool) HubAsset() model.AssetID          { return p.params.HubAsset }
func (p *Pool) AssetFee() fixed.Permill          { return p.params.AssetFee }
func (p *Pool) ProtocolFee() fixed.Permill       { return p.params.ProtocolFee }
func (p *Pool) ProtocolAccount() model.AccountID { return ProtocolAccount }

// LoadAssetState returns the state of asset.
func (p *Pool) LoadAssetState(ctx context.Context, id model.AssetID) (model.AssetState, error) {
	s, ok, err := state.GetJSON[model.AssetState](ctx, p.rw, assetKey(id))
	if err != nil {
		return model.AssetState{}, err
	}
	if !ok {
		return model.AssetState{}, fmt.Errorf("%w: %d", ErrAssetNotFound, id)
	}
	return s, nil
}

// Contains reports whether asset is in the pool.
func (p *Pool) Contains(ctx context.Context, id model.AssetID) (bool, error) {
	_, ok, err := p.rw.Get(ctx, assetKey(id))
	return ok, err
}

// ListAssets returns every asset id in the pool, sorted.
func (p *Pool) ListAssets(ctx context.Context) ([]model.AssetID, error) {
	raw, err := p.rw.Scan(ctx, assetPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]model.AssetID, 0, len(raw))
	for k := range raw {
		n, err := strconv.ParseUint(strings.TrimPrefix(k, assetPrefix), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("omnipool: bad asset key %q: %w", k, err)
		}
		ids = append(ids, model.AssetID(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (p *Pool) saveAssetState(ctx context.Context, id model.AssetID, s model.AssetState) error {
	return state.PutJSON(ctx, p.rw, assetKey(id), s)
}

// AddAsset inserts an asset with a precomputed state. No tokens move.
func (p *Pool) AddAsset(ctx context.Context, id model.AssetID, s model.AssetState) error {
	if id == p.params.HubAsset {
		return fmt.Errorf("%w: hub asset cannot be a pool asset", ErrInvalidParams)
	}
	ok, err := p.Contains(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %d", ErrAssetExists, id)
	}
	return p.saveAssetState(ctx, id, s)
}

// RemoveAsset deletes the asset state. No tokens move.
func (p *Pool) RemoveAsset(ctx context.Context, id model.AssetID) error {
	if _, err := p.LoadAssetState(ctx, id); err != nil {
		return err
	}
	return p.rw.Delete(ctx, assetKey(id))
}

// UpdateAssetState applies ch to the stored state of asset.
func (p *Pool) UpdateAssetState(ctx context.Context, id model.AssetID, ch model.AssetStateChange) error {
	s, err := p.LoadAssetState(ctx, id)
	if err != nil {
		return err
	}
	next, err := s.Apply(ch)
	if err != nil {
		return err
	}
	return p.saveAssetState(ctx, id, next)
}

// CurrentImbalance returns the hub asset imbalance.
func (p *Pool) CurrentImbalance(ctx context.Context) (model.Imbalance, error) {
	im, _, err := state.GetJSON[model.Imbalance](ctx, p.rw, imbalanceKey)
	return im, err
}

func (p *Pool) applyImbalance(ctx context.Context, delta model.BalanceUpdate) error {
	if delta.Amount.IsZero() {
		return nil
	}
	im, err := p.CurrentImbalance(ctx)
	if err != nil {
		return err
	}
	if delta.Decrease {
		im.Value, _ = im.Value.Sub(fixed.Min(delta.Amount, im.Value))
	} else if im.Value, err = im.Value.Add(delta.Amount); err != nil {
		return err
	}
	return state.PutJSON(ctx, p.rw, imbalanceKey, im)
}

// HubAssetTradability returns the capabilities of the hub asset. It can
// only be sold unless changed.
func (p *Pool) HubAssetTradability(ctx context.Context) (model.Tradability, error) {
	t, ok, err := state.GetJSON[model.Tradability](ctx, p.rw, hubTradableKey)
	if err != nil {
		return model.Tradability{}, err
	}
	if !ok {
		return model.NewTradability(model.Sell), nil
	}
	return t, nil
}

// IsHubAssetAllowed reports whether the hub asset may be used for c.
func (p *Pool) IsHubAssetAllowed(ctx context.Context, c model.Capability) (bool, error) {
	t, err := p.HubAssetTradability(ctx)
	if err != nil {
		return false, err
	}
	return t.Contains(c), nil
}

// SetTradability replaces the capabilities of asset or of the hub asset.
func (p *Pool) SetTradability(ctx context.Context, id model.AssetID, t model.Tradability) error {
	if id == p.params.HubAsset {
		return state.PutJSON(ctx, p.rw, hubTradableKey, t)
	}
	s, err := p.LoadAssetState(ctx, id)
	if err != nil {
		return err
	}
	s.Tradable = t.Clone()
	return p.saveAssetState(ctx, id, s)
}

// TotalHubReserve is the hub asset held by the protocol account, which
// equals the sum of all hub reserves.
func (p *Pool) TotalHubReserve(ctx context.Context) (fixed.Uint, error) {
	return p.ledger.FreeBalance(ctx, p.params.HubAsset, ProtocolAccount)
}

// ApplyTrade records a trade between two pool assets: both states, the
// imbalance, and the burn of the protocol fee. Trader transfers are the
// caller's.
func (p *Pool) ApplyTrade(ctx context.Context, assetIn, assetOut model.AssetID, ch model.TradeStateChange) error {
	if err := p.UpdateAssetState(ctx, assetIn, ch.AssetIn); err != nil {
		return err
	}
	if err := p.UpdateAssetState(ctx, assetOut, ch.AssetOut); err != nil {
		return err
	}
	if err := p.applyImbalance(ctx, ch.DeltaImbalance); err != nil {
		return err
	}
	if ch.Fees.Protocol.IsZero() {
		return nil
	}
	return p.ledger.Burn(ctx, p.params.HubAsset, ProtocolAccount, ch.Fees.Protocol)
}

// ApplyHubAssetTrade records a trade of the hub asset for asset.
func (p *Pool) ApplyHubAssetTrade(ctx context.Context, asset model.AssetID, ch model.HubTradeStateChange) error {
	if err := p.UpdateAssetState(ctx, asset, ch.Asset); err != nil {
		return err
	}
	return p.applyImbalance(ctx, ch.DeltaImbalance)
}

// TradeResult is the outcome of a hub pool trade.
type TradeResult struct {
	AmountIn  fixed.Uint
	AmountOut fixed.Uint
	Fee       fixed.Uint
}

func (p *Pool) checkPair(assetIn, assetOut model.AssetID, amount fixed.Uint) error {
	if amount.IsZero() {
		return model.ErrInvalidAmount
	}
	if assetIn == assetOut {
		return fmt.Errorf("%w: cannot trade asset %d for itself", model.ErrNotAllowed, assetIn)
	}
	if assetOut == p.params.HubAsset {
		return fmt.Errorf("%w: hub asset cannot be bought", model.ErrNotAllowed)
	}
	return nil
}

func (p *Pool) loadPair(ctx context.Context, assetIn, assetOut model.AssetID) (model.AssetState, model.AssetState, error) {
	in, err := p.LoadAssetState(ctx, assetIn)
	if err != nil {
		return model.AssetState{}, model.AssetState{}, err
	}
	out, err := p.LoadAssetState(ctx, assetOut)
	if err != nil {
		return model.AssetState{}, model.AssetState{}, err
	}
	if !in.Tradable.Contains(model.Sell) || !out.Tradable.Contains(model.Buy) {
		return model.AssetState{}, model.AssetState{}, fmt.Errorf("%w: %d -> %d", model.ErrNotAllowed, assetIn, assetOut)
	}
	return in, out, nil
}

func (p *Pool) checkHubSell(ctx context.Context, assetOut model.AssetID) (model.AssetState, error) {
	allowed, err := p.IsHubAssetAllowed(ctx, model.Sell)
	if err != nil {
		return model.AssetState{}, err
	}
	out, err := p.LoadAssetState(ctx, assetOut)
	if err != nil {
		return model.AssetState{}, err
	}
	if !allowed || !out.Tradable.Contains(model.Buy) {
		return model.AssetState{}, fmt.Errorf("%w: hub asset -> %d", model.ErrNotAllowed, assetOut)
	}
	return out, nil
}

// Sell trades amount of assetIn for assetOut between two pool assets or
// from the hub asset.
func (p *Pool) Sell(ctx context.Context, who model.AccountID, assetIn, assetOut model.AssetID, amount, minOut fixed.Uint) (TradeResult, error) {
	if err := p.checkPair(assetIn, assetOut, amount); err != nil {
		return TradeResult{}, err
	}

	if assetIn == p.params.HubAsset {
		out, err := p.checkHubSell(ctx, assetOut)
		if err != nil {
			return TradeResult{}, err
		}
		ch, err := SellHubStateChange(out, amount, p.params.AssetFee)
		if err != nil {
			return TradeResult{}, err
		}
		if ch.Asset.DeltaReserve.Amount.Lt(minOut) {
			return TradeResult{}, fmt.Errorf("%w: out %s < min %s", model.ErrLimitNotReached, ch.Asset.DeltaReserve.Amount, minOut)
		}
		if err := p.settleHubTrade(ctx, who, assetOut, amount, ch); err != nil {
			return TradeResult{}, err
		}
		return TradeResult{AmountIn: amount, AmountOut: ch.Asset.DeltaReserve.Amount, Fee: ch.Fee}, nil
	}

	in, out, err := p.loadPair(ctx, assetIn, assetOut)
	if err != nil {
		return TradeResult{}, err
	}
	imbalance, err := p.CurrentImbalance(ctx)
	if err != nil {
		return TradeResult{}, err
	}
	ch, err := SellStateChange(in, out, amount, p.params.AssetFee, p.params.ProtocolFee, imbalance)
	if err != nil {
		return TradeResult{}, err
	}
	if ch.AssetOut.DeltaReserve.Amount.Lt(minOut) {
		return TradeResult{}, fmt.Errorf("%w: out %s < min %s", model.ErrLimitNotReached, ch.AssetOut.DeltaReserve.Amount, minOut)
	}
	if err := p.settleTrade(ctx, who, assetIn, assetOut, ch); err != nil {
		return TradeResult{}, err
	}
	return TradeResult{AmountIn: amount, AmountOut: ch.AssetOut.DeltaReserve.Amount, Fee: ch.Fees.Asset}, nil
}

// Buy trades assetIn for exactly amount of assetOut.
func (p *Pool) Buy(ctx context.Context, who model.AccountID, assetOut, assetIn model.AssetID, amount, maxIn fixed.Uint) (TradeResult, error) {
	if err := p.checkPair(assetIn, assetOut, amount); err != nil {
		return TradeResult{}, err
	}

	if assetIn == p.params.HubAsset {
		out, err := p.checkHubSell(ctx, assetOut)
		if err != nil {
			return TradeResult{}, err
		}
		ch, err := BuyForHubStateChange(out, amount, p.params.AssetFee)
		if err != nil {
			return TradeResult{}, err
		}
		hubIn := ch.Asset.DeltaHubReserve.Amount
		if hubIn.Gt(maxIn) {
			return TradeResult{}, fmt.Errorf("%w: in %s > max %s", model.ErrLimitExceeded, hubIn, maxIn)
		}
		if err := p.settleHubTrade(ctx, who, assetOut, hubIn, ch); err != nil {
			return TradeResult{}, err
		}
		return TradeResult{AmountIn: hubIn, AmountOut: amount, Fee: ch.Fee}, nil
	}

	in, out, err := p.loadPair(ctx, assetIn, assetOut)
	if err != nil {
		return TradeResult{}, err
	}
	imbalance, err := p.CurrentImbalance(ctx)
	if err != nil {
		return TradeResult{}, err
	}
	ch, err := BuyStateChange(in, out, amount, p.params.AssetFee, p.params.ProtocolFee, imbalance)
	if err != nil {
		return TradeResult{}, err
	}
	if ch.AssetIn.DeltaReserve.Amount.Gt(maxIn) {
		return TradeResult{}, fmt.Errorf("%w: in %s > max %s", model.ErrLimitExceeded, ch.AssetIn.DeltaReserve.Amount, maxIn)
	}
	if err := p.settleTrade(ctx, who, assetIn, assetOut, ch); err != nil {
		return TradeResult{}, err
	}
	return TradeResult{AmountIn: ch.AssetIn.DeltaReserve.Amount, AmountOut: amount, Fee: ch.Fees.Asset}, nil
}

func (p *Pool) settleTrade(ctx context.Context, who model.AccountID, assetIn, assetOut model.AssetID, ch model.TradeStateChange) error {
	if err := p.ledger.Transfer(ctx, assetIn, who, ProtocolAccount, ch.AssetIn.DeltaReserve.Amount); err != nil {
		return err
	}
	if err := p.ledger.Transfer(ctx, assetOut, ProtocolAccount, who, ch.AssetOut.DeltaReserve.Amount); err != nil {
		return err
	}
	return p.ApplyTrade(ctx, assetIn, assetOut, ch)
}

func (p *Pool) settleHubTrade(ctx context.Context, who model.AccountID, assetOut model.AssetID, hubIn fixed.Uint, ch model.HubTradeStateChange) error {
	if err := p.ledger.Transfer(ctx, p.params.HubAsset, who, ProtocolAccount, hubIn); err != nil {
		return err
	}
	if err := p.ledger.Transfer(ctx, assetOut, ProtocolAccount, who, ch.Asset.DeltaReserve.Amount); err != nil {
		return err
	}
	return p.ApplyHubAssetTrade(ctx, assetOut, ch)
}
