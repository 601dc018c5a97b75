package omnipool

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/state"
)

// LoadPosition returns position id if it belongs to owner.
func (p *Pool) LoadPosition(ctx context.Context, id model.PositionID, owner model.AccountID) (model.Position, error) {
	pos, err := p.Position(ctx, id)
	if err != nil {
		return model.Position{}, err
	}
	if pos.Owner != owner {
		return model.Position{}, fmt.Errorf("%w: position %d is not owned by %s", model.ErrNotAllowed, id, owner)
	}
	return pos, nil
}

// Position returns position id regardless of owner.
func (p *Pool) Position(ctx context.Context, id model.PositionID) (model.Position, error) {
	pos, ok, err := state.GetJSON[model.Position](ctx, p.rw, positionKey(id))
	if err != nil {
		return model.Position{}, err
	}
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %d", ErrNoPosition, id)
	}
	return pos, nil
}

// SetPosition overwrites position id.
func (p *Pool) SetPosition(ctx context.Context, id model.PositionID, pos model.Position) error {
	if _, err := p.Position(ctx, id); err != nil {
		return err
	}
	return state.PutJSON(ctx, p.rw, positionKey(id), pos)
}

func (p *Pool) createPosition(ctx context.Context, pos model.Position) (model.PositionID, error) {
	next, _, err := state.GetJSON[uint64](ctx, p.rw, nextPosKey)
	if err != nil {
		return 0, err
	}
	id := model.PositionID(next + 1)
	if err := state.PutJSON(ctx, p.rw, nextPosKey, uint64(id)); err != nil {
		return 0, err
	}
	return id, state.PutJSON(ctx, p.rw, positionKey(id), pos)
}

// AddTokenParams bootstraps a new asset.
type AddTokenParams struct {
	Asset  model.AssetID
	Amount fixed.Uint // initial reserve, taken from Owner
	Price  fixed.Uint // hub asset per unit, 18 decimals
	Cap    fixed.Permill
	Owner  model.AccountID
}

// AddToken adds a new asset with initial liquidity from the owner at the
// given price. Hub reserve is minted to back it and the owner receives a
// position for the whole reserve.
func (p *Pool) AddToken(ctx context.Context, params AddTokenParams) (model.PositionID, error) {
	if params.Amount.IsZero() || params.Price.IsZero() {
		return 0, fmt.Errorf("%w: zero amount or price", ErrInvalidParams)
	}
	if !params.Cap.Valid() {
		return 0, fmt.Errorf("%w: cap above 100%%", ErrInvalidParams)
	}
	hubReserve, err := fixed.MulDiv(params.Amount, params.Price, fixed.PriceOne)
	if err != nil {
		return 0, err
	}
	if hubReserve.IsZero() {
		return 0, fmt.Errorf("%w: price too low for amount", ErrInvalidParams)
	}
	s := model.AssetState{
		Reserve:    params.Amount,
		HubReserve: hubReserve,
		Shares:     params.Amount,
		Cap:        params.Cap,
		Tradable:   model.FullyTradable(),
	}
	if err := p.AddAsset(ctx, params.Asset, s); err != nil {
		return 0, err
	}
	if err := p.ledger.Transfer(ctx, params.Asset, params.Owner, ProtocolAccount, params.Amount); err != nil {
		return 0, err
	}
	if err := p.ledger.Mint(ctx, p.params.HubAsset, ProtocolAccount, hubReserve); err != nil {
		return 0, err
	}
	price, err := s.Price()
	if err != nil {
		return 0, err
	}
	id, err := p.createPosition(ctx, model.Position{
		AssetID: params.Asset,
		Owner:   params.Owner,
		Amount:  params.Amount,
		Shares:  params.Amount,
		Price:   price,
	})
	if err != nil {
		return 0, err
	}
	p.log.Info("hub pool asset added",
		zap.Uint32("asset", uint32(params.Asset)),
		zap.Stringer("reserve", params.Amount),
		zap.Stringer("hub_reserve", hubReserve),
		zap.Uint64("position", uint64(id)),
	)
	return id, nil
}

// checkWeightCap fails when the asset's share of the total hub reserve
// after the deposit would exceed its cap.
func (p *Pool) checkWeightCap(ctx context.Context, s model.AssetState, deltaHub fixed.Uint) error {
	if s.Cap >= fixed.PermillOne {
		return nil
	}
	total, err := p.TotalHubReserve(ctx)
	if err != nil {
		return err
	}
	var c fixed.Calc
	lhs := c.Mul(c.Add(s.HubReserve, deltaHub), fixed.PermillOne.Uint())
	rhs := c.Mul(c.Add(total, deltaHub), s.Cap.Uint())
	if err := c.Err(); err != nil {
		return err
	}
	if lhs.Gt(rhs) {
		return fmt.Errorf("%w: cap %s", model.ErrWeightCapExceeded, s.Cap)
	}
	return nil
}

// AddLiquidity deposits amount of asset for who at the current price and
// opens a position.
func (p *Pool) AddLiquidity(ctx context.Context, who model.AccountID, asset model.AssetID, amount fixed.Uint) (model.PositionID, error) {
	if amount.IsZero() {
		return 0, model.ErrInvalidAmount
	}
	s, err := p.LoadAssetState(ctx, asset)
	if err != nil {
		return 0, err
	}
	if !s.Tradable.Contains(model.AddLiquidity) {
		return 0, fmt.Errorf("%w: add liquidity of asset %d", model.ErrNotAllowed, asset)
	}
	ch, err := AddLiquidityStateChange(s, amount)
	if err != nil {
		return 0, err
	}
	if ch.DeltaShares.Amount.IsZero() {
		return 0, fmt.Errorf("%w: deposit mints no shares", model.ErrInvalidAmount)
	}
	if err := p.checkWeightCap(ctx, s, ch.DeltaHubReserve.Amount); err != nil {
		return 0, err
	}
	price, err := s.Price()
	if err != nil {
		return 0, err
	}

	if err := p.ledger.Transfer(ctx, asset, who, ProtocolAccount, amount); err != nil {
		return 0, err
	}
	if err := p.ledger.Mint(ctx, p.params.HubAsset, ProtocolAccount, ch.DeltaHubReserve.Amount); err != nil {
		return 0, err
	}
	if err := p.UpdateAssetState(ctx, asset, ch); err != nil {
		return 0, err
	}
	id, err := p.createPosition(ctx, model.Position{
		AssetID: asset,
		Owner:   who,
		Amount:  amount,
		Shares:  ch.DeltaShares.Amount,
		Price:   price,
	})
	if err != nil {
		return 0, err
	}
	p.log.Debug("hub liquidity added",
		zap.String("who", string(who)),
		zap.Uint32("asset", uint32(asset)),
		zap.Stringer("amount", amount),
		zap.Stringer("shares", ch.DeltaShares.Amount),
		zap.Uint64("position", uint64(id)),
	)
	return id, nil
}

// RemoveResult is what the owner received from RemoveLiquidity.
type RemoveResult struct {
	Asset     model.AssetID
	AmountOut fixed.Uint
	HubOut    fixed.Uint
}

// RemoveLiquidity withdraws shares from position id owned by who. The
// position shrinks pro rata and is deleted once empty.
func (p *Pool) RemoveLiquidity(ctx context.Context, who model.AccountID, id model.PositionID, shares fixed.Uint) (RemoveResult, error) {
	if shares.IsZero() {
		return RemoveResult{}, model.ErrInvalidAmount
	}
	pos, err := p.LoadPosition(ctx, id, who)
	if err != nil {
		return RemoveResult{}, err
	}
	if shares.Gt(pos.Shares) {
		return RemoveResult{}, fmt.Errorf("%w: position %d holds %s shares", model.ErrInvalidAmount, id, pos.Shares)
	}
	s, err := p.LoadAssetState(ctx, pos.AssetID)
	if err != nil {
		return RemoveResult{}, err
	}
	if !s.Tradable.Contains(model.RemoveLiquidity) {
		return RemoveResult{}, fmt.Errorf("%w: remove liquidity of asset %d", model.ErrNotAllowed, pos.AssetID)
	}
	rm, err := RemoveLiquidityStateChange(s, pos, shares)
	if err != nil {
		return RemoveResult{}, err
	}
	amountOut := rm.Asset.DeltaReserve.Amount
	burn, err := rm.Asset.DeltaHubReserve.Amount.Sub(rm.HubOut)
	if err != nil {
		return RemoveResult{}, err
	}

	remaining, err := pos.Shares.Sub(shares)
	if err != nil {
		return RemoveResult{}, err
	}
	if remaining.IsZero() {
		pos.Amount, pos.Shares = fixed.Zero, fixed.Zero
	} else {
		withdrawn, err := fixed.MulDiv(pos.Amount, shares, pos.Shares)
		if err != nil {
			return RemoveResult{}, err
		}
		pos.Amount, _ = pos.Amount.Sub(withdrawn)
		pos.Shares = remaining
	}

	if err := p.UpdateAssetState(ctx, pos.AssetID, rm.Asset); err != nil {
		return RemoveResult{}, err
	}
	if err := p.ledger.Transfer(ctx, pos.AssetID, ProtocolAccount, who, amountOut); err != nil {
		return RemoveResult{}, err
	}
	if err := p.ledger.Transfer(ctx, p.params.HubAsset, ProtocolAccount, who, rm.HubOut); err != nil {
		return RemoveResult{}, err
	}
	if !burn.IsZero() {
		if err := p.ledger.Burn(ctx, p.params.HubAsset, ProtocolAccount, burn); err != nil {
			return RemoveResult{}, err
		}
	}
	if pos.Shares.IsZero() {
		if err := p.rw.Delete(ctx, positionKey(id)); err != nil {
			return RemoveResult{}, err
		}
	} else if err := state.PutJSON(ctx, p.rw, positionKey(id), pos); err != nil {
		return RemoveResult{}, err
	}
	return RemoveResult{Asset: pos.AssetID, AmountOut: amountOut, HubOut: rm.HubOut}, nil
}

// PositionsOf returns the positions owned by owner keyed by id.
func (p *Pool) PositionsOf(ctx context.Context, owner model.AccountID) (map[model.PositionID]model.Position, error) {
	raw, err := p.rw.Scan(ctx, positionPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[model.PositionID]model.Position)
	for k, v := range raw {
		var pos model.Position
		if err := json.Unmarshal(v, &pos); err != nil {
			return nil, fmt.Errorf("omnipool: decode %s: %w", k, err)
		}
		if pos.Owner != owner {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(k, positionPrefix), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("omnipool: bad position key %q: %w", k, err)
		}
		out[model.PositionID(n)] = pos
	}
	return out, nil
}
