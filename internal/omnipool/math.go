// Package omnipool implements the hub pool: every asset is priced against
// the hub asset through its pair of reserves (R, Q). Trade state changes are
// computed by pure functions first; Pool applies them to the ledger and the
// persisted asset states.
package omnipool

import (
	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
)

// SellStateChange computes selling amount of the in asset for the out
// asset.
//
//	inHub  = Q_in·a / (R_in + a)
//	outHub = inHub - protocolFee
//	out    = R_out·outHub / (Q_out + outHub) - assetFee
//
// The protocol fee is hub asset removed from circulation; it first pays
// down the pool imbalance.
func SellStateChange(in, out model.AssetState, amount fixed.Uint, assetFee, protocolFee fixed.Permill, imbalance model.Imbalance) (model.TradeStateChange, error) {
	var c fixed.Calc
	inHub := c.MulDiv(in.HubReserve, amount, c.Add(in.Reserve, amount))
	if err := c.Err(); err != nil {
		return model.TradeStateChange{}, err
	}
	pFee, err := protocolFee.MulFloor(inHub)
	if err != nil {
		return model.TradeStateChange{}, err
	}
	outHub := c.Sub(inHub, pFee)
	outNoFee := c.MulDiv(out.Reserve, outHub, c.Add(out.HubReserve, outHub))
	if err := c.Err(); err != nil {
		return model.TradeStateChange{}, err
	}
	aFee, err := assetFee.MulCeil(outNoFee)
	if err != nil {
		return model.TradeStateChange{}, err
	}
	outAmount := c.Sub(outNoFee, aFee)
	if err := c.Err(); err != nil {
		return model.TradeStateChange{}, err
	}

	return model.TradeStateChange{
		AssetIn: model.AssetStateChange{
			DeltaReserve:    model.Increase(amount),
			DeltaHubReserve: model.Decrease(inHub),
		},
		AssetOut: model.AssetStateChange{
			DeltaReserve:    model.Decrease(outAmount),
			DeltaHubReserve: model.Increase(outHub),
		},
		DeltaImbalance: model.Decrease(fixed.Min(pFee, imbalance.Value)),
		Fees:           model.TradeFees{Asset: aFee, Protocol: pFee},
	}, nil
}

// BuyStateChange computes buying exactly amount of the out asset with the
// in asset. Every step rounds up so the pool never undercharges.
//
//	outGross = a / (1 - assetFee)
//	outHub   = Q_out·outGross / (R_out - outGross)
//	inHub    = outHub / (1 - protocolFee)
//	in       = R_in·inHub / (Q_in - inHub)
func BuyStateChange(in, out model.AssetState, amount fixed.Uint, assetFee, protocolFee fixed.Permill, imbalance model.Imbalance) (model.TradeStateChange, error) {
	outGross, err := assetFee.DivComplementCeil(amount)
	if err != nil {
		return model.TradeStateChange{}, err
	}
	if outGross.Gte(out.Reserve) {
		return model.TradeStateChange{}, model.ErrMath
	}
	var c fixed.Calc
	outHub := c.MulDivCeil(out.HubReserve, outGross, c.Sub(out.Reserve, outGross))
	if err := c.Err(); err != nil {
		return model.TradeStateChange{}, err
	}
	inHub, err := protocolFee.DivComplementCeil(outHub)
	if err != nil {
		return model.TradeStateChange{}, err
	}
	if inHub.Gte(in.HubReserve) {
		return model.TradeStateChange{}, model.ErrMath
	}
	inAmount := c.MulDivCeil(in.Reserve, inHub, c.Sub(in.HubReserve, inHub))
	pFee := c.Sub(inHub, outHub)
	aFee := c.Sub(outGross, amount)
	if err := c.Err(); err != nil {
		return model.TradeStateChange{}, err
	}

	return model.TradeStateChange{
		AssetIn: model.AssetStateChange{
			DeltaReserve:    model.Increase(inAmount),
			DeltaHubReserve: model.Decrease(inHub),
		},
		AssetOut: model.AssetStateChange{
			DeltaReserve:    model.Decrease(amount),
			DeltaHubReserve: model.Increase(outHub),
		},
		DeltaImbalance: model.Decrease(fixed.Min(pFee, imbalance.Value)),
		Fees:           model.TradeFees{Asset: aFee, Protocol: pFee},
	}, nil
}

// SellHubStateChange computes selling hubIn of the hub asset for the asset.
// Hub asset sold into the pool grows the imbalance by the same amount.
func SellHubStateChange(out model.AssetState, hubIn fixed.Uint, assetFee fixed.Permill) (model.HubTradeStateChange, error) {
	var c fixed.Calc
	outNoFee := c.MulDiv(out.Reserve, hubIn, c.Add(out.HubReserve, hubIn))
	if err := c.Err(); err != nil {
		return model.HubTradeStateChange{}, err
	}
	fee, err := assetFee.MulCeil(outNoFee)
	if err != nil {
		return model.HubTradeStateChange{}, err
	}
	outAmount := c.Sub(outNoFee, fee)
	if err := c.Err(); err != nil {
		return model.HubTradeStateChange{}, err
	}
	return model.HubTradeStateChange{
		Asset: model.AssetStateChange{
			DeltaReserve:    model.Decrease(outAmount),
			DeltaHubReserve: model.Increase(hubIn),
		},
		DeltaImbalance: model.Increase(hubIn),
		Fee:            fee,
	}, nil
}

// BuyForHubStateChange computes the hub asset needed to buy exactly amount
// of the asset.
func BuyForHubStateChange(out model.AssetState, amount fixed.Uint, assetFee fixed.Permill) (model.HubTradeStateChange, error) {
	outGross, err := assetFee.DivComplementCeil(amount)
	if err != nil {
		return model.HubTradeStateChange{}, err
	}
	if outGross.Gte(out.Reserve) {
		return model.HubTradeStateChange{}, model.ErrMath
	}
	var c fixed.Calc
	hubIn := c.MulDivCeil(out.HubReserve, outGross, c.Sub(out.Reserve, outGross))
	fee := c.Sub(outGross, amount)
	if err := c.Err(); err != nil {
		return model.HubTradeStateChange{}, err
	}
	return model.HubTradeStateChange{
		Asset: model.AssetStateChange{
			DeltaReserve:    model.Decrease(amount),
			DeltaHubReserve: model.Increase(hubIn),
		},
		DeltaImbalance: model.Increase(hubIn),
		Fee:            fee,
	}, nil
}

// AddLiquidityStateChange computes depositing amount at the current
// price: hub reserve and shares grow in proportion to the reserve.
func AddLiquidityStateChange(asset model.AssetState, amount fixed.Uint) (model.AssetStateChange, error) {
	var c fixed.Calc
	deltaHub := c.MulDiv(asset.HubReserve, amount, asset.Reserve)
	deltaShares := c.MulDiv(asset.Shares, amount, asset.Reserve)
	if err := c.Err(); err != nil {
		return model.AssetStateChange{}, err
	}
	return model.AssetStateChange{
		DeltaReserve:    model.Increase(amount),
		DeltaHubReserve: model.Increase(deltaHub),
		DeltaShares:     model.Increase(deltaShares),
	}, nil
}

// LiquidityRemoval is the outcome of removing shares from a position.
type LiquidityRemoval struct {
	Asset model.AssetStateChange
	// HubOut is hub asset paid to the owner when the price rose since entry.
	HubOut fixed.Uint
}

// RemoveLiquidityStateChange computes withdrawing shares from a position
// entered at position.Price. If the price fell since entry part of the
// shares move to the protocol; if it rose the owner also receives hub
// asset.
func RemoveLiquidityStateChange(asset model.AssetState, position model.Position, shares fixed.Uint) (LiquidityRemoval, error) {
	if shares.Gt(position.Shares) || shares.Gt(asset.Shares) {
		return LiquidityRemoval{}, model.ErrMath
	}
	price, err := asset.Price()
	if err != nil {
		return LiquidityRemoval{}, err
	}
	p0 := position.Price

	var c fixed.Calc
	deltaB := fixed.Zero
	if price.Lt(p0) {
		deltaB = c.MulDiv(shares, c.Sub(p0, price), c.Add(p0, price))
	}
	deltaShares := c.Sub(shares, deltaB)
	deltaReserve := c.MulDiv(asset.Reserve, deltaShares, asset.Shares)
	deltaHub := c.MulDiv(asset.HubReserve, deltaReserve, asset.Reserve)
	hubOut := fixed.Zero
	if price.Gt(p0) {
		factor := c.MulDiv(price, c.Sub(price, p0), c.Add(price, p0))
		hubOut = c.MulDiv(factor, deltaReserve, fixed.PriceOne)
	}
	if err := c.Err(); err != nil {
		return LiquidityRemoval{}, err
	}
	hubOut = fixed.Min(hubOut, deltaHub)

	return LiquidityRemoval{
		Asset: model.AssetStateChange{
			DeltaReserve:        model.Decrease(deltaReserve),
			DeltaHubReserve:     model.Decrease(deltaHub),
			DeltaShares:         model.Decrease(deltaShares),
			DeltaProtocolShares: model.Increase(deltaB),
		},
		HubOut: hubOut,
	}, nil
}

// Contract exposes the trade formulas as methods so callers can depend on
// an interface.
type Contract struct{}

func (Contract) SellStateChange(in, out model.AssetState, amount fixed.Uint, assetFee, protocolFee fixed.Permill, imbalance model.Imbalance) (model.TradeStateChange, error) {
	return SellStateChange(in, out, amount, assetFee, protocolFee, imbalance)
}

func (Contract) BuyStateChange(in, out model.AssetState, amount fixed.Uint, assetFee, protocolFee fixed.Permill, imbalance model.Imbalance) (model.TradeStateChange, error) {
	return BuyStateChange(in, out, amount, assetFee, protocolFee, imbalance)
}

func (Contract) SellHubStateChange(out model.AssetState, hubIn fixed.Uint, assetFee fixed.Permill) (model.HubTradeStateChange, error) {
	return SellHubStateChange(out, hubIn, assetFee)
}

func (Contract) BuyForHubStateChange(out model.AssetState, amount fixed.Uint, assetFee fixed.Permill) (model.HubTradeStateChange, error) {
	return BuyForHubStateChange(out, amount, assetFee)
}
