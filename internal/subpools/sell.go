package subpools

import (
	"context"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/stableswap"
)

// Sell trades amountIn of assetIn for at least minOut of assetOut.
func (e *Engine) Sell(ctx context.Context, who model.AccountID, assetIn, assetOut model.AssetID, amountIn, minOut fixed.Uint) (Result, error) {
	if err := e.checkPair(assetIn, assetOut, amountIn); err != nil {
		return Result{}, err
	}
	in, err := e.classify(ctx, assetIn)
	if err != nil {
		return Result{}, err
	}
	out, err := e.classify(ctx, assetOut)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = e.atomic(func() error {
		var err error
		switch {
		case !in.migrated && !out.migrated:
			res, err = e.sellHub(ctx, who, assetIn, assetOut, amountIn, minOut)
		case in.migrated && out.migrated && in.pool == out.pool:
			res, err = e.sellStable(ctx, who, in.pool, assetIn, assetOut, amountIn, minOut)
		case in.migrated && out.migrated:
			res, err = e.sellBetweenSubpools(ctx, who, in, out, amountIn, minOut)
		case in.migrated:
			res, err = e.sellStableForNative(ctx, who, in, assetOut, amountIn, minOut)
		case assetIn == e.hub.HubAsset():
			res, err = e.sellHubAssetForStable(ctx, who, out, amountIn, minOut)
		default:
			res, err = e.sellNativeForStable(ctx, who, assetIn, out, amountIn, minOut)
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}
	e.route(res.Route, "sell", assetIn, assetOut)
	return res, nil
}

func (e *Engine) sellHub(ctx context.Context, who model.AccountID, assetIn, assetOut model.AssetID, amountIn, minOut fixed.Uint) (Result, error) {
	r, err := e.hub.Sell(ctx, who, assetIn, assetOut, amountIn, minOut)
	if err != nil {
		return Result{}, err
	}
	route := model.RouteHub
	if assetIn == e.hub.HubAsset() {
		route = model.RouteHubAsset
	}
	return Result{Route: route, AmountIn: r.AmountIn, AmountOut: r.AmountOut, Fee: r.Fee}, nil
}

func (e *Engine) sellStable(ctx context.Context, who model.AccountID, pool, assetIn, assetOut model.AssetID, amountIn, minOut fixed.Uint) (Result, error) {
	r, err := e.stable.Sell(ctx, who, pool, assetIn, assetOut, amountIn, minOut)
	if err != nil {
		return Result{}, err
	}
	return Result{Route: model.RouteStable, AmountIn: r.AmountIn, AmountOut: r.AmountOut, Fee: r.Fee}, nil
}

// sellBetweenSubpools deposits assetIn into its pool, trades the minted
// shares for the other pool's shares in the hub pool and withdraws assetOut
// with them.
func (e *Engine) sellBetweenSubpools(ctx context.Context, who model.AccountID, in, out side, amountIn, minOut fixed.Uint) (Result, error) {
	poolIn, idxIn, err := e.stableAsset(ctx, in, model.Sell)
	if err != nil {
		return Result{}, err
	}
	poolOut, idxOut, err := e.stableAsset(ctx, out, model.Buy)
	if err != nil {
		return Result{}, err
	}
	sharesIn, err := stableswap.SharesForDeposit(poolIn.reserves, idxIn, amountIn, poolIn.amp, poolIn.issuance)
	if err != nil {
		return Result{}, err
	}
	if sharesIn.IsZero() {
		return Result{}, stableswap.ErrZeroShares
	}
	shareIn, err := e.hubState(ctx, in.pool, model.Sell)
	if err != nil {
		return Result{}, err
	}
	shareOut, err := e.hubState(ctx, out.pool, model.Buy)
	if err != nil {
		return Result{}, err
	}
	imbalance, err := e.hub.CurrentImbalance(ctx)
	if err != nil {
		return Result{}, err
	}
	ch, err := e.contract.SellStateChange(shareIn, shareOut, sharesIn, e.hub.AssetFee(), e.hub.ProtocolFee(), imbalance)
	if err != nil {
		return Result{}, err
	}
	sharesOut := ch.AssetOut.DeltaReserve.Amount
	amountOut, fee, err := stableswap.WithdrawOneAsset(poolOut.reserves, sharesOut, idxOut, poolOut.issuance, poolOut.amp, poolOut.pool.WithdrawFee)
	if err != nil {
		return Result{}, err
	}
	if amountOut.Lt(minOut) {
		return Result{}, limitNotReached(amountOut, minOut)
	}

	protocol := e.hub.ProtocolAccount()
	if err := e.ledger.Transfer(ctx, in.asset, who, poolIn.account, amountIn); err != nil {
		return Result{}, err
	}
	if err := e.ledger.Transfer(ctx, out.asset, poolOut.account, who, amountOut); err != nil {
		return Result{}, err
	}
	if err := e.ledger.Burn(ctx, out.pool, protocol, sharesOut); err != nil {
		return Result{}, err
	}
	if err := e.ledger.Mint(ctx, in.pool, protocol, sharesIn); err != nil {
		return Result{}, err
	}
	if err := e.hub.ApplyTrade(ctx, in.pool, out.pool, ch); err != nil {
		return Result{}, err
	}
	return Result{Route: model.RouteBetweenSubpools, AmountIn: amountIn, AmountOut: amountOut, Fee: fee}, nil
}

// sellStableForNative deposits the stable asset and sells the minted
// shares for a hub pool asset.
func (e *Engine) sellStableForNative(ctx context.Context, who model.AccountID, in side, assetOut model.AssetID, amountIn, minOut fixed.Uint) (Result, error) {
	pool, idx, err := e.stableAsset(ctx, in, model.Sell)
	if err != nil {
		return Result{}, err
	}
	shares, err := stableswap.SharesForDeposit(pool.reserves, idx, amountIn, pool.amp, pool.issuance)
	if err != nil {
		return Result{}, err
	}
	if shares.IsZero() {
		return Result{}, stableswap.ErrZeroShares
	}
	shareState, err := e.hubState(ctx, in.pool, model.Sell)
	if err != nil {
		return Result{}, err
	}
	outState, err := e.hubState(ctx, assetOut, model.Buy)
	if err != nil {
		return Result{}, err
	}
	imbalance, err := e.hub.CurrentImbalance(ctx)
	if err != nil {
		return Result{}, err
	}
	ch, err := e.contract.SellStateChange(shareState, outState, shares, e.hub.AssetFee(), e.hub.ProtocolFee(), imbalance)
	if err != nil {
		return Result{}, err
	}
	amountOut := ch.AssetOut.DeltaReserve.Amount
	if amountOut.Lt(minOut) {
		return Result{}, limitNotReached(amountOut, minOut)
	}

	protocol := e.hub.ProtocolAccount()
	if err := e.ledger.Transfer(ctx, in.asset, who, pool.account, amountIn); err != nil {
		return Result{}, err
	}
	if err := e.ledger.Transfer(ctx, assetOut, protocol, who, amountOut); err != nil {
		return Result{}, err
	}
	if err := e.ledger.Mint(ctx, in.pool, protocol, shares); err != nil {
		return Result{}, err
	}
	if err := e.hub.ApplyTrade(ctx, in.pool, assetOut, ch); err != nil {
		return Result{}, err
	}
	return Result{Route: model.RouteMixed, AmountIn: amountIn, AmountOut: amountOut, Fee: ch.Fees.Asset}, nil
}

// sellNativeForStable sells a hub pool asset for the subpool's shares and
// withdraws the stable asset with them.
func (e *Engine) sellNativeForStable(ctx context.Context, who model.AccountID, assetIn model.AssetID, out side, amountIn, minOut fixed.Uint) (Result, error) {
	pool, idx, err := e.stableAsset(ctx, out, model.Buy)
	if err != nil {
		return Result{}, err
	}
	inState, err := e.hubState(ctx, assetIn, model.Sell)
	if err != nil {
		return Result{}, err
	}
	shareState, err := e.hubState(ctx, out.pool, model.Buy)
	if err != nil {
		return Result{}, err
	}
	imbalance, err := e.hub.CurrentImbalance(ctx)
	if err != nil {
		return Result{}, err
	}
	ch, err := e.contract.SellStateChange(inState, shareState, amountIn, e.hub.AssetFee(), e.hub.ProtocolFee(), imbalance)
	if err != nil {
		return Result{}, err
	}
	shares := ch.AssetOut.DeltaReserve.Amount
	amountOut, fee, err := stableswap.WithdrawOneAsset(pool.reserves, shares, idx, pool.issuance, pool.amp, pool.pool.WithdrawFee)
	if err != nil {
		return Result{}, err
	}
	if amountOut.Lt(minOut) {
		return Result{}, limitNotReached(amountOut, minOut)
	}

	protocol := e.hub.ProtocolAccount()
	if err := e.ledger.Transfer(ctx, assetIn, who, protocol, amountIn); err != nil {
		return Result{}, err
	}
	if err := e.ledger.Transfer(ctx, out.asset, pool.account, who, amountOut); err != nil {
		return Result{}, err
	}
	if err := e.ledger.Burn(ctx, out.pool, protocol, shares); err != nil {
		return Result{}, err
	}
	if err := e.hub.ApplyTrade(ctx, assetIn, out.pool, ch); err != nil {
		return Result{}, err
	}
	return Result{Route: model.RouteMixed, AmountIn: amountIn, AmountOut: amountOut, Fee: fee}, nil
}

// sellHubAssetForStable buys subpool shares with the hub asset and
// withdraws the stable asset with them.
func (e *Engine) sellHubAssetForStable(ctx context.Context, who model.AccountID, out side, hubIn, minOut fixed.Uint) (Result, error) {
	if err := e.checkHubAssetSell(ctx); err != nil {
		return Result{}, err
	}
	pool, idx, err := e.stableAsset(ctx, out, model.Buy)
	if err != nil {
		return Result{}, err
	}
	shareState, err := e.hubState(ctx, out.pool, model.Buy)
	if err != nil {
		return Result{}, err
	}
	ch, err := e.contract.SellHubStateChange(shareState, hubIn, e.hub.AssetFee())
	if err != nil {
		return Result{}, err
	}
	shares := ch.Asset.DeltaReserve.Amount
	amountOut, fee, err := stableswap.WithdrawOneAsset(pool.reserves, shares, idx, pool.issuance, pool.amp, pool.pool.WithdrawFee)
	if err != nil {
		return Result{}, err
	}
	if amountOut.Lt(minOut) {
		return Result{}, limitNotReached(amountOut, minOut)
	}

	protocol := e.hub.ProtocolAccount()
	if err := e.ledger.Transfer(ctx, e.hub.HubAsset(), who, protocol, hubIn); err != nil {
		return Result{}, err
	}
	if err := e.ledger.Transfer(ctx, out.asset, pool.account, who, amountOut); err != nil {
		return Result{}, err
	}
	if err := e.ledger.Burn(ctx, out.pool, protocol, shares); err != nil {
		return Result{}, err
	}
	if err := e.hub.ApplyHubAssetTrade(ctx, out.pool, ch); err != nil {
		return Result{}, err
	}
	return Result{Route: model.RouteHubAsset, AmountIn: hubIn, AmountOut: amountOut, Fee: fee}, nil
}
