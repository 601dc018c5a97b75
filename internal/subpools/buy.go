package subpools

import (
	"context"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/stableswap"
)

// Buy trades at most maxIn of assetIn for exactly amountOut of assetOut.
func (e *Engine) Buy(ctx context.Context, who model.AccountID, assetOut, assetIn model.AssetID, amountOut, maxIn fixed.Uint) (Result, error) {
	if err := e.checkPair(assetIn, assetOut, amountOut); err != nil {
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
			res, err = e.buyHub(ctx, who, assetOut, assetIn, amountOut, maxIn)
		case in.migrated && out.migrated && in.pool == out.pool:
			res, err = e.buyStable(ctx, who, in.pool, assetOut, assetIn, amountOut, maxIn)
		case in.migrated && out.migrated:
			res, err = e.buyBetweenSubpools(ctx, who, out, in, amountOut, maxIn)
		case in.migrated:
			res, err = e.buyNativeWithStable(ctx, who, assetOut, in, amountOut, maxIn)
		case assetIn == e.hub.HubAsset():
			res, err = e.buyStableWithHubAsset(ctx, who, out, amountOut, maxIn)
		default:
			res, err = e.buyStableWithNative(ctx, who, out, assetIn, amountOut, maxIn)
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}
	e.route(res.Route, "buy", assetIn, assetOut)
	return res, nil
}

func (e *Engine) buyHub(ctx context.Context, who model.AccountID, assetOut, assetIn model.AssetID, amountOut, maxIn fixed.Uint) (Result, error) {
	r, err := e.hub.Buy(ctx, who, assetOut, assetIn, amountOut, maxIn)
	if err != nil {
		return Result{}, err
	}
	route := model.RouteHub
	if assetIn == e.hub.HubAsset() {
		route = model.RouteHubAsset
	}
	return Result{Route: route, AmountIn: r.AmountIn, AmountOut: r.AmountOut, Fee: r.Fee}, nil
}

func (e *Engine) buyStable(ctx context.Context, who model.AccountID, pool, assetOut, assetIn model.AssetID, amountOut, maxIn fixed.Uint) (Result, error) {
	r, err := e.stable.Buy(ctx, who, pool, assetOut, assetIn, amountOut, maxIn)
	if err != nil {
		return Result{}, err
	}
	return Result{Route: model.RouteStable, AmountIn: r.AmountIn, AmountOut: r.AmountOut, Fee: r.Fee}, nil
}

// buyBetweenSubpools finds the shares of the out pool that pay amountOut,
// buys them in the hub pool with shares of the in pool and deposits the
// stable asset that mints those.
func (e *Engine) buyBetweenSubpools(ctx context.Context, who model.AccountID, out, in side, amountOut, maxIn fixed.Uint) (Result, error) {
	poolOut, idxOut, err := e.stableAsset(ctx, out, model.Buy)
	if err != nil {
		return Result{}, err
	}
	poolIn, idxIn, err := e.stableAsset(ctx, in, model.Sell)
	if err != nil {
		return Result{}, err
	}
	sharesOut, err := stableswap.SharesRemovedForWithdrawal(poolOut.reserves, idxOut, amountOut, poolOut.amp, poolOut.issuance, poolOut.pool.WithdrawFee)
	if err != nil {
		return Result{}, err
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
	ch, err := e.contract.BuyStateChange(shareIn, shareOut, sharesOut, e.hub.AssetFee(), e.hub.ProtocolFee(), imbalance)
	if err != nil {
		return Result{}, err
	}
	sharesIn := ch.AssetIn.DeltaReserve.Amount
	amountIn, err := stableswap.AmountForShares(poolIn.reserves, idxIn, sharesIn, poolIn.amp, poolIn.issuance)
	if err != nil {
		return Result{}, err
	}
	if amountIn.Gt(maxIn) {
		return Result{}, limitExceeded(amountIn, maxIn)
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
	return Result{Route: model.RouteBetweenSubpools, AmountIn: amountIn, AmountOut: amountOut, Fee: ch.Fees.Asset}, nil
}

// buyNativeWithStable buys a hub pool asset with subpool shares and
// deposits the stable asset that mints them.
func (e *Engine) buyNativeWithStable(ctx context.Context, who model.AccountID, assetOut model.AssetID, in side, amountOut, maxIn fixed.Uint) (Result, error) {
	pool, idx, err := e.stableAsset(ctx, in, model.Sell)
	if err != nil {
		return Result{}, err
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
	ch, err := e.contract.BuyStateChange(shareState, outState, amountOut, e.hub.AssetFee(), e.hub.ProtocolFee(), imbalance)
	if err != nil {
		return Result{}, err
	}
	shares := ch.AssetIn.DeltaReserve.Amount
	amountIn, err := stableswap.AmountForShares(pool.reserves, idx, shares, pool.amp, pool.issuance)
	if err != nil {
		return Result{}, err
	}
	if amountIn.Gt(maxIn) {
		return Result{}, limitExceeded(amountIn, maxIn)
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

// buyStableWithNative buys the subpool shares that pay amountOut with a hub
// pool asset.
func (e *Engine) buyStableWithNative(ctx context.Context, who model.AccountID, out side, assetIn model.AssetID, amountOut, maxIn fixed.Uint) (Result, error) {
	pool, idx, err := e.stableAsset(ctx, out, model.Buy)
	if err != nil {
		return Result{}, err
	}
	shares, err := stableswap.SharesRemovedForWithdrawal(pool.reserves, idx, amountOut, pool.amp, pool.issuance, pool.pool.WithdrawFee)
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
	ch, err := e.contract.BuyStateChange(inState, shareState, shares, e.hub.AssetFee(), e.hub.ProtocolFee(), imbalance)
	if err != nil {
		return Result{}, err
	}
	amountIn := ch.AssetIn.DeltaReserve.Amount
	if amountIn.Gt(maxIn) {
		return Result{}, limitExceeded(amountIn, maxIn)
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
	return Result{Route: model.RouteMixed, AmountIn: amountIn, AmountOut: amountOut, Fee: ch.Fees.Asset}, nil
}

// buyStableWithHubAsset buys the subpool shares that pay amountOut with the
// hub asset. The limit applies to the hub asset paid in.
func (e *Engine) buyStableWithHubAsset(ctx context.Context, who model.AccountID, out side, amountOut, maxIn fixed.Uint) (Result, error) {
	if err := e.checkHubAssetSell(ctx); err != nil {
		return Result{}, err
	}
	pool, idx, err := e.stableAsset(ctx, out, model.Buy)
	if err != nil {
		return Result{}, err
	}
	shares, err := stableswap.SharesRemovedForWithdrawal(pool.reserves, idx, amountOut, pool.amp, pool.issuance, pool.pool.WithdrawFee)
	if err != nil {
		return Result{}, err
	}
	shareState, err := e.hubState(ctx, out.pool, model.Buy)
	if err != nil {
		return Result{}, err
	}
	ch, err := e.contract.BuyForHubStateChange(shareState, shares, e.hub.AssetFee())
	if err != nil {
		return Result{}, err
	}
	hubIn := ch.Asset.DeltaHubReserve.Amount
	if hubIn.Gt(maxIn) {
		return Result{}, limitExceeded(hubIn, maxIn)
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
	return Result{Route: model.RouteHubAsset, AmountIn: hubIn, AmountOut: amountOut, Fee: ch.Fee}, nil
}
