package subpools

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
)

// AddLiquidity opens a hub pool position for amount of asset. A migrated
// asset is first deposited into its subpool and the minted shares are
// added to the hub pool instead.
func (e *Engine) AddLiquidity(ctx context.Context, who model.AccountID, asset model.AssetID, amount fixed.Uint) (Result, error) {
	s, err := e.classify(ctx, asset)
	if err != nil {
		return Result{}, err
	}
	if !s.migrated {
		var id model.PositionID
		err := e.atomic(func() error {
			var err error
			id, err = e.hub.AddLiquidity(ctx, who, asset, amount)
			return err
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Route: model.RouteHub, AmountIn: amount, PositionID: id}, nil
	}
	return e.addStableLiquidity(ctx, who, s, amount, true)
}

// AddLiquidityStable deposits a migrated asset into its subpool. With
// mintShareToken the minted shares are added to the hub pool as a position;
// otherwise who keeps the shares.
func (e *Engine) AddLiquidityStable(ctx context.Context, who model.AccountID, asset model.AssetID, amount fixed.Uint, mintShareToken bool) (Result, error) {
	s, err := e.classify(ctx, asset)
	if err != nil {
		return Result{}, err
	}
	if !s.migrated {
		return Result{}, fmt.Errorf("%w: %d", model.ErrNotStableAsset, asset)
	}
	return e.addStableLiquidity(ctx, who, s, amount, mintShareToken)
}

func (e *Engine) addStableLiquidity(ctx context.Context, who model.AccountID, s side, amount fixed.Uint, intoHub bool) (Result, error) {
	var res Result
	err := e.atomic(func() error {
		shares, err := e.stable.AddLiquidity(ctx, who, s.pool, s.asset, amount)
		if err != nil {
			return err
		}
		res = Result{Route: model.RouteStable, AmountIn: amount, AmountOut: shares}
		if !intoHub {
			return nil
		}
		id, err := e.hub.AddLiquidity(ctx, who, s.pool, shares)
		if err != nil {
			return err
		}
		res.Route = model.RouteMixed
		res.PositionID = id
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.log.Debug("stable liquidity added",
		zap.String("who", string(who)),
		zap.Uint32("asset", uint32(s.asset)),
		zap.Uint32("pool", uint32(s.pool)),
		zap.Stringer("shares", res.AmountOut),
		zap.Bool("into_hub", intoHub),
	)
	return res, nil
}

// RemoveLiquidity withdraws shares from a hub pool position. A position
// opened before its asset was migrated is converted first. Positions on a
// subpool share asset pay out in withdrawAsset, which must then be set.
func (e *Engine) RemoveLiquidity(ctx context.Context, who model.AccountID, id model.PositionID, shares fixed.Uint, withdrawAsset *model.AssetID) (Result, error) {
	var res Result
	err := e.atomic(func() error {
		pos, err := e.hub.LoadPosition(ctx, id, who)
		if err != nil {
			return err
		}
		rec, migrated, err := e.registry.Migration(ctx, pos.AssetID)
		if err != nil {
			return err
		}
		if migrated {
			if pos, err = ConvertPosition(pos, rec); err != nil {
				return err
			}
			if err := e.hub.SetPosition(ctx, id, pos); err != nil {
				return err
			}
		}
		subpool, err := e.registry.IsSubpool(ctx, pos.AssetID)
		if err != nil {
			return err
		}
		if subpool && withdrawAsset == nil {
			return fmt.Errorf("%w: position %d is in subpool %d", model.ErrWithdrawAssetNotSpecified, id, pos.AssetID)
		}

		removed, err := e.hub.RemoveLiquidity(ctx, who, id, shares)
		if err != nil {
			return err
		}
		res = Result{Route: model.RouteHub, AmountIn: shares, AmountOut: removed.AmountOut, HubOut: removed.HubOut, PositionID: id}
		if !subpool {
			return nil
		}
		out, fee, err := e.stable.RemoveLiquidityOneAsset(ctx, who, pos.AssetID, *withdrawAsset, removed.AmountOut)
		if err != nil {
			return err
		}
		res.Route = model.RouteMixed
		res.AmountOut = out
		res.Fee = fee
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
