package subpools

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/stableswap"
)

// CreateSubpoolParams configures CreateSubpool.
type CreateSubpoolParams struct {
	ShareAsset    model.AssetID `json:"share_asset"`
	AssetA        model.AssetID `json:"asset_a"`
	AssetB        model.AssetID `json:"asset_b"`
	WeightCap     fixed.Permill `json:"weight_cap"`
	Amplification uint64        `json:"amplification"`
	TradeFee      fixed.Permill `json:"trade_fee"`
	WithdrawFee   fixed.Permill `json:"withdraw_fee"`
}

// NewSubpoolState is the hub pool state of a share asset backed by two
// migrated assets. Reserve, hub reserve and shares all equal the combined
// hub reserve; protocol shares carry over in proportion.
func NewSubpoolState(a, b model.AssetState, cap fixed.Permill) (model.AssetState, error) {
	var c fixed.Calc
	hub := c.Add(a.HubReserve, b.HubReserve)
	protocol := c.Add(
		c.MulDiv(a.HubReserve, a.ProtocolShares, a.Shares),
		c.MulDiv(b.HubReserve, b.ProtocolShares, b.Shares),
	)
	if err := c.Err(); err != nil {
		return model.AssetState{}, err
	}
	return model.AssetState{
		Reserve:        hub,
		HubReserve:     hub,
		Shares:         hub,
		ProtocolShares: protocol,
		Cap:            cap,
		Tradable:       model.FullyTradable(),
	}, nil
}

// MigrationDetailFor records asset's hub pool state at migration. For a
// fresh subpool the asset is attributed share tokens and subpool shares
// equal to its hub reserve.
func MigrationDetailFor(s model.AssetState, shareTokens, subpoolShares fixed.Uint) (model.MigrationDetail, error) {
	price, err := s.Price()
	if err != nil {
		return model.MigrationDetail{}, err
	}
	return model.MigrationDetail{
		Price:         price,
		Shares:        s.Shares,
		HubReserve:    s.HubReserve,
		ShareTokens:   shareTokens,
		SubpoolShares: subpoolShares,
	}, nil
}

// CreateSubpool moves two hub pool assets into a new stable pool and lists
// the pool's share asset in the hub pool in their place.
func (e *Engine) CreateSubpool(ctx context.Context, p CreateSubpoolParams) error {
	return e.atomic(func() error {
		if p.AssetA == p.AssetB {
			return fmt.Errorf("%w: subpool needs two distinct assets", model.ErrNotAllowed)
		}
		stateA, err := e.nativeState(ctx, p.AssetA)
		if err != nil {
			return err
		}
		stateB, err := e.nativeState(ctx, p.AssetB)
		if err != nil {
			return err
		}

		pool, err := e.stable.CreatePool(ctx, stableswap.CreatePoolParams{
			ID:            p.ShareAsset,
			Assets:        []model.AssetID{p.AssetA, p.AssetB},
			Amplification: p.Amplification,
			TradeFee:      p.TradeFee,
			WithdrawFee:   p.WithdrawFee,
		})
		if err != nil {
			return err
		}
		if err := e.stable.SetAssetTradability(ctx, pool.ID, p.AssetA, stateA.Tradable); err != nil {
			return err
		}
		if err := e.stable.SetAssetTradability(ctx, pool.ID, p.AssetB, stateB.Tradable); err != nil {
			return err
		}

		protocol := e.hub.ProtocolAccount()
		if err := e.stable.MoveLiquidity(ctx, protocol, pool.ID, []stableswap.AssetAmount{
			{Asset: p.AssetA, Amount: stateA.Reserve},
			{Asset: p.AssetB, Amount: stateB.Reserve},
		}); err != nil {
			return err
		}

		shareState, err := NewSubpoolState(stateA, stateB, p.WeightCap)
		if err != nil {
			return err
		}
		if err := e.stable.DepositShares(ctx, protocol, pool.ID, shareState.Reserve); err != nil {
			return err
		}
		if err := e.hub.AddAsset(ctx, pool.ID, shareState); err != nil {
			return err
		}

		detailA, err := MigrationDetailFor(stateA, stateA.HubReserve, stateA.HubReserve)
		if err != nil {
			return err
		}
		detailB, err := MigrationDetailFor(stateB, stateB.HubReserve, stateB.HubReserve)
		if err != nil {
			return err
		}
		if err := e.hub.RemoveAsset(ctx, p.AssetA); err != nil {
			return err
		}
		if err := e.hub.RemoveAsset(ctx, p.AssetB); err != nil {
			return err
		}
		if err := e.registry.recordMigration(ctx, p.AssetA, model.MigrationRecord{PoolID: pool.ID, Detail: detailA}); err != nil {
			return err
		}
		if err := e.registry.recordMigration(ctx, p.AssetB, model.MigrationRecord{PoolID: pool.ID, Detail: detailB}); err != nil {
			return err
		}
		if err := e.registry.addSubpool(ctx, pool.ID); err != nil {
			return err
		}
		e.log.Info("subpool created",
			zap.Uint32("pool", uint32(pool.ID)),
			zap.Uint32("asset_a", uint32(p.AssetA)),
			zap.Uint32("asset_b", uint32(p.AssetB)),
			zap.Stringer("share_reserve", shareState.Reserve),
		)
		return nil
	})
}

// nativeState loads a hub pool asset that has not been migrated.
func (e *Engine) nativeState(ctx context.Context, asset model.AssetID) (model.AssetState, error) {
	if _, ok, err := e.registry.Migration(ctx, asset); err != nil {
		return model.AssetState{}, err
	} else if ok {
		return model.AssetState{}, fmt.Errorf("%w: asset %d", ErrAlreadyMigrated, asset)
	}
	return e.hub.LoadAssetState(ctx, asset)
}

// MigrationStateChange computes the share asset change when an asset with
// hub pool state s joins a subpool whose share asset has state share and
// total issuance issuance. The asset's hub reserve moves to the share
// asset; share tokens and shares are minted at the share asset's ratios.
func MigrationStateChange(s, share model.AssetState, issuance fixed.Uint) (model.AssetStateChange, error) {
	var c fixed.Calc
	deltaTokens := c.MulDiv(issuance, s.HubReserve, share.HubReserve)
	deltaShares := c.MulDiv(share.Shares, s.HubReserve, share.HubReserve)
	deltaProtocol := fixed.Zero
	if !s.Shares.IsZero() {
		deltaProtocol = c.MulDiv(s.ProtocolShares, deltaShares, s.Shares)
	}
	if err := c.Err(); err != nil {
		return model.AssetStateChange{}, err
	}
	return model.AssetStateChange{
		DeltaReserve:        model.Increase(deltaTokens),
		DeltaHubReserve:     model.Increase(s.HubReserve),
		DeltaShares:         model.Increase(deltaShares),
		DeltaProtocolShares: model.Increase(deltaProtocol),
	}, nil
}

// MigrateAssetToSubpool moves a hub pool asset into an existing subpool.
// The share asset's hub state grows by the migrated hub reserve instead of
// a new asset being listed.
func (e *Engine) MigrateAssetToSubpool(ctx context.Context, poolID, asset model.AssetID) error {
	return e.atomic(func() error {
		ok, err := e.registry.IsSubpool(ctx, poolID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("subpools: subpool %d: %w", poolID, model.ErrNotFound)
		}
		s, err := e.nativeState(ctx, asset)
		if err != nil {
			return err
		}
		share, err := e.hub.LoadAssetState(ctx, poolID)
		if err != nil {
			return err
		}

		protocol := e.hub.ProtocolAccount()
		if err := e.stable.AddAssetToExistingPool(ctx, poolID, asset); err != nil {
			return err
		}
		if err := e.stable.MoveLiquidity(ctx, protocol, poolID, []stableswap.AssetAmount{{Asset: asset, Amount: s.Reserve}}); err != nil {
			return err
		}
		if err := e.stable.SetAssetTradability(ctx, poolID, asset, s.Tradable); err != nil {
			return err
		}
		if err := e.hub.RemoveAsset(ctx, asset); err != nil {
			return err
		}

		issuance, err := e.ledger.TotalIssuance(ctx, poolID)
		if err != nil {
			return err
		}
		ch, err := MigrationStateChange(s, share, issuance)
		if err != nil {
			return err
		}
		detail, err := MigrationDetailFor(s, ch.DeltaReserve.Amount, ch.DeltaShares.Amount)
		if err != nil {
			return err
		}
		// the hub reserve moves between assets, so no hub asset is minted
		if err := e.stable.DepositShares(ctx, protocol, poolID, ch.DeltaReserve.Amount); err != nil {
			return err
		}
		if err := e.hub.UpdateAssetState(ctx, poolID, ch); err != nil {
			return err
		}
		if err := e.registry.recordMigration(ctx, asset, model.MigrationRecord{PoolID: poolID, Detail: detail}); err != nil {
			return err
		}
		e.log.Info("asset migrated",
			zap.Uint32("pool", uint32(poolID)),
			zap.Uint32("asset", uint32(asset)),
			zap.Stringer("share_tokens", ch.DeltaReserve.Amount),
		)
		return nil
	})
}

// ConvertPosition rescales a position opened on an asset before it was
// migrated so that it references the subpool share asset at equal value.
func ConvertPosition(pos model.Position, rec model.MigrationRecord) (model.Position, error) {
	d := rec.Detail
	var c fixed.Calc
	shares := c.MulDiv(pos.Shares, d.SubpoolShares, d.Shares)
	hubValue := c.MulDiv(pos.Amount, d.Price, fixed.PriceOne)
	amount := c.MulDiv(hubValue, d.ShareTokens, d.HubReserve)
	price := c.MulDiv(c.MulDiv(pos.Price, d.HubReserve, d.ShareTokens), fixed.PriceOne, d.Price)
	if err := c.Err(); err != nil {
		return model.Position{}, err
	}
	return model.Position{
		AssetID: rec.PoolID,
		Owner:   pos.Owner,
		Amount:  amount,
		Shares:  shares,
		Price:   price,
	}, nil
}
