package subpools_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/subpools"
)

func TestAddLiquidity_Native(t *testing.T) {
	env := newEngineEnv(t, 0, 0).withSubpools(t)
	env.fund(t, "lp", dot, units(1000))

	res, err := env.engine.AddLiquidity(env.ctx, "lp", dot, units(1000))
	require.NoError(t, err)
	require.Equal(t, model.RouteHub, res.Route)

	pos, err := env.hub.LoadPosition(env.ctx, res.PositionID, "lp")
	require.NoError(t, err)
	require.Equal(t, dot, pos.AssetID)
	env.requireConsistent(t)
}

func TestAddLiquidity_MigratedAssetKeepsShareValue(t *testing.T) {
	env := newEngineEnv(t, 0, 0).withSubpools(t)
	env.fund(t, "lp", usdA, units(1000))

	before := env.state(t, pool1)
	gapBefore, err := before.Reserve.Sub(before.Shares)
	require.NoError(t, err)

	res, err := env.engine.AddLiquidity(env.ctx, "lp", usdA, units(1000))
	require.NoError(t, err)
	require.Equal(t, model.RouteMixed, res.Route)
	require.True(t, res.AmountOut.Gt(fixed.Zero))

	after := env.state(t, pool1)
	gapAfter, err := after.Reserve.Sub(after.Shares)
	require.NoError(t, err)
	require.Equal(t, gapBefore, gapAfter)
	require.True(t, after.Reserve.Gt(before.Reserve))

	pos, err := env.hub.LoadPosition(env.ctx, res.PositionID, "lp")
	require.NoError(t, err)
	require.Equal(t, pool1, pos.AssetID)
	require.Equal(t, res.AmountOut, pos.Amount)
	require.True(t, env.balance(t, pool1, "lp").IsZero(), "shares belong to the hub pool")
	require.True(t, env.balance(t, usdA, "lp").IsZero())
	env.requireConsistent(t)
}

func TestAddLiquidityStable(t *testing.T) {
	env := newEngineEnv(t, 0, 0).withSubpools(t)
	env.fund(t, "lp", usdA, units(2000))
	env.fund(t, "lp", dot, units(10))

	_, err := env.engine.AddLiquidityStable(env.ctx, "lp", dot, units(10), true)
	require.ErrorIs(t, err, model.ErrNotStableAsset)

	kept, err := env.engine.AddLiquidityStable(env.ctx, "lp", usdA, units(1000), false)
	require.NoError(t, err)
	require.Equal(t, model.RouteStable, kept.Route)
	require.Zero(t, kept.PositionID)
	require.Equal(t, kept.AmountOut, env.balance(t, pool1, "lp"))

	listed, err := env.engine.AddLiquidityStable(env.ctx, "lp", usdA, units(1000), true)
	require.NoError(t, err)
	require.Equal(t, model.RouteMixed, listed.Route)
	require.NotZero(t, listed.PositionID)
	require.Equal(t, kept.AmountOut, env.balance(t, pool1, "lp"))
	env.requireConsistent(t)
}

func TestRemoveLiquidity_Native(t *testing.T) {
	env := newEngineEnv(t, 0, 0).withSubpools(t)

	res, err := env.engine.RemoveLiquidity(env.ctx, "owner", env.positions[dot], units(1000), nil)
	require.NoError(t, err)
	require.Equal(t, model.RouteHub, res.Route)
	require.Equal(t, units(1000), res.AmountOut)
	require.Equal(t, units(1000), env.balance(t, dot, "owner"))
	env.requireConsistent(t)
}

func TestRemoveLiquidity_WithdrawAssetRequired(t *testing.T) {
	env := newEngineEnv(t, 0, 0).withSubpools(t)
	id := env.positions[usdA]

	_, err := env.engine.RemoveLiquidity(env.ctx, "owner", id, units(1000), nil)
	require.ErrorIs(t, err, model.ErrWithdrawAssetNotSpecified)

	// the failed call leaves the position unconverted
	pos, err := env.hub.LoadPosition(env.ctx, id, "owner")
	require.NoError(t, err)
	require.Equal(t, usdA, pos.AssetID)

	other := usdB
	_, err = env.engine.RemoveLiquidity(env.ctx, "mallory", id, units(1000), &other)
	require.ErrorIs(t, err, model.ErrNotAllowed)
}

func TestRemoveLiquidity_ConvertsMigratedPosition(t *testing.T) {
	env := newEngineEnv(t, 0, 0).withSubpools(t)
	id := env.positions[usdA]
	withdraw := usdA

	res, err := env.engine.RemoveLiquidity(env.ctx, "owner", id, units(100_000), &withdraw)
	require.NoError(t, err)
	require.Equal(t, model.RouteMixed, res.Route)
	require.True(t, res.HubOut.IsZero())
	require.True(t, res.AmountOut.Lt(units(100_000)), "single-asset withdrawal pays a curve penalty: %s", res.AmountOut)
	require.True(t, res.AmountOut.Gt(units(98_000)), "out %s", res.AmountOut)
	require.Equal(t, res.AmountOut, env.balance(t, usdA, "owner"))
	require.True(t, env.balance(t, pool1, "owner").IsZero())

	pos, err := env.hub.LoadPosition(env.ctx, id, "owner")
	require.NoError(t, err)
	require.Equal(t, pool1, pos.AssetID)
	require.Equal(t, units(900_000), pos.Shares)
	require.Equal(t, units(900_000), pos.Amount)
	require.Equal(t, fixed.PriceOne, pos.Price)

	// already converted: a second removal leaves the terms alone
	_, err = env.engine.RemoveLiquidity(env.ctx, "owner", id, units(100_000), &withdraw)
	require.NoError(t, err)
	pos, err = env.hub.LoadPosition(env.ctx, id, "owner")
	require.NoError(t, err)
	require.Equal(t, units(800_000), pos.Shares)
	env.requireConsistent(t)
}

func TestConvertPosition(t *testing.T) {
	rec := model.MigrationRecord{
		PoolID: pool1,
		Detail: model.MigrationDetail{
			Price:         price("2"),
			Shares:        fixed.FromUint64(1000),
			HubReserve:    fixed.FromUint64(2000),
			ShareTokens:   fixed.FromUint64(500),
			SubpoolShares: fixed.FromUint64(400),
		},
	}
	pos := model.Position{AssetID: usdA, Owner: "lp", Amount: fixed.FromUint64(100), Shares: fixed.FromUint64(50), Price: price("2")}

	got, err := subpools.ConvertPosition(pos, rec)
	require.NoError(t, err)
	require.Equal(t, model.Position{
		AssetID: pool1,
		Owner:   "lp",
		Amount:  fixed.FromUint64(50), // 100 at price 2 is 200 hub, 4 hub per share token
		Shares:  fixed.FromUint64(20),
		Price:   price("4"),
	}, got)

	rec.Detail.Shares = fixed.Zero
	_, err = subpools.ConvertPosition(pos, rec)
	require.ErrorIs(t, err, model.ErrMath)
}

func TestRegistry_Inspection(t *testing.T) {
	env := newEngineEnv(t, 0, 0).withSubpools(t)

	ids, err := env.registry.SortedSubpools(env.ctx)
	require.NoError(t, err)
	require.Equal(t, []model.AssetID{pool1, pool2}, ids)

	all, err := env.registry.Migrations(env.ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, pool2, all[usdD].PoolID)

	_, ok, err := env.registry.Migration(env.ctx, dot)
	require.NoError(t, err)
	require.False(t, ok)
}
