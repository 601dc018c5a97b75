package stableswap_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/ledger"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/stableswap"
	"github.com/atmx/hubswap-engine/internal/state"
	"github.com/atmx/hubswap-engine/internal/store"
)

const (
	poolID model.AssetID = 100
	usdA   model.AssetID = 1
	usdB   model.AssetID = 2
	usdC   model.AssetID = 3
)

type poolEnv struct {
	ctx    context.Context
	ledger *ledger.Ledger
	pools  *stableswap.Pools
	block  uint64
}

// newPoolEnv creates a two-asset pool seeded with 1,000,000 of each asset
// and shares equal to D held by "lp".
func newPoolEnv(t *testing.T, tradeFee, withdrawFee fixed.Permill) *poolEnv {
	t.Helper()
	env := &poolEnv{ctx: context.Background()}
	scope := state.NewScope(store.NewMemoryStore())
	env.ledger = ledger.New(scope, nil)
	env.pools = stableswap.NewPools(scope, env.ledger, func() uint64 { return env.block }, nil)

	_, err := env.pools.CreatePool(env.ctx, stableswap.CreatePoolParams{
		ID:            poolID,
		Assets:        []model.AssetID{usdA, usdB},
		Amplification: 100,
		TradeFee:      tradeFee,
		WithdrawFee:   withdrawFee,
	})
	require.NoError(t, err)

	for _, a := range []model.AssetID{usdA, usdB} {
		require.NoError(t, env.ledger.Mint(env.ctx, a, "lp", fixed.Units(1_000_000, 12)))
	}
	require.NoError(t, env.pools.MoveLiquidity(env.ctx, "lp", poolID, []stableswap.AssetAmount{
		{Asset: usdA, Amount: fixed.Units(1_000_000, 12)},
		{Asset: usdB, Amount: fixed.Units(1_000_000, 12)},
	}))
	require.NoError(t, env.pools.DepositShares(env.ctx, "lp", poolID, fixed.Units(2_000_000, 18)))
	return env
}

func (e *poolEnv) balance(t *testing.T, asset model.AssetID, who model.AccountID) fixed.Uint {
	t.Helper()
	b, err := e.ledger.FreeBalance(e.ctx, asset, who)
	require.NoError(t, err)
	return b
}

func TestCreatePool_Validation(t *testing.T) {
	env := newPoolEnv(t, 0, 0)

	cases := []stableswap.CreatePoolParams{
		{ID: 200, Assets: []model.AssetID{usdA}, Amplification: 100},
		{ID: 200, Assets: []model.AssetID{usdA, usdA}, Amplification: 100},
		{ID: 200, Assets: []model.AssetID{usdA, 200}, Amplification: 100},
		{ID: 200, Assets: []model.AssetID{usdA, usdB}, Amplification: 1},
		{ID: 200, Assets: []model.AssetID{usdA, usdB}, Amplification: 20_000},
		{ID: 200, Assets: []model.AssetID{usdA, usdB}, Amplification: 100, TradeFee: fixed.PermillOne + 1},
		{ID: 200, Assets: []model.AssetID{1, 2, 3, 4, 5, 6}, Amplification: 100},
	}
	for _, c := range cases {
		_, err := env.pools.CreatePool(env.ctx, c)
		require.ErrorIs(t, err, stableswap.ErrInvalidPool, "%+v", c)
	}

	_, err := env.pools.CreatePool(env.ctx, stableswap.CreatePoolParams{
		ID: poolID, Assets: []model.AssetID{usdA, usdC}, Amplification: 100,
	})
	require.ErrorIs(t, err, stableswap.ErrPoolExists)

	_, err = env.pools.GetPool(env.ctx, 999)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestPools_DecimalsFromLedger(t *testing.T) {
	env := newPoolEnv(t, 0, 0)
	require.NoError(t, env.ledger.RegisterAsset(env.ctx, ledger.Asset{ID: 7, Symbol: "USDC", Decimals: 6}))

	pool, err := env.pools.CreatePool(env.ctx, stableswap.CreatePoolParams{
		ID: 300, Assets: []model.AssetID{7, usdC}, Amplification: 50,
	})
	require.NoError(t, err)
	require.Equal(t, []uint8{6, ledger.DefaultDecimals}, pool.Decimals)
}

func TestPools_Sell(t *testing.T) {
	env := newPoolEnv(t, fixed.Permill(3000), 0)
	require.NoError(t, env.ledger.Mint(env.ctx, usdA, "alice", fixed.Units(1000, 12)))

	res, err := env.pools.Sell(env.ctx, "alice", poolID, usdA, usdB, fixed.Units(1000, 12), fixed.Units(990, 12))
	require.NoError(t, err)
	require.True(t, res.Fee.Gt(fixed.Zero))
	require.True(t, res.AmountOut.Lt(fixed.Units(997, 12)), "0.3%% fee must apply: %s", res.AmountOut)

	require.True(t, env.balance(t, usdA, "alice").IsZero())
	require.Equal(t, res.AmountOut, env.balance(t, usdB, "alice"))

	pool := stableswap.PoolAccount(poolID)
	require.Equal(t, fixed.Units(1_001_000, 12), env.balance(t, usdA, pool))
}

func TestPools_SellLimitLeavesBalances(t *testing.T) {
	env := newPoolEnv(t, 0, 0)
	require.NoError(t, env.ledger.Mint(env.ctx, usdA, "alice", fixed.Units(1000, 12)))

	_, err := env.pools.Sell(env.ctx, "alice", poolID, usdA, usdB, fixed.Units(1000, 12), fixed.Units(1000, 12))
	require.ErrorIs(t, err, model.ErrLimitNotReached)
	require.Equal(t, fixed.Units(1000, 12), env.balance(t, usdA, "alice"))
	require.True(t, env.balance(t, usdB, "alice").IsZero())
}

func TestPools_Buy(t *testing.T) {
	env := newPoolEnv(t, fixed.Permill(1000), 0)
	require.NoError(t, env.ledger.Mint(env.ctx, usdA, "alice", fixed.Units(2000, 12)))

	_, err := env.pools.Buy(env.ctx, "alice", poolID, usdB, usdA, fixed.Units(1000, 12), fixed.Units(1000, 12))
	require.ErrorIs(t, err, model.ErrLimitExceeded)

	res, err := env.pools.Buy(env.ctx, "alice", poolID, usdB, usdA, fixed.Units(1000, 12), fixed.Units(1100, 12))
	require.NoError(t, err)
	require.True(t, res.AmountIn.Gt(fixed.Units(1001, 12)))
	require.Equal(t, fixed.Units(1000, 12), env.balance(t, usdB, "alice"))
	require.Equal(t, sub(t, fixed.Units(2000, 12), res.AmountIn), env.balance(t, usdA, "alice"))
}

func TestPools_Tradability(t *testing.T) {
	env := newPoolEnv(t, 0, 0)
	require.NoError(t, env.ledger.Mint(env.ctx, usdA, "alice", fixed.Units(10, 12)))
	require.NoError(t, env.pools.SetAssetTradability(env.ctx, poolID, usdB, model.NewTradability(model.Sell)))

	_, err := env.pools.Sell(env.ctx, "alice", poolID, usdA, usdB, fixed.Units(10, 12), fixed.Zero)
	require.ErrorIs(t, err, model.ErrNotAllowed)

	_, err = env.pools.AddLiquidity(env.ctx, "alice", poolID, usdB, fixed.Units(1, 12))
	require.ErrorIs(t, err, model.ErrNotAllowed)

	pool, err := env.pools.GetPool(env.ctx, poolID)
	require.NoError(t, err)
	require.True(t, env.pools.IsAssetAllowed(pool, usdA, model.Buy))
	require.True(t, env.pools.IsAssetAllowed(pool, usdB, model.Sell))
	require.False(t, env.pools.IsAssetAllowed(pool, usdC, model.Sell))

	require.ErrorIs(t, env.pools.SetAssetTradability(env.ctx, poolID, usdC, model.FullyTradable()), model.ErrNotFound)
}

func TestPools_LiquidityRoundTrip(t *testing.T) {
	for _, fee := range []fixed.Permill{0, 1000} {
		env := newPoolEnv(t, 0, fee)
		deposit := fixed.Units(5000, 12)
		require.NoError(t, env.ledger.Mint(env.ctx, usdA, "alice", deposit))

		shares, err := env.pools.AddLiquidity(env.ctx, "alice", poolID, usdA, deposit)
		require.NoError(t, err)
		require.Equal(t, shares, env.balance(t, poolID, "alice"))

		out, withdrawFee, err := env.pools.RemoveLiquidityOneAsset(env.ctx, "alice", poolID, usdA, shares)
		require.NoError(t, err)
		require.True(t, out.Lte(deposit), "fee %s: withdrew %s after depositing %s", fee, out, deposit)
		require.True(t, env.balance(t, poolID, "alice").IsZero())
		require.Equal(t, out, env.balance(t, usdA, "alice"))
		if fee == 0 {
			require.True(t, withdrawFee.IsZero())
		}
	}
}

func TestPools_AddAssetToExistingPool(t *testing.T) {
	env := newPoolEnv(t, 0, 0)

	require.NoError(t, env.pools.AddAssetToExistingPool(env.ctx, poolID, usdC))
	require.ErrorIs(t, env.pools.AddAssetToExistingPool(env.ctx, poolID, usdC), stableswap.ErrAssetInPool)

	for _, a := range []model.AssetID{4, 5} {
		require.NoError(t, env.pools.AddAssetToExistingPool(env.ctx, poolID, a))
	}
	require.ErrorIs(t, env.pools.AddAssetToExistingPool(env.ctx, poolID, 6), stableswap.ErrPoolFull)

	pool, err := env.pools.GetPool(env.ctx, poolID)
	require.NoError(t, err)
	idx, err := env.pools.FindAssetIndex(pool, usdC)
	require.NoError(t, err)
	require.Equal(t, 2, idx)
}

func TestPools_UpdateAmplification(t *testing.T) {
	env := newPoolEnv(t, 0, 0)
	env.block = 10

	require.ErrorIs(t, env.pools.UpdateAmplification(env.ctx, poolID, 200, 10), stableswap.ErrInvalidRamp)
	require.ErrorIs(t, env.pools.UpdateAmplification(env.ctx, poolID, 1, 20), stableswap.ErrInvalidRamp)
	require.NoError(t, env.pools.UpdateAmplification(env.ctx, poolID, 300, 20))

	pool, err := env.pools.GetPool(env.ctx, poolID)
	require.NoError(t, err)
	require.Equal(t, uint64(100), env.pools.Amplification(pool))
	env.block = 15
	require.Equal(t, uint64(200), env.pools.Amplification(pool))
	env.block = 40
	require.Equal(t, uint64(300), env.pools.Amplification(pool))
}

func TestPools_ListPoolsAndSpotPrice(t *testing.T) {
	env := newPoolEnv(t, 0, 0)
	_, err := env.pools.CreatePool(env.ctx, stableswap.CreatePoolParams{
		ID: 20, Assets: []model.AssetID{usdA, usdC}, Amplification: 10,
	})
	require.NoError(t, err)

	pools, err := env.pools.ListPools(env.ctx)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	require.Equal(t, model.AssetID(20), pools[0].ID)
	require.Equal(t, poolID, pools[1].ID)

	price, err := env.pools.SpotPrice(env.ctx, pools[1], usdA, usdB)
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(1)), "price %s", price)
}
