package omnipool_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/ledger"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/omnipool"
	"github.com/atmx/hubswap-engine/internal/state"
	"github.com/atmx/hubswap-engine/internal/store"
)

const (
	hub model.AssetID = 1
	dot model.AssetID = 10
	usd model.AssetID = 20
)

func units(n uint64) fixed.Uint { return fixed.Units(n, 12) }

type hubEnv struct {
	ctx    context.Context
	ledger *ledger.Ledger
	pool   *omnipool.Pool
}

// newHubEnv bootstraps DOT (1,000,000 at price 0.5) and USD (2,000,000 at
// price 1) owned by "owner".
func newHubEnv(t *testing.T, assetFee, protocolFee fixed.Permill) *hubEnv {
	t.Helper()
	env := &hubEnv{ctx: context.Background()}
	scope := state.NewScope(store.NewMemoryStore())
	env.ledger = ledger.New(scope, nil)
	env.pool = omnipool.New(scope, env.ledger, omnipool.Params{
		HubAsset:    hub,
		AssetFee:    assetFee,
		ProtocolFee: protocolFee,
	}, nil)

	require.NoError(t, env.ledger.Mint(env.ctx, dot, "owner", units(1_000_000)))
	require.NoError(t, env.ledger.Mint(env.ctx, usd, "owner", units(2_000_000)))

	half := fixed.MustFromString("500000000000000000")
	_, err := env.pool.AddToken(env.ctx, omnipool.AddTokenParams{Asset: dot, Amount: units(1_000_000), Price: half, Cap: fixed.PermillOne, Owner: "owner"})
	require.NoError(t, err)
	_, err = env.pool.AddToken(env.ctx, omnipool.AddTokenParams{Asset: usd, Amount: units(2_000_000), Price: fixed.PriceOne, Cap: fixed.PermillOne, Owner: "owner"})
	require.NoError(t, err)
	return env
}

func (e *hubEnv) balance(t *testing.T, asset model.AssetID, who model.AccountID) fixed.Uint {
	t.Helper()
	b, err := e.ledger.FreeBalance(e.ctx, asset, who)
	require.NoError(t, err)
	return b
}

func (e *hubEnv) state(t *testing.T, asset model.AssetID) model.AssetState {
	t.Helper()
	s, err := e.pool.LoadAssetState(e.ctx, asset)
	require.NoError(t, err)
	return s
}

// requireHubBacked checks the protocol's hub asset equals the sum of hub
// reserves.
func (e *hubEnv) requireHubBacked(t *testing.T) {
	t.Helper()
	ids, err := e.pool.ListAssets(e.ctx)
	require.NoError(t, err)
	sum := fixed.Zero
	for _, id := range ids {
		sum, err = sum.Add(e.state(t, id).HubReserve)
		require.NoError(t, err)
	}
	require.Equal(t, sum, e.balance(t, hub, omnipool.ProtocolAccount))
}

func TestAddToken(t *testing.T) {
	env := newHubEnv(t, 0, 0)

	s := env.state(t, dot)
	require.Equal(t, units(1_000_000), s.Reserve)
	require.Equal(t, units(500_000), s.HubReserve)
	require.Equal(t, units(1_000_000), s.Shares)
	require.True(t, s.Tradable.Equal(model.FullyTradable()))

	pos, err := env.pool.LoadPosition(env.ctx, 1, "owner")
	require.NoError(t, err)
	require.Equal(t, dot, pos.AssetID)
	require.Equal(t, fixed.MustFromString("500000000000000000"), pos.Price)

	ids, err := env.pool.ListAssets(env.ctx)
	require.NoError(t, err)
	require.Equal(t, []model.AssetID{dot, usd}, ids)
	env.requireHubBacked(t)

	_, err = env.pool.AddToken(env.ctx, omnipool.AddTokenParams{Asset: dot, Amount: units(1), Price: fixed.PriceOne, Cap: fixed.PermillOne, Owner: "owner"})
	require.ErrorIs(t, err, omnipool.ErrAssetExists)
	require.ErrorIs(t, env.pool.AddAsset(env.ctx, hub, model.AssetState{}), omnipool.ErrInvalidParams)
}

func TestSellStateChange_NoFees(t *testing.T) {
	in := model.AssetState{Reserve: units(1000), HubReserve: units(500)}
	out := model.AssetState{Reserve: units(2000), HubReserve: units(2000)}

	ch, err := omnipool.SellStateChange(in, out, units(100), 0, 0, model.Imbalance{})
	require.NoError(t, err)
	require.Equal(t, units(100), ch.AssetIn.DeltaReserve.Amount)
	require.Equal(t, ch.AssetIn.DeltaHubReserve.Amount, ch.AssetOut.DeltaHubReserve.Amount)
	require.True(t, ch.AssetIn.DeltaHubReserve.Decrease)
	require.True(t, ch.AssetOut.DeltaReserve.Decrease)
	require.True(t, ch.Fees.Asset.IsZero())
	require.True(t, ch.Fees.Protocol.IsZero())
	// 100 at price 0.5 is worth 50 USD before slippage
	require.True(t, ch.AssetOut.DeltaReserve.Amount.Lt(units(50)))
	require.True(t, ch.AssetOut.DeltaReserve.Amount.Gt(units(44)))
}

func TestSellStateChange_Fees(t *testing.T) {
	in := model.AssetState{Reserve: units(1000), HubReserve: units(500)}
	out := model.AssetState{Reserve: units(2000), HubReserve: units(2000)}
	imbalance := model.Imbalance{Value: fixed.FromUint64(5)}

	noFee, err := omnipool.SellStateChange(in, out, units(100), 0, 0, imbalance)
	require.NoError(t, err)
	ch, err := omnipool.SellStateChange(in, out, units(100), 3000, 1000, imbalance)
	require.NoError(t, err)

	require.True(t, ch.Fees.Asset.Gt(fixed.Zero))
	require.True(t, ch.Fees.Protocol.Gt(fixed.Zero))
	hubDiff, err := ch.AssetIn.DeltaHubReserve.Amount.Sub(ch.AssetOut.DeltaHubReserve.Amount)
	require.NoError(t, err)
	require.Equal(t, ch.Fees.Protocol, hubDiff)
	require.True(t, ch.AssetOut.DeltaReserve.Amount.Lt(noFee.AssetOut.DeltaReserve.Amount))
	// imbalance pay-down is capped by the imbalance
	require.Equal(t, model.Decrease(fixed.FromUint64(5)), ch.DeltaImbalance)
}

func TestBuyStateChange_InvertsSell(t *testing.T) {
	in := model.AssetState{Reserve: units(1000), HubReserve: units(500)}
	out := model.AssetState{Reserve: units(2000), HubReserve: units(2000)}

	for _, fees := range [][2]fixed.Permill{{0, 0}, {2500, 500}} {
		sell, err := omnipool.SellStateChange(in, out, units(100), fees[0], fees[1], model.Imbalance{})
		require.NoError(t, err)
		buy, err := omnipool.BuyStateChange(in, out, sell.AssetOut.DeltaReserve.Amount, fees[0], fees[1], model.Imbalance{})
		require.NoError(t, err)

		require.True(t, fixed.AbsDiff(buy.AssetIn.DeltaReserve.Amount, units(100)).Lte(fixed.FromUint64(20)),
			"fees %v: buy cost %s for sell of %s", fees, buy.AssetIn.DeltaReserve.Amount, units(100))
	}

	_, err := omnipool.BuyStateChange(in, out, units(2000), 0, 0, model.Imbalance{})
	require.ErrorIs(t, err, model.ErrMath)
}

func TestHubAssetStateChanges(t *testing.T) {
	out := model.AssetState{Reserve: units(2000), HubReserve: units(2000)}

	sell, err := omnipool.SellHubStateChange(out, units(10), 0)
	require.NoError(t, err)
	require.Equal(t, units(10), sell.Asset.DeltaHubReserve.Amount)
	require.Equal(t, model.Increase(units(10)), sell.DeltaImbalance)
	require.True(t, sell.Asset.DeltaReserve.Amount.Lt(units(10)))

	buy, err := omnipool.BuyForHubStateChange(out, sell.Asset.DeltaReserve.Amount, 0)
	require.NoError(t, err)
	require.True(t, fixed.AbsDiff(buy.Asset.DeltaHubReserve.Amount, units(10)).Lte(fixed.FromUint64(2)))
}

func TestPoolSell(t *testing.T) {
	env := newHubEnv(t, 2500, 500)
	require.NoError(t, env.ledger.Mint(env.ctx, dot, "alice", units(100)))

	_, err := env.pool.Sell(env.ctx, "alice", dot, usd, units(100), units(50))
	require.ErrorIs(t, err, model.ErrLimitNotReached)
	require.Equal(t, units(100), env.balance(t, dot, "alice"))

	res, err := env.pool.Sell(env.ctx, "alice", dot, usd, units(100), units(49))
	require.NoError(t, err)
	require.True(t, res.Fee.Gt(fixed.Zero))
	require.True(t, env.balance(t, dot, "alice").IsZero())
	require.Equal(t, res.AmountOut, env.balance(t, usd, "alice"))
	require.Equal(t, units(1_000_100), env.state(t, dot).Reserve)
	env.requireHubBacked(t)
}

func TestPoolBuy(t *testing.T) {
	env := newHubEnv(t, 2500, 500)
	require.NoError(t, env.ledger.Mint(env.ctx, dot, "alice", units(1000)))

	_, err := env.pool.Buy(env.ctx, "alice", usd, dot, units(100), units(100))
	require.ErrorIs(t, err, model.ErrLimitExceeded)

	res, err := env.pool.Buy(env.ctx, "alice", usd, dot, units(100), units(300))
	require.NoError(t, err)
	require.True(t, res.AmountIn.Gt(units(200)), "DOT at 0.5 costs more than 200 for 100 USD: %s", res.AmountIn)
	require.Equal(t, units(100), env.balance(t, usd, "alice"))
	env.requireHubBacked(t)
}

func TestPoolTradeRules(t *testing.T) {
	env := newHubEnv(t, 0, 0)
	require.NoError(t, env.ledger.Mint(env.ctx, hub, "alice", units(100)))
	require.NoError(t, env.ledger.Mint(env.ctx, dot, "alice", units(100)))

	_, err := env.pool.Sell(env.ctx, "alice", dot, hub, units(1), fixed.Zero)
	require.ErrorIs(t, err, model.ErrNotAllowed)
	_, err = env.pool.Buy(env.ctx, "alice", hub, dot, units(1), units(100))
	require.ErrorIs(t, err, model.ErrNotAllowed)
	_, err = env.pool.Sell(env.ctx, "alice", dot, dot, units(1), fixed.Zero)
	require.ErrorIs(t, err, model.ErrNotAllowed)
	_, err = env.pool.Sell(env.ctx, "alice", dot, usd, fixed.Zero, fixed.Zero)
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = env.pool.Sell(env.ctx, "alice", dot, 99, units(1), fixed.Zero)
	require.ErrorIs(t, err, model.ErrNotFound)

	res, err := env.pool.Sell(env.ctx, "alice", hub, usd, units(10), fixed.Zero)
	require.NoError(t, err)
	require.True(t, res.AmountOut.Gt(fixed.Zero))
	im, err := env.pool.CurrentImbalance(env.ctx)
	require.NoError(t, err)
	require.Equal(t, units(10), im.Value)
	env.requireHubBacked(t)

	require.NoError(t, env.pool.SetTradability(env.ctx, hub, model.NewTradability()))
	_, err = env.pool.Sell(env.ctx, "alice", hub, usd, units(10), fixed.Zero)
	require.ErrorIs(t, err, model.ErrNotAllowed)

	require.NoError(t, env.pool.SetTradability(env.ctx, usd, model.NewTradability(model.Sell)))
	_, err = env.pool.Sell(env.ctx, "alice", dot, usd, units(1), fixed.Zero)
	require.ErrorIs(t, err, model.ErrNotAllowed)
}

func TestAddLiquidity(t *testing.T) {
	env := newHubEnv(t, 0, 0)
	require.NoError(t, env.ledger.Mint(env.ctx, dot, "lp", units(1000)))

	id, err := env.pool.AddLiquidity(env.ctx, "lp", dot, units(1000))
	require.NoError(t, err)

	pos, err := env.pool.LoadPosition(env.ctx, id, "lp")
	require.NoError(t, err)
	require.Equal(t, units(1000), pos.Shares)
	require.Equal(t, units(1000), pos.Amount)

	s := env.state(t, dot)
	require.Equal(t, units(1_001_000), s.Reserve)
	require.Equal(t, units(500_500), s.HubReserve)
	env.requireHubBacked(t)

	_, err = env.pool.LoadPosition(env.ctx, id, "mallory")
	require.ErrorIs(t, err, model.ErrNotAllowed)
	_, err = env.pool.LoadPosition(env.ctx, 999, "lp")
	require.ErrorIs(t, err, model.ErrNotFound)

	positions, err := env.pool.PositionsOf(env.ctx, "lp")
	require.NoError(t, err)
	require.Len(t, positions, 1)
}

func TestAddLiquidity_WeightCap(t *testing.T) {
	env := newHubEnv(t, 0, 0)
	// DOT holds 500,000 of 2,500,000 hub: 20%
	s := env.state(t, dot)
	s.Cap = fixed.PermillFromPercent(20)
	require.NoError(t, env.pool.RemoveAsset(env.ctx, dot))
	require.NoError(t, env.pool.AddAsset(env.ctx, dot, s))

	require.NoError(t, env.ledger.Mint(env.ctx, dot, "lp", units(1000)))
	_, err := env.pool.AddLiquidity(env.ctx, "lp", dot, units(1000))
	require.ErrorIs(t, err, model.ErrWeightCapExceeded)
	require.Equal(t, units(1000), env.balance(t, dot, "lp"))
}

func TestRemoveLiquidity_SamePrice(t *testing.T) {
	env := newHubEnv(t, 0, 0)
	require.NoError(t, env.ledger.Mint(env.ctx, dot, "lp", units(1000)))
	id, err := env.pool.AddLiquidity(env.ctx, "lp", dot, units(1000))
	require.NoError(t, err)

	half, err := env.pool.RemoveLiquidity(env.ctx, "lp", id, units(400))
	require.NoError(t, err)
	require.Equal(t, units(400), half.AmountOut)
	require.True(t, half.HubOut.IsZero())

	pos, err := env.pool.LoadPosition(env.ctx, id, "lp")
	require.NoError(t, err)
	require.Equal(t, units(600), pos.Shares)
	require.Equal(t, units(600), pos.Amount)

	_, err = env.pool.RemoveLiquidity(env.ctx, "lp", id, units(601))
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = env.pool.RemoveLiquidity(env.ctx, "mallory", id, units(1))
	require.ErrorIs(t, err, model.ErrNotAllowed)

	_, err = env.pool.RemoveLiquidity(env.ctx, "lp", id, units(600))
	require.NoError(t, err)
	require.Equal(t, units(1000), env.balance(t, dot, "lp"))
	_, err = env.pool.Position(env.ctx, id)
	require.ErrorIs(t, err, model.ErrNotFound)
	env.requireHubBacked(t)
}

func TestRemoveLiquidity_PriceMoves(t *testing.T) {
	t.Run("price rose pays hub asset", func(t *testing.T) {
		env := newHubEnv(t, 0, 0)
		require.NoError(t, env.ledger.Mint(env.ctx, dot, "lp", units(1000)))
		id, err := env.pool.AddLiquidity(env.ctx, "lp", dot, units(1000))
		require.NoError(t, err)

		// buying DOT raises its price
		require.NoError(t, env.ledger.Mint(env.ctx, usd, "trader", units(100_000)))
		_, err = env.pool.Sell(env.ctx, "trader", usd, dot, units(100_000), fixed.Zero)
		require.NoError(t, err)

		res, err := env.pool.RemoveLiquidity(env.ctx, "lp", id, units(1000))
		require.NoError(t, err)
		require.True(t, res.HubOut.Gt(fixed.Zero))
		require.True(t, res.AmountOut.Lt(units(1000)))
		require.Equal(t, res.HubOut, env.balance(t, hub, "lp"))
		require.True(t, env.state(t, dot).ProtocolShares.IsZero())
		env.requireHubBacked(t)
	})

	t.Run("price fell moves shares to protocol", func(t *testing.T) {
		env := newHubEnv(t, 0, 0)
		require.NoError(t, env.ledger.Mint(env.ctx, dot, "lp", units(1000)))
		id, err := env.pool.AddLiquidity(env.ctx, "lp", dot, units(1000))
		require.NoError(t, err)

		require.NoError(t, env.ledger.Mint(env.ctx, dot, "trader", units(100_000)))
		_, err = env.pool.Sell(env.ctx, "trader", dot, usd, units(100_000), fixed.Zero)
		require.NoError(t, err)

		res, err := env.pool.RemoveLiquidity(env.ctx, "lp", id, units(1000))
		require.NoError(t, err)
		require.True(t, res.HubOut.IsZero())
		require.True(t, env.state(t, dot).ProtocolShares.Gt(fixed.Zero))
		env.requireHubBacked(t)
	})
}

func TestImbalancePaidDownByProtocolFee(t *testing.T) {
	env := newHubEnv(t, 0, fixed.PermillFromPercent(1))
	require.NoError(t, env.ledger.Mint(env.ctx, hub, "alice", units(10)))
	require.NoError(t, env.ledger.Mint(env.ctx, dot, "alice", units(100)))

	_, err := env.pool.Sell(env.ctx, "alice", hub, usd, units(10), fixed.Zero)
	require.NoError(t, err)
	im, err := env.pool.CurrentImbalance(env.ctx)
	require.NoError(t, err)
	require.Equal(t, units(10), im.Value)

	// selling 100 DOT at 0.5 carries a protocol fee of about 0.5 hub asset
	res, err := env.pool.Sell(env.ctx, "alice", dot, usd, units(100), fixed.Zero)
	require.NoError(t, err)
	require.True(t, res.AmountOut.Gt(fixed.Zero))
	im, err = env.pool.CurrentImbalance(env.ctx)
	require.NoError(t, err)
	require.True(t, im.Value.Lt(units(10)), "imbalance %s", im.Value)
	require.True(t, im.Value.Gt(units(9)), "imbalance %s", im.Value)
	env.requireHubBacked(t)

	data, err := json.Marshal(im)
	require.NoError(t, err)
	require.JSONEq(t, `{"value":"`+im.Value.String()+`"}`, string(data))
}
