package stableswap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
	"github.com/atmx/hubswap-engine/internal/state"
)

var (
	ErrPoolExists      = errors.New("stableswap: pool already exists")
	ErrInvalidPool     = errors.New("stableswap: invalid pool parameters")
	ErrAssetInPool     = errors.New("stableswap: asset already in pool")
	ErrPoolFull        = errors.New("stableswap: pool holds the maximum number of assets")
	ErrInvalidRamp     = errors.New("stableswap: invalid amplification ramp")
	ErrZeroShares      = fmt.Errorf("%w: deposit mints no shares", model.ErrInvalidAmount)
	ErrAssetNotInPool  = fmt.Errorf("stableswap: asset not in pool: %w", model.ErrNotFound)
	errPoolKeyNotFound = fmt.Errorf("stableswap: pool: %w", model.ErrNotFound)
)

// Ledger is the subset of the ledger the stable pools need.
type Ledger interface {
	Transfer(ctx context.Context, asset model.AssetID, from, to model.AccountID, amount fixed.Uint) error
	Mint(ctx context.Context, asset model.AssetID, to model.AccountID, amount fixed.Uint) error
	Burn(ctx context.Context, asset model.AssetID, from model.AccountID, amount fixed.Uint) error
	FreeBalance(ctx context.Context, asset model.AssetID, who model.AccountID) (fixed.Uint, error)
	TotalIssuance(ctx context.Context, asset model.AssetID) (fixed.Uint, error)
	Decimals(ctx context.Context, asset model.AssetID) (uint8, error)
}

// Pools manages stable pool configuration and executes stable pool
// operations against the ledger. Pool balances are the ledger balances of
// the pool account; share issuance is the total issuance of the pool id.
type Pools struct {
	rw     state.ReadWriter
	ledger Ledger
	block  BlockFunc
	log    *zap.Logger
}

// NewPools creates the stable pool collaborator. block supplies the current
// block for amplification ramps; nil means block 0.
func NewPools(rw state.ReadWriter, l Ledger, block BlockFunc, log *zap.Logger) *Pools {
	if block == nil {
		block = FixedBlock(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pools{rw: rw, ledger: l, block: block, log: log}
}

const poolPrefix = "stableswap/pool/"

func poolKey(id model.AssetID) string { return state.Key("stableswap", "pool", id) }

// PoolAccount is the ledger account holding the pool's balances.
func PoolAccount(id model.AssetID) model.AccountID {
	return model.AccountID(fmt.Sprintf("stableswap/pool/%d", id))
}

// PoolAccount is PoolAccount(pool.ID).
func (p *Pools) PoolAccount(pool model.StablePool) model.AccountID { return PoolAccount(pool.ID) }

// GetPool returns the pool with share asset id.
func (p *Pools) GetPool(ctx context.Context, id model.AssetID) (model.StablePool, error) {
	pool, ok, err := state.GetJSON[model.StablePool](ctx, p.rw, poolKey(id))
	if err != nil {
		return model.StablePool{}, err
	}
	if !ok {
		return model.StablePool{}, fmt.Errorf("%w: %d", errPoolKeyNotFound, id)
	}
	return pool, nil
}

// ListPools returns every pool ordered by id.
func (p *Pools) ListPools(ctx context.Context) ([]model.StablePool, error) {
	raw, err := p.rw.Scan(ctx, poolPrefix)
	if err != nil {
		return nil, err
	}
	pools := make([]model.StablePool, 0, len(raw))
	for k := range raw {
		pool, ok, err := state.GetJSON[model.StablePool](ctx, p.rw, k)
		if err != nil {
			return nil, fmt.Errorf("load pool %s: %w", strings.TrimPrefix(k, poolPrefix), err)
		}
		if ok {
			pools = append(pools, pool)
		}
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools, nil
}

func (p *Pools) save(ctx context.Context, pool model.StablePool) error {
	return state.PutJSON(ctx, p.rw, poolKey(pool.ID), pool)
}

// FindAssetIndex returns the position of asset in pool.
func (p *Pools) FindAssetIndex(pool model.StablePool, asset model.AssetID) (int, error) {
	idx, ok := pool.FindAsset(asset)
	if !ok {
		return 0, fmt.Errorf("%w: asset %d, pool %d", ErrAssetNotInPool, asset, pool.ID)
	}
	return idx, nil
}

// IsAssetAllowed reports whether asset may be used for c in pool. Assets
// without an explicit entry are fully tradable.
func (p *Pools) IsAssetAllowed(pool model.StablePool, asset model.AssetID, c model.Capability) bool {
	if _, ok := pool.FindAsset(asset); !ok {
		return false
	}
	t, ok := pool.Tradability[asset]
	if !ok {
		return true
	}
	return t.Contains(c)
}

// Amplification is the pool's amplification at the current block.
func (p *Pools) Amplification(pool model.StablePool) uint64 {
	return Amplification(pool, p.block())
}

// Reserves returns the pool balances in pool asset order.
func (p *Pools) Reserves(ctx context.Context, pool model.StablePool) ([]AssetReserve, error) {
	account := PoolAccount(pool.ID)
	out := make([]AssetReserve, len(pool.Assets))
	for i, asset := range pool.Assets {
		bal, err := p.ledger.FreeBalance(ctx, asset, account)
		if err != nil {
			return nil, err
		}
		out[i] = AssetReserve{Amount: bal, Decimals: pool.Decimals[i]}
	}
	return out, nil
}

// Issuance is the total issuance of the pool's share asset.
func (p *Pools) Issuance(ctx context.Context, pool model.StablePool) (fixed.Uint, error) {
	return p.ledger.TotalIssuance(ctx, pool.ID)
}

// CreatePoolParams configures a new pool.
type CreatePoolParams struct {
	ID            model.AssetID   `json:"id"`
	Assets        []model.AssetID `json:"assets"`
	Amplification uint64          `json:"amplification"`
	TradeFee      fixed.Permill   `json:"trade_fee"`
	WithdrawFee   fixed.Permill   `json:"withdraw_fee"`
}

func (c CreatePoolParams) validate() error {
	if len(c.Assets) < 2 || len(c.Assets) > MaxAssets {
		return fmt.Errorf("%w: pool needs 2 to %d assets, got %d", ErrInvalidPool, MaxAssets, len(c.Assets))
	}
	seen := make(map[model.AssetID]struct{}, len(c.Assets))
	for _, a := range c.Assets {
		if a == c.ID {
			return fmt.Errorf("%w: share asset %d listed as pool asset", ErrInvalidPool, a)
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("%w: duplicate asset %d", ErrInvalidPool, a)
		}
		seen[a] = struct{}{}
	}
	if !ValidAmplification(c.Amplification) {
		return fmt.Errorf("%w: amplification %d outside [%d, %d]", ErrInvalidPool, c.Amplification, MinAmplification, MaxAmplification)
	}
	if !c.TradeFee.Valid() || !c.WithdrawFee.Valid() {
		return fmt.Errorf("%w: fee above 100%%", ErrInvalidPool)
	}
	return nil
}

// CreatePool registers an empty pool.
func (p *Pools) CreatePool(ctx context.Context, params CreatePoolParams) (model.StablePool, error) {
	if err := params.validate(); err != nil {
		return model.StablePool{}, err
	}
	if _, ok, err := state.GetJSON[model.StablePool](ctx, p.rw, poolKey(params.ID)); err != nil {
		return model.StablePool{}, err
	} else if ok {
		return model.StablePool{}, fmt.Errorf("%w: %d", ErrPoolExists, params.ID)
	}

	decimals := make([]uint8, len(params.Assets))
	for i, a := range params.Assets {
		d, err := p.ledger.Decimals(ctx, a)
		if err != nil {
			return model.StablePool{}, err
		}
		decimals[i] = d
	}

	block := p.block()
	pool := model.StablePool{
		ID:                   params.ID,
		Assets:               append([]model.AssetID(nil), params.Assets...),
		Decimals:             decimals,
		InitialAmplification: params.Amplification,
		FinalAmplification:   params.Amplification,
		InitialBlock:         block,
		FinalBlock:           block,
		TradeFee:             params.TradeFee,
		WithdrawFee:          params.WithdrawFee,
		Tradability:          make(map[model.AssetID]model.Tradability),
	}
	if err := p.save(ctx, pool); err != nil {
		return model.StablePool{}, err
	}
	p.log.Info("stable pool created",
		zap.Uint32("pool", uint32(pool.ID)),
		zap.Any("assets", pool.Assets),
		zap.Uint64("amplification", params.Amplification),
	)
	return pool, nil
}

// AddAssetToExistingPool appends asset to the pool's asset list.
func (p *Pools) AddAssetToExistingPool(ctx context.Context, id, asset model.AssetID) error {
	pool, err := p.GetPool(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := pool.FindAsset(asset); ok || asset == id {
		return fmt.Errorf("%w: asset %d, pool %d", ErrAssetInPool, asset, id)
	}
	if len(pool.Assets) >= MaxAssets {
		return fmt.Errorf("%w: pool %d", ErrPoolFull, id)
	}
	d, err := p.ledger.Decimals(ctx, asset)
	if err != nil {
		return err
	}
	pool.Assets = append(pool.Assets, asset)
	pool.Decimals = append(pool.Decimals, d)
	return p.save(ctx, pool)
}

// SetAssetTradability replaces the capabilities of asset in the pool.
func (p *Pools) SetAssetTradability(ctx context.Context, id, asset model.AssetID, t model.Tradability) error {
	pool, err := p.GetPool(ctx, id)
	if err != nil {
		return err
	}
	if _, err := p.FindAssetIndex(pool, asset); err != nil {
		return err
	}
	if pool.Tradability == nil {
		pool.Tradability = make(map[model.AssetID]model.Tradability)
	}
	pool.Tradability[asset] = t.Clone()
	return p.save(ctx, pool)
}

// UpdateAmplification starts a ramp from the current amplification to
// final, ending at finalBlock.
func (p *Pools) UpdateAmplification(ctx context.Context, id model.AssetID, final, finalBlock uint64) error {
	pool, err := p.GetPool(ctx, id)
	if err != nil {
		return err
	}
	now := p.block()
	if !ValidAmplification(final) || finalBlock <= now {
		return fmt.Errorf("%w: final %d at block %d (now %d)", ErrInvalidRamp, final, finalBlock, now)
	}
	pool.InitialAmplification = Amplification(pool, now)
	pool.InitialBlock = now
	pool.FinalAmplification = final
	pool.FinalBlock = finalBlock
	return p.save(ctx, pool)
}

// AssetAmount is an amount of one asset.
type AssetAmount struct {
	Asset  model.AssetID `json:"asset"`
	Amount fixed.Uint    `json:"amount"`
}

// MoveLiquidity transfers reserves from an external account straight into
// the pool account without minting shares. Used when migrating reserves.
func (p *Pools) MoveLiquidity(ctx context.Context, from model.AccountID, id model.AssetID, amounts []AssetAmount) error {
	pool, err := p.GetPool(ctx, id)
	if err != nil {
		return err
	}
	account := PoolAccount(id)
	for _, a := range amounts {
		if _, err := p.FindAssetIndex(pool, a.Asset); err != nil {
			return err
		}
		if err := p.ledger.Transfer(ctx, a.Asset, from, account, a.Amount); err != nil {
			return err
		}
	}
	return nil
}

// DepositShares mints pool shares to who without a matching deposit.
func (p *Pools) DepositShares(ctx context.Context, who model.AccountID, id model.AssetID, amount fixed.Uint) error {
	if _, err := p.GetPool(ctx, id); err != nil {
		return err
	}
	return p.ledger.Mint(ctx, id, who, amount)
}

// AddLiquidity deposits amount of asset for who and mints shares.
func (p *Pools) AddLiquidity(ctx context.Context, who model.AccountID, id, asset model.AssetID, amount fixed.Uint) (fixed.Uint, error) {
	if amount.IsZero() {
		return fixed.Zero, model.ErrInvalidAmount
	}
	pool, err := p.GetPool(ctx, id)
	if err != nil {
		return fixed.Zero, err
	}
	idx, err := p.FindAssetIndex(pool, asset)
	if err != nil {
		return fixed.Zero, err
	}
	if !p.IsAssetAllowed(pool, asset, model.AddLiquidity) {
		return fixed.Zero, fmt.Errorf("%w: add liquidity of asset %d", model.ErrNotAllowed, asset)
	}
	reserves, err := p.Reserves(ctx, pool)
	if err != nil {
		return fixed.Zero, err
	}
	issuance, err := p.Issuance(ctx, pool)
	if err != nil {
		return fixed.Zero, err
	}
	shares, err := SharesForDeposit(reserves, idx, amount, p.Amplification(pool), issuance)
	if err != nil {
		return fixed.Zero, err
	}
	if shares.IsZero() {
		return fixed.Zero, ErrZeroShares
	}
	if err := p.ledger.Transfer(ctx, asset, who, PoolAccount(id), amount); err != nil {
		return fixed.Zero, err
	}
	if err := p.ledger.Mint(ctx, id, who, shares); err != nil {
		return fixed.Zero, err
	}
	p.log.Debug("stable liquidity added",
		zap.Uint32("pool", uint32(id)),
		zap.Uint32("asset", uint32(asset)),
		zap.Stringer("amount", amount),
		zap.Stringer("shares", shares),
	)
	return shares, nil
}

// RemoveLiquidityOneAsset burns shares of who and pays out asset. It
// returns the net amount paid and the withdraw fee kept by the pool.
func (p *Pools) RemoveLiquidityOneAsset(ctx context.Context, who model.AccountID, id, asset model.AssetID, shares fixed.Uint) (fixed.Uint, fixed.Uint, error) {
	if shares.IsZero() {
		return fixed.Zero, fixed.Zero, model.ErrInvalidAmount
	}
	pool, err := p.GetPool(ctx, id)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	idx, err := p.FindAssetIndex(pool, asset)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	if !p.IsAssetAllowed(pool, asset, model.RemoveLiquidity) {
		return fixed.Zero, fixed.Zero, fmt.Errorf("%w: remove liquidity of asset %d", model.ErrNotAllowed, asset)
	}
	reserves, err := p.Reserves(ctx, pool)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	issuance, err := p.Issuance(ctx, pool)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	amount, fee, err := WithdrawOneAsset(reserves, shares, idx, issuance, p.Amplification(pool), pool.WithdrawFee)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	if err := p.ledger.Burn(ctx, id, who, shares); err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	if err := p.ledger.Transfer(ctx, asset, PoolAccount(id), who, amount); err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	return amount, fee, nil
}

// TradeResult is the outcome of a stable pool trade.
type TradeResult struct {
	AmountIn  fixed.Uint `json:"amount_in"`
	AmountOut fixed.Uint `json:"amount_out"`
	Fee       fixed.Uint `json:"fee"`
}

func (p *Pools) tradeSetup(ctx context.Context, id, assetIn, assetOut model.AssetID) (model.StablePool, []AssetReserve, int, int, error) {
	pool, err := p.GetPool(ctx, id)
	if err != nil {
		return model.StablePool{}, nil, 0, 0, err
	}
	idxIn, err := p.FindAssetIndex(pool, assetIn)
	if err != nil {
		return model.StablePool{}, nil, 0, 0, err
	}
	idxOut, err := p.FindAssetIndex(pool, assetOut)
	if err != nil {
		return model.StablePool{}, nil, 0, 0, err
	}
	if idxIn == idxOut {
		return model.StablePool{}, nil, 0, 0, fmt.Errorf("%w: cannot trade asset %d for itself", model.ErrNotAllowed, assetIn)
	}
	if !p.IsAssetAllowed(pool, assetIn, model.Sell) || !p.IsAssetAllowed(pool, assetOut, model.Buy) {
		return model.StablePool{}, nil, 0, 0, fmt.Errorf("%w: %d -> %d in pool %d", model.ErrNotAllowed, assetIn, assetOut, id)
	}
	reserves, err := p.Reserves(ctx, pool)
	if err != nil {
		return model.StablePool{}, nil, 0, 0, err
	}
	return pool, reserves, idxIn, idxOut, nil
}

// QuoteSell computes a sell without executing it. The trade fee is taken
// from the amount out.
func (p *Pools) QuoteSell(ctx context.Context, id, assetIn, assetOut model.AssetID, amountIn fixed.Uint) (TradeResult, error) {
	pool, reserves, idxIn, idxOut, err := p.tradeSetup(ctx, id, assetIn, assetOut)
	if err != nil {
		return TradeResult{}, err
	}
	out, err := OutGivenIn(reserves, idxIn, idxOut, amountIn, p.Amplification(pool))
	if err != nil {
		return TradeResult{}, err
	}
	fee, err := pool.TradeFee.MulCeil(out)
	if err != nil {
		return TradeResult{}, err
	}
	net, err := out.Sub(fee)
	if err != nil {
		return TradeResult{}, err
	}
	return TradeResult{AmountIn: amountIn, AmountOut: net, Fee: fee}, nil
}

// QuoteBuy computes a buy without executing it. The trade fee is added to
// the amount in.
func (p *Pools) QuoteBuy(ctx context.Context, id, assetOut, assetIn model.AssetID, amountOut fixed.Uint) (TradeResult, error) {
	pool, reserves, idxIn, idxOut, err := p.tradeSetup(ctx, id, assetIn, assetOut)
	if err != nil {
		return TradeResult{}, err
	}
	in, err := InGivenOut(reserves, idxIn, idxOut, amountOut, p.Amplification(pool))
	if err != nil {
		return TradeResult{}, err
	}
	fee, err := pool.TradeFee.MulCeil(in)
	if err != nil {
		return TradeResult{}, err
	}
	gross, err := in.Add(fee)
	if err != nil {
		return TradeResult{}, err
	}
	return TradeResult{AmountIn: gross, AmountOut: amountOut, Fee: fee}, nil
}

// Sell trades amountIn of assetIn for assetOut within one pool.
func (p *Pools) Sell(ctx context.Context, who model.AccountID, id, assetIn, assetOut model.AssetID, amountIn, minOut fixed.Uint) (TradeResult, error) {
	if amountIn.IsZero() {
		return TradeResult{}, model.ErrInvalidAmount
	}
	res, err := p.QuoteSell(ctx, id, assetIn, assetOut, amountIn)
	if err != nil {
		return TradeResult{}, err
	}
	if res.AmountOut.Lt(minOut) {
		return TradeResult{}, fmt.Errorf("%w: out %s < min %s", model.ErrLimitNotReached, res.AmountOut, minOut)
	}
	return res, p.settle(ctx, who, id, assetIn, assetOut, res)
}

// Buy trades assetIn for exactly amountOut of assetOut within one pool.
func (p *Pools) Buy(ctx context.Context, who model.AccountID, id, assetOut, assetIn model.AssetID, amountOut, maxIn fixed.Uint) (TradeResult, error) {
	if amountOut.IsZero() {
		return TradeResult{}, model.ErrInvalidAmount
	}
	res, err := p.QuoteBuy(ctx, id, assetOut, assetIn, amountOut)
	if err != nil {
		return TradeResult{}, err
	}
	if res.AmountIn.Gt(maxIn) {
		return TradeResult{}, fmt.Errorf("%w: in %s > max %s", model.ErrLimitExceeded, res.AmountIn, maxIn)
	}
	return res, p.settle(ctx, who, id, assetIn, assetOut, res)
}

func (p *Pools) settle(ctx context.Context, who model.AccountID, id, assetIn, assetOut model.AssetID, res TradeResult) error {
	account := PoolAccount(id)
	if err := p.ledger.Transfer(ctx, assetIn, who, account, res.AmountIn); err != nil {
		return err
	}
	return p.ledger.Transfer(ctx, assetOut, account, who, res.AmountOut)
}

// SpotPrice is the marginal price of asset j in units of asset i.
func (p *Pools) SpotPrice(ctx context.Context, pool model.StablePool, i, j model.AssetID) (decimal.Decimal, error) {
	ii, err := p.FindAssetIndex(pool, i)
	if err != nil {
		return decimal.Zero, err
	}
	jj, err := p.FindAssetIndex(pool, j)
	if err != nil {
		return decimal.Zero, err
	}
	reserves, err := p.Reserves(ctx, pool)
	if err != nil {
		return decimal.Zero, err
	}
	return SpotPrice(reserves, ii, jj, p.Amplification(pool))
}
