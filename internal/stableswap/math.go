// Package stableswap implements stable pools: baskets of similarly valued
// assets traded along the amplified constant-sum/constant-product curve
//
//	A·n^n·Σx + D = A·n^n·D + D^(n+1) / (n^n·Πx)
//
// The solver functions in this file are pure. Balances are normalized to
// TargetDecimals before solving and results are converted back with the
// rounding that favors the pool. Newton iterations are bounded; running out
// of iterations is an ErrMath failure, never an approximate answer.
package stableswap

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/hubswap-engine/internal/fixed"
	"github.com/atmx/hubswap-engine/internal/model"
)

const (
	// MaxDIterations bounds the invariant solve.
	MaxDIterations = 64
	// MaxYIterations bounds the single-balance solve.
	MaxYIterations = 128
	// TargetDecimals is the common precision balances are normalized to.
	TargetDecimals uint8 = 18
)

// ErrNoConvergence is returned when a Newton solve hits its iteration cap.
// It is an ErrMath.
var ErrNoConvergence = fmt.Errorf("%w: stableswap solver did not converge", model.ErrMath)

// AssetReserve is a pool balance in the asset's own precision.
type AssetReserve struct {
	Amount   fixed.Uint
	Decimals uint8
}

func normalizeAmount(x fixed.Uint, decimals uint8, roundUp bool) (fixed.Uint, error) {
	return rescale(x, decimals, TargetDecimals, roundUp)
}

func denormalizeAmount(x fixed.Uint, decimals uint8, roundUp bool) (fixed.Uint, error) {
	return rescale(x, TargetDecimals, decimals, roundUp)
}

// rescale converts x from one precision to another. Precisions too far
// apart to scale within 256 bits fail with ErrMath instead of wrapping.
func rescale(x fixed.Uint, from, to uint8, roundUp bool) (fixed.Uint, error) {
	if from == to {
		return x, nil
	}
	if from < to {
		f, err := fixed.Pow10(to - from)
		if err != nil {
			return fixed.Zero, err
		}
		return x.Mul(f)
	}
	f, err := fixed.Pow10(from - to)
	if err != nil {
		return fixed.Zero, err
	}
	if roundUp {
		return x.DivCeil(f)
	}
	return x.Div(f)
}

func normalize(reserves []AssetReserve) ([]fixed.Uint, error) {
	xs := make([]fixed.Uint, len(reserves))
	for i, r := range reserves {
		x, err := normalizeAmount(r.Amount, r.Decimals, false)
		if err != nil {
			return nil, err
		}
		xs[i] = x
	}
	return xs, nil
}

func checkIndex(reserves []AssetReserve, idx ...int) error {
	for _, i := range idx {
		if i < 0 || i >= len(reserves) {
			return fmt.Errorf("stableswap: asset index %d out of range: %w", i, model.ErrNotFound)
		}
	}
	return nil
}

// ann returns A·n^n.
func ann(amp uint64, n int) (fixed.Uint, error) {
	r := fixed.FromUint64(amp)
	nn := fixed.FromUint64(uint64(n))
	var c fixed.Calc
	for i := 0; i < n; i++ {
		r = c.Mul(r, nn)
	}
	return r, c.Err()
}

// ComputeD solves the invariant for the given balances.
func ComputeD(reserves []AssetReserve, amp uint64) (fixed.Uint, error) {
	xs, err := normalize(reserves)
	if err != nil {
		return fixed.Zero, err
	}
	return computeD(xs, amp)
}

// computeD runs Newton's method on normalized balances. Zero balances are
// ignored, matching a pool that has not received that asset yet.
//
//	D_P   = D^(n+1) / (n^n·Πx)
//	D_new = (Ann·S + n·D_P)·D / ((Ann-1)·D + (n+1)·D_P)
func computeD(balances []fixed.Uint, amp uint64) (fixed.Uint, error) {
	xs := make([]fixed.Uint, 0, len(balances))
	for _, x := range balances {
		if !x.IsZero() {
			xs = append(xs, x)
		}
	}
	if len(xs) == 0 {
		return fixed.Zero, nil
	}

	var c fixed.Calc
	sum := fixed.Zero
	for _, x := range xs {
		sum = c.Add(sum, x)
	}
	n := fixed.FromUint64(uint64(len(xs)))
	a, err := ann(amp, len(xs))
	if err != nil {
		return fixed.Zero, err
	}
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}

	annSum := c.Mul(a, sum)
	annMinusOne := c.Sub(a, fixed.One)
	nPlusOne := c.Add(n, fixed.One)

	d := sum
	for i := 0; i < MaxDIterations; i++ {
		dp := d
		for _, x := range xs {
			dp = c.MulDiv(dp, d, c.Mul(x, n))
		}
		prev := d
		num := c.Mul(c.Add(annSum, c.Mul(dp, n)), d)
		den := c.Add(c.Mul(annMinusOne, d), c.Mul(nPlusOne, dp))
		d = c.Div(num, den)
		if err := c.Err(); err != nil {
			return fixed.Zero, err
		}
		if fixed.AbsDiff(d, prev).Lte(fixed.One) {
			return d, nil
		}
	}
	return fixed.Zero, ErrNoConvergence
}

// SolveY returns the balance of reserves[idx] that keeps the invariant at
// d with every other balance fixed. The result is in the asset's own
// precision, rounded up.
func SolveY(reserves []AssetReserve, idx int, d fixed.Uint, amp uint64) (fixed.Uint, error) {
	if err := checkIndex(reserves, idx); err != nil {
		return fixed.Zero, err
	}
	xs, err := normalize(reserves)
	if err != nil {
		return fixed.Zero, err
	}
	y, err := solveY(xs, idx, d, amp)
	if err != nil {
		return fixed.Zero, err
	}
	return denormalizeAmount(y, reserves[idx].Decimals, true)
}

// solveY runs Newton's method for the unknown balance at idx, ignoring
// balances[idx]:
//
//	c = D^(n+1) / (n^n·Π'x·Ann)    b = S' + D/Ann
//	y_new = (y² + c) / (2y + b - D)
func solveY(balances []fixed.Uint, idx int, d fixed.Uint, amp uint64) (fixed.Uint, error) {
	nCoins := len(balances)
	n := fixed.FromUint64(uint64(nCoins))
	a, err := ann(amp, nCoins)
	if err != nil {
		return fixed.Zero, err
	}

	var c fixed.Calc
	sum := fixed.Zero
	cc := d
	for i, x := range balances {
		if i == idx {
			continue
		}
		sum = c.Add(sum, x)
		cc = c.MulDiv(cc, d, c.Mul(x, n))
	}
	cc = c.MulDiv(cc, d, c.Mul(a, n))
	b := c.Add(sum, c.Div(d, a))
	two := fixed.FromUint64(2)
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}

	y := d
	for i := 0; i < MaxYIterations; i++ {
		prev := y
		num := c.Add(c.Mul(y, y), cc)
		den := c.Sub(c.Add(c.Mul(two, y), b), d)
		y = c.Div(num, den)
		if err := c.Err(); err != nil {
			return fixed.Zero, err
		}
		if fixed.AbsDiff(y, prev).Lte(fixed.One) {
			return y, nil
		}
	}
	return fixed.Zero, ErrNoConvergence
}

// SharesForDeposit returns the shares minted for adding amount of the asset
// at idx: issuance·(D1-D0)/D0, rounded down. The first deposit into an
// empty pool mints D1 shares.
func SharesForDeposit(reserves []AssetReserve, idx int, amount fixed.Uint, amp uint64, issuance fixed.Uint) (fixed.Uint, error) {
	if err := checkIndex(reserves, idx); err != nil {
		return fixed.Zero, err
	}
	xs, err := normalize(reserves)
	if err != nil {
		return fixed.Zero, err
	}
	d0, err := computeD(xs, amp)
	if err != nil {
		return fixed.Zero, err
	}
	amt, err := normalizeAmount(amount, reserves[idx].Decimals, false)
	if err != nil {
		return fixed.Zero, err
	}
	if xs[idx], err = xs[idx].Add(amt); err != nil {
		return fixed.Zero, err
	}
	d1, err := computeD(xs, amp)
	if err != nil {
		return fixed.Zero, err
	}
	if d1.Lt(d0) {
		return fixed.Zero, model.ErrMath
	}
	if issuance.IsZero() {
		return d1, nil
	}
	var c fixed.Calc
	shares := c.MulDiv(issuance, c.Sub(d1, d0), d0)
	return shares, c.Err()
}

// AmountForShares returns the amount of the asset at idx that must be
// deposited to mint exactly shares, rounded up.
func AmountForShares(reserves []AssetReserve, idx int, shares fixed.Uint, amp uint64, issuance fixed.Uint) (fixed.Uint, error) {
	if err := checkIndex(reserves, idx); err != nil {
		return fixed.Zero, err
	}
	if issuance.IsZero() {
		return fixed.Zero, model.ErrMath
	}
	xs, err := normalize(reserves)
	if err != nil {
		return fixed.Zero, err
	}
	d0, err := computeD(xs, amp)
	if err != nil {
		return fixed.Zero, err
	}
	var c fixed.Calc
	target := c.MulDivCeil(d0, c.Add(issuance, shares), issuance)
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}
	y, err := solveY(xs, idx, target, amp)
	if err != nil {
		return fixed.Zero, err
	}
	amount := c.Add(c.Sub(y, xs[idx]), fixed.One)
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}
	return denormalizeAmount(amount, reserves[idx].Decimals, true)
}

// withdrawFeeRate scales the pool's withdraw fee to the per-asset
// imbalance fee fee·n/(4(n-1)).
func withdrawFeeRate(fee fixed.Permill, n int) fixed.Permill {
	if n < 2 {
		return 0
	}
	return fixed.Permill(uint64(fee) * uint64(n) / (4 * uint64(n-1)))
}

// SharesRemovedForWithdrawal returns the shares that must be burned to
// withdraw exactly amount of the asset at idx, charging the withdraw fee on
// the imbalance the withdrawal creates. Rounded up: burning the result with
// WithdrawOneAsset pays out at least amount.
func SharesRemovedForWithdrawal(reserves []AssetReserve, idx int, amount fixed.Uint, amp uint64, issuance fixed.Uint, withdrawFee fixed.Permill) (fixed.Uint, error) {
	if err := checkIndex(reserves, idx); err != nil {
		return fixed.Zero, err
	}
	xs, err := normalize(reserves)
	if err != nil {
		return fixed.Zero, err
	}
	amt, err := normalizeAmount(amount, reserves[idx].Decimals, true)
	if err != nil {
		return fixed.Zero, err
	}
	// WithdrawOneAsset keeps one unit back from every payout.
	if amt, err = amt.Add(fixed.One); err != nil {
		return fixed.Zero, err
	}
	if amt.Gte(xs[idx]) {
		return fixed.Zero, model.ErrMath
	}
	d0, err := computeD(xs, amp)
	if err != nil {
		return fixed.Zero, err
	}

	next := make([]fixed.Uint, len(xs))
	copy(next, xs)
	next[idx], _ = next[idx].Sub(amt)
	d1, err := computeD(next, amp)
	if err != nil {
		return fixed.Zero, err
	}

	rate := withdrawFeeRate(withdrawFee, len(xs))
	var c fixed.Calc
	reduced := make([]fixed.Uint, len(xs))
	for k := range xs {
		ideal := c.MulDiv(d1, xs[k], d0)
		fee, err := rate.MulCeil(fixed.AbsDiff(ideal, next[k]))
		if err != nil {
			return fixed.Zero, err
		}
		reduced[k] = c.Sub(next[k], fee)
	}
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}
	d2, err := computeD(reduced, amp)
	if err != nil {
		return fixed.Zero, err
	}
	shares := c.Add(c.MulDivCeil(issuance, c.Sub(d0, d2), d0), fixed.One)
	return shares, c.Err()
}

// WithdrawOneAsset returns the net amount of the asset at idx paid out for
// burning shares, and the fee kept by the pool. The fee is charged on the
// difference between a single-asset and a proportional withdrawal.
func WithdrawOneAsset(reserves []AssetReserve, shares fixed.Uint, idx int, issuance fixed.Uint, amp uint64, withdrawFee fixed.Permill) (fixed.Uint, fixed.Uint, error) {
	if err := checkIndex(reserves, idx); err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	if shares.Gte(issuance) {
		return fixed.Zero, fixed.Zero, model.ErrMath
	}
	xs, err := normalize(reserves)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	d0, err := computeD(xs, amp)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}

	var c fixed.Calc
	d1 := c.Sub(d0, c.MulDiv(shares, d0, issuance))
	if err := c.Err(); err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	y, err := solveY(xs, idx, d1, amp)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}

	rate := withdrawFeeRate(withdrawFee, len(xs))
	reduced := make([]fixed.Uint, len(xs))
	for k, x := range xs {
		proportional := c.MulDiv(x, d1, d0)
		var expected fixed.Uint
		if k == idx {
			expected = fixed.AbsDiff(proportional, y)
		} else {
			expected = fixed.AbsDiff(x, proportional)
		}
		fee, err := rate.MulCeil(expected)
		if err != nil {
			return fixed.Zero, fixed.Zero, err
		}
		reduced[k] = c.Sub(x, fee)
	}
	if err := c.Err(); err != nil {
		return fixed.Zero, fixed.Zero, err
	}

	y1, err := solveY(reduced, idx, d1, amp)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	paid := c.Sub(reduced[idx], y1)
	dy := c.Sub(paid, fixed.One)
	dy0 := c.Sub(xs[idx], y)
	if err := c.Err(); err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	feeNorm := fixed.Zero
	if dy0.Gt(paid) {
		feeNorm, _ = dy0.Sub(paid)
	}

	dec := reserves[idx].Decimals
	net, err := denormalizeAmount(dy, dec, false)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	fee, err := denormalizeAmount(feeNorm, dec, false)
	if err != nil {
		return fixed.Zero, fixed.Zero, err
	}
	return net, fee, nil
}

// OutGivenIn returns the fee-free amount of asset idxOut received for
// selling amountIn of asset idxIn, rounded down.
func OutGivenIn(reserves []AssetReserve, idxIn, idxOut int, amountIn fixed.Uint, amp uint64) (fixed.Uint, error) {
	if err := checkIndex(reserves, idxIn, idxOut); err != nil {
		return fixed.Zero, err
	}
	xs, err := normalize(reserves)
	if err != nil {
		return fixed.Zero, err
	}
	d, err := computeD(xs, amp)
	if err != nil {
		return fixed.Zero, err
	}
	amt, err := normalizeAmount(amountIn, reserves[idxIn].Decimals, false)
	if err != nil {
		return fixed.Zero, err
	}
	if xs[idxIn], err = xs[idxIn].Add(amt); err != nil {
		return fixed.Zero, err
	}
	y, err := solveY(xs, idxOut, d, amp)
	if err != nil {
		return fixed.Zero, err
	}
	var c fixed.Calc
	out := c.Sub(c.Sub(xs[idxOut], y), fixed.One)
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}
	return denormalizeAmount(out, reserves[idxOut].Decimals, false)
}

// InGivenOut returns the fee-free amount of asset idxIn that must be sold
// to receive amountOut of asset idxOut, rounded up.
func InGivenOut(reserves []AssetReserve, idxIn, idxOut int, amountOut fixed.Uint, amp uint64) (fixed.Uint, error) {
	if err := checkIndex(reserves, idxIn, idxOut); err != nil {
		return fixed.Zero, err
	}
	xs, err := normalize(reserves)
	if err != nil {
		return fixed.Zero, err
	}
	d, err := computeD(xs, amp)
	if err != nil {
		return fixed.Zero, err
	}
	amt, err := normalizeAmount(amountOut, reserves[idxOut].Decimals, true)
	if err != nil {
		return fixed.Zero, err
	}
	if amt.Gte(xs[idxOut]) {
		return fixed.Zero, model.ErrMath
	}
	xs[idxOut], _ = xs[idxOut].Sub(amt)
	y, err := solveY(xs, idxIn, d, amp)
	if err != nil {
		return fixed.Zero, err
	}
	var c fixed.Calc
	in := c.Add(c.Sub(y, xs[idxIn]), fixed.One)
	if err := c.Err(); err != nil {
		return fixed.Zero, err
	}
	return denormalizeAmount(in, reserves[idxIn].Decimals, true)
}

// SpotPrice returns the marginal price of asset j in units of asset i,
// the ratio of the invariant's partial derivatives:
//
//	x_i·(Ann·n^n·Πx·x_j + D^(n+1)) / (x_j·(Ann·n^n·Πx·x_i + D^(n+1)))
//
// The products exceed 256 bits, so the ratio is computed in decimal.
func SpotPrice(reserves []AssetReserve, i, j int, amp uint64) (decimal.Decimal, error) {
	if err := checkIndex(reserves, i, j); err != nil {
		return decimal.Zero, err
	}
	xs, err := normalize(reserves)
	if err != nil {
		return decimal.Zero, err
	}
	if xs[i].IsZero() || xs[j].IsZero() {
		return decimal.Zero, model.ErrMath
	}
	d, err := computeD(xs, amp)
	if err != nil {
		return decimal.Zero, err
	}
	a, err := ann(amp, len(xs))
	if err != nil {
		return decimal.Zero, err
	}

	toDec := func(x fixed.Uint) decimal.Decimal { return decimal.NewFromBigInt(x.Big(), 0) }
	n := decimal.NewFromInt(int64(len(xs)))
	nn := decimal.NewFromInt(1)
	prod := decimal.NewFromInt(1)
	for _, x := range xs {
		nn = nn.Mul(n)
		prod = prod.Mul(toDec(x))
	}
	dd := toDec(d)
	dPow := dd.Pow(n.Add(decimal.NewFromInt(1)))
	k := toDec(a).Mul(nn).Mul(prod)

	xi, xj := toDec(xs[i]), toDec(xs[j])
	num := xi.Mul(k.Mul(xj).Add(dPow))
	den := xj.Mul(k.Mul(xi).Add(dPow))
	return num.DivRound(den, 24), nil
}
