package fixed

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// u is a test helper for creating values from decimal strings.
func u(s string) Uint {
	return MustFromString(s)
}

var maxUint = u("115792089237316195423570985008687907853269984665640564039457584007913129639935")

// --- Checked arithmetic ---

func TestAdd_Overflow(t *testing.T) {
	_, err := maxUint.Add(One)
	if !errors.Is(err, ErrMath) {
		t.Fatalf("expected ErrMath, got %v", err)
	}
}

func TestSub_Underflow(t *testing.T) {
	_, err := FromUint64(1).Sub(FromUint64(2))
	if !errors.Is(err, ErrMath) {
		t.Fatalf("expected ErrMath, got %v", err)
	}
}

func TestMul_Overflow(t *testing.T) {
	_, err := maxUint.Mul(FromUint64(2))
	require.ErrorIs(t, err, ErrMath)
}

func TestDiv_ByZero(t *testing.T) {
	_, err := One.Div(Zero)
	require.ErrorIs(t, err, ErrMath)
	_, err = One.DivCeil(Zero)
	require.ErrorIs(t, err, ErrMath)
}

func TestDivCeil(t *testing.T) {
	tests := []struct {
		a, b, want uint64
	}{
		{10, 3, 4},
		{9, 3, 3},
		{0, 7, 0},
		{1, 1, 1},
	}
	for _, tt := range tests {
		got, err := FromUint64(tt.a).DivCeil(FromUint64(tt.b))
		require.NoError(t, err)
		require.Equal(t, FromUint64(tt.want), got, "%d/%d", tt.a, tt.b)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// a*b overflows 256 bits but the quotient fits.
	a := u("100000000000000000000000000000000000000000000000000")
	b := u("100000000000000000000000000000000000000000000000000")
	c := u("1000000000000000000000000000000000000000000000000")

	got, err := MulDiv(a, b, c)
	require.NoError(t, err)
	require.Equal(t, u("10000000000000000000000000000000000000000000000000000"), got)
}

func TestMulDiv_QuotientOverflow(t *testing.T) {
	_, err := MulDiv(maxUint, maxUint, FromUint64(1))
	require.ErrorIs(t, err, ErrMath)
}

func TestMulDivCeil(t *testing.T) {
	got, err := MulDivCeil(FromUint64(7), FromUint64(3), FromUint64(2))
	require.NoError(t, err)
	require.Equal(t, FromUint64(11), got)

	got, err = MulDivCeil(FromUint64(8), FromUint64(3), FromUint64(2))
	require.NoError(t, err)
	require.Equal(t, FromUint64(12), got)
}

func TestAbsDiffMinMax(t *testing.T) {
	a, b := FromUint64(3), FromUint64(10)
	require.Equal(t, FromUint64(7), AbsDiff(a, b))
	require.Equal(t, FromUint64(7), AbsDiff(b, a))
	require.Equal(t, a, Min(a, b))
	require.Equal(t, b, Max(a, b))
}

func TestValueSemantics(t *testing.T) {
	a := FromUint64(5)
	b := a
	c, err := a.Add(One)
	require.NoError(t, err)
	require.Equal(t, FromUint64(5), a)
	require.Equal(t, FromUint64(5), b)
	require.Equal(t, FromUint64(6), c)
}

// --- Calc ---

func TestCalc_StickyError(t *testing.T) {
	var c Calc
	x := c.Sub(FromUint64(1), FromUint64(2))
	y := c.Add(FromUint64(1), FromUint64(1))

	require.ErrorIs(t, c.Err(), ErrMath)
	require.True(t, x.IsZero())
	require.True(t, y.IsZero(), "operations after a failure must not run")
}

func TestCalc_Chain(t *testing.T) {
	var c Calc
	// (6*7 + 8) / 5 = 10
	r := c.Div(c.Add(c.Mul(FromUint64(6), FromUint64(7)), FromUint64(8)), FromUint64(5))
	require.NoError(t, c.Err())
	require.Equal(t, FromUint64(10), r)
}

// --- Permill ---

func TestPermill(t *testing.T) {
	fee := Permill(3_000) // 0.3%
	amount := FromUint64(1_000_001)

	floor, err := fee.MulFloor(amount)
	require.NoError(t, err)
	require.Equal(t, FromUint64(3000), floor)

	ceil, err := fee.MulCeil(amount)
	require.NoError(t, err)
	require.Equal(t, FromUint64(3001), ceil)

	require.Equal(t, Permill(997_000), fee.Complement())
	require.Equal(t, Permill(0), Permill(2_000_000).Complement())
	require.True(t, fee.Valid())
	require.False(t, Permill(1_000_001).Valid())
	require.Equal(t, PermillFromPercent(3), Permill(30_000))
	require.Equal(t, "0.3%", fee.String())
}

func TestPermill_DivComplementCeil(t *testing.T) {
	gross, err := Permill(500_000).DivComplementCeil(FromUint64(101))
	require.NoError(t, err)
	require.Equal(t, FromUint64(202), gross)

	_, err = PermillOne.DivComplementCeil(FromUint64(1))
	require.ErrorIs(t, err, ErrMath)
}

func TestPrice(t *testing.T) {
	p, err := Price(FromUint64(2), FromUint64(4))
	require.NoError(t, err)
	require.Equal(t, u("500000000000000000"), p)
}

// --- Conversions ---

func TestDecimalConversion(t *testing.T) {
	amount := Units(1, 12)
	require.True(t, amount.Decimal(12).Equal(decimal.NewFromInt(1)))

	back, err := FromDecimal(decimal.RequireFromString("1.5"), 12)
	require.NoError(t, err)
	require.Equal(t, u("1500000000000"), back)

	_, err = FromDecimal(decimal.RequireFromString("0.0000000000001"), 12)
	require.ErrorIs(t, err, ErrMath)

	_, err = FromDecimal(decimal.NewFromInt(-1), 12)
	require.ErrorIs(t, err, ErrMath)
}

func TestJSON(t *testing.T) {
	type wrapper struct {
		Amount Uint `json:"amount"`
	}

	data, err := json.Marshal(wrapper{Amount: u("123456789012345678901234567890")})
	require.NoError(t, err)
	require.JSONEq(t, `{"amount":"123456789012345678901234567890"}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"amount":42}`), &w))
	require.Equal(t, FromUint64(42), w.Amount)

	require.Error(t, json.Unmarshal([]byte(`{"amount":"-1"}`), &w))
}

func TestPow10(t *testing.T) {
	require.Equal(t, FromUint64(1), MustPow10(0))
	require.Equal(t, u("1000000000000000000"), MustPow10(18))

	p, err := Pow10(MaxPow10)
	require.NoError(t, err)
	require.Equal(t, 78, len(p.String()))

	for _, n := range []uint8{MaxPow10 + 1, 120, 255} {
		_, err := Pow10(n)
		require.ErrorIs(t, err, ErrMath, "10^%d", n)
	}
	require.Panics(t, func() { MustPow10(78) })
}
