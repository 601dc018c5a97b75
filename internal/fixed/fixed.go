// Package fixed is the numeric kernel of the engine: unsigned 256-bit
// integers with checked arithmetic, fractions in parts per million and
// 18-decimal fixed-point prices.
//
// Every operation that would overflow, underflow or divide by zero returns
// ErrMath instead of wrapping. Products that feed a division (MulDiv) are
// computed with a 512-bit intermediate, so a*b/c only fails when the final
// quotient does not fit.
package fixed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ErrMath is returned by every arithmetic operation that cannot be
// completed exactly in 256 bits.
var ErrMath = errors.New("fixed: arithmetic overflow, underflow or division by zero")

// Uint is an unsigned 256-bit integer with value semantics. The zero value
// is 0 and ready to use.
type Uint struct {
	v uint256.Int
}

// Zero and One are convenience constants.
var (
	Zero = Uint{}
	One  = FromUint64(1)
)

// FromUint64 converts x.
func FromUint64(x uint64) Uint {
	var u Uint
	u.v.SetUint64(x)
	return u
}

// FromDecimalString parses a base-10 integer string.
func FromDecimalString(s string) (Uint, error) {
	var u Uint
	if err := u.v.SetFromDecimal(s); err != nil {
		return Zero, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return u, nil
}

// MustFromString is FromDecimalString for constants and tests.
func MustFromString(s string) Uint {
	u, err := FromDecimalString(s)
	if err != nil {
		panic(err)
	}
	return u
}

// FromBig converts a non-negative big.Int that fits in 256 bits.
func FromBig(b *big.Int) (Uint, error) {
	if b.Sign() < 0 {
		return Zero, ErrMath
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return Zero, ErrMath
	}
	return Uint{v: *v}, nil
}

// MaxPow10 is the largest n for which 10^n fits in 256 bits.
const MaxPow10 = 77

// Pow10 returns 10^n, or ErrMath when n exceeds MaxPow10.
func Pow10(n uint8) (Uint, error) {
	if n > MaxPow10 {
		return Zero, fmt.Errorf("fixed: 10^%d: %w", n, ErrMath)
	}
	var u Uint
	u.v.Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
	return u, nil
}

// MustPow10 is Pow10 for constant exponents.
func MustPow10(n uint8) Uint {
	u, err := Pow10(n)
	if err != nil {
		panic(err)
	}
	return u
}

// Units returns whole * 10^decimals, the on-ledger amount of whole tokens.
func Units(whole uint64, decimals uint8) Uint {
	u, err := FromUint64(whole).Mul(MustPow10(decimals))
	if err != nil {
		panic(err)
	}
	return u
}

func (a Uint) Add(b Uint) (Uint, error) {
	var r Uint
	if _, overflow := r.v.AddOverflow(&a.v, &b.v); overflow {
		return Zero, ErrMath
	}
	return r, nil
}

func (a Uint) Sub(b Uint) (Uint, error) {
	if a.v.Lt(&b.v) {
		return Zero, ErrMath
	}
	var r Uint
	r.v.Sub(&a.v, &b.v)
	return r, nil
}

func (a Uint) Mul(b Uint) (Uint, error) {
	var r Uint
	if _, overflow := r.v.MulOverflow(&a.v, &b.v); overflow {
		return Zero, ErrMath
	}
	return r, nil
}

// Div is floor division.
func (a Uint) Div(b Uint) (Uint, error) {
	if b.IsZero() {
		return Zero, ErrMath
	}
	var r Uint
	r.v.Div(&a.v, &b.v)
	return r, nil
}

// DivCeil is division rounded up.
func (a Uint) DivCeil(b Uint) (Uint, error) {
	if b.IsZero() {
		return Zero, ErrMath
	}
	var q, m uint256.Int
	q.DivMod(&a.v, &b.v, &m)
	if !m.IsZero() {
		q.AddUint64(&q, 1)
	}
	return Uint{v: q}, nil
}

// MulDiv returns floor(a*b/c) using a 512-bit intermediate product.
func MulDiv(a, b, c Uint) (Uint, error) {
	if c.IsZero() {
		return Zero, ErrMath
	}
	var r Uint
	if _, overflow := r.v.MulDivOverflow(&a.v, &b.v, &c.v); overflow {
		return Zero, ErrMath
	}
	return r, nil
}

// MulDivCeil returns ceil(a*b/c) using a 512-bit intermediate product.
func MulDivCeil(a, b, c Uint) (Uint, error) {
	q, err := MulDiv(a, b, c)
	if err != nil {
		return Zero, err
	}
	var m uint256.Int
	m.MulMod(&a.v, &b.v, &c.v)
	if m.IsZero() {
		return q, nil
	}
	return q.Add(One)
}

// AbsDiff returns |a-b|.
func AbsDiff(a, b Uint) Uint {
	var r Uint
	if a.v.Lt(&b.v) {
		r.v.Sub(&b.v, &a.v)
	} else {
		r.v.Sub(&a.v, &b.v)
	}
	return r
}

func Min(a, b Uint) Uint {
	if a.Lt(b) {
		return a
	}
	return b
}

func Max(a, b Uint) Uint {
	if a.Gt(b) {
		return a
	}
	return b
}

// Cmp returns -1, 0 or +1.
func (a Uint) Cmp(b Uint) int  { return a.v.Cmp(&b.v) }
func (a Uint) Eq(b Uint) bool  { return a.v.Eq(&b.v) }
func (a Uint) Lt(b Uint) bool  { return a.v.Lt(&b.v) }
func (a Uint) Gt(b Uint) bool  { return a.v.Gt(&b.v) }
func (a Uint) Lte(b Uint) bool { return !a.v.Gt(&b.v) }
func (a Uint) Gte(b Uint) bool { return !a.v.Lt(&b.v) }
func (a Uint) IsZero() bool    { return a.v.IsZero() }

// Uint64 returns the value when it fits in 64 bits.
func (a Uint) Uint64() (uint64, bool) {
	if !a.v.IsUint64() {
		return 0, false
	}
	return a.v.Uint64(), true
}

// Big returns a copy as *big.Int.
func (a Uint) Big() *big.Int { return a.v.ToBig() }

func (a Uint) String() string { return a.v.Dec() }

// Decimal renders the value as a token amount with the given number of
// decimals, e.g. 1500000000000 with 12 decimals is 1.5.
func (a Uint) Decimal(decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), -int32(decimals))
}

// FromDecimal converts a token amount back to ledger units. Fractions
// finer than the asset's precision are rejected.
func FromDecimal(d decimal.Decimal, decimals uint8) (Uint, error) {
	if d.IsNegative() {
		return Zero, ErrMath
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return Zero, fmt.Errorf("fixed: %s has more than %d decimals: %w", d, decimals, ErrMath)
	}
	return FromBig(shifted.BigInt())
}

// MarshalJSON encodes the value as a decimal string so that amounts above
// 2^53 survive JavaScript clients.
func (a Uint) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.v.Dec())
}

// UnmarshalJSON accepts a decimal string or a bare JSON integer.
func (a *Uint) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	u, err := FromDecimalString(s)
	if err != nil {
		return err
	}
	*a = u
	return nil
}
