package fixed

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Permill is a fraction expressed in parts per million.
type Permill uint32

// PermillOne is 100%.
const PermillOne Permill = 1_000_000

// PriceDecimals is the precision of fixed-point prices: 1e18 is a price of 1.
const PriceDecimals = 18

// PriceOne is a price of exactly 1.
var PriceOne = MustPow10(PriceDecimals)

// PermillFromPercent converts a whole percentage, e.g. 3 → 30000.
func PermillFromPercent(p uint32) Permill { return Permill(p * 10_000) }

// Valid reports whether p is at most 100%.
func (p Permill) Valid() bool { return p <= PermillOne }

// Complement returns 1-p.
func (p Permill) Complement() Permill {
	if p >= PermillOne {
		return 0
	}
	return PermillOne - p
}

// Uint returns the numerator over PermillOne.
func (p Permill) Uint() Uint { return FromUint64(uint64(p)) }

// MulFloor returns floor(x*p).
func (p Permill) MulFloor(x Uint) (Uint, error) {
	return MulDiv(x, p.Uint(), PermillOne.Uint())
}

// MulCeil returns ceil(x*p).
func (p Permill) MulCeil(x Uint) (Uint, error) {
	return MulDivCeil(x, p.Uint(), PermillOne.Uint())
}

// DivComplementCeil returns ceil(x / (1-p)), the gross amount whose net
// after removing fraction p is x.
func (p Permill) DivComplementCeil(x Uint) (Uint, error) {
	c := p.Complement()
	if c == 0 {
		return Zero, ErrMath
	}
	return MulDivCeil(x, PermillOne.Uint(), c.Uint())
}

func (p Permill) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -6)
}

func (p Permill) String() string {
	return fmt.Sprintf("%s%%", p.Decimal().Shift(2).String())
}

// Price returns num/den as an 18-decimal fixed-point value.
func Price(num, den Uint) (Uint, error) {
	return MulDiv(num, PriceOne, den)
}
