package fixed

// Calc evaluates a chain of checked operations and keeps the first error.
// Once an operation fails every later call returns Zero, so a formula can
// be written top to bottom and checked once with Err.
//
//	var c fixed.Calc
//	dp := c.MulDiv(dp, d, c.Mul(x, n))
//	if err := c.Err(); err != nil { ... }
type Calc struct {
	err error
}

func (c *Calc) Err() error { return c.err }

func (c *Calc) record(r Uint, err error) Uint {
	if err != nil {
		c.err = err
		return Zero
	}
	return r
}

func (c *Calc) Add(a, b Uint) Uint {
	if c.err != nil {
		return Zero
	}
	return c.record(a.Add(b))
}

func (c *Calc) Sub(a, b Uint) Uint {
	if c.err != nil {
		return Zero
	}
	return c.record(a.Sub(b))
}

func (c *Calc) Mul(a, b Uint) Uint {
	if c.err != nil {
		return Zero
	}
	return c.record(a.Mul(b))
}

func (c *Calc) Div(a, b Uint) Uint {
	if c.err != nil {
		return Zero
	}
	return c.record(a.Div(b))
}

func (c *Calc) DivCeil(a, b Uint) Uint {
	if c.err != nil {
		return Zero
	}
	return c.record(a.DivCeil(b))
}

func (c *Calc) MulDiv(a, b, d Uint) Uint {
	if c.err != nil {
		return Zero
	}
	return c.record(MulDiv(a, b, d))
}

func (c *Calc) MulDivCeil(a, b, d Uint) Uint {
	if c.err != nil {
		return Zero
	}
	return c.record(MulDivCeil(a, b, d))
}
