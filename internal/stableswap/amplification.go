package stableswap

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/hubswap-engine/internal/model"
)

const (
	MinAmplification uint64 = 2
	MaxAmplification uint64 = 10_000
	// MaxAssets bounds the size of a pool.
	MaxAssets = 5
)

// Amplification returns the pool's effective amplification at block.
// The value ramps linearly from InitialAmplification at InitialBlock to
// FinalAmplification at FinalBlock and is clamped outside that window.
// It is recomputed on every call and never persisted.
func Amplification(p model.StablePool, block uint64) uint64 {
	initial, final := p.InitialAmplification, p.FinalAmplification
	switch {
	case block >= p.FinalBlock:
		return final
	case block <= p.InitialBlock:
		return initial
	}

	elapsed := uint256.NewInt(block - p.InitialBlock)
	window := uint256.NewInt(p.FinalBlock - p.InitialBlock)
	var step uint256.Int
	if final >= initial {
		step.Mul(uint256.NewInt(final-initial), elapsed)
		step.Div(&step, window)
		return initial + step.Uint64()
	}
	step.Mul(uint256.NewInt(initial-final), elapsed)
	step.Div(&step, window)
	return initial - step.Uint64()
}

// ValidAmplification reports whether a is within the supported range.
func ValidAmplification(a uint64) bool {
	return a >= MinAmplification && a <= MaxAmplification
}

// BlockFunc returns the current block number.
type BlockFunc func() uint64

// WallClock derives block numbers from wall time: block 0 at genesis and
// one block every blockTime.
func WallClock(genesis time.Time, blockTime time.Duration) BlockFunc {
	return func() uint64 {
		if blockTime <= 0 {
			return 0
		}
		elapsed := time.Since(genesis)
		if elapsed < 0 {
			return 0
		}
		return uint64(elapsed / blockTime)
	}
}

// FixedBlock always returns block.
func FixedBlock(block uint64) BlockFunc {
	return func() uint64 { return block }
}
