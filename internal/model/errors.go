package model

import (
	"errors"

	"github.com/atmx/hubswap-engine/internal/fixed"
)

var (
	// ErrNotFound is returned when an asset, pool or position is absent.
	ErrNotFound = errors.New("engine: not found")

	// ErrMath is returned on overflow, underflow, division by zero or when
	// an iterative solve does not converge. It is the kernel's error.
	ErrMath = fixed.ErrMath

	// ErrLimitExceeded is returned when a buy would cost more than max_in.
	ErrLimitExceeded = errors.New("engine: trade limit exceeded")

	// ErrLimitNotReached is returned when a sell would pay less than min_out.
	ErrLimitNotReached = errors.New("engine: trade limit not reached")

	// ErrNotAllowed is returned when a required tradability flag is absent
	// or the operation is never permitted (e.g. buying the hub asset).
	ErrNotAllowed = errors.New("engine: operation not allowed")

	// ErrWithdrawAssetNotSpecified is returned when liquidity is removed
	// from a stable-pool-backed position without naming the output asset.
	ErrWithdrawAssetNotSpecified = errors.New("engine: withdraw asset not specified")

	// ErrNotStableAsset is returned when an operation restricted to
	// migrated assets is invoked on a native asset.
	ErrNotStableAsset = errors.New("engine: asset is not a stable asset")

	// ErrInsufficientBalance is returned by the ledger.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidAmount is returned for zero trade or liquidity amounts.
	ErrInvalidAmount = errors.New("engine: amount must be positive")

	// ErrWeightCapExceeded is returned when adding liquidity would push an
	// asset's share of the hub reserve above its cap.
	ErrWeightCapExceeded = errors.New("engine: asset weight cap exceeded")
)
