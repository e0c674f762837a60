package vault

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errNilState = errors.New("vault engine: state not configured")

	// ErrInvalidAmount is returned when an amount is nil, zero or negative.
	ErrInvalidAmount = errors.New("vault: amount must be positive")
	// ErrAssetNotAllowed is returned for assets missing from the registry.
	ErrAssetNotAllowed = errors.New("vault: collateral asset not allowed")
	// ErrConfigMismatch is returned when the asset and price feed lists differ
	// in length.
	ErrConfigMismatch = errors.New("vault: collateral assets and price feeds must have the same length")
	// ErrInvalidConfig reports any other construction-time configuration error.
	ErrInvalidConfig = errors.New("vault: invalid configuration")
	// ErrInsufficientCollateral is returned when a redeem would drive a
	// collateral position below zero.
	ErrInsufficientCollateral = errors.New("vault: insufficient collateral")
	// ErrInsufficientDebt is returned when a burn exceeds the recorded debt.
	ErrInsufficientDebt = errors.New("vault: burn exceeds minted debt")
	// ErrTransferFailed is returned when a token collaborator rejects a
	// transfer.
	ErrTransferFailed = errors.New("vault: transfer failed")
	// ErrMintFailed is returned when the debt token refuses to mint.
	ErrMintFailed = errors.New("vault: mint failed")
	// ErrBreaksHealthFactor is the sentinel matched by every *SolvencyError.
	ErrBreaksHealthFactor = errors.New("vault: health factor below minimum")
	// ErrHealthFactorOK is returned when liquidating a solvent account.
	ErrHealthFactorOK = errors.New("vault: health factor ok, account not liquidatable")
	// ErrHealthFactorNotImproved is returned when a liquidation leaves the
	// target no healthier than before.
	ErrHealthFactorNotImproved = errors.New("vault: liquidation did not improve health factor")
	// ErrInvalidPrice is returned for zero or negative feed prices.
	ErrInvalidPrice = errors.New("vault: invalid feed price")
	// ErrStalePrice is returned when a quote is older than the configured
	// maximum age.
	ErrStalePrice = errors.New("vault: stale feed price")
	// ErrPriceUnavailable wraps errors raised by the price feed itself.
	ErrPriceUnavailable = errors.New("vault: price unavailable")
	// ErrReentrantCall is returned when a collaborator callback re-enters the
	// engine while an operation is in flight.
	ErrReentrantCall = errors.New("vault: reentrant call")
	// ErrAccountBusy is returned when an account's current operation is
	// waiting on a collaborator call. Retrying after it returns succeeds.
	ErrAccountBusy = errors.New("vault: account busy in collaborator call")
)

// SolvencyError reports a health factor below MinHealthFactor together with
// the computed ratio.
type SolvencyError struct {
	Owner        common.Address
	HealthFactor *big.Int
}

func (e *SolvencyError) Error() string {
	return fmt.Sprintf("vault: health factor %s below minimum for %s", e.HealthFactor, e.Owner.Hex())
}

// Unwrap allows errors.Is(err, ErrBreaksHealthFactor).
func (e *SolvencyError) Unwrap() error { return ErrBreaksHealthFactor }
