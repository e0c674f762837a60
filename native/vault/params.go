package vault

import "math/big"

// Risk parameters are global and fixed at build time; there is no governance
// surface that can change them.
const (
	// LiquidationThreshold is the share of collateral value, in percent, that
	// counts towards solvency. 50 means positions must be 200% collateralised.
	LiquidationThreshold = 50
	// LiquidationPrecision is the denominator for LiquidationThreshold and
	// LiquidationBonus.
	LiquidationPrecision = 100
	// LiquidationBonus is the extra collateral, in percent of the covered debt
	// value, paid to a liquidator.
	LiquidationBonus = 10
	// PrecisionDecimals is the number of decimals of the internal fixed-point
	// representation used for USD values and health factors.
	PrecisionDecimals = 18
)

const moduleName = "vault"

var (
	// Precision is 1e18, the internal fixed-point unit.
	Precision = big.NewInt(1_000_000_000_000_000_000)
	// MinHealthFactor is 1.0 in fixed point. Positions below it are
	// liquidatable.
	MinHealthFactor = big.NewInt(1_000_000_000_000_000_000)
	// MaxHealthFactor is reported for accounts without debt.
	MaxHealthFactor = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	liquidationThreshold = big.NewInt(LiquidationThreshold)
	liquidationBonus     = big.NewInt(LiquidationBonus)
	liquidationPrecision = big.NewInt(LiquidationPrecision)
)

// Constants exposes the system-wide parameters to read-only callers.
type Constants struct {
	LiquidationThreshold uint64   `json:"liquidationThreshold"`
	LiquidationBonus     uint64   `json:"liquidationBonus"`
	LiquidationPrecision uint64   `json:"liquidationPrecision"`
	Precision            *big.Int `json:"precision"`
	MinHealthFactor      *big.Int `json:"minHealthFactor"`
}

// SystemConstants returns a fresh copy of the global risk parameters.
func SystemConstants() Constants {
	return Constants{
		LiquidationThreshold: LiquidationThreshold,
		LiquidationBonus:     LiquidationBonus,
		LiquidationPrecision: LiquidationPrecision,
		Precision:            new(big.Int).Set(Precision),
		MinHealthFactor:      new(big.Int).Set(MinHealthFactor),
	}
}
