package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CalculateHealthFactor derives the health factor from a debt amount and a
// collateral value, both with 18 decimals. Accounts without debt report
// MaxHealthFactor.
func CalculateHealthFactor(debt, collateralUSD *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor)
	}
	adjusted := mulDiv(cloneBigInt(collateralUSD), liquidationThreshold, liquidationPrecision)
	return mulDiv(adjusted, Precision, debt)
}

func (e *Engine) collateralValue(ctx context.Context, r ledgerReader, owner common.Address) (*big.Int, error) {
	total := big.NewInt(0)
	for _, asset := range e.registry.assets {
		amount, err := r.collateralOf(owner, asset.Asset)
		if err != nil {
			return nil, err
		}
		if amount.Sign() == 0 {
			continue
		}
		value, err := e.USDValue(ctx, asset.Asset, amount)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

func (e *Engine) accountInformation(ctx context.Context, r ledgerReader, owner common.Address) (AccountInfo, error) {
	debt, err := r.debtOf(owner)
	if err != nil {
		return AccountInfo{}, err
	}
	collateral, err := e.collateralValue(ctx, r, owner)
	if err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{Debt: debt, CollateralUSD: collateral}, nil
}

func (e *Engine) healthFactor(ctx context.Context, r ledgerReader, owner common.Address) (*big.Int, error) {
	info, err := e.accountInformation(ctx, r, owner)
	if err != nil {
		return nil, err
	}
	return CalculateHealthFactor(info.Debt, info.CollateralUSD), nil
}

func (e *Engine) assertSolvent(ctx context.Context, r ledgerReader, owner common.Address) error {
	hf, err := e.healthFactor(ctx, r, owner)
	if err != nil {
		return err
	}
	if hf.Cmp(MinHealthFactor) < 0 {
		return &SolvencyError{Owner: owner, HealthFactor: hf}
	}
	return nil
}
