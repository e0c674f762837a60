package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "stablevault/native/common"
)

// Liquidate lets caller burn debtToCover of target's debt with its own debt
// tokens in exchange for target's collateral worth the covered debt plus
// LiquidationBonus percent. Target must be below MinHealthFactor, the
// operation must strictly improve target's health factor, and caller must
// remain solvent afterwards. Partial liquidation is chosen by passing less
// than the full debt.
func (e *Engine) Liquidate(ctx context.Context, caller, collateral, target common.Address, debtToCover *big.Int) (*LiquidationResult, error) {
	if err := nativecommon.Check(
		e.notPaused(),
		moreThanZero(debtToCover),
		e.isAllowedCollateral(collateral),
	); err != nil {
		return nil, err
	}

	var result *LiquidationResult
	err := e.run(ctx, "liquidate", []common.Address{caller, target}, func(ctx context.Context, u *unitOfWork) error {
		startHF, err := e.healthFactor(ctx, u, target)
		if err != nil {
			return err
		}
		if startHF.Cmp(MinHealthFactor) >= 0 {
			return fmt.Errorf("%w: %s at %s", ErrHealthFactorOK, target.Hex(), startHF)
		}

		base, err := e.TokenAmountFromUSD(ctx, collateral, debtToCover)
		if err != nil {
			return err
		}
		bonus := mulDiv(base, liquidationBonus, liquidationPrecision)
		total := new(big.Int).Add(base, bonus)
		if total.Sign() == 0 {
			return fmt.Errorf("%w: debt to cover %s is worth less than one unit of collateral", ErrInvalidAmount, debtToCover)
		}

		if err := e.redeemCollateral(u, target, caller, collateral, total); err != nil {
			return err
		}
		if err := e.burnDebt(u, debtToCover, target, caller); err != nil {
			return err
		}

		endHF, err := e.healthFactor(ctx, u, target)
		if err != nil {
			return err
		}
		if endHF.Cmp(startHF) <= 0 {
			return fmt.Errorf("%w: %s -> %s", ErrHealthFactorNotImproved, startHF, endHF)
		}
		if err := e.assertSolvent(ctx, u, caller); err != nil {
			return err
		}

		result = &LiquidationResult{
			Collateral:        collateral,
			DebtCovered:       cloneBigInt(debtToCover),
			BaseAmount:        base,
			Bonus:             bonus,
			StartHealthFactor: startHF,
			EndHealthFactor:   endHF,
		}
		u.record(newLiquidatedEvent(caller, target, result))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.ObserveLiquidation(e.symbol(collateral), result.StartHealthFactor, result.EndHealthFactor)
	e.logger.Info("vault: account liquidated",
		slog.String("liquidator", caller.Hex()),
		slog.String("target", target.Hex()),
		slog.String("collateral", e.symbol(collateral)),
		slog.String("debt_covered", debtToCover.String()),
		slog.String("collateral_paid", result.TotalRedeemed().String()),
		slog.String("end_health_factor", result.EndHealthFactor.String()))
	return result, nil
}
