package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// The primitives below stage a ledger write, record the event and schedule the
// collaborator call. The call only runs once the unit commits, after the rows
// are written, so a token hook never observes the pre-operation ledger.

func (e *Engine) depositCollateral(u *unitOfWork, owner, asset common.Address, amount *big.Int) error {
	entry, ok := e.registry.lookup(asset)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset.Hex())
	}
	current, err := u.collateralOf(owner, asset)
	if err != nil {
		return err
	}
	if err := u.setCollateral(owner, asset, current.Add(current, amount)); err != nil {
		return err
	}
	u.record(newCollateralDepositedEvent(owner, asset, amount))

	value := cloneBigInt(amount)
	u.schedule(effect{
		name:  "collateral.transferFrom",
		phase: phasePull,
		run: func(ctx context.Context) error {
			ok, err := entry.token.TransferFrom(ctx, owner, e.address, value)
			return transferResult(entry.Symbol, "transferFrom", ok, err)
		},
		compensate: func(ctx context.Context) error {
			ok, err := entry.token.Transfer(ctx, owner, value)
			return transferResult(entry.Symbol, "refund", ok, err)
		},
	})
	return nil
}

func (e *Engine) redeemCollateral(u *unitOfWork, from, to, asset common.Address, amount *big.Int) error {
	entry, ok := e.registry.lookup(asset)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset.Hex())
	}
	current, err := u.collateralOf(from, asset)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, redeem %s", ErrInsufficientCollateral, from.Hex(), current, entry.Symbol, amount)
	}
	if err := u.setCollateral(from, asset, current.Sub(current, amount)); err != nil {
		return err
	}
	u.record(newCollateralRedeemedEvent(from, to, asset, amount))

	value := cloneBigInt(amount)
	u.schedule(effect{
		name:  "collateral.transfer",
		phase: phasePush,
		run: func(ctx context.Context) error {
			ok, err := entry.token.Transfer(ctx, to, value)
			return transferResult(entry.Symbol, "transfer", ok, err)
		},
	})
	return nil
}

func (e *Engine) mintDebt(u *unitOfWork, owner common.Address, amount *big.Int) error {
	current, err := u.debtOf(owner)
	if err != nil {
		return err
	}
	if err := u.setDebt(owner, current.Add(current, amount)); err != nil {
		return err
	}
	u.record(newDebtMintedEvent(owner, amount))

	value := cloneBigInt(amount)
	u.schedule(effect{
		name:  "debt.mint",
		phase: phasePush,
		run: func(ctx context.Context) error {
			minted, err := e.debt.Mint(ctx, owner, value)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMintFailed, err)
			}
			if !minted {
				return ErrMintFailed
			}
			return nil
		},
	})
	return nil
}

// burnDebt reduces onBehalfOf's debt and pulls the tokens to burn from source.
func (e *Engine) burnDebt(u *unitOfWork, amount *big.Int, onBehalfOf, source common.Address) error {
	current, err := u.debtOf(onBehalfOf)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s owes %s, burn %s", ErrInsufficientDebt, onBehalfOf.Hex(), current, amount)
	}
	if err := u.setDebt(onBehalfOf, current.Sub(current, amount)); err != nil {
		return err
	}
	u.record(newDebtBurnedEvent(onBehalfOf, source, amount))

	value := cloneBigInt(amount)
	u.schedule(effect{
		name:  "debt.transferFrom",
		phase: phasePull,
		run: func(ctx context.Context) error {
			ok, err := e.debt.TransferFrom(ctx, source, e.address, value)
			return transferResult("debt", "transferFrom", ok, err)
		},
		compensate: func(ctx context.Context) error {
			ok, err := e.debt.Transfer(ctx, source, value)
			return transferResult("debt", "refund", ok, err)
		},
	})
	u.schedule(effect{
		name:  "debt.burn",
		phase: phaseBurn,
		run: func(ctx context.Context) error {
			if err := e.debt.Burn(ctx, value); err != nil {
				return fmt.Errorf("%w: burn: %v", ErrTransferFailed, err)
			}
			return nil
		},
		compensate: func(ctx context.Context) error {
			minted, err := e.debt.Mint(ctx, e.address, value)
			if err != nil {
				return fmt.Errorf("%w: re-mint: %v", ErrMintFailed, err)
			}
			if !minted {
				return fmt.Errorf("%w: re-mint refused", ErrMintFailed)
			}
			return nil
		},
	})
	return nil
}

func transferResult(symbol, call string, ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransferFailed, symbol, call, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %s returned false", ErrTransferFailed, symbol, call)
	}
	return nil
}
