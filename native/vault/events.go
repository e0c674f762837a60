package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"stablevault/core/types"
)

const (
	EventTypeCollateralDeposited = "vault.collateral_deposited"
	EventTypeCollateralRedeemed  = "vault.collateral_redeemed"
	EventTypeDebtMinted          = "vault.debt_minted"
	EventTypeDebtBurned          = "vault.debt_burned"
	EventTypeLiquidated          = "vault.liquidated"
)

// vaultEvent adapts a types.Event to the events.Event interface.
type vaultEvent struct {
	evt *types.Event
}

func (e vaultEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e vaultEvent) Event() *types.Event { return e.evt }

func newCollateralDepositedEvent(owner, asset common.Address, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeCollateralDeposited,
		Attributes: map[string]string{
			"owner":  owner.Hex(),
			"asset":  asset.Hex(),
			"amount": formatAmount(amount),
		},
	}
}

func newCollateralRedeemedEvent(from, to, asset common.Address, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeCollateralRedeemed,
		Attributes: map[string]string{
			"from":   from.Hex(),
			"to":     to.Hex(),
			"asset":  asset.Hex(),
			"amount": formatAmount(amount),
		},
	}
}

func newDebtMintedEvent(owner common.Address, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeDebtMinted,
		Attributes: map[string]string{
			"owner":  owner.Hex(),
			"amount": formatAmount(amount),
		},
	}
}

func newDebtBurnedEvent(onBehalfOf, source common.Address, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeDebtBurned,
		Attributes: map[string]string{
			"onBehalfOf": onBehalfOf.Hex(),
			"source":     source.Hex(),
			"amount":     formatAmount(amount),
		},
	}
}

func newLiquidatedEvent(liquidator, target common.Address, res *LiquidationResult) *types.Event {
	return &types.Event{
		Type: EventTypeLiquidated,
		Attributes: map[string]string{
			"liquidator":        liquidator.Hex(),
			"target":            target.Hex(),
			"collateral":        res.Collateral.Hex(),
			"debtCovered":       formatAmount(res.DebtCovered),
			"collateralPaid":    formatAmount(res.TotalRedeemed()),
			"startHealthFactor": formatAmount(res.StartHealthFactor),
			"endHealthFactor":   formatAmount(res.EndHealthFactor),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
