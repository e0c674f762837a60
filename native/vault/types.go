package vault

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SupportedAsset is a collateral asset registered at construction time
// together with the feed that prices it.
type SupportedAsset struct {
	// Asset identifies the collateral token.
	Asset common.Address `json:"asset"`
	// Feed identifies the price feed quoting Asset in USD.
	Feed common.Address `json:"feed"`
	// Symbol is a display label used in logs and metrics.
	Symbol string `json:"symbol,omitempty"`
}

// CollateralPosition is the deposited balance of one asset for one owner.
type CollateralPosition struct {
	Owner  common.Address `json:"owner"`
	Asset  common.Address `json:"asset"`
	Amount *big.Int       `json:"amount"`
}

// DebtPosition is the minted debt of one owner.
type DebtPosition struct {
	Owner  common.Address `json:"owner"`
	Amount *big.Int       `json:"amount"`
}

// AccountInfo is the derived view of an account: its debt and the USD value of
// all deposited collateral at current prices.
type AccountInfo struct {
	Debt          *big.Int `json:"debt"`
	CollateralUSD *big.Int `json:"collateralUsd"`
}

// LiquidationResult summarises a successful liquidation.
type LiquidationResult struct {
	// Collateral is the redeemed asset.
	Collateral common.Address `json:"collateral"`
	// DebtCovered is the debt burned on behalf of the target.
	DebtCovered *big.Int `json:"debtCovered"`
	// BaseAmount is the collateral equivalent of DebtCovered.
	BaseAmount *big.Int `json:"baseAmount"`
	// Bonus is the extra collateral paid to the liquidator.
	Bonus *big.Int `json:"bonus"`
	// StartHealthFactor and EndHealthFactor bracket the operation.
	StartHealthFactor *big.Int `json:"startHealthFactor"`
	EndHealthFactor   *big.Int `json:"endHealthFactor"`
}

// TotalRedeemed returns BaseAmount + Bonus.
func (r *LiquidationResult) TotalRedeemed() *big.Int {
	if r == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Add(cloneBigInt(r.BaseAmount), cloneBigInt(r.Bonus))
}

// Quote is a raw feed answer in feed-native precision.
type Quote struct {
	Price     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// PriceFeed resolves the latest USD price of the asset behind a feed.
type PriceFeed interface {
	LatestPrice(ctx context.Context, feed common.Address) (Quote, error)
}

// CollateralToken is the capability set the engine needs from a collateral
// asset. Transfer is scoped to the engine's own balance.
type CollateralToken interface {
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (bool, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// DebtToken is the capability set the engine needs from the minted token.
// Burn and Transfer are scoped to the engine's own balance; Transfer is only
// used to hand back tokens pulled by an operation that is being rolled back.
type DebtToken interface {
	Mint(ctx context.Context, to common.Address, amount *big.Int) (bool, error)
	Burn(ctx context.Context, amount *big.Int) error
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error)
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (bool, error)
}
