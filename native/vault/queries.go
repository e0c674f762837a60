package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Queries read the committed ledger without taking account locks. Rows of an
// operation still running its collaborator calls read as their prior values,
// so a query racing a mutation observes the rows before or after it, never a
// write that is later rolled back. Collaborators called back with the
// operation's own context see its rows as already committed.

func (e *Engine) reader(ctx context.Context) committedReader {
	if active, _ := ctx.Value(inFlightKey{}).(*Engine); active == e {
		return committedReader{state: e.state}
	}
	return committedReader{state: e.state, pending: e.pending}
}

// AccountCollateralValue sums the USD value of every collateral position held
// by owner at current prices.
func (e *Engine) AccountCollateralValue(ctx context.Context, owner common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.collateralValue(ctx, e.reader(ctx), owner)
}

// AccountInformation returns owner's debt and collateral value.
func (e *Engine) AccountInformation(ctx context.Context, owner common.Address) (AccountInfo, error) {
	if e == nil || e.state == nil {
		return AccountInfo{}, errNilState
	}
	return e.accountInformation(ctx, e.reader(ctx), owner)
}

// HealthFactor returns owner's current health factor.
func (e *Engine) HealthFactor(ctx context.Context, owner common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.healthFactor(ctx, e.reader(ctx), owner)
}

// CollateralBalance returns owner's deposited balance of asset.
func (e *Engine) CollateralBalance(ctx context.Context, owner, asset common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, ok := e.registry.lookup(asset); !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset.Hex())
	}
	return e.reader(ctx).collateralOf(owner, asset)
}

// DebtBalance returns the debt minted by owner.
func (e *Engine) DebtBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.reader(ctx).debtOf(owner)
}

// PriceFeed returns the feed registered for asset.
func (e *Engine) PriceFeed(asset common.Address) (common.Address, error) {
	entry, ok := e.registry.lookup(asset)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset.Hex())
	}
	return entry.Feed, nil
}

// Assets lists the collateral registry in registration order.
func (e *Engine) Assets() []SupportedAsset { return e.registry.list() }

// Constants returns the global risk parameters.
func (e *Engine) Constants() Constants { return SystemConstants() }
