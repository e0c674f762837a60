package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// price returns the latest price of asset scaled to PrecisionDecimals. The
// feed is read on every call.
func (e *Engine) price(ctx context.Context, asset common.Address) (*big.Int, error) {
	entry, ok := e.registry.lookup(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset.Hex())
	}
	quote, err := e.feeds.LatestPrice(ctx, entry.Feed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, entry.Symbol, err)
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s reported %v", ErrInvalidPrice, entry.Symbol, quote.Price)
	}
	if e.maxPriceAge > 0 && !quote.UpdatedAt.IsZero() {
		if age := e.now().Sub(quote.UpdatedAt); age > e.maxPriceAge {
			return nil, fmt.Errorf("%w: %s quote is %s old", ErrStalePrice, entry.Symbol, age)
		}
	}
	scaled := normalizePrice(quote.Price, quote.Decimals)
	if scaled.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s rounds to zero at %d decimals", ErrInvalidPrice, entry.Symbol, quote.Decimals)
	}
	return scaled, nil
}

// USDValue converts amount units of asset into USD with 18 decimals.
func (e *Engine) USDValue(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	p, err := e.price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return mulDiv(amount, p, Precision), nil
}

// TokenAmountFromUSD converts a USD amount with 18 decimals into units of
// asset, rounding down.
func (e *Engine) TokenAmountFromUSD(ctx context.Context, asset common.Address, usd *big.Int) (*big.Int, error) {
	if usd == nil || usd.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	p, err := e.price(ctx, asset)
	if err != nil {
		return nil, err
	}
	return mulDiv(usd, Precision, p), nil
}
