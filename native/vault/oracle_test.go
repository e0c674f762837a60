package vault

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUSDValue(t *testing.T) {
	f := newFixture(t)

	value, err := f.engine.USDValue(f.ctx, wethAddr, ether(15))
	require.NoError(t, err)
	requireBig(t, ether(30_000), value)

	value, err = f.engine.USDValue(f.ctx, wethAddr, big.NewInt(0))
	require.NoError(t, err)
	require.Zero(t, value.Sign())

	_, err = f.engine.USDValue(f.ctx, wethAddr, big.NewInt(-1))
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.engine.USDValue(f.ctx, user, ether(1))
	require.ErrorIs(t, err, ErrAssetNotAllowed)
}

func TestTokenAmountFromUSD(t *testing.T) {
	f := newFixture(t)

	got, err := f.engine.TokenAmountFromUSD(f.ctx, wethAddr, ether(100))
	require.NoError(t, err)
	requireBig(t, amount(t, "50000000000000000"), got)
}

func TestConversionRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.feed.set(wethFeed, big.NewInt(1234_56789012))

	for _, raw := range []string{"1", "999", "1000000000000000000", "123456789012345678901234"} {
		units := amount(t, raw)
		value, err := f.engine.USDValue(f.ctx, wethAddr, units)
		require.NoError(t, err)
		back, err := f.engine.TokenAmountFromUSD(f.ctx, wethAddr, value)
		require.NoError(t, err)
		require.LessOrEqual(t, back.Cmp(units), 0, "round trip must not create value")
		diff := new(big.Int).Sub(units, back)
		require.LessOrEqual(t, diff.Cmp(big.NewInt(1)), 0, "loss above one unit for %s", raw)
	}
}

func TestPriceNormalisation(t *testing.T) {
	f := newFixture(t)

	// The same $2,000 quoted with 18 and 20 decimals.
	f.feed.setQuote(wethFeed, Quote{Price: ether(2_000), Decimals: 18})
	value, err := f.engine.USDValue(f.ctx, wethAddr, ether(1))
	require.NoError(t, err)
	requireBig(t, ether(2_000), value)

	f.feed.setQuote(wethFeed, Quote{Price: new(big.Int).Mul(ether(2_000), big.NewInt(100)), Decimals: 20})
	value, err = f.engine.USDValue(f.ctx, wethAddr, ether(1))
	require.NoError(t, err)
	requireBig(t, ether(2_000), value)

	f.feed.setQuote(wethFeed, Quote{Price: big.NewInt(1), Decimals: 30})
	_, err = f.engine.USDValue(f.ctx, wethAddr, ether(1))
	require.ErrorIs(t, err, ErrInvalidPrice)
}

func TestInvalidPricesAreRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(user, ether(1))
	require.NoError(t, f.engine.DepositCollateral(f.ctx, user, wethAddr, ether(1)))

	f.feed.set(wethFeed, big.NewInt(0))
	_, err := f.engine.HealthFactor(f.ctx, user)
	require.ErrorIs(t, err, ErrInvalidPrice)

	f.feed.set(wethFeed, big.NewInt(-5))
	err = f.engine.Mint(f.ctx, user, big.NewInt(1))
	require.ErrorIs(t, err, ErrInvalidPrice)
	require.Equal(t, "oracle", Outcome(err))
	requireBig(t, big.NewInt(0), f.debtOf(user))

	f.feed.err = errBoom
	_, err = f.engine.USDValue(f.ctx, wethAddr, ether(1))
	require.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestStalePricesAreRejected(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, func(cfg *Config) { cfg.MaxPriceAge = time.Hour })
	f.engine.SetNowFunc(func() time.Time { return now })

	f.feed.setQuote(wethFeed, Quote{Price: usd(2_000), Decimals: 8, UpdatedAt: now.Add(-30 * time.Minute)})
	_, err := f.engine.USDValue(f.ctx, wethAddr, ether(1))
	require.NoError(t, err)

	f.feed.setQuote(wethFeed, Quote{Price: usd(2_000), Decimals: 8, UpdatedAt: now.Add(-2 * time.Hour)})
	_, err = f.engine.USDValue(f.ctx, wethAddr, ether(1))
	require.ErrorIs(t, err, ErrStalePrice)
}

func TestFeedIsReadOnEveryCall(t *testing.T) {
	f := newFixture(t)
	first, err := f.engine.USDValue(f.ctx, wethAddr, ether(1))
	require.NoError(t, err)
	f.feed.set(wethFeed, usd(3_000))
	second, err := f.engine.USDValue(f.ctx, wethAddr, ether(1))
	require.NoError(t, err)
	requireBig(t, ether(2_000), first)
	requireBig(t, ether(3_000), second)
}
