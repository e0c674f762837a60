package oracle

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"stablevault/native/vault"
)

type timeoutFeed struct {
	next    vault.PriceFeed
	timeout time.Duration
}

// WithTimeout bounds every LatestPrice call on next. A non-positive timeout
// returns next unchanged.
func WithTimeout(next vault.PriceFeed, timeout time.Duration) vault.PriceFeed {
	if next == nil || timeout <= 0 {
		return next
	}
	return &timeoutFeed{next: next, timeout: timeout}
}

func (f *timeoutFeed) LatestPrice(ctx context.Context, feed common.Address) (vault.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	type result struct {
		quote vault.Quote
		err   error
	}
	done := make(chan result, 1)
	go func() {
		q, err := f.next.LatestPrice(ctx, feed)
		done <- result{quote: q, err: err}
	}()
	select {
	case res := <-done:
		return res.quote, res.err
	case <-ctx.Done():
		return vault.Quote{}, ctx.Err()
	}
}
