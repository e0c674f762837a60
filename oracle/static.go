package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"stablevault/native/vault"
)

// ErrUnknownFeed is returned for feeds that have never been set.
var ErrUnknownFeed = errors.New("oracle: unknown feed")

// StaticFeed serves operator-set quotes from memory. Each Set stamps the
// quote with the current time so staleness checks apply.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[common.Address]vault.Quote
	now    func() time.Time
}

// Option configures a StaticFeed.
type Option func(*StaticFeed)

// WithClock overrides the clock used to stamp quotes.
func WithClock(now func() time.Time) Option {
	return func(f *StaticFeed) {
		if now != nil {
			f.now = now
		}
	}
}

func NewStaticFeed(opts ...Option) *StaticFeed {
	f := &StaticFeed{
		quotes: make(map[common.Address]vault.Quote),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Set records price with the given decimals for feed.
func (f *StaticFeed) Set(feed common.Address, price *big.Int, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p *big.Int
	if price != nil {
		p = new(big.Int).Set(price)
	}
	f.quotes[feed] = vault.Quote{Price: p, Decimals: decimals, UpdatedAt: f.now()}
}

// Quote returns the stored quote without consulting the context.
func (f *StaticFeed) Quote(feed common.Address) (vault.Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[feed]
	if !ok {
		return vault.Quote{}, false
	}
	if q.Price != nil {
		q.Price = new(big.Int).Set(q.Price)
	}
	return q, true
}

func (f *StaticFeed) LatestPrice(ctx context.Context, feed common.Address) (vault.Quote, error) {
	if err := ctx.Err(); err != nil {
		return vault.Quote{}, err
	}
	q, ok := f.Quote(feed)
	if !ok {
		return vault.Quote{}, fmt.Errorf("%w: %s", ErrUnknownFeed, feed.Hex())
	}
	return q, nil
}
