package vault

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"stablevault/core/events"
	"stablevault/core/types"
	"stablevault/native/token"
)

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	wethAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	wbtcAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	wethFeed   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	wbtcFeed   = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	user       = common.HexToAddress("0x0000000000000000000000000000000000000011")
	liquidator = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

var errBoom = errors.New("boom")

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Precision)
}

func amount(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, "invalid integer %q", s)
	return v
}

// usd returns a feed answer with 8 decimals.
func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000))
}

// retryBusy repeats op while the account is held by an operation that is
// inside its collaborator calls.
func retryBusy(op func() error) error {
	for {
		err := op()
		if !errors.Is(err, ErrAccountBusy) {
			return err
		}
		runtime.Gosched()
	}
}

type memState struct {
	mu         sync.Mutex
	rows       map[rowKey]*big.Int
	commits    int
	failCommit error
}

func newMemState() *memState {
	return &memState{rows: make(map[rowKey]*big.Int)}
}

func (s *memState) GetCollateral(owner, asset common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneBigInt(s.rows[rowKey{kind: CollateralRow, owner: owner, asset: asset}]), nil
}

func (s *memState) GetDebt(owner common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneBigInt(s.rows[rowKey{kind: DebtRow, owner: owner}]), nil
}

func (s *memState) Commit(changes []Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCommit != nil {
		return s.failCommit
	}
	s.commits++
	for _, c := range changes {
		s.rows[rowKey{kind: c.Kind, owner: c.Owner, asset: c.Asset}] = cloneBigInt(c.Amount)
	}
	return nil
}

type fakeFeed struct {
	mu     sync.Mutex
	quotes map[common.Address]Quote
	err    error
}

func (f *fakeFeed) set(feed common.Address, price *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[feed] = Quote{Price: price, Decimals: 8, UpdatedAt: time.Now()}
}

func (f *fakeFeed) setQuote(feed common.Address, q Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[feed] = q
}

func (f *fakeFeed) LatestPrice(_ context.Context, feed common.Address) (Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Quote{}, f.err
	}
	return f.quotes[feed], nil
}

// flakyDebt wraps the debt token session so tests can make single calls fail.
type flakyDebt struct {
	DebtToken
	refuseMint bool
	burnErr    error
}

func (d *flakyDebt) Mint(ctx context.Context, to common.Address, amount *big.Int) (bool, error) {
	if d.refuseMint {
		return false, nil
	}
	return d.DebtToken.Mint(ctx, to, amount)
}

func (d *flakyDebt) Burn(ctx context.Context, amount *big.Int) error {
	if d.burnErr != nil {
		return d.burnErr
	}
	return d.DebtToken.Burn(ctx, amount)
}

type flakyCollateral struct {
	CollateralToken
	refusePush bool
}

func (c *flakyCollateral) Transfer(ctx context.Context, to common.Address, amount *big.Int) (bool, error) {
	if c.refusePush && to != engineAddr {
		return false, nil
	}
	return c.CollateralToken.Transfer(ctx, to, amount)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	state  *memState
	feed   *fakeFeed
	weth   *token.Ledger
	wbtc   *token.Ledger
	dsc    *token.Ledger
	debt   *flakyDebt
	wethIO *flakyCollateral

	mu     sync.Mutex
	events []*types.Event
}

func newFixture(t *testing.T, mutators ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		state: newMemState(),
		feed:  &fakeFeed{quotes: make(map[common.Address]Quote)},
		weth:  token.NewLedger("WETH", 18),
		wbtc:  token.NewLedger("WBTC", 18),
		dsc:   token.NewLedger("DSC", 18),
	}
	f.dsc.SetMinter(engineAddr)
	f.feed.set(wethFeed, usd(2000))
	f.feed.set(wbtcFeed, usd(1000))
	f.debt = &flakyDebt{DebtToken: f.dsc.As(engineAddr)}
	f.wethIO = &flakyCollateral{CollateralToken: f.weth.As(engineAddr)}

	cfg := Config{
		Address:          engineAddr,
		CollateralAssets: []common.Address{wethAddr, wbtcAddr},
		PriceFeeds:       []common.Address{wethFeed, wbtcFeed},
		Symbols:          []string{"WETH", "WBTC"},
	}
	for _, mutate := range mutators {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg, Collaborators{
		Feeds: f.feed,
		Debt:  f.debt,
		Collateral: map[common.Address]CollateralToken{
			wethAddr: f.wethIO,
			wbtcAddr: f.wbtc.As(engineAddr),
		},
	})
	require.NoError(t, err)
	engine.SetState(f.state)
	engine.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	engine.SetEmitter(events.EmitterFunc(func(evt events.Event) {
		ve, ok := evt.(vaultEvent)
		if !ok {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ve.Event())
	}))
	f.engine = engine
	return f
}

// fund credits owner with WETH and approves the engine to pull all of it.
func (f *fixture) fund(owner common.Address, amount *big.Int) {
	f.t.Helper()
	require.NoError(f.t, f.weth.Credit(owner, amount))
	require.NoError(f.t, f.weth.Approve(owner, engineAddr, f.balance(f.weth, owner)))
}

func (f *fixture) approveDebt(owner common.Address, amount *big.Int) {
	f.t.Helper()
	require.NoError(f.t, f.dsc.Approve(owner, engineAddr, amount))
}

func (f *fixture) balance(l *token.Ledger, owner common.Address) *big.Int {
	f.t.Helper()
	v, err := l.BalanceOf(f.ctx, owner)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) collateral(owner, asset common.Address) *big.Int {
	f.t.Helper()
	v, err := f.engine.CollateralBalance(f.ctx, owner, asset)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) debtOf(owner common.Address) *big.Int {
	f.t.Helper()
	v, err := f.engine.DebtBalance(f.ctx, owner)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) healthFactor(owner common.Address) *big.Int {
	f.t.Helper()
	v, err := f.engine.HealthFactor(f.ctx, owner)
	require.NoError(f.t, err)
	return v
}

func (f *fixture) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, evt := range f.events {
		out = append(out, evt.Type)
	}
	return out
}

func (f *fixture) resetEvents() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func requireBig(t *testing.T, want, got *big.Int) {
	t.Helper()
	require.Zerof(t, want.Cmp(got), "want %s, got %s", want, got)
}
