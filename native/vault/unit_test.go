package vault

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"stablevault/observability/metrics"
)

func TestStateCommitFailureLeavesNoEffects(t *testing.T) {
	f := newFixture(t)
	f.fund(user, ether(10))
	f.state.failCommit = errBoom

	err := f.engine.DepositCollateral(f.ctx, user, wethAddr, ether(10))
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, "error", Outcome(err))
	requireBig(t, ether(10), f.balance(f.weth, user))
	require.Empty(t, f.eventTypes())
}

func TestMintRefusalUndoesDepositPull(t *testing.T) {
	f := newFixture(t)
	f.engine.SetMetrics(metrics.NewVault(prometheus.NewRegistry()))
	f.fund(user, ether(10))
	f.debt.refuseMint = true

	err := f.engine.DepositAndMint(f.ctx, user, wethAddr, ether(10), ether(100))
	require.ErrorIs(t, err, ErrMintFailed)
	require.Equal(t, "mint_failed", Outcome(err))

	// Rows were written then restored.
	require.Equal(t, 2, f.state.commits)
	requireBig(t, big.NewInt(0), f.collateral(user, wethAddr))
	requireBig(t, big.NewInt(0), f.debtOf(user))
	requireBig(t, ether(10), f.balance(f.weth, user))
	requireBig(t, big.NewInt(0), f.balance(f.weth, engineAddr))
	require.Empty(t, f.eventTypes())
}

func TestRedeemPushFailureRestoresPosition(t *testing.T) {
	f := newFixture(t)
	f.fund(user, ether(10))
	require.NoError(t, f.engine.DepositCollateral(f.ctx, user, wethAddr, ether(10)))
	f.resetEvents()
	f.wethIO.refusePush = true

	err := f.engine.Redeem(f.ctx, user, wethAddr, ether(4))
	require.ErrorIs(t, err, ErrTransferFailed)
	requireBig(t, ether(10), f.collateral(user, wethAddr))
	requireBig(t, ether(10), f.balance(f.weth, engineAddr))
	require.Empty(t, f.eventTypes())
}

func TestTokenHooksSeeCommittedRows(t *testing.T) {
	f := newFixture(t)
	f.fund(user, ether(10))
	require.NoError(t, f.engine.DepositCollateral(f.ctx, user, wethAddr, ether(10)))

	var inFlight, outside *big.Int
	f.dsc.OnMove(func(ctx context.Context, from, to common.Address, _ *big.Int) {
		if from != (common.Address{}) {
			return
		}
		v, err := f.engine.DebtBalance(ctx, to)
		require.NoError(t, err)
		inFlight = v
		outside = f.debtOf(to)
	})
	require.NoError(t, f.engine.Mint(f.ctx, user, ether(7)))
	requireBig(t, ether(7), inFlight)
	requireBig(t, big.NewInt(0), outside)
	requireBig(t, ether(7), f.debtOf(user))
}

func TestQueriesHideRowsOfFailingOperation(t *testing.T) {
	f := newFixture(t)
	f.fund(user, ether(10))
	f.debt.refuseMint = true

	var (
		collateral, debt *big.Int
		info             AccountInfo
	)
	f.weth.OnMove(func(_ context.Context, from, to common.Address, _ *big.Int) {
		if from != user || to != engineAddr {
			return
		}
		collateral = f.collateral(user, wethAddr)
		debt = f.debtOf(user)
		var err error
		info, err = f.engine.AccountInformation(context.Background(), user)
		require.NoError(t, err)
	})

	err := f.engine.DepositAndMint(f.ctx, user, wethAddr, ether(10), ether(100))
	require.ErrorIs(t, err, ErrMintFailed)
	requireBig(t, big.NewInt(0), collateral)
	requireBig(t, big.NewInt(0), debt)
	requireBig(t, big.NewInt(0), info.CollateralUSD)
	requireBig(t, big.NewInt(0), f.collateral(user, wethAddr))

	f.engine.pending.mu.RLock()
	defer f.engine.pending.mu.RUnlock()
	require.Empty(t, f.engine.pending.rows)
}

func TestHookCallWithFreshContextFailsFast(t *testing.T) {
	f := newFixture(t)
	f.fund(user, ether(10))
	require.NoError(t, f.engine.DepositCollateral(f.ctx, user, wethAddr, ether(10)))

	var nestedErr error
	f.dsc.OnMove(func(_ context.Context, from, to common.Address, amount *big.Int) {
		if from == (common.Address{}) && to == user && amount.Cmp(ether(100)) == 0 {
			nestedErr = f.engine.Mint(context.Background(), user, big.NewInt(1))
		}
	})

	done := make(chan error, 1)
	go func() { done <- f.engine.Mint(f.ctx, user, ether(100)) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mint blocked on its own account lock")
	}
	require.ErrorIs(t, nestedErr, ErrAccountBusy)
	require.Equal(t, "busy", Outcome(nestedErr))
	requireBig(t, ether(100), f.debtOf(user))

	// The account is usable again once the outer operation returned.
	require.NoError(t, f.engine.Mint(f.ctx, user, big.NewInt(1)))
}

func TestUnitReadsStagedValues(t *testing.T) {
	f := newFixture(t)
	u := f.engine.newUnit("test")

	require.NoError(t, u.setDebt(user, ether(3)))
	require.NoError(t, u.setDebt(user, ether(5)))
	got, err := u.debtOf(user)
	require.NoError(t, err)
	requireBig(t, ether(5), got)

	// Prior value is captured once, on the first write.
	require.Len(t, u.order, 1)
	requireBig(t, big.NewInt(0), u.prior[rowKey{kind: DebtRow, owner: user}])

	// Mutating a read value does not leak into the stage.
	got.SetInt64(1)
	again, err := u.debtOf(user)
	require.NoError(t, err)
	requireBig(t, ether(5), again)

	committed, err := f.state.GetDebt(user)
	require.NoError(t, err)
	require.Zero(t, committed.Sign())
}

func TestAccountLocksSerialiseOverlappingSets(t *testing.T) {
	locks := newAccountLocks()
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")

	held, err := locks.acquire(b, a, a)
	require.NoError(t, err)
	acquired := make(chan struct{})
	go func() {
		h, err := locks.acquire(a)
		if err == nil {
			close(acquired)
			h.release()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lock on a acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	held.release()
	<-acquired

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h, _ := locks.acquire(a, b)
			h.release()
		}()
		go func() {
			defer wg.Done()
			h, _ := locks.acquire(b, a)
			h.release()
		}()
	}
	wg.Wait()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	require.Empty(t, locks.locks)
}

func TestAccountLocksRefuseDuringCollaboratorCalls(t *testing.T) {
	locks := newAccountLocks()
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")

	held, err := locks.acquire(a)
	require.NoError(t, err)
	held.calling(true)

	_, err = locks.acquire(b, a)
	require.ErrorIs(t, err, ErrAccountBusy)

	// b was taken before a was refused and must have been handed back.
	other, err := locks.acquire(b)
	require.NoError(t, err)
	other.release()

	held.calling(false)
	held.release()
	again, err := locks.acquire(a)
	require.NoError(t, err)
	again.release()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	require.Empty(t, locks.locks)
}
