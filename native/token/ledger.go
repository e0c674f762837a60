package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrNotMinter             = errors.New("token: caller is not the minter")
	ErrZeroAddress           = errors.New("token: zero address")
)

// Hook observes a completed balance movement. From is zero for mints and To
// is zero for burns. Hooks run after the ledger lock is released.
type Hook func(ctx context.Context, from, to common.Address, amount *big.Int)

// Ledger is an in-memory fungible token with allowances and a single minter.
type Ledger struct {
	mu         sync.Mutex
	symbol     string
	decimals   uint8
	minter     common.Address
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	hooks      []Hook
}

// NewLedger creates an empty token.
func NewLedger(symbol string, decimals uint8) *Ledger {
	return &Ledger{
		symbol:     strings.TrimSpace(symbol),
		decimals:   decimals,
		supply:     big.NewInt(0),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (l *Ledger) Symbol() string  { return l.symbol }
func (l *Ledger) Decimals() uint8 { return l.decimals }

// SetMinter designates the only account allowed to mint.
func (l *Ledger) SetMinter(minter common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minter = minter
}

// OnMove registers a hook invoked after every transfer, mint and burn.
func (l *Ledger) OnMove(h Hook) {
	if h == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

func (l *Ledger) TotalSupply() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.supply)
}

func (l *Ledger) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(owner), nil
}

func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowanceLocked(owner, spender)
}

// Approve sets spender's allowance over owner's balance, replacing any
// previous value.
func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	byOwner, ok := l.allowances[owner]
	if !ok {
		byOwner = make(map[common.Address]*big.Int)
		l.allowances[owner] = byOwner
	}
	if amount.Sign() == 0 {
		delete(byOwner, spender)
		return nil
	}
	byOwner[spender] = new(big.Int).Set(amount)
	return nil
}

// Credit adds amount to owner without a minter check. It seeds balances at
// start-up and in tests.
func (l *Ledger) Credit(owner common.Address, amount *big.Int) error {
	if owner == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[owner] = new(big.Int).Add(l.balanceLocked(owner), amount)
	l.supply.Add(l.supply, amount)
	return nil
}

// Transfer moves amount from holder to to.
func (l *Ledger) Transfer(ctx context.Context, holder, to common.Address, amount *big.Int) error {
	if err := l.move(holder, to, amount, nil); err != nil {
		return err
	}
	l.notify(ctx, holder, to, amount)
	return nil
}

// TransferFrom moves amount from from to to using spender's allowance.
func (l *Ledger) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	if err := l.move(from, to, amount, &spender); err != nil {
		return err
	}
	l.notify(ctx, from, to, amount)
	return nil
}

// Mint creates amount for to. Only the minter may call it.
func (l *Ledger) Mint(ctx context.Context, caller, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	if l.minter == (common.Address{}) || caller != l.minter {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotMinter, caller.Hex())
	}
	l.balances[to] = new(big.Int).Add(l.balanceLocked(to), amount)
	l.supply.Add(l.supply, amount)
	l.mu.Unlock()

	l.notify(ctx, common.Address{}, to, amount)
	return nil
}

// Burn destroys amount of holder's balance.
func (l *Ledger) Burn(ctx context.Context, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	balance := l.balanceLocked(holder)
	if balance.Cmp(amount) < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s has %s, burn %s", ErrInsufficientBalance, holder.Hex(), balance, amount)
	}
	l.setBalanceLocked(holder, balance.Sub(balance, amount))
	l.supply.Sub(l.supply, amount)
	l.mu.Unlock()

	l.notify(ctx, holder, common.Address{}, amount)
	return nil
}

func (l *Ledger) move(from, to common.Address, amount *big.Int, spender *common.Address) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balanceLocked(from)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, move %s", ErrInsufficientBalance, from.Hex(), balance, amount)
	}
	if spender != nil && *spender != from {
		allowance := l.allowanceLocked(from, *spender)
		if allowance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s may spend %s of %s", ErrInsufficientAllowance, spender.Hex(), allowance, from.Hex())
		}
		remaining := allowance.Sub(allowance, amount)
		if remaining.Sign() == 0 {
			delete(l.allowances[from], *spender)
		} else {
			l.allowances[from][*spender] = remaining
		}
	}
	l.setBalanceLocked(from, balance.Sub(balance, amount))
	l.balances[to] = new(big.Int).Add(l.balanceLocked(to), amount)
	return nil
}

func (l *Ledger) notify(ctx context.Context, from, to common.Address, amount *big.Int) {
	l.mu.Lock()
	hooks := append([]Hook(nil), l.hooks...)
	l.mu.Unlock()
	for _, h := range hooks {
		h(ctx, from, to, new(big.Int).Set(amount))
	}
}

func (l *Ledger) balanceLocked(owner common.Address) *big.Int {
	if v, ok := l.balances[owner]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (l *Ledger) setBalanceLocked(owner common.Address, v *big.Int) {
	if v.Sign() == 0 {
		delete(l.balances, owner)
		return
	}
	l.balances[owner] = v
}

func (l *Ledger) allowanceLocked(owner, spender common.Address) *big.Int {
	if v, ok := l.allowances[owner][spender]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}
