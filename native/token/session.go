package token

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Session binds a ledger to a calling account, giving it the msg.sender style
// surface the vault engine expects from collateral and debt tokens.
type Session struct {
	ledger *Ledger
	holder common.Address
}

// As returns a session acting on behalf of holder.
func (l *Ledger) As(holder common.Address) *Session {
	return &Session{ledger: l, holder: holder}
}

func (s *Session) Holder() common.Address { return s.holder }

func (s *Session) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return s.ledger.BalanceOf(ctx, owner)
}

// Transfer reports false instead of an error for balance shortfalls.
func (s *Session) Transfer(ctx context.Context, to common.Address, amount *big.Int) (bool, error) {
	return refusal(s.ledger.Transfer(ctx, s.holder, to, amount))
}

// TransferFrom reports false instead of an error for balance or allowance
// shortfalls.
func (s *Session) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error) {
	return refusal(s.ledger.TransferFrom(ctx, s.holder, from, to, amount))
}

// Mint reports false when the session holder is not the minter.
func (s *Session) Mint(ctx context.Context, to common.Address, amount *big.Int) (bool, error) {
	err := s.ledger.Mint(ctx, s.holder, to, amount)
	if errors.Is(err, ErrNotMinter) {
		return false, nil
	}
	return err == nil, err
}

func (s *Session) Burn(ctx context.Context, amount *big.Int) error {
	return s.ledger.Burn(ctx, s.holder, amount)
}

func refusal(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientAllowance):
		return false, nil
	default:
		return false, err
	}
}
