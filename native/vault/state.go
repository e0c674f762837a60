package vault

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// RowKind distinguishes the two ledgers.
type RowKind uint8

const (
	// CollateralRow addresses a (owner, asset) collateral balance.
	CollateralRow RowKind = iota + 1
	// DebtRow addresses an owner's minted debt. Asset is always zero.
	DebtRow
)

// Change is the new value of a single ledger row.
type Change struct {
	Kind   RowKind
	Owner  common.Address
	Asset  common.Address
	Amount *big.Int
}

// State persists ledger rows. Missing rows read as zero. Commit must apply
// all changes or none of them.
type State interface {
	GetCollateral(owner, asset common.Address) (*big.Int, error)
	GetDebt(owner common.Address) (*big.Int, error)
	Commit(changes []Change) error
}

// ledgerReader is satisfied by the committed state and by an in-flight unit
// of work, so valuation code sees staged rows during an operation.
type ledgerReader interface {
	collateralOf(owner, asset common.Address) (*big.Int, error)
	debtOf(owner common.Address) (*big.Int, error)
}

// pendingRows holds the pre-operation value of every row written by an
// operation that is still running its collaborator calls. Readers outside
// that operation are served these values until it settles.
type pendingRows struct {
	mu   sync.RWMutex
	rows map[rowKey]*big.Int
}

func newPendingRows() *pendingRows {
	return &pendingRows{rows: make(map[rowKey]*big.Int)}
}

// open runs write and masks keys with their prior values in one step.
func (p *pendingRows) open(keys []rowKey, prior map[rowKey]*big.Int, write func() error) error {
	if p == nil {
		return write()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := write(); err != nil {
		return err
	}
	for _, key := range keys {
		p.rows[key] = cloneBigInt(prior[key])
	}
	return nil
}

// clear unmasks keys once their operation succeeded.
func (p *pendingRows) clear(keys []rowKey) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		delete(p.rows, key)
	}
}

// restore runs write and unmasks keys in one step.
func (p *pendingRows) restore(keys []rowKey, write func() error) error {
	if p == nil {
		return write()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		delete(p.rows, key)
	}
	return write()
}

func (p *pendingRows) read(key rowKey, load func() (*big.Int, error)) (*big.Int, error) {
	if p == nil {
		return load()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.rows[key]; ok {
		return cloneBigInt(v), nil
	}
	return load()
}

// committedReader reads the ledger outside a unit of work. With pending set
// it hides rows of operations that have not settled yet.
type committedReader struct {
	state   State
	pending *pendingRows
}

func (r committedReader) collateralOf(owner, asset common.Address) (*big.Int, error) {
	key := rowKey{kind: CollateralRow, owner: owner, asset: asset}
	v, err := r.pending.read(key, func() (*big.Int, error) {
		return r.state.GetCollateral(owner, asset)
	})
	if err != nil {
		return nil, err
	}
	return cloneBigInt(v), nil
}

func (r committedReader) debtOf(owner common.Address) (*big.Int, error) {
	v, err := r.pending.read(rowKey{kind: DebtRow, owner: owner}, func() (*big.Int, error) {
		return r.state.GetDebt(owner)
	})
	if err != nil {
		return nil, err
	}
	return cloneBigInt(v), nil
}
