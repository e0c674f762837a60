package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"stablevault/core/types"
)

type effectPhase uint8

// Effects run pulls first, then burns of pulled tokens, then outbound pushes
// and mints. Pulls and burns can be undone by the engine, and no operation
// schedules more than one push or mint, so a failure always leaves only
// compensable calls behind it.
const (
	phasePull effectPhase = iota
	phaseBurn
	phasePush
)

// effect is an external collaborator call scheduled by a ledger primitive.
type effect struct {
	name       string
	phase      effectPhase
	run        func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

type rowKey struct {
	kind  RowKind
	owner common.Address
	asset common.Address
}

// unitOfWork stages every ledger write of one public operation. Nothing
// reaches the state until commit, and a failed commit restores the rows it
// wrote before returning.
type unitOfWork struct {
	engine  *Engine
	locks   *heldLocks
	op      string
	id      string
	staged  map[rowKey]*big.Int
	prior   map[rowKey]*big.Int
	order   []rowKey
	effects []effect
	records []*types.Event
}

func (e *Engine) newUnit(op string) *unitOfWork {
	return &unitOfWork{
		engine: e,
		op:     op,
		id:     uuid.NewString(),
		staged: make(map[rowKey]*big.Int),
		prior:  make(map[rowKey]*big.Int),
	}
}

func (u *unitOfWork) read(key rowKey) (*big.Int, error) {
	if v, ok := u.staged[key]; ok {
		return cloneBigInt(v), nil
	}
	var (
		v   *big.Int
		err error
	)
	switch key.kind {
	case CollateralRow:
		v, err = u.engine.state.GetCollateral(key.owner, key.asset)
	case DebtRow:
		v, err = u.engine.state.GetDebt(key.owner)
	default:
		return nil, fmt.Errorf("vault: unknown row kind %d", key.kind)
	}
	if err != nil {
		return nil, err
	}
	return cloneBigInt(v), nil
}

func (u *unitOfWork) write(key rowKey, value *big.Int) error {
	if _, touched := u.prior[key]; !touched {
		prev, err := u.read(key)
		if err != nil {
			return err
		}
		u.prior[key] = prev
		u.order = append(u.order, key)
	}
	u.staged[key] = cloneBigInt(value)
	return nil
}

func (u *unitOfWork) collateralOf(owner, asset common.Address) (*big.Int, error) {
	return u.read(rowKey{kind: CollateralRow, owner: owner, asset: asset})
}

func (u *unitOfWork) debtOf(owner common.Address) (*big.Int, error) {
	return u.read(rowKey{kind: DebtRow, owner: owner})
}

func (u *unitOfWork) setCollateral(owner, asset common.Address, amount *big.Int) error {
	return u.write(rowKey{kind: CollateralRow, owner: owner, asset: asset}, amount)
}

func (u *unitOfWork) setDebt(owner common.Address, amount *big.Int) error {
	return u.write(rowKey{kind: DebtRow, owner: owner}, amount)
}

func (u *unitOfWork) schedule(eff effect) {
	u.effects = append(u.effects, eff)
}

func (u *unitOfWork) record(evt *types.Event) {
	if evt == nil {
		return
	}
	if evt.Attributes == nil {
		evt.Attributes = map[string]string{}
	}
	evt.Attributes["opId"] = u.id
	u.records = append(u.records, evt)
}

func (u *unitOfWork) changes(values map[rowKey]*big.Int) []Change {
	out := make([]Change, 0, len(u.order))
	for _, key := range u.order {
		out = append(out, Change{
			Kind:   key.kind,
			Owner:  key.owner,
			Asset:  key.asset,
			Amount: cloneBigInt(values[key]),
		})
	}
	return out
}

// commit writes the staged rows, then runs the scheduled collaborator calls.
// Until the calls settle, readers outside the operation keep seeing the prior
// rows. If a call fails, completed calls are compensated in reverse order and
// the rows are restored. Events are only emitted once everything succeeded.
func (u *unitOfWork) commit(ctx context.Context) error {
	state := u.engine.state
	pending := u.engine.pending
	if len(u.order) > 0 {
		write := func() error { return state.Commit(u.changes(u.staged)) }
		if err := pending.open(u.order, u.prior, write); err != nil {
			return fmt.Errorf("commit ledger: %w", err)
		}
	}

	sort.SliceStable(u.effects, func(i, j int) bool {
		return u.effects[i].phase < u.effects[j].phase
	})
	completed := make([]effect, 0, len(u.effects))
	var failed error
	u.locks.calling(true)
	for _, eff := range u.effects {
		if err := eff.run(ctx); err != nil {
			failed = err
			break
		}
		completed = append(completed, eff)
	}
	if failed != nil {
		u.unwind(ctx, completed)
	}
	u.locks.calling(false)

	if failed == nil {
		pending.clear(u.order)
		for _, evt := range u.records {
			u.engine.emit(evt)
		}
		return nil
	}

	if len(u.order) == 0 {
		return failed
	}
	restore := func() error { return state.Commit(u.changes(u.prior)) }
	if rbErr := pending.restore(u.order, restore); rbErr != nil {
		u.engine.logger.Error("vault: restore ledger failed",
			slog.String("op", u.op),
			slog.String("op_id", u.id),
			slog.Any("error", rbErr))
		return errors.Join(failed, fmt.Errorf("restore ledger: %w", rbErr))
	}
	return failed
}

func (u *unitOfWork) unwind(ctx context.Context, completed []effect) {
	ctx = context.WithoutCancel(ctx)
	for i := len(completed) - 1; i >= 0; i-- {
		eff := completed[i]
		if eff.compensate == nil {
			u.engine.logger.Error("vault: irreversible call completed before rollback",
				slog.String("op", u.op),
				slog.String("op_id", u.id),
				slog.String("call", eff.name))
			u.engine.metrics.ObserveCompensation(eff.name, "irreversible")
			continue
		}
		if err := eff.compensate(ctx); err != nil {
			u.engine.logger.Error("vault: compensation failed",
				slog.String("op", u.op),
				slog.String("op_id", u.id),
				slog.String("call", eff.name),
				slog.Any("error", err))
			u.engine.metrics.ObserveCompensation(eff.name, "failed")
			continue
		}
		u.engine.metrics.ObserveCompensation(eff.name, "ok")
	}
}
