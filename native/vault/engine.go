package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stablevault/core/events"
	"stablevault/core/types"
	nativecommon "stablevault/native/common"
	"stablevault/observability/metrics"
)

// Config captures the construction-time inputs of the engine. The asset and
// feed lists are parallel: the i-th feed prices the i-th asset.
type Config struct {
	// Address is the engine's own account on the token ledgers. Collateral
	// and debt tokens pulled from users are held here.
	Address          common.Address
	CollateralAssets []common.Address
	PriceFeeds       []common.Address
	// Symbols optionally labels the assets; when set it must match
	// CollateralAssets in length.
	Symbols []string
	// MaxPriceAge rejects quotes older than this. Zero disables the check.
	MaxPriceAge time.Duration
}

// Collaborators bundles the external capabilities the engine drives.
type Collaborators struct {
	Feeds      PriceFeed
	Debt       DebtToken
	Collateral map[common.Address]CollateralToken
}

// Engine is the public surface of the collateral and debt ledgers. Every
// state-changing method is all-or-nothing: it either commits its ledger rows,
// collaborator calls and events, or leaves no observable effect.
type Engine struct {
	address     common.Address
	registry    *registry
	feeds       PriceFeed
	debt        DebtToken
	state       State
	locks       *accountLocks
	pending     *pendingRows
	emitter     events.Emitter
	logger      *slog.Logger
	metrics     *metrics.VaultMetrics
	pauses      nativecommon.PauseView
	tracer      trace.Tracer
	maxPriceAge time.Duration
	nowFn       func() time.Time
}

// NewEngine validates the asset registry and returns an engine without a
// state backend; call SetState before issuing operations.
func NewEngine(cfg Config, deps Collaborators) (*Engine, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: engine address required", ErrInvalidConfig)
	}
	if deps.Feeds == nil {
		return nil, fmt.Errorf("%w: price feed required", ErrInvalidConfig)
	}
	if deps.Debt == nil {
		return nil, fmt.Errorf("%w: debt token required", ErrInvalidConfig)
	}
	if cfg.MaxPriceAge < 0 {
		return nil, fmt.Errorf("%w: negative max price age", ErrInvalidConfig)
	}
	reg, err := newRegistry(cfg.CollateralAssets, cfg.PriceFeeds, cfg.Symbols, deps.Collateral)
	if err != nil {
		return nil, err
	}
	return &Engine{
		address:     cfg.Address,
		registry:    reg,
		feeds:       deps.Feeds,
		debt:        deps.Debt,
		locks:       newAccountLocks(),
		pending:     newPendingRows(),
		emitter:     events.NoopEmitter{},
		logger:      slog.Default(),
		tracer:      otel.Tracer("stablevault/native/vault"),
		maxPriceAge: cfg.MaxPriceAge,
		nowFn:       time.Now,
	}, nil
}

// SetState wires the engine to the ledger persistence layer.
func (e *Engine) SetState(state State) { e.state = state }

// SetEmitter configures where committed events are published. Passing nil
// discards events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetMetrics installs the metrics registry. A nil registry disables metrics.
func (e *Engine) SetMetrics(m *metrics.VaultMetrics) { e.metrics = m }

// SetPauses installs the pause switches consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the clock used for price staleness checks.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// Address returns the engine's own account.
func (e *Engine) Address() common.Address { return e.address }

// DepositCollateral moves amount of asset from caller into the engine and
// credits caller's collateral position.
func (e *Engine) DepositCollateral(ctx context.Context, caller, asset common.Address, amount *big.Int) error {
	if err := nativecommon.Check(e.notPaused(), moreThanZero(amount), e.isAllowedCollateral(asset)); err != nil {
		return err
	}
	return e.run(ctx, "deposit", []common.Address{caller}, func(ctx context.Context, u *unitOfWork) error {
		return e.depositCollateral(u, caller, asset, amount)
	}, slog.String("owner", caller.Hex()), slog.String("asset", e.symbol(asset)), slog.String("amount", amount.String()))
}

// DepositAndMint deposits collateral and mints debt in one operation.
func (e *Engine) DepositAndMint(ctx context.Context, caller, asset common.Address, collateralAmount, mintAmount *big.Int) error {
	if err := nativecommon.Check(
		e.notPaused(),
		moreThanZero(collateralAmount),
		moreThanZero(mintAmount),
		e.isAllowedCollateral(asset),
	); err != nil {
		return err
	}
	return e.run(ctx, "deposit_and_mint", []common.Address{caller}, func(ctx context.Context, u *unitOfWork) error {
		if err := e.depositCollateral(u, caller, asset, collateralAmount); err != nil {
			return err
		}
		if err := e.mintDebt(u, caller, mintAmount); err != nil {
			return err
		}
		return e.assertSolvent(ctx, u, caller)
	}, slog.String("owner", caller.Hex()), slog.String("asset", e.symbol(asset)),
		slog.String("collateral", collateralAmount.String()), slog.String("minted", mintAmount.String()))
}

// Redeem returns amount of asset to caller. Caller must remain solvent.
func (e *Engine) Redeem(ctx context.Context, caller, asset common.Address, amount *big.Int) error {
	if err := nativecommon.Check(e.notPaused(), moreThanZero(amount), e.isAllowedCollateral(asset)); err != nil {
		return err
	}
	return e.run(ctx, "redeem", []common.Address{caller}, func(ctx context.Context, u *unitOfWork) error {
		if err := e.redeemCollateral(u, caller, caller, asset, amount); err != nil {
			return err
		}
		return e.assertSolvent(ctx, u, caller)
	}, slog.String("owner", caller.Hex()), slog.String("asset", e.symbol(asset)), slog.String("amount", amount.String()))
}

// RedeemForBurn burns burnAmount of caller's debt, then redeems
// collateralAmount of asset, then checks solvency.
func (e *Engine) RedeemForBurn(ctx context.Context, caller, asset common.Address, collateralAmount, burnAmount *big.Int) error {
	if err := nativecommon.Check(
		e.notPaused(),
		moreThanZero(collateralAmount),
		moreThanZero(burnAmount),
		e.isAllowedCollateral(asset),
	); err != nil {
		return err
	}
	return e.run(ctx, "redeem_for_burn", []common.Address{caller}, func(ctx context.Context, u *unitOfWork) error {
		if err := e.burnDebt(u, burnAmount, caller, caller); err != nil {
			return err
		}
		if err := e.redeemCollateral(u, caller, caller, asset, collateralAmount); err != nil {
			return err
		}
		return e.assertSolvent(ctx, u, caller)
	}, slog.String("owner", caller.Hex()), slog.String("asset", e.symbol(asset)),
		slog.String("collateral", collateralAmount.String()), slog.String("burned", burnAmount.String()))
}

// Mint records amount of new debt for caller and mints the tokens. The
// solvency check runs after the debt is incremented.
func (e *Engine) Mint(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := nativecommon.Check(e.notPaused(), moreThanZero(amount)); err != nil {
		return err
	}
	return e.run(ctx, "mint", []common.Address{caller}, func(ctx context.Context, u *unitOfWork) error {
		if err := e.mintDebt(u, caller, amount); err != nil {
			return err
		}
		return e.assertSolvent(ctx, u, caller)
	}, slog.String("owner", caller.Hex()), slog.String("amount", amount.String()))
}

// Burn pays down amount of caller's debt with caller's tokens. Burning can
// only raise the health factor; the final check is kept anyway.
func (e *Engine) Burn(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := nativecommon.Check(e.notPaused(), moreThanZero(amount)); err != nil {
		return err
	}
	return e.run(ctx, "burn", []common.Address{caller}, func(ctx context.Context, u *unitOfWork) error {
		if err := e.burnDebt(u, amount, caller, caller); err != nil {
			return err
		}
		return e.assertSolvent(ctx, u, caller)
	}, slog.String("owner", caller.Hex()), slog.String("amount", amount.String()))
}

type inFlightKey struct{}

// run executes fn as one unit of work holding the locks of every owner it
// touches. Collaborator calls made during commit receive a context marked as
// in flight; any engine operation started with that context is rejected. A
// callback that drops the context and targets a locked account fails with
// ErrAccountBusy instead of waiting on the suspended operation.
func (e *Engine) run(ctx context.Context, op string, owners []common.Address, fn func(context.Context, *unitOfWork) error, attrs ...slog.Attr) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if active, _ := ctx.Value(inFlightKey{}).(*Engine); active == e {
		return ErrReentrantCall
	}
	ctx = context.WithValue(ctx, inFlightKey{}, e)
	ctx, span := e.tracer.Start(ctx, "vault."+op)
	defer span.End()

	start := time.Now()
	held, err := e.locks.acquire(owners...)
	if err != nil {
		e.metrics.ObserveOperation(op, Outcome(err), time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, Outcome(err))
		return err
	}
	defer held.release()

	u := e.newUnit(op)
	u.locks = held
	span.SetAttributes(attribute.String("vault.op_id", u.id))

	err = fn(ctx, u)
	if err == nil {
		err = u.commit(ctx)
	}
	outcome := Outcome(err)
	e.metrics.ObserveOperation(op, outcome, time.Since(start))

	args := make([]any, 0, len(attrs)+3)
	args = append(args, slog.String("op", op), slog.String("op_id", u.id))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		args = append(args, slog.String("outcome", outcome), slog.Any("error", err))
		e.logger.Warn("vault: operation rolled back", args...)
		return err
	}
	e.logger.Info("vault: operation committed", args...)
	return nil
}

// Outcome classifies an operation error into a short label for metrics and
// transport mapping.
func Outcome(err error) string {
	var solvency *SolvencyError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &solvency):
		return "insolvent"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrAssetNotAllowed),
		errors.Is(err, ErrInsufficientCollateral), errors.Is(err, ErrInsufficientDebt):
		return "invalid"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrMintFailed):
		return "mint_failed"
	case errors.Is(err, ErrHealthFactorOK):
		return "not_liquidatable"
	case errors.Is(err, ErrHealthFactorNotImproved):
		return "not_improved"
	case errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrStalePrice), errors.Is(err, ErrPriceUnavailable):
		return "oracle"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant"
	case errors.Is(err, ErrAccountBusy):
		return "busy"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	default:
		return "error"
	}
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(vaultEvent{evt: evt})
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

func (e *Engine) symbol(asset common.Address) string {
	if entry, ok := e.registry.lookup(asset); ok {
		return entry.Symbol
	}
	return asset.Hex()
}
