package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stablevault/gateway/middleware"
	"stablevault/native/vault"
	"stablevault/storage/journal"
)

const (
	writeScope = "vault:write"
	adminScope = "vault:admin"
)

// Vault is the engine surface served over HTTP.
type Vault interface {
	Address() common.Address
	DepositCollateral(ctx context.Context, caller, asset common.Address, amount *big.Int) error
	DepositAndMint(ctx context.Context, caller, asset common.Address, collateralAmount, mintAmount *big.Int) error
	Redeem(ctx context.Context, caller, asset common.Address, amount *big.Int) error
	RedeemForBurn(ctx context.Context, caller, asset common.Address, collateralAmount, burnAmount *big.Int) error
	Mint(ctx context.Context, caller common.Address, amount *big.Int) error
	Burn(ctx context.Context, caller common.Address, amount *big.Int) error
	Liquidate(ctx context.Context, caller, collateral, target common.Address, debtToCover *big.Int) (*vault.LiquidationResult, error)

	AccountInformation(ctx context.Context, owner common.Address) (vault.AccountInfo, error)
	HealthFactor(ctx context.Context, owner common.Address) (*big.Int, error)
	CollateralBalance(ctx context.Context, owner, asset common.Address) (*big.Int, error)
	USDValue(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error)
	TokenAmountFromUSD(ctx context.Context, asset common.Address, usd *big.Int) (*big.Int, error)
	Assets() []vault.SupportedAsset
	Constants() vault.Constants
}

// Token is the per-token surface used for approvals and balance lookups.
type Token interface {
	Approve(owner, spender common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// PriceSetter updates an in-process price feed.
type PriceSetter interface {
	Set(feed common.Address, price *big.Int, decimals uint8)
}

// EventLog reads committed events back from the journal.
type EventLog interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	ByOperation(ctx context.Context, opID string) ([]journal.Entry, error)
}

type Config struct {
	ListenAddress string
	Environment   string
	Auth          middleware.AuthConfig
	RateLimits    map[string]middleware.RateLimit
	CORS          middleware.CORSConfig
	PriceDecimals uint8
	LogRequests   bool
}

// Deps are the collaborators behind the HTTP surface. Tokens is keyed by token
// address. Prices and Events are optional.
type Deps struct {
	Vault  Vault
	Tokens map[common.Address]Token
	Prices PriceSetter
	Events EventLog
}

type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
}

func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Vault == nil {
		return nil, errors.New("server: vault required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Tokens == nil {
		deps.Tokens = map[common.Address]Token{}
	}
	if cfg.PriceDecimals == 0 {
		cfg.PriceDecimals = 8
	}
	logger = logger.With(slog.String("component", "vaultd.http"))
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		auth:    middleware.NewAuthenticator(cfg.Auth, logger),
		limiter: middleware.NewRateLimiter(cfg.RateLimits, logger),
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "vaultd",
			LogRequests: cfg.LogRequests,
		}, logger),
	}, nil
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cfg.CORS))

	r.With(s.obs.Middleware("health")).Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("read"))
			r.With(s.obs.Middleware("constants")).Get("/constants", s.handleConstants)
			r.With(s.obs.Middleware("assets")).Get("/assets", s.handleAssets)
			r.With(s.obs.Middleware("assets.usd")).Get("/assets/{asset}/usd-value", s.handleUSDValue)
			r.With(s.obs.Middleware("assets.amount")).Get("/assets/{asset}/token-amount", s.handleTokenAmount)
			r.With(s.obs.Middleware("accounts")).Get("/accounts/{owner}", s.handleAccount)
			r.With(s.obs.Middleware("accounts.health")).Get("/accounts/{owner}/health", s.handleHealthFactor)
			r.With(s.obs.Middleware("tokens.balance")).Get("/tokens/{token}/balances/{owner}", s.handleBalance)
			r.With(s.obs.Middleware("events")).Get("/events", s.handleEvents)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware("write"))
			r.Use(s.auth.Middleware(writeScope))
			r.With(s.obs.Middleware("collateral.deposit")).Post("/collateral/deposit", s.handleDeposit)
			r.With(s.obs.Middleware("collateral.redeem")).Post("/collateral/redeem", s.handleRedeem)
			r.With(s.obs.Middleware("debt.mint")).Post("/debt/mint", s.handleMint)
			r.With(s.obs.Middleware("debt.burn")).Post("/debt/burn", s.handleBurn)
			r.With(s.obs.Middleware("positions.open")).Post("/positions/open", s.handleOpen)
			r.With(s.obs.Middleware("positions.close")).Post("/positions/close", s.handleClose)
			r.With(s.obs.Middleware("liquidations")).Post("/liquidations", s.handleLiquidate)
			r.With(s.obs.Middleware("tokens.approve")).Post("/tokens/{token}/approve", s.handleApprove)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(adminScope))
			r.With(s.obs.Middleware("feeds.set")).Post("/feeds/{feed}", s.handleSetPrice)
		})
	})

	return otelhttp.NewHandler(r, "vaultd")
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("vaultd: http server listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}
