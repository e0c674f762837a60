package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"stablevault/core/events"
	"stablevault/core/state"
	"stablevault/gateway/middleware"
	nativecommon "stablevault/native/common"
	"stablevault/native/token"
	"stablevault/native/vault"
	"stablevault/observability"
	"stablevault/observability/logging"
	"stablevault/observability/metrics"
	telemetry "stablevault/observability/otel"
	"stablevault/oracle"
	"stablevault/services/vaultd/config"
	"stablevault/services/vaultd/server"
	"stablevault/storage"
	"stablevault/storage/journal"
)

const tokenDecimals = 18

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/vaultd/config.yaml", "path to vaultd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("vaultd: load config: %v", err)
	}
	logger := logging.Setup(logging.Options{
		Service:     "vaultd",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "vaultd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		log.Fatalf("vaultd: init telemetry: %v", err)
	}

	runErr := run(cfg, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("vaultd: telemetry shutdown", slog.Any("error", err))
	}
	if runErr != nil {
		logger.Error("vaultd: exited", slog.Any("error", runErr))
		cancel()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	db, err := openDatabase(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	emitters := events.MultiEmitter{observability.Events()}
	var eventLog server.EventLog
	if cfg.Journal.Path != "" {
		dsn, err := journal.FileDSN(cfg.Journal.Path)
		if err != nil {
			return err
		}
		j, err := journal.Open(dsn, logger)
		if err != nil {
			return err
		}
		defer j.Close()
		emitters = append(emitters, j)
		eventLog = j
	}

	engineAddr := common.HexToAddress(cfg.Engine.Address)
	assets, feeds := cfg.Collateral.Assets()

	debt := token.NewLedger(cfg.Engine.DebtSymbol, tokenDecimals)
	debt.SetMinter(engineAddr)
	ledgers := map[common.Address]*token.Ledger{common.HexToAddress(cfg.Engine.DebtToken): debt}
	collateral := make(map[common.Address]vault.CollateralToken, len(assets))
	for i, asset := range assets {
		symbol := fmt.Sprintf("COLL%d", i)
		if i < len(cfg.Collateral.Symbols) && cfg.Collateral.Symbols[i] != "" {
			symbol = cfg.Collateral.Symbols[i]
		}
		ledger := token.NewLedger(symbol, tokenDecimals)
		ledgers[asset] = ledger
		collateral[asset] = ledger.As(engineAddr)
	}
	if err := applyGenesis(cfg.Genesis, ledgers); err != nil {
		return err
	}

	prices := oracle.NewStaticFeed()
	for feed, price := range cfg.Collateral.SeedPrices() {
		prices.Set(feed, price, cfg.Collateral.PriceDecimals)
	}
	var feed vault.PriceFeed = prices
	if cfg.Engine.FeedTimeout > 0 {
		feed = oracle.WithTimeout(prices, cfg.Engine.FeedTimeout)
	}

	engine, err := vault.NewEngine(vault.Config{
		Address:          engineAddr,
		CollateralAssets: assets,
		PriceFeeds:       feeds,
		Symbols:          cfg.Collateral.Symbols,
		MaxPriceAge:      cfg.Engine.MaxPriceAge,
	}, vault.Collaborators{
		Feeds:      feed,
		Debt:       debt.As(engineAddr),
		Collateral: collateral,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	engine.SetState(state.NewVaultLedger(db))
	engine.SetLogger(logger)
	engine.SetEmitter(emitters)
	engine.SetMetrics(metrics.Vault())
	engine.SetPauses(nativecommon.NewStaticPauses(cfg.Engine.PausedModules...))

	tokens := make(map[common.Address]server.Token, len(ledgers))
	for addr, ledger := range ledgers {
		tokens[addr] = ledger
	}
	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		limits[key] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Environment:   cfg.Environment,
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		},
		RateLimits:    limits,
		PriceDecimals: cfg.Collateral.PriceDecimals,
		LogRequests:   true,
	}, server.Deps{
		Vault:  engine,
		Tokens: tokens,
		Prices: prices,
		Events: eventLog,
	}, logger)
	if err != nil {
		return err
	}
	if !cfg.Auth.Enabled {
		logger.Warn("vaultd: authentication disabled, caller taken from X-Vault-Caller")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return srv.Run(ctx) })
	if addr := cfg.Telemetry.MetricsListen; addr != "" {
		g.Go(func() error { return serveMetrics(ctx, addr, logger) })
	}
	logger.Info("vaultd: started",
		slog.String("engine", engineAddr.Hex()),
		slog.String("storage", cfg.Storage.Backend),
		slog.Int("assets", len(assets)))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openDatabase(cfg config.StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendLevelDB:
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return db, nil
	case config.BackendBolt:
		db, err := storage.NewBoltDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt: %w", err)
		}
		return db, nil
	default:
		return storage.NewMemDB(), nil
	}
}

func applyGenesis(entries []config.GenesisBalance, ledgers map[common.Address]*token.Ledger) error {
	for i, g := range entries {
		ledger, ok := ledgers[common.HexToAddress(g.Token)]
		if !ok {
			return fmt.Errorf("genesis[%d]: token %s is not configured", i, g.Token)
		}
		amount, _ := new(big.Int).SetString(g.Amount, 10)
		if err := ledger.Credit(common.HexToAddress(g.Account), amount); err != nil {
			return fmt.Errorf("genesis[%d]: %w", i, err)
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("vaultd: metrics listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics listener: %w", err)
	}
	return nil
}
