package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen       = ":8090"
	defaultPriceDecimal = 8
	secretEnv           = "VAULTD_AUTH_SECRET"
)

// Storage backends.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Config captures the runtime settings for the vault daemon.
type Config struct {
	ListenAddress string               `yaml:"listen" toml:"listen"`
	Environment   string               `yaml:"environment" toml:"environment"`
	LogLevel      string               `yaml:"log_level" toml:"log_level"`
	Storage       StorageConfig        `yaml:"storage" toml:"storage"`
	Journal       JournalConfig        `yaml:"journal" toml:"journal"`
	Engine        EngineConfig         `yaml:"engine" toml:"engine"`
	Collateral    CollateralConfig     `yaml:"collateral" toml:"collateral"`
	Auth          AuthConfig           `yaml:"auth" toml:"auth"`
	RateLimits    map[string]RateLimit `yaml:"rate_limits" toml:"rate_limits"`
	Telemetry     TelemetryConfig      `yaml:"telemetry" toml:"telemetry"`
	Genesis       []GenesisBalance     `yaml:"genesis" toml:"genesis"`
}

// StorageConfig selects the ledger backend. Persistent backends need a path.
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// JournalConfig locates the SQLite event journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// EngineConfig describes the engine account and the debt token it mints.
type EngineConfig struct {
	Address       string        `yaml:"address" toml:"address"`
	DebtToken     string        `yaml:"debt_token" toml:"debt_token"`
	DebtSymbol    string        `yaml:"debt_symbol" toml:"debt_symbol"`
	MaxPriceAge   time.Duration `yaml:"max_price_age" toml:"max_price_age"`
	FeedTimeout   time.Duration `yaml:"feed_timeout" toml:"feed_timeout"`
	PausedModules []string      `yaml:"paused_modules" toml:"paused_modules"`
}

// CollateralConfig lists the accepted collateral. Tokens, PriceFeeds,
// Symbols and Prices are parallel lists.
type CollateralConfig struct {
	Tokens     []string `yaml:"tokens" toml:"tokens"`
	PriceFeeds []string `yaml:"price_feeds" toml:"price_feeds"`
	Symbols    []string `yaml:"symbols" toml:"symbols"`
	// Prices seeds the in-process feed; each entry is an integer in
	// PriceDecimals precision.
	Prices        []string `yaml:"prices" toml:"prices"`
	PriceDecimals uint8    `yaml:"price_decimals" toml:"price_decimals"`
}

type AuthConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	HMACSecret string `yaml:"hmac_secret" toml:"hmac_secret"`
	Issuer     string `yaml:"issuer" toml:"issuer"`
	Audience   string `yaml:"audience" toml:"audience"`
}

type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// TelemetryConfig wires OTLP export. MetricsListen, when set, serves
// /metrics on a separate listener.
type TelemetryConfig struct {
	MetricsListen string `yaml:"metrics_listen" toml:"metrics_listen"`
	Endpoint      string `yaml:"endpoint" toml:"endpoint"`
	Insecure      bool   `yaml:"insecure" toml:"insecure"`
	Headers       string `yaml:"headers" toml:"headers"`
	Traces        bool   `yaml:"traces" toml:"traces"`
	Metrics       bool   `yaml:"metrics" toml:"metrics"`
}

// GenesisBalance credits a token balance at start-up.
type GenesisBalance struct {
	Account string `yaml:"account" toml:"account"`
	Token   string `yaml:"token" toml:"token"`
	Amount  string `yaml:"amount" toml:"amount"`
}

// Load reads a YAML or TOML (by .toml extension) configuration from disk and
// validates the result. VAULTD_AUTH_SECRET overrides auth.hmac_secret.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if secret := strings.TrimSpace(os.Getenv(secretEnv)); secret != "" {
		cfg.Auth.HMACSecret = secret
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.LogLevel = strings.TrimSpace(cfg.LogLevel)
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Journal.Path = strings.TrimSpace(cfg.Journal.Path)

	cfg.Engine.Address = strings.TrimSpace(cfg.Engine.Address)
	cfg.Engine.DebtToken = strings.TrimSpace(cfg.Engine.DebtToken)
	cfg.Engine.DebtSymbol = strings.TrimSpace(cfg.Engine.DebtSymbol)
	if cfg.Engine.DebtSymbol == "" {
		cfg.Engine.DebtSymbol = "DSC"
	}
	cfg.Engine.PausedModules = trimAll(cfg.Engine.PausedModules)

	cfg.Collateral.Tokens = trimAll(cfg.Collateral.Tokens)
	cfg.Collateral.PriceFeeds = trimAll(cfg.Collateral.PriceFeeds)
	cfg.Collateral.Prices = trimAll(cfg.Collateral.Prices)
	for i := range cfg.Collateral.Symbols {
		cfg.Collateral.Symbols[i] = strings.TrimSpace(cfg.Collateral.Symbols[i])
	}
	if cfg.Collateral.PriceDecimals == 0 {
		cfg.Collateral.PriceDecimals = defaultPriceDecimal
	}

	cfg.Telemetry.MetricsListen = strings.TrimSpace(cfg.Telemetry.MetricsListen)
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	for i := range cfg.Genesis {
		g := &cfg.Genesis[i]
		g.Account = strings.TrimSpace(g.Account)
		g.Token = strings.TrimSpace(g.Token)
		g.Amount = strings.TrimSpace(g.Amount)
	}
}

func (cfg *Config) validate() error {
	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendLevelDB, BackendBolt:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage: path required for %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if !common.IsHexAddress(cfg.Engine.Address) {
		return fmt.Errorf("engine: address %q is not a hex address", cfg.Engine.Address)
	}
	if !common.IsHexAddress(cfg.Engine.DebtToken) {
		return fmt.Errorf("engine: debt_token %q is not a hex address", cfg.Engine.DebtToken)
	}
	if cfg.Engine.MaxPriceAge < 0 || cfg.Engine.FeedTimeout < 0 {
		return fmt.Errorf("engine: durations must not be negative")
	}
	if err := cfg.Collateral.validate(); err != nil {
		return fmt.Errorf("collateral: %w", err)
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmac_secret required when auth is enabled")
	}
	for key, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s: values must not be negative", key)
		}
	}
	for i, g := range cfg.Genesis {
		if !common.IsHexAddress(g.Account) || !common.IsHexAddress(g.Token) {
			return fmt.Errorf("genesis[%d]: account and token must be hex addresses", i)
		}
		amount, ok := new(big.Int).SetString(g.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return fmt.Errorf("genesis[%d]: amount %q must be a positive integer", i, g.Amount)
		}
	}
	return nil
}

func (cfg CollateralConfig) validate() error {
	if len(cfg.Tokens) != len(cfg.PriceFeeds) {
		return fmt.Errorf("%d tokens but %d price feeds", len(cfg.Tokens), len(cfg.PriceFeeds))
	}
	if len(cfg.Tokens) == 0 {
		return fmt.Errorf("at least one collateral token required")
	}
	if len(cfg.Symbols) != 0 && len(cfg.Symbols) != len(cfg.Tokens) {
		return fmt.Errorf("%d symbols for %d tokens", len(cfg.Symbols), len(cfg.Tokens))
	}
	if len(cfg.Prices) != 0 && len(cfg.Prices) != len(cfg.PriceFeeds) {
		return fmt.Errorf("%d prices for %d price feeds", len(cfg.Prices), len(cfg.PriceFeeds))
	}
	for i := range cfg.Tokens {
		if !common.IsHexAddress(cfg.Tokens[i]) || !common.IsHexAddress(cfg.PriceFeeds[i]) {
			return fmt.Errorf("entry %d: token and price feed must be hex addresses", i)
		}
	}
	for i, raw := range cfg.Prices {
		if _, ok := new(big.Int).SetString(raw, 10); !ok {
			return fmt.Errorf("prices[%d]: %q is not an integer", i, raw)
		}
	}
	return nil
}

// Assets returns the collateral tokens and their feeds as addresses.
func (cfg CollateralConfig) Assets() (tokens, feeds []common.Address) {
	tokens = make([]common.Address, len(cfg.Tokens))
	feeds = make([]common.Address, len(cfg.PriceFeeds))
	for i := range cfg.Tokens {
		tokens[i] = common.HexToAddress(cfg.Tokens[i])
	}
	for i := range cfg.PriceFeeds {
		feeds[i] = common.HexToAddress(cfg.PriceFeeds[i])
	}
	return tokens, feeds
}

// SeedPrices returns the configured starting price of each feed.
func (cfg CollateralConfig) SeedPrices() map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(cfg.Prices))
	for i, raw := range cfg.Prices {
		price, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			continue
		}
		out[common.HexToAddress(cfg.PriceFeeds[i])] = price
	}
	return out
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
