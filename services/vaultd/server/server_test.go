package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"stablevault/core/events"
	"stablevault/core/state"
	"stablevault/gateway/middleware"
	"stablevault/native/token"
	"stablevault/native/vault"
	"stablevault/oracle"
	"stablevault/storage"
	"stablevault/storage/journal"
)

const testSecret = "server-secret"

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	wethAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	dscAddr    = common.HexToAddress("0x00000000000000000000000000000000000000d5")
	wethFeed   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	user       = common.HexToAddress("0x0000000000000000000000000000000000000011")
	liquidator = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000))
}

type harness struct {
	t      *testing.T
	srv    *httptest.Server
	weth   *token.Ledger
	dsc    *token.Ledger
	feed   *oracle.StaticFeed
	events *journal.Journal
}

func newHarness(t *testing.T, auth middleware.AuthConfig) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	weth := token.NewLedger("WETH", 18)
	dsc := token.NewLedger("DSC", 18)
	dsc.SetMinter(engineAddr)
	feed := oracle.NewStaticFeed()
	feed.Set(wethFeed, usd(2000), 8)

	engine, err := vault.NewEngine(vault.Config{
		Address:          engineAddr,
		CollateralAssets: []common.Address{wethAddr},
		PriceFeeds:       []common.Address{wethFeed},
		Symbols:          []string{"WETH"},
	}, vault.Collaborators{
		Feeds:      feed,
		Debt:       dsc.As(engineAddr),
		Collateral: map[common.Address]vault.CollateralToken{wethAddr: weth.As(engineAddr)},
	})
	require.NoError(t, err)
	engine.SetState(state.NewVaultLedger(storage.NewMemDB()))
	engine.SetLogger(logger)

	dsn, err := journal.FileDSN(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	j, err := journal.Open(dsn, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	engine.SetEmitter(events.MultiEmitter{j})

	s, err := New(Config{Auth: auth, PriceDecimals: 8}, Deps{
		Vault:  engine,
		Tokens: map[common.Address]Token{wethAddr: weth, dscAddr: dsc},
		Prices: feed,
		Events: j,
	}, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv, weth: weth, dsc: dsc, feed: feed, events: j}
}

func (h *harness) do(method, path string, as *common.Address, body any, headers ...string) (int, map[string]any) {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(h.t, err)
	if as != nil {
		req.Header.Set("X-Vault-Caller", as.Hex())
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

// open funds owner with WETH, approves the engine and opens a position.
func (h *harness) open(owner common.Address, collateral, debt *big.Int) {
	h.t.Helper()
	require.NoError(h.t, h.weth.Credit(owner, collateral))
	status, _ := h.do(http.MethodPost, "/v1/tokens/"+wethAddr.Hex()+"/approve", &owner, map[string]string{"amount": collateral.String()})
	require.Equal(h.t, http.StatusOK, status)
	status, body := h.do(http.MethodPost, "/v1/positions/open", &owner, map[string]string{
		"asset":            wethAddr.Hex(),
		"collateralAmount": collateral.String(),
		"debtAmount":       debt.String(),
	})
	require.Equal(h.t, http.StatusOK, status, body)
}

func TestOpenPositionAndReadAccount(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	h.open(user, ether(10), ether(100))

	status, body := h.do(http.MethodGet, "/v1/accounts/"+user.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, ether(100).String(), body["debt"])
	require.Equal(t, ether(20_000).String(), body["collateralUsd"])
	require.Equal(t, ether(100).String(), body["healthFactor"])
	require.Equal(t, map[string]any{wethAddr.Hex(): ether(10).String()}, body["collateral"])

	status, body = h.do(http.MethodGet, "/v1/accounts/"+user.Hex()+"/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["liquidatable"])

	bal, err := h.dsc.BalanceOf(context.Background(), user)
	require.NoError(t, err)
	require.Equal(t, ether(100), bal)
}

func TestMintBeyondThresholdReturnsHealthFactor(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	h.open(user, ether(10), ether(100))

	status, body := h.do(http.MethodPost, "/v1/debt/mint", &user, map[string]string{"amount": ether(9_901).String()})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "insolvent", body["outcome"])
	require.NotEmpty(t, body["healthFactor"])

	status, body = h.do(http.MethodGet, "/v1/accounts/"+user.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, ether(100).String(), body["debt"])
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})

	status, body := h.do(http.MethodPost, "/v1/collateral/deposit", &user, map[string]string{"asset": wethAddr.Hex(), "amount": "0"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid", body["outcome"])

	status, _ = h.do(http.MethodPost, "/v1/collateral/deposit", &user, map[string]string{"asset": wethAddr.Hex(), "amount": "1.5"})
	require.Equal(t, http.StatusBadRequest, status)

	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	status, _ = h.do(http.MethodPost, "/v1/collateral/deposit", &user, map[string]string{"asset": other.Hex(), "amount": "1"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(http.MethodPost, "/v1/collateral/deposit", nil, map[string]string{"asset": wethAddr.Hex(), "amount": "1"})
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.do(http.MethodPost, "/v1/tokens/"+other.Hex()+"/approve", &user, map[string]string{"amount": "1"})
	require.Equal(t, http.StatusNotFound, status)
}

func TestDepositWithoutAllowanceFailsTransfer(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	require.NoError(t, h.weth.Credit(user, ether(1)))

	status, body := h.do(http.MethodPost, "/v1/collateral/deposit", &user, map[string]string{"asset": wethAddr.Hex(), "amount": ether(1).String()})
	require.Equal(t, http.StatusBadGateway, status)
	require.Equal(t, "transfer_failed", body["outcome"])
}

func TestLiquidationOverHTTP(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	h.open(user, ether(10), ether(100))
	h.open(liquidator, ether(1_000), ether(100))

	status, body := h.do(http.MethodPost, "/v1/liquidations", &liquidator, map[string]string{
		"collateral":  wethAddr.Hex(),
		"target":      user.Hex(),
		"debtToCover": ether(100).String(),
	})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "not_liquidatable", body["outcome"])

	h.feed.Set(wethFeed, usd(18), 8)
	status, body = h.do(http.MethodGet, "/v1/accounts/"+user.Hex()+"/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["liquidatable"])

	status, _ = h.do(http.MethodPost, "/v1/tokens/"+dscAddr.Hex()+"/approve", &liquidator, map[string]string{"amount": ether(100).String()})
	require.Equal(t, http.StatusOK, status)

	status, body = h.do(http.MethodPost, "/v1/liquidations", &liquidator, map[string]string{
		"collateral":  wethAddr.Hex(),
		"target":      user.Hex(),
		"debtToCover": ether(100).String(),
	})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "5555555555555555555", body["baseAmount"])
	require.Equal(t, "555555555555555555", body["bonus"])
	require.Equal(t, "6111111111111111110", body["totalRedeemed"])
	require.Equal(t, vault.MaxHealthFactor.String(), body["endHealthFactor"])

	status, body = h.do(http.MethodGet, "/v1/tokens/"+wethAddr.Hex()+"/balances/"+liquidator.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "6111111111111111110", body["balance"])
}

func TestEventsFromJournal(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	h.open(user, ether(10), ether(100))

	resp, err := http.Get(h.srv.URL + "/v1/events?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []journal.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.NotEmpty(t, entries)
	opID := entries[0].OpID
	require.NotEmpty(t, opID)

	byOp, err := h.events.ByOperation(context.Background(), opID)
	require.NoError(t, err)
	require.Len(t, byOp, len(entries))

	status, _ := h.do(http.MethodGet, "/v1/events?limit=-1", nil, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestConversionsAndConstants(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})

	status, body := h.do(http.MethodGet, "/v1/assets/"+wethAddr.Hex()+"/usd-value?amount="+ether(15).String(), nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, ether(30_000).String(), body["usd"])

	status, body = h.do(http.MethodGet, "/v1/assets/"+wethAddr.Hex()+"/token-amount?usd="+ether(100).String(), nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "50000000000000000", body["amount"])

	status, body = h.do(http.MethodGet, "/v1/constants", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "50", body["liquidationThreshold"])
	require.Equal(t, "10", body["liquidationBonus"])

	status, body = h.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
}

func TestPriceUpdateRequiresAdminScope(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{Enabled: true, HMACSecret: testSecret})

	sign := func(scope string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":   user.Hex(),
			"scope": scope,
			"exp":   time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return "Bearer " + tok
	}

	path := "/v1/feeds/" + wethFeed.Hex()
	status, _ := h.do(http.MethodPost, path, nil, map[string]string{"price": usd(3000).String()}, "Authorization", sign("vault:write"))
	require.Equal(t, http.StatusForbidden, status)

	status, _ = h.do(http.MethodPost, path, nil, map[string]string{"price": usd(3000).String()}, "Authorization", sign("vault:admin"))
	require.Equal(t, http.StatusOK, status)

	status, body := h.do(http.MethodGet, "/v1/assets/"+wethAddr.Hex()+"/usd-value?amount="+ether(1).String(), nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, ether(3_000).String(), body["usd"])

	status, _ = h.do(http.MethodPost, "/v1/collateral/deposit", &user, map[string]string{"asset": wethAddr.Hex(), "amount": "1"})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestToStatus(t *testing.T) {
	require.Equal(t, http.StatusConflict, toStatus(vault.ErrReentrantCall))
	require.Equal(t, http.StatusBadGateway, toStatus(vault.ErrStalePrice))
	require.Equal(t, http.StatusUnprocessableEntity, toStatus(&vault.SolvencyError{Owner: user, HealthFactor: big.NewInt(1)}))
	require.Equal(t, http.StatusInternalServerError, toStatus(io.EOF))
}
