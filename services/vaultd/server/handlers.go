package server

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"stablevault/gateway/middleware"
	"stablevault/native/vault"
	"stablevault/storage/journal"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	maxBodyBytes      = 1 << 16
)

type collateralRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type debtRequest struct {
	Amount string `json:"amount"`
}

type positionRequest struct {
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateralAmount"`
	DebtAmount       string `json:"debtAmount"`
}

type liquidationRequest struct {
	Collateral  string `json:"collateral"`
	Target      string `json:"target"`
	DebtToCover string `json:"debtToCover"`
}

type priceRequest struct {
	Price    string `json:"price"`
	Decimals *uint8 `json:"decimals,omitempty"`
}

type assetResponse struct {
	Asset  string `json:"asset"`
	Feed   string `json:"feed"`
	Symbol string `json:"symbol,omitempty"`
}

type accountResponse struct {
	Owner         string            `json:"owner"`
	Debt          string            `json:"debt"`
	CollateralUSD string            `json:"collateralUsd"`
	HealthFactor  string            `json:"healthFactor"`
	Collateral    map[string]string `json:"collateral"`
}

type liquidationResponse struct {
	Collateral        string `json:"collateral"`
	DebtCovered       string `json:"debtCovered"`
	BaseAmount        string `json:"baseAmount"`
	Bonus             string `json:"bonus"`
	TotalRedeemed     string `json:"totalRedeemed"`
	StartHealthFactor string `json:"startHealthFactor"`
	EndHealthFactor   string `json:"endHealthFactor"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok", "engine": s.deps.Vault.Address().Hex()}
	if s.cfg.Environment != "" {
		body["env"] = s.cfg.Environment
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleConstants(w http.ResponseWriter, r *http.Request) {
	c := s.deps.Vault.Constants()
	writeJSON(w, http.StatusOK, map[string]string{
		"liquidationThreshold": strconv.FormatUint(c.LiquidationThreshold, 10),
		"liquidationBonus":     strconv.FormatUint(c.LiquidationBonus, 10),
		"liquidationPrecision": strconv.FormatUint(c.LiquidationPrecision, 10),
		"precision":            c.Precision.String(),
		"minHealthFactor":      c.MinHealthFactor.String(),
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.deps.Vault.Assets()
	out := make([]assetResponse, 0, len(assets))
	for _, a := range assets {
		out = append(out, assetResponse{Asset: a.Asset.Hex(), Feed: a.Feed.Hex(), Symbol: a.Symbol})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUSDValue(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAddress(r, "asset")
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", r.URL.Query().Get("amount"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	value, err := s.deps.Vault.USDValue(r.Context(), asset, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "amount": amount.String(), "usd": value.String()})
}

func (s *Server) handleTokenAmount(w http.ResponseWriter, r *http.Request) {
	asset, err := pathAddress(r, "asset")
	if err != nil {
		s.writeError(w, err)
		return
	}
	usd, err := parseAmount("usd", r.URL.Query().Get("usd"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := s.deps.Vault.TokenAmountFromUSD(r.Context(), asset, usd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "usd": usd.String(), "amount": amount.String()})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.deps.Vault.AccountInformation(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := accountResponse{
		Owner:         owner.Hex(),
		Debt:          info.Debt.String(),
		CollateralUSD: info.CollateralUSD.String(),
		HealthFactor:  vault.CalculateHealthFactor(info.Debt, info.CollateralUSD).String(),
		Collateral:    make(map[string]string),
	}
	for _, a := range s.deps.Vault.Assets() {
		bal, err := s.deps.Vault.CollateralBalance(r.Context(), owner, a.Asset)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if bal.Sign() > 0 {
			resp.Collateral[a.Asset.Hex()] = bal.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthFactor(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, err)
		return
	}
	hf, err := s.deps.Vault.HealthFactor(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":        owner.Hex(),
		"healthFactor": hf.String(),
		"liquidatable": hf.Cmp(vault.MinHealthFactor) < 0,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	token, err := s.token(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, err)
		return
	}
	bal, err := token.BalanceOf(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": owner.Hex(), "balance": bal.String()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		http.Error(w, "event journal disabled", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	var (
		entries []journal.Entry
		err     error
	)
	if opID := strings.TrimSpace(query.Get("op")); opID != "" {
		entries, err = s.deps.Events.ByOperation(r.Context(), opID)
	} else {
		limit := defaultEventLimit
		if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
			parsed, convErr := strconv.Atoi(raw)
			if convErr != nil || parsed <= 0 {
				s.writeError(w, badRequest("limit must be a positive integer"))
				return
			}
			limit = min(parsed, maxEventLimit)
		}
		entries, err = s.deps.Events.Recent(r.Context(), limit)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	asset, amount, ok := s.decodeCollateral(w, r)
	if !ok {
		return
	}
	s.respondOp(w, s.deps.Vault.DepositCollateral(r.Context(), caller(r), asset, amount))
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	asset, amount, ok := s.decodeCollateral(w, r)
	if !ok {
		return
	}
	s.respondOp(w, s.deps.Vault.Redeem(r.Context(), caller(r), asset, amount))
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	amount, ok := s.decodeDebt(w, r)
	if !ok {
		return
	}
	s.respondOp(w, s.deps.Vault.Mint(r.Context(), caller(r), amount))
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	amount, ok := s.decodeDebt(w, r)
	if !ok {
		return
	}
	s.respondOp(w, s.deps.Vault.Burn(r.Context(), caller(r), amount))
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	asset, collateral, debt, ok := s.decodePosition(w, r)
	if !ok {
		return
	}
	s.respondOp(w, s.deps.Vault.DepositAndMint(r.Context(), caller(r), asset, collateral, debt))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	asset, collateral, debt, ok := s.decodePosition(w, r)
	if !ok {
		return
	}
	s.respondOp(w, s.deps.Vault.RedeemForBurn(r.Context(), caller(r), asset, collateral, debt))
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	collateral, err := parseAddress("collateral", req.Collateral)
	if err != nil {
		s.writeError(w, err)
		return
	}
	target, err := parseAddress("target", req.Target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	debt, err := parseAmount("debtToCover", req.DebtToCover)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.deps.Vault.Liquidate(r.Context(), caller(r), collateral, target, debt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidationResponse{
		Collateral:        res.Collateral.Hex(),
		DebtCovered:       res.DebtCovered.String(),
		BaseAmount:        res.BaseAmount.String(),
		Bonus:             res.Bonus.String(),
		TotalRedeemed:     res.TotalRedeemed().String(),
		StartHealthFactor: res.StartHealthFactor.String(),
		EndHealthFactor:   res.EndHealthFactor.String(),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	token, err := s.token(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req debtRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	// Zero revokes the allowance.
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok || amount.Sign() < 0 {
		s.writeError(w, badRequest("amount must be a non-negative integer"))
		return
	}
	spender := s.deps.Vault.Address()
	if err := token.Approve(caller(r), spender, amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"spender": spender.Hex(), "allowance": amount.String()})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prices == nil {
		http.Error(w, "price updates disabled", http.StatusNotImplemented)
		return
	}
	feed, err := pathAddress(r, "feed")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(req.Price), 10)
	if !ok {
		s.writeError(w, badRequest("price must be an integer"))
		return
	}
	decimals := s.cfg.PriceDecimals
	if req.Decimals != nil {
		decimals = *req.Decimals
	}
	s.deps.Prices.Set(feed, price, decimals)
	s.logger.Info("vaultd: feed price updated",
		"feed", feed.Hex(),
		"price", price.String(),
		"decimals", decimals)
	writeJSON(w, http.StatusOK, map[string]string{"feed": feed.Hex(), "price": price.String()})
}

func (s *Server) decodeCollateral(w http.ResponseWriter, r *http.Request) (common.Address, *big.Int, bool) {
	var req collateralRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return common.Address{}, nil, false
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		s.writeError(w, err)
		return common.Address{}, nil, false
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, err)
		return common.Address{}, nil, false
	}
	return asset, amount, true
}

func (s *Server) decodeDebt(w http.ResponseWriter, r *http.Request) (*big.Int, bool) {
	var req debtRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return nil, false
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return amount, true
}

func (s *Server) decodePosition(w http.ResponseWriter, r *http.Request) (common.Address, *big.Int, *big.Int, bool) {
	var req positionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return common.Address{}, nil, nil, false
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		s.writeError(w, err)
		return common.Address{}, nil, nil, false
	}
	collateral, err := parseAmount("collateralAmount", req.CollateralAmount)
	if err != nil {
		s.writeError(w, err)
		return common.Address{}, nil, nil, false
	}
	debt, err := parseAmount("debtAmount", req.DebtAmount)
	if err != nil {
		s.writeError(w, err)
		return common.Address{}, nil, nil, false
	}
	return asset, collateral, debt, true
}

func (s *Server) respondOp(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func (s *Server) token(r *http.Request) (Token, error) {
	addr, err := pathAddress(r, "token")
	if err != nil {
		return nil, err
	}
	token, ok := s.deps.Tokens[addr]
	if !ok {
		return nil, errUnknownToken
	}
	return token, nil
}

func caller(r *http.Request) common.Address {
	addr, _ := middleware.CallerFromContext(r.Context())
	return addr
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

func pathAddress(r *http.Request, param string) (common.Address, error) {
	return parseAddress(param, chi.URLParam(r, param))
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest(fmt.Sprintf("%s must be a hex address", field))
	}
	return common.HexToAddress(raw), nil
}

// parseAmount reads a base-10 integer. Sign checks are left to the engine so
// that zero amounts surface as the engine's own error.
func parseAmount(field, raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, badRequest(fmt.Sprintf("%s must be a base-10 integer", field))
	}
	return amount, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
