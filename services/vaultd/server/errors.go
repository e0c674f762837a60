package server

import (
	"errors"
	"log/slog"
	"net/http"

	nativecommon "stablevault/native/common"
	"stablevault/native/token"
	"stablevault/native/vault"
)

var errUnknownToken = errors.New("unknown token")

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

type errorBody struct {
	Error        string `json:"error"`
	Outcome      string `json:"outcome,omitempty"`
	HealthFactor string `json:"healthFactor,omitempty"`
}

// toStatus maps engine and token errors onto HTTP status codes.
func toStatus(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, errUnknownToken):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, vault.ErrAssetNotAllowed),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, token.ErrZeroAddress):
		return http.StatusBadRequest
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, vault.ErrBreaksHealthFactor),
		errors.Is(err, vault.ErrInsufficientCollateral),
		errors.Is(err, vault.ErrInsufficientDebt):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrHealthFactorOK),
		errors.Is(err, vault.ErrHealthFactorNotImproved),
		errors.Is(err, vault.ErrReentrantCall),
		errors.Is(err, vault.ErrAccountBusy):
		return http.StatusConflict
	case errors.Is(err, vault.ErrTransferFailed),
		errors.Is(err, vault.ErrMintFailed),
		errors.Is(err, vault.ErrPriceUnavailable),
		errors.Is(err, vault.ErrStalePrice),
		errors.Is(err, vault.ErrInvalidPrice):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := toStatus(err)
	body := errorBody{Error: err.Error(), Outcome: vault.Outcome(err)}
	var solvency *vault.SolvencyError
	if errors.As(err, &solvency) && solvency.HealthFactor != nil {
		body.HealthFactor = solvency.HealthFactor.String()
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("vaultd: request failed", slog.Any("error", err))
		body.Error = http.StatusText(status)
	}
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		body.Outcome = ""
	}
	writeJSON(w, status, body)
}
