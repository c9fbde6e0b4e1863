package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"tradedesk/internal/services"
	"tradedesk/internal/store"

	"go.uber.org/zap"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// serviceErrors maps every caller-visible failure to its status and message.
var serviceErrors = []struct {
	err     error
	status  int
	message string
}{
	{services.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{services.ErrInvalidSide, http.StatusBadRequest, "invalid_side"},
	{services.ErrUnknownSymbol, http.StatusBadRequest, "unknown_symbol"},
	{services.ErrPriceUnavailable, http.StatusServiceUnavailable, "price_unavailable"},
	{services.ErrBelowMinimumTradeValue, http.StatusBadRequest, "below_minimum_trade_value"},
	{services.ErrInsufficientFiatBalance, http.StatusBadRequest, "insufficient_fiat_balance"},
	{services.ErrInsufficientAssetBalance, http.StatusBadRequest, "insufficient_asset_balance"},
	{services.ErrConcurrencyConflict, http.StatusConflict, "concurrency_conflict"},
	{services.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
	{services.ErrDuplicateRequest, http.StatusConflict, "duplicate_request"},
	{services.ErrUnknownPaymentMethod, http.StatusBadRequest, "unknown_payment_method"},
	{services.ErrInvalidFundingRequest, http.StatusBadRequest, "invalid_funding_request"},
	{services.ErrNotPending, http.StatusConflict, "not_pending"},
	{services.ErrNotOwner, http.StatusForbidden, "not_owner"},
	{store.ErrTransactionNotFound, http.StatusNotFound, "not_found"},
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error, fallback string) {
	for _, known := range serviceErrors {
		if errors.Is(err, known.err) {
			respondError(w, known.status, known.message)
			return
		}
	}
	h.logger.Error(fallback, zap.Error(err))
	respondError(w, http.StatusInternalServerError, fallback)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func parseInt(raw string, fallback int) int {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// paging reads limit and page, capping limit at max.
func paging(r *http.Request, max int) (limit, offset int) {
	query := r.URL.Query()
	limit = parseInt(query.Get("limit"), 50)
	if limit > max {
		limit = max
	}
	page := parseInt(query.Get("page"), 1)
	return limit, (page - 1) * limit
}
