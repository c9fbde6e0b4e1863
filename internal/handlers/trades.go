package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"tradedesk/internal/middleware"
	"tradedesk/internal/models"
	"tradedesk/internal/services"
)

type tradeRequest struct {
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Quantity        json.RawMessage `json:"quantity"`
	ClientRequestID *string         `json:"client_request_id"`
}

// rawAmount accepts an amount sent either as a JSON string or as a bare
// number, keeping the literal digits in both cases.
func rawAmount(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return ""
		}
		return value
	}
	if bytes.Equal(raw, []byte("null")) {
		return ""
	}
	return string(raw)
}

func (h *Handler) decodeTrade(w http.ResponseWriter, r *http.Request) (services.TradeRequest, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return services.TradeRequest{}, false
	}
	var req tradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return services.TradeRequest{}, false
	}
	return services.TradeRequest{
		UserID:          userID,
		Symbol:          strings.TrimSpace(req.Symbol),
		Side:            models.Side(strings.ToLower(strings.TrimSpace(req.Side))),
		Quantity:        rawAmount(req.Quantity),
		ClientRequestID: req.ClientRequestID,
	}, true
}

func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTrade(w, r)
	if !ok {
		return
	}
	transactionID, err := h.trades.Execute(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err, "trade_failed")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"transaction_id": transactionID})
}

func (h *Handler) QuoteTrade(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTrade(w, r)
	if !ok {
		return
	}
	preview, err := h.trades.Quote(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err, "quote_failed")
		return
	}
	respondJSON(w, http.StatusOK, preview)
}

func (h *Handler) Markets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.trades.Markets(r.Context()))
}
