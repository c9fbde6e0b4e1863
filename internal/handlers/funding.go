package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"tradedesk/internal/middleware"
	"tradedesk/internal/models"
	"tradedesk/internal/services"

	"github.com/go-chi/chi/v5"
)

type fundingRequest struct {
	MethodID        string            `json:"method_id"`
	Amount          json.RawMessage   `json:"amount"`
	Fields          map[string]string `json:"fields"`
	ClientRequestID *string           `json:"client_request_id"`
}

func (h *Handler) RequestDeposit(w http.ResponseWriter, r *http.Request) {
	h.requestFunding(w, r, h.funding.RequestDeposit)
}

func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.requestFunding(w, r, h.funding.RequestWithdrawal)
}

func (h *Handler) requestFunding(w http.ResponseWriter, r *http.Request, submit func(context.Context, services.FundingRequest) (models.Transaction, error)) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req fundingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	record, err := submit(r.Context(), services.FundingRequest{
		UserID:          userID,
		MethodID:        strings.TrimSpace(req.MethodID),
		Amount:          rawAmount(req.Amount),
		Fields:          req.Fields,
		ClientRequestID: req.ClientRequestID,
	})
	if err != nil {
		h.respondServiceError(w, err, "funding_request_failed")
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

func (h *Handler) CancelFunding(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	record, err := h.funding.Cancel(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, err, "cancel_failed")
		return
	}
	respondJSON(w, http.StatusOK, record)
}
