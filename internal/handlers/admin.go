package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"tradedesk/internal/config"
	"tradedesk/internal/middleware"
	"tradedesk/internal/models"
	"tradedesk/internal/money"
	"tradedesk/internal/store"
	"tradedesk/internal/validator"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func (h *Handler) ApproveFunding(w http.ResponseWriter, r *http.Request) {
	adminID, _ := middleware.UserIDFromContext(r.Context())
	record, err := h.funding.Approve(r.Context(), adminID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, err, "approve_failed")
		return
	}
	respondJSON(w, http.StatusOK, record)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RejectFunding(w http.ResponseWriter, r *http.Request) {
	adminID, _ := middleware.UserIDFromContext(r.Context())
	var req rejectRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Reason) == "" {
		respondError(w, http.StatusBadRequest, "reason_required")
		return
	}
	record, err := h.funding.Reject(r.Context(), adminID, chi.URLParam(r, "id"), strings.TrimSpace(req.Reason))
	if err != nil {
		h.respondServiceError(w, err, "reject_failed")
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// AdminListFunding lists funding requests across users, pending by default.
func (h *Handler) AdminListFunding(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	status := models.TransactionStatus(query.Get("status"))
	if status == "" {
		status = models.StatusPending
	}
	txType := models.TransactionType(query.Get("type"))
	if txType != "" && txType != models.TypeDeposit && txType != models.TypeWithdrawal {
		respondError(w, http.StatusBadRequest, "invalid_type")
		return
	}
	limit, offset := paging(r, 200)
	rows, err := h.wallets.Transactions(r.Context(), store.TransactionFilter{
		Type:   txType,
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.respondServiceError(w, err, "unable_to_load_transactions")
		return
	}
	funding := []models.Transaction{}
	for _, row := range rows {
		if row.Type == models.TypeDeposit || row.Type == models.TypeWithdrawal {
			funding = append(funding, row)
		}
	}
	respondJSON(w, http.StatusOK, funding)
}

func (h *Handler) AdminListTransactions(w http.ResponseWriter, r *http.Request) {
	h.listTransactions(w, r, r.URL.Query().Get("user_id"))
}

// ListPrices returns the administrator prices currently in force.
func (h *Handler) ListPrices(w http.ResponseWriter, r *http.Request) {
	rows, err := h.prices.ListActive(r.Context())
	if err != nil {
		h.logger.Error("list prices failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable_to_load_prices")
		return
	}
	if rows == nil {
		rows = []models.AssetPrice{}
	}
	respondJSON(w, http.StatusOK, rows)
}

type setPriceRequest struct {
	Symbol string          `json:"symbol"`
	Price  json.RawMessage `json:"price"`
}

// SetPrice records an administrator price. It is what the admin price source
// quotes from.
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	adminID, _ := middleware.UserIDFromContext(r.Context())
	var req setPriceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := validator.ValidateSymbol(symbol); err != nil {
		respondError(w, http.StatusBadRequest, "unknown_symbol")
		return
	}
	asset, ok := h.cfg.Policy.Asset(symbol)
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown_symbol")
		return
	}
	price, err := money.Parse(rawAmount(req.Price), config.MaxAssetPrecision)
	if err != nil || !price.IsPositive() {
		respondError(w, http.StatusBadRequest, "invalid_price")
		return
	}

	var priceID string
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		var err error
		priceID, err = h.prices.SetPrice(r.Context(), tx, asset.Symbol, price, adminID)
		if err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{"symbol": asset.Symbol, "price": price.String()})
		return h.audit.Log(r.Context(), tx, adminID, "price.set", "asset_price", priceID, string(data))
	})
	if err != nil {
		h.logger.Error("set price failed", zap.String("symbol", asset.Symbol), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable_to_set_price")
		return
	}
	h.logger.Info("price set", zap.String("symbol", asset.Symbol), zap.String("price", price.String()), zap.String("admin_id", adminID))
	respondJSON(w, http.StatusCreated, map[string]string{"id": priceID, "symbol": asset.Symbol, "price": price.String()})
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.wallets.Reconcile(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.respondServiceError(w, err, "unable_to_reconcile")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset := paging(r, 500)
	rows, err := h.audit.List(r.Context(), query.Get("entity_type"), query.Get("entity_id"), limit, offset)
	if err != nil {
		h.logger.Error("list audit logs failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable_to_load_audit_logs")
		return
	}
	if rows == nil {
		rows = []store.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, rows)
}

type promoteRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) PromoteAdmin(w http.ResponseWriter, r *http.Request) {
	grant, ok := middleware.GrantFromContext(r.Context())
	if !ok || !grant.Super {
		respondError(w, http.StatusForbidden, "super_admin_required")
		return
	}
	userID := grant.UserID
	var req promoteRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	target := strings.TrimSpace(req.UserID)
	err := h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.CreateAdmin(r.Context(), tx, target, false, &userID); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{"target_user_id": target})
		return h.audit.Log(r.Context(), tx, userID, "admin.promote", "admin", target, string(data))
	})
	if err != nil {
		h.logger.Error("promote admin failed", zap.String("target_user_id", target), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable_to_promote_admin")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "promoted"})
}

type grantRoleRequest struct {
	AdminUserID string `json:"admin_user_id"`
	Role        string `json:"role"`
}

func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	grant, ok := middleware.GrantFromContext(r.Context())
	if !ok || !grant.Super {
		respondError(w, http.StatusForbidden, "super_admin_required")
		return
	}
	userID := grant.UserID
	var req grantRoleRequest
	if err := decodeJSON(w, r, &req); err != nil || req.AdminUserID == "" || req.Role == "" {
		respondError(w, http.StatusBadRequest, "invalid_payload")
		return
	}
	if !store.IsRole(req.Role) {
		respondError(w, http.StatusBadRequest, "unknown_role")
		return
	}
	isAdmin, targetSuper, err := h.admin.IsAdmin(r.Context(), req.AdminUserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable_to_verify_target_admin")
		return
	}
	if !isAdmin {
		respondError(w, http.StatusBadRequest, "target_not_admin")
		return
	}
	if targetSuper {
		respondError(w, http.StatusBadRequest, "super_admin_has_all_roles")
		return
	}
	err = h.txRunner.WithTx(r.Context(), func(tx *sqlx.Tx) error {
		if err := h.admin.GrantRole(r.Context(), tx, req.AdminUserID, req.Role); err != nil {
			return err
		}
		data, _ := json.Marshal(map[string]string{"admin_user_id": req.AdminUserID, "role": req.Role})
		return h.audit.Log(r.Context(), tx, userID, "admin.grant_role", "admin_role", req.AdminUserID, string(data))
	})
	if err != nil {
		h.logger.Error("grant role failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable_to_grant_role")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "role_granted"})
}
