package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"tradedesk/internal/auth"
	"tradedesk/internal/journal"
	"tradedesk/internal/middleware"
	"tradedesk/internal/models"
	"tradedesk/internal/money"
	"tradedesk/internal/store"
	"tradedesk/internal/websocket"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	view, err := h.wallets.Get(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err, "wallet_unavailable")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *Handler) WalletValue(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	valuation, err := h.wallets.Valuation(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, err, "valuation_failed")
		return
	}
	respondJSON(w, http.StatusOK, valuation)
}

func (h *Handler) WalletEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	after, err := parseIndex(r.URL.Query().Get("after"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_after")
		return
	}
	records, err := h.wallets.Events(userID, after, parseInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		h.respondServiceError(w, err, "events_unavailable")
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.listTransactions(w, r, userID)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, userID string) {
	query := r.URL.Query()
	limit, offset := paging(r, 200)
	rows, err := h.wallets.Transactions(r.Context(), store.TransactionFilter{
		UserID: userID,
		Type:   models.TransactionType(query.Get("type")),
		Status: models.TransactionStatus(query.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.respondServiceError(w, err, "unable_to_load_transactions")
		return
	}
	if rows == nil {
		rows = []models.Transaction{}
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handler) PaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods := []models.PaymentMethod{}
	for _, method := range h.cfg.Policy.PaymentMethods {
		if method.Active {
			methods = append(methods, method)
		}
	}
	respondJSON(w, http.StatusOK, methods)
}

// WSWallet streams wallet updates. Browsers cannot set headers on a websocket
// handshake, so the token may also come in the query string. With ?after=N
// the journal is replayed from index N; otherwise the current wallet is sent
// first.
func (h *Handler) WSWallet(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		respondError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	claims, err := auth.ParseToken(h.cfg.JWTSecret, token)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	// Subscribe before reading so nothing committed in between is missed.
	client := h.hub.Subscribe(claims.UserID)
	backlog, err := h.walletBacklog(r, claims.UserID)
	if err != nil {
		h.hub.Unregister(claims.UserID, client)
		if errors.Is(err, errInvalidAfter) {
			respondError(w, http.StatusBadRequest, "invalid_after")
			return
		}
		fallback := "events_unavailable"
		if r.URL.Query().Get("after") == "" {
			fallback = "wallet_unavailable"
		}
		h.respondServiceError(w, err, fallback)
		return
	}
	h.logger.Debug("wallet feed opened", zap.String("user_id", claims.UserID), zap.Int("backlog", len(backlog)))
	websocket.ServeWS(w, r, h.upgrader, h.hub, client, backlog)
}

var errInvalidAfter = errors.New("invalid after index")

// walletBacklog replays the journal after ?after=N, or returns the current
// wallet as a single snapshot update.
func (h *Handler) walletBacklog(r *http.Request, userID string) ([]websocket.WalletUpdate, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		view, err := h.wallets.Get(r.Context(), userID)
		if err != nil {
			return nil, err
		}
		return []websocket.WalletUpdate{{
			Type:     "snapshot",
			Version:  view.Version,
			Balances: view.Balances,
		}}, nil
	}
	after, err := parseIndex(raw)
	if err != nil {
		return nil, errInvalidAfter
	}
	records, err := h.wallets.Events(userID, after, 0)
	if err != nil {
		return nil, err
	}
	backlog := make([]websocket.WalletUpdate, 0, len(records))
	for _, record := range records {
		backlog = append(backlog, websocket.WalletUpdate{
			Index:         record.Index,
			TransactionID: record.Event.TransactionID,
			Type:          record.Event.Type,
			Version:       record.Event.Version,
			Balances:      h.formatBalances(record.Event.Balances),
		})
	}
	return backlog, nil
}

func (h *Handler) formatBalances(balances map[string]decimal.Decimal) map[string]string {
	policy := h.cfg.Policy
	out := make(map[string]string, len(balances))
	for symbol, balance := range balances {
		places := int32(8)
		if symbol == policy.Fiat {
			places = policy.FiatPrecision
		} else if asset, ok := policy.Asset(symbol); ok {
			places = asset.Precision
		}
		out[symbol] = money.Format(balance, places)
	}
	return out
}

func parseIndex(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
