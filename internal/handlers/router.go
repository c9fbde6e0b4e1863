package handlers

import (
	"net/http"
	"strings"

	"tradedesk/internal/config"
	"tradedesk/internal/db"
	"tradedesk/internal/middleware"
	"tradedesk/internal/store"
	"tradedesk/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Handler struct {
	cfg      config.Config
	txRunner db.TxRunner
	trades   TradeService
	funding  FundingService
	wallets  WalletService
	prices   PriceStore
	admin    AdminStore
	audit    AuditStore
	hub      *websocket.Hub
	upgrader gorillaws.Upgrader
	logger   *zap.Logger
}

func New(cfg config.Config, txRunner db.TxRunner, trades TradeService, funding FundingService, wallets WalletService, prices PriceStore, admin AdminStore, audit AuditStore, hub *websocket.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:      cfg,
		txRunner: txRunner,
		trades:   trades,
		funding:  funding,
		wallets:  wallets,
		prices:   prices,
		admin:    admin,
		audit:    audit,
		hub:      hub,
		upgrader: websocket.NewUpgrader(cfg.AllowedOrigins),
		logger:   logger,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestLogger(h.logger))
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(h.cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Get("/markets", h.Markets)
	router.Get("/ws/wallet", h.WSWallet)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Post("/trades", h.ExecuteTrade)
		r.Post("/trades/quote", h.QuoteTrade)
		r.Get("/wallet", h.GetWallet)
		r.Get("/wallet/value", h.WalletValue)
		r.Get("/wallet/events", h.WalletEvents)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/payment-methods", h.PaymentMethods)
		r.Post("/funding/deposits", h.RequestDeposit)
		r.Post("/funding/withdrawals", h.RequestWithdrawal)
		r.Post("/funding/{id}/cancel", h.CancelFunding)
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		funding := middleware.RequireAdmin(h.admin, store.RoleApproveFunding, h.logger)
		r.With(funding).Get("/funding", h.AdminListFunding)
		r.With(funding).Post("/funding/{id}/approve", h.ApproveFunding)
		r.With(funding).Post("/funding/{id}/reject", h.RejectFunding)
		prices := middleware.RequireAdmin(h.admin, store.RoleManagePrices, h.logger)
		r.With(prices).Get("/prices", h.ListPrices)
		r.With(prices).Post("/prices", h.SetPrice)
		ledger := middleware.RequireAdmin(h.admin, store.RoleViewLedger, h.logger)
		r.With(ledger).Get("/reconcile", h.Reconcile)
		r.With(ledger).Get("/audit", h.ListAuditLogs)
		r.With(ledger).Get("/transactions", h.AdminListTransactions)
		superOnly := middleware.RequireSuperAdmin(h.admin, h.logger)
		r.With(superOnly).Post("/promote", h.PromoteAdmin)
		r.With(superOnly).Post("/roles/grant", h.GrantRole)
	})
	return router
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
