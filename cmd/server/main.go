package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradedesk/internal/config"
	"tradedesk/internal/db"
	"tradedesk/internal/handlers"
	"tradedesk/internal/journal"
	"tradedesk/internal/logging"
	"tradedesk/internal/pricefeed"
	"tradedesk/internal/services"
	"tradedesk/internal/store"
	"tradedesk/internal/websocket"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.AppEnv, cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Policy.Validate(); err != nil {
		logger.Fatal("invalid trading policy", zap.Error(err))
	}

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	defer database.Close()

	wallets := store.NewWalletStore(database)
	ledger := store.NewLedgerStore(database)
	transactions := store.NewTransactionStore(database)
	prices := store.NewPriceStore(database)
	admin := store.NewAdminStore(database)
	audit := store.NewAuditStore(database)

	// Settlement replays conflicts itself from a fresh snapshot.
	txRunner := db.NewTxRunner(database).WithMaxAttempts(1)

	if cfg.BootstrapAdminID != "" {
		if err := bootstrapAdmin(context.Background(), txRunner, admin, audit, cfg.BootstrapAdminID); err != nil {
			logger.Fatal("failed to bootstrap admin", zap.Error(err))
		}
	}

	source, err := pricefeed.New(cfg, prices)
	if err != nil {
		logger.Fatal("failed to configure price source", zap.String("source", cfg.PriceSource), zap.Error(err))
	}
	events, err := journal.Open(cfg.JournalDir)
	if err != nil {
		logger.Fatal("failed to open journal", zap.String("dir", cfg.JournalDir), zap.Error(err))
	}
	defer func() {
		if err := events.Close(); err != nil {
			logger.Error("failed to close journal", zap.Error(err))
		}
	}()
	hub := websocket.NewHub()

	deps := services.Deps{
		TxRunner:     txRunner,
		Wallets:      wallets,
		Ledger:       ledger,
		Transactions: transactions,
		Audit:        audit,
		Journal:      events,
		Hub:          hub,
		Policy:       cfg.Policy,
		Logger:       logger.Named("settlement"),
	}
	trades := services.NewTradeService(deps, source)
	funding := services.NewFundingService(deps)
	walletService := services.NewWalletService(deps, source, wallets, transactions, ledger, events)

	handler := handlers.New(cfg, txRunner, trades, funding, walletService, prices, admin, audit, hub, logger.Named("http"))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("tradedesk API listening",
			zap.String("addr", server.Addr),
			zap.String("price_source", cfg.PriceSource),
			zap.String("fiat", cfg.Policy.Fiat),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("tradedesk API stopped")
}

// bootstrapAdmin makes userID a super admin holding every role, unless an
// admin already exists.
func bootstrapAdmin(ctx context.Context, txRunner db.TxRunner, admin *store.AdminStore, audit *store.AuditStore, userID string) error {
	return txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := admin.HasAnyAdmin(ctx, tx)
		if err != nil || exists {
			return err
		}
		if err := admin.CreateAdmin(ctx, tx, userID, true, nil); err != nil {
			return err
		}
		for _, role := range store.AllRoles {
			if err := admin.GrantRole(ctx, tx, userID, role); err != nil {
				return err
			}
		}
		return audit.Log(ctx, tx, userID, "admin.bootstrap", "admin", userID, `{}`)
	})
}
