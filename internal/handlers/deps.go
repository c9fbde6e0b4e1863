package handlers

import (
	"context"

	"tradedesk/internal/journal"
	"tradedesk/internal/models"
	"tradedesk/internal/services"
	"tradedesk/internal/store"

	"github.com/shopspring/decimal"
)

type TradeService interface {
	Execute(ctx context.Context, req services.TradeRequest) (string, error)
	Quote(ctx context.Context, req services.TradeRequest) (services.TradePreview, error)
	Markets(ctx context.Context) []services.Market
}

type FundingService interface {
	RequestDeposit(ctx context.Context, req services.FundingRequest) (models.Transaction, error)
	RequestWithdrawal(ctx context.Context, req services.FundingRequest) (models.Transaction, error)
	Approve(ctx context.Context, adminID, transactionID string) (models.Transaction, error)
	Reject(ctx context.Context, adminID, transactionID, reason string) (models.Transaction, error)
	Cancel(ctx context.Context, userID, transactionID string) (models.Transaction, error)
}

type WalletService interface {
	Get(ctx context.Context, userID string) (services.WalletView, error)
	Valuation(ctx context.Context, userID string) (services.Valuation, error)
	Events(userID string, after uint64, limit int) ([]journal.Record, error)
	Transactions(ctx context.Context, filter store.TransactionFilter) ([]models.Transaction, error)
	Reconcile(ctx context.Context, userID string) (services.ReconcileReport, error)
}

type PriceStore interface {
	ListActive(ctx context.Context) ([]models.AssetPrice, error)
	SetPrice(ctx context.Context, tx store.Tx, symbol string, price decimal.Decimal, actorID string) (string, error)
}

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, bool, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
	CreateAdmin(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error
	GrantRole(ctx context.Context, tx store.Execer, adminUserID, role string) error
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	List(ctx context.Context, entityType, entityID string, limit, offset int) ([]store.AuditEntry, error)
}
