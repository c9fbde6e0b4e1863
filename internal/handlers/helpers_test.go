package handlers

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"tradedesk/internal/auth"
	"tradedesk/internal/config"
	"tradedesk/internal/db"
	"tradedesk/internal/journal"
	"tradedesk/internal/models"
	"tradedesk/internal/services"
	"tradedesk/internal/store"
	"tradedesk/internal/websocket"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type fakeTxRunner struct {
	withTxFn func(ctx context.Context, fn func(*sqlx.Tx) error) error
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	if f.withTxFn != nil {
		return f.withTxFn(ctx, fn)
	}
	return fn(nil)
}

type stubTradeService struct {
	executeFn func(ctx context.Context, req services.TradeRequest) (string, error)
	quoteFn   func(ctx context.Context, req services.TradeRequest) (services.TradePreview, error)
	marketsFn func(ctx context.Context) []services.Market
}

func (s stubTradeService) Execute(ctx context.Context, req services.TradeRequest) (string, error) {
	if s.executeFn == nil {
		return "", nil
	}
	return s.executeFn(ctx, req)
}

func (s stubTradeService) Quote(ctx context.Context, req services.TradeRequest) (services.TradePreview, error) {
	if s.quoteFn == nil {
		return services.TradePreview{}, nil
	}
	return s.quoteFn(ctx, req)
}

func (s stubTradeService) Markets(ctx context.Context) []services.Market {
	if s.marketsFn == nil {
		return nil
	}
	return s.marketsFn(ctx)
}

type stubFundingService struct {
	depositFn    func(ctx context.Context, req services.FundingRequest) (models.Transaction, error)
	withdrawalFn func(ctx context.Context, req services.FundingRequest) (models.Transaction, error)
	approveFn    func(ctx context.Context, adminID, transactionID string) (models.Transaction, error)
	rejectFn     func(ctx context.Context, adminID, transactionID, reason string) (models.Transaction, error)
	cancelFn     func(ctx context.Context, userID, transactionID string) (models.Transaction, error)
}

func (s stubFundingService) RequestDeposit(ctx context.Context, req services.FundingRequest) (models.Transaction, error) {
	if s.depositFn == nil {
		return models.Transaction{}, nil
	}
	return s.depositFn(ctx, req)
}

func (s stubFundingService) RequestWithdrawal(ctx context.Context, req services.FundingRequest) (models.Transaction, error) {
	if s.withdrawalFn == nil {
		return models.Transaction{}, nil
	}
	return s.withdrawalFn(ctx, req)
}

func (s stubFundingService) Approve(ctx context.Context, adminID, transactionID string) (models.Transaction, error) {
	if s.approveFn == nil {
		return models.Transaction{}, nil
	}
	return s.approveFn(ctx, adminID, transactionID)
}

func (s stubFundingService) Reject(ctx context.Context, adminID, transactionID, reason string) (models.Transaction, error) {
	if s.rejectFn == nil {
		return models.Transaction{}, nil
	}
	return s.rejectFn(ctx, adminID, transactionID, reason)
}

func (s stubFundingService) Cancel(ctx context.Context, userID, transactionID string) (models.Transaction, error) {
	if s.cancelFn == nil {
		return models.Transaction{}, nil
	}
	return s.cancelFn(ctx, userID, transactionID)
}

type stubWalletService struct {
	getFn          func(ctx context.Context, userID string) (services.WalletView, error)
	valuationFn    func(ctx context.Context, userID string) (services.Valuation, error)
	eventsFn       func(userID string, after uint64, limit int) ([]journal.Record, error)
	transactionsFn func(ctx context.Context, filter store.TransactionFilter) ([]models.Transaction, error)
	reconcileFn    func(ctx context.Context, userID string) (services.ReconcileReport, error)
}

func (s stubWalletService) Get(ctx context.Context, userID string) (services.WalletView, error) {
	if s.getFn == nil {
		return services.WalletView{UserID: userID}, nil
	}
	return s.getFn(ctx, userID)
}

func (s stubWalletService) Valuation(ctx context.Context, userID string) (services.Valuation, error) {
	if s.valuationFn == nil {
		return services.Valuation{UserID: userID}, nil
	}
	return s.valuationFn(ctx, userID)
}

func (s stubWalletService) Events(userID string, after uint64, limit int) ([]journal.Record, error) {
	if s.eventsFn == nil {
		return nil, nil
	}
	return s.eventsFn(userID, after, limit)
}

func (s stubWalletService) Transactions(ctx context.Context, filter store.TransactionFilter) ([]models.Transaction, error) {
	if s.transactionsFn == nil {
		return nil, nil
	}
	return s.transactionsFn(ctx, filter)
}

func (s stubWalletService) Reconcile(ctx context.Context, userID string) (services.ReconcileReport, error) {
	if s.reconcileFn == nil {
		return services.ReconcileReport{Consistent: true}, nil
	}
	return s.reconcileFn(ctx, userID)
}

type stubPriceStore struct {
	listActiveFn func(ctx context.Context) ([]models.AssetPrice, error)
	setPriceFn   func(ctx context.Context, tx store.Tx, symbol string, price decimal.Decimal, actorID string) (string, error)
}

func (s stubPriceStore) ListActive(ctx context.Context) ([]models.AssetPrice, error) {
	if s.listActiveFn == nil {
		return nil, nil
	}
	return s.listActiveFn(ctx)
}

func (s stubPriceStore) SetPrice(ctx context.Context, tx store.Tx, symbol string, price decimal.Decimal, actorID string) (string, error) {
	if s.setPriceFn == nil {
		return "price-1", nil
	}
	return s.setPriceFn(ctx, tx, symbol, price, actorID)
}

type stubAdminStore struct {
	isAdminFn     func(ctx context.Context, userID string) (bool, bool, error)
	hasRoleFn     func(ctx context.Context, userID, role string) (bool, error)
	createAdminFn func(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error
	grantRoleFn   func(ctx context.Context, tx store.Execer, adminUserID, role string) error
}

func (s stubAdminStore) IsAdmin(ctx context.Context, userID string) (bool, bool, error) {
	if s.isAdminFn == nil {
		return false, false, nil
	}
	return s.isAdminFn(ctx, userID)
}

func (s stubAdminStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	if s.hasRoleFn == nil {
		return false, nil
	}
	return s.hasRoleFn(ctx, userID, role)
}

func (s stubAdminStore) CreateAdmin(ctx context.Context, tx store.Execer, userID string, isSuper bool, createdBy *string) error {
	if s.createAdminFn == nil {
		return nil
	}
	return s.createAdminFn(ctx, tx, userID, isSuper, createdBy)
}

func (s stubAdminStore) GrantRole(ctx context.Context, tx store.Execer, adminUserID, role string) error {
	if s.grantRoleFn == nil {
		return nil
	}
	return s.grantRoleFn(ctx, tx, adminUserID, role)
}

type stubAuditStore struct {
	logFn  func(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
	listFn func(ctx context.Context, entityType, entityID string, limit, offset int) ([]store.AuditEntry, error)
}

func (s stubAuditStore) Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error {
	if s.logFn == nil {
		return nil
	}
	return s.logFn(ctx, tx, actorID, action, entityType, entityID, data)
}

func (s stubAuditStore) List(ctx context.Context, entityType, entityID string, limit, offset int) ([]store.AuditEntry, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, entityType, entityID, limit, offset)
}

type testDeps struct {
	txRunner db.TxRunner
	trades   TradeService
	funding  FundingService
	wallets  WalletService
	prices   PriceStore
	admin    AdminStore
	audit    AuditStore
}

func newTestHandler(deps testDeps) *Handler {
	cfg := config.Config{
		AppEnv:         "test",
		Port:           "0",
		JWTSecret:      "secret",
		AllowedOrigins: "*",
		Policy:         config.DefaultPolicy(),
	}
	if deps.txRunner == nil {
		deps.txRunner = fakeTxRunner{}
	}
	if deps.trades == nil {
		deps.trades = stubTradeService{}
	}
	if deps.funding == nil {
		deps.funding = stubFundingService{}
	}
	if deps.wallets == nil {
		deps.wallets = stubWalletService{}
	}
	if deps.prices == nil {
		deps.prices = stubPriceStore{}
	}
	if deps.admin == nil {
		deps.admin = stubAdminStore{}
	}
	if deps.audit == nil {
		deps.audit = stubAuditStore{}
	}
	return New(cfg, deps.txRunner, deps.trades, deps.funding, deps.wallets, deps.prices, deps.admin, deps.audit, websocket.NewHub(), nil)
}

// serve sends the request through the full router, authenticated as userID
// unless userID is empty.
func serve(t *testing.T, handler *Handler, method, path, body, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if userID != "" {
		token, err := auth.GenerateToken("secret", userID, time.Minute)
		if err != nil {
			t.Fatalf("failed to generate token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rr, req)
	return rr
}

func superAdmin() stubAdminStore {
	return stubAdminStore{
		isAdminFn: func(_ context.Context, userID string) (bool, bool, error) {
			return userID == "admin-1", userID == "admin-1", nil
		},
	}
}

func stringPtr(value string) *string {
	return &value
}
