package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"tradedesk/internal/journal"
	"tradedesk/internal/models"
	"tradedesk/internal/services"
	"tradedesk/internal/store"

	"github.com/shopspring/decimal"
)

func TestGetWallet(t *testing.T) {
	handler := newTestHandler(testDeps{wallets: stubWalletService{
		getFn: func(_ context.Context, userID string) (services.WalletView, error) {
			return services.WalletView{UserID: userID, Version: 3, Balances: map[string]string{"EGP": "998.00"}}, nil
		},
	}})

	rr := serve(t, handler, http.MethodGet, "/wallet", "", "user-1")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var view services.WalletView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.UserID != "user-1" || view.Version != 3 || view.Balances["EGP"] != "998.00" {
		t.Fatalf("unexpected wallet %+v", view)
	}
}

func TestGetWalletFailure(t *testing.T) {
	handler := newTestHandler(testDeps{wallets: stubWalletService{
		getFn: func(context.Context, string) (services.WalletView, error) {
			return services.WalletView{}, services.ErrTimeout
		},
	}})

	rr := serve(t, handler, http.MethodGet, "/wallet", "", "user-1")

	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
}

func TestWalletValue(t *testing.T) {
	handler := newTestHandler(testDeps{wallets: stubWalletService{
		valuationFn: func(_ context.Context, userID string) (services.Valuation, error) {
			return services.Valuation{UserID: userID, Currency: "EGP", Total: "21000.00", Complete: true}, nil
		},
	}})

	rr := serve(t, handler, http.MethodGet, "/wallet/value", "", "user-1")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var valuation services.Valuation
	if err := json.Unmarshal(rr.Body.Bytes(), &valuation); err != nil || valuation.Total != "21000.00" {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestWalletEvents(t *testing.T) {
	var gotAfter uint64
	var gotLimit int
	handler := newTestHandler(testDeps{wallets: stubWalletService{
		eventsFn: func(userID string, after uint64, limit int) ([]journal.Record, error) {
			gotAfter, gotLimit = after, limit
			return []journal.Record{{Index: 8, Event: journal.Event{TransactionID: "tx-8", UserID: userID}}}, nil
		},
	}})

	rr := serve(t, handler, http.MethodGet, "/wallet/events?after=7&limit=20", "", "user-1")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotAfter != 7 || gotLimit != 20 {
		t.Fatalf("unexpected paging after=%d limit=%d", gotAfter, gotLimit)
	}
	var records []journal.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &records); err != nil || len(records) != 1 || records[0].Index != 8 {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestWalletEventsRejectsBadIndex(t *testing.T) {
	handler := newTestHandler(testDeps{})

	rr := serve(t, handler, http.MethodGet, "/wallet/events?after=-1", "", "user-1")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestWalletEventsEmptyIsArray(t *testing.T) {
	handler := newTestHandler(testDeps{})

	rr := serve(t, handler, http.MethodGet, "/wallet/events", "", "user-1")

	if rr.Code != http.StatusOK || rr.Body.String() != "[]\n" {
		t.Fatalf("expected empty array, got %d %q", rr.Code, rr.Body.String())
	}
}

func TestListTransactionsScopesToUser(t *testing.T) {
	var got store.TransactionFilter
	handler := newTestHandler(testDeps{wallets: stubWalletService{
		transactionsFn: func(_ context.Context, filter store.TransactionFilter) ([]models.Transaction, error) {
			got = filter
			return []models.Transaction{{ID: "tx-1", UserID: filter.UserID, Amount: decimal.NewFromInt(1)}}, nil
		},
	}})

	rr := serve(t, handler, http.MethodGet, "/transactions?type=buy&status=completed&limit=500&page=2", "", "user-1")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	want := store.TransactionFilter{UserID: "user-1", Type: models.TypeBuy, Status: models.StatusCompleted, Limit: 200, Offset: 200}
	if got != want {
		t.Fatalf("unexpected filter %+v", got)
	}
}

func TestListTransactionsFailure(t *testing.T) {
	handler := newTestHandler(testDeps{wallets: stubWalletService{
		transactionsFn: func(context.Context, store.TransactionFilter) ([]models.Transaction, error) {
			return nil, errors.New("connection refused")
		},
	}})

	rr := serve(t, handler, http.MethodGet, "/transactions", "", "user-1")

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestPaymentMethodsListsActiveOnly(t *testing.T) {
	handler := newTestHandler(testDeps{})
	handler.cfg.Policy.PaymentMethods[0].Active = false

	rr := serve(t, handler, http.MethodGet, "/payment-methods", "", "user-1")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var methods []models.PaymentMethod
	if err := json.Unmarshal(rr.Body.Bytes(), &methods); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(methods) != len(handler.cfg.Policy.PaymentMethods)-1 {
		t.Fatalf("expected inactive method to be hidden, got %d", len(methods))
	}
	for _, method := range methods {
		if method.ID == handler.cfg.Policy.PaymentMethods[0].ID {
			t.Fatalf("inactive method %s listed", method.ID)
		}
	}
}

func TestWSWalletRequiresToken(t *testing.T) {
	handler := newTestHandler(testDeps{})

	rr := serve(t, handler, http.MethodGet, "/ws/wallet", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = serve(t, handler, http.MethodGet, "/ws/wallet?token=garbage", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWSWalletDropsSubscriptionWhenBacklogFails(t *testing.T) {
	handler := newTestHandler(testDeps{wallets: stubWalletService{
		getFn: func(context.Context, string) (services.WalletView, error) {
			return services.WalletView{}, errors.New("db down")
		},
	}})

	rr := serve(t, handler, http.MethodGet, "/ws/wallet?after=abc", "", "user-1")
	if rr.Code != http.StatusBadRequest || errorMessage(t, rr.Body.Bytes()) != "invalid_after" {
		t.Fatalf("expected invalid_after, got %d %s", rr.Code, rr.Body.String())
	}
	if handler.hub.Connections("user-1") != 0 {
		t.Fatal("expected subscription to be dropped")
	}

	rr = serve(t, handler, http.MethodGet, "/ws/wallet", "", "user-1")
	if rr.Code != http.StatusInternalServerError || errorMessage(t, rr.Body.Bytes()) != "wallet_unavailable" {
		t.Fatalf("expected wallet_unavailable, got %d %s", rr.Code, rr.Body.String())
	}
	if handler.hub.Connections("user-1") != 0 {
		t.Fatal("expected subscription to be dropped")
	}
}

func TestFormatBalancesUsesPrecision(t *testing.T) {
	handler := newTestHandler(testDeps{})

	got := handler.formatBalances(map[string]decimal.Decimal{
		"EGP": decimal.RequireFromString("998"),
		"BTC": decimal.RequireFromString("0.001"),
		"XYZ": decimal.RequireFromString("1"),
	})

	want := map[string]string{"EGP": "998.00", "BTC": "0.00100000", "XYZ": "1.00000000"}
	for symbol, value := range want {
		if got[symbol] != value {
			t.Fatalf("%s: expected %s, got %s", symbol, value, got[symbol])
		}
	}
}
