package services

import (
	"context"
	"errors"
	"sort"

	"tradedesk/internal/journal"
	"tradedesk/internal/models"
	"tradedesk/internal/money"
	"tradedesk/internal/pricefeed"
	"tradedesk/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type WalletReader interface {
	Get(ctx context.Context, userID string) (models.Wallet, error)
}

type TransactionHistory interface {
	List(ctx context.Context, filter store.TransactionFilter) ([]models.Transaction, error)
}

type LedgerReports interface {
	Reconcile(ctx context.Context, userID string) ([]store.BalanceCheck, error)
	HouseTotals(ctx context.Context) ([]store.HouseTotal, error)
}

type EventReader interface {
	After(userID string, index uint64, limit int) ([]journal.Record, error)
}

// WalletService answers read-side questions about wallets.
type WalletService struct {
	settler *settler
	prices  pricefeed.Source
	reader  WalletReader
	history TransactionHistory
	reports LedgerReports
	events  EventReader
}

func NewWalletService(deps Deps, prices pricefeed.Source, reader WalletReader, history TransactionHistory, reports LedgerReports, events EventReader) *WalletService {
	return &WalletService{
		settler: newSettler(deps),
		prices:  prices,
		reader:  reader,
		history: history,
		reports: reports,
		events:  events,
	}
}

// WalletView is a wallet with balances rendered at their precision.
type WalletView struct {
	UserID   string            `json:"user_id"`
	Version  int64             `json:"version"`
	Balances map[string]string `json:"balances"`
}

// Get returns the wallet, creating it on first access.
func (s *WalletService) Get(ctx context.Context, userID string) (WalletView, error) {
	wallet, err := s.load(ctx, userID)
	if err != nil {
		return WalletView{}, err
	}
	return WalletView{UserID: wallet.UserID, Version: wallet.Version, Balances: s.settler.formatBalances(wallet)}, nil
}

func (s *WalletService) load(ctx context.Context, userID string) (models.Wallet, error) {
	wallet, err := s.reader.Get(ctx, userID)
	if !errors.Is(err, store.ErrWalletNotFound) {
		return wallet, err
	}
	err = s.settler.settle(ctx, func(tx *sqlx.Tx) error {
		var err error
		wallet, err = s.settler.openWallet(ctx, tx, userID)
		return err
	})
	if err != nil {
		return models.Wallet{}, err
	}
	s.settler.Logger.Info("wallet created", zap.String("user_id", userID))
	return wallet, nil
}

type Holding struct {
	Symbol  string `json:"symbol"`
	Balance string `json:"balance"`
	Price   string `json:"price,omitempty"`
	Value   string `json:"value,omitempty"`
	Priced  bool   `json:"priced"`
}

type Valuation struct {
	UserID   string    `json:"user_id"`
	Currency string    `json:"currency"`
	Total    string    `json:"total"`
	Complete bool      `json:"complete"`
	Holdings []Holding `json:"holdings"`
}

// Valuation prices every non-zero holding. Holdings whose price cannot be
// fetched are reported unpriced and left out of the total.
func (s *WalletService) Valuation(ctx context.Context, userID string) (Valuation, error) {
	wallet, err := s.load(ctx, userID)
	if err != nil {
		return Valuation{}, err
	}
	policy := s.settler.Policy

	total := decimal.Zero
	complete := true
	holdings := []Holding{}
	for _, symbol := range policy.Symbols() {
		balance := wallet.Balance(symbol)
		if symbol != policy.Fiat && balance.IsZero() {
			continue
		}
		holding := Holding{Symbol: symbol, Balance: money.Format(balance, s.settler.places(symbol))}
		price := decimal.NewFromInt(1)
		if symbol != policy.Fiat {
			asset, _ := policy.Asset(symbol)
			priceCtx, cancel := withTimeout(ctx, policy.PriceTimeout)
			quote, err := s.prices.Quote(priceCtx, asset)
			cancel()
			if err != nil || !quote.Price.IsPositive() {
				s.settler.Logger.Warn("valuation price missing", zap.String("symbol", symbol), zap.Error(err))
				complete = false
				holdings = append(holdings, holding)
				continue
			}
			price = quote.Price
		}
		value := money.Round(balance.Mul(price), policy.FiatPrecision)
		total = total.Add(value)
		holding.Price = price.String()
		holding.Value = money.Format(value, policy.FiatPrecision)
		holding.Priced = true
		holdings = append(holdings, holding)
	}
	return Valuation{
		UserID:   userID,
		Currency: policy.Fiat,
		Total:    money.Format(total, policy.FiatPrecision),
		Complete: complete,
		Holdings: holdings,
	}, nil
}

// Events replays journaled settlements for userID after index.
func (s *WalletService) Events(userID string, after uint64, limit int) ([]journal.Record, error) {
	if s.events == nil {
		return nil, nil
	}
	return s.events.After(userID, after, limit)
}

func (s *WalletService) Transactions(ctx context.Context, filter store.TransactionFilter) ([]models.Transaction, error) {
	return s.history.List(ctx, filter)
}

type ReconcileReport struct {
	Consistent       bool                 `json:"consistent"`
	Checked          int                  `json:"checked"`
	Mismatches       []store.BalanceCheck `json:"mismatches"`
	HouseTotals      []store.HouseTotal   `json:"house_totals"`
	ChecksumFailures []string             `json:"checksum_failures"`
}

const reconcilePage = 500

// Reconcile compares stored balances with the ledger and recomputes every
// record checksum. An empty userID covers all wallets.
func (s *WalletService) Reconcile(ctx context.Context, userID string) (ReconcileReport, error) {
	checks, err := s.reports.Reconcile(ctx, userID)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{Checked: len(checks), Mismatches: []store.BalanceCheck{}, ChecksumFailures: []string{}}
	for _, check := range checks {
		if !check.Difference.IsZero() {
			report.Mismatches = append(report.Mismatches, check)
		}
	}
	totals, err := s.reports.HouseTotals(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	report.HouseTotals = totals

	for offset := 0; ; offset += reconcilePage {
		page, err := s.history.List(ctx, store.TransactionFilter{UserID: userID, Limit: reconcilePage, Offset: offset})
		if err != nil {
			return ReconcileReport{}, err
		}
		for _, record := range page {
			if Checksum(record) != record.Checksum {
				report.ChecksumFailures = append(report.ChecksumFailures, record.ID)
			}
		}
		if len(page) < reconcilePage {
			break
		}
	}
	sort.Strings(report.ChecksumFailures)
	report.Consistent = len(report.Mismatches) == 0 && len(report.ChecksumFailures) == 0
	if !report.Consistent {
		s.settler.Logger.Error("reconciliation found discrepancies",
			zap.Int("balance_mismatches", len(report.Mismatches)),
			zap.Int("checksum_failures", len(report.ChecksumFailures)),
		)
	}
	return report, nil
}
