package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"tradedesk/internal/config"
	"tradedesk/internal/db"
	"tradedesk/internal/journal"
	"tradedesk/internal/models"
	"tradedesk/internal/money"
	"tradedesk/internal/store"
	"tradedesk/internal/websocket"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type WalletStore interface {
	Ensure(ctx context.Context, tx store.Execer, userID string) (bool, error)
	Snapshot(ctx context.Context, q store.Tx, userID string) (models.Wallet, error)
	ApplyDelta(ctx context.Context, tx store.Execer, userID string, expectedVersion int64, deltas map[string]decimal.Decimal) (int64, error)
}

type LedgerStore interface {
	InsertEntries(ctx context.Context, tx store.Execer, entries []store.LedgerEntryInput) error
}

type TransactionStore interface {
	Create(ctx context.Context, tx store.Execer, record models.Transaction) error
	GetForUpdate(ctx context.Context, tx store.Getter, transactionID string) (models.Transaction, error)
	Transition(ctx context.Context, tx store.Execer, transactionID string, from, to models.TransactionStatus, settledAt *time.Time) (bool, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
}

type EventJournal interface {
	Append(event journal.Event) (uint64, error)
}

type WalletHub interface {
	BroadcastWallet(userID string, update websocket.WalletUpdate)
}

// Deps are the collaborators shared by every service that moves money.
// Journal and Hub are optional.
type Deps struct {
	TxRunner     db.TxRunner
	Wallets      WalletStore
	Ledger       LedgerStore
	Transactions TransactionStore
	Audit        AuditStore
	Journal      EventJournal
	Hub          WalletHub
	Policy       config.Policy
	Logger       *zap.Logger
	Now          func() time.Time
	NewID        func() string
}

type settler struct {
	Deps
}

// committed is what a settlement leaves behind once its transaction commits.
type committed struct {
	record models.Transaction
	wallet models.Wallet
}

func newSettler(deps Deps) *settler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &settler{Deps: deps}
}

func (s *settler) now() time.Time {
	return s.Now().UTC().Truncate(time.Microsecond)
}

// settle runs apply in its own database transaction, starting over from a
// fresh snapshot when the wallet version moved or Postgres reports a
// serialization failure.
func (s *settler) settle(ctx context.Context, apply func(tx *sqlx.Tx) error) error {
	attempts := s.Policy.MaxSettleAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := s.TxRunner.WithTx(ctx, apply)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return classify(ctx, err)
		}
		if attempt >= attempts {
			s.Logger.Warn("settlement gave up after conflicts", zap.Int("attempts", attempt), zap.Error(err))
			return ErrConcurrencyConflict
		}
		s.Logger.Debug("settlement conflict, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if err := db.Backoff(ctx, attempt); err != nil {
			return classify(ctx, err)
		}
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, store.ErrVersionConflict) || db.IsSerializationFailure(err) || errors.Is(err, db.ErrRetryLimit)
}

var domainErrors = []error{
	ErrInvalidAmount, ErrInvalidSide, ErrUnknownSymbol, ErrPriceUnavailable, ErrBelowMinimumTradeValue,
	ErrInsufficientFiatBalance, ErrInsufficientAssetBalance, ErrConcurrencyConflict, ErrTimeout,
	ErrDuplicateRequest, ErrUnknownPaymentMethod, ErrInvalidFundingRequest, ErrNotPending, ErrNotOwner,
	store.ErrTransactionNotFound,
}

func isDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// classify turns infrastructure failures into the caller-facing kinds.
func classify(ctx context.Context, err error) error {
	switch {
	case isDomainError(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case db.IsUniqueViolation(err):
		return ErrDuplicateRequest
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	}
	return err
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// openWallet returns the wallet snapshot inside tx, creating the wallet (and
// crediting the signup bonus) on first access.
func (s *settler) openWallet(ctx context.Context, tx *sqlx.Tx, userID string) (models.Wallet, error) {
	created, err := s.Wallets.Ensure(ctx, tx, userID)
	if err != nil {
		return models.Wallet{}, err
	}
	if created && s.Policy.SignupBonus.IsPositive() {
		if err := s.creditSignupBonus(ctx, tx, userID); err != nil {
			return models.Wallet{}, err
		}
	}
	return s.Wallets.Snapshot(ctx, tx, userID)
}

func (s *settler) creditSignupBonus(ctx context.Context, tx *sqlx.Tx, userID string) error {
	bonus := money.Round(s.Policy.SignupBonus, s.Policy.FiatPrecision)
	fiat := s.Policy.Fiat
	if _, err := s.Wallets.ApplyDelta(ctx, tx, userID, 0, map[string]decimal.Decimal{fiat: bonus}); err != nil {
		return err
	}
	now := s.now()
	record := models.Transaction{
		ID:        s.NewID(),
		UserID:    userID,
		Type:      models.TypeDeposit,
		Symbol:    fiat,
		Amount:    bonus,
		Price:     decimal.NewFromInt(1),
		Total:     bonus,
		Fee:       decimal.Zero,
		Status:    models.StatusCompleted,
		Metadata:  `{"signup_bonus":true}`,
		CreatedAt: now,
		SettledAt: &now,
	}
	record.Checksum = Checksum(record)
	if err := s.Transactions.Create(ctx, tx, record); err != nil {
		return err
	}
	entries := []store.LedgerEntryInput{
		s.line(record.ID, userID, fiat, bonus, "Signup bonus"),
		s.line(record.ID, store.AccountHousePromotions, fiat, bonus.Neg(), "Signup bonus"),
	}
	if err := s.postEntries(ctx, tx, entries); err != nil {
		return err
	}
	return s.Audit.Log(ctx, tx, userID, "wallet.signup_bonus", "transaction", record.ID, "{}")
}

func (s *settler) line(transactionID, account, asset string, amount decimal.Decimal, description string) store.LedgerEntryInput {
	return store.LedgerEntryInput{
		ID:            s.NewID(),
		TransactionID: transactionID,
		Account:       account,
		Asset:         asset,
		Amount:        amount,
		Description:   description,
	}
}

// postEntries drops zero lines and refuses a set that does not net to zero per
// asset.
func (s *settler) postEntries(ctx context.Context, tx store.Execer, entries []store.LedgerEntryInput) error {
	kept := entries[:0]
	for _, entry := range entries {
		if !entry.Amount.IsZero() {
			kept = append(kept, entry)
		}
	}
	if err := ensureBalanced(kept); err != nil {
		return err
	}
	return s.Ledger.InsertEntries(ctx, tx, kept)
}

func ensureBalanced(entries []store.LedgerEntryInput) error {
	sums := map[string]decimal.Decimal{}
	for _, entry := range entries {
		sums[entry.Asset] = sums[entry.Asset].Add(entry.Amount)
	}
	for _, sum := range sums {
		if !sum.IsZero() {
			return ErrUnbalancedLedger
		}
	}
	return nil
}

func applied(wallet models.Wallet, deltas map[string]decimal.Decimal, version int64) models.Wallet {
	balances := make(map[string]decimal.Decimal, len(wallet.Balances)+len(deltas))
	for asset, balance := range wallet.Balances {
		balances[asset] = balance
	}
	for asset, delta := range deltas {
		balances[asset] = balances[asset].Add(delta)
	}
	wallet.Balances = balances
	wallet.Version = version
	return wallet
}

func (s *settler) places(asset string) int32 {
	if asset == s.Policy.Fiat {
		return s.Policy.FiatPrecision
	}
	if a, ok := s.Policy.Asset(asset); ok {
		return a.Precision
	}
	return 8
}

// formatBalances renders every configured symbol, zero or not, at its precision.
func (s *settler) formatBalances(wallet models.Wallet) map[string]string {
	out := make(map[string]string, len(wallet.Balances)+len(s.Policy.Assets)+1)
	for _, symbol := range s.Policy.Symbols() {
		out[symbol] = money.Format(wallet.Balance(symbol), s.places(symbol))
	}
	for asset, balance := range wallet.Balances {
		out[asset] = money.Format(balance, s.places(asset))
	}
	return out
}

// publish tells the journal and live connections about a committed change.
// Failures here never undo or fail the settlement.
func (s *settler) publish(result committed) {
	var index uint64
	if s.Journal != nil {
		idx, err := s.Journal.Append(journal.Event{
			TransactionID: result.record.ID,
			UserID:        result.record.UserID,
			Type:          string(result.record.Type),
			Symbol:        result.record.Symbol,
			Amount:        result.record.Amount,
			Price:         result.record.Price,
			Total:         result.record.Total,
			Fee:           result.record.Fee,
			Version:       result.wallet.Version,
			Balances:      result.wallet.Balances,
			SettledAt:     s.now(),
		})
		if err != nil {
			s.Logger.Warn("journal append failed", zap.String("transaction_id", result.record.ID), zap.Error(err))
		} else {
			index = idx
		}
	}
	if s.Hub != nil {
		s.Hub.BroadcastWallet(result.record.UserID, websocket.WalletUpdate{
			Index:         index,
			TransactionID: result.record.ID,
			Type:          string(result.record.Type),
			Version:       result.wallet.Version,
			Balances:      s.formatBalances(result.wallet),
		})
	}
}

func auditData(values map[string]any) string {
	data, err := json.Marshal(values)
	if err != nil {
		return "{}"
	}
	return string(data)
}
