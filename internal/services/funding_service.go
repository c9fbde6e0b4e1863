package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradedesk/internal/models"
	"tradedesk/internal/money"
	"tradedesk/internal/store"
	"tradedesk/internal/validator"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FundingService records deposit and withdrawal requests and settles them
// once an administrator approves.
type FundingService struct {
	settler *settler
}

func NewFundingService(deps Deps) *FundingService {
	return &FundingService{settler: newSettler(deps)}
}

type FundingRequest struct {
	UserID          string
	MethodID        string
	Amount          string
	Fields          map[string]string
	ClientRequestID *string
}

func (s *FundingService) RequestDeposit(ctx context.Context, req FundingRequest) (models.Transaction, error) {
	return s.request(ctx, models.TypeDeposit, req)
}

// RequestWithdrawal also requires the fiat balance to cover the amount now;
// approval checks it again.
func (s *FundingService) RequestWithdrawal(ctx context.Context, req FundingRequest) (models.Transaction, error) {
	return s.request(ctx, models.TypeWithdrawal, req)
}

func (s *FundingService) request(ctx context.Context, txType models.TransactionType, req FundingRequest) (models.Transaction, error) {
	policy := s.settler.Policy
	method, ok := policy.PaymentMethod(req.MethodID)
	if !ok || !method.Active {
		return models.Transaction{}, ErrUnknownPaymentMethod
	}
	amount, err := money.Parse(req.Amount, policy.FiatPrecision)
	if err != nil || !amount.IsPositive() {
		return models.Transaction{}, ErrInvalidAmount
	}
	if amount.LessThan(method.MinAmount) || amount.GreaterThan(method.MaxAmount) {
		return models.Transaction{}, fmt.Errorf("%w: %s accepts %s to %s", ErrInvalidAmount, method.Name,
			money.Format(method.MinAmount, policy.FiatPrecision), money.Format(method.MaxAmount, policy.FiatPrecision))
	}
	fee := method.FeeFor(amount, policy.FiatPrecision)
	if fee.GreaterThanOrEqual(amount) {
		return models.Transaction{}, fmt.Errorf("%w: fee exceeds amount", ErrInvalidAmount)
	}
	if err := validator.PaymentFields(method.RequiredFields, req.Fields, s.settler.Now()); err != nil {
		return models.Transaction{}, fmt.Errorf("%w: %v", ErrInvalidFundingRequest, err)
	}

	ctx, cancel := withTimeout(ctx, policy.SettleTimeout)
	defer cancel()
	methodID := method.ID
	var record models.Transaction
	err = s.settler.settle(ctx, func(tx *sqlx.Tx) error {
		wallet, err := s.settler.openWallet(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if txType == models.TypeWithdrawal && wallet.Balance(policy.Fiat).LessThan(amount) {
			return ErrInsufficientFiatBalance
		}
		record = models.Transaction{
			ID:              s.settler.NewID(),
			UserID:          req.UserID,
			Type:            txType,
			Symbol:          policy.Fiat,
			Amount:          amount,
			Price:           decimal.NewFromInt(1),
			Total:           amount,
			Fee:             fee,
			Status:          models.StatusPending,
			PaymentMethodID: &methodID,
			Metadata:        auditData(map[string]any{"fields": redactFields(req.Fields)}),
			ClientRequestID: req.ClientRequestID,
			CreatedAt:       s.settler.now(),
		}
		record.Checksum = Checksum(record)
		if err := s.settler.Transactions.Create(ctx, tx, record); err != nil {
			return err
		}
		data := auditData(map[string]any{"amount": amount.String(), "method": method.ID})
		return s.settler.Audit.Log(ctx, tx, req.UserID, "funding."+string(txType)+".request", "transaction", record.ID, data)
	})
	if err != nil {
		return models.Transaction{}, err
	}
	s.settler.Logger.Info("funding requested",
		zap.String("transaction_id", record.ID),
		zap.String("user_id", req.UserID),
		zap.String("type", string(txType)),
		zap.String("amount", amount.String()),
	)
	return record, nil
}

// Approve settles a pending request. A withdrawal the wallet can no longer
// cover fails and stays pending.
func (s *FundingService) Approve(ctx context.Context, adminID, transactionID string) (models.Transaction, error) {
	policy := s.settler.Policy
	fiat := policy.Fiat
	ctx, cancel := withTimeout(ctx, policy.SettleTimeout)
	defer cancel()
	var result committed
	err := s.settler.settle(ctx, func(tx *sqlx.Tx) error {
		record, err := s.lockPending(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		wallet, err := s.settler.openWallet(ctx, tx, record.UserID)
		if err != nil {
			return err
		}

		var deltas map[string]decimal.Decimal
		var entries []store.LedgerEntryInput
		switch record.Type {
		case models.TypeDeposit:
			credit := record.Amount.Sub(record.Fee)
			deltas = map[string]decimal.Decimal{fiat: credit}
			entries = []store.LedgerEntryInput{
				s.settler.line(record.ID, record.UserID, fiat, credit, "Deposit"),
				s.settler.line(record.ID, store.AccountHouseFunding, fiat, record.Amount.Neg(), "Deposit"),
				s.settler.line(record.ID, store.AccountHouseFees, fiat, record.Fee, "Deposit fee"),
			}
		case models.TypeWithdrawal:
			if wallet.Balance(fiat).LessThan(record.Amount) {
				return ErrInsufficientFiatBalance
			}
			deltas = map[string]decimal.Decimal{fiat: record.Amount.Neg()}
			entries = []store.LedgerEntryInput{
				s.settler.line(record.ID, record.UserID, fiat, record.Amount.Neg(), "Withdrawal"),
				s.settler.line(record.ID, store.AccountHouseFunding, fiat, record.Amount.Sub(record.Fee), "Withdrawal"),
				s.settler.line(record.ID, store.AccountHouseFees, fiat, record.Fee, "Withdrawal fee"),
			}
		default:
			return ErrNotPending
		}

		version, err := s.settler.Wallets.ApplyDelta(ctx, tx, record.UserID, wallet.Version, deltas)
		if err != nil {
			if errors.Is(err, store.ErrNegativeBalance) {
				return ErrInsufficientFiatBalance
			}
			return err
		}
		now := s.settler.now()
		moved, err := s.settler.Transactions.Transition(ctx, tx, record.ID, models.StatusPending, models.StatusCompleted, &now)
		if err != nil {
			return err
		}
		if !moved {
			return ErrNotPending
		}
		if err := s.settler.postEntries(ctx, tx, entries); err != nil {
			return err
		}
		data := auditData(map[string]any{"amount": record.Amount.String(), "fee": record.Fee.String(), "version": version})
		if err := s.settler.Audit.Log(ctx, tx, adminID, "funding."+string(record.Type)+".approve", "transaction", record.ID, data); err != nil {
			return err
		}
		record.Status = models.StatusCompleted
		record.SettledAt = &now
		result = committed{record: record, wallet: applied(wallet, deltas, version)}
		return nil
	})
	if err != nil {
		return models.Transaction{}, err
	}
	s.settler.publish(result)
	s.settler.Logger.Info("funding approved",
		zap.String("transaction_id", result.record.ID),
		zap.String("admin_id", adminID),
		zap.String("type", string(result.record.Type)),
	)
	return result.record, nil
}

func (s *FundingService) Reject(ctx context.Context, adminID, transactionID, reason string) (models.Transaction, error) {
	return s.finish(ctx, adminID, transactionID, models.StatusFailed, "", reason)
}

// Cancel lets the owner withdraw their own pending request.
func (s *FundingService) Cancel(ctx context.Context, userID, transactionID string) (models.Transaction, error) {
	return s.finish(ctx, userID, transactionID, models.StatusCancelled, userID, "")
}

func (s *FundingService) finish(ctx context.Context, actorID, transactionID string, to models.TransactionStatus, owner, reason string) (models.Transaction, error) {
	ctx, cancel := withTimeout(ctx, s.settler.Policy.SettleTimeout)
	defer cancel()
	var record models.Transaction
	err := s.settler.settle(ctx, func(tx *sqlx.Tx) error {
		var err error
		record, err = s.lockPending(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if owner != "" && record.UserID != owner {
			return ErrNotOwner
		}
		now := s.settler.now()
		moved, err := s.settler.Transactions.Transition(ctx, tx, record.ID, models.StatusPending, to, &now)
		if err != nil {
			return err
		}
		if !moved {
			return ErrNotPending
		}
		record.Status = to
		record.SettledAt = &now
		data := auditData(map[string]any{"reason": reason})
		return s.settler.Audit.Log(ctx, tx, actorID, "funding."+string(record.Type)+"."+string(to), "transaction", record.ID, data)
	})
	if err != nil {
		return models.Transaction{}, err
	}
	s.settler.Logger.Info("funding closed",
		zap.String("transaction_id", record.ID),
		zap.String("actor_id", actorID),
		zap.String("status", string(to)),
	)
	return record, nil
}

func (s *FundingService) lockPending(ctx context.Context, tx *sqlx.Tx, transactionID string) (models.Transaction, error) {
	record, err := s.settler.Transactions.GetForUpdate(ctx, tx, transactionID)
	if err != nil {
		return models.Transaction{}, err
	}
	if record.Status != models.StatusPending || (record.Type != models.TypeDeposit && record.Type != models.TypeWithdrawal) {
		return models.Transaction{}, ErrNotPending
	}
	return record, nil
}

// redactFields keeps what an operator needs to move the money and nothing
// that could be replayed against a card.
func redactFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		value = strings.TrimSpace(value)
		switch name {
		case "cvv":
			continue
		case "card_number":
			digits := strings.NewReplacer(" ", "", "-", "").Replace(value)
			if len(digits) > 4 {
				value = strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
			}
		case "phone":
			if normalized, err := validator.NormalizePhone(value); err == nil {
				value = normalized
			}
		}
		out[name] = value
	}
	return out
}
