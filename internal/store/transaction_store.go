package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradedesk/internal/models"
)

var ErrTransactionNotFound = errors.New("transaction not found")

type TransactionStore struct {
	db DB
}

const transactionColumns = `id, user_id, type, symbol, amount, price, total, fee, status,
		payment_method_id, metadata, client_request_id, checksum, created_at, settled_at`

func NewTransactionStore(db DB) *TransactionStore {
	return &TransactionStore{db: db}
}

// Create appends a record. Records are never deleted; only pending funding
// records change status, through Transition.
func (s *TransactionStore) Create(ctx context.Context, tx Execer, record models.Transaction) error {
	metadata := record.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, symbol, amount, price, total, fee, status,
			payment_method_id, metadata, client_request_id, checksum, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		record.ID, record.UserID, record.Type, record.Symbol, record.Amount, record.Price, record.Total, record.Fee, record.Status,
		record.PaymentMethodID, metadata, record.ClientRequestID, record.Checksum, record.CreatedAt, record.SettledAt,
	)
	return err
}

func (s *TransactionStore) GetByID(ctx context.Context, transactionID string) (models.Transaction, error) {
	var row models.Transaction
	err := s.db.GetContext(ctx, &row, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, ErrTransactionNotFound
	}
	return row, err
}

func (s *TransactionStore) GetForUpdate(ctx context.Context, tx Getter, transactionID string) (models.Transaction, error) {
	var row models.Transaction
	err := tx.GetContext(ctx, &row, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, ErrTransactionNotFound
	}
	return row, err
}

// Transition moves a record from one status to another and reports whether
// the row was still in the expected status.
func (s *TransactionStore) Transition(ctx context.Context, tx Execer, transactionID string, from, to models.TransactionStatus, settledAt *time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, settled_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, to, settledAt, transactionID, from)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

type TransactionFilter struct {
	UserID string
	Type   models.TransactionType
	Status models.TransactionStatus
	Limit  int
	Offset int
}

// List returns records newest first.
func (s *TransactionStore) List(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1 = 1`
	args := []any{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		query += " AND user_id = $" + itoa(len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += " AND type = $" + itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += " AND status = $" + itoa(len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit, filter.Offset)
	query += " ORDER BY created_at DESC, id LIMIT $" + itoa(len(args)-1) + " OFFSET $" + itoa(len(args))
	var rows []models.Transaction
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func itoa(value int) string {
	return fmt.Sprintf("%d", value)
}
