package store

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"tradedesk/internal/db"
	"tradedesk/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrVersionConflict = errors.New("wallet version conflict")
	ErrNegativeBalance = errors.New("balance would become negative")
)

type WalletStore struct {
	db DB
}

type walletRow struct {
	UserID    string    `db:"user_id"`
	Version   int64     `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type balanceRow struct {
	Asset   string          `db:"asset"`
	Balance decimal.Decimal `db:"balance"`
}

func NewWalletStore(db DB) *WalletStore {
	return &WalletStore{db: db}
}

// Ensure creates an empty wallet for userID if none exists and reports whether
// it did.
func (s *WalletStore) Ensure(ctx context.Context, tx Execer, userID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, version)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *WalletStore) Get(ctx context.Context, userID string) (models.Wallet, error) {
	return s.read(ctx, s.db, userID, "")
}

// Snapshot locks the wallet header and reads every balance row. The returned
// version is the one ApplyDelta must be conditioned on.
func (s *WalletStore) Snapshot(ctx context.Context, q Tx, userID string) (models.Wallet, error) {
	return s.read(ctx, q, userID, "FOR UPDATE")
}

func (s *WalletStore) read(ctx context.Context, q Tx, userID, lock string) (models.Wallet, error) {
	var row walletRow
	err := q.GetContext(ctx, &row, `
		SELECT user_id, version, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
		`+lock, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Wallet{}, ErrWalletNotFound
		}
		return models.Wallet{}, err
	}
	var balances []balanceRow
	err = q.SelectContext(ctx, &balances, `
		SELECT asset, balance
		FROM wallet_balances
		WHERE user_id = $1
		ORDER BY asset
	`, userID)
	if err != nil {
		return models.Wallet{}, err
	}
	wallet := models.Wallet{
		UserID:    row.UserID,
		Version:   row.Version,
		Balances:  make(map[string]decimal.Decimal, len(balances)),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	for _, balance := range balances {
		wallet.Balances[balance.Asset] = balance.Balance
	}
	return wallet, nil
}

// ApplyDelta bumps the wallet version from expectedVersion and adds each signed
// delta to its balance. A version mismatch yields ErrVersionConflict and no
// balance is touched.
func (s *WalletStore) ApplyDelta(ctx context.Context, tx Execer, userID string, expectedVersion int64, deltas map[string]decimal.Decimal) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET version = version + 1, updated_at = NOW()
		WHERE user_id = $1 AND version = $2
	`, userID, expectedVersion)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, ErrVersionConflict
	}
	assets := make([]string, 0, len(deltas))
	for asset := range deltas {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		delta := deltas[asset]
		if delta.IsZero() {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_balances (user_id, asset, balance)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, asset)
			DO UPDATE SET balance = wallet_balances.balance + EXCLUDED.balance, updated_at = NOW()
		`, userID, asset, delta)
		if err != nil {
			if db.IsCheckViolation(err) {
				return 0, ErrNegativeBalance
			}
			return 0, err
		}
	}
	return expectedVersion + 1, nil
}
