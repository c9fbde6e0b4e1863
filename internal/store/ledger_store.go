package store

import (
	"context"

	"github.com/shopspring/decimal"
)

// House accounts carry the counter side of every user ledger line.
const (
	AccountHouseTrading    = "house:trading"
	AccountHouseFees       = "house:fees"
	AccountHouseFunding    = "house:funding"
	AccountHousePromotions = "house:promotions"
)

type LedgerStore struct {
	db DB
}

type LedgerEntryInput struct {
	ID            string
	TransactionID string
	Account       string
	Asset         string
	Amount        decimal.Decimal
	Description   string
}

// BalanceCheck compares a stored wallet balance with the sum of its ledger lines.
type BalanceCheck struct {
	UserID        string          `db:"user_id" json:"user_id"`
	Asset         string          `db:"asset" json:"asset"`
	StoredBalance decimal.Decimal `db:"stored_balance" json:"stored_balance"`
	LedgerSum     decimal.Decimal `db:"ledger_sum" json:"ledger_sum"`
	Difference    decimal.Decimal `db:"difference" json:"difference"`
}

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) InsertEntries(ctx context.Context, tx Execer, entries []LedgerEntryInput) error {
	query := `
		INSERT INTO ledger_entries (id, transaction_id, account, asset, amount, description)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, query, entry.ID, entry.TransactionID, entry.Account, entry.Asset, entry.Amount, entry.Description); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile lists every (user, asset) pair whose stored balance or ledger sum
// is non-zero. An empty userID checks all wallets.
func (s *LedgerStore) Reconcile(ctx context.Context, userID string) ([]BalanceCheck, error) {
	var rows []BalanceCheck
	err := s.db.SelectContext(ctx, &rows, `
		WITH sums AS (
			SELECT account AS user_id, asset, SUM(amount) AS ledger_sum
			FROM ledger_entries
			WHERE account NOT LIKE 'house:%'
			GROUP BY account, asset
		)
		SELECT COALESCE(b.user_id, l.user_id) AS user_id,
		       COALESCE(b.asset, l.asset) AS asset,
		       COALESCE(b.balance, 0) AS stored_balance,
		       COALESCE(l.ledger_sum, 0) AS ledger_sum,
		       COALESCE(b.balance, 0) - COALESCE(l.ledger_sum, 0) AS difference
		FROM wallet_balances b
		FULL OUTER JOIN sums l ON l.user_id = b.user_id AND l.asset = b.asset
		WHERE $1 = '' OR COALESCE(b.user_id, l.user_id) = $1
		ORDER BY 1, 2
	`, userID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// HouseTotals returns the net position of each house account per asset.
func (s *LedgerStore) HouseTotals(ctx context.Context) ([]HouseTotal, error) {
	var rows []HouseTotal
	err := s.db.SelectContext(ctx, &rows, `
		SELECT account, asset, SUM(amount) AS total
		FROM ledger_entries
		WHERE account LIKE 'house:%'
		GROUP BY account, asset
		ORDER BY account, asset
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type HouseTotal struct {
	Account string          `db:"account" json:"account"`
	Asset   string          `db:"asset" json:"asset"`
	Total   decimal.Decimal `db:"total" json:"total"`
}
