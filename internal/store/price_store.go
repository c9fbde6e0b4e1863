package store

import (
	"context"
	"database/sql"
	"errors"

	"tradedesk/internal/models"

	"github.com/shopspring/decimal"
)

var ErrPriceNotSet = errors.New("price not set")

// PriceStore keeps administrator-set asset prices. Setting a price retires the
// previous one so history is kept.
type PriceStore struct {
	db DB
}

func NewPriceStore(db DB) *PriceStore {
	return &PriceStore{db: db}
}

func (s *PriceStore) GetActive(ctx context.Context, symbol string) (models.AssetPrice, error) {
	var row models.AssetPrice
	err := s.db.GetContext(ctx, &row, `
		SELECT id, symbol, price, is_active, created_by, created_at
		FROM asset_prices
		WHERE symbol = $1 AND is_active = TRUE
	`, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AssetPrice{}, ErrPriceNotSet
	}
	return row, err
}

func (s *PriceStore) ListActive(ctx context.Context) ([]models.AssetPrice, error) {
	var rows []models.AssetPrice
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, symbol, price, is_active, created_by, created_at
		FROM asset_prices
		WHERE is_active = TRUE
		ORDER BY symbol
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *PriceStore) SetPrice(ctx context.Context, tx Tx, symbol string, price decimal.Decimal, actorID string) (string, error) {
	_, err := tx.ExecContext(ctx, `
		UPDATE asset_prices
		SET is_active = FALSE, retired_at = NOW()
		WHERE symbol = $1 AND is_active = TRUE
	`, symbol)
	if err != nil {
		return "", err
	}
	var id string
	err = tx.GetContext(ctx, &id, `
		INSERT INTO asset_prices (id, symbol, price, is_active, created_by)
		VALUES (gen_random_uuid()::text, $1, $2, TRUE, $3)
		RETURNING id
	`, symbol, price, actorID)
	if err != nil {
		return "", err
	}
	return id, nil
}
