package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type TransactionType string

const (
	TypeBuy        TransactionType = "buy"
	TypeSell       TransactionType = "sell"
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
)

// Wallet is a versioned snapshot of a user's balances. Version increases by one
// with every committed mutation.
type Wallet struct {
	UserID    string                     `json:"user_id"`
	Version   int64                      `json:"version"`
	Balances  map[string]decimal.Decimal `json:"balances"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

func (w Wallet) Balance(asset string) decimal.Decimal {
	if w.Balances == nil {
		return decimal.Zero
	}
	return w.Balances[asset]
}

type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
	Source string          `json:"source"`
}

type Asset struct {
	Symbol        string `json:"symbol" yaml:"symbol"`
	Name          string `json:"name" yaml:"name"`
	CoinGeckoID   string `json:"coingecko_id" yaml:"coingecko_id"`
	BinanceSymbol string `json:"binance_symbol" yaml:"binance_symbol"`
	Precision     int32  `json:"precision" yaml:"precision"`
	Tradable      bool   `json:"tradable" yaml:"tradable"`
}

type FeeType string

const (
	FeeFixed      FeeType = "fixed"
	FeePercentage FeeType = "percentage"
)

type PaymentMethod struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	MinAmount      decimal.Decimal `json:"min_amount"`
	MaxAmount      decimal.Decimal `json:"max_amount"`
	Fee            decimal.Decimal `json:"fee"`
	FeeType        FeeType         `json:"fee_type"`
	Active         bool            `json:"active"`
	RequiredFields []string        `json:"required_fields"`
}

// FeeFor returns the fee charged for moving amount through the method.
// Percentage fees are expressed in percent, so 2.9 means 2.9%.
func (m PaymentMethod) FeeFor(amount decimal.Decimal, places int32) decimal.Decimal {
	if m.FeeType == FeePercentage {
		return amount.Mul(m.Fee).Div(decimal.NewFromInt(100)).RoundBank(places)
	}
	return m.Fee
}

type Transaction struct {
	ID              string            `db:"id" json:"id"`
	UserID          string            `db:"user_id" json:"user_id"`
	Type            TransactionType   `db:"type" json:"type"`
	Symbol          string            `db:"symbol" json:"symbol"`
	Amount          decimal.Decimal   `db:"amount" json:"amount"`
	Price           decimal.Decimal   `db:"price" json:"price"`
	Total           decimal.Decimal   `db:"total" json:"total"`
	Fee             decimal.Decimal   `db:"fee" json:"fee"`
	Status          TransactionStatus `db:"status" json:"status"`
	PaymentMethodID *string           `db:"payment_method_id" json:"payment_method_id,omitempty"`
	Metadata        string            `db:"metadata" json:"metadata"`
	ClientRequestID *string           `db:"client_request_id" json:"client_request_id,omitempty"`
	Checksum        string            `db:"checksum" json:"checksum"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	SettledAt       *time.Time        `db:"settled_at" json:"settled_at,omitempty"`
}

type LedgerEntry struct {
	ID            string          `db:"id" json:"id"`
	TransactionID string          `db:"transaction_id" json:"transaction_id"`
	Account       string          `db:"account" json:"account"`
	Asset         string          `db:"asset" json:"asset"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Description   string          `db:"description" json:"description"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

type AssetPrice struct {
	ID        string          `db:"id" json:"id"`
	Symbol    string          `db:"symbol" json:"symbol"`
	Price     decimal.Decimal `db:"price" json:"price"`
	IsActive  bool            `db:"is_active" json:"is_active"`
	CreatedBy *string         `db:"created_by" json:"created_by,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
