package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradedesk/internal/config"
	"tradedesk/internal/models"
	"tradedesk/internal/money"
	"tradedesk/internal/pricefeed"
	"tradedesk/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeService executes market orders against a user's wallet.
type TradeService struct {
	settler *settler
	prices  pricefeed.Source
}

func NewTradeService(deps Deps, prices pricefeed.Source) *TradeService {
	return &TradeService{settler: newSettler(deps), prices: prices}
}

type TradeRequest struct {
	UserID          string
	Symbol          string
	Side            models.Side
	Quantity        string
	ClientRequestID *string
}

// TradePreview is the priced trade before any funds check. Amounts are in
// fiat except Quantity.
type TradePreview struct {
	Symbol   string          `json:"symbol"`
	Side     models.Side     `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Gross    decimal.Decimal `json:"gross"`
	Fee      decimal.Decimal `json:"fee"`
	Net      decimal.Decimal `json:"net"`
	AsOf     time.Time       `json:"as_of"`
	Source   string          `json:"source"`
}

// Quote prices a trade the way Execute would without touching the wallet.
func (s *TradeService) Quote(ctx context.Context, req TradeRequest) (TradePreview, error) {
	_, preview, err := s.prepare(ctx, req)
	return preview, err
}

// Execute validates, prices and settles a market order. Either the balance
// change, the completed record and its ledger lines all commit, or nothing
// does.
func (s *TradeService) Execute(ctx context.Context, req TradeRequest) (string, error) {
	logger := s.settler.Logger.With(
		zap.String("user_id", req.UserID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("quantity", req.Quantity),
	)
	asset, preview, err := s.prepare(ctx, req)
	if err != nil {
		logger.Info("trade rejected", zap.Error(err))
		return "", err
	}

	settleCtx, cancel := withTimeout(ctx, s.settler.Policy.SettleTimeout)
	defer cancel()
	var result committed
	err = s.settler.settle(settleCtx, func(tx *sqlx.Tx) error {
		var err error
		result, err = s.settleTrade(settleCtx, tx, req, asset, preview)
		return err
	})
	if err != nil {
		logger.Info("trade rejected", zap.Error(err))
		return "", err
	}

	s.settler.publish(result)
	logger.Info("trade executed",
		zap.String("transaction_id", result.record.ID),
		zap.String("price", preview.Price.String()),
		zap.String("net", preview.Net.String()),
		zap.Int64("version", result.wallet.Version),
	)
	return result.record.ID, nil
}

func (s *TradeService) prepare(ctx context.Context, req TradeRequest) (models.Asset, TradePreview, error) {
	policy := s.settler.Policy
	if !req.Side.Valid() {
		return models.Asset{}, TradePreview{}, ErrInvalidSide
	}

	asset, known := policy.Asset(strings.TrimSpace(req.Symbol))
	places := int32(8)
	if known {
		places = asset.Precision
	}
	quantity, err := money.Parse(req.Quantity, places)
	if err != nil || !quantity.IsPositive() || quantity.LessThan(policy.MinQuantity) {
		return models.Asset{}, TradePreview{}, ErrInvalidAmount
	}

	if !known || !asset.Tradable || strings.EqualFold(asset.Symbol, policy.Fiat) {
		return models.Asset{}, TradePreview{}, ErrUnknownSymbol
	}

	quote, err := s.quote(ctx, asset)
	if err != nil {
		return models.Asset{}, TradePreview{}, err
	}

	price := money.Round(quote.Price, config.MaxAssetPrecision)
	gross := money.Round(quantity.Mul(price), policy.FiatPrecision)
	fee := money.Round(gross.Mul(policy.FeeRate), policy.FiatPrecision)
	net := gross.Sub(fee)
	if req.Side == models.SideBuy {
		net = gross.Add(fee)
	}

	// A trade worth nothing at fiat precision would move assets for free.
	if !gross.IsPositive() || !net.IsPositive() {
		return models.Asset{}, TradePreview{}, ErrBelowMinimumTradeValue
	}
	basis := gross
	if policy.MinValueBasis == config.MinValueBasisNet {
		basis = net
	}
	if basis.LessThan(policy.MinTradeValue) {
		return models.Asset{}, TradePreview{}, ErrBelowMinimumTradeValue
	}

	return asset, TradePreview{
		Symbol:   asset.Symbol,
		Side:     req.Side,
		Quantity: quantity,
		Price:    price,
		Gross:    gross,
		Fee:      fee,
		Net:      net,
		AsOf:     quote.AsOf,
		Source:   quote.Source,
	}, nil
}

// quote fetches a live price. A stale or non-positive quote is as good as
// none; there is no fallback.
func (s *TradeService) quote(ctx context.Context, asset models.Asset) (models.Quote, error) {
	policy := s.settler.Policy
	priceCtx, cancel := withTimeout(ctx, policy.PriceTimeout)
	defer cancel()

	quote, err := s.prices.Quote(priceCtx, asset)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(priceCtx.Err(), context.DeadlineExceeded) {
			return models.Quote{}, ErrTimeout
		}
		s.settler.Logger.Warn("price source failed", zap.String("symbol", asset.Symbol), zap.Error(err))
		return models.Quote{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if !quote.Price.IsPositive() {
		return models.Quote{}, ErrPriceUnavailable
	}
	if policy.MaxQuoteAge > 0 && s.settler.Now().Sub(quote.AsOf) > policy.MaxQuoteAge {
		s.settler.Logger.Warn("stale quote refused", zap.String("symbol", asset.Symbol), zap.Time("as_of", quote.AsOf))
		return models.Quote{}, ErrPriceUnavailable
	}
	return quote, nil
}

func (s *TradeService) settleTrade(ctx context.Context, tx *sqlx.Tx, req TradeRequest, asset models.Asset, preview TradePreview) (committed, error) {
	fiat := s.settler.Policy.Fiat
	wallet, err := s.settler.openWallet(ctx, tx, req.UserID)
	if err != nil {
		return committed{}, err
	}

	var deltas map[string]decimal.Decimal
	var shortfall error
	if req.Side == models.SideBuy {
		shortfall = ErrInsufficientFiatBalance
		if wallet.Balance(fiat).LessThan(preview.Net) {
			return committed{}, shortfall
		}
		deltas = map[string]decimal.Decimal{fiat: preview.Net.Neg(), asset.Symbol: preview.Quantity}
	} else {
		shortfall = ErrInsufficientAssetBalance
		if wallet.Balance(asset.Symbol).LessThan(preview.Quantity) {
			return committed{}, shortfall
		}
		deltas = map[string]decimal.Decimal{asset.Symbol: preview.Quantity.Neg(), fiat: preview.Net}
	}

	version, err := s.settler.Wallets.ApplyDelta(ctx, tx, req.UserID, wallet.Version, deltas)
	if err != nil {
		if errors.Is(err, store.ErrNegativeBalance) {
			return committed{}, shortfall
		}
		return committed{}, err
	}

	now := s.settler.now()
	txType := models.TypeBuy
	if req.Side == models.SideSell {
		txType = models.TypeSell
	}
	record := models.Transaction{
		ID:     s.settler.NewID(),
		UserID: req.UserID,
		Type:   txType,
		Symbol: asset.Symbol,
		Amount: preview.Quantity,
		Price:  preview.Price,
		Total:  preview.Gross,
		Fee:    preview.Fee,
		Status: models.StatusCompleted,
		Metadata: auditData(map[string]any{
			"net":          preview.Net.String(),
			"price_source": preview.Source,
			"quoted_at":    preview.AsOf,
		}),
		ClientRequestID: req.ClientRequestID,
		CreatedAt:       now,
		SettledAt:       &now,
	}
	record.Checksum = Checksum(record)
	if err := s.settler.Transactions.Create(ctx, tx, record); err != nil {
		return committed{}, err
	}

	if err := s.settler.postEntries(ctx, tx, s.tradeEntries(record, preview.Net, req.UserID, fiat)); err != nil {
		return committed{}, err
	}

	data := auditData(map[string]any{
		"transaction_id": record.ID,
		"symbol":         record.Symbol,
		"quantity":       record.Amount.String(),
		"price":          record.Price.String(),
		"net":            preview.Net.String(),
		"version":        version,
	})
	if err := s.settler.Audit.Log(ctx, tx, req.UserID, "trade."+string(req.Side), "transaction", record.ID, data); err != nil {
		return committed{}, err
	}
	return committed{record: record, wallet: applied(wallet, deltas, version)}, nil
}

// tradeEntries books the user side against house:trading, with the fee
// landing in house:fees.
func (s *TradeService) tradeEntries(record models.Transaction, net decimal.Decimal, userID, fiat string) []store.LedgerEntryInput {
	id := record.ID
	if record.Type == models.TypeBuy {
		return []store.LedgerEntryInput{
			s.settler.line(id, userID, fiat, net.Neg(), "Buy "+record.Symbol),
			s.settler.line(id, store.AccountHouseTrading, fiat, record.Total, "Buy "+record.Symbol),
			s.settler.line(id, store.AccountHouseFees, fiat, record.Fee, "Trading fee"),
			s.settler.line(id, userID, record.Symbol, record.Amount, "Buy "+record.Symbol),
			s.settler.line(id, store.AccountHouseTrading, record.Symbol, record.Amount.Neg(), "Buy "+record.Symbol),
		}
	}
	return []store.LedgerEntryInput{
		s.settler.line(id, userID, record.Symbol, record.Amount.Neg(), "Sell "+record.Symbol),
		s.settler.line(id, store.AccountHouseTrading, record.Symbol, record.Amount, "Sell "+record.Symbol),
		s.settler.line(id, userID, fiat, net, "Sell "+record.Symbol),
		s.settler.line(id, store.AccountHouseTrading, fiat, record.Total.Neg(), "Sell "+record.Symbol),
		s.settler.line(id, store.AccountHouseFees, fiat, record.Fee, "Trading fee"),
	}
}

type Market struct {
	Symbol    string           `json:"symbol"`
	Name      string           `json:"name"`
	Precision int32            `json:"precision"`
	Tradable  bool             `json:"tradable"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	AsOf      *time.Time       `json:"as_of,omitempty"`
	Source    string           `json:"source,omitempty"`
}

// Markets lists every configured asset with its current price. An asset whose
// price cannot be fetched is listed without one.
func (s *TradeService) Markets(ctx context.Context) []Market {
	markets := make([]Market, 0, len(s.settler.Policy.Assets))
	for _, asset := range s.settler.Policy.Assets {
		market := Market{Symbol: asset.Symbol, Name: asset.Name, Precision: asset.Precision, Tradable: asset.Tradable}
		if quote, err := s.quote(ctx, asset); err == nil {
			price := money.Round(quote.Price, config.MaxAssetPrecision)
			market.Price = &price
			market.AsOf = &quote.AsOf
			market.Source = quote.Source
		}
		markets = append(markets, market)
	}
	return markets
}
