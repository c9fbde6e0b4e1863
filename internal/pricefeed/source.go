package pricefeed

import (
	"context"
	"strings"
	"time"

	"tradedesk/internal/config"
	"tradedesk/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BinanceQuoteAsset is the quote asset of the configured Binance tickers.
const BinanceQuoteAsset = "USDT"

// ErrUnavailable is wrapped by every failure a Source reports.
var ErrUnavailable = errors.New("price unavailable")

// Source returns the current unit price of an asset in the fiat currency.
type Source interface {
	Quote(ctx context.Context, asset models.Asset) (models.Quote, error)
}

func unavailable(err error, format string, args ...any) error {
	if err == nil {
		return errors.Wrapf(ErrUnavailable, format, args...)
	}
	return errors.Wrapf(ErrUnavailable, format+": %v", append(args, err)...)
}

// New picks the Source named by cfg.PriceSource.
func New(cfg config.Config, prices ActivePrices) (Source, error) {
	policy := cfg.Policy
	switch strings.ToLower(cfg.PriceSource) {
	case "", "coingecko":
		return NewCoinGecko(CoinGeckoConfig{
			BaseURL:      cfg.CoinGeckoURL,
			APIKey:       cfg.CoinGeckoAPIKey,
			RPS:          cfg.CoinGeckoRPS,
			VsCurrency:   policy.QuoteCurrency,
			FiatPerQuote: policy.FiatPerQuote,
		}), nil
	case "binance":
		return NewBinance(binance.NewClient(cfg.BinanceAPIKey, cfg.BinanceSecret), BinanceQuoteAsset, policy.FiatPerQuote), nil
	case "admin":
		if prices == nil {
			return nil, errors.New("admin price source needs a price store")
		}
		return NewAdmin(prices), nil
	case "static":
		return NewStatic(policy.StaticPrices), nil
	default:
		return nil, errors.Errorf("unknown price source %q", cfg.PriceSource)
	}
}

// Static serves fixed prices. Quotes are always fresh.
type Static struct {
	prices map[string]decimal.Decimal
	now    func() time.Time
}

func NewStatic(prices map[string]decimal.Decimal) *Static {
	normalized := make(map[string]decimal.Decimal, len(prices))
	for symbol, price := range prices {
		normalized[strings.ToUpper(symbol)] = price
	}
	return &Static{prices: normalized, now: time.Now}
}

func (s *Static) Quote(_ context.Context, asset models.Asset) (models.Quote, error) {
	price, ok := s.prices[strings.ToUpper(asset.Symbol)]
	if !ok {
		return models.Quote{}, unavailable(nil, "no static price for %s", asset.Symbol)
	}
	return models.Quote{Symbol: asset.Symbol, Price: price, AsOf: s.now().UTC(), Source: "static"}, nil
}
