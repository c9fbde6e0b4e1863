package pricefeed

import (
	"context"
	"strings"
	"time"

	"tradedesk/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// Binance prices an asset from the ticker of its configured Binance symbol,
// converted into fiat.
type Binance struct {
	client       *binance.Client
	quoteAsset   string
	fiatPerQuote decimal.Decimal
	now          func() time.Time
}

// NewBinance builds a Binance source whose tickers are quoted in quoteAsset
// (USDT for the default symbols).
func NewBinance(client *binance.Client, quoteAsset string, fiatPerQuote decimal.Decimal) *Binance {
	if !fiatPerQuote.IsPositive() {
		fiatPerQuote = decimal.NewFromInt(1)
	}
	return &Binance{client: client, quoteAsset: strings.ToUpper(quoteAsset), fiatPerQuote: fiatPerQuote, now: time.Now}
}

func (b *Binance) Quote(ctx context.Context, asset models.Asset) (models.Quote, error) {
	if asset.BinanceSymbol == "" {
		// the quote asset has no ticker against itself
		if b.quoteAsset != "" && strings.EqualFold(asset.Symbol, b.quoteAsset) {
			return models.Quote{Symbol: asset.Symbol, Price: b.fiatPerQuote, AsOf: b.now().UTC(), Source: "binance"}, nil
		}
		return models.Quote{}, unavailable(nil, "%s has no binance symbol", asset.Symbol)
	}
	prices, err := b.client.NewListPricesService().Symbol(asset.BinanceSymbol).Do(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return models.Quote{}, ctx.Err()
		}
		return models.Quote{}, unavailable(err, "binance ticker %s", asset.BinanceSymbol)
	}
	if len(prices) == 0 {
		return models.Quote{}, unavailable(nil, "binance returned empty prices for %s", asset.BinanceSymbol)
	}
	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil || !price.IsPositive() {
		return models.Quote{}, unavailable(err, "binance price for %s is not positive", asset.BinanceSymbol)
	}
	return models.Quote{
		Symbol: asset.Symbol,
		Price:  price.Mul(b.fiatPerQuote),
		AsOf:   b.now().UTC(),
		Source: "binance",
	}, nil
}
