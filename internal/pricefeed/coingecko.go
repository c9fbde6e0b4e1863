package pricefeed

import (
	"context"
	"net/http"
	"strings"
	"time"

	"tradedesk/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

type CoinGeckoConfig struct {
	BaseURL      string
	APIKey       string
	RPS          float64 // outbound requests per second, <= 0 disables throttling
	VsCurrency   string
	FiatPerQuote decimal.Decimal
}

// CoinGecko reads /simple/price and converts the quote currency into fiat.
type CoinGecko struct {
	client       *resty.Client
	limiter      *rate.Limiter
	vsCurrency   string
	fiatPerQuote decimal.Decimal
	now          func() time.Time
}

func NewCoinGecko(cfg CoinGeckoConfig) *CoinGecko {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("x-cg-demo-api-key", cfg.APIKey)
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	vs := strings.ToLower(cfg.VsCurrency)
	if vs == "" {
		vs = "usd"
	}
	factor := cfg.FiatPerQuote
	if !factor.IsPositive() {
		factor = decimal.NewFromInt(1)
	}
	return &CoinGecko{
		client:       client,
		limiter:      rate.NewLimiter(limit, 1),
		vsCurrency:   vs,
		fiatPerQuote: factor,
		now:          time.Now,
	}
}

func (c *CoinGecko) Quote(ctx context.Context, asset models.Asset) (models.Quote, error) {
	if asset.CoinGeckoID == "" {
		return models.Quote{}, unavailable(nil, "%s has no coingecko id", asset.Symbol)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return models.Quote{}, ctx.Err()
		}
		// The limiter refuses up front when the next slot lies past the deadline.
		if _, ok := ctx.Deadline(); ok {
			return models.Quote{}, context.DeadlineExceeded
		}
		return models.Quote{}, unavailable(err, "coingecko throttle")
	}

	var body map[string]map[string]decimal.Decimal
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":                     asset.CoinGeckoID,
			"vs_currencies":           c.vsCurrency,
			"include_last_updated_at": "true",
		}).
		SetResult(&body).
		Get("/simple/price")
	if err != nil {
		if ctx.Err() != nil {
			return models.Quote{}, ctx.Err()
		}
		return models.Quote{}, unavailable(err, "coingecko request for %s", asset.Symbol)
	}
	if resp.StatusCode() != http.StatusOK {
		return models.Quote{}, unavailable(nil, "coingecko returned %d for %s", resp.StatusCode(), asset.Symbol)
	}

	fields, ok := body[asset.CoinGeckoID]
	if !ok {
		return models.Quote{}, unavailable(nil, "coingecko has no price for %s", asset.CoinGeckoID)
	}
	price, ok := fields[c.vsCurrency]
	if !ok || !price.IsPositive() {
		return models.Quote{}, unavailable(nil, "coingecko price for %s is missing or not positive", asset.Symbol)
	}
	asOf := c.now().UTC()
	if updated, ok := fields["last_updated_at"]; ok && updated.IsPositive() {
		asOf = time.Unix(updated.IntPart(), 0).UTC()
	}
	return models.Quote{
		Symbol: asset.Symbol,
		Price:  price.Mul(c.fiatPerQuote),
		AsOf:   asOf,
		Source: "coingecko",
	}, nil
}
