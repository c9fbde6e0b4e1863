package config

import (
	"os"
	"strings"
	"time"

	"tradedesk/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Stored scales of balances and of fiat totals.
const (
	MaxAssetPrecision = 8
	MaxFiatPrecision  = 2
)

const (
	MinValueBasisGross = "gross"
	MinValueBasisNet   = "net"
)

// Policy holds the trading and funding rules. Everything monetary is in the
// fiat currency unless stated otherwise.
type Policy struct {
	Fiat              string
	FiatPrecision     int32
	Assets            []models.Asset
	FeeRate           decimal.Decimal
	MinQuantity       decimal.Decimal
	MinTradeValue     decimal.Decimal
	MinValueBasis     string
	MaxQuoteAge       time.Duration
	PriceTimeout      time.Duration
	SettleTimeout     time.Duration
	MaxSettleAttempts int
	SignupBonus       decimal.Decimal
	QuoteCurrency     string // currency the upstream feed quotes in
	FiatPerQuote      decimal.Decimal
	StaticPrices      map[string]decimal.Decimal
	PaymentMethods    []models.PaymentMethod
}

func DefaultPolicy() Policy {
	return Policy{
		Fiat:          "EGP",
		FiatPrecision: 2,
		Assets: []models.Asset{
			{Symbol: "BTC", Name: "Bitcoin", CoinGeckoID: "bitcoin", BinanceSymbol: "BTCUSDT", Precision: 8, Tradable: true},
			{Symbol: "ETH", Name: "Ethereum", CoinGeckoID: "ethereum", BinanceSymbol: "ETHUSDT", Precision: 8, Tradable: true},
			{Symbol: "USDT", Name: "Tether", CoinGeckoID: "tether", BinanceSymbol: "", Precision: 8, Tradable: true},
		},
		FeeRate:           decimal.RequireFromString("0.001"),
		MinQuantity:       decimal.RequireFromString("0.0001"),
		MinTradeValue:     decimal.NewFromInt(50),
		MinValueBasis:     MinValueBasisGross,
		MaxQuoteAge:       2 * time.Minute,
		PriceTimeout:      3 * time.Second,
		SettleTimeout:     5 * time.Second,
		MaxSettleAttempts: 3,
		SignupBonus:       decimal.Zero,
		QuoteCurrency:     "usd",
		FiatPerQuote:      decimal.RequireFromString("49.5"),
		StaticPrices:      map[string]decimal.Decimal{},
		PaymentMethods:    defaultPaymentMethods(),
	}
}

func (p Policy) Asset(symbol string) (models.Asset, bool) {
	for _, asset := range p.Assets {
		if strings.EqualFold(asset.Symbol, symbol) {
			return asset, true
		}
	}
	return models.Asset{}, false
}

func (p Policy) PaymentMethod(id string) (models.PaymentMethod, bool) {
	for _, method := range p.PaymentMethods {
		if method.ID == id {
			return method, true
		}
	}
	return models.PaymentMethod{}, false
}

// Symbols lists the fiat currency first, followed by every configured asset.
func (p Policy) Symbols() []string {
	symbols := make([]string, 0, len(p.Assets)+1)
	symbols = append(symbols, p.Fiat)
	for _, asset := range p.Assets {
		symbols = append(symbols, asset.Symbol)
	}
	return symbols
}

func (p Policy) Validate() error {
	if p.Fiat == "" {
		return errors.New("policy: fiat currency is required")
	}
	if p.FiatPrecision < 0 || p.FiatPrecision > MaxFiatPrecision {
		return errors.New("policy: fiat_precision out of range")
	}
	if len(p.Assets) == 0 {
		return errors.New("policy: at least one asset is required")
	}
	for _, asset := range p.Assets {
		if asset.Symbol == "" {
			return errors.New("policy: asset symbol is required")
		}
		if strings.EqualFold(asset.Symbol, p.Fiat) {
			return errors.Errorf("policy: asset %s collides with fiat currency", asset.Symbol)
		}
		if asset.Precision < 0 || asset.Precision > MaxAssetPrecision {
			return errors.Errorf("policy: asset %s precision out of range", asset.Symbol)
		}
	}
	if p.FeeRate.IsNegative() || p.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.New("policy: fee_rate must be in [0, 1)")
	}
	if !p.MinQuantity.IsPositive() {
		return errors.New("policy: min_quantity must be positive")
	}
	if p.MinTradeValue.IsNegative() {
		return errors.New("policy: min_trade_value must not be negative")
	}
	if p.MinValueBasis != MinValueBasisGross && p.MinValueBasis != MinValueBasisNet {
		return errors.Errorf("policy: unknown min_value_basis %q", p.MinValueBasis)
	}
	if p.MaxSettleAttempts < 1 {
		return errors.New("policy: max_settle_attempts must be at least 1")
	}
	if !p.FiatPerQuote.IsPositive() {
		return errors.New("policy: fiat_per_quote must be positive")
	}
	return nil
}

type policyFile struct {
	Fiat              string                `yaml:"fiat"`
	FiatPrecision     *int32                `yaml:"fiat_precision"`
	Assets            []models.Asset        `yaml:"assets"`
	FeeRate           string                `yaml:"fee_rate"`
	MinQuantity       string                `yaml:"min_quantity"`
	MinTradeValue     string                `yaml:"min_trade_value"`
	MinValueBasis     string                `yaml:"min_value_basis"`
	MaxQuoteAge       string                `yaml:"max_quote_age"`
	PriceTimeout      string                `yaml:"price_timeout"`
	SettleTimeout     string                `yaml:"settle_timeout"`
	MaxSettleAttempts int                   `yaml:"max_settle_attempts"`
	SignupBonus       string                `yaml:"signup_bonus"`
	QuoteCurrency     string                `yaml:"quote_currency"`
	FiatPerQuote      string                `yaml:"fiat_per_quote"`
	StaticPrices      map[string]string     `yaml:"static_prices"`
	PaymentMethods    []paymentMethodConfig `yaml:"payment_methods"`
}

type paymentMethodConfig struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Type           string   `yaml:"type"`
	MinAmount      string   `yaml:"min_amount"`
	MaxAmount      string   `yaml:"max_amount"`
	Fee            string   `yaml:"fee"`
	FeeType        string   `yaml:"fee_type"`
	Active         *bool    `yaml:"active"`
	RequiredFields []string `yaml:"required_fields"`
}

// LoadPolicy reads a YAML policy file and overlays the keys it sets on base.
func LoadPolicy(path string, base Policy) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, errors.Wrap(err, "read policy file")
	}
	return ParsePolicy(raw, base)
}

func ParsePolicy(raw []byte, base Policy) (Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Policy{}, errors.Wrap(err, "decode policy file")
	}
	p := base
	if file.Fiat != "" {
		p.Fiat = strings.ToUpper(file.Fiat)
	}
	if file.FiatPrecision != nil {
		p.FiatPrecision = *file.FiatPrecision
	}
	if len(file.Assets) > 0 {
		p.Assets = make([]models.Asset, 0, len(file.Assets))
		for _, asset := range file.Assets {
			asset.Symbol = strings.ToUpper(asset.Symbol)
			if asset.Precision == 0 {
				asset.Precision = 8
			}
			p.Assets = append(p.Assets, asset)
		}
	}
	decimals := []struct {
		raw  string
		dst  *decimal.Decimal
		name string
	}{
		{file.FeeRate, &p.FeeRate, "fee_rate"},
		{file.MinQuantity, &p.MinQuantity, "min_quantity"},
		{file.MinTradeValue, &p.MinTradeValue, "min_trade_value"},
		{file.SignupBonus, &p.SignupBonus, "signup_bonus"},
		{file.FiatPerQuote, &p.FiatPerQuote, "fiat_per_quote"},
	}
	for _, d := range decimals {
		if d.raw == "" {
			continue
		}
		value, err := decimal.NewFromString(d.raw)
		if err != nil {
			return Policy{}, errors.Wrapf(err, "policy: invalid %s", d.name)
		}
		*d.dst = value
	}
	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{file.MaxQuoteAge, &p.MaxQuoteAge, "max_quote_age"},
		{file.PriceTimeout, &p.PriceTimeout, "price_timeout"},
		{file.SettleTimeout, &p.SettleTimeout, "settle_timeout"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		value, err := time.ParseDuration(d.raw)
		if err != nil {
			return Policy{}, errors.Wrapf(err, "policy: invalid %s", d.name)
		}
		*d.dst = value
	}
	if file.MinValueBasis != "" {
		p.MinValueBasis = strings.ToLower(file.MinValueBasis)
	}
	if file.MaxSettleAttempts > 0 {
		p.MaxSettleAttempts = file.MaxSettleAttempts
	}
	if file.QuoteCurrency != "" {
		p.QuoteCurrency = strings.ToLower(file.QuoteCurrency)
	}
	if len(file.StaticPrices) > 0 {
		p.StaticPrices = make(map[string]decimal.Decimal, len(file.StaticPrices))
		for symbol, raw := range file.StaticPrices {
			value, err := decimal.NewFromString(raw)
			if err != nil {
				return Policy{}, errors.Wrapf(err, "policy: invalid static price for %s", symbol)
			}
			p.StaticPrices[strings.ToUpper(symbol)] = value
		}
	}
	if len(file.PaymentMethods) > 0 {
		methods, err := parsePaymentMethods(file.PaymentMethods)
		if err != nil {
			return Policy{}, err
		}
		p.PaymentMethods = methods
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func parsePaymentMethods(entries []paymentMethodConfig) ([]models.PaymentMethod, error) {
	methods := make([]models.PaymentMethod, 0, len(entries))
	for _, entry := range entries {
		if entry.ID == "" {
			return nil, errors.New("policy: payment method id is required")
		}
		method := models.PaymentMethod{
			ID:             entry.ID,
			Name:           entry.Name,
			Type:           entry.Type,
			FeeType:        models.FeeType(strings.ToLower(entry.FeeType)),
			Active:         entry.Active == nil || *entry.Active,
			RequiredFields: entry.RequiredFields,
		}
		if method.FeeType == "" {
			method.FeeType = models.FeeFixed
		}
		if method.FeeType != models.FeeFixed && method.FeeType != models.FeePercentage {
			return nil, errors.Errorf("policy: payment method %s has unknown fee_type %q", entry.ID, entry.FeeType)
		}
		amounts := []struct {
			raw string
			dst *decimal.Decimal
		}{
			{entry.MinAmount, &method.MinAmount},
			{entry.MaxAmount, &method.MaxAmount},
			{entry.Fee, &method.Fee},
		}
		for _, a := range amounts {
			if a.raw == "" {
				continue
			}
			value, err := decimal.NewFromString(a.raw)
			if err != nil {
				return nil, errors.Wrapf(err, "policy: payment method %s", entry.ID)
			}
			*a.dst = value
		}
		if method.MaxAmount.IsPositive() && method.MaxAmount.LessThan(method.MinAmount) {
			return nil, errors.Errorf("policy: payment method %s max_amount below min_amount", entry.ID)
		}
		methods = append(methods, method)
	}
	return methods, nil
}

func defaultPaymentMethods() []models.PaymentMethod {
	method := func(id, name, kind string, min, max int64, fee string, feeType models.FeeType, fields ...string) models.PaymentMethod {
		return models.PaymentMethod{
			ID:             id,
			Name:           name,
			Type:           kind,
			MinAmount:      decimal.NewFromInt(min),
			MaxAmount:      decimal.NewFromInt(max),
			Fee:            decimal.RequireFromString(fee),
			FeeType:        feeType,
			Active:         true,
			RequiredFields: fields,
		}
	}
	return []models.PaymentMethod{
		method("vodafone_cash", "Vodafone Cash", "mobile_wallet", 50, 50000, "5", models.FeeFixed, "phone"),
		method("orange_cash", "Orange Cash", "mobile_wallet", 50, 30000, "5", models.FeeFixed, "phone"),
		method("etisalat_cash", "Etisalat Cash", "mobile_wallet", 50, 25000, "5", models.FeeFixed, "phone"),
		method("instapay", "InstaPay", "instapay", 100, 100000, "0", models.FeeFixed, "phone", "bank"),
		method("fawry", "Fawry", "fawry", 20, 10000, "3", models.FeeFixed, "phone"),
		method("cib_bank", "CIB Bank Transfer", "bank_transfer", 500, 500000, "0", models.FeeFixed, "account_holder", "account_number"),
		method("nbe_bank", "NBE Bank Transfer", "bank_transfer", 500, 500000, "0", models.FeeFixed, "account_holder", "account_number"),
		method("banque_misr", "Banque Misr Transfer", "bank_transfer", 500, 500000, "0", models.FeeFixed, "account_holder", "account_number"),
		method("credit_card", "Credit/Debit Card", "card", 100, 50000, "2.9", models.FeePercentage, "card_holder", "card_number", "expiry", "cvv"),
	}
}
