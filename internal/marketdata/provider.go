// Package marketdata implements the quote gateway: a resty client against
// the upstream provider, fronted by a two-tier cache, a token-bucket rate
// limiter and a circuit breaker.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	apperrors "tradedesk/pkg/errors"
)

// vixSymbol is the provider's ticker for the CBOE volatility index.
const vixSymbol = "VIX"

type quoteResponse struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	PreviousClose float64 `json:"previous_close"`
	DayHigh       float64 `json:"day_high"`
	DayLow        float64 `json:"day_low"`
	Volume        int64   `json:"volume"`
	MarketCap     float64 `json:"market_cap"`
	PERatio       float64 `json:"pe_ratio"`
	Timestamp     string  `json:"timestamp"`
}

type clockResponse struct {
	IsOpen bool `json:"is_open"`
}

type symbolEntry struct {
	Symbol   string `json:"symbol"`
	Tradable bool   `json:"tradable"`
}

// Provider is the raw upstream client. It maps provider failures onto the
// shared error taxonomy and does no caching or throttling of its own.
type Provider struct {
	client *resty.Client
	logger core.ILogger
}

func NewProvider(cfg *config.MarketDataConfig, logger core.ILogger) *Provider {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(core.DefaultCallDeadline).
		SetHeader("Accept", "application/json").
		SetHeader("X-Api-Key", string(cfg.APIKey))

	return &Provider{
		client: client,
		logger: logger.WithField("component", "marketdata.provider"),
	}
}

// GetQuote fetches one symbol snapshot from the provider.
func (p *Provider) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	start := time.Now()
	var body quoteResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&body).
		SetPathParam("symbol", symbol).
		Get("/v1/quotes/{symbol}")
	if err != nil {
		return nil, fmt.Errorf("quote fetch %s: %w: %v", symbol, apperrors.ErrProviderDown, err)
	}
	if err := mapStatus(resp, symbol); err != nil {
		return nil, err
	}

	asOf, err := time.Parse(time.RFC3339, body.Timestamp)
	if err != nil {
		asOf = time.Now().UTC()
	}
	return &domain.Quote{
		Symbol:          symbol,
		Price:           domain.Money(decimal.NewFromFloat(body.Price)),
		PreviousClose:   domain.Money(decimal.NewFromFloat(body.PreviousClose)),
		Change:          domain.Money(decimal.NewFromFloat(body.Price - body.PreviousClose)),
		ChangePct:       changePct(body.Price, body.PreviousClose),
		DayHigh:         domain.Money(decimal.NewFromFloat(body.DayHigh)),
		DayLow:          domain.Money(decimal.NewFromFloat(body.DayLow)),
		Volume:          body.Volume,
		MarketCap:       domain.Money(decimal.NewFromFloat(body.MarketCap)),
		PERatio:         decimal.NewFromFloat(body.PERatio).Round(2),
		AsOf:            asOf,
		SourceLatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

// GetVIX fetches the volatility index level.
func (p *Provider) GetVIX(ctx context.Context) (decimal.Decimal, error) {
	q, err := p.GetQuote(ctx, vixSymbol)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// GetClock reports whether the market is currently open.
func (p *Provider) GetClock(ctx context.Context) (bool, error) {
	var body clockResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/v1/clock")
	if err != nil {
		return false, fmt.Errorf("clock fetch: %w: %v", apperrors.ErrProviderDown, err)
	}
	if err := mapStatus(resp, ""); err != nil {
		return false, err
	}
	return body.IsOpen, nil
}

// ListActiveSymbols fetches the tradable symbol universe.
func (p *Provider) ListActiveSymbols(ctx context.Context) (map[string]bool, error) {
	var body []symbolEntry
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&body).
		SetQueryParam("status", "active").
		Get("/v1/symbols")
	if err != nil {
		return nil, fmt.Errorf("symbol list fetch: %w: %v", apperrors.ErrProviderDown, err)
	}
	if err := mapStatus(resp, ""); err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(body))
	for _, e := range body {
		if e.Tradable {
			out[e.Symbol] = true
		}
	}
	return out, nil
}

func mapStatus(resp *resty.Response, symbol string) error {
	code := resp.StatusCode()
	switch {
	case code < 300:
		return nil
	case code == 404:
		return fmt.Errorf("symbol %q: %w", symbol, apperrors.ErrSymbolUnknown)
	case code == 429:
		return fmt.Errorf("provider throttled: %w", apperrors.ErrRateLimited)
	case code >= 500:
		return fmt.Errorf("provider status %d: %w", code, apperrors.ErrProviderDown)
	default:
		return fmt.Errorf("provider status %d: %w", code, apperrors.ErrQuoteUnavailable)
	}
}

func changePct(price, prev float64) decimal.Decimal {
	if prev == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat((price - prev) / prev * 100).Round(4)
}
