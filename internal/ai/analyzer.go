// Package ai implements the optional risk-analysis collaborator. Calls are
// best effort under a hard deadline; a failure renders "risk unavailable"
// upstream and never blocks submission.
package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
)

type analyzeRequest struct {
	Model  string        `json:"model"`
	Trade  tradeContext  `json:"trade"`
	Market marketContext `json:"market"`
}

type tradeContext struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Quantity   int64  `json:"quantity"`
	OrderType  string `json:"order_type"`
	EntryPrice string `json:"entry_price"`
	Notional   string `json:"notional"`
}

type marketContext struct {
	Price     string `json:"price,omitempty"`
	ChangePct string `json:"change_pct,omitempty"`
	DayHigh   string `json:"day_high,omitempty"`
	DayLow    string `json:"day_low,omitempty"`
	VIX       string `json:"vix,omitempty"`
}

type analyzeResponse struct {
	Score     int      `json:"score"`
	Narrative string   `json:"narrative"`
	Flags     []string `json:"flags"`
}

// Analyzer calls the external risk-analysis service.
type Analyzer struct {
	client  *resty.Client
	model   string
	timeout time.Duration
	logger  core.ILogger
}

func NewAnalyzer(cfg *config.AIConfig, logger core.ILogger) *Analyzer {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Authorization", "Bearer "+string(cfg.APIKey))

	return &Analyzer{
		client:  client,
		model:   cfg.Model,
		timeout: timeout,
		logger:  logger.WithField("component", "ai.analyzer"),
	}
}

// Analyze scores a proposed trade against current market context. The
// deadline is enforced here so callers cannot accidentally extend it.
func (a *Analyzer) Analyze(ctx context.Context, t *domain.Trade, q *domain.Quote, vix decimal.Decimal) (*domain.RiskAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := analyzeRequest{
		Model: a.model,
		Trade: tradeContext{
			Symbol:     t.Symbol,
			Side:       string(t.Side),
			Quantity:   t.Quantity,
			OrderType:  string(t.OrderType),
			EntryPrice: t.EntryPrice.String(),
			Notional:   domain.Money(t.Notional()).String(),
		},
	}
	if q != nil {
		req.Market.Price = q.Price.String()
		req.Market.ChangePct = q.ChangePct.String()
		req.Market.DayHigh = q.DayHigh.String()
		req.Market.DayLow = q.DayLow.String()
	}
	if !vix.IsZero() {
		req.Market.VIX = vix.String()
	}

	var body analyzeResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&body).
		Post("/v1/analyze")
	if err != nil {
		return nil, fmt.Errorf("risk analysis call failed: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("risk analysis service status %d", resp.StatusCode())
	}

	if body.Score < 0 {
		body.Score = 0
	}
	if body.Score > 10 {
		body.Score = 10
	}
	return &domain.RiskAnalysis{
		Score:     body.Score,
		Narrative: body.Narrative,
		Flags:     body.Flags,
	}, nil
}
