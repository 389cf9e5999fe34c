package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	apperrors "tradedesk/pkg/errors"
	"tradedesk/pkg/telemetry"
)

const (
	breakerTarget = "marketdata"
	clockTTL      = time.Minute
)

// quoteSource is the upstream surface the gateway guards.
type quoteSource interface {
	GetQuote(ctx context.Context, symbol string) (*domain.Quote, error)
	GetVIX(ctx context.Context) (decimal.Decimal, error)
	GetClock(ctx context.Context) (bool, error)
	ListActiveSymbols(ctx context.Context) (map[string]bool, error)
}

// NopSharedCache is the L2 stand-in when no shared cache is deployed.
// Misses everything; the L1 tier and provider remain correct without it.
type NopSharedCache struct{}

func (NopSharedCache) Get(context.Context, string) ([]byte, bool)          { return nil, false }
func (NopSharedCache) Set(context.Context, string, []byte, time.Duration) {}

// Gateway implements core.IMarketData. Reads go L1 -> L2 -> provider; the
// provider hop is rate limited and circuit broken. A limiter rejection is a
// typed error, never a queued wait, so the interactive path stays bounded.
type Gateway struct {
	provider quoteSource
	l1       *expirable.LRU[string, *domain.Quote]
	shared   core.ISharedCache
	limiter  *rate.Limiter
	pipeline failsafe.Executor[*domain.Quote]
	breaker  circuitbreaker.CircuitBreaker[*domain.Quote]
	metrics  *telemetry.MetricsHolder
	logger   core.ILogger

	l2QuoteTTL time.Duration
	vixTTL     time.Duration
	symbolTTL  time.Duration

	mu        sync.Mutex
	vixLevel  decimal.Decimal
	vixAsOf   time.Time
	clockOpen bool
	clockAsOf time.Time
	symbols   map[string]bool
	symbolsAt time.Time
}

var _ core.IMarketData = (*Gateway)(nil)

func NewGateway(cfg *config.MarketDataConfig, provider quoteSource, shared core.ISharedCache, logger core.ILogger) *Gateway {
	if shared == nil {
		shared = NopSharedCache{}
	}
	metrics := telemetry.GetGlobalMetrics()

	breaker := circuitbreaker.NewBuilder[*domain.Quote]().
		HandleIf(func(q *domain.Quote, err error) bool {
			// Unknown symbols and throttling are not provider health signals.
			return err != nil &&
				!errors.Is(err, apperrors.ErrSymbolUnknown) &&
				!errors.Is(err, apperrors.ErrRateLimited)
		}).
		WithFailureThreshold(uint(cfg.BreakerThreshold)).
		WithDelay(time.Duration(cfg.BreakerCooldown) * time.Second).
		OnOpen(func(circuitbreaker.StateChangedEvent) {
			logger.Warn("quote provider circuit opened")
			metrics.SetBreakerOpen(breakerTarget, true)
		}).
		OnClose(func(circuitbreaker.StateChangedEvent) {
			logger.Info("quote provider circuit closed")
			metrics.SetBreakerOpen(breakerTarget, false)
		}).
		Build()

	return &Gateway{
		provider: provider,
		l1: expirable.NewLRU[string, *domain.Quote](
			cfg.L1Capacity, nil, time.Duration(cfg.QuoteTTLL1)*time.Second),
		shared:     shared,
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.Burst),
		pipeline:   failsafe.With[*domain.Quote](breaker),
		breaker:    breaker,
		metrics:    metrics,
		logger:     logger.WithField("component", "marketdata"),
		l2QuoteTTL: time.Duration(cfg.QuoteTTLL2) * time.Second,
		vixTTL:     time.Duration(cfg.VIXTTL) * time.Second,
		symbolTTL:  time.Duration(cfg.SymbolCacheTTL) * time.Second,
	}
}

// Healthz reports the provider circuit state for the health manager.
func (g *Gateway) Healthz() error {
	if g.breaker.IsOpen() {
		return fmt.Errorf("quote provider circuit open")
	}
	return nil
}

func (g *Gateway) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	if !core.ValidSymbolShape(symbol) {
		return nil, fmt.Errorf("symbol %q: %w", symbol, apperrors.ErrInvalidSymbol)
	}

	if q, ok := g.l1.Get(symbol); ok {
		g.countHit(ctx, "l1")
		return q, nil
	}
	if data, ok := g.shared.Get(ctx, sharedQuoteKey(symbol)); ok {
		var q domain.Quote
		if err := json.Unmarshal(data, &q); err == nil {
			g.countHit(ctx, "l2")
			g.l1.Add(symbol, &q)
			return &q, nil
		}
		g.logger.Warn("discarding corrupt shared cache entry", "symbol", symbol)
	}
	g.countMiss(ctx)

	if !g.limiter.Allow() {
		return nil, fmt.Errorf("quote budget exhausted for %s: %w", symbol, apperrors.ErrRateLimited)
	}

	start := time.Now()
	q, err := g.pipeline.GetWithExecution(func(failsafe.Execution[*domain.Quote]) (*domain.Quote, error) {
		return g.provider.GetQuote(ctx, symbol)
	})
	g.recordProviderLatency(ctx, time.Since(start))
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, fmt.Errorf("quote provider circuit open: %w", apperrors.ErrProviderDown)
		}
		return nil, err
	}

	g.l1.Add(symbol, q)
	if data, err := json.Marshal(q); err == nil {
		g.shared.Set(ctx, sharedQuoteKey(symbol), data, g.l2QuoteTTL)
	}
	return q, nil
}

// GetVIX serves the volatility level from a dedicated in-process cache,
// then the shared tier, then the provider; the level moves slowly enough
// that alert evaluation can share one reading.
func (g *Gateway) GetVIX(ctx context.Context) (decimal.Decimal, error) {
	g.mu.Lock()
	if !g.vixAsOf.IsZero() && time.Since(g.vixAsOf) < g.vixTTL {
		level := g.vixLevel
		g.mu.Unlock()
		return level, nil
	}
	g.mu.Unlock()

	if data, ok := g.shared.Get(ctx, sharedVIXKey); ok {
		if level, err := decimal.NewFromString(string(data)); err == nil {
			g.countHit(ctx, "l2")
			g.mu.Lock()
			g.vixLevel, g.vixAsOf = level, time.Now()
			g.mu.Unlock()
			return level, nil
		}
		g.logger.Warn("discarding corrupt shared cache entry", "key", sharedVIXKey)
	}

	if !g.limiter.Allow() {
		return decimal.Zero, fmt.Errorf("vix fetch: %w", apperrors.ErrRateLimited)
	}
	level, err := g.provider.GetVIX(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	g.mu.Lock()
	g.vixLevel, g.vixAsOf = level, time.Now()
	g.mu.Unlock()
	g.shared.Set(ctx, sharedVIXKey, []byte(level.String()), g.vixTTL)
	return level, nil
}

func (g *Gateway) IsMarketOpen(ctx context.Context) (bool, error) {
	g.mu.Lock()
	if !g.clockAsOf.IsZero() && time.Since(g.clockAsOf) < clockTTL {
		open := g.clockOpen
		g.mu.Unlock()
		return open, nil
	}
	g.mu.Unlock()

	open, err := g.provider.GetClock(ctx)
	if err != nil {
		return false, err
	}
	g.mu.Lock()
	g.clockOpen, g.clockAsOf = open, time.Now()
	g.mu.Unlock()
	return open, nil
}

// ValidateSymbol checks shape first, then membership in the tradable
// universe. The universe refreshes lazily; a failed refresh keeps serving
// the stale set rather than failing validation outright.
func (g *Gateway) ValidateSymbol(ctx context.Context, symbol string) (bool, error) {
	if !core.ValidSymbolShape(symbol) {
		return false, nil
	}

	set, err := g.symbolSet(ctx)
	if err != nil {
		return false, err
	}
	return set[symbol], nil
}

func (g *Gateway) symbolSet(ctx context.Context) (map[string]bool, error) {
	g.mu.Lock()
	fresh := g.symbols != nil && time.Since(g.symbolsAt) < g.symbolTTL
	set := g.symbols
	g.mu.Unlock()
	if fresh {
		return set, nil
	}

	refreshed, err := g.provider.ListActiveSymbols(ctx)
	if err != nil {
		if set != nil {
			g.logger.Warn("symbol universe refresh failed, serving stale set", "error", err)
			return set, nil
		}
		return nil, err
	}

	g.mu.Lock()
	g.symbols, g.symbolsAt = refreshed, time.Now()
	g.mu.Unlock()
	return refreshed, nil
}

func sharedQuoteKey(symbol string) string { return "quote:" + symbol }

const sharedVIXKey = "vix"

func (g *Gateway) countHit(ctx context.Context, tier string) {
	if c := g.metrics.QuoteCacheHitsTotal; c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
	}
}

func (g *Gateway) countMiss(ctx context.Context) {
	if c := g.metrics.QuoteCacheMissTotal; c != nil {
		c.Add(ctx, 1)
	}
}

func (g *Gateway) recordProviderLatency(ctx context.Context, d time.Duration) {
	if h := g.metrics.QuoteProviderLatency; h != nil {
		h.Record(ctx, float64(d.Milliseconds()))
	}
}
