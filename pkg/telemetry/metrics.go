package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTradesExecutedTotal  = "tradedesk_trades_executed_total"
	MetricTradesRejectedTotal  = "tradedesk_trades_rejected_total"
	MetricFillLatency          = "tradedesk_fill_latency_ms"
	MetricAlertTriggersTotal   = "tradedesk_alert_triggers_total"
	MetricAlertEvalLatency     = "tradedesk_alert_eval_latency_ms"
	MetricQuoteCacheHitsTotal  = "tradedesk_quote_cache_hits_total"
	MetricQuoteCacheMissTotal  = "tradedesk_quote_cache_misses_total"
	MetricQuoteProviderLatency = "tradedesk_quote_provider_latency_ms"
	MetricNotifySentTotal      = "tradedesk_notifications_sent_total"
	MetricNotifyRetriesTotal   = "tradedesk_notification_retries_total"
	MetricBreakerOpen          = "tradedesk_breaker_open"
	MetricOpenPositions        = "tradedesk_open_positions"
	MetricChatAckLatency       = "tradedesk_chat_ack_latency_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TradesExecutedTotal  metric.Int64Counter
	TradesRejectedTotal  metric.Int64Counter
	FillLatency          metric.Float64Histogram
	AlertTriggersTotal   metric.Int64Counter
	AlertEvalLatency     metric.Float64Histogram
	QuoteCacheHitsTotal  metric.Int64Counter
	QuoteCacheMissTotal  metric.Int64Counter
	QuoteProviderLatency metric.Float64Histogram
	NotifySentTotal      metric.Int64Counter
	NotifyRetriesTotal   metric.Int64Counter
	BreakerOpen          metric.Int64ObservableGauge
	OpenPositions        metric.Int64ObservableGauge
	ChatAckLatency       metric.Float64Histogram

	// State for observable gauges
	mu               sync.RWMutex
	breakerOpenMap   map[string]int64
	openPositionsMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			breakerOpenMap:   make(map[string]int64),
			openPositionsMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TradesExecutedTotal, err = meter.Int64Counter(MetricTradesExecutedTotal, metric.WithDescription("Total trades reaching a terminal state"))
	if err != nil {
		return err
	}

	m.TradesRejectedTotal, err = meter.Int64Counter(MetricTradesRejectedTotal, metric.WithDescription("Total trades rejected before execution"))
	if err != nil {
		return err
	}

	m.FillLatency, err = meter.Float64Histogram(MetricFillLatency, metric.WithDescription("Submit-to-fill latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.AlertTriggersTotal, err = meter.Int64Counter(MetricAlertTriggersTotal, metric.WithDescription("Total risk alert trigger events"))
	if err != nil {
		return err
	}

	m.AlertEvalLatency, err = meter.Float64Histogram(MetricAlertEvalLatency, metric.WithDescription("Per-trade alert evaluation latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.QuoteCacheHitsTotal, err = meter.Int64Counter(MetricQuoteCacheHitsTotal, metric.WithDescription("Quote cache hits by tier"))
	if err != nil {
		return err
	}

	m.QuoteCacheMissTotal, err = meter.Int64Counter(MetricQuoteCacheMissTotal, metric.WithDescription("Quote cache misses"))
	if err != nil {
		return err
	}

	m.QuoteProviderLatency, err = meter.Float64Histogram(MetricQuoteProviderLatency, metric.WithDescription("Latency of provider quote fetches"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.NotifySentTotal, err = meter.Int64Counter(MetricNotifySentTotal, metric.WithDescription("Total notifications delivered"))
	if err != nil {
		return err
	}

	m.NotifyRetriesTotal, err = meter.Int64Counter(MetricNotifyRetriesTotal, metric.WithDescription("Total notification delivery retries"))
	if err != nil {
		return err
	}

	m.ChatAckLatency, err = meter.Float64Histogram(MetricChatAckLatency, metric.WithDescription("Chat event acknowledgement latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.BreakerOpen, err = meter.Int64ObservableGauge(MetricBreakerOpen, metric.WithDescription("Circuit breaker state by target (1=open)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for target, val := range m.breakerOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("target", target)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions, metric.WithDescription("Open positions by user"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.openPositionsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetBreakerOpen records the circuit breaker state for a target
func (m *MetricsHolder) SetBreakerOpen(target string, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerOpenMap == nil {
		m.breakerOpenMap = make(map[string]int64)
	}
	if open {
		m.breakerOpenMap[target] = 1
	} else {
		m.breakerOpenMap[target] = 0
	}
}

// SetOpenPositions records the open position count for a user
func (m *MetricsHolder) SetOpenPositions(user string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openPositionsMap == nil {
		m.openPositionsMap = make(map[string]int64)
	}
	m.openPositionsMap[user] = count
}
