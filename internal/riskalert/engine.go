// Package riskalert evaluates risk alert predicates: in real time against
// every executed trade, and in batch against historical trades when an
// alert opts in at creation.
package riskalert

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	"tradedesk/pkg/concurrency"
	apperrors "tradedesk/pkg/errors"
	"tradedesk/pkg/telemetry"
)

// Engine implements core.IAlertEngine.
type Engine struct {
	cfg      *config.AlertsConfig
	store    core.IStore
	market   core.IMarketData
	notifier core.INotifier
	pool     *concurrency.WorkerPool
	deferred chan deferredEval
	metrics  *telemetry.MetricsHolder
	logger   core.ILogger
}

// maxBumpAttempts bounds the reload-and-retry loop when concurrent
// triggers contend on one alert's counter.
const maxBumpAttempts = 5

type deferredEval struct {
	ev     core.TradeExecuted
	alerts []*domain.RiskAlertConfig
}

var _ core.IAlertEngine = (*Engine)(nil)

func NewEngine(cfg *config.AlertsConfig, store core.IStore, market core.IMarketData, notifier core.INotifier, logger core.ILogger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		market:   market,
		notifier: notifier,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "alert-eval",
			MaxWorkers:  cfg.PoolSize,
			MaxCapacity: cfg.PoolBuffer,
		}, logger),
		deferred: make(chan deferredEval, 256),
		metrics:  telemetry.GetGlobalMetrics(),
		logger:   logger.WithField("component", "riskalert"),
	}
}

// Run drives the background sweep that finishes evaluations deferred past
// the per-trade budget. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.pool.Stop()
			return ctx.Err()
		case d := <-e.deferred:
			// Sweep runs without the interactive budget.
			e.evaluateAlerts(ctx, d.ev, d.alerts)
		}
	}
}

// CheckTrade enqueues evaluation of every active alert against the executed
// trade. The caller is never blocked beyond the enqueue itself.
func (e *Engine) CheckTrade(ev core.TradeExecuted) {
	if err := e.pool.Submit(func() { e.checkTradeTask(ev) }); err != nil {
		e.logger.Warn("alert pool full, deferring trade", "trade_id", ev.Trade.TradeID)
		select {
		case e.deferred <- deferredEval{ev: ev}:
		default:
			e.logger.Error("deferred queue full, dropping evaluation", "trade_id", ev.Trade.TradeID)
		}
	}
}

func (e *Engine) checkTradeTask(ev core.TradeExecuted) {
	start := time.Now()
	budget := time.Duration(e.cfg.EvalBudgetMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	alerts, err := e.store.ListActiveAlerts(ctx)
	if err != nil {
		e.logger.Error("failed to list active alerts", "trade_id", ev.Trade.TradeID, "error", err)
		return
	}
	alerts = e.scopeAlerts(ctx, ev.Trade, alerts)

	remaining := e.evaluateAlerts(ctx, ev, alerts)
	if len(remaining) > 0 {
		// Budget exhausted; hand the rest to the sweep.
		select {
		case e.deferred <- deferredEval{ev: ev, alerts: remaining}:
		default:
			e.logger.Error("deferred queue full, dropping remaining alerts",
				"trade_id", ev.Trade.TradeID, "remaining", len(remaining))
		}
	}
	e.recordEvalLatency(time.Since(start))
}

// scopeAlerts optionally narrows evaluation to alerts owned by the trading
// user or their assigned manager.
func (e *Engine) scopeAlerts(ctx context.Context, t *domain.Trade, alerts []*domain.RiskAlertConfig) []*domain.RiskAlertConfig {
	if !e.cfg.ScopeToManager {
		return alerts
	}
	user, err := e.store.GetUser(ctx, t.UserID)
	if err != nil {
		e.logger.Warn("scoping lookup failed, evaluating all alerts", "user_id", t.UserID, "error", err)
		return alerts
	}
	var scoped []*domain.RiskAlertConfig
	for _, a := range alerts {
		if a.OwnerUserID == user.UserID || a.OwnerUserID == user.AssignedManagerID {
			scoped = append(scoped, a)
		}
	}
	return scoped
}

// evaluateAlerts runs the predicate for each alert until ctx expires and
// returns the alerts that were not reached in time. When the deferred list
// arrives empty the active set is re-fetched.
func (e *Engine) evaluateAlerts(ctx context.Context, ev core.TradeExecuted, alerts []*domain.RiskAlertConfig) (remaining []*domain.RiskAlertConfig) {
	if alerts == nil {
		var err error
		alerts, err = e.store.ListActiveAlerts(ctx)
		if err != nil {
			e.logger.Error("failed to list active alerts", "error", err)
			return nil
		}
		alerts = e.scopeAlerts(ctx, ev.Trade, alerts)
	}
	if len(alerts) == 0 {
		return nil
	}

	vix, err := e.market.GetVIX(ctx)
	if err != nil {
		// VIX is a hard input to the predicate; skip this trade with a
		// warning in the audit trail.
		e.auditEvalSkipped(ctx, ev, err)
		return nil
	}

	for i, alert := range alerts {
		if ctx.Err() != nil {
			return alerts[i:]
		}
		if !alert.MonitorNew {
			continue
		}
		metrics, match := e.predicate(ctx, alert, ev.Trade, vix)
		if match {
			e.trigger(ctx, alert, ev.Trade, metrics, ev.CorrelationID)
		}
	}
	return nil
}

// predicateMetrics are the computed inputs captured on a trigger event.
type predicateMetrics struct {
	tradeSize decimal.Decimal
	lossPct   decimal.Decimal
	vixLevel  decimal.Decimal
}

// predicate reports whether the alert fires for the trade. All three
// thresholds must be met; ties count as matches. A missing quote treats the
// loss as zero.
func (e *Engine) predicate(ctx context.Context, alert *domain.RiskAlertConfig, t *domain.Trade, vix decimal.Decimal) (predicateMetrics, bool) {
	m := predicateMetrics{
		tradeSize: t.FillValue(),
		vixLevel:  vix,
	}
	if m.tradeSize.LessThan(alert.TradeSizeThreshold) {
		return m, false
	}
	if vix.LessThan(alert.VIXThreshold) {
		return m, false
	}

	m.lossPct = e.lossPct(ctx, t)
	return m, m.lossPct.GreaterThanOrEqual(alert.LossPctThreshold)
}

func (e *Engine) lossPct(ctx context.Context, t *domain.Trade) decimal.Decimal {
	if t.EntryPrice.IsZero() {
		return decimal.Zero
	}
	q, err := e.market.GetQuote(ctx, t.Symbol)
	if err != nil {
		return decimal.Zero
	}
	diff := t.EntryPrice.Sub(q.Price)
	if t.Side == domain.SideSell {
		diff = diff.Neg()
	}
	pct := diff.Div(t.EntryPrice).Mul(decimal.NewFromInt(100))
	if pct.IsNegative() {
		return decimal.Zero
	}
	return pct
}

// trigger records one alert firing: conditional counter bump, append-only
// event, then notification. A lost bump race means another trade fired the
// same alert concurrently, so the count is reloaded and the bump retried;
// the unique (alert, trade) constraint on the event stream is what stops a
// duplicate evaluation of the same pair.
func (e *Engine) trigger(ctx context.Context, alert *domain.RiskAlertConfig, t *domain.Trade, m predicateMetrics, correlationID string) {
	count := alert.TriggerCount
	for attempt := 0; ; attempt++ {
		err := e.store.IncrementTriggerCount(ctx, alert.AlertID, count)
		if err == nil {
			break
		}
		if !errors.Is(err, apperrors.ErrConflict) {
			e.logger.Error("trigger count bump failed", "alert_id", alert.AlertID, "error", err)
			return
		}
		if attempt >= maxBumpAttempts {
			e.logger.Error("trigger count contention persisted, giving up",
				"alert_id", alert.AlertID, "trade_id", t.TradeID)
			return
		}
		fresh, gerr := e.store.GetAlert(ctx, alert.AlertID)
		if gerr != nil {
			e.logger.Error("alert reload after bump conflict failed", "alert_id", alert.AlertID, "error", gerr)
			return
		}
		if fresh.Status != domain.AlertActive {
			return
		}
		count = fresh.TriggerCount
	}

	event := &domain.AlertTriggerEvent{
		EventID:     uuid.NewString(),
		AlertID:     alert.AlertID,
		TradeID:     t.TradeID,
		OwnerUserID: alert.OwnerUserID,
		TradeSize:   m.tradeSize,
		LossPct:     m.lossPct,
		VIXLevel:    m.vixLevel,
		Context:     map[string]string{"symbol": t.Symbol, "side": string(t.Side)},
		TriggeredAt: time.Now().UTC(),
	}
	if err := e.store.AppendTriggerEvent(ctx, event); err != nil {
		if !errors.Is(err, apperrors.ErrDuplicateOp) {
			e.logger.Error("trigger event write failed", "alert_id", alert.AlertID, "error", err)
		}
		return
	}
	e.countTrigger(ctx)

	e.auditTriggered(ctx, alert, t, correlationID)

	owner, err := e.store.GetUser(ctx, alert.OwnerUserID)
	if err != nil {
		e.logger.Error("alert owner lookup failed", "alert_id", alert.AlertID, "error", err)
		return
	}
	// Dispatch failures never revert the trigger record.
	if err := e.notifier.SendAlert(ctx, owner, alert, t, event); err != nil {
		e.logger.Warn("alert notification failed", "alert_id", alert.AlertID, "error", err)
	}
}

// ScanExisting evaluates an alert against the most recent filled trades.
// One summary notification covers the matches; each match still gets its
// own trigger event.
func (e *Engine) ScanExisting(ctx context.Context, alert *domain.RiskAlertConfig) (*core.ScanResult, error) {
	trades, err := e.store.ListTradesByStatus(ctx, domain.TradeFilled, e.cfg.ScanCap)
	if err != nil {
		return nil, err
	}

	vix, err := e.market.GetVIX(ctx)
	if err != nil {
		// One retry; the gateway may still hold a cached level.
		vix, err = e.market.GetVIX(ctx)
		if err != nil {
			return nil, err
		}
	}

	result := &core.ScanResult{}
	current := alert.TriggerCount
	for _, t := range trades {
		result.Scanned++
		m, match := e.predicate(ctx, alert, t, vix)
		if !match {
			continue
		}

		if err := e.store.IncrementTriggerCount(ctx, alert.AlertID, current); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				continue
			}
			return result, err
		}
		current++

		event := &domain.AlertTriggerEvent{
			EventID:     uuid.NewString(),
			AlertID:     alert.AlertID,
			TradeID:     t.TradeID,
			OwnerUserID: alert.OwnerUserID,
			TradeSize:   m.tradeSize,
			LossPct:     m.lossPct,
			VIXLevel:    m.vixLevel,
			Context:     map[string]string{"symbol": t.Symbol, "side": string(t.Side)},
			TriggeredAt: time.Now().UTC(),
		}
		if err := e.store.AppendTriggerEvent(ctx, event); err != nil {
			if errors.Is(err, apperrors.ErrDuplicateOp) {
				continue
			}
			return result, err
		}
		e.countTrigger(ctx)
		result.Matches = append(result.Matches, event)
	}

	if len(result.Matches) > 0 {
		owner, err := e.store.GetUser(ctx, alert.OwnerUserID)
		if err != nil {
			return result, err
		}
		summary := result.Matches
		if len(summary) > e.cfg.SummaryMax {
			summary = summary[:e.cfg.SummaryMax]
		}
		if err := e.notifier.SendSummary(ctx, owner, alert, summary); err != nil {
			e.logger.Warn("scan summary notification failed", "alert_id", alert.AlertID, "error", err)
		}
	}
	return result, nil
}

func (e *Engine) auditEvalSkipped(ctx context.Context, ev core.TradeExecuted, cause error) {
	entry := &domain.AuditEntry{
		AuditID:       uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Action:        domain.AuditAlertEvalSkipped,
		Severity:      domain.SeverityWarn,
		SubjectKind:   "trade",
		SubjectID:     ev.Trade.TradeID,
		After:         map[string]string{"cause": cause.Error()},
		CorrelationID: ev.CorrelationID,
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.Error("failed to audit skipped evaluation", "trade_id", ev.Trade.TradeID, "error", err)
	}
	e.logger.Warn("alert evaluation skipped", "trade_id", ev.Trade.TradeID, "cause", cause)
}

func (e *Engine) auditTriggered(ctx context.Context, alert *domain.RiskAlertConfig, t *domain.Trade, correlationID string) {
	entry := &domain.AuditEntry{
		AuditID:       uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Action:        domain.AuditAlertTriggered,
		Severity:      domain.SeverityHigh,
		SubjectKind:   "alert",
		SubjectID:     alert.AlertID,
		After:         map[string]string{"trade_id": t.TradeID, "symbol": t.Symbol},
		CorrelationID: correlationID,
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.Error("failed to audit alert trigger", "alert_id", alert.AlertID, "error", err)
	}
}

func (e *Engine) countTrigger(ctx context.Context) {
	if c := e.metrics.AlertTriggersTotal; c != nil {
		c.Add(ctx, 1)
	}
}

func (e *Engine) recordEvalLatency(d time.Duration) {
	if h := e.metrics.AlertEvalLatency; h != nil {
		h.Record(context.Background(), float64(d.Milliseconds()))
	}
}
