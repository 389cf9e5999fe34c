// Package execution routes pending trades to the paper broker or the local
// simulator, normalizes the outcome into an execution report, persists the
// terminal trade atomically with its position update, and emits the
// trade-executed event.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	"tradedesk/internal/simulator"
	apperrors "tradedesk/pkg/errors"
	"tradedesk/pkg/telemetry"
)

// pollSchedule is the fill-poll backoff; the last step repeats until the
// budget runs out.
var pollSchedule = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	4 * time.Second,
}

const defaultFillBudget = 15 * time.Second

// marketClock is the slice of the market gateway the broker path consults
// before submitting.
type marketClock interface {
	IsMarketOpen(ctx context.Context) (bool, error)
}

// Router implements core.IExecutionRouter.
type Router struct {
	cfg     *config.BrokerConfig
	store   core.IStore
	broker  core.IBroker // nil when no broker is configured
	sim     *simulator.Simulator
	clock   marketClock // nil skips the market-hours check
	sink    func(core.TradeExecuted)
	metrics *telemetry.MetricsHolder
	logger  core.ILogger
}

var _ core.IExecutionRouter = (*Router)(nil)

func NewRouter(cfg *config.BrokerConfig, store core.IStore, broker core.IBroker, sim *simulator.Simulator, clock marketClock, sink func(core.TradeExecuted), logger core.ILogger) *Router {
	if sink == nil {
		sink = func(core.TradeExecuted) {}
	}
	return &Router{
		cfg:     cfg,
		store:   store,
		broker:  broker,
		sim:     sim,
		clock:   clock,
		sink:    sink,
		metrics: telemetry.GetGlobalMetrics(),
		logger:  logger.WithField("component", "execution"),
	}
}

// Execute validates, routes and settles one pending trade. Validation and
// policy failures return before any write; everything that reaches a venue
// is persisted with an audit entry before the report is returned.
func (r *Router) Execute(ctx context.Context, t *domain.Trade, opts core.WriteOptions) (*domain.ExecutionReport, error) {
	start := time.Now()
	if err := r.validate(t); err != nil {
		r.countRejected(ctx)
		return nil, err
	}

	useBroker, downgradeReason := r.routingDecision()
	if downgradeReason != "" {
		r.auditDowngrade(ctx, t, downgradeReason, opts)
	}

	var (
		report *domain.ExecutionReport
		err    error
	)
	if useBroker {
		report, err = r.executeBroker(ctx, t, opts)
		if err != nil && errors.Is(err, apperrors.ErrBrokerUnavailable) {
			// Broker trouble downgrades this call only.
			r.auditDowngrade(ctx, t, "broker_unavailable", opts)
			report, err = r.sim.Fill(ctx, t)
		}
	} else {
		report, err = r.sim.Fill(ctx, t)
	}
	if err != nil {
		if apperrors.IsUserError(err) || errors.Is(err, apperrors.ErrMarketClosed) ||
			errors.Is(err, apperrors.ErrSymbolNotTradable) {
			r.countRejected(ctx)
			return nil, err
		}
		return nil, err
	}

	if err := r.settle(ctx, t, report, opts); err != nil {
		return nil, err
	}
	r.recordFillLatency(ctx, time.Since(start))
	return report, nil
}

func (r *Router) validate(t *domain.Trade) error {
	switch {
	case t.Status != domain.TradePending:
		return fmt.Errorf("trade %s status %s: %w", t.TradeID, t.Status, apperrors.ErrValidation)
	case !core.ValidSymbolShape(t.Symbol):
		return fmt.Errorf("symbol %q: %w", t.Symbol, apperrors.ErrInvalidSymbol)
	case t.Quantity < 1:
		return fmt.Errorf("quantity %d: %w", t.Quantity, apperrors.ErrValidation)
	case r.cfg.MaxPositionSize > 0 && t.Quantity > r.cfg.MaxPositionSize:
		return fmt.Errorf("quantity %d exceeds position limit %d: %w",
			t.Quantity, r.cfg.MaxPositionSize, apperrors.ErrValidation)
	case t.OrderType.RequiresLimitPrice() && t.LimitPrice.LessThanOrEqual(decimal.Zero):
		return fmt.Errorf("order type %s: %w", t.OrderType, apperrors.ErrMissingLimitPrice)
	case t.EntryPrice.LessThanOrEqual(decimal.Zero):
		return fmt.Errorf("entry price %s: %w", t.EntryPrice, apperrors.ErrValidation)
	}
	if r.cfg.MaxTradeValue > 0 {
		limit := decimal.NewFromFloat(r.cfg.MaxTradeValue)
		if t.Notional().GreaterThan(limit) {
			return fmt.Errorf("notional %s exceeds value limit %s: %w",
				t.Notional(), limit, apperrors.ErrValidation)
		}
	}
	return nil
}

// routingDecision picks the venue. The real broker requires every paper
// condition to hold; any mismatch downgrades with a reason for the audit
// trail. A configured live endpoint is refused outright, never dispatched.
func (r *Router) routingDecision() (useBroker bool, downgradeReason string) {
	if !r.cfg.UseRealTrading || !r.cfg.Enabled {
		return false, ""
	}
	switch {
	case r.broker == nil:
		return false, "broker_not_configured"
	case !r.cfg.PaperModeSatisfied():
		return false, "live_endpoint_refused"
	default:
		return true, ""
	}
}

func (r *Router) executeBroker(ctx context.Context, t *domain.Trade, opts core.WriteOptions) (*domain.ExecutionReport, error) {
	tradable, err := r.broker.IsSymbolTradable(ctx, t.Symbol)
	if err != nil {
		return nil, err
	}
	if !tradable {
		return nil, fmt.Errorf("symbol %s: %w", t.Symbol, apperrors.ErrSymbolNotTradable)
	}

	if r.clock != nil {
		open, err := r.clock.IsMarketOpen(ctx)
		if err != nil {
			// The broker enforces its own hours; a clock outage does not
			// block the submit.
			r.logger.Warn("market clock unavailable", "error", err.Error())
		} else if !open && !(t.OrderType == domain.OrderLimit && r.cfg.AllowAfterHours) {
			return nil, fmt.Errorf("symbol %s: %w", t.Symbol, apperrors.ErrMarketClosed)
		}
	}

	acct, err := r.broker.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	if acct.Blocked {
		return nil, fmt.Errorf("account blocked: %w", apperrors.ErrBrokerUnavailable)
	}
	if t.Side == domain.SideBuy && acct.BuyingPower.LessThan(t.Notional()) {
		return nil, fmt.Errorf("notional %s, buying power %s: %w",
			t.Notional(), acct.BuyingPower, apperrors.ErrInsufficientFunds)
	}

	submittedAt := time.Now().UTC()
	orderID, err := r.broker.SubmitOrder(ctx, t)
	if err != nil {
		return nil, err
	}

	order, timedOut := r.pollFill(ctx, t, orderID, opts)
	report := &domain.ExecutionReport{
		ExecutionID: orderID,
		Venue:       domain.VenueBroker,
		SubmittedAt: submittedAt,
	}
	if order != nil {
		report.Status = brokerStatus(order.Status)
		report.FilledQuantity = order.FilledQuantity
		report.FillPrice = domain.Money(order.AvgFillPrice)
		report.FilledAt = order.FilledAt
	} else {
		report.Status = domain.TradeSubmitted
	}
	if timedOut {
		report.Errors = append(report.Errors, "fill poll budget exhausted")
	}
	report.Success = report.Status == domain.TradeFilled
	return report, nil
}

// pollFill polls the broker on the backoff schedule until the order settles
// or the budget runs out. A partial fill is recorded once, then one more
// poll is attempted before giving up early.
func (r *Router) pollFill(ctx context.Context, t *domain.Trade, orderID string, opts core.WriteOptions) (order *core.BrokerOrder, timedOut bool) {
	budget := defaultFillBudget
	if r.cfg.FillPollBudget > 0 {
		budget = time.Duration(r.cfg.FillPollBudget) * time.Second
	}
	deadline := time.Now().Add(budget)

	partialRecorded := false
	pollsAfterPartial := 0
	for i := 0; ; i++ {
		step := pollSchedule[min(i, len(pollSchedule)-1)]
		select {
		case <-ctx.Done():
			return order, true
		case <-time.After(step):
		}

		latest, err := r.broker.GetOrder(ctx, orderID)
		if err != nil {
			r.logger.Warn("fill poll failed", "order_id", orderID, "error", err)
		} else {
			order = latest
			switch brokerStatus(latest.Status) {
			case domain.TradeFilled, domain.TradeRejected, domain.TradeCancelled:
				return order, false
			case domain.TradePartiallyFilled:
				if !partialRecorded {
					partialRecorded = true
					r.recordPartial(ctx, t, latest, opts)
				} else {
					pollsAfterPartial++
					if pollsAfterPartial >= 1 && time.Now().After(deadline) {
						return order, true
					}
				}
			}
		}
		if time.Now().After(deadline) {
			return order, true
		}
	}
}

func (r *Router) recordPartial(ctx context.Context, t *domain.Trade, order *core.BrokerOrder, opts core.WriteOptions) {
	partial := *t
	partial.Status = domain.TradePartiallyFilled
	partial.ExecutionID = order.OrderID
	partial.FilledQuantity = order.FilledQuantity
	partial.FillPrice = domain.Money(order.AvgFillPrice)
	partial.Venue = domain.VenueBroker
	partial.UpdatedAt = time.Now().UTC()
	if err := r.store.PutTrade(ctx, &partial, core.WriteOptions{
		CorrelationID: opts.CorrelationID,
		ActorUserID:   opts.ActorUserID,
	}); err != nil {
		r.logger.Warn("failed to record partial fill", "trade_id", t.TradeID, "error", err)
	}
}

// settle writes the terminal trade, position and audit atomically, then
// emits the trade-executed event. The event is never visible before the
// trade is readable.
func (r *Router) settle(ctx context.Context, t *domain.Trade, report *domain.ExecutionReport, opts core.WriteOptions) error {
	now := time.Now().UTC()
	t.Status = report.Status
	t.ExecutionID = report.ExecutionID
	t.FillPrice = report.FillPrice
	t.FilledQuantity = report.FilledQuantity
	t.Commission = decimal.Zero
	t.Venue = report.Venue
	t.UpdatedAt = now

	var pos *domain.Position
	if t.FilledQuantity > 0 {
		current, err := r.store.GetPosition(ctx, t.UserID, t.Symbol)
		if err != nil {
			if !errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("position read before settle: %w", err)
			}
			current = &domain.Position{UserID: t.UserID, Symbol: t.Symbol}
		}
		updated := *current
		updated.Apply(t)
		pos = &updated
	}

	action := domain.AuditTradeExecuted
	severity := domain.SeverityInfo
	if report.Status == domain.TradeRejected {
		action = domain.AuditTradeRejected
		severity = domain.SeverityWarn
	}
	entry := &domain.AuditEntry{
		AuditID:       uuid.NewString(),
		Timestamp:     now,
		ActorUserID:   opts.ActorUserID,
		Action:        action,
		Severity:      severity,
		SubjectKind:   "trade",
		SubjectID:     t.TradeID,
		CorrelationID: opts.CorrelationID,
		After: map[string]string{
			"status":          string(t.Status),
			"venue":           string(t.Venue),
			"filled_quantity": fmt.Sprintf("%d", t.FilledQuantity),
			"fill_price":      t.FillPrice.String(),
		},
	}

	if err := r.store.CommitExecution(ctx, t, pos, entry, opts); err != nil {
		return fmt.Errorf("failed to persist execution of %s: %w", t.TradeID, err)
	}
	r.countExecuted(ctx)

	if t.Status.IsTerminal() {
		r.sink(core.TradeExecuted{
			Trade:         t,
			CorrelationID: opts.CorrelationID,
			EmittedAt:     time.Now().UTC(),
		})
	}
	return nil
}

func (r *Router) auditDowngrade(ctx context.Context, t *domain.Trade, reason string, opts core.WriteOptions) {
	entry := &domain.AuditEntry{
		AuditID:       uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		ActorUserID:   opts.ActorUserID,
		Action:        domain.AuditRoutingDowngrade,
		Severity:      domain.SeverityWarn,
		SubjectKind:   "trade",
		SubjectID:     t.TradeID,
		After:         map[string]string{"reason": reason, "venue": string(domain.VenueSimulator)},
		CorrelationID: opts.CorrelationID,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.Error("failed to audit routing downgrade", "trade_id", t.TradeID, "error", err)
	}

	if reason == "live_endpoint_refused" {
		refusal := *entry
		refusal.AuditID = uuid.NewString()
		refusal.Action = domain.AuditRoutingRefused
		refusal.Severity = domain.SeverityHigh
		if err := r.store.AppendAudit(ctx, &refusal); err != nil {
			r.logger.Error("failed to audit live endpoint refusal", "trade_id", t.TradeID, "error", err)
		}
	}
	r.logger.Warn("routing downgraded to simulator", "trade_id", t.TradeID, "reason", reason)
}

func brokerStatus(s string) domain.TradeStatus {
	switch s {
	case "filled":
		return domain.TradeFilled
	case "partially_filled":
		return domain.TradePartiallyFilled
	case "canceled", "cancelled":
		return domain.TradeCancelled
	case "rejected":
		return domain.TradeRejected
	default:
		return domain.TradeSubmitted
	}
}

func (r *Router) countExecuted(ctx context.Context) {
	if c := r.metrics.TradesExecutedTotal; c != nil {
		c.Add(ctx, 1)
	}
}

func (r *Router) countRejected(ctx context.Context) {
	if c := r.metrics.TradesRejectedTotal; c != nil {
		c.Add(ctx, 1)
	}
}

func (r *Router) recordFillLatency(ctx context.Context, d time.Duration) {
	if h := r.metrics.FillLatency; h != nil {
		h.Record(ctx, float64(d.Milliseconds()))
	}
}
