// Package notify implements the notification dispatcher: direct-message
// delivery with quiet hours, bounded retries and per-user coalescing of
// alert bursts into a digest.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tradedesk/internal/chat"
	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	"tradedesk/pkg/concurrency"
	"tradedesk/pkg/telemetry"
)

const deliveryDeadline = 10 * time.Second

// chatAPI is the slice of the chat client the dispatcher needs.
type chatAPI interface {
	OpenDM(ctx context.Context, chatUserID string) (string, error)
	PostMessage(ctx context.Context, channelID, text string, blocks []*chat.Block) error
	UpdateView(ctx context.Context, viewID string, view *chat.View) error
}

// userWindow tracks one user's delivery budget for the current minute.
type userWindow struct {
	start     time.Time
	sent      int
	coalesced int
}

// Dispatcher implements core.INotifier. Confirmations are non-critical and
// suppressed during quiet hours; alert traffic is critical and always
// delivered. Delivery runs on the notify pool so callers never block on
// retries.
type Dispatcher struct {
	cfg     *config.NotifyConfig
	client  chatAPI
	store   core.IStore
	pool    *concurrency.WorkerPool
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	now     func() time.Time
	sleep   func(time.Duration)

	mu      sync.Mutex
	windows map[string]*userWindow
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(cfg *config.NotifyConfig, client chatAPI, store core.IStore, pool *concurrency.WorkerPool, logger core.ILogger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		client:  client,
		store:   store,
		pool:    pool,
		logger:  logger.WithField("component", "notify"),
		metrics: telemetry.GetGlobalMetrics(),
		now:     time.Now,
		sleep:   time.Sleep,
		windows: make(map[string]*userWindow),
	}
}

// Run flushes pending digests until ctx is cancelled. Digests also flush
// lazily on the next send, so the sweep only bounds their latency.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.flushDigests()
		}
	}
}

// SendConfirmation delivers a trade confirmation DM. Non-critical: quiet
// hours suppress it silently.
func (d *Dispatcher) SendConfirmation(ctx context.Context, user *domain.User, t *domain.Trade) error {
	if d.inQuietHours() {
		d.logger.Debug("confirmation suppressed by quiet hours", "user_id", user.UserID, "trade_id", t.TradeID)
		return nil
	}

	text := fmt.Sprintf("Trade %s: %s %d %s", t.Status, t.Side, t.Quantity, t.Symbol)
	blocks := confirmationBlocks(t)
	d.deliver(user, "confirmation", t.TradeID, text, blocks)
	return nil
}

// SendAlert delivers a risk-alert trigger DM. Critical: exempt from quiet
// hours, but subject to the per-user budget with digest coalescing.
func (d *Dispatcher) SendAlert(ctx context.Context, user *domain.User, alert *domain.RiskAlertConfig, t *domain.Trade, ev *domain.AlertTriggerEvent) error {
	if !d.consumeBudget(user.UserID) {
		d.logger.Debug("alert coalesced into digest", "user_id", user.UserID, "alert_id", alert.AlertID)
		return nil
	}

	text := fmt.Sprintf("Risk alert %q triggered by trade %s", alert.Name, t.TradeID)
	blocks := alertBlocks(alert, t, ev)
	d.deliver(user, "alert", ev.EventID, text, blocks)
	return nil
}

// SendSummary delivers the scan-existing summary DM: one message listing
// the matches, however many there are.
func (d *Dispatcher) SendSummary(ctx context.Context, user *domain.User, alert *domain.RiskAlertConfig, matches []*domain.AlertTriggerEvent) error {
	text := fmt.Sprintf("Risk alert %q matched %d historical trades", alert.Name, len(matches))
	blocks := summaryBlocks(alert, matches)
	d.deliver(user, "summary", alert.AlertID, text, blocks)
	return nil
}

// UpdateModal updates an open modal in place by view id.
func (d *Dispatcher) UpdateModal(ctx context.Context, viewID string, view any) error {
	v, ok := view.(*chat.View)
	if !ok {
		return fmt.Errorf("update modal: unsupported view type %T", view)
	}
	return d.client.UpdateView(ctx, viewID, v)
}

// deliver enqueues the DM with the retry schedule. Persistent failure
// becomes an audit entry, never an error to the caller.
func (d *Dispatcher) deliver(user *domain.User, kind, subjectID, text string, blocks []*chat.Block) {
	err := d.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryDeadline)
		defer cancel()

		lastErr := d.attemptDM(ctx, user, text, blocks)
		for i := 0; lastErr != nil && i < len(d.cfg.RetryDelays); i++ {
			d.sleep(time.Duration(d.cfg.RetryDelays[i]) * time.Second)
			d.countRetry()
			retryCtx, retryCancel := context.WithTimeout(context.Background(), deliveryDeadline)
			lastErr = d.attemptDM(retryCtx, user, text, blocks)
			retryCancel()
		}

		if lastErr != nil {
			d.auditFailure(user, kind, subjectID, lastErr)
			return
		}
		d.countSent(kind)
	})
	if err != nil {
		d.logger.Error("notify pool rejected delivery", "kind", kind, "user_id", user.UserID, "error", err.Error())
	}
}

func (d *Dispatcher) attemptDM(ctx context.Context, user *domain.User, text string, blocks []*chat.Block) error {
	channelID, err := d.client.OpenDM(ctx, user.ChatID)
	if err != nil {
		return fmt.Errorf("failed to open DM: %w", err)
	}
	return d.client.PostMessage(ctx, channelID, text, blocks)
}

func (d *Dispatcher) auditFailure(user *domain.User, kind, subjectID string, cause error) {
	entry := &domain.AuditEntry{
		AuditID:     uuid.NewString(),
		Timestamp:   d.now().UTC(),
		Action:      domain.AuditNotifyFailed,
		Severity:    domain.SeverityWarn,
		SubjectKind: "notification",
		SubjectID:   subjectID,
		After: map[string]string{
			"kind":    kind,
			"user_id": user.UserID,
			"error":   cause.Error(),
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliveryDeadline)
	defer cancel()
	if err := d.store.AppendAudit(ctx, entry); err != nil {
		d.logger.Error("failed to audit notify failure", "error", err.Error())
	}
	d.logger.Warn("notification delivery failed after retries",
		"kind", kind, "user_id", user.UserID, "error", cause.Error())
}

// consumeBudget reports whether the user still has delivery budget this
// minute; when exhausted, the message is counted into the digest instead.
func (d *Dispatcher) consumeBudget(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.windows[userID]
	now := d.now()
	if w == nil {
		w = &userWindow{start: now}
		d.windows[userID] = w
	}
	if now.Sub(w.start) >= time.Minute {
		if w.coalesced > 0 {
			d.sendDigestLocked(userID, w.coalesced)
		}
		w.start = now
		w.sent = 0
		w.coalesced = 0
	}
	if w.sent >= d.cfg.PerUserPerMin {
		w.coalesced++
		return false
	}
	w.sent++
	return true
}

// flushDigests delivers digests for windows whose minute has elapsed.
func (d *Dispatcher) flushDigests() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for userID, w := range d.windows {
		if now.Sub(w.start) >= time.Minute {
			if w.coalesced > 0 {
				d.sendDigestLocked(userID, w.coalesced)
			}
			delete(d.windows, userID)
		}
	}
}

// sendDigestLocked enqueues the coalesced digest. Caller holds d.mu; the
// actual delivery runs on the pool.
func (d *Dispatcher) sendDigestLocked(userID string, n int) {
	err := d.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryDeadline)
		defer cancel()
		user, err := d.store.GetUser(ctx, userID)
		if err != nil {
			d.logger.Error("failed to resolve digest recipient", "user_id", userID, "error", err.Error())
			return
		}
		text := fmt.Sprintf("%d alerts in the last minute", n)
		if err := d.attemptDM(ctx, user, text, nil); err != nil {
			d.logger.Warn("digest delivery failed", "user_id", userID, "error", err.Error())
			return
		}
		d.countSent("digest")
	})
	if err != nil {
		d.logger.Error("notify pool rejected digest", "user_id", userID, "error", err.Error())
	}
}

func (d *Dispatcher) inQuietHours() bool {
	if d.cfg.QuietHoursStart == "" || d.cfg.QuietHoursEnd == "" {
		return false
	}
	start, err1 := time.Parse("15:04", d.cfg.QuietHoursStart)
	end, err2 := time.Parse("15:04", d.cfg.QuietHoursEnd)
	if err1 != nil || err2 != nil {
		return false
	}

	now := d.now().UTC()
	minutes := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	// window wraps midnight
	return minutes >= startMin || minutes < endMin
}

func (d *Dispatcher) countSent(kind string) {
	if d.metrics == nil || d.metrics.NotifySentTotal == nil {
		return
	}
	d.metrics.NotifySentTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

func (d *Dispatcher) countRetry() {
	if d.metrics == nil || d.metrics.NotifyRetriesTotal == nil {
		return
	}
	d.metrics.NotifyRetriesTotal.Add(context.Background(), 1)
}

func confirmationBlocks(t *domain.Trade) []*chat.Block {
	lines := []string{
		fmt.Sprintf("*%s %d %s* — %s", strings.ToUpper(string(t.Side)), t.Quantity, t.Symbol, t.Status),
	}
	if t.FilledQuantity > 0 {
		lines = append(lines, fmt.Sprintf("Filled %d @ $%s on %s", t.FilledQuantity, t.FillPrice.StringFixed(4), t.Venue))
	}
	return []*chat.Block{chat.SectionBlock("trade_confirmation", strings.Join(lines, "\n"))}
}

func alertBlocks(alert *domain.RiskAlertConfig, t *domain.Trade, ev *domain.AlertTriggerEvent) []*chat.Block {
	body := fmt.Sprintf(
		"*%s*\nTrade %s: %s %d %s\nSize $%s · Loss %s%% · VIX %s",
		alert.Name, t.TradeID, t.Side, t.FilledQuantity, t.Symbol,
		ev.TradeSize.StringFixed(2), ev.LossPct.StringFixed(2), ev.VIXLevel.StringFixed(2),
	)
	return []*chat.Block{chat.SectionBlock("alert_trigger", body)}
}

func summaryBlocks(alert *domain.RiskAlertConfig, matches []*domain.AlertTriggerEvent) []*chat.Block {
	lines := make([]string, 0, len(matches)+1)
	lines = append(lines, fmt.Sprintf("*%s* — %d matching trades", alert.Name, len(matches)))
	for _, ev := range matches {
		lines = append(lines, fmt.Sprintf("• %s %s — size $%s, loss %s%%",
			ev.Context["side"], ev.Context["symbol"], ev.TradeSize.StringFixed(2), ev.LossPct.StringFixed(2)))
	}
	return []*chat.Block{chat.SectionBlock("alert_summary", strings.Join(lines, "\n"))}
}
