package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/chat"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
)

var lossPctCeiling = decimal.NewFromInt(100)

// createAlert handles the alert modal submission: validate thresholds,
// persist, and optionally kick off the historical scan.
func (o *Orchestrator) createAlert(ctx context.Context, ia *chat.Interaction) error {
	user, err := o.resolveUser(ctx, ia.User.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve user: %w", err)
	}
	if !o.canManageAlerts(user) {
		o.refuse(ctx, user, "", "Only portfolio managers can configure risk alerts.", "alert_role_denied")
		return nil
	}

	alert, hint := o.parseAlertInputs(&ia.View, user)
	if hint != "" {
		return o.chat.UpdateView(ctx, ia.View.ID, alertModalWithHint(ia.View.PrivateMetadata, hint))
	}

	correlationID := chat.DecodeMetadata(ia.View.PrivateMetadata)[metaCorrelationID]
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	opts := core.WriteOptions{
		OpID:          "submit-" + ia.View.ID,
		CorrelationID: correlationID,
		ActorUserID:   user.UserID,
	}
	if err := o.store.PutAlert(ctx, alert, opts); err != nil {
		return fmt.Errorf("failed to persist alert: %w", err)
	}
	o.audit(ctx, &domain.AuditEntry{
		Action:        domain.AuditAlertCreated,
		Severity:      domain.SeverityInfo,
		ActorUserID:   user.UserID,
		SubjectKind:   "alert",
		SubjectID:     alert.AlertID,
		CorrelationID: correlationID,
		After: map[string]string{
			"name":                 alert.Name,
			"trade_size_threshold": alert.TradeSizeThreshold.String(),
			"loss_pct_threshold":   alert.LossPctThreshold.String(),
			"vix_threshold":        alert.VIXThreshold.String(),
		},
	})

	if alert.ScanExistingAtCreate {
		if _, err := o.engine.ScanExisting(ctx, alert); err != nil {
			o.logger.Warn("historical scan failed", "alert_id", alert.AlertID, "error", err.Error())
		}
	}
	return nil
}

// parseAlertInputs builds the alert from the modal state. A non-empty hint
// means a user error to surface inline.
func (o *Orchestrator) parseAlertInputs(view *chat.InteractionView, user *domain.User) (*domain.RiskAlertConfig, string) {
	name, ok := view.InputValue(blockAlertName, ActionAlertName)
	if !ok || name == "" {
		return nil, "Give the alert a name."
	}
	if err := chat.ValidateFreeText(name); err != nil {
		return nil, "Alert names may only use plain text."
	}

	size, err := inputDecimal(view, blockAlertSize, ActionAlertSize)
	if err != nil || size.IsNegative() {
		return nil, "Trade size threshold must be a number of at least 0."
	}
	lossPct, err := inputDecimal(view, blockAlertLossPct, ActionAlertLossPct)
	if err != nil || lossPct.IsNegative() || lossPct.GreaterThan(lossPctCeiling) {
		return nil, "Loss threshold must be between 0 and 100 percent."
	}
	vix, err := inputDecimal(view, blockAlertVIX, ActionAlertVIX)
	if err != nil || vix.IsNegative() {
		return nil, "VIX threshold must be a number of at least 0."
	}

	monitor, _ := view.InputValue(blockAlertMonitor, ActionAlertMonitor)
	scan, _ := view.InputValue(blockAlertScan, ActionAlertScan)

	now := time.Now().UTC()
	return &domain.RiskAlertConfig{
		AlertID:              uuid.NewString(),
		OwnerUserID:          user.UserID,
		Name:                 name,
		TradeSizeThreshold:   domain.Money(size),
		LossPctThreshold:     lossPct.Round(4),
		VIXThreshold:         vix.Round(4),
		MonitorNew:           monitor != "false",
		ScanExistingAtCreate: scan == "true",
		Status:               domain.AlertActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, ""
}

func inputDecimal(view *chat.InteractionView, blockID, actionID string) (decimal.Decimal, error) {
	raw, ok := view.InputValue(blockID, actionID)
	if !ok {
		return decimal.Zero, fmt.Errorf("missing input %s", actionID)
	}
	return decimal.NewFromString(raw)
}

// alertModalWithHint re-renders the creation modal with an inline hint.
func alertModalWithHint(privateMetadata, hint string) *chat.View {
	correlationID := chat.DecodeMetadata(privateMetadata)[metaCorrelationID]
	view := alertModal(correlationID)
	view.Blocks = append(view.Blocks, chat.SectionBlock(blockHint, ":warning: "+hint))
	return view
}

// onAlertAction applies a management button: pause, resume, soft delete,
// or restore. Deletion is soft and reversible from the same message.
func (o *Orchestrator) onAlertAction(ctx context.Context, ia *chat.Interaction, actionID, alertID string) error {
	if alertID == "" {
		return fmt.Errorf("alert action %q missing alert id", actionID)
	}
	user, err := o.resolveUser(ctx, ia.User.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve user: %w", err)
	}

	alert, err := o.store.GetAlert(ctx, alertID)
	if err != nil {
		return fmt.Errorf("failed to load alert %s: %w", alertID, err)
	}
	if alert.OwnerUserID != user.UserID && user.Role != domain.RoleAdmin {
		o.refuse(ctx, user, "", "You can only manage your own alerts.", "alert_ownership_denied")
		return nil
	}

	before := alert.Status
	var next domain.AlertStatus
	switch actionID {
	case ActionAlertPause:
		next = domain.AlertPaused
	case ActionAlertResume, ActionAlertRestore:
		next = domain.AlertActive
	case ActionAlertDelete:
		next = domain.AlertDeleted
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, actionID)
	}
	if before == next {
		return nil
	}

	alert.Status = next
	alert.UpdatedAt = time.Now().UTC()
	opts := core.WriteOptions{
		OpID:          uuid.NewString(),
		CorrelationID: uuid.NewString(),
		ActorUserID:   user.UserID,
	}
	if err := o.store.PutAlert(ctx, alert, opts); err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alertID, err)
	}

	action := domain.AuditAlertUpdated
	if next == domain.AlertDeleted {
		action = domain.AuditAlertDeleted
	}
	o.audit(ctx, &domain.AuditEntry{
		Action:        action,
		Severity:      domain.SeverityInfo,
		ActorUserID:   user.UserID,
		SubjectKind:   "alert",
		SubjectID:     alert.AlertID,
		CorrelationID: opts.CorrelationID,
		Before:        map[string]string{"status": string(before)},
		After:         map[string]string{"status": string(next)},
	})

	o.confirmAlertAction(ctx, user, alert, next)
	return nil
}

// confirmAlertAction DMs the outcome; a delete carries an undo button so
// it stays reversible in the same session.
func (o *Orchestrator) confirmAlertAction(ctx context.Context, user *domain.User, alert *domain.RiskAlertConfig, next domain.AlertStatus) {
	channel, err := o.chat.OpenDM(ctx, user.ChatID)
	if err != nil {
		o.logger.Warn("could not open DM for alert confirmation", "error", err.Error())
		return
	}

	text := fmt.Sprintf("Alert %q is now %s.", alert.Name, next)
	var blocks []*chat.Block
	if next == domain.AlertDeleted {
		blocks = []*chat.Block{
			chat.SectionBlock("alert_deleted", text),
			chat.ActionsBlock("alert_undo", buttonWithValue(ActionAlertRestore, "Undo", "", alert.AlertID)),
		}
	}
	if err := o.chat.PostMessage(ctx, channel, text, blocks); err != nil {
		o.logger.Warn("alert confirmation delivery failed", "error", err.Error())
	}
}
