package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/chat"
	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	apperrors "tradedesk/pkg/errors"
)

const recentTradeLimit = 10

// chatSurface is the slice of the chat client the orchestrator drives.
type chatSurface interface {
	OpenView(ctx context.Context, triggerID string, view *chat.View) (string, error)
	UpdateView(ctx context.Context, viewID string, view *chat.View) error
	PublishHome(ctx context.Context, chatUserID string, view *chat.View) error
	OpenDM(ctx context.Context, chatUserID string) (string, error)
	PostMessage(ctx context.Context, channelID, text string, blocks []*chat.Block) error
	PostEphemeral(ctx context.Context, channelID, chatUserID, text string) error
}

// Orchestrator implements chat.Handler: it owns the modal workflow state
// machines and the alert management surface.
type Orchestrator struct {
	cfg      *config.Config
	store    core.IStore
	market   core.IMarketData
	router   core.IExecutionRouter
	engine   core.IAlertEngine
	analyzer core.IRiskAnalyzer
	chat     chatSurface
	logger   core.ILogger
	sessions *sessionTable
}

// New creates the orchestrator. analyzer may be nil when the AI
// collaborator is disabled.
func New(cfg *config.Config, store core.IStore, market core.IMarketData, router core.IExecutionRouter,
	engine core.IAlertEngine, analyzer core.IRiskAnalyzer, chatClient chatSurface, logger core.ILogger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		market:   market,
		router:   router,
		engine:   engine,
		analyzer: analyzer,
		chat:     chatClient,
		logger:   logger.WithField("component", "orchestrator"),
		sessions: newSessionTable(),
	}
}

// HandleSlashCommand routes a slash command. It runs on a detached task;
// the transport has already acknowledged the platform.
func (o *Orchestrator) HandleSlashCommand(ctx context.Context, cmd *chat.SlashCommand) error {
	if !contains(o.cfg.App.SlashCommands, cmd.Command) {
		o.ephemeral(ctx, cmd.ChannelID, cmd.UserID, fmt.Sprintf("Unknown command %s.", cmd.Command))
		return nil
	}

	user, err := o.resolveUser(ctx, cmd.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve user: %w", err)
	}
	if user.Status == domain.UserSuspended {
		o.refuse(ctx, user, cmd.ChannelID, "Your account is suspended.", "suspended_user_command")
		return nil
	}

	switch cmd.Command {
	case "/trade":
		return o.openTradeModal(ctx, user, cmd)
	case "/risk-alert":
		return o.openAlertModal(ctx, user, cmd)
	case "/risk-alerts":
		return o.sendAlertList(ctx, user, cmd.ChannelID)
	default:
		o.ephemeral(ctx, cmd.ChannelID, cmd.UserID, fmt.Sprintf("Unknown command %s.", cmd.Command))
		return nil
	}
}

// HandleInteraction routes a modal interaction by its closed action-id
// set; unknown action ids are a typed error, never passed through.
func (o *Orchestrator) HandleInteraction(ctx context.Context, ia *chat.Interaction) error {
	switch ia.Type {
	case chat.InteractionViewClosed:
		o.sessions.drop(ia.View.ID)
		return nil
	case chat.InteractionViewSubmission:
		switch ia.View.CallbackID {
		case CallbackTradeModal:
			return o.submitTrade(ctx, ia)
		case CallbackAlertModal:
			return o.createAlert(ctx, ia)
		default:
			return fmt.Errorf("unknown view callback %q", ia.View.CallbackID)
		}
	case chat.InteractionBlockActions:
		for i := range ia.Actions {
			if err := o.dispatchAction(ctx, ia, &ia.Actions[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported interaction type %q", ia.Type)
	}
}

func (o *Orchestrator) dispatchAction(ctx context.Context, ia *chat.Interaction, action *chat.Action) error {
	if !KnownAction(action.ActionID) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.ActionID)
	}

	switch action.ActionID {
	case ActionSymbolInput:
		return o.onSymbolCommitted(ctx, ia, strings.ToUpper(action.CommittedValue()))
	case ActionQuantityInput:
		return o.onQuantityChanged(ctx, ia, action.CommittedValue())
	case ActionNotionalInput:
		return o.onNotionalChanged(ctx, ia, action.CommittedValue())
	case ActionOrderType:
		return o.onOrderTypeChanged(ctx, ia, action.CommittedValue())
	case ActionSideSelect, ActionLimitPrice, ActionEntryPrice, ActionConfirmTicker:
		// committed at submission time from the view state
		return nil
	case ActionAnalyzeRisk:
		return o.analyzeRisk(ctx, ia)
	case ActionAlertPause, ActionAlertResume, ActionAlertDelete, ActionAlertRestore:
		return o.onAlertAction(ctx, ia, action.ActionID, action.CommittedValue())
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.ActionID)
	}
}

// HandleHomeOpened publishes the portfolio snapshot to the user's home
// tab: open positions plus recent trade history.
func (o *Orchestrator) HandleHomeOpened(ctx context.Context, chatUserID string) error {
	user, err := o.resolveUser(ctx, chatUserID)
	if err != nil {
		return fmt.Errorf("failed to resolve user: %w", err)
	}

	positions, err := o.store.ListPositions(ctx, user.UserID)
	if err != nil {
		return fmt.Errorf("failed to list positions: %w", err)
	}
	trades, err := o.store.ListUserTrades(ctx, user.UserID, recentTradeLimit)
	if err != nil {
		return fmt.Errorf("failed to list trades: %w", err)
	}
	return o.chat.PublishHome(ctx, chatUserID, homeView(positions, trades))
}

// resolveUser maps an external chat id to a desk user, provisioning a
// default trader record on first contact.
func (o *Orchestrator) resolveUser(ctx context.Context, chatUserID string) (*domain.User, error) {
	user, err := o.store.GetUserByChatID(ctx, chatUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	user = &domain.User{
		UserID:      uuid.NewString(),
		ChatID:      chatUserID,
		DisplayName: chatUserID,
		Role:        domain.RoleTrader,
		Status:      domain.UserActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	opts := core.WriteOptions{
		OpID:          "provision-" + chatUserID,
		CorrelationID: uuid.NewString(),
		ActorUserID:   user.UserID,
	}
	if err := o.store.PutUser(ctx, user, opts); err != nil {
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}
	o.audit(ctx, &domain.AuditEntry{
		Action:      domain.AuditUserCreated,
		Severity:    domain.SeverityInfo,
		ActorUserID: user.UserID,
		SubjectKind: "user",
		SubjectID:   user.UserID,
		After:       map[string]string{"chat_id": chatUserID, "role": string(user.Role)},
	})
	return user, nil
}

func (o *Orchestrator) openTradeModal(ctx context.Context, user *domain.User, cmd *chat.SlashCommand) error {
	if !o.channelApproved(cmd.ChannelID) {
		o.refuse(ctx, user, cmd.ChannelID, "Trading is not allowed in this channel.", "channel_denied")
		return nil
	}

	correlationID := uuid.NewString()
	s := newSession("", user.UserID, user.ChatID, cmd.ChannelID, correlationID)

	viewID, err := o.chat.OpenView(ctx, cmd.TriggerID, o.tradeModal(s, ""))
	if err != nil {
		o.ephemeral(ctx, cmd.ChannelID, user.ChatID, "Could not open the trade form, please retry.")
		return fmt.Errorf("failed to open trade modal: %w", err)
	}
	s.viewID = viewID
	o.sessions.put(s)

	// a symbol passed with the command skips a round trip
	if symbol := strings.ToUpper(cmd.Text); symbol != "" {
		return o.commitSymbol(ctx, s, symbol)
	}
	return nil
}

func (o *Orchestrator) openAlertModal(ctx context.Context, user *domain.User, cmd *chat.SlashCommand) error {
	if !o.canManageAlerts(user) {
		o.refuse(ctx, user, cmd.ChannelID, "Only portfolio managers can configure risk alerts.", "alert_role_denied")
		return nil
	}
	if _, err := o.chat.OpenView(ctx, cmd.TriggerID, alertModal(uuid.NewString())); err != nil {
		return fmt.Errorf("failed to open alert modal: %w", err)
	}
	return nil
}

func (o *Orchestrator) sendAlertList(ctx context.Context, user *domain.User, channelID string) error {
	alerts, err := o.store.ListAlertsByOwner(ctx, user.UserID)
	if err != nil {
		return fmt.Errorf("failed to list alerts: %w", err)
	}

	blocks := alertListBlocks(alerts)
	channel, err := o.chat.OpenDM(ctx, user.ChatID)
	if err == nil {
		if err := o.chat.PostMessage(ctx, channel, "Your risk alerts", blocks); err == nil {
			return nil
		}
	}
	o.ephemeral(ctx, channelID, user.ChatID, "Could not deliver your alert list, please retry.")
	return nil
}

func (o *Orchestrator) canManageAlerts(user *domain.User) bool {
	return user.Role == domain.RolePortfolioManager || user.Role == domain.RoleAdmin
}

func (o *Orchestrator) channelApproved(channelID string) bool {
	if len(o.cfg.App.ApprovedChannels) == 0 {
		return true
	}
	return contains(o.cfg.App.ApprovedChannels, channelID)
}

// refuse surfaces a policy refusal to the user and audits it HIGH.
func (o *Orchestrator) refuse(ctx context.Context, user *domain.User, channelID, msg, reason string) {
	o.ephemeral(ctx, channelID, user.ChatID, msg)
	o.audit(ctx, &domain.AuditEntry{
		Action:      domain.AuditPolicyViolation,
		Severity:    domain.SeverityHigh,
		ActorUserID: user.UserID,
		SubjectKind: "user",
		SubjectID:   user.UserID,
		After:       map[string]string{"reason": reason, "channel_id": channelID},
	})
}

func (o *Orchestrator) ephemeral(ctx context.Context, channelID, chatUserID, text string) {
	if channelID == "" {
		return
	}
	if err := o.chat.PostEphemeral(ctx, channelID, chatUserID, text); err != nil {
		o.logger.Warn("ephemeral delivery failed", "channel_id", channelID, "error", err.Error())
	}
}

func (o *Orchestrator) audit(ctx context.Context, entry *domain.AuditEntry) {
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := o.store.AppendAudit(ctx, entry); err != nil {
		o.logger.Error("failed to append audit entry", "action", string(entry.Action), "error", err.Error())
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
