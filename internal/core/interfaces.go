// Package core defines the component interfaces of the trading desk service
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

// TradeExecuted is the domain event emitted by the execution router after a
// trade and its position update are durably persisted. The alert engine is
// the only consumer; it never observes the event before the trade is
// readable in the store.
type TradeExecuted struct {
	Trade         *domain.Trade
	CorrelationID string
	EmittedAt     time.Time
}

// WriteOptions carries cross-cutting write parameters. OpID is the
// client-supplied idempotency key; repeated writes with the same OpID are
// accepted as no-ops. CorrelationID threads through the audit entries of a
// single user action.
type WriteOptions struct {
	OpID          string
	CorrelationID string
	ActorUserID   string
}

// IStore is the persistence layer over the wide-row store.
type IStore interface {
	// Users
	PutUser(ctx context.Context, u *domain.User, opts WriteOptions) error
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	GetUserByChatID(ctx context.Context, chatID string) (*domain.User, error)

	// Trades
	PutTrade(ctx context.Context, t *domain.Trade, opts WriteOptions) error
	GetTrade(ctx context.Context, userID, tradeID string) (*domain.Trade, error)
	ListTradesBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error)
	ListTradesByStatus(ctx context.Context, status domain.TradeStatus, limit int) ([]*domain.Trade, error)
	ListUserTrades(ctx context.Context, userID string, limit int) ([]*domain.Trade, error)

	// CommitExecution writes the terminal trade, its position update and an
	// audit entry as one atomic transaction. When the transaction would
	// exceed the store's row budget it falls back to trade+audit and an
	// asynchronous idempotent position recompute.
	CommitExecution(ctx context.Context, t *domain.Trade, p *domain.Position, a *domain.AuditEntry, opts WriteOptions) error

	// Positions
	GetPosition(ctx context.Context, userID, symbol string) (*domain.Position, error)
	ListPositions(ctx context.Context, userID string) ([]*domain.Position, error)
	RecomputePosition(ctx context.Context, userID, symbol string) (*domain.Position, error)

	// Alerts
	PutAlert(ctx context.Context, a *domain.RiskAlertConfig, opts WriteOptions) error
	GetAlert(ctx context.Context, alertID string) (*domain.RiskAlertConfig, error)
	ListAlertsByOwner(ctx context.Context, ownerUserID string) ([]*domain.RiskAlertConfig, error)
	ListActiveAlerts(ctx context.Context) ([]*domain.RiskAlertConfig, error)
	// IncrementTriggerCount bumps trigger_count by a conditional update on
	// the previous count so increments stay strictly monotonic.
	IncrementTriggerCount(ctx context.Context, alertID string, prev int64) error

	// Trigger events (append-only; unique per alert+trade pair)
	AppendTriggerEvent(ctx context.Context, e *domain.AlertTriggerEvent) error
	ListTriggerEvents(ctx context.Context, alertID string, limit int) ([]*domain.AlertTriggerEvent, error)

	// Audit (append-only)
	AppendAudit(ctx context.Context, e *domain.AuditEntry) error
	ListAuditByActor(ctx context.Context, actorUserID string, limit int) ([]*domain.AuditEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// IMarketData is the rate-limited, cached, circuit-broken quote gateway.
type IMarketData interface {
	GetQuote(ctx context.Context, symbol string) (*domain.Quote, error)
	GetVIX(ctx context.Context) (decimal.Decimal, error)
	IsMarketOpen(ctx context.Context) (bool, error)
	ValidateSymbol(ctx context.Context, symbol string) (bool, error)
}

// IBroker is the paper-trading broker surface used by the real path of the
// execution router.
type IBroker interface {
	GetAccount(ctx context.Context) (*BrokerAccount, error)
	SubmitOrder(ctx context.Context, t *domain.Trade) (string, error)
	GetOrder(ctx context.Context, orderID string) (*BrokerOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	IsSymbolTradable(ctx context.Context, symbol string) (bool, error)
}

// BrokerAccount mirrors the slice of the broker account the router checks
// before submitting.
type BrokerAccount struct {
	BuyingPower decimal.Decimal
	Blocked     bool
}

// BrokerOrder is the broker's view of a submitted order.
type BrokerOrder struct {
	OrderID        string
	Status         string
	FilledQuantity int64
	AvgFillPrice   decimal.Decimal
	FilledAt       time.Time
}

// IExecutionRouter validates, routes and executes a pending trade.
type IExecutionRouter interface {
	Execute(ctx context.Context, t *domain.Trade, opts WriteOptions) (*domain.ExecutionReport, error)
}

// IAlertEngine evaluates risk alerts in real time and on demand.
type IAlertEngine interface {
	// CheckTrade is fired for every terminal trade; it must not block the
	// execution router beyond enqueueing.
	CheckTrade(ev TradeExecuted)
	// ScanExisting evaluates an alert against historical trades, bounded to
	// the most recent matches.
	ScanExisting(ctx context.Context, alert *domain.RiskAlertConfig) (*ScanResult, error)
}

// ScanResult summarizes a batch scan.
type ScanResult struct {
	Scanned int
	Matches []*domain.AlertTriggerEvent
}

// INotifier formats and delivers chat messages.
type INotifier interface {
	SendConfirmation(ctx context.Context, user *domain.User, t *domain.Trade) error
	SendAlert(ctx context.Context, user *domain.User, alert *domain.RiskAlertConfig, t *domain.Trade, ev *domain.AlertTriggerEvent) error
	SendSummary(ctx context.Context, user *domain.User, alert *domain.RiskAlertConfig, matches []*domain.AlertTriggerEvent) error
	UpdateModal(ctx context.Context, viewID string, view any) error
}

// IRiskAnalyzer is the optional AI collaborator. Calls are best effort with
// a 5 second deadline; failures must not block submission.
type IRiskAnalyzer interface {
	Analyze(ctx context.Context, t *domain.Trade, q *domain.Quote, vix decimal.Decimal) (*domain.RiskAnalysis, error)
}

// ISharedCache is the opaque L2 cache. Failures are non-fatal; the L1 tier
// and the provider together remain correct.
type ISharedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger is the logging interface used across components.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
