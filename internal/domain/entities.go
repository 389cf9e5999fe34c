// Package domain defines the persistent entities and value types shared by
// every component: users, trades, positions, risk alerts, trigger events and
// audit entries. All monetary values are fixed-point decimals with 4
// fractional digits; share quantities are whole shares.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role classifies what a user is allowed to do.
type Role string

const (
	RoleAnalyst          Role = "analyst"
	RoleTrader           Role = "trader"
	RolePortfolioManager Role = "portfolio_manager"
	RoleAdmin            Role = "admin"
)

// UserStatus gates whether a user may initiate workflows.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

// RequiresLimitPrice reports whether the order type needs a limit price.
func (t OrderType) RequiresLimitPrice() bool {
	return t == OrderLimit || t == OrderStopLimit
}

// TradeStatus is the lifecycle state of a trade.
type TradeStatus string

const (
	TradePending         TradeStatus = "pending"
	TradeSubmitted       TradeStatus = "submitted"
	TradePartiallyFilled TradeStatus = "partially_filled"
	TradeFilled          TradeStatus = "filled"
	TradeRejected        TradeStatus = "rejected"
	TradeCancelled       TradeStatus = "cancelled"
)

// IsTerminal reports whether the trade can no longer be mutated.
func (s TradeStatus) IsTerminal() bool {
	return s == TradeFilled || s == TradeRejected || s == TradeCancelled
}

// Venue identifies where a trade executed.
type Venue string

const (
	VenueSimulator Venue = "simulator"
	VenueBroker    Venue = "broker"
)

// EntryPriceSource records where the snapshot entry price came from.
type EntryPriceSource string

const (
	EntryPriceQuote EntryPriceSource = "quote"
	EntryPriceUser  EntryPriceSource = "user"
)

// AlertStatus is the lifecycle state of a risk alert configuration.
// Deleted is soft and terminal; rows are never physically removed.
type AlertStatus string

const (
	AlertActive  AlertStatus = "active"
	AlertPaused  AlertStatus = "paused"
	AlertDeleted AlertStatus = "deleted"
)

// User is a chat-platform user known to the desk.
type User struct {
	UserID            string
	ChatID            string // external chat id, unique
	DisplayName       string
	Role              Role
	AssignedManagerID string // only meaningful for analysts
	Status            UserStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Trade is a single order from intent through execution. Created by the
// orchestrator with status pending, mutated only by the execution router
// until terminal, then immutable.
type Trade struct {
	TradeID        string
	UserID         string
	Symbol         string
	Side           Side
	Quantity       int64
	OrderType      OrderType
	LimitPrice     decimal.Decimal // meaningful iff OrderType.RequiresLimitPrice()
	EntryPrice     decimal.Decimal // quote snapshot at submit
	EntrySource    EntryPriceSource
	Status         TradeStatus
	ExecutionID    string
	FillPrice      decimal.Decimal
	FilledQuantity int64
	Commission     decimal.Decimal
	Venue          Venue
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Notional returns quantity x entry price.
func (t *Trade) Notional() decimal.Decimal {
	return t.EntryPrice.Mul(decimal.NewFromInt(t.Quantity))
}

// FillValue returns filled quantity x fill price, the trade size used by the
// alert predicate.
func (t *Trade) FillValue() decimal.Decimal {
	return t.FillPrice.Mul(decimal.NewFromInt(t.FilledQuantity))
}

// SignedFilledQuantity returns the filled quantity signed by side
// (+buy / -sell).
func (t *Trade) SignedFilledQuantity() int64 {
	if t.Side == SideSell {
		return -t.FilledQuantity
	}
	return t.FilledQuantity
}

// Position is derived state per (user, symbol), recomputed on every terminal
// trade write.
type Position struct {
	UserID      string
	Symbol      string
	NetQuantity int64
	CostBasis   decimal.Decimal // VWAP of opening fills
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}

// RiskAlertConfig is a portfolio manager's standing alert. The predicate
// fires when all three thresholds are met (ties count as matches).
type RiskAlertConfig struct {
	AlertID              string
	OwnerUserID          string
	Name                 string
	TradeSizeThreshold   decimal.Decimal
	LossPctThreshold     decimal.Decimal // percent in [0,100]
	VIXThreshold         decimal.Decimal
	MonitorNew           bool
	ScanExistingAtCreate bool
	Status               AlertStatus
	TriggerCount         int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AlertTriggerEvent is an append-only record of one alert matching one trade.
type AlertTriggerEvent struct {
	EventID     string
	AlertID     string
	TradeID     string
	OwnerUserID string
	TradeSize   decimal.Decimal
	LossPct     decimal.Decimal
	VIXLevel    decimal.Decimal
	Context     map[string]string // symbol, side
	TriggeredAt time.Time
}

// AuditAction enumerates the audited mutations.
type AuditAction string

const (
	AuditUserCreated       AuditAction = "user_created"
	AuditRoleChanged       AuditAction = "role_changed"
	AuditTradeSubmitted    AuditAction = "trade_submitted"
	AuditTradeExecuted     AuditAction = "trade_executed"
	AuditTradeRejected     AuditAction = "trade_rejected"
	AuditRoutingDowngrade  AuditAction = "routing_downgrade"
	AuditRoutingRefused    AuditAction = "routing_refused"
	AuditAlertCreated      AuditAction = "alert_created"
	AuditAlertUpdated      AuditAction = "alert_updated"
	AuditAlertDeleted      AuditAction = "alert_deleted"
	AuditAlertTriggered    AuditAction = "alert_triggered"
	AuditAlertEvalSkipped  AuditAction = "alert_eval_skipped"
	AuditNotifyFailed      AuditAction = "notify_failed"
	AuditPolicyViolation   AuditAction = "policy_violation"
	AuditSystemError       AuditAction = "system_error"
	AuditPositionRecompute AuditAction = "position_recompute"
)

// AuditSeverity grades audit entries for triage.
type AuditSeverity string

const (
	SeverityInfo  AuditSeverity = "info"
	SeverityWarn  AuditSeverity = "warn"
	SeverityHigh  AuditSeverity = "high"
	SeverityError AuditSeverity = "error"
)

// AuditEntry is an append-only record of an external-facing mutation.
// CorrelationID links every entry descended from one user action.
type AuditEntry struct {
	AuditID       string
	Timestamp     time.Time
	ActorUserID   string // empty for system
	Action        AuditAction
	Severity      AuditSeverity
	SubjectKind   string
	SubjectID     string
	Before        map[string]string
	After         map[string]string
	CorrelationID string
}

// Quote is a point-in-time market snapshot for one symbol.
type Quote struct {
	Symbol          string
	Price           decimal.Decimal
	PreviousClose   decimal.Decimal
	Change          decimal.Decimal
	ChangePct       decimal.Decimal
	DayHigh         decimal.Decimal
	DayLow          decimal.Decimal
	Volume          int64
	MarketCap       decimal.Decimal // zero when the provider omits it
	PERatio         decimal.Decimal // zero when the provider omits it
	AsOf            time.Time
	SourceLatencyMS int64
}

// ExecutionReport is the normalized result of routing a trade.
type ExecutionReport struct {
	Success        bool
	ExecutionID    string
	Status         TradeStatus
	FilledQuantity int64
	FillPrice      decimal.Decimal
	Venue          Venue
	SubmittedAt    time.Time
	FilledAt       time.Time
	Errors         []string
}

// RiskAnalysis is the AI collaborator's verdict on a proposed trade.
type RiskAnalysis struct {
	Score     int // 0..10; >= 8 requires typed confirmation
	Narrative string
	Flags     []string
}

// HighRiskScore is the threshold at or above which the orchestrator demands
// a typed ticker confirmation before submitting.
const HighRiskScore = 8

// MoneyPlaces is the fixed-point scale for all monetary values.
const MoneyPlaces = 4

// Money normalizes a decimal to the canonical 4-place monetary scale,
// rounding half-to-even.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(MoneyPlaces)
}
