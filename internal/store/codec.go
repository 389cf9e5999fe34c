package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

// Attribute maps follow the wide-row serialization rules: timestamps as
// ISO-8601 strings with microsecond precision, decimals as strings,
// integers numeric, enums lowercase strings. Unknown fields on read are
// ignored; missing required fields are hard errors.

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

type attrs map[string]any

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (a attrs) str(key string, required bool) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q: expected string, got %T", key, v)
	}
	return s, nil
}

func (a attrs) integer(key string, required bool) (int64, error) {
	v, ok := a[key]
	if !ok || v == nil {
		if required {
			return 0, fmt.Errorf("missing required field %q", key)
		}
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("field %q: expected number, got %T", key, v)
	}
}

func (a attrs) boolean(key string) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %q: expected bool, got %T", key, v)
	}
	return b, nil
}

func (a attrs) dec(key string, required bool) (decimal.Decimal, error) {
	s, err := a.str(key, required)
	if err != nil || s == "" {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %q: %w", key, err)
	}
	return d, nil
}

func (a attrs) when(key string, required bool) (time.Time, error) {
	s, err := a.str(key, required)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate ISO-8601 with fewer fractional digits.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %q: %w", key, err)
		}
	}
	return t.UTC(), nil
}

func (a attrs) strMap(key string) (map[string]string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field %q: expected map, got %T", key, v)
	}
	out := make(map[string]string, len(raw))
	for k, mv := range raw {
		s, ok := mv.(string)
		if !ok {
			return nil, fmt.Errorf("field %q.%q: expected string, got %T", key, k, mv)
		}
		out[k] = s
	}
	return out, nil
}

// Users

func encodeUser(u *domain.User) ([]byte, error) {
	return json.Marshal(attrs{
		"user_id":             u.UserID,
		"chat_id":             u.ChatID,
		"display_name":        u.DisplayName,
		"role":                string(u.Role),
		"assigned_manager_id": u.AssignedManagerID,
		"status":              string(u.Status),
		"created_at":          encodeTime(u.CreatedAt),
		"updated_at":          encodeTime(u.UpdatedAt),
	})
}

func decodeUser(data []byte) (*domain.User, error) {
	var a attrs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	u := &domain.User{}
	var err error
	if u.UserID, err = a.str("user_id", true); err != nil {
		return nil, err
	}
	if u.ChatID, err = a.str("chat_id", true); err != nil {
		return nil, err
	}
	if u.DisplayName, err = a.str("display_name", false); err != nil {
		return nil, err
	}
	role, err := a.str("role", true)
	if err != nil {
		return nil, err
	}
	u.Role = domain.Role(role)
	if u.AssignedManagerID, err = a.str("assigned_manager_id", false); err != nil {
		return nil, err
	}
	status, err := a.str("status", true)
	if err != nil {
		return nil, err
	}
	u.Status = domain.UserStatus(status)
	if u.CreatedAt, err = a.when("created_at", true); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = a.when("updated_at", false); err != nil {
		return nil, err
	}
	return u, nil
}

// Trades

func encodeTrade(t *domain.Trade) ([]byte, error) {
	m := attrs{
		"trade_id":        t.TradeID,
		"user_id":         t.UserID,
		"symbol":          t.Symbol,
		"side":            string(t.Side),
		"quantity":        t.Quantity,
		"order_type":      string(t.OrderType),
		"entry_price":     t.EntryPrice.String(),
		"entry_source":    string(t.EntrySource),
		"status":          string(t.Status),
		"filled_quantity": t.FilledQuantity,
		"commission":      t.Commission.String(),
		"created_at":      encodeTime(t.CreatedAt),
		"updated_at":      encodeTime(t.UpdatedAt),
	}
	if t.OrderType.RequiresLimitPrice() {
		m["limit_price"] = t.LimitPrice.String()
	}
	if t.ExecutionID != "" {
		m["execution_id"] = t.ExecutionID
	}
	if !t.FillPrice.IsZero() {
		m["fill_price"] = t.FillPrice.String()
	}
	if t.Venue != "" {
		m["venue"] = string(t.Venue)
	}
	return json.Marshal(m)
}

func decodeTrade(data []byte) (*domain.Trade, error) {
	var a attrs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	t := &domain.Trade{}
	var err error
	if t.TradeID, err = a.str("trade_id", true); err != nil {
		return nil, err
	}
	if t.UserID, err = a.str("user_id", true); err != nil {
		return nil, err
	}
	if t.Symbol, err = a.str("symbol", true); err != nil {
		return nil, err
	}
	side, err := a.str("side", true)
	if err != nil {
		return nil, err
	}
	t.Side = domain.Side(side)
	if t.Quantity, err = a.integer("quantity", true); err != nil {
		return nil, err
	}
	orderType, err := a.str("order_type", true)
	if err != nil {
		return nil, err
	}
	t.OrderType = domain.OrderType(orderType)
	if t.LimitPrice, err = a.dec("limit_price", false); err != nil {
		return nil, err
	}
	if t.EntryPrice, err = a.dec("entry_price", true); err != nil {
		return nil, err
	}
	source, err := a.str("entry_source", false)
	if err != nil {
		return nil, err
	}
	t.EntrySource = domain.EntryPriceSource(source)
	status, err := a.str("status", true)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TradeStatus(status)
	if t.ExecutionID, err = a.str("execution_id", false); err != nil {
		return nil, err
	}
	if t.FillPrice, err = a.dec("fill_price", false); err != nil {
		return nil, err
	}
	if t.FilledQuantity, err = a.integer("filled_quantity", false); err != nil {
		return nil, err
	}
	if t.Commission, err = a.dec("commission", false); err != nil {
		return nil, err
	}
	venue, err := a.str("venue", false)
	if err != nil {
		return nil, err
	}
	t.Venue = domain.Venue(venue)
	if t.CreatedAt, err = a.when("created_at", true); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = a.when("updated_at", false); err != nil {
		return nil, err
	}
	return t, nil
}

// Positions

func encodePosition(p *domain.Position) ([]byte, error) {
	return json.Marshal(attrs{
		"user_id":      p.UserID,
		"symbol":       p.Symbol,
		"net_quantity": p.NetQuantity,
		"cost_basis":   p.CostBasis.String(),
		"realized_pnl": p.RealizedPnL.String(),
		"updated_at":   encodeTime(p.UpdatedAt),
	})
}

func decodePosition(data []byte) (*domain.Position, error) {
	var a attrs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	p := &domain.Position{}
	var err error
	if p.UserID, err = a.str("user_id", true); err != nil {
		return nil, err
	}
	if p.Symbol, err = a.str("symbol", true); err != nil {
		return nil, err
	}
	if p.NetQuantity, err = a.integer("net_quantity", true); err != nil {
		return nil, err
	}
	if p.CostBasis, err = a.dec("cost_basis", false); err != nil {
		return nil, err
	}
	if p.RealizedPnL, err = a.dec("realized_pnl", false); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = a.when("updated_at", false); err != nil {
		return nil, err
	}
	return p, nil
}

// Alerts

func encodeAlert(al *domain.RiskAlertConfig) ([]byte, error) {
	return json.Marshal(attrs{
		"alert_id":                al.AlertID,
		"owner_user_id":           al.OwnerUserID,
		"name":                    al.Name,
		"trade_size_threshold":    al.TradeSizeThreshold.String(),
		"loss_pct_threshold":      al.LossPctThreshold.String(),
		"vix_threshold":           al.VIXThreshold.String(),
		"monitor_new":             al.MonitorNew,
		"scan_existing_at_create": al.ScanExistingAtCreate,
		"status":                  string(al.Status),
		"trigger_count":           al.TriggerCount,
		"created_at":              encodeTime(al.CreatedAt),
		"updated_at":              encodeTime(al.UpdatedAt),
	})
}

func decodeAlert(data []byte) (*domain.RiskAlertConfig, error) {
	var a attrs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	al := &domain.RiskAlertConfig{}
	var err error
	if al.AlertID, err = a.str("alert_id", true); err != nil {
		return nil, err
	}
	if al.OwnerUserID, err = a.str("owner_user_id", true); err != nil {
		return nil, err
	}
	if al.Name, err = a.str("name", false); err != nil {
		return nil, err
	}
	if al.TradeSizeThreshold, err = a.dec("trade_size_threshold", true); err != nil {
		return nil, err
	}
	if al.LossPctThreshold, err = a.dec("loss_pct_threshold", true); err != nil {
		return nil, err
	}
	if al.VIXThreshold, err = a.dec("vix_threshold", true); err != nil {
		return nil, err
	}
	if al.MonitorNew, err = a.boolean("monitor_new"); err != nil {
		return nil, err
	}
	if al.ScanExistingAtCreate, err = a.boolean("scan_existing_at_create"); err != nil {
		return nil, err
	}
	status, err := a.str("status", true)
	if err != nil {
		return nil, err
	}
	al.Status = domain.AlertStatus(status)
	if al.TriggerCount, err = a.integer("trigger_count", false); err != nil {
		return nil, err
	}
	if al.CreatedAt, err = a.when("created_at", true); err != nil {
		return nil, err
	}
	if al.UpdatedAt, err = a.when("updated_at", false); err != nil {
		return nil, err
	}
	return al, nil
}

// Trigger events

func encodeTriggerEvent(e *domain.AlertTriggerEvent) ([]byte, error) {
	return json.Marshal(attrs{
		"event_id":      e.EventID,
		"alert_id":      e.AlertID,
		"trade_id":      e.TradeID,
		"owner_user_id": e.OwnerUserID,
		"trade_size":    e.TradeSize.String(),
		"loss_pct":      e.LossPct.String(),
		"vix_level":     e.VIXLevel.String(),
		"context":       e.Context,
		"triggered_at":  encodeTime(e.TriggeredAt),
	})
}

func decodeTriggerEvent(data []byte) (*domain.AlertTriggerEvent, error) {
	var a attrs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	e := &domain.AlertTriggerEvent{}
	var err error
	if e.EventID, err = a.str("event_id", true); err != nil {
		return nil, err
	}
	if e.AlertID, err = a.str("alert_id", true); err != nil {
		return nil, err
	}
	if e.TradeID, err = a.str("trade_id", true); err != nil {
		return nil, err
	}
	if e.OwnerUserID, err = a.str("owner_user_id", false); err != nil {
		return nil, err
	}
	if e.TradeSize, err = a.dec("trade_size", false); err != nil {
		return nil, err
	}
	if e.LossPct, err = a.dec("loss_pct", false); err != nil {
		return nil, err
	}
	if e.VIXLevel, err = a.dec("vix_level", false); err != nil {
		return nil, err
	}
	if e.Context, err = a.strMap("context"); err != nil {
		return nil, err
	}
	if e.TriggeredAt, err = a.when("triggered_at", true); err != nil {
		return nil, err
	}
	return e, nil
}

// Audit

func encodeAudit(e *domain.AuditEntry) ([]byte, error) {
	return json.Marshal(attrs{
		"audit_id":       e.AuditID,
		"timestamp":      encodeTime(e.Timestamp),
		"actor_user_id":  e.ActorUserID,
		"action":         string(e.Action),
		"severity":       string(e.Severity),
		"subject_kind":   e.SubjectKind,
		"subject_id":     e.SubjectID,
		"before":         e.Before,
		"after":          e.After,
		"correlation_id": e.CorrelationID,
	})
}

func decodeAudit(data []byte) (*domain.AuditEntry, error) {
	var a attrs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	e := &domain.AuditEntry{}
	var err error
	if e.AuditID, err = a.str("audit_id", true); err != nil {
		return nil, err
	}
	if e.Timestamp, err = a.when("timestamp", true); err != nil {
		return nil, err
	}
	if e.ActorUserID, err = a.str("actor_user_id", false); err != nil {
		return nil, err
	}
	action, err := a.str("action", true)
	if err != nil {
		return nil, err
	}
	e.Action = domain.AuditAction(action)
	severity, err := a.str("severity", false)
	if err != nil {
		return nil, err
	}
	e.Severity = domain.AuditSeverity(severity)
	if e.SubjectKind, err = a.str("subject_kind", false); err != nil {
		return nil, err
	}
	if e.SubjectID, err = a.str("subject_id", false); err != nil {
		return nil, err
	}
	if e.Before, err = a.strMap("before"); err != nil {
		return nil, err
	}
	if e.After, err = a.strMap("after"); err != nil {
		return nil, err
	}
	if e.CorrelationID, err = a.str("correlation_id", false); err != nil {
		return nil, err
	}
	return e, nil
}
