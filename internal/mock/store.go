// Package mock provides in-memory fakes of the component interfaces for
// tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	apperrors "tradedesk/pkg/errors"
)

// MockStore implements core.IStore over maps, honoring the same
// idempotency and conditional-update semantics as the SQLite store.
type MockStore struct {
	mu       sync.RWMutex
	users    map[string]*domain.User
	byChat   map[string]string
	trades   map[string]*domain.Trade // key user/trade
	alerts   map[string]*domain.RiskAlertConfig
	events   map[string]*domain.AlertTriggerEvent
	evPairs  map[string]bool // alert/trade
	pos      map[string]*domain.Position
	audits   []*domain.AuditEntry
	ops      map[string]bool

	// FailCommits makes CommitExecution fail, for error-path tests.
	FailCommits bool
}

var _ core.IStore = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		users:   make(map[string]*domain.User),
		byChat:  make(map[string]string),
		trades:  make(map[string]*domain.Trade),
		alerts:  make(map[string]*domain.RiskAlertConfig),
		events:  make(map[string]*domain.AlertTriggerEvent),
		evPairs: make(map[string]bool),
		pos:     make(map[string]*domain.Position),
		ops:     make(map[string]bool),
	}
}

func (s *MockStore) claimOp(opID string) bool {
	if opID == "" {
		return true
	}
	if s.ops[opID] {
		return false
	}
	s.ops[opID] = true
	return true
}

func (s *MockStore) PutUser(_ context.Context, u *domain.User, opts core.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.claimOp(opts.OpID) {
		return nil
	}
	cp := *u
	s.users[u.UserID] = &cp
	s.byChat[u.ChatID] = u.UserID
	return nil
}

func (s *MockStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, apperrors.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MockStore) GetUserByChatID(_ context.Context, chatID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byChat[chatID]
	if !ok {
		return nil, fmt.Errorf("chat user %s: %w", chatID, apperrors.ErrNotFound)
	}
	cp := *s.users[id]
	return &cp, nil
}

func tradeKey(userID, tradeID string) string { return userID + "/" + tradeID }

func (s *MockStore) PutTrade(_ context.Context, t *domain.Trade, opts core.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.claimOp(opts.OpID) {
		return nil
	}
	cp := *t
	s.trades[tradeKey(t.UserID, t.TradeID)] = &cp
	return nil
}

func (s *MockStore) GetTrade(_ context.Context, userID, tradeID string) (*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[tradeKey(userID, tradeID)]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", tradeID, apperrors.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MockStore) listTrades(match func(*domain.Trade) bool, limit int) []*domain.Trade {
	var out []*domain.Trade
	for _, t := range s.trades {
		if match(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MockStore) ListTradesBySymbol(_ context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTrades(func(t *domain.Trade) bool { return t.Symbol == symbol }, limit), nil
}

func (s *MockStore) ListTradesByStatus(_ context.Context, status domain.TradeStatus, limit int) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTrades(func(t *domain.Trade) bool { return t.Status == status }, limit), nil
}

func (s *MockStore) ListUserTrades(_ context.Context, userID string, limit int) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTrades(func(t *domain.Trade) bool { return t.UserID == userID }, limit), nil
}

func (s *MockStore) CommitExecution(_ context.Context, t *domain.Trade, p *domain.Position, a *domain.AuditEntry, opts core.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCommits {
		return apperrors.ErrThrottled
	}
	if !s.claimOp(opts.OpID) {
		return nil
	}
	tc := *t
	s.trades[tradeKey(t.UserID, t.TradeID)] = &tc
	if p != nil {
		pc := *p
		s.pos[posKey(p.UserID, p.Symbol)] = &pc
	}
	ac := *a
	s.audits = append(s.audits, &ac)
	return nil
}

func posKey(userID, symbol string) string { return userID + "/" + symbol }

func (s *MockStore) GetPosition(_ context.Context, userID, symbol string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pos[posKey(userID, symbol)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, symbol, apperrors.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MockStore) ListPositions(_ context.Context, userID string) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Position
	for _, p := range s.pos {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MockStore) RecomputePosition(_ context.Context, userID, symbol string) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var replay []*domain.Trade
	for _, t := range s.trades {
		if t.UserID == userID && t.Symbol == symbol && t.Status.IsTerminal() {
			replay = append(replay, t)
		}
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].CreatedAt.Before(replay[j].CreatedAt) })

	pos := &domain.Position{UserID: userID, Symbol: symbol, UpdatedAt: time.Now().UTC()}
	for _, t := range replay {
		pos.Apply(t)
	}
	s.pos[posKey(userID, symbol)] = pos
	cp := *pos
	return &cp, nil
}

func (s *MockStore) PutAlert(_ context.Context, a *domain.RiskAlertConfig, opts core.WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.claimOp(opts.OpID) {
		return nil
	}
	cp := *a
	s.alerts[a.AlertID] = &cp
	return nil
}

func (s *MockStore) GetAlert(_ context.Context, alertID string) (*domain.RiskAlertConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, apperrors.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MockStore) ListAlertsByOwner(_ context.Context, ownerUserID string) ([]*domain.RiskAlertConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.RiskAlertConfig
	for _, a := range s.alerts {
		if a.OwnerUserID == ownerUserID && a.Status != domain.AlertDeleted {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MockStore) ListActiveAlerts(_ context.Context) ([]*domain.RiskAlertConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.RiskAlertConfig
	for _, a := range s.alerts {
		if a.Status == domain.AlertActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MockStore) IncrementTriggerCount(_ context.Context, alertID string, prev int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert %s: %w", alertID, apperrors.ErrNotFound)
	}
	if a.TriggerCount != prev {
		return fmt.Errorf("alert %s trigger_count != %d: %w", alertID, prev, apperrors.ErrConflict)
	}
	a.TriggerCount++
	return nil
}

func (s *MockStore) AppendTriggerEvent(_ context.Context, e *domain.AlertTriggerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair := e.AlertID + "/" + e.TradeID
	if s.evPairs[pair] {
		return fmt.Errorf("alert %s already fired for trade %s: %w",
			e.AlertID, e.TradeID, apperrors.ErrDuplicateOp)
	}
	s.evPairs[pair] = true
	cp := *e
	s.events[e.EventID] = &cp
	return nil
}

func (s *MockStore) ListTriggerEvents(_ context.Context, alertID string, limit int) ([]*domain.AlertTriggerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AlertTriggerEvent
	for _, e := range s.events {
		if e.AlertID == alertID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MockStore) AppendAudit(_ context.Context, e *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.audits = append(s.audits, &cp)
	return nil
}

func (s *MockStore) ListAuditByActor(_ context.Context, actorUserID string, limit int) ([]*domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AuditEntry
	for _, e := range s.audits {
		if e.ActorUserID == actorUserID {
			cp := *e
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Audits returns a snapshot of every audit entry, newest last.
func (s *MockStore) Audits() []*domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.AuditEntry, len(s.audits))
	copy(out, s.audits)
	return out
}

// AuditsByAction filters the audit log by action.
func (s *MockStore) AuditsByAction(action domain.AuditAction) []*domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AuditEntry
	for _, e := range s.audits {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (s *MockStore) Ping(context.Context) error { return nil }
func (s *MockStore) Close() error               { return nil }
