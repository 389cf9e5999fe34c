package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	apperrors "tradedesk/pkg/errors"
	"tradedesk/pkg/logging"
)

func newTestStore(t *testing.T, maxTxRows int) *SQLiteStore {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	s, err := NewSQLiteStore(&config.PersistenceConfig{
		DBPath:       filepath.Join(t.TempDir(), "test.db"),
		MaxTxRows:    maxTxRows,
		CacheTTL:     300,
		CachePurge:   600,
		RetryEnabled: true,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testTrade(userID, symbol string) *domain.Trade {
	now := time.Now().UTC()
	return &domain.Trade{
		TradeID:        uuid.NewString(),
		UserID:         userID,
		Symbol:         symbol,
		Side:           domain.SideBuy,
		Quantity:       100,
		OrderType:      domain.OrderMarket,
		EntryPrice:     decimal.RequireFromString("150.25"),
		EntrySource:    domain.EntryPriceQuote,
		Status:         domain.TradeFilled,
		ExecutionID:    uuid.NewString(),
		FillPrice:      decimal.RequireFromString("150.30"),
		FilledQuantity: 100,
		Commission:     decimal.Zero,
		Venue:          domain.VenueSimulator,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testAudit(action domain.AuditAction, actor string) *domain.AuditEntry {
	return &domain.AuditEntry{
		AuditID:       uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		ActorUserID:   actor,
		Action:        action,
		Severity:      domain.SeverityInfo,
		CorrelationID: uuid.NewString(),
	}
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t, 25)
	ctx := context.Background()

	now := time.Now().UTC()
	u := &domain.User{
		UserID:      "u1",
		ChatID:      "U123ABC",
		DisplayName: "Pat",
		Role:        domain.RoleTrader,
		Status:      domain.UserActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.PutUser(ctx, u, core.WriteOptions{}))

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, u.ChatID, got.ChatID)
	assert.Equal(t, domain.RoleTrader, got.Role)

	byChat, err := s.GetUserByChatID(ctx, "U123ABC")
	require.NoError(t, err)
	assert.Equal(t, "u1", byChat.UserID)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestPutTradeIdempotent(t *testing.T) {
	s := newTestStore(t, 25)
	ctx := context.Background()

	tr := testTrade("u1", "AAPL")
	opts := core.WriteOptions{OpID: "op-1"}
	require.NoError(t, s.PutTrade(ctx, tr, opts))

	// A replay with the same op id is an accepted no-op even if the payload
	// drifted.
	mutated := *tr
	mutated.Status = domain.TradeRejected
	require.NoError(t, s.PutTrade(ctx, &mutated, opts))

	got, err := s.GetTrade(ctx, "u1", tr.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeFilled, got.Status)
	assert.True(t, got.FillPrice.Equal(tr.FillPrice))
}

func TestListTrades(t *testing.T) {
	s := newTestStore(t, 25)
	ctx := context.Background()

	for i, sym := range []string{"AAPL", "AAPL", "MSFT"} {
		tr := testTrade("u1", sym)
		tr.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.PutTrade(ctx, tr, core.WriteOptions{}))
	}

	bySym, err := s.ListTradesBySymbol(ctx, "AAPL", 10)
	require.NoError(t, err)
	assert.Len(t, bySym, 2)
	// Most recent first.
	assert.True(t, !bySym[0].CreatedAt.Before(bySym[1].CreatedAt))

	byStatus, err := s.ListTradesByStatus(ctx, domain.TradeFilled, 2)
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	byUser, err := s.ListUserTrades(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, byUser, 3)
}

func TestCommitExecutionAtomic(t *testing.T) {
	s := newTestStore(t, 25)
	ctx := context.Background()

	tr := testTrade("u1", "AAPL")
	pos := &domain.Position{UserID: "u1", Symbol: "AAPL", UpdatedAt: tr.UpdatedAt}
	pos.Apply(tr)
	entry := testAudit(domain.AuditTradeExecuted, "u1")

	opts := core.WriteOptions{OpID: "exec-1", CorrelationID: entry.CorrelationID}
	require.NoError(t, s.CommitExecution(ctx, tr, pos, entry, opts))

	got, err := s.GetPosition(ctx, "u1", "AAPL")
	require.NoError(t, err)
	assert.EqualValues(t, 100, got.NetQuantity)

	audits, err := s.ListAuditByActor(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, domain.AuditTradeExecuted, audits[0].Action)

	// Replay is a no-op: no duplicate audit rows.
	require.NoError(t, s.CommitExecution(ctx, tr, pos, testAudit(domain.AuditTradeExecuted, "u1"), opts))
	audits, err = s.ListAuditByActor(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}

func TestCommitExecutionFallbackRecompute(t *testing.T) {
	// A row budget below the atomic transaction size forces the deferred
	// position path.
	s := newTestStore(t, 2)
	ctx := context.Background()

	tr := testTrade("u1", "AAPL")
	pos := &domain.Position{UserID: "u1", Symbol: "AAPL"}
	pos.Apply(tr)
	require.NoError(t, s.CommitExecution(ctx, tr, pos, testAudit(domain.AuditTradeExecuted, "u1"), core.WriteOptions{OpID: "exec-2"}))

	// The trade is durable immediately.
	_, err := s.GetTrade(ctx, "u1", tr.TradeID)
	require.NoError(t, err)

	// The position converges asynchronously.
	require.Eventually(t, func() bool {
		p, err := s.GetPosition(ctx, "u1", "AAPL")
		return err == nil && p.NetQuantity == 100
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRecomputePositionReplaysTerminalTrades(t *testing.T) {
	s := newTestStore(t, 25)
	ctx := context.Background()

	base := time.Now().UTC()
	buy := testTrade("u1", "AAPL")
	buy.FillPrice = decimal.RequireFromString("10")
	buy.CreatedAt = base
	require.NoError(t, s.PutTrade(ctx, buy, core.WriteOptions{}))

	sell := testTrade("u1", "AAPL")
	sell.Side = domain.SideSell
	sell.Quantity, sell.FilledQuantity = 40, 40
	sell.FillPrice = decimal.RequireFromString("12")
	sell.CreatedAt = base.Add(time.Second)
	require.NoError(t, s.PutTrade(ctx, sell, core.WriteOptions{}))

	pending := testTrade("u1", "AAPL")
	pending.Status = domain.TradePending
	pending.CreatedAt = base.Add(2 * time.Second)
	require.NoError(t, s.PutTrade(ctx, pending, core.WriteOptions{}))

	p, err := s.RecomputePosition(ctx, "u1", "AAPL")
	require.NoError(t, err)
	assert.EqualValues(t, 60, p.NetQuantity)
	assert.True(t, p.RealizedPnL.Equal(decimal.RequireFromString("80")), "pnl %s", p.RealizedPnL)
}

func TestAlertLifecycle(t *testing.T) {
	s := newTestStore(t, 25)
	ctx := context.Background()

	now := time.Now().UTC()
	a := &domain.RiskAlertConfig{
		AlertID:            "a1",
		OwnerUserID:        "pm1",
		Name:               "big loss watch",
		TradeSizeThreshold: decimal.RequireFromString("100000"),
		LossPctThreshold:   decimal.RequireFromString("5"),
		VIXThreshold:       decimal.RequireFromString("25"),
		MonitorNew:         true,
		Status:             domain.AlertActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, s.PutAlert(ctx, a, core.WriteOptions{OpID: "alert-1"}))

	active, err := s.ListActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	// Soft delete drops it from both listings.
	a.Status = domain.AlertDeleted
	a.UpdatedAt = a.UpdatedAt.Add(time.Second)
	require.NoError(t, s.PutAlert(ctx, a, core.WriteOptions{}))

	active, err = s.ListActiveAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	owned, err := s.ListAlertsByOwner(ctx, "pm1")
	require.NoError(t, err)
	assert.Empty(t, owned)

	// The row itself survives.
	got, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertDeleted, got.Status)
}

func TestCachedReadsAreIsolatedCopies(t *testing.T) {
	s := newTestStore(t, 25)
	ctx := context.Background()

	now := time.Now().UTC()
	a := &domain.RiskAlertConfig{
		AlertID:            "a1",
		OwnerUserID:        "pm1",
		Name:               "big loss watch",
		TradeSizeThreshold: decimal.RequireFromString("100000"),
		LossPctThreshold:   decimal.RequireFromString("5"),
		VIXThreshold:       decimal.RequireFromString("25"),
		MonitorNew:         true,
		Status:             domain.AlertActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, s.PutAlert(ctx, a, core.WriteOptions{OpID: "alert-1"}))

	first, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)

	// Mutating a read result must not leak into the cache entry, even when
	// the caller never writes the change back.
	first.Status = domain.AlertDeleted
	first.TriggerCount = 99

	second, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertActive, second.Status)
	assert.EqualValues(t, 0, second.TriggerCount)

	require.NoError(t, s.PutUser(ctx, &domain.User{
		UserID:    "u1",
		ChatID:    "C1",
		Role:      domain.RoleTrader,
		Status:    domain.UserActive,
		CreatedAt: now,
	}, core.WriteOptions{}))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	u.Status = domain.UserSuspended

	again, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.UserActive, again.Status)
}

func TestIncrementTriggerCountConditional(t *testing.T) {
	s := newTestStore(t, 25)
	ctx := context.Background()

	now := time.Now().UTC()
	a := &domain.RiskAlertConfig{
		AlertID:            "a1",
		OwnerUserID:        "pm1",
		TradeSizeThreshold: decimal.NewFromInt(1),
		LossPctThreshold:   decimal.NewFromInt(1),
		VIXThreshold:       decimal.NewFromInt(1),
		Status:             domain.AlertActive,
		CreatedAt:          now,
	}
	require.NoError(t, s.PutAlert(ctx, a, core.WriteOptions{}))

	require.NoError(t, s.IncrementTriggerCount(ctx, "a1", 0))
	// Stale expected value loses the race.
	err := s.IncrementTriggerCount(ctx, "a1", 0)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	got, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TriggerCount)
}

func TestAppendTriggerEventUniquePerTrade(t *testing.T) {
	s := newTestStore(t, 25)
	ctx := context.Background()

	e := &domain.AlertTriggerEvent{
		EventID:     uuid.NewString(),
		AlertID:     "a1",
		TradeID:     "t1",
		OwnerUserID: "pm1",
		TradeSize:   decimal.RequireFromString("150000"),
		LossPct:     decimal.RequireFromString("6.5"),
		VIXLevel:    decimal.RequireFromString("28"),
		Context:     map[string]string{"symbol": "AAPL", "side": "buy"},
		TriggeredAt: time.Now().UTC(),
	}
	require.NoError(t, s.AppendTriggerEvent(ctx, e))

	dup := *e
	dup.EventID = uuid.NewString()
	err := s.AppendTriggerEvent(ctx, &dup)
	assert.ErrorIs(t, err, apperrors.ErrDuplicateOp)

	events, err := s.ListTriggerEvents(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "AAPL", events[0].Context["symbol"])
}

func TestDecodeTradeMissingRequiredField(t *testing.T) {
	_, err := decodeTrade([]byte(`{"trade_id":"t1","user_id":"u1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol")
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	tr := testTrade("u1", "AAPL")
	data, err := encodeTrade(tr)
	require.NoError(t, err)

	// Simulate a newer writer adding a field.
	patched := append([]byte(`{"future_field":"x",`), data[1:]...)
	got, err := decodeTrade(patched)
	require.NoError(t, err)
	assert.Equal(t, tr.TradeID, got.TradeID)
}
