package riskalert

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	"tradedesk/internal/mock"
	apperrors "tradedesk/pkg/errors"
	"tradedesk/pkg/logging"
)

type engineFixture struct {
	engine   *Engine
	store    *mock.MockStore
	market   *mock.MockMarketData
	notifier *mock.MockNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	f := &engineFixture{
		store:    mock.NewMockStore(),
		market:   mock.NewMockMarketData(),
		notifier: mock.NewMockNotifier(),
	}
	f.engine = NewEngine(&config.AlertsConfig{
		EvalBudgetMS: 500,
		ScanCap:      100,
		SummaryMax:   20,
		PoolSize:     4,
		PoolBuffer:   32,
	}, f.store, f.market, f.notifier, logger)
	return f
}

func (f *engineFixture) seedOwner(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.store.PutUser(context.Background(), &domain.User{
		UserID:    userID,
		ChatID:    "U" + userID,
		Role:      domain.RolePortfolioManager,
		Status:    domain.UserActive,
		CreatedAt: time.Now().UTC(),
	}, core.WriteOptions{}))
}

func (f *engineFixture) seedAlert(t *testing.T, owner, size, loss, vix string) *domain.RiskAlertConfig {
	t.Helper()
	a := &domain.RiskAlertConfig{
		AlertID:            uuid.NewString(),
		OwnerUserID:        owner,
		Name:               "watch",
		TradeSizeThreshold: decimal.RequireFromString(size),
		LossPctThreshold:   decimal.RequireFromString(loss),
		VIXThreshold:       decimal.RequireFromString(vix),
		MonitorNew:         true,
		Status:             domain.AlertActive,
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, f.store.PutAlert(context.Background(), a, core.WriteOptions{}))
	return a
}

func filledTrade(userID, symbol string, qty int64, entry, fill string) *domain.Trade {
	now := time.Now().UTC()
	return &domain.Trade{
		TradeID:        uuid.NewString(),
		UserID:         userID,
		Symbol:         symbol,
		Side:           domain.SideBuy,
		Quantity:       qty,
		OrderType:      domain.OrderMarket,
		EntryPrice:     decimal.RequireFromString(entry),
		Status:         domain.TradeFilled,
		FilledQuantity: qty,
		FillPrice:      decimal.RequireFromString(fill),
		Venue:          domain.VenueSimulator,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCheckTradeTriggersMatchingAlert(t *testing.T) {
	f := newEngineFixture(t)
	f.seedOwner(t, "pm1")
	// Entry 100, current 90: loss 10%. VIX default 20. Size = 1000 x 90.
	f.market.SetPrice("AAPL", "90")
	alert := f.seedAlert(t, "pm1", "50000", "5", "15")

	tr := filledTrade("analyst-1", "AAPL", 1000, "100", "90")
	f.engine.CheckTrade(core.TradeExecuted{Trade: tr, CorrelationID: "c1", EmittedAt: time.Now()})

	require.Eventually(t, func() bool {
		return len(f.notifier.ByKind("alert")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.store.GetAlert(context.Background(), alert.AlertID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TriggerCount)

	events, err := f.store.ListTriggerEvents(context.Background(), alert.AlertID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, tr.TradeID, events[0].TradeID)
	assert.Equal(t, "AAPL", events[0].Context["symbol"])
	assert.Len(t, f.store.AuditsByAction(domain.AuditAlertTriggered), 1)
}

func TestPredicateTiesCountAsMatches(t *testing.T) {
	f := newEngineFixture(t)
	f.market.SetPrice("AAPL", "95") // loss exactly 5%
	f.market.VIX = decimal.RequireFromString("25")
	alert := &domain.RiskAlertConfig{
		TradeSizeThreshold: decimal.RequireFromString("95000"), // exactly 1000 x 95
		LossPctThreshold:   decimal.RequireFromString("5"),
		VIXThreshold:       decimal.RequireFromString("25"),
	}
	tr := filledTrade("u1", "AAPL", 1000, "100", "95")

	_, match := f.engine.predicate(context.Background(), alert, tr, f.market.VIX)
	assert.True(t, match, "equality on every threshold must match")
}

func TestPredicateMissingQuoteTreatsLossAsZero(t *testing.T) {
	f := newEngineFixture(t)
	// No price seeded for AAPL.
	tr := filledTrade("u1", "AAPL", 1000, "100", "100")

	blocked := &domain.RiskAlertConfig{
		TradeSizeThreshold: decimal.Zero,
		LossPctThreshold:   decimal.RequireFromString("1"),
		VIXThreshold:       decimal.Zero,
	}
	_, match := f.engine.predicate(context.Background(), blocked, tr, decimal.RequireFromString("30"))
	assert.False(t, match)

	zeroThreshold := &domain.RiskAlertConfig{
		TradeSizeThreshold: decimal.Zero,
		LossPctThreshold:   decimal.Zero,
		VIXThreshold:       decimal.Zero,
	}
	_, match = f.engine.predicate(context.Background(), zeroThreshold, tr, decimal.RequireFromString("30"))
	assert.True(t, match, "zero loss threshold still matches without a quote")
}

func TestPredicateGainIsClampedToZeroLoss(t *testing.T) {
	f := newEngineFixture(t)
	f.market.SetPrice("AAPL", "110") // buy is up, not down

	alert := &domain.RiskAlertConfig{
		TradeSizeThreshold: decimal.Zero,
		LossPctThreshold:   decimal.RequireFromString("1"),
		VIXThreshold:       decimal.Zero,
	}
	tr := filledTrade("u1", "AAPL", 100, "100", "100")
	m, match := f.engine.predicate(context.Background(), alert, tr, decimal.RequireFromString("30"))
	assert.False(t, match)
	assert.True(t, m.lossPct.IsZero())
}

func TestVIXFailureSkipsEvaluationWithAudit(t *testing.T) {
	f := newEngineFixture(t)
	f.seedOwner(t, "pm1")
	f.seedAlert(t, "pm1", "0", "0", "0")
	f.market.VIXErr = apperrors.ErrProviderDown

	tr := filledTrade("u1", "AAPL", 100, "100", "100")
	f.engine.CheckTrade(core.TradeExecuted{Trade: tr, CorrelationID: "c1"})

	require.Eventually(t, func() bool {
		return len(f.store.AuditsByAction(domain.AuditAlertEvalSkipped)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.notifier.ByKind("alert"))
}

func TestDuplicateTriggerPairIsSilent(t *testing.T) {
	f := newEngineFixture(t)
	f.seedOwner(t, "pm1")
	f.market.SetPrice("AAPL", "90")
	alert := f.seedAlert(t, "pm1", "0", "0", "0")

	tr := filledTrade("u1", "AAPL", 100, "100", "90")
	ev := core.TradeExecuted{Trade: tr, CorrelationID: "c1"}

	f.engine.CheckTrade(ev)
	require.Eventually(t, func() bool {
		return len(f.notifier.ByKind("alert")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Re-delivery of the same event must not notify twice.
	f.engine.CheckTrade(ev)
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, f.notifier.ByKind("alert"), 1)

	events, err := f.store.ListTriggerEvents(context.Background(), alert.AlertID, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestConcurrentTradesBothFireOneAlert(t *testing.T) {
	f := newEngineFixture(t)
	f.seedOwner(t, "pm1")
	f.market.SetPrice("AAPL", "90")
	alert := f.seedAlert(t, "pm1", "0", "0", "0")

	// Two evaluations hold the same stale snapshot of the alert, as when a
	// pool with several workers lists the active set once per trade.
	stale1, stale2 := *alert, *alert
	tr1 := filledTrade("u1", "AAPL", 100, "100", "90")
	tr2 := filledTrade("u2", "AAPL", 200, "100", "90")

	ctx := context.Background()
	vix := decimal.NewFromInt(20)
	m1, ok := f.engine.predicate(ctx, &stale1, tr1, vix)
	require.True(t, ok)
	m2, ok := f.engine.predicate(ctx, &stale2, tr2, vix)
	require.True(t, ok)

	f.engine.trigger(ctx, &stale1, tr1, m1, "c1")
	f.engine.trigger(ctx, &stale2, tr2, m2, "c2")

	// The loser of the counter race must reload and still record its event.
	events, err := f.store.ListTriggerEvents(ctx, alert.AlertID, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	got, err := f.store.GetAlert(ctx, alert.AlertID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.TriggerCount)
	assert.Len(t, f.notifier.ByKind("alert"), 2)
}

func TestScanExistingSummarizesMatches(t *testing.T) {
	f := newEngineFixture(t)
	f.seedOwner(t, "pm1")
	f.market.SetPrice("AAPL", "90")
	f.market.SetPrice("MSFT", "200")
	alert := f.seedAlert(t, "pm1", "5000", "5", "0")
	alert.ScanExistingAtCreate = true

	ctx := context.Background()
	// Two matching AAPL trades (10% down), one MSFT trade that is up.
	for i := 0; i < 2; i++ {
		require.NoError(t, f.store.PutTrade(ctx, filledTrade("u1", "AAPL", 100, "100", "100"), core.WriteOptions{}))
	}
	require.NoError(t, f.store.PutTrade(ctx, filledTrade("u2", "MSFT", 100, "180", "180"), core.WriteOptions{}))

	res, err := f.engine.ScanExisting(ctx, alert)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Len(t, res.Matches, 2)

	summaries := f.notifier.ByKind("summary")
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].Count)

	got, err := f.store.GetAlert(ctx, alert.AlertID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.TriggerCount)
}

func TestScanExistingNoMatchesNoSummary(t *testing.T) {
	f := newEngineFixture(t)
	f.seedOwner(t, "pm1")
	f.market.SetPrice("AAPL", "100")
	alert := f.seedAlert(t, "pm1", "1000000000", "50", "90")

	res, err := f.engine.ScanExisting(context.Background(), alert)
	require.NoError(t, err)
	assert.Empty(t, res.Matches)
	assert.Empty(t, f.notifier.ByKind("summary"))
}
