package execution

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
	"tradedesk/internal/simulator"
	apperrors "tradedesk/pkg/errors"
	"tradedesk/pkg/logging"
)

type routerFixture struct {
	router *Router
	store  *mock.MockStore
	broker *mock.MockBroker
	market *mock.MockMarketData
	events []core.TradeExecuted
}

func newFixture(t *testing.T, cfg *config.BrokerConfig, withBroker bool) *routerFixture {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	f := &routerFixture{store: mock.NewMockStore(), market: mock.NewMockMarketData()}
	if withBroker {
		f.broker = mock.NewMockBroker()
	}
	sink := func(ev core.TradeExecuted) { f.events = append(f.events, ev) }

	var broker core.IBroker
	if f.broker != nil {
		broker = f.broker
	}
	f.router = NewRouter(cfg, f.store, broker, simulator.New(logger), f.market, sink, logger)
	return f
}

func simConfig() *config.BrokerConfig {
	return &config.BrokerConfig{
		MaxPositionSize: 100000,
		MaxTradeValue:   10000000,
		FillPollBudget:  2,
	}
}

func paperConfig() *config.BrokerConfig {
	return &config.BrokerConfig{
		UseRealTrading:  true,
		Enabled:         true,
		APIKeyID:        "PKTESTKEY",
		APISecret:       "secret",
		BaseURL:         "https://paper-api.alpaca.markets",
		PaperHost:       "paper-api.alpaca.markets",
		MaxPositionSize: 100000,
		MaxTradeValue:   10000000,
		FillPollBudget:  2,
	}
}

func pendingTrade(userID string, qty int64, entry string) *domain.Trade {
	now := time.Now().UTC()
	return &domain.Trade{
		TradeID:     uuid.NewString(),
		UserID:      userID,
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Quantity:    qty,
		OrderType:   domain.OrderMarket,
		EntryPrice:  decimal.RequireFromString(entry),
		EntrySource: domain.EntryPriceQuote,
		Status:      domain.TradePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestExecuteSimulatedBuyFullyFilled(t *testing.T) {
	f := newFixture(t, simConfig(), false)
	ctx := context.Background()

	tr := pendingTrade("analyst-1", 100, "150.00")
	opts := core.WriteOptions{OpID: "op-1", CorrelationID: "corr-1", ActorUserID: "analyst-1"}
	report, err := f.router.Execute(ctx, tr, opts)
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, domain.TradeFilled, report.Status)
	assert.Equal(t, domain.VenueSimulator, report.Venue)
	assert.EqualValues(t, 100, report.FilledQuantity)

	stored, err := f.store.GetTrade(ctx, "analyst-1", tr.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeFilled, stored.Status)
	assert.False(t, stored.FillPrice.IsZero())

	pos, err := f.store.GetPosition(ctx, "analyst-1", "AAPL")
	require.NoError(t, err)
	assert.EqualValues(t, 100, pos.NetQuantity)
	assert.True(t, pos.CostBasis.Equal(stored.FillPrice))

	audits := f.store.AuditsByAction(domain.AuditTradeExecuted)
	require.Len(t, audits, 1)
	assert.Equal(t, "corr-1", audits[0].CorrelationID)

	require.Len(t, f.events, 1)
	assert.Equal(t, tr.TradeID, f.events[0].Trade.TradeID)
}

func TestExecuteRejectsBadInputsWithoutWrites(t *testing.T) {
	f := newFixture(t, simConfig(), false)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*domain.Trade)
		want   error
	}{
		{"zero quantity", func(tr *domain.Trade) { tr.Quantity = 0 }, apperrors.ErrValidation},
		{"bad symbol", func(tr *domain.Trade) { tr.Symbol = "aapl!" }, apperrors.ErrInvalidSymbol},
		{"not pending", func(tr *domain.Trade) { tr.Status = domain.TradeFilled }, apperrors.ErrValidation},
		{"limit without price", func(tr *domain.Trade) { tr.OrderType = domain.OrderLimit }, apperrors.ErrMissingLimitPrice},
		{"over position limit", func(tr *domain.Trade) { tr.Quantity = 200000 }, apperrors.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := pendingTrade("u1", 100, "150")
			tc.mutate(tr)
			_, err := f.router.Execute(ctx, tr, core.WriteOptions{})
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.store.Audits(), "rejected inputs must not write")
	assert.Empty(t, f.events)
}

func TestExecuteLiveEndpointRefused(t *testing.T) {
	cfg := paperConfig()
	cfg.BaseURL = "https://api.alpaca.markets" // live host
	f := newFixture(t, cfg, true)
	ctx := context.Background()

	tr := pendingTrade("trader-1", 50, "100")
	report, err := f.router.Execute(ctx, tr, core.WriteOptions{CorrelationID: "corr-3"})
	require.NoError(t, err)

	assert.Equal(t, domain.VenueSimulator, report.Venue, "live endpoint must never be dispatched")
	assert.Empty(t, f.broker.Submitted)

	downgrades := f.store.AuditsByAction(domain.AuditRoutingDowngrade)
	require.Len(t, downgrades, 1)
	assert.Equal(t, "live_endpoint_refused", downgrades[0].After["reason"])
	assert.Len(t, f.store.AuditsByAction(domain.AuditRoutingRefused), 1)
}

func TestExecuteBrokerPathFills(t *testing.T) {
	f := newFixture(t, paperConfig(), true)
	ctx := context.Background()

	tr := pendingTrade("trader-1", 10, "150")
	report, err := f.router.Execute(ctx, tr, core.WriteOptions{})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, domain.VenueBroker, report.Venue)
	assert.EqualValues(t, 10, report.FilledQuantity)
	require.Len(t, f.broker.Submitted, 1)
}

func TestExecuteMarketClosedNoSubmit(t *testing.T) {
	f := newFixture(t, paperConfig(), true)
	f.market.Open = false
	ctx := context.Background()

	_, err := f.router.Execute(ctx, pendingTrade("trader-1", 10, "150"), core.WriteOptions{})
	assert.ErrorIs(t, err, apperrors.ErrMarketClosed)
	assert.Empty(t, f.broker.Submitted)
	assert.Empty(t, f.store.AuditsByAction(domain.AuditTradeExecuted))
	assert.Empty(t, f.events)
}

func TestExecuteAfterHoursLimitOrderAllowed(t *testing.T) {
	cfg := paperConfig()
	cfg.AllowAfterHours = true
	f := newFixture(t, cfg, true)
	f.market.Open = false
	ctx := context.Background()

	tr := pendingTrade("trader-1", 10, "150")
	tr.OrderType = domain.OrderLimit
	tr.LimitPrice = decimal.RequireFromString("149")
	report, err := f.router.Execute(ctx, tr, core.WriteOptions{})
	require.NoError(t, err)

	assert.Equal(t, domain.VenueBroker, report.Venue)
	require.Len(t, f.broker.Submitted, 1)
}

func TestExecuteInsufficientFundsNoWrite(t *testing.T) {
	f := newFixture(t, paperConfig(), true)
	f.broker.Account.BuyingPower = decimal.RequireFromString("100")
	ctx := context.Background()

	_, err := f.router.Execute(ctx, pendingTrade("trader-1", 100, "150"), core.WriteOptions{})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.Empty(t, f.store.AuditsByAction(domain.AuditTradeExecuted))
	assert.Empty(t, f.events)
}

func TestExecuteBrokerUnavailableDowngradesThisCall(t *testing.T) {
	f := newFixture(t, paperConfig(), true)
	f.broker.AccountErr = apperrors.ErrBrokerUnavailable
	ctx := context.Background()

	tr := pendingTrade("trader-1", 10, "150")
	report, err := f.router.Execute(ctx, tr, core.WriteOptions{})
	require.NoError(t, err)

	assert.Equal(t, domain.VenueSimulator, report.Venue)
	downgrades := f.store.AuditsByAction(domain.AuditRoutingDowngrade)
	require.Len(t, downgrades, 1)
	assert.Equal(t, "broker_unavailable", downgrades[0].After["reason"])
}

func TestExecuteSellReducesPosition(t *testing.T) {
	f := newFixture(t, simConfig(), false)
	ctx := context.Background()

	buy := pendingTrade("u1", 100, "150")
	_, err := f.router.Execute(ctx, buy, core.WriteOptions{})
	require.NoError(t, err)

	sell := pendingTrade("u1", 40, "155")
	sell.Side = domain.SideSell
	_, err = f.router.Execute(ctx, sell, core.WriteOptions{})
	require.NoError(t, err)

	pos, err := f.store.GetPosition(ctx, "u1", "AAPL")
	require.NoError(t, err)
	assert.EqualValues(t, 60, pos.NetQuantity)
}
