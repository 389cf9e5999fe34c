package e2e

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/chat"
	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	"tradedesk/internal/execution"
	"tradedesk/internal/mock"
	"tradedesk/internal/orchestrator"
	"tradedesk/internal/riskalert"
	"tradedesk/internal/simulator"
	"tradedesk/internal/store"
	"tradedesk/pkg/logging"
)

// Block and action ids as the chat platform sends them.
const (
	symbolBlock   = "symbol_block"
	symbolAction  = "trade_symbol"
	qtyBlock      = "quantity_block"
	qtyAction     = "trade_quantity"
	notionalBlock = "notional_block"
	notionalInput = "trade_notional"
)

// recordingSurface satisfies the orchestrator's chat surface and records
// deliveries.
type recordingSurface struct {
	mu      sync.Mutex
	opened  []string
	views   map[string]*chat.View
	updates map[string][]*chat.View
	dms     []string
}

func newRecordingSurface() *recordingSurface {
	return &recordingSurface{
		views:   map[string]*chat.View{},
		updates: map[string][]*chat.View{},
	}
}

func (r *recordingSurface) OpenView(_ context.Context, _ string, view *chat.View) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := "V" + uuid.NewString()[:8]
	r.opened = append(r.opened, id)
	r.views[id] = view
	return id, nil
}

func (r *recordingSurface) lastViewID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.opened) == 0 {
		return ""
	}
	return r.opened[len(r.opened)-1]
}

func (r *recordingSurface) UpdateView(_ context.Context, viewID string, view *chat.View) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[viewID] = append(r.updates[viewID], view)
	return nil
}

func (r *recordingSurface) PublishHome(context.Context, string, *chat.View) error { return nil }

func (r *recordingSurface) OpenDM(_ context.Context, chatUserID string) (string, error) {
	return "D-" + chatUserID, nil
}

func (r *recordingSurface) PostMessage(_ context.Context, channelID, text string, _ []*chat.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dms = append(r.dms, channelID+": "+text)
	return nil
}

func (r *recordingSurface) PostEphemeral(context.Context, string, string, string) error { return nil }

// desk wires the real store, router, simulator and alert engine with a
// mock market feed and chat surface.
type desk struct {
	store    *store.SQLiteStore
	market   *mock.MockMarketData
	notifier *mock.MockNotifier
	engine   *riskalert.Engine
	router   *execution.Router
	surface  *recordingSurface
	orch     *orchestrator.Orchestrator
}

func newDesk(t *testing.T, brokerCfg *config.BrokerConfig) *desk {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	st, err := store.NewSQLiteStore(&config.PersistenceConfig{
		DBPath:       filepath.Join(t.TempDir(), "desk.db"),
		MaxTxRows:    10,
		CacheTTL:     300,
		CachePurge:   600,
		RetryEnabled: true,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	market := mock.NewMockMarketData()
	notifier := mock.NewMockNotifier()
	engine := riskalert.NewEngine(&config.AlertsConfig{
		EvalBudgetMS: 500,
		ScanCap:      100,
		SummaryMax:   20,
		PoolSize:     2,
		PoolBuffer:   64,
	}, st, market, notifier, logger)

	if brokerCfg == nil {
		brokerCfg = &config.BrokerConfig{}
	}
	router := execution.NewRouter(brokerCfg, st, nil, simulator.New(logger), market, engine.CheckTrade, logger)

	surface := newRecordingSurface()
	cfg := config.DefaultConfig()
	orch := orchestrator.New(cfg, st, market, router, engine, nil, surface, logger)

	return &desk{
		store:    st,
		market:   market,
		notifier: notifier,
		engine:   engine,
		router:   router,
		surface:  surface,
		orch:     orch,
	}
}

func (d *desk) seedUser(t *testing.T, chatID string, role domain.Role) *domain.User {
	t.Helper()
	now := time.Now().UTC()
	u := &domain.User{
		UserID:      "u-" + chatID,
		ChatID:      chatID,
		DisplayName: chatID,
		Role:        role,
		Status:      domain.UserActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, d.store.PutUser(context.Background(), u, core.WriteOptions{}))
	return u
}

func (d *desk) openModal(t *testing.T, chatID, symbol string) string {
	t.Helper()
	require.NoError(t, d.orch.HandleSlashCommand(context.Background(), &chat.SlashCommand{
		Command:   "/trade",
		Text:      symbol,
		UserID:    chatID,
		ChannelID: "C-TRADING",
		TriggerID: "trig-" + uuid.NewString()[:8],
	}))
	viewID := d.surface.lastViewID()
	require.NotEmpty(t, viewID)
	return viewID
}

func submitInteraction(viewID, chatID string, values map[string]map[string]chat.StateValue) *chat.Interaction {
	return &chat.Interaction{
		Type: chat.InteractionViewSubmission,
		User: chat.UserRef{ID: chatID},
		View: chat.InteractionView{
			ID:         viewID,
			CallbackID: orchestrator.CallbackTradeModal,
			State:      chat.ViewState{Values: values},
		},
	}
}

func tradeValues(symbol, qty string) map[string]map[string]chat.StateValue {
	return map[string]map[string]chat.StateValue{
		symbolBlock: {symbolAction: {Value: symbol}},
		qtyBlock:    {qtyAction: {Value: qty}},
	}
}

// Simulated buy through the whole stack: modal, derivation, router,
// simulator fill, atomic persistence and position update.
func TestSimulatedBuyFullyFilled(t *testing.T) {
	d := newDesk(t, nil)
	user := d.seedUser(t, "analyst-1", domain.RoleTrader)
	d.market.SetPrice("AAPL", "150.00")

	viewID := d.openModal(t, "analyst-1", "AAPL")

	// quantity entry derives the notional
	require.NoError(t, d.orch.HandleInteraction(context.Background(), &chat.Interaction{
		Type:    chat.InteractionBlockActions,
		User:    chat.UserRef{ID: "analyst-1"},
		View:    chat.InteractionView{ID: viewID},
		Actions: []chat.Action{{ActionID: qtyAction, Value: "100"}},
	}))

	require.NoError(t, d.orch.HandleInteraction(context.Background(),
		submitInteraction(viewID, "analyst-1", tradeValues("AAPL", "100"))))

	trades, err := d.store.ListUserTrades(context.Background(), user.UserID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	trade := trades[0]
	assert.Equal(t, domain.TradeFilled, trade.Status)
	assert.EqualValues(t, 100, trade.FilledQuantity)
	assert.Equal(t, domain.VenueSimulator, trade.Venue)

	// slippage is bounded; the fill tracks the quote closely
	lo := decimal.RequireFromString("149")
	hi := decimal.RequireFromString("151")
	assert.True(t, trade.FillPrice.GreaterThan(lo) && trade.FillPrice.LessThan(hi),
		"fill price %s outside band", trade.FillPrice)

	pos, err := d.store.GetPosition(context.Background(), user.UserID, "AAPL")
	require.NoError(t, err)
	assert.EqualValues(t, 100, pos.NetQuantity)
	assert.True(t, pos.CostBasis.Equal(trade.FillPrice))

	audits, err := d.store.ListAuditByActor(context.Background(), user.UserID, 50)
	require.NoError(t, err)
	var executed int
	for _, a := range audits {
		if a.Action == domain.AuditTradeExecuted {
			executed++
		}
	}
	assert.Equal(t, 1, executed)

	events, err := d.store.ListTriggerEvents(context.Background(), "none", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// Typing a notional derives a floored quantity while the typed amount is
// preserved.
func TestNotionalDrivenDerivation(t *testing.T) {
	d := newDesk(t, nil)
	d.seedUser(t, "analyst-1", domain.RoleTrader)
	d.market.SetPrice("AAPL", "33.33")

	viewID := d.openModal(t, "analyst-1", "AAPL")

	require.NoError(t, d.orch.HandleInteraction(context.Background(), &chat.Interaction{
		Type:    chat.InteractionBlockActions,
		User:    chat.UserRef{ID: "analyst-1"},
		View:    chat.InteractionView{ID: viewID},
		Actions: []chat.Action{{ActionID: notionalInput, Value: "1000.00"}},
	}))

	updates := d.surface.updates[viewID]
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	var qty, notional string
	for _, b := range last.Blocks {
		switch b.BlockID {
		case qtyBlock:
			qty = b.Element.InitialValue
		case notionalBlock:
			notional = b.Element.InitialValue
		}
	}
	assert.Equal(t, "30", qty)
	assert.Equal(t, "1000.00", notional)
}

// With a live-looking base URL the router must refuse the real broker and
// downgrade to the simulator with an audit trail.
func TestLiveEndpointDowngradesToSimulator(t *testing.T) {
	d := newDesk(t, nil)
	user := d.seedUser(t, "analyst-1", domain.RoleTrader)

	// broker reachable but its base URL points at a live host: the router
	// must refuse it and run the trade in the simulator
	router := execution.NewRouter(&config.BrokerConfig{
		UseRealTrading: true,
		Enabled:        true,
		APIKeyID:       "PKTESTKEY",
		BaseURL:        "https://api.broker.example.com",
		PaperHost:      "paper-api.broker.example.com",
	}, d.store, mock.NewMockBroker(), simulator.New(mustLogger(t)), d.market, d.engine.CheckTrade, mustLogger(t))

	now := time.Now().UTC()
	trade := &domain.Trade{
		TradeID:     uuid.NewString(),
		UserID:      user.UserID,
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Quantity:    10,
		OrderType:   domain.OrderMarket,
		EntryPrice:  decimal.RequireFromString("150"),
		EntrySource: domain.EntryPriceQuote,
		Status:      domain.TradePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	report, err := router.Execute(context.Background(), trade, core.WriteOptions{
		OpID:          uuid.NewString(),
		CorrelationID: uuid.NewString(),
		ActorUserID:   user.UserID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.VenueSimulator, report.Venue)

	audits, err := d.store.ListAuditByActor(context.Background(), user.UserID, 50)
	require.NoError(t, err)
	var downgrades int
	for _, a := range audits {
		if a.Action == domain.AuditRoutingDowngrade {
			downgrades++
		}
	}
	assert.Equal(t, 1, downgrades)
}

func mustLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return logger
}

// A trade matching all three predicates fires the alert exactly once and
// DMs the owner.
func TestAlertTriggersOnLiveTrade(t *testing.T) {
	d := newDesk(t, nil)
	pm := d.seedUser(t, "pm-7", domain.RolePortfolioManager)
	trader := d.seedUser(t, "trader-3", domain.RoleTrader)

	alert := &domain.RiskAlertConfig{
		AlertID:            uuid.NewString(),
		OwnerUserID:        pm.UserID,
		Name:               "Big drawdown",
		TradeSizeThreshold: decimal.RequireFromString("10000"),
		LossPctThreshold:   decimal.RequireFromString("3"),
		VIXThreshold:       decimal.RequireFromString("20"),
		MonitorNew:         true,
		Status:             domain.AlertActive,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}
	require.NoError(t, d.store.PutAlert(context.Background(), alert, core.WriteOptions{}))

	// entry at 150, market now at 145: 3.33% down, VIX above threshold
	d.market.SetPrice("AAPL", "145")
	d.market.VIX = decimal.RequireFromString("22")

	now := time.Now().UTC()
	trade := &domain.Trade{
		TradeID:     uuid.NewString(),
		UserID:      trader.UserID,
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Quantity:    100,
		OrderType:   domain.OrderMarket,
		EntryPrice:  decimal.RequireFromString("150"),
		EntrySource: domain.EntryPriceQuote,
		Status:      domain.TradePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := d.router.Execute(context.Background(), trade, core.WriteOptions{
		OpID:          uuid.NewString(),
		CorrelationID: uuid.NewString(),
		ActorUserID:   trader.UserID,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(d.notifier.ByKind("alert")) == 1
	}, 3*time.Second, 20*time.Millisecond, "alert DM not delivered")

	got, err := d.store.GetAlert(context.Background(), alert.AlertID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TriggerCount)

	events, err := d.store.ListTriggerEvents(context.Background(), alert.AlertID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, trade.TradeID, events[0].TradeID)
	assert.True(t, events[0].LossPct.GreaterThanOrEqual(decimal.RequireFromString("3")))

	sent := d.notifier.ByKind("alert")
	assert.Equal(t, pm.UserID, sent[0].UserID)
}

// A redelivered submission replays as a store no-op: one trade, one
// position update, one execution audit.
func TestIdempotentResubmission(t *testing.T) {
	d := newDesk(t, nil)
	user := d.seedUser(t, "analyst-1", domain.RoleTrader)
	d.market.SetPrice("AAPL", "150")

	viewID := d.openModal(t, "analyst-1", "AAPL")
	ia := submitInteraction(viewID, "analyst-1", tradeValues("AAPL", "100"))

	require.NoError(t, d.orch.HandleInteraction(context.Background(), ia))
	require.NoError(t, d.orch.HandleInteraction(context.Background(), ia))

	trades, err := d.store.ListUserTrades(context.Background(), user.UserID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	pos, err := d.store.GetPosition(context.Background(), user.UserID, "AAPL")
	require.NoError(t, err)
	assert.EqualValues(t, 100, pos.NetQuantity)

	audits, err := d.store.ListAuditByActor(context.Background(), user.UserID, 50)
	require.NoError(t, err)
	var executed int
	for _, a := range audits {
		if a.Action == domain.AuditTradeExecuted {
			executed++
		}
	}
	assert.Equal(t, 1, executed)
}

// Creating an alert with an immediate scan produces one summary DM for
// all qualifying historical trades.
func TestScanExistingSummarizesMatches(t *testing.T) {
	d := newDesk(t, nil)
	pm := d.seedUser(t, "pm-7", domain.RolePortfolioManager)
	trader := d.seedUser(t, "trader-3", domain.RoleTrader)

	d.market.SetPrice("AAPL", "140")
	d.market.VIX = decimal.RequireFromString("25")

	for i := 0; i < 3; i++ {
		now := time.Now().UTC()
		trade := &domain.Trade{
			TradeID:        uuid.NewString(),
			UserID:         trader.UserID,
			Symbol:         "AAPL",
			Side:           domain.SideBuy,
			Quantity:       100,
			OrderType:      domain.OrderMarket,
			EntryPrice:     decimal.RequireFromString("150"),
			EntrySource:    domain.EntryPriceQuote,
			Status:         domain.TradeFilled,
			FilledQuantity: 100,
			FillPrice:      decimal.RequireFromString("150"),
			Venue:          domain.VenueSimulator,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		require.NoError(t, d.store.PutTrade(context.Background(), trade, core.WriteOptions{}))
	}

	alert := &domain.RiskAlertConfig{
		AlertID:              uuid.NewString(),
		OwnerUserID:          pm.UserID,
		Name:                 "Historic drawdown",
		TradeSizeThreshold:   decimal.RequireFromString("10000"),
		LossPctThreshold:     decimal.RequireFromString("3"),
		VIXThreshold:         decimal.RequireFromString("20"),
		MonitorNew:           true,
		ScanExistingAtCreate: true,
		Status:               domain.AlertActive,
		CreatedAt:            time.Now().UTC(),
		UpdatedAt:            time.Now().UTC(),
	}
	require.NoError(t, d.store.PutAlert(context.Background(), alert, core.WriteOptions{}))

	res, err := d.engine.ScanExisting(context.Background(), alert)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Len(t, res.Matches, 3)

	summaries := d.notifier.ByKind("summary")
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].Count)

	events, err := d.store.ListTriggerEvents(context.Background(), alert.AlertID, 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
