package mock

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	apperrors "tradedesk/pkg/errors"
)

// MockMarketData implements core.IMarketData with fixed prices.
type MockMarketData struct {
	mu       sync.RWMutex
	Prices   map[string]decimal.Decimal
	VIX      decimal.Decimal
	Open     bool
	QuoteErr error
	VIXErr   error
}

var _ core.IMarketData = (*MockMarketData)(nil)

func NewMockMarketData() *MockMarketData {
	return &MockMarketData{
		Prices: map[string]decimal.Decimal{},
		VIX:    decimal.RequireFromString("20"),
		Open:   true,
	}
}

func (m *MockMarketData) SetPrice(symbol, price string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[symbol] = decimal.RequireFromString(price)
}

func (m *MockMarketData) GetQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.QuoteErr != nil {
		return nil, m.QuoteErr
	}
	price, ok := m.Prices[symbol]
	if !ok {
		return nil, apperrors.ErrSymbolUnknown
	}
	return &domain.Quote{
		Symbol: symbol,
		Price:  price,
		AsOf:   time.Now().UTC(),
	}, nil
}

func (m *MockMarketData) GetVIX(context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.VIXErr != nil {
		return decimal.Zero, m.VIXErr
	}
	return m.VIX, nil
}

func (m *MockMarketData) IsMarketOpen(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Open, nil
}

func (m *MockMarketData) ValidateSymbol(_ context.Context, symbol string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !core.ValidSymbolShape(symbol) {
		return false, nil
	}
	_, ok := m.Prices[symbol]
	return ok, nil
}

// MockBroker implements core.IBroker with scriptable fills.
type MockBroker struct {
	mu          sync.Mutex
	Account     core.BrokerAccount
	Orders      map[string]*core.BrokerOrder
	SubmitErr   error
	AccountErr  error
	Submitted   []*domain.Trade
	nextOrderID int
}

var _ core.IBroker = (*MockBroker)(nil)

func NewMockBroker() *MockBroker {
	return &MockBroker{
		Account: core.BrokerAccount{BuyingPower: decimal.RequireFromString("1000000")},
		Orders:  map[string]*core.BrokerOrder{},
	}
}

func (b *MockBroker) GetAccount(context.Context) (*core.BrokerAccount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.AccountErr != nil {
		return nil, b.AccountErr
	}
	acct := b.Account
	return &acct, nil
}

// SubmitOrder records the trade and immediately marks the order filled at
// the entry price unless a script overrode it.
func (b *MockBroker) SubmitOrder(_ context.Context, t *domain.Trade) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubmitErr != nil {
		return "", b.SubmitErr
	}
	b.nextOrderID++
	id := "ord-" + time.Now().UTC().Format("150405") + "-" + string(rune('a'+b.nextOrderID%26))
	b.Submitted = append(b.Submitted, t)
	if _, scripted := b.Orders[id]; !scripted {
		b.Orders[id] = &core.BrokerOrder{
			OrderID:        id,
			Status:         "filled",
			FilledQuantity: t.Quantity,
			AvgFillPrice:   t.EntryPrice,
			FilledAt:       time.Now().UTC(),
		}
	}
	return id, nil
}

func (b *MockBroker) GetOrder(_ context.Context, orderID string) (*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.Orders[orderID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (b *MockBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.Orders[orderID]; ok {
		o.Status = "canceled"
	}
	return nil
}

func (b *MockBroker) IsSymbolTradable(_ context.Context, symbol string) (bool, error) {
	return core.ValidSymbolShape(symbol), nil
}

// Notification captures one delivered message for assertions.
type Notification struct {
	Kind   string // confirmation, alert, summary, modal_update
	UserID string
	Trade  *domain.Trade
	Alert  *domain.RiskAlertConfig
	Event  *domain.AlertTriggerEvent
	Count  int
}

// MockNotifier implements core.INotifier, recording every delivery.
type MockNotifier struct {
	mu       sync.Mutex
	Sent     []Notification
	FailKind string // deliveries of this kind fail
}

var _ core.INotifier = (*MockNotifier)(nil)

func NewMockNotifier() *MockNotifier { return &MockNotifier{} }

func (n *MockNotifier) record(note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FailKind == note.Kind {
		return apperrors.ErrTimeout
	}
	n.Sent = append(n.Sent, note)
	return nil
}

func (n *MockNotifier) SendConfirmation(_ context.Context, user *domain.User, t *domain.Trade) error {
	return n.record(Notification{Kind: "confirmation", UserID: user.UserID, Trade: t})
}

func (n *MockNotifier) SendAlert(_ context.Context, user *domain.User, alert *domain.RiskAlertConfig, t *domain.Trade, ev *domain.AlertTriggerEvent) error {
	return n.record(Notification{Kind: "alert", UserID: user.UserID, Trade: t, Alert: alert, Event: ev})
}

func (n *MockNotifier) SendSummary(_ context.Context, user *domain.User, alert *domain.RiskAlertConfig, matches []*domain.AlertTriggerEvent) error {
	return n.record(Notification{Kind: "summary", UserID: user.UserID, Alert: alert, Count: len(matches)})
}

func (n *MockNotifier) UpdateModal(_ context.Context, viewID string, _ any) error {
	return n.record(Notification{Kind: "modal_update", UserID: viewID})
}

// ByKind returns captured notifications of one kind.
func (n *MockNotifier) ByKind(kind string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, s := range n.Sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}
