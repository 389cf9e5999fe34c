package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/config"
	"tradedesk/internal/domain"
	apperrors "tradedesk/pkg/errors"
	"tradedesk/pkg/logging"
)

type fakeOrderAPI struct {
	placed   []alpaca.PlaceOrderRequest
	placeErr error
	order    *alpaca.Order
	account  *alpaca.Account
}

func (f *fakeOrderAPI) GetAccount() (*alpaca.Account, error) { return f.account, nil }

func (f *fakeOrderAPI) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return f.order, nil
}

func (f *fakeOrderAPI) GetOrder(string) (*alpaca.Order, error) { return f.order, nil }
func (f *fakeOrderAPI) CancelOrder(string) error               { return nil }

func (f *fakeOrderAPI) GetAsset(symbol string) (*alpaca.Asset, error) {
	if symbol == "AAPL" {
		return &alpaca.Asset{Symbol: symbol, Tradable: true}, nil
	}
	return nil, errors.New("asset not found")
}

func newTestBroker(t *testing.T, api orderAPI) *AlpacaBroker {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return &AlpacaBroker{client: api, logger: logger}
}

func TestNewAlpacaBrokerRefusesLiveConfig(t *testing.T) {
	cfg := &config.BrokerConfig{
		UseRealTrading: true,
		Enabled:        true,
		APIKeyID:       "AKLIVEKEY", // live prefix
		APISecret:      "secret",
		BaseURL:        "https://api.alpaca.markets",
		PaperHost:      "paper-api.alpaca.markets",
	}
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	_, err = NewAlpacaBroker(cfg, logger)
	assert.ErrorIs(t, err, apperrors.ErrLiveTradingRefused)
}

func TestSubmitOrderMapsFields(t *testing.T) {
	filledAt := time.Now().UTC()
	avg := decimal.RequireFromString("150.30")
	api := &fakeOrderAPI{order: &alpaca.Order{
		ID:             "ord-1",
		Status:         "filled",
		FilledQty:      decimal.NewFromInt(100),
		FilledAvgPrice: &avg,
		FilledAt:       &filledAt,
	}}
	b := newTestBroker(t, api)

	tr := &domain.Trade{
		TradeID:    "t1",
		Symbol:     "AAPL",
		Side:       domain.SideBuy,
		Quantity:   100,
		OrderType:  domain.OrderLimit,
		LimitPrice: decimal.RequireFromString("151"),
	}
	id, err := b.SubmitOrder(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", id)

	require.Len(t, api.placed, 1)
	req := api.placed[0]
	assert.Equal(t, alpaca.Limit, req.Type)
	require.NotNil(t, req.LimitPrice)
	assert.True(t, req.LimitPrice.Equal(tr.LimitPrice))

	got, err := b.GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, got.FilledQuantity)
	assert.True(t, got.AvgFillPrice.Equal(avg))
}

func TestSubmitOrderInsufficientFunds(t *testing.T) {
	api := &fakeOrderAPI{placeErr: errors.New("403: insufficient buying power")}
	b := newTestBroker(t, api)

	_, err := b.SubmitOrder(context.Background(), &domain.Trade{
		TradeID: "t1", Symbol: "AAPL", Side: domain.SideBuy,
		Quantity: 1000000, OrderType: domain.OrderMarket,
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
}

func TestIsSymbolTradable(t *testing.T) {
	b := newTestBroker(t, &fakeOrderAPI{})

	ok, err := b.IsSymbolTradable(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.IsSymbolTradable(context.Background(), "ZZZZ")
	require.NoError(t, err)
	assert.False(t, ok)
}
