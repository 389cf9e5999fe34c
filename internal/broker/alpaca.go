// Package broker wraps the Alpaca paper-trading API behind core.IBroker.
// The wrapper refuses to construct against anything but a paper account:
// the key id must carry the paper prefix and the endpoint must be the paper
// host, no matter what the rest of the configuration says.
package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	apperrors "tradedesk/pkg/errors"
)

// orderAPI is the slice of the Alpaca client the wrapper uses; tests swap in
// a fake.
type orderAPI interface {
	GetAccount() (*alpaca.Account, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetAsset(symbol string) (*alpaca.Asset, error)
}

// AlpacaBroker implements core.IBroker against the paper endpoint.
type AlpacaBroker struct {
	client orderAPI
	logger core.ILogger
}

var _ core.IBroker = (*AlpacaBroker)(nil)

func NewAlpacaBroker(cfg *config.BrokerConfig, logger core.ILogger) (*AlpacaBroker, error) {
	if !cfg.PaperModeSatisfied() {
		return nil, fmt.Errorf("broker config is not a paper account: %w", apperrors.ErrLiveTradingRefused)
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    string(cfg.APIKeyID),
		APISecret: string(cfg.APISecret),
		BaseURL:   cfg.BaseURL,
	})
	return &AlpacaBroker{
		client: client,
		logger: logger.WithField("component", "broker"),
	}, nil
}

func (b *AlpacaBroker) GetAccount(ctx context.Context) (*core.BrokerAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("account fetch: %w: %v", apperrors.ErrBrokerUnavailable, err)
	}
	return &core.BrokerAccount{
		BuyingPower: acct.BuyingPower,
		Blocked:     acct.TradingBlocked || acct.AccountBlocked,
	}, nil
}

func (b *AlpacaBroker) SubmitOrder(ctx context.Context, t *domain.Trade) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	qty := decimal.NewFromInt(t.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:      t.Symbol,
		Qty:         &qty,
		Side:        alpaca.Side(t.Side),
		Type:        orderType(t.OrderType),
		TimeInForce: alpaca.Day,
	}
	if t.OrderType.RequiresLimitPrice() {
		limit := t.LimitPrice
		req.LimitPrice = &limit
	}

	o, err := b.client.PlaceOrder(req)
	if err != nil {
		if isInsufficient(err) {
			return "", fmt.Errorf("order %s: %w", t.TradeID, apperrors.ErrInsufficientFunds)
		}
		return "", fmt.Errorf("order %s: %w: %v", t.TradeID, apperrors.ErrBrokerUnavailable, err)
	}
	b.logger.Info("order submitted",
		"trade_id", t.TradeID, "broker_order_id", o.ID, "symbol", t.Symbol)
	return o.ID, nil
}

func (b *AlpacaBroker) GetOrder(ctx context.Context, orderID string) (*core.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := b.client.GetOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("order fetch %s: %w: %v", orderID, apperrors.ErrBrokerUnavailable, err)
	}
	return mapOrder(o), nil
}

func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("order cancel %s: %w: %v", orderID, apperrors.ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *AlpacaBroker) IsSymbolTradable(ctx context.Context, symbol string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	asset, err := b.client.GetAsset(symbol)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return false, nil
		}
		return false, fmt.Errorf("asset fetch %s: %w: %v", symbol, apperrors.ErrBrokerUnavailable, err)
	}
	return asset.Tradable, nil
}

func orderType(t domain.OrderType) alpaca.OrderType {
	switch t {
	case domain.OrderLimit:
		return alpaca.Limit
	case domain.OrderStop:
		return alpaca.Stop
	case domain.OrderStopLimit:
		return alpaca.StopLimit
	default:
		return alpaca.Market
	}
}

func mapOrder(o *alpaca.Order) *core.BrokerOrder {
	out := &core.BrokerOrder{
		OrderID:        o.ID,
		Status:         o.Status,
		FilledQuantity: o.FilledQty.IntPart(),
	}
	if o.FilledAvgPrice != nil {
		out.AvgFillPrice = *o.FilledAvgPrice
	}
	if o.FilledAt != nil {
		out.FilledAt = *o.FilledAt
	}
	return out
}

func isInsufficient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient") || strings.Contains(msg, "buying power")
}
