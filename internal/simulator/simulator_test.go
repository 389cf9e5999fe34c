package simulator

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/domain"
	"tradedesk/pkg/logging"
)

func newSim(t *testing.T) *Simulator {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return New(logger)
}

func trade(id string, side domain.Side, qty int64, entry string) *domain.Trade {
	return &domain.Trade{
		TradeID:    id,
		Symbol:     "AAPL",
		Side:       side,
		Quantity:   qty,
		OrderType:  domain.OrderMarket,
		EntryPrice: decimal.RequireFromString(entry),
		Status:     domain.TradePending,
	}
}

func TestFillIsDeterministicPerTrade(t *testing.T) {
	s := newSim(t)
	ctx := context.Background()

	r1, err := s.Fill(ctx, trade("t1", domain.SideBuy, 100, "150"))
	require.NoError(t, err)
	r2, err := s.Fill(ctx, trade("t1", domain.SideBuy, 100, "150"))
	require.NoError(t, err)

	assert.True(t, r1.FillPrice.Equal(r2.FillPrice), "same trade id must replay the same fill")

	r3, err := s.Fill(ctx, trade("t2", domain.SideBuy, 100, "150"))
	require.NoError(t, err)
	assert.False(t, r1.FillPrice.Equal(r3.FillPrice), "different trade ids should diverge")
}

func TestFillAlwaysFullAndCommissionFree(t *testing.T) {
	s := newSim(t)

	r, err := s.Fill(context.Background(), trade("t1", domain.SideBuy, 250, "99.99"))
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, domain.TradeFilled, r.Status)
	assert.EqualValues(t, 250, r.FilledQuantity)
	assert.Equal(t, domain.VenueSimulator, r.Venue)
	assert.NotEmpty(t, r.ExecutionID)
}

func TestFillSlippageIsBounded(t *testing.T) {
	s := newSim(t)
	entry := decimal.RequireFromString("100")

	// Small orders use sigma 0.0005; 6 sigma is a generous envelope.
	for i := 0; i < 50; i++ {
		r, err := s.Fill(context.Background(), trade(string(rune('a'+i%26))+"x", domain.SideBuy, 10, "100"))
		require.NoError(t, err)
		dev := r.FillPrice.Sub(entry).Abs()
		assert.True(t, dev.LessThan(decimal.RequireFromString("0.31")),
			"deviation %s exceeds 6 sigma", dev)
	}
}

func TestLargeOrderStillFillsAtOneVWAP(t *testing.T) {
	s := newSim(t)

	r, err := s.Fill(context.Background(), trade("big", domain.SideBuy, 20000, "50"))
	require.NoError(t, err)
	assert.Equal(t, domain.TradeFilled, r.Status)
	assert.EqualValues(t, 20000, r.FilledQuantity)
}
