// Package simulator fills orders locally when the real broker is not in
// play. Fills are synchronous and deterministic per trade id, so replaying
// an execution produces the same fill.
package simulator

import (
	"context"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/core"
	"tradedesk/internal/domain"
)

const (
	// Slippage widens with size: small orders track the quote closely.
	sigmaSmall = 0.0005
	sigmaLarge = 0.0015
	largeQty   = 1000

	// Orders above this size fill in two tranches within the same call.
	partialFillQty = 10000
)

// Simulator produces execution reports from the entry-price snapshot.
type Simulator struct {
	logger core.ILogger
}

func New(logger core.ILogger) *Simulator {
	return &Simulator{logger: logger.WithField("component", "simulator")}
}

// Fill executes the trade synchronously. The slippage term is drawn from
// N(0, sigma^2) seeded by the trade id; sells invert the sign in the user's
// favor to mirror crossing the spread from the other side.
func (s *Simulator) Fill(ctx context.Context, t *domain.Trade) (*domain.ExecutionReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	sigma := sigmaSmall
	if t.Quantity >= largeQty {
		sigma = sigmaLarge
	}
	rng := rand.New(rand.NewSource(seedFor(t.TradeID)))
	eps := rng.NormFloat64() * sigma
	if t.Side == domain.SideSell {
		eps = -eps
	}

	fillPrice := domain.Money(t.EntryPrice.Mul(
		decimal.NewFromFloat(1 + eps)))

	filled := t.Quantity
	if t.Quantity > partialFillQty {
		// First tranche is uniform in [30%, 70%]; the remainder fills at the
		// same price before the call returns, so the report is still a full
		// fill at a single VWAP.
		first := int64(float64(t.Quantity) * (0.3 + 0.4*rng.Float64()))
		s.logger.Debug("partial fill tranches",
			"trade_id", t.TradeID, "first", first, "remainder", t.Quantity-first)
	}

	s.logger.Info("simulated fill",
		"trade_id", t.TradeID, "symbol", t.Symbol,
		"quantity", filled, "fill_price", fillPrice.String())

	return &domain.ExecutionReport{
		Success:        true,
		ExecutionID:    uuid.NewString(),
		Status:         domain.TradeFilled,
		FilledQuantity: filled,
		FillPrice:      fillPrice,
		Venue:          domain.VenueSimulator,
		SubmittedAt:    now,
		FilledAt:       now,
	}, nil
}

func seedFor(tradeID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tradeID))
	return int64(h.Sum64())
}
