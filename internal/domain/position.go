package domain

import "github.com/shopspring/decimal"

// Apply folds one filled trade into the position. Buys that extend a long
// (or sells that extend a short) move the cost basis to the volume-weighted
// average of the opening fills; fills that reduce exposure realize PnL
// against the basis and leave it unchanged until the position flips, at
// which point the excess re-opens at the fill price.
//
// Trades that did not fill anything are ignored. Callers replay trades in
// created_at order; the fold is deterministic for a fixed order.
func (p *Position) Apply(t *Trade) {
	if t.FilledQuantity <= 0 || t.FillPrice.IsZero() {
		return
	}
	qty := t.SignedFilledQuantity()
	price := t.FillPrice

	switch {
	case p.NetQuantity == 0 || sameSign(p.NetQuantity, qty):
		// Opening or extending.
		total := absInt(p.NetQuantity) + absInt(qty)
		open := p.CostBasis.Mul(decimal.NewFromInt(absInt(p.NetQuantity)))
		fill := price.Mul(decimal.NewFromInt(absInt(qty)))
		p.CostBasis = Money(open.Add(fill).Div(decimal.NewFromInt(total)))
		p.NetQuantity += qty

	case absInt(qty) <= absInt(p.NetQuantity):
		// Reducing. Realized PnL is (exit - basis) x closed, signed so that
		// closing a long at a higher price is a gain and covering a short at
		// a lower price is a gain.
		closed := decimal.NewFromInt(absInt(qty))
		diff := price.Sub(p.CostBasis)
		if p.NetQuantity < 0 {
			diff = diff.Neg()
		}
		p.RealizedPnL = Money(p.RealizedPnL.Add(diff.Mul(closed)))
		p.NetQuantity += qty
		if p.NetQuantity == 0 {
			p.CostBasis = decimal.Zero
		}

	default:
		// Crossing zero: close the whole position, then re-open the excess
		// at the fill price.
		closed := decimal.NewFromInt(absInt(p.NetQuantity))
		diff := price.Sub(p.CostBasis)
		if p.NetQuantity < 0 {
			diff = diff.Neg()
		}
		p.RealizedPnL = Money(p.RealizedPnL.Add(diff.Mul(closed)))
		p.NetQuantity += qty
		p.CostBasis = Money(price)
	}
	if t.UpdatedAt.After(p.UpdatedAt) {
		p.UpdatedAt = t.UpdatedAt
	}
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
