package order

import (
	"crypto_mm/internal/book"
	"crypto_mm/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	priceDecimals = 2
	sizeDecimals  = 7

	bandSteps = 5
)

// RoundPrice rounds to the venue tick.
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(priceDecimals)
}

// RoundSize truncates to the venue's size precision so a size never
// exceeds the balance it was computed from.
func RoundSize(s decimal.Decimal) decimal.Decimal {
	return s.Truncate(sizeDecimals)
}

// Nudge moves p by step until no other price is closer than step. up picks
// the direction.
func Nudge(p decimal.Decimal, others []decimal.Decimal, step decimal.Decimal, up bool) decimal.Decimal {
	p = RoundPrice(p)
	if !step.IsPositive() {
		return p
	}
	// a neighbour blocks at most two consecutive positions
	for i := 0; i <= 2*len(others); i++ {
		if !crowded(p, others, step) {
			return p
		}
		if up {
			p = RoundPrice(p.Add(step))
		} else {
			p = RoundPrice(p.Sub(step))
		}
	}
	return p
}

// NudgeCapped nudges like Nudge, but when the result crosses capOut it
// nudges from p in the other direction instead.
func NudgeCapped(p decimal.Decimal, others []decimal.Decimal, step decimal.Decimal, up bool, capOut decimal.Decimal) decimal.Decimal {
	n := Nudge(p, others, step, up)
	if (up && n.GreaterThan(capOut)) || (!up && n.LessThan(capOut)) {
		return Nudge(p, others, step, !up)
	}
	return n
}

func crowded(p decimal.Decimal, others []decimal.Decimal, step decimal.Decimal) bool {
	for _, x := range others {
		if x.Sub(p).Abs().LessThan(step) {
			return true
		}
	}
	return false
}

// AdjustToTicker keeps a price on its own side of the last trade: a buy at
// or above the ticker drops to ticker-spread, a sell at or below it rises
// to ticker+spread.
func AdjustToTicker(p decimal.Decimal, side domain.Side, ticker, spread decimal.Decimal) decimal.Decimal {
	if !ticker.IsPositive() {
		return RoundPrice(p)
	}
	if side == domain.SideBuy && p.GreaterThanOrEqual(ticker) {
		return RoundPrice(ticker.Sub(spread))
	}
	if side == domain.SideSell && p.LessThanOrEqual(ticker) {
		return RoundPrice(ticker.Add(spread))
	}
	return RoundPrice(p)
}

// ClampToBook keeps a limit price from crossing the book: buys stay below
// the best ask, sells above the best bid.
func ClampToBook(p decimal.Decimal, side domain.Side, snap book.Snapshot, step decimal.Decimal) decimal.Decimal {
	if side == domain.SideBuy {
		if ask, ok := snap.BestAsk(); ok && p.GreaterThanOrEqual(ask.Price) {
			return RoundPrice(ask.Price.Sub(step))
		}
		return RoundPrice(p)
	}
	if bid, ok := snap.BestBid(); ok && p.LessThanOrEqual(bid.Price) {
		return RoundPrice(bid.Price.Add(step))
	}
	return RoundPrice(p)
}

// AdjustToWall finds the first level at or after minIndex on the order's
// side holding at least wallSize and prices just in front of it: buys one
// step above a bid wall, sells one step below an ask wall.
func AdjustToWall(snap book.Snapshot, side domain.Side, minIndex int, wallSize, step decimal.Decimal) (decimal.Decimal, bool) {
	idx, wall, ok := snap.FindWall(side, minIndex, wallSize)
	if !ok {
		return decimal.Zero, false
	}
	up := side == domain.SideBuy
	if idx == 0 {
		// the wall is the top of book; stay behind it
		up = !up
	}
	if up {
		return RoundPrice(wall.Price.Add(step)), true
	}
	return RoundPrice(wall.Price.Sub(step)), true
}

// BandPrice is the edge of the acceptable band for a side: best bid+spread
// for sells, best ask-spread for buys. The edge is pushed outward in
// spread/3 steps while the depth between it and the top is thinner than
// minDepth, at most five times.
func BandPrice(snap book.Snapshot, side domain.Side, spread, minDepth decimal.Decimal) (decimal.Decimal, bool) {
	bit := spread.Div(decimal.NewFromInt(3))
	if side == domain.SideSell {
		bid, ok := snap.BestBid()
		if !ok {
			return decimal.Zero, false
		}
		edge := bid.Price.Add(spread)
		for i := 0; i < bandSteps; i++ {
			depth := snap.DepthToPrice(edge, domain.SideSell)
			if depth.IsZero() || depth.GreaterThanOrEqual(minDepth) {
				break
			}
			edge = edge.Add(bit)
		}
		return RoundPrice(edge), true
	}

	ask, ok := snap.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	edge := ask.Price.Sub(spread)
	for i := 0; i < bandSteps; i++ {
		depth := snap.DepthToPrice(edge, domain.SideBuy)
		if depth.IsZero() || depth.GreaterThanOrEqual(minDepth) {
			break
		}
		edge = edge.Sub(bit)
	}
	return RoundPrice(edge), true
}

// AmountAboveSpread is p minus the band edge for the side. Positive means
// the order sits above the edge.
func AmountAboveSpread(p decimal.Decimal, side domain.Side, snap book.Snapshot, spread, minDepth decimal.Decimal) (decimal.Decimal, bool) {
	edge, ok := BandPrice(snap, side, spread, minDepth)
	if !ok {
		return decimal.Zero, false
	}
	return RoundPrice(p.Sub(edge)), true
}
