package book

import (
	"sort"

	"crypto_mm/internal/domain"

	"github.com/shopspring/decimal"
)

// Level is an immutable copy of a price level.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders []ResidentOrder `json:"orders"`
}

// Snapshot is a point-in-time copy of the book. Bids are best (highest)
// first, asks best (lowest) first.
type Snapshot struct {
	Sequence int64   `json:"sequence"`
	Bids     []Level `json:"bids"`
	Asks     []Level `json:"asks"`
}

// Levels returns one side of the snapshot.
func (s Snapshot) Levels(side domain.Side) []Level {
	if side == domain.SideBuy {
		return s.Bids
	}
	return s.Asks
}

// BestBid returns the highest bid level.
func (s Snapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask level.
func (s Snapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}

// Spread is best ask minus best bid.
func (s Snapshot) Spread() (decimal.Decimal, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// DepthToPrice sums resident size from the best price up to and including
// target: bids priced >= target, asks priced <= target.
func (s Snapshot) DepthToPrice(target decimal.Decimal, side domain.Side) decimal.Decimal {
	depth := decimal.Zero
	for _, lvl := range s.Levels(side) {
		if side == domain.SideBuy && lvl.Price.LessThan(target) {
			break
		}
		if side == domain.SideSell && lvl.Price.GreaterThan(target) {
			break
		}
		depth = depth.Add(lvl.Size)
	}
	return depth
}

// Volume is the total resident size of one side.
func (s Snapshot) Volume(side domain.Side) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range s.Levels(side) {
		total = total.Add(lvl.Size)
	}
	return total
}

// Walls returns the levels of one side holding at least minSize within
// withinPct of the best price.
func (s Snapshot) Walls(side domain.Side, minSize, withinPct decimal.Decimal) []Level {
	levels := s.Levels(side)
	if len(levels) == 0 {
		return nil
	}
	best := levels[0].Price
	band := best.Mul(withinPct)

	var walls []Level
	for _, lvl := range levels {
		if side == domain.SideBuy && lvl.Price.LessThan(best.Sub(band)) {
			break
		}
		if side == domain.SideSell && lvl.Price.GreaterThan(best.Add(band)) {
			break
		}
		if lvl.Size.GreaterThanOrEqual(minSize) {
			walls = append(walls, lvl)
		}
	}
	return walls
}

// WallSize averages the measure smallest walls found on both sides near the
// top of book. Zero when there are none. measure <= 0 averages all walls.
func (s Snapshot) WallSize(minSize, withinPct decimal.Decimal, measure int) decimal.Decimal {
	walls := append(s.Walls(domain.SideBuy, minSize, withinPct), s.Walls(domain.SideSell, minSize, withinPct)...)
	if len(walls) == 0 {
		return decimal.Zero
	}
	sort.Slice(walls, func(i, j int) bool {
		return walls[i].Size.GreaterThan(walls[j].Size)
	})
	if measure > 0 && measure < len(walls) {
		walls = walls[len(walls)-measure:]
	}

	total := decimal.Zero
	for _, w := range walls {
		total = total.Add(w.Size)
	}
	return total.Div(decimal.NewFromInt(int64(len(walls))))
}

// FindWall returns the first level at or after minIndex whose size reaches
// wallSize.
func (s Snapshot) FindWall(side domain.Side, minIndex int, wallSize decimal.Decimal) (int, Level, bool) {
	levels := s.Levels(side)
	for i := minIndex; i < len(levels); i++ {
		if levels[i].Size.GreaterThanOrEqual(wallSize) {
			return i, levels[i], true
		}
	}
	return -1, Level{}, false
}

// NextSupport is the first bid level larger than minQty.
func (s Snapshot) NextSupport(minQty decimal.Decimal) (Level, bool) {
	return firstAbove(s.Bids, minQty)
}

// NextResistance is the first ask level larger than minQty.
func (s Snapshot) NextResistance(minQty decimal.Decimal) (Level, bool) {
	return firstAbove(s.Asks, minQty)
}

func firstAbove(levels []Level, minQty decimal.Decimal) (Level, bool) {
	for _, lvl := range levels {
		if lvl.Size.GreaterThan(minQty) {
			return lvl, true
		}
	}
	return Level{}, false
}

// Equal compares two snapshots by value.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Sequence == o.Sequence && levelsEqual(s.Bids, o.Bids) && levelsEqual(s.Asks, o.Asks)
}

func levelsEqual(a, b []Level) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Price.Equal(b[i].Price) || !a[i].Size.Equal(b[i].Size) || len(a[i].Orders) != len(b[i].Orders) {
			return false
		}
		for j := range a[i].Orders {
			if a[i].Orders[j].ID != b[i].Orders[j].ID || !a[i].Orders[j].Size.Equal(b[i].Orders[j].Size) {
				return false
			}
		}
	}
	return true
}

// ToBookSnapshot flattens the snapshot into the REST snapshot shape, FIFO
// order preserved.
func (s Snapshot) ToBookSnapshot() *domain.BookSnapshot {
	out := &domain.BookSnapshot{Sequence: s.Sequence}
	for _, lvl := range s.Bids {
		for _, o := range lvl.Orders {
			out.Bids = append(out.Bids, domain.BookEntry{Price: lvl.Price, Size: o.Size, OrderID: o.ID})
		}
	}
	for _, lvl := range s.Asks {
		for _, o := range lvl.Orders {
			out.Asks = append(out.Asks, domain.BookEntry{Price: lvl.Price, Size: o.Size, OrderID: o.ID})
		}
	}
	return out
}
