package book

import (
	"sort"

	"github.com/shopspring/decimal"
)

// ResidentOrder is an order resting at a price level.
type ResidentOrder struct {
	ID   string          `json:"id"`
	Size decimal.Decimal `json:"size"`
}

// PriceLevel holds the resident orders at one price in arrival order.
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*ResidentOrder
}

// TotalSize sums the resident sizes. Never cached.
func (l *PriceLevel) TotalSize() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.Orders {
		total = total.Add(o.Size)
	}
	return total
}

func (l *PriceLevel) indexOf(id string) int {
	for i, o := range l.Orders {
		if o.ID == id {
			return i
		}
	}
	return -1
}

func (l *PriceLevel) removeAt(i int) {
	copy(l.Orders[i:], l.Orders[i+1:])
	l.Orders[len(l.Orders)-1] = nil
	l.Orders = l.Orders[:len(l.Orders)-1]
}

// priceKey canonicalises a price so 101.0 and 101 share a level.
func priceKey(p decimal.Decimal) string {
	return p.String()
}

// ladder is one side of the book: levels keyed by price plus a price index
// kept sorted best-first.
type ladder struct {
	levels map[string]*PriceLevel
	prices []decimal.Decimal
	desc   bool
}

func newLadder(desc bool) *ladder {
	return &ladder{
		levels: make(map[string]*PriceLevel),
		desc:   desc,
	}
}

func (l *ladder) better(a, b decimal.Decimal) bool {
	if l.desc {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// search returns the index where price is, or would be inserted.
func (l *ladder) search(price decimal.Decimal) int {
	return sort.Search(len(l.prices), func(i int) bool {
		return !l.better(l.prices[i], price)
	})
}

func (l *ladder) get(price decimal.Decimal) *PriceLevel {
	return l.levels[priceKey(price)]
}

func (l *ladder) getOrCreate(price decimal.Decimal) *PriceLevel {
	key := priceKey(price)
	if lvl, ok := l.levels[key]; ok {
		return lvl
	}
	lvl := &PriceLevel{Price: price}
	l.levels[key] = lvl

	i := l.search(price)
	l.prices = append(l.prices, decimal.Zero)
	copy(l.prices[i+1:], l.prices[i:])
	l.prices[i] = price
	return lvl
}

func (l *ladder) remove(price decimal.Decimal) {
	key := priceKey(price)
	if _, ok := l.levels[key]; !ok {
		return
	}
	delete(l.levels, key)

	i := l.search(price)
	if i < len(l.prices) && l.prices[i].Equal(price) {
		l.prices = append(l.prices[:i], l.prices[i+1:]...)
	}
}

func (l *ladder) len() int {
	return len(l.prices)
}

func (l *ladder) copyLevels() []Level {
	out := make([]Level, 0, len(l.prices))
	for _, p := range l.prices {
		lvl := l.levels[priceKey(p)]
		orders := make([]ResidentOrder, len(lvl.Orders))
		for i, o := range lvl.Orders {
			orders[i] = *o
		}
		out = append(out, Level{
			Price:  lvl.Price,
			Size:   lvl.TotalSize(),
			Orders: orders,
		})
	}
	return out
}
