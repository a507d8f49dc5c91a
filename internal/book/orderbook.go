// Package book keeps a level-3 order book in sync with a sequenced diff feed.
//
// An OrderBook is owned by a single writer. Other goroutines read it through
// Snapshot, which returns a point-in-time copy.
package book

import (
	"errors"
	"fmt"

	"crypto_mm/internal/domain"

	"github.com/shopspring/decimal"
)

var (
	// ErrBookCorrupt means an event contradicts the book (maker mismatch on
	// match). The book must be rebuilt from a fresh snapshot.
	ErrBookCorrupt = errors.New("book corrupt")

	// ErrInvalidEvent means the event cannot be applied as given.
	ErrInvalidEvent = errors.New("invalid book event")
)

// EventType of a full-channel message.
type EventType string

const (
	EventReceived EventType = "received"
	EventOpen     EventType = "open"
	EventDone     EventType = "done"
	EventMatch    EventType = "match"
	EventChange   EventType = "change"
	EventActivate EventType = "activate"
)

// Event is a decoded book diff.
//
// Size carries remaining_size for open, size for match and new_size for
// change. A zero Price means the venue sent none (market orders).
type Event struct {
	Type         EventType
	Sequence     int64
	Side         domain.Side
	OrderID      string
	Price        decimal.Decimal
	Size         decimal.Decimal
	HasSize      bool
	MakerOrderID string
	TakerOrderID string
}

// ApplyResult tells the caller what Apply did with an event.
type ApplyResult int

const (
	Applied ApplyResult = iota + 1
	// Stale events (sequence <= book) are dropped.
	Stale
	// Gap means sequence > book+1. Nothing was applied; rebuild the book.
	Gap
	// Rejected events returned an error and were not applied.
	Rejected
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OrderBook is a two-sided level-3 book with a sequence counter.
type OrderBook struct {
	bids     *ladder
	asks     *ladder
	sequence int64
}

// New returns an empty book at sequence 0.
func New() *OrderBook {
	return &OrderBook{
		bids: newLadder(true),
		asks: newLadder(false),
	}
}

// FromSnapshot builds a fresh book from a REST snapshot.
func FromSnapshot(snap *domain.BookSnapshot) (*OrderBook, error) {
	b := New()
	for _, e := range snap.Bids {
		if err := b.insert(domain.SideBuy, e.OrderID, e.Price, e.Size); err != nil {
			return nil, err
		}
	}
	for _, e := range snap.Asks {
		if err := b.insert(domain.SideSell, e.OrderID, e.Price, e.Size); err != nil {
			return nil, err
		}
	}
	b.sequence = snap.Sequence
	return b, nil
}

// Sequence returns the sequence of the last applied event.
func (b *OrderBook) Sequence() int64 {
	return b.sequence
}

func (b *OrderBook) ladderFor(side domain.Side) (*ladder, error) {
	switch side {
	case domain.SideBuy:
		return b.bids, nil
	case domain.SideSell:
		return b.asks, nil
	}
	return nil, fmt.Errorf("%w: side %q", ErrInvalidEvent, side)
}

// Apply checks the sequence and dispatches ev. The book sequence only moves
// when the result is Applied.
func (b *OrderBook) Apply(ev Event) (ApplyResult, error) {
	switch {
	case ev.Sequence <= b.sequence:
		return Stale, nil
	case ev.Sequence > b.sequence+1:
		return Gap, nil
	}

	var err error
	switch ev.Type {
	case EventOpen:
		err = b.ApplyOpen(ev)
	case EventDone:
		err = b.ApplyDone(ev)
	case EventMatch:
		err = b.ApplyMatch(ev)
	case EventChange:
		err = b.ApplyChange(ev)
	}
	if err != nil {
		return Rejected, err
	}

	b.sequence = ev.Sequence
	return Applied, nil
}

// ApplyOpen appends a resident order to the FIFO at (side, price).
func (b *OrderBook) ApplyOpen(ev Event) error {
	if ev.OrderID == "" || !ev.Price.IsPositive() || !ev.HasSize {
		return fmt.Errorf("%w: open %q missing fields", ErrInvalidEvent, ev.OrderID)
	}
	return b.insert(ev.Side, ev.OrderID, ev.Price, ev.Size)
}

func (b *OrderBook) insert(side domain.Side, id string, price, size decimal.Decimal) error {
	l, err := b.ladderFor(side)
	if err != nil {
		return err
	}
	lvl := l.getOrCreate(price)
	lvl.Orders = append(lvl.Orders, &ResidentOrder{ID: id, Size: size})
	return nil
}

// ApplyDone removes the resident order. Unknown ids and price-less dones are
// no-ops, so applying the same done twice is harmless.
func (b *OrderBook) ApplyDone(ev Event) error {
	if ev.Price.IsZero() {
		return nil
	}
	l, err := b.ladderFor(ev.Side)
	if err != nil {
		return err
	}
	lvl := l.get(ev.Price)
	if lvl == nil {
		return nil
	}
	i := lvl.indexOf(ev.OrderID)
	if i < 0 {
		return nil
	}
	lvl.removeAt(i)
	if len(lvl.Orders) == 0 {
		l.remove(ev.Price)
	}
	return nil
}

// ApplyMatch reduces the maker at the head of the level. ev.Side is the
// maker side.
func (b *OrderBook) ApplyMatch(ev Event) error {
	l, err := b.ladderFor(ev.Side)
	if err != nil {
		return err
	}
	lvl := l.get(ev.Price)
	if lvl == nil || len(lvl.Orders) == 0 {
		return fmt.Errorf("%w: no %s level at %s for maker %s", ErrBookCorrupt, ev.Side, ev.Price, ev.MakerOrderID)
	}
	head := lvl.Orders[0]
	if head.ID != ev.MakerOrderID {
		return fmt.Errorf("%w: head %s at %s, match maker %s", ErrBookCorrupt, head.ID, ev.Price, ev.MakerOrderID)
	}

	remaining := head.Size.Sub(ev.Size)
	if remaining.IsPositive() {
		head.Size = remaining
		return nil
	}
	lvl.removeAt(0)
	if len(lvl.Orders) == 0 {
		l.remove(ev.Price)
	}
	return nil
}

// ApplyChange overwrites the size of a resident order. Orders that are gone
// and changes without new_size are ignored.
func (b *OrderBook) ApplyChange(ev Event) error {
	if !ev.HasSize {
		return nil
	}
	l, err := b.ladderFor(ev.Side)
	if err != nil {
		return err
	}
	lvl := l.get(ev.Price)
	if lvl == nil {
		return nil
	}
	i := lvl.indexOf(ev.OrderID)
	if i < 0 {
		return nil
	}
	lvl.Orders[i].Size = ev.Size
	return nil
}

// Depth returns the number of price levels per side.
func (b *OrderBook) Depth() (bids, asks int) {
	return b.bids.len(), b.asks.len()
}

// Snapshot copies the book. The copy shares nothing with the live book.
func (b *OrderBook) Snapshot() Snapshot {
	return Snapshot{
		Sequence: b.sequence,
		Bids:     b.bids.copyLevels(),
		Asks:     b.asks.copyLevels(),
	}
}
