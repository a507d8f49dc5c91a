package feed

import (
	"errors"
	"fmt"
	"time"

	"crypto_mm/internal/book"
	"crypto_mm/internal/domain"

	"github.com/shopspring/decimal"
)

// Feed message types.
const (
	TypeSubscriptions = "subscriptions"
	TypeHeartbeat     = "heartbeat"
	TypeError         = "error"
	TypeTicker        = "ticker"
	TypeLastMatch     = "last_match"
)

// ErrMalformed marks a book message that is missing required fields.
var ErrMalformed = errors.New("malformed feed message")

// Message is one decoded feed frame. Which fields are set depends on Type.
type Message struct {
	Type      string `json:"type"`
	Sequence  *int64 `json:"sequence,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Time      string `json:"time,omitempty"`

	Side          string              `json:"side,omitempty"`
	OrderID       string              `json:"order_id,omitempty"`
	OrderType     string              `json:"order_type,omitempty"`
	Price         decimal.NullDecimal `json:"price"`
	Size          decimal.NullDecimal `json:"size"`
	RemainingSize decimal.NullDecimal `json:"remaining_size"`
	NewSize       decimal.NullDecimal `json:"new_size"`
	Reason        string              `json:"reason,omitempty"`

	TradeID      int64  `json:"trade_id,omitempty"`
	MakerOrderID string `json:"maker_order_id,omitempty"`
	TakerOrderID string `json:"taker_order_id,omitempty"`

	BestBid   decimal.NullDecimal `json:"best_bid"`
	BestAsk   decimal.NullDecimal `json:"best_ask"`
	LastSize  decimal.NullDecimal `json:"last_size"`
	Volume24h decimal.NullDecimal `json:"volume_24h"`

	// error frames
	Message string `json:"message,omitempty"`
}

// IsBookEvent reports whether the message is sequenced book traffic.
func (m *Message) IsBookEvent() bool {
	switch book.EventType(m.Type) {
	case book.EventReceived, book.EventOpen, book.EventDone, book.EventMatch, book.EventChange, book.EventActivate:
		return true
	}
	return false
}

// Timestamp parses Time, zero when absent or unparseable.
func (m *Message) Timestamp() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, m.Time)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func malformed(m *Message, field string) error {
	return fmt.Errorf("%w: %s without %s", ErrMalformed, m.Type, field)
}

// toEvent validates a book message and converts it to a book event.
func (m *Message) toEvent() (book.Event, error) {
	if m.Sequence == nil {
		return book.Event{}, malformed(m, "sequence")
	}
	ev := book.Event{
		Type:         book.EventType(m.Type),
		Sequence:     *m.Sequence,
		Side:         domain.Side(m.Side),
		OrderID:      m.OrderID,
		MakerOrderID: m.MakerOrderID,
		TakerOrderID: m.TakerOrderID,
	}
	if m.Price.Valid {
		ev.Price = m.Price.Decimal
	}

	switch ev.Type {
	case book.EventOpen:
		if !ev.Side.Valid() {
			return ev, malformed(m, "side")
		}
		if m.OrderID == "" {
			return ev, malformed(m, "order_id")
		}
		if !m.Price.Valid {
			return ev, malformed(m, "price")
		}
		if !m.RemainingSize.Valid {
			return ev, malformed(m, "remaining_size")
		}
		ev.Size, ev.HasSize = m.RemainingSize.Decimal, true
	case book.EventDone:
		if !ev.Side.Valid() {
			return ev, malformed(m, "side")
		}
		if m.OrderID == "" {
			return ev, malformed(m, "order_id")
		}
	case book.EventMatch:
		if !ev.Side.Valid() {
			return ev, malformed(m, "side")
		}
		if m.MakerOrderID == "" {
			return ev, malformed(m, "maker_order_id")
		}
		if !m.Price.Valid {
			return ev, malformed(m, "price")
		}
		if !m.Size.Valid {
			return ev, malformed(m, "size")
		}
		ev.Size, ev.HasSize = m.Size.Decimal, true
	case book.EventChange:
		if !ev.Side.Valid() {
			return ev, malformed(m, "side")
		}
		if m.OrderID == "" {
			return ev, malformed(m, "order_id")
		}
		if m.NewSize.Valid {
			ev.Size, ev.HasSize = m.NewSize.Decimal, true
		}
	}
	return ev, nil
}

// tickerFromMatch builds the current ticker from a trade.
func (m *Message) tickerFromMatch() domain.Ticker {
	t := domain.Ticker{
		ProductID: m.ProductID,
		Price:     m.Price.Decimal,
		Size:      m.Size.Decimal,
		Side:      domain.Side(m.Side),
		Time:      m.Timestamp(),
	}
	if m.Sequence != nil {
		t.Sequence = *m.Sequence
	}
	return t
}

// tickerFromTicker builds the current ticker from a ticker channel frame.
func (m *Message) tickerFromTicker() domain.Ticker {
	t := domain.Ticker{
		ProductID: m.ProductID,
		Price:     m.Price.Decimal,
		Size:      m.LastSize.Decimal,
		Side:      domain.Side(m.Side),
		Bid:       m.BestBid.Decimal,
		Ask:       m.BestAsk.Decimal,
		Volume:    m.Volume24h.Decimal,
		Time:      m.Timestamp(),
	}
	if m.Sequence != nil {
		t.Sequence = *m.Sequence
	}
	return t
}
