package coinbase

import (
	"encoding/json"
	"fmt"
	"time"

	"crypto_mm/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	BaseURL = "https://api.exchange.coinbase.com"

	maxRetries      = 3
	pageLimit       = 100
	maxPages        = 20
	maxRateLimitGap = 30 * time.Second
)

type apiMessage struct {
	Message string `json:"message"`
}

type placeOrderRequest struct {
	ClientOID string `json:"client_oid"`
	ProductID string `json:"product_id"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Price     string `json:"price,omitempty"`
	Size      string `json:"size,omitempty"`
	Funds     string `json:"funds,omitempty"`
	PostOnly  bool   `json:"post_only,omitempty"`
}

type orderResponse struct {
	ID            string          `json:"id"`
	ClientOID     string          `json:"client_oid"`
	ProductID     string          `json:"product_id"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	ExecutedValue decimal.Decimal `json:"executed_value"`
	FillFees      decimal.Decimal `json:"fill_fees"`
	Status        string          `json:"status"`
	DoneReason    string          `json:"done_reason"`
	Settled       bool            `json:"settled"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (r orderResponse) toDomain() domain.ExchangeOrder {
	return domain.ExchangeOrder{
		ID:            r.ID,
		ClientOID:     r.ClientOID,
		ProductID:     r.ProductID,
		Side:          domain.Side(r.Side),
		Type:          domain.OrderType(r.Type),
		Price:         r.Price,
		Size:          r.Size,
		FilledSize:    r.FilledSize,
		ExecutedValue: r.ExecutedValue,
		FillFees:      r.FillFees,
		Status:        r.Status,
		DoneReason:    r.DoneReason,
		Settled:       r.Settled,
		CreatedAt:     r.CreatedAt,
	}
}

// bookResponse is the level 1/2/3 book. Each entry is
// [price, size, order_id] at level 3 and [price, size, num_orders] below.
type bookResponse struct {
	Sequence int64               `json:"sequence"`
	Bids     [][]json.RawMessage `json:"bids"`
	Asks     [][]json.RawMessage `json:"asks"`
}

func (r bookResponse) toDomain() (*domain.BookSnapshot, error) {
	snap := &domain.BookSnapshot{Sequence: r.Sequence}
	var err error
	if snap.Bids, err = parseEntries(r.Bids); err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	if snap.Asks, err = parseEntries(r.Asks); err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	return snap, nil
}

func parseEntries(rows [][]json.RawMessage) ([]domain.BookEntry, error) {
	out := make([]domain.BookEntry, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("entry %d: want at least 2 fields, got %d", i, len(row))
		}
		var e domain.BookEntry
		if err := json.Unmarshal(row[0], &e.Price); err != nil {
			return nil, fmt.Errorf("entry %d price: %w", i, err)
		}
		if err := json.Unmarshal(row[1], &e.Size); err != nil {
			return nil, fmt.Errorf("entry %d size: %w", i, err)
		}
		if len(row) > 2 {
			// level 3 carries the order id, level 2 an order count
			var id string
			if json.Unmarshal(row[2], &id) == nil {
				e.OrderID = id
			}
		}
		out = append(out, e)
	}
	return out, nil
}

type tickerResponse struct {
	TradeID int64           `json:"trade_id"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	Volume  decimal.Decimal `json:"volume"`
	Time    time.Time       `json:"time"`
}

type statsResponse struct {
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Last   decimal.Decimal `json:"last"`
	Volume decimal.Decimal `json:"volume"`
}

type accountResponse struct {
	ID        string          `json:"id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
	Hold      decimal.Decimal `json:"hold"`
}
