package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is the last trade seen for a product, either from the stream
// (match or ticker messages) or from the REST ticker endpoint.
type Ticker struct {
	ProductID string          `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      Side            `json:"side"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	Sequence  int64           `json:"sequence"`
	Time      time.Time       `json:"time"`
}

// ProductStats holds the 24h stats of a product.
type ProductStats struct {
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Last   decimal.Decimal `json:"last"`
	Volume decimal.Decimal `json:"volume"`
}

// BookEntry is one resting order of a level-3 REST snapshot.
type BookEntry struct {
	Price   decimal.Decimal
	Size    decimal.Decimal
	OrderID string
}

// BookSnapshot is the REST "full book" used to seed the streamed book.
type BookSnapshot struct {
	Sequence int64
	Bids     []BookEntry
	Asks     []BookEntry
}

// SplitProduct splits "ETH-USD" into base "ETH" and quote "USD".
func SplitProduct(productID string) (base, quote string, err error) {
	for i := 0; i < len(productID); i++ {
		if productID[i] == '-' {
			if i == 0 || i == len(productID)-1 {
				break
			}
			return productID[:i], productID[i+1:], nil
		}
	}
	return "", "", ErrInvalidProduct
}
