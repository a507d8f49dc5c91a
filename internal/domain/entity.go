package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FillRecord is the audit row emitted for every filled order.
type FillRecord struct {
	OrderID       string          `gorm:"primaryKey" json:"order_id"`
	ClientOID     string          `gorm:"index" json:"client_oid"`
	ProductID     string          `gorm:"index" json:"product_id"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `gorm:"type:text" json:"price"`
	Size          decimal.Decimal `gorm:"type:text" json:"size"`
	ExecutedValue decimal.Decimal `gorm:"type:text" json:"executed_value"`
	FillFees      decimal.Decimal `gorm:"type:text" json:"fill_fees"`
	Counterpart   string          `json:"counterpart,omitempty"`
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:text" json:"realized_pnl"`
	HasPnL        bool            `gorm:"column:has_pnl" json:"has_pnl"`
	FilledAt      time.Time       `gorm:"index" json:"filled_at"`
	CreatedAt     time.Time       `json:"created_at"`
}
