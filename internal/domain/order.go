package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the book side an order rests on.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType as understood by the venue.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
	OrderTypeStop   OrderType = "stop"
)

// Venue order statuses as reported over REST.
const (
	ExchangeStatusPending  = "pending"
	ExchangeStatusOpen     = "open"
	ExchangeStatusActive   = "active"
	ExchangeStatusDone     = "done"
	ExchangeStatusRejected = "rejected"
)

// Venue done reasons.
const (
	DoneReasonFilled   = "filled"
	DoneReasonCanceled = "canceled"
)

// OrderRequest is the body of a create-order call.
type OrderRequest struct {
	ClientOID string
	ProductID string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Size      decimal.Decimal
	Funds     decimal.Decimal
	PostOnly  bool
}

// ExchangeOrder is the venue's view of an order.
type ExchangeOrder struct {
	ID            string
	ClientOID     string
	ProductID     string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	ExecutedValue decimal.Decimal
	FillFees      decimal.Decimal
	Status        string
	DoneReason    string
	Settled       bool
	CreatedAt     time.Time
}

// IsOpen checks if the order is still resting at the venue.
func (o *ExchangeOrder) IsOpen() bool {
	switch o.Status {
	case ExchangeStatusPending, ExchangeStatusOpen, ExchangeStatusActive:
		return true
	}
	return false
}

// IsFilled reports a done order whose executed size equals its requested size.
func (o *ExchangeOrder) IsFilled() bool {
	if o.Status != ExchangeStatusDone {
		return false
	}
	if o.DoneReason == DoneReasonFilled {
		return true
	}
	return !o.Size.IsZero() && o.FilledSize.Equal(o.Size)
}

// PlaceKind discriminates the outcome of a create-order call.
type PlaceKind int

const (
	// Created means the venue accepted a new order.
	Created PlaceKind = iota + 1
	// AlreadyExists means the client_oid was known; Order is the existing one.
	AlreadyExists
)

func (k PlaceKind) String() string {
	switch k {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// PlaceOutcome is the result of PlaceOrder.
type PlaceOutcome struct {
	Kind  PlaceKind
	Order ExchangeOrder
}

// CancelKind discriminates the outcome of a cancel call.
type CancelKind int

const (
	CancelAccepted CancelKind = iota + 1
	// CancelAlreadyDone means the order finished before the cancel landed.
	CancelAlreadyDone
	CancelRejected
)

func (k CancelKind) String() string {
	switch k {
	case CancelAccepted:
		return "accepted"
	case CancelAlreadyDone:
		return "already_done"
	case CancelRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// CancelOutcome is the result of CancelOrder. Reason is set for rejections.
type CancelOutcome struct {
	Kind   CancelKind
	Reason string
}
