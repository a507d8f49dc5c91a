// Package order tracks a single exchange order through its lifecycle:
// unposted -> open -> filled | cancelled.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto_mm/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the local lifecycle state of an Order.
type Status string

const (
	StatusUnposted  Status = "unposted"
	StatusOpen      Status = "open"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports filled or cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

var takerFeeEstimate = decimal.RequireFromString("0.03")

// Balances returns freshly synced account balances.
type Balances interface {
	Sync(ctx context.Context) (domain.Balances, error)
}

// PostOptions control the checks Post runs before calling the venue.
type PostOptions struct {
	VerifyBalance bool
	Balances      Balances
	MinSize       decimal.Decimal
	// MarketPrice prices market orders for the funds check.
	MarketPrice decimal.Decimal
	PostOnly    bool
}

// Order is a locally managed exchange order. Counterpart and target links
// are ClientOID references, resolved by the owner's order map.
type Order struct {
	ClientOID string
	ID        string
	ProductID string
	Side      domain.Side
	Type      domain.OrderType
	Status    Status
	CreatedAt time.Time

	ExecutedValue decimal.Decimal
	FilledSize    decimal.Decimal
	FillFees      decimal.Decimal
	DoneReason    string
	Funds         decimal.Decimal

	price decimal.Decimal
	size  decimal.Decimal

	counterpart string
	target      *Order
	targetRef   string

	locked   bool
	validate func(*Order) error
	cycles   int
}

// New builds an unposted limit order.
func New(productID string, side domain.Side, price, size decimal.Decimal) *Order {
	return &Order{
		ClientOID: uuid.NewString(),
		ProductID: productID,
		Side:      side,
		Type:      domain.OrderTypeLimit,
		Status:    StatusUnposted,
		price:     RoundPrice(price),
		size:      RoundSize(size),
	}
}

// Price is the limit price, 2dp.
func (o *Order) Price() decimal.Decimal { return o.price }

// Size is the requested size, at most 7dp.
func (o *Order) Size() decimal.Decimal { return o.size }

// SetPrice changes the price of an unposted order.
func (o *Order) SetPrice(p decimal.Decimal) {
	o.price = RoundPrice(p)
}

// SetSize changes the size of an unposted order.
func (o *Order) SetSize(s decimal.Decimal) {
	o.size = RoundSize(s)
}

// IsPosted reports whether the venue has assigned an id.
func (o *Order) IsPosted() bool {
	return o.ID != ""
}

func (o *Order) String() string {
	id := o.ID
	if id == "" {
		id = o.ClientOID
	}
	return fmt.Sprintf("%s %s %s@%s [%s]", o.Side, o.ProductID, o.size, o.price, id)
}

// Post validates the order and sends it to the venue.
func (o *Order) Post(ctx context.Context, gw domain.OrderGateway, opts PostOptions) error {
	if o.IsPosted() || o.Status != StatusUnposted {
		return fmt.Errorf("%w: %s is %s", domain.ErrDuplicateOrder, o, o.Status)
	}
	if o.size.IsPositive() && o.size.LessThan(opts.MinSize) {
		return fmt.Errorf("%w: %s < %s", domain.ErrMinSizeViolation, o.size, opts.MinSize)
	}

	if opts.VerifyBalance && opts.Balances != nil {
		if err := o.verifyFunds(ctx, opts); err != nil {
			return err
		}
	}

	out, err := gw.PlaceOrder(ctx, domain.OrderRequest{
		ClientOID: o.ClientOID,
		ProductID: o.ProductID,
		Side:      o.Side,
		Type:      o.Type,
		Price:     o.price,
		Size:      o.size,
		Funds:     o.Funds,
		PostOnly:  opts.PostOnly,
	})
	if err != nil {
		return fmt.Errorf("post %s: %w", o, err)
	}
	// AlreadyExists means an earlier attempt landed; adopt it either way.
	o.Update(out.Order)
	if o.Status == StatusUnposted {
		o.Status = StatusOpen
	}
	return nil
}

func (o *Order) verifyFunds(ctx context.Context, opts PostOptions) error {
	base, quote, err := domain.SplitProduct(o.ProductID)
	if err != nil {
		return err
	}
	balances, err := opts.Balances.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync balances: %w", err)
	}

	switch o.Side {
	case domain.SideBuy:
		spend := o.TotalSpend(opts.MarketPrice)
		avail := balances[quote].Available
		if spend.GreaterThan(avail) {
			return fmt.Errorf("%w: spend %s %s, available %s", domain.ErrInsufficientFunds, spend, quote, avail)
		}
	case domain.SideSell:
		avail := balances[base].Available
		if o.size.GreaterThan(avail) {
			return fmt.Errorf("%w: sell %s %s, available %s", domain.ErrInsufficientFunds, o.size, base, avail)
		}
	}
	return nil
}

// Cancel asks the venue to cancel an open order. It returns false without
// a network call when there is nothing to cancel. A cancel that loses the
// race with a fill leaves the order filled and returns (false, nil).
func (o *Order) Cancel(ctx context.Context, gw domain.OrderGateway) (bool, error) {
	if o.Status != StatusOpen || !o.IsPosted() {
		return false, nil
	}

	out, err := gw.CancelOrder(ctx, o.ID)
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", o, err)
	}

	switch out.Kind {
	case domain.CancelAccepted:
		o.Status = StatusCancelled
		o.DoneReason = domain.DoneReasonCanceled
		return true, nil
	case domain.CancelAlreadyDone:
		o.markFilled()
		return false, nil
	default:
		return false, &domain.CancellationError{OrderID: o.ID, Reason: out.Reason}
	}
}

func (o *Order) markFilled() {
	o.Status = StatusFilled
	o.DoneReason = domain.DoneReasonFilled
	if o.FilledSize.IsZero() {
		o.FilledSize = o.size
	}
	if o.ExecutedValue.IsZero() {
		o.ExecutedValue = o.size.Mul(o.price)
	}
}

// Update copies the venue's view of the order.
func (o *Order) Update(ex domain.ExchangeOrder) {
	if ex.ID != "" {
		o.ID = ex.ID
	}
	if !ex.CreatedAt.IsZero() {
		o.CreatedAt = ex.CreatedAt
	}
	if ex.Price.IsPositive() {
		o.price = RoundPrice(ex.Price)
	}
	if ex.Size.IsPositive() {
		o.size = RoundSize(ex.Size)
	}
	o.FilledSize = ex.FilledSize
	o.ExecutedValue = ex.ExecutedValue
	o.FillFees = ex.FillFees
	o.DoneReason = ex.DoneReason

	switch {
	case ex.IsOpen():
		o.Status = StatusOpen
	case ex.IsFilled():
		o.Status = StatusFilled
	case ex.Status == domain.ExchangeStatusDone, ex.Status == domain.ExchangeStatusRejected:
		o.Status = StatusCancelled
	}
}

// Resolve settles an order that dropped off the venue's open list. Filled
// when the executed size equals the requested size, cancelled otherwise.
func (o *Order) Resolve(ctx context.Context, gw domain.OrderGateway) (Status, error) {
	if !o.IsPosted() {
		return o.Status, nil
	}
	ex, err := gw.GetOrder(ctx, o.ID)
	if errors.Is(err, domain.ErrNotFound) {
		// the venue forgets cancelled orders
		o.Status = StatusCancelled
		return o.Status, nil
	}
	if err != nil {
		return o.Status, fmt.Errorf("resolve %s: %w", o, err)
	}
	o.Update(ex)
	return o.Status, nil
}

// Lock pins the order so the shifting pass leaves it alone. validate, when
// non-nil, is consulted by Unlock.
func (o *Order) Lock(validate func(*Order) error) error {
	if o.locked {
		return fmt.Errorf("%w: %s already locked", domain.ErrOrderLock, o)
	}
	o.locked = true
	o.validate = validate
	return nil
}

// Unlock releases the order unless the lock validator refuses.
func (o *Order) Unlock() error {
	if o.validate != nil {
		if err := o.validate(o); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrOrderLock, err)
		}
	}
	o.locked = false
	o.validate = nil
	return nil
}

// IsLocked reports whether the order is pinned.
func (o *Order) IsLocked() bool {
	return o.locked
}

// TotalSpend is the quote amount the order moves: executed value once
// known, price*size for limit and stop orders, and for market orders the
// size at marketPrice plus a taker fee estimate. Sells are negative.
func (o *Order) TotalSpend(marketPrice decimal.Decimal) decimal.Decimal {
	var spend decimal.Decimal
	switch {
	case o.ExecutedValue.IsPositive():
		spend = o.ExecutedValue
	case o.Type == domain.OrderTypeMarket:
		if o.size.IsPositive() {
			spend = o.size.Mul(marketPrice)
			spend = spend.Add(spend.Mul(takerFeeEstimate))
		} else {
			spend = o.Funds
		}
	default:
		spend = o.size.Mul(o.price)
	}
	if o.Side == domain.SideSell {
		spend = spend.Neg()
	}
	return spend
}

// PnL is the realized profit of a closed pair, 2dp. counterpart is the
// opposite-side order this one was paired with.
func (o *Order) PnL(counterpart *Order) (decimal.Decimal, bool) {
	if counterpart == nil || counterpart.Side == o.Side {
		return decimal.Zero, false
	}
	mine := o.size.Mul(o.price)
	theirs := counterpart.size.Mul(counterpart.price)
	if o.Side == domain.SideBuy {
		return theirs.Sub(mine).Round(2), true
	}
	return mine.Sub(theirs).Round(2), true
}

// StopAmount is the ticker level at which a sell gives up on its paired
// buy: counterpartPrice*(1-stopPct). Buys have no stop.
func StopAmount(side domain.Side, counterpartPrice, stopPct decimal.Decimal) (decimal.Decimal, bool) {
	if side != domain.SideSell || !stopPct.IsPositive() || !counterpartPrice.IsPositive() {
		return decimal.Zero, false
	}
	return RoundPrice(counterpartPrice.Sub(counterpartPrice.Mul(stopPct))), true
}

// Counterpart is the ClientOID of the order whose fill produced this one.
func (o *Order) Counterpart() string {
	return o.counterpart
}

// SetCounterpart links the opposite-side order by reference.
func (o *Order) SetCounterpart(ref string) {
	o.counterpart = ref
}

// RegisterTarget pre-registers the opposite-side order to post once this
// one fills. The target refers back to this order as its counterpart.
func (o *Order) RegisterTarget(price, size decimal.Decimal, lock bool) (*Order, error) {
	if o.locked || o.target != nil {
		return nil, fmt.Errorf("%w: %s already has a target or is locked", domain.ErrOrderLock, o)
	}
	if size.IsZero() {
		size = o.size
	}
	t := New(o.ProductID, o.Side.Opposite(), price, size)
	t.counterpart = o.ClientOID
	if lock {
		if err := t.Lock(nil); err != nil {
			return nil, err
		}
	}
	o.target = t
	o.targetRef = t.ClientOID
	return t, nil
}

// Target returns the pending target without taking it.
func (o *Order) Target() *Order {
	return o.target
}

// TakeTarget hands the pending target to the caller; the order keeps only
// the reference.
func (o *Order) TakeTarget() *Order {
	t := o.target
	o.target = nil
	return t
}

// TargetRef is the ClientOID of the registered target, if any.
func (o *Order) TargetRef() string {
	return o.targetRef
}

// Reprice returns an unposted copy at price p with the same links. Used to
// replace a cancelled order. The copy gets a fresh ClientOID, so a pending
// target is relinked to it.
func (o *Order) Reprice(p decimal.Decimal) *Order {
	n := New(o.ProductID, o.Side, p, o.size)
	n.Type = o.Type
	n.counterpart = o.counterpart
	n.target = o.target
	n.targetRef = o.targetRef
	if n.target != nil {
		n.target.counterpart = n.ClientOID
	}
	o.target = nil
	return n
}

// FromExchange adopts an order the venue already holds. The venue's
// client_oid is kept when it has one.
func FromExchange(ex domain.ExchangeOrder) *Order {
	o := New(ex.ProductID, ex.Side, ex.Price, ex.Size)
	if ex.ClientOID != "" {
		o.ClientOID = ex.ClientOID
	}
	if ex.Type != "" {
		o.Type = ex.Type
	}
	o.Update(ex)
	return o
}

// FromFill rebuilds a filled order from its audit row.
func FromFill(rec domain.FillRecord) *Order {
	o := New(rec.ProductID, rec.Side, rec.Price, rec.Size)
	if rec.ClientOID != "" {
		o.ClientOID = rec.ClientOID
	}
	o.ID = rec.OrderID
	o.counterpart = rec.Counterpart
	o.CreatedAt = rec.FilledAt
	o.ExecutedValue = rec.ExecutedValue
	o.FillFees = rec.FillFees
	o.markFilled()
	return o
}

// IncrementCycle counts one market maker pass over the open order.
func (o *Order) IncrementCycle() {
	o.cycles++
}

// Cycles is how many passes the order has sat through. High means stale.
func (o *Order) Cycles() int {
	return o.cycles
}

// ToFillRecord converts a filled order to its audit row.
func (o *Order) ToFillRecord(now time.Time) domain.FillRecord {
	rec := domain.FillRecord{
		OrderID:       o.ID,
		ClientOID:     o.ClientOID,
		ProductID:     o.ProductID,
		Side:          o.Side,
		Price:         o.price,
		Size:          o.size,
		ExecutedValue: o.ExecutedValue,
		FillFees:      o.FillFees,
		Counterpart:   o.counterpart,
		FilledAt:      now,
	}
	if !o.FilledSize.IsZero() {
		rec.Size = o.FilledSize
	}
	return rec
}
