package order

import (
	"context"
	"errors"
	"testing"

	"crypto_mm/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeGateway struct {
	places    []domain.OrderRequest
	cancels   []string
	place     func(domain.OrderRequest) (domain.PlaceOutcome, error)
	cancel    domain.CancelOutcome
	cancelErr error
	orders    map[string]domain.ExchangeOrder
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PlaceOutcome, error) {
	g.places = append(g.places, req)
	if g.place != nil {
		return g.place(req)
	}
	return domain.PlaceOutcome{Kind: domain.Created, Order: domain.ExchangeOrder{
		ID:        "ex-" + req.ClientOID,
		ClientOID: req.ClientOID,
		ProductID: req.ProductID,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Size,
		Status:    domain.ExchangeStatusPending,
	}}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, id string) (domain.CancelOutcome, error) {
	g.cancels = append(g.cancels, id)
	if g.cancelErr != nil {
		return domain.CancelOutcome{}, g.cancelErr
	}
	if g.cancel.Kind == 0 {
		return domain.CancelOutcome{Kind: domain.CancelAccepted}, nil
	}
	return g.cancel, nil
}

func (g *fakeGateway) GetOrder(ctx context.Context, id string) (domain.ExchangeOrder, error) {
	o, ok := g.orders[id]
	if !ok {
		return domain.ExchangeOrder{}, &domain.APIError{Status: 404, Message: "NotFound"}
	}
	return o, nil
}

func (g *fakeGateway) ListOpenOrders(ctx context.Context, productID string) ([]domain.ExchangeOrder, error) {
	return nil, nil
}

type staticBalances struct {
	balances domain.Balances
	syncs    int
}

func (b *staticBalances) Sync(ctx context.Context) (domain.Balances, error) {
	b.syncs++
	return b.balances, nil
}

func posted(t *testing.T, gw *fakeGateway, side domain.Side, price, size string) *Order {
	t.Helper()
	o := New("ETH-USD", side, d(price), d(size))
	require.NoError(t, o.Post(context.Background(), gw, PostOptions{MinSize: d("0.01")}))
	return o
}

func TestNew_Rounding(t *testing.T) {
	o := New("ETH-USD", domain.SideBuy, d("100.126"), d("0.123456789"))
	assert.Equal(t, "100.13", o.Price().StringFixed(2))
	assert.True(t, o.Size().Equal(d("0.1234567")), "size %s", o.Size())
	assert.Equal(t, StatusUnposted, o.Status)
	assert.NotEmpty(t, o.ClientOID)
	assert.NotEqual(t, o.ClientOID, New("ETH-USD", domain.SideBuy, d("1"), d("1")).ClientOID)
}

func TestPost_MinSizeViolation(t *testing.T) {
	gw := &fakeGateway{}
	o := New("ETH-USD", domain.SideBuy, d("50"), d("0.005"))

	err := o.Post(context.Background(), gw, PostOptions{MinSize: d("0.01")})
	require.ErrorIs(t, err, domain.ErrMinSizeViolation)
	assert.Empty(t, gw.places)
	assert.Equal(t, StatusUnposted, o.Status)
}

func TestPost_TwiceIsDuplicate(t *testing.T) {
	gw := &fakeGateway{}
	o := New("ETH-USD", domain.SideBuy, d("50.00"), d("0.02"))

	require.NoError(t, o.Post(context.Background(), gw, PostOptions{MinSize: d("0.01")}))
	assert.Equal(t, StatusOpen, o.Status)
	assert.NotEmpty(t, o.ID)

	err := o.Post(context.Background(), gw, PostOptions{MinSize: d("0.01")})
	require.ErrorIs(t, err, domain.ErrDuplicateOrder)
	assert.Len(t, gw.places, 1)
}

func TestPost_AlreadyExistsIsAdopted(t *testing.T) {
	gw := &fakeGateway{place: func(req domain.OrderRequest) (domain.PlaceOutcome, error) {
		return domain.PlaceOutcome{Kind: domain.AlreadyExists, Order: domain.ExchangeOrder{
			ID: "existing", ClientOID: req.ClientOID, Status: domain.ExchangeStatusOpen,
		}}, nil
	}}
	o := New("ETH-USD", domain.SideSell, d("120"), d("1"))

	require.NoError(t, o.Post(context.Background(), gw, PostOptions{}))
	assert.Equal(t, "existing", o.ID)
	assert.Equal(t, StatusOpen, o.Status)
}

func TestPost_GatewayErrorLeavesOrderUnposted(t *testing.T) {
	gw := &fakeGateway{place: func(domain.OrderRequest) (domain.PlaceOutcome, error) {
		return domain.PlaceOutcome{}, &domain.AuthError{Status: 401}
	}}
	o := New("ETH-USD", domain.SideBuy, d("50"), d("1"))

	err := o.Post(context.Background(), gw, PostOptions{})
	require.True(t, domain.IsAuthError(err))
	assert.Equal(t, StatusUnposted, o.Status)
	assert.False(t, o.IsPosted())
}

func TestPost_InsufficientFunds(t *testing.T) {
	bal := &staticBalances{balances: domain.Balances{
		"USD": {Currency: "USD", Balance: d("100"), Available: d("10")},
		"ETH": {Currency: "ETH", Balance: d("1"), Available: d("0.5")},
	}}
	opts := PostOptions{VerifyBalance: true, Balances: bal, MinSize: d("0.01")}

	tests := []struct {
		name  string
		side  domain.Side
		price string
		size  string
		ok    bool
	}{
		{"buy within available", domain.SideBuy, "50", "0.2", true},
		{"buy over available", domain.SideBuy, "50", "0.21", false},
		{"sell within available", domain.SideSell, "200", "0.5", true},
		{"sell over available", domain.SideSell, "200", "0.6", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{}
			o := New("ETH-USD", tt.side, d(tt.price), d(tt.size))
			err := o.Post(context.Background(), gw, opts)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, domain.ErrInsufficientFunds)
			assert.Empty(t, gw.places)
		})
	}
	assert.Equal(t, 4, bal.syncs)
}

func TestCancel_UnpostedMakesNoCall(t *testing.T) {
	gw := &fakeGateway{}
	o := New("ETH-USD", domain.SideBuy, d("50"), d("1"))

	ok, err := o.Cancel(context.Background(), gw)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, gw.cancels)
}

func TestCancel_Outcomes(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		gw := &fakeGateway{}
		o := posted(t, gw, domain.SideBuy, "50", "1")
		ok, err := o.Cancel(context.Background(), gw)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, StatusCancelled, o.Status)

		// terminal: second cancel is a no-op
		ok, err = o.Cancel(context.Background(), gw)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Len(t, gw.cancels, 1)
	})

	t.Run("already done resolves to filled", func(t *testing.T) {
		gw := &fakeGateway{cancel: domain.CancelOutcome{Kind: domain.CancelAlreadyDone, Reason: "Order already done"}}
		o := posted(t, gw, domain.SideBuy, "50", "2")
		ok, err := o.Cancel(context.Background(), gw)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, StatusFilled, o.Status)
		assert.True(t, o.FilledSize.Equal(d("2")))
		assert.True(t, o.ExecutedValue.Equal(d("100")))
	})

	t.Run("rejected", func(t *testing.T) {
		gw := &fakeGateway{cancel: domain.CancelOutcome{Kind: domain.CancelRejected, Reason: "order is locked"}}
		o := posted(t, gw, domain.SideSell, "150", "1")
		_, err := o.Cancel(context.Background(), gw)
		var ce *domain.CancellationError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "order is locked", ce.Reason)
		assert.Equal(t, StatusOpen, o.Status)
	})

	t.Run("transport error", func(t *testing.T) {
		gw := &fakeGateway{cancelErr: errors.New("reset")}
		o := posted(t, gw, domain.SideSell, "150", "1")
		_, err := o.Cancel(context.Background(), gw)
		require.Error(t, err)
		assert.Equal(t, StatusOpen, o.Status)
	})
}

func TestResolve(t *testing.T) {
	gw := &fakeGateway{orders: map[string]domain.ExchangeOrder{}}
	filled := posted(t, gw, domain.SideBuy, "50", "1")
	partial := posted(t, gw, domain.SideBuy, "49", "1")
	gone := posted(t, gw, domain.SideBuy, "48", "1")

	gw.orders[filled.ID] = domain.ExchangeOrder{ID: filled.ID, Status: domain.ExchangeStatusDone, Size: d("1"), FilledSize: d("1"), ExecutedValue: d("50")}
	gw.orders[partial.ID] = domain.ExchangeOrder{ID: partial.ID, Status: domain.ExchangeStatusDone, DoneReason: domain.DoneReasonCanceled, Size: d("1"), FilledSize: d("0.4")}

	st, err := filled.Resolve(context.Background(), gw)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, st)
	assert.True(t, filled.ExecutedValue.Equal(d("50")))

	st, err = partial.Resolve(context.Background(), gw)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, st)

	st, err = gone.Resolve(context.Background(), gw)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, st)
}

func TestLockUnlock(t *testing.T) {
	o := New("ETH-USD", domain.SideSell, d("100"), d("1"))
	refuse := true
	require.NoError(t, o.Lock(func(*Order) error {
		if refuse {
			return errors.New("target not reached")
		}
		return nil
	}))
	assert.True(t, o.IsLocked())
	assert.ErrorIs(t, o.Lock(nil), domain.ErrOrderLock)

	err := o.Unlock()
	require.ErrorIs(t, err, domain.ErrOrderLock)
	assert.True(t, o.IsLocked())

	refuse = false
	require.NoError(t, o.Unlock())
	assert.False(t, o.IsLocked())
}

func TestTotalSpend(t *testing.T) {
	buy := New("ETH-USD", domain.SideBuy, d("50"), d("2"))
	assert.True(t, buy.TotalSpend(decimal.Zero).Equal(d("100")))

	sell := New("ETH-USD", domain.SideSell, d("60"), d("2"))
	assert.True(t, sell.TotalSpend(decimal.Zero).Equal(d("-120")))

	mkt := FromExchange(domain.ExchangeOrder{
		ID: "m-1", ProductID: "ETH-USD", Side: domain.SideBuy, Type: domain.OrderTypeMarket,
		Size: d("1"), Status: domain.ExchangeStatusPending,
	})
	assert.True(t, mkt.TotalSpend(d("100")).Equal(d("103")))

	funds := FromExchange(domain.ExchangeOrder{
		ID: "m-2", ProductID: "ETH-USD", Side: domain.SideBuy, Type: domain.OrderTypeMarket,
		Status: domain.ExchangeStatusPending,
	})
	funds.Funds = d("25")
	assert.True(t, funds.TotalSpend(d("100")).Equal(d("25")))

	buy.ExecutedValue = d("99.5")
	assert.True(t, buy.TotalSpend(decimal.Zero).Equal(d("99.5")))
}

func TestPnLAndStop(t *testing.T) {
	buy := New("ETH-USD", domain.SideBuy, d("100"), d("0.5"))
	sell := New("ETH-USD", domain.SideSell, d("100.10"), d("0.5"))

	pnl, ok := sell.PnL(buy)
	require.True(t, ok)
	assert.Equal(t, "0.05", pnl.StringFixed(2))

	pnl, ok = buy.PnL(sell)
	require.True(t, ok)
	assert.Equal(t, "0.05", pnl.StringFixed(2), "a buy closed by a dearer sell is profitable too")

	_, ok = sell.PnL(nil)
	assert.False(t, ok)
	_, ok = sell.PnL(sell)
	assert.False(t, ok)

	stop, ok := StopAmount(domain.SideSell, d("100"), d("0.05"))
	require.True(t, ok)
	assert.True(t, stop.Equal(d("95")))
	_, ok = StopAmount(domain.SideBuy, d("100"), d("0.05"))
	assert.False(t, ok)
	_, ok = StopAmount(domain.SideSell, d("100"), decimal.Zero)
	assert.False(t, ok)
}

func TestRegisterTarget(t *testing.T) {
	buy := New("ETH-USD", domain.SideBuy, d("100"), d("0.5"))
	target, err := buy.RegisterTarget(d("100.10"), decimal.Zero, true)
	require.NoError(t, err)

	assert.Equal(t, domain.SideSell, target.Side)
	assert.True(t, target.Size().Equal(d("0.5")))
	assert.True(t, target.IsLocked())
	assert.Equal(t, buy.ClientOID, target.Counterpart())
	assert.Equal(t, target.ClientOID, buy.TargetRef())

	_, err = buy.RegisterTarget(d("101"), decimal.Zero, true)
	assert.ErrorIs(t, err, domain.ErrOrderLock)

	moved := buy.Reprice(d("99.5"))
	assert.Nil(t, buy.Target())
	assert.Same(t, target, moved.Target())
	assert.NotEqual(t, buy.ClientOID, moved.ClientOID)
	assert.Equal(t, moved.ClientOID, target.Counterpart(), "target follows the repriced order")

	taken := moved.TakeTarget()
	assert.Same(t, target, taken)
	assert.Nil(t, moved.Target())
	assert.Equal(t, target.ClientOID, moved.TargetRef())
}

func TestFromExchange(t *testing.T) {
	o := FromExchange(domain.ExchangeOrder{
		ID:        "ex-9",
		ClientOID: "oid-9",
		ProductID: "ETH-USD",
		Side:      domain.SideSell,
		Type:      domain.OrderTypeLimit,
		Price:     d("101.234"),
		Size:      d("0.5"),
		Status:    domain.ExchangeStatusOpen,
	})
	assert.Equal(t, "oid-9", o.ClientOID)
	assert.Equal(t, "ex-9", o.ID)
	assert.Equal(t, StatusOpen, o.Status)
	assert.Equal(t, "101.23", o.Price().StringFixed(2))
	assert.True(t, o.IsPosted())

	anon := FromExchange(domain.ExchangeOrder{ID: "ex-10", Side: domain.SideBuy, Price: d("1"), Size: d("1"), Status: domain.ExchangeStatusOpen})
	assert.NotEmpty(t, anon.ClientOID)
}

func TestFromFill(t *testing.T) {
	o := FromFill(domain.FillRecord{
		OrderID:   "ex-3",
		ClientOID: "oid-3",
		ProductID: "ETH-USD",
		Side:      domain.SideBuy,
		Price:     d("99.80"),
		Size:      d("1"),
	})
	assert.Equal(t, StatusFilled, o.Status)
	assert.Equal(t, "oid-3", o.ClientOID)
	assert.True(t, o.ExecutedValue.Equal(d("99.8")))

	sell := New("ETH-USD", domain.SideSell, d("100"), d("1"))
	pnl, ok := sell.PnL(o)
	require.True(t, ok)
	assert.Equal(t, "0.20", pnl.StringFixed(2))
}

func TestToFillRecord(t *testing.T) {
	gw := &fakeGateway{}
	o := posted(t, gw, domain.SideSell, "101", "1")
	o.SetCounterpart("buy-ref")
	o.FilledSize = d("1")
	o.ExecutedValue = d("101")

	rec := o.ToFillRecord(o.CreatedAt)
	assert.Equal(t, o.ID, rec.OrderID)
	assert.Equal(t, "buy-ref", rec.Counterpart)
	assert.True(t, rec.ExecutedValue.Equal(d("101")))
}
