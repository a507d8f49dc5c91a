package marketmaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crypto_mm/internal/book"
	"crypto_mm/internal/domain"
	"crypto_mm/internal/order"

	"github.com/shopspring/decimal"
)

// bandMinDepth is the resting size the shift band wants between an order
// and the top of book.
var bandMinDepth = decimal.NewFromInt(30)

// RunCycle runs one pass: reconcile, size, place a buy, shift, then
// publish counts. Order-domain failures are logged per action; only auth
// rejections are returned.
func (m *MarketMaker) RunCycle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.publishCounts()

	if !m.book.Ready() {
		m.snapAt = time.Time{}
		m.logger.Warn("book not ready, skipping cycle")
		return nil
	}
	snap, err := m.snapshot(false)
	if err != nil {
		m.logger.Warn("book not ready, skipping cycle", slog.Any("error", err))
		return nil
	}
	m.logBook(ctx, snap)

	// 1. reconcile with the venue, then drop stale buys
	if err := m.reconcile(ctx); err != nil {
		return err
	}
	if err := m.retireStale(ctx); err != nil {
		return err
	}

	// 2. size
	size, err := m.positionSize(ctx, snap)
	if err != nil {
		if err := m.fail("size", nil, err); err != nil {
			return err
		}
	}

	// 3. new buy
	placed := make(map[string]bool)
	if size.IsPositive() {
		o, err := m.placeBuy(ctx, size)
		if err != nil {
			return err
		}
		if o != nil {
			placed[o.ClientOID] = true
		}
	}

	// 4. shift and retry
	if err := m.retryPending(ctx); err != nil {
		return err
	}
	return m.shift(ctx, placed)
}

func (m *MarketMaker) snapshot(force bool) (book.Snapshot, error) {
	if !force && !m.snapAt.IsZero() && m.now().Sub(m.snapAt) < m.cfg.SnapshotTTL() {
		return m.snap, nil
	}
	snap, err := m.book.GetCurrentBook()
	if err != nil {
		m.snapAt = time.Time{}
		return book.Snapshot{}, err
	}
	m.snap, m.snapAt = snap, m.now()
	return snap, nil
}

func (m *MarketMaker) logBook(ctx context.Context, snap book.Snapshot) {
	if !m.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	minQty := m.wallSize(snap)
	attrs := []any{
		slog.Int64("sequence", snap.Sequence),
		slog.String("bid_volume", snap.Volume(domain.SideBuy).String()),
		slog.String("ask_volume", snap.Volume(domain.SideSell).String()),
	}
	if lvl, ok := snap.NextSupport(minQty); ok {
		attrs = append(attrs, slog.String("support", lvl.Price.String()))
	}
	if lvl, ok := snap.NextResistance(minQty); ok {
		attrs = append(attrs, slog.String("resistance", lvl.Price.String()))
	}
	m.logger.Debug("book", attrs...)
}

func (m *MarketMaker) tickerPrice() decimal.Decimal {
	t, ok := m.book.GetCurrentTicker()
	if !ok {
		return decimal.Zero
	}
	return t.Price
}

// fail logs an order action failure. Auth rejections are returned so the
// loop can count them; everything else is swallowed.
func (m *MarketMaker) fail(action string, o *order.Order, err error) error {
	m.metrics.RecordOrderError(action)
	attrs := []any{slog.String("action", action), slog.Any("error", err)}
	if o != nil {
		attrs = orderAttrs(o, attrs...)
	}
	m.logger.Error("order action failed", attrs...)
	if domain.IsAuthError(err) {
		return err
	}
	return nil
}

func (m *MarketMaker) reconcile(ctx context.Context) error {
	open, err := m.gw.ListOpenOrders(ctx, m.cfg.ProductID)
	if err != nil {
		return m.fail("reconcile", nil, fmt.Errorf("list open orders: %w", err))
	}
	live := make(map[string]domain.ExchangeOrder, len(open))
	for _, ex := range open {
		live[ex.ID] = ex
	}

	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		for _, o := range m.sorted(side) {
			if ex, ok := live[o.ID]; ok {
				o.Update(ex)
				o.IncrementCycle()
				continue
			}
			status, err := o.Resolve(ctx, m.gw)
			if err != nil {
				if err := m.fail("resolve", o, err); err != nil {
					return err
				}
				continue
			}
			switch status {
			case order.StatusFilled:
				if err := m.handleFill(ctx, o); err != nil {
					return err
				}
			case order.StatusCancelled:
				delete(m.orders, o.ClientOID)
				m.logger.Info("order cancelled at venue", orderAttrs(o, slog.String("reason", o.DoneReason))...)
			default:
				o.IncrementCycle()
			}
		}
	}
	if !m.adopted {
		m.adopt(ctx, open)
		m.adopted = true
	}
	return nil
}

// retireStale cancels buys that have rested stale_cycles cycles, freeing
// their slot for a buy placed against the current book.
func (m *MarketMaker) retireStale(ctx context.Context) error {
	if m.cfg.StaleCycles <= 0 {
		return nil
	}
	for _, o := range m.sorted(domain.SideBuy) {
		if o.IsLocked() || o.Cycles() < m.cfg.StaleCycles {
			continue
		}
		cancelled, err := o.Cancel(ctx, m.gw)
		if err != nil {
			var ce *domain.CancellationError
			if errors.As(err, &ce) {
				m.logger.Warn("cancel rejected", orderAttrs(o, slog.String("reason", ce.Reason))...)
				continue
			}
			if err := m.fail("cancel", o, err); err != nil {
				return err
			}
			continue
		}
		if !cancelled {
			if o.Status == order.StatusFilled {
				if err := m.handleFill(ctx, o); err != nil {
					return err
				}
			}
			continue
		}
		m.metrics.RecordOrderCancelled(string(o.Side))
		delete(m.orders, o.ClientOID)
		m.logger.Info("stale buy cancelled", orderAttrs(o, slog.Int("cycles", o.Cycles()))...)
	}
	return nil
}

// positionSize is quote balance * spendPct / best ask, zero once either
// side is at its limit.
func (m *MarketMaker) positionSize(ctx context.Context, snap book.Snapshot) (decimal.Decimal, error) {
	buys, sells := m.counts()
	if buys >= m.cfg.MaxOpenBuys || sells >= m.cfg.MaxOpenSells {
		return decimal.Zero, nil
	}
	ask, ok := snap.BestAsk()
	if !ok || !ask.Price.IsPositive() {
		return decimal.Zero, nil
	}
	acc, err := m.bal.Balance(ctx, m.quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", m.quote, err)
	}
	size := order.RoundSize(acc.Balance.Mul(m.cfg.SpendPct).Div(ask.Price))
	if size.LessThan(m.cfg.MinSize) {
		return decimal.Zero, nil
	}
	return size, nil
}

func (m *MarketMaker) wallSize(snap book.Snapshot) decimal.Decimal {
	if m.cfg.WallSize.IsPositive() {
		return m.cfg.WallSize
	}
	return snap.WallSize(m.cfg.WallMinSize, m.cfg.WallWithinPct, m.cfg.WallMeasure)
}

// placeBuy rests a buy in front of the first bid wall at or beyond the
// configured index, with its sell registered as a locked target.
func (m *MarketMaker) placeBuy(ctx context.Context, size decimal.Decimal) (*order.Order, error) {
	snap, err := m.snapshot(true)
	if err != nil {
		m.logger.Warn("no fresh book, buy skipped", slog.Any("error", err))
		return nil, nil
	}
	step := m.cfg.MinStep

	price, ok := order.AdjustToWall(snap, domain.SideBuy, m.cfg.WallIndex, m.wallSize(snap), step)
	if !ok {
		bid, ok := snap.BestBid()
		if !ok {
			return nil, nil
		}
		price = bid.Price
	}
	price = order.AdjustToTicker(price, domain.SideBuy, m.tickerPrice(), m.cfg.MaxSpread)
	price = order.ClampToBook(price, domain.SideBuy, snap, step)
	price = order.Nudge(price, m.prices(domain.SideBuy, nil), step, false)
	if !price.IsPositive() {
		return nil, nil
	}

	o := order.New(m.cfg.ProductID, domain.SideBuy, price, size)
	if _, err := o.RegisterTarget(price.Add(m.cfg.MaxSpread), size, true); err != nil {
		return nil, m.fail("place", o, err)
	}
	if err := o.Post(ctx, m.gw, m.postOptions(snap)); err != nil {
		return nil, m.fail("place", o, err)
	}
	m.logger.Info("buy placed", orderAttrs(o, slog.String("target", o.Target().Price().String()))...)
	return o, m.track(ctx, o)
}

func (m *MarketMaker) postOptions(snap book.Snapshot) order.PostOptions {
	opts := order.PostOptions{
		VerifyBalance: m.cfg.VerifyBalance,
		Balances:      m.bal,
		MinSize:       m.cfg.MinSize,
		PostOnly:      true,
	}
	if ask, ok := snap.BestAsk(); ok {
		opts.MarketPrice = ask.Price
	}
	return opts
}

// track files a freshly posted order by its state.
func (m *MarketMaker) track(ctx context.Context, o *order.Order) error {
	switch o.Status {
	case order.StatusFilled:
		return m.handleFill(ctx, o)
	case order.StatusCancelled:
		m.logger.Warn("order done on post", orderAttrs(o, slog.String("reason", o.DoneReason))...)
	default:
		m.orders[o.ClientOID] = o
	}
	return nil
}

// shift moves resting orders back into the band. Orders placed this cycle
// are left alone.
func (m *MarketMaker) shift(ctx context.Context, placed map[string]bool) error {
	ticker := m.tickerPrice()
	if m.cfg.MinTickerChange.IsPositive() && !m.lastShift.IsZero() &&
		ticker.Sub(m.lastShift).Abs().LessThan(m.cfg.MinTickerChange) {
		return nil
	}
	snap, err := m.snapshot(false)
	if err != nil {
		return nil
	}

	for _, o := range m.sorted(domain.SideBuy) {
		if placed[o.ClientOID] || o.IsLocked() {
			continue
		}
		if err := m.shiftBuy(ctx, snap, o); err != nil {
			return err
		}
	}
	for _, o := range m.sorted(domain.SideSell) {
		if placed[o.ClientOID] {
			continue
		}
		if err := m.shiftSell(ctx, snap, o, ticker); err != nil {
			return err
		}
	}
	m.lastShift = ticker
	return nil
}

// shiftBuy raises a buy that has fallen below ask-maxSpread. A nudge that
// would travel more than one step per neighbour goes up over them instead.
func (m *MarketMaker) shiftBuy(ctx context.Context, snap book.Snapshot, o *order.Order) error {
	above, ok := order.AmountAboveSpread(o.Price(), domain.SideBuy, snap, m.cfg.MaxSpread, bandMinDepth)
	if !ok || !above.IsNegative() {
		return nil
	}
	step := m.cfg.MinStep
	others := m.prices(domain.SideBuy, o)
	target := order.ClampToBook(o.Price().Sub(above), domain.SideBuy, snap, step)
	capOut := target.Sub(step.Mul(decimal.NewFromInt(int64(len(others)))))
	target = order.NudgeCapped(target, others, step, false, capOut)
	target = order.ClampToBook(target, domain.SideBuy, snap, step)
	if target.GreaterThan(o.Price()) {
		return m.replace(ctx, o, target, "shift")
	}
	return nil
}

// shiftSell lowers a sell that sits above the band, never under its buy
// plus the minimum spread. A sell whose buy has dropped through the stop
// is repriced near the ticker, locked or not.
func (m *MarketMaker) shiftSell(ctx context.Context, snap book.Snapshot, o *order.Order, ticker decimal.Decimal) error {
	step := m.cfg.MinStep
	cp := m.lookup(o.Counterpart())

	if cp != nil && ticker.IsPositive() {
		stop, ok := order.StopAmount(domain.SideSell, cp.Price(), m.cfg.StopPct)
		if ok && ticker.LessThanOrEqual(stop) {
			price := order.RoundPrice(ticker.Add(m.cfg.MaxSpread.Div(decimal.NewFromInt(2))))
			price = order.ClampToBook(price, domain.SideSell, snap, step)
			if !o.Price().GreaterThan(price) {
				return nil
			}
			if o.IsLocked() {
				if err := o.Unlock(); err != nil {
					m.logger.Warn("stop refused by lock", orderAttrs(o, slog.Any("error", err))...)
					return nil
				}
			}
			m.logger.Warn("order stopped", orderAttrs(o,
				slog.String("stop", stop.String()),
				slog.String("ticker", ticker.String()),
				slog.String("new_price", price.String()))...)
			return m.replace(ctx, o, price, "stop")
		}
	}
	if o.IsLocked() {
		return nil
	}

	above, ok := order.AmountAboveSpread(o.Price(), domain.SideSell, snap, m.cfg.MaxSpread, bandMinDepth)
	if !ok || !above.IsPositive() {
		return nil
	}
	target := o.Price().Sub(above)
	if cp != nil {
		floor := cp.Price().Add(decimal.Max(m.cfg.MinSpread, m.cfg.MinProfit))
		if target.LessThan(floor) {
			target = floor
		}
	}
	target = order.ClampToBook(target, domain.SideSell, snap, step)
	target = order.Nudge(target, m.prices(domain.SideSell, o), step, true)
	if o.Price().GreaterThan(target) {
		return m.replace(ctx, o, target, "shift")
	}
	return nil
}

// replace cancels o and posts a copy at price. A cancel that loses to a
// fill turns into fill handling.
func (m *MarketMaker) replace(ctx context.Context, o *order.Order, price decimal.Decimal, reason string) error {
	cancelled, err := o.Cancel(ctx, m.gw)
	if err != nil {
		var ce *domain.CancellationError
		if errors.As(err, &ce) {
			m.logger.Warn("cancel rejected", orderAttrs(o, slog.String("reason", ce.Reason))...)
			return nil
		}
		return m.fail("cancel", o, err)
	}
	if !cancelled {
		if o.Status == order.StatusFilled {
			return m.handleFill(ctx, o)
		}
		return nil
	}
	m.metrics.RecordOrderCancelled(string(o.Side))
	delete(m.orders, o.ClientOID)

	n := o.Reprice(price)
	if t := n.Target(); t != nil && !t.IsPosted() {
		t.SetPrice(n.Price().Add(m.cfg.MaxSpread))
	}
	m.logger.Info("order replaced", orderAttrs(o,
		slog.String("reason", reason),
		slog.String("new_price", n.Price().String()))...)
	return m.post(ctx, n, "replace")
}

// post sends n, parking it for the next cycle when the venue call fails.
func (m *MarketMaker) post(ctx context.Context, n *order.Order, action string) error {
	snap, err := m.snapshot(true)
	if err != nil {
		m.pending = append(m.pending, n)
		return nil
	}
	if err := n.Post(ctx, m.gw, m.postOptions(snap)); err != nil {
		if retryable(err) {
			m.pending = append(m.pending, n)
		}
		return m.fail(action, n, err)
	}
	return m.track(ctx, n)
}

func retryable(err error) bool {
	return !errors.Is(err, domain.ErrMinSizeViolation) && !errors.Is(err, domain.ErrDuplicateOrder)
}

// retryPending re-posts parked orders against a fresh book.
func (m *MarketMaker) retryPending(ctx context.Context) error {
	if len(m.pending) == 0 {
		return nil
	}
	snap, err := m.snapshot(true)
	if err != nil {
		return nil
	}
	parked := m.pending
	m.pending = nil
	for i, n := range parked {
		price := order.ClampToBook(n.Price(), n.Side, snap, m.cfg.MinStep)
		n.SetPrice(order.Nudge(price, m.prices(n.Side, n), m.cfg.MinStep, n.Side == domain.SideSell))
		if err := n.Post(ctx, m.gw, m.postOptions(snap)); err != nil {
			if retryable(err) {
				m.pending = append(m.pending, n)
			}
			if err := m.fail("retry", n, err); err != nil {
				m.pending = append(m.pending, parked[i+1:]...)
				return err
			}
			continue
		}
		if err := m.track(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// handleFill retires o, records it and, when replacing, posts the paired
// opposite order unless that side is already at its limit.
func (m *MarketMaker) handleFill(ctx context.Context, o *order.Order) error {
	delete(m.orders, o.ClientOID)
	m.remember(o)
	m.metrics.RecordOrderFilled(string(o.Side))

	rec := o.ToFillRecord(m.now())
	if o.Side == domain.SideSell {
		if cp := m.lookup(o.Counterpart()); cp != nil {
			if pnl, ok := o.PnL(cp); ok {
				rec.RealizedPnL, rec.HasPnL = pnl, true
				m.metrics.AddRealizedPnL(m.cfg.ProductID, pnl.InexactFloat64())
				m.logger.Info("closed pair", orderAttrs(o,
					slog.String("buy_price", cp.Price().String()),
					slog.String("pnl", pnl.String()))...)
			}
		}
	}
	m.logger.Info("order filled", orderAttrs(o)...)
	m.record(ctx, rec)

	if !m.cfg.Replace {
		return nil
	}

	next := o.Side.Opposite()
	buys, sells := m.counts()
	open, limit := buys, m.cfg.MaxOpenBuys
	if next == domain.SideSell {
		open, limit = sells, m.cfg.MaxOpenSells
	}
	if open >= limit {
		o.TakeTarget()
		m.metrics.RecordFillNotReplaced(string(next))
		m.logger.Info("fill not replaced", orderAttrs(o,
			slog.String("next_side", string(next)),
			slog.Int("open", open),
			slog.Int("limit", limit))...)
		return nil
	}

	n := o.TakeTarget()
	if n == nil {
		spread := m.cfg.MaxSpread
		if m.cfg.Aggressive {
			spread = m.cfg.MinSpread
		}
		price := o.Price().Add(spread)
		if next == domain.SideBuy {
			price = o.Price().Sub(spread)
		}
		n = order.New(m.cfg.ProductID, next, price, o.Size())
		n.SetCounterpart(o.ClientOID)
	}

	if snap, err := m.snapshot(true); err == nil {
		price := order.AdjustToTicker(n.Price(), next, m.tickerPrice(), m.cfg.MinSpread)
		price = order.ClampToBook(price, next, snap, m.cfg.MinStep)
		n.SetPrice(order.Nudge(price, m.prices(next, nil), m.cfg.MinStep, next == domain.SideSell))
	}
	m.logger.Info("fill replaced", orderAttrs(n, slog.String("counterpart", o.ClientOID))...)
	return m.post(ctx, n, "fill_replace")
}

func (m *MarketMaker) record(ctx context.Context, rec domain.FillRecord) {
	if m.fills == nil {
		return
	}
	if err := m.fills.RecordFill(ctx, rec); err != nil {
		m.logger.Error("fill not recorded", slog.String("order_id", rec.OrderID), slog.Any("error", err))
	}
}

