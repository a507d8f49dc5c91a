// Package marketmaker runs the quoting loop: it keeps a ladder of buys
// resting in front of book walls and pairs every filled buy with a sell
// one spread higher.
package marketmaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"crypto_mm/internal/book"
	"crypto_mm/internal/domain"
	"crypto_mm/internal/infra"
	"crypto_mm/internal/order"

	"github.com/shopspring/decimal"
)

const (
	shutdownTimeout        = 10 * time.Second
	defaultMaxAuthFailures = 3
	maxRememberedFills     = 500
)

// ErrTooManyAuthFailures stops Run after consecutive credential rejections.
var ErrTooManyAuthFailures = errors.New("too many consecutive auth failures")

// BookReader serves point-in-time copies of the streamed book.
type BookReader interface {
	Ready() bool
	GetCurrentBook() (book.Snapshot, error)
	GetCurrentTicker() (domain.Ticker, bool)
}

// Balances is the account facade.
type Balances interface {
	Sync(ctx context.Context) (domain.Balances, error)
	Balance(ctx context.Context, currency string) (domain.Account, error)
}

// FillHistory lists recorded fills, newest first.
type FillHistory interface {
	ListFills(ctx context.Context, productID string, limit int) ([]domain.FillRecord, error)
}

// Deps are the collaborators of a MarketMaker. Fills, History and Metrics
// may be nil.
type Deps struct {
	Book     BookReader
	Gateway  domain.OrderGateway
	Balances Balances
	Fills    domain.FillRecorder
	History  FillHistory
	Metrics  *infra.Metrics
}

// MarketMaker owns the set of open orders for one product. Only the loop
// goroutine mutates it; Orders and Fills hand out copies.
type MarketMaker struct {
	cfg     infra.MarketMakerConfig
	quote   string
	book    BookReader
	gw      domain.OrderGateway
	bal     Balances
	fills   domain.FillRecorder
	history FillHistory
	metrics *infra.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	orders  map[string]*order.Order
	pending []*order.Order
	filled  map[string]*order.Order
	fillSeq []string

	snap       book.Snapshot
	snapAt     time.Time
	lastShift  decimal.Decimal
	authStreak int
	adopted    bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New validates cfg and builds a MarketMaker.
func New(cfg infra.MarketMakerConfig, deps Deps) (*MarketMaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Book == nil || deps.Gateway == nil || deps.Balances == nil {
		return nil, errors.New("marketmaker: book, gateway and balances are required")
	}
	_, quote, err := domain.SplitProduct(cfg.ProductID)
	if err != nil {
		return nil, err
	}
	if cfg.MaxAuthFailures <= 0 {
		cfg.MaxAuthFailures = defaultMaxAuthFailures
	}
	return &MarketMaker{
		cfg:     cfg,
		quote:   quote,
		book:    deps.Book,
		gw:      deps.Gateway,
		bal:     deps.Balances,
		fills:   deps.Fills,
		history: deps.History,
		metrics: deps.Metrics,
		logger:  slog.Default().With("module", "market_maker", "product", cfg.ProductID),
		now:     time.Now,
		orders:  make(map[string]*order.Order),
		filled:  make(map[string]*order.Order),
		stopCh:  make(chan struct{}),
	}, nil
}

// Run cycles until Stop, ctx cancellation or a fatal error, then cancels
// the open buys. Sells stay on the book.
func (m *MarketMaker) Run(ctx context.Context) error {
	m.logger.Info("market maker started",
		slog.Duration("interval", m.cfg.Interval()),
		slog.String("max_spread", m.cfg.MaxSpread.String()),
		slog.String("min_spread", m.cfg.MinSpread.String()))

	runErr := m.loop(ctx)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutErr := m.Shutdown(sctx)
	if shutErr != nil {
		m.logger.Error("shutdown incomplete", slog.Any("error", shutErr))
	}
	m.logger.Info("market maker stopped")
	return errors.Join(runErr, shutErr)
}

func (m *MarketMaker) loop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case <-timer.C:
		}

		start := time.Now()
		err := m.RunCycle(ctx)
		m.metrics.ObserveCycle(time.Since(start))

		switch {
		case err == nil:
			m.authStreak = 0
		case domain.IsAuthError(err):
			m.authStreak++
			m.logger.Error("auth rejected",
				slog.Int("consecutive", m.authStreak),
				slog.Any("error", err))
			if m.authStreak >= m.cfg.MaxAuthFailures {
				return fmt.Errorf("%w: %w", ErrTooManyAuthFailures, err)
			}
		default:
			m.logger.Error("cycle failed", slog.Any("error", err))
		}
		timer.Reset(m.cfg.Interval())
	}
}

// Stop ends Run after the current cycle.
func (m *MarketMaker) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Shutdown cancels every open buy. A failed cancel does not stop the rest;
// all failures are returned joined.
func (m *MarketMaker) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, o := range m.sorted(domain.SideBuy) {
		ok, err := o.Cancel(ctx, m.gw)
		if err != nil {
			m.logger.Error("shutdown cancel failed", orderAttrs(o, slog.Any("error", err))...)
			errs = append(errs, err)
			continue
		}
		if ok {
			m.metrics.RecordOrderCancelled(string(o.Side))
		}
		delete(m.orders, o.ClientOID)
	}
	m.pending = slices.DeleteFunc(m.pending, func(o *order.Order) bool {
		return o.Side == domain.SideBuy
	})
	m.publishCounts()
	return errors.Join(errs...)
}

// Orders returns copies of the tracked open orders, cheapest first.
func (m *MarketMaker) Orders() []order.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]order.Order, 0, len(m.orders))
	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		for _, o := range m.sorted(side) {
			out = append(out, *o)
		}
	}
	return out
}

// Fills returns copies of the remembered fills, oldest first.
func (m *MarketMaker) Fills() []order.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]order.Order, 0, len(m.fillSeq))
	for _, ref := range m.fillSeq {
		out = append(out, *m.filled[ref])
	}
	return out
}

// Pending returns copies of the orders waiting to be re-posted.
func (m *MarketMaker) Pending() []order.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]order.Order, 0, len(m.pending))
	for _, o := range m.pending {
		out = append(out, *o)
	}
	return out
}

// sorted returns the open orders of a side by price, then reference.
func (m *MarketMaker) sorted(side domain.Side) []*order.Order {
	var out []*order.Order
	for _, o := range m.orders {
		if o.Side == side {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b *order.Order) int {
		if c := a.Price().Cmp(b.Price()); c != 0 {
			return c
		}
		if a.ClientOID < b.ClientOID {
			return -1
		}
		if a.ClientOID > b.ClientOID {
			return 1
		}
		return 0
	})
	return out
}

// counts includes orders parked for re-posting.
func (m *MarketMaker) counts() (buys, sells int) {
	for _, o := range m.orders {
		if o.Side == domain.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	for _, o := range m.pending {
		if o.Side == domain.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	return buys, sells
}

func (m *MarketMaker) publishCounts() {
	buys, sells := m.counts()
	m.metrics.SetOpenOrders(string(domain.SideBuy), buys)
	m.metrics.SetOpenOrders(string(domain.SideSell), sells)
}

// prices lists the live prices of a side, skipping except.
func (m *MarketMaker) prices(side domain.Side, except *order.Order) []decimal.Decimal {
	var out []decimal.Decimal
	for _, o := range m.orders {
		if o.Side == side && o != except {
			out = append(out, o.Price())
		}
	}
	for _, o := range m.pending {
		if o.Side == side && o != except {
			out = append(out, o.Price())
		}
	}
	return out
}

// lookup resolves an order reference against open orders, then fills.
func (m *MarketMaker) lookup(ref string) *order.Order {
	if ref == "" {
		return nil
	}
	if o, ok := m.orders[ref]; ok {
		return o
	}
	return m.filled[ref]
}

func (m *MarketMaker) remember(o *order.Order) {
	if _, ok := m.filled[o.ClientOID]; ok {
		return
	}
	m.filled[o.ClientOID] = o
	m.fillSeq = append(m.fillSeq, o.ClientOID)
	if len(m.fillSeq) > maxRememberedFills {
		delete(m.filled, m.fillSeq[0])
		m.fillSeq = m.fillSeq[1:]
	}
}

func orderAttrs(o *order.Order, extra ...any) []any {
	attrs := []any{
		slog.String("client_oid", o.ClientOID),
		slog.String("order_id", o.ID),
		slog.String("side", string(o.Side)),
		slog.String("price", o.Price().String()),
		slog.String("size", o.Size().String()),
	}
	return append(attrs, extra...)
}
