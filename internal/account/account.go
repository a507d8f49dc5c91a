// Package account caches venue balances and product prices behind a TTL.
// The refreshing caller is the only writer; readers load an immutable
// snapshot through an atomic pointer.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"crypto_mm/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	DefaultBalanceTTL = 60 * time.Second
	DefaultProductTTL = 5 * time.Minute
)

type balanceSnapshot struct {
	balances domain.Balances
	at       time.Time
}

// Accounts serves per-currency balances, refreshed from the venue at most
// once per TTL unless Sync forces it.
type Accounts struct {
	source domain.AccountSource
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[balanceSnapshot]
}

// NewAccounts creates the balance cache. ttl <= 0 uses DefaultBalanceTTL.
func NewAccounts(source domain.AccountSource, ttl time.Duration) *Accounts {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	return &Accounts{
		source: source,
		ttl:    ttl,
		logger: slog.Default().With("module", "accounts"),
		now:    time.Now,
	}
}

// Sync fetches balances now and replaces the cached snapshot.
func (a *Accounts) Sync(ctx context.Context) (domain.Balances, error) {
	list, err := a.source.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync accounts: %w", err)
	}
	balances := make(domain.Balances, len(list))
	for _, acc := range list {
		balances[acc.Currency] = acc
	}
	a.current.Store(&balanceSnapshot{balances: balances, at: a.now()})
	a.logger.Debug("accounts synced", slog.Int("currencies", len(balances)))
	return balances, nil
}

// Balances returns the cached snapshot, refreshing it when older than the
// TTL. A failed refresh falls back to the stale snapshot if there is one.
func (a *Accounts) Balances(ctx context.Context) (domain.Balances, error) {
	snap := a.current.Load()
	if snap != nil && a.now().Sub(snap.at) < a.ttl {
		return snap.balances, nil
	}
	balances, err := a.Sync(ctx)
	if err != nil {
		if snap != nil {
			a.logger.Warn("account refresh failed, serving stale balances", slog.Any("error", err), slog.Duration("age", a.now().Sub(snap.at)))
			return snap.balances, nil
		}
		return nil, err
	}
	return balances, nil
}

// Balance returns one currency's account; unknown currencies are zero.
func (a *Accounts) Balance(ctx context.Context, currency string) (domain.Account, error) {
	balances, err := a.Balances(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	acc, ok := balances[currency]
	if !ok {
		return domain.Account{Currency: currency}, nil
	}
	return acc, nil
}

type productSnapshot struct {
	ticker domain.Ticker
	stats  domain.ProductStats
	at     time.Time
}

// Product serves last price and 24h stats for one product.
type Product struct {
	id     string
	source domain.MarketSource
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[productSnapshot]
}

// NewProduct creates the product cache. ttl <= 0 uses DefaultProductTTL.
func NewProduct(productID string, source domain.MarketSource, ttl time.Duration) *Product {
	if ttl <= 0 {
		ttl = DefaultProductTTL
	}
	return &Product{
		id:     productID,
		source: source,
		ttl:    ttl,
		logger: slog.Default().With("module", "product", "product", productID),
		now:    time.Now,
	}
}

// ID is the product id.
func (p *Product) ID() string { return p.id }

// Sync fetches ticker and stats now.
func (p *Product) Sync(ctx context.Context) error {
	ticker, err := p.source.GetTicker(ctx, p.id)
	if err != nil {
		return fmt.Errorf("sync %s ticker: %w", p.id, err)
	}
	stats, err := p.source.GetStats(ctx, p.id)
	if err != nil {
		return fmt.Errorf("sync %s stats: %w", p.id, err)
	}
	p.current.Store(&productSnapshot{ticker: ticker, stats: stats, at: p.now()})
	return nil
}

func (p *Product) load(ctx context.Context) (*productSnapshot, error) {
	snap := p.current.Load()
	if snap != nil && p.now().Sub(snap.at) < p.ttl {
		return snap, nil
	}
	if err := p.Sync(ctx); err != nil {
		if snap != nil {
			p.logger.Warn("product refresh failed, serving stale values", slog.Any("error", err))
			return snap, nil
		}
		return nil, err
	}
	return p.current.Load(), nil
}

// Price is the last trade price.
func (p *Product) Price(ctx context.Context) (decimal.Decimal, error) {
	snap, err := p.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.ticker.Price, nil
}

// Volume24h is the rolling 24h volume.
func (p *Product) Volume24h(ctx context.Context) (decimal.Decimal, error) {
	snap, err := p.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if snap.stats.Volume.IsPositive() {
		return snap.stats.Volume, nil
	}
	return snap.ticker.Volume, nil
}

// High24h is the 24h high.
func (p *Product) High24h(ctx context.Context) (decimal.Decimal, error) {
	snap, err := p.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.stats.High, nil
}

// Low24h is the 24h low.
func (p *Product) Low24h(ctx context.Context) (decimal.Decimal, error) {
	snap, err := p.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return snap.stats.Low, nil
}
