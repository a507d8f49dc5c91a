package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crypto_mm/internal/infra"

	"github.com/shopspring/decimal"
)

const (
	DefaultPollInterval = 60 * time.Second

	pollAttempts = 3
)

// Poller refreshes the product and account caches on a fixed interval and
// publishes the results as gauges. onPrice fires when the polled price
// changes.
type Poller struct {
	product      *Product
	accounts     *Accounts
	metrics      *infra.Metrics
	onPrice      func(decimal.Decimal)
	pollInterval time.Duration
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	price  decimal.Decimal
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. accounts and metrics may be nil. interval <= 0
// uses DefaultPollInterval.
func NewPoller(product *Product, accounts *Accounts, metrics *infra.Metrics, interval time.Duration, onPrice func(decimal.Decimal)) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		product:      product,
		accounts:     accounts,
		metrics:      metrics,
		onPrice:      onPrice,
		pollInterval: interval,
		logger:       slog.Default().With("module", "poller", "product", product.ID()),
		sleep:        sleepCtx,
	}
}

// Start polls once, then keeps polling in the background until Stop or ctx
// is done. A failed first poll is logged, not returned.
func (p *Poller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.poll(ctx); err != nil {
		p.logger.Warn("Initial poll failed", slog.Any("error", err))
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Polling panic recovered", slog.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info("Polling stopped")
				return
			case <-ticker.C:
				if err := p.poll(ctx); err != nil {
					p.logger.Warn("Poll failed", slog.Any("error", err))
				}
			}
		}
	}()
	return nil
}

// poll retries a failed refresh with backoff.
func (p *Poller) poll(ctx context.Context) error {
	var lastErr error
	for i := 0; i < pollAttempts; i++ {
		if i > 0 {
			if err := p.sleep(ctx, infra.CalculateBackoff(i)); err != nil {
				return err
			}
		}
		err := p.refresh(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		p.logger.Warn("Poll attempt failed", slog.Int("attempt", i+1), slog.Any("error", err))
	}
	return lastErr
}

func (p *Poller) refresh(ctx context.Context) error {
	if err := p.product.Sync(ctx); err != nil {
		return err
	}
	newPrice, err := p.product.Price(ctx)
	if err != nil {
		return err
	}
	p.metrics.SetProductPrice(p.product.ID(), newPrice.InexactFloat64())

	if p.accounts != nil {
		balances, err := p.accounts.Sync(ctx)
		if err != nil {
			return fmt.Errorf("poll balances: %w", err)
		}
		for currency, acc := range balances {
			p.metrics.SetBalance(currency, acc.Balance.InexactFloat64())
		}
	}

	p.mu.Lock()
	oldPrice := p.price
	p.price = newPrice
	p.mu.Unlock()

	if !oldPrice.Equal(newPrice) && p.onPrice != nil {
		p.logger.Debug("Price updated",
			slog.String("price", newPrice.String()),
			slog.String("old_price", oldPrice.String()))
		p.onPrice(newPrice)
	}
	return nil
}

// Stop ends polling and waits for the goroutine.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
}

// Price is the last polled price.
func (p *Poller) Price() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.price
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
