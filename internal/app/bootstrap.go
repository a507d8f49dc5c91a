package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crypto_mm/internal/account"
	"crypto_mm/internal/feed"
	"crypto_mm/internal/fills"
	"crypto_mm/internal/infra"
	"crypto_mm/internal/infra/coinbase"
	"crypto_mm/internal/infra/messaging"
	"crypto_mm/internal/infra/storage"
	"crypto_mm/internal/marketmaker"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultConfigPath is read when no path is given.
const DefaultConfigPath = "configs/config.yaml"

var maxTickerDrift = decimal.RequireFromString("0.02")

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config      *infra.Config
	Metrics     *infra.Metrics
	Storage     *storage.Storage
	Kafka       *messaging.KafkaPublisher
	Redis       *messaging.RedisPublisher
	Sink        *fills.Sink
	Client      *coinbase.Client
	Accounts    *account.Accounts
	Product     *account.Product
	Poller      *account.Poller
	Feed        *feed.BookFeed
	MarketMaker *marketmaker.MarketMaker

	msgLog *lumberjack.Logger
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize wires config, logging, fill recorders, the REST client, the
// account facades, the book feed and the market maker. Nothing connects yet.
func (b *Bootstrap) Initialize(configPath string) error {
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("🚀 Bootstrapping crypto_mm...", slog.String("version", cfg.App.Version))

	b.Metrics = infra.NewMetrics()

	// 3. Fill recorders
	var recorders []fills.Recorder
	if cfg.Storage.SQLitePath != "" {
		store, err := storage.NewStorage(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		b.Storage = store
		recorders = append(recorders, store)
		slog.Info("✅ Fill store ready", slog.String("path", cfg.Storage.SQLitePath))
	}
	if len(cfg.Storage.KafkaBrokers) > 0 {
		pub, err := messaging.NewKafkaPublisher(cfg.Storage.KafkaBrokers, cfg.Storage.KafkaTopic)
		if err != nil {
			return err
		}
		b.Kafka = pub
		recorders = append(recorders, pub)
		slog.Info("✅ Kafka fill publisher ready", slog.String("topic", cfg.Storage.KafkaTopic))
	}
	if cfg.Storage.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		b.Redis = messaging.NewRedisPublisher(client, cfg.Storage.RedisChannel)
		recorders = append(recorders, b.Redis)
		slog.Info("✅ Redis fill publisher ready", slog.String("addr", cfg.Storage.RedisAddr))
	}
	b.Sink = fills.NewSink(cfg.Storage.FillBuffer, b.Metrics, recorders...)

	// 4. Venue
	b.Client = coinbase.NewClient(cfg, b.Metrics)
	b.Accounts = account.NewAccounts(b.Client, time.Duration(cfg.Account.BalanceTTLSec)*time.Second)
	productTTL := time.Duration(cfg.Account.ProductTTLSec) * time.Second
	b.Product = account.NewProduct(cfg.MarketMaker.ProductID, b.Client, productTTL)
	b.Poller = account.NewPoller(b.Product, b.Accounts, b.Metrics, productTTL, b.onPrice)

	// 5. Book feed
	transportOpts := []feed.TransportOption{
		feed.WithPingInterval(time.Duration(cfg.Feed.PingIntervalSec) * time.Second),
	}
	if cfg.Feed.Auth {
		transportOpts = append(transportOpts, feed.WithAuth(b.Client.Signer()))
	}
	feedOpts := []feed.FeedOption{
		feed.WithFeedMetrics(b.Metrics),
		feed.WithTransportOptions(transportOpts...),
	}
	if cfg.Feed.MessageLog != "" {
		b.msgLog = &lumberjack.Logger{
			Filename:   cfg.Feed.MessageLog,
			MaxSize:    50,
			MaxBackups: 5,
			Compress:   true,
		}
		feedOpts = append(feedOpts, feed.WithMessageLog(b.msgLog))
	}
	b.Feed = feed.NewBookFeed(cfg.Exchange.WSURL, cfg.MarketMaker.ProductID, cfg.Feed.Channels, b.Client, feedOpts...)

	// 6. Market maker
	deps := marketmaker.Deps{
		Book:     b.Feed,
		Gateway:  b.Client,
		Balances: b.Accounts,
		Fills:    b.Sink,
		Metrics:  b.Metrics,
	}
	if b.Storage != nil {
		deps.History = b.Storage
	}
	mm, err := marketmaker.New(cfg.MarketMaker, deps)
	if err != nil {
		return err
	}
	b.MarketMaker = mm
	slog.Info("✅ Market maker ready")
	return nil
}

// Start connects the book feed, starts the stats poller and logs the
// product's market state.
func (b *Bootstrap) Start(ctx context.Context) error {
	if err := b.Feed.Start(ctx); err != nil {
		return fmt.Errorf("start feed: %w", err)
	}
	slog.Info("✅ Book feed started", slog.String("url", b.Config.Exchange.WSURL))
	if err := b.Poller.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	b.logMarket(ctx)
	return nil
}

// onPrice compares the polled REST price with the streamed ticker. A wide
// gap usually means the feed has fallen behind.
func (b *Bootstrap) onPrice(price decimal.Decimal) {
	attrs := []any{slog.String("product", b.Product.ID()), slog.String("price", price.String())}
	if b.Feed != nil {
		if t, ok := b.Feed.GetCurrentTicker(); ok && price.IsPositive() {
			drift := t.Price.Sub(price).Abs().Div(price)
			attrs = append(attrs, slog.String("ticker", t.Price.String()))
			if drift.GreaterThan(maxTickerDrift) {
				slog.Warn("Polled price diverges from feed ticker", append(attrs, slog.String("drift", drift.StringFixed(4)))...)
				return
			}
		}
	}
	slog.Debug("Polled price", attrs...)
}

func (b *Bootstrap) logMarket(ctx context.Context) {
	price, _ := b.Product.Price(ctx)
	vol, _ := b.Product.Volume24h(ctx)
	high, _ := b.Product.High24h(ctx)
	low, _ := b.Product.Low24h(ctx)
	slog.Info("📈 Market",
		slog.String("product", b.Product.ID()),
		slog.String("price", price.String()),
		slog.String("volume_24h", vol.String()),
		slog.String("high_24h", high.String()),
		slog.String("low_24h", low.String()))
}

// Close releases everything Initialize opened, in dependency order: the
// poller and feed first, then the fill sink (draining queued fills), then the
// recorders behind it. Run the market maker to completion before calling.
func (b *Bootstrap) Close() error {
	var errs []error
	if b.Poller != nil {
		b.Poller.Stop()
	}
	if b.Feed != nil {
		b.Feed.Close()
	}
	if b.Sink != nil {
		b.Sink.Close()
	}
	if b.Kafka != nil {
		errs = append(errs, b.Kafka.Close())
	}
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	if b.Storage != nil {
		errs = append(errs, b.Storage.Close())
	}
	if b.msgLog != nil {
		errs = append(errs, b.msgLog.Close())
	}
	return errors.Join(errs...)
}
