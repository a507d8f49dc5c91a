package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"crypto_mm/internal/book"
	"crypto_mm/internal/domain"
	"crypto_mm/internal/infra"
)

const (
	maxMalformed      = 3
	snapshotLevel     = 3
	snapshotRetryGap  = time.Second
	snapshotFetchWait = 15 * time.Second
)

// ErrBookNotReady is returned while the book is being (re)built.
var ErrBookNotReady = errors.New("book not ready")

// stream is the part of the Transport a BookFeed drives.
type stream interface {
	Connect(ctx context.Context) error
	Disconnect()
	Reconnect()
	IsConnected() bool
}

// FeedOption configures a BookFeed.
type FeedOption func(*BookFeed)

// WithMessageLog appends every received message to w as JSON lines.
func WithMessageLog(w io.Writer) FeedOption {
	return func(f *BookFeed) { f.msgLog = json.NewEncoder(w) }
}

// WithFeedMetrics records feed metrics.
func WithFeedMetrics(m *infra.Metrics) FeedOption {
	return func(f *BookFeed) { f.metrics = m }
}

// WithTransportOptions passes options to the underlying Transport.
func WithTransportOptions(opts ...TransportOption) FeedOption {
	return func(f *BookFeed) { f.transportOpts = append(f.transportOpts, opts...) }
}

// BookFeed keeps one product's level-3 book in sync with the stream. The
// transport's read goroutine is the only writer; readers get copies.
type BookFeed struct {
	productID     string
	source        domain.BookSource
	stream        stream
	metrics       *infra.Metrics
	logger        *slog.Logger
	transportOpts []TransportOption
	msgLog        *json.Encoder

	mu        sync.RWMutex
	book      *book.OrderBook // nil until seeded
	ticker    domain.Ticker
	hasTicker bool

	// read goroutine state
	ctx          context.Context
	needSnapshot bool
	lastAttempt  time.Time
	malformed    int

	messages atomic.Int64
	resyncs  atomic.Int64
}

// NewBookFeed builds a feed for productID over the stream at url, seeding
// from source.
func NewBookFeed(url, productID string, channels []string, source domain.BookSource, opts ...FeedOption) *BookFeed {
	f := &BookFeed{
		productID:    productID,
		source:       source,
		logger:       slog.Default().With("module", "book_feed", "product", productID),
		ctx:          context.Background(),
		needSnapshot: true,
	}
	for _, opt := range opts {
		opt(f)
	}

	transportOpts := append([]TransportOption{WithMetrics(f.metrics)}, f.transportOpts...)
	f.stream = NewTransport(url, SubscribeRequest{
		ProductIDs: []string{productID},
		Channels:   channels,
	}, Hooks{
		OnOpen:    f.handleOpen,
		OnMessage: f.HandleMessage,
		OnError:   f.handleError,
	}, transportOpts...)
	return f
}

// Start connects the stream. The book becomes readable once the first
// snapshot is applied.
func (f *BookFeed) Start(ctx context.Context) error {
	f.ctx = ctx
	return f.stream.Connect(ctx)
}

// Close disconnects the stream and waits for the read goroutine.
func (f *BookFeed) Close() {
	f.stream.Disconnect()
}

// IsConnected reports the transport state.
func (f *BookFeed) IsConnected() bool {
	return f.stream.IsConnected()
}

// Ready reports whether a seeded book is being maintained.
func (f *BookFeed) Ready() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.book != nil
}

// GetCurrentBook returns a point-in-time copy of the book.
func (f *BookFeed) GetCurrentBook() (book.Snapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.book == nil {
		return book.Snapshot{}, ErrBookNotReady
	}
	return f.book.Snapshot(), nil
}

// GetCurrentTicker returns the last trade seen on the stream.
func (f *BookFeed) GetCurrentTicker() (domain.Ticker, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ticker, f.hasTicker
}

// MessageCount is the number of messages handled since construction.
func (f *BookFeed) MessageCount() int64 {
	return f.messages.Load()
}

// ResyncCount is the number of forced rebuilds.
func (f *BookFeed) ResyncCount() int64 {
	return f.resyncs.Load()
}

func (f *BookFeed) handleOpen() {
	f.invalidate()
	f.malformed = 0
	f.logger.Info("stream open, awaiting snapshot")
}

func (f *BookFeed) handleError(err error) {
	f.logger.Warn("stream error", slog.Any("error", err))
}

// HandleMessage applies one stream message. It runs on the read goroutine.
func (f *BookFeed) HandleMessage(msg Message) {
	f.messages.Add(1)
	f.metrics.RecordFeedMessage(msg.Type)
	if f.msgLog != nil {
		if err := f.msgLog.Encode(msg); err != nil {
			f.logger.Debug("message log write failed", slog.Any("error", err))
		}
	}

	switch msg.Type {
	case TypeSubscriptions, TypeHeartbeat:
		return
	case TypeError:
		f.logger.Warn("feed error message", slog.String("message", msg.Message), slog.String("reason", msg.Reason))
		return
	case TypeTicker, TypeLastMatch:
		if msg.ProductID == f.productID && msg.Price.Valid {
			t := msg.tickerFromTicker()
			if msg.Type == TypeLastMatch {
				t = msg.tickerFromMatch()
			}
			f.setTicker(t)
		}
		return
	}

	if !msg.IsBookEvent() {
		f.logger.Debug("unknown message type dropped", slog.String("type", msg.Type))
		return
	}
	if msg.ProductID != "" && msg.ProductID != f.productID {
		return
	}

	ev, err := msg.toEvent()
	if err != nil {
		f.malformed++
		f.logger.Warn("malformed book message dropped", slog.Any("error", err), slog.Int("consecutive", f.malformed))
		if f.malformed >= maxMalformed {
			f.resync("malformed")
		}
		return
	}
	f.malformed = 0

	if f.needSnapshot && !f.seed() {
		return
	}

	f.mu.Lock()
	res, err := f.book.Apply(ev)
	if res == book.Applied && ev.Type == book.EventMatch {
		f.ticker, f.hasTicker = msg.tickerFromMatch(), true
	}
	f.mu.Unlock()
	f.metrics.RecordBookEvent(res.String())

	switch res {
	case book.Gap:
		f.metrics.RecordGap()
		f.logger.Warn("gap detected", slog.Int64("book_sequence", f.sequence()), slog.Int64("event_sequence", ev.Sequence))
		f.resync("gap")
	case book.Rejected:
		if errors.Is(err, book.ErrBookCorrupt) {
			f.logger.Warn("book corrupt", slog.Any("error", err), slog.Int64("sequence", ev.Sequence))
			f.resync("corrupt")
			return
		}
		// the event itself was bad; the book is untouched
		f.logger.Warn("book event rejected", slog.Any("error", err), slog.Int64("sequence", ev.Sequence))
		f.malformed++
		if f.malformed >= maxMalformed {
			f.resync("malformed")
		}
	}
}

// seed fetches a level-3 snapshot and installs a fresh book. Attempts are
// spaced by snapshotRetryGap.
func (f *BookFeed) seed() bool {
	if time.Since(f.lastAttempt) < snapshotRetryGap {
		return false
	}
	f.lastAttempt = time.Now()

	ctx, cancel := context.WithTimeout(f.ctx, snapshotFetchWait)
	defer cancel()
	snap, err := f.source.GetBook(ctx, f.productID, snapshotLevel)
	if err != nil {
		f.logger.Warn("snapshot fetch failed", slog.Any("error", err))
		return false
	}
	fresh, err := book.FromSnapshot(snap)
	if err != nil {
		f.logger.Warn("snapshot rejected", slog.Any("error", err))
		return false
	}

	f.mu.Lock()
	f.book = fresh
	f.mu.Unlock()
	f.needSnapshot = false
	bids, asks := fresh.Depth()
	f.logger.Info("book seeded", slog.Int64("sequence", snap.Sequence), slog.Int("bid_levels", bids), slog.Int("ask_levels", asks))
	return true
}

func (f *BookFeed) sequence() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.book == nil {
		return 0
	}
	return f.book.Sequence()
}

func (f *BookFeed) invalidate() {
	f.mu.Lock()
	f.book = nil
	f.mu.Unlock()
	f.needSnapshot = true
	f.lastAttempt = time.Time{}
}

// resync drops the book and restarts the stream; the next message after
// reconnect seeds a fresh book.
func (f *BookFeed) resync(reason string) {
	f.invalidate()
	f.malformed = 0
	f.resyncs.Add(1)
	f.metrics.RecordResync(reason)
	f.logger.Warn("book resync", slog.String("reason", reason))
	f.stream.Reconnect()
}

func (f *BookFeed) setTicker(t domain.Ticker) {
	f.mu.Lock()
	f.ticker, f.hasTicker = t, true
	f.mu.Unlock()
}
