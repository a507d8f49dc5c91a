// Package fills delivers filled-order audit records to the configured
// recorders off the market maker's critical path.
package fills

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crypto_mm/internal/domain"
	"crypto_mm/internal/infra"
)

const (
	DefaultBuffer = 64

	recordTimeout = 5 * time.Second
)

// ErrClosed is returned by RecordFill after Close.
var ErrClosed = errors.New("fill sink closed")

// Recorder persists or publishes one fill.
type Recorder interface {
	Name() string
	RecordFill(ctx context.Context, fill domain.FillRecord) error
}

// Sink is a bounded queue in front of a set of recorders. A full queue
// blocks the producer.
type Sink struct {
	queue     chan domain.FillRecord
	recorders []Recorder
	metrics   *infra.Metrics
	logger    *slog.Logger

	mu        sync.RWMutex
	closed    bool
	closing   chan struct{}
	inflight  sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// NewSink starts the consumer goroutine. buffer <= 0 uses DefaultBuffer.
func NewSink(buffer int, metrics *infra.Metrics, recorders ...Recorder) *Sink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Sink{
		queue:     make(chan domain.FillRecord, buffer),
		recorders: recorders,
		metrics:   metrics,
		logger:    slog.Default().With("module", "fill_sink"),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// RecordFill queues a fill. It blocks while the queue is full until ctx is
// done or the sink closes.
func (s *Sink) RecordFill(ctx context.Context, fill domain.FillRecord) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	select {
	case s.queue <- fill:
		return nil
	case <-s.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending is the number of queued fills.
func (s *Sink) Pending() int {
	return len(s.queue)
}

func (s *Sink) run() {
	defer close(s.done)
	for fill := range s.queue {
		s.deliver(fill)
	}
}

func (s *Sink) deliver(fill domain.FillRecord) {
	for _, r := range s.recorders {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := r.RecordFill(ctx, fill)
		cancel()
		if err != nil {
			s.metrics.RecordFillRecorderError(r.Name())
			s.logger.Warn("fill recorder failed",
				slog.String("recorder", r.Name()),
				slog.String("order_id", fill.OrderID),
				slog.Any("error", err))
		}
	}
}

// Close stops accepting fills, releases producers blocked on a full queue,
// drains the queue and waits for delivery. Safe to call twice.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.closing)
		s.mu.Unlock()

		s.inflight.Wait()
		close(s.queue)
	})
	<-s.done
}
