package fills

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"crypto_mm/internal/domain"
	"crypto_mm/internal/infra"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	name  string
	gate  chan struct{}
	fail  bool
	mu    sync.Mutex
	fills []domain.FillRecord
}

func (r *memRecorder) Name() string { return r.name }

func (r *memRecorder) RecordFill(ctx context.Context, fill domain.FillRecord) error {
	if r.gate != nil {
		<-r.gate
	}
	if r.fail {
		return errors.New("store down")
	}
	r.mu.Lock()
	r.fills = append(r.fills, fill)
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.fills))
	for i, f := range r.fills {
		out[i] = f.OrderID
	}
	return out
}

func TestSink_FanOutInOrder(t *testing.T) {
	a := &memRecorder{name: "a"}
	b := &memRecorder{name: "b"}
	s := NewSink(4, nil, a, b)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, s.RecordFill(context.Background(), domain.FillRecord{OrderID: id}))
	}
	s.Close()

	assert.Equal(t, []string{"1", "2", "3"}, a.ids())
	assert.Equal(t, []string{"1", "2", "3"}, b.ids())
}

func TestSink_FullQueueBlocksProducer(t *testing.T) {
	gate := make(chan struct{})
	rec := &memRecorder{name: "slow", gate: gate}
	s := NewSink(1, nil, rec)

	// one in flight at the recorder, one buffered
	require.NoError(t, s.RecordFill(context.Background(), domain.FillRecord{OrderID: "1"}))
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.RecordFill(context.Background(), domain.FillRecord{OrderID: "2"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.RecordFill(ctx, domain.FillRecord{OrderID: "3"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- s.RecordFill(context.Background(), domain.FillRecord{OrderID: "4"})
	}()
	select {
	case <-unblocked:
		t.Fatal("producer should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-unblocked)
	s.Close()
	assert.Equal(t, []string{"1", "2", "4"}, rec.ids())
}

func TestSink_RecorderErrorsAreCounted(t *testing.T) {
	m := infra.NewMetrics()
	bad := &memRecorder{name: "sqlite", fail: true}
	good := &memRecorder{name: "redis"}
	s := NewSink(2, m, bad, good)

	require.NoError(t, s.RecordFill(context.Background(), domain.FillRecord{OrderID: "x"}))
	s.Close()

	assert.Equal(t, []string{"x"}, good.ids())
	expected := `
# HELP mm_fill_recorder_errors_total Fill recorder failures, by recorder.
# TYPE mm_fill_recorder_errors_total counter
mm_fill_recorder_errors_total{recorder="sqlite"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "mm_fill_recorder_errors_total"))
}

func TestSink_CloseTwiceAndRecordAfterClose(t *testing.T) {
	s := NewSink(1, nil)
	s.Close()
	s.Close()
	assert.ErrorIs(t, s.RecordFill(context.Background(), domain.FillRecord{}), ErrClosed)
}

func TestSink_CloseReleasesBlockedProducer(t *testing.T) {
	gate := make(chan struct{})
	rec := &memRecorder{name: "slow", gate: gate}
	s := NewSink(1, nil, rec)

	require.NoError(t, s.RecordFill(context.Background(), domain.FillRecord{OrderID: "1"}))
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.RecordFill(context.Background(), domain.FillRecord{OrderID: "2"}))

	blocked := make(chan error, 1)
	go func() {
		blocked <- s.RecordFill(context.Background(), domain.FillRecord{OrderID: "3"})
	}()

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not release the blocked producer")
	}

	close(gate)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the recorder drained")
	}
	assert.Equal(t, []string{"1", "2"}, rec.ids())
}
