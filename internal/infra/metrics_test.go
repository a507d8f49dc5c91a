package infra

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordFeedMessage("open")
	m.RecordFeedMessage("open")
	m.RecordFeedMessage("match")
	m.RecordGap()
	m.RecordResync("gap")
	m.RecordOrderFilled("buy")
	m.RecordFillNotReplaced("sell")

	if got := testutil.ToFloat64(m.feedMessages.WithLabelValues("open")); got != 2 {
		t.Errorf("Expected 2 open messages, got %v", got)
	}
	if got := testutil.ToFloat64(m.bookGaps); got != 1 {
		t.Errorf("Expected 1 gap, got %v", got)
	}
	if got := testutil.ToFloat64(m.bookResyncs.WithLabelValues("gap")); got != 1 {
		t.Errorf("Expected 1 resync, got %v", got)
	}
	if got := testutil.ToFloat64(m.fillsNotReplaced.WithLabelValues("sell")); got != 1 {
		t.Errorf("Expected 1 not replaced, got %v", got)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := NewMetrics()

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()
	if got := testutil.ToFloat64(m.activeConnections); got != 3 {
		t.Errorf("Expected 3 connections, got %v", got)
	}

	m.DecrementConnections()
	if got := testutil.ToFloat64(m.activeConnections); got != 2 {
		t.Errorf("Expected 2 connections, got %v", got)
	}
}

func TestMetrics_PnLAccumulates(t *testing.T) {
	m := NewMetrics()
	m.AddRealizedPnL("ETH-USD", 1.5)
	m.AddRealizedPnL("ETH-USD", -0.25)

	if got := testutil.ToFloat64(m.realizedPnL.WithLabelValues("ETH-USD")); got != 1.25 {
		t.Errorf("Expected pnl 1.25, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordGap()
	m.RecordOrderPlaced("buy", "created")
	m.ObserveCycle(time.Second)
	m.AddRealizedPnL("ETH-USD", 1)
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveCycle(15 * time.Millisecond)
	m.RecordOrderPlaced("buy", "created")

	count, err := testutil.GatherAndCount(m.Registry(), "mm_cycle_latency_seconds", "mm_orders_placed_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 series, got %d", count)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mm_orders_placed_total") {
		t.Error("handler output missing mm_orders_placed_total")
	}
}
