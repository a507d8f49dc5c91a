package infra

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one feed + market maker pair.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	feedMessages      *prometheus.CounterVec
	bookEvents        *prometheus.CounterVec
	bookGaps          prometheus.Counter
	bookResyncs       *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	reconnects        prometheus.Counter
	activeConnections prometheus.Gauge

	ordersPlaced     *prometheus.CounterVec
	ordersCancelled  *prometheus.CounterVec
	ordersFilled     *prometheus.CounterVec
	fillsNotReplaced *prometheus.CounterVec
	orderErrors      *prometheus.CounterVec
	realizedPnL      *prometheus.GaugeVec
	openOrders       *prometheus.GaugeVec
	cycleLatency     prometheus.Histogram

	fillRecorderErrors *prometheus.CounterVec
	restRequests       *prometheus.CounterVec

	productPrice *prometheus.GaugeVec
	balances     *prometheus.GaugeVec
}

// NewMetrics builds the collectors and registers them on a fresh registry
// together with the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		feedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_feed_messages_total",
			Help: "Feed messages received, by type.",
		}, []string{"type"}),
		bookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_book_events_total",
			Help: "Book events by apply result.",
		}, []string{"result"}),
		bookGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_book_gaps_total",
			Help: "Sequence gaps detected on the book feed.",
		}),
		bookResyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_book_resyncs_total",
			Help: "Book rebuilds, by reason.",
		}, []string{"reason"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_feed_decode_errors_total",
			Help: "Feed frames that failed to decode.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mm_feed_reconnects_total",
			Help: "Stream transport reconnects.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mm_feed_active_connections",
			Help: "Open stream connections.",
		}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_placed_total",
			Help: "Orders posted, by side and outcome.",
		}, []string{"side", "outcome"}),
		ordersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_cancelled_total",
			Help: "Orders cancelled, by side.",
		}, []string{"side"}),
		ordersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_orders_filled_total",
			Help: "Orders filled, by side.",
		}, []string{"side"}),
		fillsNotReplaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_fills_not_replaced_total",
			Help: "Fills whose paired order was skipped because of position limits.",
		}, []string{"side"}),
		orderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_order_errors_total",
			Help: "Order-domain errors by action.",
		}, []string{"action"}),
		realizedPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_realized_pnl",
			Help: "Cumulative realized PnL in quote currency.",
		}, []string{"product"}),
		openOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_open_orders",
			Help: "Open managed orders, by side.",
		}, []string{"side"}),
		cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mm_cycle_latency_seconds",
			Help:    "Duration of one market maker cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		fillRecorderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_fill_recorder_errors_total",
			Help: "Fill recorder failures, by recorder.",
		}, []string{"recorder"}),
		restRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mm_rest_requests_total",
			Help: "REST requests, by method and status class.",
		}, []string{"method", "status"}),
		productPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_product_price",
			Help: "Last polled trade price, by product.",
		}, []string{"product"}),
		balances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mm_account_balance",
			Help: "Last polled account balance, by currency.",
		}, []string{"currency"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.feedMessages,
		m.bookEvents,
		m.bookGaps,
		m.bookResyncs,
		m.decodeErrors,
		m.reconnects,
		m.activeConnections,
		m.ordersPlaced,
		m.ordersCancelled,
		m.ordersFilled,
		m.fillsNotReplaced,
		m.orderErrors,
		m.realizedPnL,
		m.openOrders,
		m.cycleLatency,
		m.fillRecorderErrors,
		m.restRequests,
		m.productPrice,
		m.balances,
	)
	return m
}

// Registry exposes the underlying registry (for tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the Prometheus metrics endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordFeedMessage(msgType string) {
	if m == nil {
		return
	}
	m.feedMessages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordBookEvent(result string) {
	if m == nil {
		return
	}
	m.bookEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordGap() {
	if m == nil {
		return
	}
	m.bookGaps.Inc()
}

func (m *Metrics) RecordResync(reason string) {
	if m == nil {
		return
	}
	m.bookResyncs.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) RecordOrderPlaced(side, outcome string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(side, outcome).Inc()
}

func (m *Metrics) RecordOrderCancelled(side string) {
	if m == nil {
		return
	}
	m.ordersCancelled.WithLabelValues(side).Inc()
}

// RecordOrderFilled records a filled order.
func (m *Metrics) RecordOrderFilled(side string) {
	if m == nil {
		return
	}
	m.ordersFilled.WithLabelValues(side).Inc()
}

func (m *Metrics) RecordFillNotReplaced(side string) {
	if m == nil {
		return
	}
	m.fillsNotReplaced.WithLabelValues(side).Inc()
}

func (m *Metrics) RecordOrderError(action string) {
	if m == nil {
		return
	}
	m.orderErrors.WithLabelValues(action).Inc()
}

// AddRealizedPnL adds pnl (quote currency) to the running total.
func (m *Metrics) AddRealizedPnL(product string, pnl float64) {
	if m == nil {
		return
	}
	m.realizedPnL.WithLabelValues(product).Add(pnl)
}

func (m *Metrics) SetOpenOrders(side string, n int) {
	if m == nil {
		return
	}
	m.openOrders.WithLabelValues(side).Set(float64(n))
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordFillRecorderError(recorder string) {
	if m == nil {
		return
	}
	m.fillRecorderErrors.WithLabelValues(recorder).Inc()
}

func (m *Metrics) RecordRESTRequest(method, status string) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(method, status).Inc()
}

func (m *Metrics) SetProductPrice(product string, price float64) {
	if m == nil {
		return
	}
	m.productPrice.WithLabelValues(product).Set(price)
}

func (m *Metrics) SetBalance(currency string, balance float64) {
	if m == nil {
		return
	}
	m.balances.WithLabelValues(currency).Set(balance)
}
