// Package feed turns the venue's streaming endpoint into a live order book:
// a reconnecting websocket transport and the BookFeed that seeds, applies and
// resyncs the book.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"crypto_mm/internal/domain"
	"crypto_mm/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	DefaultURL = "wss://ws-feed.exchange.coinbase.com"

	pingInterval      = 30 * time.Second
	readTimeout       = 60 * time.Second
	writeTimeout      = 10 * time.Second
	handshakeTimeout  = 10 * time.Second
	remoteCloseDelay  = 2 * time.Second
	maxDecodeFailures = 3

	authPath = "/users/self/verify"
)

var (
	errRemoteClosed   = errors.New("remote closed the stream")
	errReconnect      = errors.New("reconnect requested")
	errDecodeFailures = errors.New("too many undecodable frames")
)

// Hooks are invoked from the transport's read goroutine. They must not call
// Disconnect.
type Hooks struct {
	OnOpen    func()
	OnMessage func(Message)
	OnClose   func()
	OnError   func(error)
}

// SubscribeRequest selects products and channels.
type SubscribeRequest struct {
	ProductIDs []string
	Channels   []string
}

// Authenticator signs the subscribe frame.
type Authenticator interface {
	Key() string
	Passphrase() string
	Timestamp() string
	Sign(timestamp, method, path, body string) string
}

type subscribeFrame struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
	Signature  string   `json:"signature,omitempty"`
	Key        string   `json:"key,omitempty"`
	Passphrase string   `json:"passphrase,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithAuth signs the subscribe frame.
func WithAuth(a Authenticator) TransportOption {
	return func(t *Transport) { t.auth = a }
}

// WithPingInterval overrides the 30s keepalive.
func WithPingInterval(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.pingInterval = d
		}
	}
}

// WithReconnectDelay overrides the pause after a clean remote close.
func WithReconnectDelay(d time.Duration) TransportOption {
	return func(t *Transport) { t.reconnectDelay = d }
}

// WithMetrics records connection metrics.
func WithMetrics(m *infra.Metrics) TransportOption {
	return func(t *Transport) { t.metrics = m }
}

var _ domain.ExchangeWorker = (*Transport)(nil)

// Transport is a persistent websocket connection that re-dials and
// resubscribes until Disconnect.
type Transport struct {
	url            string
	sub            SubscribeRequest
	hooks          Hooks
	auth           Authenticator
	pingInterval   time.Duration
	reconnectDelay time.Duration
	metrics        *infra.Metrics
	logger         *slog.Logger

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	reconnect atomic.Bool
	// owned by the read goroutine
	decodeFailures int
}

// NewTransport creates a Transport. Nothing is dialed until Connect.
func NewTransport(url string, sub SubscribeRequest, hooks Hooks, opts ...TransportOption) *Transport {
	if url == "" {
		url = DefaultURL
	}
	t := &Transport{
		url:            url,
		sub:            sub,
		hooks:          hooks,
		pingInterval:   pingInterval,
		reconnectDelay: remoteCloseDelay,
		logger:         slog.Default().With("module", "stream_transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect starts the connection loop. Dial and subscribe failures are
// reported through OnError and retried with backoff; they are never
// returned. Calling Connect on a running transport is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.connectionLoop(ctx)
	return nil
}

func (t *Transport) connectionLoop(ctx context.Context) {
	defer t.wg.Done()
	retryCount := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := t.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("stream connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			t.fireError(domain.NewNetworkError("connect", err))
			retryCount++
			if !sleepCtx(ctx, infra.CalculateBackoff(retryCount)) {
				return
			}
			continue
		}

		retryCount = 0
		connCtx, stopPing := context.WithCancel(ctx)
		t.wg.Add(1)
		go t.pingLoop(connCtx, conn)

		if t.hooks.OnOpen != nil {
			t.hooks.OnOpen()
		}
		err = t.readLoop(ctx, conn)
		stopPing()
		t.closeConnection()

		if ctx.Err() != nil {
			return
		}
		t.metrics.RecordReconnect()
		t.logger.Info("stream reconnecting", slog.Any("reason", err))
		if errors.Is(err, errRemoteClosed) && !sleepCtx(ctx, t.reconnectDelay) {
			return
		}
	}
}

func (t *Transport) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		conn.Close()
		return nil, ctx.Err()
	}
	t.conn = conn
	t.connected = true
	t.mu.Unlock()
	t.metrics.IncrementConnections()
	t.reconnect.Store(false)
	t.decodeFailures = 0

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	if err := t.subscribe("subscribe"); err != nil {
		t.closeConnection()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	t.logger.Info("stream connected", slog.String("url", t.url), slog.Any("channels", t.sub.Channels))
	return conn, nil
}

func (t *Transport) subscribe(kind string) error {
	frame := subscribeFrame{
		Type:       kind,
		ProductIDs: t.sub.ProductIDs,
		Channels:   t.sub.Channels,
	}
	if t.auth != nil && kind == "subscribe" {
		ts := t.auth.Timestamp()
		frame.Timestamp = ts
		frame.Signature = t.auth.Sign(ts, "GET", authPath, "")
		frame.Key = t.auth.Key()
		frame.Passphrase = t.auth.Passphrase()
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return t.threadSafeWrite(websocket.TextMessage, b)
}

func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				t.logger.Debug("ping failed", slog.Any("error", err))
			}
		}
	}
}

func (t *Transport) threadSafeWrite(msgType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return fmt.Errorf("no conn")
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(msgType, data)
}

// readLoop delivers frames until the connection fails. The returned error
// says why.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case t.reconnect.Load():
				return errReconnect
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return errRemoteClosed
			}
			netErr := domain.NewNetworkError("read", err)
			t.fireError(netErr)
			return netErr
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.decodeFailures++
			t.metrics.RecordDecodeError()
			t.logger.Warn("undecodable frame", slog.Int("consecutive", t.decodeFailures), slog.Any("error", err))
			if t.decodeFailures >= maxDecodeFailures {
				failure := fmt.Errorf("%w: %d in a row, last: %v", errDecodeFailures, t.decodeFailures, err)
				t.fireError(failure)
				return failure
			}
			continue
		}
		t.decodeFailures = 0

		if t.hooks.OnMessage != nil {
			t.hooks.OnMessage(msg)
		}
		if t.reconnect.Load() {
			return errReconnect
		}
	}
}

func (t *Transport) fireError(err error) {
	if t.hooks.OnError != nil {
		t.hooks.OnError(err)
	}
}

// Reconnect drops the current socket; the connection loop re-dials and
// resubscribes. Safe to call from OnMessage.
func (t *Transport) Reconnect() {
	t.reconnect.Store(true)
	t.closeConnection()
}

func (t *Transport) closeConnection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
		t.metrics.DecrementConnections()
	}
	t.connected = false
}

// IsConnected reports whether a subscribed socket is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Disconnect unsubscribes, stops the loop and waits for it. Safe to call
// twice; Connect may be called again afterwards.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}

	if t.IsConnected() {
		if err := t.subscribe("unsubscribe"); err != nil {
			t.logger.Debug("unsubscribe failed", slog.Any("error", err))
		}
	}
	cancel()
	t.closeConnection()
	t.wg.Wait()

	if t.hooks.OnClose != nil {
		t.hooks.OnClose()
	}
	t.logger.Info("stream closed")
}

// Close is Disconnect.
func (t *Transport) Close() {
	t.Disconnect()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
