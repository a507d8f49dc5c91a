package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"crypto_mm/internal/infra/coinbase"

	"github.com/gorilla/websocket"
)

type serverConn struct {
	conn   *websocket.Conn
	sub    subscribeFrame
	frames chan []byte
	pings  atomic.Int32
}

func (c *serverConn) send(t *testing.T, frame string) {
	t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

type wsServer struct {
	srv   *httptest.Server
	conns chan *serverConn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *serverConn, 8)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: c, frames: make(chan []byte, 16)}
		_, data, err := c.ReadMessage()
		if err != nil {
			c.Close()
			return
		}
		json.Unmarshal(data, &sc.sub)
		c.SetPingHandler(func(appData string) error {
			sc.pings.Add(1)
			return c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		})
		go func() {
			defer close(sc.frames)
			for {
				_, d, err := c.ReadMessage()
				if err != nil {
					return
				}
				sc.frames <- d
			}
		}()
		s.conns <- sc
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) next(t *testing.T) *serverConn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

type recorder struct {
	opens    atomic.Int32
	closes   atomic.Int32
	messages chan Message
	errs     chan error
}

func newRecorder() *recorder {
	return &recorder{messages: make(chan Message, 32), errs: make(chan error, 32)}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnOpen:    func() { r.opens.Add(1) },
		OnMessage: func(m Message) { r.messages <- m },
		OnClose:   func() { r.closes.Add(1) },
		OnError:   func(err error) { r.errs <- err },
	}
}

func (r *recorder) nextMessage(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-r.messages:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a message")
		return Message{}
	}
}

func startTransport(t *testing.T, s *wsServer, rec *recorder, opts ...TransportOption) *Transport {
	t.Helper()
	tr := NewTransport(s.url(), SubscribeRequest{ProductIDs: []string{"ETH-USD"}, Channels: []string{"full", "heartbeat"}}, rec.hooks(), opts...)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(tr.Disconnect)
	return tr
}

func TestTransport_SubscribeAndDeliver(t *testing.T) {
	s := newWSServer(t)
	rec := newRecorder()
	signer := coinbase.NewSigner("key", "c2VjcmV0", "pass")
	startTransport(t, s, rec, WithAuth(signer))

	sc := s.next(t)
	if sc.sub.Type != "subscribe" {
		t.Errorf("frame type = %q", sc.sub.Type)
	}
	if len(sc.sub.ProductIDs) != 1 || sc.sub.ProductIDs[0] != "ETH-USD" {
		t.Errorf("product_ids = %v", sc.sub.ProductIDs)
	}
	if len(sc.sub.Channels) != 2 {
		t.Errorf("channels = %v", sc.sub.Channels)
	}
	if sc.sub.Key != "key" || sc.sub.Passphrase != "pass" || sc.sub.Timestamp == "" {
		t.Errorf("auth fields missing: %+v", sc.sub)
	}
	if want := signer.Sign(sc.sub.Timestamp, "GET", "/users/self/verify", ""); sc.sub.Signature != want {
		t.Errorf("signature = %s, want %s", sc.sub.Signature, want)
	}

	sc.send(t, `{"type":"open","sequence":7,"side":"buy","price":"99.5","remaining_size":"1","order_id":"x"}`)
	msg := rec.nextMessage(t)
	if msg.Type != "open" || msg.Sequence == nil || *msg.Sequence != 7 || msg.OrderID != "x" {
		t.Errorf("unexpected message %+v", msg)
	}
	if rec.opens.Load() != 1 {
		t.Errorf("OnOpen called %d times", rec.opens.Load())
	}
}

func TestTransport_NoAuthFieldsWithoutAuthenticator(t *testing.T) {
	s := newWSServer(t)
	startTransport(t, s, newRecorder())

	sc := s.next(t)
	if sc.sub.Signature != "" || sc.sub.Key != "" {
		t.Errorf("unexpected auth fields: %+v", sc.sub)
	}
}

func TestTransport_ThreeDecodeFailuresForceReconnect(t *testing.T) {
	s := newWSServer(t)
	rec := newRecorder()
	startTransport(t, s, rec)

	first := s.next(t)
	// two failures then a good frame resets the counter
	first.send(t, "not json")
	first.send(t, "{broken")
	first.send(t, `{"type":"heartbeat"}`)
	rec.nextMessage(t)
	first.send(t, "x")
	first.send(t, "y")
	first.send(t, `{"type":"heartbeat"}`)
	rec.nextMessage(t)

	select {
	case c := <-s.conns:
		t.Fatalf("reconnected early: %+v", c.sub)
	case <-time.After(100 * time.Millisecond):
	}

	first.send(t, "a")
	first.send(t, "b")
	first.send(t, "c")

	second := s.next(t)
	if second.sub.Type != "subscribe" {
		t.Errorf("expected resubscribe, got %q", second.sub.Type)
	}

	select {
	case err := <-rec.errs:
		if !errors.Is(err, errDecodeFailures) {
			t.Errorf("OnError got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnError not called")
	}
	if rec.opens.Load() < 2 {
		t.Errorf("OnOpen should fire per connection, got %d", rec.opens.Load())
	}
}

func TestTransport_RemoteCloseReconnects(t *testing.T) {
	s := newWSServer(t)
	rec := newRecorder()
	startTransport(t, s, rec, WithReconnectDelay(10*time.Millisecond))

	first := s.next(t)
	first.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	first.conn.Close()

	second := s.next(t)
	second.send(t, `{"type":"heartbeat","sequence":1}`)
	if msg := rec.nextMessage(t); msg.Type != "heartbeat" {
		t.Errorf("unexpected %+v", msg)
	}
	select {
	case err := <-rec.errs:
		t.Errorf("clean close should not call OnError, got %v", err)
	default:
	}
}

func TestTransport_ReconnectFromOnMessage(t *testing.T) {
	s := newWSServer(t)
	rec := newRecorder()
	var tr *Transport
	hooks := rec.hooks()
	hooks.OnMessage = func(m Message) {
		rec.messages <- m
		if m.Type == "error" {
			tr.Reconnect()
		}
	}
	tr = NewTransport(s.url(), SubscribeRequest{ProductIDs: []string{"ETH-USD"}, Channels: []string{"full"}}, hooks)
	tr.Connect(context.Background())
	t.Cleanup(tr.Disconnect)

	first := s.next(t)
	first.send(t, `{"type":"error","message":"resync please"}`)
	rec.nextMessage(t)

	second := s.next(t)
	second.send(t, `{"type":"heartbeat"}`)
	rec.nextMessage(t)
	if !tr.IsConnected() {
		t.Error("expected connected after reconnect")
	}
}

func TestTransport_Ping(t *testing.T) {
	s := newWSServer(t)
	startTransport(t, s, newRecorder(), WithPingInterval(20*time.Millisecond))

	sc := s.next(t)
	deadline := time.Now().Add(2 * time.Second)
	for sc.pings.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sc.pings.Load() < 2 {
		t.Errorf("expected at least 2 pings, got %d", sc.pings.Load())
	}
}

func TestTransport_DisconnectTwice(t *testing.T) {
	s := newWSServer(t)
	rec := newRecorder()
	tr := NewTransport(s.url(), SubscribeRequest{ProductIDs: []string{"ETH-USD"}, Channels: []string{"full"}}, rec.hooks())
	tr.Connect(context.Background())

	sc := s.next(t)
	deadline := time.Now().Add(2 * time.Second)
	for !tr.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	tr.Disconnect()
	tr.Disconnect()

	if tr.IsConnected() {
		t.Error("still connected after Disconnect")
	}
	if got := rec.closes.Load(); got != 1 {
		t.Errorf("OnClose called %d times, want 1", got)
	}

	select {
	case frame, ok := <-sc.frames:
		if !ok {
			t.Fatal("connection closed before unsubscribe arrived")
		}
		var f subscribeFrame
		json.Unmarshal(frame, &f)
		if f.Type != "unsubscribe" || len(f.ProductIDs) != 1 {
			t.Errorf("unexpected frame %s", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no unsubscribe frame")
	}

	// a stopped transport can be started again
	tr.Connect(context.Background())
	s.next(t)
	tr.Disconnect()
}

func TestTransport_DialFailureGoesToOnError(t *testing.T) {
	rec := newRecorder()
	tr := NewTransport("ws://127.0.0.1:1", SubscribeRequest{}, rec.hooks())
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect must not surface dial errors, got %v", err)
	}
	defer tr.Disconnect()

	select {
	case err := <-rec.errs:
		if err == nil {
			t.Error("nil error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("dial failure not reported")
	}
}
