package cable

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "spacechat/internal/errors"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []clientFrame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection closed")
	case data := <-c.in:
		return data, nil
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(frame string) {
	c.in <- []byte(frame)
}

func (c *fakeConn) commands(command string) []clientFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []clientFrame
	for _, f := range c.written {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	var c *fakeConn
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.conns) > i {
			c = d.conns[i]
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return c
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

// timerRecorder captures reconnect delays. With auto set, callbacks fire immediately.
type timerRecorder struct {
	mu     sync.Mutex
	auto   bool
	delays []time.Duration
	fns    []func()
}

func (r *timerRecorder) afterFunc(d time.Duration, f func()) timer {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.fns = append(r.fns, f)
	auto := r.auto
	r.mu.Unlock()
	if auto {
		go f()
	}
	return fakeTimer{}
}

func (r *timerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delays)
}

func (r *timerRecorder) delay(i int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delays[i]
}

func (r *timerRecorder) fire(i int) {
	r.mu.Lock()
	f := r.fns[i]
	r.mu.Unlock()
	f()
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestTransport(d Dialer, cfg Config) (*Transport, *timerRecorder) {
	if cfg.URL == "" {
		cfg.URL = "ws://example.test/cable"
	}
	tr := NewTransport(cfg, d, testLogger())
	rec := &timerRecorder{}
	tr.afterFunc = rec.afterFunc
	return tr, rec
}

func connectTransport(t *testing.T, tr *Transport, d *fakeDialer, index int) *fakeConn {
	t.Helper()
	conn := d.conn(t, index)
	conn.push(`{"type":"welcome"}`)
	require.Eventually(t, tr.Connected, time.Second, 5*time.Millisecond)
	return conn
}

func TestConnect_WithoutLiveCapability(t *testing.T) {
	tr := NewTransport(DefaultConfig("ws://example.test/cable"), nil, testLogger())

	var states []State
	tr.OnStateChange(func(s State, _ error) { states = append(states, s) })

	require.NoError(t, tr.Connect(context.Background(), "token"))

	state, err := tr.State()
	assert.Equal(t, StateDisconnected, state)
	assert.True(t, apperrors.IsConnectionError(err))
	assert.False(t, tr.Available())
	assert.Equal(t, []State{StateDisconnected}, states)
}

func TestConnect_IdempotentAndWelcome(t *testing.T) {
	d := &fakeDialer{}
	tr, _ := newTestTransport(d, Config{})
	defer tr.Disconnect()

	var mu sync.Mutex
	var states []State
	tr.OnStateChange(func(s State, _ error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx, "secret"))
	require.NoError(t, tr.Connect(ctx, "secret"))

	connectTransport(t, tr, d, 0)
	require.NoError(t, tr.Connect(ctx, "secret"))

	assert.Equal(t, 1, d.dials())
	assert.Equal(t, "ws://example.test/cable?token=secret", d.urls[0])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected}, states)
}

func TestReconnect_BackoffScheduleAndExhaustion(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	tr, rec := newTestTransport(d, Config{})
	rec.auto = true
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background(), "token"))

	require.Eventually(t, func() bool {
		s, _ := tr.State()
		return s == StateErrored
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	delays := append([]time.Duration(nil), rec.delays...)
	rec.mu.Unlock()
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, delays)
	assert.Equal(t, 6, d.dials())

	_, err := tr.State()
	assert.True(t, apperrors.IsConnectionError(err))
	assert.False(t, apperrors.IsRetryable(err), "exhaustion is fatal")

	tr.Retry()
	require.Eventually(t, func() bool { return rec.count() == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Second, rec.delay(5), "retry resets the budget")
}

func TestReconnect_ResubscribesExceptRejected(t *testing.T) {
	d := &fakeDialer{}
	tr, rec := newTestTransport(d, Config{})
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background(), "token"))
	first := connectTransport(t, tr, d, 0)

	allowed := Identifier("MessagesChannel", map[string]string{"booking_id": "1"})
	denied := Identifier("MessagesChannel", map[string]string{"booking_id": "2"})

	var mu sync.Mutex
	var confirmed, rejected, disconnected int
	tr.Subscribe(allowed, SubscriptionHandlers{
		OnConfirmed:    func() { mu.Lock(); confirmed++; mu.Unlock() },
		OnDisconnected: func(error) { mu.Lock(); disconnected++; mu.Unlock() },
	})
	deniedSub := tr.Subscribe(denied, SubscriptionHandlers{
		OnRejected: func() { mu.Lock(); rejected++; mu.Unlock() },
	})

	assert.Len(t, first.commands(commandSubscribe), 2)

	first.push(`{"type":"confirm_subscription","identifier":` + quote(allowed) + `}`)
	first.push(`{"type":"reject_subscription","identifier":` + quote(denied) + `}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return confirmed == 1 && rejected == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, SubscriptionRejected, deniedSub.State())
	assert.False(t, deniedSub.Perform(map[string]string{"action": "x"}))

	first.Close("drop")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rec.count() == 1 && disconnected == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Second, rec.delay(0))

	rec.fire(0)
	second := connectTransport(t, tr, d, 1)

	require.Eventually(t, func() bool { return len(second.commands(commandSubscribe)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, allowed, second.commands(commandSubscribe)[0].Identifier)
}

func TestDisconnectFrame_WithoutReconnectIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	tr, rec := newTestTransport(d, Config{})
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background(), "token"))
	conn := connectTransport(t, tr, d, 0)

	conn.push(`{"type":"disconnect","reason":"unauthorized","reconnect":false}`)

	require.Eventually(t, func() bool {
		s, _ := tr.State()
		return s == StateRejected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 1, d.dials())
}

func TestHealth_PingTimeoutTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	tr, rec := newTestTransport(d, Config{
		HealthCheckInterval: 10 * time.Millisecond,
		PingTimeout:         60 * time.Millisecond,
	})
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background(), "token"))
	conn := connectTransport(t, tr, d, 0)

	for i := 0; i < 4; i++ {
		conn.push(`{"type":"ping","message":1700000000}`)
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, tr.Connected(), "pings keep the connection alive")

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	state, err := tr.State()
	assert.Equal(t, StateDisconnected, state)
	assert.True(t, apperrors.IsConnectionError(err))
}

func TestHealth_StalledConnectFails(t *testing.T) {
	d := &fakeDialer{}
	tr, rec := newTestTransport(d, Config{
		HealthCheckInterval: 10 * time.Millisecond,
		ConnectTimeout:      50 * time.Millisecond,
	})
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background(), "token"))
	d.conn(t, 0)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	state, _ := tr.State()
	assert.Equal(t, StateDisconnected, state)
}

func TestDisconnect_StopsCallbacks(t *testing.T) {
	d := &fakeDialer{}
	tr, rec := newTestTransport(d, Config{})

	require.NoError(t, tr.Connect(context.Background(), "token"))
	conn := connectTransport(t, tr, d, 0)

	id := Identifier("MessagesChannel", map[string]string{"booking_id": "7"})
	var mu sync.Mutex
	received := 0
	tr.Subscribe(id, SubscriptionHandlers{
		OnMessage: func(json.RawMessage) { mu.Lock(); received++; mu.Unlock() },
	})
	conn.push(`{"type":"confirm_subscription","identifier":` + quote(id) + `}`)
	conn.push(`{"identifier":` + quote(id) + `,"message":{"type":"new_message"}}`)
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return received == 1 }, time.Second, 5*time.Millisecond)

	tr.Disconnect()
	tr.Disconnect()
	tr.Wait()

	conn.push(`{"identifier":` + quote(id) + `,"message":{"type":"new_message"}}`)
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, received)
	mu.Unlock()
	assert.Equal(t, 0, rec.count())
	state, err := tr.State()
	assert.Equal(t, StateDisconnected, state)
	assert.NoError(t, err)
}

func TestSubscription_Perform(t *testing.T) {
	d := &fakeDialer{}
	tr, _ := newTestTransport(d, Config{})
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background(), "token"))
	conn := connectTransport(t, tr, d, 0)

	id := Identifier("MessagesChannel", map[string]string{"booking_id": "3"})
	sub := tr.Subscribe(id, SubscriptionHandlers{})
	assert.False(t, sub.Perform(map[string]any{"action": "mark_typing"}), "pending subscriptions cannot send")

	conn.push(`{"type":"confirm_subscription","identifier":` + quote(id) + `}`)
	require.Eventually(t, sub.Active, time.Second, 5*time.Millisecond)

	assert.True(t, sub.Perform(map[string]any{"action": "mark_typing", "is_typing": true}))
	frames := conn.commands(commandMessage)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"action":"mark_typing","is_typing":true}`, frames[0].Data)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Len(t, conn.commands(commandLeave), 1)
	assert.False(t, sub.Perform(map[string]any{"action": "mark_typing"}))
}

func TestIdentifier_Deterministic(t *testing.T) {
	a := Identifier("MessagesChannel", map[string]string{"booking_id": "5"})
	b := Identifier("MessagesChannel", map[string]string{"booking_id": "5"})
	assert.Equal(t, a, b)
	assert.JSONEq(t, `{"channel":"MessagesChannel","booking_id":"5"}`, a)
}

func TestWebsocketDialer_EndToEnd(t *testing.T) {
	id := Identifier("MessagesChannel", map[string]string{"booking_id": "42"})
	gotToken := make(chan string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}})
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"welcome"}`))
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var frame clientFrame
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			if frame.Command == commandSubscribe {
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"confirm_subscription","identifier":`+quote(frame.Identifier)+`}`))
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"identifier":`+quote(frame.Identifier)+`,"message":{"type":"new_message","message":{"id":9}}}`))
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	tr := NewTransport(DefaultConfig(wsURL), NewWebsocketDialer(), testLogger())
	defer tr.Disconnect()

	received := make(chan json.RawMessage, 1)
	require.NoError(t, tr.Connect(context.Background(), "abc"))
	require.Eventually(t, tr.Connected, 2*time.Second, 10*time.Millisecond)
	tr.Subscribe(id, SubscriptionHandlers{
		OnMessage: func(msg json.RawMessage) { received <- msg },
	})

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"type":"new_message","message":{"id":9}}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no data frame received")
	}
	assert.Equal(t, "abc", <-gotToken)
}

func quote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
