package cable

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"spacechat/internal/constants"
	apperrors "spacechat/internal/errors"
	"spacechat/internal/metrics"
	"spacechat/internal/retry"

	"github.com/sirupsen/logrus"
)

// Config controls connection health and reconnect behaviour
type Config struct {
	URL                 string
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	Backoff             retry.BackoffConfig
}

// DefaultConfig returns the production timings for the given cable URL
func DefaultConfig(url string) Config {
	return Config{
		URL:                 url,
		HealthCheckInterval: time.Duration(constants.DefaultHealthCheckIntervalMs) * time.Millisecond,
		ConnectTimeout:      time.Duration(constants.DefaultConnectTimeoutSec) * time.Second,
		PingTimeout:         time.Duration(constants.DefaultPingTimeoutSec) * time.Second,
		WriteTimeout:        time.Duration(constants.DefaultCableWriteTimeoutSec) * time.Second,
		Backoff:             retry.ReconnectBackoffConfig(),
	}
}

// StateListener is notified on every connection state transition
type StateListener func(state State, err error)

type timer interface {
	Stop() bool
}

// Transport owns one live connection per session and multiplexes channel subscriptions over it
type Transport struct {
	cfg     Config
	dialer  Dialer
	backoff *retry.Backoff
	logger  *logrus.Logger

	// afterFunc schedules reconnects; replaced in tests
	afterFunc func(time.Duration, func()) timer
	now       func() time.Time

	mu              sync.Mutex
	writeMu         sync.Mutex
	state           State
	lastErr         error
	credential      string
	conn            Conn
	gen             uint64
	attempt         int
	reconnectTimer  timer
	connectingSince time.Time
	lastSeen        time.Time
	subs            map[string]*Subscription
	listeners       map[int]StateListener
	nextListener    int
	runCtx          context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// NewTransport creates a transport. A nil dialer yields a transport without live capability.
func NewTransport(cfg Config, dialer Dialer, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	defaults := DefaultConfig(cfg.URL)
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaults.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = defaults.Backoff
	}
	return &Transport{
		cfg:     cfg,
		dialer:  dialer,
		backoff: retry.NewBackoff(cfg.Backoff),
		logger:  logger,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		now:       time.Now,
		state:     StateDisconnected,
		subs:      make(map[string]*Subscription),
		listeners: make(map[int]StateListener),
	}
}

// Available reports whether the transport can open live connections at all
func (t *Transport) Available() bool {
	return t.dialer != nil
}

// State returns the current connection state and the last recorded error
func (t *Transport) State() (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.lastErr
}

// Connected reports whether the welcome frame has been received on the current connection
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateConnected
}

// OnStateChange registers a listener and returns a function that removes it
func (t *Transport) OnStateChange(fn StateListener) func() {
	t.mu.Lock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Connect opens the live connection. It is a no-op while connecting or connected.
func (t *Transport) Connect(ctx context.Context, credential string) error {
	t.mu.Lock()
	if t.dialer == nil {
		changed := t.setStateLocked(StateDisconnected, apperrors.NewConnectionError("unavailable", false, nil))
		t.mu.Unlock()
		changed()
		t.logger.Debug("Live channel unavailable, staying disconnected")
		return nil
	}
	if t.state == StateConnecting || t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}

	t.credential = credential
	t.attempt = 0
	t.startLocked(ctx)
	changed := t.openLocked()
	t.mu.Unlock()
	changed()
	return nil
}

// Retry resets the reconnect budget and connects again after a terminal failure
func (t *Transport) Retry() {
	t.mu.Lock()
	if t.dialer == nil || t.runCtx == nil || t.state == StateConnecting || t.state == StateConnected {
		t.mu.Unlock()
		return
	}
	t.attempt = 0
	t.stopTimerLocked()
	changed := t.openLocked()
	t.mu.Unlock()

	t.logger.Info("Retrying live connection")
	changed()
}

// Disconnect tears down every subscription, cancels timers and closes the socket.
// It is safe to call repeatedly.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.gen++
	t.stopTimerLocked()
	conn := t.conn
	t.conn = nil
	for id, sub := range t.subs {
		sub.removed = true
		delete(t.subs, id)
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		t.runCtx = nil
	}
	t.attempt = 0
	metrics.SetGauge(metrics.ActiveSubscriptions, 0, nil, "Live channel subscriptions")
	changed := t.setStateLocked(StateDisconnected, nil)
	t.mu.Unlock()

	if conn != nil {
		go conn.Close("client disconnect")
	}
	changed()
}

// Wait blocks until every background goroutine has exited. Call it after Disconnect.
func (t *Transport) Wait() {
	t.wg.Wait()
}

func (t *Transport) startLocked(ctx context.Context) {
	if t.runCtx != nil {
		return
	}
	t.runCtx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.monitor(t.runCtx)
}

// openLocked begins a new connection attempt. The caller must hold t.mu and
// invoke the returned notifier after releasing it.
func (t *Transport) openLocked() func() {
	t.gen++
	gen := t.gen
	t.connectingSince = t.now()
	changed := t.setStateLocked(StateConnecting, nil)

	target, err := connectURL(t.cfg.URL, t.credential)
	if err != nil {
		t.gen++
		return t.setStateLocked(StateErrored, apperrors.NewConnectionError("invalid url", true, err))
	}

	ctx := t.runCtx
	t.wg.Add(1)
	go t.run(ctx, gen, target)
	return changed
}

func (t *Transport) run(ctx context.Context, gen uint64, target string) {
	defer t.wg.Done()

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	conn, err := t.dialer.Dial(dialCtx, target)
	cancel()
	if err != nil {
		t.handleDisconnect(gen, apperrors.NewConnectionError("dial failed", false, err))
		return
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		conn.Close("superseded")
		return
	}
	t.conn = conn
	t.lastSeen = t.now()
	t.mu.Unlock()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			t.handleDisconnect(gen, apperrors.NewConnectionError("read failed", false, err))
			return
		}
		t.handleFrame(gen, data)
	}
}

// monitor samples connection health until the run context ends
func (t *Transport) monitor(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkHealth()
		}
	}
}

func (t *Transport) checkHealth() {
	t.mu.Lock()
	gen := t.gen
	now := t.now()
	var cause error
	switch t.state {
	case StateConnecting:
		if now.Sub(t.connectingSince) > t.cfg.ConnectTimeout {
			cause = apperrors.NewConnectionError("stalled", false, nil)
		}
	case StateConnected:
		if now.Sub(t.lastSeen) > t.cfg.PingTimeout {
			cause = apperrors.NewConnectionError("ping timeout", false, nil)
		}
	}
	t.mu.Unlock()

	if cause != nil {
		t.handleDisconnect(gen, cause)
	}
}

// handleDisconnect reacts to the loss of connection gen. Stale generations are ignored.
func (t *Transport) handleDisconnect(gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.gen || t.runCtx == nil || t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.gen++
	conn := t.conn
	t.conn = nil
	wasConnected := t.state == StateConnected
	notify := t.resetSubscriptionsLocked()

	t.attempt++
	var changed func()
	if t.backoff.Exhausted(t.attempt) {
		changed = t.setStateLocked(StateErrored, apperrors.NewConnectionError("reconnect attempts exhausted", true, cause))
		t.logger.WithFields(logrus.Fields{
			"attempts": t.attempt - 1,
			"error":    cause,
		}).Error("Live connection abandoned")
	} else {
		delay := t.backoff.GetNextDelay(t.attempt)
		next := t.gen
		t.reconnectTimer = t.afterFunc(delay, func() { t.reconnect(next) })
		changed = t.setStateLocked(StateDisconnected, cause)
		metrics.IncrementCounter(metrics.ReconnectAttempts, nil, "Live channel reconnect attempts")
		t.logger.WithFields(logrus.Fields{
			"attempt":       t.attempt,
			"delay":         delay.String(),
			"was_connected": wasConnected,
			"error":         cause,
		}).Warn("Live connection lost, scheduling reconnect")
	}
	t.mu.Unlock()

	if conn != nil {
		go conn.Close("reconnecting")
	}
	changed()
	for _, fn := range notify {
		fn(cause)
	}
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.runCtx == nil || t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.reconnectTimer = nil
	changed := t.openLocked()
	t.mu.Unlock()
	changed()
}

func (t *Transport) handleFrame(gen uint64, data []byte) {
	frame, err := decodeServerFrame(data)
	if err != nil {
		t.logger.WithError(err).Debug("Ignoring malformed frame")
		return
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.lastSeen = t.now()

	switch frame.Type {
	case framePing:
		t.mu.Unlock()
	case frameWelcome:
		t.attempt = 0
		changed := t.setStateLocked(StateConnected, nil)
		pending := make([]*Subscription, 0, len(t.subs))
		for _, sub := range t.subs {
			if sub.state != SubscriptionRejected {
				pending = append(pending, sub)
			}
		}
		t.mu.Unlock()

		t.logger.Info("Live connection established")
		changed()
		for _, sub := range pending {
			t.sendCommand(gen, commandSubscribe, sub.identifier, nil)
		}
	case frameDisconnect:
		t.mu.Unlock()
		if frame.Reconnect != nil && !*frame.Reconnect {
			t.reject(gen, frame.Reason)
			return
		}
		t.handleDisconnect(gen, apperrors.NewConnectionError("closed by server", false, nil).WithContext("server_reason", frame.Reason))
	case frameConfirm:
		sub := t.subs[frame.Identifier]
		if sub == nil || sub.removed {
			t.mu.Unlock()
			return
		}
		sub.state = SubscriptionConfirmed
		handler := sub.handlers.OnConfirmed
		t.mu.Unlock()
		if handler != nil {
			handler()
		}
	case frameReject:
		sub := t.subs[frame.Identifier]
		if sub == nil || sub.removed {
			t.mu.Unlock()
			return
		}
		sub.state = SubscriptionRejected
		handler := sub.handlers.OnRejected
		t.mu.Unlock()
		metrics.IncrementCounter(metrics.SubscriptionsDenied, nil, "Live channel subscriptions rejected")
		if handler != nil {
			handler()
		}
	default:
		if frame.Identifier == "" || len(frame.Message) == 0 {
			t.mu.Unlock()
			return
		}
		sub := t.subs[frame.Identifier]
		if sub == nil || sub.removed || sub.state == SubscriptionRejected {
			t.mu.Unlock()
			return
		}
		handler := sub.handlers.OnMessage
		t.mu.Unlock()
		if handler != nil {
			handler(frame.Message)
		}
	}
}

// reject moves the transport into the terminal rejected state
func (t *Transport) reject(gen uint64, reason string) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	conn := t.conn
	t.conn = nil
	t.stopTimerLocked()
	notify := t.resetSubscriptionsLocked()
	err := apperrors.NewConnectionError("rejected by server", true, nil).WithContext("server_reason", reason)
	changed := t.setStateLocked(StateRejected, err)
	t.mu.Unlock()

	t.logger.WithField("reason", reason).Error("Live connection rejected by server")
	if conn != nil {
		go conn.Close("rejected")
	}
	changed()
	for _, fn := range notify {
		fn(err)
	}
}

// resetSubscriptionsLocked marks live subscriptions pending again and
// collects their disconnect handlers
func (t *Transport) resetSubscriptionsLocked() []func(error) {
	var notify []func(error)
	for _, sub := range t.subs {
		if sub.state == SubscriptionConfirmed {
			sub.state = SubscriptionPending
		}
		if sub.handlers.OnDisconnected != nil {
			notify = append(notify, sub.handlers.OnDisconnected)
		}
	}
	return notify
}

// setStateLocked records a transition and returns a function that notifies listeners
func (t *Transport) setStateLocked(state State, err error) func() {
	if t.state == state && t.lastErr == err {
		return func() {}
	}
	t.state = state
	t.lastErr = err
	metrics.SetGauge(metrics.ConnectionState, state.gaugeValue(), nil, "Live channel connection state")

	listeners := make([]StateListener, 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	return func() {
		for _, fn := range listeners {
			fn(state, err)
		}
	}
}

func (t *Transport) stopTimerLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}

// sendCommand writes a command on connection gen. It reports false when the
// connection is gone or the write fails.
func (t *Transport) sendCommand(gen uint64, command, identifier string, payload any) bool {
	data, err := encodeCommand(command, identifier, payload)
	if err != nil {
		t.logger.WithError(err).Error("Failed to encode command")
		return false
	}

	t.mu.Lock()
	if gen != t.gen || t.conn == nil || t.runCtx == nil {
		t.mu.Unlock()
		return false
	}
	conn := t.conn
	ctx := t.runCtx
	t.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()

	t.writeMu.Lock()
	err = conn.Write(writeCtx, data)
	t.writeMu.Unlock()
	if err != nil {
		t.logger.WithError(err).WithField("command", command).Warn("Failed to write command")
		go t.handleDisconnect(gen, apperrors.NewConnectionError("write failed", false, err))
		return false
	}
	return true
}

// currentGen returns the live connection generation, or false when not connected
func (t *Transport) currentGen() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen, t.state == StateConnected && t.conn != nil
}

// SubscriptionHandlers receive channel events. Handlers run outside transport locks.
type SubscriptionHandlers struct {
	OnConfirmed    func()
	OnRejected     func()
	OnMessage      func(json.RawMessage)
	OnDisconnected func(error)
}

// Status is a point-in-time view of the transport for diagnostics
type Status struct {
	State             State  `json:"state"`
	Available         bool   `json:"available"`
	Error             string `json:"error,omitempty"`
	Subscriptions     int    `json:"subscriptions"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		State:             t.state,
		Available:         t.dialer != nil,
		Subscriptions:     len(t.subs),
		ReconnectAttempts: t.attempt,
	}
	if t.lastErr != nil {
		s.Error = t.lastErr.Error()
	}
	return s
}
