package unread

import (
	"context"
	"errors"
	"sync"
	"time"

	"spacechat/internal/constants"
	apperrors "spacechat/internal/errors"
	"spacechat/internal/events"
	"spacechat/internal/metrics"
	"spacechat/internal/privacy"
	"spacechat/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// API fetches the server's aggregate unread count
type API interface {
	UnreadCount(ctx context.Context) (int, error)
}

// Store persists the last known count between runs
type Store interface {
	SaveUnreadCount(ctx context.Context, userID string, count int) error
	LoadUnreadCount(ctx context.Context, userID string) (int, bool, error)
}

type Config struct {
	PollInterval        time.Duration
	UnavailableInterval time.Duration
	RequestTimeout      time.Duration
	BreakerMaxFailures  uint32
	BreakerCooldown     time.Duration
	// RefreshDelay is how long after a local adjustment the server count is
	// fetched again
	RefreshDelay        time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:        time.Duration(constants.DefaultUnreadPollSec) * time.Second,
		UnavailableInterval: time.Duration(constants.DefaultUnreadUnavailablePollSec) * time.Second,
		RequestTimeout:      time.Duration(constants.DefaultRequestTimeoutSec) * time.Second,
		BreakerMaxFailures:  constants.DefaultUnreadBreakerMaxFailures,
		BreakerCooldown:     time.Duration(constants.DefaultUnreadBreakerCooldownSec) * time.Second,
		RefreshDelay:        time.Duration(constants.DefaultUnreadRefreshDelayMs) * time.Millisecond,
	}
}

// Aggregator keeps the session's total unread count. The server count is the
// baseline; live events adjust it between polls.
type Aggregator struct {
	api     API
	bus     *events.Bus
	selfID  string
	cfg     Config
	logger  *logrus.Logger
	errLog  *apperrors.Logger
	breaker *circuitbreaker.CircuitBreaker
	store   Store

	mu          sync.Mutex
	count       int
	unavailable bool
	listeners   map[int]func(int)
	nextID      int
	running     bool
	stopCh      chan struct{}
	wake        chan struct{}
	pending     *time.Timer
	unsubs      []func()
	wg          sync.WaitGroup
}

func New(api API, bus *events.Bus, selfID string, cfg Config, logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = logrus.New()
	}
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.UnavailableInterval <= 0 {
		cfg.UnavailableInterval = defaults.UnavailableInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = defaults.BreakerMaxFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaults.BreakerCooldown
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = defaults.RefreshDelay
	}

	breaker := circuitbreaker.NewWithLogger("unread_count", cfg.BreakerMaxFailures, cfg.BreakerCooldown, logger).
		WithFailurePredicate(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !apperrors.IsFeatureUnavailable(err)
		})

	return &Aggregator{
		api:       api,
		bus:       bus,
		selfID:    selfID,
		cfg:       cfg,
		logger:    logger,
		errLog:    apperrors.WrapLogger(logger),
		breaker:   breaker,
		listeners: make(map[int]func(int)),
		wake:      make(chan struct{}, 1),
	}
}

// WithStore enables persisting the count. It must be called before Start.
func (a *Aggregator) WithStore(store Store) *Aggregator {
	a.store = store
	return a
}

// Count returns the current unread count
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Available reports whether the server exposes the unread endpoint
func (a *Aggregator) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.unavailable
}

// OnChange registers fn to be called with each new count
func (a *Aggregator) OnChange(fn func(int)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Start seeds the count from the local store, subscribes to message events
// and begins polling. It is a no-op while already running.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	stopCh := a.stopCh
	a.mu.Unlock()

	if a.store != nil {
		if cached, ok, err := a.store.LoadUnreadCount(ctx, a.selfID); err != nil {
			a.logger.WithError(err).Debug("Failed to load cached unread count")
		} else if ok {
			a.set(cached)
		}
	}

	if a.bus != nil {
		unsubs := []func(){
			a.bus.Subscribe(events.MessageArrived, a.onArrived),
			a.bus.Subscribe(events.MessageRead, a.onRead),
			a.bus.Subscribe(events.ConversationOpened, a.onOpened),
			a.bus.Subscribe(events.MessageSent, func(events.Event) { a.poke() }),
		}
		a.mu.Lock()
		a.unsubs = unsubs
		a.mu.Unlock()
	}

	a.wg.Add(1)
	go a.loop(ctx, stopCh)

	a.logger.WithField("user_id", privacy.MaskUserID(a.selfID)).Info("Unread aggregator started")
}

// Stop ends polling, drops the event subscriptions and clears the count
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	if a.pending != nil {
		a.pending.Stop()
		a.pending = nil
	}
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	a.wg.Wait()
	a.set(0)
	a.logger.Info("Unread aggregator stopped")
}

// Refresh replaces the count with the server's. A missing or unauthorized
// endpoint yields zero and marks the feature unavailable; other failures
// leave the count as it was.
func (a *Aggregator) Refresh(ctx context.Context) error {
	var count int
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
		n, err := a.api.UnreadCount(reqCtx)
		if err != nil {
			return err
		}
		count = n
		return nil
	})

	switch {
	case err == nil:
		a.mu.Lock()
		a.unavailable = false
		a.mu.Unlock()
		metrics.IncrementCounter(metrics.UnreadPolls, map[string]string{"result": "ok"}, "Unread count polls")
		a.set(count)
		return nil
	case apperrors.IsFeatureUnavailable(err):
		a.mu.Lock()
		first := !a.unavailable
		a.unavailable = true
		a.mu.Unlock()
		if first {
			a.logger.WithField("error_code", apperrors.GetCode(err)).Info("Unread count endpoint unavailable, treating as zero")
		}
		metrics.IncrementCounter(metrics.UnreadPolls, map[string]string{"result": "unavailable"}, "Unread count polls")
		a.set(0)
		return nil
	case circuitbreaker.IsCircuitBreakerError(err):
		metrics.IncrementCounter(metrics.UnreadPolls, map[string]string{"result": "skipped"}, "Unread count polls")
		a.logger.Debug("Unread poll skipped while circuit is open")
		return err
	default:
		metrics.IncrementCounter(metrics.UnreadPolls, map[string]string{"result": "error"}, "Unread count polls")
		a.errLog.LogRetryableError(err, "Failed to fetch unread count")
		return err
	}
}

func (a *Aggregator) interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unavailable {
		return a.cfg.UnavailableInterval
	}
	return a.cfg.PollInterval
}

func (a *Aggregator) loop(ctx context.Context, stopCh chan struct{}) {
	defer a.wg.Done()

	_ = a.Refresh(ctx)
	timer := time.NewTimer(a.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-a.wake:
		case <-timer.C:
		}

		_ = a.Refresh(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(a.interval())
	}
}

// poke asks the polling loop for an immediate refresh
func (a *Aggregator) poke() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// RefreshSoon schedules a refresh after the configured delay. Calls made
// while one is already scheduled are folded into it.
func (a *Aggregator) RefreshSoon() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running || a.pending != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(a.cfg.RefreshDelay, func() {
		a.mu.Lock()
		if a.pending != t {
			a.mu.Unlock()
			return
		}
		a.pending = nil
		a.mu.Unlock()
		a.poke()
	})
	a.pending = t
}

func (a *Aggregator) onArrived(e events.Event) {
	if e.Message == nil || e.Message.Sender.ID == a.selfID {
		return
	}
	a.add(1)
	a.RefreshSoon()
}

func (a *Aggregator) onRead(e events.Event) {
	n := e.Count
	if n <= 0 {
		n = 1
	}
	a.add(-n)
	a.RefreshSoon()
}

func (a *Aggregator) onOpened(events.Event) {
	a.set(0)
	a.poke()
}

func (a *Aggregator) add(delta int) {
	a.update(func(current int) int { return current + delta })
}

func (a *Aggregator) set(count int) {
	a.update(func(int) int { return count })
}

// update applies fn to the count, floors the result at zero and notifies
// listeners outside the lock
func (a *Aggregator) update(fn func(current int) int) {
	a.mu.Lock()
	count := fn(a.count)
	if count < 0 {
		count = 0
	}
	if count == a.count {
		a.mu.Unlock()
		return
	}
	a.count = count
	listeners := make([]func(int), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	metrics.SetGauge(metrics.UnreadCount, float64(count), nil, "Unread messages across conversations")
	if a.store != nil {
		if err := a.store.SaveUnreadCount(context.Background(), a.selfID, count); err != nil {
			a.logger.WithError(err).Debug("Failed to persist unread count")
		}
	}
	a.logger.WithField("count", count).Debug("Unread count changed")

	for _, fn := range listeners {
		fn(count)
	}
}
