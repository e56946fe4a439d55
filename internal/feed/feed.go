package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"spacechat/internal/channel"
	"spacechat/internal/constants"
	apperrors "spacechat/internal/errors"
	"spacechat/internal/metrics"
	"spacechat/internal/models"
	"spacechat/internal/tracing"
	"spacechat/pkg/api/types"
	"spacechat/pkg/cable"

	"github.com/sirupsen/logrus"
)

// ErrNotLive is returned by a push delivery when the channel is not connected
var ErrNotLive = errors.New("live channel not connected")

// Sink receives everything a feed observes
type Sink interface {
	ReceiveLive(msg models.Message) bool
	ApplyFetch(conversationID string, page *models.MessagePage, err error) error
}

// API is the request/response surface used by polling
type API interface {
	FetchMessages(ctx context.Context, conversationID string, opts types.FetchOptions) (*models.MessagePage, error)
	SendMessage(ctx context.Context, msg models.OutboundMessage) (*models.Message, error)
}

// Feed is a strategy for receiving and delivering one conversation's messages
type Feed interface {
	Start(ctx context.Context, sink Sink) error
	Stop()
	Deliver(ctx context.Context, msg models.OutboundMessage) (*models.Message, error)
	Live() bool
}

// PushFeed delivers through a conversation channel subscription
type PushFeed struct {
	client         *channel.Client
	conversationID string
	extra          channel.Handlers
	logger         *logrus.Logger

	mu     sync.Mutex
	handle *channel.Handle
	onLive func()
}

// NewPushFeed creates a push feed. Handlers in extra are called after the sink
// has seen each event.
func NewPushFeed(client *channel.Client, conversationID string, extra channel.Handlers, logger *logrus.Logger) *PushFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &PushFeed{
		client:         client,
		conversationID: conversationID,
		extra:          extra,
		logger:         logger,
	}
}

func (p *PushFeed) Start(_ context.Context, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil {
		return nil
	}

	extra := p.extra
	handlers := extra
	handlers.OnNewMessage = func(msg models.Message) {
		sink.ReceiveLive(msg)
		if extra.OnNewMessage != nil {
			extra.OnNewMessage(msg)
		}
	}
	handlers.OnMessageSent = func(msg models.Message) {
		sink.ReceiveLive(msg)
		if extra.OnMessageSent != nil {
			extra.OnMessageSent(msg)
		}
	}
	handlers.OnConnected = func() {
		p.mu.Lock()
		onLive := p.onLive
		p.mu.Unlock()
		if onLive != nil {
			onLive()
		}
		if extra.OnConnected != nil {
			extra.OnConnected()
		}
	}
	p.handle = p.client.Subscribe(p.conversationID, handlers)
	return nil
}

func (p *PushFeed) Stop() {
	p.mu.Lock()
	handle := p.handle
	p.handle = nil
	p.mu.Unlock()
	if handle != nil {
		handle.Unsubscribe()
	}
}

// Deliver sends over the live channel. A nil message means the send was
// accepted and will be confirmed by its echo.
func (p *PushFeed) Deliver(_ context.Context, msg models.OutboundMessage) (*models.Message, error) {
	handle := p.current()
	if handle == nil || !handle.SendMessage(msg) {
		return nil, ErrNotLive
	}
	return nil, nil
}

// Live reports whether the subscription is confirmed on a connected transport
func (p *PushFeed) Live() bool {
	handle := p.current()
	return handle != nil && handle.Connected()
}

// SendTyping forwards the local typing state over the channel
func (p *PushFeed) SendTyping(isTyping bool) bool {
	handle := p.current()
	return handle != nil && handle.SendTyping(isTyping)
}

// State returns the subscription state
func (p *PushFeed) State() cable.SubscriptionState {
	handle := p.current()
	if handle == nil {
		return cable.SubscriptionPending
	}
	return handle.State()
}

func (p *PushFeed) current() *channel.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

func (p *PushFeed) setOnLive(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLive = fn
}

// PollConfig holds the refetch intervals
type PollConfig struct {
	Focused        time.Duration
	Background     time.Duration
	RequestTimeout time.Duration
}

// DefaultPollConfig returns 5s focused and 30s background intervals
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Focused:        time.Duration(constants.DefaultFocusedPollSec) * time.Second,
		Background:     time.Duration(constants.DefaultBackgroundPollSec) * time.Second,
		RequestTimeout: time.Duration(constants.DefaultRequestTimeoutSec) * time.Second,
	}
}

// PollFeed refetches the conversation on an interval and delivers over REST
type PollFeed struct {
	api            API
	conversationID string
	cfg            PollConfig
	logger         *logrus.Logger

	mu      sync.Mutex
	sink    Sink
	focused bool
	gate    func() bool
	running bool
	stopCh  chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup
}

func NewPollFeed(api API, conversationID string, cfg PollConfig, logger *logrus.Logger) *PollFeed {
	if logger == nil {
		logger = logrus.New()
	}
	defaults := DefaultPollConfig()
	if cfg.Focused <= 0 {
		cfg.Focused = defaults.Focused
	}
	if cfg.Background <= 0 {
		cfg.Background = defaults.Background
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	return &PollFeed{
		api:            api,
		conversationID: conversationID,
		cfg:            cfg,
		logger:         logger,
		focused:        true,
		wake:           make(chan struct{}, 1),
	}
}

// Start begins polling. It is a no-op while already running.
func (p *PollFeed) Start(ctx context.Context, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.sink = sink
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.loop(ctx, p.stopCh)
	return nil
}

// Stop ends polling and waits for an in-flight poll to finish
func (p *PollFeed) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

// SetFocused switches between the focused and background intervals
func (p *PollFeed) SetFocused(focused bool) {
	p.mu.Lock()
	changed := p.focused != focused
	p.focused = focused
	p.mu.Unlock()

	if changed {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// Interval returns the current refetch interval
func (p *PollFeed) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.focused {
		return p.cfg.Focused
	}
	return p.cfg.Background
}

func (p *PollFeed) setGate(gate func() bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = gate
}

func (p *PollFeed) loop(ctx context.Context, stopCh chan struct{}) {
	defer p.wg.Done()

	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-p.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.Interval())
		case <-timer.C:
			p.mu.Lock()
			gate := p.gate
			p.mu.Unlock()
			if gate == nil || gate() {
				_ = p.Refresh(ctx)
			}
			timer.Reset(p.Interval())
		}
	}
}

// Refresh fetches the conversation once and hands the result to the sink.
// It does nothing unless the feed is running.
func (p *PollFeed) Refresh(ctx context.Context) error {
	p.mu.Lock()
	sink := p.sink
	running := p.running
	p.mu.Unlock()
	if sink == nil || !running {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "feed.poll",
		tracing.AttrConversationID.String(p.conversationID),
		tracing.AttrTransport.String("poll"))
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	page, err := p.api.FetchMessages(fetchCtx, p.conversationID, types.FetchOptions{})
	metrics.RecordTimer(metrics.FetchDuration, time.Since(start), map[string]string{"source": "poll"}, "Message fetch duration")
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return sink.ApplyFetch(p.conversationID, page, err)
}

// Deliver posts the message over REST
func (p *PollFeed) Deliver(ctx context.Context, msg models.OutboundMessage) (*models.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "feed.deliver", tracing.AttrTransport.String("rest"))
	defer span.End()

	created, err := p.api.SendMessage(ctx, msg)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return created, nil
}

// Live is always false for polling
func (p *PollFeed) Live() bool {
	return false
}

// AdaptiveFeed uses the push feed while it is live and polls otherwise.
// Deliveries fall back to REST when the push path fails.
type AdaptiveFeed struct {
	push   *PushFeed
	poll   *PollFeed
	logger *logrus.Logger
}

func NewAdaptiveFeed(push *PushFeed, poll *PollFeed, logger *logrus.Logger) *AdaptiveFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &AdaptiveFeed{push: push, poll: poll, logger: logger}
}

func (a *AdaptiveFeed) Start(ctx context.Context, sink Sink) error {
	a.poll.setGate(func() bool { return !a.push.Live() })
	// catch up on anything missed while the channel was down
	a.push.setOnLive(func() {
		go func() {
			if err := a.poll.Refresh(ctx); err != nil {
				a.logger.WithError(err).Debug("Catch-up fetch failed")
			}
		}()
	})

	if err := a.push.Start(ctx, sink); err != nil {
		return err
	}
	return a.poll.Start(ctx, sink)
}

func (a *AdaptiveFeed) Stop() {
	a.push.setOnLive(nil)
	a.push.Stop()
	a.poll.Stop()
}

func (a *AdaptiveFeed) Live() bool {
	return a.push.Live()
}

// Deliver tries the live channel first and falls back to REST. Both failing is a SendError.
func (a *AdaptiveFeed) Deliver(ctx context.Context, msg models.OutboundMessage) (*models.Message, error) {
	if a.push.Live() {
		created, err := a.push.Deliver(ctx, msg)
		if err == nil {
			return created, nil
		}
		a.logger.WithFields(logrus.Fields{
			"conversation_id": msg.ConversationID,
			"client_id":       msg.ClientID,
		}).Debug("Live delivery failed, falling back to REST")
	}

	created, err := a.poll.Deliver(ctx, msg)
	if err != nil {
		return nil, apperrors.NewSendError(msg.ConversationID, err)
	}
	return created, nil
}

// SetFocused adjusts the polling interval
func (a *AdaptiveFeed) SetFocused(focused bool) {
	a.poll.SetFocused(focused)
}

// Refresh forces an immediate fetch
func (a *AdaptiveFeed) Refresh(ctx context.Context) error {
	return a.poll.Refresh(ctx)
}

// SendTyping forwards the local typing state over the live channel
func (a *AdaptiveFeed) SendTyping(isTyping bool) bool {
	return a.push.SendTyping(isTyping)
}

// SubscriptionState returns the live subscription state
func (a *AdaptiveFeed) SubscriptionState() cable.SubscriptionState {
	return a.push.State()
}
