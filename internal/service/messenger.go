package service

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"spacechat/internal/channel"
	apperrors "spacechat/internal/errors"
	"spacechat/internal/events"
	"spacechat/internal/models"
	"spacechat/internal/privacy"
	"spacechat/internal/session"
	"spacechat/internal/store"
	"spacechat/internal/unread"
	"spacechat/internal/validation"
	"spacechat/pkg/api/types"
	"spacechat/pkg/cable"

	"github.com/sirupsen/logrus"
)

// API is the request/response surface the messenger needs
type API interface {
	FetchMessages(ctx context.Context, conversationID string, opts types.FetchOptions) (*models.MessagePage, error)
	SendMessage(ctx context.Context, msg models.OutboundMessage) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID, messageID string) error
	UnreadCount(ctx context.Context) (int, error)
}

// Cache is the optional local store for message snapshots and the unread count
type Cache interface {
	store.Snapshotter
	unread.Store
}

type Options struct {
	Config   *models.Config
	API      API
	Dialer   cable.Dialer
	Sessions *session.Provider
	Cache    Cache
	Logger   *logrus.Logger
	Verbose  bool
}

// Messenger owns everything tied to a logged-in session: the live transport,
// the message store, the unread aggregator and the open conversations.
type Messenger struct {
	cfg      models.Config
	api      API
	dialer   cable.Dialer
	sessions *session.Provider
	cache    Cache
	logger   *logrus.Logger
	verbose  bool

	mu          sync.Mutex
	baseCtx     context.Context
	unsubscribe func()
	active      *activeSession
}

type activeSession struct {
	session       session.Session
	ctx           context.Context
	cancel        context.CancelFunc
	bus           *events.Bus
	transport     *cable.Transport
	channels      *channel.Client
	store         *store.Store
	unread        *unread.Aggregator
	monitor       *DeliveryMonitor
	conversations map[string]*Conversation
	unsubs        []func()
}

func NewMessenger(opts Options) *Messenger {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	var cfg models.Config
	if opts.Config != nil {
		cfg = *opts.Config
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewProvider(logger)
	}
	return &Messenger{
		cfg:      cfg,
		api:      opts.API,
		dialer:   opts.Dialer,
		sessions: sessions,
		cache:    opts.Cache,
		logger:   logger,
		verbose:  opts.Verbose,
	}
}

// Sessions returns the provider the messenger follows
func (m *Messenger) Sessions() *session.Provider {
	return m.sessions
}

// Start follows the session provider until Stop. An already active session
// is picked up immediately.
func (m *Messenger) Start(ctx context.Context) {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.mu.Unlock()
		return
	}
	m.baseCtx = WithVerbose(ctx, m.verbose)
	m.unsubscribe = func() {}
	m.mu.Unlock()

	unsubscribe := m.sessions.Subscribe(m.onSession)

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
}

// Stop tears down the active session and stops following the provider
func (m *Messenger) Stop() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.teardown()
}

func (m *Messenger) onSession(s *session.Session) {
	m.teardown()
	if s != nil {
		m.setup(*s)
	}
}

func (m *Messenger) setup(s session.Session) {
	m.mu.Lock()
	base := m.baseCtx
	m.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	ctx, cancel := context.WithCancel(base)
	logger := m.logger

	dialer := m.dialer
	if m.cfg.Cable.Disabled {
		dialer = nil
	}

	bus := events.NewBus(logger)
	transport := cable.NewTransport(cableConfig(m.cfg), dialer, logger)
	st := store.New(m.api, bus, store.Config{
		Self:             s.Sender(),
		MaxMessageLength: m.cfg.Messaging.MaxMessageLength,
	}, logger)
	agg := unread.New(m.api, bus, s.UserID, unreadConfig(m.cfg), logger)
	if m.cache != nil {
		st.WithSnapshotter(m.cache)
		agg.WithStore(m.cache)
	}

	a := &activeSession{
		session:       s,
		ctx:           ctx,
		cancel:        cancel,
		bus:           bus,
		transport:     transport,
		channels:      channel.NewClient(transport, channelConfig(m.cfg), logger),
		store:         st,
		unread:        agg,
		monitor:       NewDeliveryMonitor(st, 0, 0, logger),
		conversations: make(map[string]*Conversation),
	}
	a.unsubs = append(a.unsubs,
		transport.OnStateChange(func(state cable.State, err error) {
			entry := logger.WithFields(logrus.Fields{
				LogFieldComponent: "transport",
				LogFieldState:     state,
			})
			switch {
			case state == cable.StateErrored || state == cable.StateRejected:
				entry.WithError(err).Error("Live connection lost")
			case err != nil:
				entry.WithError(err).Warn("Live connection state changed")
			default:
				entry.Info("Live connection state changed")
			}
		}),
		bus.Subscribe(events.MessageArrived, func(e events.Event) {
			if e.Message != nil {
				LogMessage(ctx, logger, DirectionIncoming, e.Message)
			}
		}),
	)

	m.mu.Lock()
	m.active = a
	m.mu.Unlock()

	if err := transport.Connect(ctx, s.Token); err != nil {
		logger.WithError(err).Warn("Failed to start live connection")
	}
	agg.Start(ctx)
	a.monitor.Start(ctx)

	logger.WithFields(logrus.Fields{
		LogFieldUserID: privacy.MaskUserID(s.UserID),
		"live":         transport.Available(),
	}).Info("Messenger ready")
}

func (m *Messenger) teardown() {
	m.mu.Lock()
	a := m.active
	m.active = nil
	m.mu.Unlock()
	if a == nil {
		return
	}

	for _, c := range a.snapshotConversations() {
		c.dispose()
	}
	a.transport.Disconnect()
	a.unread.Stop()
	a.monitor.Stop()
	a.store.Clear()
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.cancel()
	a.transport.Wait()

	m.logger.WithField(LogFieldUserID, privacy.MaskUserID(a.session.UserID)).Info("Messenger stopped")
}

func (a *activeSession) snapshotConversations() []*Conversation {
	out := make([]*Conversation, 0, len(a.conversations))
	for _, c := range a.conversations {
		out = append(out, c)
	}
	return out
}

func (m *Messenger) current() *activeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Open returns the conversation, creating and loading it on first use. A
// failed initial fetch is recorded in the conversation's status rather than
// returned.
func (m *Messenger) Open(ctx context.Context, conversationID string) (*Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if err := validation.ValidateIdentifier("conversation_id", conversationID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	a := m.active
	if a == nil {
		m.mu.Unlock()
		return nil, apperrors.NewAuthError("no active session")
	}
	if c, ok := a.conversations[conversationID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	c := newConversation(conversationID, a, m.cfg, m.api, m.logger, func() { m.forget(a, conversationID) })
	a.conversations[conversationID] = c
	m.mu.Unlock()

	c.start(ctx)
	return c, nil
}

func (m *Messenger) forget(a *activeSession, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(a.conversations, conversationID)
}

// Conversation returns an open conversation
func (m *Messenger) Conversation(conversationID string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, false
	}
	c, ok := m.active.conversations[conversationID]
	return c, ok
}

// Unread returns the session's unread count, zero when logged out
func (m *Messenger) Unread() int {
	a := m.current()
	if a == nil {
		return 0
	}
	return a.unread.Count()
}

// OnUnreadChange registers fn with the current session's aggregator. The
// registration ends with the session.
func (m *Messenger) OnUnreadChange(fn func(int)) func() {
	a := m.current()
	if a == nil {
		return func() {}
	}
	return a.unread.OnChange(fn)
}

// RetryConnection restarts the live connection after it gave up
func (m *Messenger) RetryConnection() {
	if a := m.current(); a != nil {
		a.transport.Retry()
	}
}

// Status is a point-in-time view of the messenger
type Status struct {
	LoggedIn        bool          `json:"logged_in"`
	UserID          string        `json:"user_id,omitempty"`
	Connection      *cable.Status `json:"connection,omitempty"`
	Unread          int           `json:"unread"`
	UnreadAvailable bool          `json:"unread_available"`
	Conversations   []string      `json:"conversations"`
	CheckedAt       time.Time     `json:"checked_at"`
}

func (m *Messenger) Status() Status {
	status := Status{Conversations: []string{}, CheckedAt: time.Now().UTC()}

	m.mu.Lock()
	a := m.active
	if a != nil {
		for id := range a.conversations {
			status.Conversations = append(status.Conversations, id)
		}
	}
	m.mu.Unlock()
	if a == nil {
		return status
	}

	slices.Sort(status.Conversations)
	conn := a.transport.Status()
	status.LoggedIn = true
	status.UserID = privacy.MaskUserID(a.session.UserID)
	status.Connection = &conn
	status.Unread = a.unread.Count()
	status.UnreadAvailable = a.unread.Available()
	return status
}

func cableConfig(cfg models.Config) cable.Config {
	c := cable.DefaultConfig(cfg.Cable.URL)
	if cfg.Cable.HealthCheckIntervalMs > 0 {
		c.HealthCheckInterval = time.Duration(cfg.Cable.HealthCheckIntervalMs) * time.Millisecond
	}
	if cfg.Cable.ConnectTimeoutSec > 0 {
		c.ConnectTimeout = time.Duration(cfg.Cable.ConnectTimeoutSec) * time.Second
	}
	if cfg.Cable.PingTimeoutSec > 0 {
		c.PingTimeout = time.Duration(cfg.Cable.PingTimeoutSec) * time.Second
	}
	if cfg.Retry.InitialBackoffMs > 0 {
		c.Backoff.InitialDelay = time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond
	}
	if cfg.Retry.MaxBackoffMs > 0 {
		c.Backoff.MaxDelay = time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond
	}
	if cfg.Retry.MaxAttempts > 0 {
		c.Backoff.MaxAttempts = cfg.Retry.MaxAttempts
	}
	return c
}

func channelConfig(cfg models.Config) channel.Config {
	c := channel.DefaultConfig()
	if cfg.Cable.ChannelName != "" {
		c.ChannelName = cfg.Cable.ChannelName
	}
	if cfg.Cable.SubscribeDelayMs > 0 {
		c.SetupDelay = time.Duration(cfg.Cable.SubscribeDelayMs) * time.Millisecond
	}
	return c
}

func unreadConfig(cfg models.Config) unread.Config {
	return unread.Config{
		PollInterval:        time.Duration(cfg.Unread.PollIntervalSec) * time.Second,
		UnavailableInterval: time.Duration(cfg.Unread.UnavailablePollSec) * time.Second,
		RequestTimeout:      time.Duration(cfg.Messaging.RequestTimeoutSec) * time.Second,
		BreakerMaxFailures:  uint32(max(cfg.Unread.BreakerMaxFailures, 0)),
		BreakerCooldown:     time.Duration(cfg.Unread.BreakerCooldownSec) * time.Second,
		RefreshDelay:        time.Duration(cfg.Unread.RefreshDelayMs) * time.Millisecond,
	}
}
