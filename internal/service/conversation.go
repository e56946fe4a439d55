package service

import (
	"context"
	"sync"
	"time"

	"spacechat/internal/channel"
	apperrors "spacechat/internal/errors"
	"spacechat/internal/feed"
	"spacechat/internal/models"
	"spacechat/internal/store"
	"spacechat/internal/typing"
	"spacechat/pkg/cable"

	"github.com/sirupsen/logrus"
)

// Conversation is an open message thread: its store entry, its feed and its
// typing state
type Conversation struct {
	id      string
	session *activeSession
	feed    *feed.AdaptiveFeed
	typing  *typing.Coordinator
	logger  *logrus.Entry
	onClose func()

	mu       sync.Mutex
	rejected error

	closeOnce sync.Once
}

func newConversation(id string, a *activeSession, cfg models.Config, api API, logger *logrus.Logger, onClose func()) *Conversation {
	c := &Conversation{
		id:      id,
		session: a,
		logger:  logger.WithField(LogFieldConversationID, id),
		onClose: onClose,
	}

	c.typing = typing.NewCoordinator(id, a.session.UserID, func(isTyping bool) bool {
		return c.feed.SendTyping(isTyping)
	}, typing.Config{
		PeerExpiry: time.Duration(cfg.Messaging.TypingExpiryMs) * time.Millisecond,
		LocalIdle:  time.Duration(cfg.Messaging.LocalTypingIdleMs) * time.Millisecond,
	}, logger)
	c.typing.OnChange(func(peers []string) {
		LogTyping(a.ctx, logger, id, peers)
	})

	push := feed.NewPushFeed(a.channels, id, channel.Handlers{
		OnUserTyping: c.typing.OnPeerTyping,
		OnNewMessage: func(msg models.Message) {
			c.typing.OnMessageFrom(msg.Sender.ID)
		},
		OnRejected: func(string) {
			c.reject(logger)
		},
		OnDisconnected: func(err error) {
			c.logger.WithError(err).Debug("Conversation channel disconnected")
		},
		OnError: func(err error) {
			c.logger.WithError(err).Warn("Conversation channel reported an error")
		},
	}, logger)
	poll := feed.NewPollFeed(api, id, feed.PollConfig{
		Focused:        time.Duration(cfg.Messaging.FocusedPollSec) * time.Second,
		Background:     time.Duration(cfg.Messaging.BackgroundPollSec) * time.Second,
		RequestTimeout: time.Duration(cfg.Messaging.RequestTimeoutSec) * time.Second,
	}, logger)
	c.feed = feed.NewAdaptiveFeed(push, poll, logger)

	a.store.Attach(id, c.feed)
	return c
}

// reject records the terminal subscription rejection. Delivery continues over
// polling.
func (c *Conversation) reject(logger *logrus.Logger) {
	err := apperrors.NewPermissionError(c.id)
	c.mu.Lock()
	c.rejected = err
	c.mu.Unlock()
	apperrors.WrapLogger(logger).LogWarn(err, "Conversation channel rejected, falling back to polling")
}

// SubscriptionError returns the PermissionError recorded when the server
// rejected this conversation's channel, or nil
func (c *Conversation) SubscriptionError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

func (c *Conversation) start(ctx context.Context) {
	st := c.session.store
	if restored, err := st.LoadCached(ctx, c.id); err != nil {
		c.logger.WithError(err).Debug("Failed to read cached messages")
	} else if restored > 0 {
		c.logger.WithField(LogFieldCount, restored).Debug("Restored cached messages")
	}

	if err := st.LoadInitial(ctx, c.id); err != nil {
		c.logger.WithError(err).Warn("Initial message fetch failed")
	}

	if err := c.feed.Start(c.session.ctx, st); err != nil {
		c.logger.WithError(err).Warn("Failed to start message feed")
	}
	st.OpenConversation(c.id)
	c.logger.Info("Conversation opened")
}

func (c *Conversation) ID() string {
	return c.id
}

// Messages returns the ordered message list
func (c *Conversation) Messages() []models.Message {
	return c.session.store.Messages(c.id)
}

// Groups returns the messages grouped by calendar day in loc
func (c *Conversation) Groups(loc *time.Location) []store.DayGroup {
	return store.GroupByDay(c.Messages(), loc)
}

// Send stops the local typing indicator and sends text optimistically
func (c *Conversation) Send(ctx context.Context, text string) (*models.Message, error) {
	return c.SendWithType(ctx, text, models.MessageTypeText)
}

func (c *Conversation) SendWithType(ctx context.Context, text string, msgType models.MessageType) (*models.Message, error) {
	c.typing.SetLocalTyping(false)
	msg, err := c.session.store.SendOptimistic(ctx, c.id, text, msgType)
	if err != nil {
		return nil, err
	}
	LogMessage(ctx, c.logger.Logger, DirectionOutgoing, msg)
	return msg, nil
}

// SetTyping records local typing activity
func (c *Conversation) SetTyping(isTyping bool) {
	c.typing.SetLocalTyping(isTyping)
}

// TypingText returns the indicator line for peers currently typing
func (c *Conversation) TypingText() string {
	return c.typing.Text()
}

// OnTypingChange registers fn for changes in who is typing
func (c *Conversation) OnTypingChange(fn func(peers []string)) {
	c.typing.OnChange(fn)
}

func (c *Conversation) MarkRead(ctx context.Context, messageID string) {
	c.session.store.MarkRead(ctx, c.id, messageID)
}

// SetFocused switches polling between the focused and background intervals
func (c *Conversation) SetFocused(focused bool) {
	c.feed.SetFocused(focused)
	if focused {
		c.session.unread.RefreshSoon()
	}
}

// Refresh refetches the conversation now
func (c *Conversation) Refresh(ctx context.Context) error {
	return c.session.store.LoadInitial(ctx, c.id)
}

// RetryConnection restarts the shared live connection after it gave up
func (c *Conversation) RetryConnection() {
	c.session.transport.Retry()
}

// ConversationStatus is a point-in-time view of one conversation
type ConversationStatus struct {
	ConversationID    string                    `json:"conversation_id"`
	Connection        cable.State               `json:"connection"`
	ConnectionError   string                    `json:"connection_error,omitempty"`
	SubscriptionError string                    `json:"subscription_error,omitempty"`
	Live              bool                      `json:"live"`
	Subscription      cable.SubscriptionState   `json:"subscription"`
	Status            models.ConversationStatus `json:"status,omitempty"`
	FetchError        string                    `json:"fetch_error,omitempty"`
	Typing            string                    `json:"typing,omitempty"`
	Stats             store.Stats               `json:"stats"`
}

func (c *Conversation) Status() ConversationStatus {
	state, connErr := c.session.transport.State()
	status := ConversationStatus{
		ConversationID: c.id,
		Connection:     state,
		Live:           c.feed.Live(),
		Subscription:   c.feed.SubscriptionState(),
		Typing:         c.typing.Text(),
		Stats:          c.session.store.Stats(c.id),
	}
	if connErr != nil {
		status.ConnectionError = connErr.Error()
	}
	if err := c.SubscriptionError(); err != nil {
		status.SubscriptionError = err.Error()
	}
	if err := c.session.store.FetchError(c.id); err != nil {
		status.FetchError = err.Error()
	}
	if conv := c.session.store.Conversation(c.id); conv != nil {
		status.Status = conv.Status
	}
	return status
}

// Close stops the conversation's feed and timers and drops its messages
func (c *Conversation) Close() {
	c.dispose()
	if c.onClose != nil {
		c.onClose()
	}
	c.session.store.Forget(c.id)
}

func (c *Conversation) dispose() {
	c.closeOnce.Do(func() {
		c.feed.Stop()
		c.typing.Close()
		c.logger.Info("Conversation closed")
	})
}
