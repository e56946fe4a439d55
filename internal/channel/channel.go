package channel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"spacechat/internal/constants"
	apperrors "spacechat/internal/errors"
	"spacechat/internal/models"
	"spacechat/internal/privacy"
	"spacechat/pkg/cable"

	"github.com/sirupsen/logrus"
)

// Inbound event tags
const (
	eventConnectionConfirmed = "connection_confirmed"
	eventNewMessage          = "new_message"
	eventUserTyping          = "user_typing"
	eventMessageSent         = "message_sent"
	eventError               = "error"
)

// Outbound actions
const (
	ActionSendMessage = "send_message"
	ActionMarkTyping  = "mark_typing"
)

// Handlers receive decoded conversation events. Any of them may be nil.
type Handlers struct {
	OnConnected           func()
	OnDisconnected        func(err error)
	OnConnectionConfirmed func()
	OnNewMessage          func(msg models.Message)
	OnUserTyping          func(userID string, isTyping bool)
	OnMessageSent         func(msg models.Message)
	OnError               func(err error)
	OnRejected            func(conversationID string)
}

// Config controls channel naming and registration timing
type Config struct {
	ChannelName string
	SetupDelay  time.Duration
}

// DefaultConfig returns the production channel name and setup delay
func DefaultConfig() Config {
	return Config{
		ChannelName: constants.DefaultChannelName,
		SetupDelay:  time.Duration(constants.DefaultSubscribeDelayMs) * time.Millisecond,
	}
}

// Client binds conversations to channels on a shared transport
type Client struct {
	transport *cable.Transport
	cfg       Config
	logger    *logrus.Logger
}

func NewClient(transport *cable.Transport, cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = constants.DefaultChannelName
	}
	return &Client{transport: transport, cfg: cfg, logger: logger}
}

// Identifier returns the channel identifier for a conversation
func (c *Client) Identifier(conversationID string) string {
	return cable.Identifier(c.cfg.ChannelName, map[string]string{"booking_id": conversationID})
}

// Subscribe binds a conversation. Registration on the transport is deferred by
// the setup delay. Without live capability the returned handle is inert.
func (c *Client) Subscribe(conversationID string, handlers Handlers) *Handle {
	h := &Handle{
		client:         c,
		conversationID: conversationID,
		handlers:       handlers,
		logger:         c.logger.WithField("conversation_id", conversationID),
	}

	if c.transport == nil || !c.transport.Available() {
		h.inert = true
		h.logger.Debug("Live channel unavailable, subscription is inert")
		return h
	}

	h.mu.Lock()
	h.timer = time.AfterFunc(c.cfg.SetupDelay, h.register)
	h.mu.Unlock()
	return h
}

// Handle is one conversation subscription
type Handle struct {
	client         *Client
	conversationID string
	handlers       Handlers
	logger         *logrus.Entry
	inert          bool

	mu     sync.Mutex
	timer  *time.Timer
	sub    *cable.Subscription
	closed bool
}

func (h *Handle) ConversationID() string {
	return h.conversationID
}

// Live reports whether the handle can ever connect
func (h *Handle) Live() bool {
	return !h.inert
}

// State returns the subscription state. Unregistered handles are pending.
func (h *Handle) State() cable.SubscriptionState {
	h.mu.Lock()
	sub := h.sub
	h.mu.Unlock()
	if sub == nil {
		return cable.SubscriptionPending
	}
	return sub.State()
}

// Connected reports whether the subscription is confirmed on a connected transport
func (h *Handle) Connected() bool {
	h.mu.Lock()
	sub := h.sub
	closed := h.closed
	h.mu.Unlock()
	return !closed && sub != nil && sub.Active()
}

// Send performs payload on the channel. It returns false when not connected.
func (h *Handle) Send(payload any) bool {
	h.mu.Lock()
	sub := h.sub
	closed := h.closed
	h.mu.Unlock()
	if closed || sub == nil {
		return false
	}
	return sub.Perform(payload)
}

// SendMessage submits a message over the live channel
func (h *Handle) SendMessage(msg models.OutboundMessage) bool {
	msgType := msg.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	return h.Send(map[string]any{
		"action":       ActionSendMessage,
		"message_text": msg.Text,
		"message_type": msgType,
		"client_id":    msg.ClientID,
	})
}

// SendTyping signals the local user's typing state
func (h *Handle) SendTyping(isTyping bool) bool {
	return h.Send(map[string]any{
		"action":    ActionMarkTyping,
		"is_typing": isTyping,
	})
}

// Unsubscribe cancels a pending registration or leaves the channel
func (h *Handle) Unsubscribe() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	sub := h.sub
	h.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (h *Handle) register() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.timer = nil
	h.sub = h.client.transport.Subscribe(h.client.Identifier(h.conversationID), cable.SubscriptionHandlers{
		OnConfirmed:    h.onConfirmed,
		OnRejected:     h.onRejected,
		OnMessage:      h.onMessage,
		OnDisconnected: h.onDisconnected,
	})
	h.logger.Debug("Conversation channel registered")
}

func (h *Handle) active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

func (h *Handle) onConfirmed() {
	if !h.active() {
		return
	}
	h.logger.Debug("Conversation channel confirmed")
	if h.handlers.OnConnected != nil {
		h.handlers.OnConnected()
	}
}

func (h *Handle) onRejected() {
	if !h.active() {
		return
	}
	h.logger.Warn("Conversation channel rejected")
	if h.handlers.OnRejected != nil {
		h.handlers.OnRejected(h.conversationID)
	}
}

func (h *Handle) onDisconnected(err error) {
	if !h.active() {
		return
	}
	if h.handlers.OnDisconnected != nil {
		h.handlers.OnDisconnected(err)
	}
}

type inboundEvent struct {
	Type     string          `json:"type"`
	Message  json.RawMessage `json:"message,omitempty"`
	UserID   json.RawMessage `json:"user_id,omitempty"`
	IsTyping bool            `json:"is_typing"`
	Error    json.RawMessage `json:"error,omitempty"`
}

func (h *Handle) onMessage(raw json.RawMessage) {
	if !h.active() {
		return
	}

	var ev inboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.fail(fmt.Errorf("decode event: %w", err))
		return
	}

	switch ev.Type {
	case eventConnectionConfirmed:
		if h.handlers.OnConnectionConfirmed != nil {
			h.handlers.OnConnectionConfirmed()
		}
	case eventNewMessage, eventMessageSent:
		msg, err := h.decodeMessage(ev.Message)
		if err != nil {
			h.fail(err)
			return
		}
		h.logger.WithFields(logrus.Fields{
			"event":      ev.Type,
			"message_id": privacy.MaskMessageID(msg.ID),
		}).Debug("Conversation event received")
		if ev.Type == eventNewMessage {
			if h.handlers.OnNewMessage != nil {
				h.handlers.OnNewMessage(msg)
			}
		} else if h.handlers.OnMessageSent != nil {
			h.handlers.OnMessageSent(msg)
		}
	case eventUserTyping:
		userID := decodeID(ev.UserID)
		if userID == "" {
			h.fail(fmt.Errorf("typing event without user id"))
			return
		}
		if h.handlers.OnUserTyping != nil {
			h.handlers.OnUserTyping(userID, ev.IsTyping)
		}
	case eventError:
		h.fail(apperrors.New(apperrors.ErrCodeMessagingAPI, decodeText(ev.Error)).
			WithContext("conversation_id", h.conversationID))
	default:
		h.logger.WithField("event", ev.Type).Debug("Ignoring unknown conversation event")
	}
}

func (h *Handle) decodeMessage(raw json.RawMessage) (models.Message, error) {
	var msg models.Message
	if len(raw) == 0 {
		return msg, fmt.Errorf("event without message")
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	if msg.ID == "" {
		return msg, fmt.Errorf("message without id")
	}
	if msg.ConversationID == "" {
		msg.ConversationID = h.conversationID
	}
	msg.Confirm()
	return msg, nil
}

func (h *Handle) fail(err error) {
	h.logger.WithError(err).Warn("Conversation channel error")
	if h.handlers.OnError != nil {
		h.handlers.OnError(err)
	}
}

// decodeID accepts ids encoded as JSON strings or numbers
func decodeID(raw json.RawMessage) string {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

func decodeText(raw json.RawMessage) string {
	var s string
	if len(raw) > 0 && json.Unmarshal(raw, &s) == nil && s != "" {
		return s
	}
	if len(raw) > 0 {
		return string(raw)
	}
	return "server reported an error"
}
