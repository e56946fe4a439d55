package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"spacechat/internal/constants"
	apperrors "spacechat/internal/errors"
	"spacechat/internal/events"
	"spacechat/internal/metrics"
	"spacechat/internal/models"
	"spacechat/internal/privacy"
	"spacechat/internal/tracing"
	"spacechat/pkg/api/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const snapshotTimeout = 5 * time.Second

// API is the request/response surface the store reads from
type API interface {
	FetchMessages(ctx context.Context, conversationID string, opts types.FetchOptions) (*models.MessagePage, error)
	MarkRead(ctx context.Context, conversationID, messageID string) error
}

// Deliverer submits an outbound message on whichever path is active. A nil
// message with a nil error means the message was accepted for live delivery
// and will be confirmed by its echo.
type Deliverer interface {
	Deliver(ctx context.Context, msg models.OutboundMessage) (*models.Message, error)
}

// Snapshotter persists confirmed messages for offline reading
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, conversationID string, messages []models.Message, conversation *models.Conversation) error
	LoadSnapshot(ctx context.Context, conversationID string) ([]models.Message, *models.Conversation, error)
}

// Config holds the store's identity and limits
type Config struct {
	Self             models.Sender
	MaxMessageLength int
}

type thread struct {
	messages     []models.Message
	// ids ever held as confirmed; an id is announced as an arrival at most once
	seen         map[string]struct{}
	conversation *models.Conversation
	fetchErr     error
	loaded       bool
	deliverer    Deliverer
}

// Store is the authoritative ordered message list per conversation
type Store struct {
	api    API
	bus    *events.Bus
	cfg    Config
	logger *logrus.Logger
	snap   Snapshotter
	now    func() time.Time

	mu      sync.RWMutex
	threads map[string]*thread
}

func New(api API, bus *events.Bus, cfg Config, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = constants.DefaultMaxMessageLength
	}
	return &Store{
		api:     api,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		threads: make(map[string]*thread),
	}
}

// WithSnapshotter enables the local offline cache
func (s *Store) WithSnapshotter(snap Snapshotter) *Store {
	s.snap = snap
	return s
}

// Attach sets the delivery path used by SendOptimistic for a conversation
func (s *Store) Attach(conversationID string, d Deliverer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadLocked(conversationID).deliverer = d
}

// Forget drops all in-memory state for a conversation
func (s *Store) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, conversationID)
}

// Clear drops every conversation
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = make(map[string]*thread)
}

func (s *Store) threadLocked(conversationID string) *thread {
	th := s.threads[conversationID]
	if th == nil {
		th = &thread{seen: make(map[string]struct{})}
		s.threads[conversationID] = th
	}
	return th
}

// LoadCached seeds an unloaded conversation from the local cache. It returns
// the number of messages restored.
func (s *Store) LoadCached(ctx context.Context, conversationID string) (int, error) {
	if s.snap == nil {
		return 0, nil
	}
	messages, conversation, err := s.snap.LoadSnapshot(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	th := s.threadLocked(conversationID)
	if th.loaded || len(messages) == 0 {
		return 0, nil
	}
	th.messages = mergeSorted(messages, pendingOnly(th.messages))
	th.markSeen()
	if conversation != nil {
		th.conversation = conversation
	}
	return len(messages), nil
}

// LoadInitial fetches the conversation and replaces the local list. On failure
// the current list is kept and a FetchError is recorded and returned.
func (s *Store) LoadInitial(ctx context.Context, conversationID string) error {
	ctx, span := tracing.StartSpan(ctx, "store.load_initial", tracing.AttrConversationID.String(conversationID))
	defer span.End()

	start := s.now()
	page, err := s.api.FetchMessages(ctx, conversationID, types.FetchOptions{})
	metrics.RecordTimer(metrics.FetchDuration, time.Since(start), map[string]string{"source": "initial"}, "Message fetch duration")
	if err != nil {
		tracing.RecordError(ctx, err)
	} else {
		tracing.AddSpanAttributes(ctx, tracing.AttrMessageCount.Int(len(page.Messages)))
	}
	return s.ApplyFetch(conversationID, page, err)
}

// ApplyFetch merges the result of a bulk fetch. The first fetch replaces
// confirmed messages wholesale. Later fetches also keep confirmed messages
// newer than anything fetched, and pending placeholders absent from the
// fetch are always kept.
func (s *Store) ApplyFetch(conversationID string, page *models.MessagePage, err error) error {
	status := "success"
	if err != nil || page == nil {
		status = "error"
	}
	metrics.IncrementCounter(metrics.FetchTotal, map[string]string{"status": status}, "Message fetches")

	s.mu.Lock()
	th := s.threadLocked(conversationID)
	if err != nil || page == nil {
		if err == nil {
			err = errors.New("empty response")
		}
		fetchErr := apperrors.NewFetchError(conversationID, err)
		th.fetchErr = fetchErr
		s.mu.Unlock()

		s.logger.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"error":           err,
		}).Warn("Failed to fetch messages, keeping current list")
		return fetchErr
	}

	wasLoaded := th.loaded
	fetched := make([]models.Message, 0, len(page.Messages))
	fetchedIDs := make(map[string]struct{}, len(page.Messages))
	clientIDs := make(map[string]struct{})
	var newest time.Time
	for _, m := range page.Messages {
		m = m.Clone()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		m.Confirm()
		if id := m.ClientID(); id != "" {
			clientIDs[id] = struct{}{}
		}
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
		fetchedIDs[m.ID] = struct{}{}
		fetched = append(fetched, m)
	}

	var keep []models.Message
	retained := 0
	for _, m := range th.messages {
		if m.Delivery.Pending() {
			if _, confirmed := clientIDs[m.ClientID()]; !confirmed {
				keep = append(keep, m)
			}
			continue
		}
		// a fetch issued before a live push may land after it
		if _, ok := fetchedIDs[m.ID]; !ok && wasLoaded && m.CreatedAt.After(newest) {
			keep = append(keep, m)
			retained++
		}
	}

	var arrived []models.Message
	th.messages = mergeSorted(fetched, keep)
	th.fetchErr = nil
	th.loaded = true
	if page.Conversation != nil {
		conv := *page.Conversation
		th.conversation = &conv
	}
	for _, m := range th.messages {
		if m.Delivery.Pending() {
			continue
		}
		if _, ok := th.seen[m.ID]; !ok && wasLoaded {
			arrived = append(arrived, m.Clone())
		}
	}
	th.markSeen()
	snapshot, conv := s.snapshotLocked(th)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"message_count":   len(fetched),
		"pending_kept":    len(keep) - retained,
		"live_retained":   retained,
	}).Debug("Applied message fetch")

	s.persist(conversationID, snapshot, conv)
	for i := range arrived {
		s.publishArrival(arrived[i])
	}
	return nil
}

// ReceiveLive merges a pushed message. A message carrying the correlation id of
// a pending placeholder replaces it; an already known id is ignored. It reports
// whether the list changed.
func (s *Store) ReceiveLive(msg models.Message) bool {
	msg = msg.Clone()
	msg.Confirm()
	if msg.ID == "" || msg.ConversationID == "" {
		s.logger.Debug("Ignoring live message without id or conversation")
		return false
	}

	s.mu.Lock()
	th := s.threadLocked(msg.ConversationID)
	if idx := th.indexOfID(msg.ID); idx >= 0 {
		// a late echo may still find its placeholder when the send response won the race
		if cid := msg.ClientID(); cid != "" {
			if p := th.indexOfPending(cid); p >= 0 {
				th.messages = slices.Delete(th.messages, p, p+1)
				snapshot, conv := s.snapshotLocked(th)
				s.mu.Unlock()
				s.persist(msg.ConversationID, snapshot, conv)
				return true
			}
		}
		s.mu.Unlock()
		metrics.IncrementCounter(metrics.MessagesDuplicate, nil, "Duplicate live deliveries")
		return false
	}

	reconciled := false
	if cid := msg.ClientID(); cid != "" {
		if p := th.indexOfPending(cid); p >= 0 {
			th.messages[p] = msg
			reconciled = true
		}
	}
	if !reconciled {
		th.messages = append(th.messages, msg)
	}
	_, announced := th.seen[msg.ID]
	th.seen[msg.ID] = struct{}{}
	sortMessages(th.messages)
	snapshot, conv := s.snapshotLocked(th)
	s.mu.Unlock()

	metrics.IncrementCounter(metrics.MessagesReceived, nil, "Live messages received")
	s.persist(msg.ConversationID, snapshot, conv)
	if !reconciled && !announced {
		s.publishArrival(msg)
	}
	return true
}

// SendOptimistic validates text, shows a pending placeholder immediately and
// delivers the message. The placeholder is reconciled by correlation id or
// rolled back when delivery fails.
func (s *Store) SendOptimistic(ctx context.Context, conversationID, text string, msgType models.MessageType) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.NewValidationError("message_text", "", "cannot be empty")
	}
	if utf8.RuneCountInString(text) > s.cfg.MaxMessageLength {
		return nil, apperrors.NewValidationError("message_text", privacy.MaskContent(text), "exceeds maximum length")
	}
	if msgType == "" {
		msgType = models.MessageTypeText
	}

	clientID := uuid.NewString()
	placeholder := models.Message{
		ID:             constants.LocalMessageIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		Sender:         s.cfg.Self,
		Text:           text,
		Type:           msgType,
		CreatedAt:      s.now().UTC(),
		Metadata:       map[string]any{models.MetadataClientID: clientID},
	}
	placeholder.Delivery = models.Delivery{State: models.DeliveryPending, LocalID: placeholder.ID}

	s.mu.Lock()
	th := s.threadLocked(conversationID)
	if th.conversation != nil && !th.conversation.Status.CanSend() {
		s.mu.Unlock()
		return nil, apperrors.NewValidationError("status", string(th.conversation.Status), "conversation does not accept messages")
	}
	deliverer := th.deliverer
	if deliverer == nil {
		s.mu.Unlock()
		return nil, apperrors.NewSendError(conversationID, errors.New("no delivery path"))
	}
	th.messages = append(th.messages, placeholder)
	sortMessages(th.messages)
	s.mu.Unlock()

	ctx = tracing.WithCorrelationID(ctx, clientID)
	ctx, span := tracing.StartSpan(ctx, "store.send",
		tracing.AttrConversationID.String(conversationID),
		tracing.AttrCorrelationID.String(clientID))
	defer span.End()

	logger := s.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"client_id":       clientID,
		"local_id":        privacy.MaskMessageID(placeholder.ID),
	})

	start := s.now()
	confirmed, err := deliverer.Deliver(ctx, models.OutboundMessage{
		ConversationID: conversationID,
		ClientID:       clientID,
		Text:           text,
		Type:           msgType,
		Metadata:       map[string]any{models.MetadataClientID: clientID},
	})
	metrics.RecordTimer(metrics.SendDuration, time.Since(start), nil, "Message send duration")

	if err != nil {
		s.removeLocal(conversationID, placeholder.ID)
		tracing.RecordError(ctx, err)
		metrics.IncrementCounter(metrics.MessagesSendFailed, nil, "Messages that could not be delivered")
		logger.WithError(err).Warn("Message delivery failed, placeholder rolled back")
		if apperrors.IsSendError(err) {
			return nil, err
		}
		return nil, apperrors.NewSendError(conversationID, err)
	}

	metrics.IncrementCounter(metrics.MessagesSent, nil, "Messages delivered")
	tracing.SetSpanStatus(ctx, codes.Ok, "")

	result := placeholder.Clone()
	if confirmed != nil {
		tracing.AddSpanAttributes(ctx, attribute.String("spacechat.message_id", confirmed.ID))
		result = s.reconcile(conversationID, clientID, *confirmed)
		logger.WithField("message_id", privacy.MaskMessageID(result.ID)).Debug("Message confirmed")
	} else {
		logger.Debug("Message accepted for live delivery")
	}

	s.bus.Publish(events.Event{Type: events.MessageSent, ConversationID: conversationID, Message: &result})
	return &result, nil
}

// reconcile replaces the placeholder for clientID with the confirmed message
func (s *Store) reconcile(conversationID, clientID string, confirmed models.Message) models.Message {
	confirmed = confirmed.Clone()
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = conversationID
	}
	if confirmed.ClientID() == "" {
		if confirmed.Metadata == nil {
			confirmed.Metadata = make(map[string]any, 1)
		}
		confirmed.Metadata[models.MetadataClientID] = clientID
	}
	confirmed.Confirm()

	s.mu.Lock()
	th := s.threadLocked(conversationID)
	p := th.indexOfPending(clientID)
	switch {
	case th.indexOfID(confirmed.ID) >= 0:
		// the live echo already delivered it
		if p >= 0 {
			th.messages = slices.Delete(th.messages, p, p+1)
		}
	case p >= 0:
		th.messages[p] = confirmed
	default:
		th.messages = append(th.messages, confirmed)
	}
	th.seen[confirmed.ID] = struct{}{}
	sortMessages(th.messages)
	snapshot, conv := s.snapshotLocked(th)
	s.mu.Unlock()

	s.persist(conversationID, snapshot, conv)
	return confirmed
}

func (s *Store) removeLocal(conversationID, localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th := s.threadLocked(conversationID)
	if idx := th.indexOfID(localID); idx >= 0 {
		th.messages = slices.Delete(th.messages, idx, idx+1)
	}
}

// MarkRead records a read acknowledgement locally and on the server. Server
// failures are logged and otherwise ignored.
func (s *Store) MarkRead(ctx context.Context, conversationID, messageID string) {
	s.mu.Lock()
	th := s.threadLocked(conversationID)
	marked := 0
	if idx := th.indexOfID(messageID); idx >= 0 && th.messages[idx].ReadAt == nil && !th.messages[idx].Delivery.Pending() {
		readAt := s.now().UTC()
		th.messages[idx].ReadAt = &readAt
		marked = 1
	}
	snapshot, conv := s.snapshotLocked(th)
	s.mu.Unlock()

	if marked == 0 {
		return
	}
	s.persist(conversationID, snapshot, conv)

	if err := s.api.MarkRead(ctx, conversationID, messageID); err != nil {
		s.logger.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"message_id":      privacy.MaskMessageID(messageID),
			"error":           err,
		}).Warn("Failed to mark message read on server")
	}
	s.bus.Publish(events.Event{Type: events.MessageRead, ConversationID: conversationID, Count: marked})
}

// OpenConversation announces that the user opened a conversation
func (s *Store) OpenConversation(conversationID string) {
	s.bus.Publish(events.Event{Type: events.ConversationOpened, ConversationID: conversationID})
}

// Messages returns a copy of the ordered list
func (s *Store) Messages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th := s.threads[conversationID]
	if th == nil {
		return nil
	}
	out := make([]models.Message, len(th.messages))
	for i := range th.messages {
		out[i] = th.messages[i].Clone()
	}
	return out
}

// Conversation returns the last known conversation details, if any
func (s *Store) Conversation(conversationID string) *models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th := s.threads[conversationID]
	if th == nil || th.conversation == nil {
		return nil
	}
	conv := *th.conversation
	return &conv
}

// FetchError returns the error of the last failed fetch, cleared by the next success
func (s *Store) FetchError(conversationID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if th := s.threads[conversationID]; th != nil {
		return th.fetchErr
	}
	return nil
}

// Stats summarizes a conversation
type Stats struct {
	Total       int             `json:"total"`
	Unread      int             `json:"unread"`
	Pending     int             `json:"pending"`
	LastMessage *models.Message `json:"last_message,omitempty"`
}

func (s *Store) Stats(conversationID string) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	th := s.threads[conversationID]
	if th == nil {
		return st
	}
	st.Total = len(th.messages)
	for i := range th.messages {
		m := &th.messages[i]
		switch {
		case m.Delivery.Pending():
			st.Pending++
		case m.Sender.ID != s.cfg.Self.ID && !m.IsRead():
			st.Unread++
		}
	}
	if n := len(th.messages); n > 0 {
		last := th.messages[n-1].Clone()
		st.LastMessage = &last
	}
	return st
}

// StalePending counts placeholders, across all conversations, that have been
// waiting for confirmation longer than threshold
func (s *Store) StalePending(threshold time.Duration) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-threshold)
	count := 0
	for _, th := range s.threads {
		for i := range th.messages {
			if th.messages[i].Delivery.Pending() && th.messages[i].CreatedAt.Before(cutoff) {
				count++
			}
		}
	}
	return count
}

func (s *Store) publishArrival(msg models.Message) {
	s.bus.Publish(events.Event{Type: events.MessageArrived, ConversationID: msg.ConversationID, Message: &msg})
}

func (s *Store) snapshotLocked(th *thread) ([]models.Message, *models.Conversation) {
	if s.snap == nil {
		return nil, nil
	}
	messages := make([]models.Message, 0, len(th.messages))
	for i := range th.messages {
		if !th.messages[i].Delivery.Pending() {
			messages = append(messages, th.messages[i].Clone())
		}
	}
	var conv *models.Conversation
	if th.conversation != nil {
		c := *th.conversation
		conv = &c
	}
	return messages, conv
}

func (s *Store) persist(conversationID string, messages []models.Message, conv *models.Conversation) {
	if s.snap == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := s.snap.SaveSnapshot(ctx, conversationID, messages, conv); err != nil {
		s.logger.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"error":           err,
		}).Warn("Failed to write message snapshot")
	}
}

func (th *thread) indexOfID(id string) int {
	for i := range th.messages {
		if th.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (th *thread) markSeen() {
	for i := range th.messages {
		if !th.messages[i].Delivery.Pending() {
			th.seen[th.messages[i].ID] = struct{}{}
		}
	}
}

func (th *thread) indexOfPending(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range th.messages {
		if th.messages[i].Delivery.Pending() && th.messages[i].ClientID() == clientID {
			return i
		}
	}
	return -1
}

func pendingOnly(messages []models.Message) []models.Message {
	var out []models.Message
	for _, m := range messages {
		if m.Delivery.Pending() {
			out = append(out, m)
		}
	}
	return out
}

// mergeSorted combines confirmed and pending messages, dropping repeated ids
// and ordering by creation time
func mergeSorted(confirmed, pending []models.Message) []models.Message {
	seen := make(map[string]int, len(confirmed)+len(pending))
	out := make([]models.Message, 0, len(confirmed)+len(pending))
	for _, m := range slices.Concat(confirmed, pending) {
		if idx, ok := seen[m.ID]; ok {
			out[idx] = m
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

func sortMessages(messages []models.Message) {
	slices.SortStableFunc(messages, func(a, b models.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
