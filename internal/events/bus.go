package events

import (
	"sync"

	"spacechat/internal/models"

	"github.com/sirupsen/logrus"
)

// Type names a cross-component notification
type Type string

const (
	MessageArrived     Type = "new-message-arrived"
	MessageSent        Type = "message-sent"
	MessageRead        Type = "message-read"
	ConversationOpened Type = "conversation-opened"
)

// Event is published on the bus. Message is set for arrivals and sends,
// Count for read acknowledgements.
type Event struct {
	Type           Type
	ConversationID string
	Message        *models.Message
	Count          int
}

// Handler receives events synchronously on the publishing goroutine
type Handler func(Event)

// Bus is an explicit publish/subscribe hub scoped to one session
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type]map[int]Handler
	nextID   int
	logger   *logrus.Logger
}

func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		handlers: make(map[Type]map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers h for events of type t and returns a function that removes it
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.handlers[t] == nil {
		b.handlers[t] = make(map[int]Handler)
	}
	b.handlers[t][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers[t], id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber of its type. A panicking handler does
// not prevent delivery to the others.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[e.Type]))
	for _, h := range b.handlers[e.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"event": e.Type,
				"panic": r,
			}).Error("Event handler panicked")
		}
	}()
	h(e)
}
