package service

import (
	"context"
	"sync"
	"time"

	"spacechat/internal/models"
	"spacechat/pkg/api/types"

	"github.com/stretchr/testify/mock"
)

// Mock request/response API
type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) FetchMessages(ctx context.Context, conversationID string, opts types.FetchOptions) (*models.MessagePage, error) {
	args := m.Called(ctx, conversationID, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MessagePage), args.Error(1)
}

func (m *mockAPI) SendMessage(ctx context.Context, msg models.OutboundMessage) (*models.Message, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}

func (m *mockAPI) MarkRead(ctx context.Context, conversationID, messageID string) error {
	args := m.Called(ctx, conversationID, messageID)
	return args.Error(0)
}

func (m *mockAPI) UnreadCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// In-memory cache
type memoryCache struct {
	mu        sync.Mutex
	snapshots map[string][]models.Message
	unread    map[string]int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		snapshots: make(map[string][]models.Message),
		unread:    make(map[string]int),
	}
}

func (c *memoryCache) SaveSnapshot(_ context.Context, conversationID string, messages []models.Message, _ *models.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[conversationID] = append([]models.Message(nil), messages...)
	return nil
}

func (c *memoryCache) LoadSnapshot(_ context.Context, conversationID string) ([]models.Message, *models.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.snapshots[conversationID]...), nil, nil
}

func (c *memoryCache) SaveUnreadCount(_ context.Context, userID string, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unread[userID] = count
	return nil
}

func (c *memoryCache) LoadUnreadCount(_ context.Context, userID string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.unread[userID]
	return n, ok, nil
}

func (c *memoryCache) snapshot(conversationID string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.snapshots[conversationID]...)
}

// Fixed stale counter for the delivery monitor
type staleCounter struct {
	mu    sync.Mutex
	count int
	calls int
}

func (s *staleCounter) StalePending(time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.count
}

func (s *staleCounter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
