package store

import (
	"context"
	"sync"

	"spacechat/internal/models"
	"spacechat/pkg/api/types"

	"github.com/stretchr/testify/mock"
)

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

func (m *mockAPI) MarkRead(ctx context.Context, conversationID, messageID string) error {
	args := m.Called(ctx, conversationID, messageID)
	return args.Error(0)
}

type mockDeliverer struct {
	mock.Mock
}

func (m *mockDeliverer) Deliver(ctx context.Context, msg models.OutboundMessage) (*models.Message, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Message), args.Error(1)
}

// memorySnapshotter keeps snapshots in memory
type memorySnapshotter struct {
	mu            sync.Mutex
	messages      map[string][]models.Message
	conversations map[string]*models.Conversation
	saves         int
}

func newMemorySnapshotter() *memorySnapshotter {
	return &memorySnapshotter{
		messages:      make(map[string][]models.Message),
		conversations: make(map[string]*models.Conversation),
	}
}

func (s *memorySnapshotter) SaveSnapshot(_ context.Context, conversationID string, messages []models.Message, conversation *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.messages[conversationID] = append([]models.Message(nil), messages...)
	s.conversations[conversationID] = conversation
	return nil
}

func (s *memorySnapshotter) LoadSnapshot(_ context.Context, conversationID string) ([]models.Message, *models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages[conversationID]...), s.conversations[conversationID], nil
}
