package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockFlickChatRepository struct {
	mock.Mock
}

func (m *MockFlickChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockFlickChatRepository) UpsertUser(ctx context.Context, params UpsertUserParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockFlickChatRepository) GetUser(ctx context.Context, uid string) (User, error) {
	args := m.Called(ctx, uid)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockFlickChatRepository) ListUsers(ctx context.Context, excludeUid string) ([]User, error) {
	args := m.Called(ctx, excludeUid)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockFlickChatRepository) TouchLastSeen(ctx context.Context, uid string, at time.Time) error {
	args := m.Called(ctx, uid, at)
	return args.Error(0)
}
func (m *MockFlickChatRepository) UpsertConversation(ctx context.Context, id string, participants []string) error {
	args := m.Called(ctx, id, participants)
	return args.Error(0)
}
func (m *MockFlickChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockFlickChatRepository) GetMessages(ctx context.Context, conversationId string) ([]Message, error) {
	args := m.Called(ctx, conversationId)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockFlickChatRepository) GetLatestMessage(ctx context.Context, conversationId string) (Message, error) {
	args := m.Called(ctx, conversationId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockFlickChatRepository) LatestMessagesForUser(ctx context.Context, uid string) ([]Message, error) {
	args := m.Called(ctx, uid)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockFlickChatRepository) MarkRead(ctx context.Context, conversationId, readerUid string, messageIds []string) (int64, error) {
	args := m.Called(ctx, conversationId, readerUid, messageIds)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockFlickChatRepository) SoftDeleteMessage(ctx context.Context, conversationId, messageId, requesterUid string) error {
	args := m.Called(ctx, conversationId, messageId, requesterUid)
	return args.Error(0)
}
