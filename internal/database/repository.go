package database

import (
	"context"
	"errors"
	"time"
)

// ErrNotSender is returned when a message is modified by someone other
// than its sender.
var ErrNotSender = errors.New("requester is not the message sender")

type FlickChatRepository interface {
	Ping() error
	UpsertUser(ctx context.Context, params UpsertUserParams) (User, error)
	GetUser(ctx context.Context, uid string) (User, error)
	ListUsers(ctx context.Context, excludeUid string) ([]User, error)
	TouchLastSeen(ctx context.Context, uid string, at time.Time) error
	UpsertConversation(ctx context.Context, id string, participants []string) error
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessages(ctx context.Context, conversationId string) ([]Message, error)
	GetLatestMessage(ctx context.Context, conversationId string) (Message, error)
	LatestMessagesForUser(ctx context.Context, uid string) ([]Message, error)
	MarkRead(ctx context.Context, conversationId, readerUid string, messageIds []string) (int64, error)
	SoftDeleteMessage(ctx context.Context, conversationId, messageId, requesterUid string) error
}
