package database

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/flickchat/internal/types"
)

// FakeFlickChatRepository is an in-memory FlickChatRepository for tests
// that need store semantics rather than call expectations.
type FakeFlickChatRepository struct {
	mu            sync.Mutex
	seq           int64
	users         map[string]User
	conversations map[string]Conversation
	messages      map[string][]Message

	calls map[string]int
	// err, when set, is returned by every write
	err error
}

func NewFakeFlickChatRepository() *FakeFlickChatRepository {
	return &FakeFlickChatRepository{
		users:         make(map[string]User),
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
		calls:         make(map[string]int),
	}
}

// CallCount returns how many times method was invoked.
func (f *FakeFlickChatRepository) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// SetErr makes every following write fail with err.
func (f *FakeFlickChatRepository) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FakeFlickChatRepository) Ping() error {
	return nil
}

func (f *FakeFlickChatRepository) UpsertUser(ctx context.Context, params UpsertUserParams) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpsertUser"]++
	if f.err != nil {
		return User{}, f.err
	}

	u, ok := f.users[params.Uid]
	if !ok {
		u = User{Uid: params.Uid, CreatedAt: time.Now().UTC()}
	}
	u.Username = params.Username
	if u.Username == "" {
		u.Username = types.DefaultUsername
	}
	u.PhotoURL = sql.NullString{String: params.PhotoURL, Valid: params.PhotoURL != ""}
	f.users[params.Uid] = u

	return u, nil
}

func (f *FakeFlickChatRepository) GetUser(ctx context.Context, uid string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetUser"]++

	u, ok := f.users[uid]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *FakeFlickChatRepository) ListUsers(ctx context.Context, excludeUid string) ([]User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListUsers"]++

	users := make([]User, 0, len(f.users))
	for uid, u := range f.users {
		if uid != excludeUid {
			users = append(users, u)
		}
	}
	slices.SortFunc(users, func(a, b User) int { return strings.Compare(a.Uid, b.Uid) })

	return users, nil
}

func (f *FakeFlickChatRepository) TouchLastSeen(ctx context.Context, uid string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["TouchLastSeen"]++
	if f.err != nil {
		return f.err
	}

	u, ok := f.users[uid]
	if !ok {
		return fmt.Errorf("touch last seen %q: %w", uid, sql.ErrNoRows)
	}
	u.LastSeen = sql.NullTime{Time: at, Valid: true}
	f.users[uid] = u

	return nil
}

func (f *FakeFlickChatRepository) UpsertConversation(ctx context.Context, id string, participants []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpsertConversation"]++
	if f.err != nil {
		return f.err
	}

	if _, ok := f.conversations[id]; !ok {
		f.conversations[id] = Conversation{
			Id:           id,
			Participants: slices.Clone(participants),
			CreatedAt:    time.Now().UTC(),
		}
	}

	return nil
}

// Conversation returns a stored conversation.
func (f *FakeFlickChatRepository) Conversation(id string) (Conversation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	return c, ok
}

func (f *FakeFlickChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateMessage"]++
	if f.err != nil {
		return Message{}, f.err
	}

	for _, m := range f.messages[params.ConversationId] {
		if m.Id == params.Id {
			return m, nil
		}
	}

	f.seq++
	m := Message{
		Seq:            f.seq,
		Id:             params.Id,
		ConversationId: params.ConversationId,
		Sender:         params.Sender,
		Username:       params.Username,
		Avatar:         params.Avatar,
		Text:           params.Text,
		CreatedAt:      params.CreatedAt,
		ReadBy:         []string{params.Sender},
	}
	if params.SharedRef != nil {
		m.SharedContentId = sql.NullString{String: params.SharedRef.ContentId, Valid: true}
		m.SharedContentType = sql.NullString{String: params.SharedRef.ContentType, Valid: true}
		m.SharedPosterURL = sql.NullString{String: params.SharedRef.PosterURL, Valid: params.SharedRef.PosterURL != ""}
	}

	msgs := append(f.messages[params.ConversationId], m)
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return int(a.Seq - b.Seq)
	})
	f.messages[params.ConversationId] = msgs

	return cloneMessage(m), nil
}

func (f *FakeFlickChatRepository) GetMessages(ctx context.Context, conversationId string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetMessages"]++

	msgs := make([]Message, 0, len(f.messages[conversationId]))
	for _, m := range f.messages[conversationId] {
		msgs = append(msgs, cloneMessage(m))
	}
	return msgs, nil
}

func (f *FakeFlickChatRepository) GetLatestMessage(ctx context.Context, conversationId string) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetLatestMessage"]++

	msgs := f.messages[conversationId]
	if len(msgs) == 0 {
		return Message{}, sql.ErrNoRows
	}
	return cloneMessage(msgs[len(msgs)-1]), nil
}

func (f *FakeFlickChatRepository) LatestMessagesForUser(ctx context.Context, uid string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["LatestMessagesForUser"]++

	var latest []Message
	for id, c := range f.conversations {
		msgs := f.messages[id]
		if len(msgs) == 0 || !slices.Contains(c.Participants, uid) {
			continue
		}
		latest = append(latest, cloneMessage(msgs[len(msgs)-1]))
	}
	return latest, nil
}

func (f *FakeFlickChatRepository) MarkRead(ctx context.Context, conversationId, readerUid string, messageIds []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["MarkRead"]++
	if f.err != nil {
		return 0, f.err
	}

	var n int64
	msgs := f.messages[conversationId]
	for i := range msgs {
		m := &msgs[i]
		if !slices.Contains(messageIds, m.Id) || m.Sender == readerUid || slices.Contains(m.ReadBy, readerUid) {
			continue
		}
		m.ReadBy = append(slices.Clip(m.ReadBy), readerUid)
		n++
	}

	return n, nil
}

func (f *FakeFlickChatRepository) SoftDeleteMessage(ctx context.Context, conversationId, messageId, requesterUid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SoftDeleteMessage"]++
	if f.err != nil {
		return f.err
	}

	msgs := f.messages[conversationId]
	for i := range msgs {
		if msgs[i].Id != messageId {
			continue
		}
		if msgs[i].Sender != requesterUid {
			return ErrNotSender
		}
		msgs[i].Deleted = true
		msgs[i].Text = ""
		return nil
	}

	return sql.ErrNoRows
}

func cloneMessage(m Message) Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}
