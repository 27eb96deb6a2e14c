package database

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/npezzotti/flickchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var messageRowColumns = []string{
	"seq", "id", "conversation_id", "sender", "username", "avatar", "text", "created_at", "deleted", "read_by",
	"shared_content_id", "shared_content_type", "shared_poster_url",
}

func newTestRepository(t *testing.T) (*PgFlickChatRepository, sqlmock.Sqlmock) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err, "failed to open sqlmock database")
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet(), "expected all queries to be executed")
		conn.Close()
	})

	return &PgFlickChatRepository{conn: conn}, mock
}

func TestUpsertUser(t *testing.T) {
	repo, mock := newTestRepository(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users (uid, username, photo_url, created_at)")).
		WithArgs("u1", "alice", "", sqlmock.AnyArg(), types.DefaultUsername).
		WillReturnRows(sqlmock.NewRows([]string{"uid", "username", "photo_url", "last_seen", "created_at"}).
			AddRow("u1", "alice", nil, nil, created))

	u, err := repo.UpsertUser(context.Background(), UpsertUserParams{Uid: "u1", Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "u1", u.Uid)
	assert.Equal(t, "alice", u.Username)
	assert.False(t, u.PhotoURL.Valid, "expected photo url to be null")
	assert.False(t, u.LastSeen.Valid, "expected last seen to be null")
	assert.Equal(t, created, u.CreatedAt)
}

func TestUpsertUser_emptyName(t *testing.T) {
	repo, mock := newTestRepository(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("VALUES ($1, COALESCE(NULLIF($2, ''), $5), NULLIF($3, ''), $4)")).
		WithArgs("u1", "", "", sqlmock.AnyArg(), types.DefaultUsername).
		WillReturnRows(sqlmock.NewRows([]string{"uid", "username", "photo_url", "last_seen", "created_at"}).
			AddRow("u1", types.DefaultUsername, nil, nil, created))

	u, err := repo.UpsertUser(context.Background(), UpsertUserParams{Uid: "u1"})
	require.NoError(t, err)
	assert.Equal(t, types.DefaultUsername, u.Username)
}

func TestTouchLastSeen(t *testing.T) {
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("updates last seen", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET last_seen = $2 WHERE uid = $1")).
			WithArgs("u1", at).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.TouchLastSeen(context.Background(), "u1", at))
	})

	t.Run("unknown user", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET last_seen")).
			WithArgs("ghost", at).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, repo.TouchLastSeen(context.Background(), "ghost", at), sql.ErrNoRows)
	})
}

func TestCreateMessage(t *testing.T) {
	repo, mock := newTestRepository(t)
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (id) DO NOTHING RETURNING")).
		WithArgs("m1", "u1_u2", "u1", "alice", "", "hello", ts, "42", "movie", "").
		WillReturnRows(sqlmock.NewRows(messageRowColumns).
			AddRow(1, "m1", "u1_u2", "u1", "alice", "", "hello", ts, false, "{u1}", "42", "movie", nil))

	msg, err := repo.CreateMessage(context.Background(), CreateMessageParams{
		Id:             "m1",
		ConversationId: "u1_u2",
		Sender:         "u1",
		Username:       "alice",
		Text:           "hello",
		CreatedAt:      ts,
		SharedRef:      &SharedRefParams{ContentId: "42", ContentType: "movie"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, []string{"u1"}, msg.ReadBy, "expected sender to have read their own message")
	assert.Equal(t, "42", msg.SharedContentId.String)
	assert.False(t, msg.SharedPosterURL.Valid)
}

func TestGetMessages(t *testing.T) {
	repo, mock := newTestRepository(t)
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, seq ASC")).
		WithArgs("u1_u2").
		WillReturnRows(sqlmock.NewRows(messageRowColumns).
			AddRow(1, "m1", "u1_u2", "u1", "alice", "", "hi", ts, false, "{u1,u2}", nil, nil, nil).
			AddRow(2, "m2", "u1_u2", "u2", "bob", "", "", ts.Add(time.Second), true, "{u2}", nil, nil, nil))

	msgs, err := repo.GetMessages(context.Background(), "u1_u2")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"u1", "u2"}, msgs[0].ReadBy)
	assert.True(t, msgs[1].Deleted)
	assert.Empty(t, msgs[1].Text)
}

func TestGetLatestMessage_Empty(t *testing.T) {
	repo, mock := newTestRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, seq DESC LIMIT 1")).
		WithArgs("u1_u2").
		WillReturnRows(sqlmock.NewRows(messageRowColumns))

	_, err := repo.GetLatestMessage(context.Background(), "u1_u2")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMarkRead(t *testing.T) {
	t.Run("appends reader only where missing", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET read_by = array_append(read_by, $2) "+
			"WHERE conversation_id = $1 AND id = ANY($3) AND sender <> $2 AND NOT ($2 = ANY(read_by))")).
			WithArgs("u1_u2", "u2", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 2))

		n, err := repo.MarkRead(context.Background(), "u1_u2", "u2", []string{"m1", "m2", "m3"})
		assert.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("no messages is a no-op", func(t *testing.T) {
		repo, _ := newTestRepository(t)

		n, err := repo.MarkRead(context.Background(), "u1_u2", "u2", nil)
		assert.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestSoftDeleteMessage(t *testing.T) {
	updateQuery := regexp.QuoteMeta("UPDATE messages SET deleted = true, text = '' WHERE conversation_id = $1 AND id = $2 AND sender = $3")
	selectQuery := regexp.QuoteMeta("SELECT sender FROM messages WHERE conversation_id = $1 AND id = $2")

	t.Run("sender deletes own message", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec(updateQuery).WithArgs("u1_u2", "m1", "u1").WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.SoftDeleteMessage(context.Background(), "u1_u2", "m1", "u1"))
	})

	t.Run("other participant is rejected", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec(updateQuery).WithArgs("u1_u2", "m1", "u2").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(selectQuery).WithArgs("u1_u2", "m1").
			WillReturnRows(sqlmock.NewRows([]string{"sender"}).AddRow("u1"))

		assert.ErrorIs(t, repo.SoftDeleteMessage(context.Background(), "u1_u2", "m1", "u2"), ErrNotSender)
	})

	t.Run("unknown message", func(t *testing.T) {
		repo, mock := newTestRepository(t)
		mock.ExpectExec(updateQuery).WithArgs("u1_u2", "nope", "u1").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(selectQuery).WithArgs("u1_u2", "nope").WillReturnRows(sqlmock.NewRows([]string{"sender"}))

		assert.ErrorIs(t, repo.SoftDeleteMessage(context.Background(), "u1_u2", "nope", "u1"), sql.ErrNoRows)
	})
}

func TestLatestMessagesForUser(t *testing.T) {
	repo, mock := newTestRepository(t)
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT ON (m.conversation_id)")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(messageRowColumns).
			AddRow(3, "m3", "u1_u2", "u2", "bob", "", "yo", ts, false, "{u2}", nil, nil, nil).
			AddRow(7, "m7", "u1_u3", "u1", "alice", "", "hey", ts, false, "{u1}", nil, nil, nil))

	msgs, err := repo.LatestMessagesForUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "u1_u2", msgs[0].ConversationId)
	assert.Equal(t, "u1_u3", msgs[1].ConversationId)
}
