package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/flickchat/internal/types"
)

const (
	userColumns    = "uid, username, photo_url, last_seen, created_at"
	messageColumns = "seq, id, conversation_id, sender, username, avatar, text, created_at, deleted, read_by, " +
		"shared_content_id, shared_content_type, shared_poster_url"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (User, error) {
	var u User
	err := row.Scan(
		&u.Uid,
		&u.Username,
		&u.PhotoURL,
		&u.LastSeen,
		&u.CreatedAt,
	)
	return u, err
}

func scanMessage(row scanner) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Seq,
		&m.Id,
		&m.ConversationId,
		&m.Sender,
		&m.Username,
		&m.Avatar,
		&m.Text,
		&m.CreatedAt,
		&m.Deleted,
		pq.Array(&m.ReadBy),
		&m.SharedContentId,
		&m.SharedContentType,
		&m.SharedPosterURL,
	)
	return m, err
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

// UpsertUser stores the user under DefaultUsername when the name is empty.
func (db *PgFlickChatRepository) UpsertUser(ctx context.Context, params UpsertUserParams) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO users (uid, username, photo_url, created_at) VALUES ($1, COALESCE(NULLIF($2, ''), $5), NULLIF($3, ''), $4) "+
			"ON CONFLICT (uid) DO UPDATE SET username = EXCLUDED.username, photo_url = EXCLUDED.photo_url "+
			"RETURNING "+userColumns,
		params.Uid,
		params.Username,
		params.PhotoURL,
		time.Now().UTC(),
		types.DefaultUsername,
	)

	return scanUser(row)
}

func (db *PgFlickChatRepository) GetUser(ctx context.Context, uid string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE uid = $1 LIMIT 1",
		uid,
	)

	return scanUser(row)
}

func (db *PgFlickChatRepository) ListUsers(ctx context.Context, excludeUid string) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE uid <> $1 ORDER BY lower(username), uid",
		excludeUid,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

func (db *PgFlickChatRepository) TouchLastSeen(ctx context.Context, uid string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx, "UPDATE users SET last_seen = $2 WHERE uid = $1", uid, at)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %q: %w", uid, sql.ErrNoRows)
	}

	return nil
}

func (db *PgFlickChatRepository) UpsertConversation(ctx context.Context, id string, participants []string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO conversations (id, participants, created_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (id) DO NOTHING",
		id,
		pq.Array(participants),
		time.Now().UTC(),
	)

	return err
}

// CreateMessage inserts the message unless a message with the same id
// exists, and returns the stored row either way.
func (db *PgFlickChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	var shared SharedRefParams
	if params.SharedRef != nil {
		shared = *params.SharedRef
	}

	row := db.conn.QueryRowContext(ctx,
		"WITH ins AS ("+
			"INSERT INTO messages (id, conversation_id, sender, username, avatar, text, created_at, read_by, "+
			"shared_content_id, shared_content_type, shared_poster_url) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, ARRAY[$3]::TEXT[], NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, '')) "+
			"ON CONFLICT (id) DO NOTHING RETURNING "+messageColumns+
			") SELECT "+messageColumns+" FROM ins "+
			"UNION ALL SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		params.Id,
		params.ConversationId,
		params.Sender,
		params.Username,
		params.Avatar,
		params.Text,
		params.CreatedAt,
		shared.ContentId,
		shared.ContentType,
		shared.PosterURL,
	)

	return scanMessage(row)
}

func (db *PgFlickChatRepository) GetMessages(ctx context.Context, conversationId string) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, seq ASC",
		conversationId,
	)
	if err != nil {
		return nil, err
	}

	return collectMessages(rows)
}

func (db *PgFlickChatRepository) GetLatestMessage(ctx context.Context, conversationId string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1",
		conversationId,
	)

	return scanMessage(row)
}

// LatestMessagesForUser returns the most recent message of every
// conversation uid participates in, in a single query.
func (db *PgFlickChatRepository) LatestMessagesForUser(ctx context.Context, uid string) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT DISTINCT ON (m.conversation_id) "+
			"m.seq, m.id, m.conversation_id, m.sender, m.username, m.avatar, m.text, m.created_at, m.deleted, m.read_by, "+
			"m.shared_content_id, m.shared_content_type, m.shared_poster_url "+
			"FROM messages m JOIN conversations c ON c.id = m.conversation_id "+
			"WHERE $1 = ANY(c.participants) "+
			"ORDER BY m.conversation_id, m.created_at DESC, m.seq DESC",
		uid,
	)
	if err != nil {
		return nil, err
	}

	return collectMessages(rows)
}

// MarkRead adds readerUid to read_by of the given messages that were sent by
// someone else and not yet read by the reader. read_by only ever grows.
func (db *PgFlickChatRepository) MarkRead(ctx context.Context, conversationId, readerUid string, messageIds []string) (int64, error) {
	if len(messageIds) == 0 {
		return 0, nil
	}

	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET read_by = array_append(read_by, $2) "+
			"WHERE conversation_id = $1 AND id = ANY($3) AND sender <> $2 AND NOT ($2 = ANY(read_by))",
		conversationId,
		readerUid,
		pq.Array(messageIds),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (db *PgFlickChatRepository) SoftDeleteMessage(ctx context.Context, conversationId, messageId, requesterUid string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET deleted = true, text = '' WHERE conversation_id = $1 AND id = $2 AND sender = $3",
		conversationId,
		messageId,
		requesterUid,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var sender string
	err = db.conn.QueryRowContext(ctx,
		"SELECT sender FROM messages WHERE conversation_id = $1 AND id = $2",
		conversationId,
		messageId,
	).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	if err != nil {
		return err
	}

	return ErrNotSender
}
