package database

import (
	"database/sql"
	"time"
)

type User struct {
	Uid       string
	Username  string
	PhotoURL  sql.NullString
	LastSeen  sql.NullTime
	CreatedAt time.Time
}

type Conversation struct {
	Id           string
	Participants []string
	CreatedAt    time.Time
}

type Message struct {
	Seq               int64
	Id                string
	ConversationId    string
	Sender            string
	Username          string
	Avatar            string
	Text              string
	CreatedAt         time.Time
	Deleted           bool
	ReadBy            []string
	SharedContentId   sql.NullString
	SharedContentType sql.NullString
	SharedPosterURL   sql.NullString
}

type UpsertUserParams struct {
	Uid      string
	Username string
	PhotoURL string
}

type CreateMessageParams struct {
	Id             string
	ConversationId string
	Sender         string
	Username       string
	Avatar         string
	Text           string
	CreatedAt      time.Time
	SharedRef      *SharedRefParams
}

type SharedRefParams struct {
	ContentId   string
	ContentType string
	PosterURL   string
}
