package types

import (
	"slices"
	"time"
)

const DefaultUsername = "Anonymous"

type User struct {
	Uid       string     `json:"uid"`
	Username  string     `json:"username"`
	PhotoURL  string     `json:"photo_url,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

// Contact is a User as seen from another user's contact list.
type Contact struct {
	User
	Presence string `json:"presence"`
	Unread   bool   `json:"unread"`
}

type Conversation struct {
	Id           string   `json:"id"`
	Participants []string `json:"participants"`
}

type SharedRef struct {
	ContentId   string `json:"content_id"`
	ContentType string `json:"content_type"`
	PosterURL   string `json:"poster_url,omitempty"`
}

type Message struct {
	Id             string     `json:"id"`
	ConversationId string     `json:"conversation_id"`
	Sender         string     `json:"sender"`
	Username       string     `json:"username"`
	Avatar         string     `json:"avatar,omitempty"`
	Text           string     `json:"text"`
	Timestamp      time.Time  `json:"timestamp"`
	Deleted        bool       `json:"deleted"`
	ReadBy         []string   `json:"read_by"`
	Shared         *SharedRef `json:"shared,omitempty"`
}

// ReadByUser reports whether uid has observed the message.
func (m Message) ReadByUser(uid string) bool {
	return slices.Contains(m.ReadBy, uid)
}
