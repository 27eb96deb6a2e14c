package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/flickchat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Open      *Open      `json:"open,omitempty"`
	Close     *Close     `json:"close,omitempty"`
	Publish   *Publish   `json:"publish,omitempty"`
	Read      *Read      `json:"read,omitempty"`
	Delete    *Delete    `json:"delete,omitempty"`
	Watch     *Watch     `json:"watch,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
}

// Open starts the live feed of the conversation with a contact, replacing
// any feed that is already open.
type Open struct {
	ContactId string `json:"contact_id"`
}

type Close struct{}

type Publish struct {
	ContactId string `json:"contact_id"`
	Text      string `json:"text"`
}

type Read struct {
	ContactId string `json:"contact_id"`
}

type Delete struct {
	ContactId string `json:"contact_id"`
	MessageId string `json:"message_id"`
}

// Watch starts unread tracking for the whole contact list. Query narrows
// the contacts listed in unread notifications to names containing it.
type Watch struct {
	Query string `json:"query,omitempty"`
}

// Heartbeat is sent by the client when it regains focus.
type Heartbeat struct{}

type ServerMessage struct {
	BaseMessage
	Response     *Response     `json:"response,omitempty"`
	Snapshot     *Snapshot     `json:"snapshot,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// Snapshot carries the full ordered message list of a conversation.
type Snapshot struct {
	ConversationId string          `json:"conversation_id"`
	Messages       []types.Message `json:"messages"`
}

type Notification struct {
	Unread     *UnreadNotification  `json:"unread,omitempty"`
	NewMessage *MessageNotification `json:"new_message,omitempty"`
}

type UnreadNotification struct {
	Contacts []types.Contact `json:"contacts"`
}

type MessageNotification struct {
	ContactId string        `json:"contact_id"`
	Message   types.Message `json:"message"`
}

func newResponse(id, code int, errMsg string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int) *ServerMessage {
	return newResponse(id, http.StatusAccepted, "", nil)
}

func ErrBadRequest(id int) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, "bad request", nil)
}

func ErrForbidden(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, "forbidden", nil)
}

func ErrNotFound(id int) *ServerMessage {
	return newResponse(id, http.StatusNotFound, "not found", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return newResponse(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := newResponse(0, http.StatusBadRequest, "invalid message format", nil)
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
