package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/flickchat/internal/conversation"
	"github.com/npezzotti/flickchat/internal/database"
	"github.com/npezzotti/flickchat/internal/types"
	"github.com/npezzotti/flickchat/internal/unread"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerMessage
	focus      chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	ctx        context.Context
	cancel     context.CancelFunc

	// owned by the Read goroutine
	openContact string
	closeFeed   func()
	aggregator  *unread.Aggregator
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, 256),
		focus:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("client %s: write exiting", c.id)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("client %s: read exiting", c.id)
	}()

	go c.chatServer.presence.Run(c.ctx, c.user.Uid, c.focus)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.Timestamp = Now()
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch {
	case msg.Open != nil:
		c.openConversation(msg)
	case msg.Close != nil:
		c.closeConversation()
		c.queueMessage(NoErrOK(msg.Id, nil))
	case msg.Publish != nil:
		c.publish(msg)
	case msg.Read != nil:
		c.markRead(msg)
	case msg.Delete != nil:
		c.deleteMessage(msg)
	case msg.Watch != nil:
		c.watchContacts(msg)
	case msg.Heartbeat != nil:
		select {
		case c.focus <- struct{}{}:
		default:
		}
		c.queueMessage(NoErrOK(msg.Id, nil))
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// conversationWith resolves the conversation with contactId, replying with
// a bad request error for invalid ids.
func (c *Client) conversationWith(msgId int, contactId string) (string, bool) {
	if err := conversation.ValidateUid(contactId); err != nil || contactId == c.user.Uid {
		c.queueMessage(ErrBadRequest(msgId))
		return "", false
	}
	return conversation.Resolve(c.user.Uid, contactId), true
}

func (c *Client) openConversation(msg *ClientMessage) {
	conversationId, ok := c.conversationWith(msg.Id, msg.Open.ContactId)
	if !ok {
		return
	}

	c.closeConversation()

	closeFeed, err := c.chatServer.Subscribe(conversationId, func(msgs []types.Message) {
		c.queueMessage(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Snapshot: &Snapshot{
				ConversationId: conversationId,
				Messages:       msgs,
			},
		})
	})
	if err != nil {
		c.log.Println("Subscribe:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.openContact = msg.Open.ContactId
	c.closeFeed = closeFeed
	if c.aggregator != nil {
		c.aggregator.SetOpen(c.openContact)
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"conversation_id": conversationId}))
}

func (c *Client) closeConversation() {
	if c.closeFeed != nil {
		c.closeFeed()
		c.closeFeed = nil
	}
	c.openContact = ""
	if c.aggregator != nil {
		c.aggregator.SetOpen("")
	}
}

func (c *Client) publish(msg *ClientMessage) {
	conversationId, ok := c.conversationWith(msg.Id, msg.Publish.ContactId)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.chatServer.opTimeout)
	defer cancel()

	_, err := c.chatServer.Send(ctx, SendParams{
		ConversationId: conversationId,
		Sender:         c.user,
		Text:           msg.Publish.Text,
	})
	if err != nil {
		c.replyError(msg.Id, "Send", err)
		return
	}

	c.queueMessage(NoErrAccepted(msg.Id))
}

func (c *Client) markRead(msg *ClientMessage) {
	conversationId, ok := c.conversationWith(msg.Id, msg.Read.ContactId)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.chatServer.opTimeout)
	defer cancel()

	if err := c.chatServer.MarkRead(ctx, conversationId, c.user.Uid); err != nil {
		c.replyError(msg.Id, "MarkRead", err)
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (c *Client) deleteMessage(msg *ClientMessage) {
	conversationId, ok := c.conversationWith(msg.Id, msg.Delete.ContactId)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.chatServer.opTimeout)
	defer cancel()

	if err := c.chatServer.SoftDelete(ctx, conversationId, msg.Delete.MessageId, c.user.Uid); err != nil {
		c.replyError(msg.Id, "SoftDelete", err)
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (c *Client) watchContacts(msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(c.ctx, c.chatServer.opTimeout)
	defer cancel()

	dbUsers, err := c.chatServer.db.ListUsers(ctx, c.user.Uid)
	if err != nil {
		c.log.Println("ListUsers:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	contacts := make([]types.User, 0, len(dbUsers))
	for _, u := range dbUsers {
		if conversation.ValidateUid(u.Uid) != nil {
			continue
		}
		contacts = append(contacts, ToUser(u))
	}

	if c.aggregator != nil {
		c.aggregator.Close()
	}

	var query string
	if msg.Watch != nil {
		query = msg.Watch.Query
	}
	listed := unread.MatchName(contacts, query)

	tracker := c.chatServer.presence
	agg := unread.NewAggregator(c.chatServer, c.user.Uid,
		unread.WithLogger(c.log),
		unread.WithOnChange(func(state map[string]bool) {
			c.queueMessage(&ServerMessage{
				BaseMessage: BaseMessage{Timestamp: Now()},
				Notification: &Notification{
					Unread: &UnreadNotification{
						Contacts: unread.BuildContacts(listed, state, tracker.LabelFor),
					},
				},
			})
		}),
		unread.WithNotifier(func(contact types.User, m types.Message) {
			c.queueMessage(&ServerMessage{
				BaseMessage: BaseMessage{Timestamp: Now()},
				Notification: &Notification{
					NewMessage: &MessageNotification{
						ContactId: contact.Uid,
						Message:   m,
					},
				},
			})
		}),
	)
	agg.SetOpen(c.openContact)
	c.aggregator = agg

	if err := agg.WatchAll(contacts); err != nil {
		c.log.Println("WatchAll:", err)
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (c *Client) replyError(id int, op string, err error) {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		c.queueMessage(ErrBadRequest(id))
	case errors.Is(err, ErrNotParticipant), errors.Is(err, database.ErrNotSender):
		c.queueMessage(ErrForbidden(id))
	case errors.Is(err, sql.ErrNoRows):
		c.queueMessage(ErrNotFound(id))
	case errors.Is(err, ErrShuttingDown):
		c.queueMessage(ErrServiceUnavailable(id))
	default:
		c.log.Printf("%s: %v", op, err)
		c.queueMessage(ErrInternalError(id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("client %s: failed to send message, channel is full", c.id)
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup releases every live subscription held by the connection and stops
// its presence heartbeats.
func (c *Client) cleanup() {
	c.cancel()
	c.closeConversation()
	if c.aggregator != nil {
		c.aggregator.Close()
		c.aggregator = nil
	}
	c.chatServer.deregisterClient(c)
	c.stopClient()
}
