package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/flickchat/internal/conversation"
	"github.com/npezzotti/flickchat/internal/database"
	"github.com/npezzotti/flickchat/internal/presence"
	"github.com/npezzotti/flickchat/internal/testutil"
	"github.com/npezzotti/flickchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, user types.User, cs *ChatServer) *Client {
	c := NewClient(user, nil, cs, testutil.TestLogger(t))
	t.Cleanup(c.cancel)
	return c
}

// nextMessage returns the next message queued for the client.
func nextMessage(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("expected a message to be sent to the client, but none was sent")
		return nil
	}
}

// untilResponse collects queued messages up to and including the response
// to request id.
func untilResponse(t *testing.T, c *Client, id int) (*Response, []*ServerMessage) {
	t.Helper()
	var others []*ServerMessage
	for {
		msg := nextMessage(t, c)
		if msg.Response != nil && msg.Id == id {
			return msg.Response, others
		}
		others = append(others, msg)
	}
}

func seedUsers(t *testing.T, db *database.FakeFlickChatRepository, users ...types.User) {
	for _, u := range users {
		_, err := db.UpsertUser(context.Background(), database.UpsertUserParams{Uid: u.Uid, Username: u.Username, PhotoURL: u.PhotoURL})
		require.NoError(t, err)
	}
}

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: 200,
			Data:         "test data",
		},
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":"test data"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}

func Test_openConversation(t *testing.T) {
	db := database.NewFakeFlickChatRepository()
	cs := newTestChatServer(t, db)
	convId := conversation.Resolve(alice.Uid, bob.Uid)

	_, err := cs.Send(context.Background(), SendParams{ConversationId: convId, Sender: bob, Text: "hello"})
	require.NoError(t, err)

	t.Run("invalid contacts", func(t *testing.T) {
		c := newTestClient(t, alice, cs)
		for i, contact := range []string{"", "bad_id", alice.Uid} {
			c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: i + 1}, Open: &Open{ContactId: contact}})
			msg := nextMessage(t, c)
			require.NotNil(t, msg.Response)
			assert.Equal(t, http.StatusBadRequest, msg.Response.ResponseCode, "expected %q to be rejected", contact)
		}
	})

	t.Run("delivers snapshot then replaces feed", func(t *testing.T) {
		c := newTestClient(t, alice, cs)

		c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 1}, Open: &Open{ContactId: bob.Uid}})
		resp, others := untilResponse(t, c, 1)
		assert.Equal(t, http.StatusOK, resp.ResponseCode)
		require.Len(t, others, 1)
		require.NotNil(t, others[0].Snapshot)
		assert.Equal(t, convId, others[0].Snapshot.ConversationId)
		require.Len(t, others[0].Snapshot.Messages, 1)
		assert.Equal(t, "hello", others[0].Snapshot.Messages[0].Text)
		assert.Equal(t, bob.Uid, c.openContact)

		c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 2}, Open: &Open{ContactId: "carol"}})
		_, others = untilResponse(t, c, 2)
		require.Len(t, others, 1)
		assert.Equal(t, conversation.Resolve(alice.Uid, "carol"), others[0].Snapshot.ConversationId)

		// the feed for bob was released
		_, err := cs.Send(context.Background(), SendParams{ConversationId: convId, Sender: bob, Text: "again"})
		require.NoError(t, err)
		assert.Len(t, c.send, 0, "expected no snapshot for a closed conversation")

		c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 3}, Close: &Close{}})
		resp, _ = untilResponse(t, c, 3)
		assert.Equal(t, http.StatusOK, resp.ResponseCode)
		assert.Empty(t, c.openContact)
		assert.Nil(t, c.closeFeed)
	})
}

func Test_publish(t *testing.T) {
	db := database.NewFakeFlickChatRepository()
	cs := newTestChatServer(t, db)
	c := newTestClient(t, alice, cs)

	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 1}, Publish: &Publish{ContactId: bob.Uid, Text: "hi bob"}})
	resp, _ := untilResponse(t, c, 1)
	assert.Equal(t, http.StatusAccepted, resp.ResponseCode)

	msgs, err := cs.Messages(context.Background(), conversation.Resolve(alice.Uid, bob.Uid))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi bob", msgs[0].Text)
	assert.Equal(t, alice.Uid, msgs[0].Sender)

	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 2}, Publish: &Publish{ContactId: bob.Uid, Text: "  "}})
	resp, _ = untilResponse(t, c, 2)
	assert.Equal(t, http.StatusBadRequest, resp.ResponseCode)
}

func Test_deleteMessage(t *testing.T) {
	db := database.NewFakeFlickChatRepository()
	cs := newTestChatServer(t, db)
	convId := conversation.Resolve(alice.Uid, bob.Uid)

	msg, err := cs.Send(context.Background(), SendParams{ConversationId: convId, Sender: bob, Text: "mine"})
	require.NoError(t, err)

	c := newTestClient(t, alice, cs)

	tcases := []struct {
		name      string
		messageId string
		code      int
	}{
		{"not the sender", msg.Id, http.StatusForbidden},
		{"unknown message", "missing", http.StatusNotFound},
	}

	for i, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			c.dispatch(&ClientMessage{
				BaseMessage: BaseMessage{Id: i + 1},
				Delete:      &Delete{ContactId: bob.Uid, MessageId: tc.messageId},
			})
			resp, _ := untilResponse(t, c, i+1)
			assert.Equal(t, tc.code, resp.ResponseCode)
		})
	}

	owner := newTestClient(t, bob, cs)
	owner.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 9}, Delete: &Delete{ContactId: alice.Uid, MessageId: msg.Id}})
	resp, _ := untilResponse(t, owner, 9)
	assert.Equal(t, http.StatusOK, resp.ResponseCode)
}

func Test_heartbeat(t *testing.T) {
	cs := newTestChatServer(t, database.NewFakeFlickChatRepository())
	c := newTestClient(t, alice, cs)

	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 1}, Heartbeat: &Heartbeat{}})
	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 2}, Heartbeat: &Heartbeat{}})

	assert.Len(t, c.focus, 1, "expected focus signals to coalesce")
	resp, _ := untilResponse(t, c, 2)
	assert.Equal(t, http.StatusOK, resp.ResponseCode)
}

func Test_dispatch_unknown(t *testing.T) {
	cs := newTestChatServer(t, database.NewFakeFlickChatRepository())
	c := newTestClient(t, alice, cs)

	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 4}})
	msg := nextMessage(t, c)
	require.NotNil(t, msg.Response)
	assert.Equal(t, 4, msg.Id)
	assert.Equal(t, http.StatusBadRequest, msg.Response.ResponseCode)
}

func Test_watchContacts_unreadFlow(t *testing.T) {
	db := database.NewFakeFlickChatRepository()
	cs := newTestChatServer(t, db)
	carol := types.User{Uid: "carol", Username: "Carol"}
	seedUsers(t, db, alice, bob, carol)
	convId := conversation.Resolve(alice.Uid, bob.Uid)

	// bob writes to alice before she looks at her contacts
	sent, err := cs.Send(context.Background(), SendParams{ConversationId: convId, Sender: bob, Text: "psst"})
	require.NoError(t, err)

	c := newTestClient(t, alice, cs)
	defer c.closeConversation()

	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 1}, Watch: &Watch{}})
	resp, others := untilResponse(t, c, 1)
	assert.Equal(t, http.StatusOK, resp.ResponseCode)

	var (
		newMessage *MessageNotification
		unread     *UnreadNotification
	)
	for _, m := range others {
		require.NotNil(t, m.Notification)
		if m.Notification.NewMessage != nil {
			newMessage = m.Notification.NewMessage
		}
		if m.Notification.Unread != nil {
			unread = m.Notification.Unread
		}
	}

	require.NotNil(t, newMessage, "expected a new message notification")
	assert.Equal(t, bob.Uid, newMessage.ContactId)
	assert.Equal(t, sent.Id, newMessage.Message.Id)

	require.NotNil(t, unread, "expected an unread notification")
	require.Len(t, unread.Contacts, 2)
	assert.Equal(t, bob.Uid, unread.Contacts[0].Uid, "expected unread contact first")
	assert.True(t, unread.Contacts[0].Unread)
	assert.Equal(t, presence.Offline, unread.Contacts[0].Presence)
	assert.Equal(t, carol.Uid, unread.Contacts[1].Uid)
	assert.False(t, unread.Contacts[1].Unread)

	// alice opens the conversation and marks it read
	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 2}, Open: &Open{ContactId: bob.Uid}})
	untilResponse(t, c, 2)

	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 3}, Read: &Read{ContactId: bob.Uid}})
	resp, others = untilResponse(t, c, 3)
	assert.Equal(t, http.StatusOK, resp.ResponseCode)

	var (
		cleared  bool
		readSnap *Snapshot
	)
	for _, m := range others {
		if m.Notification != nil && m.Notification.Unread != nil {
			for _, contact := range m.Notification.Unread.Contacts {
				if contact.Uid == bob.Uid && !contact.Unread {
					cleared = true
				}
			}
		}
		if m.Snapshot != nil {
			readSnap = m.Snapshot
		}
	}
	assert.True(t, cleared, "expected bob to be marked read")
	require.NotNil(t, readSnap, "expected an updated snapshot")
	assert.Contains(t, readSnap.Messages[0].ReadBy, alice.Uid, "expected sender to see the read indicator")

	// messages in the open conversation do not notify
	_, err = cs.Send(context.Background(), SendParams{ConversationId: convId, Sender: bob, Text: "still here?"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	for len(c.send) > 0 {
		msg := <-c.send
		if msg.Notification != nil {
			assert.Nil(t, msg.Notification.NewMessage, "expected no notification for the open conversation")
		}
	}
}

func Test_watchContacts_query(t *testing.T) {
	db := database.NewFakeFlickChatRepository()
	cs := newTestChatServer(t, db)
	carol := types.User{Uid: "carol", Username: "Carol"}
	seedUsers(t, db, alice, bob, carol)

	c := newTestClient(t, alice, cs)
	defer c.closeConversation()

	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 1}, Watch: &Watch{Query: "car"}})
	resp, _ := untilResponse(t, c, 1)
	assert.Equal(t, http.StatusOK, resp.ResponseCode)

	// bob is not listed but his messages still notify
	_, err := cs.Send(context.Background(), SendParams{
		ConversationId: conversation.Resolve(alice.Uid, bob.Uid),
		Sender:         bob,
		Text:           "hi",
	})
	require.NoError(t, err)

	var (
		newMessage *MessageNotification
		unread     *UnreadNotification
	)
	require.Eventually(t, func() bool {
		for len(c.send) > 0 {
			m := <-c.send
			if m.Notification == nil {
				continue
			}
			if m.Notification.NewMessage != nil {
				newMessage = m.Notification.NewMessage
			}
			if m.Notification.Unread != nil {
				unread = m.Notification.Unread
			}
		}
		return newMessage != nil && unread != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, bob.Uid, newMessage.ContactId)
	require.Len(t, unread.Contacts, 1)
	assert.Equal(t, carol.Uid, unread.Contacts[0].Uid)
}

func Test_cleanup(t *testing.T) {
	db := database.NewFakeFlickChatRepository()
	cs := newTestChatServer(t, db, WithIdleTimeout(10*time.Millisecond))
	seedUsers(t, db, alice, bob)
	go cs.Run()

	c := newTestClient(t, alice, cs)
	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 1}, Watch: &Watch{}})
	untilResponse(t, c, 1)
	c.dispatch(&ClientMessage{BaseMessage: BaseMessage{Id: 2}, Open: &Open{ContactId: bob.Uid}})
	untilResponse(t, c, 2)

	c.cleanup()

	assert.Error(t, c.ctx.Err(), "expected client context to be canceled")
	assert.Nil(t, c.aggregator)
	assert.Nil(t, c.closeFeed)
	select {
	case <-c.stop:
	default:
		t.Error("expected client to be stopped")
	}

	assert.Eventually(t, func() bool {
		cs.channelsLock.Lock()
		defer cs.channelsLock.Unlock()
		return len(cs.channels) == 0
	}, time.Second, 5*time.Millisecond, "expected every subscription to be released")
}
