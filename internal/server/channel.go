package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"time"

	"github.com/npezzotti/flickchat/internal/database"
	"github.com/npezzotti/flickchat/internal/types"
)

const (
	idleChannelTimeout = 30 * time.Second
	defaultOpTimeout   = 10 * time.Second
)

type deleteRequest struct {
	messageId string
	requester string
}

type channelRequest struct {
	ctx         context.Context
	reply       chan channelResponse
	subscribe   *subscriber
	unsubscribe int
	send        *SendParams
	read        string
	delete      *deleteRequest
	list        bool
}

type channelResponse struct {
	msg   types.Message
	msgs  []types.Message
	subId int
	err   error
}

type subscriber struct {
	id     int
	feed   func([]types.Message)
	latest func(*types.Message)
	// lastKey is what the latest-only subscriber last received.
	lastKey string
}

// Channel is the live, ordered message list of one conversation. All reads
// and writes for the conversation go through its goroutine.
type Channel struct {
	id          string
	cs          *ChatServer
	log         *log.Logger
	reqs        chan *channelRequest
	exit        chan struct{}
	done        chan struct{}

	// loaded is set once snapshot holds the whole conversation. Before
	// that, latestLoaded means snapshot holds at most its newest message.
	loaded       bool
	latestLoaded bool
	snapshot     []types.Message

	subscribers map[int]*subscriber
	nextSubId   int
	// killTimer unloads the channel once it has no subscribers
	killTimer *time.Timer
}

func newChannel(cs *ChatServer, id string) *Channel {
	return &Channel{
		id:          id,
		cs:          cs,
		log:         cs.log,
		reqs:        make(chan *channelRequest),
		exit:        make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[int]*subscriber),
	}
}

func (ch *Channel) start() {
	ch.log.Printf("starting channel %q", ch.id)
	ch.killTimer = time.NewTimer(ch.cs.idleTimeout)
	ch.killTimer.Stop()

	defer close(ch.done)

	for {
		select {
		case req := <-ch.reqs:
			req.reply <- ch.handle(req)
			if len(ch.subscribers) == 0 {
				ch.killTimer.Reset(ch.cs.idleTimeout)
			} else {
				ch.killTimer.Stop()
			}
		case <-ch.killTimer.C:
			if ch.cs.unloadChannel(ch) {
				ch.log.Printf("channel %q idle, unloading", ch.id)
				return
			}
		case <-ch.exit:
			ch.log.Printf("channel %q is exiting", ch.id)
			return
		}
	}
}

func (ch *Channel) handle(req *channelRequest) channelResponse {
	if req.unsubscribe != 0 {
		ch.handleUnsubscribe(req.unsubscribe)
		return channelResponse{}
	}

	if err := ch.load(req.ctx, req.needsHistory()); err != nil {
		return channelResponse{err: err}
	}

	// the caller may have given up while the store was loading
	if err := req.ctx.Err(); err != nil {
		return channelResponse{err: err}
	}

	switch {
	case req.subscribe != nil:
		return ch.handleSubscribe(req.subscribe)
	case req.send != nil:
		return ch.handleSend(req.ctx, req.send)
	case req.read != "":
		return ch.handleRead(req.ctx, req.read)
	case req.delete != nil:
		return ch.handleDelete(req.ctx, req.delete)
	case req.list:
		return channelResponse{msgs: cloneMessages(ch.snapshot)}
	}

	return channelResponse{err: errors.New("unknown channel request")}
}

// needsHistory reports whether req works on the whole conversation. Sends
// and latest-only subscribers need just the newest message.
func (req *channelRequest) needsHistory() bool {
	switch {
	case req.subscribe != nil:
		return req.subscribe.feed != nil
	case req.send != nil:
		return false
	default:
		return true
	}
}

// load fills the snapshot from the store the first time it is needed,
// either with the newest message only or with the whole ordered list. A
// failed load is retried by the next request.
func (ch *Channel) load(ctx context.Context, history bool) error {
	if ch.loaded || (!history && ch.latestLoaded) {
		return nil
	}

	if !history {
		dbMsg, err := ch.cs.db.GetLatestMessage(ctx, ch.id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			ch.snapshot = []types.Message{}
		case err != nil:
			ch.log.Printf("load latest message of %q: %v", ch.id, err)
			return fmt.Errorf("load latest message: %w", err)
		default:
			ch.snapshot = []types.Message{ToMessage(dbMsg)}
		}
		ch.latestLoaded = true
		return nil
	}

	dbMsgs, err := ch.cs.db.GetMessages(ctx, ch.id)
	if err != nil {
		ch.log.Printf("load channel %q: %v", ch.id, err)
		return fmt.Errorf("load messages: %w", err)
	}

	ch.snapshot = make([]types.Message, 0, len(dbMsgs))
	for _, m := range dbMsgs {
		ch.snapshot = append(ch.snapshot, ToMessage(m))
	}
	ch.loaded = true

	return nil
}

func (ch *Channel) handleSubscribe(sub *subscriber) channelResponse {
	ch.nextSubId++
	sub.id = ch.nextSubId
	ch.subscribers[sub.id] = sub

	ch.deliver(sub)

	return channelResponse{subId: sub.id}
}

func (ch *Channel) handleUnsubscribe(id int) {
	if _, ok := ch.subscribers[id]; !ok {
		return
	}

	delete(ch.subscribers, id)
	ch.log.Printf("subscriber %d left channel %q, %d remaining", id, ch.id, len(ch.subscribers))
}

func (ch *Channel) handleSend(ctx context.Context, params *SendParams) channelResponse {
	if err := ch.cs.upsertConversation(ctx, ch.id); err != nil {
		ch.log.Println("UpsertConversation:", err)
		return channelResponse{err: err}
	}

	id, err := ch.cs.newId()
	if err != nil {
		return channelResponse{err: fmt.Errorf("generate message id: %w", err)}
	}

	// timestamps never go backwards within a conversation
	ts := ch.cs.clock.Now()
	if n := len(ch.snapshot); n > 0 && ts.Before(ch.snapshot[n-1].Timestamp) {
		ts = ch.snapshot[n-1].Timestamp
	}

	createParams := database.CreateMessageParams{
		Id:             id,
		ConversationId: ch.id,
		Sender:         params.Sender.Uid,
		Username:       params.Sender.Username,
		Avatar:         params.Sender.PhotoURL,
		Text:           params.Text,
		CreatedAt:      ts,
	}
	if params.Shared != nil {
		createParams.SharedRef = &database.SharedRefParams{
			ContentId:   params.Shared.ContentId,
			ContentType: params.Shared.ContentType,
			PosterURL:   params.Shared.PosterURL,
		}
	}

	var dbMsg database.Message
	err = ch.cs.retry.Do(ctx, func() error {
		var err error
		dbMsg, err = ch.cs.db.CreateMessage(ctx, createParams)
		return err
	})
	if err != nil {
		ch.log.Println("CreateMessage:", err)
		return channelResponse{err: err}
	}

	msg := ToMessage(dbMsg)
	if ch.loaded {
		ch.snapshot = append(ch.snapshot, msg)
	} else {
		ch.snapshot = []types.Message{msg}
	}
	ch.cs.stats.Incr(metricMessagesSent)
	ch.broadcast()

	return channelResponse{msg: cloneMessage(msg)}
}

func (ch *Channel) handleRead(ctx context.Context, reader string) channelResponse {
	var ids []string
	for _, m := range ch.snapshot {
		if m.Sender != reader && !m.ReadByUser(reader) {
			ids = append(ids, m.Id)
		}
	}

	if len(ids) == 0 {
		return channelResponse{}
	}

	if _, err := ch.cs.db.MarkRead(ctx, ch.id, reader, ids); err != nil {
		ch.log.Println("MarkRead:", err)
		return channelResponse{err: err}
	}

	for i := range ch.snapshot {
		if slices.Contains(ids, ch.snapshot[i].Id) {
			ch.snapshot[i].ReadBy = append(slices.Clip(ch.snapshot[i].ReadBy), reader)
		}
	}
	ch.broadcast()

	return channelResponse{}
}

func (ch *Channel) handleDelete(ctx context.Context, req *deleteRequest) channelResponse {
	idx := slices.IndexFunc(ch.snapshot, func(m types.Message) bool { return m.Id == req.messageId })
	if idx < 0 {
		return channelResponse{err: sql.ErrNoRows}
	}

	msg := ch.snapshot[idx]
	if msg.Sender != req.requester {
		return channelResponse{err: database.ErrNotSender}
	}
	if msg.Deleted {
		return channelResponse{}
	}

	if err := ch.cs.db.SoftDeleteMessage(ctx, ch.id, req.messageId, req.requester); err != nil {
		ch.log.Println("SoftDeleteMessage:", err)
		return channelResponse{err: err}
	}

	ch.snapshot[idx].Deleted = true
	ch.snapshot[idx].Text = ""
	ch.broadcast()

	return channelResponse{}
}

func (ch *Channel) broadcast() {
	for _, sub := range ch.subscribers {
		ch.deliver(sub)
	}
}

func (ch *Channel) deliver(sub *subscriber) {
	if sub.feed != nil {
		sub.feed(cloneMessages(ch.snapshot))
	}

	if sub.latest != nil {
		var latest *types.Message
		if n := len(ch.snapshot); n > 0 {
			m := cloneMessage(ch.snapshot[n-1])
			latest = &m
		}

		key := latestKey(latest)
		if key == sub.lastKey && sub.lastKey != "" {
			return
		}
		sub.lastKey = key
		sub.latest(latest)
	}
}

// latestKey changes whenever the watched message changes in a way that can
// flip its unread state.
func latestKey(m *types.Message) string {
	if m == nil {
		return "none"
	}
	return m.Id + "/" + strconv.Itoa(len(m.ReadBy)) + "/" + strconv.FormatBool(m.Deleted)
}

func cloneMessage(m types.Message) types.Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	if m.Shared != nil {
		shared := *m.Shared
		m.Shared = &shared
	}
	return m
}

func cloneMessages(msgs []types.Message) []types.Message {
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out
}

// ToMessage converts a stored message to its wire form.
func ToMessage(m database.Message) types.Message {
	msg := types.Message{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		Sender:         m.Sender,
		Username:       m.Username,
		Avatar:         m.Avatar,
		Text:           m.Text,
		Timestamp:      m.CreatedAt,
		Deleted:        m.Deleted,
		ReadBy:         m.ReadBy,
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	if m.Deleted {
		msg.Text = ""
	}
	if m.SharedContentId.Valid {
		msg.Shared = &types.SharedRef{
			ContentId:   m.SharedContentId.String,
			ContentType: m.SharedContentType.String,
			PosterURL:   m.SharedPosterURL.String,
		}
	}

	return msg
}

// ToUser converts a stored user to its wire form.
func ToUser(u database.User) types.User {
	user := types.User{
		Uid:       u.Uid,
		Username:  u.Username,
		PhotoURL:  u.PhotoURL.String,
		CreatedAt: u.CreatedAt,
	}
	if user.Username == "" {
		user.Username = types.DefaultUsername
	}
	if u.LastSeen.Valid {
		lastSeen := u.LastSeen.Time
		user.LastSeen = &lastSeen
	}

	return user
}
