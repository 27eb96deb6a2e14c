package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/flickchat/internal/conversation"
	"github.com/npezzotti/flickchat/internal/database"
	"github.com/npezzotti/flickchat/internal/presence"
	"github.com/npezzotti/flickchat/internal/stats"
	"github.com/npezzotti/flickchat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	metricActiveChannels = "NumActiveChannels"
	metricConnections    = "NumConnections"
	metricMessagesSent   = "MessagesSent"

	DefaultAvatar = "https://www.gravatar.com/avatar/?d=mp&f=y"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNotParticipant = errors.New("user is not a participant of the conversation")
	ErrShuttingDown   = errors.New("chat server is shutting down")
)

type SendParams struct {
	ConversationId string
	Sender         types.User
	Text           string
	Shared         *types.SharedRef
}

type Option func(*ChatServer)

func WithClock(c presence.Clock) Option {
	return func(cs *ChatServer) { cs.clock = c }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(cs *ChatServer) { cs.retry = p }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(cs *ChatServer) { cs.heartbeatInterval = d }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(cs *ChatServer) { cs.idleTimeout = d }
}

// WithOpTimeout bounds the channel requests made for subscriptions and
// websocket clients.
func WithOpTimeout(d time.Duration) Option {
	return func(cs *ChatServer) { cs.opTimeout = d }
}

func WithIdGenerator(gen func() (string, error)) Option {
	return func(cs *ChatServer) { cs.newId = gen }
}

type stopReq struct {
	done chan struct{}
}

// ChatServer owns the live conversation channels and the connected
// websocket clients.
type ChatServer struct {
	log               *log.Logger
	db                database.FlickChatRepository
	stats             stats.StatsProvider
	presence          *presence.Tracker
	clock             presence.Clock
	retry             RetryPolicy
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	opTimeout         time.Duration
	newId             func() (string, error)

	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	registerChan   chan *Client
	deRegisterChan chan *Client

	channels     map[string]*Channel
	channelsLock sync.Mutex
	stopped      bool

	stop chan stopReq
	done chan struct{}
}

func NewChatServer(logger *log.Logger, db database.FlickChatRepository, su stats.StatsProvider, opts ...Option) (*ChatServer, error) {
	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          su,
		clock:          presence.SystemClock,
		retry:          DefaultRetryPolicy,
		idleTimeout:    idleChannelTimeout,
		opTimeout:      defaultOpTimeout,
		newId:          shortid.Generate,
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		channels:       make(map[string]*Channel),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cs)
	}

	cs.presence = presence.NewTracker(logger, db, cs.clock, cs.heartbeatInterval)

	su.RegisterMetric(metricActiveChannels)
	su.RegisterMetric(metricConnections)
	su.RegisterMetric(metricMessagesSent)

	return cs, nil
}

// Presence returns the tracker used for heartbeats and labels.
func (cs *ChatServer) Presence() *presence.Tracker {
	return cs.presence
}

func (cs *ChatServer) Run() {
	for {
		select {
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection %s from %q", client.id, client.user.Uid)
			cs.addClient(client)
			cs.stats.Incr(metricConnections)
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection %s from %q", client.id, client.user.Uid)
			if cs.removeClient(client) {
				cs.stats.Decr(metricConnections)
			}
		case req := <-cs.stop:
			cs.log.Println("shutting down channels")
			cs.channelsLock.Lock()
			cs.stopped = true
			channels := make([]*Channel, 0, len(cs.channels))
			for id, ch := range cs.channels {
				channels = append(channels, ch)
				delete(cs.channels, id)
			}
			cs.channelsLock.Unlock()

			for _, ch := range channels {
				close(ch.exit)
				<-ch.done
				cs.stats.Decr(metricActiveChannels)
			}

			cs.clientsLock.Lock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.Unlock()

			close(cs.done)
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	select {
	case cs.registerChan <- c:
	case <-cs.done:
		c.stopClient()
	}
}

func (cs *ChatServer) deregisterClient(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; !ok {
		return false
	}
	delete(cs.clients, c)
	return true
}

// Shutdown stops every channel and disconnects all clients.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getChannel returns the live channel for a conversation, starting one if
// needed.
func (cs *ChatServer) getChannel(conversationId string) (*Channel, error) {
	cs.channelsLock.Lock()
	defer cs.channelsLock.Unlock()

	if cs.stopped {
		return nil, ErrShuttingDown
	}

	if ch, ok := cs.channels[conversationId]; ok {
		return ch, nil
	}

	ch := newChannel(cs, conversationId)
	cs.channels[conversationId] = ch
	cs.stats.Incr(metricActiveChannels)
	go ch.start()

	return ch, nil
}

// unloadChannel removes an idle channel. It reports false if the channel
// picked up subscribers in the meantime.
func (cs *ChatServer) unloadChannel(ch *Channel) bool {
	cs.channelsLock.Lock()
	defer cs.channelsLock.Unlock()

	if len(ch.subscribers) > 0 {
		return false
	}

	if cur, ok := cs.channels[ch.id]; ok && cur == ch {
		delete(cs.channels, ch.id)
		cs.stats.Decr(metricActiveChannels)
	}

	return true
}

// do hands req to the conversation's channel and waits for the reply. A
// channel that exits before accepting the request is replaced.
func (cs *ChatServer) do(ctx context.Context, conversationId string, req *channelRequest) (channelResponse, error) {
	req.ctx = ctx
	req.reply = make(chan channelResponse, 1)

	for {
		ch, err := cs.getChannel(conversationId)
		if err != nil {
			return channelResponse{}, err
		}

		select {
		case ch.reqs <- req:
			select {
			case resp := <-req.reply:
				return resp, resp.err
			case <-ctx.Done():
				if req.subscribe != nil {
					go cs.releaseAbandoned(conversationId, req)
				}
				return channelResponse{}, ctx.Err()
			}
		case <-ch.done:
			continue
		case <-ctx.Done():
			return channelResponse{}, ctx.Err()
		}
	}
}

// EnsureConversation creates the conversation between a and b if it does
// not exist yet and returns its id.
func (cs *ChatServer) EnsureConversation(ctx context.Context, a, b string) (string, error) {
	if err := conversation.ValidateUid(a); err != nil {
		return "", err
	}
	if err := conversation.ValidateUid(b); err != nil {
		return "", err
	}

	id := conversation.Resolve(a, b)
	if err := cs.upsertConversation(ctx, id); err != nil {
		return "", err
	}

	return id, nil
}

func (cs *ChatServer) upsertConversation(ctx context.Context, id string) error {
	a, b, err := conversation.Participants(id)
	if err != nil {
		return err
	}

	return cs.retry.Do(ctx, func() error {
		return cs.db.UpsertConversation(ctx, id, []string{a, b})
	})
}

// Send appends a message to a conversation. Blank text is rejected unless
// the message carries a shared content reference.
func (cs *ChatServer) Send(ctx context.Context, params SendParams) (types.Message, error) {
	if strings.TrimSpace(params.Text) == "" && params.Shared == nil {
		return types.Message{}, ErrEmptyMessage
	}

	if !conversation.Includes(params.ConversationId, params.Sender.Uid) {
		return types.Message{}, ErrNotParticipant
	}

	if params.Sender.Username == "" {
		params.Sender.Username = types.DefaultUsername
	}
	if params.Sender.PhotoURL == "" {
		params.Sender.PhotoURL = DefaultAvatar
	}

	resp, err := cs.do(ctx, params.ConversationId, &channelRequest{send: &params})
	if err != nil {
		return types.Message{}, fmt.Errorf("send message: %w", err)
	}

	return resp.msg, nil
}

// Subscribe registers fn for the ordered message list of a conversation. fn
// is called with the current list right away and again after every change.
// fn runs on the channel goroutine and must not block. The returned func
// releases the subscription.
func (cs *ChatServer) Subscribe(conversationId string, fn func([]types.Message)) (func(), error) {
	return cs.subscribe(conversationId, &subscriber{feed: fn})
}

// SubscribeLatest registers fn for the most recent message of a
// conversation only. fn receives nil while the conversation is empty.
func (cs *ChatServer) SubscribeLatest(conversationId string, fn func(*types.Message)) (func(), error) {
	return cs.subscribe(conversationId, &subscriber{latest: fn})
}

func (cs *ChatServer) subscribe(conversationId string, sub *subscriber) (func(), error) {
	if _, _, err := conversation.Participants(conversationId); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cs.opTimeout)
	defer cancel()

	resp, err := cs.do(ctx, conversationId, &channelRequest{subscribe: sub})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() { cs.unsubscribe(conversationId, resp.subId) })
	}, nil
}

func (cs *ChatServer) unsubscribe(conversationId string, subId int) {
	ctx, cancel := context.WithTimeout(context.Background(), cs.opTimeout)
	defer cancel()

	if _, err := cs.do(ctx, conversationId, &channelRequest{unsubscribe: subId}); err != nil &&
		!errors.Is(err, ErrShuttingDown) {
		cs.log.Printf("unsubscribe from %q: %v", conversationId, err)
	}
}

// releaseAbandoned removes a subscriber the channel registered after the
// caller stopped waiting for it.
func (cs *ChatServer) releaseAbandoned(conversationId string, req *channelRequest) {
	resp := <-req.reply
	if resp.err != nil || resp.subId == 0 {
		return
	}

	cs.log.Printf("releasing abandoned subscriber %d of %q", resp.subId, conversationId)
	cs.unsubscribe(conversationId, resp.subId)
}

// MarkRead adds readerUid to readBy of every message in the current
// snapshot that the reader did not send and has not read.
func (cs *ChatServer) MarkRead(ctx context.Context, conversationId, readerUid string) error {
	if !conversation.Includes(conversationId, readerUid) {
		return ErrNotParticipant
	}

	if _, err := cs.do(ctx, conversationId, &channelRequest{read: readerUid}); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	return nil
}

// SoftDelete blanks a message. Only its sender may delete it.
func (cs *ChatServer) SoftDelete(ctx context.Context, conversationId, messageId, requesterUid string) error {
	if !conversation.Includes(conversationId, requesterUid) {
		return ErrNotParticipant
	}

	_, err := cs.do(ctx, conversationId, &channelRequest{
		delete: &deleteRequest{messageId: messageId, requester: requesterUid},
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return nil
}

// Messages returns the ordered message list of a conversation.
func (cs *ChatServer) Messages(ctx context.Context, conversationId string) ([]types.Message, error) {
	resp, err := cs.do(ctx, conversationId, &channelRequest{list: true})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	return resp.msgs, nil
}
