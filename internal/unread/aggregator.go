package unread

import (
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/flickchat/internal/conversation"
	"github.com/npezzotti/flickchat/internal/types"
)

// Watcher delivers the most recent message of a conversation, and again
// every time it changes. fn receives nil while the conversation is empty.
type Watcher interface {
	SubscribeLatest(conversationId string, fn func(*types.Message)) (func(), error)
}

// IsUnread reports whether latest is an incoming message uid has not seen.
func IsUnread(latest *types.Message, uid string) bool {
	if latest == nil {
		return false
	}
	return latest.Sender != uid && !latest.ReadByUser(uid)
}

type Option func(*Aggregator)

func WithLogger(l *log.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// WithOnChange sets the function called with a copy of the unread map every
// time it changes.
func WithOnChange(fn func(map[string]bool)) Option {
	return func(a *Aggregator) { a.onChange = fn }
}

// WithNotifier sets the function called once per unread message id for
// contacts whose conversation is not open.
func WithNotifier(fn func(types.User, types.Message)) Option {
	return func(a *Aggregator) { a.notify = fn }
}

// Aggregator keeps an unread flag per contact by watching the latest
// message of every conversation of the current user. It holds one
// subscription per contact.
type Aggregator struct {
	watcher    Watcher
	currentUid string
	log        *log.Logger
	onChange   func(map[string]bool)
	notify     func(types.User, types.Message)

	mu           sync.Mutex
	unread       map[string]bool
	lastNotified map[string]string
	open         string
	unsubs       []func()
	watching     bool
	closed       bool

	// serializes onChange so the last call always carries the latest state
	emitMu sync.Mutex
}

func NewAggregator(watcher Watcher, currentUid string, opts ...Option) *Aggregator {
	a := &Aggregator{
		watcher:      watcher,
		currentUid:   currentUid,
		log:          log.New(io.Discard, "", 0),
		unread:       make(map[string]bool),
		lastNotified: make(map[string]string),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// WatchAll opens a latest-message watch for every contact. Contacts that
// cannot be watched are skipped and reported in the returned error.
func (a *Aggregator) WatchAll(contacts []types.User) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("aggregator is closed")
	}
	a.watching = true
	a.mu.Unlock()

	var errs []error
	for _, contact := range contacts {
		if contact.Uid == a.currentUid {
			continue
		}

		convId := conversation.Resolve(a.currentUid, contact.Uid)
		unsub, err := a.watcher.SubscribeLatest(convId, func(latest *types.Message) {
			a.update(contact, latest)
		})
		if err != nil {
			a.log.Printf("watch %q: %v", convId, err)
			errs = append(errs, fmt.Errorf("watch %s: %w", contact.Uid, err))
			continue
		}

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			unsub()
			return errors.Join(errs...)
		}
		a.unsubs = append(a.unsubs, unsub)
		a.mu.Unlock()
	}

	a.mu.Lock()
	a.watching = false
	a.mu.Unlock()
	a.emit()

	return errors.Join(errs...)
}

func (a *Aggregator) update(contact types.User, latest *types.Message) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	isUnread := IsUnread(latest, a.currentUid)
	prev, seen := a.unread[contact.Uid]
	a.unread[contact.Uid] = isUnread
	changed := !seen || prev != isUnread
	emit := changed && !a.watching

	var notifyMsg *types.Message
	if isUnread && contact.Uid != a.open && a.lastNotified[contact.Uid] != latest.Id {
		a.lastNotified[contact.Uid] = latest.Id
		notifyMsg = latest
	}
	a.mu.Unlock()

	if notifyMsg != nil && a.notify != nil {
		a.notify(contact, *notifyMsg)
	}
	if emit {
		a.emit()
	}
}

func (a *Aggregator) emit() {
	if a.onChange == nil {
		return
	}

	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.onChange(a.Snapshot())
}

// SetOpen marks the contact whose conversation is currently open. An empty
// uid means no conversation is open.
func (a *Aggregator) SetOpen(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = uid
}

// Snapshot returns a copy of the unread map.
func (a *Aggregator) Snapshot() map[string]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.unread)
}

// Close releases every watch. It is safe to call more than once.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Sort orders contacts with unread ones first, then by display name
// ignoring case.
func Sort(contacts []types.User, unread map[string]bool) {
	slices.SortStableFunc(contacts, func(x, y types.User) int {
		if ux, uy := unread[x.Uid], unread[y.Uid]; ux != uy {
			if ux {
				return -1
			}
			return 1
		}
		if c := strings.Compare(strings.ToLower(x.Username), strings.ToLower(y.Username)); c != 0 {
			return c
		}
		return strings.Compare(x.Uid, y.Uid)
	})
}

// MatchName keeps the users whose display name contains query, ignoring
// case. An empty query keeps everyone.
func MatchName(users []types.User, query string) []types.User {
	if query == "" {
		return users
	}

	query = strings.ToLower(query)
	matched := make([]types.User, 0, len(users))
	for _, u := range users {
		if strings.Contains(strings.ToLower(u.Username), query) {
			matched = append(matched, u)
		}
	}

	return matched
}

// BuildContacts returns the sorted contact list with unread flags and
// presence labels.
func BuildContacts(users []types.User, unread map[string]bool, label func(*time.Time) string) []types.Contact {
	sorted := slices.Clone(users)
	Sort(sorted, unread)

	contacts := make([]types.Contact, 0, len(sorted))
	for _, u := range sorted {
		contact := types.Contact{User: u, Unread: unread[u.Uid]}
		if label != nil {
			contact.Presence = label(u.LastSeen)
		}
		contacts = append(contacts, contact)
	}

	return contacts
}
