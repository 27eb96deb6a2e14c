package presence

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	Online  = "Online"
	Offline = "Offline"

	// OnlineWindow is how recent a heartbeat must be for a user to be online.
	OnlineWindow = 2 * time.Minute

	DefaultInterval = 60 * time.Second
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// SystemClock is the wall clock used in production.
var SystemClock Clock = systemClock{}

// Store is the part of the user store the tracker writes to.
type Store interface {
	TouchLastSeen(ctx context.Context, uid string, at time.Time) error
}

type Tracker struct {
	store    Store
	clock    Clock
	log      *log.Logger
	interval time.Duration
}

func NewTracker(logger *log.Logger, store Store, clock Clock, interval time.Duration) *Tracker {
	if clock == nil {
		clock = SystemClock
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Tracker{
		store:    store,
		clock:    clock,
		log:      logger,
		interval: interval,
	}
}

// Heartbeat stamps lastSeen for uid. Failures are logged and dropped; the
// next tick tries again.
func (t *Tracker) Heartbeat(ctx context.Context, uid string) {
	if err := t.store.TouchLastSeen(ctx, uid, t.clock.Now()); err != nil {
		t.log.Printf("heartbeat for %q: %v", uid, err)
	}
}

// Run sends a heartbeat immediately, then on every tick and every focus
// signal until ctx is done.
func (t *Tracker) Run(ctx context.Context, uid string, focus <-chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.Heartbeat(ctx, uid)
	for {
		select {
		case <-ticker.C:
			t.Heartbeat(ctx, uid)
		case <-focus:
			t.Heartbeat(ctx, uid)
		case <-ctx.Done():
			return
		}
	}
}

// LabelFor labels lastSeen against the tracker's own clock, the same one
// used to stamp heartbeats.
func (t *Tracker) LabelFor(lastSeen *time.Time) string {
	return Label(lastSeen, t.clock.Now())
}

// Label returns Online, Offline or "Last seen <relative>".
func Label(lastSeen *time.Time, now time.Time) string {
	if lastSeen == nil || lastSeen.IsZero() {
		return Offline
	}

	if now.Sub(*lastSeen) < OnlineWindow {
		return Online
	}

	return "Last seen " + humanize.RelTime(*lastSeen, now, "ago", "from now")
}
