// Package share sends a content reference to a contact exactly once when a
// user arrives through a share link.
package share

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"

	"github.com/npezzotti/flickchat/internal/server"
	"github.com/npezzotti/flickchat/internal/stats"
	"github.com/npezzotti/flickchat/internal/types"
)

const (
	metricSharesInjected = "SharesInjected"

	// SuccessNotice is shown to the user after an injected share.
	SuccessNotice = "Shared successfully!"
)

// Reasons a share was not sent.
const (
	SkipIncompleteParams = "incomplete share parameters"
	SkipUnknownTarget    = "share target not found"
	SkipSelf             = "cannot share with yourself"
	SkipDraftNotEmpty    = "compose box is not empty"
	SkipAlreadyShared    = "already shared"
	SkipInFlight         = "share already in progress"
)

// Params are the share link query parameters.
type Params struct {
	ContentId   string
	ContentType string
	TargetUid   string
	PosterURL   string
}

// ParseParams reads share parameters from a query string. The older
// shareId, type and to names are accepted as well. It reports false unless
// content id, content type and target are all present.
func ParseParams(q url.Values) (Params, bool) {
	first := func(names ...string) string {
		for _, name := range names {
			if v := strings.TrimSpace(q.Get(name)); v != "" {
				return v
			}
		}
		return ""
	}

	p := Params{
		ContentId:   first("contentId", "shareId"),
		ContentType: first("contentType", "type"),
		TargetUid:   first("targetUid", "to"),
		PosterURL:   first("posterUrl"),
	}

	return p, p.Complete()
}

func (p Params) Complete() bool {
	return p.ContentId != "" && p.ContentType != "" && p.TargetUid != ""
}

// MarkerKey identifies a share of one piece of content with one contact.
func (p Params) MarkerKey() string {
	return "sharedMessageSent_" + p.ContentId + "_" + p.TargetUid
}

// MarkerScope is the owner a marker is stored under. Markers are kept per
// content type so a movie and a series sharing an id are tracked apart.
func (p Params) MarkerScope(uid string) string {
	return uid + ":" + p.ContentType
}

// Text formats the message body for a share.
func (p Params) Text(baseURL string) string {
	kind := "series"
	if p.ContentType == "movie" {
		kind = "movie"
	}

	link := strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(p.ContentType) + "/" + url.PathEscape(p.ContentId)
	return fmt.Sprintf("Check this %s: %s", kind, link)
}

// Sender is the message channel the share is sent through.
type Sender interface {
	EnsureConversation(ctx context.Context, a, b string) (string, error)
	Send(ctx context.Context, params server.SendParams) (types.Message, error)
}

type Request struct {
	Params      Params
	CurrentUser types.User
	// Target is the resolved recipient, nil when the target uid is unknown.
	Target *types.User
	// Draft is what the user has typed in the compose box.
	Draft string
}

type Result struct {
	Message *types.Message `json:"message,omitempty"`
	Skipped string         `json:"skipped,omitempty"`
	Notice  string         `json:"notice,omitempty"`
}

type Injector struct {
	log     *log.Logger
	sender  Sender
	markers MarkerStore
	stats   stats.StatsProvider
	baseURL string

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewInjector(logger *log.Logger, sender Sender, markers MarkerStore, su stats.StatsProvider, baseURL string) *Injector {
	su.RegisterMetric(metricSharesInjected)

	return &Injector{
		log:      logger,
		sender:   sender,
		markers:  markers,
		stats:    su,
		baseURL:  baseURL,
		inflight: make(map[string]struct{}),
	}
}

// MaybeInject sends the shared content to the target once. Unmet
// preconditions are not errors: the returned Result names the reason the
// share was skipped. The marker is written only after the send succeeded,
// so a failed share can be retried.
func (in *Injector) MaybeInject(ctx context.Context, req Request) (Result, error) {
	p := req.Params
	switch {
	case !p.Complete():
		return Result{Skipped: SkipIncompleteParams}, nil
	case req.Target == nil || req.Target.Uid != p.TargetUid:
		return Result{Skipped: SkipUnknownTarget}, nil
	case req.Target.Uid == req.CurrentUser.Uid:
		return Result{Skipped: SkipSelf}, nil
	case req.Draft != "":
		return Result{Skipped: SkipDraftNotEmpty}, nil
	}

	owner, key := p.MarkerScope(req.CurrentUser.Uid), p.MarkerKey()
	if !in.acquire(owner, key) {
		return Result{Skipped: SkipInFlight}, nil
	}
	defer in.release(owner, key)

	sent, err := in.markers.IsSet(ctx, owner, key)
	if err != nil {
		return Result{}, fmt.Errorf("check share marker: %w", err)
	}
	if sent {
		return Result{Skipped: SkipAlreadyShared}, nil
	}

	convId, err := in.sender.EnsureConversation(ctx, req.CurrentUser.Uid, req.Target.Uid)
	if err != nil {
		return Result{}, fmt.Errorf("ensure conversation: %w", err)
	}

	msg, err := in.sender.Send(ctx, server.SendParams{
		ConversationId: convId,
		Sender:         req.CurrentUser,
		Text:           p.Text(in.baseURL),
		Shared: &types.SharedRef{
			ContentId:   p.ContentId,
			ContentType: p.ContentType,
			PosterURL:   p.PosterURL,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("send share: %w", err)
	}

	if err := in.markers.Set(ctx, owner, key); err != nil {
		in.log.Printf("set share marker %q for %q: %v", key, owner, err)
	}
	in.stats.Incr(metricSharesInjected)

	return Result{Message: &msg, Notice: SuccessNotice}, nil
}

func (in *Injector) acquire(owner, key string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	k := owner + ":" + key
	if _, ok := in.inflight[k]; ok {
		return false
	}
	in.inflight[k] = struct{}{}
	return true
}

func (in *Injector) release(owner, key string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.inflight, owner+":"+key)
}
