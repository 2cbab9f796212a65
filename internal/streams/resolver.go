package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fedistream/internal/auth"
)

// ErrListNotFound is returned by a ListStore for unknown lists.
var ErrListNotFound = errors.New("list not found")

// ListStore looks up list ownership.
type ListStore interface {
	ListAccountID(ctx context.Context, listID string) (string, error)
}

// Resolution is the outcome of resolving one stream request.
type Resolution struct {
	Request    Request
	ChannelIDs []string
	// NeedsFiltering is set for timelines that carry other people's posts
	// and must pass the per-message filter.
	NeedsFiltering bool
	// NotificationOnly drops everything but notification events.
	NotificationOnly bool
	// Stream is the name reported to clients with each event.
	Stream []string
}

// Resolver maps logical stream names to channel ids.
type Resolver struct {
	Lists             ListStore
	Quirks            *QuirkTable
	FederatedTimeline bool
	Logger            *slog.Logger
}

// Resolve parses name with params, applies client rewrites and access
// rules, and returns the concrete channel ids. No store lookup happens
// before the request shape is valid.
func (r *Resolver) Resolve(ctx context.Context, identity *auth.Identity, name string, params Params) (Resolution, error) {
	req, err := Parse(name, params)
	if err != nil {
		return Resolution{}, err
	}
	quirk := r.Quirks.LookupIdentity(identity)
	req = Rewrite(req, identity, quirk)

	res := Resolution{
		Request:          req,
		NeedsFiltering:   needsFiltering(req),
		NotificationOnly: isNotificationOnly(req),
		Stream:           reportedStream(name, req),
	}

	switch q := req.(type) {
	case UserStream, NotificationStream, DirectStream:
		if identity == nil {
			return Resolution{}, auth.NewError(auth.Unauthorized, "Missing access token")
		}
	case ListStream:
		if identity == nil {
			return Resolution{}, auth.NewError(auth.Unauthorized, "Missing access token")
		}
		if err := r.authorizeList(ctx, identity, q.ID); err != nil {
			return Resolution{}, err
		}
	case PublicStream:
		if !r.FederatedTimeline {
			if q.Scope != ScopeLocal {
				return Resolution{}, validation("Federated timeline is not available")
			}
			if identity == nil {
				res.ChannelIDs = []string{"timeline:index"}
				return res, nil
			}
			if !quirk.LocalWithoutFederation {
				return Resolution{}, validation("No local stream provided.")
			}
		} else if q.Scope != ScopeLocal && identity != nil && identity.FederatedTimelineDisabled {
			return Resolution{}, validation("Federated timeline is not available")
		}
	}

	res.ChannelIDs = ChannelIDs(req, identity)
	return res, nil
}

func (r *Resolver) authorizeList(ctx context.Context, identity *auth.Identity, listID string) error {
	if r.Lists == nil {
		return auth.NewError(auth.Forbidden, "List not found")
	}
	owner, err := r.Lists.ListAccountID(ctx, listID)
	switch {
	case errors.Is(err, ErrListNotFound):
		return auth.NewError(auth.Forbidden, "List not found")
	case err != nil:
		if r.Logger != nil {
			r.Logger.Error("list lookup failed", "list_id", listID, "error", err)
		}
		return &auth.Error{Kind: auth.Unavailable, Message: "Error connecting to database", Err: fmt.Errorf("list %s: %w", listID, err)}
	case owner != identity.AccountID:
		return auth.NewError(auth.Forbidden, "List not found")
	}
	return nil
}

// Rewrite applies the per-client variant rules to req: accounts hiding bots
// get the nobot variant unless the client chose one, and applications that
// expect remote-only semantics get "public" rewritten to "public:remote".
// Rewrite(Rewrite(x)) == Rewrite(x).
func Rewrite(req Request, identity *auth.Identity, quirk ClientQuirk) Request {
	public, ok := req.(PublicStream)
	if !ok {
		return req
	}
	if identity != nil && identity.HideBots && !public.BotExplicit {
		public.NoBot = true
	}
	if quirk.RemotePublic && public.Scope == ScopeAll {
		public.Scope = ScopeRemote
	}
	return public
}

// ChannelIDs maps req to its channel ids. It is a pure function.
func ChannelIDs(req Request, identity *auth.Identity) []string {
	accountID, deviceID := "", ""
	if identity != nil {
		accountID, deviceID = identity.AccountID, identity.DeviceID
	}
	switch q := req.(type) {
	case UserStream:
		ids := []string{"timeline:" + accountID}
		if deviceID != "" {
			ids = append(ids, "timeline:"+accountID+":"+deviceID)
		}
		return ids
	case NotificationStream:
		return []string{"timeline:" + accountID + ":notifications"}
	case PublicStream:
		id := "timeline:public" + q.Scope.segment()
		if q.NoBot {
			id += ":nobot"
		}
		id += q.Media.segment()
		if q.Scope == ScopeDomain {
			id += ":" + q.Domain
		}
		return []string{id}
	case GroupStream:
		id := "timeline:group:" + q.ID + q.Media.segment()
		if q.Tagged != "" {
			id += ":" + q.Tagged
		}
		return []string{id}
	case HashtagStream:
		id := "timeline:hashtag:" + q.Tag
		if q.Local {
			id += ":local"
		}
		return []string{id}
	case DirectStream:
		return []string{"timeline:direct:" + accountID}
	case ListStream:
		return []string{"timeline:list:" + q.ID}
	}
	return nil
}

func needsFiltering(req Request) bool {
	switch req.(type) {
	case PublicStream, GroupStream, HashtagStream:
		return true
	}
	return false
}

func isNotificationOnly(req Request) bool {
	_, ok := req.(NotificationStream)
	return ok
}

func reportedStream(name string, req Request) []string {
	switch q := req.(type) {
	case HashtagStream:
		return []string{name, q.Raw}
	case ListStream:
		return []string{name, q.ID}
	case GroupStream:
		if q.Tagged != "" {
			return []string{name, q.ID, q.Tagged}
		}
		return []string{name, q.ID}
	case PublicStream:
		if q.Scope == ScopeDomain {
			return []string{name, q.Domain}
		}
	}
	return []string{name}
}
