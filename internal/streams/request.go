// Package streams turns client-facing stream names into the concrete pub/sub
// channel ids the web application publishes on.
package streams

import (
	"strings"

	"fedistream/internal/auth"
)

// Request is a parsed logical stream request. The concrete types are
// UserStream, NotificationStream, PublicStream, GroupStream, HashtagStream,
// DirectStream and ListStream.
type Request interface {
	// Name is the logical stream name the client asked for.
	Name() string
	isRequest()
}

// Scope selects which part of the public timeline is streamed.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeLocal
	ScopeRemote
	ScopeDomain
)

func (s Scope) segment() string {
	switch s {
	case ScopeLocal:
		return ":local"
	case ScopeRemote:
		return ":remote"
	case ScopeDomain:
		return ":domain"
	default:
		return ""
	}
}

// Media narrows a timeline by attachments.
type Media int

const (
	AnyMedia Media = iota
	OnlyMedia
	WithoutMedia
)

func (m Media) segment() string {
	switch m {
	case OnlyMedia:
		return ":media"
	case WithoutMedia:
		return ":nomedia"
	default:
		return ""
	}
}

type UserStream struct{}

type NotificationStream struct{}

type PublicStream struct {
	Scope Scope
	Media Media
	NoBot bool
	// BotExplicit is set when the client chose bot handling itself, which
	// disables the hide-bots rewrite.
	BotExplicit bool
	Domain      string
	name        string
}

type GroupStream struct {
	ID     string
	Media  Media
	Tagged string
	name   string
}

type HashtagStream struct {
	Tag   string
	Local bool
	// Raw is the tag as the client sent it, echoed back in the stream name.
	Raw string
}

type DirectStream struct{}

type ListStream struct {
	ID string
}

func (UserStream) Name() string         { return "user" }
func (NotificationStream) Name() string { return "user:notification" }
func (p PublicStream) Name() string     { return p.name }
func (g GroupStream) Name() string      { return g.name }
func (DirectStream) Name() string       { return "direct" }
func (ListStream) Name() string         { return "list" }

func (h HashtagStream) Name() string {
	if h.Local {
		return "hashtag:local"
	}
	return "hashtag"
}

func (UserStream) isRequest()         {}
func (NotificationStream) isRequest() {}
func (PublicStream) isRequest()       {}
func (GroupStream) isRequest()        {}
func (HashtagStream) isRequest()      {}
func (DirectStream) isRequest()       {}
func (ListStream) isRequest()         {}

func validation(message string) error {
	return auth.NewError(auth.Validation, message)
}

var errUnknownStream = auth.NewError(auth.Validation, "Unknown stream type")

// Parse maps a logical stream name and its parameters to a Request. It checks
// only the shape of the request; access rules are applied by Resolver.
func Parse(name string, params Params) (Request, error) {
	name = strings.TrimSpace(name)
	head, rest, _ := strings.Cut(name, ":")
	switch head {
	case "user":
		switch rest {
		case "":
			return UserStream{}, nil
		case "notification":
			return NotificationStream{}, nil
		}
	case "direct":
		if rest == "" {
			return DirectStream{}, nil
		}
	case "list":
		if rest != "" {
			break
		}
		if params.List == "" {
			return nil, validation("Missing list name parameter")
		}
		return ListStream{ID: string(params.List)}, nil
	case "hashtag":
		if rest != "" && rest != "local" {
			break
		}
		tag := NormalizeHashtag(string(params.Tag))
		if tag == "" {
			return nil, validation("Missing tag name parameter")
		}
		return HashtagStream{Tag: tag, Local: rest == "local", Raw: string(params.Tag)}, nil
	case "group":
		media, ok := parseMediaSegment(rest)
		if !ok {
			break
		}
		if params.ID == "" {
			return nil, validation("Missing group id parameter")
		}
		if media == AnyMedia {
			media = mediaFromParams(params)
		}
		return GroupStream{
			ID:     string(params.ID),
			Media:  media,
			Tagged: NormalizeHashtag(string(params.Tagged)),
			name:   name,
		}, nil
	case "public":
		return parsePublic(name, rest, params)
	}
	return nil, errUnknownStream
}

func parseMediaSegment(rest string) (Media, bool) {
	switch rest {
	case "":
		return AnyMedia, true
	case "media":
		return OnlyMedia, true
	case "nomedia":
		return WithoutMedia, true
	}
	return AnyMedia, false
}

func parseScopeSegment(segment string) Scope {
	switch segment {
	case "local":
		return ScopeLocal
	case "remote":
		return ScopeRemote
	case "domain":
		return ScopeDomain
	}
	return ScopeAll
}

func mediaFromParams(params Params) Media {
	switch {
	case params.OnlyMedia.True():
		return OnlyMedia
	case params.WithoutMedia.True():
		return WithoutMedia
	default:
		return AnyMedia
	}
}

func parsePublic(name, rest string, params Params) (Request, error) {
	req := PublicStream{name: name}
	scopeSet, mediaSet := false, false
	if rest != "" {
		for _, segment := range strings.Split(rest, ":") {
			switch segment {
			case "local", "remote", "domain":
				if scopeSet {
					return nil, errUnknownStream
				}
				scopeSet = true
				req.Scope = parseScopeSegment(segment)
			case "media", "nomedia":
				if mediaSet {
					return nil, errUnknownStream
				}
				mediaSet = true
				req.Media, _ = parseMediaSegment(segment)
			case "nobot":
				if req.BotExplicit {
					return nil, errUnknownStream
				}
				req.NoBot = true
				req.BotExplicit = true
			default:
				return nil, errUnknownStream
			}
		}
	}
	if !mediaSet {
		req.Media = mediaFromParams(params)
	}
	if !req.BotExplicit && params.WithoutBot.Set {
		req.NoBot = params.WithoutBot.Value
		req.BotExplicit = true
	}

	domain := NormalizeDomain(string(params.Domain))
	switch {
	case req.Scope == ScopeDomain && domain == "":
		return nil, validation("Missing domain parameter")
	case req.Scope == ScopeAll && domain != "":
		req.Scope = ScopeDomain
	}
	if req.Scope == ScopeDomain {
		req.Domain = domain
	}
	return req, nil
}
