package streams

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"fedistream/internal/auth"
)

// ExtendedNotificationTypes are notification types added after the classic
// set; applications marked with HideExtendedNotifications never receive them.
var ExtendedNotificationTypes = []string{
	"emoji_reaction",
	"reaction",
	"status_reference",
	"list_status",
	"scheduled_status",
}

// ClientQuirk describes how one third-party application expects streams to
// behave.
type ClientQuirk struct {
	// RemotePublic makes a bare "public" request stream the remote-only
	// timeline.
	RemotePublic bool
	// LocalWithoutFederation allows "public:local" even when the federated
	// timeline is disabled.
	LocalWithoutFederation bool
	// HiddenNotifications are notification types the application cannot
	// render.
	HiddenNotifications mapset.Set[string]
}

// QuirkTable maps application names and websites to their quirks. Lookups
// match case-insensitively; a website entry wins over a name entry.
type QuirkTable struct {
	byName    map[string]ClientQuirk
	byWebsite map[string]ClientQuirk
}

// NewQuirkTable returns an empty table.
func NewQuirkTable() *QuirkTable {
	return &QuirkTable{
		byName:    make(map[string]ClientQuirk),
		byWebsite: make(map[string]ClientQuirk),
	}
}

// DefaultQuirks returns the built-in table. It only carries the hidden
// notification types; no application gets RemotePublic or
// LocalWithoutFederation unless STREAMING_REMOTE_CLIENTS or
// STREAMING_LOCAL_CLIENTS names it (see AddRemotePublic and
// AddLocalWithoutFederation).
func DefaultQuirks() *QuirkTable {
	table := NewQuirkTable()
	// Clients that predate the extended notification types and crash on
	// unknown ones.
	for _, name := range []string{"Tusky", "Subway Tooter", "Toot!", "Mast", "Mona", "Ice Cubes", "Ivory", "Elk"} {
		table.AddHiddenNotifications(name, ExtendedNotificationTypes...)
	}
	return table
}

func quirkKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func (t *QuirkTable) update(key string, fn func(*ClientQuirk)) {
	key = quirkKey(key)
	if key == "" {
		return
	}
	target := t.byName
	if strings.Contains(key, "://") {
		target = t.byWebsite
	}
	quirk := target[key]
	fn(&quirk)
	target[key] = quirk
}

// AddRemotePublic marks each application name or website as expecting
// remote-only semantics from "public".
func (t *QuirkTable) AddRemotePublic(keys ...string) {
	for _, key := range keys {
		t.update(key, func(q *ClientQuirk) { q.RemotePublic = true })
	}
}

// AddLocalWithoutFederation allows each application to stream public:local
// when the federated timeline is disabled.
func (t *QuirkTable) AddLocalWithoutFederation(keys ...string) {
	for _, key := range keys {
		t.update(key, func(q *ClientQuirk) { q.LocalWithoutFederation = true })
	}
}

// AddHiddenNotifications hides notification types from key.
func (t *QuirkTable) AddHiddenNotifications(key string, types ...string) {
	t.update(key, func(q *ClientQuirk) {
		if q.HiddenNotifications == nil {
			q.HiddenNotifications = mapset.NewSet[string]()
		}
		q.HiddenNotifications.Append(types...)
	})
}

// Lookup returns the quirks for app. Unknown applications get the zero
// value.
func (t *QuirkTable) Lookup(app auth.Application) ClientQuirk {
	if t == nil {
		return ClientQuirk{}
	}
	if quirk, ok := t.byWebsite[quirkKey(app.Website)]; ok && app.Website != "" {
		return quirk
	}
	if quirk, ok := t.byName[quirkKey(app.Name)]; ok && app.Name != "" {
		return quirk
	}
	return ClientQuirk{}
}

// LookupIdentity returns the quirks for the identity's application.
func (t *QuirkTable) LookupIdentity(identity *auth.Identity) ClientQuirk {
	if identity == nil {
		return ClientQuirk{}
	}
	return t.Lookup(identity.Application)
}

// HidesNotification reports whether the notification type must not be sent.
func (q ClientQuirk) HidesNotification(kind string) bool {
	return q.HiddenNotifications != nil && q.HiddenNotifications.Contains(kind)
}
