package streams

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedistream/internal/auth"
)

type fakeLists struct {
	owners map[string]string
	calls  int
	err    error
}

func (f *fakeLists) ListAccountID(_ context.Context, listID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	owner, ok := f.owners[listID]
	if !ok {
		return "", ErrListNotFound
	}
	return owner, nil
}

func reader(accountID string) *auth.Identity {
	return auth.NewIdentity("tok-"+accountID, accountID, []string{auth.ScopeRead}, nil)
}

func newResolver() *Resolver {
	return &Resolver{
		Lists:             &fakeLists{owners: map[string]string{"12": "1"}},
		Quirks:            DefaultQuirks(),
		FederatedTimeline: true,
	}
}

func TestResolveChannelIDs(t *testing.T) {
	device := reader("1")
	device.DeviceID = "77"

	cases := []struct {
		name     string
		identity *auth.Identity
		stream   string
		params   Params
		want     []string
		filter   bool
		notify   bool
		reported []string
	}{
		{name: "user", identity: reader("1"), stream: "user", want: []string{"timeline:1"}, reported: []string{"user"}},
		{name: "user device", identity: device, stream: "user", want: []string{"timeline:1", "timeline:1:77"}, reported: []string{"user"}},
		{name: "notifications", identity: reader("1"), stream: "user:notification", want: []string{"timeline:1:notifications"}, notify: true, reported: []string{"user:notification"}},
		{name: "public", stream: "public", want: []string{"timeline:public"}, filter: true, reported: []string{"public"}},
		{name: "public local media", stream: "public:local:media", want: []string{"timeline:public:local:media"}, filter: true, reported: []string{"public:local:media"}},
		{name: "public only_media param", stream: "public:remote", params: Params{OnlyMedia: Flag{Set: true, Value: true}}, want: []string{"timeline:public:remote:media"}, filter: true, reported: []string{"public:remote"}},
		{name: "public media with domain", stream: "public:media", params: Params{Domain: "Example.COM"}, want: []string{"timeline:public:domain:media:example.com"}, filter: true, reported: []string{"public:media", "example.com"}},
		{name: "public domain nobot nomedia", stream: "public:domain:nobot:nomedia", params: Params{Domain: "bücher.example"}, want: []string{"timeline:public:domain:nobot:nomedia:xn--bcher-kva.example"}, filter: true, reported: []string{"public:domain:nobot:nomedia", "xn--bcher-kva.example"}},
		{name: "hashtag", stream: "hashtag", params: Params{Tag: "#GoLang"}, want: []string{"timeline:hashtag:golang"}, filter: true, reported: []string{"hashtag", "#GoLang"}},
		{name: "hashtag local", stream: "hashtag:local", params: Params{Tag: "ｆｅｄｉ"}, want: []string{"timeline:hashtag:fedi:local"}, filter: true, reported: []string{"hashtag:local", "ｆｅｄｉ"}},
		{name: "hashtag keeps sharp s", stream: "hashtag", params: Params{Tag: "#Straße"}, want: []string{"timeline:hashtag:straße"}, filter: true, reported: []string{"hashtag", "#Straße"}},
		{name: "group", stream: "group:media", params: Params{ID: "5", Tagged: "Art"}, want: []string{"timeline:group:5:media:art"}, filter: true, reported: []string{"group:media", "5", "art"}},
		{name: "group nomedia param", stream: "group", params: Params{ID: "5", WithoutMedia: Flag{Set: true, Value: true}}, want: []string{"timeline:group:5:nomedia"}, filter: true, reported: []string{"group", "5"}},
		{name: "direct", identity: reader("1"), stream: "direct", want: []string{"timeline:direct:1"}, reported: []string{"direct"}},
		{name: "list", identity: reader("1"), stream: "list", params: Params{List: "12"}, want: []string{"timeline:list:12"}, reported: []string{"list", "12"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := newResolver().Resolve(context.Background(), tc.identity, tc.stream, tc.params)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.ChannelIDs)
			assert.Equal(t, tc.filter, res.NeedsFiltering)
			assert.Equal(t, tc.notify, res.NotificationOnly)
			assert.Equal(t, tc.reported, res.Stream)
		})
	}
}

func TestResolveValidation(t *testing.T) {
	cases := []struct {
		name     string
		identity *auth.Identity
		stream   string
		params   Params
		kind     auth.Kind
		message  string
	}{
		{"unknown", nil, "everything", Params{}, auth.Validation, "Unknown stream type"},
		{"unknown public suffix", nil, "public:sideways", Params{}, auth.Validation, "Unknown stream type"},
		{"duplicate scope", nil, "public:local:remote", Params{}, auth.Validation, "Unknown stream type"},
		{"hashtag without tag", nil, "hashtag", Params{Tag: "#"}, auth.Validation, "Missing tag name parameter"},
		{"group without id", nil, "group", Params{}, auth.Validation, "Missing group id parameter"},
		{"domain without domain", nil, "public:domain", Params{}, auth.Validation, "Missing domain parameter"},
		{"list without id", reader("1"), "list", Params{}, auth.Validation, "Missing list name parameter"},
		{"user anonymous", nil, "user", Params{}, auth.Unauthorized, "Missing access token"},
		{"direct anonymous", nil, "direct", Params{}, auth.Unauthorized, "Missing access token"},
		{"list anonymous", nil, "list", Params{List: "12"}, auth.Unauthorized, "Missing access token"},
		{"foreign list", reader("2"), "list", Params{List: "12"}, auth.Forbidden, "List not found"},
		{"missing list", reader("1"), "list", Params{List: "99"}, auth.Forbidden, "List not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newResolver().Resolve(context.Background(), tc.identity, tc.stream, tc.params)
			require.Error(t, err)
			authErr := auth.AsError(err)
			assert.Equal(t, tc.kind, authErr.Kind)
			assert.Equal(t, tc.message, authErr.Message)
		})
	}
}

func TestResolveForeignListSkipsChannels(t *testing.T) {
	lists := &fakeLists{owners: map[string]string{"12": "1"}}
	resolver := &Resolver{Lists: lists, FederatedTimeline: true}

	res, err := resolver.Resolve(context.Background(), reader("2"), "list", Params{List: "12"})
	require.Error(t, err)
	assert.Empty(t, res.ChannelIDs)
	assert.Equal(t, 1, lists.calls)
}

func TestResolveListStoreFailure(t *testing.T) {
	resolver := &Resolver{Lists: &fakeLists{err: errors.New("timeout")}, FederatedTimeline: true}
	_, err := resolver.Resolve(context.Background(), reader("1"), "list", Params{List: "12"})
	assert.Equal(t, auth.Unavailable, auth.KindOf(err))
}

func TestResolveLocalWithoutFederatedTimeline(t *testing.T) {
	quirks := DefaultQuirks()
	quirks.AddLocalWithoutFederation("Local Client", "https://local.example")
	resolver := &Resolver{Quirks: quirks, FederatedTimeline: false}
	ctx := context.Background()

	res, err := resolver.Resolve(ctx, nil, "public:local", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"timeline:index"}, res.ChannelIDs)

	other := reader("3")
	other.Application = auth.Application{Name: "Some App"}
	_, err = resolver.Resolve(ctx, other, "public:local", Params{})
	require.Error(t, err)
	assert.Equal(t, "No local stream provided.", auth.AsError(err).Message)

	allowed := reader("3")
	allowed.Application = auth.Application{Name: "Other", Website: "HTTPS://local.example"}
	res, err = resolver.Resolve(ctx, allowed, "public:local", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"timeline:public:local"}, res.ChannelIDs)

	_, err = resolver.Resolve(ctx, nil, "public", Params{})
	assert.Equal(t, auth.Validation, auth.KindOf(err))
}

func TestResolveRespectsDisabledFederatedTimeline(t *testing.T) {
	identity := reader("1")
	identity.FederatedTimelineDisabled = true
	resolver := newResolver()

	_, err := resolver.Resolve(context.Background(), identity, "public:remote", Params{})
	assert.Equal(t, auth.Validation, auth.KindOf(err))

	res, err := resolver.Resolve(context.Background(), identity, "public:local", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"timeline:public:local"}, res.ChannelIDs)
}

func TestRewriteHideBots(t *testing.T) {
	identity := reader("1")
	identity.HideBots = true
	resolver := newResolver()
	ctx := context.Background()

	res, err := resolver.Resolve(ctx, identity, "public:local", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"timeline:public:local:nobot"}, res.ChannelIDs)
	assert.Equal(t, []string{"public:local"}, res.Stream)

	res, err = resolver.Resolve(ctx, identity, "public", Params{WithoutBot: Flag{Set: true, Value: false}})
	require.NoError(t, err)
	assert.Equal(t, []string{"timeline:public"}, res.ChannelIDs)

	res, err = resolver.Resolve(ctx, identity, "public:nobot:media", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"timeline:public:nobot:media"}, res.ChannelIDs)
}

func TestRewriteRemoteClients(t *testing.T) {
	quirks := DefaultQuirks()
	quirks.AddRemotePublic("Remote Reader")
	resolver := &Resolver{Quirks: quirks, FederatedTimeline: true}
	identity := reader("1")
	identity.Application = auth.Application{Name: "remote reader"}

	res, err := resolver.Resolve(context.Background(), identity, "public", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"timeline:public:remote"}, res.ChannelIDs)
	assert.Equal(t, []string{"public"}, res.Stream)

	res, err = resolver.Resolve(context.Background(), identity, "public:local", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"timeline:public:local"}, res.ChannelIDs)
}

func TestRewriteIsIdempotent(t *testing.T) {
	identity := reader("1")
	identity.HideBots = true
	quirk := ClientQuirk{RemotePublic: true}

	for _, name := range []string{"public", "public:media", "public:remote:nobot", "public:local"} {
		req, err := Parse(name, Params{})
		require.NoError(t, err)
		once := Rewrite(req, identity, quirk)
		twice := Rewrite(once, identity, quirk)
		assert.Equal(t, once, twice, name)
		assert.Equal(t, ChannelIDs(once, identity), ChannelIDs(twice, identity), name)
	}

	req, err := Parse("public", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"timeline:public:remote:nobot"}, ChannelIDs(Rewrite(req, identity, quirk), identity))
}

func TestResolveIsDeterministic(t *testing.T) {
	identity := reader("1")
	identity.HideBots = true
	params := Params{Domain: "Example.org", OnlyMedia: Flag{Set: true, Value: true}}
	first, err := newResolver().Resolve(context.Background(), identity, "public", params)
	require.NoError(t, err)
	second, err := newResolver().Resolve(context.Background(), identity, "public", params)
	require.NoError(t, err)
	assert.Equal(t, first.ChannelIDs, second.ChannelIDs)
	assert.Equal(t, []string{"timeline:public:domain:nobot:media:example.org"}, first.ChannelIDs)
}

func TestParamsDecoding(t *testing.T) {
	var frame struct {
		Type   string `json:"type"`
		Stream string `json:"stream"`
		Params
	}
	require.NoError(t, json.Unmarshal([]byte(`{"type":"subscribe","stream":"list","list":12,"only_media":"true","without_bot":false}`), &frame))
	assert.Equal(t, Value("12"), frame.List)
	assert.True(t, frame.OnlyMedia.True())
	assert.True(t, frame.WithoutBot.Set)
	assert.False(t, frame.WithoutBot.Value)

	params := ParamsFromValues(url.Values{"tag": {" fedi "}, "only_media": {"1"}, "without_media": {"false"}})
	assert.Equal(t, Value("fedi"), params.Tag)
	assert.True(t, params.OnlyMedia.True())
	assert.True(t, params.WithoutMedia.Set)
	assert.False(t, params.WithoutMedia.True())
	assert.False(t, params.WithoutBot.Set)
}

func TestQuirkLookup(t *testing.T) {
	quirks := DefaultQuirks()
	tusky := quirks.Lookup(auth.Application{Name: "tusky"})
	assert.True(t, tusky.HidesNotification("emoji_reaction"))
	assert.False(t, tusky.HidesNotification("mention"))
	assert.False(t, quirks.Lookup(auth.Application{Name: "Unknown"}).HidesNotification("emoji_reaction"))
	assert.Equal(t, ClientQuirk{}, quirks.LookupIdentity(nil))
}

func TestDefaultQuirksLeavePublicAlone(t *testing.T) {
	quirks := DefaultQuirks()
	for _, name := range []string{"Tusky", "Pinafore", "Ivory"} {
		quirk := quirks.Lookup(auth.Application{Name: name})
		assert.False(t, quirk.RemotePublic, name)
		assert.False(t, quirk.LocalWithoutFederation, name)
	}

	resolver := &Resolver{Quirks: quirks, FederatedTimeline: true}
	identity := reader("1")
	identity.Application = auth.Application{Name: "Tusky"}
	res, err := resolver.Resolve(context.Background(), identity, "public", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"timeline:public"}, res.ChannelIDs)

	quirks.AddRemotePublic("Tusky")
	quirk := quirks.Lookup(auth.Application{Name: "tusky"})
	assert.True(t, quirk.RemotePublic)
	assert.True(t, quirk.HidesNotification(ExtendedNotificationTypes[0]), "configured entries keep built-in hidden types")
}
