package auth

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	ScopeRead              = "read"
	ScopeReadStatuses      = "read:statuses"
	ScopeReadNotifications = "read:notifications"
)

// Application is the OAuth application that issued the access token.
type Application struct {
	Name    string
	Website string
}

// Identity is the resolved owner of an access token. It is built once per
// resolution and never mutated afterwards; a nil *Identity is an anonymous
// caller.
type Identity struct {
	AccessTokenID string
	AccountID     string
	// DeviceID is set for tokens bound to an end-to-end encryption device.
	DeviceID        string
	Scopes          mapset.Set[string]
	ChosenLanguages []string
	// HideBots hides bot accounts from public timelines.
	HideBots bool
	// FederatedTimelineDisabled hides the non-local public timelines.
	FederatedTimelineDisabled bool
	Bot                       bool
	Application               Application
}

// NewIdentity builds an Identity with an immutable copy of scopes and
// languages.
func NewIdentity(accessTokenID, accountID string, scopes []string, languages []string) *Identity {
	return &Identity{
		AccessTokenID:   accessTokenID,
		AccountID:       accountID,
		Scopes:          mapset.NewThreadUnsafeSet(scopes...),
		ChosenLanguages: slices.Clone(languages),
	}
}

// HasAnyScope reports whether the identity was granted one of scopes.
func (i *Identity) HasAnyScope(scopes ...string) bool {
	if i == nil || i.Scopes == nil {
		return false
	}
	for _, scope := range scopes {
		if i.Scopes.Contains(scope) {
			return true
		}
	}
	return false
}

// CanReadNotifications reports whether notification events may be sent.
func (i *Identity) CanReadNotifications() bool {
	return i.HasAnyScope(ScopeRead, ScopeReadNotifications)
}

// AllowsLanguage reports whether a status in lang passes the chosen-language
// list. An empty list or an unknown language always passes.
func (i *Identity) AllowsLanguage(lang string) bool {
	if i == nil || len(i.ChosenLanguages) == 0 || lang == "" {
		return true
	}
	return slices.Contains(i.ChosenLanguages, lang)
}
