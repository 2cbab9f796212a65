package auth

import "strings"

var publicChannelPrefixes = []string{"public", "hashtag", "group"}

// AuthorizeChannel checks that identity may read the logical stream
// channelName. Public, hashtag and group streams need no scope; the
// notification stream accepts read:notifications and everything else needs
// read:statuses. Both accept the umbrella read scope.
func AuthorizeChannel(identity *Identity, channelName string) error {
	for _, prefix := range publicChannelPrefixes {
		if strings.HasPrefix(channelName, prefix) {
			return nil
		}
	}
	if identity == nil {
		return NewError(Unauthorized, "Missing access token")
	}
	required := ScopeReadStatuses
	if channelName == "user:notification" {
		required = ScopeReadNotifications
	}
	if identity.HasAnyScope(ScopeRead, required) {
		return nil
	}
	return NewError(Forbidden, "Access token does not have the required scopes")
}
