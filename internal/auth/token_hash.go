package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var errAccessTokenRequired = errors.New("access token required")

// hashAccessToken derives the cache key for token so raw credentials are not
// retained in memory longer than a single lookup.
func hashAccessToken(token string) (string, error) {
	if token == "" {
		return "", errAccessTokenRequired
	}
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:]), nil
}
