package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest extracts the bearer credential from r. The Authorization
// header wins over the access_token query parameter; WebSocket upgrades may
// also carry the token as Sec-WebSocket-Protocol since browsers cannot set
// headers on them.
func TokenFromRequest(r *http.Request, websocket bool) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := cutBearer(header); ok {
			return token
		}
		return header
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token
	}
	if websocket {
		return strings.TrimSpace(r.Header.Get("Sec-WebSocket-Protocol"))
	}
	return ""
}

func cutBearer(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
