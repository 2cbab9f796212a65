package server

import (
	"encoding/json"
	"net/http"
)

// writeMiddlewareError answers in the same {"error": ...} shape the
// streaming endpoints use for rejections.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
