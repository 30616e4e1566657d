package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON serializes payload with the given status. Every handler response
// except the SSE stream goes through here.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError wraps msg in the {"error": ...} envelope clients expect.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
