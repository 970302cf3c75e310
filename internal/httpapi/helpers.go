package httpapi

import (
	"encoding/json"
	"net/http"

	"zapgw/internal/connection"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func connectionCooldown(err error) (*connection.CooldownError, bool) {
	if err == nil {
		return nil, false
	}
	return connection.AsCooldown(err)
}
