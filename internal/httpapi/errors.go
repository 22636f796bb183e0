package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// apiError is the error document shape clients classify on
type apiError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes an error document and logs it against the request
func writeError(w http.ResponseWriter, r *http.Request, status int, e apiError) {
	ev := log.Ctx(r.Context()).Debug()
	if status >= http.StatusInternalServerError {
		ev = log.Ctx(r.Context()).Error()
	}
	ev.Int("status", status).Str("code", e.Code).Str("path", r.URL.Path).Msg(e.Message)
	writeJSON(w, status, e)
}
