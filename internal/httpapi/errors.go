package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/memory-api/internal/resumer"
	"github.com/erauner12/memory-api/internal/store"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Details string `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError maps the store/resumer error taxonomy onto HTTP statuses:
// NotFound 404, AccessDenied 403, Conflict 409, Invalid 400, Redirect 307
// with the target node in Location, everything else 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound  *store.NotFoundError
		denied    *store.AccessDeniedError
		invalid   *store.InvalidError
		conflict  *store.ConflictError
		redirect  *resumer.RedirectError
		transient *store.TransientError
	)
	switch {
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: notFound.Error(), Kind: "not_found"})
	case errors.As(err, &denied):
		writeJSON(w, http.StatusForbidden, errorBody{Error: denied.Error(), Kind: "access_denied"})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: invalid.Error(), Kind: "invalid"})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: conflict.Error(), Kind: "conflict"})
	case errors.As(err, &redirect):
		w.Header().Set("Location", redirect.Target)
		writeJSON(w, http.StatusTemporaryRedirect, errorBody{
			Error: redirect.Error(), Kind: "redirect", Details: redirect.Target,
		})
	case errors.As(err, &transient):
		log.Ctx(r.Context()).Warn().Err(err).Msg("transient backend failure")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable", Kind: "transient"})
	default:
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: "internal"})
	}
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
