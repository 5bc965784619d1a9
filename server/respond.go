package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dshills/skillflow/engine"
	"github.com/dshills/skillflow/run"
	"github.com/dshills/skillflow/skill"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error to an HTTP status. fallback applies to
// errors no sentinel claims; handlers pick 400 for command endpoints
// and 500 for reads.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, run.ErrNotFound),
		errors.Is(err, skill.ErrNotFound),
		errors.Is(err, engine.ErrNoRun):
		return http.StatusNotFound
	case errors.Is(err, run.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, run.ErrInvalidModel),
		errors.Is(err, skill.ErrNameImmutable):
		return http.StatusBadRequest
	case errors.Is(err, run.ErrDuplicateRun),
		errors.Is(err, skill.ErrConflict):
		return http.StatusConflict
	}
	return fallback
}

func fail(w http.ResponseWriter, err error, fallback int) {
	writeError(w, statusFor(err, fallback), err.Error())
}
