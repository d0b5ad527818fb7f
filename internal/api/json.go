package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/othala/internal/apperr"
	"github.com/starford/othala/internal/validate"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error      string               `json:"error"`
	Violations []validate.Violation `json:"violations,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// respondError maps engine error kinds onto HTTP statuses. Validator
// rejections carry the full violation list.
func respondError(w http.ResponseWriter, err error) {
	var verr *validate.Error
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errResponse{
			Error:      "validation failed",
			Violations: verr.Violations,
		})
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrExists):
		writeJSON(w, http.StatusConflict, errorBody("already exists"))
	case errors.Is(err, apperr.ErrSchemaConflict):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrChangelogDisabled):
		writeJSON(w, http.StatusConflict, errorBody("changelog disabled"))
	default:
		slog.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}
