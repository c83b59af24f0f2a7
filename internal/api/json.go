package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/imagestudio/internal/apperr"
	"github.com/starford/imagestudio/internal/generator"
	"github.com/starford/imagestudio/internal/studio"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps service errors onto statuses. Unknown errors are 500
// with the error text, which is what clients display.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, studio.ErrPromptRequired):
		writeJSON(w, http.StatusBadRequest, errorBody(studio.ErrPromptRequired.Error()))
	case errors.Is(err, studio.ErrAPIKeyRequired):
		writeJSON(w, http.StatusUnauthorized, errorBody(studio.ErrAPIKeyRequired.Error()))
	case errors.Is(err, generator.ErrNoImage):
		writeJSON(w, http.StatusInternalServerError, errorBody("No image generated"))
	case errors.Is(err, apperr.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody("already exists"))
	case errors.Is(err, apperr.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
	default:
		slog.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
	}
}
