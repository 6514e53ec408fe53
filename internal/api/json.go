package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/starford/flowboard/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
	Kind  string `json:"kind" example:"not_found" validate:"required"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg, Kind: apperr.KindValidation}
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError classifies err and writes it. Internal errors are logged and
// their text withheld.
func writeError(w http.ResponseWriter, op string, err error) {
	kind := apperr.Kind(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error(op+" failed", slog.String("error", err.Error()))
		msg = "internal error"
	} else {
		slog.Debug(op+" rejected", slog.String("kind", kind), slog.String("error", err.Error()))
	}
	if kind == apperr.KindRateLimited {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, errResponse{Error: msg, Kind: kind})
}
