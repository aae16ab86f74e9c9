// Package errors writes JSON error responses and logs them with the request id.
package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", slog.String("error", err.Error()))
	}
}

// Error writes {"error": message} with the given status.
func Error(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// InternalError logs err and returns a generic message to the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	LogError(r, message, err)
	Error(w, http.StatusInternalServerError, "internal server error")
}

// BadRequestError logs err at warn level and returns clientMessage.
func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	attrs := []any{slog.String("error", err.Error())}
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	slog.Warn("bad request", attrs...)
	Error(w, http.StatusBadRequest, clientMessage)
}

// NotFound returns 404 naming the missing resource.
func NotFound(w http.ResponseWriter, what string) {
	Error(w, http.StatusNotFound, what+" not found")
}

func LogError(r *http.Request, message string, err error) {
	attrs := []any{slog.String("error", err.Error())}
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	slog.Error(message, attrs...)
}
