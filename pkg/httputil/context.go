package httputil

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
)

// RequestID returns the request ID set by the RequestID middleware.
func RequestID(r *http.Request) (string, bool) {
	reqID, ok := r.Context().Value(RequestIDCtxKey).(string)
	return reqID, ok && reqID != ""
}

// Logger returns the request-scoped logger stored by the logger middleware.
func Logger(ctx context.Context) (*zap.Logger, bool) {
	logger, ok := ctx.Value(LogEntryCtxKey).(*zap.Logger)
	return logger, ok && logger != nil
}

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ErrorResponse represents a structured error response.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Error sends a JSON response with an error code and message.
func Error(w http.ResponseWriter, statusCode int, message string) {
	JSON(w, statusCode, ErrorResponse{Code: statusCode, Message: message})
}
