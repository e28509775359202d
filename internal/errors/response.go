package errors

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

func GenerateRequestID() string {
	return uuid.NewString()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the id stored by WithRequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ErrorResponse is the body of every failed request:
//
//	{"error": {"code": "...", "message": "...", "request_id": "...", "details": {...}}}
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteError renders err in the error envelope. Errors that are not an
// AppError become a 500 whose message hides the cause.
func WriteError(w http.ResponseWriter, requestID string, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = InternalError("an unexpected error occurred").WithCause(err)
	}
	WriteJSON(w, requestID, appErr.HTTPStatus, ErrorResponse{Error: ErrorBody{
		Code:      appErr.Code,
		Message:   appErr.Message,
		RequestID: requestID,
		Details:   appErr.Details,
	}})
}

func WriteJSON(w http.ResponseWriter, requestID string, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set(RequestIDHeader, requestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Handler is an http.HandlerFunc that returns its failure instead of writing it.
type Handler func(w http.ResponseWriter, r *http.Request) error

// HandleFunc adapts h to net/http. Server and external failures are passed
// to each report func before the envelope is written.
func HandleFunc(h Handler, report ...func(r *http.Request, err error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		if !IsClientError(err) {
			for _, fn := range report {
				fn(r, err)
			}
		}
		WriteError(w, GetRequestID(r.Context()), err)
	}
}
