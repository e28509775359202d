// Package errors holds the typed errors handlers return and the JSON
// envelope they are rendered into.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory says whose fault an error is. Only server and external
// failures are reported to the log by HandleFunc.
type ErrorCategory string

const (
	CategoryClient   ErrorCategory = "client"
	CategoryServer   ErrorCategory = "server"
	CategoryExternal ErrorCategory = "external"
)

const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeEmailExists        = "EMAIL_EXISTS"
	CodeSamePassword       = "SAME_PASSWORD"
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeProductNotFound    = "PRODUCT_NOT_FOUND"

	CodeInternalError = "INTERNAL_ERROR"
	CodeStorageError  = "STORAGE_ERROR"
	CodeMailError     = "MAIL_ERROR"
)

// AppError is an error with a stable code and the HTTP status it renders as.
type AppError struct {
	Code       string
	Message    string
	Category   ErrorCategory
	HTTPStatus int
	Details    map[string]any
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithDetails attaches details, such as the offending field of a validation error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

func New(code string, message string, category ErrorCategory, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, Category: category, HTTPStatus: httpStatus}
}

func client(code string, status int, message string) *AppError {
	return New(code, message, CategoryClient, status)
}

func BadRequest(message string) *AppError {
	return client(CodeInvalidRequest, http.StatusBadRequest, message)
}

// ValidationError is a request that parsed but holds an invalid value.
func ValidationError(message string) *AppError {
	return client(CodeValidationError, http.StatusUnprocessableEntity, message)
}

func Unauthorized(message string) *AppError {
	return client(CodeUnauthorized, http.StatusUnauthorized, message)
}

func InvalidCredentials() *AppError {
	return client(CodeInvalidCredentials, http.StatusUnauthorized, "Invalid email or password")
}

// InvalidToken rejects a bearer token. A bad verification or reset token
// is InvalidOneTimeToken, which answers 403 instead.
func InvalidToken() *AppError {
	return client(CodeInvalidToken, http.StatusUnauthorized, "Invalid token")
}

func InvalidOneTimeToken() *AppError {
	return client(CodeInvalidToken, http.StatusForbidden, "Invalid token")
}

func TokenExpired() *AppError {
	return client(CodeTokenExpired, http.StatusUnauthorized, "Token expired")
}

func UserNotFound() *AppError {
	return client(CodeUserNotFound, http.StatusNotFound, "User not found")
}

func ProductNotFound() *AppError {
	return client(CodeProductNotFound, http.StatusNotFound, "Product not found")
}

func EmailExists() *AppError {
	return client(CodeEmailExists, http.StatusConflict, "User already exists")
}

func SamePassword() *AppError {
	return client(CodeSamePassword, http.StatusBadRequest, "New password cannot be the same")
}

func RateLimited() *AppError {
	return client(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
}

func InternalError(message string) *AppError {
	return New(CodeInternalError, message, CategoryServer, http.StatusInternalServerError)
}

func StorageError(message string) *AppError {
	return New(CodeStorageError, message, CategoryServer, http.StatusInternalServerError)
}

// MailError is an SMTP relay failure.
func MailError(message string) *AppError {
	return New(CodeMailError, message, CategoryExternal, http.StatusBadGateway)
}

// As finds the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is an AppError a second attempt may cure.
// Client errors never are.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Category != CategoryClient
}

func IsClientError(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Category == CategoryClient
}
