package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError using a more specific message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrRateLimit = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Too many requests, please slow down",
		StatusCode: http.StatusTooManyRequests,
	}
)

// Contact pipeline errors. Per-item duplicate/conflict outcomes are normally
// reported inside batch partitions; these surface only on single-record calls.
var (
	ErrValidation = &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    "Input failed validation",
		StatusCode: http.StatusBadRequest,
	}

	ErrDuplicateContact = &AppError{
		Code:       "DUPLICATE_CONTACT",
		Message:    "A contact with this phone or email already exists",
		StatusCode: http.StatusConflict,
	}

	ErrContactConflict = &AppError{
		Code:       "CONTACT_CONFLICT",
		Message:    "Contact matches an existing record with differing fields",
		StatusCode: http.StatusConflict,
	}

	ErrBatchTooLarge = &AppError{
		Code:       "BATCH_TOO_LARGE",
		Message:    "Batch exceeds the maximum allowed size",
		StatusCode: http.StatusRequestEntityTooLarge,
	}

	ErrBatchInFlight = &AppError{
		Code:       "BATCH_IN_FLIGHT",
		Message:    "Another bulk operation is already running for this account",
		StatusCode: http.StatusConflict,
	}
)

// Invitation errors.
var (
	ErrTokenInvalid = &AppError{
		Code:       "TOKEN_INVALID",
		Message:    "Invitation token is invalid",
		StatusCode: http.StatusNotFound,
	}

	ErrTokenExpired = &AppError{
		Code:       "TOKEN_EXPIRED",
		Message:    "Invitation token has expired",
		StatusCode: http.StatusGone,
	}

	ErrTokenAlreadyUsed = &AppError{
		Code:       "TOKEN_ALREADY_USED",
		Message:    "Invitation token has already been used",
		StatusCode: http.StatusConflict,
	}

	ErrInvitationTerminal = &AppError{
		Code:       "INVITATION_TERMINAL",
		Message:    "Invitation is in a terminal state",
		StatusCode: http.StatusConflict,
	}

	ErrDeliveryFailed = &AppError{
		Code:       "DELIVERY_FAILED",
		Message:    "Invitation could not be delivered",
		StatusCode: http.StatusBadGateway,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
