package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound            ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized        ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden           ErrorType = "FORBIDDEN"
	ErrorTypeConflict            ErrorType = "CONFLICT"
	ErrorTypeUpstreamUnavailable ErrorType = "UPSTREAM_UNAVAILABLE"
	ErrorTypeUpstreamRejected    ErrorType = "UPSTREAM_REJECTED"
	ErrorTypeInternal            ErrorType = "INTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidRequestID ErrorCode = "INVALID_REQUEST_ID"
	ErrCodeInvalidPaymentID ErrorCode = "INVALID_PAYMENT_ID"
	ErrCodeInvalidBody      ErrorCode = "INVALID_BODY"

	ErrCodePaymentNotFound    ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodeUserNotFound       ErrorCode = "USER_NOT_FOUND"
	ErrCodeUnauthorizedAccess ErrorCode = "UNAUTHORIZED_ACCESS"
	ErrCodeInsufficientRole   ErrorCode = "INSUFFICIENT_ROLE"

	ErrCodeMissingCredentials ErrorCode = "MISSING_CREDENTIALS"
	ErrCodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	ErrCodeInvalidAPIKey      ErrorCode = "INVALID_API_KEY"
	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"

	ErrCodeUnauthorizedWebhook ErrorCode = "UNAUTHORIZED_WEBHOOK"
	ErrCodeMalformedWebhook    ErrorCode = "MALFORMED_WEBHOOK"

	ErrCodePaymentInitialization ErrorCode = "PAYMENT_INITIALIZATION_ERROR"
	ErrCodeInitializationPending ErrorCode = "PAYMENT_INITIALIZATION_IN_PROGRESS"
	ErrCodeUpstreamUnavailable   ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrCodeUpstreamRejected      ErrorCode = "UPSTREAM_REJECTED"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			messages := make([]string, len(validationErrors.Errors))
			for i, err := range validationErrors.Errors {
				messages[i] = err.Message
			}
			return strings.Join(messages, "; ")
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// NewConflictError reports a request that clashes with one still in flight.
// The caller may retry it unchanged.
func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// NewUpstreamUnavailableError reports a dependency that stayed unreachable after retries.
func NewUpstreamUnavailableError(service string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeUpstreamUnavailable,
		Code:       ErrCodeUpstreamUnavailable,
		Message:    fmt.Sprintf("%s is unavailable", service),
		StatusCode: http.StatusServiceUnavailable,
		Cause:      cause,
	}
}

// NewUpstreamRejectedError reports a definitive business failure from a dependency.
// statusCode is 400 when the caller's request caused it, 502 otherwise.
func NewUpstreamRejectedError(message string, code ErrorCode, statusCode int) *AppError {
	if statusCode == 0 {
		statusCode = http.StatusBadGateway
	}
	return &AppError{
		Type:       ErrorTypeUpstreamRejected,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

var (
	ErrPaymentNotFound     = NewNotFoundError("Payment not found", ErrCodePaymentNotFound)
	ErrUnauthorizedAccess  = NewForbiddenError("Not authorized to access this payment", ErrCodeUnauthorizedAccess)
	ErrMissingCredentials  = NewUnauthorizedError("Missing credentials", ErrCodeMissingCredentials)
	ErrInvalidToken        = NewUnauthorizedError("Invalid or expired token", ErrCodeInvalidToken)
	ErrInvalidAPIKey       = NewUnauthorizedError("Invalid API key", ErrCodeInvalidAPIKey)
	ErrInvalidCredentials  = NewUnauthorizedError("Incorrect username or password", ErrCodeInvalidCredentials)
	ErrUnauthorizedWebhook = NewUnauthorizedError("Invalid webhook signature", ErrCodeUnauthorizedWebhook)
)

// IsAppError unwraps err until it finds an *AppError.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is is errors.Is, re-exported so callers importing this package as errors
// keep access to it.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// IsType reports whether err carries an AppError of the given type.
func IsType(err error, t ErrorType) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Type == t
}

// Response is the JSON error body. Detail is the human readable message.
type Response struct {
	Detail  string      `json:"detail"`
	Type    ErrorType   `json:"type"`
	Code    ErrorCode   `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{
		Detail:  e.GetDetailedMessage(),
		Type:    e.Type,
		Code:    e.Code,
		Details: e.Details,
	}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
