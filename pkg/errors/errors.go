package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeConflict            ErrorCode = "CONFLICT"
	ErrCodeRateLimit           ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodePermissionDenied    ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceUnavailable   ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeUserCancelled       ErrorCode = "USER_CANCELLED"
	ErrCodeNoAudioTrack        ErrorCode = "NO_AUDIO_TRACK"
	ErrCodeAnalysisUnsupported ErrorCode = "ANALYSIS_UNSUPPORTED"
	ErrCodeSessionClosed       ErrorCode = "SESSION_CLOSED"
)

var statusByCode = map[ErrorCode]int{
	ErrCodeInvalidInput:        http.StatusBadRequest,
	ErrCodeNotFound:            http.StatusNotFound,
	ErrCodeConflict:            http.StatusConflict,
	ErrCodeRateLimit:           http.StatusTooManyRequests,
	ErrCodeInternal:            http.StatusInternalServerError,
	ErrCodeServiceUnavailable:  http.StatusServiceUnavailable,
	ErrCodePermissionDenied:    http.StatusForbidden,
	ErrCodeDeviceUnavailable:   http.StatusNotFound,
	ErrCodeUserCancelled:       http.StatusConflict,
	ErrCodeNoAudioTrack:        http.StatusUnprocessableEntity,
	ErrCodeAnalysisUnsupported: http.StatusNotImplemented,
	ErrCodeSessionClosed:       http.StatusGone,
}

// StatusFor returns the HTTP status of code, 500 for unknown codes.
func StatusFor(code ErrorCode) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an application error whose status follows its code
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: StatusFor(code),
		Context:    make(map[string]interface{}),
	}
}

// Wrap wraps err with an application error whose status follows its code
func Wrap(err error, code ErrorCode, message string) *AppError {
	e := New(code, message)
	e.Cause = err
	return e
}

func NewInvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewRateLimitError() *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded")
}

func NewInternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// Mapping pairs a sentinel error with the code it surfaces as.
type Mapping struct {
	Target error
	Code   ErrorCode
}

// Classify returns err as an AppError. An AppError already in the chain
// wins; otherwise the first mapping whose target matches errors.Is is
// used, and anything unmatched becomes INTERNAL_ERROR.
func Classify(err error, mappings []Mapping) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range mappings {
		if errors.Is(err, m.Target) {
			return Wrap(err, m.Code, err.Error())
		}
	}
	return Wrap(err, ErrCodeInternal, "internal error")
}
