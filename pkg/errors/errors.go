package errors

import (
	"errors"
	"fmt"

	"callcore/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	ErrCodeSignaling     ErrorCode = "SIGNALING_FAILED"
	ErrCodeSignalingAck  ErrorCode = "SIGNALING_ACK_ERROR"
	ErrCodeMedia         ErrorCode = "MEDIA_ACQUISITION_FAILED"
	ErrCodeNegotiation   ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeTransport     ErrorCode = "TRANSPORT_UNRECOVERABLE"
	ErrCodeRelay         ErrorCode = "RELAY_FAILED"
	ErrCodeSessionActive ErrorCode = "SESSION_ACTIVE"
	ErrCodeNoSession     ErrorCode = "NO_SESSION"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
)

// Category groups codes by the part of the call core that failed.
type Category string

const (
	CategoryInput       Category = "input"
	CategoryAuth        Category = "auth"
	CategoryInternal    Category = "internal"
	CategorySignaling   Category = "signaling"
	CategoryMedia       Category = "media"
	CategoryNegotiation Category = "negotiation"
	CategoryTransport   Category = "transport"
	CategoryRelay       Category = "relay"
	CategorySession     Category = "session"
)

// AppError represents an application error with code and context
type AppError struct {
	Code     ErrorCode
	Category Category
	Message  string
	Cause    error
	Context  map[string]interface{}
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

// NewAppError creates a new application error
func NewAppError(code ErrorCode, category Category, message string) *AppError {
	return &AppError{
		Code:     code,
		Category: category,
		Message:  message,
		Context:  make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, category Category, message string) *AppError {
	return &AppError{
		Code:     code,
		Category: category,
		Message:  message,
		Cause:    err,
		Context:  make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, CategoryInput, message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, CategoryInput, fmt.Sprintf("%s not found", resource))
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, CategoryAuth, message)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, CategoryInput, "rate limit exceeded")
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, CategoryInternal, message)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, CategoryInternal, message)
}

// Call core taxonomy

func NewSignalingError(err error, message string) *AppError {
	return WrapError(err, ErrCodeSignaling, CategorySignaling, message)
}

// NewAckError reports an acknowledgement that carried an error string.
func NewAckError(event domain.EventType, remote string) *AppError {
	return NewAppError(ErrCodeSignalingAck, CategorySignaling, remote).WithContext("event", string(event))
}

// NewMediaError classifies a media acquisition failure by reason.
func NewMediaError(err error) *AppError {
	reason := MediaReason(err)
	appErr := WrapError(err, ErrCodeMedia, CategoryMedia, mediaMessages[reason])
	if reason != "" {
		appErr.WithContext("reason", string(reason))
	}
	return appErr
}

func NewNegotiationError(err error, step string) *AppError {
	return WrapError(err, ErrCodeNegotiation, CategoryNegotiation, step+" failed").WithContext("step", step)
}

func NewTransportError(err error, message string) *AppError {
	return WrapError(err, ErrCodeTransport, CategoryTransport, message)
}

func NewRelayError(err error, message string) *AppError {
	return WrapError(err, ErrCodeRelay, CategoryRelay, message)
}

func NewSessionActiveError() *AppError {
	return WrapError(domain.ErrSessionActive, ErrCodeSessionActive, CategorySession, "a call is already in progress")
}

func NewNoSessionError() *AppError {
	return WrapError(domain.ErrNoSession, ErrCodeNoSession, CategorySession, "no call in progress")
}

func NewInvalidStateError(message string) *AppError {
	return NewAppError(ErrCodeInvalidState, CategorySession, message)
}

var mediaMessages = map[domain.MediaFailureReason]string{
	domain.MediaPermissionDenied: "microphone or camera permission was denied",
	domain.MediaDeviceNotFound:   "no microphone or camera was found",
	domain.MediaDeviceBusy:       "microphone or camera is in use by another application",
	domain.MediaOverconstrained:  "camera does not support the requested settings",
	"":                           "could not access microphone or camera",
}

// MediaReason maps an acquisition error onto its failure reason, or "" when
// the error is not one of the media sentinels.
func MediaReason(err error) domain.MediaFailureReason {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return domain.MediaPermissionDenied
	case errors.Is(err, domain.ErrDeviceNotFound):
		return domain.MediaDeviceNotFound
	case errors.Is(err, domain.ErrDeviceBusy):
		return domain.MediaDeviceBusy
	case errors.Is(err, domain.ErrOverconstrained):
		return domain.MediaOverconstrained
	}
	return ""
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsCode reports whether any AppError in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
