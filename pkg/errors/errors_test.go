package errors

import (
	"errors"
	"fmt"
	"testing"

	"callcore/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, CategoryInput, "test error")
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, CategoryInternal, "wrapped error")

	assert.Equal(t, originalErr, err.Cause)
	assert.Contains(t, err.Error(), "original error")
	assert.ErrorIs(t, err, originalErr)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, CategoryInput, "test error")
	err.WithContext("field", "value").WithContext("count", 42)

	assert.Equal(t, "value", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestNewMediaError_ClassifiesReason(t *testing.T) {
	tests := []struct {
		cause  error
		reason domain.MediaFailureReason
	}{
		{fmt.Errorf("getUserMedia: %w", domain.ErrPermissionDenied), domain.MediaPermissionDenied},
		{domain.ErrDeviceNotFound, domain.MediaDeviceNotFound},
		{domain.ErrDeviceBusy, domain.MediaDeviceBusy},
		{domain.ErrOverconstrained, domain.MediaOverconstrained},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			err := NewMediaError(tt.cause)
			assert.Equal(t, CategoryMedia, err.Category)
			assert.Equal(t, string(tt.reason), err.Context["reason"])
			assert.NotEmpty(t, err.Message)
		})
	}

	unknown := NewMediaError(errors.New("driver crashed"))
	assert.NotContains(t, unknown.Context, "reason")
	assert.Equal(t, "could not access microphone or camera", unknown.Message)
}

func TestSessionErrorsMatchDomainSentinels(t *testing.T) {
	assert.ErrorIs(t, NewSessionActiveError(), domain.ErrSessionActive)
	assert.ErrorIs(t, NewNoSessionError(), domain.ErrNoSession)
}

func TestGetAppError(t *testing.T) {
	appErr := NewAckError(domain.EventInitiateCall, "callee offline")

	assert.Same(t, appErr, GetAppError(appErr))

	wrapped := fmt.Errorf("start call: %w", appErr)
	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeSignalingAck, got.Code)
	assert.True(t, IsCode(wrapped, ErrCodeSignalingAck))
	assert.True(t, IsAppError(wrapped))

	assert.Nil(t, GetAppError(errors.New("regular error")))
	assert.Nil(t, GetAppError(nil))
	assert.False(t, IsCode(nil, ErrCodeSignaling))
}
