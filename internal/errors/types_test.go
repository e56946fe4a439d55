package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name: "error without cause",
			err: &AppError{
				Code:    ErrCodeInvalidConfig,
				Message: "configuration is invalid",
			},
			expected: "INVALID_CONFIG: configuration is invalid",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeFetchFailed,
				Message: "failed to fetch messages",
				Cause:   errors.New("connection refused"),
			},
			expected: "FETCH_FAILED: failed to fetch messages: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, ErrCodeInternalError, "something went wrong")

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestAppError_WithContext(t *testing.T) {
	err := New(ErrCodeValidationFailed, "validation failed")

	result := err.WithContext("field", "message_text").WithContext("value", "")

	assert.Equal(t, err, result)
	assert.Len(t, err.Context, 2)
	assert.Equal(t, "message_text", err.Context["field"])
}

func TestWrapRetryable(t *testing.T) {
	err := WrapRetryable(errors.New("timeout"), ErrCodeMessagingAPI, "call failed")

	assert.True(t, err.Retryable)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestGetCode_WrappedChain(t *testing.T) {
	appErr := NewSendError("42", errors.New("boom"))
	wrapped := fmt.Errorf("outer: %w", appErr)

	assert.Equal(t, ErrCodeSendFailed, GetCode(wrapped))
	assert.True(t, IsSendError(wrapped))
	assert.Equal(t, ErrCodeInternalError, GetCode(errors.New("plain")))
}

func TestGetUserMessage(t *testing.T) {
	assert.Equal(t, "Failed to send message", GetUserMessage(NewSendError("1", nil)))
	assert.Equal(t, "An internal error occurred", GetUserMessage(errors.New("plain")))
}
