package errors

import (
	"fmt"
	"net/http"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a local cache error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Local cache operation failed")
}

// NewFetchError creates an error for a failed bulk load or poll. Fetches are
// always retried on the next interval.
func NewFetchError(conversationID string, err error) *AppError {
	return WrapRetryable(err, ErrCodeFetchFailed, "failed to fetch messages").
		WithContext("conversation_id", conversationID).
		WithUserMessage("Failed to load messages")
}

// NewSendError creates an error for a message that could not be delivered on any path
func NewSendError(conversationID string, err error) *AppError {
	return Wrap(err, ErrCodeSendFailed, "failed to send message").
		WithContext("conversation_id", conversationID).
		WithUserMessage("Failed to send message")
}

// NewConnectionError creates a live channel error. Fatal errors require a manual retry.
func NewConnectionError(reason string, fatal bool, err error) *AppError {
	appErr := Wrap(err, ErrCodeConnection, fmt.Sprintf("live connection %s", reason)).
		WithContext("reason", reason).
		WithContext("fatal", fatal).
		WithUserMessage("Live updates unavailable, falling back to polling")
	appErr.Retryable = !fatal
	return appErr
}

// NewPermissionError creates an error for a rejected conversation subscription
func NewPermissionError(conversationID string) *AppError {
	return New(ErrCodePermissionDenied, "subscription rejected").
		WithContext("conversation_id", conversationID).
		WithUserMessage("Connection rejected - check permissions")
}

// NewAPIError creates an API error for message API calls
func NewAPIError(endpoint string, statusCode int, err error) *AppError {
	code := ErrCodeMessagingAPI
	switch statusCode {
	case http.StatusUnauthorized:
		code = ErrCodeAuthentication
	case http.StatusForbidden:
		code = ErrCodeAuthorization
	case http.StatusNotFound:
		code = ErrCodeNotFound
	case http.StatusTooManyRequests:
		code = ErrCodeRateLimit
	}

	// Determine if error is retryable based on status code
	retryable := statusCode >= 500 || statusCode == 429 || statusCode == 408 || statusCode == 0

	appErr := Wrap(err, code, "messaging API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = retryable

	return appErr
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewAuthError creates an authentication error
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication required")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// Predicates

func IsValidationError(err error) bool { return HasCode(err, ErrCodeValidationFailed) }
func IsFetchError(err error) bool      { return HasCode(err, ErrCodeFetchFailed) }
func IsSendError(err error) bool       { return HasCode(err, ErrCodeSendFailed) }
func IsConnectionError(err error) bool { return HasCode(err, ErrCodeConnection) }
func IsPermissionError(err error) bool { return HasCode(err, ErrCodePermissionDenied) }

// IsFeatureUnavailable reports whether an API error means the endpoint does
// not exist or is not available to this session
func IsFeatureUnavailable(err error) bool {
	switch GetCode(err) {
	case ErrCodeNotFound, ErrCodeAuthentication:
		return true
	}
	return false
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeAuthorization, ErrCodePermissionDenied:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeFetchFailed, ErrCodeSendFailed, ErrCodeMessagingAPI, ErrCodeConnection:
		return http.StatusBadGateway
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the standardized error body of the status server
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error) HTTPErrorResponse {
	var response HTTPErrorResponse

	appErr, ok := As(err)
	if !ok {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
		return response
	}

	response.Error.Code = appErr.Code
	response.Error.Message = GetUserMessage(err)
	if len(appErr.Context) > 0 {
		// Only include non-sensitive context in HTTP responses
		publicContext := make(map[string]interface{})
		for k, v := range appErr.Context {
			if k != "token" && k != "value" && k != "secret" {
				publicContext[k] = v
			}
		}
		if len(publicContext) > 0 {
			response.Error.Context = publicContext
		}
	}
	return response
}
