package service

// Standard field names for structured logging. Use these exact names so log
// queries work across components.
const (
	// Core identifiers
	LogFieldConversationID = "conversation_id"
	LogFieldMessageID      = "message_id"
	LogFieldClientID       = "client_id"
	LogFieldUserID         = "user_id"

	// Service and operation fields
	LogFieldComponent = "component"
	LogFieldOperation = "operation"

	// Message and event fields
	LogFieldMessageType = "message_type"
	LogFieldDirection   = "direction" // "incoming" or "outgoing"
	LogFieldPreview     = "preview"
	LogFieldState       = "state"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"

	// Error and debugging
	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)

// Directions used with LogFieldDirection
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Log level usage
//
// DEBUG: per-event detail such as typing changes, duplicate deliveries and
// skipped polls.
// INFO: session start and end, conversation open and close, connection
// state transitions, received messages.
// WARN: fallbacks and retryable failures (REST fallback, fetch failures,
// reconnect attempts).
// ERROR: failures the user will notice (terminal connection loss, send
// failures after fallback).
