package models

// ConversationStatus is the booking status that gates messaging
type ConversationStatus string

const (
	ConversationPending   ConversationStatus = "pending"
	ConversationApproved  ConversationStatus = "approved"
	ConversationRejected  ConversationStatus = "rejected"
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationCancelled ConversationStatus = "cancelled"
)

// Pre-computed set for O(1) lookup
var knownStatuses = map[ConversationStatus]struct{}{
	ConversationPending:   {},
	ConversationApproved:  {},
	ConversationRejected:  {},
	ConversationActive:    {},
	ConversationCompleted: {},
	ConversationCancelled: {},
}

// Valid reports whether s is one of the known booking statuses
func (s ConversationStatus) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// CanSend reports whether new messages may be posted in this status.
// An unknown or empty status does not block sending.
func (s ConversationStatus) CanSend() bool {
	return s != ConversationRejected
}

// Conversation is the booking a message thread belongs to
type Conversation struct {
	ID     string             `json:"id"`
	Status ConversationStatus `json:"status"`
	Title  string             `json:"title,omitempty"`
}
