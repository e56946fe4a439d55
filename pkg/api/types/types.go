package types

import "spacechat/internal/models"

// FetchOptions selects a page of a conversation's messages
type FetchOptions struct {
	Page    int
	PerPage int
}

// MessagesResponse is the body of GET /bookings/{id}/messages
type MessagesResponse struct {
	Messages   []models.Message     `json:"messages"`
	Pagination models.Pagination    `json:"pagination"`
	Booking    *models.Conversation `json:"booking"`
}

// SendMessageRequest is the body of POST /bookings/{id}/messages
type SendMessageRequest struct {
	Message SendMessageBody `json:"message"`
}

type SendMessageBody struct {
	MessageText string         `json:"message_text"`
	MessageType string         `json:"message_type"`
	Metadata    map[string]any `json:"metadata"`
}

// SendMessageEnvelope covers servers that wrap the created message in a "message" key
type SendMessageEnvelope struct {
	Message *models.Message `json:"message"`
}

// UnreadCountResponse is the body of GET /messages/unread_count
type UnreadCountResponse struct {
	Count   int   `json:"count"`
	Success *bool `json:"success,omitempty"`
}

// SearchResponse is the body of GET /bookings/{id}/messages/search
type SearchResponse struct {
	Messages []models.Message `json:"messages"`
}
