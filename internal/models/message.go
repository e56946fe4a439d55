package models

import (
	"time"
)

// MessageType identifies how a message body should be rendered
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
)

// DeliveryState distinguishes optimistic placeholders from server-confirmed messages
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
)

// MetadataClientID is the metadata key carrying the client-side correlation id
const MetadataClientID = "client_id"

// Sender identifies the author of a message
type Sender struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName returns the sender's name for display
func (s Sender) DisplayName() string {
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// Delivery is the tagged Pending(localID) | Confirmed(serverID) variant of a message
type Delivery struct {
	State    DeliveryState `json:"state"`
	LocalID  string        `json:"local_id,omitempty"`
	ServerID string        `json:"server_id,omitempty"`
}

// Pending reports whether the message is still an optimistic placeholder
func (d Delivery) Pending() bool {
	return d.State == DeliveryPending
}

// Message is a single entry in a conversation thread
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"booking_id"`
	Sender         Sender         `json:"sender"`
	Text           string         `json:"message_text"`
	Type           MessageType    `json:"message_type"`
	CreatedAt      time.Time      `json:"created_at"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Delivery       Delivery       `json:"-"`
}

// ClientID returns the correlation id the message was submitted with, if any
func (m *Message) ClientID() string {
	if m.Metadata == nil {
		return ""
	}
	if id, ok := m.Metadata[MetadataClientID].(string); ok {
		return id
	}
	return ""
}

// IsRead reports whether the recipient acknowledged the message
func (m *Message) IsRead() bool {
	return m.ReadAt != nil
}

// Confirm marks a server-sourced message as confirmed
func (m *Message) Confirm() {
	m.Delivery = Delivery{State: DeliveryConfirmed, ServerID: m.ID}
}

// Clone returns a copy that shares no mutable state with m
func (m Message) Clone() Message {
	if m.ReadAt != nil {
		readAt := *m.ReadAt
		m.ReadAt = &readAt
	}
	if m.Metadata != nil {
		metadata := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			metadata[k] = v
		}
		m.Metadata = metadata
	}
	return m
}

// OutboundMessage is a message submitted by the current user
type OutboundMessage struct {
	ConversationID string
	ClientID       string
	Text           string
	Type           MessageType
	Metadata       map[string]any
}

// Pagination describes a page of a bulk message fetch
type Pagination struct {
	CurrentPage int `json:"current_page"`
	TotalPages  int `json:"total_pages"`
	TotalCount  int `json:"total_count"`
	PerPage     int `json:"per_page"`
}

// MessagePage is the result of a bulk conversation fetch
type MessagePage struct {
	Messages     []Message     `json:"messages"`
	Pagination   Pagination    `json:"pagination"`
	Conversation *Conversation `json:"booking,omitempty"`
}
