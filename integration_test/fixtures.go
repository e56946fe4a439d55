package integration_test

import (
	"time"

	"spacechat/internal/models"
)

// TestFixtures holds the people and wire payloads shared by the integration tests
type TestFixtures struct {
	self models.Sender
	peer models.Sender
	base time.Time
}

func NewTestFixtures() *TestFixtures {
	return &TestFixtures{
		self: models.Sender{ID: "5", FirstName: "Ana", LastName: "Host"},
		peer: models.Sender{ID: "9", FirstName: "Bob", LastName: "Guest"},
		base: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// Self is the logged-in user
func (f *TestFixtures) Self() models.Sender {
	return f.self
}

// Peer is the other participant of every seeded conversation
func (f *TestFixtures) Peer() models.Sender {
	return f.peer
}

func (f *TestFixtures) SelfJSON() map[string]any {
	return senderJSON(f.self)
}

// PeerMessage is a server message from the peer, minutes after the fixture base time
func (f *TestFixtures) PeerMessage(id int, text string, minutes int) map[string]any {
	return map[string]any{
		"id":           id,
		"message_text": text,
		"message_type": string(models.MessageTypeText),
		"sender":       senderJSON(f.peer),
		"created_at":   f.base.Add(time.Duration(minutes) * time.Minute).Format(time.RFC3339),
	}
}

// Thread is a short booking conversation between the peer and the user
func (f *TestFixtures) Thread() []map[string]any {
	own := f.PeerMessage(2, "Yes, check-in is at 3pm.", 5)
	own["sender"] = senderJSON(f.self)
	return []map[string]any{
		f.PeerMessage(1, "Is the room available this weekend?", 0),
		own,
		f.PeerMessage(3, "Great, see you then!", 7),
	}
}

// NewMessageFrame is the payload the server broadcasts for a message from the peer
func (f *TestFixtures) NewMessageFrame(id int, text string, minutes int) map[string]any {
	return map[string]any{"type": "new_message", "message": f.PeerMessage(id, text, minutes)}
}

// MessageSentFrame is the payload echoing the user's own live send
func (f *TestFixtures) MessageSentFrame(id int, text, clientID string) map[string]any {
	return map[string]any{
		"type": "message_sent",
		"message": map[string]any{
			"id":           id,
			"message_text": text,
			"sender":       senderJSON(f.self),
			"metadata":     map[string]any{models.MetadataClientID: clientID},
			"created_at":   time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}

func (f *TestFixtures) TypingFrame(isTyping bool) map[string]any {
	return map[string]any{"type": "user_typing", "user_id": f.peer.ID, "is_typing": isTyping}
}

func senderJSON(s models.Sender) map[string]any {
	return map[string]any{"id": s.ID, "first_name": s.FirstName, "last_name": s.LastName}
}
