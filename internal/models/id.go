package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// flexibleID accepts identifiers encoded either as JSON numbers or strings
type flexibleID string

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid identifier %s: %w", string(data), err)
	}
	*id = flexibleID(n.String())
	return nil
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		ID             flexibleID `json:"id"`
		ConversationID flexibleID `json:"booking_id"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.ID = string(aux.ID)
	m.ConversationID = string(aux.ConversationID)
	return nil
}

func (s *Sender) UnmarshalJSON(data []byte) error {
	type alias Sender
	aux := struct {
		*alias
		ID flexibleID `json:"id"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.ID = string(aux.ID)
	return nil
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	type alias Conversation
	aux := struct {
		*alias
		ID flexibleID `json:"id"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.ID = string(aux.ID)
	return nil
}
