package cable

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Server frame types
const (
	frameWelcome     = "welcome"
	framePing        = "ping"
	frameDisconnect  = "disconnect"
	frameConfirm     = "confirm_subscription"
	frameReject      = "reject_subscription"
	commandSubscribe = "subscribe"
	commandLeave     = "unsubscribe"
	commandMessage   = "message"
)

// serverFrame is any frame pushed by the server. Data frames carry an identifier and a message.
type serverFrame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Reconnect  *bool           `json:"reconnect,omitempty"`
}

// clientFrame is a command sent to the server. Identifier and data are JSON encoded strings.
type clientFrame struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

func decodeServerFrame(data []byte) (*serverFrame, error) {
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

func encodeCommand(command, identifier string, payload any) ([]byte, error) {
	frame := clientFrame{Command: command, Identifier: identifier}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		frame.Data = string(data)
	}
	return json.Marshal(frame)
}

// Identifier builds the JSON identifier naming a channel and its parameters
func Identifier(channel string, params map[string]string) string {
	fields := make(map[string]string, len(params)+1)
	for k, v := range params {
		fields[k] = v
	}
	fields["channel"] = channel
	// encoding/json sorts map keys, so equal inputs give equal identifiers
	data, _ := json.Marshal(fields)
	return string(data)
}

func connectURL(base, credential string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse cable url: %w", err)
	}
	if credential != "" {
		q := u.Query()
		q.Set("token", credential)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
