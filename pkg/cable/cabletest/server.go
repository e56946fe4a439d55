// Package cabletest provides an in-process cable server for tests.
package cabletest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Command is a client frame received by the server
type Command struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

// Server accepts cable connections, answers subscriptions and records commands
type Server struct {
	// URL is the ws:// address of the server
	URL string

	srv *httptest.Server

	mu           sync.Mutex
	conns        map[*websocket.Conn]struct{}
	rejected     map[string]bool
	subscribed   map[string]bool
	commands     []Command
	tokens       []string
	pingInterval time.Duration
	silent       bool
}

// NewServer starts a server that welcomes every connection and confirms every subscription
func NewServer() *Server {
	s := &Server{
		conns:      make(map[*websocket.Conn]struct{}),
		rejected:   make(map[string]bool),
		subscribed: make(map[string]bool),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	return s
}

// Reject makes the server reject subscriptions for identifier
func (s *Server) Reject(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[identifier] = true
}

// SetPingInterval makes the server send ping frames on new connections
func (s *Server) SetPingInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingInterval = d
}

// SetSilent stops the server from sending welcome frames on new connections
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Subscribed reports whether identifier currently has a confirmed subscription
func (s *Server) Subscribed(identifier string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[identifier]
}

// Commands returns every received command with the given name
func (s *Server) Commands(name string) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Command
	for _, c := range s.commands {
		if c.Command == name {
			out = append(out, c)
		}
	}
	return out
}

// Performed decodes the data of every message command sent on identifier
func (s *Server) Performed(identifier string) []map[string]any {
	var out []map[string]any
	for _, c := range s.Commands("message") {
		if c.Identifier != identifier {
			continue
		}
		var data map[string]any
		if json.Unmarshal([]byte(c.Data), &data) == nil {
			out = append(out, data)
		}
	}
	return out
}

// Tokens returns the credentials presented by each connection, in order
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Connections returns the number of open connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast sends message on identifier to every open connection
func (s *Server) Broadcast(identifier string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(map[string]any{
		"identifier": identifier,
		"message":    json.RawMessage(payload),
	})
	if err != nil {
		return err
	}
	return s.writeAll(frame)
}

// SendDisconnect sends a disconnect frame to every open connection
func (s *Server) SendDisconnect(reason string, reconnect bool) error {
	frame, _ := json.Marshal(map[string]any{
		"type":      "disconnect",
		"reason":    reason,
		"reconnect": reconnect,
	})
	return s.writeAll(frame)
}

// DropConnections closes every open connection without a close handshake
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseNow()
	}
}

// Close drops every connection and shuts the server down
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) writeAll(frame []byte) error {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"actioncable-v1-json"},
	})
	if err != nil {
		return
	}
	defer c.CloseNow()

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.tokens = append(s.tokens, r.URL.Query().Get("token"))
	pingInterval := s.pingInterval
	silent := s.silent
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !silent {
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"welcome"}`))
	}
	if pingInterval > 0 {
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ticker.C:
					frame, _ := json.Marshal(map[string]any{"type": "ping", "message": t.Unix()})
					if c.Write(ctx, websocket.MessageText, frame) != nil {
						return
					}
				}
			}
		}()
	}

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var cmd Command
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		s.record(ctx, c, cmd)
	}
}

func (s *Server) record(ctx context.Context, c *websocket.Conn, cmd Command) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	var reply string
	switch cmd.Command {
	case "subscribe":
		if s.rejected[cmd.Identifier] {
			reply = "reject_subscription"
		} else {
			s.subscribed[cmd.Identifier] = true
			reply = "confirm_subscription"
		}
	case "unsubscribe":
		delete(s.subscribed, cmd.Identifier)
	}
	s.mu.Unlock()

	if reply != "" {
		frame, _ := json.Marshal(map[string]string{"type": reply, "identifier": cmd.Identifier})
		_ = c.Write(ctx, websocket.MessageText, frame)
	}
}
