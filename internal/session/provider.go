package session

import (
	"strings"
	"sync"

	apperrors "spacechat/internal/errors"
	"spacechat/internal/models"
	"spacechat/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Session is an authenticated user
type Session struct {
	UserID    string
	FirstName string
	Token     string
}

// Sender returns the session user as a message author
func (s Session) Sender() models.Sender {
	return models.Sender{ID: s.UserID, FirstName: s.FirstName}
}

// Listener is told about logins (a non-nil session) and logouts (nil)
type Listener func(s *Session)

// Provider holds the current session and notifies listeners when it changes
type Provider struct {
	logger *logrus.Logger

	mu        sync.RWMutex
	current   *Session
	listeners map[int]Listener
	nextID    int
}

func NewProvider(logger *logrus.Logger) *Provider {
	if logger == nil {
		logger = logrus.New()
	}
	return &Provider{
		logger:    logger,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers fn for session changes. If a session is active, fn is
// called with it immediately.
func (p *Provider) Subscribe(fn Listener) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	current := p.current
	p.mu.Unlock()

	if current != nil {
		s := *current
		fn(&s)
	}
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Login replaces any active session. Listeners see a logout first.
func (p *Provider) Login(s Session) error {
	s.UserID = strings.TrimSpace(s.UserID)
	s.Token = strings.TrimSpace(s.Token)
	if s.UserID == "" {
		return apperrors.NewValidationError("user_id", "", "user id is required")
	}
	if s.Token == "" {
		return apperrors.NewAuthError("token is required")
	}

	p.mu.Lock()
	previous := p.current
	p.current = &s
	listeners := p.snapshotLocked()
	p.mu.Unlock()

	if previous != nil {
		for _, fn := range listeners {
			fn(nil)
		}
	}
	p.logger.WithFields(logrus.Fields{
		"user_id": privacy.MaskUserID(s.UserID),
		"token":   privacy.MaskToken(s.Token),
	}).Info("Session started")
	for _, fn := range listeners {
		copied := s
		fn(&copied)
	}
	return nil
}

// Logout ends the active session. It is a no-op without one.
func (p *Provider) Logout() {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return
	}
	userID := p.current.UserID
	p.current = nil
	listeners := p.snapshotLocked()
	p.mu.Unlock()

	p.logger.WithField("user_id", privacy.MaskUserID(userID)).Info("Session ended")
	for _, fn := range listeners {
		fn(nil)
	}
}

// Current returns the active session
func (p *Provider) Current() (Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return Session{}, false
	}
	return *p.current, true
}

// Token returns the active bearer token, or "" when logged out
func (p *Provider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return ""
	}
	return p.current.Token
}

func (p *Provider) snapshotLocked() []Listener {
	listeners := make([]Listener, 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}
