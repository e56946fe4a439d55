package session

import (
	"io"
	"testing"

	apperrors "spacechat/internal/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider() *Provider {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewProvider(logger)
}

func TestProvider_LoginLogout(t *testing.T) {
	p := newTestProvider()
	var seen []string
	unsubscribe := p.Subscribe(func(s *Session) {
		if s == nil {
			seen = append(seen, "logout")
			return
		}
		seen = append(seen, "login:"+s.UserID)
	})

	assert.Equal(t, "", p.Token())

	require.NoError(t, p.Login(Session{UserID: " 5 ", FirstName: "Ana", Token: "tok"}))
	assert.Equal(t, "tok", p.Token())
	current, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "5", current.UserID)
	assert.Equal(t, "5", current.Sender().ID)

	require.NoError(t, p.Login(Session{UserID: "6", Token: "tok2"}))
	p.Logout()
	p.Logout()

	assert.Equal(t, []string{"login:5", "logout", "login:6", "logout"}, seen)
	_, ok = p.Current()
	assert.False(t, ok)

	unsubscribe()
	require.NoError(t, p.Login(Session{UserID: "7", Token: "t"}))
	assert.Len(t, seen, 4)
}

func TestProvider_LoginValidation(t *testing.T) {
	p := newTestProvider()

	err := p.Login(Session{Token: "tok"})
	assert.True(t, apperrors.IsValidationError(err))

	err = p.Login(Session{UserID: "5", Token: "  "})
	assert.Equal(t, apperrors.ErrCodeAuthentication, apperrors.GetCode(err))

	_, ok := p.Current()
	assert.False(t, ok)
}

func TestProvider_SubscribeReplaysActiveSession(t *testing.T) {
	p := newTestProvider()
	require.NoError(t, p.Login(Session{UserID: "5", Token: "tok"}))

	var got *Session
	p.Subscribe(func(s *Session) { got = s })
	require.NotNil(t, got)
	assert.Equal(t, "5", got.UserID)
}
