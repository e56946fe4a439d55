package config

import (
	"os"
	"path/filepath"
	"testing"

	"spacechat/internal/constants"
	"spacechat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	validJSON := `{
		"api": {"base_url": "https://api.example.com/api/v1/", "timeout_sec": 5},
		"cable": {"url": "wss://cable.example.com/cable"},
		"session": {"user_id": "7", "first_name": "Dana"},
		"messaging": {"focused_poll_sec": 3},
		"unread": {"poll_interval_sec": 60},
		"cache": {"enabled": true, "path": "data/cache.db"},
		"log_level": "debug"
	}`

	validYAML := `
api:
  base_url: http://localhost:3000/api/v1
session:
  user_id: "9"
messaging:
  background_poll_sec: 45
log_level: warn
`

	tests := []struct {
		name      string
		file      string
		content   string
		setEnv    map[string]string
		wantError bool
		validate  func(*testing.T, *models.Config)
	}{
		{
			name:    "valid json config",
			file:    "config.json",
			content: validJSON,
			validate: func(t *testing.T, c *models.Config) {
				assert.Equal(t, "https://api.example.com/api/v1", c.API.BaseURL)
				assert.Equal(t, 5, c.API.TimeoutSec)
				assert.Equal(t, "wss://cable.example.com/cable", c.Cable.URL)
				assert.Equal(t, "7", c.Session.UserID)
				assert.Equal(t, 3, c.Messaging.FocusedPollSec)
				assert.Equal(t, constants.DefaultBackgroundPollSec, c.Messaging.BackgroundPollSec)
				assert.Equal(t, 60, c.Unread.PollIntervalSec)
				assert.Equal(t, "data/cache.db", c.Cache.Path)
				assert.Equal(t, "debug", c.LogLevel)
			},
		},
		{
			name:    "valid yaml config derives cable url",
			file:    "config.yaml",
			content: validYAML,
			validate: func(t *testing.T, c *models.Config) {
				assert.Equal(t, "http://localhost:3000/api/v1", c.API.BaseURL)
				assert.Equal(t, "ws://localhost:3000/cable", c.Cable.URL)
				assert.Equal(t, "9", c.Session.UserID)
				assert.Equal(t, 45, c.Messaging.BackgroundPollSec)
				assert.Equal(t, "warn", c.LogLevel)
			},
		},
		{
			name:    "defaults applied",
			file:    "minimal.json",
			content: `{"api": {"base_url": "https://api.example.com"}}`,
			validate: func(t *testing.T, c *models.Config) {
				assert.Equal(t, constants.DefaultChannelName, c.Cable.ChannelName)
				assert.Equal(t, constants.DefaultHealthCheckIntervalMs, c.Cable.HealthCheckIntervalMs)
				assert.Equal(t, constants.DefaultConnectTimeoutSec, c.Cable.ConnectTimeoutSec)
				assert.Equal(t, constants.DefaultSubscribeDelayMs, c.Cable.SubscribeDelayMs)
				assert.Equal(t, constants.DefaultMaxMessageLength, c.Messaging.MaxMessageLength)
				assert.Equal(t, constants.DefaultTypingExpiryMs, c.Messaging.TypingExpiryMs)
				assert.Equal(t, constants.DefaultLocalTypingIdleMs, c.Messaging.LocalTypingIdleMs)
				assert.Equal(t, constants.DefaultUnreadPollSec, c.Unread.PollIntervalSec)
				assert.Equal(t, constants.DefaultUnreadRefreshDelayMs, c.Unread.RefreshDelayMs)
				assert.Equal(t, constants.DefaultReconnectInitialMs, c.Retry.InitialBackoffMs)
				assert.Equal(t, constants.DefaultReconnectMaxMs, c.Retry.MaxBackoffMs)
				assert.Equal(t, constants.DefaultReconnectMaxAttempts, c.Retry.MaxAttempts)
				assert.Equal(t, "spacechat", c.Tracing.ServiceName)
				assert.Equal(t, constants.DefaultStatusAddr, c.Server.Addr)
				assert.Equal(t, "info", c.LogLevel)
				assert.False(t, c.Cache.Enabled)
			},
		},
		{
			name:    "cable disabled skips url",
			file:    "nocable.json",
			content: `{"api": {"base_url": "https://api.example.com"}, "cable": {"disabled": true}}`,
			validate: func(t *testing.T, c *models.Config) {
				assert.True(t, c.Cable.Disabled)
				assert.Empty(t, c.Cable.URL)
			},
		},
		{
			name:    "environment overrides",
			file:    "env.json",
			content: validJSON,
			setEnv: map[string]string{
				"SPACECHAT_API_URL": "https://override.example.com",
				"SPACECHAT_WS_URL":  "wss://override.example.com/cable",
				"SPACECHAT_TOKEN":   "env-token",
				"SPACECHAT_DB_PATH": "override.db",
			},
			validate: func(t *testing.T, c *models.Config) {
				assert.Equal(t, "https://override.example.com", c.API.BaseURL)
				assert.Equal(t, "wss://override.example.com/cable", c.Cable.URL)
				assert.Equal(t, "env-token", c.Session.Token)
				assert.Equal(t, "override.db", c.Cache.Path)
			},
		},
		{
			name:      "missing api url",
			file:      "missing.json",
			content:   `{"cable": {"url": "wss://cable.example.com"}}`,
			wantError: true,
		},
		{
			name:      "non http api url",
			file:      "badapi.json",
			content:   `{"api": {"base_url": "ftp://api.example.com"}}`,
			wantError: true,
		},
		{
			name:      "non websocket cable url",
			file:      "badcable.json",
			content:   `{"api": {"base_url": "https://api.example.com"}, "cable": {"url": "https://cable.example.com"}}`,
			wantError: true,
		},
		{
			name:      "cache path traversal",
			file:      "badcache.json",
			content:   `{"api": {"base_url": "https://api.example.com"}, "cache": {"enabled": true, "path": "../../etc/cache.db"}}`,
			wantError: true,
		},
		{
			name:      "unknown log level",
			file:      "badlevel.json",
			content:   `{"api": {"base_url": "https://api.example.com"}, "log_level": "loud"}`,
			wantError: true,
		},
		{
			name:      "sample rate out of range",
			file:      "badrate.json",
			content:   `{"api": {"base_url": "https://api.example.com"}, "tracing": {"sample_rate": 2}}`,
			wantError: true,
		},
		{
			name:      "timeout out of range",
			file:      "badtimeout.json",
			content:   `{"api": {"base_url": "https://api.example.com", "timeout_sec": 7200}}`,
			wantError: true,
		},
		{
			name:      "too many reconnect attempts",
			file:      "badretry.json",
			content:   `{"api": {"base_url": "https://api.example.com"}, "retry": {"max_attempts": 500}}`,
			wantError: true,
		},
		{
			name:      "malformed json",
			file:      "broken.json",
			content:   `{"api": `,
			wantError: true,
		},
		{
			name:      "malformed yaml",
			file:      "broken.yml",
			content:   "api: [unterminated",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.setEnv {
				t.Setenv(k, v)
			}

			path := writeConfig(t, tt.file, tt.content)
			cfg, err := LoadConfig(path)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadConfig_RejectsTraversalPath(t *testing.T) {
	_, err := LoadConfig("../config.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config path")
}

func TestLoadConfig_ConfigErrorType(t *testing.T) {
	path := writeConfig(t, "config.json", `{}`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Equal(t, ErrMissingAPIURL, err)
}
