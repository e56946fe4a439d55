package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"spacechat/internal/constants"
	"spacechat/internal/models"
	"spacechat/internal/security"
	"spacechat/internal/validation"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingAPIURL   = models.ConfigError{Message: "missing message API base URL"}
	ErrInvalidAPIURL   = models.ConfigError{Message: "message API base URL must be an absolute http(s) URL"}
	ErrInvalidCableURL = models.ConfigError{Message: "cable URL must be an absolute ws(s) URL"}
	ErrMissingDBPath   = models.ConfigError{Message: "missing cache database path"}
)

// LoadConfig reads the configuration file at path. Files ending in .yaml or
// .yml are decoded as YAML, everything else as JSON.
func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := decode(path, file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func decode(path string, data []byte, c *models.Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse json config: %w", err)
		}
	}
	return nil
}

func validate(c *models.Config) error {
	if c.API.BaseURL == "" {
		return ErrMissingAPIURL
	}
	apiURL, err := url.Parse(c.API.BaseURL)
	if err != nil || (apiURL.Scheme != "http" && apiURL.Scheme != "https") || apiURL.Host == "" {
		return ErrInvalidAPIURL
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")

	if !c.Cable.Disabled {
		if c.Cable.URL == "" {
			c.Cable.URL = DeriveCableURL(apiURL)
		}
		cableURL, err := url.Parse(c.Cable.URL)
		if err != nil || (cableURL.Scheme != "ws" && cableURL.Scheme != "wss") || cableURL.Host == "" {
			return ErrInvalidCableURL
		}
	}

	if c.Cache.Enabled {
		if c.Cache.Path == "" {
			c.Cache.Path = constants.DefaultCachePath
		}
		if err := security.ValidateFilePath(c.Cache.Path); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid cache path: %v", err)}
		}
	}

	if c.Messaging.MaxMessageLength < 0 {
		return models.ConfigError{Message: "max_message_length cannot be negative"}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: fmt.Sprintf("tracing sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate)}
	}
	if c.LogLevel != "" {
		switch strings.ToLower(c.LogLevel) {
		case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
		default:
			return models.ConfigError{Message: fmt.Sprintf("unknown log level: %s", c.LogLevel)}
		}
	}

	applyDefaults(c)

	for _, timeout := range []struct {
		name  string
		value int
	}{
		{"api.timeout_sec", c.API.TimeoutSec},
		{"cable.connect_timeout_sec", c.Cable.ConnectTimeoutSec},
		{"cable.ping_timeout_sec", c.Cable.PingTimeoutSec},
		{"messaging.request_timeout_sec", c.Messaging.RequestTimeoutSec},
	} {
		if err := validation.ValidateTimeout(timeout.value, timeout.name); err != nil {
			return models.ConfigError{Message: err.Error()}
		}
	}
	if err := validation.ValidateNumericRange(c.Retry.MaxAttempts, "retry.max_attempts", 1, 100); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	return nil
}

func applyDefaults(c *models.Config) {
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.API.UserAgent == "" {
		c.API.UserAgent = constants.DefaultUserAgent
	}
	if c.API.MaxRetries <= 0 {
		c.API.MaxRetries = constants.DefaultAPIMaxRetries
	}
	if c.API.RetryBackoffMs <= 0 {
		c.API.RetryBackoffMs = constants.DefaultAPIRetryBackoffMs
	}

	if c.Cable.ChannelName == "" {
		c.Cable.ChannelName = constants.DefaultChannelName
	}
	if c.Cable.HealthCheckIntervalMs <= 0 {
		c.Cable.HealthCheckIntervalMs = constants.DefaultHealthCheckIntervalMs
	}
	if c.Cable.ConnectTimeoutSec <= 0 {
		c.Cable.ConnectTimeoutSec = constants.DefaultConnectTimeoutSec
	}
	if c.Cable.PingTimeoutSec <= 0 {
		c.Cable.PingTimeoutSec = constants.DefaultPingTimeoutSec
	}
	if c.Cable.SubscribeDelayMs <= 0 {
		c.Cable.SubscribeDelayMs = constants.DefaultSubscribeDelayMs
	}

	if c.Messaging.MaxMessageLength == 0 {
		c.Messaging.MaxMessageLength = constants.DefaultMaxMessageLength
	}
	if c.Messaging.FocusedPollSec <= 0 {
		c.Messaging.FocusedPollSec = constants.DefaultFocusedPollSec
	}
	if c.Messaging.BackgroundPollSec <= 0 {
		c.Messaging.BackgroundPollSec = constants.DefaultBackgroundPollSec
	}
	if c.Messaging.TypingExpiryMs <= 0 {
		c.Messaging.TypingExpiryMs = constants.DefaultTypingExpiryMs
	}
	if c.Messaging.LocalTypingIdleMs <= 0 {
		c.Messaging.LocalTypingIdleMs = constants.DefaultLocalTypingIdleMs
	}
	if c.Messaging.RequestTimeoutSec <= 0 {
		c.Messaging.RequestTimeoutSec = constants.DefaultRequestTimeoutSec
	}

	if c.Unread.PollIntervalSec <= 0 {
		c.Unread.PollIntervalSec = constants.DefaultUnreadPollSec
	}
	if c.Unread.UnavailablePollSec <= 0 {
		c.Unread.UnavailablePollSec = constants.DefaultUnreadUnavailablePollSec
	}
	if c.Unread.BreakerMaxFailures <= 0 {
		c.Unread.BreakerMaxFailures = constants.DefaultUnreadBreakerMaxFailures
	}
	if c.Unread.BreakerCooldownSec <= 0 {
		c.Unread.BreakerCooldownSec = constants.DefaultUnreadBreakerCooldownSec
	}
	if c.Unread.RefreshDelayMs <= 0 {
		c.Unread.RefreshDelayMs = constants.DefaultUnreadRefreshDelayMs
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultReconnectInitialMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultReconnectMaxMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultReconnectMaxAttempts
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "spacechat"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}

	if c.Server.Addr == "" {
		c.Server.Addr = constants.DefaultStatusAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// DeriveCableURL maps the API origin onto the live channel endpoint:
// http(s)://host/api/v1 becomes ws(s)://host/cable.
func DeriveCableURL(api *url.URL) string {
	scheme := "ws"
	if api.Scheme == "https" {
		scheme = "wss"
	}
	return (&url.URL{Scheme: scheme, Host: api.Host, Path: "/cable"}).String()
}

func applyEnvironmentOverrides(c *models.Config) {
	if v := os.Getenv("SPACECHAT_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("SPACECHAT_WS_URL"); v != "" {
		c.Cable.URL = v
	}
	// SECURITY: tokens should be provided through the environment, not the config file
	if v := os.Getenv("SPACECHAT_TOKEN"); v != "" {
		c.Session.Token = v
	}
	if v := os.Getenv("SPACECHAT_USER_ID"); v != "" {
		c.Session.UserID = v
	}
	if v := os.Getenv("SPACECHAT_DB_PATH"); v != "" {
		c.Cache.Path = v
	}
	if v := os.Getenv("SPACECHAT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
