package models

// Config holds the application configuration
type Config struct {
	API       APIConfig       `json:"api" yaml:"api"`
	Cable     CableConfig     `json:"cable" yaml:"cable"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Messaging MessagingConfig `json:"messaging" yaml:"messaging"`
	Unread    UnreadConfig    `json:"unread" yaml:"unread"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// APIConfig holds the request/response message API settings
type APIConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	TimeoutSec     int    `json:"timeout_sec" yaml:"timeout_sec"`
	UserAgent      string `json:"user_agent" yaml:"user_agent"`
	MaxRetries     int    `json:"max_retries" yaml:"max_retries"`
	RetryBackoffMs int    `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
}

// CableConfig holds live channel settings
type CableConfig struct {
	URL                   string `json:"url" yaml:"url"`
	Disabled              bool   `json:"disabled" yaml:"disabled"`
	ChannelName           string `json:"channel_name" yaml:"channel_name"`
	HealthCheckIntervalMs int    `json:"health_check_interval_ms" yaml:"health_check_interval_ms"`
	ConnectTimeoutSec     int    `json:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	PingTimeoutSec        int    `json:"ping_timeout_sec" yaml:"ping_timeout_sec"`
	SubscribeDelayMs      int    `json:"subscribe_delay_ms" yaml:"subscribe_delay_ms"`
}

// SessionConfig holds the credentials used by the CLI
type SessionConfig struct {
	UserID    string `json:"user_id" yaml:"user_id"`
	FirstName string `json:"first_name" yaml:"first_name"`
	Token     string `json:"token" yaml:"token"`
}

// MessagingConfig holds store, feed and typing settings
type MessagingConfig struct {
	MaxMessageLength  int `json:"max_message_length" yaml:"max_message_length"`
	FocusedPollSec    int `json:"focused_poll_sec" yaml:"focused_poll_sec"`
	BackgroundPollSec int `json:"background_poll_sec" yaml:"background_poll_sec"`
	TypingExpiryMs    int `json:"typing_expiry_ms" yaml:"typing_expiry_ms"`
	LocalTypingIdleMs int `json:"local_typing_idle_ms" yaml:"local_typing_idle_ms"`
	RequestTimeoutSec int `json:"request_timeout_sec" yaml:"request_timeout_sec"`
}

// UnreadConfig holds unread aggregator settings
type UnreadConfig struct {
	PollIntervalSec    int `json:"poll_interval_sec" yaml:"poll_interval_sec"`
	UnavailablePollSec int `json:"unavailable_poll_sec" yaml:"unavailable_poll_sec"`
	BreakerMaxFailures int `json:"breaker_max_failures" yaml:"breaker_max_failures"`
	BreakerCooldownSec int `json:"breaker_cooldown_sec" yaml:"breaker_cooldown_sec"`
	RefreshDelayMs     int `json:"refresh_delay_ms" yaml:"refresh_delay_ms"`
}

// CacheConfig holds the local offline snapshot settings
type CacheConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// RetryConfig holds reconnect backoff settings
type RetryConfig struct {
	InitialBackoffMs int `json:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms" yaml:"max_backoff_ms"`
	MaxAttempts      int `json:"max_attempts" yaml:"max_attempts"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	ServiceVersion string  `json:"service_version" yaml:"service_version"`
	Environment    string  `json:"environment" yaml:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"`
	UseStdout      bool    `json:"use_stdout" yaml:"use_stdout"`
}

// ServerConfig holds the local status endpoint settings
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
