package constants

// Live channel defaults
const (
	DefaultChannelName           = "MessagesChannel"
	DefaultHealthCheckIntervalMs = 1000
	DefaultConnectTimeoutSec     = 30
	DefaultPingTimeoutSec        = 9
	DefaultSubscribeDelayMs      = 2000
	DefaultReconnectInitialMs    = 1000
	DefaultReconnectMaxMs        = 30000
	DefaultReconnectMaxAttempts  = 5
	DefaultCableWriteTimeoutSec  = 10
	DefaultCableReadLimitBytes   = 1 << 20
)

// Messaging defaults
const (
	DefaultMaxMessageLength     = 1000
	DefaultFocusedPollSec       = 5
	DefaultBackgroundPollSec    = 30
	DefaultTypingExpiryMs       = 3000
	DefaultLocalTypingIdleMs    = 2000
	DefaultRequestTimeoutSec    = 10
	LocalMessageIDPrefix        = "temp-"
	DefaultMessagePreviewLength = 50
	DefaultPendingCheckSec      = 30
	DefaultPendingStaleSec      = 60
)

// Unread aggregator defaults
const (
	DefaultUnreadPollSec            = 30
	DefaultUnreadUnavailablePollSec = 300
	DefaultUnreadBreakerMaxFailures = 3
	DefaultUnreadBreakerCooldownSec = 120
	DefaultUnreadRefreshDelayMs     = 1000
)

// HTTP client defaults
const (
	DefaultHTTPTimeoutSec     = 10
	DefaultAPIMaxRetries      = 3
	DefaultAPIRetryBackoffMs  = 250
	DefaultAPIRetryMaxBackoff = 2000
	DefaultUserAgent          = "spacechat/1.0"
)

// Server and lifecycle defaults
const (
	DefaultStatusAddr            = "127.0.0.1:8090"
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 10
	ServerErrorChannelSize       = 1
	ConfigWatchIntervalSec       = 5
)

// Cache defaults
const (
	DefaultCachePath             = "spacechat.db"
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 100
	DefaultMaxBackoffMs          = 1000
)

// Input limits
const (
	MaxIdentifierLength = 128
	MaxTimeoutSec       = 3600
)

// Privacy settings
const (
	DefaultIDMaskLength    = 4
	DefaultTokenMaskLength = 6
)

// Cache encryption parameters
const (
	EncryptionKeySize    = 32
	EncryptionNonceSize  = 12
	EncryptionIterations = 100000
	EncryptionSalt       = "spacechat-cache-v1"
)
