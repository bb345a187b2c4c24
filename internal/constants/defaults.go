package constants

const (
	// Server defaults
	DefaultServerPort         = 8090
	DefaultReadTimeoutSec     = 15
	DefaultWriteTimeoutSec    = 15
	DefaultIdleTimeoutSec     = 60
	DefaultShutdownTimeoutSec = 30

	// Queue defaults
	DefaultMaxAttempts          = 3
	DefaultVisibilityTimeoutSec = 30
	DefaultDirectWorkers        = 4
	DefaultGroupWorkers         = 2
	DefaultDeadRetentionHours   = 72
	DefaultDequeueBlockSec      = 2
	DefaultJanitorIntervalSec   = 1

	// Retry defaults
	DefaultInitialBackoffMs    = 500
	DefaultMaxBackoffMs        = 30000
	DefaultStoreConnectRetries = 5

	// Cache defaults
	DefaultConversationTTLSec = 300
	DefaultGroupMembersTTLSec = 30

	// Media defaults
	DefaultMediaTimeoutSec = 30
	DefaultMediaMaxBytes   = 32 << 20

	// Bus defaults
	DefaultSubscriberBuffer = 64

	// Cleanup defaults
	DefaultCleanupIntervalMins = 60

	// Channel sizes
	ServerErrorChannelSize = 1
)
