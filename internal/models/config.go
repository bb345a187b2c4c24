package models

type ServerConfig struct {
	Port                int `json:"port"`
	ReadTimeoutSec      int `json:"readTimeoutSec"`
	WriteTimeoutSec     int `json:"writeTimeoutSec"`
	IdleTimeoutSec      int `json:"idleTimeoutSec"`
	ShutdownTimeoutSec  int `json:"shutdownTimeoutSec"`
	CleanupIntervalMins int `json:"cleanupIntervalMins"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

// RedisConfig selects the distributed backends. An empty Addr runs the
// process in single-node mode on the in-memory queue, bus and cache.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type QueueConfig struct {
	MaxAttempts          int `json:"maxAttempts"`
	VisibilityTimeoutSec int `json:"visibilityTimeoutSec"`
	DirectWorkers        int `json:"directWorkers"`
	GroupWorkers         int `json:"groupWorkers"`
	DeadRetentionHours   int `json:"deadRetentionHours"`
}

type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
}

type MediaConfig struct {
	UploadURL  string `json:"uploadUrl"`
	TimeoutSec int    `json:"timeoutSec"`
	MaxBytes   int64  `json:"maxBytes"`
}

type CacheConfig struct {
	ConversationTTLSec int `json:"conversationTtlSec"`
	GroupMembersTTLSec int `json:"groupMembersTtlSec"`
}

type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseStdout      bool    `json:"useStdout"`
}

type Config struct {
	LogLevel string         `json:"logLevel"`
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Queue    QueueConfig    `json:"queue"`
	Retry    RetryConfig    `json:"retry"`
	Media    MediaConfig    `json:"media"`
	Cache    CacheConfig    `json:"cache"`
	Tracing  TracingConfig  `json:"tracing"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
