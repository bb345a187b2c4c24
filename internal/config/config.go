package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"chatpipe/internal/constants"
	"chatpipe/internal/models"
	"chatpipe/internal/security"
)

var (
	ErrMissingDBPath = models.ConfigError{Message: "missing database path"}
)

// LoadConfig reads and validates the JSON config file, then applies
// environment overrides and defaults.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	applyDefaults(&config)

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if err := security.ValidateFilePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
	}
	if c.Queue.MaxAttempts < 0 {
		return models.ConfigError{Message: "queue maxAttempts must not be negative"}
	}
	if c.Queue.VisibilityTimeoutSec < 0 {
		return models.ConfigError{Message: "queue visibilityTimeoutSec must not be negative"}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sampleRate must be between 0 and 1"}
	}
	return nil
}

func applyDefaults(c *models.Config) {
	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = constants.DefaultReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = constants.DefaultWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = constants.DefaultIdleTimeoutSec
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = constants.DefaultShutdownTimeoutSec
	}
	if c.Server.CleanupIntervalMins == 0 {
		c.Server.CleanupIntervalMins = constants.DefaultCleanupIntervalMins
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = constants.DefaultMaxAttempts
	}
	if c.Queue.VisibilityTimeoutSec == 0 {
		c.Queue.VisibilityTimeoutSec = constants.DefaultVisibilityTimeoutSec
	}
	if c.Queue.DirectWorkers == 0 {
		c.Queue.DirectWorkers = constants.DefaultDirectWorkers
	}
	if c.Queue.GroupWorkers == 0 {
		c.Queue.GroupWorkers = constants.DefaultGroupWorkers
	}
	if c.Queue.DeadRetentionHours == 0 {
		c.Queue.DeadRetentionHours = constants.DefaultDeadRetentionHours
	}
	if c.Retry.InitialBackoffMs == 0 {
		c.Retry.InitialBackoffMs = constants.DefaultInitialBackoffMs
	}
	if c.Retry.MaxBackoffMs == 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Cache.ConversationTTLSec == 0 {
		c.Cache.ConversationTTLSec = constants.DefaultConversationTTLSec
	}
	if c.Cache.GroupMembersTTLSec == 0 {
		c.Cache.GroupMembersTTLSec = constants.DefaultGroupMembersTTLSec
	}
	if c.Media.TimeoutSec == 0 {
		c.Media.TimeoutSec = constants.DefaultMediaTimeoutSec
	}
	if c.Media.MaxBytes == 0 {
		c.Media.MaxBytes = constants.DefaultMediaMaxBytes
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	if addr := os.Getenv("CHATPIPE_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pw := os.Getenv("CHATPIPE_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if db := os.Getenv("CHATPIPE_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.Redis.DB = n
		}
	}
	if port := os.Getenv("CHATPIPE_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Server.Port = n
		}
	}
	if level := os.Getenv("CHATPIPE_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if url := os.Getenv("CHATPIPE_MEDIA_UPLOAD_URL"); url != "" {
		c.Media.UploadURL = url
	}
}
