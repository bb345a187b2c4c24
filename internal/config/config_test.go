package config

import (
	"os"
	"path/filepath"
	"testing"

	"chatpipe/internal/constants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig_Minimal(t *testing.T) {
	path := writeConfig(t, `{
		"database": {"path": "/tmp/chatpipe.db"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/chatpipe.db", cfg.Database.Path)
	assert.Equal(t, constants.DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, constants.DefaultMaxAttempts, cfg.Queue.MaxAttempts)
	assert.Equal(t, constants.DefaultVisibilityTimeoutSec, cfg.Queue.VisibilityTimeoutSec)
	assert.Equal(t, constants.DefaultDirectWorkers, cfg.Queue.DirectWorkers)
	assert.Equal(t, constants.DefaultGroupWorkers, cfg.Queue.GroupWorkers)
	assert.Equal(t, constants.DefaultGroupMembersTTLSec, cfg.Cache.GroupMembersTTLSec)
}

func TestLoadConfig_ExplicitValuesSurviveDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"database": {"path": "/tmp/chatpipe.db"},
		"server": {"port": 9090},
		"queue": {"maxAttempts": 5, "directWorkers": 8},
		"redis": {"addr": "redis:6379", "db": 2}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 8, cfg.Queue.DirectWorkers)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
}

func TestLoadConfig_MissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `{"server": {"port": 8080}}`)

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrMissingDBPath)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadConfig_RejectsPathTraversal(t *testing.T) {
	_, err := LoadConfig("../../etc/passwd")
	assert.Error(t, err)
}

func TestLoadConfig_ValidationBounds(t *testing.T) {
	path := writeConfig(t, `{
		"database": {"path": "/tmp/chatpipe.db"},
		"queue": {"maxAttempts": -1}
	}`)
	_, err := LoadConfig(path)
	assert.Error(t, err)

	path = writeConfig(t, `{
		"database": {"path": "/tmp/chatpipe.db"},
		"tracing": {"sampleRate": 1.5}
	}`)
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CHATPIPE_REDIS_ADDR", "envredis:6379")
	t.Setenv("CHATPIPE_PORT", "7070")
	t.Setenv("CHATPIPE_LOG_LEVEL", "debug")

	path := writeConfig(t, `{
		"database": {"path": "/tmp/chatpipe.db"},
		"server": {"port": 8080},
		"redis": {"addr": "fileredis:6379"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "envredis:6379", cfg.Redis.Addr)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}
