package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromViper_Defaults(t *testing.T) {
	cfg, err := FromViper(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "logistic-request", cfg.PrimaryQueue)
	assert.Equal(t, "logistic-request.dlq", cfg.DeadLetterQueue)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryInitialDelay)
	assert.Equal(t, time.Minute, cfg.RetryMaxDelay)
	assert.Equal(t, 2.0, cfg.RetryMultiplier)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)
	assert.Empty(t, cfg.RedisAddr)
	assert.Zero(t, cfg.MessageMaxAge)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestFromViper_Environment(t *testing.T) {
	t.Setenv("PRIMARY_QUEUE", "dispatch")
	t.Setenv("MAX_ATTEMPTS", "2")
	t.Setenv("RETRY_INITIAL_DELAY", "250ms")
	t.Setenv("WORKER_POOL_SIZE", "1")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MESSAGE_MAX_AGE", "15m")

	cfg, err := FromViper(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "dispatch", cfg.PrimaryQueue)
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryInitialDelay)
	assert.Equal(t, 1, cfg.WorkerPoolSize)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 15*time.Minute, cfg.MessageMaxAge)
}

func TestFromViper_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"zero workers", "WORKER_POOL_SIZE", "0", "WORKER_POOL_SIZE must be at least 1"},
		{"zero prefetch", "PREFETCH_COUNT", "0", "PREFETCH_COUNT must be at least 1"},
		{"negative attempts", "MAX_ATTEMPTS", "-1", "MAX_ATTEMPTS must not be negative"},
		{"shrinking multiplier", "RETRY_MULTIPLIER", "0.5", "RETRY_MULTIPLIER must be at least 1"},
		{"negative max age", "MESSAGE_MAX_AGE", "-1s", "MESSAGE_MAX_AGE must not be negative"},
		{"unknown level", "LOG_LEVEL", "verbose", `LOG_LEVEL "verbose" is not a valid level`},
		{"unknown format", "LOG_FORMAT", "xml", "LOG_FORMAT must be json or text"},
		{"missing queue", "PRIMARY_QUEUE", "", "PRIMARY_QUEUE, RETRY_QUEUE and DEAD_LETTER_QUEUE are required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.val)

			_, err := FromViper(v)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("PRIMARY_QUEUE=from-file\nPREFETCH_COUNT=3\n"), 0o600))

	t.Chdir(dir)
	t.Setenv("PREFETCH_COUNT", "7")

	cfg, err := Load(slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.PrimaryQueue)
	assert.Equal(t, 7, cfg.PrefetchCount, "environment wins over .env")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
