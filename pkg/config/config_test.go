package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "6002", cfg.Server.Port)
	assert.Equal(t, 10, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.Redis.DialTimeout)
	assert.Equal(t, 5*time.Second, cfg.Monitor.DataFetchInterval)
	assert.Equal(t, 30*time.Second, cfg.Monitor.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Monitor.WorkerPoolSize)
	assert.Equal(t, 64, cfg.Monitor.MaxConcurrentChecks)
	assert.Equal(t, 3, cfg.Monitor.StartupPingAttempts)
	assert.Equal(t, 3*time.Second, cfg.Notifier.Timeout)
	assert.Empty(t, cfg.Notifier.Sinks)
	assert.Equal(t, "alarm.events", cfg.Notifier.NATS.Subject)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ALARM_SERVER_PORT", "7000")
	t.Setenv("ALARM_REDIS_ADDR", "redis:6380")
	t.Setenv("ALARM_MONITOR_WORKERPOOLSIZE", "8")
	t.Setenv("ALARM_MONITOR_DATAFETCHINTERVAL", "250ms")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 8, cfg.Monitor.WorkerPoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.DataFetchInterval)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
store:
  driver: postgres
  dsn: postgres://alarm@localhost/alarm?sslmode=disable
notifier:
  sinks:
    - http://localhost:9000/hook
  kafka:
    brokers: ["localhost:9092"]
    topic: alarms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, []string{"http://localhost:9000/hook"}, cfg.Notifier.Sinks)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Notifier.Kafka.Brokers)
	assert.Equal(t, "alarms", cfg.Notifier.Kafka.Topic)
	assert.Equal(t, "6002", cfg.Server.Port)
}

func TestAllowedOriginList(t *testing.T) {
	assert.Equal(t, []string{"*"}, ServerConfig{AllowedOrigins: "*"}.AllowedOriginList())
	assert.Equal(t, []string{"http://a", "http://b"}, ServerConfig{AllowedOrigins: " http://a, ,http://b "}.AllowedOriginList())
	assert.Empty(t, ServerConfig{}.AllowedOriginList())
}
