package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":8080\"\ndb:\n  dsn: \"memory://\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.UseMemoryStore())
	assert.Equal(t, int32(10), cfg.DB.MaxConns)
	assert.Equal(t, 30*time.Second, cfg.LockTTL())
	assert.Equal(t, "order_events", cfg.RabbitMQ.Exchange)
	assert.Equal(t, 3, cfg.Gateway.FailoverThreshold)
	assert.Equal(t, 50*time.Millisecond, cfg.MarkerRetryBackoff())
	assert.Equal(t, 5*time.Second, cfg.NotifyTimeout())
	assert.Equal(t, "@every 1m", cfg.Reconcile.Schedule)
	assert.Equal(t, 100, cfg.Reconcile.BatchSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":8080\"\ndb:\n  dsn: \"postgres://file\"\ngateway:\n  ws_endpoints: [\"ws://file\"]\n")
	t.Setenv("DB_DSN", "postgres://env")
	t.Setenv("GATEWAY_WS_ENDPOINTS", " ws://a , ,ws://b")
	t.Setenv("RECONCILE_BATCH_SIZE", "25")
	t.Setenv("REFUND_MARKER_RETRY_ATTEMPTS", "nope")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.DB.DSN)
	assert.False(t, cfg.UseMemoryStore())
	assert.Equal(t, []string{"ws://a", "ws://b"}, cfg.Gateway.WSEndpoints)
	assert.Equal(t, 25, cfg.Reconcile.BatchSize)
	assert.Equal(t, 3, cfg.Refund.MarkerRetryAttempts)
}

func TestLoad_DotEnv(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":8080\"\ndb:\n  dsn: \"memory://\"\n")
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RABBITMQ_EXCHANGE=from_dotenv\n"), 0o600))
	t.Setenv("ENV_FILE", envFile)
	t.Cleanup(func() { os.Unsetenv("RABBITMQ_EXCHANGE") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from_dotenv", cfg.RabbitMQ.Exchange)
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]string{
		"missing addr": "db:\n  dsn: \"memory://\"\n",
		"missing dsn":  "server:\n  addr: \":8080\"\n",
		"bad batch":    "server:\n  addr: \":8080\"\ndb:\n  dsn: \"memory://\"\nreconcile:\n  batch_size: 5000\n",
		"negative ttl": "server:\n  addr: \":8080\"\ndb:\n  dsn: \"memory://\"\nredis:\n  lock_ttl_seconds: -1\n",
		"invalid yaml": "server: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "none.env"))
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
