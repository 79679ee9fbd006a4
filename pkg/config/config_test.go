package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeflare/pgrelay/pkg/realtime/connection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the search path and environment of the test process out of Load.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	for _, name := range []string{"DATABASE_URL", "MAX_CONNECTIONS"} {
		if _, ok := os.LookupEnv(name); ok {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Server.ListenAddr)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 60*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 256, cfg.Connection.QueueCapacity)
	assert.Equal(t, connection.DropOldest, cfg.Connection.OverflowPolicy)
	assert.Equal(t, 1000, cfg.Connection.MaxConnections)
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Backoff.MaxDelay)
	assert.InDelta(t, 0.2, cfg.Backoff.Jitter, 1e-9)
	assert.Equal(t, "store:all", cfg.Broadcast.BroadcastChannel)
	assert.True(t, cfg.Broadcast.ImplicitBroadcast)
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 1024, cfg.EventBuffer)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "pgrelay", cfg.NATS.SubjectPrefix)

	assert.ErrorIs(t, cfg.Validate(), ErrMissingConnString)
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	path := writeFile(t, `
postgres:
  connString: postgres://relay@localhost:5432/app
server:
  listenAddr: ":8080"
  path: /realtime
heartbeat:
  interval: 5s
  timeout: 15s
connection:
  queueCapacity: 16
  overflowPolicy: EVICT
backoff:
  initialDelay: 100ms
  maxDelay: 2s
  jitter: 0.1
broadcast:
  channel: app:all
  implicit: false
startupTimeout: 1m
nats:
  enabled: true
  servers: [nats://a:4222, nats://b:4222]
triggers:
  tables: [orders, public.customers]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "/realtime", cfg.Server.Path)
	assert.Equal(t, connection.Evict, cfg.Connection.OverflowPolicy)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.Servers)
	assert.Equal(t, []string{"orders", "public.customers"}, cfg.Triggers.Tables)

	rc := cfg.Realtime("v1.2.3")
	assert.Equal(t, "v1.2.3", rc.Version)
	assert.Equal(t, 5*time.Second, rc.Connection.Heartbeat.Interval)
	assert.Equal(t, 15*time.Second, rc.Connection.Heartbeat.Timeout)
	assert.Equal(t, 16, rc.Connection.QueueCapacity)
	assert.Equal(t, time.Minute, rc.Resilience.StartupTimeout)
	assert.Equal(t, 100*time.Millisecond, rc.Resilience.InitialDelay)
	assert.Equal(t, "app:all", rc.Registry.BroadcastChannel)
	assert.False(t, rc.Registry.ImplicitBroadcast)
}

func TestLoadEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("DATABASE_URL", "postgres://fallback/app")
	t.Setenv("MAX_CONNECTIONS", "5")
	t.Setenv("PGRELAY_CONNECTION_QUEUECAPACITY", "32")
	t.Setenv("PGRELAY_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("PGRELAY_BROADCAST_IMPLICIT", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "postgres://fallback/app", cfg.Postgres.ConnString)
	assert.Equal(t, 5, cfg.Connection.MaxConnections)
	assert.Equal(t, 32, cfg.Connection.QueueCapacity)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	assert.False(t, cfg.Broadcast.ImplicitBroadcast)

	t.Setenv("PGRELAY_POSTGRES_CONNSTRING", "postgres://primary/app")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://primary/app", cfg.Postgres.ConnString)
}

func TestLoadErrors(t *testing.T) {
	isolate(t)

	_, err := Load(writeFile(t, "connection: [unclosed"))
	assert.ErrorContains(t, err, "error reading config file")

	_, err = Load(writeFile(t, "connection:\n  overflowPolicy: block\n"))
	assert.ErrorContains(t, err, "unknown overflow policy")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Postgres.ConnString = "postgres://localhost/app"
	require.NoError(t, cfg.Validate())

	cfg.Server.Path = "/health"
	cfg.Connection.QueueCapacity = 0
	cfg.Heartbeat = connection.HeartbeatConfig{Interval: time.Minute, Timeout: time.Second}
	cfg.Backoff.Jitter = 1.5
	cfg.StartupTimeout = 0
	cfg.Metrics = MetricsConfig{Enabled: true, Addr: cfg.Server.ListenAddr}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"server.path",
		"connection.queueCapacity",
		"heartbeat.timeout",
		"backoff.jitter",
		"startupTimeout",
		"metrics.addr",
	} {
		assert.ErrorContains(t, err, want)
	}

	probes := Default()
	probes.Postgres.ConnString = "postgres://localhost/app"
	probes.Server.Path = "/health/live"
	assert.ErrorContains(t, probes.Validate(), "server.path")
}
