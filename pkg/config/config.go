// Package config loads pgrelay settings from a YAML file, PGRELAY_* environment variables
// and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	natsfwd "github.com/edgeflare/pgrelay/pkg/forward/nats"
	"github.com/edgeflare/pgrelay/pkg/realtime"
	"github.com/edgeflare/pgrelay/pkg/realtime/change"
	"github.com/edgeflare/pgrelay/pkg/realtime/connection"
	"github.com/edgeflare/pgrelay/pkg/realtime/registry"
	"github.com/edgeflare/pgrelay/pkg/realtime/resilience"
	"github.com/edgeflare/pgrelay/pkg/realtime/ws"
	"github.com/mitchellh/mapstructure"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
)

const EnvPrefix = "PGRELAY"

var ErrMissingConnString = errors.New("postgres.connString is required (or set DATABASE_URL)")

// Config holds application-wide configuration
type Config struct {
	Postgres       PostgresConfig             `mapstructure:"postgres"`
	Server         ServerConfig               `mapstructure:"server"`
	Heartbeat      connection.HeartbeatConfig `mapstructure:"heartbeat"`
	Connection     connection.Config          `mapstructure:"connection"`
	Backoff        resilience.Config          `mapstructure:"backoff"`
	Broadcast      registry.Config            `mapstructure:"broadcast"`
	WebSocket      ws.Config                  `mapstructure:"websocket"`
	StartupTimeout time.Duration              `mapstructure:"startupTimeout"`
	EventBuffer    int                        `mapstructure:"eventBuffer"`
	Metrics        MetricsConfig              `mapstructure:"metrics"`
	NATS           natsfwd.Config             `mapstructure:"nats"`
	Triggers       TriggersConfig             `mapstructure:"triggers"`
}

type PostgresConfig struct {
	ConnString string `mapstructure:"connString"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listenAddr"`
	Path            string        `mapstructure:"path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	AllowedOrigins  []string      `mapstructure:"corsAllowedOrigins"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TriggersConfig lists the tables `pgrelay triggers install` attaches notify triggers to.
type TriggersConfig struct {
	Schema string   `mapstructure:"schema"`
	Tables []string `mapstructure:"tables"`
}

// Default returns the built-in configuration. Only the connection string has no default.
func Default() Config {
	rc := realtime.DefaultConfig()
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":4000",
			Path:            "/ws",
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Heartbeat:      rc.Connection.Heartbeat,
		Connection:     rc.Connection,
		Backoff:        rc.Resilience,
		Broadcast:      rc.Registry,
		WebSocket:      rc.WebSocket,
		StartupTimeout: rc.Resilience.StartupTimeout,
		EventBuffer:    rc.EventBuffer,
		Metrics: MetricsConfig{
			Addr: ":9100",
		},
		NATS: natsfwd.Config{
			SubjectPrefix: "pgrelay",
		},
		Triggers: TriggersConfig{
			Schema: "public",
		},
	}
}

// Load reads config from file or environment. An empty cfgFile searches for pgrelay.yaml
// in $HOME/.config and the working directory; a missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := New()
	return Decode(v, cfgFile)
}

// New returns a viper instance with defaults and environment bindings registered, so
// flags can be bound to it before Decode.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names honoured for compatibility with existing deployments.
	_ = v.BindEnv("postgres.connString", EnvPrefix+"_POSTGRES_CONNSTRING", "DATABASE_URL")
	_ = v.BindEnv("connection.maxConnections", EnvPrefix+"_CONNECTION_MAXCONNECTIONS", "MAX_CONNECTIONS")
	return v
}

// Decode reads cfgFile (or the default search path) into v and unmarshals the result.
func Decode(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pgrelay")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		overflowPolicyHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	for key, value := range map[string]any{
		"postgres.connString":       "",
		"server.listenAddr":         d.Server.ListenAddr,
		"server.path":               d.Server.Path,
		"server.shutdownTimeout":    d.Server.ShutdownTimeout,
		"server.corsAllowedOrigins": d.Server.AllowedOrigins,
		"heartbeat.interval":        d.Heartbeat.Interval,
		"heartbeat.timeout":         d.Heartbeat.Timeout,
		"connection.queueCapacity":  d.Connection.QueueCapacity,
		"connection.overflowPolicy": string(d.Connection.OverflowPolicy),
		"connection.writeTimeout":   d.Connection.WriteTimeout,
		"connection.maxConnections": d.Connection.MaxConnections,
		"backoff.initialDelay":      d.Backoff.InitialDelay,
		"backoff.maxDelay":          d.Backoff.MaxDelay,
		"backoff.jitter":            d.Backoff.Jitter,
		"broadcast.channel":         d.Broadcast.BroadcastChannel,
		"broadcast.implicit":        d.Broadcast.ImplicitBroadcast,
		"websocket.readLimit":       d.WebSocket.ReadLimit,
		"websocket.allowedOrigins":  []string{},
		"startupTimeout":            d.StartupTimeout,
		"eventBuffer":               d.EventBuffer,
		"metrics.enabled":           d.Metrics.Enabled,
		"metrics.addr":              d.Metrics.Addr,
		"nats.enabled":              d.NATS.Enabled,
		"nats.servers":              []string{nats.DefaultURL},
		"nats.subjectPrefix":        d.NATS.SubjectPrefix,
		"nats.stream":               d.NATS.Stream,
		"triggers.schema":           d.Triggers.Schema,
		"triggers.tables":           []string{},
	} {
		v.SetDefault(key, value)
	}
}

// overflowPolicyHook accepts overflow policies in any case.
func overflowPolicyHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(connection.OverflowPolicy("")) {
			return data, nil
		}
		return connection.ParseOverflowPolicy(data.(string))
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Postgres.ConnString) == "" {
		errs = append(errs, ErrMissingConnString)
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listenAddr is required"))
	}
	if !strings.HasPrefix(c.Server.Path, "/") || c.Server.Path == "/health" || strings.HasPrefix(c.Server.Path, "/health/") {
		errs = append(errs, fmt.Errorf("server.path %q must start with / and not be under /health", c.Server.Path))
	}
	if strings.TrimSpace(c.Broadcast.BroadcastChannel) == "" {
		errs = append(errs, errors.New("broadcast.channel must not be empty"))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, errors.New("eventBuffer must be positive"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == c.Server.ListenAddr {
		errs = append(errs, errors.New("metrics.addr must differ from server.listenAddr"))
	}

	rc := c.Realtime("")
	if err := rc.Connection.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := rc.Resilience.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Realtime assembles the relay configuration.
func (c *Config) Realtime(version string) realtime.Config {
	rc := realtime.DefaultConfig()
	rc.Registry = c.Broadcast
	if rc.Registry.BroadcastChannel == "" {
		rc.Registry.BroadcastChannel = change.BroadcastChannel
	}
	rc.Connection = c.Connection
	rc.Connection.Heartbeat = c.Heartbeat
	rc.Resilience = c.Backoff
	rc.Resilience.StartupTimeout = c.StartupTimeout
	rc.WebSocket = c.WebSocket
	rc.EventBuffer = c.EventBuffer
	if version != "" {
		rc.Version = version
	}
	return rc
}
