package connection

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OverflowPolicy decides what happens when a connection's outbound queue is full.
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued message to make room, so the latest state wins.
	DropOldest OverflowPolicy = "drop_oldest"
	// Evict closes the connection.
	Evict OverflowPolicy = "evict"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DropOldest, Evict:
		return p, nil
	case "":
		return DropOldest, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q (want %s or %s)", s, DropOldest, Evict)
}

type HeartbeatConfig struct {
	// Interval between pings. Zero disables heartbeats.
	Interval time.Duration `mapstructure:"interval"`
	// Timeout after the last ack at which a connection is evicted.
	Timeout time.Duration `mapstructure:"timeout"`
}

type Config struct {
	QueueCapacity  int            `mapstructure:"queueCapacity"`
	OverflowPolicy OverflowPolicy `mapstructure:"overflowPolicy"`
	WriteTimeout   time.Duration  `mapstructure:"writeTimeout"`
	// MaxConnections caps concurrently open connections; zero means unlimited.
	MaxConnections int             `mapstructure:"maxConnections"`
	Heartbeat      HeartbeatConfig `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity:  256,
		OverflowPolicy: DropOldest,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 1000,
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  60 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.QueueCapacity <= 0 {
		errs = append(errs, errors.New("connection.queueCapacity must be positive"))
	}
	if _, err := ParseOverflowPolicy(string(c.OverflowPolicy)); err != nil {
		errs = append(errs, fmt.Errorf("connection.overflowPolicy: %w", err))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("connection.writeTimeout must be positive"))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, errors.New("connection.maxConnections must not be negative"))
	}
	if c.Heartbeat.Interval < 0 {
		errs = append(errs, errors.New("heartbeat.interval must not be negative"))
	}
	if c.Heartbeat.Interval > 0 && c.Heartbeat.Timeout < c.Heartbeat.Interval {
		errs = append(errs, errors.New("heartbeat.timeout must be at least heartbeat.interval"))
	}
	return errors.Join(errs...)
}
