// Package nats forwards relayed change events to a NATS JetStream stream, so services
// that are not WebSocket clients can consume the same feed.
//
// Subjects follow `<prefix>.<schema>.<table>.<operation>`, eg
//
//	pgrelay.public.orders.insert
//	pgrelay.inventory.products.delete
//
// Undecodable notifications are published on `<prefix>.raw.<channel>`.
package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/edgeflare/pgrelay/pkg/realtime/change"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var errConnNotInitialized = errors.New("NATS connection not initialized")

// Config represents NATS configuration
type Config struct {
	Enabled       bool     `mapstructure:"enabled"`
	Servers       []string `mapstructure:"servers"`
	Stream        string   `mapstructure:"stream"`
	SubjectPrefix string   `mapstructure:"subjectPrefix"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	TLS           struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
		CAFile   string `mapstructure:"caFile"`
	} `mapstructure:"tls"`
}

func (c Config) withDefaults() Config {
	if len(c.Servers) == 0 {
		c.Servers = []string{nats.DefaultURL}
	}
	c.SubjectPrefix = cmp.Or(c.SubjectPrefix, "pgrelay")
	c.Stream = cmp.Or(c.Stream, c.SubjectPrefix+"-changes")
	return c
}

// publisher is the subset of nats.JetStreamContext used to publish.
type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Forwarder publishes change events to JetStream.
type Forwarder struct {
	nc     *nats.Conn
	js     publisher
	config Config
	logger *zap.Logger
}

// Connect dials the first reachable server and makes sure the stream exists.
func Connect(config Config, logger *zap.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	var (
		nc  *nats.Conn
		err error
	)
	opts := defaultOptions(config)
	for _, server := range config.Servers {
		nc, err = nats.Connect(server, opts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if err := ensureStream(js, config, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	logger.Info("forwarding events to NATS",
		zap.String("stream", config.Stream), zap.String("subject_prefix", config.SubjectPrefix))
	return &Forwarder{nc: nc, js: js, config: config, logger: logger}, nil
}

func (f *Forwarder) Name() string { return "nats" }

// Forward publishes ev as JSON on its subject and waits for the stream ack.
func (f *Forwarder) Forward(ctx context.Context, ev change.Event) error {
	if f.js == nil {
		return errConnNotInitialized
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if _, err := f.js.Publish(Subject(f.config.SubjectPrefix, ev), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (f *Forwarder) Close() error {
	if f.nc == nil {
		return nil
	}
	return f.nc.Drain()
}

// Subject returns the subject ev is published on.
func Subject(prefix string, ev change.Event) string {
	if ev.Operation == change.OpRaw || ev.Table == "" {
		return strings.Join([]string{prefix, "raw", token(ev.Channel)}, ".")
	}
	return strings.Join([]string{prefix, token(cmp.Or(ev.Schema, "public")), token(ev.Table), string(ev.Operation)}, ".")
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

type streamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// ensureStream creates or updates the stream
func ensureStream(js streamManager, c Config, logger *zap.Logger) error {
	config := &nats.StreamConfig{
		Name:     c.Stream,
		Subjects: []string{c.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		Replicas: 1,
		MaxAge:   24 * time.Hour,
	}

	stream, err := js.StreamInfo(c.Stream)
	if err == nil {
		if !streamConfigEqual(stream.Config, *config) {
			if _, err = js.UpdateStream(config); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			logger.Info("updated stream", zap.String("stream", c.Stream))
		}
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	logger.Info("created stream", zap.String("stream", c.Stream))
	return nil
}

// streamConfigEqual checks if two nats.StreamConfig are equivalent
func streamConfigEqual(a, b nats.StreamConfig) bool {
	return a.Name == b.Name &&
		a.Storage == b.Storage &&
		a.Replicas == b.Replicas &&
		a.MaxAge == b.MaxAge &&
		slices.Equal(a.Subjects, b.Subjects)
}

func defaultOptions(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Name("pgrelay"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}

	return opts
}
