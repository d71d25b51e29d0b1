package flow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultBufferSize   = 64
	DefaultDrainTimeout = 5 * time.Second
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	codec        Codec
	maxFrameSize int
	bufferSize   uint
	drainTimeout time.Duration

	hostnameResolver HostnameResolver
	maxIdleTimeout   time.Duration
}

func defaultConfig() config {
	return config{
		maxFrameSize:     DefaultMaxFrameSize,
		bufferSize:       DefaultBufferSize,
		drainTimeout:     DefaultDrainTimeout,
		hostnameResolver: CommonNameResolver,
		maxIdleTimeout:   time.Minute,
	}
}

func buildConfig(opts []Option) (config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.codec == nil {
		cfg.codec = NewProtoCodec(cfg.maxFrameSize)
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	return cfg, nil
}

func (cfg *config) logger() *slog.Logger {
	if cfg.logHandler != nil {
		return slog.New(cfg.logHandler)
	}
	return slog.Default()
}

func (cfg *config) labels(dynamic ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(cfg.metricLabels)+len(dynamic))
	out = append(out, cfg.metricLabels...)
	return append(out, dynamic...)
}

// Option to pass to `NewStreamTarget`, `Listen` or `Dial`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the streams.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// streams.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithCodec chooses how messages are encoded, `ProtoCodec` by default.
// Both ends MUST agree on the codec.
func WithCodec(codec Codec) Option {
	return func(c *config) error {
		if codec == nil {
			return fmt.Errorf("nil codec")
		}
		c.codec = codec
		return nil
	}
}

// WithMaxFrameSize bounds the size of a single encoded message. It only
// applies to the default codec.
func WithMaxFrameSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("max frame size must be positive, got %d", size)
		}
		c.maxFrameSize = size
		return nil
	}
}

// WithBufferSize sets how many messages are queued in each direction
// before back-pressure applies.
func WithBufferSize(size uint) Option {
	return func(c *config) error {
		c.bufferSize = size
		return nil
	}
}

// WithDrainTimeout bounds how long `StreamTarget.Close` waits for queued
// messages to be written.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("drain timeout must be positive, got %s", timeout)
		}
		c.drainTimeout = timeout
		return nil
	}
}

// WithHostnameResolver changes how the name of a QUIC peer is resolved
// from its certificates.
func WithHostnameResolver(resolver HostnameResolver) Option {
	return func(c *config) error {
		if resolver == nil {
			return fmt.Errorf("nil hostname resolver")
		}
		c.hostnameResolver = resolver
		return nil
	}
}

// WithMaxIdleTimeout controls when an idle QUIC connection is dropped.
func WithMaxIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.maxIdleTimeout = timeout
		return nil
	}
}
