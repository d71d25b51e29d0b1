package comlink

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultSlowThreshold   = 5 * time.Second
	DefaultCallbackTimeout = 5 * time.Minute
	DefaultDrainTimeout    = 5 * time.Second
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	warnOnSlow      bool
	slowThreshold   time.Duration
	callbackTimeout time.Duration
	drainTimeout    time.Duration

	topology         map[string]string
	resolvedContexts map[string]string
	isServer         bool
	publicPath       string
	connected        []ConnectedEnvironment

	instancePrefix string
}

func defaultConfig() config {
	return config{
		slowThreshold:    DefaultSlowThreshold,
		callbackTimeout:  DefaultCallbackTimeout,
		drainTimeout:     DefaultDrainTimeout,
		topology:         make(map[string]string),
		resolvedContexts: make(map[string]string),
	}
}

// ConnectedEnvironment is an environment statically known at startup.
type ConnectedEnvironment struct {
	ID   string
	Host Target

	// RegisterMessageHandler subscribes to `Host` so messages coming
	// from it are routed by the `Communication`.
	RegisterMessageHandler bool
}

// Option to pass to `New`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Communication`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// `Communication`.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithWarnOnSlow logs a warning for every call which did not get a reply
// after the slow threshold.
func WithWarnOnSlow(enabled bool) Option {
	return func(c *config) error {
		c.warnOnSlow = enabled
		return nil
	}
}

// WithSlowThreshold controls after how long a pending call is reported
// as slow. Only meaningful with `WithWarnOnSlow`.
func WithSlowThreshold(threshold time.Duration) Option {
	return func(c *config) error {
		if threshold < 0 {
			return fmt.Errorf("slow threshold must be positive, got %s", threshold)
		}
		if threshold == 0 {
			threshold = DefaultSlowThreshold
		}
		c.slowThreshold = threshold
		return nil
	}
}

// WithCallbackTimeout controls how much time we are willing to wait for
// a reply before rejecting a call with a `CallbackTimeoutError`.
func WithCallbackTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("callback timeout must be positive, got %s", timeout)
		}
		if timeout == 0 {
			timeout = DefaultCallbackTimeout
		}
		c.callbackTimeout = timeout
		return nil
	}
}

// WithDrainTimeout bounds how long `Dispose` waits for the messages
// already handed to transports, its notices included, to be posted.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("drain timeout must be positive, got %s", timeout)
		}
		c.drainTimeout = timeout
		return nil
	}
}

// WithTopology records where environments can be reached (env id to URL).
// The `Communication` only exposes it, spawning environments is left to
// the caller.
func WithTopology(topology map[string]string) Option {
	return func(c *config) error {
		for k, v := range topology {
			c.topology[k] = v
		}
		return nil
	}
}

// WithResolvedContexts maps environment names to the id of the instance
// which should serve them. Messages addressed to a name are routed to
// the resolved id.
func WithResolvedContexts(contexts map[string]string) Option {
	return func(c *config) error {
		for k, v := range contexts {
			c.resolvedContexts[k] = v
		}
		return nil
	}
}

// WithServerMode flags the `Communication` as running in a server process.
func WithServerMode(isServer bool) Option {
	return func(c *config) error {
		c.isServer = isServer
		return nil
	}
}

// WithPublicPath records the base path environments are served from.
func WithPublicPath(path string) Option {
	return func(c *config) error {
		c.publicPath = path
		return nil
	}
}

// WithConnectedEnvironments pre-seeds the registry with environments
// reachable at startup.
func WithConnectedEnvironments(envs ...ConnectedEnvironment) Option {
	return func(c *config) error {
		for _, env := range envs {
			if !ValidateEnvironmentID(env.ID) {
				return fmt.Errorf("%w: %q", ErrInvalidEnvironmentID, env.ID)
			}
			if env.Host == nil {
				return fmt.Errorf("connected environment %q has no host", env.ID)
			}
		}
		c.connected = append(c.connected, envs...)
		return nil
	}
}

// WithInstancePrefix overrides the random prefix of callback ids.
// Two instances alive at the same time MUST NOT share a prefix.
func WithInstancePrefix(prefix string) Option {
	return func(c *config) error {
		c.instancePrefix = prefix
		return nil
	}
}
