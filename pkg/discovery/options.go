package discovery

import (
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

type config struct {
	mlCfg        *memberlist.Config
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	leaveTimeout time.Duration

	onJoin  func(Peer)
	onLeave func(Peer)
}

// Option to pass to `Create`.
type Option func(*config) error

// WithListenOn specifies which interface gossip binds to. A zero port
// picks a free one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		return nil
	}
}

// WithNodeName specifies which name should be exposed to other peers
// when joining the cluster. For a well-behaving cluster, the name MUST
// be unique. It defaults to the environment id.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.mlCfg.Name = name
		}
		return nil
	}
}

// WithLocalProfile tunes gossip timings for a loopback network.
func WithLocalProfile() Option {
	return func(c *config) error {
		local := memberlist.DefaultLocalConfig()
		c.mlCfg.TCPTimeout = local.TCPTimeout
		c.mlCfg.IndirectChecks = local.IndirectChecks
		c.mlCfg.SuspicionMult = local.SuspicionMult
		c.mlCfg.PushPullInterval = local.PushPullInterval
		c.mlCfg.ProbeTimeout = local.ProbeTimeout
		c.mlCfg.ProbeInterval = local.ProbeInterval
		c.mlCfg.GossipInterval = local.GossipInterval
		c.mlCfg.GossipToTheDeadTime = local.GossipToTheDeadTime
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the membership
// metrics.
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
// `Cluster`, including the ones of memberlist.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// memberlist still reports through the armon flavour.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithOnJoin is invoked for every peer joining the cluster, ourselves
// excepted. It MUST NOT block.
func WithOnJoin(fn func(Peer)) Option {
	return func(c *config) error {
		c.onJoin = fn
		return nil
	}
}

// WithOnLeave is invoked for every peer leaving or failing. It MUST NOT
// block.
func WithOnLeave(fn func(Peer)) Option {
	return func(c *config) error {
		c.onLeave = fn
		return nil
	}
}

// WithLeaveTimeout controls how much time `Shutdown` waits for the
// leave intent to propagate.
func WithLeaveTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("leave timeout must be positive, got %s", timeout)
		}
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		c.leaveTimeout = timeout
		return nil
	}
}
