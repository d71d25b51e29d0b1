// Package discovery lets comlink nodes find each other through gossip.
//
// Every node advertises its environment id and the address it accepts
// streams on as memberlist node metadata. Joins and departures are
// reported to callbacks, so the node can dial new peers and clear the
// environments of those which left.
package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/comlink"
)

var (
	ErrInvalidCfg    = errors.New("discovery: invalid options")
	ErrClusterClosed = errors.New("discovery: cluster is shut down")
	ErrJoinCluster   = errors.New("discovery: could not join cluster")
	ErrInvalidMeta   = errors.New("discovery: invalid node metadata")
)

var (
	MetricPeerJoinedCount = []string{"comlink", "discovery", "peer", "joined", "count"}
	MetricPeerLeftCount   = []string{"comlink", "discovery", "peer", "left", "count"}
	MetricPeerInvalid     = []string{"comlink", "discovery", "peer", "invalid", "count"}
)

// Cluster is the gossip membership of a comlink node.
type Cluster struct {
	config config
	logger *slog.Logger
	ml     *memberlist.Memberlist
	meta   []byte

	lk       sync.Mutex
	shutdown bool
}

// Create starts gossiping that environment envID accepts streams on
// addr. It does not contact anyone until `Join`.
func Create(envID, addr string, opts ...Option) (*Cluster, error) {
	if !comlink.ValidateEnvironmentID(envID) {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidCfg, comlink.ErrInvalidEnvironmentID, envID)
	}

	c := &Cluster{
		meta: encodeMeta(envID, addr),
	}
	if len(c.meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("%w: metadata exceeds %d bytes", ErrInvalidCfg, memberlist.MetaMaxSize)
	}

	c.config.mlCfg = memberlist.DefaultLANConfig()
	c.config.mlCfg.Name = envID
	c.config.leaveTimeout = 5 * time.Second
	c.config.mlCfg.LogOutput = nil

	for _, opt := range opts {
		err := opt(&c.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if c.config.logHandler != nil {
		c.logger = slog.New(c.config.logHandler)
		c.config.mlCfg.Logger = slog.NewLogLogger(c.config.logHandler, slog.LevelDebug)
	} else {
		c.logger = slog.Default()
		c.config.mlCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}
	c.logger = c.logger.With(comlink.LabelSelfID.L(envID))

	// Metrics implementations.
	if c.config.msink == nil {
		c.config.msink = metrics.Default()
	}

	g := &gossip{cluster: c}
	c.config.mlCfg.Delegate = g
	c.config.mlCfg.Events = g

	ml, err := memberlist.Create(c.config.mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	c.ml = ml

	c.logger.Info("gossip started", comlink.LabelPeerAddr.L(ml.LocalNode().Address()))
	return c, nil
}

// Addr is the gossip address other nodes can `Join`.
func (c *Cluster) Addr() string {
	return c.ml.LocalNode().Address()
}

// Join contacts the neighbours and returns how many answered.
func (c *Cluster) Join(neighbours []string) (int, error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.shutdown {
		return 0, ErrClusterClosed
	}
	if len(neighbours) == 0 {
		return 0, nil
	}

	joined, err := c.ml.Join(neighbours)
	if err != nil {
		return joined, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	c.logger.Info("cluster joined")
	if len(neighbours) != joined {
		c.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return joined, nil
}

// Peers returns the live members of the cluster, ourselves excepted,
// sorted by environment id.
func (c *Cluster) Peers() []Peer {
	local := c.ml.LocalNode().Name
	var peers []Peer
	for _, node := range c.ml.Members() {
		if node.Name == local {
			continue
		}
		peer, err := peerFromNode(node)
		if err != nil {
			continue
		}
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].EnvID < peers[j].EnvID
	})
	return peers
}

// Shutdown announces we leave, then stops gossiping.
func (c *Cluster) Shutdown() error {
	c.lk.Lock()
	if c.shutdown {
		c.lk.Unlock()
		return nil
	}
	c.shutdown = true
	c.lk.Unlock()

	start := time.Now()
	c.logger.Info("shutdown: leave cluster")
	leaveErr := c.ml.Leave(c.config.leaveTimeout)
	if leaveErr != nil {
		c.logger.Warn("leave intent may not have propagated", comlink.LabelError.L(leaveErr))
	}

	err := c.ml.Shutdown()
	c.logger.Info("shutdown: completed", comlink.LabelDuration.L(time.Since(start)))
	return err
}

func (c *Cluster) labels(dynamic ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(c.config.metricLabels)+len(dynamic))
	out = append(out, c.config.metricLabels...)
	return append(out, dynamic...)
}
