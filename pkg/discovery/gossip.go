package discovery

import (
	"log/slog"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/comlink"
)

// gossip implements both `memberlist.Delegate` and
// `memberlist.EventDelegate`.
type gossip struct {
	cluster *Cluster
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		comlink.LabelPeerName.L(node.Name),
		comlink.LabelPeerAddr.L(node.Address()),
	)
}

func (g *gossip) NodeMeta(limit int) []byte {
	if len(g.cluster.meta) > limit {
		return nil
	}
	return g.cluster.meta
}

// We only rely on node metadata, there is no user payload.
func (g *gossip) NotifyMsg([]byte)                           {}
func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (g *gossip) LocalState(join bool) []byte                { return nil }
func (g *gossip) MergeRemoteState(buf []byte, join bool)     {}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	c := g.cluster
	if node.Name == c.config.mlCfg.Name {
		return
	}
	logger := withLogNode(c.logger, node)

	peer, err := peerFromNode(node)
	if err != nil {
		logger.Warn("ignoring peer with invalid metadata", comlink.LabelError.L(err))
		c.config.msink.IncrCounterWithLabels(MetricPeerInvalid, 1, c.labels(comlink.LabelPeerName.M(node.Name)))
		return
	}

	logger.Info("peer joined cluster", comlink.LabelEnvID.L(peer.EnvID))
	c.config.msink.IncrCounterWithLabels(MetricPeerJoinedCount, 1, c.labels(comlink.LabelEnvID.M(peer.EnvID)))
	if c.config.onJoin != nil {
		c.config.onJoin(peer)
	}
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	c := g.cluster
	if node.Name == c.config.mlCfg.Name {
		return
	}
	logger := withLogNode(c.logger, node)

	peer, err := peerFromNode(node)
	if err != nil {
		return
	}

	logger.Info("peer left cluster", comlink.LabelEnvID.L(peer.EnvID))
	c.config.msink.IncrCounterWithLabels(MetricPeerLeftCount, 1, c.labels(comlink.LabelEnvID.M(peer.EnvID)))
	if c.config.onLeave != nil {
		c.config.onLeave(peer)
	}
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.cluster.logger, node).Debug("peer updated")
}
