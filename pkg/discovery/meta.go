package discovery

import (
	"fmt"

	"github.com/hashicorp/memberlist"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldEnvID protowire.Number = 1
	fieldAddr  protowire.Number = 2
)

// Peer is a comlink node learnt through gossip.
type Peer struct {
	// Name is the gossip node name.
	Name string
	// EnvID is the environment id of the node `Communication`.
	EnvID string
	// Addr is where the node accepts comlink streams.
	Addr string
}

func encodeMeta(envID, addr string) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEnvID, protowire.BytesType)
	b = protowire.AppendString(b, envID)
	b = protowire.AppendTag(b, fieldAddr, protowire.BytesType)
	b = protowire.AppendString(b, addr)
	return b
}

func decodeMeta(b []byte) (envID, addr string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if err := protowire.ParseError(n); err != nil {
			return "", "", err
		}
		b = b[n:]

		n = protowire.ConsumeFieldValue(num, typ, b)
		if err := protowire.ParseError(n); err != nil {
			return "", "", err
		}
		if typ == protowire.BytesType {
			val, _ := protowire.ConsumeBytes(b)
			switch num {
			case fieldEnvID:
				envID = string(val)
			case fieldAddr:
				addr = string(val)
			}
		}
		b = b[n:]
	}
	if envID == "" {
		return "", "", fmt.Errorf("%w: missing environment id", ErrInvalidMeta)
	}
	return envID, addr, nil
}

func peerFromNode(node *memberlist.Node) (Peer, error) {
	envID, addr, err := decodeMeta(node.Meta)
	if err != nil {
		return Peer{}, err
	}
	return Peer{Name: node.Name, EnvID: envID, Addr: addr}, nil
}
