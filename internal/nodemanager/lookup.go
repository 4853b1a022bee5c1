package nodemanager

import (
	"fmt"

	"github.com/signalsfoundry/nodekernel/model"
)

// GetNode returns the node thread t sees under gid. GIDs owned by another
// process resolve to a proxy; replicated GIDs resolve to thread t's replica.
func (m *Manager) GetNode(gid model.GID, t int) (*model.Node, error) {
	n := m.local.GetNodeByGID(gid)
	if n == nil {
		mod, ok := m.ranges.ModelOf(gid)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownNode, gid)
		}
		return m.models.ProxyNode(t, gid, mod), nil
	}
	if n.NumThreadSiblings() == 0 {
		return n, nil
	}
	if t < 0 || t >= n.NumThreadSiblings() {
		return nil, fmt.Errorf("%w: %d on thread %d", ErrUnknownNode, gid, t)
	}
	return n.ThreadSibling(t), nil
}

// GetThreadSiblings returns every replica of a replicated GID in thread
// order.
func (m *Manager) GetThreadSiblings(gid model.GID) ([]*model.Node, error) {
	n := m.local.GetNodeByGID(gid)
	if n == nil || n.NumThreadSiblings() == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoSiblingsAvailable, gid)
	}
	out := make([]*model.Node, n.NumThreadSiblings())
	copy(out, n.Siblings())
	return out, nil
}

// IsLocalGID reports whether gid is materialised on this process.
func (m *Manager) IsLocalGID(gid model.GID) bool {
	return m.local.GetNodeByGID(gid) != nil
}

// IsLocalNode reports whether n lives on a virtual process of this rank.
// Proxies never do.
func (m *Manager) IsLocalNode(n *model.Node) bool {
	return !n.IsProxy() && m.topo.IsLocalVP(n.VP())
}
