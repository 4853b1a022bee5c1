package nodemanager

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/nodekernel/model"
)

const staleView = math.MaxUint64

// threadLocalView holds, per thread, the nodes that thread updates. It is
// valid while builtFor equals the registry size.
type threadLocalView struct {
	mu       sync.Mutex
	builtFor atomic.Uint64

	nodes    [][]*model.Node
	wfrNodes [][]*model.Node
	wfrUsed  bool
}

func (v *threadLocalView) invalidate() { v.builtFor.Store(staleView) }

func (v *threadLocalView) validFor(size model.GID) bool {
	return v.builtFor.Load() == uint64(size)
}

// EnsureValidThreadLocalIDs rebuilds the per-thread node lists if nodes
// were added since the last build. It may be called concurrently; only one
// caller rebuilds.
func (m *Manager) EnsureValidThreadLocalIDs() {
	if m.view.validFor(m.local.Size()) {
		return
	}

	m.view.mu.Lock()
	defer m.view.mu.Unlock()

	size := m.local.Size()
	if m.view.validFor(size) {
		return
	}
	m.rebuildView()
	m.view.builtFor.Store(uint64(size))
}

// rebuildView must run with view.mu held.
func (m *Manager) rebuildView() {
	threads := m.topo.NumThreads()
	nodes := make([][]*model.Node, threads)
	wfrNodes := make([][]*model.Node, threads)
	wfrUsed := false

	for t := range threads {
		count, countWFR := 0, 0
		for _, n := range m.local.All() {
			switch {
			case n.NumThreadSiblings() > 0:
				count++
				if n.ThreadSibling(t).UsesWFR() {
					countWFR++
				}
			case n.Thread() == t && !n.IsSiblingContainer():
				count++
				if n.UsesWFR() {
					countWFR++
				}
			}
		}

		list := make([]*model.Node, 0, count)
		wfr := make([]*model.Node, 0, countWFR)
		for _, n := range m.local.All() {
			var node *model.Node
			switch {
			case n.NumThreadSiblings() > 0:
				node = n.ThreadSibling(t)
			case n.Thread() == t && !n.IsSiblingContainer():
				node = n
			default:
				continue
			}
			node.SetThreadLID(len(list))
			list = append(list, node)
			if node.UsesWFR() {
				wfr = append(wfr, node)
			}
		}

		nodes[t] = list
		wfrNodes[t] = wfr
		wfrUsed = wfrUsed || len(wfr) > 0
	}

	m.view.nodes = nodes
	m.view.wfrNodes = wfrNodes
	m.view.wfrUsed = wfrUsed
	m.metrics.IncViewRebuilds()
}

// ThreadLocalNodes returns the nodes thread t updates, in GID order. The
// slice is shared; callers must not modify it.
func (m *Manager) ThreadLocalNodes(t int) []*model.Node {
	m.EnsureValidThreadLocalIDs()
	return m.view.nodes[t]
}

// WFRNodes returns the subset of ThreadLocalNodes(t) that uses waveform
// relaxation.
func (m *Manager) WFRNodes(t int) []*model.Node {
	m.EnsureValidThreadLocalIDs()
	return m.view.wfrNodes[t]
}

// WFRIsUsed reports whether any node uses waveform relaxation: on this
// process after a view rebuild, on any process after CheckWFRUse.
func (m *Manager) WFRIsUsed() bool {
	m.view.mu.Lock()
	defer m.view.mu.Unlock()
	return m.view.wfrUsed
}
