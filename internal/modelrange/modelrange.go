// Package modelrange records which model owns each contiguous GID interval.
package modelrange

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/nodekernel/model"
)

// Range is the closed interval [First, Last] of GIDs of one model.
type Range struct {
	Model model.ModelID
	First model.GID
	Last  model.GID
}

// Contains reports whether gid lies in r.
func (r Range) Contains(gid model.GID) bool { return gid >= r.First && gid <= r.Last }

// Manager keeps ranges in ascending GID order, merging adjacent ranges of
// the same model.
type Manager struct {
	mu     sync.RWMutex
	ranges []Range
}

// New returns an empty range map.
func New() *Manager { return &Manager{} }

// AddRange records [first, last] as belonging to m. Ranges must be added in
// ascending order without overlap.
func (mgr *Manager) AddRange(m model.ModelID, first, last model.GID) error {
	if last < first {
		return fmt.Errorf("modelrange: empty range [%d, %d]", first, last)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if n := len(mgr.ranges); n > 0 {
		tail := &mgr.ranges[n-1]
		if first <= tail.Last {
			return fmt.Errorf("modelrange: range [%d, %d] overlaps [%d, %d]", first, last, tail.First, tail.Last)
		}
		if tail.Model == m && first == tail.Last+1 {
			tail.Last = last
			return nil
		}
	}
	mgr.ranges = append(mgr.ranges, Range{Model: m, First: first, Last: last})
	return nil
}

// ModelOf returns the model owning gid.
func (mgr *Manager) ModelOf(gid model.GID) (model.ModelID, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	i := sort.Search(len(mgr.ranges), func(i int) bool { return mgr.ranges[i].Last >= gid })
	if i < len(mgr.ranges) && mgr.ranges[i].Contains(gid) {
		return mgr.ranges[i].Model, true
	}
	return 0, false
}

// Ranges returns a copy of all ranges in ascending order.
func (mgr *Manager) Ranges() []Range {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return append([]Range(nil), mgr.ranges...)
}

// Clear drops all ranges.
func (mgr *Manager) Clear() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.ranges = nil
}
