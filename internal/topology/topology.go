// Package topology maps virtual processes onto (process, thread) pairs.
//
// Virtual processes 0 .. S*T-1 belong to the S simulation processes,
// S*T .. S*T+R*T-1 to the R recording processes; T is the number of
// threads per process. GIDs are dealt round-robin over simulation VPs.
package topology

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/nodekernel/model"
)

// ErrInvalidTopology indicates inconsistent topology parameters.
var ErrInvalidTopology = errors.New("invalid topology")

// VPManager answers placement and locality queries for one process.
type VPManager struct {
	rank     int
	simProcs int
	recProcs int
	threads  int
}

// New builds the view of rank in a system of simProcs simulation processes,
// recProcs recording processes and threads threads per process.
func New(rank, simProcs, recProcs, threads int) (*VPManager, error) {
	switch {
	case simProcs < 1:
		return nil, fmt.Errorf("%w: need at least one simulation process, got %d", ErrInvalidTopology, simProcs)
	case recProcs < 0:
		return nil, fmt.Errorf("%w: negative recording process count %d", ErrInvalidTopology, recProcs)
	case threads < 1:
		return nil, fmt.Errorf("%w: need at least one thread, got %d", ErrInvalidTopology, threads)
	case rank < 0 || rank >= simProcs+recProcs:
		return nil, fmt.Errorf("%w: rank %d outside [0, %d)", ErrInvalidTopology, rank, simProcs+recProcs)
	}
	return &VPManager{rank: rank, simProcs: simProcs, recProcs: recProcs, threads: threads}, nil
}

// Single is the topology of one process running threads threads.
func Single(threads int) (*VPManager, error) { return New(0, 1, 0, threads) }

func (m *VPManager) Rank() int            { return m.rank }
func (m *VPManager) NumThreads() int      { return m.threads }
func (m *VPManager) NumSimProcesses() int { return m.simProcs }
func (m *VPManager) NumRecProcesses() int { return m.recProcs }
func (m *VPManager) NumProcesses() int    { return m.simProcs + m.recProcs }

// NumVirtualProcesses counts simulation VPs only.
func (m *VPManager) NumVirtualProcesses() int { return m.simProcs * m.threads }

// IsRecordingProcess reports whether this rank is a dedicated recorder.
func (m *VPManager) IsRecordingProcess() bool { return m.rank >= m.simProcs }

// SuggestVP is the deterministic placement of gid on a simulation VP.
func (m *VPManager) SuggestVP(gid model.GID) int {
	return int(uint64(gid) % uint64(m.simProcs*m.threads))
}

// SuggestRecVP places the n-th global receiver on a recording VP.
func (m *VPManager) SuggestRecVP(n uint64) int {
	return int(n%uint64(m.recProcs*m.threads)) + m.simProcs*m.threads
}

func (m *VPManager) isRecVP(vp int) bool { return vp >= m.simProcs*m.threads }

// ProcessOfVP is the rank that hosts vp.
func (m *VPManager) ProcessOfVP(vp int) int {
	if m.isRecVP(vp) {
		return m.simProcs + (vp-m.simProcs*m.threads)%m.recProcs
	}
	return vp % m.simProcs
}

// VPToThread is the thread index of vp within its process.
func (m *VPManager) VPToThread(vp int) int {
	if m.isRecVP(vp) {
		return (vp - m.simProcs*m.threads) / m.recProcs
	}
	return vp / m.simProcs
}

// ThreadToVP is the VP of local thread t.
func (m *VPManager) ThreadToVP(t int) int {
	if m.IsRecordingProcess() {
		return m.simProcs*m.threads + t*m.recProcs + (m.rank - m.simProcs)
	}
	return t*m.simProcs + m.rank
}

// IsLocalVP reports whether vp is hosted by this rank.
func (m *VPManager) IsLocalVP(vp int) bool { return m.ProcessOfVP(vp) == m.rank }

func (m *VPManager) String() string {
	return fmt.Sprintf("rank %d of %d sim + %d rec processes x %d threads", m.rank, m.simProcs, m.recProcs, m.threads)
}
