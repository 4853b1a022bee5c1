// Package nodemanager owns every node instance of one process: it assigns
// GIDs, places instances on threads and virtual processes, keeps the
// per-thread views the update loop iterates over, and drives the parallel
// lifecycle passes around each run.
package nodemanager

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/nodekernel/internal/collective"
	"github.com/signalsfoundry/nodekernel/internal/factory"
	"github.com/signalsfoundry/nodekernel/internal/logging"
	"github.com/signalsfoundry/nodekernel/internal/modelrange"
	"github.com/signalsfoundry/nodekernel/kb"
	"github.com/signalsfoundry/nodekernel/model"
)

// Topology answers placement questions about the distributed layout.
type Topology interface {
	Rank() int
	NumThreads() int
	NumSimProcesses() int
	NumRecProcesses() int
	IsRecordingProcess() bool
	SuggestVP(gid model.GID) int
	SuggestRecVP(n uint64) int
	VPToThread(vp int) int
	ThreadToVP(t int) int
	IsLocalVP(vp int) bool
}

// ModelCatalog resolves model ids to allocators.
type ModelCatalog interface {
	Model(id model.ModelID) (*factory.Model, bool)
	ModelID(name string) (model.ModelID, bool)
	ModelName(id model.ModelID) string
	SiblingContainerModel() *factory.Model
	ProxyNode(t int, gid model.GID, id model.ModelID) *model.Node
}

// Scheduler supplies the timing parameters the waveform relaxation
// coefficient buffers are sized from.
type Scheduler interface {
	MinDelay() int64
	WFRInterpolationOrder() int
}

// EventDelivery is the part of the event layer node creation reconfigures.
type EventDelivery interface {
	SetOffGridCommunication(on bool)
	OffGridCommunication() bool
	SetRelaxationCoeffLength(n int64)
}

// MetricsRecorder receives node counts and pass timings.
type MetricsRecorder interface {
	SetNodeCounts(networkSize uint64, local int)
	SetActiveNodes(n int)
	IncViewRebuilds()
	ObservePass(pass string, d time.Duration, failed bool)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger; the default drops everything.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetricsRecorder reports node counts and pass timings to r.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithCollective sets the cross-process reduction. The default reduces
// over this process only.
func WithCollective(r collective.Reducer) Option {
	return func(m *Manager) {
		if r != nil {
			m.reducer = r
		}
	}
}

// WithScheduler sets the timing parameters source.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		if s != nil {
			m.sched = s
		}
	}
}

// WithEventDelivery sets the event layer that receives the off-grid flag
// and the relaxation coefficient length.
func WithEventDelivery(d EventDelivery) Option {
	return func(m *Manager) {
		if d != nil {
			m.delivery = d
		}
	}
}

// WithCapacity bounds the GID space; zero keeps kb.DefaultMaxSize.
func WithCapacity(maxGID model.GID) Option {
	return func(m *Manager) { m.capacity = maxGID }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// Manager is the node manager of one process.
//
// Construction, restore and teardown run from a single controlling
// goroutine between parallel phases. The lifecycle passes fan out one
// goroutine per thread and only touch that thread's nodes.
type Manager struct {
	topo     Topology
	models   ModelCatalog
	ranges   *modelrange.Manager
	local    *kb.KnowledgeBase
	reducer  collective.Reducer
	sched    Scheduler
	delivery EventDelivery
	log      logging.Logger
	metrics  MetricsRecorder
	tracer   trace.Tracer

	capacity       model.GID
	nGSD           uint64
	numActiveNodes int

	view threadLocalView
}

// New creates an empty node manager for the process described by topo.
func New(topo Topology, models ModelCatalog, opts ...Option) (*Manager, error) {
	if topo == nil || models == nil {
		return nil, fmt.Errorf("nodemanager: topology and model catalog are required")
	}
	if topo.NumThreads() < 1 {
		return nil, fmt.Errorf("nodemanager: %d threads per process", topo.NumThreads())
	}

	m := &Manager{
		topo:     topo,
		models:   models,
		ranges:   modelrange.New(),
		reducer:  collective.Local{},
		sched:    defaultScheduling{},
		delivery: &localDelivery{},
		log:      logging.Noop(),
		metrics:  noopMetrics{},
		tracer:   otel.Tracer("github.com/signalsfoundry/nodekernel/internal/nodemanager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.local = kb.NewKnowledgeBase(m.capacity)
	m.view.invalidate()
	m.log = m.log.With(logging.Int("rank", topo.Rank()))
	return m, nil
}

// Initialize forces a rebuild of the thread-local views.
func (m *Manager) Initialize(ctx context.Context) {
	m.view.invalidate()
	m.EnsureValidThreadLocalIDs()
	m.log.Debug(ctx, "node manager initialized",
		logging.Int("threads", m.topo.NumThreads()),
		logging.Uint64("network_size", uint64(m.local.Size())),
	)
}

// Finalize runs the finalize pass, destructs every local node in place and
// empties the registry and the model ranges. The first finalize failure is
// returned after teardown completed.
func (m *Manager) Finalize(ctx context.Context) error {
	err := m.FinalizeNodes(ctx)
	m.destructNodes()
	m.local.Clear()
	m.ranges.Clear()
	m.nGSD = 0
	m.numActiveNodes = 0
	m.view.invalidate()
	m.metrics.SetNodeCounts(0, 0)
	m.metrics.SetActiveNodes(0)
	return err
}

func (m *Manager) destructNodes() {
	sib := m.models.SiblingContainerModel()
	for _, n := range m.local.All() {
		if n.IsSiblingContainer() {
			for _, s := range n.Siblings() {
				if mdl, ok := m.models.Model(s.ModelID()); ok {
					mdl.Destruct(s)
				}
			}
			sib.Destruct(n)
			continue
		}
		if mdl, ok := m.models.Model(n.ModelID()); ok {
			mdl.Destruct(n)
		}
	}
}

// Size is the network size: the largest GID allocated by any process.
func (m *Manager) Size() model.GID { return m.local.Size() }

// NumLocalNodes is the number of materialised entries on this process;
// a sibling container counts once.
func (m *Manager) NumLocalNodes() int { return m.local.NumLocal() }

// NumActiveNodes is the number of non-frozen nodes counted by the last
// prepare pass.
func (m *Manager) NumActiveNodes() int { return m.numActiveNodes }

// Ranges lists the model ranges in ascending GID order.
func (m *Manager) Ranges() []modelrange.Range { return m.ranges.Ranges() }

// Status reports manager-level properties.
func (m *Manager) Status() map[string]any {
	return map[string]any{
		"network_size": int64(m.local.Size()),
	}
}

type defaultScheduling struct{}

func (defaultScheduling) MinDelay() int64            { return 1 }
func (defaultScheduling) WFRInterpolationOrder() int { return 3 }

type localDelivery struct {
	offGrid     bool
	coeffLength int64
}

func (d *localDelivery) SetOffGridCommunication(on bool)  { d.offGrid = on }
func (d *localDelivery) OffGridCommunication() bool       { return d.offGrid }
func (d *localDelivery) SetRelaxationCoeffLength(n int64) { d.coeffLength = n }

type noopMetrics struct{}

func (noopMetrics) SetNodeCounts(uint64, int)               {}
func (noopMetrics) SetActiveNodes(int)                      {}
func (noopMetrics) IncViewRebuilds()                        {}
func (noopMetrics) ObservePass(string, time.Duration, bool) {}
