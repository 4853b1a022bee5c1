package nodemanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/nodekernel/internal/factory"
	"github.com/signalsfoundry/nodekernel/internal/topology"
	"github.com/signalsfoundry/nodekernel/model"
)

var errStub = errors.New("stub failure")

// stub counts every hook call. Each stub is only touched by the thread
// that owns it.
type stub struct {
	model.BaseDynamics

	wfr bool

	initState   int
	initBuffers int
	calibrate   int
	updates     int
	cleanups    int
	finalizes   int
	destroyed   int

	failCalibrate bool
	failFinalize  bool
	panicUpdate   bool

	param float64
}

func (p *stub) InitState()         { p.initState++ }
func (p *stub) InitBuffers() error { p.initBuffers++; return nil }
func (p *stub) PostRunCleanup()    { p.cleanups++ }
func (p *stub) UsesWFR() bool      { return p.wfr }
func (p *stub) Destroy()           { p.destroyed++ }

func (p *stub) Calibrate() error {
	p.calibrate++
	if p.failCalibrate {
		return errStub
	}
	return nil
}

func (p *stub) Update(from, to int64) error {
	if p.panicUpdate {
		panic("update exploded")
	}
	p.updates++
	return nil
}

func (p *stub) Finalize() error {
	p.finalizes++
	if p.failFinalize {
		return errStub
	}
	return nil
}

func (p *stub) GetStatus(props *model.Properties) { props.Set("param", p.param) }

func (p *stub) SetStatus(props *model.Properties) error {
	v, ok, err := props.Float64("param")
	if err != nil {
		return err
	}
	if ok {
		p.param = v
	}
	return nil
}

func stubOf(t *testing.T, n *model.Node) *stub {
	t.Helper()
	p, ok := n.Dynamics().(*stub)
	require.True(t, ok, "node %d does not carry a stub", n.GID())
	return p
}

type fixture struct {
	mgr *Manager
	reg *factory.Registry

	neuron     model.ModelID // has proxies
	wfrNeuron  model.ModelID // has proxies, uses WFR
	precise    model.ModelID // has proxies, off grid
	device     model.ModelID // replicated per thread
	global     model.ModelID // global receiver
	bridge     model.ModelID // one per process
	deprecated model.ModelID
}

func newFixture(t *testing.T, rank, sim, rec, threads int, opts ...Option) *fixture {
	t.Helper()
	topo, err := topology.New(rank, sim, rec, threads)
	require.NoError(t, err)

	reg := factory.NewRegistry(threads)
	f := &fixture{reg: reg}
	register := func(m *factory.Model) model.ModelID {
		id, err := reg.Register(m)
		require.NoError(t, err)
		return id
	}
	newStub := func() model.Dynamics { return &stub{} }

	f.neuron = register(&factory.Model{Name: "neuron", HasProxies: true, New: newStub})
	f.wfrNeuron = register(&factory.Model{Name: "wfr_neuron", HasProxies: true,
		New: func() model.Dynamics { return &stub{wfr: true} }})
	f.precise = register(&factory.Model{Name: "precise_neuron", HasProxies: true, OffGrid: true, New: newStub})
	f.device = register(&factory.Model{Name: "device", New: newStub})
	f.global = register(&factory.Model{Name: "global_device", PotentialGlobalReceiver: true, New: newStub})
	f.bridge = register(&factory.Model{Name: "bridge", OnePerProcess: true, New: newStub})
	f.deprecated = register(&factory.Model{Name: "old_neuron", HasProxies: true, Deprecated: true, New: newStub})

	f.mgr, err = New(topo, reg, opts...)
	require.NoError(t, err)
	return f
}

type fakeDelivery struct {
	offGrid     bool
	coeffLength int64
}

func (d *fakeDelivery) SetOffGridCommunication(on bool)  { d.offGrid = on }
func (d *fakeDelivery) OffGridCommunication() bool       { return d.offGrid }
func (d *fakeDelivery) SetRelaxationCoeffLength(n int64) { d.coeffLength = n }

type fakeScheduler struct {
	minDelay int64
	order    int
}

func (s fakeScheduler) MinDelay() int64            { return s.minDelay }
func (s fakeScheduler) WFRInterpolationOrder() int { return s.order }

type passObservation struct {
	pass   string
	failed bool
}

type fakeMetrics struct {
	mu           sync.Mutex
	networkSize  uint64
	local        int
	active       int
	rebuilds     int
	observations []passObservation
}

func (m *fakeMetrics) SetNodeCounts(networkSize uint64, local int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networkSize, m.local = networkSize, local
}

func (m *fakeMetrics) SetActiveNodes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = n
}

func (m *fakeMetrics) IncViewRebuilds() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuilds++
}

func (m *fakeMetrics) ObservePass(pass string, _ time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = append(m.observations, passObservation{pass: pass, failed: failed})
}

func (m *fakeMetrics) rebuildCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuilds
}
