package nodemanager

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/nodekernel/internal/factory"
	"github.com/signalsfoundry/nodekernel/internal/logging"
	"github.com/signalsfoundry/nodekernel/internal/observability"
	"github.com/signalsfoundry/nodekernel/model"
)

// reserveSlack covers devices created alongside round-robin nodes.
const reserveSlack = 50

// AddNode creates n instances of model mod and returns their GID range.
// Every process must call AddNode with the same arguments in the same
// order so that GID ranges agree everywhere.
func (m *Manager) AddNode(ctx context.Context, mod model.ModelID, n int) (model.GIDRange, error) {
	ctx, span := m.tracer.Start(ctx, "nodemanager.AddNode", trace.WithAttributes(
		attribute.Int("model", int(mod)),
		attribute.Int("n", n),
	))

	rng, err := m.addNode(ctx, mod, n)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("gid.min", int64(rng.Min)),
			attribute.Int64("gid.end", int64(rng.End)),
		)
	}
	observability.EndSpan(span, err)
	return rng, err
}

func (m *Manager) addNode(ctx context.Context, mod model.ModelID, n int) (model.GIDRange, error) {
	mdl, ok := m.models.Model(mod)
	if !ok || mod == 0 {
		return model.GIDRange{}, fmt.Errorf("%w: %d", ErrUnknownModel, mod)
	}
	if n < 1 {
		return model.GIDRange{}, fmt.Errorf("%w: got %d", ErrInvalidCount, n)
	}

	minGID := m.local.MaxGID() + 1
	maxGID := minGID + model.GID(n)

	mdl.DeprecationWarning(ctx, m.log, "AddNode")

	// maxGID is exclusive, MaxSize inclusive.
	if maxGID < minGID || maxGID-1 > m.local.MaxSize() {
		m.log.Error(ctx, "requested number of nodes will overflow the registry",
			logging.String("model", mdl.Name),
			logging.Int("n", n),
			logging.Uint64("max_size", uint64(m.local.MaxSize())),
		)
		m.log.Error(ctx, "no nodes were created", logging.String("model", mdl.Name))
		return model.GIDRange{}, fmt.Errorf("%w: %d nodes after gid %d", ErrCapacityExceeded, n, minGID-1)
	}
	if err := m.ranges.AddRange(mod, minGID, maxGID-1); err != nil {
		return model.GIDRange{}, err
	}

	var err error
	switch {
	case mdl.PotentialGlobalReceiver && m.topo.NumRecProcesses() > 0:
		err = m.placeGlobalReceivers(mdl, n, minGID, maxGID)
	case mdl.HasProxies:
		err = m.placeRoundRobin(mdl, n, minGID, maxGID)
	case !mdl.OnePerProcess:
		err = m.placeReplicated(mdl, n, minGID, maxGID)
	default:
		err = m.placeOnePerProcess(mdl, minGID, maxGID)
	}
	if err != nil {
		return model.GIDRange{}, fmt.Errorf("nodemanager: place %s: %w", mdl.Name, err)
	}

	if mdl.OffGrid {
		if !m.delivery.OffGridCommunication() {
			m.log.Info(ctx, "models emitting precisely timed events exist: off-grid communication has been enabled; "+
				"mixing precise and grid-constrained models may lead to inconsistent results",
				logging.String("model", mdl.Name),
			)
		}
		m.delivery.SetOffGridCommunication(true)
	}

	m.metrics.SetNodeCounts(uint64(m.local.Size()), m.local.NumLocal())
	m.log.Debug(ctx, "nodes created",
		logging.String("model", mdl.Name),
		logging.Uint64("first_gid", uint64(minGID)),
		logging.Uint64("last_gid", uint64(maxGID-1)),
	)
	return model.GIDRange{Min: minGID, End: maxGID, Model: mod}, nil
}

func (m *Manager) reserveLocal(maxGID model.GID) {
	perProcess := math.Ceil(float64(maxGID) / float64(m.topo.NumSimProcesses()))
	m.local.Reserve(int(perProcess) + reserveSlack)
}

// placeGlobalReceivers spreads instances round-robin over the recording
// VPs. The counter of global receivers advances on every process so that
// all of them agree on the placement.
func (m *Manager) placeGlobalReceivers(mdl *factory.Model, n int, minGID, maxGID model.GID) error {
	threads := m.topo.NumThreads()
	perThread := n/m.topo.NumRecProcesses()/threads + 1

	if m.topo.IsRecordingProcess() {
		m.reserveLocal(maxGID)
		for t := range threads {
			mdl.ReserveAdditional(t, perThread)
		}
	}

	for gid := minGID; gid < maxGID; gid++ {
		vp := m.topo.SuggestRecVP(m.nGSD)
		m.nGSD++
		if !m.topo.IsLocalVP(vp) {
			if err := m.local.AddRemoteNode(gid); err != nil {
				return err
			}
			continue
		}
		t := m.topo.VPToThread(vp)
		node := mdl.Allocate(t)
		node.SetGID(gid)
		node.SetThread(t)
		node.SetVP(vp)
		node.SetHasProxies(true)
		node.SetLocalReceiver(false)
		if err := m.local.AddLocalNode(node); err != nil {
			return err
		}
	}
	return nil
}

// placeRoundRobin materialises only the GIDs whose suggested VP is local,
// visiting them with nextLocalGID instead of probing every GID.
func (m *Manager) placeRoundRobin(mdl *factory.Model, n int, minGID, maxGID model.GID) error {
	threads := m.topo.NumThreads()
	perThread := n/m.topo.NumSimProcesses()/threads + 1

	if !m.topo.IsRecordingProcess() {
		m.reserveLocal(maxGID)
		for t := range threads {
			mdl.ReserveAdditional(t, perThread)
		}
	}

	gid := minGID
	if !m.topo.IsLocalVP(m.topo.SuggestVP(minGID)) {
		gid = m.nextLocalGID(minGID)
	}
	for gid < maxGID {
		vp := m.topo.SuggestVP(gid)
		if !m.topo.IsLocalVP(vp) {
			gid++
			continue
		}
		t := m.topo.VPToThread(vp)
		node := mdl.Allocate(t)
		node.SetGID(gid)
		node.SetThread(t)
		node.SetVP(vp)
		if err := m.local.AddLocalNode(node); err != nil {
			return err
		}
		gid = m.nextLocalGID(gid)
	}

	if !m.topo.IsLocalVP(m.topo.SuggestVP(maxGID - 1)) {
		return m.local.AddRemoteNode(maxGID - 1)
	}
	return nil
}

// placeReplicated creates one sibling container per GID and fills it with
// one replica per thread.
func (m *Manager) placeReplicated(mdl *factory.Model, n int, minGID, maxGID model.GID) error {
	threads := m.topo.NumThreads()
	containers := m.models.SiblingContainerModel()
	containersPerThread := n/threads + 1

	for t := range threads {
		mdl.ReserveAdditional(t, n)
		containers.ReserveAdditional(t, containersPerThread)
	}
	m.reserveLocal(maxGID)

	for gid := minGID; gid < maxGID; gid++ {
		owner := m.topo.VPToThread(m.topo.SuggestVP(gid))
		c := containers.Allocate(owner)
		c.SetModelID(model.SiblingContainerModelID)
		c.SetGID(gid)
		c.SetThread(owner)
		c.SetVP(m.topo.ThreadToVP(owner))
		c.ReserveSiblings(threads)
		if err := m.local.AddLocalNode(c); err != nil {
			return err
		}

		for t := range threads {
			node := mdl.Allocate(t)
			node.SetGID(gid)
			node.SetThread(t)
			node.SetVP(m.topo.ThreadToVP(t))
			c.PushSibling(node)
		}
	}
	return nil
}

// placeOnePerProcess creates a single instance per GID on thread 0 of
// every process.
func (m *Manager) placeOnePerProcess(mdl *factory.Model, minGID, maxGID model.GID) error {
	vp := m.topo.ThreadToVP(0)
	for gid := minGID; gid < maxGID; gid++ {
		node := mdl.Allocate(0)
		node.SetGID(gid)
		node.SetThread(0)
		node.SetVP(vp)
		if err := m.local.AddLocalNode(node); err != nil {
			return err
		}
	}
	return nil
}

// nextLocalGID returns the next GID after curr that lands on this process
// under round-robin placement. Recording processes never own round-robin
// nodes and simply step by the number of simulation processes.
func (m *Manager) nextLocalGID(curr model.GID) model.GID {
	rank := model.GID(m.topo.Rank())
	sim := model.GID(m.topo.NumSimProcesses())
	if rank >= sim {
		return curr + sim
	}
	proc := curr % sim
	if proc == rank {
		return curr + sim
	}
	return curr + (sim+rank-proc)%sim
}
