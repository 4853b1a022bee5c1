// Package kernel wires one rank of the simulation kernel together: its
// topology, model catalogue, event delivery flags, scheduling parameters,
// node manager and step controller.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/nodekernel/internal/builtin"
	"github.com/signalsfoundry/nodekernel/internal/checkpoint"
	"github.com/signalsfoundry/nodekernel/internal/collective"
	"github.com/signalsfoundry/nodekernel/internal/config"
	"github.com/signalsfoundry/nodekernel/internal/factory"
	"github.com/signalsfoundry/nodekernel/internal/logging"
	"github.com/signalsfoundry/nodekernel/internal/nodemanager"
	"github.com/signalsfoundry/nodekernel/internal/topology"
	"github.com/signalsfoundry/nodekernel/model"
	"github.com/signalsfoundry/nodekernel/timectrl"
)

// EventDelivery holds the process-wide event layer settings the node
// manager adjusts.
type EventDelivery struct {
	mu          sync.RWMutex
	offGrid     bool
	coeffLength int64
}

func (d *EventDelivery) SetOffGridCommunication(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offGrid = on
}

func (d *EventDelivery) OffGridCommunication() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.offGrid
}

func (d *EventDelivery) SetRelaxationCoeffLength(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.coeffLength = n
}

// RelaxationCoeffLength is the length of the waveform relaxation
// coefficient buffers.
func (d *EventDelivery) RelaxationCoeffLength() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.coeffLength
}

// Scheduling exposes the timing parameters.
type Scheduling struct {
	resolution time.Duration
	minDelay   int64
	order      int
}

func (s Scheduling) Resolution() time.Duration  { return s.resolution }
func (s Scheduling) MinDelay() int64            { return s.minDelay }
func (s Scheduling) WFRInterpolationOrder() int { return s.order }

// Kernel is one rank.
type Kernel struct {
	rank int
	cfg  *config.Config
	log  logging.Logger

	Topology   *topology.VPManager
	Models     *factory.Registry
	Delivery   *EventDelivery
	Scheduling Scheduling
	Nodes      *nodemanager.Manager
	Clock      *timectrl.Controller
}

// New builds rank of the configured topology. reducer must be shared by
// all ranks of the run; metrics may be nil.
func New(cfg *config.Config, rank int, reducer collective.Reducer, log logging.Logger, metrics nodemanager.MetricsRecorder) (*Kernel, error) {
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.Int("rank", rank))

	topo, err := topology.New(rank, cfg.Topology.Processes, cfg.Topology.RecordingProcesses, cfg.Topology.Threads)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	reg := factory.NewRegistry(cfg.Topology.Threads)
	if err := builtin.Register(reg, cfg.Scheduling.Resolution); err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}

	mode, err := timectrl.ParseMode(cfg.Scheduling.Mode)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	clock, err := timectrl.NewController(cfg.Scheduling.Resolution, cfg.Scheduling.MinDelay, cfg.Scheduling.Tick, mode)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}

	k := &Kernel{
		rank:     rank,
		cfg:      cfg,
		log:      log,
		Topology: topo,
		Models:   reg,
		Delivery: &EventDelivery{},
		Scheduling: Scheduling{
			resolution: cfg.Scheduling.Resolution,
			minDelay:   cfg.Scheduling.MinDelay,
			order:      cfg.Scheduling.WFRInterpolationOrder,
		},
		Clock: clock,
	}

	opts := []nodemanager.Option{
		nodemanager.WithLogger(log),
		nodemanager.WithCollective(reducer),
		nodemanager.WithScheduler(k.Scheduling),
		nodemanager.WithEventDelivery(k.Delivery),
		nodemanager.WithCapacity(model.GID(cfg.Capacity)),
	}
	if metrics != nil {
		opts = append(opts, nodemanager.WithMetricsRecorder(metrics))
	}
	k.Nodes, err = nodemanager.New(topo, reg, opts...)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	return k, nil
}

// Rank is the rank this kernel plays.
func (k *Kernel) Rank() int { return k.rank }

// Populate creates the populations listed in the configuration and applies
// their parameters.
func (k *Kernel) Populate(ctx context.Context) error {
	for i, step := range k.cfg.Create {
		if _, err := k.Create(ctx, step.Model, step.N, step.Params); err != nil {
			return fmt.Errorf("kernel: create step %d: %w", i, err)
		}
	}
	k.Nodes.Initialize(ctx)
	return nil
}

// Create adds n nodes of the named model and applies params to each local
// one.
func (k *Kernel) Create(ctx context.Context, name string, n int, params map[string]any) (model.GIDRange, error) {
	id, ok := k.Models.ModelID(name)
	if !ok {
		return model.GIDRange{}, fmt.Errorf("%w: %s", nodemanager.ErrUnknownModel, name)
	}
	rng, err := k.Nodes.AddNode(ctx, id, n)
	if err != nil {
		return model.GIDRange{}, err
	}
	if len(params) > 0 {
		for gid := range rng.All() {
			if err := k.Nodes.SetStatus(gid, model.NewProperties(params)); err != nil {
				return model.GIDRange{}, err
			}
		}
	}
	return rng, nil
}

// Simulate prepares every node, runs steps steps and cleans up. Every rank
// must call Simulate concurrently since preparation synchronises with the
// other ranks.
func (k *Kernel) Simulate(ctx context.Context, steps int64) error {
	if err := k.Nodes.PrepareNodes(ctx); err != nil {
		return fmt.Errorf("kernel: prepare: %w", err)
	}
	if err := k.Nodes.CheckWFRUse(ctx); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	start := k.Clock.Step()
	runErr := k.Clock.Run(ctx, steps, k.Nodes.UpdateNodes)
	cleanupErr := k.Nodes.PostRunCleanup(ctx)
	k.log.Info(ctx, "simulation finished",
		logging.Any("from_step", start),
		logging.Any("to_step", k.Clock.Step()),
		logging.Any("sim_time", k.Clock.Now().String()),
	)
	if err := errors.Join(runErr, cleanupErr); err != nil {
		return fmt.Errorf("kernel: simulate: %w", err)
	}
	return nil
}

// Restore rebuilds the network from a checkpoint and moves the clock to
// the step it was taken at.
func (k *Kernel) Restore(ctx context.Context, snap checkpoint.Snapshot) error {
	if err := k.Nodes.Restore(ctx, snap.Nodes); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}
	k.Clock.SetStep(snap.Step)
	k.Nodes.Initialize(ctx)
	return nil
}

// Finalize shuts every node down and releases the model arenas.
func (k *Kernel) Finalize(ctx context.Context) error {
	err := k.Nodes.Finalize(ctx)
	k.Models.Clear()
	if err != nil {
		return fmt.Errorf("kernel: finalize: %w", err)
	}
	return nil
}

// Snapshot collects one status record per GID from the rank that owns it.
// For replicated nodes the thread 0 replica is recorded.
func Snapshot(kernels []*Kernel) (checkpoint.Snapshot, error) {
	if len(kernels) == 0 {
		return checkpoint.Snapshot{}, errors.New("kernel: no ranks to snapshot")
	}
	size := kernels[0].Nodes.Size()
	snap := checkpoint.Snapshot{
		Step:  kernels[0].Clock.Step(),
		Nodes: make([]*model.Properties, 0, size),
	}
	for gid := model.GID(1); gid <= size; gid++ {
		var rec *model.Properties
		for _, k := range kernels {
			if !k.Nodes.IsLocalGID(gid) {
				continue
			}
			p, err := k.Nodes.GetStatus(gid)
			if err != nil {
				return checkpoint.Snapshot{}, err
			}
			rec = p
			break
		}
		if rec == nil {
			return checkpoint.Snapshot{}, fmt.Errorf("kernel: gid %d is owned by no rank", gid)
		}
		snap.Nodes = append(snap.Nodes, rec)
	}
	return snap, nil
}
