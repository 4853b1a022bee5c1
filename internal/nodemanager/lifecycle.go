package nodemanager

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/nodekernel/internal/logging"
	"github.com/signalsfoundry/nodekernel/internal/observability"
	"github.com/signalsfoundry/nodekernel/model"
)

// Pass names used in errors, spans and metrics.
const (
	PassPrepare        = "prepare"
	PassUpdate         = "update"
	PassPostRunCleanup = "post_run_cleanup"
	PassFinalize       = "finalize"
)

// nodeFunc is applied to every node of thread t's view.
type nodeFunc func(t int, n *model.Node) error

// runPass applies fn to every thread's view, one goroutine per thread. A
// failing node does not stop its worker; the first failure of each worker
// is kept and, once all workers are done, the failure of the lowest thread
// is returned.
func (m *Manager) runPass(ctx context.Context, pass string, fn nodeFunc) error {
	m.EnsureValidThreadLocalIDs()

	ctx, span := m.tracer.Start(ctx, "nodemanager."+pass, trace.WithAttributes(
		attribute.Int("threads", m.topo.NumThreads()),
	))
	start := time.Now()

	threads := m.topo.NumThreads()
	failures := make([]*WorkerError, threads)
	dropped := make([]int, threads)

	var g errgroup.Group
	for t := range threads {
		nodes := m.view.nodes[t]
		g.Go(func() error {
			for _, n := range nodes {
				if err := callNode(fn, t, n); err != nil {
					if failures[t] == nil {
						failures[t] = &WorkerError{Pass: pass, Thread: t, GID: n.GID(), Err: err}
					} else {
						dropped[t]++
					}
				}
			}
			if failures[t] != nil {
				return failures[t]
			}
			return nil
		})
	}
	if err := g.Wait(); err == nil {
		m.metrics.ObservePass(pass, time.Since(start), false)
		observability.EndSpan(span, nil)
		return nil
	}

	// Wait reports whichever worker failed first in time; the slots give
	// the lowest failing thread.
	var first *WorkerError
	for t, f := range failures {
		if f == nil {
			continue
		}
		if first == nil {
			first = f
		}
		m.log.Warn(ctx, "node failed during "+pass,
			logging.Int("thread", t),
			logging.Uint64("gid", uint64(f.GID)),
			logging.Int("further_failures", dropped[t]),
			logging.Err(f.Err),
		)
	}

	m.metrics.ObservePass(pass, time.Since(start), true)
	observability.EndSpan(span, first)
	return first
}

func callNode(fn nodeFunc, t int, n *model.Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(t, n)
}

// PrepareNodes initialises buffers and calibrates every local node before a
// run, then counts the nodes that will be updated.
func (m *Manager) PrepareNodes(ctx context.Context) error {
	threads := m.topo.NumThreads()
	active := make([]int, threads)
	activeWFR := make([]int, threads)

	err := m.runPass(ctx, PassPrepare, func(t int, n *model.Node) error {
		if err := n.InitBuffers(); err != nil {
			return err
		}
		if err := n.Calibrate(); err != nil {
			return err
		}
		if !n.IsFrozen() {
			active[t]++
			if n.UsesWFR() {
				activeWFR[t]++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	total, totalWFR := 0, 0
	for t := range threads {
		total += active[t]
		totalWFR += activeWFR[t]
	}
	m.numActiveNodes = total
	m.metrics.SetActiveNodes(total)

	msg := fmt.Sprintf("Preparing %d %s for simulation.", total, plural(total, "node", "nodes"))
	if totalWFR > 0 {
		msg += fmt.Sprintf(" %d of them %s iterative solution techniques.", totalWFR, plural(totalWFR, "uses", "use"))
	}
	m.log.Info(ctx, msg,
		logging.Int("active_nodes", total),
		logging.Int("wfr_nodes", totalWFR),
	)
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// UpdateNodes advances every non-frozen node over the steps [from, to).
func (m *Manager) UpdateNodes(ctx context.Context, from, to int64) error {
	return m.runPass(ctx, PassUpdate, func(_ int, n *model.Node) error {
		if n.IsFrozen() {
			return nil
		}
		return n.Update(from, to)
	})
}

// PostRunCleanup runs the end-of-run hook of every local node.
func (m *Manager) PostRunCleanup(ctx context.Context) error {
	return m.runPass(ctx, PassPostRunCleanup, func(_ int, n *model.Node) error {
		n.PostRunCleanup()
		return nil
	})
}

// FinalizeNodes lets every local node release its resources.
func (m *Manager) FinalizeNodes(ctx context.Context) error {
	return m.runPass(ctx, PassFinalize, func(_ int, n *model.Node) error {
		return n.Finalize()
	})
}

// CheckWFRUse combines the local waveform relaxation flag with every other
// process and sizes the relaxation coefficient buffers accordingly.
func (m *Manager) CheckWFRUse(ctx context.Context) error {
	m.EnsureValidThreadLocalIDs()

	m.view.mu.Lock()
	local := m.view.wfrUsed
	m.view.mu.Unlock()

	used, err := m.reducer.AnyTrue(ctx, local)
	if err != nil {
		return fmt.Errorf("nodemanager: check wfr use: %w", err)
	}

	m.view.mu.Lock()
	m.view.wfrUsed = used
	m.view.mu.Unlock()

	m.delivery.SetRelaxationCoeffLength(m.sched.MinDelay() * int64(m.sched.WFRInterpolationOrder()+1))
	return nil
}
