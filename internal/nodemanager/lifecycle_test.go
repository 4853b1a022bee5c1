package nodemanager

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/nodekernel/internal/collective"
	"github.com/signalsfoundry/nodekernel/model"
)

func TestViewRebuildIsIdempotent(t *testing.T) {
	metrics := &fakeMetrics{}
	f := newFixture(t, 0, 1, 0, 2, WithMetricsRecorder(metrics))
	ctx := context.Background()

	_, err := f.mgr.AddNode(ctx, f.neuron, 4)
	require.NoError(t, err)
	_, err = f.mgr.AddNode(ctx, f.device, 1)
	require.NoError(t, err)

	first := [][]*model.Node{f.mgr.ThreadLocalNodes(0), f.mgr.ThreadLocalNodes(1)}
	rebuilds := metrics.rebuildCount()
	f.mgr.EnsureValidThreadLocalIDs()
	assert.Equal(t, rebuilds, metrics.rebuildCount())
	assert.Equal(t, first, [][]*model.Node{f.mgr.ThreadLocalNodes(0), f.mgr.ThreadLocalNodes(1)})

	// Two neurons and one device replica per thread, in GID order with
	// their list positions as thread-local ids.
	for tid, list := range first {
		require.Len(t, list, 3)
		for i, n := range list {
			assert.Equal(t, i, n.ThreadLID())
			assert.Equal(t, tid, n.Thread())
			if i > 0 {
				assert.Less(t, list[i-1].GID(), n.GID())
			}
		}
		assert.Equal(t, model.GID(5), list[2].GID())
	}

	_, err = f.mgr.AddNode(ctx, f.neuron, 2)
	require.NoError(t, err)
	assert.Len(t, f.mgr.ThreadLocalNodes(0), 4)
	assert.Len(t, f.mgr.ThreadLocalNodes(1), 4)
	assert.Equal(t, rebuilds+1, metrics.rebuildCount())
}

func TestInitializeForcesRebuild(t *testing.T) {
	metrics := &fakeMetrics{}
	f := newFixture(t, 0, 1, 0, 1, WithMetricsRecorder(metrics))
	f.mgr.Initialize(context.Background())
	f.mgr.Initialize(context.Background())
	assert.Equal(t, 2, metrics.rebuildCount())
	assert.Empty(t, f.mgr.ThreadLocalNodes(0))
}

func TestConcurrentEnsureValidRebuildsOnce(t *testing.T) {
	metrics := &fakeMetrics{}
	f := newFixture(t, 0, 1, 0, 4, WithMetricsRecorder(metrics))
	_, err := f.mgr.AddNode(context.Background(), f.neuron, 100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.mgr.EnsureValidThreadLocalIDs()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, metrics.rebuildCount())
	total := 0
	for tid := range 4 {
		total += len(f.mgr.ThreadLocalNodes(tid))
	}
	assert.Equal(t, 100, total)
}

func TestWFRNodesSubset(t *testing.T) {
	f := newFixture(t, 0, 1, 0, 2)
	ctx := context.Background()
	_, err := f.mgr.AddNode(ctx, f.neuron, 2)
	require.NoError(t, err)
	assert.False(t, f.mgr.WFRIsUsed())

	_, err = f.mgr.AddNode(ctx, f.wfrNeuron, 3)
	require.NoError(t, err)

	wfr := len(f.mgr.WFRNodes(0)) + len(f.mgr.WFRNodes(1))
	assert.Equal(t, 3, wfr)
	for tid := range 2 {
		for _, n := range f.mgr.WFRNodes(tid) {
			assert.True(t, n.UsesWFR())
			assert.Equal(t, tid, n.Thread())
		}
	}
	assert.True(t, f.mgr.WFRIsUsed())
}

func TestResetThenPrepareInitialisesEveryNodeOnce(t *testing.T) {
	metrics := &fakeMetrics{}
	f := newFixture(t, 0, 1, 0, 2, WithMetricsRecorder(metrics))
	ctx := context.Background()

	_, err := f.mgr.AddNode(ctx, f.neuron, 5)
	require.NoError(t, err)
	_, err = f.mgr.AddNode(ctx, f.wfrNeuron, 1)
	require.NoError(t, err)
	rng, err := f.mgr.AddNode(ctx, f.device, 1)
	require.NoError(t, err)

	frozen, err := f.mgr.GetNode(1, 0)
	require.NoError(t, err)
	frozen.SetFrozen(true)

	f.mgr.ResetNodesState()
	for tid := range 2 {
		for _, n := range f.mgr.ThreadLocalNodes(tid) {
			assert.False(t, n.BuffersInitialized())
			assert.Equal(t, 1, stubOf(t, n).initState)
		}
	}

	require.NoError(t, f.mgr.PrepareNodes(ctx))
	for tid := range 2 {
		for _, n := range f.mgr.ThreadLocalNodes(tid) {
			p := stubOf(t, n)
			assert.True(t, n.BuffersInitialized(), "gid %d", n.GID())
			assert.Equal(t, 1, p.initBuffers, "gid %d", n.GID())
			assert.Equal(t, 1, p.calibrate, "gid %d", n.GID())
		}
	}

	// 5 + 1 plain nodes and 2 device replicas, minus the frozen node.
	assert.Equal(t, 7, f.mgr.NumActiveNodes())
	assert.Equal(t, 7, metrics.active)

	siblings, err := f.mgr.GetThreadSiblings(rng.Min)
	require.NoError(t, err)
	for _, s := range siblings {
		assert.True(t, s.BuffersInitialized())
	}
}

func TestPrepareKeepsInitialisedBuffers(t *testing.T) {
	f := newFixture(t, 0, 1, 0, 1)
	ctx := context.Background()
	_, err := f.mgr.AddNode(ctx, f.neuron, 1)
	require.NoError(t, err)
	n, err := f.mgr.GetNode(1, 0)
	require.NoError(t, err)
	p := stubOf(t, n)

	require.NoError(t, f.mgr.PrepareNodes(ctx))
	require.NoError(t, f.mgr.PrepareNodes(ctx))
	assert.Equal(t, 1, p.initBuffers)
	assert.Equal(t, 2, p.calibrate)

	f.mgr.ResetNodesState()
	require.NoError(t, f.mgr.PrepareNodes(ctx))
	assert.Equal(t, 2, p.initBuffers)
	assert.True(t, n.BuffersInitialized())
}

func TestPassReportsSingleFailingWorker(t *testing.T) {
	metrics := &fakeMetrics{}
	f := newFixture(t, 0, 1, 0, 2, WithMetricsRecorder(metrics))
	ctx := context.Background()
	_, err := f.mgr.AddNode(ctx, f.neuron, 4)
	require.NoError(t, err)

	require.NoError(t, f.mgr.PrepareNodes(ctx))
	assert.Equal(t, passObservation{pass: PassPrepare}, metrics.observations[len(metrics.observations)-1])

	n, err := f.mgr.GetNode(3, 0)
	require.NoError(t, err)
	stubOf(t, n).failCalibrate = true

	err = f.mgr.PrepareNodes(ctx)
	var werr *WorkerError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, 1, werr.Thread)
	assert.Equal(t, model.GID(3), werr.GID)
	assert.Equal(t, passObservation{pass: PassPrepare, failed: true}, metrics.observations[len(metrics.observations)-1])
}

func TestPrepareReplaysFirstFailurePerWorker(t *testing.T) {
	metrics := &fakeMetrics{}
	f := newFixture(t, 0, 1, 0, 2, WithMetricsRecorder(metrics))
	ctx := context.Background()
	_, err := f.mgr.AddNode(ctx, f.neuron, 8)
	require.NoError(t, err)

	// Thread of gid g is g%2; fail on both threads, twice on thread 1.
	for _, gid := range []model.GID{3, 5, 4} {
		n, err := f.mgr.GetNode(gid, 0)
		require.NoError(t, err)
		stubOf(t, n).failCalibrate = true
	}

	err = f.mgr.PrepareNodes(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, errStub)

	var werr *WorkerError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, PassPrepare, werr.Pass)
	assert.Equal(t, 0, werr.Thread)
	assert.Equal(t, model.GID(4), werr.GID)
	assert.Contains(t, err.Error(), errStub.Error())

	// Failing nodes do not stop their worker.
	for tid := range 2 {
		for _, n := range f.mgr.ThreadLocalNodes(tid) {
			assert.Equal(t, 1, stubOf(t, n).calibrate, "gid %d", n.GID())
		}
	}
	require.NotEmpty(t, metrics.observations)
	assert.Equal(t, passObservation{pass: PassPrepare, failed: true}, metrics.observations[len(metrics.observations)-1])
}

func TestPassesAreTraced(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	f := newFixture(t, 0, 1, 0, 2, WithTracer(tp.Tracer("test")))
	ctx := context.Background()

	_, err := f.mgr.AddNode(ctx, f.neuron, 2)
	require.NoError(t, err)
	_, err = f.mgr.AddNode(ctx, 0, 1)
	require.ErrorIs(t, err, ErrUnknownModel)

	n, err := f.mgr.GetNode(1, 0)
	require.NoError(t, err)
	stubOf(t, n).failCalibrate = true
	require.Error(t, f.mgr.PrepareNodes(ctx))

	spans := rec.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "nodemanager.AddNode", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "nodemanager."+PassPrepare, spans[2].Name())
	assert.Equal(t, codes.Error, spans[2].Status().Code)
}

func TestUpdateSkipsFrozenAndRecoversPanics(t *testing.T) {
	f := newFixture(t, 0, 1, 0, 2)
	ctx := context.Background()
	_, err := f.mgr.AddNode(ctx, f.neuron, 4)
	require.NoError(t, err)

	require.NoError(t, f.mgr.UpdateNodes(ctx, 0, 10))

	n1, _ := f.mgr.GetNode(1, 0)
	n1.SetFrozen(true)
	require.NoError(t, f.mgr.UpdateNodes(ctx, 10, 20))
	assert.Equal(t, 1, stubOf(t, n1).updates)
	n2, _ := f.mgr.GetNode(2, 0)
	assert.Equal(t, 2, stubOf(t, n2).updates)

	n3, _ := f.mgr.GetNode(3, 0)
	stubOf(t, n3).panicUpdate = true
	err = f.mgr.UpdateNodes(ctx, 20, 30)
	var werr *WorkerError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, PassUpdate, werr.Pass)
	assert.Equal(t, model.GID(3), werr.GID)
	assert.Contains(t, err.Error(), "update exploded")
	assert.Equal(t, 3, stubOf(t, n2).updates)
}

func TestPostRunCleanupVisitsAllNodes(t *testing.T) {
	f := newFixture(t, 0, 1, 0, 3)
	ctx := context.Background()
	_, err := f.mgr.AddNode(ctx, f.neuron, 5)
	require.NoError(t, err)
	rng, err := f.mgr.AddNode(ctx, f.device, 1)
	require.NoError(t, err)

	require.NoError(t, f.mgr.PostRunCleanup(ctx))
	for tid := range 3 {
		for _, n := range f.mgr.ThreadLocalNodes(tid) {
			assert.Equal(t, 1, stubOf(t, n).cleanups)
		}
	}
	siblings, err := f.mgr.GetThreadSiblings(rng.Min)
	require.NoError(t, err)
	assert.Len(t, siblings, 3)
}

func TestFinalizeTearsDown(t *testing.T) {
	f := newFixture(t, 0, 1, 0, 2)
	ctx := context.Background()
	_, err := f.mgr.AddNode(ctx, f.neuron, 4)
	require.NoError(t, err)
	rng, err := f.mgr.AddNode(ctx, f.device, 1)
	require.NoError(t, err)

	var stubs []*stub
	for tid := range 2 {
		for _, n := range f.mgr.ThreadLocalNodes(tid) {
			stubs = append(stubs, stubOf(t, n))
		}
	}
	stubs[1].failFinalize = true

	err = f.mgr.Finalize(ctx)
	require.ErrorIs(t, err, errStub)
	for _, p := range stubs {
		assert.Equal(t, 1, p.finalizes)
		assert.Equal(t, 1, p.destroyed)
	}

	assert.Equal(t, model.GID(0), f.mgr.Size())
	assert.Zero(t, f.mgr.NumLocalNodes())
	assert.Empty(t, f.mgr.Ranges())
	assert.False(t, f.mgr.IsLocalGID(rng.Min))
	device, _ := f.reg.Model(f.device)
	assert.Zero(t, device.NumAllocated(0))

	// The manager is reusable after teardown.
	again, err := f.mgr.AddNode(ctx, f.neuron, 2)
	require.NoError(t, err)
	assert.Equal(t, model.GID(1), again.Min)
	assert.Len(t, f.mgr.ThreadLocalNodes(0), 1)
}

func TestCheckWFRUseCombinesAcrossProcesses(t *testing.T) {
	group, err := collective.NewGroup(2)
	require.NoError(t, err)
	ctx := context.Background()

	deliveries := []*fakeDelivery{{}, {}}
	fixtures := make([]*fixture, 2)
	for rank := range 2 {
		fixtures[rank] = newFixture(t, rank, 2, 0, 1,
			WithCollective(group),
			WithEventDelivery(deliveries[rank]),
			WithScheduler(fakeScheduler{minDelay: 4, order: 3}),
		)
		_, err := fixtures[rank].mgr.AddNode(ctx, fixtures[rank].neuron, 2)
		require.NoError(t, err)
	}
	// gid 3 lands on rank 1 only.
	for rank := range 2 {
		_, err := fixtures[rank].mgr.AddNode(ctx, fixtures[rank].wfrNeuron, 1)
		require.NoError(t, err)
	}
	for rank := range 2 {
		fixtures[rank].mgr.EnsureValidThreadLocalIDs()
	}
	assert.False(t, fixtures[0].mgr.WFRIsUsed())
	assert.True(t, fixtures[1].mgr.WFRIsUsed())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for rank := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = fixtures[rank].mgr.CheckWFRUse(ctx)
		}()
	}
	wg.Wait()

	for rank := range 2 {
		require.NoError(t, errs[rank])
		assert.True(t, fixtures[rank].mgr.WFRIsUsed(), "rank %d", rank)
		assert.Equal(t, int64(16), deliveries[rank].coeffLength)
	}
}
