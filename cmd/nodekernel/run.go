package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/nodekernel/internal/checkpoint"
	"github.com/signalsfoundry/nodekernel/internal/collective"
	"github.com/signalsfoundry/nodekernel/internal/config"
	"github.com/signalsfoundry/nodekernel/internal/kernel"
	"github.com/signalsfoundry/nodekernel/internal/logging"
	"github.com/signalsfoundry/nodekernel/internal/observability"
)

type runOptions struct {
	Steps         int64
	MetricsAddr   string
	CheckpointOut string
	RestorePath   string
}

// run builds one kernel per rank, populates or restores them, simulates
// every rank concurrently and writes a per-rank summary to out.
func run(ctx context.Context, cfg *config.Config, opts runOptions, log logging.Logger, out io.Writer) error {
	if opts.Steps < 0 {
		return fmt.Errorf("steps must not be negative, got %d", opts.Steps)
	}
	ctx, _ = logging.EnsureRunID(ctx)
	ctx = logging.ContextWithLogger(ctx, log)

	shutdown, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	collector, err := observability.NewNodeCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if opts.MetricsAddr != "" {
		srv := serveMetrics(opts.MetricsAddr, collector, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	kernels, err := buildRanks(cfg, collector, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, k := range kernels {
			if err := k.Finalize(context.Background()); err != nil {
				log.Warn(ctx, "finalize failed", logging.Int("rank", k.Rank()), logging.Err(err))
			}
		}
	}()

	if opts.RestorePath != "" {
		if err := restoreRanks(ctx, kernels, opts.RestorePath); err != nil {
			return err
		}
	} else {
		for _, k := range kernels {
			if err := k.Populate(ctx); err != nil {
				return err
			}
		}
	}

	log.Info(ctx, "starting simulation",
		logging.Int("ranks", len(kernels)),
		logging.Int("threads", cfg.Topology.Threads),
		logging.Any("steps", opts.Steps),
		logging.String("mode", cfg.Scheduling.Mode),
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, k := range kernels {
		g.Go(func() error {
			if err := k.Simulate(gctx, opts.Steps); err != nil {
				return fmt.Errorf("rank %d: %w", k.Rank(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if opts.CheckpointOut != "" {
		if err := writeCheckpoint(kernels, opts.CheckpointOut); err != nil {
			return err
		}
		log.Info(ctx, "checkpoint written", logging.String("path", opts.CheckpointOut))
	}

	for _, k := range kernels {
		if _, err := fmt.Fprintf(out, "rank %d: network size %d, %d local entries, %d active nodes, step %d (%s)\n",
			k.Rank(), k.Nodes.Size(), k.Nodes.NumLocalNodes(), k.Nodes.NumActiveNodes(), k.Clock.Step(), k.Clock.Now()); err != nil {
			return err
		}
	}
	return nil
}

func buildRanks(cfg *config.Config, collector *observability.NodeCollector, log logging.Logger) ([]*kernel.Kernel, error) {
	group, err := collective.NewGroup(cfg.Topology.NumRanks())
	if err != nil {
		return nil, err
	}
	kernels := make([]*kernel.Kernel, cfg.Topology.NumRanks())
	for rank := range kernels {
		k, err := kernel.New(cfg, rank, group, log, collector.ForRank(rank))
		if err != nil {
			return nil, err
		}
		kernels[rank] = k
	}
	return kernels, nil
}

// restoreRanks applies the checkpoint at path to every rank in turn; the
// records are shared so the ranks must not restore concurrently.
func restoreRanks(ctx context.Context, kernels []*kernel.Kernel, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	snap, err := checkpoint.Read(f, checkpoint.FormatFromPath(path))
	if err != nil {
		return err
	}
	for _, k := range kernels {
		if err := k.Restore(ctx, snap); err != nil {
			return fmt.Errorf("rank %d: %w", k.Rank(), err)
		}
	}
	return nil
}

func writeCheckpoint(kernels []*kernel.Kernel, path string) (err error) {
	snap, err := kernel.Snapshot(kernels)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return checkpoint.Write(f, snap, checkpoint.FormatFromPath(path))
}

func serveMetrics(addr string, collector *observability.NodeCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
