package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/nodekernel/internal/collective"
	"github.com/signalsfoundry/nodekernel/internal/config"
	"github.com/signalsfoundry/nodekernel/internal/kernel"
	"github.com/signalsfoundry/nodekernel/internal/logging"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "nodekernel",
		Short:        "Distributed node manager of a spiking network simulator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML run configuration (defaults apply when empty)")

	root.AddCommand(newRunCmd(&configPath), newRangesCmd(&configPath))
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create the configured network and simulate it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if opts.MetricsAddr == "" {
				opts.MetricsAddr = cfg.MetricsAddr
			}
			log := logging.New(logging.Config{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: cmd.ErrOrStderr(),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, cfg, opts, log, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&opts.Steps, "steps", 1000, "number of simulation steps")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics; overrides metrics_addr")
	cmd.Flags().StringVar(&opts.CheckpointOut, "checkpoint-out", "", "write a checkpoint after the run (.yaml for text, binary otherwise)")
	cmd.Flags().StringVar(&opts.RestorePath, "restore", "", "rebuild the network from a checkpoint instead of the create steps")
	return cmd
}

func newRangesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ranges",
		Short: "Print the GID ranges the create steps produce",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			// Range layout is identical on every rank.
			k, err := kernel.New(cfg, 0, collective.Local{}, logging.Noop(), nil)
			if err != nil {
				return err
			}
			if err := k.Populate(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), k.Nodes.String())
			return err
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}
