package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zulandar/leadline/internal/dashboard"
	"github.com/zulandar/leadline/internal/inbox"
	"github.com/zulandar/leadline/internal/metrics"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine and the local inbox API",
		Long: `Loads the room list, connects the push channel and serves the inbox API
until interrupted. While the push channel is lost the engine polls the
gateway on the configured resync schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to leadline config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port (overrides api.port)")
	return cmd
}

func runRun(cmd *cobra.Command, configPath string, port int) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.API.Port = port
	}

	m := metrics.New()
	gw, err := newGateway(cfg, m, logger)
	if err != nil {
		return err
	}
	tr, err := newTransport(cfg, m, logger)
	if err != nil {
		return err
	}
	notifier, err := newNotifier(cfg)
	if err != nil {
		return err
	}
	store, err := openCache(cfg, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	opts := inbox.Opts{
		Gateway:        gw,
		Transport:      tr,
		Viewer:         cfg.ViewerIdentity(),
		Notifier:       notifier,
		Recorder:       m,
		PageSize:       cfg.Timeline.PageSize,
		Tolerance:      cfg.Timeline.MatchTolerance,
		ResyncSchedule: cfg.Resync.Schedule,
		Logger:         logger,
	}
	if store != nil {
		opts.Cache = store
	}
	in, err := inbox.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := in.Start(ctx); err != nil {
		in.Close()
		return err
	}
	defer in.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "Synced %d rooms for viewer %s (%s)\n",
		len(in.Rooms()), cfg.Viewer.ID, cfg.Viewer.Role)

	return dashboard.Start(ctx, dashboard.StartOpts{
		Inbox:   in,
		Metrics: m.Handler(),
		Port:    cfg.API.Port,
		Out:     cmd.OutOrStdout(),
		Logger:  logger,
	})
}
