package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tidewatch/tidewatch/internal/config"
	"github.com/tidewatch/tidewatch/internal/dependency"
)

var trackVerbose bool

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Start the tidewatch tracking service",
	RunE:  runTrack,
}

func init() {
	trackCmd.Flags().BoolVarP(&trackVerbose, "verbose", "v", false, "Verbose logging")
}

func runTrack(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	if trackVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	c, err := dependency.New(cfg)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	registry := c.Registry()

	if err := registry.RestoreFromDisk(); err != nil {
		return fmt.Errorf("restore run table: %w", err)
	}
	registry.ReconcileAndResume()

	fmt.Printf("%s Starting tidewatch (gateway %s)...\n", logo, cfg.Gateway.URL)

	// Graceful shutdown context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return registry.Run(gctx, c.Events()) })
	g.Go(func() error { return c.Gateway().Run(gctx) })

	sched := cron.New()
	schedule := cfg.MaintenanceSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	if _, err := sched.AddFunc(schedule, func() {
		if !registry.HasArchivable() {
			return
		}
		if n := registry.Sweep(gctx); n > 0 {
			slog.Info("maintenance: archived runs", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", schedule, err)
	}
	sched.Start()
	defer sched.Stop()

	fmt.Printf("%s Tracking. Press Ctrl+C to stop.\n", logo)

	err = g.Wait()
	registry.Close()
	registry.WaitIdle()

	if err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "track error: %v\n", err)
		return err
	}
	fmt.Println("\nShutdown complete.")
	return nil
}
