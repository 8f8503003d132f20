package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sitewarden/warden/internal/engine"
	"github.com/sitewarden/warden/internal/phases"
	"github.com/sitewarden/warden/internal/queue"
	"github.com/sitewarden/warden/internal/storage"
	"github.com/sitewarden/warden/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the incident engine",
	Long: `Run the incident engine until interrupted.

The engine restores flapping history and re-queues unfinished incidents from
the database, then processes trigger and phase jobs and runs the background
sweeper. Only one serve may own a database at a time.

Examples:
  warden serve                       # Use $WARDEN_DB or .warden/warden.db
  warden serve --config warden.yaml  # Per-target URLs and thresholds
  warden serve --ephemeral           # Keep the job queue in memory

With --ephemeral the server never reads the jobs table, so 'warden trigger'
refuses to queue work for it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ephemeral, _ := cmd.Flags().GetBool("ephemeral")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if err := telemetry.Init(ctx, "warden", version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry disabled: %v\n", err)
		}
		defer telemetry.Shutdown(context.Background())

		store, dbPath, err := openStore(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer store.Close()

		lockPath, err := storage.AcquireServeLock(dbPath, version, ephemeral)
		if err != nil {
			return err
		}
		defer func() {
			if err := storage.ReleaseServeLock(lockPath); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}()

		var q queue.Queue
		if ephemeral {
			q, err = queue.NewMemoryQueue(cfg.Queue, nil)
		} else {
			q, err = queue.NewStoreQueue(cfg.Queue, store, nil)
		}
		if err != nil {
			return err
		}

		urls := cfg.TargetURLs()
		engineCfg := engine.FromSettings(cfg)
		engineCfg.Store = store
		engineCfg.Queue = q
		engineCfg.Metrics = telemetry.NewMetrics()
		engineCfg.Handlers = phases.Default(func(targetID string) string { return urls[targetID] })

		eng, err := engine.New(engineCfg)
		if err != nil {
			return fmt.Errorf("failed to create engine: %w", err)
		}
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s warden %s serving %s (%d target(s) configured)\n", green("✓"), version, dbPath, len(cfg.Targets))
		if ephemeral {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("%s Job queue is in memory; queued work is lost on exit\n", yellow("⚠"))
		}

		<-ctx.Done()
		fmt.Printf("\nShutting down...\n")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.PhaseTimeout+10*time.Second)
		defer cancel()
		return eng.Stop(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().Bool("ephemeral", false, "Keep the job queue in memory instead of the database")
	rootCmd.AddCommand(serveCmd)
}
