package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sitewarden/warden/internal/engine"
	"github.com/sitewarden/warden/internal/queue"
	"github.com/sitewarden/warden/internal/storage"
	"github.com/sitewarden/warden/internal/types"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <target-id>",
	Short: "Queue a trigger for a target",
	Long: `Queue a trigger for a running 'warden serve' to admit.

Admission (rate limit and flapping checks) happens in the engine, so a queued
trigger may still be refused; see 'warden events --action flapping.blocked'.
Triggers are delivered through the database, so a server started with
--ephemeral cannot receive them and the command fails instead.

Examples:
  warden trigger site-42                          # Monitoring alert, priority 2
  warden trigger site-42 --type manual -p 0       # Manual, highest priority
  warden trigger site-42 --meta check=homepage    # Attach metadata`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		triggerType, _ := cmd.Flags().GetString("type")
		priority, _ := cmd.Flags().GetInt("priority")
		source, _ := cmd.Flags().GetString("source")
		meta, _ := cmd.Flags().GetStringToString("meta")
		requestID, _ := cmd.Flags().GetString("request-id")

		ctx := context.Background()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, dbPath, err := openStore(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := checkServeAcceptsTriggers(dbPath); err != nil {
			return err
		}

		q, err := queue.NewStoreQueue(cfg.Queue, store, nil)
		if err != nil {
			return err
		}

		req := engine.TriggerRequest{
			RequestID:   requestID,
			TargetID:    args[0],
			TriggerType: types.TriggerType(triggerType),
			Source:      source,
		}
		if cmd.Flags().Changed("priority") {
			req.Priority = &priority
		}
		if len(meta) > 0 {
			req.Metadata = make(map[string]interface{}, len(meta))
			for k, v := range meta {
				req.Metadata[k] = v
			}
		}

		id, err := engine.SubmitTrigger(ctx, q, req)
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Trigger queued for %s (request %s)\n", green("✓"), req.TargetID, id)
		return nil
	},
}

// checkServeAcceptsTriggers fails when the serve process owning dbPath keeps
// its queue in memory, where a trigger written to the database is never seen
func checkServeAcceptsTriggers(dbPath string) error {
	lock, err := storage.ReadServeLock(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return nil
	}
	if lock != nil && lock.Ephemeral {
		return fmt.Errorf("warden serve (PID %d on %s) is running with --ephemeral and cannot receive queued triggers",
			lock.PID, lock.Hostname)
	}
	return nil
}

func init() {
	triggerCmd.Flags().StringP("type", "t", string(types.TriggerMonitoringAlert), "Trigger type (monitoring_alert, manual, scheduled)")
	triggerCmd.Flags().IntP("priority", "p", 2, "Priority, 0 (highest) to 4")
	triggerCmd.Flags().StringP("source", "s", "cli", "Where the trigger came from")
	triggerCmd.Flags().StringToString("meta", nil, "Metadata key=value pairs")
	triggerCmd.Flags().String("request-id", "", "Request id for deduplicating resubmissions (default: random)")
	rootCmd.AddCommand(triggerCmd)
}
