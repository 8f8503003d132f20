package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sitewarden/warden/internal/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the audit log",
	Long: `Show audit events recorded by the engine: transitions, escalations,
guard trips (circuit, flapping, loop bounds, rate limit) and dead-lettered jobs.

Examples:
  warden events                             # Last 20 events
  warden events --resource <incident-id>    # One incident's trail
  warden events --action flapping.blocked   # Refused triggers
  warden events --severity error --since 1h # Recent errors and worse`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resource, _ := cmd.Flags().GetString("resource")
		resourceType, _ := cmd.Flags().GetString("type")
		action, _ := cmd.Flags().GetString("action")
		severity, _ := cmd.Flags().GetString("severity")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := events.EventFilter{
			ResourceType: events.ResourceType(resourceType),
			ResourceID:   resource,
			Action:       events.Action(action),
			MinSeverity:  events.EventSeverity(severity),
			Limit:        limit,
		}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		ctx := context.Background()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, _, err := openStore(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.GetAuditEvents(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to fetch events: %w", err)
		}
		if len(list) == 0 {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("\n%s No events found matching the criteria\n\n", yellow("✨"))
			return nil
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("\n%s Audit log (%d events):\n\n", cyan("📋"), len(list))
		for _, e := range list {
			displayEvent(e)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringP("resource", "r", "", "Filter by resource id (incident, target, circuit or loop id)")
	eventsCmd.Flags().String("type", "", "Filter by resource type (incident, target, circuit, loop, job, engine)")
	eventsCmd.Flags().StringP("action", "a", "", "Filter by action (e.g. incident.escalated, circuit.opened)")
	eventsCmd.Flags().StringP("severity", "s", "", "Minimum severity (info, warning, error, critical)")
	eventsCmd.Flags().Duration("since", 0, "Only events newer than this (e.g. 1h)")
	eventsCmd.Flags().IntP("limit", "n", 20, "Maximum number of events to show")
	rootCmd.AddCommand(eventsCmd)
}
