package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sitewarden/warden/internal/types"
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "List incidents",
	Long: `List incidents, newest first.

Examples:
  warden incidents                      # Last 20 incidents
  warden incidents --active             # Unresolved incidents only
  warden incidents --state ESCALATED    # Incidents waiting for a human
  warden incidents --target site-42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stateFlag, _ := cmd.Flags().GetString("state")
		target, _ := cmd.Flags().GetString("target")
		active, _ := cmd.Flags().GetBool("active")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := types.IncidentFilter{TargetID: target, Active: active, Limit: limit}
		if stateFlag != "" {
			state := types.IncidentState(strings.ToUpper(stateFlag))
			if !state.IsValid() {
				return fmt.Errorf("invalid state: %s", stateFlag)
			}
			filter.State = &state
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

		incidents, err := store.ListIncidents(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to list incidents: %w", err)
		}
		if len(incidents) == 0 {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("\n%s No incidents found\n\n", yellow("✨"))
			return nil
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("\n%s Incidents (%d):\n\n", cyan("📋"), len(incidents))
		for _, inc := range incidents {
			flag := ""
			if inc.EscalationReview {
				flag = color.RedString(" ⚑ review")
			}
			fmt.Printf("  %s  %-16s %-28s fix %d/%d  P%d  %s%s\n",
				inc.ID,
				inc.TargetID,
				incidentStatus(inc),
				inc.FixAttempt, cfg.MaxFixAttempts,
				inc.Priority,
				inc.CreatedAt.Local().Format("2006-01-02 15:04"),
				flag,
			)
		}
		fmt.Println()
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <incident-id>",
	Short: "Show an incident and its transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		inc, err := store.FindIncident(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load incident: %w", err)
		}
		if inc == nil {
			return fmt.Errorf("incident %s not found", args[0])
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("\n%s %s\n", bold("Incident"), inc.ID)
		fmt.Printf("  Target:     %s\n", inc.TargetID)
		fmt.Printf("  State:      %s\n", incidentStatus(inc))
		fmt.Printf("  Trigger:    %s (priority %d", inc.TriggerType, inc.Priority)
		if inc.Source != "" {
			fmt.Printf(", from %s", inc.Source)
		}
		fmt.Printf(")\n")
		fmt.Printf("  Fix:        attempt %d of %d\n", inc.FixAttempt, cfg.MaxFixAttempts)
		fmt.Printf("  Created:    %s\n", inc.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if inc.ResolvedAt != nil {
			fmt.Printf("  Resolved:   %s (after %v)\n",
				inc.ResolvedAt.Local().Format("2006-01-02 15:04:05"),
				inc.ResolvedAt.Sub(inc.CreatedAt).Round(time.Second))
		}
		if inc.EscalationReview {
			fmt.Printf("  %s\n", color.RedString("⚑ Tagged for escalation review (flapping target)"))
		}
		if inc.EscalationReason != "" {
			fmt.Printf("  Escalated:  %s\n", color.RedString(inc.EscalationReason))
		}
		if meta := formatDetails(inc.Metadata); meta != "" {
			fmt.Printf("  Metadata:   %s\n", meta)
		}

		fmt.Printf("\n%s (%d):\n", bold("History"), len(inc.History))
		gray := color.New(color.FgHiBlack).SprintFunc()
		for _, t := range inc.History {
			attempt := ""
			if t.FixAttempt > 0 {
				attempt = gray(fmt.Sprintf(" #%d", t.FixAttempt))
			}
			fmt.Printf("  %s  %s → %s%s  %s\n",
				gray(t.Timestamp.Local().Format("15:04:05")),
				stateColor(t.FromState).Sprint(t.FromState),
				stateColor(t.ToState).Sprint(t.ToState),
				attempt,
				t.Reason,
			)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	incidentsCmd.Flags().String("state", "", "Filter by state (e.g. ESCALATED, FIX_ATTEMPT)")
	incidentsCmd.Flags().String("target", "", "Filter by target id")
	incidentsCmd.Flags().Bool("active", false, "Only unresolved incidents")
	incidentsCmd.Flags().IntP("limit", "n", 20, "Maximum number of incidents to show")
	rootCmd.AddCommand(incidentsCmd)
	rootCmd.AddCommand(showCmd)
}
