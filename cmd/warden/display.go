package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/sitewarden/warden/internal/events"
	"github.com/sitewarden/warden/internal/types"
)

// stateColor picks a colour per incident state
func stateColor(s types.IncidentState) *color.Color {
	switch s {
	case types.StateFixed:
		return color.New(color.FgGreen)
	case types.StateEscalated:
		return color.New(color.FgRed, color.Bold)
	case types.StateRollback:
		return color.New(color.FgYellow)
	case types.StateFixAttempt, types.StateVerify:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgBlue)
	}
}

func severityColor(s events.EventSeverity) *color.Color {
	switch s {
	case events.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case events.SeverityError:
		return color.New(color.FgRed)
	case events.SeverityWarning:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Reset)
	}
}

func severityEmoji(s events.EventSeverity) string {
	switch s {
	case events.SeverityCritical:
		return "🔥"
	case events.SeverityError:
		return "❌"
	case events.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// incidentStatus describes where an incident stands, including resolution
func incidentStatus(inc *types.Incident) string {
	label := stateColor(inc.State).Sprint(inc.State)
	if inc.State == types.StateRollback && inc.ResolvedAt != nil {
		label += " (rolled back)"
	}
	return label
}

// displayEvent prints one audit event on two lines
func displayEvent(e *events.AuditEvent) {
	gray := color.New(color.FgHiBlack)
	magenta := color.New(color.FgMagenta)

	fmt.Printf("%s [%s] %s %s: %s\n",
		severityEmoji(e.Severity),
		e.Timestamp.Local().Format("2006-01-02 15:04:05"),
		magenta.Sprint(e.Action),
		color.GreenString(e.ResourceID),
		severityColor(e.Severity).Sprint(truncateString(e.Message, 100)),
	)
	if meta := formatDetails(e.Details); meta != "" {
		fmt.Printf("  %s\n", gray.Sprint(meta))
	}
}

// formatDetails renders details as sorted key=value pairs
func formatDetails(details map[string]interface{}) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := details[k]
		if v == nil || v == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, truncateString(fmt.Sprint(v), 60)))
	}
	return strings.Join(parts, " | ")
}

func truncateString(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
