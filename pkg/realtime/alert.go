package realtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/correlation"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
)

// AlertStatus is the lifecycle status of a generated alert.
type AlertStatus string

const (
	AlertStatusNew          AlertStatus = "new"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusFalsePositive AlertStatus = "false_positive"
)

// Alert is generated when a rule fires, either from a direct query match
// or a completed correlation.
type Alert struct {
	ID              string
	Title           string
	Description     string
	Severity        Severity
	Status          AlertStatus
	Source          string
	RuleID          string
	RawEvent        *ecs.NormalizedEvent
	MitreTactics    []string
	MitreTechniques []string
	Tags            []string
	CreatedAt       time.Time
}

// buildAlertTitle mirrors f"[{rule.name}] Detection Alert".
func buildAlertTitle(rule Rule) string {
	return fmt.Sprintf("[%s] Detection Alert", rule.Name)
}

// buildAlertDescription renders a human-readable alert body from the rule
// and match details, mirroring _build_alert_description.
func buildAlertDescription(rule Rule, match *correlation.Match) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("Detection rule '%s' triggered.", rule.Name), "")
	desc := rule.Description
	if desc == "" {
		desc = "N/A"
	}
	lines = append(lines, fmt.Sprintf("Rule Description: %s", desc), "", "Match Details:")

	if match != nil {
		if match.EntityKey != "" {
			lines = append(lines, fmt.Sprintf("  Entity: %s", match.EntityKey))
		}
		if seq, ok := match.Details["sequence"].([]string); ok {
			lines = append(lines, fmt.Sprintf("  Sequence: %s", strings.Join(seq, " -> ")))
		}
		if counts, ok := match.Details["event_counts"]; ok {
			lines = append(lines, fmt.Sprintf("  Event Counts: %v", counts))
		}
		if ratio, ok := match.Details["spike_ratio"]; ok {
			lines = append(lines, fmt.Sprintf("  Spike Ratio: %vx baseline", ratio))
		}
		if diff, ok := match.Details["time_diff_seconds"]; ok {
			lines = append(lines, fmt.Sprintf("  Time Between Events: %vs", diff))
		}
	}

	if len(rule.MitreTactics) > 0 || len(rule.MitreTechniques) > 0 {
		lines = append(lines, "", "MITRE ATT&CK:")
		if len(rule.MitreTactics) > 0 {
			lines = append(lines, fmt.Sprintf("  Tactics: %s", strings.Join(rule.MitreTactics, ", ")))
		}
		if len(rule.MitreTechniques) > 0 {
			lines = append(lines, fmt.Sprintf("  Techniques: %s", strings.Join(rule.MitreTechniques, ", ")))
		}
	}

	return strings.Join(lines, "\n")
}
