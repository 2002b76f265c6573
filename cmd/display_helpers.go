package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/engine"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// Shared display helper functions for all commands

func colorStatus(status types.RunStatus) string {
	switch status {
	case types.RunStatusCompleted:
		return color.New(color.FgGreen).Sprint("✓ " + string(status))
	case types.RunStatusCompletedWithErrors:
		return color.New(color.FgYellow).Sprint("! " + string(status))
	case types.RunStatusRunning:
		return color.New(color.FgYellow).Sprint("⟳ " + string(status))
	case types.RunStatusFailed, types.RunStatusValidationFailed:
		return color.New(color.FgRed).Sprint("✗ " + string(status))
	default:
		return string(status)
	}
}

func colorSeverity(severity types.Severity) string {
	switch severity {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint("CRITICAL")
	case types.SeverityHigh:
		return color.New(color.FgRed).Sprint("HIGH")
	case types.SeverityMedium:
		return color.New(color.FgYellow).Sprint("MEDIUM")
	case types.SeverityLow:
		return color.New(color.FgCyan).Sprint("LOW")
	case types.SeverityInfo:
		return color.New(color.FgWhite).Sprint("INFO")
	default:
		return string(severity)
	}
}

var severityOrder = map[types.Severity]int{
	types.SeverityCritical: 0,
	types.SeverityHigh:     1,
	types.SeverityMedium:   2,
	types.SeverityLow:      3,
	types.SeverityInfo:     4,
}

func groupFindingsBySeverity(findings []types.Finding) map[types.Severity]int {
	counts := make(map[types.Severity]int)
	for _, finding := range findings {
		if finding.IsSuppressed {
			continue
		}
		counts[finding.Severity]++
	}
	return counts
}

func displayRunSummary(out io.Writer, outcome engine.RunOutcome, run *types.TestRun) {
	fmt.Fprintf(out, "\nRun %s: %s\n", outcome.TestRunID, colorStatus(outcome.Status))
	if run != nil {
		fmt.Fprintf(out, "  Combinations: %d/%d\n", run.Progress.Completed, run.Progress.Total)
		fmt.Fprintf(out, "  Findings:     %d (suppressed %d, dropped %d, near misses %d)\n",
			run.FindingsCountEffective, run.SuppressedCountRule, run.DroppedCount, run.NearMissCount)
	} else {
		fmt.Fprintf(out, "  Findings:     %d\n", outcome.FindingsCount)
	}
	if outcome.ErrorsCount > 0 {
		color.New(color.FgRed).Fprintf(out, "  Errors:       %d\n", outcome.ErrorsCount)
		if run != nil {
			for _, e := range run.Errors {
				fmt.Fprintf(out, "    - %s\n", e)
			}
		}
	}
	if outcome.Error != "" {
		color.New(color.FgRed).Fprintf(out, "  Error: %s\n", outcome.Error)
	}
	for _, w := range outcome.Warnings {
		color.New(color.FgYellow).Fprintf(out, "  Warning: %s\n", w)
	}
}

func displayTopFindings(out io.Writer, findings []types.Finding, limit int) {
	sorted := make([]types.Finding, 0, len(findings))
	for _, f := range findings {
		if !f.IsSuppressed {
			sorted = append(sorted, f)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return severityOrder[sorted[i].Severity] < severityOrder[sorted[j].Severity]
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}

	for _, finding := range sorted {
		fmt.Fprintf(out, "\n%s - %s\n", colorSeverity(finding.Severity), finding.Title)
		fmt.Fprintf(out, "  Attacker: %s | Victims: %s | Fingerprint: %s\n",
			orDash(finding.AttackerID), orDash(strings.Join(finding.VictimIDs, ",")), finding.Fingerprint)

		if finding.DiffSummary != "" {
			diff := finding.DiffSummary
			if len(diff) > 150 {
				diff = diff[:147] + "..."
			}
			fmt.Fprintf(out, "  Diff: %s\n", diff)
		}
		for _, ex := range finding.Evidence {
			if ex.Request == nil || ex.Response == nil {
				continue
			}
			fmt.Fprintf(out, "  Step %d: %s %s -> %d\n", ex.StepOrder, ex.Request.Method, ex.Request.URL, ex.Response.Status)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
