package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/pms"
)

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	cellStyle     = lipgloss.NewStyle().PaddingRight(2)
	positiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

// newTable returns a borderless table with an underlined header row.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderHeader(true).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.PaddingRight(2)
			}
			return cellStyle
		})
}

func renderTable(cmd *cobra.Command, t *table.Table) {
	fmt.Fprintln(cmd.OutOrStdout(), t.Render())
}

// statusText renders a status in the color of its outcome.
func statusText(s engine.Status, suffix string) string {
	text := string(s) + suffix
	switch {
	case s.IsPositive():
		return positiveStyle.Render(text)
	case s.IsFailure():
		return failedStyle.Render(text)
	case s.IsActive():
		return runningStyle.Render(text)
	}
	return text
}

func printReport(cmd *cobra.Command, r *pms.Report) error {
	if jsonOutput {
		return printJSON(cmd, r)
	}

	out := cmd.OutOrStdout()
	pe := r.PlanExecution
	fmt.Fprintf(out, "Plan execution %s (plan %s): %s\n", pe.UUID, pe.PlanID, pe.Status)
	if pe.RetryOf != "" {
		fmt.Fprintf(out, "Retry of %s\n", pe.RetryOf)
	}
	fmt.Fprintln(out)

	nodes := newTable("NODE", "GROUP", "MODE", "STATUS", "EXECUTION", "FAILURE")
	for _, ne := range r.Nodes {
		indent := strings.Repeat("  ", max(len(ne.Ambiance.Levels)-1, 0))
		suffix := ""
		if ne.Kind == engine.NodeKindIdentity {
			suffix = " (replayed)"
		}
		failure := ""
		if ne.FailureInfo != nil {
			failure = ne.FailureInfo.ErrorMessage
		}
		nodes.Row(indent+ne.Identifier, ne.Group, string(ne.Mode), statusText(ne.Status, suffix), ne.UUID, failure)
	}
	renderTable(cmd, nodes)

	if len(r.Outcomes) > 0 {
		fmt.Fprintln(out)
		outcomes := newTable("OUTCOME", "SCOPE", "VALUE")
		for _, o := range r.Outcomes {
			outcomes.Row(o.Name, o.ScopePath, string(o.Value))
		}
		renderTable(cmd, outcomes)
	}
	return nil
}

func printPlanExecutions(cmd *cobra.Command, pes []*engine.PlanExecution) error {
	if jsonOutput {
		return printJSON(cmd, pes)
	}
	t := newTable("EXECUTION", "PLAN", "STATUS", "STARTED", "RETRY OF")
	for _, pe := range pes {
		started := ""
		if !pe.StartTs.IsZero() {
			started = pe.StartTs.Format(time.RFC3339)
		}
		t.Row(pe.UUID, pe.PlanID, statusText(pe.Status, ""), started, pe.RetryOf)
	}
	renderTable(cmd, t)
	return nil
}
