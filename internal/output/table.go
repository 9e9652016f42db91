package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jbweber/provision/internal/orchestrator"
	"github.com/jbweber/provision/internal/plan"
)

// TableFormatter formats plans and results as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header rows.
	NoHeaders bool
}

// FormatPlans writes one step table per plan.
func (f *TableFormatter) FormatPlans(plans []*plan.Plan) (string, error) {
	if len(plans) == 0 {
		return "No plans\n", nil
	}

	var buf bytes.Buffer
	for i, p := range plans {
		if i > 0 {
			buf.WriteString("\n")
		}
		if !f.NoHeaders {
			_, _ = fmt.Fprintf(&buf, "Plan for %s (provider %s, %d steps)\n", p.VM.Name, p.Provider, len(p.Steps))
		}

		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		if !f.NoHeaders {
			_, _ = fmt.Fprintln(w, "#\tSTEP\tDESCRIPTION\tROLLBACK")
		}
		for _, s := range p.Steps {
			desc := s.Description
			if s.Optional {
				desc += " (optional)"
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Index+1, s.Name, desc, s.RollbackDescription())
		}
		_ = w.Flush()

		for _, warning := range p.Warnings {
			_, _ = fmt.Fprintf(&buf, "Warning: %s\n", warning)
		}
	}

	return buf.String(), nil
}

// FormatResults writes a summary line and a step table per result.
func (f *TableFormatter) FormatResults(results []*orchestrator.Result) (string, error) {
	if len(results) == 0 {
		return "No results\n", nil
	}

	var buf bytes.Buffer
	for i, r := range results {
		if i > 0 {
			buf.WriteString("\n")
		}
		if !f.NoHeaders {
			summary := fmt.Sprintf("%s (provider %s): %s", r.VM, r.Provider, r.Phase)
			if r.DryRun {
				summary += " (dry run)"
			} else {
				summary += " in " + formatDuration(r.Duration())
			}
			_, _ = fmt.Fprintln(&buf, summary)
		}

		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		if !f.NoHeaders {
			_, _ = fmt.Fprintln(w, "#\tSTEP\tSTATUS\tDURATION\tDETAIL")
		}
		for _, s := range r.Steps {
			d := "-"
			if s.Status != orchestrator.StepPending {
				d = formatDuration(s.Duration)
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.Index+1, s.Name, s.Status, d, stepDetail(s))
		}
		_ = w.Flush()

		for _, warning := range r.Warnings {
			_, _ = fmt.Fprintf(&buf, "Warning: %s\n", warning)
		}
		if r.Error != "" {
			_, _ = fmt.Fprintf(&buf, "Error: %s\n", r.Error)
		}
		for _, e := range r.RollbackErrors {
			_, _ = fmt.Fprintf(&buf, "Rollback error: %s\n", e)
		}
	}

	return buf.String(), nil
}

// stepDetail picks the most relevant message for a step row.
func stepDetail(s orchestrator.StepResult) string {
	switch {
	case s.RollbackError != "":
		return s.RollbackError
	case s.Error != "":
		return s.Error
	default:
		return s.Description
	}
}

// formatDuration formats a duration for a table cell.
// Examples: "850ms", "12s", "2m5s", "1h3m"
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm%ds", minutes, seconds%60)
	}

	return fmt.Sprintf("%dh%dm", minutes/60, minutes%60)
}
