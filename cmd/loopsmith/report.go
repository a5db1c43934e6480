package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"loopsmith/internal/memory"
	"loopsmith/internal/supervisor"
	"loopsmith/internal/usage"
)

var (
	successColor = lipgloss.Color("#8BC34A")
	failureColor = lipgloss.Color("#e53935")
	mutedColor   = lipgloss.Color("#6c7a89")

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	okStyle    = titleStyle.Foreground(successColor)
	failStyle  = titleStyle.Foreground(failureColor)
	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

// renderMarkdown renders md for the terminal, falling back to the raw text.
func renderMarkdown(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

func printRunReport(w io.Writer, r *supervisor.Report, u usage.AggregatedStats, m memory.Statistics) {
	if r.Success {
		fmt.Fprintln(w, okStyle.Render("✓ "+r.Summary))
	} else {
		fmt.Fprintln(w, failStyle.Render("✗ "+r.Summary))
	}
	fmt.Fprint(w, renderMarkdown(runReportMarkdown(r, u, m)))
	fmt.Fprintln(w, mutedStyle.Render("Workspace: "+r.Workspace))
}

// runReportMarkdown formats the attempt log and statistics of a run.
func runReportMarkdown(r *supervisor.Report, u usage.AggregatedStats, m memory.Statistics) string {
	var b strings.Builder

	b.WriteString("## Attempts\n\n")
	b.WriteString("| # | Strategy | Result | Signature |\n|---|---|---|---|\n")
	for _, rec := range r.Records {
		result := "passed"
		if !rec.Success {
			result = "failed"
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s |\n", rec.Attempt, rec.Strategy, result, escapeCell(rec.Signature))
	}
	if n := len(r.Records); n > 0 && !r.Records[n-1].Success {
		fmt.Fprintf(&b, "\nLast error: `%s`\n", truncate(r.Records[n-1].Error, 300))
	}

	b.WriteString("\n## Statistics\n\n")
	fmt.Fprintf(&b, "- Attempts: %d\n", r.Attempts)
	fmt.Fprintf(&b, "- Strategies tried: %d, escalations: %d\n", len(r.Stats.StrategiesTried), r.Stats.Escalations)
	fmt.Fprintf(&b, "- Distinct error signatures: %d\n", r.Stats.UniqueSignatures)
	fmt.Fprintf(&b, "- Duration: %s\n", r.Stats.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "- Meta-memory: %d stored, %d reused, %d errors seen\n",
		m.SolutionsStored, m.SolutionsReused, m.ErrorsSeen)
	fmt.Fprintf(&b, "- LLM calls: %d (%d failed), quota retries: %d, fallovers: %d\n",
		u.Total.Calls, u.Total.Failures, u.QuotaRetries, u.Fallovers)

	if len(u.ByProvider) > 0 {
		providers := make([]string, 0, len(u.ByProvider))
		for p := range u.ByProvider {
			providers = append(providers, p)
		}
		sort.Strings(providers)
		b.WriteString("\n| Provider | Calls | Failures |\n|---|---|---|\n")
		for _, p := range providers {
			c := u.ByProvider[p]
			fmt.Fprintf(&b, "| %s | %d | %d |\n", p, c.Calls, c.Failures)
		}
	}
	return b.String()
}

func escapeCell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", "\\|")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
