package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"loopsmith/internal/config"
	"loopsmith/internal/knowledge"
	"loopsmith/internal/memory"
	"loopsmith/internal/store"
)

var (
	showContent  bool
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs and the most frequent error signatures",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		return listHistory(cmd.Context(), os.Stdout, ws, historyLimit)
	},
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "List verified solutions stored in meta-memory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		return listMemory(os.Stdout, ws, showContent)
	},
}

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge [query]",
	Short: "Summarize or search the knowledge base",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		return showKnowledge(os.Stdout, ws, joinArgs(args))
	},
}

func stateFile(ws, name string) string {
	return filepath.Join(ws, config.StateDirName, name)
}

func listHistory(ctx context.Context, w io.Writer, ws string, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := stateFile(ws, "history.db")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(w, mutedStyle.Render("No runs recorded yet."))
		return nil
	}
	hist, err := store.OpenHistory(path)
	if err != nil {
		return err
	}
	defer hist.Close()

	runs, err := hist.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("## Recent runs\n\n| Started | Result | Attempts | Goal |\n|---|---|---|---|\n")
	for _, r := range runs {
		result := "running"
		switch {
		case r.Finished() && r.Success:
			result = "verified"
		case r.Finished():
			result = "failed"
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %s |\n",
			r.StartedAt.Format("2006-01-02 15:04"), result, r.Attempts, escapeCell(truncate(r.Goal, 60)))
	}

	counts, err := hist.SignatureCounts(ctx)
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		sigs := make([]string, 0, len(counts))
		for s := range counts {
			sigs = append(sigs, s)
		}
		sort.Slice(sigs, func(i, j int) bool {
			if counts[sigs[i]] != counts[sigs[j]] {
				return counts[sigs[i]] > counts[sigs[j]]
			}
			return sigs[i] < sigs[j]
		})
		if len(sigs) > 10 {
			sigs = sigs[:10]
		}
		b.WriteString("\n## Frequent errors\n\n| Signature | Failures |\n|---|---|\n")
		for _, s := range sigs {
			fmt.Fprintf(&b, "| %s | %d |\n", escapeCell(s), counts[s])
		}
	}
	fmt.Fprint(w, renderMarkdown(b.String()))
	return nil
}

func listMemory(w io.Writer, ws string, content bool) error {
	st, err := memory.Open(stateFile(ws, "meta_memory.json"))
	if err != nil {
		return err
	}
	solutions := st.Solutions()
	if len(solutions) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("Meta-memory is empty."))
		return nil
	}

	var b strings.Builder
	b.WriteString("## Stored solutions\n\n| Signature | File | Strategy | Reused |\n|---|---|---|---|\n")
	for _, s := range solutions {
		fmt.Fprintf(&b, "| %s | %s | %s | %d |\n", escapeCell(s.Signature), s.FilePath, s.Strategy, s.ReuseCount)
	}
	if content {
		for _, s := range solutions {
			fmt.Fprintf(&b, "\n### %s\n\n```%s\n%s\n```\n", s.Signature, s.Language, s.FixedContent)
		}
	}
	stats := st.Statistics()
	fmt.Fprintf(&b, "\n%d stored, %d reused, %d errors seen, %d unverified fixes dropped\n",
		stats.SolutionsStored, stats.SolutionsReused, stats.ErrorsSeen, stats.PendingDropped)
	fmt.Fprint(w, renderMarkdown(b.String()))
	return nil
}

func showKnowledge(w io.Writer, ws, query string) error {
	kb, err := knowledge.Open(stateFile(ws, "knowledge.json"))
	if err != nil {
		return err
	}

	var b strings.Builder
	if query == "" {
		s := kb.Summary()
		b.WriteString("## Knowledge base\n\n")
		fmt.Fprintf(&b, "- Topics (%d): %s\n", len(s.Topics), listOrDash(s.Topics))
		fmt.Fprintf(&b, "- Entries: %d\n", s.Entries)
		fmt.Fprintf(&b, "- Patterns: %d\n", s.Patterns)
		fmt.Fprintf(&b, "- Technologies: %s\n", listOrDash(s.Technologies))
		fmt.Fprintf(&b, "- Tools: %s\n", listOrDash(s.Tools))
		fmt.Fprintf(&b, "- Searches: %d\n", s.Statistics.Searches)
	} else {
		matches := kb.Search(query)
		fmt.Fprintf(&b, "## %d results for %q\n\n", len(matches), query)
		for _, m := range matches {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", m.Topic, m.MatchType, truncate(m.Entry.Knowledge, 400))
		}
	}
	fmt.Fprint(w, renderMarkdown(b.String()))
	return nil
}

func listOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
