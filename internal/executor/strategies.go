package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"loopsmith/internal/llm"
	"loopsmith/internal/logging"
	"loopsmith/internal/memory"
	"loopsmith/internal/strategy"
	"loopsmith/internal/types"
)

const (
	maxKnowledgeLines = 8
	maxKnowledgeLen   = 400
	maxWordsPerError  = 2
)

// noiseWords never make useful knowledge queries on their own.
var noiseWords = map[string]bool{
	"backend": true, "chars": true, "error": true, "failed": true,
	"minimum": true, "missing": true, "returned": true, "small": true,
	"status": true, "uncaught": true,
}

var errEmptyFix = errors.New("empty fix")

// candidate reads the target file; a missing file means there is nothing to fix.
func (e *Executor) candidate(bundle string) (string, string, error) {
	target := DetectTarget(bundle, e.goal.RequiredFiles)
	current, err := e.readFile(target)
	if os.IsNotExist(err) {
		return target, "", fmt.Errorf("%w: %s does not exist", ErrNoCandidate, target)
	}
	if err != nil {
		return target, "", err
	}
	return target, current, nil
}

// directFileFix rewrites the detected file. A stored solution for the
// signature is applied without consulting the LLM.
func (e *Executor) directFileFix(ctx context.Context, bundle, sig string) error {
	sol, ok, err := e.deps.Learner.KnownSolution(sig)
	if err != nil {
		logging.ExecutorWarn("Meta-memory lookup failed: %v", err)
	}
	if ok {
		if err := e.writeFile(sol.FilePath, sol.FixedContent); err != nil {
			return err
		}
		e.deps.Learner.MarkApplied(sig)
		logging.Executor("Applied stored solution for %s to %s", sig, sol.FilePath)
		return nil
	}

	target, current, err := e.candidate(bundle)
	if err != nil {
		return err
	}
	prompt := e.fixPrompt(bundle, sig, target, current, nil)
	fixed, err := e.deps.Gateway.GenerateFix(ctx, prompt)
	if err != nil {
		return err
	}
	return e.writeFix(strategy.DirectFileFix, "llm_fix", target, fixed, bundle, sig)
}

// contextualFileFix rewrites the detected file with its linked files in the prompt.
func (e *Executor) contextualFileFix(ctx context.Context, bundle, sig string) error {
	target, current, err := e.candidate(bundle)
	if err != nil {
		return err
	}

	related := make(map[string]string)
	var order []string
	for _, rel := range Siblings(target, e.goal.RequiredFiles) {
		if content, err := e.readFile(rel); err == nil {
			related[rel] = content
			order = append(order, rel)
		}
	}
	logging.ExecutorDebug("Contextual fix of %s with %v", target, order)

	prompt := e.fixPrompt(bundle, sig, target, current, func(b *strings.Builder) {
		b.WriteString("\nRelated files (keep ids, classes and routes consistent with them):\n")
		for _, rel := range order {
			fmt.Fprintf(b, "\n--- %s ---\n%s\n", rel, related[rel])
		}
	})
	fixed, err := e.deps.Gateway.GenerateFix(ctx, prompt)
	if err != nil {
		return err
	}
	return e.writeFix(strategy.ContextualFileFix, "contextual_fix", target, fixed, bundle, sig)
}

// useTemplate writes the known-good template set. It never calls the LLM.
func (e *Executor) useTemplate(bundle, sig string) error {
	target := DetectTarget(bundle, e.goal.RequiredFiles)
	if _, err := e.deps.Templates.Apply(e.goal.Workspace, target, e.opts.SmallFileThreshold); err != nil {
		return err
	}
	if content, ok := e.deps.Templates.Content(target); ok {
		e.deps.Learner.SetPending(memory.Solution{
			Signature:    sig,
			FilePath:     target,
			FixedContent: string(content),
			FixType:      "template",
			Language:     llm.LanguageFor(target),
			Strategy:     string(strategy.UseTemplate),
			ErrorSample:  bundle,
		})
	}
	return nil
}

// webSearchFix asks a search-grounded model for the corrected file.
func (e *Executor) webSearchFix(ctx context.Context, bundle, sig string) error {
	if e.deps.Research == nil {
		return fmt.Errorf("web search unavailable")
	}
	target, current, err := e.candidate(bundle)
	if err != nil {
		return err
	}
	fixed, err := e.deps.Research.SearchSolution(ctx, bundle, target, current)
	if err != nil {
		return err
	}
	return e.writeFix(strategy.WebSearchForSolution, "web_search", target, fixed, bundle, sig)
}

func (e *Executor) writeFix(s strategy.Name, fixType, target, fixed, bundle, sig string) error {
	if strings.TrimSpace(fixed) == "" {
		return fmt.Errorf("%s: %w for %s", s, errEmptyFix, target)
	}
	if err := e.writeFile(target, fixed); err != nil {
		return err
	}
	e.deps.Learner.SetPending(memory.Solution{
		Signature:    sig,
		FilePath:     target,
		FixedContent: fixed,
		FixType:      fixType,
		Language:     llm.LanguageFor(target),
		Strategy:     string(s),
		ErrorSample:  bundle,
	})
	logging.Executor("%s rewrote %s (%d bytes)", s, target, len(fixed))
	return nil
}

func (e *Executor) fixPrompt(bundle, sig, target, current string, extra func(*strings.Builder)) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", e.goal.Description)
	fmt.Fprintf(&b, "Verification of the running %s app failed with:\n%s\n", e.opts.Framework, bundle)
	fmt.Fprintf(&b, "\nRewrite %s so these errors go away. Output the complete corrected file.\n", target)
	fmt.Fprintf(&b, "\nCurrent %s:\n%s\n", target, current)
	if extra != nil {
		extra(&b)
	}
	if n := e.deps.Learner.Streak(); n > 1 {
		fmt.Fprintf(&b, "\nThis error has survived %d consecutive fix attempts. Do not repeat the earlier rewrite; take a different approach.\n", n-1)
	}
	if lines := e.knowledgeLines(bundle, sig, llm.LanguageFor(target)); len(lines) > 0 {
		b.WriteString("\nRelevant knowledge:\n")
		for _, l := range lines {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	return b.String()
}

// knowledgeLines collects a bounded set of hints: the pattern for sig, entries
// matching the error text, then best practices and search hits for the
// language and framework.
func (e *Executor) knowledgeLines(bundle, sig, lang string) []string {
	kb := e.deps.Knowledge
	if kb == nil {
		return nil
	}

	var lines []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] || len(lines) >= maxKnowledgeLines {
			return
		}
		if len(s) > maxKnowledgeLen {
			s = s[:maxKnowledgeLen] + "..."
		}
		seen[s] = true
		lines = append(lines, s)
	}

	if sig != "" {
		if p, ok, err := kb.GetPattern(sig); err == nil && ok {
			add("Previously fixed: " + p.Description)
		}
	}
	for _, q := range queryTerms(bundle) {
		for _, m := range kb.Search(q) {
			add(m.Entry.Knowledge)
		}
	}
	for _, tech := range []string{e.opts.Framework, lang} {
		if tech == "" {
			continue
		}
		for _, bp := range kb.BestPractices(tech) {
			add(bp)
		}
	}
	if lang != "" {
		for _, m := range kb.Search(lang) {
			add(m.Entry.Knowledge)
		}
	}
	return lines
}

// queryTerms extracts knowledge queries from an error bundle: selectors named
// by "Missing:" errors, file base names, and the first distinctive words of
// each error message.
func queryTerms(bundle string) []string {
	var selectors, files, words []string
	seen := make(map[string]bool)
	keep := func(dst *[]string, term string) {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" || seen[term] {
			return
		}
		seen[term] = true
		*dst = append(*dst, term)
	}

	for _, msg := range types.SplitBundle(bundle) {
		if rest, ok := strings.CutPrefix(msg, "Missing:"); ok {
			keep(&selectors, rest)
			continue
		}
		if i := strings.Index(msg, ": "); i >= 0 {
			msg = msg[i+2:]
		}
		taken := 0
		for _, f := range strings.Fields(msg) {
			f = strings.Trim(f, `"'()[]{},;:`)
			if strings.Contains(f, "/") || path.Ext(f) != "" {
				if base := path.Base(f); base != "." && base != "/" {
					keep(&files, base)
				}
				continue
			}
			if taken >= maxWordsPerError || len(f) < 5 || noiseWords[strings.ToLower(f)] {
				continue
			}
			keep(&words, f)
			taken++
		}
	}
	return append(append(selectors, files...), words...)
}
