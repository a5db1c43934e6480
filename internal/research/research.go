// Package research runs the proactive research pass that fills the knowledge
// base before any code is generated, and the grounded search used by the
// web-search fix strategy.
package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"loopsmith/internal/knowledge"
	"loopsmith/internal/llm"
	"loopsmith/internal/logging"
)

// Gateway is the subset of the LLM gateway research needs.
type Gateway interface {
	Research(ctx context.Context, prompt string, search bool) (*llm.Response, error)
	ResearchJSON(ctx context.Context, prompt string, v interface{}) error
}

// Config bounds the research pass.
type Config struct {
	MinTopics int
	MaxTopics int
}

// Report summarizes one research pass.
type Report struct {
	Topics        []string
	Researched    []string
	Skipped       []string
	BestPractices map[string][]string
	Pitfalls      []string
}

// Researcher performs research and writes the findings to the knowledge base.
type Researcher struct {
	gw    Gateway
	kb    *knowledge.Base
	cache *Cache
	cfg   Config
}

// New creates a researcher. A nil cache disables caching.
func New(gw Gateway, kb *knowledge.Base, cache *Cache, cfg Config) *Researcher {
	if cfg.MinTopics <= 0 {
		cfg.MinTopics = 5
	}
	if cfg.MaxTopics < cfg.MinTopics {
		cfg.MaxTopics = cfg.MinTopics + 2
	}
	return &Researcher{gw: gw, kb: kb, cache: cache, cfg: cfg}
}

// fallbackTopics cover the default web-app stack when topic discovery fails.
var fallbackTopics = []string{
	"flask routing and json endpoints",
	"html chat interface structure",
	"javascript fetch api form submission",
	"css chat layout",
	"python requirements and dependency pinning",
	"frontend console error debugging",
	"flask static files and templates",
}

// Run researches goal. Provider failures are logged and skipped; only
// context cancellation is returned as an error.
func (r *Researcher) Run(ctx context.Context, goal string) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryResearch, "research pass")
	defer timer.Stop()

	report := &Report{BestPractices: make(map[string][]string)}
	report.Topics = r.identifyTopics(ctx, goal)
	logging.Research("researching %d topics for goal: %s", len(report.Topics), goal)

	for _, topic := range report.Topics {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if r.kb.HasTopic(topic) {
			report.Skipped = append(report.Skipped, topic)
			continue
		}
		prompt := fmt.Sprintf("Research %q for this project: %s\nSummarize the key facts, APIs and gotchas in under 300 words.", topic, goal)
		text, sources, err := r.grounded(ctx, prompt)
		if err != nil {
			logging.ResearchWarn("topic %q failed: %v", topic, err)
			continue
		}
		source := "research:web"
		if len(sources) > 0 {
			source += " " + strings.Join(sources, " ")
		}
		if err := r.kb.AddEntry(topic, text, source); err != nil {
			return report, err
		}
		report.Researched = append(report.Researched, topic)
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if err := r.extractPractices(ctx, goal, report); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Researcher) identifyTopics(ctx context.Context, goal string) []string {
	var out struct {
		Topics []string `json:"topics"`
	}
	prompt := fmt.Sprintf(`List %d to %d short research topics needed to build this project: %s
Respond with JSON: {"topics":["..."]}`, r.cfg.MinTopics, r.cfg.MaxTopics, goal)

	var topics []string
	if err := r.gw.ResearchJSON(ctx, prompt, &out); err != nil {
		logging.ResearchWarn("topic discovery failed, using defaults: %v", err)
	} else {
		seen := make(map[string]bool)
		for _, t := range out.Topics {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" && !seen[t] {
				seen[t] = true
				topics = append(topics, t)
			}
		}
	}
	return clampTopics(topics, r.cfg.MinTopics, r.cfg.MaxTopics)
}

// clampTopics trims to max and pads to min from the fallback list.
func clampTopics(topics []string, lo, hi int) []string {
	if len(topics) > hi {
		topics = topics[:hi]
	}
	for _, f := range fallbackTopics {
		if len(topics) >= lo {
			break
		}
		dup := false
		for _, t := range topics {
			if t == f {
				dup = true
				break
			}
		}
		if !dup {
			topics = append(topics, f)
		}
	}
	return topics
}

func (r *Researcher) extractPractices(ctx context.Context, goal string, report *Report) error {
	var out struct {
		BestPractices map[string][]string `json:"best_practices"`
		Pitfalls      []string            `json:"pitfalls"`
	}
	prompt := fmt.Sprintf(`For this project: %s
Topics: %s
List best practices per technology and common pitfalls.
Respond with JSON: {"best_practices":{"technology":["practice"]},"pitfalls":["..."]}`,
		goal, strings.Join(report.Topics, ", "))

	if err := r.gw.ResearchJSON(ctx, prompt, &out); err != nil {
		logging.ResearchWarn("best practice extraction failed: %v", err)
		return nil
	}
	for tech, practices := range out.BestPractices {
		tech = strings.ToLower(strings.TrimSpace(tech))
		for _, p := range practices {
			if err := r.kb.AddBestPractice(tech, p); err != nil {
				return err
			}
			report.BestPractices[tech] = append(report.BestPractices[tech], p)
		}
	}
	for _, p := range out.Pitfalls {
		if err := r.kb.AddEntry("pitfalls", p, "research:pitfall"); err != nil {
			return err
		}
		report.Pitfalls = append(report.Pitfalls, p)
	}
	return nil
}

// grounded performs a search-grounded research call through the cache.
func (r *Researcher) grounded(ctx context.Context, prompt string) (string, []string, error) {
	key := hashKey("grounded", prompt)
	if r.cache != nil {
		if e, ok := r.cache.Get(key); ok {
			logging.ResearchDebug("cache hit %s (age=%v)", key, time.Since(e.CreatedAt))
			return e.Value, e.Sources, nil
		}
	}
	resp, err := r.gw.Research(ctx, prompt, true)
	if err != nil {
		return "", nil, err
	}
	if r.cache != nil {
		r.cache.Set(key, resp.Text, resp.Sources)
	}
	return resp.Text, resp.Sources, nil
}

// SearchSolution asks a search-grounded model for a complete corrected file.
func (r *Researcher) SearchSolution(ctx context.Context, errText, file, content string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Search the web for how to fix this error in a Flask web app:\n%s\n\n", errText)
	fmt.Fprintf(&b, "Then output the complete corrected contents of %s and nothing else.\n", file)
	if content != "" {
		fmt.Fprintf(&b, "\nCurrent %s:\n%s\n", file, content)
	}
	text, sources, err := r.grounded(ctx, b.String())
	if err != nil {
		return "", fmt.Errorf("web search for %s: %w", file, err)
	}
	logging.Research("web search produced fix for %s (%d sources)", file, len(sources))
	return llm.StripCodeFences(text), nil
}
