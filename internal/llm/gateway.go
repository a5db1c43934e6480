package llm

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"loopsmith/internal/logging"
	"loopsmith/internal/tasks"
)

// Generator is anything that can serve a Request; *Chain is the production one.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Gateway exposes the structured operations of the build-fix loop.
type Gateway struct {
	gen                  Generator
	router               Router
	codeTemperature      float32
	decomposeTemperature float32
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	RouterThreshold      int
	CodeTemperature      float32
	DecomposeTemperature float32
}

// NewGateway wraps gen.
func NewGateway(gen Generator, opts GatewayOptions) *Gateway {
	if opts.CodeTemperature == 0 {
		opts.CodeTemperature = 0.2
	}
	if opts.DecomposeTemperature == 0 {
		opts.DecomposeTemperature = 0.3
	}
	return &Gateway{
		gen:                  gen,
		router:               Router{Threshold: opts.RouterThreshold},
		codeTemperature:      opts.CodeTemperature,
		decomposeTemperature: opts.DecomposeTemperature,
	}
}

const codeSystemPrompt = `You are an expert software engineer. Output only the complete contents of the requested file.
Do not explain. Do not wrap the file in markdown fences.`

// LanguageFor guesses a language name from a file extension.
func LanguageFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".py":
		return "python"
	case ".html", ".htm":
		return "html"
	case ".css":
		return "css"
	case ".js":
		return "javascript"
	case ".json":
		return "json"
	case ".txt":
		return "text"
	default:
		return "text"
	}
}

// GenerateCode produces the full contents of one file.
func (g *Gateway) GenerateCode(ctx context.Context, prompt, filename, language, framework string) (string, error) {
	if language == "" {
		language = LanguageFor(filename)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\nLanguage: %s\n", filename, language)
	if framework != "" {
		fmt.Fprintf(&b, "Framework: %s\n", framework)
	}
	b.WriteString("\n")
	b.WriteString(prompt)

	resp, err := g.gen.Generate(ctx, Request{
		System:      codeSystemPrompt,
		Prompt:      b.String(),
		Tier:        g.router.Select(TaskCode, b.Len()),
		Temperature: g.codeTemperature,
		Operation:   string(TaskCode),
	})
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", filename, err)
	}
	return StripCodeFences(resp.Text), nil
}

// GenerateFix asks for a whole corrected file given a fix prompt.
func (g *Gateway) GenerateFix(ctx context.Context, prompt string) (string, error) {
	resp, err := g.gen.Generate(ctx, Request{
		System:      codeSystemPrompt,
		Prompt:      prompt,
		Tier:        g.router.Select(TaskDebug, len(prompt)),
		Temperature: g.codeTemperature,
		Operation:   string(TaskDebug),
	})
	if err != nil {
		return "", fmt.Errorf("generate fix: %w", err)
	}
	return StripCodeFences(resp.Text), nil
}

type plannedTask struct {
	Description string `json:"description"`
	Kind        string `json:"kind"`
	File        string `json:"file"`
	Command     string `json:"command"`
}

const decomposeSystemPrompt = `You break software goals into an ordered list of build tasks.
Respond with JSON: {"tasks":[{"description":"...","kind":"create_file|run_command","file":"relative/path","command":"shell command"}]}`

// DecomposeGoal turns a goal into tasks. It never fails: a provider error or
// unparseable output yields the single fallback task "Execute goal: <goal>".
func (g *Gateway) DecomposeGoal(ctx context.Context, goal string, requiredFiles []string) []*tasks.Task {
	prompt := "Goal: " + goal
	if len(requiredFiles) > 0 {
		prompt += "\nRequired files: " + strings.Join(requiredFiles, ", ")
	}

	resp, err := g.gen.Generate(ctx, Request{
		System:      decomposeSystemPrompt,
		Prompt:      prompt,
		Tier:        g.router.Select(TaskDecompose, len(prompt)),
		Temperature: g.decomposeTemperature,
		JSON:        true,
		Operation:   string(TaskDecompose),
	})
	if err != nil {
		logging.LLMWarn("decomposition failed, using fallback task: %v", err)
		return []*tasks.Task{tasks.ExecuteGoal(goal)}
	}

	planned, err := parsePlan(resp.Text)
	if err != nil {
		logging.LLMWarn("decomposition output unparseable, using fallback task: %v", err)
		return []*tasks.Task{tasks.ExecuteGoal(goal)}
	}

	var out []*tasks.Task
	for _, p := range planned {
		switch {
		case p.Kind == string(tasks.KindRunCommand) && p.Command != "":
			out = append(out, tasks.RunCommand(p.Description, p.Command))
		case p.File != "":
			out = append(out, tasks.CreateFile(p.Description, filepath.ToSlash(p.File)))
		case p.Command != "":
			out = append(out, tasks.RunCommand(p.Description, p.Command))
		}
	}
	if len(out) == 0 {
		logging.LLMWarn("decomposition produced no usable tasks, using fallback task")
		return []*tasks.Task{tasks.ExecuteGoal(goal)}
	}
	logging.LLM("decomposed goal into %d tasks", len(out))
	return out
}

func parsePlan(text string) ([]plannedTask, error) {
	var wrapped struct {
		Tasks []plannedTask `json:"tasks"`
	}
	if err := ParseJSON(text, &wrapped); err == nil && len(wrapped.Tasks) > 0 {
		return wrapped.Tasks, nil
	}
	var list []plannedTask
	if err := ParseJSON(text, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Analysis is the structured result of AnalyzeError.
type Analysis struct {
	Diagnosis   string `json:"diagnosis"`
	RootCause   string `json:"root_cause"`
	FixStrategy string `json:"fix_strategy"`
	FixedCode   string `json:"fixed_code,omitempty"`
	Prevention  string `json:"prevention"`
}

const analyzeSystemPrompt = `You diagnose build and runtime failures.
Respond with JSON: {"diagnosis":"...","root_cause":"...","fix_strategy":"...","fixed_code":"optional full corrected file","prevention":"..."}`

// AnalyzeError diagnoses a failure. If the output is not JSON the raw text
// becomes the diagnosis.
func (g *Gateway) AnalyzeError(ctx context.Context, errText, taskDesc, code string) (*Analysis, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Error:\n%s\n", errText)
	if taskDesc != "" {
		fmt.Fprintf(&b, "\nTask: %s\n", taskDesc)
	}
	if code != "" {
		fmt.Fprintf(&b, "\nCode:\n%s\n", code)
	}

	resp, err := g.gen.Generate(ctx, Request{
		System:      analyzeSystemPrompt,
		Prompt:      b.String(),
		Tier:        g.router.Select(TaskAnalysis, b.Len()),
		Temperature: g.codeTemperature,
		JSON:        true,
		Operation:   string(TaskAnalysis),
	})
	if err != nil {
		return nil, fmt.Errorf("analyze error: %w", err)
	}

	var a Analysis
	if err := ParseJSON(resp.Text, &a); err != nil || a.Diagnosis == "" {
		return &Analysis{Diagnosis: strings.TrimSpace(resp.Text)}, nil
	}
	a.FixedCode = StripCodeFences(a.FixedCode)
	return &a, nil
}

// Research runs a research prompt on the fast model, optionally grounded in web search.
func (g *Gateway) Research(ctx context.Context, prompt string, search bool) (*Response, error) {
	resp, err := g.gen.Generate(ctx, Request{
		Prompt:      prompt,
		Tier:        g.router.Select(TaskResearch, len(prompt)),
		Temperature: g.decomposeTemperature,
		Search:      search,
		Operation:   string(TaskResearch),
	})
	if err != nil {
		return nil, fmt.Errorf("research: %w", err)
	}
	return resp, nil
}

// ResearchJSON runs a research prompt expecting JSON and decodes it into v.
func (g *Gateway) ResearchJSON(ctx context.Context, prompt string, v interface{}) error {
	resp, err := g.gen.Generate(ctx, Request{
		Prompt:      prompt,
		Tier:        g.router.Select(TaskResearch, len(prompt)),
		Temperature: g.decomposeTemperature,
		JSON:        true,
		Operation:   string(TaskResearch),
	})
	if err != nil {
		return fmt.Errorf("research: %w", err)
	}
	return ParseJSON(resp.Text, v)
}
