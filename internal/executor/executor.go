// Package executor runs one build-verify-fix attempt for the supervisor.
// The first attempt of a run performs the initial build; every attempt
// verifies, and a failing attempt applies the requested fix strategy and
// redeploys.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"loopsmith/internal/deploy"
	"loopsmith/internal/knowledge"
	"loopsmith/internal/llm"
	"loopsmith/internal/logging"
	"loopsmith/internal/memory"
	"loopsmith/internal/research"
	"loopsmith/internal/strategy"
	"loopsmith/internal/tasks"
	"loopsmith/internal/templates"
	"loopsmith/internal/types"
	"loopsmith/internal/verification"
)

// ErrNoCandidate is returned by a fix strategy when the target file does not exist.
var ErrNoCandidate = errors.New("no candidate")

// Gateway is the subset of the LLM gateway the executor uses.
type Gateway interface {
	GenerateCode(ctx context.Context, prompt, filename, language, framework string) (string, error)
	GenerateFix(ctx context.Context, prompt string) (string, error)
	DecomposeGoal(ctx context.Context, goal string, requiredFiles []string) []*tasks.Task
	AnalyzeError(ctx context.Context, errText, taskDesc, code string) (*llm.Analysis, error)
}

// Researcher runs the research pass and grounded fix searches.
type Researcher interface {
	Run(ctx context.Context, goal string) (*research.Report, error)
	SearchSolution(ctx context.Context, errText, file, content string) (string, error)
}

// Verifier checks the deployed workspace.
type Verifier interface {
	Verify(ctx context.Context, requiredFiles []string) *verification.Report
}

// CommandRunner runs run_command tasks.
type CommandRunner interface {
	Shell(ctx context.Context, line string) (*deploy.Result, error)
}

// Deps are the collaborators of an Executor. Research, Knowledge and Runner
// may be nil.
type Deps struct {
	Gateway   Gateway
	Research  Researcher
	Knowledge *knowledge.Base
	Learner   *memory.Learner
	Verifier  Verifier
	Deployer  deploy.Deployer
	Runner    CommandRunner
	Templates *templates.Set
}

// Options tunes an Executor.
type Options struct {
	Framework          string
	SmallFileThreshold int
	StateDir           string // defaults to <workspace>/.loopsmith
}

// Executor performs attempts for one goal.
type Executor struct {
	goal types.Goal
	deps Deps
	opts Options

	tasks      *tasks.Manager
	built      bool
	lastReport *verification.Report
}

// New creates an executor for goal.
func New(goal types.Goal, deps Deps, opts Options) *Executor {
	if opts.Framework == "" {
		opts.Framework = "flask"
	}
	if opts.SmallFileThreshold <= 0 {
		opts.SmallFileThreshold = templates.DefaultSmallFileThreshold
	}
	if opts.StateDir == "" {
		opts.StateDir = filepath.Join(goal.Workspace, ".loopsmith")
	}
	if deps.Templates == nil {
		deps.Templates = templates.Flask()
	}
	return &Executor{goal: goal, deps: deps, opts: opts, tasks: tasks.NewManager()}
}

// RunWithStrategy performs one attempt. It returns true when verification
// passes; otherwise false and the joined error bundle after applying s.
func (e *Executor) RunWithStrategy(ctx context.Context, s strategy.Name) (bool, string) {
	if !e.built {
		e.built = true
		if err := e.initialBuild(ctx); err != nil {
			logging.ExecutorError("Initial build incomplete: %v", err)
		}
	}

	report := e.deps.Verifier.Verify(ctx, e.goal.RequiredFiles)
	e.lastReport = report
	if report.Passed {
		e.onSuccess()
		return true, ""
	}

	bundle := types.ErrorBundle(report.Errors).String()
	sig := e.deps.Learner.Observe(bundle)
	logging.Executor("Verification failed (%s): applying %s", sig, s)

	if ctx.Err() != nil {
		return false, bundle
	}
	if err := e.apply(ctx, s, bundle, sig); err != nil {
		if errors.Is(err, ErrNoCandidate) {
			logging.ExecutorWarn("%s: %v", s, err)
		} else {
			logging.ExecutorError("%s failed: %v", s, err)
		}
	}
	if ctx.Err() != nil {
		return false, bundle
	}
	if err := e.deps.Deployer.Deploy(ctx); err != nil {
		logging.DeployWarn("Redeploy failed: %v", err)
	}
	return false, bundle
}

func (e *Executor) onSuccess() {
	sol, err := e.deps.Learner.CommitPending()
	if err != nil {
		logging.ExecutorError("Failed to commit solution: %v", err)
		return
	}
	if sol == nil {
		logging.Executor("Verification passed")
		return
	}
	logging.Executor("Verification passed; stored solution for %s -> %s", sol.Signature, sol.FilePath)
	if e.deps.Knowledge == nil {
		return
	}
	desc := fmt.Sprintf("%s fixed by rewriting %s via %s", sol.Signature, sol.FilePath, sol.Strategy)
	if err := e.deps.Knowledge.AddPattern(sol.Signature, desc, sol.FilePath); err != nil {
		logging.ExecutorWarn("Failed to record pattern: %v", err)
	}
}

func (e *Executor) apply(ctx context.Context, s strategy.Name, bundle, sig string) error {
	switch s {
	case strategy.DirectFileFix:
		return e.directFileFix(ctx, bundle, sig)
	case strategy.ContextualFileFix:
		return e.contextualFileFix(ctx, bundle, sig)
	case strategy.UseTemplate:
		return e.useTemplate(bundle, sig)
	case strategy.WebSearchForSolution:
		return e.webSearchFix(ctx, bundle, sig)
	default:
		return fmt.Errorf("unknown strategy %q", s)
	}
}

// LastReport returns the most recent verification report.
func (e *Executor) LastReport() *verification.Report { return e.lastReport }

// Tasks returns the build-phase task manager.
func (e *Executor) Tasks() *tasks.Manager { return e.tasks }

func (e *Executor) readFile(rel string) (string, error) {
	data, err := os.ReadFile(e.goal.Path(rel))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *Executor) writeFile(rel, content string) error {
	if err := checkRelative(rel); err != nil {
		return err
	}
	abs := e.goal.Path(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	logging.ExecutorDebug("Wrote %s (%d bytes)", rel, len(content))
	return nil
}

// checkRelative rejects paths that escape the workspace.
func checkRelative(rel string) error {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || filepath.IsAbs(clean) || clean == ".." || len(clean) > 2 && clean[:3] == ".."+string(filepath.Separator) {
		return fmt.Errorf("path %q escapes the workspace", rel)
	}
	return nil
}
