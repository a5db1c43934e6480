package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"loopsmith/internal/llm"
	"loopsmith/internal/logging"
	"loopsmith/internal/tasks"
)

// FileState is one entry of the workspace snapshot.
type FileState struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
	Exists bool   `json:"exists"`
}

// WorkspaceSnapshot records the required files after the build phase.
type WorkspaceSnapshot struct {
	Goal      string         `json:"goal"`
	Files     []FileState    `json:"files"`
	Progress  tasks.Progress `json:"progress"`
	CreatedAt time.Time      `json:"created_at"`
}

// initialBuild runs research, decomposition and the task queue, fills in any
// required file the plan missed, persists state and deploys.
func (e *Executor) initialBuild(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryExecutor, "initial build")
	defer timer.Stop()

	if e.deps.Research != nil {
		if report, err := e.deps.Research.Run(ctx, e.goal.Description); err != nil {
			logging.ExecutorWarn("Research failed: %v", err)
		} else {
			logging.Executor("Research covered %d topics", len(report.Researched))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, t := range e.deps.Gateway.DecomposeGoal(ctx, e.goal.Description, e.goal.RequiredFiles) {
		e.tasks.Add(t)
	}
	logging.Executor("Planned %d tasks", e.tasks.Len())

	if err := e.drainQueue(ctx); err != nil {
		return err
	}

	for _, rel := range e.missingRequired() {
		if err := e.generateFile(ctx, rel, ""); err != nil {
			logging.ExecutorError("Failed to generate %s: %v", rel, err)
		}
	}

	if err := e.persistState(); err != nil {
		logging.ExecutorWarn("Failed to persist state: %v", err)
	}

	if err := e.deps.Deployer.Deploy(ctx); err != nil {
		logging.DeployWarn("Initial deploy failed: %v", err)
	}
	return nil
}

func (e *Executor) drainQueue(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := e.tasks.Next()
		if errors.Is(err, tasks.ErrQueueEmpty) {
			return nil
		}

		result, err := e.runTask(ctx, t)
		e.settle(t, result, err)
	}
}

// settle ends a task as completed, or hands it to MarkFailed when it errored
// or produced no result.
func (e *Executor) settle(t *tasks.Task, result string, err error) {
	if err == nil {
		err = e.tasks.MarkCompleted(t, result)
	}
	if err != nil {
		if e.tasks.MarkFailed(t, err.Error()) {
			logging.ExecutorDebug("Task %s requeued: %v", t.ID, err)
		}
	}
}

func (e *Executor) runTask(ctx context.Context, t *tasks.Task) (string, error) {
	switch t.Kind {
	case tasks.KindCreateFile:
		if t.File == "" {
			return "", fmt.Errorf("create_file task without a file")
		}
		if err := e.generateFile(ctx, t.File, t.Description); err != nil {
			return "", err
		}
		return "created " + t.File, nil

	case tasks.KindRunCommand:
		return e.runCommand(ctx, t)

	case tasks.KindExecuteGoal:
		missing := e.missingRequired()
		for _, rel := range missing {
			if err := e.generateFile(ctx, rel, ""); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("generated %d files", len(missing)), nil

	default:
		return "", fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

func (e *Executor) runCommand(ctx context.Context, t *tasks.Task) (string, error) {
	if e.deps.Runner == nil {
		return "skipped (no command runner)", nil
	}
	e.tasks.AppendState("commands_run", t.Command)

	res, err := e.deps.Runner.Shell(ctx, t.Command)
	if err == nil && !res.Failed() {
		out := strings.TrimSpace(res.Combined)
		if out == "" {
			out = "ok"
		}
		return out, nil
	}

	var msg string
	if err != nil {
		msg = err.Error()
	} else {
		msg = res.Summary()
	}
	analysis, aerr := e.deps.Gateway.AnalyzeError(ctx, msg, t.Description, "")
	if aerr == nil && analysis != nil && e.deps.Knowledge != nil {
		tool := strings.Fields(t.Command)
		if len(tool) > 0 {
			info := analysis.Diagnosis
			if analysis.FixStrategy != "" {
				info += " Fix: " + analysis.FixStrategy
			}
			if kerr := e.deps.Knowledge.AddToolKnowledge(tool[0], info); kerr != nil {
				logging.ExecutorWarn("Failed to record tool knowledge: %v", kerr)
			}
		}
	}
	return "", errors.New(msg)
}

// generateFile asks the gateway for the full content of rel and writes it.
func (e *Executor) generateFile(ctx context.Context, rel, taskDesc string) error {
	lang := llm.LanguageFor(rel)
	content, err := e.deps.Gateway.GenerateCode(ctx, e.buildPrompt(rel, taskDesc, lang), rel, lang, e.opts.Framework)
	if err != nil {
		return fmt.Errorf("generate %s: %w", rel, err)
	}
	if err := e.writeFile(rel, content); err != nil {
		return err
	}
	e.tasks.AppendState("files_created", rel)
	return nil
}

func (e *Executor) buildPrompt(rel, taskDesc, lang string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", e.goal.Description)
	if taskDesc != "" {
		fmt.Fprintf(&b, "Task: %s\n", taskDesc)
	}
	fmt.Fprintf(&b, "Write the complete file %s for this %s project.\n", rel, e.opts.Framework)
	fmt.Fprintf(&b, "Project files: %s\n", strings.Join(e.goal.RequiredFiles, ", "))
	if roleOf(rel) == roleHTML {
		b.WriteString("The page must contain #chat-container, #message-form, #message-input and a submit button, " +
			"and link /static/style.css and /static/script.js.\n")
	}
	if roleOf(rel) == roleBackend {
		b.WriteString("The server must render the index page at / and accept POST /chat with JSON {\"message\": ...}.\n")
	}
	if lines := e.knowledgeLines("", "", lang); len(lines) > 0 {
		b.WriteString("\nRelevant knowledge:\n")
		for _, l := range lines {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	return b.String()
}

func (e *Executor) missingRequired() []string {
	var out []string
	for _, rel := range e.goal.RequiredFiles {
		if _, err := os.Stat(e.goal.Path(rel)); os.IsNotExist(err) {
			out = append(out, rel)
		}
	}
	return out
}

// persistState writes tasks.json and snapshot.json under the state directory.
func (e *Executor) persistState() error {
	dir := filepath.Join(e.opts.StateDir, "state")
	if err := e.tasks.Save(filepath.Join(dir, "tasks.json")); err != nil {
		return err
	}

	snap := WorkspaceSnapshot{
		Goal:      e.goal.Description,
		Progress:  e.tasks.Progress(),
		CreatedAt: time.Now(),
	}
	for _, rel := range e.goal.RequiredFiles {
		fs := FileState{Path: rel}
		if data, err := os.ReadFile(e.goal.Path(rel)); err == nil {
			sum := sha256.Sum256(data)
			fs.Exists = true
			fs.Size = int64(len(data))
			fs.SHA256 = hex.EncodeToString(sum[:])
		}
		snap.Files = append(snap.Files, fs)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "snapshot.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}
