// Package deploy runs build commands and manages the single deployed server process.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"loopsmith/internal/logging"
)

// DefaultMaxOutputBytes caps captured stdout and stderr each.
const DefaultMaxOutputBytes = 1 << 20

// Result is the outcome of one command.
type Result struct {
	Command    string        `json:"command"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Combined   string        `json:"combined"`
	Duration   time.Duration `json:"duration"`
	Killed     bool          `json:"killed"`
	KillReason string        `json:"kill_reason,omitempty"`
	Truncated  bool          `json:"truncated"`
}

// Failed reports whether the command did not exit cleanly.
func (r *Result) Failed() bool {
	return r.Killed || r.ExitCode != 0
}

// Summary returns a one-line failure description including output.
func (r *Result) Summary() string {
	out := strings.TrimSpace(r.Combined)
	switch {
	case r.Killed:
		return fmt.Sprintf("command %q killed (%s): %s", r.Command, r.KillReason, out)
	case r.ExitCode != 0:
		return fmt.Sprintf("command %q exited with code %d: %s", r.Command, r.ExitCode, out)
	default:
		return out
	}
}

// CommandRunner executes commands in the workspace.
type CommandRunner struct {
	Dir       string
	Timeout   time.Duration
	MaxOutput int64
}

// NewCommandRunner creates a runner rooted at dir.
func NewCommandRunner(dir string, timeout time.Duration) *CommandRunner {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &CommandRunner{Dir: dir, Timeout: timeout, MaxOutput: DefaultMaxOutputBytes}
}

// Shell runs a shell command line.
func (r *CommandRunner) Shell(ctx context.Context, line string) (*Result, error) {
	if runtime.GOOS == "windows" {
		return r.Run(ctx, "cmd", "/C", line)
	}
	return r.Run(ctx, "sh", "-c", line)
}

// Run executes binary with args. A non-zero exit or timeout is reported in the
// Result, not as an error; the error is reserved for failures to start.
func (r *CommandRunner) Run(ctx context.Context, binary string, args ...string) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryDeploy, "Command execution")
	defer timer.Stop()

	cmdline := strings.TrimSpace(binary + " " + strings.Join(args, " "))
	logging.Deploy("Executing command: %s", cmdline)

	execCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, binary, args...)
	cmd.Dir = r.Dir
	setupProcessGroup(cmd)
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = time.Second

	maxOutput := r.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()

	res := &Result{
		Command:   cmdline,
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}
	res.Combined = res.Stdout
	if res.Stderr != "" {
		if res.Combined != "" {
			res.Combined += "\n"
		}
		res.Combined += res.Stderr
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			res.Killed = true
			res.KillReason = fmt.Sprintf("timeout after %s", r.Timeout)
			res.ExitCode = -1
			logging.DeployWarn("Command killed (timeout): %s after %s", cmdline, r.Timeout)
		case errors.Is(execCtx.Err(), context.Canceled):
			res.Killed = true
			res.KillReason = "context canceled"
			res.ExitCode = -1
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
			logging.DeployDebug("Command exited non-zero: %s -> %d", cmdline, res.ExitCode)
		default:
			logging.Get(logging.CategoryDeploy).Error("Command failed to start: %s - %v", cmdline, err)
			return res, fmt.Errorf("failed to run %s: %w", binary, err)
		}
	}

	logging.Deploy("Command completed: %s -> exit=%d, duration=%s", cmdline, res.ExitCode, res.Duration)
	return res, nil
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
