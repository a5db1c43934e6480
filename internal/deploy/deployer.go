package deploy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"loopsmith/internal/config"
	"loopsmith/internal/logging"
)

// Deployer starts the generated service so it can be verified.
type Deployer interface {
	Deploy(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options configures a ProcessDeployer.
type Options struct {
	Workspace      string
	Command        string
	Args           []string
	InstallCommand []string // run before each start when its inputs exist
	ProcessMatch   string   // pkill -f pattern for strays from earlier runs
	WarmUp         time.Duration
	CommandTimeout time.Duration
	LogPath        string
}

// OptionsFromConfig builds deploy options for a workspace.
func OptionsFromConfig(cfg *config.Config, workspace string) Options {
	return Options{
		Workspace:      workspace,
		Command:        cfg.Deploy.Command,
		Args:           cfg.Deploy.Args,
		InstallCommand: cfg.Deploy.InstallCommand,
		ProcessMatch:   cfg.Deploy.ProcessMatch,
		WarmUp:         cfg.GetWarmUp(),
		CommandTimeout: cfg.GetCommandTimeout(),
		LogPath:        filepath.Join(workspace, config.StateDirName, "logs", "server.log"),
	}
}

// ProcessDeployer runs the service as a local subprocess. At most one server
// process is alive at a time: every Deploy kills the previous one first.
type ProcessDeployer struct {
	opts   Options
	runner *CommandRunner

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	logFile *os.File
}

// NewProcessDeployer creates a subprocess deployer.
func NewProcessDeployer(opts Options) *ProcessDeployer {
	return &ProcessDeployer{
		opts:   opts,
		runner: NewCommandRunner(opts.Workspace, opts.CommandTimeout),
	}
}

// Deploy (re)starts the server and waits out the warm-up period.
func (d *ProcessDeployer) Deploy(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryDeploy, "Deploy")
	defer timer.Stop()

	if err := d.Stop(ctx); err != nil {
		logging.DeployWarn("Failed to stop previous server: %v", err)
	}
	d.killStrays(ctx)

	if err := d.install(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	cmd := exec.Command(d.opts.Command, d.opts.Args...)
	cmd.Dir = d.opts.Workspace
	setupProcessGroup(cmd)

	if d.opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(d.opts.LogPath), 0755); err == nil {
			if f, err := os.OpenFile(d.opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644); err == nil {
				cmd.Stdout = f
				cmd.Stderr = f
				d.logFile = f
			}
		}
	}

	if err := cmd.Start(); err != nil {
		d.closeLog()
		d.mu.Unlock()
		return fmt.Errorf("failed to start %s: %w", d.opts.Command, err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	d.cmd = cmd
	d.done = done
	d.mu.Unlock()

	logging.Deploy("Started server: %s %s (pid %d)", d.opts.Command, strings.Join(d.opts.Args, " "), cmd.Process.Pid)

	select {
	case <-ctx.Done():
		_ = d.Stop(context.Background())
		return ctx.Err()
	case <-done:
		d.mu.Lock()
		d.cmd = nil
		d.closeLog()
		d.mu.Unlock()
		return fmt.Errorf("server exited during warm-up: %s", d.tailLog())
	case <-time.After(d.opts.WarmUp):
	}
	return nil
}

func (d *ProcessDeployer) install(ctx context.Context) error {
	if len(d.opts.InstallCommand) == 0 {
		return nil
	}
	// Skip when the command names an input file that does not exist yet.
	for _, arg := range d.opts.InstallCommand[1:] {
		if strings.HasSuffix(arg, ".txt") {
			if _, err := os.Stat(filepath.Join(d.opts.Workspace, arg)); err != nil {
				logging.DeployDebug("Skipping install: %s not present", arg)
				return nil
			}
		}
	}
	res, err := d.runner.Run(ctx, d.opts.InstallCommand[0], d.opts.InstallCommand[1:]...)
	if err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	if res.Failed() {
		return fmt.Errorf("install failed: %s", res.Summary())
	}
	return nil
}

func (d *ProcessDeployer) killStrays(ctx context.Context) {
	if d.opts.ProcessMatch == "" {
		return
	}
	if _, err := exec.LookPath("pkill"); err != nil {
		return
	}
	// pkill exits 1 when nothing matched.
	_ = exec.CommandContext(ctx, "pkill", "-f", d.opts.ProcessMatch).Run()
}

// Stop kills the running server, if any, and waits for it to exit.
func (d *ProcessDeployer) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return nil
	}
	pid := d.cmd.Process.Pid
	killProcessGroup(d.cmd)

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server pid %d did not exit", pid)
	}
	d.cmd = nil
	d.closeLog()
	logging.DeployDebug("Stopped server pid %d", pid)
	return nil
}

// Running reports whether a server process is alive.
func (d *ProcessDeployer) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *ProcessDeployer) closeLog() {
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}

func (d *ProcessDeployer) tailLog() string {
	if d.opts.LogPath == "" {
		return "no output captured"
	}
	data, err := os.ReadFile(d.opts.LogPath)
	if err != nil || len(data) == 0 {
		return "no output captured"
	}
	const maxTail = 500
	if len(data) > maxTail {
		data = data[len(data)-maxTail:]
	}
	return strings.TrimSpace(string(data))
}
