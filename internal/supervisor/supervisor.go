// Package supervisor implements the outer build-verify-fix loop.
//
// Each iteration asks the executor to run one attempt under the current
// strategy, logs the outcome and escalates to the next strategy when the
// tracker detects a loop. The run ends on success, when the strategies are
// exhausted, at the attempt cap or when the context is cancelled.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loopsmith/internal/logging"
	"loopsmith/internal/strategy"
	"loopsmith/internal/tracker"
	"loopsmith/internal/types"
)

var (
	// ErrStrategiesExhausted is returned when the last strategy loops.
	ErrStrategiesExhausted = errors.New("all fix strategies exhausted")
	// ErrMaxAttempts is returned when the attempt cap is reached.
	ErrMaxAttempts = errors.New("maximum attempts reached")
)

const (
	DefaultLookback    = 3
	DefaultMaxAttempts = 20
)

// Attempter runs one attempt under a strategy.
type Attempter interface {
	RunWithStrategy(ctx context.Context, s strategy.Name) (bool, string)
}

// Options tunes the loop.
type Options struct {
	Lookback    int
	MaxAttempts int
	Sink        tracker.Sink // optional write-through of attempt records
}

// Stats summarizes a run.
type Stats struct {
	StrategiesTried  []strategy.Name `json:"strategies_tried"`
	FinalStrategy    strategy.Name   `json:"final_strategy"`
	Escalations      int             `json:"escalations"`
	UniqueSignatures int             `json:"unique_signatures"`
	Panics           int             `json:"panics"`
	Duration         time.Duration   `json:"duration"`
}

// Report is the result of Run.
type Report struct {
	Success   bool                    `json:"success"`
	Attempts  int                     `json:"attempts"`
	Records   []tracker.AttemptRecord `json:"records"`
	Summary   string                  `json:"summary"`
	Stats     Stats                   `json:"stats"`
	Workspace string                  `json:"workspace"`
}

// Supervisor drives one run.
type Supervisor struct {
	exec    Attempter
	engine  *strategy.Engine
	tracker *tracker.Tracker
	opts    Options
}

// New creates a supervisor. sign maps an error bundle to its signature.
func New(exec Attempter, sign func(string) string, opts Options) *Supervisor {
	if opts.Lookback < 1 {
		opts.Lookback = DefaultLookback
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	t := tracker.New(sign)
	if opts.Sink != nil {
		t.SetSink(opts.Sink)
	}
	return &Supervisor{
		exec:    exec,
		engine:  strategy.NewEngine(),
		tracker: t,
		opts:    opts,
	}
}

// Run loops until the goal is verified or the run gives up. The report is
// always returned; the error is ErrStrategiesExhausted, ErrMaxAttempts or the
// context error when the run did not succeed.
func (s *Supervisor) Run(ctx context.Context, goal types.Goal) (*Report, error) {
	start := time.Now()
	logging.Supervisor("Starting run: %q (%d required files)", goal.Description, len(goal.RequiredFiles))

	report := &Report{Workspace: goal.Workspace}
	tried := map[strategy.Name]bool{}
	var runErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if attempt > s.opts.MaxAttempts {
			runErr = fmt.Errorf("%w (%d)", ErrMaxAttempts, s.opts.MaxAttempts)
			break
		}

		current := s.engine.Current().Name
		if !tried[current] {
			tried[current] = true
			report.Stats.StrategiesTried = append(report.Stats.StrategiesTried, current)
		}
		logging.Supervisor("Attempt %d/%d with %s (strategy %d)", attempt, s.opts.MaxAttempts, current, s.engine.Index()+1)

		ok, errText, panicked := s.attempt(ctx, current)
		if panicked {
			report.Stats.Panics++
		}
		if _, err := s.tracker.Log(attempt, current, errText, ok); err != nil {
			logging.SupervisorWarn("%v", err)
		}
		report.Attempts = attempt

		if ok {
			report.Success = true
			break
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}

		if s.tracker.DetectLoop(s.opts.Lookback) {
			if !s.engine.Escalate() {
				runErr = ErrStrategiesExhausted
				break
			}
			report.Stats.Escalations++
			logging.SupervisorWarn("Stuck on the same error; escalated to %s (%d strategies left)",
				s.engine.Current().Name, s.engine.Remaining())
		}
	}

	report.Records = s.tracker.Records()
	report.Stats.FinalStrategy = s.engine.Current().Name
	report.Stats.UniqueSignatures = uniqueSignatures(report.Records)
	report.Stats.Duration = time.Since(start)
	report.Summary = summarize(report, runErr)

	if report.Success {
		logging.Supervisor("%s", report.Summary)
		return report, nil
	}
	logging.SupervisorWarn("%s", report.Summary)
	return report, runErr
}

// attempt runs one executor attempt and turns a panic into a failed attempt.
func (s *Supervisor) attempt(ctx context.Context, name strategy.Name) (ok bool, errText string, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategorySupervisor).Error("PANIC RECOVERED in attempt with %s: %v", name, r)
			ok, errText, panicked = false, fmt.Sprintf("attempt panicked: %v", r), true
		}
	}()
	ok, errText = s.exec.RunWithStrategy(ctx, name)
	return ok, errText, false
}

func uniqueSignatures(records []tracker.AttemptRecord) int {
	seen := make(map[string]bool)
	for _, r := range records {
		if r.Signature != "" {
			seen[r.Signature] = true
		}
	}
	return len(seen)
}

func summarize(r *Report, err error) string {
	if r.Success {
		return fmt.Sprintf("Goal verified after %d attempt(s) using %s", r.Attempts, r.Stats.FinalStrategy)
	}
	last := ""
	if n := len(r.Records); n > 0 {
		last = r.Records[n-1].Error
	}
	if err == nil {
		err = errors.New("stopped")
	}
	return fmt.Sprintf("Goal not verified after %d attempt(s): %v; last error: %s", r.Attempts, err, last)
}
