package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"loopsmith/internal/memory"
	"loopsmith/internal/strategy"
	"loopsmith/internal/tracker"
	"loopsmith/internal/types"
)

type scriptedAttempter struct {
	step  func(call int, s strategy.Name) (bool, string)
	calls []strategy.Name
}

func (a *scriptedAttempter) RunWithStrategy(_ context.Context, s strategy.Name) (bool, string) {
	a.calls = append(a.calls, s)
	return a.step(len(a.calls), s)
}

type recordingSink struct {
	records []tracker.AttemptRecord
}

func (r *recordingSink) RecordAttempt(rec tracker.AttemptRecord) error {
	r.records = append(r.records, rec)
	return nil
}

const brokenHTML = "Missing: #chat-container; Missing: #message-form"

var goal = types.Goal{Description: "chat app", RequiredFiles: []string{"app.py"}, Workspace: "/tmp/ws"}

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	defer goleak.VerifyNone(t)
	a := &scriptedAttempter{step: func(int, strategy.Name) (bool, string) { return true, "" }}

	report, err := New(a, memory.Signature, Options{}).Run(context.Background(), goal)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, "/tmp/ws", report.Workspace)
	require.Len(t, report.Records, 1)
	assert.Empty(t, report.Records[0].Signature)
}

func TestRun_EscalatesOnLoop(t *testing.T) {
	a := &scriptedAttempter{step: func(_ int, s strategy.Name) (bool, string) {
		return s == strategy.UseTemplate, brokenHTML
	}}

	report, err := New(a, memory.Signature, Options{}).Run(context.Background(), goal)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 7, report.Attempts)
	assert.Equal(t, []strategy.Name{
		strategy.DirectFileFix, strategy.DirectFileFix, strategy.DirectFileFix,
		strategy.ContextualFileFix, strategy.ContextualFileFix, strategy.ContextualFileFix,
		strategy.UseTemplate,
	}, a.calls)
	assert.Equal(t, 2, report.Stats.Escalations)
	assert.Equal(t, strategy.UseTemplate, report.Stats.FinalStrategy)
	assert.Equal(t, 1, report.Stats.UniqueSignatures)
	assert.Equal(t, memory.SigBrokenTemplate, report.Records[0].Signature)
}

func TestRun_ChangingErrorsDoNotEscalate(t *testing.T) {
	a := &scriptedAttempter{step: func(call int, _ strategy.Name) (bool, string) {
		if call%2 == 0 {
			return false, "Missing file: app.py"
		}
		return false, brokenHTML
	}}

	report, err := New(a, memory.Signature, Options{MaxAttempts: 6}).Run(context.Background(), goal)
	require.ErrorIs(t, err, ErrMaxAttempts)
	assert.False(t, report.Success)
	assert.Equal(t, 6, report.Attempts)
	assert.Equal(t, 0, report.Stats.Escalations)
	assert.Equal(t, []strategy.Name{strategy.DirectFileFix}, report.Stats.StrategiesTried)
	assert.Equal(t, 2, report.Stats.UniqueSignatures)
}

func TestRun_StrategiesExhausted(t *testing.T) {
	a := &scriptedAttempter{step: func(int, strategy.Name) (bool, string) { return false, brokenHTML }}

	report, err := New(a, memory.Signature, Options{}).Run(context.Background(), goal)
	require.ErrorIs(t, err, ErrStrategiesExhausted)
	assert.False(t, report.Success)
	assert.Equal(t, 12, report.Attempts)
	assert.Len(t, report.Stats.StrategiesTried, len(strategy.Table))
	assert.Equal(t, strategy.WebSearchForSolution, report.Stats.FinalStrategy)
	assert.Contains(t, report.Summary, "not verified after 12 attempt(s)")
}

func TestRun_CustomLookback(t *testing.T) {
	a := &scriptedAttempter{step: func(int, strategy.Name) (bool, string) { return false, brokenHTML }}

	report, err := New(a, memory.Signature, Options{Lookback: 1}).Run(context.Background(), goal)
	require.ErrorIs(t, err, ErrStrategiesExhausted)
	assert.Equal(t, len(strategy.Table), report.Attempts)
}

func TestRun_PanicBecomesFailedAttempt(t *testing.T) {
	a := &scriptedAttempter{step: func(call int, _ strategy.Name) (bool, string) {
		if call == 1 {
			panic("nil map write")
		}
		return true, ""
	}}

	report, err := New(a, memory.Signature, Options{}).Run(context.Background(), goal)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 2, report.Attempts)
	assert.Equal(t, 1, report.Stats.Panics)
	assert.False(t, report.Records[0].Success)
	assert.Contains(t, report.Records[0].Error, "attempt panicked: nil map write")
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := &scriptedAttempter{step: func(call int, _ strategy.Name) (bool, string) {
		if call == 2 {
			cancel()
		}
		return false, brokenHTML
	}}

	report, err := New(a, memory.Signature, Options{}).Run(ctx, goal)
	require.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 2, report.Attempts)
	assert.Len(t, report.Records, 2)
}

func TestRun_SinkReceivesEveryAttempt(t *testing.T) {
	sink := &recordingSink{}
	a := &scriptedAttempter{step: func(call int, _ strategy.Name) (bool, string) {
		return call == 3, "Missing file: app.py"
	}}

	report, err := New(a, memory.Signature, Options{Sink: sink}).Run(context.Background(), goal)
	require.NoError(t, err)
	assert.Equal(t, report.Records, sink.records)
	assert.Equal(t, "empty_file:app.py", sink.records[0].Signature)
	assert.True(t, sink.records[2].Success)
}
