package tracker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopsmith/internal/memory"
	"loopsmith/internal/strategy"
)

type recordingSink struct {
	recs []AttemptRecord
	err  error
}

func (s *recordingSink) RecordAttempt(rec AttemptRecord) error {
	s.recs = append(s.recs, rec)
	return s.err
}

func TestDetectLoop(t *testing.T) {
	missing := "Missing: #chat-container; Missing: #message-form"

	cases := []struct {
		name string
		log  func(*Tracker)
		want bool
	}{
		{"too few records", func(tr *Tracker) {
			tr.Log(1, strategy.DirectFileFix, missing, false)
			tr.Log(2, strategy.DirectFileFix, missing, false)
		}, false},
		{"three identical failures", func(tr *Tracker) {
			for i := 1; i <= 3; i++ {
				tr.Log(i, strategy.DirectFileFix, missing, false)
			}
		}, true},
		{"different signature breaks the loop", func(tr *Tracker) {
			tr.Log(1, strategy.DirectFileFix, missing, false)
			tr.Log(2, strategy.DirectFileFix, "Missing file: app.py", false)
			tr.Log(3, strategy.DirectFileFix, missing, false)
		}, false},
		{"strategy change breaks the loop", func(tr *Tracker) {
			tr.Log(1, strategy.DirectFileFix, missing, false)
			tr.Log(2, strategy.DirectFileFix, missing, false)
			tr.Log(3, strategy.ContextualFileFix, missing, false)
		}, false},
		{"only the window matters", func(tr *Tracker) {
			tr.Log(1, strategy.DirectFileFix, "Missing file: app.py", false)
			for i := 2; i <= 4; i++ {
				tr.Log(i, strategy.DirectFileFix, missing, false)
			}
		}, true},
		{"same error text with different paths shares a signature", func(tr *Tracker) {
			tr.Log(1, strategy.DirectFileFix, "Traceback in /tmp/a/app.py line 3", false)
			tr.Log(2, strategy.DirectFileFix, "Traceback in /var/b/app.py line 3", false)
			tr.Log(3, strategy.DirectFileFix, "traceback in /x/app.py line 3", false)
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := New(memory.Signature)
			tc.log(tr)
			assert.Equal(t, tc.want, tr.DetectLoop(3))
		})
	}
}

func TestDetectLoop_SuccessNeverLoops(t *testing.T) {
	tr := New(memory.Signature)
	tr.Log(1, strategy.UseTemplate, "", true)
	assert.False(t, tr.DetectLoop(1))
	assert.False(t, tr.DetectLoop(0))
}

func TestLog_AppendOnlyOrdered(t *testing.T) {
	tr := New(memory.Signature)
	_, err := tr.Log(1, strategy.DirectFileFix, "Missing file: app.py", false)
	require.NoError(t, err)
	_, err = tr.Log(1, strategy.DirectFileFix, "Missing file: app.py", false)
	assert.Error(t, err)

	rec, err := tr.Log(2, strategy.DirectFileFix, "ignored", true)
	require.NoError(t, err)
	assert.Empty(t, rec.Signature)
	assert.Empty(t, rec.Error)

	recs := tr.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "empty_file:app.py", recs[0].Signature)
	assert.Equal(t, 2, recs[1].Attempt)

	recs[0].Attempt = 99
	assert.Equal(t, 1, tr.Records()[0].Attempt)
}

func TestLog_SinkErrorsDoNotFail(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	tr := New(memory.Signature)
	tr.SetSink(sink)

	_, err := tr.Log(1, strategy.DirectFileFix, "Missing file: app.py", false)
	require.NoError(t, err)
	require.Len(t, sink.recs, 1)
	assert.Equal(t, 1, tr.Len())
}
