// Package tracker keeps the append-only attempt log of a run and detects
// when the loop is stuck.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"loopsmith/internal/logging"
	"loopsmith/internal/strategy"
)

// AttemptRecord is one supervisor iteration.
type AttemptRecord struct {
	Attempt   int           `json:"attempt"`
	Strategy  strategy.Name `json:"strategy"`
	Error     string        `json:"error,omitempty"`
	Signature string        `json:"signature,omitempty"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// Sink receives every record as it is logged.
type Sink interface {
	RecordAttempt(rec AttemptRecord) error
}

// Tracker is the attempt log.
type Tracker struct {
	mu      sync.RWMutex
	records []AttemptRecord
	sign    func(string) string
	sink    Sink
	now     func() time.Time
}

// New creates a tracker that signs failures with sign.
func New(sign func(string) string) *Tracker {
	return &Tracker{sign: sign, now: time.Now}
}

// SetSink installs a write-through sink. Sink errors are logged, not returned.
func (t *Tracker) SetSink(s Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = s
}

// Log appends a record. Attempts must be strictly increasing.
func (t *Tracker) Log(attempt int, s strategy.Name, errText string, success bool) (AttemptRecord, error) {
	rec := AttemptRecord{
		Attempt:   attempt,
		Strategy:  s,
		Success:   success,
		Timestamp: t.now(),
	}
	if !success {
		rec.Error = errText
		rec.Signature = t.sign(errText)
	}

	t.mu.Lock()
	if n := len(t.records); n > 0 && attempt <= t.records[n-1].Attempt {
		t.mu.Unlock()
		return AttemptRecord{}, fmt.Errorf("attempt %d logged after attempt %d", attempt, t.records[n-1].Attempt)
	}
	t.records = append(t.records, rec)
	sink := t.sink
	t.mu.Unlock()

	logging.SupervisorDebug("attempt %d strategy=%s success=%v signature=%s", attempt, s, success, rec.Signature)
	if sink != nil {
		if err := sink.RecordAttempt(rec); err != nil {
			logging.SupervisorWarn("failed to persist attempt %d: %v", attempt, err)
		}
	}
	return rec, nil
}

// DetectLoop reports whether the last lookback records all failed under the
// same strategy with the same signature.
func (t *Tracker) DetectLoop(lookback int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if lookback < 1 || len(t.records) < lookback {
		return false
	}
	window := t.records[len(t.records)-lookback:]
	first := window[0]
	for _, r := range window {
		if r.Success || r.Strategy != first.Strategy || r.Signature != first.Signature {
			return false
		}
	}
	logging.Supervisor("loop detected: %d x %s under %s", lookback, first.Signature, first.Strategy)
	return true
}

// Records returns a copy of the log.
func (t *Tracker) Records() []AttemptRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]AttemptRecord(nil), t.records...)
}

// Len returns the number of records.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
