// Package usage tracks LLM gateway call statistics and persists them per workspace.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Event is one provider call as seen by the gateway.
type Event struct {
	Provider    string
	Model       string
	Operation   string
	PromptChars int
	OutputChars int
	Failed      bool
}

// Tracker manages call recording and persistence.
type Tracker struct {
	mu       sync.Mutex
	data     UsageData
	filePath string
}

// NewTracker creates a tracker persisting to path. An empty path keeps the
// tracker in memory only.
func NewTracker(path string) (*Tracker, error) {
	t := &Tracker{filePath: path, data: UsageData{Version: "1.0"}}
	t.data.Aggregate.ensureMaps()
	if path == "" {
		return t, nil
	}
	if err := t.Load(); err != nil {
		return nil, fmt.Errorf("failed to load usage data: %w", err)
	}
	return t, nil
}

func (a *AggregatedStats) ensureMaps() {
	if a.ByProvider == nil {
		a.ByProvider = make(map[string]CallCounts)
	}
	if a.ByModel == nil {
		a.ByModel = make(map[string]CallCounts)
	}
	if a.ByOperation == nil {
		a.ByOperation = make(map[string]CallCounts)
	}
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}
	t.data.Aggregate.ensureMaps()
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.filePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// Track records a provider call.
func (t *Tracker) Track(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Aggregate.Total.Add(ev.PromptChars, ev.OutputChars, ev.Failed)
	addToMap(t.data.Aggregate.ByProvider, ev.Provider, ev)
	if ev.Model != "" {
		addToMap(t.data.Aggregate.ByModel, ev.Model, ev)
	}
	if ev.Operation != "" {
		addToMap(t.data.Aggregate.ByOperation, ev.Operation, ev)
	}
}

// QuotaRetry records one backoff retry on the primary provider.
func (t *Tracker) QuotaRetry() {
	t.mu.Lock()
	t.data.Aggregate.QuotaRetries++
	t.mu.Unlock()
}

// Fallover records a switch to the next provider in the chain.
func (t *Tracker) Fallover() {
	t.mu.Lock()
	t.data.Aggregate.Fallovers++
	t.mu.Unlock()
}

// Exhausted records a call on which every provider failed.
func (t *Tracker) Exhausted() {
	t.mu.Lock()
	t.data.Aggregate.Exhausted++
	t.mu.Unlock()
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByProvider = copyCountsMap(stats.ByProvider)
	stats.ByModel = copyCountsMap(stats.ByModel)
	stats.ByOperation = copyCountsMap(stats.ByOperation)
	return stats
}

func copyCountsMap(src map[string]CallCounts) map[string]CallCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]CallCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]CallCounts, key string, ev Event) {
	entry := m[key]
	entry.Add(ev.PromptChars, ev.OutputChars, ev.Failed)
	m[key] = entry
}
