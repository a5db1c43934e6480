package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"loopsmith/internal/logging"
)

// ErrQueueEmpty is returned by Next when no task is pending.
var ErrQueueEmpty = errors.New("task queue empty")

// Manager is a FIFO task queue with a retry policy and a working-state dictionary.
type Manager struct {
	mu        sync.Mutex
	queue     []*Task
	completed []*Task
	failed    []*Task
	current   *Task
	state     map[string]interface{}
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{state: make(map[string]interface{})}
}

// Add appends a task to the tail of the queue.
func (m *Manager) Add(t *Task) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		fresh := NewTask(t.Description, t.Kind)
		t.ID, t.CreatedAt = fresh.ID, fresh.CreatedAt
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	t.Status = StatusPending
	t.UpdatedAt = time.Now()
	m.queue = append(m.queue, t)
	logging.TasksDebug("queued %s (%s): %s", t.ID, t.Kind, t.Description)
	return t
}

// Next pops the head of the queue and marks it in progress.
func (m *Manager) Next() (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil, ErrQueueEmpty
	}
	t := m.queue[0]
	m.queue = m.queue[1:]
	t.Status = StatusInProgress
	t.UpdatedAt = time.Now()
	m.current = t
	return t, nil
}

// MarkCompleted records a successful task. The result must be non-empty.
func (m *Manager) MarkCompleted(t *Task, result string) error {
	if result == "" {
		return fmt.Errorf("task %s: empty result", t.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t.Status = StatusCompleted
	t.Result = result
	t.Error = ""
	t.UpdatedAt = time.Now()
	m.completed = append(m.completed, t)
	if m.current == t {
		m.current = nil
	}
	logging.Tasks("completed %s: %s", t.ID, t.Description)
	return nil
}

// MarkFailed records a failure. While retry_count is below max_retries the
// task goes back to the head of the queue and retry_count grows; otherwise it
// is finalized as failed, so a task runs at most max_retries+1 times.
// Returns true when the task was requeued.
func (m *Manager) MarkFailed(t *Task, errMsg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if errMsg == "" {
		errMsg = "unknown error"
	}
	t.Error = errMsg
	t.UpdatedAt = time.Now()
	if m.current == t {
		m.current = nil
	}

	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.Status = StatusPending
		m.queue = append([]*Task{t}, m.queue...)
		logging.Tasks("retrying %s (%d/%d): %s", t.ID, t.RetryCount, t.MaxRetries, errMsg)
		return true
	}

	t.Status = StatusFailed
	m.failed = append(m.failed, t)
	logging.Tasks("failed %s after %d retries: %s", t.ID, t.RetryCount, errMsg)
	return false
}

// Len returns the number of pending tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// SetState stores a working-state value.
func (m *Manager) SetState(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = value
}

// AppendState appends to a list-valued working-state key. A non-list value
// under the key is replaced by a new list.
func (m *Manager) AppendState(key string, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, _ := m.state[key].([]string)
	m.state[key] = append(list, value)
}

// StateList returns a list-valued working-state key.
func (m *Manager) StateList(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, _ := m.state[key].([]string)
	return append([]string(nil), list...)
}

// Progress summarizes queue state.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Percent   float64 `json:"percent"`
}

// Progress returns the current progress.
func (m *Manager) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progressLocked()
}

func (m *Manager) progressLocked() Progress {
	p := Progress{
		Completed: len(m.completed),
		Failed:    len(m.failed),
		Pending:   len(m.queue),
	}
	p.Total = p.Completed + p.Failed + p.Pending
	if m.current != nil {
		p.Total++
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}

// Snapshot is the serialized form of the manager.
type Snapshot struct {
	Pending   []*Task                `json:"pending"`
	Completed []*Task                `json:"completed"`
	Failed    []*Task                `json:"failed"`
	State     map[string]interface{} `json:"state"`
	Progress  Progress               `json:"progress"`
	SavedAt   time.Time              `json:"saved_at"`
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := make(map[string]interface{}, len(m.state))
	for k, v := range m.state {
		state[k] = v
	}
	return Snapshot{
		Pending:   append([]*Task(nil), m.queue...),
		Completed: append([]*Task(nil), m.completed...),
		Failed:    append([]*Task(nil), m.failed...),
		State:     state,
		Progress:  m.progressLocked(),
		SavedAt:   time.Now(),
	}
}

// Save writes the snapshot to path as JSON.
func (m *Manager) Save(path string) error {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write task state: %w", err)
	}
	return nil
}
