// Package tasks implements the FIFO task queue used to drive the build phase.
package tasks

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Kind tags what a Task does when executed.
type Kind string

const (
	KindCreateFile  Kind = "create_file"
	KindRunCommand  Kind = "run_command"
	KindExecuteGoal Kind = "execute_goal"
)

// DefaultMaxRetries is the retry budget of a task unless set explicitly.
const DefaultMaxRetries = 3

// Task is one unit of the decomposed goal.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Kind        Kind      `json:"kind"`
	File        string    `json:"file,omitempty"`
	Command     string    `json:"command,omitempty"`
	Status      Status    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewTask creates a pending task with a fresh id.
func NewTask(description string, kind Kind) *Task {
	now := time.Now()
	return &Task{
		ID:          uuid.NewString(),
		Description: description,
		Kind:        kind,
		Status:      StatusPending,
		MaxRetries:  DefaultMaxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CreateFile returns a task that generates one workspace file.
func CreateFile(description, file string) *Task {
	t := NewTask(description, KindCreateFile)
	t.File = file
	return t
}

// RunCommand returns a task that runs a shell command in the workspace.
func RunCommand(description, command string) *Task {
	t := NewTask(description, KindRunCommand)
	t.Command = command
	return t
}

// ExecuteGoal is the single fallback task used when decomposition fails.
func ExecuteGoal(goal string) *Task {
	return NewTask("Execute goal: "+goal, KindExecuteGoal)
}
