// Package strategy holds the ordered fix strategies and the escalation engine.
package strategy

import (
	"sync"

	"loopsmith/internal/logging"
)

// Name identifies a fix strategy.
type Name string

const (
	DirectFileFix        Name = "direct_file_fix"
	ContextualFileFix    Name = "contextual_file_fix"
	UseTemplate          Name = "use_template"
	WebSearchForSolution Name = "web_search_for_solution"
)

// Strategy describes one entry of the escalation table.
type Strategy struct {
	Name        Name   `json:"name"`
	Description string `json:"description"`
	Complexity  int    `json:"complexity"`
}

// Table is the escalation order, simplest first.
var Table = []Strategy{
	{DirectFileFix, "Regenerate the failing file from the error, reusing known fixes", 1},
	{ContextualFileFix, "Regenerate the failing file with its linked files as context", 2},
	{UseTemplate, "Overwrite affected files with the known-good template set", 3},
	{WebSearchForSolution, "Ground a fix in web search results", 4},
}

// Lookup returns the table entry for name.
func Lookup(name Name) (Strategy, bool) {
	for _, s := range Table {
		if s.Name == name {
			return s, true
		}
	}
	return Strategy{}, false
}

// Engine tracks the current strategy. The index only moves forward within a run.
type Engine struct {
	mu    sync.RWMutex
	table []Strategy
	index int
}

// NewEngine creates an engine over the default table.
func NewEngine() *Engine {
	return NewEngineWithTable(Table)
}

// NewEngineWithTable creates an engine over a custom table.
func NewEngineWithTable(table []Strategy) *Engine {
	return &Engine{table: append([]Strategy(nil), table...)}
}

// Current returns the active strategy.
func (e *Engine) Current() Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.table[e.index]
}

// Index returns the 0-based position of the active strategy.
func (e *Engine) Index() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index
}

// Escalate moves to the next strategy. It returns false, leaving the engine
// unchanged, when the table is exhausted.
func (e *Engine) Escalate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.index+1 >= len(e.table) {
		logging.SupervisorWarn("No strategy left after %s", e.table[e.index].Name)
		return false
	}
	from := e.table[e.index].Name
	e.index++
	logging.Supervisor("Escalating strategy: %s -> %s", from, e.table[e.index].Name)
	return true
}

// Remaining returns how many strategies are left after the current one.
func (e *Engine) Remaining() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.table) - e.index - 1
}
