// Package memory holds the meta-learning layer: canonical error signatures,
// the persistent store of verified error→fix solutions and the pending-solution
// protocol that only commits a fix after verification passes.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"loopsmith/internal/logging"
)

// Solution is a verified fix for one error signature.
type Solution struct {
	Signature    string    `json:"signature"`
	FilePath     string    `json:"file_path"`
	FixedContent string    `json:"fixed_content"`
	FixType      string    `json:"fix_type"`
	Language     string    `json:"language,omitempty"`
	Strategy     string    `json:"strategy"`
	ErrorSample  string    `json:"error_sample,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	ReuseCount   int       `json:"reuse_count"`
	LastReused   time.Time `json:"last_reused,omitempty"`
}

// Pattern counts how often a signature family has been seen.
type Pattern struct {
	Occurrences int       `json:"occurrences"`
	LastSeen    time.Time `json:"last_seen"`
}

// Statistics are aggregate counters persisted with the store.
type Statistics struct {
	SolutionsStored int `json:"solutions_stored"`
	SolutionsReused int `json:"solutions_reused"`
	ErrorsSeen      int `json:"errors_seen"`
	PendingDropped  int `json:"pending_dropped"`
}

type document struct {
	Solutions  map[string]*Solution `json:"solutions"`
	Patterns   map[string]*Pattern  `json:"patterns"`
	Statistics Statistics           `json:"statistics"`
}

// maxErrorSample bounds the error bundle kept with a solution.
const maxErrorSample = 2000

// Store is the persistent meta-memory. Every mutation rewrites the whole file.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
	now  func() time.Time
}

// Open loads the store at path, creating an empty one if missing. An empty
// path yields an in-memory store.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc: document{
			Solutions: make(map[string]*Solution),
			Patterns:  make(map[string]*Pattern),
		},
		now: time.Now,
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read meta memory: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("failed to parse meta memory %s: %w", path, err)
	}
	if s.doc.Solutions == nil {
		s.doc.Solutions = make(map[string]*Solution)
	}
	if s.doc.Patterns == nil {
		s.doc.Patterns = make(map[string]*Pattern)
	}
	logging.Memory("loaded %d solutions from %s", len(s.doc.Solutions), path)
	return s, nil
}

// Has reports whether a solution exists for sig.
func (s *Store) Has(sig string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.doc.Solutions[sig]
	return ok
}

// Get returns the solution for sig, counting the lookup as a reuse.
func (s *Store) Get(sig string) (Solution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sol, ok := s.doc.Solutions[sig]
	if !ok {
		return Solution{}, false, nil
	}
	sol.ReuseCount++
	sol.LastReused = s.now()
	s.doc.Statistics.SolutionsReused++
	logging.Memory("reusing solution for %s (reuse #%d)", sig, sol.ReuseCount)
	return *sol, true, s.saveLocked()
}

// Put stores a verified solution. An existing entry keeps its first_seen and reuse count.
func (s *Store) Put(sol Solution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sol.Signature == "" {
		return fmt.Errorf("solution has no signature")
	}
	if len(sol.ErrorSample) > maxErrorSample {
		sol.ErrorSample = sol.ErrorSample[:maxErrorSample]
	}
	if prev, ok := s.doc.Solutions[sol.Signature]; ok {
		sol.FirstSeen = prev.FirstSeen
		sol.ReuseCount = prev.ReuseCount
		sol.LastReused = prev.LastReused
	} else {
		sol.FirstSeen = s.now()
		s.doc.Statistics.SolutionsStored++
	}
	s.doc.Solutions[sol.Signature] = &sol
	logging.Memory("stored solution for %s -> %s (%s)", sol.Signature, sol.FilePath, sol.Strategy)
	return s.saveLocked()
}

// ObserveError counts an occurrence of sig.
func (s *Store) ObserveError(sig string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.doc.Patterns[sig]
	if !ok {
		p = &Pattern{}
		s.doc.Patterns[sig] = p
	}
	p.Occurrences++
	p.LastSeen = s.now()
	s.doc.Statistics.ErrorsSeen++
	return s.saveLocked()
}

// NotePendingDropped counts a pending solution discarded without verification.
func (s *Store) NotePendingDropped() {
	s.mu.Lock()
	s.doc.Statistics.PendingDropped++
	s.mu.Unlock()
}

// Statistics returns the aggregate counters.
func (s *Store) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Statistics
}

// Solutions returns all stored solutions sorted by signature.
func (s *Store) Solutions() []Solution {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Solution, 0, len(s.doc.Solutions))
	for _, sol := range s.doc.Solutions {
		out = append(out, *sol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}

// Save persists the store.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal meta memory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create memory directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write meta memory: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace meta memory: %w", err)
	}
	return nil
}
