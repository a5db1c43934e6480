// Package knowledge is the persistent knowledge base filled by the research
// pass and consulted when generating fixes.
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"loopsmith/internal/logging"
)

// Entry is one piece of knowledge under a topic.
type Entry struct {
	Knowledge string    `json:"knowledge"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Topic groups the entries researched under one name.
type Topic struct {
	Entries []Entry `json:"entries"`
}

// Pattern is a named, reusable error→solution description.
type Pattern struct {
	Description string    `json:"description"`
	Solution    string    `json:"solution"`
	UseCount    int       `json:"use_count"`
	Created     time.Time `json:"created"`
}

// Statistics are aggregate counters of the base.
type Statistics struct {
	TotalEntries  int       `json:"total_entries"`
	TotalPatterns int       `json:"total_patterns"`
	Searches      int       `json:"searches"`
	LastUpdated   time.Time `json:"last_updated"`
}

// MatchType tells whether a search hit matched the topic name or entry text.
type MatchType string

const (
	MatchTopic   MatchType = "topic"
	MatchContent MatchType = "content"
)

// Match is one search hit.
type Match struct {
	Topic     string    `json:"topic"`
	Entry     Entry     `json:"entry"`
	MatchType MatchType `json:"match_type"`
}

type document struct {
	Topics        map[string]*Topic   `json:"topics"`
	Patterns      map[string]*Pattern `json:"patterns"`
	BestPractices map[string][]string `json:"best_practices"`
	Tools         map[string][]string `json:"tools"`
	Statistics    Statistics          `json:"statistics"`
}

// Base is the knowledge store. Writes are serialized and persisted whole.
type Base struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Open loads the base at path or starts an empty one. An empty path keeps it in memory.
func Open(path string) (*Base, error) {
	b := &Base{path: path, doc: emptyDocument()}
	if path == "" {
		return b, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base: %w", err)
	}
	if err := json.Unmarshal(data, &b.doc); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base %s: %w", path, err)
	}
	b.doc.ensureMaps()
	logging.Knowledge("loaded knowledge base: %d topics, %d patterns", len(b.doc.Topics), len(b.doc.Patterns))
	return b, nil
}

func emptyDocument() document {
	var d document
	d.ensureMaps()
	return d
}

func (d *document) ensureMaps() {
	if d.Topics == nil {
		d.Topics = make(map[string]*Topic)
	}
	for name, t := range d.Topics {
		if t == nil {
			delete(d.Topics, name)
		}
	}
	if d.Patterns == nil {
		d.Patterns = make(map[string]*Pattern)
	}
	if d.BestPractices == nil {
		d.BestPractices = make(map[string][]string)
	}
	if d.Tools == nil {
		d.Tools = make(map[string][]string)
	}
}

// AddEntry appends knowledge under topic.
func (b *Base) AddEntry(topic, text, source string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.doc.Topics[topic]
	if t == nil {
		t = &Topic{}
		b.doc.Topics[topic] = t
	}
	t.Entries = append(t.Entries, Entry{
		Knowledge: text,
		Source:    source,
		Timestamp: time.Now(),
	})
	b.doc.Statistics.TotalEntries++
	b.doc.Statistics.LastUpdated = time.Now()
	logging.KnowledgeDebug("added entry to %q from %s (%d chars)", topic, source, len(text))
	return b.saveLocked()
}

// HasTopic reports whether any entry exists for topic.
func (b *Base) HasTopic(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.doc.Topics[topic]
	return t != nil && len(t.Entries) > 0
}

// Search returns entries whose topic or text contains query (case-insensitive).
// Topic matches come first; within a kind, topics are sorted by name.
func (b *Base) Search(query string) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.doc.Statistics.Searches++

	topics := make([]string, 0, len(b.doc.Topics))
	for t := range b.doc.Topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	var byTopic, byContent []Match
	for _, t := range topics {
		topicHit := strings.Contains(strings.ToLower(t), q)
		for _, e := range b.doc.Topics[t].Entries {
			switch {
			case topicHit:
				byTopic = append(byTopic, Match{Topic: t, Entry: e, MatchType: MatchTopic})
			case strings.Contains(strings.ToLower(e.Knowledge), q):
				byContent = append(byContent, Match{Topic: t, Entry: e, MatchType: MatchContent})
			}
		}
	}
	return append(byTopic, byContent...)
}

// AddPattern stores or replaces a named pattern, keeping its use count.
func (b *Base) AddPattern(name, description, solution string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.doc.Patterns[name]
	if !ok {
		p = &Pattern{Created: time.Now()}
		b.doc.Patterns[name] = p
		b.doc.Statistics.TotalPatterns++
	}
	p.Description = description
	p.Solution = solution
	b.doc.Statistics.LastUpdated = time.Now()
	return b.saveLocked()
}

// GetPattern returns a pattern and counts the use.
func (b *Base) GetPattern(name string) (Pattern, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.doc.Patterns[name]
	if !ok {
		return Pattern{}, false, nil
	}
	p.UseCount++
	return *p, true, b.saveLocked()
}

// AddBestPractice records a practice for a technology, skipping duplicates.
func (b *Base) AddBestPractice(tech, practice string) error {
	return b.appendUnique(b.doc.BestPractices, tech, practice)
}

// AddToolKnowledge records a note about a tool, skipping duplicates.
func (b *Base) AddToolKnowledge(tool, info string) error {
	return b.appendUnique(b.doc.Tools, tool, info)
}

func (b *Base) appendUnique(m map[string][]string, key, val string) error {
	val = strings.TrimSpace(val)
	if val == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range m[key] {
		if existing == val {
			return nil
		}
	}
	m[key] = append(m[key], val)
	b.doc.Statistics.LastUpdated = time.Now()
	return b.saveLocked()
}

// BestPractices returns the practices recorded for tech.
func (b *Base) BestPractices(tech string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.doc.BestPractices[tech]...)
}

// Summary describes the size of the base.
type Summary struct {
	Topics       []string   `json:"topics"`
	Entries      int        `json:"entries"`
	Patterns     int        `json:"patterns"`
	Technologies []string   `json:"technologies"`
	Tools        []string   `json:"tools"`
	Statistics   Statistics `json:"statistics"`
}

// Summary returns a sorted overview.
func (b *Base) Summary() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Summary{Patterns: len(b.doc.Patterns), Statistics: b.doc.Statistics}
	for name, t := range b.doc.Topics {
		s.Topics = append(s.Topics, name)
		s.Entries += len(t.Entries)
	}
	for tech := range b.doc.BestPractices {
		s.Technologies = append(s.Technologies, tech)
	}
	for tool := range b.doc.Tools {
		s.Tools = append(s.Tools, tool)
	}
	sort.Strings(s.Topics)
	sort.Strings(s.Technologies)
	sort.Strings(s.Tools)
	return s
}

// Save persists the base.
func (b *Base) Save() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saveLocked()
}

func (b *Base) saveLocked() error {
	if b.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(b.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal knowledge base: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return fmt.Errorf("failed to create knowledge directory: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write knowledge base: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("failed to replace knowledge base: %w", err)
	}
	return nil
}
