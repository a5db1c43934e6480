package memory

import (
	"sync"

	"loopsmith/internal/logging"
)

// Learner ties signatures to the store and owns the pending-solution
// protocol: a fix is pending until the next verification either passes
// (commit) or fails (discard).
type Learner struct {
	mu      sync.Mutex
	signer  Signer
	store   *Store
	pending *Solution

	lastApplied string
	distrusted  map[string]bool

	streakSig string
	streak    int
}

// NewLearner creates a learner over store.
func NewLearner(store *Store, signer Signer) *Learner {
	return &Learner{
		signer:     signer,
		store:      store,
		distrusted: make(map[string]bool),
	}
}

// Store returns the underlying meta-memory.
func (l *Learner) Store() *Store { return l.store }

// Signature computes the canonical signature of errText.
func (l *Learner) Signature(errText string) string {
	return l.signer.Signature(errText)
}

// Observe records a verification failure and returns its signature. Any
// pending solution is discarded. If the previous attempt applied a stored
// solution for the same signature, that solution is not offered again in
// this run.
func (l *Learner) Observe(errText string) string {
	sig := l.signer.Signature(errText)

	l.mu.Lock()
	l.discardLocked()
	if l.lastApplied != "" && l.lastApplied == sig {
		logging.MemoryWarn("stored solution for %s did not fix it; bypassing memory for this run", sig)
		l.distrusted[sig] = true
	}
	l.lastApplied = ""
	if sig == l.streakSig {
		l.streak++
	} else {
		l.streakSig, l.streak = sig, 1
	}
	l.mu.Unlock()

	if err := l.store.ObserveError(sig); err != nil {
		logging.MemoryWarn("failed to record error pattern: %v", err)
	}
	return sig
}

// Streak returns how many consecutive observations shared the latest
// signature. Fix prompts use it to ask for a different approach.
func (l *Learner) Streak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streak
}

// KnownSolution returns the stored solution for sig unless it was already
// shown not to work in this run.
func (l *Learner) KnownSolution(sig string) (Solution, bool, error) {
	l.mu.Lock()
	bypass := l.distrusted[sig]
	l.mu.Unlock()
	if bypass || !l.store.Has(sig) {
		return Solution{}, false, nil
	}
	return l.store.Get(sig)
}

// MarkApplied records that the stored solution for sig was just written.
func (l *Learner) MarkApplied(sig string) {
	l.mu.Lock()
	l.lastApplied = sig
	l.mu.Unlock()
}

// SetPending records a freshly generated fix awaiting verification.
func (l *Learner) SetPending(sol Solution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = &sol
	logging.MemoryDebug("pending solution for %s -> %s", sol.Signature, sol.FilePath)
}

// Pending returns the current pending solution.
func (l *Learner) Pending() (Solution, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return Solution{}, false
	}
	return *l.pending, true
}

// DiscardPending drops the pending solution without storing it, as when a run
// ends before the fix could be verified, and persists the dropped count.
func (l *Learner) DiscardPending() error {
	l.mu.Lock()
	dropped := l.discardLocked()
	l.mu.Unlock()
	if !dropped {
		return nil
	}
	return l.store.Save()
}

func (l *Learner) discardLocked() bool {
	if l.pending == nil {
		return false
	}
	logging.MemoryDebug("discarding pending solution for %s", l.pending.Signature)
	l.pending = nil
	l.store.NotePendingDropped()
	return true
}

// CommitPending stores the pending solution after a verification pass.
// Returns the committed solution, or nil when nothing was pending.
func (l *Learner) CommitPending() (*Solution, error) {
	l.mu.Lock()
	sol := l.pending
	l.pending = nil
	l.lastApplied = ""
	l.streakSig, l.streak = "", 0
	l.mu.Unlock()

	if sol == nil {
		return nil, nil
	}
	if err := l.store.Put(*sol); err != nil {
		return nil, err
	}
	return sol, nil
}
