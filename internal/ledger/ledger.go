// Package ledger keeps the append-only record of attempted actions used to
// avoid dispatching an already confirmed (action, target) pair again.
package ledger

import (
	"sync"

	"github.com/xkilldash9x/socialdriver/api/schemas"
)

// Ledger is goroutine-safe. Entries are never modified or removed.
type Ledger struct {
	mu        sync.RWMutex
	entries   []schemas.ActionOutcome
	byKey     map[schemas.LedgerKey][]int
	confirmed map[schemas.LedgerKey]bool
}

func New() *Ledger {
	return &Ledger{
		byKey:     make(map[schemas.LedgerKey][]int),
		confirmed: make(map[schemas.LedgerKey]bool),
	}
}

// Record appends o. Recording the same key again adds a new entry.
func (l *Ledger) Record(o schemas.ActionOutcome) {
	key := o.Request.Key()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byKey[key] = append(l.byKey[key], len(l.entries))
	l.entries = append(l.entries, o)
	if o.Verdict == schemas.VerdictConfirmed {
		l.confirmed[key] = true
	}
}

// Seed replays outcomes persisted by an earlier run.
func (l *Ledger) Seed(outcomes []schemas.ActionOutcome) {
	for _, o := range outcomes {
		l.Record(o)
	}
}

// HasConfirmed reports whether any entry for (t, target) is Confirmed.
func (l *Ledger) HasConfirmed(t schemas.ActionType, target string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.confirmed[schemas.NewLedgerKey(t, target)]
}

// Lookup returns the most recent entry for (t, target).
func (l *Ledger) Lookup(t schemas.ActionType, target string) (schemas.ActionOutcome, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.byKey[schemas.NewLedgerKey(t, target)]
	if len(idx) == 0 {
		return schemas.ActionOutcome{}, false
	}
	return l.entries[idx[len(idx)-1]], true
}

// History returns every entry for (t, target), oldest first.
func (l *Ledger) History(t schemas.ActionType, target string) []schemas.ActionOutcome {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.byKey[schemas.NewLedgerKey(t, target)]
	out := make([]schemas.ActionOutcome, len(idx))
	for i, j := range idx {
		out[i] = l.entries[j]
	}
	return out
}

// All returns a copy of every entry in record order.
func (l *Ledger) All() []schemas.ActionOutcome {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]schemas.ActionOutcome(nil), l.entries...)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
