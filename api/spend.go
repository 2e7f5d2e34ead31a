package api

import (
	"sync"
	"time"
)

// spendTracker keeps per-DID daily transaction totals in memory. The
// counter resets at UTC midnight and on process restart; the wallet
// service remains the system of record.
type spendTracker struct {
	mu     sync.Mutex
	totals map[string]spendEntry
	day    string
}

type spendEntry struct {
	day   string
	total int64
}

func newSpendTracker() *spendTracker {
	return &spendTracker{totals: make(map[string]spendEntry)}
}

// purge drops every stale entry on the first call of a new UTC day.
// Caller holds the lock.
func (t *spendTracker) purge(day string) {
	if t.day == day {
		return
	}
	for did, entry := range t.totals {
		if entry.day != day {
			delete(t.totals, did)
		}
	}
	t.day = day
}

// Reserve adds amount to the DID's total for today if the result stays
// within limit; otherwise nothing is recorded and false is returned.
func (t *spendTracker) Reserve(did string, amount, limit int64) bool {
	day := time.Now().UTC().Format("2006-01-02")

	t.mu.Lock()
	defer t.mu.Unlock()
	t.purge(day)

	entry := t.totals[did]
	if entry.day != day {
		entry = spendEntry{day: day}
	}
	if entry.total+amount > limit {
		return false
	}
	entry.total += amount
	t.totals[did] = entry
	return true
}

// Release returns a reservation after a failed upstream submission.
func (t *spendTracker) Release(did string, amount int64) {
	day := time.Now().UTC().Format("2006-01-02")

	t.mu.Lock()
	defer t.mu.Unlock()
	t.purge(day)

	entry := t.totals[did]
	if entry.day != day {
		return
	}
	entry.total -= amount
	if entry.total < 0 {
		entry.total = 0
	}
	t.totals[did] = entry
}
