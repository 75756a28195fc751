package tiered

import "sync"

// writeTracker counts writes per conversation so a repair can tell whether
// the durable state it read may already be behind the fast tier.
type writeTracker struct {
	mu      sync.Mutex
	entries map[string]*writeEntry
}

type writeEntry struct {
	refs int // guarded by writeTracker.mu

	mu      sync.Mutex
	pending int
	gen     uint64
}

func newWriteTracker() *writeTracker {
	return &writeTracker{entries: map[string]*writeEntry{}}
}

func (t *writeTracker) acquire(id string) *writeEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &writeEntry{}
		t.entries[id] = e
	}
	e.refs++
	return e
}

func (t *writeTracker) release(id string, e *writeEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, id)
	}
}

// begin marks a write to id as in flight until the returned func runs.
// It blocks while a repair of id is writing the fast tier.
func (t *writeTracker) begin(id string) func() {
	e := t.acquire(id)
	e.mu.Lock()
	e.pending++
	e.gen++
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.pending--
		e.gen++
		e.mu.Unlock()
		t.release(id, e)
	}
}

// watch snapshots the write generation of id. The entry stays tracked
// until the caller releases it.
func (t *writeTracker) watch(id string) (*writeEntry, uint64) {
	e := t.acquire(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e, e.gen
}

// moved reports whether a write started or finished since gen. Callers
// hold e.mu.
func (e *writeEntry) moved(gen uint64) bool {
	return e.gen != gen || e.pending > 0
}
