package input

import (
	"sync"
	"time"
)

const (
	backoffMin = 5 * time.Minute
	backoffMax = 24 * time.Hour
)

// backoffEntry tracks one failing event_id fetch.
type backoffEntry struct {
	failures int
	until    time.Time
}

// BackoffTable is the per-id exponential backoff table consulted before
// every ancestor fetch (spec §4.2 step 4: "min 5 min, max 24 h"; spec §9
// models it as a service with acquire/mark_failed/clear rather than a
// raw lock).
type BackoffTable struct {
	mu      sync.Mutex
	entries map[string]*backoffEntry
	now     func() time.Time
}

// NewBackoffTable constructs an empty table.
func NewBackoffTable() *BackoffTable {
	return &BackoffTable{entries: make(map[string]*backoffEntry), now: time.Now}
}

// ShouldSkip reports whether id is currently within its backoff window.
func (b *BackoffTable) ShouldSkip(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return false
	}
	return b.now().Before(e.until)
}

// MarkFailed records a failed fetch of id, doubling its backoff up to
// backoffMax.
func (b *BackoffTable) MarkFailed(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		e = &backoffEntry{}
		b.entries[id] = e
	}
	e.failures++
	delay := backoffMin << uint(e.failures-1)
	if delay > backoffMax || delay <= 0 {
		delay = backoffMax
	}
	e.until = b.now().Add(delay)
}

// Clear removes id's backoff state, called once it has been fetched
// successfully.
func (b *BackoffTable) Clear(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
}
