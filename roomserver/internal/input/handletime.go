package input

import (
	"sync"
	"time"
)

// HandleTimeTable is the process-wide federation_handletime map so admin
// tooling can observe stuck handlers (spec §4.2 step 7, §5 "Shared
// resources"). Guarded by a single mutex and accessed with short
// critical sections, same as the backoff table.
type HandleTimeTable struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // room_id -> event_id -> started
	now     func() time.Time
}

// NewHandleTimeTable constructs an empty table.
func NewHandleTimeTable() *HandleTimeTable {
	return &HandleTimeTable{entries: make(map[string]map[string]time.Time), now: time.Now}
}

// Register records that roomID/eventID started processing now.
func (h *HandleTimeTable) Register(roomID, eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.entries[roomID] == nil {
		h.entries[roomID] = make(map[string]time.Time)
	}
	h.entries[roomID][eventID] = h.now()
}

// Unregister clears an entry once processing finishes.
func (h *HandleTimeTable) Unregister(roomID, eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries[roomID], eventID)
	if len(h.entries[roomID]) == 0 {
		delete(h.entries, roomID)
	}
}

// Snapshot returns a copy of the table for admin inspection.
func (h *HandleTimeTable) Snapshot() map[string]map[string]time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]map[string]time.Time, len(h.entries))
	for room, byEvent := range h.entries {
		inner := make(map[string]time.Time, len(byEvent))
		for id, t := range byEvent {
			inner[id] = t
		}
		out[room] = inner
	}
	return out
}
