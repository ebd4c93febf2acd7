// Package types holds the numeric short-ID types shared across the room
// event pipeline (spec §3 "Short IDs"). They are distinct types, not bare
// uint64s, so the compiler catches an EventNID being passed where a
// RoomNID is expected.
package types

// EventNID is the short ID standing in for a long event_id.
type EventNID uint64

// StateKeyNID is the short ID for a whole (event_type, state_key) pair
// (spec §4.1: get_or_create_short_state_key returns a single u64, not a
// pair of component IDs).
type StateKeyNID uint64

// RoomNID is the short ID standing in for a long room_id.
type RoomNID uint64

// StateSnapshotNID names a fully-resolved state set (spec §3 "State
// set"); it is the hash-derived short ID of the set's canonical byte
// encoding.
type StateSnapshotNID uint64

// StateKeyTuple is an uninterned (event_type, state_key) pair.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// StateEntry binds an interned (type, state_key) pair to the event that
// currently satisfies it within some state set.
type StateEntry struct {
	StateKeyNID StateKeyNID
	EventNID    EventNID
}

// StateAtEvent captures the short state snapshot immediately before an
// event was applied, alongside bookkeeping the input pipeline needs.
type StateAtEvent struct {
	EventNID               EventNID
	BeforeStateSnapshotNID StateSnapshotNID
	IsRejected             bool
}
