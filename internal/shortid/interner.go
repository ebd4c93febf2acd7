// Package shortid implements C2, the bijective mapping between long
// Matrix identifiers (event IDs, (type, state_key) tuples, room IDs, and
// state-set hashes) and dense 64-bit short IDs (spec §4.1).
//
// Short IDs are allocated from a single process-wide counter that only
// ever advances; the forward and reverse entries for a new mapping are
// written in the same kv.Store batch so a crash between them is
// impossible, and the counter itself is persisted with write-through in
// pre-allocated chunks of 1024 to amortize the write (spec §5).
package shortid

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/roomserver/types"
)

const counterBatchSize = 1024

const counterKey = "global"

// Interner is the shared short-ID allocator and the four interning
// tables it backs.
type Interner struct {
	store kv.Store

	allocMu  sync.Mutex
	next     atomic.Uint64 // next value to hand out
	reserved uint64        // high-water mark persisted to the store
}

// New constructs an Interner over store, reading (or initialising) the
// persisted counter.
func New(store kv.Store) (*Interner, error) {
	in := &Interner{store: store}
	var reserved uint64
	err := store.View(func(txn kv.Txn) error {
		col, err := txn.Column("counters")
		if err != nil {
			return err
		}
		v, err := col.Get([]byte(counterKey))
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		reserved = binary.BigEndian.Uint64(v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("shortid: load counter: %w", err)
	}
	in.next.Store(reserved)
	in.reserved = reserved
	return in, nil
}

// allocate returns the next short ID, persisting a new reservation
// high-water mark whenever the current batch is exhausted.
func (in *Interner) allocate() (uint64, error) {
	in.allocMu.Lock()
	defer in.allocMu.Unlock()

	id := in.next.Load() + 1
	if id > in.reserved {
		newReserved := id + counterBatchSize - 1
		if err := in.store.Update(func(txn kv.Txn) error {
			col, err := txn.Column("counters")
			if err != nil {
				return err
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, newReserved)
			return col.Put([]byte(counterKey), buf)
		}); err != nil {
			return 0, fmt.Errorf("shortid: persist counter: %w", err)
		}
		in.reserved = newReserved
	}
	in.next.Store(id)
	return id, nil
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// GetOrCreateShortEventID returns the short ID for eventID, creating and
// persisting one (both directions, in a single batch) if this is the
// first time it has been seen.
func (in *Interner) GetOrCreateShortEventID(eventID string) (types.EventNID, error) {
	if nid, ok, err := in.GetShortEventID(eventID); err != nil {
		return 0, err
	} else if ok {
		return nid, nil
	}
	id, err := in.allocate()
	if err != nil {
		return 0, err
	}
	err = in.store.Update(func(txn kv.Txn) error {
		fwd, err := txn.Column("eventid_shorteventid")
		if err != nil {
			return err
		}
		rev, err := txn.Column("shorteventid_eventid")
		if err != nil {
			return err
		}
		if err := fwd.Put([]byte(eventID), encodeU64(id)); err != nil {
			return err
		}
		return rev.Put(encodeU64(id), []byte(eventID))
	})
	if err != nil {
		return 0, fmt.Errorf("shortid: store event id mapping: %w", err)
	}
	return types.EventNID(id), nil
}

// GetShortEventID is the non-creating variant.
func (in *Interner) GetShortEventID(eventID string) (types.EventNID, bool, error) {
	var nid uint64
	var found bool
	err := in.store.View(func(txn kv.Txn) error {
		col, err := txn.Column("eventid_shorteventid")
		if err != nil {
			return err
		}
		v, err := col.Get([]byte(eventID))
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		nid = decodeU64(v)
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return types.EventNID(nid), found, nil
}

// GetEventIDFromShort is the inverse lookup.
func (in *Interner) GetEventIDFromShort(nid types.EventNID) (string, error) {
	var eventID string
	err := in.store.View(func(txn kv.Txn) error {
		col, err := txn.Column("shorteventid_eventid")
		if err != nil {
			return err
		}
		v, err := col.Get(encodeU64(uint64(nid)))
		if err != nil {
			return err
		}
		eventID = string(v)
		return nil
	})
	return eventID, err
}

// BatchGetOrCreateShortEventID is the hot-path batched lookup used by
// auth-chain load and state expansion (spec §4.1).
func (in *Interner) BatchGetOrCreateShortEventID(eventIDs []string) (map[string]types.EventNID, error) {
	out := make(map[string]types.EventNID, len(eventIDs))
	for _, id := range eventIDs {
		if _, ok := out[id]; ok {
			continue
		}
		nid, err := in.GetOrCreateShortEventID(id)
		if err != nil {
			return nil, err
		}
		out[id] = nid
	}
	return out, nil
}

// GetOrCreateShortStateKey interns the whole (event_type, state_key)
// pair as a single short ID (spec §4.1).
func (in *Interner) GetOrCreateShortStateKey(eventType, stateKey string) (types.StateKeyNID, error) {
	key := stateKeyTupleKey(eventType, stateKey)

	if nid, found, err := in.lookupStateKey(key); err != nil {
		return 0, err
	} else if found {
		return nid, nil
	}

	id, err := in.allocate()
	if err != nil {
		return 0, err
	}
	err = in.store.Update(func(txn kv.Txn) error {
		fwd, err := txn.Column("statekey_shortstatekey")
		if err != nil {
			return err
		}
		rev, err := txn.Column("shortstatekey_statekey")
		if err != nil {
			return err
		}
		if err := fwd.Put(key, encodeU64(id)); err != nil {
			return err
		}
		return rev.Put(encodeU64(id), key)
	})
	if err != nil {
		return 0, fmt.Errorf("shortid: store state key mapping: %w", err)
	}
	return types.StateKeyNID(id), nil
}

// GetShortStateKey is the non-creating variant.
func (in *Interner) GetShortStateKey(eventType, stateKey string) (types.StateKeyNID, bool, error) {
	return in.lookupStateKey(stateKeyTupleKey(eventType, stateKey))
}

func (in *Interner) lookupStateKey(key []byte) (types.StateKeyNID, bool, error) {
	var nid uint64
	var found bool
	err := in.store.View(func(txn kv.Txn) error {
		col, err := txn.Column("statekey_shortstatekey")
		if err != nil {
			return err
		}
		v, err := col.Get(key)
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		nid = decodeU64(v)
		found = true
		return nil
	})
	return types.StateKeyNID(nid), found, err
}

// stateKeyTupleKey encodes an (event_type, state_key) pair as a single
// byte string for use as the forward column's key. A NUL separator is
// safe because Matrix event types and state keys never contain it.
func stateKeyTupleKey(eventType, stateKey string) []byte {
	return []byte(eventType + "\x00" + stateKey)
}

// GetStateKeyFromShort is the inverse lookup, returning the original
// (event_type, state_key) pair for a short state-key ID.
func (in *Interner) GetStateKeyFromShort(nid types.StateKeyNID) (types.StateKeyTuple, error) {
	var tuple types.StateKeyTuple
	err := in.store.View(func(txn kv.Txn) error {
		col, err := txn.Column("shortstatekey_statekey")
		if err != nil {
			return err
		}
		v, err := col.Get(encodeU64(uint64(nid)))
		if err != nil {
			return err
		}
		parts := splitStateKeyTupleKey(v)
		tuple = types.StateKeyTuple{EventType: parts[0], StateKey: parts[1]}
		return nil
	})
	return tuple, err
}

func splitStateKeyTupleKey(b []byte) [2]string {
	for i, c := range b {
		if c == 0 {
			return [2]string{string(b[:i]), string(b[i+1:])}
		}
	}
	return [2]string{string(b), ""}
}

// GetOrCreateShortRoomID interns a room_id.
func (in *Interner) GetOrCreateShortRoomID(roomID string) (types.RoomNID, error) {
	var existing uint64
	var found bool
	err := in.store.View(func(txn kv.Txn) error {
		col, err := txn.Column("roomid_shortroomid")
		if err != nil {
			return err
		}
		v, err := col.Get([]byte(roomID))
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		existing = decodeU64(v)
		found = true
		return nil
	})
	if err != nil {
		return 0, err
	}
	if found {
		return types.RoomNID(existing), nil
	}
	id, err := in.allocate()
	if err != nil {
		return 0, err
	}
	err = in.store.Update(func(txn kv.Txn) error {
		col, err := txn.Column("roomid_shortroomid")
		if err != nil {
			return err
		}
		return col.Put([]byte(roomID), encodeU64(id))
	})
	if err != nil {
		return 0, fmt.Errorf("shortid: store room id mapping: %w", err)
	}
	return types.RoomNID(id), nil
}

// GetShortRoomID is the non-creating variant.
func (in *Interner) GetShortRoomID(roomID string) (types.RoomNID, bool, error) {
	var nid uint64
	var found bool
	err := in.store.View(func(txn kv.Txn) error {
		col, err := txn.Column("roomid_shortroomid")
		if err != nil {
			return err
		}
		v, err := col.Get([]byte(roomID))
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		nid = decodeU64(v)
		found = true
		return nil
	})
	return types.RoomNID(nid), found, err
}

// GetOrCreateShortStateHash interns a state set's canonical byte
// encoding, returning whether it already existed (spec §4.1: "plus
// already_existed flag").
func (in *Interner) GetOrCreateShortStateHash(canonicalBytes []byte) (types.StateSnapshotNID, bool, error) {
	var existing uint64
	var found bool
	err := in.store.View(func(txn kv.Txn) error {
		col, err := txn.Column("statehash_shortstatehash")
		if err != nil {
			return err
		}
		v, err := col.Get(canonicalBytes)
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		existing = decodeU64(v)
		found = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if found {
		return types.StateSnapshotNID(existing), true, nil
	}
	id, err := in.allocate()
	if err != nil {
		return 0, false, err
	}
	err = in.store.Update(func(txn kv.Txn) error {
		col, err := txn.Column("statehash_shortstatehash")
		if err != nil {
			return err
		}
		return col.Put(canonicalBytes, encodeU64(id))
	})
	if err != nil {
		return 0, false, fmt.Errorf("shortid: store state hash mapping: %w", err)
	}
	return types.StateSnapshotNID(id), false, nil
}
