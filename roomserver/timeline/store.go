// Package timeline implements C6, the timeline store: per-room ordered
// PDU storage keyed by (short_room_id, pdu_count), the event_id→pdu_id
// and (room, state_hash)→pdu_count secondary indices, the forward
// extremities set, and in-place redaction (spec §4.7).
package timeline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/roomserver/types"
)

const counterBatchSize = 1024

// StoredPDU is one timeline entry returned by a scan.
type StoredPDU struct {
	Count PduCount
	JSON  []byte
}

// Store is C6.
type Store struct {
	kv kv.Store

	normalMu       sync.Mutex
	normalNext     atomic.Int64
	normalReserved int64

	backfillMu sync.Mutex
	backfill   map[types.RoomNID]int64 // next value to hand out (<= 0), lazily loaded
}

// New constructs a Store, loading the persisted global Normal counter.
func New(store kv.Store) (*Store, error) {
	s := &Store{kv: store, backfill: make(map[types.RoomNID]int64)}

	var reserved int64
	err := store.View(func(txn kv.Txn) error {
		col, err := txn.Column("counters")
		if err != nil {
			return err
		}
		v, err := col.Get([]byte("pdu_normal_global"))
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		reserved = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("timeline: load normal counter: %w", err)
	}
	s.normalNext.Store(reserved)
	s.normalReserved = reserved
	return s, nil
}

// nextNormal allocates the next Normal(n>0) position, pre-reserving in
// batches of counterBatchSize the same way C2's short-ID counter does.
func (s *Store) nextNormal() (PduCount, error) {
	s.normalMu.Lock()
	defer s.normalMu.Unlock()

	next := s.normalNext.Load() + 1
	if next > s.normalReserved {
		newReserved := next + counterBatchSize - 1
		err := s.kv.Update(func(txn kv.Txn) error {
			col, err := txn.Column("counters")
			if err != nil {
				return err
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(newReserved))
			return col.Put([]byte("pdu_normal_global"), buf)
		})
		if err != nil {
			return 0, fmt.Errorf("timeline: persist normal counter: %w", err)
		}
		s.normalReserved = newReserved
	}
	s.normalNext.Store(next)
	return PduCount(next), nil
}

// nextBackfill allocates the next Backfilled(n<=0) position for roomNID,
// moving the per-room counter downward from 0.
func (s *Store) nextBackfill(roomNID types.RoomNID) (PduCount, error) {
	s.backfillMu.Lock()
	defer s.backfillMu.Unlock()

	next, loaded := s.backfill[roomNID]
	if !loaded {
		key := backfillCounterKey(roomNID)
		err := s.kv.View(func(txn kv.Txn) error {
			col, err := txn.Column("counters")
			if err != nil {
				return err
			}
			v, err := col.Get(key)
			if err == kv.ErrKeyNotFound {
				next = 0
				return nil
			}
			if err != nil {
				return err
			}
			next = int64(binary.BigEndian.Uint64(v))
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("timeline: load backfill counter for room: %w", err)
		}
	}

	current := next
	next--
	err := s.kv.Update(func(txn kv.Txn) error {
		col, err := txn.Column("counters")
		if err != nil {
			return err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(next))
		return col.Put(backfillCounterKey(roomNID), buf)
	})
	if err != nil {
		return 0, fmt.Errorf("timeline: persist backfill counter for room: %w", err)
	}
	s.backfill[roomNID] = next
	return PduCount(current), nil
}

func backfillCounterKey(roomNID types.RoomNID) []byte {
	return []byte(fmt.Sprintf("pdu_backfill:%d", roomNID))
}

// AppendInput bundles everything Append writes atomically (spec §4.7:
// "writes (in one batch): the PDU JSON, the event_id→pdu_id pointer, the
// new extremities set, the post-state short_state_hash binding, and the
// search tokens for C11").
type AppendInput struct {
	RoomNID       types.RoomNID
	EventNID      types.EventNID
	EventID       string
	PDUJSON       []byte
	PostStateHash types.StateSnapshotNID
	NewExtremities []string
	SearchTokens  []string
	Backfilled    bool
}

// Append persists one event into the timeline, returning its pdu_count.
func (s *Store) Append(in AppendInput) (PduCount, error) {
	var count PduCount
	var err error
	if in.Backfilled {
		count, err = s.nextBackfill(in.RoomNID)
	} else {
		count, err = s.nextNormal()
	}
	if err != nil {
		return 0, err
	}

	key := encodeKey(uint64(in.RoomNID), count)

	err = s.kv.Update(func(txn kv.Txn) error {
		pdus, err := txn.Column("pduid_pdu")
		if err != nil {
			return err
		}
		if err := pdus.Put(key, in.PDUJSON); err != nil {
			return err
		}

		eventidPduid, err := txn.Column("eventid_pduid")
		if err != nil {
			return err
		}
		if err := eventidPduid.Put([]byte(in.EventID), key); err != nil {
			return err
		}

		shortEventIDStateHash, err := txn.Column("shorteventid_shortstatehash")
		if err != nil {
			return err
		}
		var eventNIDBuf [8]byte
		binary.BigEndian.PutUint64(eventNIDBuf[:], uint64(in.EventNID))
		var stateHashBuf [8]byte
		binary.BigEndian.PutUint64(stateHashBuf[:], uint64(in.PostStateHash))
		if err := shortEventIDStateHash.Put(eventNIDBuf[:], stateHashBuf[:]); err != nil {
			return err
		}

		roomStateHash, err := txn.Column("roomid_shortstatehash")
		if err != nil {
			return err
		}
		roomStateHashKey := append(roomPrefix(uint64(in.RoomNID)), stateHashBuf[:]...)
		var countBuf [8]byte
		binary.BigEndian.PutUint64(countBuf[:], count.encode())
		if err := roomStateHash.Put(roomStateHashKey, countBuf[:]); err != nil {
			return err
		}

		leaves, err := txn.Column("roomid_pduleaves")
		if err != nil {
			return err
		}
		encodedLeaves, err := json.Marshal(in.NewExtremities)
		if err != nil {
			return fmt.Errorf("timeline: encode extremities: %w", err)
		}
		if err := leaves.Put(roomPrefix(uint64(in.RoomNID)), encodedLeaves); err != nil {
			return err
		}

		if len(in.SearchTokens) > 0 {
			tokens, err := txn.Column("tokenids")
			if err != nil {
				return err
			}
			for _, tok := range in.SearchTokens {
				tokenKey := append([]byte(tok+"\x00"), key...)
				if err := tokens.Put(tokenKey, []byte{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("timeline: append: %w", err)
	}
	return count, nil
}

// Redact overwrites the stored PDU JSON for eventID in place (spec
// §4.7: "Redaction rewrites the stored JSON in place after verifying the
// redactor's authority via the resolved state" — that authority check is
// the caller's responsibility, performed against C9's resolved state
// before calling Redact).
func (s *Store) Redact(eventID string, redactedJSON []byte) error {
	return s.kv.Update(func(txn kv.Txn) error {
		eventidPduid, err := txn.Column("eventid_pduid")
		if err != nil {
			return err
		}
		pduID, err := eventidPduid.Get([]byte(eventID))
		if err != nil {
			return err
		}
		pdus, err := txn.Column("pduid_pdu")
		if err != nil {
			return err
		}
		return pdus.Put(pduID, redactedJSON)
	})
}

// PduIDForEventID looks up the (room_nid, pdu_count) pair an event_id
// was stored under, used by C8's de-dup step (spec §4.2 step 1).
func (s *Store) PduIDForEventID(eventID string) (types.RoomNID, PduCount, bool, error) {
	var roomNID uint64
	var count PduCount
	var found bool
	err := s.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("eventid_pduid")
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
		roomNID, count = decodeKey(v)
		found = true
		return nil
	})
	return types.RoomNID(roomNID), count, found, err
}

// PDUForEventID looks up an event's stored JSON by event ID.
func (s *Store) PDUForEventID(eventID string) ([]byte, error) {
	var raw []byte
	err := s.kv.View(func(txn kv.Txn) error {
		eventidPduid, err := txn.Column("eventid_pduid")
		if err != nil {
			return err
		}
		pduID, err := eventidPduid.Get([]byte(eventID))
		if err != nil {
			return err
		}
		pdus, err := txn.Column("pduid_pdu")
		if err != nil {
			return err
		}
		v, err := pdus.Get(pduID)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	return raw, err
}

// StateBefore returns the short_state_hash Append recorded for eventNID
// (AppendInput.PostStateHash), i.e. the state after eventNID was applied,
// which is the state an event naming it as a prev_event builds on.
func (s *Store) StateBefore(eventNID types.EventNID) (types.StateSnapshotNID, error) {
	var hash uint64
	err := s.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("shorteventid_shortstatehash")
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(eventNID))
		v, err := col.Get(buf[:])
		if err != nil {
			return err
		}
		hash = binary.BigEndian.Uint64(v)
		return nil
	})
	return types.StateSnapshotNID(hash), err
}

// CurrentExtremities returns the room's current forward extremities.
func (s *Store) CurrentExtremities(roomNID types.RoomNID) ([]string, error) {
	var leaves []string
	err := s.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("roomid_pduleaves")
		if err != nil {
			return err
		}
		v, err := col.Get(roomPrefix(uint64(roomNID)))
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(v, &leaves)
	})
	return leaves, err
}

// Forward scans a room's timeline forward, starting strictly after
// afterCount, up to limit entries (spec §4.7: "Iteration in either
// direction is a prefix scan").
func (s *Store) Forward(roomNID types.RoomNID, afterCount PduCount, limit int) ([]StoredPDU, error) {
	var out []StoredPDU
	err := s.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("pduid_pdu")
		if err != nil {
			return err
		}
		return col.IteratePrefix(roomPrefix(uint64(roomNID)), func(key, value []byte) bool {
			_, count := decodeKey(key)
			if count <= afterCount {
				return true
			}
			out = append(out, StoredPDU{Count: count, JSON: cloneBytes(value)})
			return len(out) < limit
		})
	})
	return out, err
}

// Backward scans a room's timeline backward, starting strictly before
// beforeCount, up to limit entries.
func (s *Store) Backward(roomNID types.RoomNID, beforeCount PduCount, limit int) ([]StoredPDU, error) {
	var out []StoredPDU
	err := s.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("pduid_pdu")
		if err != nil {
			return err
		}
		return col.IteratePrefixReverse(roomPrefix(uint64(roomNID)), func(key, value []byte) bool {
			_, count := decodeKey(key)
			if count >= beforeCount {
				return true
			}
			out = append(out, StoredPDU{Count: count, JSON: cloneBytes(value)})
			return len(out) < limit
		})
	})
	return out, err
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
