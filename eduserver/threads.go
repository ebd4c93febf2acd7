// Package eduserver implements the receipts and threads half of C12 (spec
// §4.8). Typing, the third EDU kind C12 covers, lives in
// internal/caching's EDUCache instead: the retrieved pack's
// cache_typing_test.go turned out to be this repo's historical home for
// that component, so it was kept there rather than duplicated here.
package eduserver

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/roomserver/timeline"
	"github.com/coremx/homeserver/roomserver/types"
)

// Threads is C12's thread index: (short_room_id, root_pdu_id) → participant
// user IDs, plus the bundled m.thread summary derived from that set (spec
// §4.8, supplemented from original_source's threads.rs equivalent with a
// `count`/`current_user_participated` summary rather than bare participant
// tracking).
type Threads struct {
	kv kv.Store
}

// NewThreads constructs a Threads index over the shared KV store.
func NewThreads(store kv.Store) *Threads {
	return &Threads{kv: store}
}

// ThreadSummary is the bundled `unsigned.m.relations.m.thread` payload
// attached to a thread's root event.
type ThreadSummary struct {
	Count                   int
	CurrentUserParticipated bool
}

func threadKey(roomNID types.RoomNID, root timeline.PduCount) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(roomNID))
	binary.BigEndian.PutUint64(buf[8:16], timeline.EncodePduCount(root))
	return buf
}

// AddParticipant records senderID as having posted into the thread rooted
// at root, deduplicating against the existing participant set, and returns
// the updated set (spec §4.8: "update the root event's... bundled summary
// and append the sender to the participant set").
func (t *Threads) AddParticipant(roomNID types.RoomNID, root timeline.PduCount, senderID string) ([]string, error) {
	key := threadKey(roomNID, root)
	var participants []string
	err := t.kv.Update(func(txn kv.Txn) error {
		col, err := txn.Column("threadid_userids")
		if err != nil {
			return err
		}
		v, err := col.Get(key)
		if err != nil && err != kv.ErrKeyNotFound {
			return err
		}
		if err == nil {
			if jsonErr := json.Unmarshal(v, &participants); jsonErr != nil {
				return fmt.Errorf("eduserver: decode thread participants: %w", jsonErr)
			}
		}
		for _, existing := range participants {
			if existing == senderID {
				return nil
			}
		}
		participants = append(participants, senderID)
		encoded, err := json.Marshal(participants)
		if err != nil {
			return fmt.Errorf("eduserver: encode thread participants: %w", err)
		}
		return col.Put(key, encoded)
	})
	return participants, err
}

// Summary returns the bundled m.thread summary for the thread rooted at
// root, as seen by currentUserID.
func (t *Threads) Summary(roomNID types.RoomNID, root timeline.PduCount, currentUserID string) (ThreadSummary, error) {
	key := threadKey(roomNID, root)
	var participants []string
	err := t.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("threadid_userids")
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
		return json.Unmarshal(v, &participants)
	})
	if err != nil {
		return ThreadSummary{}, err
	}

	summary := ThreadSummary{Count: len(participants)}
	for _, userID := range participants {
		if userID == currentUserID {
			summary.CurrentUserParticipated = true
			break
		}
	}
	return summary, nil
}
