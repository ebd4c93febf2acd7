package eduserver

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/roomserver/timeline"
	"github.com/coremx/homeserver/roomserver/types"
)

// ErrBackfilledReadReceipt is returned when a private read receipt is set
// against a backfilled (historical) pdu_count (spec §4.8 edge case:
// "Private read receipt in a backfilled region... error with InvalidParam
// 'cannot mark backfilled as read'"). Translating this into the client
// API's InvalidParam response is the out-of-scope HTTP layer's job.
var ErrBackfilledReadReceipt = errors.New("eduserver: cannot mark backfilled as read")

// receiptRecord is the EDU blob stored per entry in the public receipt
// stream, and the value format used for the private per-(room,user)
// pointer.
type receiptRecord struct {
	UserID string            `json:"user_id"`
	Count  timeline.PduCount `json:"pdu_count"`
	TS     int64             `json:"ts,omitempty"`
}

// Receipts is C12's read-receipt half: a monotonically increasing
// pdu-count per (room, user) for both public and private receipts, with
// public receipts additionally appended to a room-scoped stream that
// readreceipts_since can page through (spec §4.8).
type Receipts struct {
	kv kv.Store
}

// NewReceipts constructs a Receipts index over the shared KV store.
func NewReceipts(store kv.Store) *Receipts {
	return &Receipts{kv: store}
}

func privateReadKey(roomNID types.RoomNID, userID string) []byte {
	buf := make([]byte, 8, 8+len(userID)+1)
	binary.BigEndian.PutUint64(buf, uint64(roomNID))
	buf = append(buf, 0x00)
	buf = append(buf, userID...)
	return buf
}

// SetPrivateReadReceipt advances userID's private read pointer in roomNID
// to count. Private receipts never enter the public stream, so this is a
// single point write, rejected outright against a backfilled count.
func (r *Receipts) SetPrivateReadReceipt(roomNID types.RoomNID, userID string, count timeline.PduCount) error {
	if count.IsBackfilled() {
		return ErrBackfilledReadReceipt
	}
	return r.kv.Update(func(txn kv.Txn) error {
		col, err := txn.Column("roomuserid_privateread")
		if err != nil {
			return err
		}
		rec := receiptRecord{UserID: userID, Count: count}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("eduserver: encode private read receipt: %w", err)
		}
		return col.Put(privateReadKey(roomNID, userID), encoded)
	})
}

// PrivateReadReceipt returns userID's current private read pointer in
// roomNID, and whether one has ever been set.
func (r *Receipts) PrivateReadReceipt(roomNID types.RoomNID, userID string) (timeline.PduCount, bool, error) {
	var rec receiptRecord
	var found bool
	err := r.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("roomuserid_privateread")
		if err != nil {
			return err
		}
		v, err := col.Get(privateReadKey(roomNID, userID))
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	return rec.Count, found, err
}

func receiptStreamKey(roomNID types.RoomNID, streamPos uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(roomNID))
	binary.BigEndian.PutUint64(buf[8:16], streamPos)
	return buf
}

// nextReceiptStreamPos allocates the next stream position in roomNID by
// reading back the highest key already stored under its prefix. Receipt
// streams are small (bounded by room membership), so a reverse prefix
// iteration to find the current tail is cheap relative to the write it
// guards.
func (r *Receipts) nextReceiptStreamPos(txn kv.Txn, roomNID types.RoomNID) (uint64, error) {
	col, err := txn.Column("readreceiptid_readreceipt")
	if err != nil {
		return 0, err
	}
	var last uint64
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(roomNID))
	iterErr := col.IteratePrefixReverse(prefix, func(key, _ []byte) bool {
		last = binary.BigEndian.Uint64(key[8:16])
		return false
	})
	if iterErr != nil {
		return 0, iterErr
	}
	return last + 1, nil
}

// SetPublicReadReceipt advances userID's public read pointer in roomNID to
// count and appends an EDU record to the room's receipt stream for
// readreceipts_since to pick up.
func (r *Receipts) SetPublicReadReceipt(roomNID types.RoomNID, userID string, count timeline.PduCount, ts int64) error {
	return r.kv.Update(func(txn kv.Txn) error {
		col, err := txn.Column("readreceiptid_readreceipt")
		if err != nil {
			return err
		}
		pos, err := r.nextReceiptStreamPos(txn, roomNID)
		if err != nil {
			return err
		}
		rec := receiptRecord{UserID: userID, Count: count, TS: ts}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("eduserver: encode public read receipt: %w", err)
		}
		return col.Put(receiptStreamKey(roomNID, pos), encoded)
	})
}

// PublicReadReceipt returns userID's most recent public read pointer in
// roomNID, found by scanning the receipt stream backward for their latest
// entry.
func (r *Receipts) PublicReadReceipt(roomNID types.RoomNID, userID string) (timeline.PduCount, bool, error) {
	var count timeline.PduCount
	var found bool
	err := r.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("readreceiptid_readreceipt")
		if err != nil {
			return err
		}
		prefix := make([]byte, 8)
		binary.BigEndian.PutUint64(prefix, uint64(roomNID))
		return col.IteratePrefixReverse(prefix, func(_, value []byte) bool {
			var rec receiptRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return true
			}
			if rec.UserID == userID {
				count = rec.Count
				found = true
				return false
			}
			return true
		})
	})
	return count, found, err
}

// SinceEntry is one record returned by ReceiptsSince.
type SinceEntry struct {
	UserID string
	Count  timeline.PduCount
	TS     int64
}

// ReceiptsSince returns every public read receipt recorded in roomNID
// after streamPos, in ascending stream order (spec §4.8's
// `readreceipts_since(room, since)` stream).
func (r *Receipts) ReceiptsSince(roomNID types.RoomNID, streamPos uint64) ([]SinceEntry, error) {
	var out []SinceEntry
	err := r.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("readreceiptid_readreceipt")
		if err != nil {
			return err
		}
		prefix := make([]byte, 8)
		binary.BigEndian.PutUint64(prefix, uint64(roomNID))
		return col.IteratePrefix(prefix, func(key, value []byte) bool {
			pos := binary.BigEndian.Uint64(key[8:16])
			if pos <= streamPos {
				return true
			}
			var rec receiptRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return true
			}
			out = append(out, SinceEntry{UserID: rec.UserID, Count: rec.Count, TS: rec.TS})
			return true
		})
	})
	return out, err
}
