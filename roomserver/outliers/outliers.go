// Package outliers implements C7, the outlier store: events that have
// been cryptographically and auth-checked but not yet promoted to any
// room's timeline, because they were only fetched as someone else's
// ancestor (spec §4.2 step 3 "Store as outlier (C7)").
package outliers

import (
	"github.com/coremx/homeserver/internal/kv"
)

// ErrNotFound is returned when no outlier is stored for an event_id.
var ErrNotFound = kv.ErrKeyNotFound

// Store is C7.
type Store struct {
	kv kv.Store
}

// New constructs a Store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// Put persists canonicalJSON as the outlier form of eventID. Idempotent:
// calling it again with the same event_id simply overwrites the entry,
// matching step 3's "idempotent" promotion semantics.
func (s *Store) Put(eventID string, canonicalJSON []byte) error {
	return s.kv.Update(func(txn kv.Txn) error {
		col, err := txn.Column("eventid_outlierpdu")
		if err != nil {
			return err
		}
		return col.Put([]byte(eventID), canonicalJSON)
	})
}

// Get returns the stored outlier JSON for eventID, or ErrNotFound.
func (s *Store) Get(eventID string) ([]byte, error) {
	var raw []byte
	err := s.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("eventid_outlierpdu")
		if err != nil {
			return err
		}
		v, err := col.Get([]byte(eventID))
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	return raw, err
}

// Has reports whether eventID has a stored outlier form.
func (s *Store) Has(eventID string) (bool, error) {
	_, err := s.Get(eventID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes an event's outlier form. The input pipeline does not
// call it: promoting an event into the timeline leaves its outlier entry
// in place.
func (s *Store) Delete(eventID string) error {
	return s.kv.Update(func(txn kv.Txn) error {
		col, err := txn.Column("eventid_outlierpdu")
		if err != nil {
			return err
		}
		return col.Delete([]byte(eventID))
	})
}
