package input

import (
	"github.com/matrix-org/gomatrixserverlib"

	"github.com/coremx/homeserver/internal/kv"
)

// RoomVersions caches each room's version, keyed by room_id, so later
// pipeline steps don't need to re-parse the create event to know how to
// parse everything else (spec §4.2 step 3: "Look up the room version
// from the create event"). Not one of spec §6's named persisted
// columns; kept here as a small derived index rather than folding room
// version lookup into the create event's own storage, since nearly
// every pipeline step needs it before it can even parse a PDU.
type RoomVersions struct {
	kv kv.Store
}

// NewRoomVersions constructs a RoomVersions cache.
func NewRoomVersions(store kv.Store) *RoomVersions {
	return &RoomVersions{kv: store}
}

// Get returns the cached room version, or false if the room's create
// event hasn't been seen yet.
func (r *RoomVersions) Get(roomID string) (gomatrixserverlib.RoomVersion, bool, error) {
	var version gomatrixserverlib.RoomVersion
	var found bool
	err := r.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("room_version")
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
		version = gomatrixserverlib.RoomVersion(v)
		found = true
		return nil
	})
	return version, found, err
}

// Set records roomID's version, called once its create event is known.
func (r *RoomVersions) Set(roomID string, version gomatrixserverlib.RoomVersion) error {
	return r.kv.Update(func(txn kv.Txn) error {
		col, err := txn.Column("room_version")
		if err != nil {
			return err
		}
		return col.Put([]byte(roomID), []byte(version))
	})
}
