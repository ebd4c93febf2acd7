// Package authchain implements C5, the auth-chain index:
// get_event_ids(room_id, starting_events) -> Set<event_id>, the
// breadth-first closure of the starting events under `auth_events`,
// cached to bound repeat lookups for the same starting set (spec §4.6).
package authchain

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/internal/shortid"
	"github.com/coremx/homeserver/roomserver/types"
)

// bucketShift determines how short_event_ids are grouped into buckets
// (spec §4.6: "bucket starting events by short_event_id >> BUCKET_SHIFT").
// Buckets exist purely to bound cache-key size; this value groups runs
// of roughly 4096 consecutively-allocated short IDs together, which in
// practice means events ingested around the same time land in the same
// bucket and so tend to share auth-chain closures.
const bucketShift = 12

// AuthEventsLookup resolves an event's declared `auth_events` (by
// short_event_id) for the breadth-first expansion. The concrete
// implementation is setup/services' authEventsLookup, which reads event
// JSON from the timeline and outlier stores (C6, C7); authchain depends
// only on this seam so it has no import cycle on them.
type AuthEventsLookup interface {
	AuthEventNIDs(eventNID types.EventNID) ([]types.EventNID, error)
}

// Index is C5.
type Index struct {
	kv       kv.Store
	interner *shortid.Interner
	events   AuthEventsLookup
}

// New constructs an Index over store, using events to expand an event's
// declared auth_events during a cache miss.
func New(store kv.Store, interner *shortid.Interner, events AuthEventsLookup) *Index {
	return &Index{kv: store, interner: interner, events: events}
}

// GetEventIDs returns the auth-chain closure of startingEvents: every
// event reachable by repeatedly following `auth_events`, plus the
// starting events themselves.
func (idx *Index) GetEventIDs(roomID string, startingEvents []string) (map[string]struct{}, error) {
	startingNIDs := make([]types.EventNID, 0, len(startingEvents))
	for _, id := range startingEvents {
		nid, err := idx.interner.GetOrCreateShortEventID(id)
		if err != nil {
			return nil, err
		}
		startingNIDs = append(startingNIDs, nid)
	}

	buckets := bucketize(startingNIDs)

	unionNIDs := make(map[types.EventNID]struct{})
	for _, bucket := range buckets {
		closure, err := idx.closureForBucket(bucket)
		if err != nil {
			return nil, err
		}
		for _, nid := range closure {
			unionNIDs[nid] = struct{}{}
		}
	}

	out := make(map[string]struct{}, len(unionNIDs))
	for nid := range unionNIDs {
		eventID, err := idx.interner.GetEventIDFromShort(nid)
		if err != nil {
			return nil, err
		}
		out[eventID] = struct{}{}
	}
	return out, nil
}

func bucketize(nids []types.EventNID) map[uint64][]types.EventNID {
	buckets := make(map[uint64][]types.EventNID)
	for _, nid := range nids {
		key := uint64(nid) >> bucketShift
		buckets[key] = append(buckets[key], nid)
	}
	return buckets
}

// closureForBucket returns the union auth-chain closure of every
// short_event_id in bucket, consulting (and populating) the persistent
// cache keyed by the bucket's sorted short_event_id set.
func (idx *Index) closureForBucket(bucket []types.EventNID) ([]types.EventNID, error) {
	cacheKey := bucketCacheKey(bucket)

	if cached, err := idx.readCache(cacheKey); err == nil {
		return cached, nil
	} else if err != kv.ErrKeyNotFound {
		return nil, err
	}

	closure, err := idx.expand(bucket)
	if err != nil {
		return nil, err
	}

	if err := idx.writeCache(cacheKey, closure); err != nil {
		return nil, err
	}
	return closure, nil
}

// expand performs the breadth-first walk over auth_events starting from
// seed, short-circuiting on events already visited.
func (idx *Index) expand(seed []types.EventNID) ([]types.EventNID, error) {
	visited := make(map[types.EventNID]struct{}, len(seed)*4)
	queue := make([]types.EventNID, 0, len(seed))
	for _, nid := range seed {
		if _, ok := visited[nid]; !ok {
			visited[nid] = struct{}{}
			queue = append(queue, nid)
		}
	}

	for i := 0; i < len(queue); i++ {
		authEvents, err := idx.events.AuthEventNIDs(queue[i])
		if err != nil {
			return nil, fmt.Errorf("authchain: load auth_events: %w", err)
		}
		for _, a := range authEvents {
			if _, ok := visited[a]; !ok {
				visited[a] = struct{}{}
				queue = append(queue, a)
			}
		}
	}

	out := make([]types.EventNID, 0, len(visited))
	for nid := range visited {
		out = append(out, nid)
	}
	return out, nil
}

// bucketCacheKey canonically orders the bucket's short_event_ids (spec
// §4.6: "a persistent cache keyed by the sorted short_event_id set") and
// concatenates them as fixed-width big-endian values.
func bucketCacheKey(bucket []types.EventNID) []byte {
	sorted := make([]types.EventNID, len(bucket))
	copy(sorted, bucket)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	buf := make([]byte, len(sorted)*8)
	for i, nid := range sorted {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], uint64(nid))
	}
	return buf
}

func (idx *Index) readCache(cacheKey []byte) ([]types.EventNID, error) {
	var raw []byte
	err := idx.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("authchain_cache")
		if err != nil {
			return err
		}
		v, err := col.Get(cacheKey)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeEventNIDs(raw), nil
}

func (idx *Index) writeCache(cacheKey []byte, closure []types.EventNID) error {
	return idx.kv.Update(func(txn kv.Txn) error {
		col, err := txn.Column("authchain_cache")
		if err != nil {
			return err
		}
		return col.Put(cacheKey, encodeEventNIDs(closure))
	})
}

func encodeEventNIDs(nids []types.EventNID) []byte {
	buf := make([]byte, len(nids)*8)
	for i, nid := range nids {
		binary.BigEndian.PutUint64(buf[i*8:i*8+8], uint64(nid))
	}
	return buf
}

func decodeEventNIDs(buf []byte) []types.EventNID {
	out := make([]types.EventNID, 0, len(buf)/8)
	for i := 0; i+8 <= len(buf); i += 8 {
		out = append(out, types.EventNID(binary.BigEndian.Uint64(buf[i:i+8])))
	}
	return out
}
