// Package statecompress implements C4, the compressed state-set store:
// state sets are serialized as a sorted tuple list and persisted as a
// layered diff against a chosen parent, with an in-memory LRU of fully
// materialized sets to keep repeated loads cheap (spec §4.3).
package statecompress

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/patrickmn/go-cache"

	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/internal/shortid"
	"github.com/coremx/homeserver/roomserver/types"
)

const tupleSize = 16 // 8-byte short_state_key + 8-byte short_event_id, spec §4.3

// diffSizeThreshold bounds the fraction of the full state-set size a
// diff may occupy before Store falls back to writing a new root (spec
// §4.3: "if the resulting diff would exceed a threshold fraction of the
// full set, it is stored as a new root instead").
const diffSizeThreshold = 1.0

// candidatePoolSize bounds how many recently-stored state hashes for a
// room are considered as a parent for a new state set.
const candidatePoolSize = 8

// candidateTTL is how long a room's candidate pool entries stay fresh;
// stale rooms simply fall back to storing roots, which is always correct,
// just less compact.
const candidateTTL = 30 * time.Minute

// Compressor is C4. It is safe for concurrent use.
type Compressor struct {
	kv       kv.Store
	interner *shortid.Interner

	// materialized caches fully expanded state sets by short_state_hash,
	// avoiding a chain walk on repeated Load calls for hot rooms.
	materialized *ristretto.Cache

	// candidates tracks, per room, the short_state_hashes most recently
	// stored, the bounded pool Store chooses a diff parent from.
	candidates *gocache.Cache
}

// New constructs a Compressor. maxCacheCost bounds the ristretto
// materialized-set cache's approximate memory budget in bytes.
func New(store kv.Store, interner *shortid.Interner, maxCacheCost int64) (*Compressor, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCacheCost * 10,
		MaxCost:     maxCacheCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("statecompress: new ristretto cache: %w", err)
	}
	return &Compressor{
		kv:           store,
		interner:     interner,
		materialized: cache,
		candidates:   gocache.New(candidateTTL, candidateTTL),
	}, nil
}

// serialize produces the canonical sorted 16-byte-tuple encoding of a
// state set (spec §4.3).
func serialize(entries []types.StateEntry) []byte {
	sorted := make([]types.StateEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StateKeyNID != sorted[j].StateKeyNID {
			return sorted[i].StateKeyNID < sorted[j].StateKeyNID
		}
		return sorted[i].EventNID < sorted[j].EventNID
	})
	buf := make([]byte, 0, len(sorted)*tupleSize)
	for _, e := range sorted {
		buf = appendEntry(buf, e)
	}
	return buf
}

func appendEntry(buf []byte, e types.StateEntry) []byte {
	var tmp [tupleSize]byte
	binary.BigEndian.PutUint64(tmp[0:8], uint64(e.StateKeyNID))
	binary.BigEndian.PutUint64(tmp[8:16], uint64(e.EventNID))
	return append(buf, tmp[:]...)
}

func decodeEntries(buf []byte) []types.StateEntry {
	out := make([]types.StateEntry, 0, len(buf)/tupleSize)
	for i := 0; i+tupleSize <= len(buf); i += tupleSize {
		out = append(out, types.StateEntry{
			StateKeyNID: types.StateKeyNID(binary.BigEndian.Uint64(buf[i : i+8])),
			EventNID:    types.EventNID(binary.BigEndian.Uint64(buf[i+8 : i+16])),
		})
	}
	return out
}

func entrySetFromSlice(entries []types.StateEntry) map[types.StateEntry]struct{} {
	set := make(map[types.StateEntry]struct{}, len(entries))
	for _, e := range entries {
		set[e] = struct{}{}
	}
	return set
}

// diff blob wire format: 1 byte hasParent, [8 bytes parent NID],
// 4 bytes add-count, add tuples, 4 bytes remove-count, remove tuples.
type diffBlob struct {
	hasParent bool
	parent    types.StateSnapshotNID
	add       []types.StateEntry
	remove    []types.StateEntry
}

func (b diffBlob) encode() []byte {
	buf := make([]byte, 0, 1+8+4+len(b.add)*tupleSize+4+len(b.remove)*tupleSize)
	if b.hasParent {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var parentBuf [8]byte
	binary.BigEndian.PutUint64(parentBuf[:], uint64(b.parent))
	buf = append(buf, parentBuf[:]...)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(b.add)))
	buf = append(buf, countBuf[:]...)
	for _, e := range b.add {
		buf = appendEntry(buf, e)
	}
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(b.remove)))
	buf = append(buf, countBuf[:]...)
	for _, e := range b.remove {
		buf = appendEntry(buf, e)
	}
	return buf
}

func decodeDiffBlob(buf []byte) (diffBlob, error) {
	if len(buf) < 1+8+4 {
		return diffBlob{}, fmt.Errorf("statecompress: truncated diff blob")
	}
	b := diffBlob{hasParent: buf[0] == 1}
	b.parent = types.StateSnapshotNID(binary.BigEndian.Uint64(buf[1:9]))
	off := 9
	addCount := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	for i := 0; i < addCount; i++ {
		if off+tupleSize > len(buf) {
			return diffBlob{}, fmt.Errorf("statecompress: truncated add set")
		}
		b.add = append(b.add, types.StateEntry{
			StateKeyNID: types.StateKeyNID(binary.BigEndian.Uint64(buf[off : off+8])),
			EventNID:    types.EventNID(binary.BigEndian.Uint64(buf[off+8 : off+16])),
		})
		off += tupleSize
	}
	if off+4 > len(buf) {
		return diffBlob{}, fmt.Errorf("statecompress: truncated remove count")
	}
	removeCount := int(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	for i := 0; i < removeCount; i++ {
		if off+tupleSize > len(buf) {
			return diffBlob{}, fmt.Errorf("statecompress: truncated remove set")
		}
		b.remove = append(b.remove, types.StateEntry{
			StateKeyNID: types.StateKeyNID(binary.BigEndian.Uint64(buf[off : off+8])),
			EventNID:    types.EventNID(binary.BigEndian.Uint64(buf[off+8 : off+16])),
		})
		off += tupleSize
	}
	return b, nil
}

func stateHashKey(nid types.StateSnapshotNID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(nid))
	return buf[:]
}

// Load materializes the full state set named by nid, walking the
// layered-diff chain to its root.
func (c *Compressor) Load(nid types.StateSnapshotNID) ([]types.StateEntry, error) {
	if v, ok := c.materialized.Get(nid); ok {
		return cloneEntries(v.([]types.StateEntry)), nil
	}

	var chain []diffBlob
	cur := nid
	for {
		raw, err := c.readBlob(cur)
		if err != nil {
			return nil, err
		}
		blob, err := decodeDiffBlob(raw)
		if err != nil {
			return nil, err
		}
		chain = append(chain, blob)
		if !blob.hasParent {
			break
		}
		cur = blob.parent
	}

	// chain[len-1] is the root; apply diffs back down to nid.
	set := entrySetFromSlice(chain[len(chain)-1].add)
	for i := len(chain) - 2; i >= 0; i-- {
		for _, e := range chain[i].remove {
			delete(set, e)
		}
		for _, e := range chain[i].add {
			set[e] = struct{}{}
		}
	}

	entries := make([]types.StateEntry, 0, len(set))
	for e := range set {
		entries = append(entries, e)
	}
	c.materialized.Set(nid, entries, int64(len(entries)*tupleSize))
	return cloneEntries(entries), nil
}

func (c *Compressor) readBlob(nid types.StateSnapshotNID) ([]byte, error) {
	var raw []byte
	err := c.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("shortstatehash_statediff")
		if err != nil {
			return err
		}
		v, err := col.Get(stateHashKey(nid))
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	return raw, err
}

func cloneEntries(entries []types.StateEntry) []types.StateEntry {
	out := make([]types.StateEntry, len(entries))
	copy(out, entries)
	return out
}

// Store interns and persists a state set for roomNID, returning its
// short_state_hash and whether it already existed. New sets are stored
// as a diff against the best-fitting recent candidate for the room, or
// as a new root when no candidate gives a sufficiently small diff (spec
// §4.3).
func (c *Compressor) Store(roomNID types.RoomNID, entries []types.StateEntry) (types.StateSnapshotNID, bool, error) {
	canonical := serialize(entries)
	nid, existed, err := c.interner.GetOrCreateShortStateHash(canonical)
	if err != nil {
		return 0, false, err
	}
	if existed {
		return nid, true, nil
	}

	full := entrySetFromSlice(entries)
	blob := c.bestDiff(roomNID, full)

	err = c.kv.Update(func(txn kv.Txn) error {
		col, err := txn.Column("shortstatehash_statediff")
		if err != nil {
			return err
		}
		return col.Put(stateHashKey(nid), blob.encode())
	})
	if err != nil {
		return 0, false, fmt.Errorf("statecompress: store diff: %w", err)
	}

	c.materialized.Set(nid, entries, int64(len(entries)*tupleSize))
	c.recordCandidate(roomNID, nid)
	return nid, false, nil
}

// bestDiff picks the candidate in the room's pool that minimizes
// |add|+|remove| against full, falling back to a root blob if the pool
// is empty or every candidate's diff exceeds diffSizeThreshold of the
// full set's size.
func (c *Compressor) bestDiff(roomNID types.RoomNID, full map[types.StateEntry]struct{}) diffBlob {
	var bestAdd, bestRemove []types.StateEntry
	var bestParent types.StateSnapshotNID
	bestCost := -1

	for _, candidate := range c.poolFor(roomNID) {
		parentEntries, err := c.Load(candidate)
		if err != nil {
			continue
		}
		parentSet := entrySetFromSlice(parentEntries)

		var add, remove []types.StateEntry
		for e := range full {
			if _, ok := parentSet[e]; !ok {
				add = append(add, e)
			}
		}
		for e := range parentSet {
			if _, ok := full[e]; !ok {
				remove = append(remove, e)
			}
		}
		cost := len(add) + len(remove)
		if bestCost == -1 || cost < bestCost {
			bestCost = cost
			bestAdd, bestRemove = add, remove
			bestParent = candidate
		}
	}

	if bestCost == -1 || float64(bestCost) > diffSizeThreshold*float64(len(full)) {
		root := make([]types.StateEntry, 0, len(full))
		for e := range full {
			root = append(root, e)
		}
		return diffBlob{add: root}
	}
	return diffBlob{hasParent: true, parent: bestParent, add: bestAdd, remove: bestRemove}
}

func (c *Compressor) poolFor(roomNID types.RoomNID) []types.StateSnapshotNID {
	key := roomCandidateKey(roomNID)
	v, ok := c.candidates.Get(key)
	if !ok {
		return nil
	}
	return v.([]types.StateSnapshotNID)
}

func (c *Compressor) recordCandidate(roomNID types.RoomNID, nid types.StateSnapshotNID) {
	key := roomCandidateKey(roomNID)
	pool := c.poolFor(roomNID)
	pool = append(pool, nid)
	if len(pool) > candidatePoolSize {
		pool = pool[len(pool)-candidatePoolSize:]
	}
	c.candidates.Set(key, pool, gocache.DefaultExpiration)
}

func roomCandidateKey(roomNID types.RoomNID) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "room:%d", roomNID)
	return buf.String()
}
