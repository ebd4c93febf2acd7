// Package searchapi implements C11, the search index: a read path over
// the `tokenids` column C6's timeline store already populates on every
// append (spec §4.7 "the search tokens for C11"), not a ranked full-text
// engine (spec's Non-goals explicitly exclude search ranking; this is
// conduwuit's "simple inverted token index", referenced from
// original_source, not bleve).
package searchapi

import (
	"encoding/binary"
	"sort"

	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/roomserver/timeline"
	"github.com/coremx/homeserver/roomserver/types"
)

// Index is the query side of C11. It owns no write path of its own:
// tokens are written by timeline.Store.Append in the same batch as the
// PDU itself, keyed `token + 0x00 + (short_room_id_be, pdu_count_be)`
// under the `tokenids` column.
type Index struct {
	kv kv.Store
}

// New constructs an Index over the shared KV store.
func New(store kv.Store) *Index {
	return &Index{kv: store}
}

// Search returns, in descending recency order, up to limit pdu_counts in
// roomNID whose indexed tokens match every word of query (logical AND
// across terms; a query tokenizing to zero terms matches nothing).
func (idx *Index) Search(roomNID types.RoomNID, query string, limit int) ([]timeline.PduCount, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var sets [][]timeline.PduCount
	err := idx.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("tokenids")
		if err != nil {
			return err
		}
		for _, term := range terms {
			var hits []timeline.PduCount
			prefix := []byte(term + "\x00")
			scanErr := col.IteratePrefix(prefix, func(key, value []byte) bool {
				roomID, count, ok := decodeTokenKey(key, len(prefix))
				if ok && roomID == uint64(roomNID) {
					hits = append(hits, count)
				}
				return true
			})
			if scanErr != nil {
				return scanErr
			}
			sets = append(sets, hits)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	matches := intersect(sets)
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// decodeTokenKey splits a tokenids key into its embedded (short_room_id,
// pdu_count) suffix, skipping the token+NUL prefix already matched by
// the caller's scan.
func decodeTokenKey(key []byte, prefixLen int) (roomNID uint64, count timeline.PduCount, ok bool) {
	suffix := key[prefixLen:]
	if len(suffix) != 16 {
		return 0, 0, false
	}
	roomNID = binary.BigEndian.Uint64(suffix[0:8])
	count = timeline.DecodePduCount(binary.BigEndian.Uint64(suffix[8:16]))
	return roomNID, count, true
}

// intersect returns the values common to every set, preserving no
// particular input order (Search re-sorts the result).
func intersect(sets [][]timeline.PduCount) []timeline.PduCount {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[timeline.PduCount]int)
	for _, set := range sets {
		seen := make(map[timeline.PduCount]struct{}, len(set))
		for _, c := range set {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			counts[c]++
		}
	}
	var out []timeline.PduCount
	for c, n := range counts {
		if n == len(sets) {
			out = append(out, c)
		}
	}
	return out
}

// tokenize matches the tokenizer roomserver/internal/input uses to build
// SearchTokens, so a query and the index it searches always agree on
// word boundaries.
func tokenize(s string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			cur = append(cur, c)
		default:
			flush()
		}
	}
	flush()
	return tokens
}
