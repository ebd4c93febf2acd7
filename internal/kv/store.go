// Package kv is the C1 key-value store abstraction: an ordered,
// byte-keyed store organised into named columns (analogous to column
// families / buckets), with point lookups, prefix iteration, and batched
// writes. Every other core component is built on top of this interface so
// that a deterministic in-memory engine can stand in for tests (see
// Memory in memory.go) without touching disk.
package kv

import "errors"

// ErrKeyNotFound is returned by Get when no value is stored for a key.
var ErrKeyNotFound = errors.New("kv: key not found")

// ErrColumnNotFound is returned when a column name was never declared
// in the package-level Columns list.
var ErrColumnNotFound = errors.New("kv: column not found")

// Store is the opaque ordered byte-keyed engine. Implementations: Bolt
// (production, backed by go.etcd.io/bbolt) and Memory (tests).
type Store interface {
	// View runs fn in a read-only transaction.
	View(fn func(Txn) error) error
	// Update runs fn in a read-write transaction. All writes made by fn
	// are applied atomically (spec §5: "the underlying KV engine's
	// batched write is atomic per column family").
	Update(fn func(Txn) error) error
	// Close releases the underlying engine.
	Close() error
}

// Txn is a transaction-scoped view over the store's columns.
type Txn interface {
	// Column returns the named column, or ErrColumnNotFound if it was
	// not declared when the store was opened.
	Column(name string) (Column, error)
}

// Column is a single ordered byte-keyed namespace within the store.
type Column interface {
	Get(key []byte) (value []byte, err error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// IteratePrefix calls fn for every key with the given prefix, in
	// ascending lexicographic order, until fn returns false or the keys
	// are exhausted.
	IteratePrefix(prefix []byte, fn func(key, value []byte) (more bool)) error

	// IteratePrefixReverse is the descending-order counterpart, used by
	// reverse timeline scans (spec invariant 7).
	IteratePrefixReverse(prefix []byte, fn func(key, value []byte) (more bool)) error
}

// Columns is the fixed set of logical column names from spec §6. Declaring
// them up front lets both the Bolt and Memory engines pre-create every
// bucket/map at open time.
var Columns = []string{
	"eventid_pduid",
	"pduid_pdu",
	"eventid_outlierpdu",
	"eventid_shorteventid",
	"shorteventid_eventid",
	"statekey_shortstatekey",
	"shortstatekey_statekey",
	"roomid_shortroomid",
	"statehash_shortstatehash",
	"shorteventid_shortstatehash",
	"roomid_shortstatehash",
	"shortstatehash_statediff",
	"shorteventid_authchain",
	"authchain_cache",
	"roomid_pduleaves",
	"tokenids",
	"threadid_userids",
	"roomuserid_privateread",
	"readreceiptid_readreceipt",
	"servercurrentevent_data",
	"servernameevent_data",
	"servername_educount",
	"server_signingkeys",
	"counters",
	"backoff",
	"schema_version",

	// Derived/admin columns used by C8 (roomserver/internal/input) that
	// have no dedicated entry in spec §6's column list: see RoomGate and
	// RoomVersions for why each one exists.
	"room_disabled",
	"server_banned",
	"room_version",
}
