package kv

import (
	"bytes"
	"fmt"

	"go.etcd.io/bbolt"
)

// Bolt is the production Store, backed by a single go.etcd.io/bbolt file.
// Each logical column from spec §6 is a bbolt bucket; a cursor Seek+Next
// loop gives prefix iteration, and each Update runs in one bbolt read-write
// transaction, so its writes across buckets commit atomically.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if necessary) a bbolt file at path and ensures
// every declared column bucket exists.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range Columns {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("kv: create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) View(fn func(Txn) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}

func (b *Bolt) Update(fn func(Txn) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTxn{tx: tx})
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

type boltTxn struct {
	tx *bbolt.Tx
}

func (t *boltTxn) Column(name string) (Column, error) {
	bucket := t.tx.Bucket([]byte(name))
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
	}
	return &boltColumn{bucket: bucket}, nil
}

type boltColumn struct {
	bucket *bbolt.Bucket
}

func (c *boltColumn) Get(key []byte) ([]byte, error) {
	v := c.bucket.Get(key)
	if v == nil {
		return nil, ErrKeyNotFound
	}
	// bbolt's returned slice is only valid for the lifetime of the
	// transaction; copy it so callers can hold onto it afterwards.
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (c *boltColumn) Put(key, value []byte) error {
	return c.bucket.Put(key, value)
}

func (c *boltColumn) Delete(key []byte) error {
	return c.bucket.Delete(key)
}

func (c *boltColumn) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	cur := c.bucket.Cursor()
	for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

func (c *boltColumn) IteratePrefixReverse(prefix []byte, fn func(key, value []byte) bool) error {
	cur := c.bucket.Cursor()
	// Seek to the first key strictly after the prefix range, then walk
	// backwards; if nothing follows the prefix, start from the bucket's
	// last key.
	upper := prefixUpperBound(prefix)
	var k, v []byte
	if upper == nil {
		k, v = cur.Last()
	} else {
		k, v = cur.Seek(upper)
		if k == nil {
			k, v = cur.Last()
		} else {
			k, v = cur.Prev()
		}
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Prev() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, or nil if the prefix is all 0xFF bytes (no upper
// bound exists, so the caller should scan from the bucket's last key).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
