package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Update(func(txn Txn) error {
		col, err := txn.Column("counters")
		require.NoError(t, err)
		return col.Put([]byte("a"), []byte("1"))
	}))

	require.NoError(t, m.View(func(txn Txn) error {
		col, err := txn.Column("counters")
		require.NoError(t, err)
		v, err := col.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, "1", string(v))
		return nil
	}))
}

func TestMemoryIteratePrefixOrder(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Update(func(txn Txn) error {
		col, err := txn.Column("tokenids")
		require.NoError(t, err)
		for _, k := range []string{"a\x01", "a\x02", "a\x03", "b\x01"} {
			if err := col.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))

	var forward []string
	require.NoError(t, m.View(func(txn Txn) error {
		col, err := txn.Column("tokenids")
		require.NoError(t, err)
		return col.IteratePrefix([]byte("a"), func(k, v []byte) bool {
			forward = append(forward, string(k))
			return true
		})
	}))
	require.Equal(t, []string{"a\x01", "a\x02", "a\x03"}, forward)

	var backward []string
	require.NoError(t, m.View(func(txn Txn) error {
		col, err := txn.Column("tokenids")
		require.NoError(t, err)
		return col.IteratePrefixReverse([]byte("a"), func(k, v []byte) bool {
			backward = append(backward, string(k))
			return true
		})
	}))
	require.Equal(t, []string{"a\x03", "a\x02", "a\x01"}, backward)
}

func TestGetMissingKeyReturnsErrKeyNotFound(t *testing.T) {
	m := NewMemory()
	err := m.View(func(txn Txn) error {
		col, err := txn.Column("counters")
		require.NoError(t, err)
		_, err = col.Get([]byte("missing"))
		return err
	})
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestUnknownColumnReturnsErrColumnNotFound(t *testing.T) {
	m := NewMemory()
	err := m.View(func(txn Txn) error {
		_, err := txn.Column("not-a-real-column")
		return err
	})
	require.ErrorIs(t, err, ErrColumnNotFound)
}
