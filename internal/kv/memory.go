package kv

import (
	"sort"
	"sync"
)

// Memory is a deterministic in-memory Store satisfying the same interface
// as Bolt, used by unit tests across the core (spec §9: "a test harness
// can substitute an in-memory engine deterministically seeded").
type Memory struct {
	mu      sync.RWMutex
	columns map[string]map[string][]byte
}

// NewMemory returns an empty Memory store with every declared column
// pre-created.
func NewMemory() *Memory {
	m := &Memory{columns: make(map[string]map[string][]byte, len(Columns))}
	for _, name := range Columns {
		m.columns[name] = make(map[string][]byte)
	}
	return m
}

func (m *Memory) View(fn func(Txn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTxn{store: m})
}

func (m *Memory) Update(fn func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	backup := make(map[string]map[string][]byte, len(m.columns))
	for name, data := range m.columns {
		cp := make(map[string][]byte, len(data))
		for k, v := range data {
			cp[k] = v
		}
		backup[name] = cp
	}
	if err := fn(&memTxn{store: m}); err != nil {
		m.columns = backup
		return err
	}
	return nil
}

func (m *Memory) Close() error { return nil }

type memTxn struct {
	store *Memory
}

func (t *memTxn) Column(name string) (Column, error) {
	data, ok := t.store.columns[name]
	if !ok {
		return nil, ErrColumnNotFound
	}
	return &memColumn{data: data}, nil
}

type memColumn struct {
	data map[string][]byte
}

func (c *memColumn) Get(key []byte) ([]byte, error) {
	v, ok := c.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (c *memColumn) Put(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	c.data[string(key)] = v
	return nil
}

func (c *memColumn) Delete(key []byte) error {
	delete(c.data, string(key))
	return nil
}

func (c *memColumn) sortedKeysWithPrefix(prefix []byte) []string {
	keys := make([]string, 0, len(c.data))
	p := string(prefix)
	for k := range c.data {
		if len(k) >= len(p) && k[:len(p)] == p {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *memColumn) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	for _, k := range c.sortedKeysWithPrefix(prefix) {
		if !fn([]byte(k), c.data[k]) {
			break
		}
	}
	return nil
}

func (c *memColumn) IteratePrefixReverse(prefix []byte, fn func(key, value []byte) bool) error {
	keys := c.sortedKeysWithPrefix(prefix)
	for i := len(keys) - 1; i >= 0; i-- {
		k := keys[i]
		if !fn([]byte(k), c.data[k]) {
			break
		}
	}
	return nil
}
