package nvdb

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// memStorage is a transient in-memory backend intended for tests, opened via
// the InMemory path constant. Every transaction operates on a full snapshot
// of the table set; commit swaps the snapshot back in. A condvar serializes
// writers; readers never block.
type memStorage struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tables map[string]*memTable
	closed bool
	writer bool
}

func newMemStorage() storage {
	s := &memStorage{tables: make(map[string]*memTable)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("storage closed")
		}
		s.writer = true
	}

	snap := make(map[string]*memTable, len(s.tables))
	for name, t := range s.tables {
		snap[name] = t.clone()
	}

	return &memTx{base: s, writable: writable, tables: snap}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tables = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	tables   map[string]*memTable
	done     bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) Table(name string) storageTable {
	t := tx.tables[name]
	if t == nil {
		return nil
	}
	return t
}

func (tx *memTx) CreateTable(name string) (storageTable, error) {
	if !tx.writable {
		return nil, fmt.Errorf("create table %q in read-only tx", name)
	}
	t := tx.tables[name]
	if t == nil {
		t = newMemTable()
		tx.tables[name] = t
	}
	return t, nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true
	if !tx.writable {
		return nil
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if !tx.base.closed {
		tx.base.tables = tx.tables
	}
	tx.base.writer = false
	tx.base.cond.Broadcast()
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.tables = nil
	if tx.writable {
		tx.base.mu.Lock()
		tx.base.writer = false
		tx.base.cond.Broadcast()
		tx.base.mu.Unlock()
	}
	return nil
}

func (tx *memTx) Size() int64 { return 0 }

type memTable struct {
	data map[string][]byte
}

func newMemTable() *memTable {
	return &memTable{data: make(map[string][]byte)}
}

func (t *memTable) clone() *memTable {
	c := newMemTable()
	for k, v := range t.data {
		c.data[k] = v
	}
	return c
}

func (t *memTable) Get(key []byte) []byte {
	return t.data[string(key)]
}

// Put copies the value. Empty values stay distinguishable from absent keys:
// index entries carry no payload but their presence is meaningful.
func (t *memTable) Put(key, value []byte) error {
	t.data[string(key)] = append(make([]byte, 0, len(value)), value...)
	return nil
}

func (t *memTable) Delete(key []byte) error {
	delete(t.data, string(key))
	return nil
}

func (t *memTable) KeyCount() int {
	return len(t.data)
}

// Cursor iterates a point-in-time copy of the table's key set. The engine
// never mutates through open cursors, so this matches Bolt's semantics for
// every access pattern we use.
func (t *memTable) Cursor() storageCursor {
	keys := make([]string, 0, len(t.data))
	for k := range t.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &memCursor{t: t, keys: keys, pos: -1}
}

type memCursor struct {
	t    *memTable
	keys []string
	pos  int
}

func (c *memCursor) current() ([]byte, []byte) {
	if c.pos < 0 || c.pos >= len(c.keys) {
		return nil, nil
	}
	k := c.keys[c.pos]
	v, found := c.t.data[k]
	if !found {
		// deleted since cursor creation; skip forward
		c.pos++
		return c.current()
	}
	return []byte(k), v
}

func (c *memCursor) First() ([]byte, []byte) {
	c.pos = 0
	return c.current()
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	c.pos = sort.Search(len(c.keys), func(i int) bool {
		return strings.Compare(c.keys[i], string(seek)) >= 0
	})
	return c.current()
}

func (c *memCursor) Next() ([]byte, []byte) {
	c.pos++
	return c.current()
}

func (c *memCursor) Close() {}
