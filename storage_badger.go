package nvdb

import (
	"bytes"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// badgerStorage adapts Badger's flat keyspace to named tables by prefixing
// every key with "table\x00". Badger allows concurrent writers with conflict
// detection; a storage-level mutex narrows that to the single-writer model
// the engine promises, so commits can never fail with ErrConflict.
type badgerStorage struct {
	bdb     *badger.DB
	writeMu sync.Mutex
}

const badgerTableSep = '\x00'

// badgerCatalogPrefix indexes the set of created tables, since a prefix
// keyspace has no notion of an empty table existing.
const badgerCatalogPrefix = "\x00catalog\x00"

func newBadgerStorage(dir string, inMemory bool) (storage, error) {
	var opt badger.Options
	if inMemory {
		// Badger rejects Dir/ValueDir in disk-less mode, so the options
		// must start from an empty path.
		opt = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opt = badger.DefaultOptions(dir)
	}
	bdb, err := badger.Open(opt.WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &badgerStorage{bdb: bdb}, nil
}

func (s *badgerStorage) BeginTx(writable bool) (storageTx, error) {
	if writable {
		s.writeMu.Lock()
	}
	return &badgerTx{
		s:        s,
		txn:      s.bdb.NewTransaction(writable),
		writable: writable,
	}, nil
}

func (s *badgerStorage) Close() error {
	return s.bdb.Close()
}

type badgerTx struct {
	s        *badgerStorage
	txn      *badger.Txn
	writable bool
	done     bool
}

func (tx *badgerTx) Writable() bool { return tx.writable }

func (tx *badgerTx) tablePrefix(name string) []byte {
	p := make([]byte, 0, len(name)+1)
	p = append(p, name...)
	return append(p, badgerTableSep)
}

func (tx *badgerTx) Table(name string) storageTable {
	_, err := tx.txn.Get(append([]byte(badgerCatalogPrefix), name...))
	if err != nil {
		return nil
	}
	return &badgerTable{tx: tx, prefix: tx.tablePrefix(name)}
}

func (tx *badgerTx) CreateTable(name string) (storageTable, error) {
	catKey := append([]byte(badgerCatalogPrefix), name...)
	if _, err := tx.txn.Get(catKey); err == badger.ErrKeyNotFound {
		if err := tx.txn.Set(catKey, nil); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return &badgerTable{tx: tx, prefix: tx.tablePrefix(name)}, nil
}

func (tx *badgerTx) finish() {
	if tx.done {
		return
	}
	tx.done = true
	if tx.writable {
		tx.s.writeMu.Unlock()
	}
}

func (tx *badgerTx) Commit() error {
	defer tx.finish()
	return tx.txn.Commit()
}

func (tx *badgerTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.txn.Discard()
	tx.finish()
	return nil
}

func (tx *badgerTx) Size() int64 {
	lsm, vlog := tx.s.bdb.Size()
	return lsm + vlog
}

type badgerTable struct {
	tx     *badgerTx
	prefix []byte
}

func (t *badgerTable) fullKey(key []byte) []byte {
	return append(append([]byte(nil), t.prefix...), key...)
}

func (t *badgerTable) Get(key []byte) []byte {
	item, err := t.tx.txn.Get(t.fullKey(key))
	if err != nil {
		return nil
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil
	}
	if v == nil {
		// Present key with an empty value; nil means absent to callers.
		v = []byte{}
	}
	return v
}

func (t *badgerTable) Put(key, value []byte) error {
	return t.tx.txn.Set(t.fullKey(key), append([]byte(nil), value...))
}

func (t *badgerTable) Delete(key []byte) error {
	err := t.tx.txn.Delete(t.fullKey(key))
	if err == badger.ErrKeyNotFound {
		return nil
	}
	return err
}

func (t *badgerTable) KeyCount() int {
	var n int
	c := t.Cursor()
	defer c.Close()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func (t *badgerTable) Cursor() storageCursor {
	opt := badger.DefaultIteratorOptions
	opt.Prefix = t.prefix
	return &badgerCursor{
		it:     t.tx.txn.NewIterator(opt),
		prefix: t.prefix,
	}
}

type badgerCursor struct {
	it     *badger.Iterator
	prefix []byte
	closed bool
}

func (c *badgerCursor) current() ([]byte, []byte) {
	if !c.it.ValidForPrefix(c.prefix) {
		return nil, nil
	}
	item := c.it.Item()
	k := item.KeyCopy(nil)
	if !bytes.HasPrefix(k, c.prefix) {
		return nil, nil
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil
	}
	return k[len(c.prefix):], v
}

func (c *badgerCursor) First() ([]byte, []byte) {
	c.it.Rewind()
	return c.current()
}

func (c *badgerCursor) Seek(seek []byte) ([]byte, []byte) {
	c.it.Seek(append(append([]byte(nil), c.prefix...), seek...))
	return c.current()
}

func (c *badgerCursor) Next() ([]byte, []byte) {
	c.it.Next()
	return c.current()
}

func (c *badgerCursor) Close() {
	if !c.closed {
		c.closed = true
		c.it.Close()
	}
}
