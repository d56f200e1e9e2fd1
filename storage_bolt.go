package nvdb

import (
	"unsafe"

	"go.etcd.io/bbolt"
)

type boltStorage struct {
	bdb *bbolt.DB
}

func newBoltStorage(bdb *bbolt.DB) storage {
	return &boltStorage{bdb: bdb}
}

func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltTx{btx: btx}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltTx struct {
	btx *bbolt.Tx
}

func (tx *boltTx) BoltTx() *bbolt.Tx { return tx.btx }

func (tx *boltTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltTx) Table(name string) storageTable {
	b := tx.btx.Bucket(unsafeBytesFromString(name))
	if b == nil {
		return nil
	}
	return boltTable{b: b}
}

func (tx *boltTx) CreateTable(name string) (storageTable, error) {
	b, err := tx.btx.CreateBucketIfNotExists(unsafeBytesFromString(name))
	if err != nil {
		return nil, err
	}
	return boltTable{b: b}, nil
}

func (tx *boltTx) Commit() error { return tx.btx.Commit() }

func (tx *boltTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

func (tx *boltTx) Size() int64 { return tx.btx.Size() }

type boltTable struct {
	b *bbolt.Bucket
}

func (t boltTable) Get(key []byte) []byte { return t.b.Get(key) }

func (t boltTable) Put(key, value []byte) error { return t.b.Put(key, value) }

func (t boltTable) Delete(key []byte) error { return t.b.Delete(key) }

func (t boltTable) Cursor() storageCursor { return boltCursor{c: t.b.Cursor()} }

// KeyCount walks the bucket instead of using Stats(), which only reflects
// committed pages and would undercount inside a write transaction.
func (t boltTable) KeyCount() int {
	var n int
	c := t.b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Close() {}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
