package nvdb

// storage is a key-value storage backend (Bolt, in-memory, Badger). All
// backends provide snapshot-isolated read transactions and a single write
// transaction at a time: BeginTx(true) blocks until the in-flight writer
// commits or rolls back.
type storage interface {
	// BeginTx starts a new transaction.
	BeginTx(writable bool) (storageTx, error)
	// Close closes the storage.
	Close() error
}

// storageTx is one storage transaction. Rolling back without committing
// discards every buffered write; commit is atomic across all tables.
type storageTx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Table returns a named table, or nil if it doesn't exist.
	Table(name string) storageTable

	// CreateTable creates a table if it doesn't exist.
	CreateTable(name string) (storageTable, error)

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. Safe to call after Commit.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown).
	Size() int64
}

// storageTable is a sorted key-value collection.
type storageTable interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) []byte

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Cursor returns a forward-only cursor. Callers must Close it.
	Cursor() storageCursor

	// KeyCount returns the number of keys in the table (best effort).
	KeyCount() int
}

// storageCursor iterates a table in ascending key order. The engine only
// ever scans forward, which keeps every backend honest (LSM iterators
// included). Mutation during iteration goes through storageTable.Delete,
// never through the cursor.
type storageCursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Close releases the cursor.
	Close()
}
