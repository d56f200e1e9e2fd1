package nvdb

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Txish is anything that carries a transaction; application request
// contexts typically embed one.
type Txish interface {
	DBTx() *Tx
}

var lastTxID atomic.Uint64

// Tx is one engine transaction over a coherent set of tables. Read
// transactions see a frozen snapshot as of their start; the single write
// transaction sees its own uncommitted writes and is isolated from readers
// until Commit. Close without Commit is an implicit abort.
type Tx struct {
	db  *DB
	stx storageTx
	id  uint64

	// grants declared at BeginWrite; nil means every model is ReadWrite
	// (convenience default for write transactions without declarations).
	grants map[*Model]Access

	written   bool
	closed    bool
	committed bool

	migrationFailures []*MigrationError

	startTime time.Time
	stack     string
}

// DBTx implements Txish.
func (tx *Tx) DBTx() *Tx {
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) Schema() *Schema {
	return tx.db.schema
}

func (tx *Tx) IsWritable() bool {
	return tx.stx.Writable()
}

func (db *DB) newTx(stx storageTx, grants []Grant) *Tx {
	tx := &Tx{
		db:        db,
		stx:       stx,
		id:        lastTxID.Add(1),
		startTime: time.Now(),
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
	}
	if grants != nil {
		tx.grants = make(map[*Model]Access, len(grants))
		for _, g := range grants {
			tx.grants[g.Model] |= g.Access
		}
	}
	db.addTx(tx)
	if stx.Writable() {
		db.WriterCount.Add(1)
	} else {
		db.ReaderCount.Add(1)
	}
	return tx
}

// BeginRead opens a consistent point-in-time snapshot. It never blocks
// writers and may run concurrently with any number of other readers.
func (db *DB) BeginRead() *Tx {
	stx, err := db.stor.BeginTx(false)
	if err != nil {
		panic(fmt.Errorf("failed to start reading: %w", err))
	}
	return db.newTx(stx, nil)
}

// BeginWrite opens the single mutable transaction, blocking until any prior
// writer commits or aborts. Grants declare upfront which models this
// transaction will touch; mutations on undeclared models fail with
// ErrPermissionDenied. Zero grants means ReadWrite on every model.
func (db *DB) BeginWrite(grants ...Grant) *Tx {
	db.PendingWriterCount.Add(1)
	stx, err := db.stor.BeginTx(true)
	db.PendingWriterCount.Add(-1)
	if err != nil {
		panic(fmt.Errorf("failed to start writing: %w", err))
	}
	return db.newTx(stx, grants)
}

// View runs f inside a read transaction.
func (db *DB) View(f func(tx *Tx) error) error {
	tx := db.BeginRead()
	defer tx.Close()
	return safelyCall(f, tx)
}

// Read is the no-error convenience form of View.
func (db *DB) Read(f func(tx *Tx)) {
	tx := db.BeginRead()
	defer tx.Close()
	f(tx)
}

// Update runs f inside a write transaction, committing iff f succeeds.
func (db *DB) Update(f func(tx *Tx) error, grants ...Grant) error {
	tx := db.BeginWrite(grants...)
	defer tx.Close()
	if err := safelyCall(f, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Write is the panic-on-failure convenience form of Update, for code paths
// where a storage failure is unrecoverable anyway.
func (db *DB) Write(f func(tx *Tx)) {
	err := db.Update(func(tx *Tx) error {
		f(tx)
		return nil
	})
	if err != nil {
		panic(fmt.Errorf("commit: %w", err))
	}
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if e, ok := p.(error); ok && isEngineError(e) {
				err = e
				return
			}
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

// isEngineError distinguishes errors the engine itself panics with on
// unrecoverable storage failures from arbitrary application panics.
func isEngineError(err error) bool {
	switch err.(type) {
	case *TransactionError, *SerializationError, *ModelError, *MigrationError:
		return true
	}
	return false
}

// Commit atomically publishes every write this transaction buffered across
// all tables: main, indexes, blobs and subscriptions together or not at all.
func (tx *Tx) Commit() error {
	if tx.closed {
		return fmt.Errorf("transaction already closed")
	}
	err := tx.stx.Commit()
	tx.committed = true
	tx.finish()
	if err != nil {
		return txErrf("commit", err)
	}
	return nil
}

// Close aborts the transaction unless it has committed. Every transaction
// must eventually be closed: a lingering snapshot blocks space reclamation.
func (tx *Tx) Close() {
	if tx.closed {
		return
	}
	if !tx.committed {
		err := tx.stx.Rollback()
		if err != nil {
			panic(txErrf("rollback", err))
		}
	}
	tx.finish()
}

func (tx *Tx) finish() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.db.lastSize.Store(tx.stx.Size())
	if tx.stx.Writable() {
		tx.db.WriterCount.Add(-1)
	} else {
		tx.db.ReaderCount.Add(-1)
	}
	tx.db.removeTx(tx)
}

func (tx *Tx) markWritten() {
	tx.written = true
}

// MigrationFailures lists the records batch reads skipped in this
// transaction because their migration chains failed. Each entry carries the
// record key and the failing version, so callers can quarantine or repair.
func (tx *Tx) MigrationFailures() []*MigrationError {
	return tx.migrationFailures
}

// quarantineMigration reports whether err is a per-record migration failure
// a batch read should skip rather than fail on. StrictVersions opts into
// all-or-nothing batches instead. Skipped records are surfaced through
// MigrationFailures.
func (tx *Tx) quarantineMigration(err error) bool {
	if tx.db.decodeCtx.Strict {
		return false
	}
	var me *MigrationError
	if !errors.As(err, &me) {
		return false
	}
	tx.migrationFailures = append(tx.migrationFailures, me)
	tx.db.logf("db: QUARANTINE %v", me)
	return true
}

// access returns the effective access this transaction has on a model.
func (tx *Tx) access(mdl *Model) Access {
	if !tx.stx.Writable() {
		return ReadOnly
	}
	if tx.grants == nil {
		return ReadWrite
	}
	return tx.grants[mdl]
}

func (tx *Tx) requireReadable(mdl *Model) error {
	if !tx.access(mdl).Allows(AccessRead) {
		return fmt.Errorf("%w: no read grant on %s", ErrPermissionDenied, mdl.FullName())
	}
	return nil
}

func (tx *Tx) requireWritable(mdl *Model) error {
	if !tx.stx.Writable() {
		return fmt.Errorf("%w: %s", ErrReadOnlyTx, mdl.FullName())
	}
	if !tx.access(mdl).Allows(AccessWrite) {
		return fmt.Errorf("%w: no write grant on %s", ErrPermissionDenied, mdl.FullName())
	}
	return nil
}

// table resolves a physical table; every model table is created at Open, so
// absence is an engine invariant violation.
func (tx *Tx) table(name string) storageTable {
	t := tx.stx.Table(name)
	if t == nil {
		panic(txErrf("open table "+name, ErrTableNotFound))
	}
	return t
}

func (tx *Tx) modelByRowType(rowPtr any) *Model {
	return tx.db.schema.modelByRowType(ptrStructType(rowPtr))
}

func (tx *Tx) isVerboseLoggingEnabled() bool {
	return tx.db.verbose
}
