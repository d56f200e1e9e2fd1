package nvdb

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

const trackTxns = true

// InMemory opens a transient store backed by the in-memory engine.
const InMemory = ":memory:"

// Engine selects the storage backend.
type Engine int

const (
	// EngineBolt is the default page-backed B-tree engine (bbolt).
	EngineBolt Engine = iota
	// EngineBadger is the LSM engine alternative; path must be a directory.
	EngineBadger
)

type DB struct {
	stor   storage
	bdb    *bbolt.DB // nil unless EngineBolt with a file path
	schema *Schema

	logf      func(format string, args ...any)
	verbose   bool
	strict    bool
	decodeCtx DecodeContext

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

type Options struct {
	Logf      func(format string, args ...any)
	Verbose   bool
	IsTesting bool
	MmapSize  int
	Engine    Engine

	// AutoMigrate runs migration chains when decoding older-version rows.
	AutoMigrate bool
	// StrictVersions fails reads of older-version rows instead of
	// best-effort decoding. Ignored when AutoMigrate is set.
	StrictVersions bool
}

func Open(path string, scm *Schema, opt Options) (*DB, error) {
	if err := scm.validate(); err != nil {
		return nil, fmt.Errorf("nvdb: %w", err)
	}

	var stor storage
	var bdb *bbolt.DB
	switch {
	case opt.Engine == EngineBadger:
		var err error
		stor, err = newBadgerStorage(path, path == InMemory)
		if err != nil {
			return nil, fmt.Errorf("nvdb: %w", err)
		}
	case path == InMemory:
		stor = newMemStorage()
	default:
		bopt := &bbolt.Options{}
		*bopt = *bbolt.DefaultOptions
		bopt.Timeout = 10 * time.Second
		if opt.IsTesting {
			bopt.NoSync = true
			bopt.NoFreelistSync = true
			bopt.InitialMmapSize = 1024 * 1024 * 5
		} else {
			bopt.InitialMmapSize = 1024 * 1024 * 1024
			bopt.FreelistType = bbolt.FreelistMapType
		}
		if opt.MmapSize != 0 {
			bopt.InitialMmapSize = opt.MmapSize
		}
		var err error
		bdb, err = bbolt.Open(path, 0666, bopt)
		if err != nil {
			return nil, fmt.Errorf("nvdb: %w", err)
		}
		stor = newBoltStorage(bdb)
	}

	db := &DB{
		stor:    stor,
		bdb:     bdb,
		schema:  scm,
		logf:    opt.Logf,
		verbose: opt.Verbose,
		strict:  opt.IsTesting,
		decodeCtx: DecodeContext{
			AutoMigrate: opt.AutoMigrate,
			Strict:      opt.StrictVersions,
		},
	}
	if db.logf == nil {
		db.logf = func(format string, args ...any) {}
	}

	err := db.Update(func(tx *Tx) error {
		for _, def := range scm.defs {
			for _, mdl := range def.models {
				for _, name := range mdl.tableNames() {
					if _, err := tx.stx.CreateTable(name); err != nil {
						return txErrf("create table "+name, err)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		stor.Close()
		return nil, fmt.Errorf("nvdb: %w", err)
	}

	return db, nil
}

func (db *DB) Schema() *Schema {
	return db.schema
}

// Bolt exposes the underlying bbolt handle; nil for non-Bolt engines.
func (db *DB) Bolt() *bbolt.DB {
	return db.bdb
}

func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

func (db *DB) Close() {
	err := db.stor.Close()
	if err != nil {
		panic(fmt.Errorf("nvdb: closing: %w", err))
	}
}

// LoadSubscriptions builds a SubscriptionManager from every persisted topic
// table, under one consistent snapshot.
func (db *DB) LoadSubscriptions() (*SubscriptionManager, error) {
	m := NewSubscriptionManager()
	err := db.View(func(tx *Tx) error {
		for _, def := range db.schema.defs {
			for _, mdl := range def.models {
				for _, tp := range mdl.topics {
					t, err := LoadTopicTree(tx, tp)
					if err != nil {
						return err
					}
					m.ReplaceTopic(tp.name, t)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (db *DB) addTx(tx *Tx) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	if !trackTxns {
		return
	}
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

// DescribeOpenTxns lists in-flight transactions with their ages. Long-lived
// read snapshots prevent the storage engine from reclaiming superseded
// pages, so this is the first thing to check when a store keeps growing.
func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms\n", ms)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms:\n%s", ms, tx.stack)
		}
	}

	return buf.String()
}
