package nvdb

import (
	"bytes"
	"fmt"
	"reflect"
)

type putMode int

const (
	putCreate putMode = iota // fails if the primary key exists
	putUpsert                // always succeeds
	putUpdate                // fails if the primary key is absent
)

func (m putMode) String() string {
	switch m {
	case putCreate:
		return "CREATE"
	case putUpsert:
		return "UPSERT"
	case putUpdate:
		return "UPDATE"
	default:
		return "PUT"
	}
}

// Create inserts a new row, failing with ErrAlreadyExists if the primary
// key is taken.
func Create[Row any](txh Txish, row *Row) error {
	tx := txh.DBTx()
	return tx.put(modelOf[Row](tx), reflect.ValueOf(row), putCreate)
}

// Upsert inserts or silently overwrites.
func Upsert[Row any](txh Txish, row *Row) error {
	tx := txh.DBTx()
	return tx.put(modelOf[Row](tx), reflect.ValueOf(row), putUpsert)
}

// Update overwrites an existing row, failing with ErrNotFound if the
// primary key is absent.
func Update[Row any](txh Txish, row *Row) error {
	tx := txh.DBTx()
	return tx.put(modelOf[Row](tx), reflect.ValueOf(row), putUpdate)
}

// CreateMany inserts a batch within the ambient transaction. Index
// maintenance is batched per row; semantics per row match Create.
func CreateMany[Row any](txh Txish, rows []*Row) error {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	for _, row := range rows {
		if err := tx.put(mdl, reflect.ValueOf(row), putCreate); err != nil {
			return err
		}
	}
	return nil
}

// UpsertMany upserts a batch within the ambient transaction.
func UpsertMany[Row any](txh Txish, rows []*Row) error {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	for _, row := range rows {
		if err := tx.put(mdl, reflect.ValueOf(row), putUpsert); err != nil {
			return err
		}
	}
	return nil
}

// UpdateIf applies mutate to every row matching pred and saves the result,
// returning the number of rows changed.
func UpdateIf[Row any](txh Txish, pred func(*Row) bool, mutate func(*Row)) (int, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)

	matched, err := collectRows[Row](tx, mdl, pred)
	if err != nil {
		return 0, err
	}
	for _, row := range matched {
		mutate(row)
		if err := tx.put(mdl, reflect.ValueOf(row), putUpdate); err != nil {
			return 0, err
		}
	}
	return len(matched), nil
}

// UpdateRange applies mutate to every row whose primary key lies in
// [lo, hi), returning the number of rows changed.
func UpdateRange[Row any](txh Txish, lo, hi any, mutate func(*Row)) (int, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)

	matched, err := collectRowsInRange[Row](tx, mdl, lo, hi)
	if err != nil {
		return 0, err
	}
	for _, row := range matched {
		mutate(row)
		if err := tx.put(mdl, reflect.ValueOf(row), putUpdate); err != nil {
			return 0, err
		}
	}
	return len(matched), nil
}

func (tx *Tx) put(mdl *Model, rowVal reflect.Value, mode putMode) error {
	if err := tx.requireWritable(mdl); err != nil {
		return err
	}
	if rowVal.Type() != mdl.rowTypePtr {
		panic(fmt.Errorf("%s: put of %v, expected %v", mdl.FullName(), rowVal.Type(), mdl.rowTypePtr))
	}

	keyVal := mdl.rowKeyVal(rowVal)
	if keyVal.IsZero() {
		panic(fmt.Errorf("%s: attempt to save a row with a zero primary key", mdl.FullName()))
	}
	keyRaw := mdl.keyCodec.encodeKey(keyVal)

	main := tx.table(mdl.mainTableName())
	oldRaw := main.Get(keyRaw)

	switch mode {
	case putCreate:
		if oldRaw != nil {
			return modelErrf(mdl, "", keyRaw, ErrAlreadyExists, "create of existing key %v", keyVal.Interface())
		}
	case putUpdate:
		if oldRaw == nil {
			return modelErrf(mdl, "", keyRaw, ErrNotFound, "update of missing key %v", keyVal.Interface())
		}
	}

	var oldKB *KeyBuilder
	if oldRaw != nil {
		var err error
		oldKB, err = tx.oldKeyBuilder(mdl, keyRaw, oldRaw)
		if err != nil {
			return err
		}
	}

	valueRaw := mdl.encodeRow(rowVal)
	if oldRaw != nil && bytes.Equal(valueRaw, oldRaw) {
		// No-op save: identical bytes derive identical entries and hashes.
		// (If the Keys callback itself changed across deployments, Reindex
		// is the recovery path.)
		if tx.isVerboseLoggingEnabled() {
			tx.db.logf("db: %s.NOOP %s/%v", mode, mdl.FullName(), keyVal.Interface())
		}
		return nil
	}

	kb := mdl.buildKeys(rowVal.Interface(), keyRaw)
	if err := tx.putDerived(mdl, keyRaw, valueRaw, oldKB, &kb); err != nil {
		return err
	}

	tx.markWritten()
	tx.db.WriteCount.Add(1)
	if err := main.Put(keyRaw, valueRaw); err != nil {
		return txErrf("put row in "+mdl.mainTableName(), err)
	}

	if tx.isVerboseLoggingEnabled() {
		tx.db.logf("db: %s %s/%v => %v", mode, mdl.FullName(), keyVal.Interface(), loggableRow(mdl, rowVal.Interface()))
	}
	return nil
}
