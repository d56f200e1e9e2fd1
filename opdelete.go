package nvdb

import (
	"reflect"
)

// Delete removes a row and every index, blob and subscription entry tracing
// to its key. Deleting an absent key is a no-op success.
func Delete[Row any](txh Txish, key any) error {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	_, err := tx.delete(mdl, reflect.ValueOf(key))
	return err
}

// DeleteRow removes the row by the primary key embedded in it.
func DeleteRow[Row any](txh Txish, row *Row) error {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	_, err := tx.delete(mdl, mdl.rowKeyVal(reflect.ValueOf(row)))
	return err
}

// DeleteMany removes a batch of keys, returning how many rows existed.
func DeleteMany[Row any](txh Txish, keys []any) (int, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	var n int
	for _, key := range keys {
		ok, err := tx.delete(mdl, reflect.ValueOf(key))
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// DeleteRange removes every row whose primary key lies in [lo, hi),
// returning the number removed.
func DeleteRange[Row any](txh Txish, lo, hi any) (int, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	if err := tx.requireWritable(mdl); err != nil {
		return 0, err
	}

	keys, err := tx.collectKeysInRange(mdl, lo, hi)
	if err != nil {
		return 0, err
	}
	for i, keyRaw := range keys {
		if err := tx.deleteByKeyRaw(mdl, keyRaw); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

// DeleteIf removes every row matching pred, returning the number removed.
func DeleteIf[Row any](txh Txish, pred func(*Row) bool) (int, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	if err := tx.requireWritable(mdl); err != nil {
		return 0, err
	}

	matched, err := collectRows[Row](tx, mdl, pred)
	if err != nil {
		return 0, err
	}
	for i, row := range matched {
		keyRaw := mdl.encodeRowKey(reflect.ValueOf(row))
		if err := tx.deleteByKeyRaw(mdl, keyRaw); err != nil {
			return i, err
		}
	}
	return len(matched), nil
}

func (tx *Tx) delete(mdl *Model, keyVal reflect.Value) (bool, error) {
	if err := tx.requireWritable(mdl); err != nil {
		return false, err
	}
	keyRaw := mdl.keyCodec.encodeKey(keyVal)
	existed := tx.getRaw(mdl, keyRaw) != nil
	if !existed {
		if tx.isVerboseLoggingEnabled() {
			tx.db.logf("db: DELETE.NOOP %s/%v", mdl.FullName(), keyVal.Interface())
		}
		return false, nil
	}
	if err := tx.deleteByKeyRaw(mdl, keyRaw); err != nil {
		return false, err
	}
	if tx.isVerboseLoggingEnabled() {
		tx.db.logf("db: DELETE %s/%v", mdl.FullName(), keyVal.Interface())
	}
	return true, nil
}

func (tx *Tx) deleteByKeyRaw(mdl *Model, keyRaw []byte) error {
	main := tx.table(mdl.mainTableName())
	oldRaw := main.Get(keyRaw)
	if oldRaw == nil {
		return nil
	}

	oldKB, err := tx.oldKeyBuilder(mdl, keyRaw, oldRaw)
	if err != nil {
		return err
	}
	if err := tx.deleteDerived(mdl, keyRaw, oldKB); err != nil {
		return err
	}

	tx.markWritten()
	tx.db.WriteCount.Add(1)
	if err := main.Delete(keyRaw); err != nil {
		return txErrf("delete row in "+mdl.mainTableName(), err)
	}
	return nil
}
