package nvdb

import (
	"bytes"
	"reflect"
)

// AllRows returns every row of a model in primary key byte order. Records
// whose migration chains fail are skipped, not fatal; they are reported via
// Tx.MigrationFailures. StrictVersions makes them fail the whole read.
func AllRows[Row any](txh Txish) ([]*Row, error) {
	return collectRows[Row](txh.DBTx(), modelOf[Row](txh.DBTx()), nil)
}

// CountRows returns the number of rows in a model's main table.
func CountRows[Row any](txh Txish) (int, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	if err := tx.requireReadable(mdl); err != nil {
		return 0, err
	}
	return tx.table(mdl.mainTableName()).KeyCount(), nil
}

// collectRows decodes every row matching pred (nil matches all), in primary
// key byte order.
func collectRows[Row any](tx *Tx, mdl *Model, pred func(*Row) bool) ([]*Row, error) {
	if err := tx.requireReadable(mdl); err != nil {
		return nil, err
	}

	var rows []*Row
	c := tx.table(mdl.mainTableName()).Cursor()
	defer c.Close()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rowVal, _, err := mdl.decodeRow(v, k, tx.db.decodeCtx)
		if err != nil {
			if tx.quarantineMigration(err) {
				continue
			}
			return nil, modelErrf(mdl, "", k, err, "")
		}
		row := rowVal.Interface().(*Row)
		if pred == nil || pred(row) {
			rows = append(rows, row)
		}
	}
	tx.db.ReadCount.Add(1)
	return rows, nil
}

func collectRowsInRange[Row any](tx *Tx, mdl *Model, lo, hi any) ([]*Row, error) {
	if err := tx.requireReadable(mdl); err != nil {
		return nil, err
	}
	loRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(lo))
	hiRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(hi))

	var rows []*Row
	c := tx.table(mdl.mainTableName()).Cursor()
	defer c.Close()
	for k, v := c.Seek(loRaw); k != nil && bytes.Compare(k, hiRaw) < 0; k, v = c.Next() {
		rowVal, _, err := mdl.decodeRow(v, k, tx.db.decodeCtx)
		if err != nil {
			if tx.quarantineMigration(err) {
				continue
			}
			return nil, modelErrf(mdl, "", k, err, "")
		}
		rows = append(rows, rowVal.Interface().(*Row))
	}
	tx.db.ReadCount.Add(1)
	return rows, nil
}

// collectKeysInRange gathers raw primary keys in [lo, hi) before any
// mutation happens, so range deletes never mutate under an open cursor.
func (tx *Tx) collectKeysInRange(mdl *Model, lo, hi any) ([][]byte, error) {
	loRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(lo))
	hiRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(hi))

	var keys [][]byte
	c := tx.table(mdl.mainTableName()).Cursor()
	defer c.Close()
	for k, _ := c.Seek(loRaw); k != nil && bytes.Compare(k, hiRaw) < 0; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	return keys, nil
}
