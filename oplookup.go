package nvdb

import (
	"bytes"
	"fmt"
	"reflect"
)

// GetBySecondaryKey dereferences every primary key the secondary index maps
// value to. No matches yields an empty slice, not an error.
func GetBySecondaryKey[Row any](txh Txish, sk *SecondaryKey, value any) ([]*Row, error) {
	return ListBySecondaryKey[Row](txh, sk, value, 0, -1)
}

// ListBySecondaryKey is the paginated variant: offset/limit over the
// index's natural byte order. limit < 0 means unbounded.
func ListBySecondaryKey[Row any](txh Txish, sk *SecondaryKey, value any, offset, limit int) ([]*Row, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	if sk.model != mdl {
		panic(fmt.Errorf("secondary key %q does not belong to %s", sk.field, mdl.FullName()))
	}
	if err := tx.requireReadable(mdl); err != nil {
		return nil, err
	}

	primaries, err := tx.secondaryLookup(sk, reflect.ValueOf(value), offset, limit)
	if err != nil {
		return nil, err
	}

	rows := make([]*Row, 0, len(primaries))
	for _, keyRaw := range primaries {
		rowVal, err := tx.getByKeyRaw(mdl, keyRaw)
		if err != nil {
			if tx.quarantineMigration(err) {
				continue
			}
			return nil, err
		}
		if !rowVal.IsValid() {
			if tx.db.strict {
				panic(modelErrf(mdl, sk.tableName(), keyRaw, nil, "index entry points to missing row"))
			}
			continue
		}
		rows = append(rows, rowVal.Interface().(*Row))
	}
	if tx.isVerboseLoggingEnabled() {
		tx.db.logf("db: LOOKUP %s.%s/%v => %d rows", mdl.FullName(), sk.field, value, len(rows))
	}
	return rows, nil
}

// GetUniqueBySecondaryKey resolves a unique secondary key to its single
// row; (nil, nil) when absent.
func GetUniqueBySecondaryKey[Row any](txh Txish, sk *SecondaryKey, value any) (*Row, error) {
	if !sk.unique {
		panic(fmt.Errorf("secondary key %q is not unique", sk.field))
	}
	rows, err := GetBySecondaryKey[Row](txh, sk, value)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// CountBySecondaryKey returns how many rows carry value without decoding
// them.
func CountBySecondaryKey[Row any](txh Txish, sk *SecondaryKey, value any) (int, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	if sk.model != mdl {
		panic(fmt.Errorf("secondary key %q does not belong to %s", sk.field, mdl.FullName()))
	}
	if err := tx.requireReadable(mdl); err != nil {
		return 0, err
	}
	primaries, err := tx.secondaryLookup(sk, reflect.ValueOf(value), 0, -1)
	if err != nil {
		return 0, err
	}
	return len(primaries), nil
}

// GetRelatedKeys lists primary keys of rows whose relation points at
// targetKey (reverse lookup through the relational index).
func GetRelatedKeys[Row any](txh Txish, rel *Relation, targetKey any) ([][]byte, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	if rel.model != mdl {
		panic(fmt.Errorf("relation %q does not belong to %s", rel.field, mdl.FullName()))
	}
	if err := tx.requireReadable(mdl); err != nil {
		return nil, err
	}

	keyVal := reflect.ValueOf(targetKey)
	if at, et := keyVal.Type(), rel.codec.typ; at != et {
		panic(fmt.Errorf("%s.%s: relation key type %v, expected %v", mdl.FullName(), rel.field, at, et))
	}
	prefix := rel.codec.compose(nil, keyVal)
	return tx.multimapLookup(rel.tableName(), prefix, 0, -1), nil
}

// GetRelatedRows is the decoding variant of GetRelatedKeys.
func GetRelatedRows[Row any](txh Txish, rel *Relation, targetKey any) ([]*Row, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	keys, err := GetRelatedKeys[Row](txh, rel, targetKey)
	if err != nil {
		return nil, err
	}
	rows := make([]*Row, 0, len(keys))
	for _, keyRaw := range keys {
		rowVal, err := tx.getByKeyRaw(mdl, keyRaw)
		if err != nil {
			if tx.quarantineMigration(err) {
				continue
			}
			return nil, err
		}
		if rowVal.IsValid() {
			rows = append(rows, rowVal.Interface().(*Row))
		}
	}
	return rows, nil
}

// secondaryLookup returns the raw primary keys an index value maps to.
func (tx *Tx) secondaryLookup(sk *SecondaryKey, valueVal reflect.Value, offset, limit int) ([][]byte, error) {
	if at, et := valueVal.Type(), sk.codec.typ; at != et {
		panic(fmt.Errorf("%s.%s: lookup by incorrect type %v, expected %v", sk.model.FullName(), sk.field, at, et))
	}
	prefix := sk.codec.compose(nil, valueVal)

	if sk.unique {
		primary := tx.table(sk.tableName()).Get(prefix)
		if primary == nil || offset > 0 || limit == 0 {
			return nil, nil
		}
		return [][]byte{append([]byte(nil), primary...)}, nil
	}
	return tx.multimapLookup(sk.tableName(), prefix, offset, limit), nil
}

// multimapLookup scans a multimap table for entry keys of the form
// prefix||primary and returns the primary suffixes, paginated.
func (tx *Tx) multimapLookup(table string, prefix []byte, offset, limit int) [][]byte {
	var out [][]byte
	c := tx.table(table).Cursor()
	defer c.Close()
	skipped := 0
	for k, _ := c.Seek(prefix); k != nil; k, _ = c.Next() {
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit >= 0 && len(out) >= limit {
			break
		}
		out = append(out, append([]byte(nil), k[len(prefix):]...))
	}
	tx.db.ReadCount.Add(1)
	return out
}
