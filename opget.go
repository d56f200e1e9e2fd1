package nvdb

import (
	"reflect"
)

// Get is a main-table point lookup. An absent key returns (nil, nil), not
// an error.
func Get[Row any](txh Txish, key any) (*Row, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	rowVal, err := tx.get(mdl, reflect.ValueOf(key))
	if err != nil {
		return nil, err
	}
	if !rowVal.IsValid() {
		return nil, nil
	}
	return rowVal.Interface().(*Row), nil
}

// Exists reports whether a primary key is present without decoding the row.
func Exists[Row any](txh Txish, key any) (bool, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	if err := tx.requireReadable(mdl); err != nil {
		return false, err
	}
	keyRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(key))
	found := tx.getRaw(mdl, keyRaw) != nil
	if tx.isVerboseLoggingEnabled() {
		tx.db.logf("db: EXISTS.%s %s/%v", map[bool]string{false: "NO", true: "YES"}[found], mdl.FullName(), key)
	}
	return found, nil
}

// Reload fetches the current stored state of a row by its primary key.
func Reload[Row any](txh Txish, row *Row) (*Row, error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	return Get[Row](txh, mdl.rowKeyVal(reflect.ValueOf(row)).Interface())
}

// GetVersion returns the stored schema version of a row's bytes without
// migrating them; ok is false when the key is absent. Legacy unversioned
// payloads report version 0.
func GetVersion[Row any](txh Txish, key any) (ver uint32, ok bool, err error) {
	tx := txh.DBTx()
	mdl := modelOf[Row](tx)
	if err := tx.requireReadable(mdl); err != nil {
		return 0, false, err
	}
	keyRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(key))
	data := tx.getRaw(mdl, keyRaw)
	if data == nil {
		return 0, false, nil
	}
	hdr, _, hasHdr := parseVersionHeader(data)
	if !hasHdr {
		return 0, true, nil
	}
	return hdr.Version, true, nil
}

func (tx *Tx) get(mdl *Model, keyVal reflect.Value) (reflect.Value, error) {
	if err := tx.requireReadable(mdl); err != nil {
		return reflect.Value{}, err
	}
	keyRaw := mdl.keyCodec.encodeKey(keyVal)
	data := tx.getRaw(mdl, keyRaw)
	if data == nil {
		if tx.isVerboseLoggingEnabled() {
			tx.db.logf("db: GET.NOTFOUND %s/%v", mdl.FullName(), keyVal.Interface())
		}
		return reflect.Value{}, nil
	}
	rowVal, _, err := mdl.decodeRow(data, keyRaw, tx.db.decodeCtx)
	if err != nil {
		return reflect.Value{}, modelErrf(mdl, "", keyRaw, err, "")
	}
	if tx.isVerboseLoggingEnabled() {
		tx.db.logf("db: GET %s/%v => %v", mdl.FullName(), keyVal.Interface(), loggableRow(mdl, rowVal.Interface()))
	}
	return rowVal, nil
}

// getByKeyRaw decodes a row by its already-encoded primary key.
func (tx *Tx) getByKeyRaw(mdl *Model, keyRaw []byte) (reflect.Value, error) {
	data := tx.getRaw(mdl, keyRaw)
	if data == nil {
		return reflect.Value{}, nil
	}
	rowVal, _, err := mdl.decodeRow(data, keyRaw, tx.db.decodeCtx)
	if err != nil {
		return reflect.Value{}, modelErrf(mdl, "", keyRaw, err, "")
	}
	return rowVal, nil
}
