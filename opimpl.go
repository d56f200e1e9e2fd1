package nvdb

import (
	"bytes"
	"fmt"
	"reflect"
)

func ptrStructType(rowPtr any) reflect.Type {
	rt := reflect.TypeOf(rowPtr)
	if rt == nil || rt.Kind() != reflect.Ptr || rt.Elem().Kind() != reflect.Struct {
		panic(fmt.Errorf("expected pointer to a model row struct, got %T", rowPtr))
	}
	return rt
}

func modelOf[Row any](tx *Tx) *Model {
	return tx.db.schema.modelByRowType(reflect.TypeOf((**Row)(nil)).Elem())
}

// ModelTables is the coherent set of physical tables one model spans,
// opened with an explicit access level. Opening fails when the
// transaction's grants do not cover the requested access on every table.
type ModelTables struct {
	tx     *Tx
	mdl    *Model
	access Access
}

// OpenModelTables resolves the main table plus all derived tables of a
// model, verifying the requested access against the transaction's grants.
func (tx *Tx) OpenModelTables(mdl *Model, access Access) (*ModelTables, error) {
	if !access.Allows(AccessRead) {
		return nil, fmt.Errorf("%w: %s: opening tables requires at least read access", ErrPermissionDenied, mdl.FullName())
	}
	if !tx.access(mdl).Allows(access) {
		return nil, fmt.Errorf("%w: %s: transaction grants %v, requested %v", ErrPermissionDenied, mdl.FullName(), tx.access(mdl), access)
	}
	if access.Allows(AccessWrite) && !tx.stx.Writable() {
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyTx, mdl.FullName())
	}
	// Every table is provisioned at Open; resolving them here surfaces
	// storage-level corruption early.
	for _, name := range mdl.tableNames() {
		if tx.stx.Table(name) == nil {
			return nil, txErrf("open table "+name, ErrTableNotFound)
		}
	}
	return &ModelTables{tx: tx, mdl: mdl, access: access}, nil
}

func (mt *ModelTables) Model() *Model {
	return mt.mdl
}

func (mt *ModelTables) Access() Access {
	return mt.access
}

// encodeRow produces the stored bytes of a row: version header at the
// model's current version, then the msgpack payload.
func (mdl *Model) encodeRow(rowVal reflect.Value) []byte {
	buf := appendVersionHeader(nil, mdl.latestVer)
	return encodeRowPayload(buf, rowVal)
}

// decodeRow turns stored bytes back into a *Row value, routing
// older-version bytes through the model's migration chain per ctx.
func (mdl *Model) decodeRow(data, keyRaw []byte, ctx DecodeContext) (reflect.Value, uint32, error) {
	hdr, payload, hasHdr := parseVersionHeader(data)

	if mdl.family != nil {
		row, err := mdl.family.decodeVersionedKeyed(data, ctx, keyRaw)
		if err != nil {
			return reflect.Value{}, hdr.Version, err
		}
		rowVal := reflect.ValueOf(row)
		if err := mdl.setRowKey(rowVal, keyRaw); err != nil {
			return reflect.Value{}, hdr.Version, err
		}
		ver := mdl.latestVer
		if hasHdr {
			ver = hdr.Version
		}
		return rowVal, ver, nil
	}

	if hasHdr && hdr.Version != mdl.latestVer {
		if hdr.Version > mdl.latestVer {
			return reflect.Value{}, hdr.Version, serialErrf(data, nil,
				"%s: stored version v%d is beyond current v%d", mdl.FullName(), hdr.Version, mdl.latestVer)
		}
		if ctx.Strict && !ctx.AutoMigrate {
			return reflect.Value{}, hdr.Version, serialErrf(data, nil,
				"%s: version mismatch: stored v%d, current v%d (no migration family)", mdl.FullName(), hdr.Version, mdl.latestVer)
		}
		// No family to migrate with: best-effort decode as current.
	}

	rowVal := reflect.New(mdl.rowType)
	if err := decodeRowPayload(payload, rowVal); err != nil {
		return reflect.Value{}, hdr.Version, err
	}
	if err := mdl.setRowKey(rowVal, keyRaw); err != nil {
		return reflect.Value{}, hdr.Version, err
	}
	return rowVal, hdr.Version, nil
}

// setRowKey overwrites the row's primary key field with the authoritative
// value decoded from the physical key, so payloads may omit the key entirely
// (msgpack:"-" on the first field).
func (mdl *Model) setRowKey(rowVal reflect.Value, keyRaw []byte) error {
	if keyRaw == nil {
		return nil
	}
	keyVal, err := mdl.keyCodec.decodeKey(keyRaw)
	if err != nil {
		return err
	}
	mdl.rowKeyVal(rowVal).Set(keyVal)
	return nil
}

// getRaw returns the stored bytes for a primary key, nil when absent.
func (tx *Tx) getRaw(mdl *Model, keyRaw []byte) []byte {
	tx.db.ReadCount.Add(1)
	return tx.table(mdl.mainTableName()).Get(keyRaw)
}

// derivedRowSet indexes a KeyBuilder's rows for set difference.
type derivedRowSet map[string]map[string]derivedRow // table -> entry key -> row

func (kb *KeyBuilder) rowSet() derivedRowSet {
	set := make(derivedRowSet)
	for _, dr := range kb.rows {
		m := set[dr.table]
		if m == nil {
			m = make(map[string]derivedRow)
			set[dr.table] = m
		}
		m[string(dr.keyRaw)] = dr
	}
	return set
}

// putDerived writes a row's derived entries, removing entries the previous
// version of the row contributed that the new one no longer does. oldKB is
// nil on fresh creates.
func (tx *Tx) putDerived(mdl *Model, keyRaw, valueRaw []byte, oldKB, newKB *KeyBuilder) error {
	newSet := newKB.rowSet()

	if oldKB != nil {
		for _, dr := range oldKB.rows {
			if _, kept := newSet[dr.table][string(dr.keyRaw)]; kept {
				continue
			}
			if err := tx.table(dr.table).Delete(dr.keyRaw); err != nil {
				return txErrf("delete index entry in "+dr.table, err)
			}
		}
	}

	for _, dr := range newKB.rows {
		t := tx.table(dr.table)
		if dr.unique {
			if existing := t.Get(dr.keyRaw); existing != nil && !bytes.Equal(existing, keyRaw) {
				return modelErrf(mdl, dr.table, dr.keyRaw, ErrAlreadyExists,
					"unique secondary key %q conflict", dr.sk.field)
			}
		}
		if err := t.Put(dr.keyRaw, dr.valueRaw); err != nil {
			return txErrf("put index entry in "+dr.table, err)
		}
	}

	// Subscription side effects: published topics track the content hash of
	// the stored bytes; unpublished topics drop the item.
	newTopics := make(map[*Topic]bool, len(newKB.topics))
	for _, tp := range newKB.topics {
		newTopics[tp] = true
	}
	if oldKB != nil {
		for _, tp := range oldKB.topics {
			if !newTopics[tp] {
				if err := tx.table(tp.tableName()).Delete(keyRaw); err != nil {
					return txErrf("delete subscription entry in "+tp.tableName(), err)
				}
			}
		}
	}
	if len(newTopics) > 0 {
		hash := ContentHash(valueRaw)
		for tp := range newTopics {
			if err := tx.table(tp.tableName()).Put(keyRaw, hash[:]); err != nil {
				return txErrf("put subscription entry in "+tp.tableName(), err)
			}
		}
	}
	return nil
}

// deleteDerived removes every derived entry whose lineage traces to keyRaw:
// index entries computed from the old row, all subscription entries, and
// all blob chunks.
func (tx *Tx) deleteDerived(mdl *Model, keyRaw []byte, oldKB *KeyBuilder) error {
	if oldKB != nil {
		for _, dr := range oldKB.rows {
			if err := tx.table(dr.table).Delete(dr.keyRaw); err != nil {
				return txErrf("delete index entry in "+dr.table, err)
			}
		}
	}
	// Topic entries are removed from every declared topic, not just the ones
	// the decoded old row published to, so stale entries from an earlier
	// Keys callback cannot linger.
	for _, tp := range mdl.topics {
		if err := tx.table(tp.tableName()).Delete(keyRaw); err != nil {
			return txErrf("delete subscription entry in "+tp.tableName(), err)
		}
	}
	for _, bf := range mdl.blobs {
		if err := tx.deleteBlobChunks(bf, keyRaw); err != nil {
			return err
		}
	}
	return nil
}

// oldKeyBuilder decodes the stored row and recomputes its derived entries.
// This read-before-write is what makes index diffing possible.
func (tx *Tx) oldKeyBuilder(mdl *Model, keyRaw, oldRaw []byte) (*KeyBuilder, error) {
	oldVal, _, err := mdl.decodeRow(oldRaw, keyRaw, tx.db.decodeCtx)
	if err != nil {
		return nil, modelErrf(mdl, "", keyRaw, err, "decoding old row for index diff")
	}
	kb := mdl.buildKeys(oldVal.Interface(), keyRaw)
	return &kb, nil
}

func loggableRow(mdl *Model, row any) any {
	if mdl.suppressContent {
		return "(content suppressed)"
	}
	return row
}
