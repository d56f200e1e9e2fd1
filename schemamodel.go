package nvdb

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
)

// Model describes one record type: its primary key (the first struct
// field), secondary keys, relational keys, subscription topics and blob
// fields, plus the migration family its stored bytes belong to.
type Model struct {
	def        *Definition
	name       string
	rowType    reflect.Type
	rowTypePtr reflect.Type
	keyField   reflect.StructField
	keyCodec   *keyCodec

	family    *Family
	latestVer uint32

	secondary       []*SecondaryKey
	secondaryByName map[string]*SecondaryKey
	relations       []*Relation
	relationsByName map[string]*Relation
	topics          []*Topic
	topicsByName    map[string]*Topic
	blobs           []*BlobField
	blobsByName     map[string]*BlobField

	keysFn func(row any, kb *KeyBuilder)

	suppressContent bool
}

type ModelBuilder[Row any] struct {
	mdl *Model
}

// DefineModel registers a model in a definition. The primary key is the
// first field of Row.
func DefineModel[Row any](def *Definition, name string, f func(b *ModelBuilder[Row])) *Model {
	rowPtrType := reflect.TypeOf((**Row)(nil)).Elem()
	rowType := rowPtrType.Elem()
	if rowType.Kind() != reflect.Struct {
		panic(fmt.Sprintf("DefineModel(%s): Row must be a struct", name))
	}
	if rowType.NumField() == 0 {
		panic(fmt.Sprintf("DefineModel(%s): Row is an empty struct", name))
	}
	keyField := rowType.Field(0)
	if !keyField.IsExported() {
		panic(fmt.Sprintf("DefineModel(%s): primary key field %s must be exported", name, keyField.Name))
	}

	mdl := &Model{
		def:             def,
		name:            name,
		rowType:         rowType,
		rowTypePtr:      rowPtrType,
		keyField:        keyField,
		keyCodec:        keyCodecOf(keyField.Type),
		latestVer:       1,
		secondaryByName: make(map[string]*SecondaryKey),
		relationsByName: make(map[string]*Relation),
		topicsByName:    make(map[string]*Topic),
		blobsByName:     make(map[string]*BlobField),
	}
	def.addModel(mdl)

	if f != nil {
		b := ModelBuilder[Row]{mdl: mdl}
		f(&b)
	}
	return mdl
}

func (mdl *Model) Name() string {
	return mdl.name
}

func (mdl *Model) Definition() *Definition {
	return mdl.def
}

func (mdl *Model) FullName() string {
	return mdl.def.name + "." + mdl.name
}

func (mdl *Model) KeyType() reflect.Type {
	return mdl.keyField.Type
}

// CurrentVersion is the schema version new writes are encoded at.
func (mdl *Model) CurrentVersion() uint32 {
	return mdl.latestVer
}

func (mdl *Model) SecondaryKeyNamed(field string) *SecondaryKey {
	return mdl.secondaryByName[field]
}

func (mdl *Model) RelationNamed(field string) *Relation {
	return mdl.relationsByName[field]
}

func (mdl *Model) TopicNamed(name string) *Topic {
	return mdl.topicsByName[name]
}

func (mdl *Model) BlobNamed(field string) *BlobField {
	return mdl.blobsByName[field]
}

// Table naming scheme, reproduced exactly for on-disk compatibility.

func (mdl *Model) mainTableName() string {
	return mdl.def.name + ":" + mdl.name + ":Primary:Main"
}

// tableNames lists every physical table the model requires.
func (mdl *Model) tableNames() []string {
	names := []string{mdl.mainTableName()}
	for _, sk := range mdl.secondary {
		names = append(names, sk.tableName())
	}
	for _, rel := range mdl.relations {
		names = append(names, rel.tableName())
	}
	for _, tp := range mdl.topics {
		names = append(names, tp.tableName())
	}
	for _, bf := range mdl.blobs {
		names = append(names, bf.tableName())
	}
	return names
}

func (mdl *Model) rowKeyVal(rowVal reflect.Value) reflect.Value {
	return rowVal.Elem().FieldByIndex(mdl.keyField.Index)
}

func (mdl *Model) encodeRowKey(rowVal reflect.Value) []byte {
	return mdl.keyCodec.encodeKey(mdl.rowKeyVal(rowVal))
}

func (b *ModelBuilder[Row]) Family(fam *Family) {
	fam.seal(b.mdl.rowType)
	b.mdl.family = fam
	b.mdl.latestVer = fam.CurrentVersion()
}

func (b *ModelBuilder[Row]) Index(sk *SecondaryKey) {
	mdl := b.mdl
	if sk.model != nil {
		panic(fmt.Errorf("secondary key %q already attached to %s", sk.field, sk.model.FullName()))
	}
	if mdl.secondaryByName[sk.field] != nil {
		panic(fmt.Errorf("%s already has secondary key %q", mdl.FullName(), sk.field))
	}
	sk.model = mdl
	mdl.secondary = append(mdl.secondary, sk)
	mdl.secondaryByName[sk.field] = sk
}

func (b *ModelBuilder[Row]) Relation(rel *Relation) {
	mdl := b.mdl
	if rel.model != nil {
		panic(fmt.Errorf("relation %q already attached to %s", rel.field, rel.model.FullName()))
	}
	if mdl.relationsByName[rel.field] != nil {
		panic(fmt.Errorf("%s already has relation %q", mdl.FullName(), rel.field))
	}
	rel.model = mdl
	mdl.relations = append(mdl.relations, rel)
	mdl.relationsByName[rel.field] = rel
}

func (b *ModelBuilder[Row]) Topic(tp *Topic) {
	mdl := b.mdl
	if tp.model != nil {
		panic(fmt.Errorf("topic %q already attached to %s", tp.name, tp.model.FullName()))
	}
	if mdl.topicsByName[tp.name] != nil {
		panic(fmt.Errorf("%s already has topic %q", mdl.FullName(), tp.name))
	}
	tp.model = mdl
	mdl.topics = append(mdl.topics, tp)
	mdl.topicsByName[tp.name] = tp
}

func (b *ModelBuilder[Row]) Blob(bf *BlobField) {
	mdl := b.mdl
	if bf.model != nil {
		panic(fmt.Errorf("blob %q already attached to %s", bf.field, bf.model.FullName()))
	}
	if mdl.blobsByName[bf.field] != nil {
		panic(fmt.Errorf("%s already has blob %q", mdl.FullName(), bf.field))
	}
	bf.model = mdl
	mdl.blobs = append(mdl.blobs, bf)
	mdl.blobsByName[bf.field] = bf
}

// Keys sets the callback deriving secondary entries, relational entries and
// topic publications from a row. It runs on every write and on the read
// side of index diffing.
func (b *ModelBuilder[Row]) Keys(f func(row *Row, kb *KeyBuilder)) {
	b.mdl.keysFn = func(row any, kb *KeyBuilder) {
		f(row.(*Row), kb)
	}
}

func (b *ModelBuilder[Row]) SuppressContentWhenLogging() {
	b.mdl.suppressContent = true
}

// SecondaryKey is a derived, indexed, non-unique-by-default field.
type SecondaryKey struct {
	model  *Model
	field  string
	codec  *keyCodec
	unique bool
}

func NewSecondaryKey[V any](field string) *SecondaryKey {
	return &SecondaryKey{
		field: field,
		codec: keyCodecOf(reflect.TypeOf((*V)(nil)).Elem()),
	}
}

func (sk *SecondaryKey) Unique() *SecondaryKey {
	sk.unique = true
	return sk
}

func (sk *SecondaryKey) FieldName() string {
	return sk.field
}

func (sk *SecondaryKey) requireModel() *Model {
	if sk.model == nil {
		panic(fmt.Errorf("secondary key %q was not attached to a model", sk.field))
	}
	return sk.model
}

func (sk *SecondaryKey) tableName() string {
	mdl := sk.requireModel()
	return mdl.def.name + ":" + mdl.name + ":Secondary:" + sk.field
}

// Relation is a field holding a foreign reference to another model's
// primary key, optionally across definitions, gated by a required access
// level.
type Relation struct {
	model    *Model // owning model
	field    string
	target   *Model
	required Access
	codec    *keyCodec // target primary key type
}

func NewRelation[K any](field string) *Relation {
	return &Relation{
		field:    field,
		required: AccessRead,
		codec:    keyCodecOf(reflect.TypeOf((*K)(nil)).Elem()),
	}
}

// Target binds the relation to the model it references. May be called after
// the target model is defined; validated at Open.
func (rel *Relation) Target(mdl *Model) *Relation {
	rel.target = mdl
	return rel
}

// Require sets the access a caller must supply to resolve or mutate through
// this relation.
func (rel *Relation) Require(a Access) *Relation {
	rel.required = a
	return rel
}

func (rel *Relation) FieldName() string {
	return rel.field
}

func (rel *Relation) TargetModel() *Model {
	return rel.target
}

func (rel *Relation) RequiredAccess() Access {
	return rel.required
}

func (rel *Relation) requireModel() *Model {
	if rel.model == nil {
		panic(fmt.Errorf("relation %q was not attached to a model", rel.field))
	}
	return rel.model
}

func (rel *Relation) tableName() string {
	mdl := rel.requireModel()
	return mdl.def.name + ":" + mdl.name + ":Relational:" + rel.field
}

// Topic is a named channel tracking a subset of a model's records for
// merkle-based synchronization.
type Topic struct {
	model *Model
	name  string
}

func NewTopic(name string) *Topic {
	return &Topic{name: name}
}

func (tp *Topic) Name() string {
	return tp.name
}

func (tp *Topic) requireModel() *Model {
	if tp.model == nil {
		panic(fmt.Errorf("topic %q was not attached to a model", tp.name))
	}
	return tp.model
}

func (tp *Topic) tableName() string {
	mdl := tp.requireModel()
	return mdl.def.name + ":Subscription:" + mdl.name + ":" + tp.name
}

// BlobField is a large binary payload stored as numbered chunks alongside
// the owning record.
type BlobField struct {
	model      *Model
	field      string
	compressed bool
}

func NewBlobField(field string) *BlobField {
	return &BlobField{field: field}
}

// Compressed stores chunks xz-compressed when that wins over raw bytes.
func (bf *BlobField) Compressed() *BlobField {
	bf.compressed = true
	return bf
}

func (bf *BlobField) FieldName() string {
	return bf.field
}

func (bf *BlobField) requireModel() *Model {
	if bf.model == nil {
		panic(fmt.Errorf("blob %q was not attached to a model", bf.field))
	}
	return bf.model
}

func (bf *BlobField) tableName() string {
	mdl := bf.requireModel()
	return mdl.def.name + ":" + mdl.name + ":Blob:" + bf.field
}

// KeyBuilder collects the derived table entries one row contributes. The
// model's Keys callback fills it; the CRUD engine diffs old vs new entry
// sets to keep every index table in lockstep with the main table.
type KeyBuilder struct {
	mdl        *Model
	primaryRaw []byte
	rows       []derivedRow
	topics     []*Topic
}

type derivedRow struct {
	table    string
	keyRaw   []byte
	valueRaw []byte
	unique   bool
	sk       *SecondaryKey
}

func makeKeyBuilder(mdl *Model, primaryRaw []byte) KeyBuilder {
	return KeyBuilder{mdl: mdl, primaryRaw: primaryRaw}
}

// Secondary adds an index entry mapping value to the row's primary key.
// Non-unique entries compose the value with the primary key inside the
// entry key; unique entries keep the value alone as the key and store the
// primary key as the entry value.
func (kb *KeyBuilder) Secondary(sk *SecondaryKey, value any) {
	if sk.model != kb.mdl {
		panic(fmt.Errorf("secondary key %q does not belong to %s", sk.field, kb.mdl.FullName()))
	}
	valueVal := reflect.ValueOf(value)
	if at, et := valueVal.Type(), sk.codec.typ; at != et {
		panic(fmt.Errorf("%s.%s: index value type %v, expected %v", kb.mdl.FullName(), sk.field, at, et))
	}
	if sk.unique {
		kb.rows = append(kb.rows, derivedRow{
			table:    sk.tableName(),
			keyRaw:   sk.codec.compose(nil, valueVal),
			valueRaw: kb.primaryRaw,
			unique:   true,
			sk:       sk,
		})
	} else {
		keyRaw := sk.codec.compose(nil, valueVal)
		keyRaw = append(keyRaw, kb.primaryRaw...)
		kb.rows = append(kb.rows, derivedRow{table: sk.tableName(), keyRaw: keyRaw, sk: sk})
	}
}

// Relation adds a relational index entry mapping the target's primary key
// to this row's primary key. Only the target key is persisted; the target
// record is never embedded.
func (kb *KeyBuilder) Relation(rel *Relation, targetKey any) {
	if rel.model != kb.mdl {
		panic(fmt.Errorf("relation %q does not belong to %s", rel.field, kb.mdl.FullName()))
	}
	keyVal := reflect.ValueOf(targetKey)
	if at, et := keyVal.Type(), rel.codec.typ; at != et {
		panic(fmt.Errorf("%s.%s: relation key type %v, expected %v", kb.mdl.FullName(), rel.field, at, et))
	}
	keyRaw := rel.codec.compose(nil, keyVal)
	keyRaw = append(keyRaw, kb.primaryRaw...)
	kb.rows = append(kb.rows, derivedRow{table: rel.tableName(), keyRaw: keyRaw})
}

// RelationLink is a convenience form of Relation for rows carrying Link
// fields.
func (kb *KeyBuilder) RelationLink(rel *Relation, key any) {
	kb.Relation(rel, key)
}

// Publish tracks this row in a topic's subscription table.
func (kb *KeyBuilder) Publish(tp *Topic) {
	if tp.model != kb.mdl {
		panic(fmt.Errorf("topic %q does not belong to %s", tp.name, kb.mdl.FullName()))
	}
	kb.topics = append(kb.topics, tp)
}

func (kb *KeyBuilder) finalize() {
	sort.Slice(kb.rows, func(i, j int) bool {
		if kb.rows[i].table != kb.rows[j].table {
			return kb.rows[i].table < kb.rows[j].table
		}
		return bytes.Compare(kb.rows[i].keyRaw, kb.rows[j].keyRaw) < 0
	})
}

// buildKeys runs the model's Keys callback for a row.
func (mdl *Model) buildKeys(row any, primaryRaw []byte) KeyBuilder {
	kb := makeKeyBuilder(mdl, primaryRaw)
	if mdl.keysFn != nil {
		mdl.keysFn(row, &kb)
		kb.finalize()
	}
	return kb
}
