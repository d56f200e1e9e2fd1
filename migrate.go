package nvdb

import (
	"fmt"
	"reflect"
)

// Family is the migration chain of one model: an ordered sequence of
// versions V1..Vn where the highest version is the one accepting new writes.
// Each non-terminal version needs an upgrade transform to its successor;
// downgrade transforms are opt-in and only required for EncodeForVersion.
type Family struct {
	name     string
	versions []*familyVersion
	sealed   bool
}

type familyVersion struct {
	num uint32
	typ reflect.Type

	// up transforms a *Vi into a *Vi+1; nil on the terminal version.
	up func(old any) (any, error)
	// down transforms a *Vi+1 back into a *Vi; nil unless downgrade is
	// supported for this edge.
	down func(cur any) (any, error)
}

func NewFamily(name string) *Family {
	return &Family{name: name}
}

func (fam *Family) Name() string {
	return fam.name
}

// CurrentVersion is the terminal version number, the one new writes use.
func (fam *Family) CurrentVersion() uint32 {
	if len(fam.versions) == 0 {
		panic(fmt.Errorf("family %s has no versions", fam.name))
	}
	return fam.versions[len(fam.versions)-1].num
}

func (fam *Family) currentType() reflect.Type {
	return fam.versions[len(fam.versions)-1].typ
}

func (fam *Family) versionNumbered(num uint32) *familyVersion {
	if num == 0 || int(num) > len(fam.versions) {
		return nil
	}
	return fam.versions[num-1]
}

func (fam *Family) versionOfType(typ reflect.Type) *familyVersion {
	for _, v := range fam.versions {
		if v.typ == typ {
			return v
		}
	}
	return nil
}

// AddVersion registers the struct type of version ver. Versions must be
// added in order starting from 1, with no gaps.
func AddVersion[Row any](fam *Family, ver uint32) {
	if fam.sealed {
		panic(fmt.Errorf("family %s is already bound to a model", fam.name))
	}
	typ := reflect.TypeOf((*Row)(nil)).Elem()
	if typ.Kind() != reflect.Struct {
		panic(fmt.Errorf("family %s v%d: version type must be a struct, got %v", fam.name, ver, typ))
	}
	if want := uint32(len(fam.versions) + 1); ver != want {
		panic(fmt.Errorf("family %s: versions must be consecutive, expected v%d, got v%d", fam.name, want, ver))
	}
	if fam.versionOfType(typ) != nil {
		panic(fmt.Errorf("family %s: type %v already registered", fam.name, typ))
	}
	fam.versions = append(fam.versions, &familyVersion{num: ver, typ: typ})
}

// AddMigration registers the upgrade transform between two consecutive
// registered versions.
func AddMigration[From, To any](fam *Family, f func(*From) (*To, error)) {
	from := fam.versionOfType(reflect.TypeOf((*From)(nil)).Elem())
	to := fam.versionOfType(reflect.TypeOf((*To)(nil)).Elem())
	if from == nil || to == nil {
		panic(fmt.Errorf("family %s: AddMigration on unregistered version types", fam.name))
	}
	if to.num != from.num+1 {
		panic(fmt.Errorf("family %s: migration must go v%d -> v%d, got v%d", fam.name, from.num, from.num+1, to.num))
	}
	if from.up != nil {
		panic(fmt.Errorf("family %s: duplicate migration from v%d", fam.name, from.num))
	}
	from.up = func(old any) (any, error) {
		return f(old.(*From))
	}
}

// AddDowngrade registers the optional downgrade transform between two
// consecutive registered versions, enabling EncodeForVersion across this
// edge.
func AddDowngrade[From, To any](fam *Family, f func(*To) (*From, error)) {
	from := fam.versionOfType(reflect.TypeOf((*From)(nil)).Elem())
	to := fam.versionOfType(reflect.TypeOf((*To)(nil)).Elem())
	if from == nil || to == nil {
		panic(fmt.Errorf("family %s: AddDowngrade on unregistered version types", fam.name))
	}
	if to.num != from.num+1 {
		panic(fmt.Errorf("family %s: downgrade must go v%d -> v%d", fam.name, from.num+1, from.num))
	}
	if from.down != nil {
		panic(fmt.Errorf("family %s: duplicate downgrade to v%d", fam.name, from.num))
	}
	from.down = func(cur any) (any, error) {
		return f(cur.(*To))
	}
}

func (fam *Family) seal(modelType reflect.Type) {
	if len(fam.versions) == 0 {
		panic(fmt.Errorf("family %s has no versions", fam.name))
	}
	if ct := fam.currentType(); ct != modelType {
		panic(fmt.Errorf("family %s: current version type is %v, model row type is %v", fam.name, ct, modelType))
	}
	for _, v := range fam.versions[:len(fam.versions)-1] {
		if v.up == nil {
			panic(fmt.Errorf("family %s: missing migration from v%d", fam.name, v.num))
		}
	}
	fam.sealed = true
}

// MigrateBytes decodes data as the srcVer type and applies the upgrade
// chain up to the current version, returning a pointer to the current
// version's struct. Migrating from a version beyond the current one fails.
func (fam *Family) MigrateBytes(srcVer uint32, data []byte, recordKey []byte) (any, error) {
	cur := fam.CurrentVersion()
	if srcVer > cur {
		return nil, &MigrationError{
			Family:    fam.name,
			RecordKey: recordKey,
			AtVersion: srcVer,
			Err:       fmt.Errorf("stored version v%d is beyond current v%d", srcVer, cur),
		}
	}
	src := fam.versionNumbered(srcVer)
	if src == nil {
		return nil, &MigrationError{
			Family:    fam.name,
			RecordKey: recordKey,
			AtVersion: srcVer,
			Err:       fmt.Errorf("unknown version v%d", srcVer),
		}
	}

	ptr := reflect.New(src.typ)
	if err := decodeRowPayload(data, ptr); err != nil {
		return nil, &MigrationError{Family: fam.name, RecordKey: recordKey, AtVersion: srcVer, Err: err}
	}

	row := ptr.Interface()
	for v := src; v.num < cur; v = fam.versionNumbered(v.num + 1) {
		next, err := v.up(row)
		if err != nil {
			return nil, &MigrationError{Family: fam.name, RecordKey: recordKey, AtVersion: v.num, Err: err}
		}
		row = next
	}
	return row, nil
}

// EncodeVersioned encodes row (a pointer to the current version's struct)
// with the current version header.
func (fam *Family) EncodeVersioned(row any) []byte {
	rv := reflect.ValueOf(row)
	if rv.Kind() != reflect.Ptr || rv.Elem().Type() != fam.currentType() {
		panic(fmt.Errorf("family %s: EncodeVersioned wants *%v, got %T", fam.name, fam.currentType(), row))
	}
	buf := appendVersionHeader(nil, fam.CurrentVersion())
	return encodeRowPayload(buf, rv)
}

// EncodeForVersion encodes row at an older version by walking the downgrade
// chain. It returns ok=false if any edge on the path lacks a downgrade
// transform (downgrade is opt-in).
func (fam *Family) EncodeForVersion(row any, ver uint32) ([]byte, bool, error) {
	cur := fam.CurrentVersion()
	if ver == cur {
		return fam.EncodeVersioned(row), true, nil
	}
	if ver == 0 || ver > cur {
		return nil, false, nil
	}
	for v := cur - 1; v >= ver; v-- {
		if fam.versionNumbered(v).down == nil {
			return nil, false, nil
		}
	}
	var err error
	for v := cur - 1; v >= ver; v-- {
		row, err = fam.versionNumbered(v).down(row)
		if err != nil {
			return nil, true, &MigrationError{Family: fam.name, AtVersion: v, Err: err}
		}
	}
	buf := appendVersionHeader(nil, ver)
	return encodeRowPayload(buf, reflect.ValueOf(row)), true, nil
}

// DecodeVersioned decodes stored bytes into a pointer to the current
// version's struct, honoring the version header and ctx. Legacy payloads
// without a header decode directly as the current version.
func (fam *Family) DecodeVersioned(data []byte, ctx DecodeContext) (any, error) {
	return fam.decodeVersionedKeyed(data, ctx, nil)
}

func (fam *Family) decodeVersionedKeyed(data []byte, ctx DecodeContext, recordKey []byte) (any, error) {
	hdr, payload, ok := parseVersionHeader(data)
	cur := fam.CurrentVersion()
	if ok && hdr.Version != cur {
		if hdr.Version > cur {
			return nil, &MigrationError{
				Family:    fam.name,
				RecordKey: recordKey,
				AtVersion: hdr.Version,
				Err:       fmt.Errorf("stored version v%d is beyond current v%d", hdr.Version, cur),
			}
		}
		if ctx.AutoMigrate {
			return fam.MigrateBytes(hdr.Version, payload, recordKey)
		}
		if ctx.Strict {
			return nil, serialErrf(data, nil, "%s: version mismatch: stored v%d, current v%d", fam.name, hdr.Version, cur)
		}
		// Lenient fallback: best-effort decode of older bytes as the current
		// version. May silently misread incompatible schema changes.
	}
	ptr := reflect.New(fam.currentType())
	if err := decodeRowPayload(payload, ptr); err != nil {
		return nil, err
	}
	return ptr.Interface(), nil
}
