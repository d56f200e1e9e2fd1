package nvdb

import (
	"encoding/binary"
	"fmt"
	"reflect"
)

// keyCodec is the fixed binary encoding for primary, secondary and
// relational key values.
//
// Fixed-width values (integers, bools, byte arrays) encode as raw
// order-preserving bytes: unsigned integers big-endian, signed integers
// big-endian with the sign bit flipped. Variable-width values (strings, byte
// slices) encode raw when they occupy the terminal position of a key, and
// uvarint length-prefixed when composed with a suffix, so that "a" can never
// collide with "ab" inside an index entry. Struct keys concatenate their
// fields, every variable-width field length-prefixed.
type keyCodec struct {
	typ   reflect.Type
	kind  keyKind
	width int // fixed byte width, 0 for variable

	fields []*keyCodec // struct keys
}

type keyKind int

const (
	keyUint keyKind = iota
	keyInt
	keyBool
	keyString
	keyBytes
	keyByteArray
	keyStruct
)

func keyCodecOf(typ reflect.Type) *keyCodec {
	c := &keyCodec{typ: typ}
	switch typ.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		c.kind, c.width = keyUint, 8
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		c.kind, c.width = keyInt, 8
	case reflect.Bool:
		c.kind, c.width = keyBool, 1
	case reflect.String:
		c.kind = keyString
	case reflect.Slice:
		if typ.Elem().Kind() != reflect.Uint8 {
			panic(fmt.Errorf("unsupported key type %v: only byte slices allowed", typ))
		}
		c.kind = keyBytes
	case reflect.Array:
		if typ.Elem().Kind() != reflect.Uint8 {
			panic(fmt.Errorf("unsupported key type %v: only byte arrays allowed", typ))
		}
		c.kind, c.width = keyByteArray, typ.Len()
	case reflect.Struct:
		c.kind = keyStruct
		c.width = 0
		fixed := true
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			if !f.IsExported() {
				panic(fmt.Errorf("key struct %v has unexported field %s", typ, f.Name))
			}
			fc := keyCodecOf(f.Type)
			c.fields = append(c.fields, fc)
			if fc.width == 0 {
				fixed = false
			} else {
				c.width += fc.width
			}
		}
		if !fixed {
			c.width = 0
		}
	default:
		panic(fmt.Errorf("unsupported key type %v", typ))
	}
	return c
}

// encode appends the terminal encoding of v.
func (c *keyCodec) encode(buf []byte, v reflect.Value) []byte {
	switch c.kind {
	case keyUint:
		return binary.BigEndian.AppendUint64(buf, v.Uint())
	case keyInt:
		return binary.BigEndian.AppendUint64(buf, uint64(v.Int())^(1<<63))
	case keyBool:
		if v.Bool() {
			return append(buf, 1)
		}
		return append(buf, 0)
	case keyString:
		return append(buf, v.String()...)
	case keyBytes:
		return append(buf, v.Bytes()...)
	case keyByteArray:
		for i := 0; i < c.width; i++ {
			buf = append(buf, byte(v.Index(i).Uint()))
		}
		return buf
	case keyStruct:
		for i, fc := range c.fields {
			buf = fc.compose(buf, v.Field(i))
		}
		return buf
	default:
		panic("unreachable")
	}
}

// compose appends the composable (self-delimiting) encoding of v, used when
// more bytes follow in the same physical key.
func (c *keyCodec) compose(buf []byte, v reflect.Value) []byte {
	if c.width > 0 {
		return c.encode(buf, v)
	}
	switch c.kind {
	case keyString:
		buf = binary.AppendUvarint(buf, uint64(v.Len()))
		return append(buf, v.String()...)
	case keyBytes:
		buf = binary.AppendUvarint(buf, uint64(v.Len()))
		return append(buf, v.Bytes()...)
	case keyStruct:
		for i, fc := range c.fields {
			buf = fc.compose(buf, v.Field(i))
		}
		return buf
	default:
		panic("unreachable")
	}
}

// decode parses the terminal encoding into ptr (a pointer value).
func (c *keyCodec) decode(data []byte, ptr reflect.Value) error {
	rem, err := c.decodeInto(data, ptr.Elem(), true)
	if err != nil {
		return err
	}
	if len(rem) != 0 {
		return serialErrf(data, nil, "%d trailing bytes after %v key", len(rem), c.typ)
	}
	return nil
}

func (c *keyCodec) decodeInto(data []byte, v reflect.Value, terminal bool) ([]byte, error) {
	switch c.kind {
	case keyUint:
		if len(data) < 8 {
			return nil, serialErrf(data, nil, "short %v key", c.typ)
		}
		v.SetUint(binary.BigEndian.Uint64(data))
		return data[8:], nil
	case keyInt:
		if len(data) < 8 {
			return nil, serialErrf(data, nil, "short %v key", c.typ)
		}
		v.SetInt(int64(binary.BigEndian.Uint64(data) ^ (1 << 63)))
		return data[8:], nil
	case keyBool:
		if len(data) < 1 {
			return nil, serialErrf(data, nil, "short %v key", c.typ)
		}
		v.SetBool(data[0] != 0)
		return data[1:], nil
	case keyString:
		if terminal {
			v.SetString(string(data))
			return nil, nil
		}
		n, sz := binary.Uvarint(data)
		if sz <= 0 || uint64(len(data)-sz) < n {
			return nil, serialErrf(data, nil, "bad length prefix in %v key", c.typ)
		}
		v.SetString(string(data[sz : sz+int(n)]))
		return data[sz+int(n):], nil
	case keyBytes:
		if terminal {
			v.SetBytes(append([]byte(nil), data...))
			return nil, nil
		}
		n, sz := binary.Uvarint(data)
		if sz <= 0 || uint64(len(data)-sz) < n {
			return nil, serialErrf(data, nil, "bad length prefix in %v key", c.typ)
		}
		v.SetBytes(append([]byte(nil), data[sz:sz+int(n)]...))
		return data[sz+int(n):], nil
	case keyByteArray:
		if len(data) < c.width {
			return nil, serialErrf(data, nil, "short %v key", c.typ)
		}
		reflect.Copy(v, reflect.ValueOf(data[:c.width]))
		return data[c.width:], nil
	case keyStruct:
		var err error
		for i, fc := range c.fields {
			data, err = fc.decodeInto(data, v.Field(i), false)
			if err != nil {
				return nil, err
			}
		}
		return data, nil
	default:
		panic("unreachable")
	}
}

// encodeKey is the terminal encoding of an arbitrary typed key value.
func (c *keyCodec) encodeKey(key reflect.Value) []byte {
	if key.Type() != c.typ {
		if key.CanConvert(c.typ) {
			key = key.Convert(c.typ)
		} else {
			panic(fmt.Errorf("key must be %v, got %v %v", c.typ, key.Type(), key.Interface()))
		}
	}
	return c.encode(nil, key)
}

// decodeKey is the inverse of encodeKey.
func (c *keyCodec) decodeKey(raw []byte) (reflect.Value, error) {
	ptr := reflect.New(c.typ)
	if err := c.decode(raw, ptr); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}
