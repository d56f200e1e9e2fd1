package nvdb

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeRowPayload encodes a row struct as msgpack with sorted map keys, so
// that byte-identical payloads mean identical rows (content hashes depend on
// this).
func encodeRowPayload(buf []byte, rowVal reflect.Value) []byte {
	bb := bytes.NewBuffer(buf)
	enc := msgpack.GetEncoder()
	enc.Reset(bb)
	enc.SetSortMapKeys(true)
	err := enc.EncodeValue(rowVal)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %v using msgpack: %w", rowVal.Type(), err))
	}
	return bb.Bytes()
}

func decodeRowPayload(data []byte, rowPtrVal reflect.Value) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.DecodeValue(rowPtrVal)
	msgpack.PutDecoder(dec)
	if err != nil {
		return serialErrf(data, err, "failed to decode msgpack into %v", rowPtrVal.Type())
	}
	return nil
}
