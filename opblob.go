package nvdb

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/ulikunitz/xz"
)

// BlobChunkSize is the raw payload size blobs are split into.
const BlobChunkSize = 64 * 1024

// Blob chunk values carry a flag byte, an xxhash64 checksum of the raw
// chunk, then the (possibly compressed) bytes.
const (
	blobChunkRaw = 0x00
	blobChunkXZ  = 0x01

	blobChunkHeaderSize = 1 + 8
)

// PutBlob replaces a blob field's payload for the owning key, splitting it
// into numbered chunks. Chunks share the owning record's write grant and
// commit atomically with it.
func PutBlob(txh Txish, bf *BlobField, ownerKey any, data []byte) error {
	tx := txh.DBTx()
	mdl := bf.requireModel()
	if err := tx.requireWritable(mdl); err != nil {
		return err
	}
	keyRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(ownerKey))

	if err := tx.deleteBlobChunks(bf, keyRaw); err != nil {
		return err
	}

	t := tx.table(bf.tableName())
	var index uint32
	for off := 0; off < len(data); off += BlobChunkSize {
		end := off + BlobChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk, err := encodeBlobChunk(data[off:end], bf.compressed)
		if err != nil {
			return modelErrf(mdl, bf.tableName(), keyRaw, err, "encoding blob chunk %d", index)
		}
		if err := t.Put(blobChunkKey(keyRaw, index), chunk); err != nil {
			return txErrf("put blob chunk in "+bf.tableName(), err)
		}
		index++
	}

	tx.markWritten()
	tx.db.WriteCount.Add(1)
	if tx.isVerboseLoggingEnabled() {
		tx.db.logf("db: PUT_BLOB %s.%s/%v (%d bytes, %d chunks)", mdl.FullName(), bf.field, ownerKey, len(data), index)
	}
	return nil
}

// GetBlob reassembles a blob field's payload; (nil, nil) when no chunks
// exist.
func GetBlob(txh Txish, bf *BlobField, ownerKey any) ([]byte, error) {
	tx := txh.DBTx()
	mdl := bf.requireModel()
	if err := tx.requireReadable(mdl); err != nil {
		return nil, err
	}
	keyRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(ownerKey))

	var data []byte
	var found bool
	var next uint32

	c := tx.table(bf.tableName()).Cursor()
	defer c.Close()
	for k, v := c.Seek(keyRaw); k != nil; k, v = c.Next() {
		if !bytes.HasPrefix(k, keyRaw) {
			break
		}
		if len(k) != len(keyRaw)+4 {
			// A longer owner key sharing this prefix; its chunks interleave
			// with ours in byte order.
			continue
		}
		index := binary.BigEndian.Uint32(k[len(keyRaw):])
		if index != next {
			return nil, modelErrf(mdl, bf.tableName(), keyRaw, nil, "missing blob chunk %d", next)
		}
		chunk, err := decodeBlobChunk(v)
		if err != nil {
			return nil, modelErrf(mdl, bf.tableName(), keyRaw, err, "decoding blob chunk %d", index)
		}
		data = append(data, chunk...)
		found = true
		next++
	}
	tx.db.ReadCount.Add(1)
	if !found {
		return nil, nil
	}
	return data, nil
}

// DeleteBlob removes a blob field's chunks. Absent blobs are a no-op.
func DeleteBlob(txh Txish, bf *BlobField, ownerKey any) error {
	tx := txh.DBTx()
	mdl := bf.requireModel()
	if err := tx.requireWritable(mdl); err != nil {
		return err
	}
	keyRaw := mdl.keyCodec.encodeKey(reflect.ValueOf(ownerKey))
	tx.markWritten()
	return tx.deleteBlobChunks(bf, keyRaw)
}

func blobChunkKey(keyRaw []byte, index uint32) []byte {
	k := make([]byte, 0, len(keyRaw)+4)
	k = append(k, keyRaw...)
	return binary.BigEndian.AppendUint32(k, index)
}

func (tx *Tx) deleteBlobChunks(bf *BlobField, keyRaw []byte) error {
	t := tx.table(bf.tableName())

	var keys [][]byte
	c := t.Cursor()
	for k, _ := c.Seek(keyRaw); k != nil; k, _ = c.Next() {
		if !bytes.HasPrefix(k, keyRaw) {
			break
		}
		if len(k) != len(keyRaw)+4 {
			// Another owner's chunk; see GetBlob.
			continue
		}
		keys = append(keys, append([]byte(nil), k...))
	}
	c.Close()

	for _, k := range keys {
		if err := t.Delete(k); err != nil {
			return txErrf("delete blob chunk in "+bf.tableName(), err)
		}
	}
	return nil
}

// encodeBlobChunk frames a raw chunk, compressing it when that wins.
func encodeBlobChunk(raw []byte, compress bool) ([]byte, error) {
	sum := xxhash.Sum64(raw)

	payload := raw
	flag := byte(blobChunkRaw)
	if compress {
		var cbuf bytes.Buffer
		w, err := xz.NewWriter(&cbuf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		if cbuf.Len() < len(raw) {
			payload = cbuf.Bytes()
			flag = blobChunkXZ
		}
	}

	out := make([]byte, 0, blobChunkHeaderSize+len(payload))
	out = append(out, flag)
	out = binary.BigEndian.AppendUint64(out, sum)
	return append(out, payload...), nil
}

// decodeBlobChunk unframes a chunk and verifies its checksum.
func decodeBlobChunk(data []byte) ([]byte, error) {
	if len(data) < blobChunkHeaderSize {
		return nil, serialErrf(data, nil, "blob chunk too short")
	}
	flag := data[0]
	sum := binary.BigEndian.Uint64(data[1:9])
	payload := data[blobChunkHeaderSize:]

	var raw []byte
	switch flag {
	case blobChunkRaw:
		raw = append([]byte(nil), payload...)
	case blobChunkXZ:
		r, err := xz.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, serialErrf(data, err, "corrupted xz blob chunk")
		}
		raw, err = io.ReadAll(r)
		if err != nil {
			return nil, serialErrf(data, err, "corrupted xz blob chunk")
		}
	default:
		return nil, serialErrf(data, nil, "unknown blob chunk flag %#x", flag)
	}

	if got := xxhash.Sum64(raw); got != sum {
		return nil, serialErrf(data, nil, "blob chunk checksum mismatch: stored %016x, computed %016x", sum, got)
	}
	return raw, nil
}
