package nvdb

import (
	"bytes"
	"math/rand"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobRoundtrip(t *testing.T) {
	db := setup(t, testSchema)

	// Incompressible payload spanning three chunks.
	data := make([]byte, BlobChunkSize*2+1000)
	rnd := rand.New(rand.NewSource(1))
	rnd.Read(data)

	db.Write(func(tx *Tx) {
		require.NoError(t, Create(tx, &Attachment{ID: 1, Name: "report"}))
		require.NoError(t, PutBlob(tx, attachmentData, uint64(1), data))
	})

	db.Read(func(tx *Tx) {
		got, err := GetBlob(tx, attachmentData, uint64(1))
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, data))

		absent, err := GetBlob(tx, attachmentData, uint64(2))
		require.NoError(t, err)
		require.Nil(t, absent)
	})

	// Overwriting shrinks the chunk set; no stale tail chunks remain.
	short := data[:100]
	db.Write(func(tx *Tx) {
		require.NoError(t, PutBlob(tx, attachmentData, uint64(1), short))
	})
	db.Read(func(tx *Tx) {
		got, err := GetBlob(tx, attachmentData, uint64(1))
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, short))
		require.Equal(t, 1, tx.table(attachmentData.tableName()).KeyCount())
	})
}

func TestBlobCompression(t *testing.T) {
	db := setup(t, testSchema)

	// Highly repetitive payload compresses well below a chunk.
	data := bytes.Repeat([]byte("all work and no play "), 8000)

	db.Write(func(tx *Tx) {
		require.NoError(t, PutBlob(tx, attachmentData, uint64(1), data))
	})
	db.Read(func(tx *Tx) {
		got, err := GetBlob(tx, attachmentData, uint64(1))
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, data))

		// The stored chunk must actually be smaller than the raw chunk.
		key := blobChunkKey(attachmentsModel.keyCodec.encodeKey(reflect.ValueOf(uint64(1))), 0)
		stored := tx.table(attachmentData.tableName()).Get(key)
		require.NotNil(t, stored)
		require.Less(t, len(stored), BlobChunkSize)
		require.Equal(t, byte(blobChunkXZ), stored[0])
	})
}

func TestBlobDelete(t *testing.T) {
	db := setup(t, testSchema)
	data := bytes.Repeat([]byte{0xAB}, BlobChunkSize+5)

	db.Write(func(tx *Tx) {
		require.NoError(t, PutBlob(tx, attachmentData, uint64(1), data))
		require.NoError(t, DeleteBlob(tx, attachmentData, uint64(1)))
		got, err := GetBlob(tx, attachmentData, uint64(1))
		require.NoError(t, err)
		require.Nil(t, got)

		// Deleting an absent blob is a no-op.
		require.NoError(t, DeleteBlob(tx, attachmentData, uint64(1)))
	})
}

func TestBlobDeletedWithOwnerRow(t *testing.T) {
	db := setup(t, testSchema)

	db.Write(func(tx *Tx) {
		require.NoError(t, Create(tx, &Attachment{ID: 1, Name: "report"}))
		require.NoError(t, PutBlob(tx, attachmentData, uint64(1), []byte("payload")))
	})
	db.Write(func(tx *Tx) {
		require.NoError(t, Delete[Attachment](tx, uint64(1)))
	})
	db.Read(func(tx *Tx) {
		got, err := GetBlob(tx, attachmentData, uint64(1))
		require.NoError(t, err)
		require.Nil(t, got)
	})
}

func TestBlobOwnersWithOverlappingKeys(t *testing.T) {
	db := setup(t, testSchema)

	// Device serials are raw variable-width keys, so "a\x00"'s chunk keys
	// sort between "a"'s chunk 0 and chunk 1.
	long := make([]byte, BlobChunkSize+100)
	rnd := rand.New(rand.NewSource(2))
	rnd.Read(long)
	tiny := []byte("tail")

	db.Write(func(tx *Tx) {
		require.NoError(t, PutBlob(tx, deviceDump, "a", long))
		require.NoError(t, PutBlob(tx, deviceDump, "a\x00", tiny))
	})

	db.Read(func(tx *Tx) {
		got, err := GetBlob(tx, deviceDump, "a")
		require.NoError(t, err)
		require.True(t, bytes.Equal(got, long))

		got, err = GetBlob(tx, deviceDump, "a\x00")
		require.NoError(t, err)
		require.Equal(t, tiny, got)
	})

	// Deleting one owner's blob leaves the overlapping owner's chunks alone.
	db.Write(func(tx *Tx) {
		require.NoError(t, DeleteBlob(tx, deviceDump, "a"))
	})
	db.Read(func(tx *Tx) {
		got, err := GetBlob(tx, deviceDump, "a")
		require.NoError(t, err)
		require.Nil(t, got)

		got, err = GetBlob(tx, deviceDump, "a\x00")
		require.NoError(t, err)
		require.Equal(t, tiny, got)
		require.Equal(t, 1, tx.table(deviceDump.tableName()).KeyCount())
	})
}

func TestBlobCorruptionDetected(t *testing.T) {
	db := setup(t, testSchema)

	db.Write(func(tx *Tx) {
		require.NoError(t, PutBlob(tx, attachmentData, uint64(1), []byte("important bytes")))
	})

	// Flip a payload byte behind the engine's back.
	key := blobChunkKey(attachmentsModel.keyCodec.encodeKey(reflect.ValueOf(uint64(1))), 0)
	db.Write(func(tx *Tx) {
		t2 := tx.table(attachmentData.tableName())
		stored := append([]byte(nil), t2.Get(key)...)
		stored[len(stored)-1] ^= 0xFF
		require.NoError(t, t2.Put(key, stored))
	})

	err := db.View(func(tx *Tx) error {
		_, err := GetBlob(tx, attachmentData, uint64(1))
		return err
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum")
}

func TestBlobChunkFraming(t *testing.T) {
	raw := []byte("hello chunk")
	framed, err := encodeBlobChunk(raw, false)
	require.NoError(t, err)
	require.Equal(t, byte(blobChunkRaw), framed[0])

	back, err := decodeBlobChunk(framed)
	require.NoError(t, err)
	require.Equal(t, raw, back)

	_, err = decodeBlobChunk([]byte{0x05})
	require.Error(t, err)

	framed[0] = 0x7F
	_, err = decodeBlobChunk(framed)
	require.Error(t, err)
}
