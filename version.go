package nvdb

import (
	"encoding/binary"
)

// VersionHeader is the fixed prefix of every versioned record:
// two magic bytes 'N' 'V' followed by the schema version as u32
// little-endian. Bytes without this prefix are legacy unversioned payloads.
type VersionHeader struct {
	Version uint32
}

const VersionHeaderSize = 6

var versionMagic = [2]byte{'N', 'V'}

// appendVersionHeader prepends nothing; it appends the header to buf.
func appendVersionHeader(buf []byte, ver uint32) []byte {
	buf = append(buf, versionMagic[0], versionMagic[1])
	return binary.LittleEndian.AppendUint32(buf, ver)
}

// parseVersionHeader splits data into its header and payload.
// ok is false for legacy unversioned payloads.
func parseVersionHeader(data []byte) (hdr VersionHeader, payload []byte, ok bool) {
	if len(data) < VersionHeaderSize || data[0] != versionMagic[0] || data[1] != versionMagic[1] {
		return VersionHeader{}, data, false
	}
	hdr.Version = binary.LittleEndian.Uint32(data[2:6])
	return hdr, data[VersionHeaderSize:], true
}

// DecodeContext selects how older-version bytes are handled on the read
// path.
type DecodeContext struct {
	// AutoMigrate runs the migration chain when the stored version is older
	// than the current one.
	AutoMigrate bool
	// Strict fails with a version mismatch instead of attempting a direct
	// decode of older bytes. Ignored when AutoMigrate is set.
	Strict bool
}
