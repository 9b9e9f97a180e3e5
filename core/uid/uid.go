// Package uid implements the fixed-layout byte identifiers used to name
// transactions and branches: a Uid is serverId‖timestamp‖sequence, at most
// 64 bytes long, and an Xid pairs two Uids (gtrid, bqual) under a format id.
package uid

import (
	"encoding/binary"
	"time"
)

const (
	// MaxLength is the maximum byte length of a Uid.
	MaxLength = 64
	// MaxServerIDLength is the maximum length of the serverId part. Longer
	// configured server ids are truncated.
	MaxServerIDLength = 51

	timestampLength = 8
	sequenceLength  = 4
)

// Uid is an immutable byte identifier. The raw bytes are held in a string so
// a Uid is comparable and can be used directly as a map key; the hash is
// computed once at construction.
type Uid struct {
	array string
	hash  uint32
}

// FromBytes builds a Uid from a raw byte array.
func FromBytes(b []byte) Uid {
	return Uid{array: string(b), hash: arrayHash(b)}
}

// Bytes returns a copy of the raw identifier bytes.
func (u Uid) Bytes() []byte {
	return []byte(u.array)
}

// Len returns the identifier length in bytes.
func (u Uid) Len() int {
	return len(u.array)
}

// IsZero reports whether the Uid is the empty identifier.
func (u Uid) IsZero() bool {
	return len(u.array) == 0
}

// Hash returns the precomputed hash value.
func (u Uid) Hash() uint32 {
	return u.hash
}

// ServerID extracts the serverId part, or nil when the identifier is too
// short to carry one.
func (u Uid) ServerID() []byte {
	n := len(u.array) - timestampLength - sequenceLength
	if n < 1 {
		return nil
	}
	return []byte(u.array[:n])
}

// Timestamp extracts the embedded creation time in milliseconds since epoch.
func (u Uid) Timestamp() int64 {
	off := len(u.array) - timestampLength - sequenceLength
	if off < 0 {
		return 0
	}
	return int64(binary.BigEndian.Uint64([]byte(u.array[off : off+timestampLength])))
}

// Sequence extracts the embedded per-process sequence number.
func (u Uid) Sequence() uint32 {
	off := len(u.array) - sequenceLength
	if off < 0 {
		return 0
	}
	return binary.BigEndian.Uint32([]byte(u.array[off:]))
}

// Time returns the embedded timestamp as a time.Time.
func (u Uid) Time() time.Time {
	return time.UnixMilli(u.Timestamp())
}

// String renders the identifier as an uppercase hex string.
func (u Uid) String() string {
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, len(u.array)*2)
	for i := 0; i < len(u.array); i++ {
		v := u.array[i]
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xF]
	}
	return string(out)
}

// arrayHash computes a constant hash with wide dispersion: rotate left, xor.
func arrayHash(b []byte) uint32 {
	var hash uint32
	for i := len(b) - 1; i > 0; i-- {
		hash = hash<<1 | hash>>31
		hash ^= uint32(b[i])
	}
	return hash
}
