package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"

	"github.com/codehaus/btm/core/transaction"
	"github.com/codehaus/btm/core/uid"
)

const (
	// BlockSize is the filesystem block granularity. A record never spans a
	// block boundary; short remainders are filled with a pad record.
	BlockSize = 4096

	// fileMagic opens every journal file.
	fileMagic = "BTMJRNL\x00"
	// fileVersion is the on-disk format version.
	fileVersion = 1
	// fileHeaderLength is the fixed size of the file header: 8-byte magic,
	// 4-byte version, 4-byte header length, 8-byte timestamp.
	fileHeaderLength = 24

	// padStatus marks a pad record. Readers skip to the next block boundary.
	padStatus byte = 0xFF

	// recordHeaderLength covers status, timestamp, sequence, crc32 and
	// gtridLen; the gtrid bytes, namesLen and the names block follow.
	recordHeaderLength = 1 + 8 + 4 + 4 + 4
)

// Record is one journal entry: a transaction decision for a gtrid naming
// the resources that participate in it.
type Record struct {
	Status      transaction.Status
	Gtrid       uid.Uid
	UniqueNames []string
	Timestamp   int64
	Sequence    uint32
	CRC         uint32
}

// encodeRecord serializes a record, computing its CRC32 over the full
// record bytes with the crc field zeroed.
func encodeRecord(r *Record) ([]byte, error) {
	gtrid := r.Gtrid.Bytes()
	if len(gtrid) == 0 {
		return nil, fmt.Errorf("cannot encode record with empty gtrid")
	}
	names := encodeNames(r.UniqueNames)

	size := recordHeaderLength + len(gtrid) + 4 + len(names)
	if size > BlockSize {
		return nil, fmt.Errorf("record size %d exceeds block size %d", size, BlockSize)
	}

	buf := make([]byte, size)
	buf[0] = byte(r.Status)
	binary.BigEndian.PutUint64(buf[1:], uint64(r.Timestamp))
	binary.BigEndian.PutUint32(buf[9:], r.Sequence)
	// crc32 at buf[13:17] stays zero until computed
	binary.BigEndian.PutUint32(buf[17:], uint32(len(gtrid)))
	copy(buf[21:], gtrid)
	off := 21 + len(gtrid)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(names)))
	copy(buf[off+4:], names)

	r.CRC = crc32.ChecksumIEEE(buf)
	binary.BigEndian.PutUint32(buf[13:], r.CRC)
	return buf, nil
}

// decodeRecord parses one record from the head of data and returns it with
// its encoded length. A nil record with zero length means a clean end of
// log (zeroed tail). Pad records return a zero-value record with status
// padStatus.
func decodeRecord(data []byte) (*Record, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	status := data[0]
	if status == padStatus {
		rec := &Record{Status: transaction.Status(padStatus)}
		return rec, 1, nil
	}
	if len(data) < recordHeaderLength+4 {
		if allZero(data) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("truncated record header")
	}

	gtridLen := binary.BigEndian.Uint32(data[17:])
	if status == 0 && gtridLen == 0 {
		// zeroed tail, end of log
		return nil, 0, nil
	}
	if !transaction.Status(status).Valid() {
		return nil, 0, fmt.Errorf("invalid record status %d", status)
	}
	if gtridLen == 0 {
		return nil, 0, fmt.Errorf("record has zero-length gtrid")
	}
	if gtridLen > uid.MaxLength {
		return nil, 0, fmt.Errorf("record gtrid length %d exceeds maximum %d", gtridLen, uid.MaxLength)
	}
	if len(data) < recordHeaderLength+int(gtridLen)+4 {
		return nil, 0, fmt.Errorf("truncated record body")
	}

	off := 21 + int(gtridLen)
	namesLen := binary.BigEndian.Uint32(data[off:])
	total := recordHeaderLength + int(gtridLen) + 4 + int(namesLen)
	if total > BlockSize || len(data) < total {
		return nil, 0, fmt.Errorf("truncated record names block")
	}

	crc := binary.BigEndian.Uint32(data[13:])
	check := make([]byte, total)
	copy(check, data[:total])
	check[13], check[14], check[15], check[16] = 0, 0, 0, 0
	if crc32.ChecksumIEEE(check) != crc {
		return nil, 0, fmt.Errorf("record CRC mismatch")
	}

	rec := &Record{
		Status:      transaction.Status(status),
		Timestamp:   int64(binary.BigEndian.Uint64(data[1:])),
		Sequence:    binary.BigEndian.Uint32(data[9:]),
		CRC:         crc,
		Gtrid:       uid.FromBytes(data[21 : 21+gtridLen]),
		UniqueNames: decodeNames(data[off+4 : total]),
	}
	return rec, total, nil
}

// encodeNames joins a name set as NUL-separated UTF-8, sorted so the
// encoding is stable.
func encodeNames(names []string) []byte {
	if len(names) == 0 {
		return nil
	}
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	return []byte(strings.Join(sorted, "\x00"))
}

func decodeNames(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(string(data), "\x00")
}

func (r *Record) isPad() bool {
	return byte(r.Status) == padStatus
}

func allZero(data []byte) bool {
	return bytes.Count(data, []byte{0}) == len(data)
}

func encodeFileHeader(timestamp int64) []byte {
	buf := make([]byte, fileHeaderLength)
	copy(buf, fileMagic)
	binary.BigEndian.PutUint32(buf[8:], fileVersion)
	binary.BigEndian.PutUint32(buf[12:], fileHeaderLength)
	binary.BigEndian.PutUint64(buf[16:], uint64(timestamp))
	return buf
}

// decodeFileHeader validates the magic and version and returns the header
// timestamp.
func decodeFileHeader(data []byte) (int64, error) {
	if len(data) < fileHeaderLength {
		return 0, fmt.Errorf("journal file shorter than its header")
	}
	if string(data[:8]) != fileMagic {
		return 0, fmt.Errorf("bad journal file magic")
	}
	if v := binary.BigEndian.Uint32(data[8:]); v != fileVersion {
		return 0, fmt.Errorf("unsupported journal file version %d", v)
	}
	if l := binary.BigEndian.Uint32(data[12:]); l != fileHeaderLength {
		return 0, fmt.Errorf("unexpected journal header length %d", l)
	}
	return int64(binary.BigEndian.Uint64(data[16:])), nil
}
