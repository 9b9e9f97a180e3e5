package uid

import (
	"encoding/binary"
	"sync/atomic"
	"time"
)

// Generator produces globally unique Uids. Uniqueness across the network
// relies on the configured server id; uniqueness within the process relies
// on the millisecond clock plus an atomic sequence counter. The counter
// wraps; a wrap within one millisecond is statistically negligible.
type Generator struct {
	serverID []byte
	sequence atomic.Uint32
}

// NewGenerator creates a Generator for the given server id, truncating it
// to MaxServerIDLength bytes when longer.
func NewGenerator(serverID []byte) *Generator {
	if len(serverID) > MaxServerIDLength {
		serverID = serverID[:MaxServerIDLength]
	}
	id := make([]byte, len(serverID))
	copy(id, serverID)
	return &Generator{serverID: id}
}

// ServerID returns the (possibly truncated) server id this generator embeds
// in every Uid.
func (g *Generator) ServerID() []byte {
	id := make([]byte, len(g.serverID))
	copy(id, g.serverID)
	return id
}

// Generate produces a fresh Uid: serverId ‖ timestamp_ms (8 bytes, big
// endian) ‖ sequence (4 bytes, big endian).
func (g *Generator) Generate() Uid {
	buf := make([]byte, len(g.serverID)+timestampLength+sequenceLength)
	n := copy(buf, g.serverID)
	binary.BigEndian.PutUint64(buf[n:], uint64(time.Now().UnixMilli()))
	binary.BigEndian.PutUint32(buf[n+timestampLength:], g.sequence.Add(1)-1)
	return FromBytes(buf)
}

// GenerateXid produces a branch identifier under the given global
// transaction id, with a freshly generated branch qualifier.
func (g *Generator) GenerateXid(gtrid Uid) Xid {
	return Xid{Format: FormatID, Gtrid: gtrid, Bqual: g.Generate()}
}
