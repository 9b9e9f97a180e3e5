package uid

import "fmt"

// FormatID brands every Xid produced by this coordinator. Recovery only
// considers in-doubt Xids carrying this format id.
const FormatID int32 = 0x42544D00

// Xid identifies one transaction branch: a format id, the global
// transaction id and the branch qualifier. Equality is byte-wise across all
// three parts; Xid is comparable and usable as a map key.
type Xid struct {
	Format int32
	Gtrid  Uid
	Bqual  Uid
}

// NewXid builds an Xid under this coordinator's format id.
func NewXid(gtrid, bqual Uid) Xid {
	return Xid{Format: FormatID, Gtrid: gtrid, Bqual: bqual}
}

// IsZero reports whether the Xid carries no identifier bytes.
func (x Xid) IsZero() bool {
	return x.Gtrid.IsZero() && x.Bqual.IsZero()
}

func (x Xid) String() string {
	return fmt.Sprintf("an XID with format %d, gtrid %s and bqual %s", x.Format, x.Gtrid, x.Bqual)
}
