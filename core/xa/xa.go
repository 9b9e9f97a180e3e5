// Package xa defines the branch protocol surface between the transaction
// coordinator and a resource manager: the capability interface third-party
// resources implement, the standard flag and vote values, and the error-code
// enumeration with its error value type.
package xa

import "github.com/codehaus/btm/core/uid"

// Flag values passed to Start, End and Recover. The numeric values follow
// the X/Open XA specification.
type Flag int32

const (
	TMNoFlags    Flag = 0x00000000
	TMJoin       Flag = 0x00200000
	TMEndRScan   Flag = 0x00800000
	TMStartRScan Flag = 0x01000000
	TMSuspend    Flag = 0x02000000
	TMSuccess    Flag = 0x04000000
	TMResume     Flag = 0x08000000
	TMFail       Flag = 0x20000000
	TMOnePhase   Flag = 0x40000000
)

// Vote is the outcome of a Prepare call.
type Vote int

const (
	// VoteOK means the branch is prepared and will participate in phase 2.
	VoteOK Vote = 0
	// VoteReadOnly means the branch performed no writes and has no phase 2.
	VoteReadOnly Vote = 3
)

// Resource is the capability set a resource manager exposes to the
// coordinator. All errors carrying an XA error code are *Error values.
type Resource interface {
	Start(xid uid.Xid, flags Flag) error
	End(xid uid.Xid, flags Flag) error
	Prepare(xid uid.Xid) (Vote, error)
	Commit(xid uid.Xid, onePhase bool) error
	Rollback(xid uid.Xid) error
	Forget(xid uid.Xid) error
	Recover(flags Flag) ([]uid.Xid, error)
	IsSameRM(other Resource) (bool, error)
	SetTransactionTimeout(seconds int) error
}

// Emulating is implemented by non-XA resources enlisted through the
// last-resource-commit gateway. Such a branch is prepared last, after every
// true XA branch has voted.
type Emulating interface {
	EmulatingXA() bool
}

// IsEmulating reports whether the resource participates through the
// last-resource-commit gateway.
func IsEmulating(res Resource) bool {
	e, ok := res.(Emulating)
	return ok && e.EmulatingXA()
}
