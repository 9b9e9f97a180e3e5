package xa

import (
	"errors"
	"fmt"
)

// Code is a standard XA error code.
type Code int

const (
	// Heuristic outcome codes.
	HeurMix Code = 5
	HeurRB  Code = 6
	HeurCom Code = 7
	HeurHaz Code = 8

	// Rollback-only codes (XA_RB*).
	RBRollback  Code = 100
	RBCommFail  Code = 101
	RBDeadlock  Code = 102
	RBIntegrity Code = 103
	RBOther     Code = 104
	RBProto     Code = 105
	RBTimeout   Code = 106
	RBTransient Code = 107

	// XAER_* error codes.
	ErrAsync   Code = -2
	ErrRMErr   Code = -3
	ErrNotA    Code = -4
	ErrInval   Code = -5
	ErrProto   Code = -6
	ErrRMFail  Code = -7
	ErrDupID   Code = -8
	ErrOutside Code = -9
)

var codeNames = map[Code]string{
	HeurMix:     "XA_HEURMIX",
	HeurRB:      "XA_HEURRB",
	HeurCom:     "XA_HEURCOM",
	HeurHaz:     "XA_HEURHAZ",
	RBRollback:  "XA_RBROLLBACK",
	RBCommFail:  "XA_RBCOMMFAIL",
	RBDeadlock:  "XA_RBDEADLOCK",
	RBIntegrity: "XA_RBINTEGRITY",
	RBOther:     "XA_RBOTHER",
	RBProto:     "XA_RBPROTO",
	RBTimeout:   "XA_RBTIMEOUT",
	RBTransient: "XA_RBTRANSIENT",
	ErrAsync:    "XAER_ASYNC",
	ErrRMErr:    "XAER_RMERR",
	ErrNotA:     "XAER_NOTA",
	ErrInval:    "XAER_INVAL",
	ErrProto:    "XAER_PROTO",
	ErrRMFail:   "XAER_RMFAIL",
	ErrDupID:    "XAER_DUPID",
	ErrOutside:  "XAER_OUTSIDE",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown XA error code %d", int(c))
}

// Heuristic reports whether the code describes a heuristic outcome.
func (c Code) Heuristic() bool {
	return c >= HeurMix && c <= HeurHaz
}

// Error is an XA protocol error carrying its error code.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

// NewError builds an *Error with the given code and message.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// WrapError builds an *Error wrapping an underlying cause.
func WrapError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s, error=%s", e.Msg, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorCode extracts the XA code from an error chain. The second return
// value is false when no *Error is present in the chain.
func ErrorCode(err error) (Code, bool) {
	var xaErr *Error
	if errors.As(err, &xaErr) {
		return xaErr.Code, true
	}
	return 0, false
}
