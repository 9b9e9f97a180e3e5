package transaction

import (
	"fmt"
	"strings"
)

// ProtocolError reports an illegal status transition or an illegal branch
// operation. It is locally fatal to the operation.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return e.Msg
}

// SystemError reports an internal failure: journal I/O, executor refusal,
// an unusable resource. The transaction moves to UNKNOWN and the last
// durable record determines the recovery outcome.
type SystemError struct {
	Msg   string
	Cause error
}

func (e *SystemError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *SystemError) Unwrap() error {
	return e.Cause
}

// RollbackError reports that the transaction was rolled back instead of
// committed: a branch voted no, the transaction was marked rollback-only,
// or it timed out before phase 1.
type RollbackError struct {
	Msg   string
	Cause error
}

func (e *RollbackError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// TimeoutError reports that the transaction deadline passed while a phase
// was waiting on branch completion.
type TimeoutError struct {
	Msg string
}

func (e *TimeoutError) Error() string {
	return e.Msg
}

// HeuristicRollbackError reports that every participant unilaterally rolled
// back when asked to commit.
type HeuristicRollbackError struct {
	Msg       string
	Resources []string
	Cause     error
}

func (e *HeuristicRollbackError) Error() string {
	return fmt.Sprintf("%s: all resource(s) %s improperly unilaterally rolled back", e.Msg, joinNames(e.Resources))
}

func (e *HeuristicRollbackError) Unwrap() error {
	return e.Cause
}

// HeuristicMixedError reports inconsistent outcomes across participants:
// some branches completed, some decided their fate unilaterally or failed
// outright. The global state of the transaction is unknown.
type HeuristicMixedError struct {
	Msg       string
	Heuristic []string
	Errored   []string
	// Hazard is set when at least one branch outcome is unknowable, so the
	// decision record must stay dangling for recovery to finish the work.
	Hazard bool
	Cause  error
}

func (e *HeuristicMixedError) Error() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	b.WriteString(":")
	if len(e.Errored) > 0 {
		fmt.Fprintf(&b, " resource(s) %s threw unexpected exception", joinNames(e.Errored))
	}
	if len(e.Errored) > 0 && len(e.Heuristic) > 0 {
		b.WriteString(" and")
	}
	if len(e.Heuristic) > 0 {
		fmt.Fprintf(&b, " resource(s) %s improperly unilaterally finished", joinNames(e.Heuristic))
	}
	return b.String()
}

func (e *HeuristicMixedError) Unwrap() error {
	return e.Cause
}

func joinNames(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "[" + n + "]"
	}
	return strings.Join(quoted, ", ")
}
