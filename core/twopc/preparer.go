package twopc

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codehaus/btm/core/resource"
	"github.com/codehaus/btm/core/transaction"
	"github.com/codehaus/btm/core/xa"
)

// Preparer drives phase 1. Branches are prepared in ascending two-phase
// order; a branch voting read-only leaves the participant set; an emulating
// (last-resource-commit) branch is deferred until every true XA branch has
// voted, then prepared synchronously on the calling goroutine.
type Preparer struct {
	exec Executor
	log  *zap.Logger

	// WarnAboutZeroResource logs a warning instead of a debug line when a
	// transaction commits with no enlisted resource.
	WarnAboutZeroResource bool
	// PollInterval overrides the completion poll tick, for tests.
	PollInterval time.Duration
}

// NewPreparer builds a phase 1 driver over the executor.
func NewPreparer(exec Executor, log *zap.Logger) *Preparer {
	return &Preparer{exec: exec, log: log}
}

// Prepare executes phase 1 and returns the surviving participants in
// ascending two-phase order. A single enlisted branch short-circuits into
// the one-phase optimization: no prepare is issued and the branch is the
// sole participant.
func (p *Preparer) Prepare(tx *transaction.Transaction) ([]*resource.HolderState, error) {
	if tx.TimedOut() {
		return nil, &transaction.TimeoutError{Msg: "transaction timed out before 2PC execution"}
	}
	if err := tx.SetStatus(transaction.Preparing); err != nil {
		return nil, err
	}

	branches := tx.Branches()
	if len(branches) == 0 {
		if p.WarnAboutZeroResource {
			p.log.Warn("executing transaction with 0 enlisted resource", zap.Stringer("gtrid", tx.Gtrid()))
		} else {
			p.log.Debug("0 resource enlisted, no prepare needed", zap.Stringer("gtrid", tx.Gtrid()))
		}
		return nil, tx.SetStatus(transaction.Prepared)
	}

	if len(branches) == 1 {
		p.log.Debug("1 resource enlisted, no prepare needed (1PC)", zap.Stringer("gtrid", tx.Gtrid()))
		return branches, tx.SetStatus(transaction.Prepared)
	}

	var emulating *resource.HolderState
	trueXA := make([]*resource.HolderState, 0, len(branches))
	for _, h := range branches {
		if xa.IsEmulating(h.Resource()) {
			if emulating != nil {
				return nil, &transaction.SystemError{
					Msg: fmt.Sprintf("cannot prepare: resources %s and %s both emulate XA, only one non-XA resource can participate",
						emulating.UniqueName(), h.UniqueName()),
				}
			}
			p.log.Debug("keeping emulating resource for later", zap.String("resource", h.UniqueName()))
			emulating = h
			continue
		}
		trueXA = append(trueXA, h)
	}

	votedOK := make(map[*resource.HolderState]bool, len(branches))
	var voteMu sync.Mutex
	prepare := func(h *resource.HolderState) error {
		vote, err := h.Resource().Prepare(h.Xid())
		if err != nil {
			return err
		}
		if vote != xa.VoteReadOnly {
			voteMu.Lock()
			votedOK[h] = true
			voteMu.Unlock()
		} else {
			p.log.Debug("resource voted read-only, removed from participants", zap.String("resource", h.UniqueName()))
		}
		return nil
	}

	p.log.Debug("preparing resources", zap.Int("count", len(trueXA)), zap.Stringer("gtrid", tx.Gtrid()))
	outcomes, err := runPhase(tx, "prepare", groupByPosition(trueXA), p.exec, p.PollInterval, prepare)
	if err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		if o.err != nil {
			return nil, prepareFailure(o)
		}
	}

	// Last Resource Commit: the emulating branch prepares only after every
	// true XA branch voted; its success is the commit decision.
	if emulating != nil {
		p.log.Debug("preparing emulating resource", zap.String("resource", emulating.UniqueName()))
		if err := prepare(emulating); err != nil {
			return nil, prepareFailure(outcome{holder: emulating, err: err})
		}
	}

	participants := make([]*resource.HolderState, 0, len(branches))
	for _, h := range branches {
		if votedOK[h] {
			participants = append(participants, h)
		}
	}

	if err := tx.SetStatus(transaction.Prepared); err != nil {
		return nil, err
	}
	p.log.Debug("successfully prepared resources", zap.Int("participants", len(participants)), zap.Stringer("gtrid", tx.Gtrid()))
	return participants, nil
}

// prepareFailure maps a failed prepare to the error surfaced to the caller:
// a branch already gone (XAER_NOTA) leaves the global state unknown, any
// other failure drives a clean rollback.
func prepareFailure(o outcome) error {
	if code, ok := xa.ErrorCode(o.err); ok && code == xa.ErrNotA {
		return &transaction.HeuristicMixedError{
			Msg:       fmt.Sprintf("resource %s unilaterally finished its branch when asked to prepare, global state of this transaction is now unknown", o.holder.UniqueName()),
			Heuristic: []string{o.holder.UniqueName()},
			Cause:     o.err,
		}
	}
	return &transaction.RollbackError{
		Msg:   fmt.Sprintf("transaction failed during prepare of resource %s", o.holder.UniqueName()),
		Cause: o.err,
	}
}
