package twopc

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codehaus/btm/core/resource"
	"github.com/codehaus/btm/core/transaction"
	"github.com/codehaus/btm/core/xa"
)

// Rollbacker drives phase 2 rollback over every enlisted branch, in
// descending two-phase order. Branches that were never started are skipped
// silently.
type Rollbacker struct {
	exec Executor
	log  *zap.Logger

	// PollInterval overrides the completion poll tick, for tests.
	PollInterval time.Duration
}

// NewRollbacker builds a rollback driver over the executor.
func NewRollbacker(exec Executor, log *zap.Logger) *Rollbacker {
	return &Rollbacker{exec: exec, log: log}
}

// Rollback rolls every started branch back. A heuristic rollback on a
// branch matches the global decision and is forgotten; other heuristics are
// classified after the phase.
func (r *Rollbacker) Rollback(tx *transaction.Transaction) error {
	if err := tx.SetStatus(transaction.RollingBack); err != nil {
		return err
	}

	branches := make([]*resource.HolderState, 0, tx.BranchCount())
	for _, h := range tx.BranchesReverse() {
		if !h.IsStarted() && !h.IsEnded() && !h.IsSuspended() {
			r.log.Debug("skipping branch that was never started", zap.String("resource", h.UniqueName()))
			continue
		}
		branches = append(branches, h)
	}
	if len(branches) == 0 {
		return tx.SetStatus(transaction.RolledBack)
	}

	outcomes, err := runPhase(tx, "rollback", groupByPosition(branches), r.exec, r.PollInterval, r.rollbackBranch)
	if err != nil {
		_ = tx.SetStatus(transaction.Unknown)
		return err
	}
	if phaseErr := r.classifyRollback(tx, outcomes); phaseErr != nil {
		_ = tx.SetStatus(transaction.Unknown)
		return phaseErr
	}
	return tx.SetStatus(transaction.RolledBack)
}

func (r *Rollbacker) rollbackBranch(h *resource.HolderState) error {
	r.log.Debug("rolling back resource", zap.String("resource", h.UniqueName()))
	err := h.Resource().Rollback(h.Xid())
	if err == nil {
		return nil
	}

	code, ok := xa.ErrorCode(err)
	if !ok {
		return err
	}
	switch code {
	case xa.HeurRB:
		forget(h, r.log)
		return nil
	case xa.HeurCom, xa.HeurMix, xa.HeurHaz:
		r.log.Error("heuristic outcome is incompatible with the global state of this transaction",
			zap.String("resource", h.UniqueName()), zap.Stringer("code", code))
		return err
	default:
		return err
	}
}

func (r *Rollbacker) classifyRollback(tx *transaction.Transaction, outcomes []outcome) error {
	heuristic, errored, hazard, _ := collectFailed(outcomes)
	if len(heuristic) == 0 && len(errored) == 0 {
		return nil
	}

	msg := fmt.Sprintf("transaction failed during rollback of %s", tx.Gtrid())
	if len(heuristic) > 0 {
		return &transaction.HeuristicMixedError{
			Msg:       msg,
			Heuristic: names(heuristic),
			Errored:   names(errored),
			Hazard:    hazard || len(errored) > 0,
		}
	}
	return &transaction.SystemError{
		Msg: fmt.Sprintf("%s: resource(s) %v threw unexpected exception", msg, names(errored)),
	}
}
