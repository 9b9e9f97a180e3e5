package twopc

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codehaus/btm/core/resource"
	"github.com/codehaus/btm/core/transaction"
	"github.com/codehaus/btm/core/xa"
)

// Committer drives phase 2 commit over the participants phase 1 returned,
// in ascending two-phase order.
type Committer struct {
	exec Executor
	log  *zap.Logger

	// PollInterval overrides the completion poll tick, for tests.
	PollInterval time.Duration
}

// NewCommitter builds a phase 2 commit driver over the executor.
func NewCommitter(exec Executor, log *zap.Logger) *Committer {
	return &Committer{exec: exec, log: log}
}

// Commit commits every participant. With a single enlisted branch the
// one-phase optimization applies and the resource commits with
// onePhase=true. Heuristic outcomes are collected across the whole phase
// and classified afterwards; on any failure the transaction moves to
// UNKNOWN since earlier branch commits are already durable.
func (c *Committer) Commit(tx *transaction.Transaction, interested []*resource.HolderState) error {
	if err := tx.SetStatus(transaction.Committing); err != nil {
		return err
	}
	if len(interested) == 0 {
		c.log.Debug("phase 2 commit succeeded with no interested resource", zap.Stringer("gtrid", tx.Gtrid()))
		return tx.SetStatus(transaction.Committed)
	}

	onePhase := tx.BranchCount() == 1
	commit := func(h *resource.HolderState) error {
		return c.commitBranch(h, onePhase)
	}

	outcomes, err := runPhase(tx, "commit", groupByPosition(interested), c.exec, c.PollInterval, commit)
	if err != nil {
		_ = tx.SetStatus(transaction.Unknown)
		return err
	}
	if phaseErr := classifyCommit(tx, outcomes, len(interested)); phaseErr != nil {
		_ = tx.SetStatus(transaction.Unknown)
		return phaseErr
	}
	return tx.SetStatus(transaction.Committed)
}

// commitBranch commits one branch and folds its XA outcome: a heuristic
// commit matches the global decision and is forgotten; any other heuristic
// is surfaced for classification; unexpected errors count as hazards since
// the branch state is unknowable.
func (c *Committer) commitBranch(h *resource.HolderState, onePhase bool) error {
	c.log.Debug("committing resource",
		zap.String("resource", h.UniqueName()), zap.Bool("onePhase", onePhase))
	err := h.Resource().Commit(h.Xid(), onePhase)
	if err == nil {
		return nil
	}

	code, ok := xa.ErrorCode(err)
	if !ok {
		return xa.WrapError(xa.HeurHaz, fmt.Sprintf("resource %s failed when asked to commit its branch", h.UniqueName()), err)
	}
	switch code {
	case xa.HeurCom:
		forget(h, c.log)
		return nil
	case xa.HeurHaz, xa.HeurMix, xa.HeurRB:
		c.log.Error("heuristic outcome is incompatible with the global state of this transaction",
			zap.String("resource", h.UniqueName()), zap.Stringer("code", code))
		return err
	default:
		return xa.WrapError(xa.HeurHaz,
			fmt.Sprintf("resource %s reported %s when asked to commit its branch", h.UniqueName(), code), err)
	}
}

// classifyCommit applies the aggregation rule: no failures is success;
// every participant heuristically rolled back with no hazard is a
// heuristic rollback; anything else is a heuristic mix.
func classifyCommit(tx *transaction.Transaction, outcomes []outcome, total int) error {
	heuristic, errored, hazard, allHeurRB := collectFailed(outcomes)
	if len(heuristic) == 0 && len(errored) == 0 {
		return nil
	}

	msg := fmt.Sprintf("transaction failed during commit of %s", tx.Gtrid())
	if !hazard && len(errored) == 0 && allHeurRB && len(heuristic) == total {
		return &transaction.HeuristicRollbackError{Msg: msg, Resources: names(heuristic)}
	}
	return &transaction.HeuristicMixedError{
		Msg:       msg,
		Heuristic: names(heuristic),
		Errored:   names(errored),
		Hazard:    hazard || len(errored) > 0,
	}
}
