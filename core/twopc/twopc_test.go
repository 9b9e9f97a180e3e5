package twopc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codehaus/btm/core/resource"
	"github.com/codehaus/btm/core/transaction"
	"github.com/codehaus/btm/core/uid"
	"github.com/codehaus/btm/core/xa"
	"github.com/codehaus/btm/core/xa/xatest"
)

func newTransaction(t *testing.T) *transaction.Transaction {
	t.Helper()
	gen := uid.NewGenerator([]byte("node0"))
	return transaction.New(gen, time.Minute, zap.NewNop())
}

func enlist(t *testing.T, tx *transaction.Transaction, res *xatest.MockResource, position int) *resource.HolderState {
	t.Helper()
	h, err := tx.Enlist(res, &resource.Bean{UniqueName: res.Name(), TwoPCOrderingPosition: position})
	require.NoError(t, err)
	return h
}

func endAll(t *testing.T, tx *transaction.Transaction) {
	t.Helper()
	require.NoError(t, tx.EndActiveBranches(xa.TMSuccess))
}

func TestPrepareCollectsVotes(t *testing.T) {
	tx := newTransaction(t)
	log := &xatest.CallLog{}
	r1 := xatest.NewMockResource("rm1", "rm1", log)
	r2 := xatest.NewMockResource("rm2", "rm2", log)
	enlist(t, tx, r1, 0)
	enlist(t, tx, r2, 1)
	endAll(t, tx)

	preparer := NewPreparer(SyncExecutor{}, zap.NewNop())
	participants, err := preparer.Prepare(tx)
	require.NoError(t, err)
	require.Len(t, participants, 2)
	require.Equal(t, transaction.Prepared, tx.Status())
	require.Len(t, r1.Prepared, 1)
	require.Len(t, r2.Prepared, 1)
}

func TestPrepareReadOnlyRemovedFromParticipants(t *testing.T) {
	tx := newTransaction(t)
	r1 := xatest.NewMockResource("rm1", "rm1", nil)
	r2 := xatest.NewMockResource("rm2", "rm2", nil)
	r2.PrepareVote = xa.VoteReadOnly
	enlist(t, tx, r1, 0)
	enlist(t, tx, r2, 1)
	endAll(t, tx)

	participants, err := NewPreparer(SyncExecutor{}, zap.NewNop()).Prepare(tx)
	require.NoError(t, err)
	require.Len(t, participants, 1)
	require.Equal(t, "rm1", participants[0].UniqueName())

	// the read-only branch gets no phase 2 call
	committer := NewCommitter(SyncExecutor{}, zap.NewNop())
	require.NoError(t, committer.Commit(tx, participants))
	require.Len(t, r1.Committed, 1)
	require.Empty(t, r2.Committed)
}

func TestOnePhaseOptimization(t *testing.T) {
	tx := newTransaction(t)
	log := &xatest.CallLog{}
	r1 := xatest.NewMockResource("rm1", "rm1", log)
	enlist(t, tx, r1, 0)
	endAll(t, tx)

	participants, err := NewPreparer(SyncExecutor{}, zap.NewNop()).Prepare(tx)
	require.NoError(t, err)
	require.Len(t, participants, 1)
	require.Empty(t, r1.Prepared, "1PC must not issue prepare")

	require.NoError(t, NewCommitter(SyncExecutor{}, zap.NewNop()).Commit(tx, participants))
	require.Equal(t, []string{"rm1:start", "rm1:end", "rm1:commit-1pc"}, log.Ops())
	require.Equal(t, transaction.Committed, tx.Status())
}

func TestZeroResourcePrepare(t *testing.T) {
	tx := newTransaction(t)
	participants, err := NewPreparer(SyncExecutor{}, zap.NewNop()).Prepare(tx)
	require.NoError(t, err)
	require.Empty(t, participants)
	require.Equal(t, transaction.Prepared, tx.Status())

	require.NoError(t, NewCommitter(SyncExecutor{}, zap.NewNop()).Commit(tx, nil))
	require.Equal(t, transaction.Committed, tx.Status())
}

func TestPrepareVoteNoTriggersRollback(t *testing.T) {
	tx := newTransaction(t)
	r1 := xatest.NewMockResource("rm1", "rm1", nil)
	r2 := xatest.NewMockResource("rm2", "rm2", nil)
	r2.PrepareErr = xa.NewError(xa.RBRollback, "integrity violation")
	enlist(t, tx, r1, 0)
	enlist(t, tx, r2, 1)
	endAll(t, tx)

	_, err := NewPreparer(SyncExecutor{}, zap.NewNop()).Prepare(tx)
	var rb *transaction.RollbackError
	require.ErrorAs(t, err, &rb)
}

func TestPrepareTimedOutBeforePhase(t *testing.T) {
	gen := uid.NewGenerator([]byte("node0"))
	tx := transaction.New(gen, -time.Second, zap.NewNop())

	_, err := NewPreparer(SyncExecutor{}, zap.NewNop()).Prepare(tx)
	var timeout *transaction.TimeoutError
	require.ErrorAs(t, err, &timeout)
}

func TestLastResourceCommitOrdering(t *testing.T) {
	tx := newTransaction(t)
	log := &xatest.CallLog{}
	emulating := xatest.NewMockResource("lrc", "lrc", log)
	emulating.Emulating = true
	xaRes := xatest.NewMockResource("rm1", "rm1", log)

	// the emulating branch enlists first but must still prepare last
	enlist(t, tx, emulating, 0)
	enlist(t, tx, xaRes, 1)
	endAll(t, tx)

	participants, err := NewPreparer(SyncExecutor{}, zap.NewNop()).Prepare(tx)
	require.NoError(t, err)
	require.Len(t, participants, 2)

	ops := log.Ops()
	require.Equal(t, "rm1:prepare", ops[len(ops)-2])
	require.Equal(t, "lrc:prepare", ops[len(ops)-1])
}

func TestLastResourceCommitFailureRollsBack(t *testing.T) {
	tx := newTransaction(t)
	emulating := xatest.NewMockResource("lrc", "lrc", nil)
	emulating.Emulating = true
	emulating.PrepareErr = xa.NewError(xa.RBRollback, "constraint violated")
	xaRes := xatest.NewMockResource("rm1", "rm1", nil)

	enlist(t, tx, emulating, 0)
	enlist(t, tx, xaRes, 1)
	endAll(t, tx)

	_, err := NewPreparer(SyncExecutor{}, zap.NewNop()).Prepare(tx)
	var rb *transaction.RollbackError
	require.ErrorAs(t, err, &rb)
	require.Len(t, xaRes.Prepared, 1, "the XA branch voted before the emulating branch failed")

	// the caller now rolls back every prepared branch
	require.NoError(t, NewRollbacker(SyncExecutor{}, zap.NewNop()).Rollback(tx))
	require.Len(t, xaRes.RolledBack, 1)
	require.Equal(t, transaction.RolledBack, tx.Status())
}

func TestCommitHeuristicCommitForgotten(t *testing.T) {
	tx := newTransaction(t)
	r1 := xatest.NewMockResource("rm1", "rm1", nil)
	r2 := xatest.NewMockResource("rm2", "rm2", nil)
	r2.CommitErr = xa.NewError(xa.HeurCom, "already committed")
	enlist(t, tx, r1, 0)
	enlist(t, tx, r2, 1)
	endAll(t, tx)

	participants, err := NewPreparer(SyncExecutor{}, zap.NewNop()).Prepare(tx)
	require.NoError(t, err)

	require.NoError(t, NewCommitter(SyncExecutor{}, zap.NewNop()).Commit(tx, participants))
	require.Len(t, r2.Forgotten, 1)
	require.Equal(t, transaction.Committed, tx.Status())
}

func TestCommitHeuristicRollbackGivesMixed(t *testing.T) {
	tx := newTransaction(t)
	r1 := xatest.NewMockResource("rm1", "rm1", nil)
	r2 := xatest.NewMockResource("rm2", "rm2", nil)
	r2.CommitErr = xa.NewError(xa.HeurRB, "unilaterally rolled back")
	enlist(t, tx, r1, 0)
	enlist(t, tx, r2, 1)
	endAll(t, tx)

	participants, err := NewPreparer(SyncExecutor{}, zap.NewNop()).Prepare(tx)
	require.NoError(t, err)

	err = NewCommitter(SyncExecutor{}, zap.NewNop()).Commit(tx, participants)
	var mixed *transaction.HeuristicMixedError
	require.ErrorAs(t, err, &mixed)
	require.Equal(t, []string{"rm2"}, mixed.Heuristic)
	require.Equal(t, transaction.Unknown, tx.Status())
	require.Len(t, r1.Committed, 1)
}

func TestCommitAllHeuristicRollback(t *testing.T) {
	tx := newTransaction(t)
	r1 := xatest.NewMockResource("rm1", "rm1", nil)
	r2 := xatest.NewMockResource("rm2", "rm2", nil)
	r1.CommitErr = xa.NewError(xa.HeurRB, "unilaterally rolled back")
	r2.CommitErr = xa.NewError(xa.HeurRB, "unilaterally rolled back")
	enlist(t, tx, r1, 0)
	enlist(t, tx, r2, 1)
	endAll(t, tx)

	participants, err := NewPreparer(SyncExecutor{}, zap.NewNop()).Prepare(tx)
	require.NoError(t, err)

	err = NewCommitter(SyncExecutor{}, zap.NewNop()).Commit(tx, participants)
	var heurRB *transaction.HeuristicRollbackError
	require.ErrorAs(t, err, &heurRB)
	require.ElementsMatch(t, []string{"rm1", "rm2"}, heurRB.Resources)
}

func TestCommitUnexpectedErrorIsHazard(t *testing.T) {
	tx := newTransaction(t)
	r1 := xatest.NewMockResource("rm1", "rm1", nil)
	r2 := xatest.NewMockResource("rm2", "rm2", nil)
	r2.CommitErr = xa.NewError(xa.ErrRMErr, "resource manager error")
	enlist(t, tx, r1, 0)
	enlist(t, tx, r2, 1)
	endAll(t, tx)

	participants, err := NewPreparer(SyncExecutor{}, zap.NewNop()).Prepare(tx)
	require.NoError(t, err)

	err = NewCommitter(SyncExecutor{}, zap.NewNop()).Commit(tx, participants)
	var mixed *transaction.HeuristicMixedError
	require.ErrorAs(t, err, &mixed)
}

func TestRollbackReverseOrdering(t *testing.T) {
	tx := newTransaction(t)
	log := &xatest.CallLog{}
	r1 := xatest.NewMockResource("rm1", "rm1", log)
	r2 := xatest.NewMockResource("rm2", "rm2", log)
	h1 := enlist(t, tx, r1, 0)
	h2 := enlist(t, tx, r2, 1)
	require.NoError(t, tx.EndActiveBranches(xa.TMFail))
	_, _ = h1, h2

	require.NoError(t, NewRollbacker(SyncExecutor{}, zap.NewNop()).Rollback(tx))
	require.Equal(t, transaction.RolledBack, tx.Status())

	// descending two-phase order: rm2 before rm1
	var rollbackOps []string
	for _, op := range log.Ops() {
		if op == "rm1:rollback" || op == "rm2:rollback" {
			rollbackOps = append(rollbackOps, op)
		}
	}
	require.Equal(t, []string{"rm2:rollback", "rm1:rollback"}, rollbackOps)
}

func TestRollbackHeuristicRollbackIsSuccess(t *testing.T) {
	tx := newTransaction(t)
	r1 := xatest.NewMockResource("rm1", "rm1", nil)
	r1.RollbackErr = xa.NewError(xa.HeurRB, "already rolled back")
	enlist(t, tx, r1, 0)
	require.NoError(t, tx.EndActiveBranches(xa.TMFail))

	require.NoError(t, NewRollbacker(SyncExecutor{}, zap.NewNop()).Rollback(tx))
	require.Len(t, r1.Forgotten, 1)
	require.Equal(t, transaction.RolledBack, tx.Status())
}

func TestRollbackHeuristicCommitGivesMixed(t *testing.T) {
	tx := newTransaction(t)
	r1 := xatest.NewMockResource("rm1", "rm1", nil)
	r2 := xatest.NewMockResource("rm2", "rm2", nil)
	r2.RollbackErr = xa.NewError(xa.HeurCom, "unilaterally committed")
	enlist(t, tx, r1, 0)
	enlist(t, tx, r2, 1)
	require.NoError(t, tx.EndActiveBranches(xa.TMFail))

	err := NewRollbacker(SyncExecutor{}, zap.NewNop()).Rollback(tx)
	var mixed *transaction.HeuristicMixedError
	require.ErrorAs(t, err, &mixed)
	require.Equal(t, []string{"rm2"}, mixed.Heuristic)
	require.Equal(t, transaction.Unknown, tx.Status())
}

func TestPhaseOrderingAcrossPositions(t *testing.T) {
	tx := newTransaction(t)
	log := &xatest.CallLog{}
	r1 := xatest.NewMockResource("rm1", "rm1", log)
	r2 := xatest.NewMockResource("rm2", "rm2", log)
	enlist(t, tx, r1, 1)
	enlist(t, tx, r2, 2)
	endAll(t, tx)

	exec := NewAsyncExecutor(4)
	defer exec.Shutdown()

	participants, err := NewPreparer(exec, zap.NewNop()).Prepare(tx)
	require.NoError(t, err)
	require.NoError(t, NewCommitter(exec, zap.NewNop()).Commit(tx, participants))

	var phased []string
	for _, op := range log.Ops() {
		switch op {
		case "rm1:prepare", "rm2:prepare", "rm1:commit", "rm2:commit":
			phased = append(phased, op)
		}
	}
	require.Equal(t, []string{"rm1:prepare", "rm2:prepare", "rm1:commit", "rm2:commit"}, phased)
}
