package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codehaus/btm/core/resource"
	"github.com/codehaus/btm/core/scheduler"
	"github.com/codehaus/btm/core/uid"
	"github.com/codehaus/btm/core/xa"
	"github.com/codehaus/btm/core/xa/xatest"
)

func uidGenerator() *uid.Generator {
	return uid.NewGenerator([]byte("node0"))
}

func newTransaction(t *testing.T, timeout time.Duration) *Transaction {
	t.Helper()
	gen := uidGenerator()
	return New(gen, timeout, zap.NewNop())
}

func TestStatusTransitions(t *testing.T) {
	tx := newTransaction(t, time.Minute)
	require.Equal(t, Active, tx.Status())

	require.NoError(t, tx.SetStatus(Preparing))
	require.NoError(t, tx.SetStatus(Prepared))
	require.NoError(t, tx.SetStatus(Committing))
	require.NoError(t, tx.SetStatus(Committed))

	// terminal status accepts no transition
	err := tx.SetStatus(RollingBack)
	require.Error(t, err)
	var proto *ProtocolError
	require.ErrorAs(t, err, &proto)
	require.Equal(t, Committed, tx.Status())
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		from Status
		to   Status
	}{
		{Active, Committed},
		{Active, Committing},
		{Preparing, Committing},
		{Prepared, Committed},
		{Committing, RolledBack},
		{RollingBack, Committed},
	}
	for _, c := range cases {
		require.False(t, c.from.CanTransition(c.to), "%s -> %s must be illegal", c.from, c.to)
	}
}

func TestMarkRollbackOnly(t *testing.T) {
	tx := newTransaction(t, time.Minute)
	require.False(t, tx.RollbackOnly())
	require.NoError(t, tx.MarkRollbackOnly())
	require.True(t, tx.RollbackOnly())
	// idempotent
	require.NoError(t, tx.MarkRollbackOnly())

	require.NoError(t, tx.SetStatus(RollingBack))
	require.NoError(t, tx.SetStatus(RolledBack))
	require.Error(t, tx.MarkRollbackOnly())
}

func TestTimeout(t *testing.T) {
	tx := newTransaction(t, 10*time.Millisecond)
	require.False(t, tx.TimedOut())
	time.Sleep(20 * time.Millisecond)
	require.True(t, tx.TimedOut())
}

func TestEnlistOrdering(t *testing.T) {
	tx := newTransaction(t, time.Minute)

	rLate := xatest.NewMockResource("late", "late", nil)
	rEarly := xatest.NewMockResource("early", "early", nil)
	rMid := xatest.NewMockResource("mid", "mid", nil)

	_, err := tx.Enlist(rLate, &resource.Bean{UniqueName: "late", TwoPCOrderingPosition: 10})
	require.NoError(t, err)
	_, err = tx.Enlist(rEarly, &resource.Bean{UniqueName: "early", TwoPCOrderingPosition: 0})
	require.NoError(t, err)
	_, err = tx.Enlist(rMid, &resource.Bean{UniqueName: "mid", TwoPCOrderingPosition: 5})
	require.NoError(t, err)

	names := func(holders []*resource.HolderState) []string {
		out := make([]string, len(holders))
		for i, h := range holders {
			out[i] = h.UniqueName()
		}
		return out
	}
	require.Equal(t, []string{"early", "mid", "late"}, names(tx.Branches()))
	require.Equal(t, []string{"late", "mid", "early"}, names(tx.BranchesReverse()))
	require.Equal(t, []string{"late", "early", "mid"}, names(tx.Enlisted()))
}

func TestEnlistAssignsDistinctBquals(t *testing.T) {
	tx := newTransaction(t, time.Minute)

	h1, err := tx.Enlist(xatest.NewMockResource("rm1", "rm1", nil), &resource.Bean{UniqueName: "rm1"})
	require.NoError(t, err)
	h2, err := tx.Enlist(xatest.NewMockResource("rm2", "rm2", nil), &resource.Bean{UniqueName: "rm2"})
	require.NoError(t, err)

	require.Equal(t, tx.Gtrid(), h1.Xid().Gtrid)
	require.Equal(t, tx.Gtrid(), h2.Xid().Gtrid)
	require.NotEqual(t, h1.Xid().Bqual, h2.Xid().Bqual)
}

func TestEnlistJoinsSameResourceManager(t *testing.T) {
	tx := newTransaction(t, time.Minute)

	log := &xatest.CallLog{}
	r1 := xatest.NewMockResource("rm1a", "sharedRM", log)
	r2 := xatest.NewMockResource("rm1b", "sharedRM", log)

	_, err := tx.Enlist(r1, &resource.Bean{UniqueName: "rm1a", UseTMJoin: true})
	require.NoError(t, err)
	_, err = tx.Enlist(r2, &resource.Bean{UniqueName: "rm1b", UseTMJoin: true})
	require.NoError(t, err)

	// without useTmJoin a third branch on the same RM starts with TMNOFLAGS
	r3 := xatest.NewMockResource("rm1c", "sharedRM", log)
	_, err = tx.Enlist(r3, &resource.Bean{UniqueName: "rm1c", UseTMJoin: false})
	require.NoError(t, err)
}

func TestEnlistRejectedOutsideActive(t *testing.T) {
	tx := newTransaction(t, time.Minute)
	require.NoError(t, tx.MarkRollbackOnly())

	_, err := tx.Enlist(xatest.NewMockResource("rm1", "rm1", nil), &resource.Bean{UniqueName: "rm1"})
	var rb *RollbackError
	require.ErrorAs(t, err, &rb)
}

func TestSuspendResume(t *testing.T) {
	tx := newTransaction(t, time.Minute)
	h, err := tx.Enlist(xatest.NewMockResource("rm1", "rm1", nil), &resource.Bean{UniqueName: "rm1"})
	require.NoError(t, err)

	require.NoError(t, tx.Suspend())
	require.True(t, h.IsSuspended())
	require.NoError(t, tx.Resume())
	require.False(t, h.IsSuspended())
	require.True(t, h.IsStarted())

	require.NoError(t, tx.EndActiveBranches(xa.TMSuccess))
	require.True(t, h.IsEnded())
}

func TestSynchronizationOrdering(t *testing.T) {
	tx := newTransaction(t, time.Minute)

	var order []string
	add := func(name string, position int) {
		require.NoError(t, tx.RegisterSynchronization(&SynchronizationFunc{
			Before: func() { order = append(order, name+":before") },
			After:  func(s Status) { order = append(order, name+":after:"+s.String()) },
		}, position))
	}
	add("user", scheduler.DefaultPosition)
	require.NoError(t, tx.RegisterInterposedSynchronization(&SynchronizationFunc{
		Before: func() { order = append(order, "interposed:before") },
	}))
	add("late", scheduler.AlwaysLastPosition)

	require.NoError(t, tx.FireBeforeCompletion())
	tx.FireAfterCompletion(Committed)

	require.Equal(t, []string{
		"user:before", "interposed:before", "late:before",
		"user:after:COMMITTED", "late:after:COMMITTED",
	}, order)
}

func TestBeforeCompletionPanicMarksRollbackOnly(t *testing.T) {
	tx := newTransaction(t, time.Minute)
	require.NoError(t, tx.RegisterSynchronization(&SynchronizationFunc{
		Before: func() { panic("veto") },
	}, scheduler.DefaultPosition))

	require.Error(t, tx.FireBeforeCompletion())
	require.True(t, tx.RollbackOnly())
}
