// Package transaction implements the per-transaction coordinator state: the
// status machine, the ordered branch set, completion synchronizations, the
// timeout deadline and the rollback-only flag. The two-phase engine and the
// manager façade drive instances of this package.
package transaction

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/codehaus/btm/core/resource"
	"github.com/codehaus/btm/core/scheduler"
	"github.com/codehaus/btm/core/uid"
	"github.com/codehaus/btm/core/xa"
)

// InterposedPosition orders synchronizations registered through the
// synchronization registry strictly after user synchronizations.
const InterposedPosition = scheduler.DefaultPosition + 1

// Transaction is one distributed transaction: its global id, status,
// branches and synchronizations. A transaction is pinned to the goroutine
// that began it until suspended; a suspended transaction may resume on any
// goroutine. The timeout task and the manager are the only other writers,
// and all state mutation goes through the embedded lock.
type Transaction struct {
	log *zap.Logger
	gen *uid.Generator

	gtrid     uid.Uid
	startedAt time.Time
	timeoutAt time.Time

	mu       sync.Mutex
	status   Status
	branches *scheduler.Scheduler[*resource.HolderState]
	enlisted []*resource.HolderState
	byXid    map[uid.Xid]*resource.HolderState
	syncs    *scheduler.Scheduler[Synchronization]
}

// New begins a transaction: a fresh gtrid, ACTIVE status and an absolute
// deadline now+timeout.
func New(gen *uid.Generator, timeout time.Duration, log *zap.Logger) *Transaction {
	now := time.Now()
	return &Transaction{
		log:       log,
		gen:       gen,
		gtrid:     gen.Generate(),
		startedAt: now,
		timeoutAt: now.Add(timeout),
		status:    Active,
		branches:  scheduler.New[*resource.HolderState](),
		byXid:     make(map[uid.Xid]*resource.HolderState),
		syncs:     scheduler.New[Synchronization](),
	}
}

// Gtrid returns the global transaction id.
func (t *Transaction) Gtrid() uid.Uid {
	return t.gtrid
}

// StartedAt returns the begin time.
func (t *Transaction) StartedAt() time.Time {
	return t.startedAt
}

// TimeoutAt returns the absolute deadline.
func (t *Transaction) TimeoutAt() time.Time {
	return t.timeoutAt
}

// TimedOut reports whether the deadline has passed.
func (t *Transaction) TimedOut() bool {
	return !time.Now().Before(t.timeoutAt)
}

// Status returns the current status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus moves the transaction along the legal transition graph. An
// illegal transition is a protocol error and leaves the status untouched.
func (t *Transaction) SetStatus(next Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.CanTransition(next) {
		return &ProtocolError{Msg: fmt.Sprintf("cannot change transaction status from %s to %s on %s", t.status, next, t.gtrid)}
	}
	t.log.Debug("changing transaction status",
		zap.Stringer("gtrid", t.gtrid),
		zap.Stringer("from", t.status),
		zap.Stringer("to", next))
	t.status = next
	return nil
}

// MarkRollbackOnly flags the transaction so any commit attempt turns into a
// rollback. Only legal before 2PC has started.
func (t *Transaction) MarkRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case MarkedRollback:
		return nil
	case Active:
		t.log.Debug("marking transaction rollback-only", zap.Stringer("gtrid", t.gtrid))
		t.status = MarkedRollback
		return nil
	default:
		return &ProtocolError{Msg: fmt.Sprintf("cannot mark transaction rollback-only in status %s", t.status)}
	}
}

// MarkUnknown forces a non-terminal transaction to UNKNOWN, bypassing the
// transition table. Reserved for internal failures (journal I/O, executor
// refusal) where the true outcome is genuinely unknowable; the last durable
// journal record then determines the recovery outcome.
func (t *Transaction) MarkUnknown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.log.Warn("forcing transaction status to UNKNOWN",
		zap.Stringer("gtrid", t.gtrid), zap.Stringer("from", t.status))
	t.status = Unknown
}

// RollbackOnly reports whether the transaction can only roll back.
func (t *Transaction) RollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == MarkedRollback
}

// Enlist creates a branch pairing the resource with this transaction,
// assigns it a fresh Xid under the transaction's gtrid and starts it.
// TMJOIN is used iff the resource allows joining and a branch on the same
// resource manager already exists under this transaction.
func (t *Transaction) Enlist(res xa.Resource, bean *resource.Bean) (*resource.HolderState, error) {
	t.mu.Lock()
	switch t.status {
	case Active:
	case MarkedRollback:
		t.mu.Unlock()
		return nil, &RollbackError{Msg: "transaction has been marked as rollback only"}
	default:
		t.mu.Unlock()
		return nil, &ProtocolError{Msg: fmt.Sprintf("cannot enlist a resource on a transaction in status %s", t.status)}
	}

	flags := xa.TMNoFlags
	if bean.UseTMJoin {
		for _, existing := range t.enlisted {
			same, err := existing.Resource().IsSameRM(res)
			if err != nil {
				t.mu.Unlock()
				return nil, &SystemError{Msg: fmt.Sprintf("cannot check resource manager identity of %s", bean.UniqueName), Cause: err}
			}
			if same {
				flags = xa.TMJoin
				break
			}
		}
	}
	t.mu.Unlock()

	holder := resource.NewHolderState(res, bean, t.log)
	if err := holder.SetXid(t.gen.GenerateXid(t.gtrid)); err != nil {
		return nil, &SystemError{Msg: "cannot assign XID to branch", Cause: err}
	}

	if bean.ApplyTransactionTimeout {
		seconds := int(time.Until(t.timeoutAt).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		if err := res.SetTransactionTimeout(seconds); err != nil {
			t.log.Warn("cannot propagate transaction timeout to resource",
				zap.String("resource", bean.UniqueName), zap.Error(err))
		}
	}

	if err := holder.Start(flags); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.enlisted = append(t.enlisted, holder)
	t.byXid[holder.Xid()] = holder
	t.branches.Add(holder, bean.TwoPCOrderingPosition)
	t.mu.Unlock()

	t.log.Debug("enlisted branch",
		zap.Stringer("gtrid", t.gtrid),
		zap.String("resource", bean.UniqueName),
		zap.Bool("joined", flags == xa.TMJoin))
	return holder, nil
}

// Delist ends the branch with the given flag.
func (t *Transaction) Delist(holder *resource.HolderState, flag xa.Flag) error {
	return holder.End(flag)
}

// EndActiveBranches ends every branch not yet terminally ended, with
// TMSUCCESS on the commit path and TMFAIL on the rollback path. Failures
// are aggregated; every branch gets its end attempt.
func (t *Transaction) EndActiveBranches(flag xa.Flag) error {
	var err error
	for _, holder := range t.Branches() {
		if holder.IsEnded() {
			continue
		}
		if endErr := holder.End(flag); endErr != nil {
			err = multierr.Append(err, fmt.Errorf("cannot end branch on resource %s: %w", holder.UniqueName(), endErr))
		}
	}
	return err
}

// Suspend suspends every started branch.
func (t *Transaction) Suspend() error {
	var err error
	for _, holder := range t.Branches() {
		if !holder.IsStarted() {
			continue
		}
		if e := holder.End(xa.TMSuspend); e != nil {
			err = multierr.Append(err, fmt.Errorf("cannot suspend branch on resource %s: %w", holder.UniqueName(), e))
		}
	}
	return err
}

// Resume resumes every suspended branch.
func (t *Transaction) Resume() error {
	var err error
	for _, holder := range t.Branches() {
		if !holder.IsSuspended() {
			continue
		}
		if e := holder.Start(xa.TMResume); e != nil {
			err = multierr.Append(err, fmt.Errorf("cannot resume branch on resource %s: %w", holder.UniqueName(), e))
		}
	}
	return err
}

// Branches returns the branches in ascending two-phase order, insertion
// order within a position.
func (t *Transaction) Branches() []*resource.HolderState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.branches.All()
}

// BranchesReverse returns the branches in descending two-phase order.
func (t *Transaction) BranchesReverse() []*resource.HolderState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.branches.AllReverse()
}

// Enlisted returns the branches in enlistment order.
func (t *Transaction) Enlisted() []*resource.HolderState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*resource.HolderState, len(t.enlisted))
	copy(out, t.enlisted)
	return out
}

// BranchCount returns the number of enlisted branches.
func (t *Transaction) BranchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enlisted)
}

// RegisterSynchronization adds a completion callback at the given position.
func (t *Transaction) RegisterSynchronization(s Synchronization, position int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case Active:
		t.syncs.Add(s, position)
		return nil
	case MarkedRollback:
		return &RollbackError{Msg: "transaction has been marked as rollback only"}
	default:
		return &ProtocolError{Msg: fmt.Sprintf("cannot register a synchronization on a transaction in status %s", t.status)}
	}
}

// RegisterInterposedSynchronization adds a callback running strictly after
// user-registered synchronizations.
func (t *Transaction) RegisterInterposedSynchronization(s Synchronization) error {
	return t.RegisterSynchronization(s, InterposedPosition)
}

// FireBeforeCompletion runs the before-completion callbacks in position
// order. A panicking callback marks the transaction rollback-only and is
// surfaced as an error.
func (t *Transaction) FireBeforeCompletion() error {
	t.mu.Lock()
	syncs := t.syncs.All()
	t.mu.Unlock()

	for _, s := range syncs {
		if e := t.fireBefore(s); e != nil {
			_ = t.MarkRollbackOnly()
			return e
		}
	}
	return nil
}

func (t *Transaction) fireBefore(s Synchronization) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("synchronization failed before completion of %s: %v", t.gtrid, r)
		}
	}()
	s.BeforeCompletion()
	return nil
}

// FireAfterCompletion runs the after-completion callbacks in position
// order with the terminal status. Panics are logged, never propagated.
func (t *Transaction) FireAfterCompletion(status Status) {
	t.mu.Lock()
	syncs := t.syncs.All()
	t.mu.Unlock()

	for _, s := range syncs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.Warn("synchronization failed after completion",
						zap.Stringer("gtrid", t.gtrid), zap.Any("panic", r))
				}
			}()
			s.AfterCompletion(status)
		}()
	}
}

func (t *Transaction) String() string {
	return fmt.Sprintf("a Transaction with GTRID %s, status %s and %d enlisted resource(s)",
		t.gtrid, t.Status(), t.BranchCount())
}
