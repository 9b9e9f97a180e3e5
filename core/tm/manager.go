package tm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codehaus/btm/core/resource"
	"github.com/codehaus/btm/core/timer"
	"github.com/codehaus/btm/core/transaction"
	"github.com/codehaus/btm/core/twopc"
	"github.com/codehaus/btm/core/uid"
	"github.com/codehaus/btm/core/xa"
)

// Manager is the transaction manager façade: it begins transactions, drives
// the commit and rollback sequences through the two-phase engines and the
// journal, tracks the in-flight transaction set consumed by recovery, and
// shuts the whole coordinator down gracefully.
type Manager struct {
	svc *Services
	log *zap.Logger
	gen *uid.Generator

	preparer   *twopc.Preparer
	committer  *twopc.Committer
	rollbacker *twopc.Rollbacker

	mu           sync.Mutex
	inFlight     map[uid.Uid]*transaction.Transaction
	timeoutTasks map[uid.Uid]*timer.Task
	shuttingDown bool
}

// NewManager builds the façade over the services context, wires itself as
// the recoverer's in-flight source and schedules background recovery when
// configured.
func NewManager(svc *Services) *Manager {
	m := &Manager{
		svc:          svc,
		log:          svc.Log,
		gen:          uid.NewGenerator(svc.Config.ServerIDBytes()),
		preparer:     twopc.NewPreparer(svc.Executor, svc.Log),
		committer:    twopc.NewCommitter(svc.Executor, svc.Log),
		rollbacker:   twopc.NewRollbacker(svc.Executor, svc.Log),
		inFlight:     make(map[uid.Uid]*transaction.Transaction),
		timeoutTasks: make(map[uid.Uid]*timer.Task),
	}
	m.preparer.WarnAboutZeroResource = svc.Config.WarnAboutZeroResourceTransaction
	svc.Recoverer.SetInFlightSource(m)

	if interval := svc.Config.BackgroundRecoveryIntervalMinutes; interval > 0 {
		m.scheduleBackgroundRecovery(time.Duration(interval) * time.Minute)
	}
	return m
}

// RunRecovery executes one full recovery pass synchronously, as done at
// startup once every resource is registered.
func (m *Manager) RunRecovery() {
	m.svc.Recoverer.Run()
	m.svc.Metrics.recovered(m.svc.Recoverer.CommittedCount(), m.svc.Recoverer.RolledbackCount())
}

func (m *Manager) scheduleBackgroundRecovery(interval time.Duration) {
	var schedule func(at time.Time)
	schedule = func(at time.Time) {
		m.svc.Timer.Schedule("background-recovery", at, func() {
			// recovery can be slow; the task only dispatches it
			go m.RunRecovery()
			schedule(time.Now().Add(interval))
		})
	}
	schedule(time.Now().Add(interval))
}

// InFlight implements recovery.InFlightSource: the gtrids currently
// executing with their begin times.
func (m *Manager) InFlight() map[uid.Uid]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uid.Uid]time.Time, len(m.inFlight))
	for gtrid, tx := range m.inFlight {
		out[gtrid] = tx.StartedAt()
	}
	return out
}

// OldestInFlight returns the begin time of the oldest running transaction,
// or the zero time when none runs.
func (m *Manager) OldestInFlight() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest time.Time
	for _, tx := range m.inFlight {
		if oldest.IsZero() || tx.StartedAt().Before(oldest) {
			oldest = tx.StartedAt()
		}
	}
	return oldest
}

// Begin starts a transaction with the configured default timeout.
func (m *Manager) Begin() (*transaction.Transaction, error) {
	return m.BeginWithTimeout(time.Duration(m.svc.Config.DefaultTransactionTimeoutSeconds) * time.Second)
}

// BeginWithTimeout starts a transaction with an explicit timeout. The
// timeout task marks the transaction rollback-only when the deadline
// passes.
func (m *Manager) BeginWithTimeout(timeout time.Duration) (*transaction.Transaction, error) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, &transaction.SystemError{Msg: "cannot begin a transaction, the transaction manager is shutting down"}
	}
	m.mu.Unlock()

	tx := transaction.New(m.gen, timeout, m.log)
	task := m.svc.Timer.Schedule("transaction-timeout", tx.TimeoutAt(), func() {
		if err := tx.MarkRollbackOnly(); err == nil {
			m.log.Warn("transaction timed out", zap.Stringer("gtrid", tx.Gtrid()))
			m.svc.Metrics.timeout()
		}
	})

	m.mu.Lock()
	m.inFlight[tx.Gtrid()] = tx
	m.timeoutTasks[tx.Gtrid()] = task
	m.mu.Unlock()

	m.log.Debug("began transaction", zap.Stringer("gtrid", tx.Gtrid()), zap.Duration("timeout", timeout))
	return tx, nil
}

// Commit drives the full commit sequence: before-completion callbacks,
// branch delistment, parallel prepare, the COMMITTING decision record,
// parallel commit, the COMMITTED record and after-completion callbacks. A
// transaction marked rollback-only (including by timeout) rolls back
// instead and the caller learns it through a rollback error.
func (m *Manager) Commit(tx *transaction.Transaction) error {
	if tx == nil {
		return &transaction.SystemError{Msg: "no transaction to commit"}
	}
	status := tx.Status()
	if status != transaction.Active && status != transaction.MarkedRollback {
		return &transaction.ProtocolError{Msg: fmt.Sprintf("cannot commit a transaction in status %s", status)}
	}

	if err := tx.FireBeforeCompletion(); err != nil {
		m.log.Warn("before-completion synchronization failed, transaction will roll back",
			zap.Stringer("gtrid", tx.Gtrid()), zap.Error(err))
	}
	if tx.TimedOut() {
		_ = tx.MarkRollbackOnly()
	}

	if tx.RollbackOnly() {
		if err := m.rollbackPhase(tx); err != nil {
			m.complete(tx)
			return err
		}
		m.complete(tx)
		m.svc.Metrics.rollback()
		return &transaction.RollbackError{Msg: "transaction was marked as rollback only and has been rolled back"}
	}

	if err := tx.EndActiveBranches(xa.TMSuccess); err != nil {
		m.log.Warn("branch delistment failed, transaction will roll back",
			zap.Stringer("gtrid", tx.Gtrid()), zap.Error(err))
		if rbErr := m.rollbackPhase(tx); rbErr != nil {
			m.complete(tx)
			return rbErr
		}
		m.complete(tx)
		m.svc.Metrics.rollback()
		return &transaction.RollbackError{Msg: "transaction failed to delist its branches and has been rolled back", Cause: err}
	}

	participants, err := m.preparer.Prepare(tx)
	if err != nil {
		return m.failAfterPrepare(tx, err)
	}

	// with a single enlisted branch the one-phase optimization applies: the
	// resource decides alone, no decision record is needed
	onePhase := tx.BranchCount() == 1
	journaled := false
	participantNames := uniqueNames(participants)

	if len(participants) > 0 && !onePhase {
		if jErr := m.svc.Journal.Log(transaction.Committing, tx.Gtrid(), participantNames); jErr != nil {
			tx.MarkUnknown()
			m.complete(tx)
			return &transaction.SystemError{Msg: "cannot journal the commit decision", Cause: jErr}
		}
		journaled = true
	}

	commitErr := m.committer.Commit(tx, participants)
	if commitErr != nil {
		if journaled && resolvedHeuristic(commitErr) {
			// the heuristic outcome is final: reconciliation stops here
			if jErr := m.svc.Journal.Log(transaction.Committed, tx.Gtrid(), participantNames); jErr != nil {
				m.log.Error("cannot journal terminal record after heuristic outcome",
					zap.Stringer("gtrid", tx.Gtrid()), zap.Error(jErr))
			}
		}
		if isHeuristic(commitErr) {
			m.svc.Metrics.heuristic()
		}
		m.complete(tx)
		return commitErr
	}

	if journaled {
		if jErr := m.svc.Journal.Log(transaction.Committed, tx.Gtrid(), participantNames); jErr != nil {
			// the commits are durable; recovery re-commits idempotently
			m.log.Error("cannot journal terminal record, recovery will finalize this transaction",
				zap.Stringer("gtrid", tx.Gtrid()), zap.Error(jErr))
		}
	}
	m.complete(tx)
	m.svc.Metrics.commit()
	return nil
}

// failAfterPrepare maps a phase 1 failure: vote failures and timeouts roll
// the prepared branches back, anything else leaves the transaction unknown.
func (m *Manager) failAfterPrepare(tx *transaction.Transaction, err error) error {
	var rollbackErr *transaction.RollbackError
	var timeoutErr *transaction.TimeoutError
	switch {
	case errors.As(err, &rollbackErr), errors.As(err, &timeoutErr):
		if rbErr := m.rollbackPhase(tx); rbErr != nil {
			m.log.Error("rollback after failed prepare did not complete",
				zap.Stringer("gtrid", tx.Gtrid()), zap.Error(rbErr))
		}
		m.complete(tx)
		m.svc.Metrics.rollback()
		return err
	default:
		tx.MarkUnknown()
		m.complete(tx)
		return err
	}
}

// Rollback drives the rollback sequence: branch delistment with TMFAIL, the
// ROLLING_BACK record, parallel rollback in reverse order, the ROLLEDBACK
// record and after-completion callbacks.
func (m *Manager) Rollback(tx *transaction.Transaction) error {
	if tx == nil {
		return &transaction.SystemError{Msg: "no transaction to rollback"}
	}
	status := tx.Status()
	if !status.CanTransition(transaction.RollingBack) {
		return &transaction.ProtocolError{Msg: fmt.Sprintf("cannot rollback a transaction in status %s", status)}
	}

	err := m.rollbackPhase(tx)
	m.complete(tx)
	if err != nil {
		return err
	}
	m.svc.Metrics.rollback()
	return nil
}

// rollbackPhase runs delistment, journaling and the rollback engine without
// completing the transaction.
func (m *Manager) rollbackPhase(tx *transaction.Transaction) error {
	if err := tx.EndActiveBranches(xa.TMFail); err != nil {
		// rollback proceeds anyway, the resources roll back ended or not
		m.log.Warn("branch delistment failed before rollback",
			zap.Stringer("gtrid", tx.Gtrid()), zap.Error(err))
	}

	branchNames := uniqueNames(tx.Branches())
	journaled := len(branchNames) > 0
	if journaled {
		if jErr := m.svc.Journal.Log(transaction.RollingBack, tx.Gtrid(), branchNames); jErr != nil {
			tx.MarkUnknown()
			return &transaction.SystemError{Msg: "cannot journal the rollback decision", Cause: jErr}
		}
	}

	err := m.rollbacker.Rollback(tx)
	if err != nil && !isHeuristic(err) {
		return err
	}
	if err != nil {
		m.svc.Metrics.heuristic()
		if !resolvedHeuristic(err) {
			// an unknowable branch outcome keeps the decision dangling
			return err
		}
	}
	if journaled {
		if jErr := m.svc.Journal.Log(transaction.RolledBack, tx.Gtrid(), branchNames); jErr != nil {
			m.log.Error("cannot journal terminal record, recovery will finalize this transaction",
				zap.Stringer("gtrid", tx.Gtrid()), zap.Error(jErr))
		}
	}
	return err
}

// Suspend suspends every branch of the transaction; the handle may then
// resume on any goroutine.
func (m *Manager) Suspend(tx *transaction.Transaction) error {
	if tx == nil {
		return &transaction.SystemError{Msg: "no transaction to suspend"}
	}
	return tx.Suspend()
}

// Resume resumes a suspended transaction on the calling goroutine.
func (m *Manager) Resume(tx *transaction.Transaction) error {
	if tx == nil {
		return &transaction.SystemError{Msg: "no transaction to resume"}
	}
	return tx.Resume()
}

// complete cancels the timeout task, clears the in-flight registration and
// fires the after-completion synchronizations with the terminal status.
func (m *Manager) complete(tx *transaction.Transaction) {
	m.mu.Lock()
	if task, ok := m.timeoutTasks[tx.Gtrid()]; ok {
		m.svc.Timer.Cancel(task)
		delete(m.timeoutTasks, tx.Gtrid())
	}
	delete(m.inFlight, tx.Gtrid())
	m.mu.Unlock()

	tx.FireAfterCompletion(tx.Status())
}

// Shutdown waits up to the configured graceful-shutdown interval for
// in-flight transactions to drain, then stops every service.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	grace := time.Duration(m.svc.Config.GracefulShutdownIntervalSeconds) * time.Second
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		pending := len(m.inFlight)
		m.mu.Unlock()
		if pending == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	m.mu.Lock()
	if pending := len(m.inFlight); pending > 0 {
		m.log.Warn("shutting down with transactions still in flight", zap.Int("count", pending))
	}
	m.mu.Unlock()

	return m.svc.Shutdown()
}

func uniqueNames(holders []*resource.HolderState) []string {
	seen := make(map[string]struct{}, len(holders))
	var out []string
	for _, h := range holders {
		if _, dup := seen[h.UniqueName()]; dup {
			continue
		}
		seen[h.UniqueName()] = struct{}{}
		out = append(out, h.UniqueName())
	}
	return out
}

func isHeuristic(err error) bool {
	var mixed *transaction.HeuristicMixedError
	var heurRB *transaction.HeuristicRollbackError
	return errors.As(err, &mixed) || errors.As(err, &heurRB)
}

// resolvedHeuristic reports whether every branch's fate is known despite
// the heuristic outcome, making the decision safe to finalize in the
// journal.
func resolvedHeuristic(err error) bool {
	var heurRB *transaction.HeuristicRollbackError
	if errors.As(err, &heurRB) {
		return true
	}
	var mixed *transaction.HeuristicMixedError
	if errors.As(err, &mixed) {
		return !mixed.Hazard && len(mixed.Errored) == 0
	}
	return false
}
