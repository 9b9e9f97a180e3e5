// Package xatest provides an in-memory Resource implementation used by
// tests across the coordinator packages.
package xatest

import (
	"sync"

	"github.com/codehaus/btm/core/uid"
	"github.com/codehaus/btm/core/xa"
)

// CallLog records the order of XA calls across a set of mock resources so
// tests can assert cross-resource ordering.
type CallLog struct {
	mu    sync.Mutex
	calls []Call
}

// Call is one recorded XA operation.
type Call struct {
	Resource string
	Op       string
	Xid      uid.Xid
}

func (l *CallLog) record(resource, op string, xid uid.Xid) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, Call{Resource: resource, Op: op, Xid: xid})
}

// Calls returns a snapshot of the recorded calls.
func (l *CallLog) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Call, len(l.calls))
	copy(out, l.calls)
	return out
}

// Ops returns the recorded "resource:op" strings in order.
func (l *CallLog) Ops() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.calls))
	for _, c := range l.calls {
		out = append(out, c.Resource+":"+c.Op)
	}
	return out
}

// MockResource is a scriptable xa.Resource. Zero-value behavior is a
// well-behaved resource that votes OK and never fails; tests plug errors
// into the *Err fields to script failures.
type MockResource struct {
	name string
	rmID string
	log  *CallLog

	mu         sync.Mutex
	inDoubt    []uid.Xid
	scanServed bool

	Started    []uid.Xid
	Ended      []uid.Xid
	Prepared   []uid.Xid
	Committed  []uid.Xid
	RolledBack []uid.Xid
	Forgotten  []uid.Xid

	PrepareVote xa.Vote
	StartErr    error
	EndErr      error
	PrepareErr  error
	CommitErr   error
	RollbackErr error
	ForgetErr   error
	RecoverErr  error

	Emulating bool
	Timeout   int
}

// NewMockResource builds a mock named resource. Resources created with the
// same rmID report true from IsSameRM.
func NewMockResource(name, rmID string, log *CallLog) *MockResource {
	return &MockResource{name: name, rmID: rmID, log: log}
}

// Name returns the resource's unique name.
func (m *MockResource) Name() string {
	return m.name
}

// AddInDoubt seeds an in-doubt Xid that Recover will report until the
// branch is committed, rolled back or forgotten.
func (m *MockResource) AddInDoubt(xid uid.Xid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inDoubt = append(m.inDoubt, xid)
}

// InDoubt returns the Xids still reported as in-doubt.
func (m *MockResource) InDoubt() []uid.Xid {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uid.Xid, len(m.inDoubt))
	copy(out, m.inDoubt)
	return out
}

func (m *MockResource) removeInDoubt(xid uid.Xid) {
	for i, x := range m.inDoubt {
		if x == xid {
			m.inDoubt = append(m.inDoubt[:i], m.inDoubt[i+1:]...)
			return
		}
	}
}

func (m *MockResource) Start(xid uid.Xid, flags xa.Flag) error {
	m.log.record(m.name, "start", xid)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	m.Started = append(m.Started, xid)
	return nil
}

func (m *MockResource) End(xid uid.Xid, flags xa.Flag) error {
	m.log.record(m.name, "end", xid)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EndErr != nil {
		return m.EndErr
	}
	m.Ended = append(m.Ended, xid)
	return nil
}

func (m *MockResource) Prepare(xid uid.Xid) (xa.Vote, error) {
	m.log.record(m.name, "prepare", xid)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PrepareErr != nil {
		return 0, m.PrepareErr
	}
	m.Prepared = append(m.Prepared, xid)
	return m.PrepareVote, nil
}

func (m *MockResource) Commit(xid uid.Xid, onePhase bool) error {
	if onePhase {
		m.log.record(m.name, "commit-1pc", xid)
	} else {
		m.log.record(m.name, "commit", xid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return m.CommitErr
	}
	m.Committed = append(m.Committed, xid)
	m.removeInDoubt(xid)
	return nil
}

func (m *MockResource) Rollback(xid uid.Xid) error {
	m.log.record(m.name, "rollback", xid)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RollbackErr != nil {
		return m.RollbackErr
	}
	m.RolledBack = append(m.RolledBack, xid)
	m.removeInDoubt(xid)
	return nil
}

func (m *MockResource) Forget(xid uid.Xid) error {
	m.log.record(m.name, "forget", xid)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForgetErr != nil {
		return m.ForgetErr
	}
	m.Forgotten = append(m.Forgotten, xid)
	m.removeInDoubt(xid)
	return nil
}

// Recover emulates a scan session: the TMSTARTRSCAN call reports every
// in-doubt branch, subsequent TMNOFLAGS calls report none until a new scan
// starts.
func (m *MockResource) Recover(flags xa.Flag) ([]uid.Xid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecoverErr != nil {
		return nil, m.RecoverErr
	}
	if flags&xa.TMStartRScan != 0 {
		m.scanServed = true
		out := make([]uid.Xid, len(m.inDoubt))
		copy(out, m.inDoubt)
		return out, nil
	}
	if flags&xa.TMEndRScan != 0 {
		m.scanServed = false
		return nil, nil
	}
	return nil, nil
}

func (m *MockResource) IsSameRM(other xa.Resource) (bool, error) {
	o, ok := other.(*MockResource)
	return ok && o.rmID == m.rmID, nil
}

func (m *MockResource) SetTransactionTimeout(seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timeout = seconds
	return nil
}

// EmulatingXA reports whether the mock acts as a last-resource-commit
// participant.
func (m *MockResource) EmulatingXA() bool {
	return m.Emulating
}
