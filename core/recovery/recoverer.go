// Package recovery reconciles in-doubt branches reported by resources with
// the decisions recorded in the journal: branches named by a COMMITTING
// record are committed, every other branch is presumed aborted and rolled
// back. Recovery runs fully at startup and periodically, and incrementally
// when a single resource is (re)opened.
package recovery

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/codehaus/btm/core/journal"
	"github.com/codehaus/btm/core/resource"
	"github.com/codehaus/btm/core/transaction"
	"github.com/codehaus/btm/core/uid"
	"github.com/codehaus/btm/core/xa"
)

// InFlightSource exposes the transactions currently executing in this
// process, keyed by gtrid with their begin times. Recovery never touches a
// branch whose transaction may still be finishing on another goroutine.
type InFlightSource interface {
	InFlight() map[uid.Uid]time.Time
}

// Recoverer drives full and incremental recovery. Only one full recovery
// runs at a time; incremental recovery is serialized per resource by the
// producer itself.
type Recoverer struct {
	log      *zap.Logger
	journal  journal.Journal
	registry *resource.Registry
	serverID []byte

	// CurrentNodeOnly skips in-doubt Xids whose gtrid embeds a different
	// server id.
	CurrentNodeOnly bool

	// limiter paces consecutive per-resource scans.
	limiter *rate.Limiter

	inFlightMu sync.Mutex
	inFlight   InFlightSource

	runMu sync.Mutex

	mu              sync.Mutex
	committedCount  int
	rolledbackCount int
	completionErr   error
}

// NewRecoverer builds a recoverer over the journal and the resource
// registry. serverID must match the generator embedded in every local
// gtrid.
func NewRecoverer(jrnl journal.Journal, registry *resource.Registry, serverID []byte, log *zap.Logger) *Recoverer {
	if len(serverID) > uid.MaxServerIDLength {
		serverID = serverID[:uid.MaxServerIDLength]
	}
	return &Recoverer{
		log:             log,
		journal:         jrnl,
		registry:        registry,
		serverID:        serverID,
		CurrentNodeOnly: true,
		limiter:         rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
}

// SetInFlightSource wires the transaction manager's in-flight view.
func (r *Recoverer) SetInFlightSource(src InFlightSource) {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	r.inFlight = src
}

// CommittedCount returns how many branches the last run committed.
func (r *Recoverer) CommittedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committedCount
}

// RolledbackCount returns how many branches the last run rolled back.
func (r *Recoverer) RolledbackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rolledbackCount
}

// CompletionException returns the aggregated per-resource failures of the
// last run, or nil.
func (r *Recoverer) CompletionException() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completionErr
}

// Run executes one full recovery pass over every registered resource. A
// pass already in progress makes Run a no-op.
func (r *Recoverer) Run() {
	if !r.runMu.TryLock() {
		r.log.Debug("recovery is already running, skipping this pass")
		return
	}
	defer r.runMu.Unlock()

	r.mu.Lock()
	r.committedCount = 0
	r.rolledbackCount = 0
	r.completionErr = nil
	r.mu.Unlock()

	scanStart := time.Now()
	r.log.Info("starting recovery pass", zap.Int("resources", len(r.registry.All())))

	dangling, err := r.journal.CollectDanglingRecords()
	if err != nil {
		r.setCompletionErr(fmt.Errorf("cannot collect dangling journal records: %w", err))
		return
	}

	handled := newHandledSet(dangling)
	for _, producer := range r.registry.All() {
		_ = r.limiter.Wait(context.Background())
		if err := r.recoverProducer(producer, dangling, handled, scanStart); err != nil {
			r.markFailed(producer, err)
		}
	}
	r.writeTerminalRecords(dangling, handled)

	r.mu.Lock()
	committed, rolledback := r.committedCount, r.rolledbackCount
	r.mu.Unlock()
	r.log.Info("recovery pass complete",
		zap.Int("committed", committed),
		zap.Int("rolledback", rolledback))
}

// RecoverResource runs the recovery algorithm restricted to one resource,
// as done when a pool is first opened or a failed resource is retried. The
// error is also reflected in the producer's failed state.
func (r *Recoverer) RecoverResource(producer resource.Producer) error {
	scanStart := time.Now()

	dangling, err := r.journal.CollectDanglingRecords()
	if err != nil {
		return fmt.Errorf("cannot collect dangling journal records: %w", err)
	}

	handled := newHandledSet(dangling)
	if err := r.recoverProducer(producer, dangling, handled, scanStart); err != nil {
		r.markFailed(producer, err)
		return err
	}

	// only finalize decisions this resource alone is responsible for
	name := producer.UniqueName()
	inFlight := r.inFlightView()
	for gtrid, entry := range dangling {
		state := handled[gtrid]
		if state.skipped || state.failed {
			continue
		}
		if _, active := inFlight[gtrid]; active {
			continue
		}
		if len(entry.UniqueNames) == 1 && entry.UniqueNames[0] == name {
			r.logTerminal(gtrid, entry)
		}
	}
	producer.SetFailed(false)
	return nil
}

// recoverProducer scans one resource for in-doubt branches and reconciles
// each against the dangling records.
func (r *Recoverer) recoverProducer(producer resource.Producer, dangling map[uid.Uid]journal.DanglingEntry,
	handled map[uid.Uid]*gtridState, scanStart time.Time) error {

	holder, err := producer.StartRecovery()
	if err != nil {
		return fmt.Errorf("cannot start recovery on resource %s: %w", producer.UniqueName(), err)
	}
	defer func() {
		if err := producer.EndRecovery(); err != nil {
			r.log.Warn("cannot end recovery session",
				zap.String("resource", producer.UniqueName()), zap.Error(err))
		}
	}()

	xids, err := r.scan(holder)
	if err != nil {
		return fmt.Errorf("cannot scan in-doubt branches of resource %s: %w", producer.UniqueName(), err)
	}
	r.log.Debug("in-doubt branches scanned",
		zap.String("resource", producer.UniqueName()), zap.Int("count", len(xids)))

	inFlight := r.inFlightView()
	for _, xid := range xids {
		gtrid := xid.Gtrid
		entry, dangles := dangling[gtrid]

		if _, active := inFlight[gtrid]; active {
			// the owning transaction may be finishing right now
			r.log.Debug("skipping in-doubt branch of an in-flight transaction",
				zap.Stringer("xid", xid), zap.String("resource", producer.UniqueName()))
			if dangles && entry.Timestamp < scanStart.UnixMilli() {
				markSkipped(handled, gtrid)
			}
			continue
		}

		if dangles && entry.Status == transaction.Committing && containsName(entry.UniqueNames, producer.UniqueName()) {
			if r.commitBranch(holder, xid) {
				r.mu.Lock()
				r.committedCount++
				r.mu.Unlock()
			} else {
				markFailedGtrid(handled, gtrid)
			}
			continue
		}

		// presumed abort: no commit decision survives for this branch
		if r.rollbackBranch(holder, xid) {
			r.mu.Lock()
			r.rolledbackCount++
			r.mu.Unlock()
		} else if dangles {
			markFailedGtrid(handled, gtrid)
		}
	}
	return nil
}

// scan drives the TMSTARTRSCAN / TMNOFLAGS / TMENDRSCAN protocol and keeps
// only Xids of this coordinator's brand, and of this node when
// CurrentNodeOnly is set.
func (r *Recoverer) scan(holder *resource.HolderState) ([]uid.Xid, error) {
	res := holder.Resource()
	seen := make(map[uid.Xid]struct{})
	var kept []uid.Xid

	collect := func(xids []uid.Xid) {
		for _, xid := range xids {
			if xid.Format != uid.FormatID {
				r.log.Debug("skipping in-doubt branch of another transaction manager",
					zap.Stringer("xid", xid), zap.Int32("formatId", xid.Format))
				continue
			}
			serverID := xid.Gtrid.ServerID()
			if serverID == nil {
				r.log.Warn("skipping in-doubt branch with an empty server id, its gtrid looks corrupted",
					zap.Stringer("xid", xid))
				continue
			}
			if r.CurrentNodeOnly && !bytes.Equal(serverID, r.serverID) {
				r.log.Info("skipping in-doubt branch belonging to another node",
					zap.Stringer("xid", xid), zap.ByteString("serverId", serverID))
				continue
			}
			if _, dup := seen[xid]; dup {
				continue
			}
			seen[xid] = struct{}{}
			kept = append(kept, xid)
		}
	}

	xids, err := res.Recover(xa.TMStartRScan)
	if err != nil {
		return nil, err
	}
	collect(xids)

	for len(xids) > 0 {
		xids, err = res.Recover(xa.TMNoFlags)
		if err != nil {
			r.log.Debug("TMNOFLAGS recovery call failed", zap.Error(err))
			break
		}
		collect(xids)
	}

	if _, err := res.Recover(xa.TMEndRScan); err != nil {
		r.log.Debug("TMENDRSCAN recovery call failed", zap.Error(err))
	}
	return kept, nil
}

// commitBranch completes an in-doubt branch the journal decided to commit.
// Heuristic commits match the decision and are forgotten; incompatible
// heuristics are forgotten and logged; any other failure leaves the branch
// for the next pass.
func (r *Recoverer) commitBranch(holder *resource.HolderState, xid uid.Xid) bool {
	name := holder.UniqueName()
	err := holder.Resource().Commit(xid, false)
	if err == nil {
		return true
	}

	code, ok := xa.ErrorCode(err)
	if !ok {
		r.log.Error("cannot commit in-doubt branch", zap.String("resource", name), zap.Error(err))
		return false
	}
	switch code {
	case xa.ErrNotA:
		r.log.Error("cannot commit in-doubt branch, it no longer exists - forgotten heuristic?",
			zap.String("resource", name), zap.Stringer("xid", xid))
		return true
	case xa.HeurCom:
		r.log.Info("in-doubt branch already heuristically committed, decision is compatible",
			zap.String("resource", name), zap.Stringer("xid", xid))
		r.forget(holder, xid)
		return true
	case xa.HeurRB, xa.HeurMix, xa.HeurHaz:
		r.log.Error("in-doubt branch heuristically finished incompatibly with the commit decision",
			zap.String("resource", name), zap.Stringer("xid", xid), zap.Stringer("code", code))
		r.forget(holder, xid)
		return false
	default:
		r.log.Error("cannot commit in-doubt branch, leaving it for the next recovery pass",
			zap.String("resource", name), zap.Stringer("xid", xid), zap.Stringer("code", code))
		return false
	}
}

// rollbackBranch aborts an in-doubt branch under the presumed-abort rule.
func (r *Recoverer) rollbackBranch(holder *resource.HolderState, xid uid.Xid) bool {
	name := holder.UniqueName()
	err := holder.Resource().Rollback(xid)
	if err == nil {
		return true
	}

	code, ok := xa.ErrorCode(err)
	if !ok {
		r.log.Error("cannot rollback in-doubt branch", zap.String("resource", name), zap.Error(err))
		return false
	}
	switch code {
	case xa.ErrNotA:
		r.log.Error("cannot rollback in-doubt branch, it no longer exists - forgotten heuristic?",
			zap.String("resource", name), zap.Stringer("xid", xid))
		return true
	case xa.HeurRB:
		r.log.Info("in-doubt branch already heuristically rolled back, decision is compatible",
			zap.String("resource", name), zap.Stringer("xid", xid))
		r.forget(holder, xid)
		return true
	case xa.HeurCom, xa.HeurMix, xa.HeurHaz:
		r.log.Error("in-doubt branch heuristically finished incompatibly with the rollback decision",
			zap.String("resource", name), zap.Stringer("xid", xid), zap.Stringer("code", code))
		r.forget(holder, xid)
		return false
	default:
		r.log.Error("cannot rollback in-doubt branch, leaving it for the next recovery pass",
			zap.String("resource", name), zap.Stringer("xid", xid), zap.Stringer("code", code))
		return false
	}
}

func (r *Recoverer) forget(holder *resource.HolderState, xid uid.Xid) {
	if err := holder.Resource().Forget(xid); err != nil {
		r.log.Error("cannot forget in-doubt branch",
			zap.String("resource", holder.UniqueName()), zap.Stringer("xid", xid), zap.Error(err))
	}
}

// writeTerminalRecords finalizes the journal for every dangling decision
// fully carried out by this pass, so it stops dangling. Decisions of
// in-flight transactions are left alone, their owner writes the terminal
// record itself.
func (r *Recoverer) writeTerminalRecords(dangling map[uid.Uid]journal.DanglingEntry, handled map[uid.Uid]*gtridState) {
	inFlight := r.inFlightView()
	for gtrid, entry := range dangling {
		state := handled[gtrid]
		if state.skipped || state.failed {
			continue
		}
		if _, active := inFlight[gtrid]; active {
			continue
		}
		r.logTerminal(gtrid, entry)
	}
}

func (r *Recoverer) logTerminal(gtrid uid.Uid, entry journal.DanglingEntry) {
	terminal := transaction.RolledBack
	if entry.Status == transaction.Committing {
		terminal = transaction.Committed
	}
	if err := r.journal.Log(terminal, gtrid, entry.UniqueNames); err != nil {
		r.log.Error("cannot write terminal journal record after recovery",
			zap.Stringer("gtrid", gtrid), zap.Error(err))
	}
}

func (r *Recoverer) markFailed(producer resource.Producer, err error) {
	if producer.Bean().IgnoreRecoveryFailures {
		r.log.Warn("recovery failed on resource, failure ignored as configured",
			zap.String("resource", producer.UniqueName()), zap.Error(err))
		return
	}
	r.log.Error("recovery failed on resource, marking it failed",
		zap.String("resource", producer.UniqueName()), zap.Error(err))
	producer.SetFailed(true)
	r.setCompletionErr(err)
}

func (r *Recoverer) setCompletionErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completionErr = multierr.Append(r.completionErr, err)
}

func (r *Recoverer) inFlightView() map[uid.Uid]time.Time {
	r.inFlightMu.Lock()
	src := r.inFlight
	r.inFlightMu.Unlock()
	if src == nil {
		return nil
	}
	return src.InFlight()
}

// gtridState tracks whether a dangling decision may be finalized.
type gtridState struct {
	skipped bool
	failed  bool
}

func newHandledSet(dangling map[uid.Uid]journal.DanglingEntry) map[uid.Uid]*gtridState {
	handled := make(map[uid.Uid]*gtridState, len(dangling))
	for gtrid := range dangling {
		handled[gtrid] = &gtridState{}
	}
	return handled
}

func markSkipped(handled map[uid.Uid]*gtridState, gtrid uid.Uid) {
	if state, ok := handled[gtrid]; ok {
		state.skipped = true
	}
}

func markFailedGtrid(handled map[uid.Uid]*gtridState, gtrid uid.Uid) {
	if state, ok := handled[gtrid]; ok {
		state.failed = true
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
