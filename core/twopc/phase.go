package twopc

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codehaus/btm/core/resource"
	"github.com/codehaus/btm/core/transaction"
	"github.com/codehaus/btm/core/xa"
)

// defaultPollInterval is how often a phase checks job completion so the
// transaction timeout is honored even when an XA call hangs.
const defaultPollInterval = time.Second

// outcome pairs a branch with the result of its phase job.
type outcome struct {
	holder *resource.HolderState
	err    error
}

// groupByPosition splits an ordered branch list into runs of equal ordering
// position. Positions form a barrier: a group only starts once the previous
// group completed.
func groupByPosition(holders []*resource.HolderState) [][]*resource.HolderState {
	var groups [][]*resource.HolderState
	for _, h := range holders {
		n := len(groups)
		if n > 0 && groups[n-1][0].OrderingPosition() == h.OrderingPosition() {
			groups[n-1] = append(groups[n-1], h)
			continue
		}
		groups = append(groups, []*resource.HolderState{h})
	}
	return groups
}

// runPhase executes fn once per branch, position group by position group.
// Within a group, count−1 jobs go to the executor and the last branch runs
// on the calling goroutine, so a single-branch group never leaves the
// caller. Completion is polled so the transaction deadline interrupts the
// phase; outstanding jobs are then abandoned, their completion ignored.
func runPhase(tx *transaction.Transaction, phase string, groups [][]*resource.HolderState,
	exec Executor, poll time.Duration, fn func(*resource.HolderState) error) ([]outcome, error) {
	if poll <= 0 {
		poll = defaultPollInterval
	}

	var outcomes []outcome
	for _, group := range groups {
		results := make([]error, len(group))
		futures := make([]Future, len(group)-1)
		for i := 0; i < len(group)-1; i++ {
			i, h := i, group[i]
			futures[i] = exec.Submit(func() { results[i] = safeCall(fn, h) })
		}
		last := len(group) - 1
		results[last] = safeCall(fn, group[last])

		for i, f := range futures {
			for !f.Done() {
				f.Wait(poll)
				if !f.Done() && tx.TimedOut() {
					return nil, &transaction.TimeoutError{
						Msg: fmt.Sprintf("transaction timed out during %s on %s (completed %d out of %d job(s))",
							phase, group[i].UniqueName(), i, len(futures)),
					}
				}
			}
		}
		for i, h := range group {
			outcomes = append(outcomes, outcome{holder: h, err: results[i]})
		}
	}
	return outcomes, nil
}

func safeCall(fn func(*resource.HolderState) error, h *resource.HolderState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &transaction.SystemError{Msg: fmt.Sprintf("branch operation panicked on resource %s: %v", h.UniqueName(), r)}
		}
	}()
	return fn(h)
}

// collectFailed splits failed outcomes into heuristic and plain-error
// groups, reporting whether a hazard was observed.
func collectFailed(outcomes []outcome) (heuristic, errored []outcome, hazard, allHeurRB bool) {
	allHeurRB = true
	for _, o := range outcomes {
		if o.err == nil {
			continue
		}
		code, ok := xa.ErrorCode(o.err)
		if ok && code.Heuristic() {
			heuristic = append(heuristic, o)
			if code == xa.HeurHaz {
				hazard = true
			}
			if code != xa.HeurRB {
				allHeurRB = false
			}
			continue
		}
		errored = append(errored, o)
	}
	return heuristic, errored, hazard, allHeurRB
}

func names(outcomes []outcome) []string {
	out := make([]string, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.holder.UniqueName()
	}
	return out
}

// forget asks the resource to forget a heuristically completed branch,
// logging instead of propagating failures.
func forget(h *resource.HolderState, log *zap.Logger) {
	if err := h.Resource().Forget(h.Xid()); err != nil {
		log.Error("cannot forget branch",
			zap.Stringer("xid", h.Xid()),
			zap.String("resource", h.UniqueName()),
			zap.Error(err))
	}
}
