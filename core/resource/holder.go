package resource

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/codehaus/btm/core/uid"
	"github.com/codehaus/btm/core/xa"
)

// HolderState tracks one branch: the pairing of a resource with a
// transaction. It owns the assigned Xid and the started/ended/suspended
// flags, and checks every transition, failing with XAER_PROTO on an illegal
// one. There is exactly one HolderState per resource per transaction.
type HolderState struct {
	bean *Bean
	res  xa.Resource
	log  *zap.Logger

	mu        sync.Mutex
	xid       uid.Xid
	hasXid    bool
	started   bool
	ended     bool
	suspended bool
}

// NewHolderState binds a resource handle to its bean for the duration of
// one transaction participation.
func NewHolderState(res xa.Resource, bean *Bean, log *zap.Logger) *HolderState {
	return &HolderState{bean: bean, res: res, log: log}
}

// Resource returns the underlying XA handle.
func (h *HolderState) Resource() xa.Resource {
	return h.res
}

// Bean returns the resource's configuration descriptor.
func (h *HolderState) Bean() *Bean {
	return h.bean
}

// UniqueName returns the resource's registered name.
func (h *HolderState) UniqueName() string {
	return h.bean.UniqueName
}

// UseTMJoin reports whether branch joining is enabled for this resource.
func (h *HolderState) UseTMJoin() bool {
	return h.bean.UseTMJoin
}

// OrderingPosition returns the two-phase ordering position.
func (h *HolderState) OrderingPosition() int {
	return h.bean.TwoPCOrderingPosition
}

// Xid returns the assigned branch identifier.
func (h *HolderState) Xid() uid.Xid {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.xid
}

// SetXid assigns the branch identifier. Reassignment is a protocol
// violation.
func (h *HolderState) SetXid(xid uid.Xid) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasXid {
		return fmt.Errorf("a XID has already been assigned to an XAResourceHolderState with uniqueName=%s started=%v ended=%v suspended=%v",
			h.bean.UniqueName, h.started, h.ended, h.suspended)
	}
	h.log.Debug("assigning XID to branch", zap.Stringer("xid", xid), zap.String("resource", h.bean.UniqueName))
	h.xid = xid
	h.hasXid = true
	return nil
}

// IsStarted reports whether the branch is between start and end.
func (h *HolderState) IsStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// IsEnded reports whether the branch has been terminally ended.
func (h *HolderState) IsEnded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

// IsSuspended reports whether the branch is suspended.
func (h *HolderState) IsSuspended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.suspended
}

// Start drives xa.Start with the given flags, tracking the branch state.
// TMRESUME clears suspension; any other flag set marks the branch started.
func (h *HolderState) Start(flags xa.Flag) error {
	h.mu.Lock()

	if h.ended && flags == xa.TMResume {
		h.log.Debug("branch already ended, resuming state only", zap.String("resource", h.bean.UniqueName))
		h.suspended = false
		h.mu.Unlock()
		return nil
	}

	if flags == xa.TMResume {
		if !h.suspended {
			h.mu.Unlock()
			return xa.NewError(xa.ErrProto, fmt.Sprintf("resource hasn't been suspended, cannot resume it: %s", h))
		}
		if !h.started {
			h.mu.Unlock()
			return xa.NewError(xa.ErrProto, fmt.Sprintf("resource hasn't been started, cannot resume it: %s", h))
		}
	} else {
		if h.started {
			h.mu.Unlock()
			return xa.NewError(xa.ErrProto, fmt.Sprintf("resource already started: %s", h))
		}
	}
	xid := h.xid
	h.mu.Unlock()

	if err := h.res.Start(xid, flags); err != nil {
		return err
	}

	h.mu.Lock()
	if flags == xa.TMResume {
		h.suspended = false
	} else {
		h.started = true
	}
	h.mu.Unlock()
	return nil
}

// End drives xa.End with the given flags. TMSUSPEND suspends a started
// branch without terminally ending it; TMSUCCESS and TMFAIL end it.
func (h *HolderState) End(flags xa.Flag) error {
	h.mu.Lock()

	if h.ended && flags == xa.TMSuspend {
		h.log.Debug("branch already ended, suspending state only", zap.String("resource", h.bean.UniqueName))
		h.suspended = true
		h.mu.Unlock()
		return nil
	}
	if h.ended {
		h.mu.Unlock()
		return xa.NewError(xa.ErrProto, fmt.Sprintf("resource already ended: %s", h))
	}

	if flags == xa.TMSuspend {
		if !h.started {
			h.mu.Unlock()
			return xa.NewError(xa.ErrProto, fmt.Sprintf("resource hasn't been started, cannot suspend it: %s", h))
		}
		if h.suspended {
			h.mu.Unlock()
			return xa.NewError(xa.ErrProto, fmt.Sprintf("resource already suspended: %s", h))
		}
	}
	xid := h.xid
	h.mu.Unlock()

	if err := h.res.End(xid, flags); err != nil {
		return err
	}

	h.mu.Lock()
	if flags == xa.TMSuspend {
		h.suspended = true
	} else {
		h.ended = true
		h.started = false
	}
	h.mu.Unlock()
	return nil
}

func (h *HolderState) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("an XAResourceHolderState with uniqueName=%s started=%v ended=%v suspended=%v",
		h.bean.UniqueName, h.started, h.ended, h.suspended)
}
