package resource

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codehaus/btm/core/uid"
	"github.com/codehaus/btm/core/xa"
	"github.com/codehaus/btm/core/xa/xatest"
)

func newHolder(t *testing.T) (*HolderState, *xatest.MockResource) {
	t.Helper()
	res := xatest.NewMockResource("rm1", "rm1", nil)
	bean := &Bean{UniqueName: "rm1", TwoPCOrderingPosition: 1}
	h := NewHolderState(res, bean, zap.NewNop())

	gen := uid.NewGenerator([]byte("node0"))
	require.NoError(t, h.SetXid(gen.GenerateXid(gen.Generate())))
	return h, res
}

func requireProto(t *testing.T, err error) {
	t.Helper()
	code, ok := xa.ErrorCode(err)
	require.True(t, ok, "expected an XA error, got %v", err)
	require.Equal(t, xa.ErrProto, code)
}

func TestXidSingleAssignment(t *testing.T) {
	res := xatest.NewMockResource("rm1", "rm1", nil)
	h := NewHolderState(res, &Bean{UniqueName: "rm1"}, zap.NewNop())

	gen := uid.NewGenerator([]byte("node0"))
	xid := gen.GenerateXid(gen.Generate())
	require.NoError(t, h.SetXid(xid))
	require.Equal(t, xid, h.Xid())
	require.Error(t, h.SetXid(gen.GenerateXid(gen.Generate())))
}

func TestStartEndLifecycle(t *testing.T) {
	h, res := newHolder(t)

	require.NoError(t, h.Start(xa.TMNoFlags))
	require.True(t, h.IsStarted())
	require.False(t, h.IsEnded())

	// double start is a protocol error
	requireProto(t, h.Start(xa.TMNoFlags))

	require.NoError(t, h.End(xa.TMSuccess))
	require.True(t, h.IsEnded())
	require.False(t, h.IsStarted())

	// double end is a protocol error
	requireProto(t, h.End(xa.TMSuccess))

	require.Len(t, res.Started, 1)
	require.Len(t, res.Ended, 1)
}

func TestSuspendResume(t *testing.T) {
	h, _ := newHolder(t)

	// suspend before start is a protocol error
	requireProto(t, h.End(xa.TMSuspend))
	// resume before suspend is a protocol error
	require.NoError(t, h.Start(xa.TMNoFlags))
	requireProto(t, h.Start(xa.TMResume))

	require.NoError(t, h.End(xa.TMSuspend))
	require.True(t, h.IsSuspended())
	require.False(t, h.IsEnded())

	requireProto(t, h.End(xa.TMSuspend))

	require.NoError(t, h.Start(xa.TMResume))
	require.False(t, h.IsSuspended())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p1, err := NewPool(&Bean{UniqueName: "rm1"}, func() (xa.Resource, error) {
		return xatest.NewMockResource("rm1", "rm1", nil), nil
	}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, r.Register(p1))
	require.Error(t, r.Register(p1), "duplicate names must be rejected")
	require.Same(t, p1, r.Get("rm1").(*Pool))
	require.Nil(t, r.Get("unknown"))
	require.Len(t, r.All(), 1)

	require.Error(t, r.Unregister("unknown"))
	require.NoError(t, r.Unregister("rm1"))
	require.Empty(t, r.All())
}

func TestPoolAcquireReleaseShrink(t *testing.T) {
	created := 0
	bean := &Bean{UniqueName: "rm1", MinPoolSize: 1, MaxPoolSize: 2}
	p, err := NewPool(bean, func() (xa.Resource, error) {
		created++
		return xatest.NewMockResource("rm1", "rm1", nil), nil
	}, zap.NewNop())
	require.NoError(t, err)

	r1, err := p.Acquire()
	require.NoError(t, err)
	r2, err := p.Acquire()
	require.NoError(t, err)
	require.Equal(t, 2, created)

	p.Release(r1)
	p.Release(r2)

	// released handles are reused
	r3, err := p.Acquire()
	require.NoError(t, err)
	require.Equal(t, 2, created)
	p.Release(r3)

	p.Shrink()
	r4, err := p.Acquire()
	require.NoError(t, err)
	p.Release(r4)
	require.NoError(t, p.Close())
}

func TestFailedPoolHealsOnAcquire(t *testing.T) {
	bean := &Bean{UniqueName: "rm1", MaxPoolSize: 2}
	p, err := NewPool(bean, func() (xa.Resource, error) {
		return xatest.NewMockResource("rm1", "rm1", nil), nil
	}, zap.NewNop())
	require.NoError(t, err)

	healCalls := 0
	healErr := errors.New("resource still down")
	p.SetHealer(func(*Pool) error {
		healCalls++
		if healCalls == 1 {
			return healErr
		}
		return nil
	})

	p.SetFailed(true)
	_, err = p.Acquire()
	require.ErrorIs(t, err, healErr)
	require.True(t, p.Failed(), "pool must stay failed until recovery succeeds")

	res, err := p.Acquire()
	require.NoError(t, err)
	require.False(t, p.Failed())
	require.Equal(t, 2, healCalls)
	p.Release(res)
}

func TestPoolRecoverySession(t *testing.T) {
	bean := &Bean{UniqueName: "rm1", MaxPoolSize: 1, AcquisitionTimeoutSeconds: 1}
	p, err := NewPool(bean, func() (xa.Resource, error) {
		return xatest.NewMockResource("rm1", "rm1", nil), nil
	}, zap.NewNop())
	require.NoError(t, err)

	h, err := p.StartRecovery()
	require.NoError(t, err)
	require.Equal(t, "rm1", h.UniqueName())

	_, err = p.StartRecovery()
	require.Error(t, err, "recovery sessions are serialized per resource")

	require.NoError(t, p.EndRecovery())
	h2, err := p.StartRecovery()
	require.NoError(t, err)
	require.NotNil(t, h2)
	require.NoError(t, p.EndRecovery())
}
