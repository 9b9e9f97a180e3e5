package resource

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codehaus/btm/core/xa"
)

// Factory creates a fresh XA handle for a pool.
type Factory func() (xa.Resource, error)

// Pool keeps reusable XA handles for one resource. It implements Producer.
// A pool that failed recovery stays registered; the next acquisition resets
// it and retries incremental recovery until one attempt succeeds.
type Pool struct {
	bean    *Bean
	factory Factory
	log     *zap.Logger

	// heal runs incremental recovery when a failed pool is acquired from.
	// Wired by the transaction manager services at registration time.
	heal func(*Pool) error

	mu          sync.Mutex
	idle        chan xa.Resource
	total       int
	failed      bool
	closed      bool
	recoveryRes xa.Resource
}

// NewPool builds a pool over the factory. The bean's pool sizes bound how
// many handles exist at once.
func NewPool(bean *Bean, factory Factory, log *zap.Logger) (*Pool, error) {
	if err := bean.Validate(); err != nil {
		return nil, err
	}
	max := bean.MaxPoolSize
	if max <= 0 {
		max = 8
	}
	return &Pool{
		bean:    bean,
		factory: factory,
		log:     log,
		idle:    make(chan xa.Resource, max),
	}, nil
}

// SetHealer installs the incremental-recovery hook run when acquiring from
// a failed pool.
func (p *Pool) SetHealer(heal func(*Pool) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heal = heal
}

// UniqueName implements Producer.
func (p *Pool) UniqueName() string {
	return p.bean.UniqueName
}

// Bean implements Producer.
func (p *Pool) Bean() *Bean {
	return p.bean
}

// Failed reports whether the pool is in failed state.
func (p *Pool) Failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// SetFailed implements Producer.
func (p *Pool) SetFailed(failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = failed
}

// Acquire hands out an XA handle, creating one when under the size limit
// and otherwise waiting up to the configured acquisition timeout. Acquiring
// from a failed pool first resets it and reruns incremental recovery.
func (p *Pool) Acquire() (xa.Resource, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool %s is closed", p.bean.UniqueName)
	}
	if p.failed {
		heal := p.heal
		p.mu.Unlock()
		if err := p.Reset(); err != nil {
			return nil, err
		}
		if heal != nil {
			if err := heal(p); err != nil {
				p.SetFailed(true)
				return nil, fmt.Errorf("resource %s stays failed, recovery did not succeed: %w", p.bean.UniqueName, err)
			}
		}
		p.SetFailed(false)
		p.mu.Lock()
	}

	select {
	case res := <-p.idle:
		p.mu.Unlock()
		return res, nil
	default:
	}

	if p.total < cap(p.idle) {
		p.total++
		p.mu.Unlock()
		res, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, fmt.Errorf("cannot create connection for resource %s: %w", p.bean.UniqueName, err)
		}
		return res, nil
	}
	p.mu.Unlock()

	timeout := time.Duration(p.bean.AcquisitionTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case res := <-p.idle:
		return res, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("cannot acquire connection from resource %s within %s", p.bean.UniqueName, timeout)
	}
}

// Release returns a handle to the pool.
func (p *Pool) Release(res xa.Resource) {
	if res == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	select {
	case p.idle <- res:
	default:
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
	}
}

// Shrink discards idle handles down to the configured minimum pool size.
func (p *Pool) Shrink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.total > p.bean.MinPoolSize {
		select {
		case <-p.idle:
			p.total--
		default:
			return
		}
	}
}

// Reset discards every idle handle and clears the failed flag.
func (p *Pool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case <-p.idle:
			p.total--
		default:
			p.failed = false
			return nil
		}
	}
}

// StartRecovery implements Producer: it dedicates one handle to a recovery
// scan until EndRecovery releases it.
func (p *Pool) StartRecovery() (*HolderState, error) {
	p.mu.Lock()
	if p.recoveryRes != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("recovery is already in progress on resource %s", p.bean.UniqueName)
	}
	p.mu.Unlock()

	res, err := p.Acquire()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.recoveryRes = res
	p.mu.Unlock()
	return NewHolderState(res, p.bean, p.log), nil
}

// EndRecovery implements Producer.
func (p *Pool) EndRecovery() error {
	p.mu.Lock()
	res := p.recoveryRes
	p.recoveryRes = nil
	p.mu.Unlock()
	if res != nil {
		p.Release(res)
	}
	return nil
}

// Close shuts the pool down and discards the idle handles.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for {
		select {
		case <-p.idle:
			p.total--
		default:
			p.log.Debug("pool closed", zap.String("resource", p.bean.UniqueName))
			return nil
		}
	}
}
