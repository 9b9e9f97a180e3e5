// Package tm assembles the transaction manager: the explicit services
// context replacing process-wide singletons, and the manager façade driving
// begin, commit, rollback, suspension and shutdown.
package tm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/codehaus/btm/config"
	"github.com/codehaus/btm/core/journal"
	"github.com/codehaus/btm/core/recovery"
	"github.com/codehaus/btm/core/resource"
	"github.com/codehaus/btm/core/timer"
	"github.com/codehaus/btm/core/twopc"
	"github.com/codehaus/btm/pkg/telemetry"
)

// poolShrinkInterval is how often registered pools discard idle handles.
const poolShrinkInterval = time.Minute

// Services is the context object every component hangs off. It is
// constructed once per process and passed through constructors; tests
// instantiate their own.
type Services struct {
	Config    *config.Configuration
	Log       *zap.Logger
	Journal   journal.Journal
	Registry  *resource.Registry
	Timer     *timer.TaskScheduler
	Executor  twopc.Executor
	Recoverer *recovery.Recoverer
	Metrics   *Metrics

	telemetryShutdown telemetry.ShutdownFunc
}

// NewServices wires the journal, the task scheduler, the two-phase
// executor, the resource registry and the recoverer from the
// configuration, and opens the journal.
func NewServices(cfg *config.Configuration, log *zap.Logger) (*Services, error) {
	jrnl := journal.NewDiskJournal(cfg.JournalOptions(), log)
	if err := jrnl.Open(); err != nil {
		return nil, fmt.Errorf("cannot open transaction journal: %w", err)
	}
	return newServices(cfg, log, jrnl)
}

// NewServicesWithJournal wires services over a caller-provided journal,
// typically journal.NullJournal in tests.
func NewServicesWithJournal(cfg *config.Configuration, log *zap.Logger, jrnl journal.Journal) (*Services, error) {
	return newServices(cfg, log, jrnl)
}

func newServices(cfg *config.Configuration, log *zap.Logger, jrnl journal.Journal) (*Services, error) {
	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize telemetry: %w", err)
	}
	metrics, err := newMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("cannot create metrics: %w", err)
	}

	var exec twopc.Executor
	if cfg.Asynchronous2PC {
		exec = twopc.NewAsyncExecutor(cfg.TwoPCWorkerCount)
	} else {
		exec = twopc.SyncExecutor{}
	}

	registry := resource.NewRegistry()
	recoverer := recovery.NewRecoverer(jrnl, registry, cfg.ServerIDBytes(), log)
	recoverer.CurrentNodeOnly = cfg.CurrentNodeOnlyRecovery

	return &Services{
		Config:            cfg,
		Log:               log,
		Journal:           jrnl,
		Registry:          registry,
		Timer:             timer.NewTaskScheduler(log),
		Executor:          exec,
		Recoverer:         recoverer,
		Metrics:           metrics,
		telemetryShutdown: telShutdown,
	}, nil
}

// RegisterResource creates a pool for the bean, registers it and runs
// incremental recovery on it. A failing recovery marks the pool failed but
// leaves it registered; the pool heals on a later acquisition.
func (s *Services) RegisterResource(bean *resource.Bean, factory resource.Factory) (*resource.Pool, error) {
	pool, err := resource.NewPool(bean, factory, s.Log)
	if err != nil {
		return nil, err
	}
	pool.SetHealer(func(p *resource.Pool) error {
		return s.Recoverer.RecoverResource(p)
	})
	if err := s.Registry.Register(pool); err != nil {
		return nil, err
	}

	if err := s.Recoverer.RecoverResource(pool); err != nil {
		s.Log.Error("startup recovery failed on resource, it stays registered in failed state",
			zap.String("resource", bean.UniqueName), zap.Error(err))
	}

	s.scheduleShrink(pool)
	return pool, nil
}

// scheduleShrink keeps a recurring pool-shrink task alive for the pool.
// The task dies with the scheduler at shutdown.
func (s *Services) scheduleShrink(pool *resource.Pool) {
	var schedule func(at time.Time)
	schedule = func(at time.Time) {
		s.Timer.Schedule("shrink-"+pool.UniqueName(), at, func() {
			pool.Shrink()
			schedule(time.Now().Add(poolShrinkInterval))
		})
	}
	schedule(time.Now().Add(poolShrinkInterval))
}

// Shutdown stops the executor and the task scheduler, closes every
// registered pool, the journal and the telemetry pipeline.
func (s *Services) Shutdown() error {
	grace := time.Duration(s.Config.GracefulShutdownIntervalSeconds) * time.Second

	s.Executor.Shutdown()
	s.Timer.Shutdown(grace)

	var err error
	for _, producer := range s.Registry.All() {
		if closeErr := producer.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("cannot close resource %s: %w", producer.UniqueName(), closeErr))
		}
	}
	s.Journal.Shutdown()

	if s.telemetryShutdown != nil {
		if telErr := s.telemetryShutdown(context.Background()); telErr != nil {
			err = multierr.Append(err, telErr)
		}
	}
	return err
}
