package tm

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the coordinator's counters, created on the configured
// otel meter.
type Metrics struct {
	commits            metric.Int64Counter
	rollbacks          metric.Int64Counter
	timeouts           metric.Int64Counter
	heuristics         metric.Int64Counter
	recoveredCommits   metric.Int64Counter
	recoveredRollbacks metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.commits, err = meter.Int64Counter("btm.transactions.committed",
		metric.WithDescription("Transactions that committed")); err != nil {
		return nil, err
	}
	if m.rollbacks, err = meter.Int64Counter("btm.transactions.rolledback",
		metric.WithDescription("Transactions that rolled back")); err != nil {
		return nil, err
	}
	if m.timeouts, err = meter.Int64Counter("btm.transactions.timedout",
		metric.WithDescription("Transactions that hit their deadline")); err != nil {
		return nil, err
	}
	if m.heuristics, err = meter.Int64Counter("btm.transactions.heuristic",
		metric.WithDescription("Transactions that finished with a heuristic outcome")); err != nil {
		return nil, err
	}
	if m.recoveredCommits, err = meter.Int64Counter("btm.recovery.committed",
		metric.WithDescription("In-doubt branches committed by recovery")); err != nil {
		return nil, err
	}
	if m.recoveredRollbacks, err = meter.Int64Counter("btm.recovery.rolledback",
		metric.WithDescription("In-doubt branches rolled back by recovery")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) commit() {
	if m != nil {
		m.commits.Add(context.Background(), 1)
	}
}

func (m *Metrics) rollback() {
	if m != nil {
		m.rollbacks.Add(context.Background(), 1)
	}
}

func (m *Metrics) timeout() {
	if m != nil {
		m.timeouts.Add(context.Background(), 1)
	}
}

func (m *Metrics) heuristic() {
	if m != nil {
		m.heuristics.Add(context.Background(), 1)
	}
}

func (m *Metrics) recovered(committed, rolledback int) {
	if m != nil {
		m.recoveredCommits.Add(context.Background(), int64(committed))
		m.recoveredRollbacks.Add(context.Background(), int64(rolledback))
	}
}
