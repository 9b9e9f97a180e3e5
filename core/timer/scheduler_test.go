package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newScheduler(t *testing.T) *TaskScheduler {
	t.Helper()
	s := NewTaskScheduler(zap.NewNop())
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s
}

func TestTasksRunInTimeOrder(t *testing.T) {
	s := newScheduler(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	now := time.Now()
	s.Schedule("third", now.Add(120*time.Millisecond), record("third"))
	s.Schedule("first", now.Add(20*time.Millisecond), record("first"))
	s.Schedule("second", now.Add(70*time.Millisecond), record("second"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestCancelPreventsExecution(t *testing.T) {
	s := newScheduler(t)

	var ran sync.Map
	keep := s.Schedule("keep", time.Now().Add(50*time.Millisecond), func() { ran.Store("keep", true) })
	drop := s.Schedule("drop", time.Now().Add(50*time.Millisecond), func() { ran.Store("drop", true) })
	s.Cancel(drop)

	require.Eventually(t, func() bool {
		_, ok := ran.Load("keep")
		return ok
	}, time.Second, 10*time.Millisecond)

	_, dropped := ran.Load("drop")
	require.False(t, dropped)
	require.Equal(t, 0, s.Size())
	_ = keep
}

func TestPanickingTaskDoesNotKillScheduler(t *testing.T) {
	s := newScheduler(t)

	done := make(chan struct{})
	s.Schedule("bad", time.Now(), func() { panic("task failure") })
	s.Schedule("good", time.Now().Add(20*time.Millisecond), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler stopped running tasks after a panic")
	}
}

func TestShutdownStopsWorker(t *testing.T) {
	s := NewTaskScheduler(zap.NewNop())
	executed := make(chan struct{}, 1)
	s.Schedule("later", time.Now().Add(time.Hour), func() { executed <- struct{}{} })
	s.Shutdown(time.Second)

	select {
	case <-executed:
		t.Fatal("task scheduled after shutdown grace ran anyway")
	case <-time.After(50 * time.Millisecond):
	}
}
