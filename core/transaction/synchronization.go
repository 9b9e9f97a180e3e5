package transaction

// Synchronization is a completion callback pair registered with a
// transaction. BeforeCompletion runs on the committing goroutine before
// phase 1; AfterCompletion runs after the transaction reached its terminal
// status, which it receives as argument.
type Synchronization interface {
	BeforeCompletion()
	AfterCompletion(status Status)
}

// SynchronizationFunc adapts plain functions to Synchronization. Either
// field may be nil.
type SynchronizationFunc struct {
	Before func()
	After  func(status Status)
}

func (s *SynchronizationFunc) BeforeCompletion() {
	if s.Before != nil {
		s.Before()
	}
}

func (s *SynchronizationFunc) AfterCompletion(status Status) {
	if s.After != nil {
		s.After(status)
	}
}
