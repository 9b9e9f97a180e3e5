package transaction

import "fmt"

// Status is the lifecycle state of a transaction. The byte values are part
// of the journal record format and must stay stable.
type Status byte

const (
	Active         Status = 0
	MarkedRollback Status = 1
	Preparing      Status = 2
	Prepared       Status = 3
	Committing     Status = 4
	Committed      Status = 5
	RollingBack    Status = 6
	RolledBack     Status = 7
	Unknown        Status = 8
	NoTransaction  Status = 9
)

var statusNames = map[Status]string{
	Active:         "ACTIVE",
	MarkedRollback: "MARKED_ROLLBACK",
	Preparing:      "PREPARING",
	Prepared:       "PREPARED",
	Committing:     "COMMITTING",
	Committed:      "COMMITTED",
	RollingBack:    "ROLLING_BACK",
	RolledBack:     "ROLLEDBACK",
	Unknown:        "UNKNOWN",
	NoTransaction:  "NO_TRANSACTION",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("INVALID_STATUS(%d)", byte(s))
}

// Valid reports whether the byte is a known status value.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether the status ends the transaction's lifecycle.
func (s Status) Terminal() bool {
	return s == Committed || s == RolledBack || s == Unknown
}

// legalTransitions is the full status transition graph. Absence means the
// transition is a protocol error.
var legalTransitions = map[Status][]Status{
	Active:         {MarkedRollback, Preparing, RollingBack},
	MarkedRollback: {RollingBack},
	Preparing:      {Prepared, RollingBack, Unknown},
	Prepared:       {Committing, RollingBack},
	Committing:     {Committed, Unknown},
	RollingBack:    {RolledBack, Unknown},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
