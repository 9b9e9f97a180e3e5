package journal

import (
	"github.com/codehaus/btm/core/transaction"
	"github.com/codehaus/btm/core/uid"
)

// NullJournal discards every record. It never reports dangling records, so
// recovery presumes abort for every in-doubt branch. Useful for tests and
// for deployments that accept losing commit decisions on crash.
type NullJournal struct{}

func (NullJournal) Open() error { return nil }

func (NullJournal) Log(status transaction.Status, gtrid uid.Uid, uniqueNames []string) error {
	return nil
}

func (NullJournal) CollectDanglingRecords() (map[uid.Uid]DanglingEntry, error) {
	return map[uid.Uid]DanglingEntry{}, nil
}

func (NullJournal) Close() error { return nil }

func (NullJournal) Shutdown() {}
