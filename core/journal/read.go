package journal

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/codehaus/btm/core/transaction"
)

// ReadFile reads every record of a single journal file. Offline tooling
// uses it to inspect a journal without opening it for writing.
func ReadFile(path string, skipCorrupted bool, log *zap.Logger) ([]*Record, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read journal file %s: %w", path, err)
	}
	if _, err := decodeFileHeader(buf); err != nil {
		return nil, fmt.Errorf("corrupted journal file %s: %w", path, err)
	}
	records, _, err := scanRecords(buf, skipCorrupted, log)
	if err != nil {
		return nil, fmt.Errorf("corrupted journal file %s: %w", path, err)
	}
	return records, nil
}

// CollectDangling folds a record list the way recovery does: the last
// non-terminal record of a gtrid dangles until a terminal record clears it.
func CollectDangling(records []*Record) map[string]DanglingEntry {
	dangling := make(map[string]DanglingEntry)
	for _, rec := range records {
		switch {
		case rec.Status == transaction.Committing || rec.Status == transaction.RollingBack:
			dangling[rec.Gtrid.String()] = DanglingEntry{
				Status:      rec.Status,
				UniqueNames: rec.UniqueNames,
				Timestamp:   rec.Timestamp,
			}
		case rec.Status.Terminal():
			delete(dangling, rec.Gtrid.String())
		}
	}
	return dangling
}
