// Package journal implements the durable decision log of the transaction
// coordinator: a pair of equally sized, force-written files holding
// CRC-protected status records. Only the last record of a gtrid matters for
// recovery; when the active file fills up, records still awaiting their
// terminal status are copied to the other file and the files swap roles, so
// the active file always contains everything needed to finish every
// unfinished transaction.
package journal

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codehaus/btm/core/transaction"
	"github.com/codehaus/btm/core/uid"
)

// DanglingEntry describes the last non-terminal record of a gtrid.
type DanglingEntry struct {
	Status      transaction.Status
	UniqueNames []string
	Timestamp   int64
}

// Journal records transaction decisions durably enough for recovery to
// complete in-flight two-phase commits after a crash.
type Journal interface {
	Open() error
	Log(status transaction.Status, gtrid uid.Uid, uniqueNames []string) error
	CollectDanglingRecords() (map[uid.Uid]DanglingEntry, error)
	Close() error
	Shutdown()
}

// Options carries the journal part of the configuration.
type Options struct {
	Part1Filename        string
	Part2Filename        string
	MaxLogSizeInMB       int
	ForcedWriteEnabled   bool
	ForceBatchingEnabled bool
	SkipCorruptedLogs    bool
	FilterLogStatus      bool
}

// DiskJournal is the dual-file, force-written Journal implementation.
type DiskJournal struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	paths    [2]string
	files    [2]*os.File
	active   int
	pos      int64
	capacity int64
	sequence uint32
	opened   bool

	batcher syncBatcher
}

// NewDiskJournal builds a journal over the two configured files. Open must
// be called before logging.
func NewDiskJournal(opts Options, log *zap.Logger) *DiskJournal {
	if opts.MaxLogSizeInMB <= 0 {
		opts.MaxLogSizeInMB = 2
	}
	return &DiskJournal{
		opts:     opts,
		log:      log,
		paths:    [2]string{opts.Part1Filename, opts.Part2Filename},
		capacity: int64(opts.MaxLogSizeInMB) * 1024 * 1024,
	}
}

// Open opens both files, selects the one with the newest header timestamp
// as active, verifies record CRCs and truncates the active file to the last
// valid record boundary.
func (j *DiskJournal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.opened {
		return fmt.Errorf("journal is already open")
	}

	var timestamps [2]int64
	for i, path := range j.paths {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("cannot open journal file %s: %w", path, err)
		}
		j.files[i] = f

		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("cannot stat journal file %s: %w", path, err)
		}
		if info.Size() < fileHeaderLength {
			ts := int64(0)
			if i == 0 {
				ts = time.Now().UnixMilli()
			}
			if err := j.writeHeader(i, ts); err != nil {
				return err
			}
			timestamps[i] = ts
			continue
		}

		header := make([]byte, fileHeaderLength)
		if _, err := f.ReadAt(header, 0); err != nil {
			return fmt.Errorf("cannot read journal file header of %s: %w", path, err)
		}
		ts, err := decodeFileHeader(header)
		if err != nil {
			return fmt.Errorf("corrupted journal file %s: %w", path, err)
		}
		timestamps[i] = ts
	}

	j.active = 0
	if timestamps[1] > timestamps[0] {
		j.active = 1
	}

	records, tail, err := j.scanFile(j.active)
	if err != nil {
		return err
	}
	if err := j.files[j.active].Truncate(tail); err != nil {
		return fmt.Errorf("cannot truncate journal file %s: %w", j.paths[j.active], err)
	}
	j.pos = tail
	for _, rec := range records {
		if rec.Sequence >= j.sequence {
			j.sequence = rec.Sequence + 1
		}
	}

	j.opened = true
	j.log.Info("journal opened",
		zap.String("activeFile", j.paths[j.active]),
		zap.Int("records", len(records)),
		zap.Int64("position", j.pos))
	return nil
}

// Log appends a record for the gtrid. When forced writes are enabled the
// call does not return before the record is on stable storage; with force
// batching, concurrent callers may share a single fsync but each still
// waits for its own record to be durable.
func (j *DiskJournal) Log(status transaction.Status, gtrid uid.Uid, uniqueNames []string) error {
	if j.opts.FilterLogStatus && !mandatoryStatus(status) {
		j.log.Debug("filtered journal record", zap.Stringer("status", status), zap.Stringer("gtrid", gtrid))
		return nil
	}

	j.mu.Lock()
	if !j.opened {
		j.mu.Unlock()
		return fmt.Errorf("journal is not open")
	}

	rec := &Record{
		Status:      status,
		Gtrid:       gtrid,
		UniqueNames: uniqueNames,
		Timestamp:   time.Now().UnixMilli(),
		Sequence:    j.sequence,
	}
	j.sequence++

	buf, err := encodeRecord(rec)
	if err != nil {
		j.mu.Unlock()
		return err
	}

	if j.pos+padLength(j.pos, len(buf))+int64(len(buf)) > j.capacity {
		if err := j.rotate(); err != nil {
			j.mu.Unlock()
			return fmt.Errorf("cannot swap journal files: %w", err)
		}
	}
	if err := j.append(buf); err != nil {
		j.mu.Unlock()
		return err
	}
	f := j.files[j.active]
	j.mu.Unlock()

	if j.opts.ForcedWriteEnabled {
		return j.force(f)
	}
	return nil
}

// CollectDanglingRecords returns, per gtrid, the last non-terminal record
// with no later terminal record.
func (j *DiskJournal) CollectDanglingRecords() (map[uid.Uid]DanglingEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.opened {
		return nil, fmt.Errorf("journal is not open")
	}

	dangling, err := j.collectLocked()
	if err != nil {
		return nil, err
	}
	out := make(map[uid.Uid]DanglingEntry, len(dangling))
	for gtrid, rec := range dangling {
		out[gtrid] = DanglingEntry{
			Status:      rec.Status,
			UniqueNames: rec.UniqueNames,
			Timestamp:   rec.Timestamp,
		}
	}
	return out, nil
}

// Close syncs and closes both files.
func (j *DiskJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.opened {
		return nil
	}
	j.opened = false

	var firstErr error
	for i, f := range j.files {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cannot sync journal file %s: %w", j.paths[i], err)
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cannot close journal file %s: %w", j.paths[i], err)
		}
		j.files[i] = nil
	}
	return firstErr
}

// Shutdown closes the journal, logging instead of returning errors.
func (j *DiskJournal) Shutdown() {
	if err := j.Close(); err != nil {
		j.log.Error("error shutting down journal", zap.Error(err))
	}
}

// append pads to the next block boundary when the record would span it,
// then writes the record at the current position. Callers hold j.mu.
func (j *DiskJournal) append(buf []byte) error {
	f := j.files[j.active]
	if pad := padLength(j.pos, len(buf)); pad > 0 {
		padBuf := make([]byte, pad)
		padBuf[0] = padStatus
		if _, err := f.WriteAt(padBuf, j.pos); err != nil {
			return fmt.Errorf("cannot write journal pad record: %w", err)
		}
		j.pos += pad
	}
	if j.pos+int64(len(buf)) > j.capacity {
		return fmt.Errorf("journal file %s is full", j.paths[j.active])
	}
	if _, err := f.WriteAt(buf, j.pos); err != nil {
		return fmt.Errorf("cannot write journal record: %w", err)
	}
	j.pos += int64(len(buf))
	return nil
}

// rotate copies the dangling records of the active file to the other file,
// then flips roles by stamping the other file's header with a newer
// timestamp. The stamp is written last so a crash mid-swap leaves the old
// active file authoritative. Callers hold j.mu.
func (j *DiskJournal) rotate() error {
	dangling, err := j.collectLocked()
	if err != nil {
		return err
	}

	other := 1 - j.active
	f := j.files[other]
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate journal file %s: %w", j.paths[other], err)
	}
	if err := j.writeHeader(other, 0); err != nil {
		return err
	}

	// stable copy order: oldest decision first
	records := make([]*Record, 0, len(dangling))
	for _, rec := range dangling {
		records = append(records, rec)
	}
	sort.Slice(records, func(a, b int) bool {
		if records[a].Timestamp != records[b].Timestamp {
			return records[a].Timestamp < records[b].Timestamp
		}
		return records[a].Sequence < records[b].Sequence
	})

	pos := int64(fileHeaderLength)
	for _, rec := range records {
		buf, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if pad := padLength(pos, len(buf)); pad > 0 {
			padBuf := make([]byte, pad)
			padBuf[0] = padStatus
			if _, err := f.WriteAt(padBuf, pos); err != nil {
				return fmt.Errorf("cannot write journal pad record: %w", err)
			}
			pos += pad
		}
		if pos+int64(len(buf)) > j.capacity {
			return fmt.Errorf("too many dangling records to fit journal file %s", j.paths[other])
		}
		if _, err := f.WriteAt(buf, pos); err != nil {
			return fmt.Errorf("cannot copy dangling record: %w", err)
		}
		pos += int64(len(buf))
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("cannot sync journal file %s: %w", j.paths[other], err)
	}

	if err := j.writeHeader(other, time.Now().UnixMilli()); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("cannot sync journal file %s: %w", j.paths[other], err)
	}

	j.log.Info("journal files swapped",
		zap.String("activeFile", j.paths[other]),
		zap.Int("danglingRecords", len(records)))
	j.active = other
	j.pos = pos
	return nil
}

// collectLocked scans the active file and folds records per gtrid: a
// non-terminal record registers the gtrid, a terminal record clears it.
func (j *DiskJournal) collectLocked() (map[uid.Uid]*Record, error) {
	records, _, err := j.scanFile(j.active)
	if err != nil {
		return nil, err
	}
	dangling := make(map[uid.Uid]*Record)
	for _, rec := range records {
		switch {
		case rec.Status == transaction.Committing || rec.Status == transaction.RollingBack:
			dangling[rec.Gtrid] = rec
		case rec.Status.Terminal():
			delete(dangling, rec.Gtrid)
		}
	}
	return dangling, nil
}

func (j *DiskJournal) scanFile(index int) ([]*Record, int64, error) {
	f := j.files[index]
	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("cannot stat journal file %s: %w", j.paths[index], err)
	}
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, 0, fmt.Errorf("cannot read journal file %s: %w", j.paths[index], err)
	}
	records, tail, err := scanRecords(buf, j.opts.SkipCorruptedLogs, j.log)
	if err != nil {
		return nil, 0, fmt.Errorf("corrupted journal file %s: %w", j.paths[index], err)
	}
	return records, tail, nil
}

func (j *DiskJournal) writeHeader(index int, timestamp int64) error {
	if _, err := j.files[index].WriteAt(encodeFileHeader(timestamp), 0); err != nil {
		return fmt.Errorf("cannot write journal file header of %s: %w", j.paths[index], err)
	}
	return nil
}

func (j *DiskJournal) force(f *os.File) error {
	if !j.opts.ForceBatchingEnabled {
		return f.Sync()
	}
	return j.batcher.sync(f)
}

// scanRecords walks the records of a journal file image. Corruption ends
// the scan at the last valid record boundary when nothing valid follows
// (a torn tail); corruption in the middle of the log is an error unless
// skipCorrupted is set, in which case the scan resumes at the next block.
func scanRecords(buf []byte, skipCorrupted bool, log *zap.Logger) ([]*Record, int64, error) {
	var records []*Record
	pos := fileHeaderLength
	for pos < len(buf) {
		blockRem := BlockSize - pos%BlockSize
		end := pos + blockRem
		if end > len(buf) {
			end = len(buf)
		}
		rec, n, err := decodeRecord(buf[pos:end])
		if err != nil {
			next := pos + blockRem
			if skipCorrupted {
				log.Warn("skipping corrupted journal record",
					zap.Int("offset", pos), zap.Error(err))
				pos = next
				continue
			}
			if hasValidRecordAfter(buf, next) {
				return nil, 0, fmt.Errorf("corrupted record at offset %d: %w", pos, err)
			}
			log.Warn("truncating corrupted journal tail",
				zap.Int("offset", pos), zap.Error(err))
			return records, int64(pos), nil
		}
		if rec == nil {
			return records, int64(pos), nil
		}
		if rec.isPad() {
			pos += blockRem
			continue
		}
		records = append(records, rec)
		pos += n
	}
	return records, int64(pos), nil
}

// hasValidRecordAfter looks for a decodable record at any later block
// boundary, distinguishing a torn tail from mid-log corruption.
func hasValidRecordAfter(buf []byte, from int) bool {
	pos := from
	if rem := pos % BlockSize; rem != 0 {
		pos += BlockSize - rem
	}
	for ; pos < len(buf); pos += BlockSize {
		end := pos + BlockSize
		if end > len(buf) {
			end = len(buf)
		}
		rec, _, err := decodeRecord(buf[pos:end])
		if err == nil && rec != nil && !rec.isPad() {
			return true
		}
	}
	return false
}

func padLength(pos int64, recordLen int) int64 {
	rem := BlockSize - pos%BlockSize
	if int64(recordLen) <= rem {
		return 0
	}
	return rem
}

func mandatoryStatus(status transaction.Status) bool {
	switch status {
	case transaction.Committing, transaction.Committed,
		transaction.RollingBack, transaction.RolledBack, transaction.Unknown:
		return true
	}
	return false
}

// syncBatcher coalesces concurrent fsync requests on the same file into a
// shared sync while guaranteeing each caller's preceding write is covered.
type syncBatcher struct {
	mu      sync.Mutex
	running bool
	waiters map[*os.File][]chan error
}

func (b *syncBatcher) sync(f *os.File) error {
	ch := make(chan error, 1)
	b.mu.Lock()
	if b.waiters == nil {
		b.waiters = make(map[*os.File][]chan error)
	}
	b.waiters[f] = append(b.waiters[f], ch)
	if !b.running {
		b.running = true
		go b.run()
	}
	b.mu.Unlock()
	return <-ch
}

func (b *syncBatcher) run() {
	for {
		b.mu.Lock()
		var file *os.File
		var waiters []chan error
		for f, ws := range b.waiters {
			file, waiters = f, ws
			break
		}
		if file == nil {
			b.running = false
			b.mu.Unlock()
			return
		}
		delete(b.waiters, file)
		b.mu.Unlock()

		err := file.Sync()
		for _, ch := range waiters {
			ch <- err
		}
	}
}
