package journal

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codehaus/btm/core/transaction"
	"github.com/codehaus/btm/core/uid"
)

func setupJournal(t *testing.T, opts Options) (*DiskJournal, string) {
	t.Helper()
	dir := t.TempDir()
	if opts.Part1Filename == "" {
		opts.Part1Filename = filepath.Join(dir, "btm1.tlog")
	}
	if opts.Part2Filename == "" {
		opts.Part2Filename = filepath.Join(dir, "btm2.tlog")
	}
	j := NewDiskJournal(opts, zap.NewNop())
	require.NoError(t, j.Open())
	t.Cleanup(func() { j.Close() })
	return j, dir
}

func newGtrid(t *testing.T, gen *uid.Generator) uid.Uid {
	t.Helper()
	return gen.Generate()
}

func TestLogAndCollectDangling(t *testing.T) {
	j, _ := setupJournal(t, Options{})
	gen := uid.NewGenerator([]byte("node0"))

	committing := newGtrid(t, gen)
	finished := newGtrid(t, gen)
	rollingBack := newGtrid(t, gen)

	require.NoError(t, j.Log(transaction.Committing, committing, []string{"rm1", "rm2"}))
	require.NoError(t, j.Log(transaction.Committing, finished, []string{"rm1"}))
	require.NoError(t, j.Log(transaction.Committed, finished, []string{"rm1"}))
	require.NoError(t, j.Log(transaction.RollingBack, rollingBack, []string{"rm2"}))

	dangling, err := j.CollectDanglingRecords()
	require.NoError(t, err)
	require.Len(t, dangling, 2)

	entry := dangling[committing]
	require.Equal(t, transaction.Committing, entry.Status)
	require.Equal(t, []string{"rm1", "rm2"}, entry.UniqueNames)
	require.NotZero(t, entry.Timestamp)

	require.Equal(t, transaction.RollingBack, dangling[rollingBack].Status)
	_, present := dangling[finished]
	require.False(t, present)
}

func TestReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		Part1Filename: filepath.Join(dir, "btm1.tlog"),
		Part2Filename: filepath.Join(dir, "btm2.tlog"),
	}
	gen := uid.NewGenerator([]byte("node0"))
	gtrid := gen.Generate()

	j1 := NewDiskJournal(opts, zap.NewNop())
	require.NoError(t, j1.Open())
	require.NoError(t, j1.Log(transaction.Committing, gtrid, []string{"rm1"}))
	require.NoError(t, j1.Close())

	j2 := NewDiskJournal(opts, zap.NewNop())
	require.NoError(t, j2.Open())
	defer j2.Close()

	dangling, err := j2.CollectDanglingRecords()
	require.NoError(t, err)
	require.Len(t, dangling, 1)
	require.Equal(t, transaction.Committing, dangling[gtrid].Status)

	// terminal record written after reopen clears the dangling entry
	require.NoError(t, j2.Log(transaction.Committed, gtrid, []string{"rm1"}))
	dangling, err = j2.CollectDanglingRecords()
	require.NoError(t, err)
	require.Empty(t, dangling)
}

func TestRotationKeepsDanglingRecords(t *testing.T) {
	j, _ := setupJournal(t, Options{MaxLogSizeInMB: 1})
	gen := uid.NewGenerator([]byte("node0"))

	var gtrids []uid.Uid
	for i := 0; i < 10; i++ {
		g := gen.Generate()
		gtrids = append(gtrids, g)
		require.NoError(t, j.Log(transaction.Committing, g, []string{"rm1"}))
	}

	// filler transactions that complete; enough volume to force several swaps
	filler := make([]string, 0)
	for i := 0; i < 40; i++ {
		filler = append(filler, "some-resource-with-a-rather-long-unique-name")
	}
	for i := 0; i < 5000; i++ {
		g := gen.Generate()
		require.NoError(t, j.Log(transaction.Committing, g, filler))
		require.NoError(t, j.Log(transaction.Committed, g, filler))
	}

	dangling, err := j.CollectDanglingRecords()
	require.NoError(t, err)
	require.Len(t, dangling, 10)
	for _, g := range gtrids {
		require.Contains(t, dangling, g)
		require.Equal(t, transaction.Committing, dangling[g].Status)
	}
}

func TestRotationSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		Part1Filename:  filepath.Join(dir, "btm1.tlog"),
		Part2Filename:  filepath.Join(dir, "btm2.tlog"),
		MaxLogSizeInMB: 1,
	}
	gen := uid.NewGenerator([]byte("node0"))

	j1 := NewDiskJournal(opts, zap.NewNop())
	require.NoError(t, j1.Open())
	pending := gen.Generate()
	require.NoError(t, j1.Log(transaction.Committing, pending, []string{"rm1"}))
	for i := 0; i < 20000; i++ {
		g := gen.Generate()
		require.NoError(t, j1.Log(transaction.Committing, g, []string{"some-resource-unique-name", "another-resource-unique-name"}))
		require.NoError(t, j1.Log(transaction.RolledBack, g, []string{"some-resource-unique-name", "another-resource-unique-name"}))
	}
	require.NoError(t, j1.Close())

	j2 := NewDiskJournal(opts, zap.NewNop())
	require.NoError(t, j2.Open())
	defer j2.Close()
	dangling, err := j2.CollectDanglingRecords()
	require.NoError(t, err)
	require.Len(t, dangling, 1)
	require.Contains(t, dangling, pending)
}

func TestCorruptTailTruncated(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		Part1Filename: filepath.Join(dir, "btm1.tlog"),
		Part2Filename: filepath.Join(dir, "btm2.tlog"),
	}
	gen := uid.NewGenerator([]byte("node0"))
	gtrid := gen.Generate()

	j1 := NewDiskJournal(opts, zap.NewNop())
	require.NoError(t, j1.Open())
	require.NoError(t, j1.Log(transaction.Committing, gtrid, []string{"rm1"}))
	require.NoError(t, j1.Close())

	// simulate a torn write at the tail
	f, err := os.OpenFile(opts.Part1Filename, os.O_RDWR, 0o644)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x05, 0xAB, 0xCD}, info.Size())
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2 := NewDiskJournal(opts, zap.NewNop())
	require.NoError(t, j2.Open())
	defer j2.Close()

	dangling, err := j2.CollectDanglingRecords()
	require.NoError(t, err)
	require.Len(t, dangling, 1)
	require.Contains(t, dangling, gtrid)
}

func TestRecordCRCValidation(t *testing.T) {
	gen := uid.NewGenerator([]byte("node0"))
	rec := &Record{
		Status:      transaction.Committing,
		Gtrid:       gen.Generate(),
		UniqueNames: []string{"rm1", "rm2"},
		Timestamp:   1234567890,
		Sequence:    7,
	}
	buf, err := encodeRecord(rec)
	require.NoError(t, err)

	decoded, n, err := decodeRecord(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, rec.Status, decoded.Status)
	require.Equal(t, rec.Gtrid, decoded.Gtrid)
	require.Equal(t, []string{"rm1", "rm2"}, decoded.UniqueNames)
	require.Equal(t, rec.Timestamp, decoded.Timestamp)
	require.Equal(t, rec.Sequence, decoded.Sequence)

	// flip one body byte: CRC must reject the record
	buf[len(buf)-1] ^= 0xFF
	_, _, err = decodeRecord(buf)
	require.Error(t, err)
}

func TestZeroLengthBodyRejected(t *testing.T) {
	gen := uid.NewGenerator([]byte("node0"))
	rec := &Record{Status: transaction.Committing, Gtrid: gen.Generate(), Timestamp: 1, Sequence: 1}
	buf, err := encodeRecord(rec)
	require.NoError(t, err)

	// force a zero-length gtrid while keeping a non-zero status
	copy(buf[17:21], []byte{0, 0, 0, 0})
	_, _, err = decodeRecord(buf)
	require.Error(t, err)
}

func TestConcurrentLogging(t *testing.T) {
	j, _ := setupJournal(t, Options{ForcedWriteEnabled: true, ForceBatchingEnabled: true})
	gen := uid.NewGenerator([]byte("node0"))

	var wg sync.WaitGroup
	gtrids := make([]uid.Uid, 32)
	for i := range gtrids {
		gtrids[i] = gen.Generate()
	}
	errs := make(chan error, len(gtrids))
	for _, g := range gtrids {
		wg.Add(1)
		go func(g uid.Uid) {
			defer wg.Done()
			errs <- j.Log(transaction.Committing, g, []string{"rm1"})
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	dangling, err := j.CollectDanglingRecords()
	require.NoError(t, err)
	require.Len(t, dangling, len(gtrids))
}

func TestFilterLogStatus(t *testing.T) {
	j, _ := setupJournal(t, Options{FilterLogStatus: true})
	gen := uid.NewGenerator([]byte("node0"))
	gtrid := gen.Generate()

	require.NoError(t, j.Log(transaction.Active, gtrid, []string{"rm1"}))
	require.NoError(t, j.Log(transaction.Committing, gtrid, []string{"rm1"}))

	records, err := ReadFile(j.paths[j.active], false, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, transaction.Committing, records[0].Status)
}
