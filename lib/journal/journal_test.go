package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func app(i int) entry.Application {
	return entry.Application{
		LowestPosition:  int64(i),
		HighestPosition: int64(i),
		Data:            []byte(fmt.Sprintf("command-%d", i)),
	}
}

func openJournal(t *testing.T, dir string, opts *Options) *Journal {
	t.Helper()
	j, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func appendN(t *testing.T, j *Journal, term uint64, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		pos, err := j.Append(term, app(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i), pos)
	}
}

func TestAppendAndRead(t *testing.T) {
	j := openJournal(t, t.TempDir(), nil)

	pos, err := j.Append(1, entry.Initial{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos)

	appendN(t, j, 1, 2, 3)
	assert.Equal(t, uint64(4), j.LastPosition())
	assert.Equal(t, uint64(1), j.LastTerm())

	// nothing is readable before the consensus layer commits
	_, err = j.EntryAt(1)
	assert.True(t, status.IsNotFound(err))

	require.NoError(t, j.Commit(3))
	assert.Equal(t, uint64(3), j.CommitPosition())

	e, err := j.EntryAt(1)
	require.NoError(t, err)
	assert.True(t, e.Equal(entry.LogEntry{Term: 1, Entry: entry.Initial{}}))

	e, err = j.EntryAt(3)
	require.NoError(t, err)
	assert.True(t, e.Equal(entry.LogEntry{Term: 1, Entry: app(3)}))

	_, err = j.EntryAt(4)
	assert.True(t, status.IsNotFound(err), "position beyond the committed tail")
	_, err = j.EntryAt(0)
	assert.True(t, status.IsNotFound(err))

	term, err := j.TermAt(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), term)
}

func TestCommitRules(t *testing.T) {
	j := openJournal(t, t.TempDir(), nil)
	appendN(t, j, 1, 1, 3)

	require.NoError(t, j.Commit(2))
	require.NoError(t, j.Commit(1)) // never moves backwards
	assert.Equal(t, uint64(2), j.CommitPosition())

	err := j.Commit(4)
	assert.True(t, errors.Is(err, status.ErrInvalidOperation))
}

func TestTermsMustNotDecrease(t *testing.T) {
	j := openJournal(t, t.TempDir(), nil)

	_, err := j.Append(3, entry.Initial{})
	require.NoError(t, err)
	_, err = j.Append(3, app(2))
	require.NoError(t, err)

	_, err = j.Append(2, app(3))
	assert.True(t, errors.Is(err, status.ErrInvalidOperation))
	assert.Equal(t, uint64(2), j.LastPosition())
}

func TestRange(t *testing.T) {
	j := openJournal(t, t.TempDir(), nil)
	appendN(t, j, 1, 1, 10)
	require.NoError(t, j.Commit(8))

	records, err := j.Range(3, 100)
	require.NoError(t, err)
	require.Len(t, records, 6)
	for i, r := range records {
		assert.Equal(t, uint64(3+i), r.Position)
		assert.True(t, r.Entry.Equal(entry.LogEntry{Term: 1, Entry: app(3 + i)}))
	}

	_, err = j.Range(9, 10)
	assert.True(t, status.IsNotFound(err))

	_, err = j.Range(5, 4)
	assert.True(t, errors.Is(err, status.ErrInvalidOperation))
}

func TestSegmentRollOverAndReopen(t *testing.T) {
	dir := t.TempDir()
	opts := &Options{MaxSegmentSize: 256}

	j, err := Open(dir, opts)
	require.NoError(t, err)
	appendN(t, j, 1, 1, 20)
	_, err = j.Append(2, entry.Configuration{Timestamp: 7, Members: []entry.Member{{ID: "a"}, {ID: "b", Type: entry.MemberPassive}}})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	ids, err := listSegments(dir)
	require.NoError(t, err)
	assert.Greater(t, len(ids), 1, "journal should have rolled over")

	j = openJournal(t, dir, opts)
	assert.Equal(t, uint64(21), j.LastPosition())
	assert.Equal(t, uint64(2), j.LastTerm())
	assert.Equal(t, uint64(0), j.CommitPosition(), "nothing is committed after open")

	require.NoError(t, j.Commit(j.LastPosition()))
	records, err := j.Range(1, 21)
	require.NoError(t, err)
	require.Len(t, records, 21)
	for i := 0; i < 20; i++ {
		assert.True(t, records[i].Entry.Equal(entry.LogEntry{Term: 1, Entry: app(i + 1)}), "position %d", i+1)
	}
	_, isConfig := records[20].Entry.Entry.(entry.Configuration)
	assert.True(t, isConfig)

	// appends continue after the recovered tail
	pos, err := j.Append(2, app(22))
	require.NoError(t, err)
	assert.Equal(t, uint64(22), pos)
}

func TestTruncateAfter(t *testing.T) {
	dir := t.TempDir()
	opts := &Options{MaxSegmentSize: 200}
	j := openJournal(t, dir, opts)

	appendN(t, j, 1, 1, 12)
	require.NoError(t, j.Commit(4))

	// committed entries can not be removed
	err := j.TruncateAfter(3)
	assert.True(t, errors.Is(err, status.ErrInvalidOperation))

	require.NoError(t, j.TruncateAfter(5))
	assert.Equal(t, uint64(5), j.LastPosition())

	// no-op beyond the tail
	require.NoError(t, j.TruncateAfter(9))
	assert.Equal(t, uint64(5), j.LastPosition())

	// a new leader's entries replace the removed ones
	pos, err := j.Append(2, app(60))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), pos)
	require.NoError(t, j.Commit(6))

	for p := uint64(1); p <= 5; p++ {
		e, err := j.EntryAt(p)
		require.NoError(t, err)
		assert.True(t, e.Equal(entry.LogEntry{Term: 1, Entry: app(int(p))}), "neighbouring entry %d must be intact", p)
	}
	e, err := j.EntryAt(6)
	require.NoError(t, err)
	assert.True(t, e.Equal(entry.LogEntry{Term: 2, Entry: app(60)}))
	require.NoError(t, j.Close())

	// the truncation survives a restart
	j2 := openJournal(t, dir, opts)
	assert.Equal(t, uint64(6), j2.LastPosition())
	assert.Equal(t, uint64(2), j2.LastTerm())
}

func TestTruncateEverything(t *testing.T) {
	j := openJournal(t, t.TempDir(), &Options{MaxSegmentSize: 128})
	appendN(t, j, 1, 1, 6)

	require.NoError(t, j.TruncateAfter(0))
	assert.Equal(t, uint64(0), j.LastPosition())
	assert.Equal(t, uint64(0), j.LastTerm())

	appendN(t, j, 1, 1, 2)
	assert.Equal(t, uint64(2), j.LastPosition())
}

func lastSegmentPath(t *testing.T, dir string) string {
	t.Helper()
	ids, err := listSegments(dir)
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	return filepath.Join(dir, formatSegmentFileName(ids[len(ids)-1]))
}

func TestRecoverTornTail(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, nil)
	require.NoError(t, err)
	appendN(t, j, 1, 1, 3)
	require.NoError(t, j.Close())

	path := lastSegmentPath(t, dir)
	info, err := os.Stat(path)
	require.NoError(t, err)
	// simulate a crash in the middle of the last append
	require.NoError(t, os.Truncate(path, info.Size()-5))

	j = openJournal(t, dir, nil)
	assert.Equal(t, uint64(2), j.LastPosition())

	pos, err := j.Append(1, app(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pos)
	require.NoError(t, j.Commit(3))

	e, err := j.EntryAt(3)
	require.NoError(t, err)
	assert.True(t, e.Equal(entry.LogEntry{Term: 1, Entry: app(3)}))
}

func TestRecoverZeroedTail(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, nil)
	require.NoError(t, err)
	appendN(t, j, 1, 1, 2)
	require.NoError(t, j.Close())

	f, err := os.OpenFile(lastSegmentPath(t, dir), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 64))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j = openJournal(t, dir, nil)
	assert.Equal(t, uint64(2), j.LastPosition())
}

// flipByte corrupts the payload of the record at the given position.
func flipByte(t *testing.T, j *Journal, position uint64) {
	t.Helper()
	loc := j.index[position-1]
	f, err := os.OpenFile(loc.segment.path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	off := loc.offset + 4 + int64(loc.length) - 1 // last byte of the frame
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}

func TestCorruptRecordIsReported(t *testing.T) {
	dir := t.TempDir()
	j := openJournal(t, dir, nil)
	appendN(t, j, 1, 1, 3)
	require.NoError(t, j.Commit(3))

	flipByte(t, j, 2)

	_, err := j.EntryAt(2)
	assert.True(t, errors.Is(err, status.ErrCorruptEntry), "got %v", err)

	// neighbours stay readable
	_, err = j.EntryAt(1)
	assert.NoError(t, err)
	_, err = j.EntryAt(3)
	assert.NoError(t, err)

	_, err = j.Range(1, 3)
	assert.True(t, errors.Is(err, status.ErrCorruptEntry))

	pos, err := j.Verify()
	assert.Equal(t, uint64(2), pos)
	assert.True(t, errors.Is(err, status.ErrCorruptEntry))
	require.NoError(t, j.Close())

	// corruption that is not at the tail is never silently discarded
	_, err = Open(dir, nil)
	assert.True(t, errors.Is(err, status.ErrCorruptEntry), "got %v", err)
}

func TestForeignFileIsRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, formatSegmentFileName(1)), []byte("definitely not a journal segment"), 0o644))

	_, err := Open(dir, nil)
	assert.True(t, errors.Is(err, status.ErrCorruptEntry))
}

func TestRecoverInterruptedRollOver(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
	}{
		{"empty file", nil},
		{"partial header", []byte(segmentMagic[:5])},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			j, err := Open(dir, nil)
			require.NoError(t, err)
			appendN(t, j, 1, 1, 1)
			require.NoError(t, j.Close())

			// the crash left the next segment without a complete header
			path := filepath.Join(dir, formatSegmentFileName(2))
			require.NoError(t, os.WriteFile(path, tt.header, 0o644))

			j = openJournal(t, dir, nil)
			assert.Equal(t, uint64(1), j.LastPosition())
			_, err = os.Stat(path)
			assert.True(t, os.IsNotExist(err))

			appendN(t, j, 1, 2, 2)
			require.NoError(t, j.Commit(3))
			got, err := j.EntryAt(3)
			require.NoError(t, err)
			assert.True(t, got.Equal(entry.LogEntry{Term: 1, Entry: app(3)}))
		})
	}
}

func TestRecoverEmptyFirstSegment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, formatSegmentFileName(1)), nil, 0o644))

	j := openJournal(t, dir, nil)
	assert.Equal(t, uint64(0), j.LastPosition())
	appendN(t, j, 1, 1, 2)
}

func TestHeaderlessSegmentBeforeTheTailIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, &Options{MaxSegmentSize: 128})
	require.NoError(t, err)
	appendN(t, j, 1, 1, 20)
	require.NoError(t, j.Close())

	ids, err := listSegments(dir)
	require.NoError(t, err)
	require.Greater(t, len(ids), 2)
	require.NoError(t, os.Truncate(filepath.Join(dir, formatSegmentFileName(ids[0])), 3))

	_, err = Open(dir, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrCorruptEntry))
}

func TestRollOverLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	j := openJournal(t, dir, &Options{MaxSegmentSize: 128, SyncWrites: true})
	appendN(t, j, 1, 1, 20)

	dirEntries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(dirEntries), 1)
	for _, de := range dirEntries {
		assert.Equal(t, segmentFileSuffix, filepath.Ext(de.Name()), de.Name())
	}
}
