package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	log = logger.GetLogger("journal")

	appendsTotal     = metrics.GetOrCreateCounter("dstate_journal_appends_total")
	appendBytesTotal = metrics.GetOrCreateCounter("dstate_journal_append_bytes_total")
	truncationsTotal = metrics.GetOrCreateCounter("dstate_journal_truncations_total")
	recoveredTorn    = metrics.GetOrCreateCounter("dstate_journal_recovered_torn_records_total")
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

const defaultMaxSegmentSize = 64 * 1024 * 1024

// Options configures a Journal.
type Options struct {
	// MaxSegmentSize is the size in bytes at which the journal rolls over to a
	// new segment file (0 = 64 MiB). A single record larger than this still
	// fits into its own segment.
	MaxSegmentSize int64
	// SyncWrites forces an fsync after every append.
	SyncWrites bool
}

// DefaultOptions returns the default journal options.
func DefaultOptions() *Options {
	return &Options{
		MaxSegmentSize: defaultMaxSegmentSize,
		SyncWrites:     false,
	}
}

// --------------------------------------------------------------------------
// Journal
// --------------------------------------------------------------------------

// Record is a committed log entry together with its position.
type Record struct {
	Position uint64
	Entry    entry.LogEntry
}

// location points to a record inside a segment.
type location struct {
	segment *segment
	offset  int64
	length  uint32
	term    uint64
}

// Journal is an append-only sequence of framed log entries stored in segment
// files. Positions start at 1 and are contiguous.
//
// Thread-safety: Append, Commit and TruncateAfter must only be called by the
// single writer of the partition. EntryAt, Range and the accessors may be
// called concurrently from any goroutine.
type Journal struct {
	dir  string
	opts Options

	mu       sync.RWMutex
	segments []*segment
	index    []location // index[i] holds position i+1
	commit   uint64
	lastTerm uint64
	scratch  []byte // owned by the writer, guarded by mu
	closed   bool
}

// Open opens the journal in dir, creating it if necessary, and rebuilds the
// position index from the segment files.
//
// A torn or corrupt record at the end of the last segment (an interrupted
// append) is cut off. Corruption anywhere else fails with CodeCorruptEntry.
// No entry of a freshly opened journal is committed: the consensus layer
// decides what is committed by calling Commit.
func Open(dir string, opts *Options) (*Journal, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = defaultMaxSegmentSize
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to create journal directory %s", dir))
	}

	j := &Journal{
		dir:  dir,
		opts: *opts,
	}

	ids, err := listSegments(dir)
	if err != nil {
		return nil, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to list journal directory %s", dir))
	}

	for i, id := range ids {
		isLast := i == len(ids)-1
		seg, err := openSegment(dir, id)
		if err != nil && isLast && (i > 0 || id == 1) && errors.Is(err, errIncompleteHeader) {
			// a rollover was interrupted before the header was complete
			path := filepath.Join(dir, formatSegmentFileName(id))
			log.Warningf("Removing segment %s without a complete header: %v", path, err)
			if err := os.Remove(path); err != nil {
				j.closeSegments()
				return nil, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to remove segment %s", path))
			}
			recoveredTorn.Inc()
			break
		}
		if err != nil {
			j.closeSegments()
			return nil, err
		}
		j.segments = append(j.segments, seg)

		if expected := uint64(len(j.index)) + 1; seg.firstPosition != expected {
			j.closeSegments()
			return nil, status.Errorf(status.CodeCorruptEntry,
				"segment %s starts at position %d, expected %d", seg.path, seg.firstPosition, expected)
		}

		records, end, torn, scanErr := seg.scan()

		if scanErr != nil {
			if !isLast || !torn {
				j.closeSegments()
				return nil, status.Wrap(status.CodeCorruptEntry, scanErr,
					fmt.Sprintf("segment %s is corrupt at offset %d", seg.path, end))
			}
			log.Warningf("Discarding torn tail of segment %s at offset %d (%d bytes): %v", seg.path, end, seg.size-end, scanErr)
			if err := seg.truncate(end); err != nil {
				j.closeSegments()
				return nil, err
			}
			recoveredTorn.Inc()
		}

		for _, r := range records {
			if r.term < j.lastTerm {
				j.closeSegments()
				return nil, status.Errorf(status.CodeCorruptEntry,
					"term decreases from %d to %d at position %d", j.lastTerm, r.term, len(j.index)+1)
			}
			j.lastTerm = r.term
			j.index = append(j.index, location{segment: seg, offset: r.offset, length: r.length, term: r.term})
		}
	}

	if len(j.segments) == 0 {
		seg, err := createSegment(dir, 1, 1, opts.SyncWrites)
		if err != nil {
			return nil, err
		}
		j.segments = append(j.segments, seg)
	}

	log.Infof("Opened journal %s with %d segments and %d entries (last term %d)", dir, len(j.segments), len(j.index), j.lastTerm)
	return j, nil
}

// --------------------------------------------------------------------------
// Write operations (single writer)
// --------------------------------------------------------------------------

// Append frames (term, e) and appends it at the next position, which is
// returned. Terms must not decrease.
func (j *Journal) Append(term uint64, e entry.Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, status.NewError(status.CodeInvalidOperation, "journal is closed")
	}
	if term < j.lastTerm {
		return 0, status.Errorf(status.CodeInvalidOperation, "term %d is lower than last term %d", term, j.lastTerm)
	}

	size, err := entry.EncodedLength(e)
	if err != nil {
		return 0, err
	}
	recordLen := size + recordOverhead
	if cap(j.scratch) < recordLen {
		j.scratch = make([]byte, recordLen)
	}
	buf := j.scratch[:recordLen]

	if _, err := entry.Encode(buf, 4, term, e); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf[:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4+size:], crc32.Checksum(buf[4:4+size], crcTable))

	position := uint64(len(j.index)) + 1

	active := j.segments[len(j.segments)-1]
	if active.size > int64(segmentHeaderSize) && active.size+int64(recordLen) > j.opts.MaxSegmentSize {
		active, err = createSegment(j.dir, active.id+1, position, j.opts.SyncWrites)
		if err != nil {
			return 0, err
		}
		j.segments = append(j.segments, active)
		log.Debugf("Rolled journal %s over to segment %d at position %d", j.dir, active.id, position)
	}

	offset := active.size
	if _, err := active.file.WriteAt(buf, offset); err != nil {
		// cut off whatever part of the record made it to the file
		_ = active.file.Truncate(offset)
		return 0, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to append to segment %s", active.path))
	}
	if j.opts.SyncWrites {
		if err := active.file.Sync(); err != nil {
			return 0, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to sync segment %s", active.path))
		}
	}

	active.size += int64(recordLen)
	j.index = append(j.index, location{segment: active, offset: offset, length: uint32(size), term: term})
	j.lastTerm = term

	appendsTotal.Inc()
	appendBytesTotal.Add(recordLen)
	return position, nil
}

// Commit marks every entry up to and including position as committed.
// The commit position never moves backwards; committing an older position is
// a no-op.
func (j *Journal) Commit(position uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if last := uint64(len(j.index)); position > last {
		return status.Errorf(status.CodeInvalidOperation, "cannot commit position %d beyond last position %d", position, last)
	}
	if position > j.commit {
		j.commit = position
	}
	return nil
}

// TruncateAfter removes every entry after position. Committed entries can not
// be removed. Entries up to position stay untouched.
func (j *Journal) TruncateAfter(position uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return status.NewError(status.CodeInvalidOperation, "journal is closed")
	}
	if position < j.commit {
		return status.Errorf(status.CodeInvalidOperation,
			"cannot truncate after %d: entries up to %d are committed", position, j.commit)
	}
	if position >= uint64(len(j.index)) {
		return nil
	}

	first := j.index[position] // first removed entry (position+1)
	keep := 0
	for i, seg := range j.segments {
		if seg == first.segment {
			keep = i + 1
			break
		}
	}

	for _, seg := range j.segments[keep:] {
		if err := seg.remove(); err != nil {
			return err
		}
	}
	j.segments = j.segments[:keep]

	if err := first.segment.truncate(first.offset); err != nil {
		return err
	}
	if j.opts.SyncWrites {
		if err := first.segment.file.Sync(); err != nil {
			return status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to sync segment %s", first.segment.path))
		}
	}

	removed := uint64(len(j.index)) - position
	j.index = j.index[:position]
	j.lastTerm = 0
	if position > 0 {
		j.lastTerm = j.index[position-1].term
	}

	truncationsTotal.Inc()
	log.Infof("Truncated journal %s after position %d (%d entries removed)", j.dir, position, removed)
	return nil
}

// --------------------------------------------------------------------------
// Read operations
// --------------------------------------------------------------------------

// EntryAt returns the committed entry at position. Positions beyond the
// committed tail yield CodeNotFound, a damaged record CodeCorruptEntry.
func (j *Journal) EntryAt(position uint64) (entry.LogEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if position == 0 || position > j.commit {
		return entry.LogEntry{}, status.Errorf(status.CodeNotFound,
			"no committed entry at position %d (committed up to %d)", position, j.commit)
	}
	return j.read(position)
}

// Range returns the committed entries from..to (both inclusive). to is capped
// at the committed tail.
func (j *Journal) Range(from, to uint64) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if from == 0 || from > j.commit {
		return nil, status.Errorf(status.CodeNotFound,
			"no committed entry at position %d (committed up to %d)", from, j.commit)
	}
	if to < from {
		return nil, status.Errorf(status.CodeInvalidOperation, "invalid range %d..%d", from, to)
	}
	to = min(to, j.commit)

	records := make([]Record, 0, to-from+1)
	for p := from; p <= to; p++ {
		e, err := j.read(p)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{Position: p, Entry: e})
	}
	return records, nil
}

// Verify reads every appended entry, committed or not, and returns the first
// error together with the position it occurred at.
func (j *Journal) Verify() (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for p := uint64(1); p <= uint64(len(j.index)); p++ {
		if _, err := j.read(p); err != nil {
			return p, err
		}
	}
	return 0, nil
}

// read reads the entry at position. The caller holds mu.
func (j *Journal) read(position uint64) (entry.LogEntry, error) {
	loc := j.index[position-1]
	e, err := loc.segment.readRecord(loc.offset, loc.length)
	if err != nil {
		return entry.LogEntry{}, err
	}
	if e.Term != loc.term {
		return entry.LogEntry{}, status.Errorf(status.CodeCorruptEntry,
			"entry at position %d has term %d, index says %d", position, e.Term, loc.term)
	}
	return e, nil
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// LastPosition returns the position of the last appended entry (0 if empty).
func (j *Journal) LastPosition() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.index))
}

// FirstPosition returns the position of the first entry the journal holds
// (0 if empty).
func (j *Journal) FirstPosition() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.index) == 0 {
		return 0
	}
	return j.segments[0].firstPosition
}

// LastTerm returns the term of the last appended entry (0 if empty).
func (j *Journal) LastTerm() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastTerm
}

// CommitPosition returns the committed tail.
func (j *Journal) CommitPosition() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.commit
}

// TermAt returns the term of the entry at position, committed or not.
func (j *Journal) TermAt(position uint64) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if position == 0 || position > uint64(len(j.index)) {
		return 0, status.Errorf(status.CodeNotFound, "no entry at position %d", position)
	}
	return j.index[position-1].term, nil
}

// Dir returns the directory of the journal.
func (j *Journal) Dir() string {
	return j.dir
}

// Sync flushes the active segment to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	active := j.segments[len(j.segments)-1]
	if err := active.file.Sync(); err != nil {
		return status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to sync segment %s", active.path))
	}
	return nil
}

// Close closes all segment files. The journal can not be used afterwards.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.closeSegments()
}

func (j *Journal) closeSegments() error {
	var firstErr error
	for _, seg := range j.segments {
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to close segment %s", seg.path))
		}
	}
	return firstErr
}
