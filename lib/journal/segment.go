package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dState/lib/entry"
	"github.com/ValentinKolb/dState/lib/status"
)

// --------------------------------------------------------------------------
// Segment file format
// --------------------------------------------------------------------------

// A segment file starts with a fixed header followed by records:
//
//	[magic "DSJRNL\x00\x00" | version u8 | firstPosition u64]
//	[length u32 | frame | crc32(frame) u32] ...
//
// All integers are little endian. The frame is an entry.Encode frame.
const (
	segmentMagic       = "DSJRNL\x00\x00"
	segmentVersion     = 1
	segmentHeaderSize  = len(segmentMagic) + 1 + 8
	segmentFileSuffix  = ".log"
	segmentTempSuffix  = ".tmp"
	recordOverhead     = 4 + 4 // length prefix + crc
	maxFrameLength     = entry.MaxDataLength + 1024
	recoveryBufferSize = 1024 * 1024
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// errIncompleteHeader marks a segment file that ends inside its header.
var errIncompleteHeader = errors.New("incomplete segment header")

// segment is one file of the journal. Records of a segment are contiguous
// positions starting at firstPosition.
type segment struct {
	id            uint64
	path          string
	file          *os.File
	firstPosition uint64
	size          int64 // bytes in the file including the header
}

func formatSegmentFileName(id uint64) string {
	return fmt.Sprintf("%016d%s", id, segmentFileSuffix)
}

func parseSegmentFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentFileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// listSegments returns the ids of all segment files in dir in ascending order.
func listSegments(dir string) ([]uint64, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if id, ok := parseSegmentFileName(de.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// createSegment creates a new, empty segment file with its header. The header
// is written to a temporary file that is renamed into place, so a segment file
// never exists without a complete header.
func createSegment(dir string, id uint64, firstPosition uint64, sync bool) (*segment, error) {
	path := filepath.Join(dir, formatSegmentFileName(id))
	tmpPath := path + segmentTempSuffix
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to create segment %s", path))
	}
	fail := func(err error, msg string) (*segment, error) {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return nil, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("%s %s", msg, path))
	}

	header := make([]byte, segmentHeaderSize)
	copy(header, segmentMagic)
	header[len(segmentMagic)] = segmentVersion
	binary.LittleEndian.PutUint64(header[len(segmentMagic)+1:], firstPosition)

	if _, err := file.WriteAt(header, 0); err != nil {
		return fail(err, "failed to write header of segment")
	}
	if sync {
		if err := file.Sync(); err != nil {
			return fail(err, "failed to sync segment")
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fail(err, "failed to rename segment")
	}
	if sync {
		if err := syncDir(dir); err != nil {
			_ = file.Close()
			return nil, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to sync journal directory %s", dir))
		}
	}

	return &segment{
		id:            id,
		path:          path,
		file:          file,
		firstPosition: firstPosition,
		size:          int64(segmentHeaderSize),
	}, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// openSegment opens an existing segment file and validates its header.
func openSegment(dir string, id uint64) (*segment, error) {
	path := filepath.Join(dir, formatSegmentFileName(id))
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to open segment %s", path))
	}

	header := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(file, 0, int64(segmentHeaderSize)), header); err != nil {
		_ = file.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("%w: %v", errIncompleteHeader, err)
		}
		return nil, status.Wrap(status.CodeCorruptEntry, err, fmt.Sprintf("segment %s has no valid header", path))
	}
	if string(header[:len(segmentMagic)]) != segmentMagic {
		_ = file.Close()
		return nil, status.Errorf(status.CodeCorruptEntry, "segment %s: magic number mismatch", path)
	}
	if v := header[len(segmentMagic)]; v != segmentVersion {
		_ = file.Close()
		return nil, status.Errorf(status.CodeCorruptEntry, "segment %s: unsupported version %d (expected %d)", path, v, segmentVersion)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to stat segment %s", path))
	}

	return &segment{
		id:            id,
		path:          path,
		file:          file,
		firstPosition: binary.LittleEndian.Uint64(header[len(segmentMagic)+1:]),
		size:          info.Size(),
	}, nil
}

// scannedRecord is a record found while scanning a segment.
type scannedRecord struct {
	offset int64
	length uint32 // frame length
	term   uint64
}

// scan reads all records of the segment. It stops at the first invalid record
// and returns the records read so far together with the offset at which the
// valid part of the segment ends. torn is set if the invalid part is an
// interrupted append at the very end of the file (which may be cut off);
// any other damage is reported as an error. A clean end of file yields
// torn == false and a nil error.
func (s *segment) scan() (records []scannedRecord, end int64, torn bool, err error) {
	reader := bufio.NewReaderSize(io.NewSectionReader(s.file, int64(segmentHeaderSize), s.size-int64(segmentHeaderSize)), recoveryBufferSize)
	offset := int64(segmentHeaderSize)

	var lengthBuf [4]byte
	var frame []byte

	for {
		if _, err := io.ReadFull(reader, lengthBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return records, offset, false, nil
			}
			return records, offset, true, status.Wrap(status.CodeCorruptEntry, err, "torn length prefix")
		}

		length := binary.LittleEndian.Uint32(lengthBuf[:])
		recordEnd := offset + int64(length) + recordOverhead
		if length == 0 || length > maxFrameLength {
			// a zeroed or garbage tail left behind by a crash
			return records, offset, true, status.Errorf(status.CodeCorruptEntry, "invalid record length %d at offset %d", length, offset)
		}

		if cap(frame) < int(length)+4 {
			frame = make([]byte, int(length)+4)
		}
		frame = frame[:int(length)+4]
		if _, err := io.ReadFull(reader, frame); err != nil {
			return records, offset, true, status.Wrap(status.CodeCorruptEntry, err, fmt.Sprintf("torn record at offset %d", offset))
		}

		data := frame[:length]
		if crc := binary.LittleEndian.Uint32(frame[length:]); crc != crc32.Checksum(data, crcTable) {
			return records, offset, recordEnd == s.size, status.Errorf(status.CodeCorruptEntry, "checksum mismatch at offset %d", offset)
		}

		decoded, n, err := entry.Decode(data)
		if err != nil {
			return records, offset, false, err
		}
		if n != int(length) {
			return records, offset, false, status.Errorf(status.CodeCorruptEntry, "frame at offset %d has %d trailing bytes", offset, int(length)-n)
		}

		records = append(records, scannedRecord{offset: offset, length: length, term: decoded.Term})
		offset = recordEnd
	}
}

// readRecord reads and decodes the record at offset.
func (s *segment) readRecord(offset int64, length uint32) (entry.LogEntry, error) {
	buf := make([]byte, int(length)+recordOverhead)
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return entry.LogEntry{}, status.Wrap(status.CodeCorruptEntry, err, fmt.Sprintf("segment %s ends inside record at offset %d", s.path, offset))
		}
		return entry.LogEntry{}, status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to read segment %s", s.path))
	}

	if l := binary.LittleEndian.Uint32(buf[:4]); l != length {
		return entry.LogEntry{}, status.Errorf(status.CodeCorruptEntry, "segment %s: record length %d at offset %d, expected %d", s.path, l, offset, length)
	}
	data := buf[4 : 4+length]
	if crc := binary.LittleEndian.Uint32(buf[4+length:]); crc != crc32.Checksum(data, crcTable) {
		return entry.LogEntry{}, status.Errorf(status.CodeCorruptEntry, "segment %s: checksum mismatch at offset %d", s.path, offset)
	}

	decoded, _, err := entry.Decode(data)
	if err != nil {
		return entry.LogEntry{}, err
	}
	return decoded, nil
}

// truncate cuts the segment file at offset.
func (s *segment) truncate(offset int64) error {
	if err := s.file.Truncate(offset); err != nil {
		return status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to truncate segment %s", s.path))
	}
	s.size = offset
	return nil
}

// remove closes and deletes the segment file.
func (s *segment) remove() error {
	_ = s.file.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return status.Wrap(status.CodeStorageUnavailable, err, fmt.Sprintf("failed to remove segment %s", s.path))
	}
	return nil
}
