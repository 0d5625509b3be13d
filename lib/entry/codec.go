package entry

import (
	"encoding/binary"
	"math"

	"github.com/ValentinKolb/dState/lib/status"
)

// --------------------------------------------------------------------------
// Frame layout
// --------------------------------------------------------------------------

// Every frame starts with a message header followed by the LogEntry block
// (term, entry type). The variant follows with its own header and block and
// optional variable length data:
//
//	[header: blockLength u16 | templateId u16 | schemaId u16 | version u16]
//	[LogEntry block: term u64 | type u8]
//	[header of the variant]
//	[variant block][variable length data]
//
// All integers are little endian. Readers skip to the end of a block as
// announced by its blockLength, so fields appended to a block by a newer
// writer are ignored by older readers.
const (
	SchemaID      uint16 = 1
	SchemaVersion uint16 = 1

	headerLength = 8

	templateLogEntry      uint16 = 1
	templateApplication   uint16 = 2
	templateInitial       uint16 = 3
	templateConfiguration uint16 = 4

	logEntryBlockLength      = 8 + 1 // term + type
	applicationBlockLength   = 8 + 8 // lowestPosition + highestPosition
	initialBlockLength       = 0
	configurationBlockLength = 8     // timestamp
	groupHeaderLength        = 2 + 2 // blockLength + numInGroup
	memberBlockLength        = 1 + 8 // type + updated
	dataLengthSize           = 4
	memberIDLengthSize       = 2

	// MaxDataLength is the largest application payload that can be encoded.
	MaxDataLength = 4 << 20
	// MaxMembers is the largest number of members in a configuration entry.
	MaxMembers = math.MaxUint16
	// MaxMemberIDLength is the longest member id that can be encoded.
	MaxMemberIDLength = math.MaxUint16
)

var le = binary.LittleEndian

type header struct {
	blockLength uint16
	templateID  uint16
	schemaID    uint16
	version     uint16
}

func putHeader(dst []byte, blockLength int, templateID uint16) {
	le.PutUint16(dst[0:2], uint16(blockLength))
	le.PutUint16(dst[2:4], templateID)
	le.PutUint16(dst[4:6], SchemaID)
	le.PutUint16(dst[6:8], SchemaVersion)
}

func templateOf(t Type) uint16 {
	switch t {
	case TypeApplication:
		return templateApplication
	case TypeInitial:
		return templateInitial
	default:
		return templateConfiguration
	}
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

// EncodedLength returns the number of bytes Encode writes for e.
// It fails if e cannot be encoded (unknown variant, payload too large,
// duplicate or invalid members).
func EncodedLength(e Entry) (int, error) {
	size := headerLength + logEntryBlockLength + headerLength

	switch v := e.(type) {
	case Initial:
		size += initialBlockLength
	case Application:
		if len(v.Data) > MaxDataLength {
			return 0, status.Errorf(status.CodeInvalidOperation,
				"application data of %d bytes exceeds maximum of %d bytes", len(v.Data), MaxDataLength)
		}
		size += applicationBlockLength + dataLengthSize + len(v.Data)
	case Configuration:
		if len(v.Members) > MaxMembers {
			return 0, status.Errorf(status.CodeInvalidOperation,
				"configuration with %d members exceeds maximum of %d", len(v.Members), MaxMembers)
		}
		size += configurationBlockLength + groupHeaderLength
		seen := make(map[string]struct{}, len(v.Members))
		for _, m := range v.Members {
			if len(m.ID) > MaxMemberIDLength {
				return 0, status.Errorf(status.CodeInvalidOperation, "member id of %d bytes is too long", len(m.ID))
			}
			if !m.Type.valid() {
				return 0, status.Errorf(status.CodeInvalidOperation, "member %s has invalid type %s", m.ID, m.Type)
			}
			if _, dup := seen[m.ID]; dup {
				return 0, status.Errorf(status.CodeInvalidOperation, "duplicate member id %s", m.ID)
			}
			seen[m.ID] = struct{}{}
			size += memberBlockLength + memberIDLengthSize + len(m.ID)
		}
	default:
		return 0, status.Errorf(status.CodeInvalidOperation, "unknown entry variant %T", e)
	}
	return size, nil
}

// Encode writes the frame of (term, e) into dst starting at offset and returns
// the number of bytes written. dst must have room for EncodedLength(e) bytes
// after offset. Nothing is written if an error is returned.
//
// Configuration members are written sorted by id, so replicas encoding the
// same member set produce identical bytes.
func Encode(dst []byte, offset int, term uint64, e Entry) (int, error) {
	if offset < 0 {
		return 0, status.Errorf(status.CodeInvalidOperation, "negative offset %d", offset)
	}
	size, err := EncodedLength(e)
	if err != nil {
		return 0, err
	}
	if len(dst)-offset < size {
		return 0, status.Errorf(status.CodeInvalidOperation,
			"buffer too small: need %d bytes at offset %d, have %d", size, offset, max(len(dst)-offset, 0))
	}

	buf := dst[offset : offset+size]

	putHeader(buf, logEntryBlockLength, templateLogEntry)
	pos := headerLength
	le.PutUint64(buf[pos:], term)
	buf[pos+8] = byte(e.Type())
	pos += logEntryBlockLength

	switch v := e.(type) {
	case Initial:
		putHeader(buf[pos:], initialBlockLength, templateOf(TypeInitial))
		pos += headerLength

	case Application:
		putHeader(buf[pos:], applicationBlockLength, templateOf(TypeApplication))
		pos += headerLength
		le.PutUint64(buf[pos:], uint64(v.LowestPosition))
		le.PutUint64(buf[pos+8:], uint64(v.HighestPosition))
		pos += applicationBlockLength
		le.PutUint32(buf[pos:], uint32(len(v.Data)))
		pos += dataLengthSize
		pos += copy(buf[pos:], v.Data)

	case Configuration:
		sorted := v.Sorted()
		putHeader(buf[pos:], configurationBlockLength, templateOf(TypeConfiguration))
		pos += headerLength
		le.PutUint64(buf[pos:], uint64(v.Timestamp))
		pos += configurationBlockLength
		le.PutUint16(buf[pos:], memberBlockLength)
		le.PutUint16(buf[pos+2:], uint16(len(sorted.Members)))
		pos += groupHeaderLength
		for _, m := range sorted.Members {
			buf[pos] = byte(m.Type)
			le.PutUint64(buf[pos+1:], uint64(m.Updated))
			pos += memberBlockLength
			le.PutUint16(buf[pos:], uint16(len(m.ID)))
			pos += memberIDLengthSize
			pos += copy(buf[pos:], m.ID)
		}
	}

	return pos, nil
}

// Marshal allocates a buffer of the exact size and encodes (term, e) into it.
func Marshal(term uint64, e Entry) ([]byte, error) {
	size, err := EncodedLength(e)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := Encode(buf, 0, term, e); err != nil {
		return nil, err
	}
	return buf, nil
}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

// Decode reads one frame from the start of src. It returns the entry and the
// number of bytes consumed. Bytes after the frame are ignored.
//
// Decoded entries never alias src.
func Decode(src []byte) (LogEntry, int, error) {
	r := reader{buf: src}

	h, err := r.header(templateLogEntry, logEntryBlockLength)
	if err != nil {
		return LogEntry{}, 0, err
	}
	term := le.Uint64(src[r.pos:])
	typ := Type(src[r.pos+8])
	r.pos += int(h.blockLength)

	var e Entry
	switch typ {
	case TypeInitial:
		e, err = r.initial()
	case TypeApplication:
		e, err = r.application()
	case TypeConfiguration:
		e, err = r.configuration()
	default:
		return LogEntry{}, 0, corrupt("unknown entry type %d", uint8(typ))
	}
	if err != nil {
		return LogEntry{}, 0, err
	}
	return LogEntry{Term: term, Entry: e}, r.pos, nil
}

// DecodeAt reads one frame from src starting at offset.
func DecodeAt(src []byte, offset int) (LogEntry, int, error) {
	if offset < 0 || offset > len(src) {
		return LogEntry{}, 0, status.Errorf(status.CodeInvalidOperation,
			"offset %d out of range for buffer of %d bytes", offset, len(src))
	}
	return Decode(src[offset:])
}

func corrupt(format string, args ...interface{}) error {
	return status.Errorf(status.CodeCorruptEntry, format, args...)
}

// reader is a bounds-checked cursor over a frame.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if len(r.buf)-r.pos < n {
		return corrupt("truncated frame: need %d bytes at offset %d, have %d", n, r.pos, len(r.buf)-r.pos)
	}
	return nil
}

// header reads a message header and checks schema, template and that the
// announced block is at least minBlock bytes long and fully present.
func (r *reader) header(template uint16, minBlock int) (header, error) {
	if err := r.need(headerLength); err != nil {
		return header{}, err
	}
	b := r.buf[r.pos:]
	h := header{
		blockLength: le.Uint16(b[0:2]),
		templateID:  le.Uint16(b[2:4]),
		schemaID:    le.Uint16(b[4:6]),
		version:     le.Uint16(b[6:8]),
	}
	if h.schemaID != SchemaID {
		return header{}, corrupt("unknown schema id %d (expected %d)", h.schemaID, SchemaID)
	}
	if h.templateID != template {
		return header{}, corrupt("unknown template id %d (expected %d)", h.templateID, template)
	}
	if int(h.blockLength) < minBlock {
		return header{}, corrupt("block length %d of template %d is shorter than %d", h.blockLength, template, minBlock)
	}
	r.pos += headerLength
	if err := r.need(int(h.blockLength)); err != nil {
		return header{}, err
	}
	return h, nil
}

func (r *reader) initial() (Entry, error) {
	h, err := r.header(templateInitial, initialBlockLength)
	if err != nil {
		return nil, err
	}
	r.pos += int(h.blockLength)
	return Initial{}, nil
}

func (r *reader) application() (Entry, error) {
	h, err := r.header(templateApplication, applicationBlockLength)
	if err != nil {
		return nil, err
	}
	app := Application{
		LowestPosition:  int64(le.Uint64(r.buf[r.pos:])),
		HighestPosition: int64(le.Uint64(r.buf[r.pos+8:])),
	}
	r.pos += int(h.blockLength)

	if err := r.need(dataLengthSize); err != nil {
		return nil, err
	}
	n := le.Uint32(r.buf[r.pos:])
	r.pos += dataLengthSize
	if n > MaxDataLength {
		return nil, corrupt("application data length %d exceeds maximum of %d", n, MaxDataLength)
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	app.Data = make([]byte, n)
	r.pos += copy(app.Data, r.buf[r.pos:r.pos+int(n)])
	return app, nil
}

func (r *reader) configuration() (Entry, error) {
	h, err := r.header(templateConfiguration, configurationBlockLength)
	if err != nil {
		return nil, err
	}
	cfg := Configuration{Timestamp: int64(le.Uint64(r.buf[r.pos:]))}
	r.pos += int(h.blockLength)

	if err := r.need(groupHeaderLength); err != nil {
		return nil, err
	}
	blockLength := int(le.Uint16(r.buf[r.pos:]))
	count := int(le.Uint16(r.buf[r.pos+2:]))
	r.pos += groupHeaderLength
	if blockLength < memberBlockLength {
		return nil, corrupt("member block length %d is shorter than %d", blockLength, memberBlockLength)
	}

	cfg.Members = make([]Member, 0, count)
	for i := 0; i < count; i++ {
		if err := r.need(blockLength); err != nil {
			return nil, err
		}
		m := Member{
			Type:    MemberType(r.buf[r.pos]),
			Updated: int64(le.Uint64(r.buf[r.pos+1:])),
		}
		if !m.Type.valid() {
			return nil, corrupt("unknown member type %d", uint8(m.Type))
		}
		r.pos += blockLength

		if err := r.need(memberIDLengthSize); err != nil {
			return nil, err
		}
		idLen := int(le.Uint16(r.buf[r.pos:]))
		r.pos += memberIDLengthSize
		if err := r.need(idLen); err != nil {
			return nil, err
		}
		m.ID = string(r.buf[r.pos : r.pos+idLen])
		r.pos += idLen

		cfg.Members = append(cfg.Members, m)
	}
	return cfg, nil
}
