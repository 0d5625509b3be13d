package entry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ValentinKolb/dState/lib/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfiguration() Configuration {
	return Configuration{
		Timestamp: 1234,
		Members: []Member{
			{ID: "1", Type: MemberActive, Updated: 123456},
			{ID: "2", Type: MemberPassive, Updated: 123457},
			{ID: "3", Type: MemberPromotable, Updated: 123458},
		},
	}
}

// TestRoundTrip encodes every variant at offset 0 and at offset 10 of a larger
// buffer and decodes it from a slice holding exactly the written bytes.
func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		term  uint64
		entry Entry
	}{
		{"initial", 1, Initial{}},
		{"application", 5, Application{LowestPosition: 1, HighestPosition: 2, Data: []byte("Test")}},
		{"application empty data", 5, Application{LowestPosition: 7, HighestPosition: 7, Data: nil}},
		{"application one byte", 6, Application{LowestPosition: 8, HighestPosition: 9, Data: []byte{0xff}}},
		{"application max data", 7, Application{LowestPosition: 1, HighestPosition: 1, Data: bytes.Repeat([]byte{0xab}, MaxDataLength)}},
		{"configuration", 8, testConfiguration()},
		{"configuration no members", 9, Configuration{Timestamp: 42}},
		{"max term", ^uint64(0), Initial{}},
	}

	for _, tt := range tests {
		for _, offset := range []int{0, 10} {
			t.Run(tt.name, func(t *testing.T) {
				size, err := EncodedLength(tt.entry)
				require.NoError(t, err)

				buf := make([]byte, offset+size+16)
				n, err := Encode(buf, offset, tt.term, tt.entry)
				require.NoError(t, err)
				require.Equal(t, size, n)

				decoded, consumed, err := Decode(buf[offset : offset+n])
				require.NoError(t, err)
				assert.Equal(t, n, consumed)

				want := LogEntry{Term: tt.term, Entry: tt.entry}
				assert.True(t, want.Equal(decoded), "want %v, got %v", want, decoded)

				viaOffset, consumed, err := DecodeAt(buf, offset)
				require.NoError(t, err)
				assert.Equal(t, n, consumed)
				assert.True(t, want.Equal(viaOffset))
			})
		}
	}
}

func TestApplicationEntryAtOffset(t *testing.T) {
	app := Application{LowestPosition: 1, HighestPosition: 2, Data: []byte("Test")}
	buf := make([]byte, 128)

	n, err := Encode(buf, 10, 5, app)
	require.NoError(t, err)

	decoded, _, err := Decode(buf[10 : 10+n])
	require.NoError(t, err)
	assert.Equal(t, uint64(5), decoded.Term)

	got, ok := decoded.Entry.(Application)
	require.True(t, ok, "expected Application, got %T", decoded.Entry)
	assert.Equal(t, int64(1), got.LowestPosition)
	assert.Equal(t, int64(2), got.HighestPosition)
	assert.Equal(t, []byte("Test"), got.Data)
}

func TestConfigurationEntry(t *testing.T) {
	cfg := testConfiguration()
	frame, err := Marshal(5, cfg)
	require.NoError(t, err)

	decoded, _, err := Decode(frame)
	require.NoError(t, err)

	got, ok := decoded.Entry.(Configuration)
	require.True(t, ok)
	assert.Equal(t, cfg.Timestamp, got.Timestamp)
	assert.Equal(t, cfg.String(), got.String())
}

func TestConfigurationMemberOrderIsNormalized(t *testing.T) {
	a := testConfiguration()
	b := Configuration{
		Timestamp: a.Timestamp,
		Members:   []Member{a.Members[2], a.Members[0], a.Members[1]},
	}

	frameA, err := Marshal(3, a)
	require.NoError(t, err)
	frameB, err := Marshal(3, b)
	require.NoError(t, err)

	assert.Equal(t, frameA, frameB, "same member set must produce identical bytes")
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.String(), b.String())

	// encoding must not reorder the caller's slice
	assert.Equal(t, "3", b.Members[0].ID)
}

func TestEncodeRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"nil entry", nil},
		{"pointer variant", &Application{}},
		{"data too large", Application{Data: make([]byte, MaxDataLength+1)}},
		{"duplicate member", Configuration{Members: []Member{{ID: "a"}, {ID: "a", Type: MemberPassive}}}},
		{"invalid member type", Configuration{Members: []Member{{ID: "a", Type: MemberType(9)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 64)
			_, err := Encode(buf, 0, 1, tt.entry)
			require.Error(t, err)
			assert.True(t, errors.Is(err, status.ErrInvalidOperation), "got %v", err)
		})
	}
}

func TestEncodeBufferTooSmall(t *testing.T) {
	app := Application{Data: []byte("payload")}
	size, err := EncodedLength(app)
	require.NoError(t, err)

	buf := make([]byte, size+3)
	_, err = Encode(buf, 4, 1, app)
	assert.True(t, errors.Is(err, status.ErrInvalidOperation))

	// nothing may have been written
	assert.Equal(t, make([]byte, size+3), buf)

	_, err = Encode(buf, -1, 1, app)
	assert.True(t, errors.Is(err, status.ErrInvalidOperation))
}

func TestDecodeTruncatedFrame(t *testing.T) {
	for _, e := range []Entry{Initial{}, Application{Data: []byte("abc")}, testConfiguration()} {
		frame, err := Marshal(2, e)
		require.NoError(t, err)

		for l := 0; l < len(frame); l++ {
			decoded, n, err := Decode(frame[:l])
			require.Error(t, err, "%s truncated to %d bytes", e.Type(), l)
			assert.True(t, errors.Is(err, status.ErrCorruptEntry), "got %v", err)
			assert.Nil(t, decoded.Entry)
			assert.Zero(t, n)
		}
	}
}

func TestDecodeRejectsUnknownTemplate(t *testing.T) {
	frame, err := Marshal(1, Application{Data: []byte("x")})
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset int
		value  uint16
	}{
		{"outer template", 2, 77},
		{"outer schema", 4, 99},
		{"variant template", headerLength + logEntryBlockLength + 2, 77},
		{"variant schema", headerLength + logEntryBlockLength + 4, 99},
		// variant template of another known variant
		{"mismatching variant template", headerLength + logEntryBlockLength + 2, templateInitial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corrupted := append([]byte(nil), frame...)
			binary.LittleEndian.PutUint16(corrupted[tt.offset:], tt.value)

			_, _, err := Decode(corrupted)
			assert.True(t, errors.Is(err, status.ErrCorruptEntry), "got %v", err)
		})
	}
}

func TestDecodeRejectsUnknownEntryType(t *testing.T) {
	frame, err := Marshal(1, Initial{})
	require.NoError(t, err)
	frame[headerLength+8] = 42

	_, _, err = Decode(frame)
	assert.True(t, errors.Is(err, status.ErrCorruptEntry))
}

// TestDecodeIgnoresTrailingBlockFields simulates a newer writer that appended
// an extra field to the application block.
func TestDecodeIgnoresTrailingBlockFields(t *testing.T) {
	le := binary.LittleEndian
	data := []byte("payload")

	var frame []byte
	frame = le.AppendUint16(frame, logEntryBlockLength+4) // outer block grew by 4 bytes
	frame = le.AppendUint16(frame, templateLogEntry)
	frame = le.AppendUint16(frame, SchemaID)
	frame = le.AppendUint16(frame, SchemaVersion+1)
	frame = le.AppendUint64(frame, 11)
	frame = append(frame, byte(TypeApplication))
	frame = le.AppendUint32(frame, 0xdeadbeef) // unknown outer field

	frame = le.AppendUint16(frame, applicationBlockLength+8) // application block grew by 8 bytes
	frame = le.AppendUint16(frame, templateApplication)
	frame = le.AppendUint16(frame, SchemaID)
	frame = le.AppendUint16(frame, SchemaVersion+1)
	frame = le.AppendUint64(frame, 3)
	frame = le.AppendUint64(frame, 4)
	frame = le.AppendUint64(frame, 0xcafebabe) // unknown application field
	frame = le.AppendUint32(frame, uint32(len(data)))
	frame = append(frame, data...)

	decoded, n, err := Decode(append(frame, 0x01, 0x02)) // trailing garbage after the frame
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	want := LogEntry{Term: 11, Entry: Application{LowestPosition: 3, HighestPosition: 4, Data: data}}
	assert.True(t, want.Equal(decoded), "got %v", decoded)
}

func TestSequentialFramesAreSelfDelimiting(t *testing.T) {
	entries := []LogEntry{
		{Term: 1, Entry: Initial{}},
		{Term: 1, Entry: testConfiguration()},
		{Term: 2, Entry: Application{LowestPosition: 1, HighestPosition: 3, Data: []byte("abc")}},
	}

	buf := make([]byte, 1024)
	offset := 3
	for _, e := range entries {
		n, err := Encode(buf, offset, e.Term, e.Entry)
		require.NoError(t, err)
		offset += n
	}

	pos := 3
	for i, want := range entries {
		got, n, err := DecodeAt(buf[:offset], pos)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "entry %d: want %v, got %v", i, want, got)
		pos += n
	}
	assert.Equal(t, offset, pos)
}

func TestDecodedDataDoesNotAliasBuffer(t *testing.T) {
	frame, err := Marshal(1, Application{Data: []byte("abc")})
	require.NoError(t, err)

	decoded, _, err := Decode(frame)
	require.NoError(t, err)

	for i := range frame {
		frame[i] = 0
	}
	assert.Equal(t, []byte("abc"), decoded.Entry.(Application).Data)
}
