package store

import (
	"encoding/binary"
	"math"

	"github.com/ValentinKolb/dState/lib/status"
)

// --------------------------------------------------------------------------
// Namespace
// --------------------------------------------------------------------------

// Namespace separates independent keyspaces (column families) of a store. It is
// encoded as a two byte big-endian prefix of every engine key.
type Namespace uint16

const namespaceLength = 2

// engineKey returns the full engine key of key in ns.
func (ns Namespace) engineKey(key Key) []byte {
	out := make([]byte, 0, namespaceLength+len(key))
	out = binary.BigEndian.AppendUint16(out, uint16(ns))
	return append(out, key...)
}

// --------------------------------------------------------------------------
// Key
// --------------------------------------------------------------------------

// Key is a composite key built from typed components. The encoding preserves
// the order of the components: keys sharing the leading components share a
// byte prefix, and integer components sort numerically.
//
//   - int64:  sign bit flipped, 8 bytes big-endian
//   - uint64: 8 bytes big-endian
//   - string and bytes: 4 byte big-endian length followed by the bytes
//
// Every With* method returns a new key and never modifies the receiver, so a
// key can be used as the base of several longer keys.
type Key []byte

// NewKey returns an empty key.
func NewKey() Key {
	return Key{}
}

func (k Key) extend(n int) Key {
	out := make(Key, len(k), len(k)+n)
	copy(out, k)
	return out
}

// WithInt64 appends an int64 component.
func (k Key) WithInt64(v int64) Key {
	return binary.BigEndian.AppendUint64(k.extend(8), uint64(v)^(1<<63))
}

// WithUint64 appends an uint64 component.
func (k Key) WithUint64(v uint64) Key {
	return binary.BigEndian.AppendUint64(k.extend(8), v)
}

// WithString appends a length prefixed string component.
func (k Key) WithString(s string) Key {
	out := binary.BigEndian.AppendUint32(k.extend(4+len(s)), uint32(len(s)))
	return append(out, s...)
}

// WithBytes appends a length prefixed byte component.
func (k Key) WithBytes(b []byte) Key {
	out := binary.BigEndian.AppendUint32(k.extend(4+len(b)), uint32(len(b)))
	return append(out, b...)
}

// --------------------------------------------------------------------------
// KeyReader
// --------------------------------------------------------------------------

// KeyReader decodes the components of a key in the order they were written.
// The first failure is sticky: all later reads return zero values and Err
// reports a CodeCorruptEntry error.
type KeyReader struct {
	buf []byte
	err error
}

// NewKeyReader creates a reader for key.
func NewKeyReader(key Key) *KeyReader {
	return &KeyReader{buf: key}
}

func (r *KeyReader) take(n int, component string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf) < n {
		r.err = status.Errorf(status.CodeCorruptEntry, "key too short for %s component (%d bytes left)", component, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

// Int64 reads an int64 component.
func (r *KeyReader) Int64() int64 {
	b := r.take(8, "int64")
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// Uint64 reads an uint64 component.
func (r *KeyReader) Uint64() uint64 {
	b := r.take(8, "uint64")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// String reads a string component.
func (r *KeyReader) String() string {
	return string(r.Bytes())
}

// Bytes reads a byte component. The result is a copy.
func (r *KeyReader) Bytes() []byte {
	l := r.take(4, "length")
	if l == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(l)
	if n > math.MaxInt32 {
		r.take(-1, "bytes")
		return nil
	}
	b := r.take(int(n), "bytes")
	if r.err != nil {
		return nil
	}
	return append([]byte{}, b...)
}

// Err returns the first decoding error.
func (r *KeyReader) Err() error {
	return r.err
}

// Done reports whether all components were read without error.
func (r *KeyReader) Done() bool {
	return r.err == nil && len(r.buf) == 0
}
