package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/ValentinKolb/dState/lib/db"
	"github.com/ValentinKolb/dState/lib/status"
	"github.com/klauspost/compress/zstd"
)

// --------------------------------------------------------------------------
// Dump format
// --------------------------------------------------------------------------

// A dump is a header followed by a zstd compressed body:
//
//	[magic "DSTATE\x00\x00" | version u8]
//	zstd( [keyLen u32 | key | valueLen u32 | value] ... [0 u32 | count u64] )
//
// Engine keys always carry a namespace prefix, so a zero key length marks the
// end of the records. The trailing count guards against a truncated body.
const (
	dumpMagic      = "DSTATE\x00\x00"
	dumpVersion    = 1
	maxDumpKeySize = 1 << 20
	maxDumpValSize = 64 << 20
	ioBufferSize   = 1024 * 1024
)

// Checkpoint is a point-in-time view of the store that can be written as a
// dump later, while the store keeps changing.
type Checkpoint struct {
	snap db.Snapshot
}

// Checkpoint captures the committed state of the store. The caller must
// Close the checkpoint.
func (s *Store) Checkpoint() (*Checkpoint, error) {
	snap, err := s.engine.NewSnapshot()
	if err != nil {
		return nil, asStorageError(err, "failed to take snapshot")
	}
	return &Checkpoint{snap: snap}, nil
}

// Close releases the snapshot held by the checkpoint.
func (c *Checkpoint) Close() {
	c.snap.Close()
}

// Save writes the complete committed state of the store to w. The dump is
// taken from a snapshot, so concurrent transitions do not affect it.
func (s *Store) Save(w io.Writer) error {
	cp, err := s.Checkpoint()
	if err != nil {
		return err
	}
	defer cp.Close()
	return cp.Save(w)
}

// Save writes the state captured by the checkpoint to w.
func (c *Checkpoint) Save(w io.Writer) error {
	snap := c.snap
	bw := bufio.NewWriterSize(w, ioBufferSize)
	if _, err := bw.WriteString(dumpMagic); err != nil {
		return status.Wrap(status.CodeStorageUnavailable, err, "failed to write dump header")
	}
	if err := bw.WriteByte(dumpVersion); err != nil {
		return status.Wrap(status.CodeStorageUnavailable, err, "failed to write dump header")
	}

	enc, err := zstd.NewWriter(bw)
	if err != nil {
		return status.Wrap(status.CodeInternal, err, "failed to create zstd encoder")
	}

	var (
		count    uint64
		writeErr error
		lenBuf   [4]byte
	)
	writeChunk := func(b []byte) bool {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
		if _, writeErr = enc.Write(lenBuf[:]); writeErr != nil {
			return false
		}
		_, writeErr = enc.Write(b)
		return writeErr == nil
	}

	iterErr := snap.Iterate(nil, func(k, v []byte) bool {
		if !writeChunk(k) || !writeChunk(v) {
			return false
		}
		count++
		return true
	})
	if iterErr != nil {
		_ = enc.Close()
		return asStorageError(iterErr, "failed to iterate snapshot")
	}
	if writeErr != nil {
		_ = enc.Close()
		return status.Wrap(status.CodeStorageUnavailable, writeErr, "failed to write dump")
	}

	trailer := binary.LittleEndian.AppendUint64(make([]byte, 4, 12), count)
	if _, err := enc.Write(trailer); err != nil {
		_ = enc.Close()
		return status.Wrap(status.CodeStorageUnavailable, err, "failed to write dump")
	}
	if err := enc.Close(); err != nil {
		return status.Wrap(status.CodeStorageUnavailable, err, "failed to finish dump")
	}
	if err := bw.Flush(); err != nil {
		return status.Wrap(status.CodeStorageUnavailable, err, "failed to flush dump")
	}
	return nil
}

// Load replaces the complete state of the store with the dump read from r. The
// replacement is a single transition: on error the previous state is kept.
func (s *Store) Load(r io.Reader) error {
	br := bufio.NewReaderSize(r, ioBufferSize)

	header := make([]byte, len(dumpMagic)+1)
	if _, err := io.ReadFull(br, header); err != nil {
		return status.Wrap(status.CodeCorruptEntry, err, "failed to read dump header")
	}
	if string(header[:len(dumpMagic)]) != dumpMagic {
		return status.NewError(status.CodeCorruptEntry, "invalid dump format: magic number mismatch")
	}
	if v := header[len(dumpMagic)]; v != dumpVersion {
		return status.Errorf(status.CodeCorruptEntry, "unsupported dump version: %d (expected %d)", v, dumpVersion)
	}

	dec, err := zstd.NewReader(br)
	if err != nil {
		return status.Wrap(status.CodeCorruptEntry, err, "failed to create zstd decoder")
	}
	defer dec.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.engine.NewTransaction()
	if err != nil {
		return asStorageError(err, "failed to start transaction")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Discard()
		}
	}()

	if err := clearAll(tx); err != nil {
		return err
	}

	var count uint64
	for {
		key, err := readChunk(dec, maxDumpKeySize)
		if err != nil {
			return err
		}
		if len(key) == 0 {
			break
		}
		value, err := readChunk(dec, maxDumpValSize)
		if err != nil {
			return err
		}
		if err := tx.Set(key, value); err != nil {
			return asStorageError(err, "failed to restore key")
		}
		count++
	}

	var trailer [8]byte
	if _, err := io.ReadFull(dec, trailer[:]); err != nil {
		return status.Wrap(status.CodeCorruptEntry, err, "dump has no trailer")
	}
	if expected := binary.LittleEndian.Uint64(trailer[:]); expected != count {
		return status.Errorf(status.CodeCorruptEntry, "dump holds %d records, trailer says %d", count, expected)
	}

	committed = true
	if err := tx.Commit(); err != nil {
		return asStorageError(err, "failed to commit restored state")
	}
	commitsTotal.Inc()
	return nil
}

// clearAll deletes every key visible to tx.
func clearAll(tx db.Transaction) error {
	var keys [][]byte
	err := tx.Iterate(nil, func(k, _ []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	})
	if err != nil {
		return asStorageError(err, "failed to list existing keys")
	}
	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return asStorageError(err, "failed to clear existing keys")
		}
	}
	return nil
}

func readChunk(r io.Reader, limit uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, corruptDump(err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > limit {
		return nil, status.Errorf(status.CodeCorruptEntry, "dump record of %d bytes exceeds limit of %d", n, limit)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, corruptDump(err)
	}
	return buf, nil
}

func corruptDump(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return status.Wrap(status.CodeCorruptEntry, err, "dump is truncated")
	}
	return status.Wrap(status.CodeCorruptEntry, err, "failed to read dump")
}
