// Package manifest implements the write-ahead manifest log: a single
// append-only file of VersionEdit records that reconstructs every
// vnode's current Version on recovery, plus the roll/snapshot policy
// that keeps the log from growing without bound.
//
// Record framing (grounded on FlashLog's WAL record format, CRC
// computed over the version/type/length header plus payload rather
// than via an in-place seek-back):
//
//	4B CRC32(version | type | len_bytes | payload) | 1B version | 1B type | 4B len | payload
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

const maxRecordSize = 64 << 20 // 64MiB, generous headroom over one batch of VersionEdits

// recordVersion is the wire version of the record header itself (not
// to be confused with a VersionEdit's sequence number).
const recordVersion uint8 = 1

// RecordType tags what a record's payload decodes as. This manifest
// only ever writes Summary records today, but the tag is carried on
// the wire the same way the record-file format reserves room for
// other record kinds.
type RecordType uint8

// RecordTypeSummary marks a record whose payload is an encoded
// version.VersionEdit.
const RecordTypeSummary RecordType = 1

// RecordWriter appends length-prefixed, CRC-checked records to a file
// opened for append.
type RecordWriter struct {
	path string
	f    *os.File
	size int64
}

// OpenRecordWriter opens (creating if necessary) path for appending and
// seeks to the current end, recording the existing size.
func OpenRecordWriter(path string) (*RecordWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("manifest: stat %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("manifest: seek %s: %w", path, err)
	}
	return &RecordWriter{path: path, f: f, size: info.Size()}, nil
}

// Path returns the file path this writer was opened with.
func (w *RecordWriter) Path() string { return w.path }

// FileSize returns the current on-disk length, including every record
// written through this writer.
func (w *RecordWriter) FileSize() int64 { return w.size }

// WriteRecord appends one record of the given type and returns the
// number of bytes written (header included).
func (w *RecordWriter) WriteRecord(recordType RecordType, payload []byte) (int, error) {
	if len(payload) > maxRecordSize {
		return 0, fmt.Errorf("manifest: record of %d bytes exceeds max %d", len(payload), maxRecordSize)
	}

	tagBuf := [2]byte{recordVersion, byte(recordType)}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	crc := crc32.NewIEEE()
	crc.Write(tagBuf[:])
	crc.Write(lenBuf[:])
	crc.Write(payload)

	var out bytes.Buffer
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc.Sum32())
	out.Write(crcBuf[:])
	out.Write(tagBuf[:])
	out.Write(lenBuf[:])
	out.Write(payload)

	n, err := w.f.Write(out.Bytes())
	if err != nil {
		return n, fmt.Errorf("manifest: write record: %w", err)
	}
	w.size += int64(n)
	return n, nil
}

// Sync fsyncs the underlying file.
func (w *RecordWriter) Sync() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("manifest: sync %s: %w", w.path, err)
	}
	return nil
}

// Close closes the underlying file.
func (w *RecordWriter) Close() error { return w.f.Close() }

// RecordReader reads length-prefixed, CRC-checked records sequentially
// from the start of a file.
type RecordReader struct {
	path string
	f    *os.File
}

// OpenRecordReader opens path for sequential reading from the start.
func OpenRecordReader(path string) (*RecordReader, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	return &RecordReader{path: path, f: f}, nil
}

// ReadRecord returns the next record's type and payload, or io.EOF once
// the file is exhausted cleanly at a record boundary.
func (r *RecordReader) ReadRecord() (RecordType, []byte, error) {
	var crcBuf [4]byte
	if _, err := io.ReadFull(r.f, crcBuf[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("manifest: read record crc: %w", err)
	}
	var tagBuf [2]byte
	if _, err := io.ReadFull(r.f, tagBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("manifest: read record tag: %w", err)
	}
	if tagBuf[0] != recordVersion {
		return 0, nil, fmt.Errorf("manifest: %w: unsupported record version %d", ErrCorruptRecord, tagBuf[0])
	}
	recordType := RecordType(tagBuf[1])

	var lenBuf [4]byte
	if _, err := io.ReadFull(r.f, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("manifest: read record len: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxRecordSize {
		return 0, nil, fmt.Errorf("manifest: record length %d exceeds max %d", length, maxRecordSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.f, payload); err != nil {
		return 0, nil, fmt.Errorf("manifest: read record payload: %w", err)
	}

	crc := crc32.NewIEEE()
	crc.Write(tagBuf[:])
	crc.Write(lenBuf[:])
	crc.Write(payload)
	if crc.Sum32() != binary.BigEndian.Uint32(crcBuf[:]) {
		return 0, nil, fmt.Errorf("manifest: %w", ErrCorruptRecord)
	}
	return recordType, payload, nil
}

// Close closes the underlying file.
func (r *RecordReader) Close() error { return r.f.Close() }
