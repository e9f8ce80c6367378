// Package tsm implements the on-disk columnar time/value file format: a
// streaming writer that appends CRC-checked blocks per field id and
// emits a sorted index and bloom filter on finish, and a random-access
// reader over the committed file.
//
// File layout (all multi-byte integers big-endian):
//
//	Header:  4B magic 0x01346613 | 1B version 0x01
//	Blocks:  repeated: 4B CRC32(ts_bytes) | ts_bytes | 4B CRC32(val_bytes) | val_bytes
//	Index:   per field id ascending: IndexMeta then Count x BlockMeta
//	Footer:  bloom filter bytes | 8B index_offset
//
// Grounded on FlashLog's sst.diskSSTWriter (data block / index block /
// bloom footer / CRC-via-io.MultiWriter technique), generalized from
// key-value entries to per-field timestamp/value columns.
package tsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cnoshb/cnosdb/types"
)

const (
	magic        uint32 = 0x01346613
	fileVersion  uint8  = 0x01
	headerLength int64  = 5 // 4B magic + 1B version
	blockEntrySize int  = 8 + 8 + 4 + 8 + 8 + 8
)

// Filename returns the canonical on-disk name for a file of the given
// sequence number: "_NNNNNN.tsm" or "_NNNNNN.delta".
func Filename(sequence uint64, isDelta bool) string {
	if isDelta {
		return fmt.Sprintf("_%06d.delta", sequence)
	}
	return fmt.Sprintf("_%06d.tsm", sequence)
}

type fieldBuilder struct {
	fieldType types.FieldType
	blocks    []BlockEntry
}

// Writer streams blocks into a ".tmp" file and commits it via atomic
// rename on Finish. Not safe for concurrent use: one writer owns one
// sequence, as spec'd for TsmWriter.
type Writer struct {
	dir      string
	path     string
	tmpPath  string
	sequence uint64
	isDelta  bool
	maxSize  int64

	file *os.File
	buf  *bufio.Writer

	offset int64

	haveData bool
	minTs    int64
	maxTs    int64

	fields    map[types.FieldID]*fieldBuilder
	bloom     *bloom.BloomFilter
	blockSeq  int

	indexOffset   int64
	indexWritten  bool
	finished      bool
}

// CreateWriter creates "<dir>/<Filename(sequence,isDelta)>.tmp" and writes the
// file header. maxSize <= 0 means unlimited.
func CreateWriter(dir string, sequence uint64, isDelta bool, maxSize int64) (*Writer, error) {
	name := Filename(sequence, isDelta)
	path := filepath.Join(dir, name)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tsm: open %s: %w", tmpPath, err)
	}

	w := &Writer{
		dir:      dir,
		path:     path,
		tmpPath:  tmpPath,
		sequence: sequence,
		isDelta:  isDelta,
		maxSize:  maxSize,
		file:     f,
		buf:      bufio.NewWriter(f),
		fields:   make(map[types.FieldID]*fieldBuilder),
		bloom:    newBloomFilter(),
	}

	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	if err := binary.Write(w.buf, binary.BigEndian, magic); err != nil {
		return fmt.Errorf("tsm: write header magic: %w", err)
	}
	if err := w.buf.WriteByte(fileVersion); err != nil {
		return fmt.Errorf("tsm: write header version: %w", err)
	}
	w.offset = headerLength
	return nil
}

// Path returns the final (post-rename) file path.
func (w *Writer) Path() string { return w.path }

// Sequence returns the file id this writer was opened with.
func (w *Writer) Sequence() uint64 { return w.sequence }

// MinTs/MaxTs return the min/max timestamp across every block written
// so far; the second return is false until at least one block exists.
func (w *Writer) MinTs() (int64, bool) { return w.minTs, w.haveData }
func (w *Writer) MaxTs() (int64, bool) { return w.maxTs, w.haveData }

func (w *Writer) recordTimeRange(minTs, maxTs int64) {
	if !w.haveData {
		w.minTs, w.maxTs, w.haveData = minTs, maxTs, true
		return
	}
	if minTs < w.minTs {
		w.minTs = minTs
	}
	if maxTs > w.maxTs {
		w.maxTs = maxTs
	}
}

func (w *Writer) fieldBuilderFor(id types.FieldID, ft types.FieldType) *fieldBuilder {
	fb, ok := w.fields[id]
	if !ok {
		fb = &fieldBuilder{fieldType: ft}
		w.fields[id] = fb
	}
	return fb
}

// WriteBlock encodes and appends one block for fieldID, returning the
// number of bytes written. Fails with *MaxFileSizeExceedError if maxSize
// is set and this block would exceed it; the block is not written.
func (w *Writer) WriteBlock(fieldID types.FieldID, blk *DataBlock) (int, error) {
	if w.finished {
		return 0, ErrFinished
	}
	if err := blk.Validate(); err != nil {
		return 0, err
	}

	tsBytes, valBytes, err := blk.encodeColumns()
	if err != nil {
		return 0, err
	}
	blockLen := 4 + len(tsBytes) + 4 + len(valBytes)

	if w.maxSize > 0 && w.offset+int64(blockLen) > w.maxSize {
		return 0, &MaxFileSizeExceedError{Max: w.maxSize, BlockIndex: w.blockSeq}
	}

	offset := w.offset
	if err := binary.Write(w.buf, binary.BigEndian, crc32.ChecksumIEEE(tsBytes)); err != nil {
		return 0, fmt.Errorf("tsm: write ts crc: %w", err)
	}
	if _, err := w.buf.Write(tsBytes); err != nil {
		return 0, fmt.Errorf("tsm: write ts bytes: %w", err)
	}
	valOffset := offset + 4 + int64(len(tsBytes))
	if err := binary.Write(w.buf, binary.BigEndian, crc32.ChecksumIEEE(valBytes)); err != nil {
		return 0, fmt.Errorf("tsm: write val crc: %w", err)
	}
	if _, err := w.buf.Write(valBytes); err != nil {
		return 0, fmt.Errorf("tsm: write val bytes: %w", err)
	}

	w.offset += int64(blockLen)
	minTs, maxTs, _ := blk.TimeRange()
	w.recordTimeRange(minTs, maxTs)

	fb := w.fieldBuilderFor(fieldID, blk.FieldType)
	fb.blocks = append(fb.blocks, BlockEntry{
		MinTs:     minTs,
		MaxTs:     maxTs,
		Count:     uint32(blk.Len()),
		Offset:    uint64(offset),
		Size:      uint64(blockLen),
		ValOffset: uint64(valOffset),
	})

	w.bloom.Add(fieldIDBytes(fieldID))
	w.blockSeq++
	return blockLen, nil
}

// WriteRaw appends an already-encoded block verbatim (crc|ts_bytes|crc|
// val_bytes, as returned by a reader's raw block accessor), for
// compactions copying a non-overlapping block without decoding it. meta
// describes the source block; its Offset/ValOffset are translated to
// this writer's current position.
func (w *Writer) WriteRaw(meta BlockMeta, raw []byte) (int, error) {
	if w.finished {
		return 0, ErrFinished
	}
	blockLen := len(raw)
	if w.maxSize > 0 && w.offset+int64(blockLen) > w.maxSize {
		return 0, &MaxFileSizeExceedError{Max: w.maxSize, BlockIndex: w.blockSeq}
	}

	offset := w.offset
	if _, err := w.buf.Write(raw); err != nil {
		return 0, fmt.Errorf("tsm: write raw block: %w", err)
	}
	w.offset += int64(blockLen)
	w.recordTimeRange(meta.MinTs, meta.MaxTs)

	valOffsetDelta := meta.ValOffset - meta.Offset
	fb := w.fieldBuilderFor(meta.FieldID, meta.FieldType)
	fb.blocks = append(fb.blocks, BlockEntry{
		MinTs:     meta.MinTs,
		MaxTs:     meta.MaxTs,
		Count:     meta.Count,
		Offset:    uint64(offset),
		Size:      uint64(blockLen),
		ValOffset: uint64(offset) + valOffsetDelta,
	})

	w.bloom.Add(fieldIDBytes(meta.FieldID))
	w.blockSeq++
	return blockLen, nil
}

// WriteIndex flushes the per-field index and the footer (bloom filter
// then the 8-byte index offset). Idempotent: a second call is a no-op.
func (w *Writer) WriteIndex() error {
	if w.indexWritten {
		return nil
	}

	ids := make([]types.FieldID, 0, len(w.fields))
	for id := range w.fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	indexOffset := w.offset
	for _, id := range ids {
		fb := w.fields[id]
		if err := binary.Write(w.buf, binary.BigEndian, uint64(id)); err != nil {
			return fmt.Errorf("tsm: write index field id: %w", err)
		}
		if err := w.buf.WriteByte(byte(fb.fieldType)); err != nil {
			return fmt.Errorf("tsm: write index field type: %w", err)
		}
		if err := binary.Write(w.buf, binary.BigEndian, uint16(len(fb.blocks))); err != nil {
			return fmt.Errorf("tsm: write index block count: %w", err)
		}
		w.offset += 8 + 1 + 2

		for _, be := range fb.blocks {
			if err := writeBlockEntry(w.buf, be); err != nil {
				return err
			}
			w.offset += int64(blockEntrySize)
		}
	}

	bloomBytes, err := encodeBloomFilter(w.bloom)
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(bloomBytes); err != nil {
		return fmt.Errorf("tsm: write bloom filter: %w", err)
	}
	if err := binary.Write(w.buf, binary.BigEndian, uint64(indexOffset)); err != nil {
		return fmt.Errorf("tsm: write index offset: %w", err)
	}
	w.offset += int64(len(bloomBytes)) + 8

	w.indexOffset = indexOffset
	w.indexWritten = true
	return nil
}

// FileSize returns the total number of bytes written so far, including
// the index and footer once WriteIndex has run.
func (w *Writer) FileSize() int64 { return w.offset }

func writeBlockEntry(w io.Writer, be BlockEntry) error {
	var fields = []interface{}{
		uint64(be.MinTs), uint64(be.MaxTs), be.Count, be.Offset, be.Size, be.ValOffset,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return fmt.Errorf("tsm: write block entry: %w", err)
		}
	}
	return nil
}

// Finish writes the index (if WriteIndex wasn't called explicitly),
// fsyncs, and atomically renames the temp file to its final path.
// Idempotent: calling Finish again after success is a no-op.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	if err := w.WriteIndex(); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("tsm: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("tsm: fsync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("tsm: close: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return fmt.Errorf("tsm: rename %s -> %s: %w", w.tmpPath, w.path, err)
	}
	w.finished = true
	return nil
}

func fieldIDBytes(id types.FieldID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}
