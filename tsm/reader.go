package tsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cnoshb/cnosdb/log"
	"github.com/cnoshb/cnosdb/types"
)

var logger = log.WithComponent("tsm")

// Reader opens a committed TSM file for random-access reads: header,
// footer and index loaded up front, then on-demand block decoding.
type Reader struct {
	path string
	file *os.File
	size int64

	indexOffset int64
	entries     []*IndexEntry // sorted by FieldID ascending
	byField     map[types.FieldID]*IndexEntry

	bloom *bloom.BloomFilter
}

// Open validates the header and footer and loads the full index into
// memory; block payloads are read lazily via GetDataBlock/ReadRaw.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tsm: open %s: %w", path, err)
	}

	r := &Reader{path: path, file: f, byField: make(map[types.FieldID]*IndexEntry)}
	if err := r.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := r.readFooter(); err != nil {
		f.Close()
		return nil, err
	}
	if err := r.readIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeader() error {
	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("tsm: stat %s: %w", r.path, err)
	}
	r.size = info.Size()
	if r.size < headerLength {
		return fmt.Errorf("%w: %s too short for header", ErrBadMagic, r.path)
	}

	var hdr [5]byte
	if _, err := r.file.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("tsm: read header: %w", err)
	}
	if binary.BigEndian.Uint32(hdr[:4]) != magic {
		return fmt.Errorf("%w: %s", ErrBadMagic, r.path)
	}
	if hdr[4] != fileVersion {
		return fmt.Errorf("%w: got %d", ErrBadVersion, hdr[4])
	}
	return nil
}

func (r *Reader) readFooter() error {
	footerLen := int64(bloomFilterEncodedSize()) + 8
	if r.size < headerLength+footerLen {
		return fmt.Errorf("%w: %s too short for footer", ErrUnexpectedEOF, r.path)
	}

	footer := make([]byte, footerLen)
	if _, err := r.file.ReadAt(footer, r.size-footerLen); err != nil {
		return fmt.Errorf("tsm: read footer: %w", err)
	}

	bf, err := decodeBloomFilter(footer[:len(footer)-8])
	if err != nil {
		return err
	}
	r.bloom = bf
	r.indexOffset = int64(binary.BigEndian.Uint64(footer[len(footer)-8:]))

	if r.indexOffset < headerLength || r.indexOffset > r.size-footerLen {
		return fmt.Errorf("tsm: %s: index offset %d out of range", r.path, r.indexOffset)
	}
	return nil
}

func (r *Reader) readIndex() error {
	footerLen := int64(bloomFilterEncodedSize()) + 8
	indexLen := r.size - footerLen - r.indexOffset
	if indexLen < 0 {
		return fmt.Errorf("tsm: %s: negative index length", r.path)
	}

	buf := make([]byte, indexLen)
	if _, err := r.file.ReadAt(buf, r.indexOffset); err != nil && err != io.EOF {
		return fmt.Errorf("tsm: read index: %w", err)
	}

	pos := 0
	for pos < len(buf) {
		if pos+11 > len(buf) {
			return fmt.Errorf("%w: truncated index meta", ErrUnexpectedEOF)
		}
		fieldID := types.FieldID(binary.BigEndian.Uint64(buf[pos:]))
		fieldType := types.FieldType(buf[pos+8])
		blockCount := int(binary.BigEndian.Uint16(buf[pos+9:]))
		pos += 11

		entry := &IndexEntry{FieldID: fieldID, FieldType: fieldType}
		for i := 0; i < blockCount; i++ {
			if pos+blockEntrySize > len(buf) {
				return fmt.Errorf("%w: truncated block meta", ErrUnexpectedEOF)
			}
			be := BlockEntry{
				MinTs:     int64(binary.BigEndian.Uint64(buf[pos:])),
				MaxTs:     int64(binary.BigEndian.Uint64(buf[pos+8:])),
				Count:     binary.BigEndian.Uint32(buf[pos+16:]),
				Offset:    binary.BigEndian.Uint64(buf[pos+20:]),
				Size:      binary.BigEndian.Uint64(buf[pos+28:]),
				ValOffset: binary.BigEndian.Uint64(buf[pos+36:]),
			}
			entry.Blocks = append(entry.Blocks, be)
			pos += blockEntrySize
		}

		r.entries = append(r.entries, entry)
		r.byField[fieldID] = entry
	}

	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].FieldID < r.entries[j].FieldID })
	return nil
}

// Path returns the file path this reader was opened from.
func (r *Reader) Path() string { return r.path }

// IndexEntries returns every field id's index entry, in ascending field
// id order (the order they are stored on disk).
func (r *Reader) IndexEntries() []*IndexEntry { return r.entries }

// IndexEntry returns the index entry for one field id, or nil.
func (r *Reader) IndexEntry(fieldID types.FieldID) *IndexEntry { return r.byField[fieldID] }

// BloomFilter returns the file's field-id membership filter.
func (r *Reader) BloomFilter() *bloom.BloomFilter { return r.bloom }

// MayContain reports whether the bloom filter indicates fieldID could be
// present in this file (false negatives never occur; false positives may).
func (r *Reader) MayContain(fieldID types.FieldID) bool {
	return r.bloom.Test(fieldIDBytes(fieldID))
}

// GetDataBlock reads, CRC-verifies, and decodes the block described by
// meta for the given field/type.
func (r *Reader) GetDataBlock(meta BlockMeta) (*DataBlock, error) {
	raw := make([]byte, meta.Size)
	if _, err := r.file.ReadAt(raw, int64(meta.Offset)); err != nil {
		return nil, fmt.Errorf("tsm: read block at %d: %w", meta.Offset, err)
	}

	tsLen := meta.ValOffset - meta.Offset - 4
	if tsLen > meta.Size || 4+tsLen+4 > meta.Size {
		return nil, fmt.Errorf("tsm: malformed block meta at offset %d", meta.Offset)
	}

	wantTsCRC := binary.BigEndian.Uint32(raw[0:4])
	tsBytes := raw[4 : 4+tsLen]
	if got := crc32.ChecksumIEEE(tsBytes); got != wantTsCRC {
		logger.Warn().Str("path", r.path).Int64("offset", int64(meta.Offset)).Msg("ts block crc mismatch")
		return nil, fmt.Errorf("%w: ts block at offset %d got %08x want %08x", ErrCrcMismatch, meta.Offset, got, wantTsCRC)
	}

	valCRCOff := 4 + tsLen
	wantValCRC := binary.BigEndian.Uint32(raw[valCRCOff : valCRCOff+4])
	valBytes := raw[valCRCOff+4:]
	if got := crc32.ChecksumIEEE(valBytes); got != wantValCRC {
		logger.Warn().Str("path", r.path).Int64("offset", int64(meta.Offset)).Msg("value block crc mismatch")
		return nil, fmt.Errorf("%w: value block at offset %d got %08x want %08x", ErrCrcMismatch, meta.Offset, got, wantValCRC)
	}

	return decodeColumns(meta.FieldType, tsBytes, valBytes)
}

// ReadRaw returns the exact on-disk bytes (crc|ts|crc|val) for a block,
// suitable for Writer.WriteRaw without decoding.
func (r *Reader) ReadRaw(meta BlockMeta) ([]byte, error) {
	raw := make([]byte, meta.Size)
	if _, err := r.file.ReadAt(raw, int64(meta.Offset)); err != nil {
		return nil, fmt.Errorf("tsm: read raw block at %d: %w", meta.Offset, err)
	}
	return raw, nil
}

// Close releases the underlying file descriptor.
func (r *Reader) Close() error {
	return r.file.Close()
}
