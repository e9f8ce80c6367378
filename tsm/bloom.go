package tsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/bits-and-blooms/bloom/v3"
)

// bloomEstimatedFields and bloomFalsePositiveRate fix the bloom filter's
// bit count at a compile-time constant, as every TSM file carries a
// filter of the same capacity regardless of how many field ids it
// actually holds.
const (
	bloomEstimatedFields   = 100000
	bloomFalsePositiveRate = 0.01
)

// newBloomFilter returns an empty filter sized per bloomEstimatedFields,
// grounded on FlashLog's sst writer (bloom.NewWithEstimates).
func newBloomFilter() *bloom.BloomFilter {
	return bloom.NewWithEstimates(bloomEstimatedFields, bloomFalsePositiveRate)
}

// encodeBloomFilter serializes a bloom filter as 4B K | 4B M (bit count) |
// bitset bytes | 4B CRC32, the footer's BLOOM_FILTER_BYTES region.
func encodeBloomFilter(f *bloom.BloomFilter) ([]byte, error) {
	var buf bytes.Buffer
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(&buf, crc)

	if err := binary.Write(mw, binary.BigEndian, uint32(f.K())); err != nil {
		return nil, fmt.Errorf("tsm: encode bloom filter K: %w", err)
	}
	if err := binary.Write(mw, binary.BigEndian, uint32(f.Cap())); err != nil {
		return nil, fmt.Errorf("tsm: encode bloom filter cap: %w", err)
	}
	if _, err := f.WriteTo(mw); err != nil {
		return nil, fmt.Errorf("tsm: encode bloom filter bits: %w", err)
	}

	if err := binary.Write(&buf, binary.BigEndian, crc.Sum32()); err != nil {
		return nil, fmt.Errorf("tsm: encode bloom filter crc: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeBloomFilter parses the bytes written by encodeBloomFilter,
// validating the trailing CRC32.
func decodeBloomFilter(data []byte) (*bloom.BloomFilter, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("tsm: bloom filter region too short: %d bytes", len(data))
	}
	body := data[:len(data)-4]
	wantCRC := binary.BigEndian.Uint32(data[len(data)-4:])

	if got := crc32.ChecksumIEEE(body); got != wantCRC {
		return nil, fmt.Errorf("%w: bloom filter crc got %08x want %08x", ErrCrcMismatch, got, wantCRC)
	}

	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(body[8:])); err != nil {
		return nil, fmt.Errorf("tsm: decode bloom filter bits: %w", err)
	}
	return f, nil
}

// bloomFilterEncodedSize returns the on-disk byte length of an encoded
// filter with the fixed estimator parameters, used by the reader to
// locate the footer without re-parsing it. Every filter built by
// newBloomFilter has the same K and bit count, so an empty one encodes
// to the same length as a populated one.
func bloomFilterEncodedSize() int {
	b, err := encodeBloomFilter(newBloomFilter())
	if err != nil {
		return 0
	}
	return len(b)
}
