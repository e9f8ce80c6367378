package tsm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cnoshb/cnosdb/types"
)

// Encoding tags the codec used for one column. Only Raw is implemented;
// the tag byte is carried on disk so a future codec can be introduced
// without bumping the file format version.
type Encoding uint8

const Raw Encoding = 0

// DataBlock is a tagged value carrying one of {i64, u64, f64, bool, bytes}
// columns with aligned Ts/Val arrays of equal length.
type DataBlock struct {
	FieldType types.FieldType

	Ts []int64

	ValI64   []int64
	ValU64   []uint64
	ValF64   []float64
	ValBool  []bool
	ValBytes [][]byte

	TsEncoding  Encoding
	ValEncoding Encoding
}

// Len returns the number of (ts, val) pairs in the block.
func (b *DataBlock) Len() int {
	return len(b.Ts)
}

// IsEmpty reports whether the block carries no samples.
func (b *DataBlock) IsEmpty() bool {
	return len(b.Ts) == 0
}

// TimeRange returns (min, max) of Ts, and false if the block is empty.
func (b *DataBlock) TimeRange() (int64, int64, bool) {
	if b.IsEmpty() {
		return 0, 0, false
	}
	return b.Ts[0], b.Ts[len(b.Ts)-1], true
}

// Validate checks the invariants: ts strictly ascending, a known
// FieldType, and that FieldType's value column as long as Ts. The other
// value columns are not inspected.
func (b *DataBlock) Validate() error {
	n := len(b.Ts)
	for i := 1; i < n; i++ {
		if b.Ts[i] <= b.Ts[i-1] {
			return fmt.Errorf("tsm: timestamps not strictly ascending at index %d", i)
		}
	}
	valLen, err := b.valueLen()
	if err != nil {
		return err
	}
	if valLen != n {
		return fmt.Errorf("tsm: ts/val length mismatch: %d ts, %d val", n, valLen)
	}
	return nil
}

func (b *DataBlock) valueLen() (int, error) {
	switch b.FieldType {
	case types.FieldTypeI64:
		return len(b.ValI64), nil
	case types.FieldTypeU64:
		return len(b.ValU64), nil
	case types.FieldTypeF64:
		return len(b.ValF64), nil
	case types.FieldTypeBool:
		return len(b.ValBool), nil
	case types.FieldTypeBytes:
		return len(b.ValBytes), nil
	default:
		return 0, fmt.Errorf("tsm: unknown field type %v", b.FieldType)
	}
}

// encodeColumns produces the on-disk ts_bytes and val_bytes for a block.
// Layout: ts_bytes = 1B encoding tag | N*8B big-endian timestamps.
// val_bytes = 1B encoding tag | values encoded per FieldType (fixed width
// for numeric/bool types, length-prefixed for bytes).
func (b *DataBlock) encodeColumns() (tsBytes, valBytes []byte, err error) {
	n := len(b.Ts)

	tsBytes = make([]byte, 1+8*n)
	tsBytes[0] = byte(b.TsEncoding)
	for i, ts := range b.Ts {
		binary.BigEndian.PutUint64(tsBytes[1+8*i:], uint64(ts))
	}

	switch b.FieldType {
	case types.FieldTypeI64:
		valBytes = make([]byte, 1+8*n)
		valBytes[0] = byte(b.ValEncoding)
		for i, v := range b.ValI64 {
			binary.BigEndian.PutUint64(valBytes[1+8*i:], uint64(v))
		}
	case types.FieldTypeU64:
		valBytes = make([]byte, 1+8*n)
		valBytes[0] = byte(b.ValEncoding)
		for i, v := range b.ValU64 {
			binary.BigEndian.PutUint64(valBytes[1+8*i:], v)
		}
	case types.FieldTypeF64:
		valBytes = make([]byte, 1+8*n)
		valBytes[0] = byte(b.ValEncoding)
		for i, v := range b.ValF64 {
			binary.BigEndian.PutUint64(valBytes[1+8*i:], math.Float64bits(v))
		}
	case types.FieldTypeBool:
		valBytes = make([]byte, 1+n)
		valBytes[0] = byte(b.ValEncoding)
		for i, v := range b.ValBool {
			if v {
				valBytes[1+i] = 1
			}
		}
	case types.FieldTypeBytes:
		size := 1
		for _, v := range b.ValBytes {
			size += 4 + len(v)
		}
		valBytes = make([]byte, size)
		valBytes[0] = byte(b.ValEncoding)
		pos := 1
		for _, v := range b.ValBytes {
			binary.BigEndian.PutUint32(valBytes[pos:], uint32(len(v)))
			pos += 4
			copy(valBytes[pos:], v)
			pos += len(v)
		}
	default:
		return nil, nil, fmt.Errorf("tsm: unknown field type %v", b.FieldType)
	}

	return tsBytes, valBytes, nil
}

// decodeColumns parses ts_bytes/val_bytes (as written by encodeColumns)
// back into a DataBlock of the given field type.
func decodeColumns(fieldType types.FieldType, tsBytes, valBytes []byte) (*DataBlock, error) {
	if len(tsBytes) < 1 || (len(tsBytes)-1)%8 != 0 {
		return nil, fmt.Errorf("tsm: malformed ts column (%d bytes)", len(tsBytes))
	}
	n := (len(tsBytes) - 1) / 8

	blk := &DataBlock{
		FieldType:  fieldType,
		TsEncoding: Encoding(tsBytes[0]),
		Ts:         make([]int64, n),
	}
	for i := 0; i < n; i++ {
		blk.Ts[i] = int64(binary.BigEndian.Uint64(tsBytes[1+8*i:]))
	}

	if len(valBytes) < 1 {
		return nil, fmt.Errorf("tsm: malformed value column")
	}
	blk.ValEncoding = Encoding(valBytes[0])
	body := valBytes[1:]

	switch fieldType {
	case types.FieldTypeI64:
		if len(body) != 8*n {
			return nil, fmt.Errorf("tsm: value column length mismatch")
		}
		blk.ValI64 = make([]int64, n)
		for i := 0; i < n; i++ {
			blk.ValI64[i] = int64(binary.BigEndian.Uint64(body[8*i:]))
		}
	case types.FieldTypeU64:
		if len(body) != 8*n {
			return nil, fmt.Errorf("tsm: value column length mismatch")
		}
		blk.ValU64 = make([]uint64, n)
		for i := 0; i < n; i++ {
			blk.ValU64[i] = binary.BigEndian.Uint64(body[8*i:])
		}
	case types.FieldTypeF64:
		if len(body) != 8*n {
			return nil, fmt.Errorf("tsm: value column length mismatch")
		}
		blk.ValF64 = make([]float64, n)
		for i := 0; i < n; i++ {
			blk.ValF64[i] = math.Float64frombits(binary.BigEndian.Uint64(body[8*i:]))
		}
	case types.FieldTypeBool:
		if len(body) != n {
			return nil, fmt.Errorf("tsm: value column length mismatch")
		}
		blk.ValBool = make([]bool, n)
		for i := 0; i < n; i++ {
			blk.ValBool[i] = body[i] != 0
		}
	case types.FieldTypeBytes:
		blk.ValBytes = make([][]byte, 0, n)
		pos := 0
		for i := 0; i < n; i++ {
			if pos+4 > len(body) {
				return nil, fmt.Errorf("tsm: truncated bytes column")
			}
			l := int(binary.BigEndian.Uint32(body[pos:]))
			pos += 4
			if pos+l > len(body) {
				return nil, fmt.Errorf("tsm: truncated bytes column")
			}
			v := make([]byte, l)
			copy(v, body[pos:pos+l])
			blk.ValBytes = append(blk.ValBytes, v)
			pos += l
		}
	default:
		return nil, fmt.Errorf("tsm: unknown field type %v", fieldType)
	}

	return blk, nil
}

// BlockMeta describes one on-disk block.
type BlockMeta struct {
	FieldID   types.FieldID
	FieldType types.FieldType
	Count     uint32
	MinTs     int64
	MaxTs     int64
	Offset    uint64
	Size      uint64
	ValOffset uint64
}

// Less implements the compaction comparator: (min_ts asc, max_ts
// asc, field_id asc).
func (m BlockMeta) Less(other BlockMeta) bool {
	if m.MinTs != other.MinTs {
		return m.MinTs < other.MinTs
	}
	if m.MaxTs != other.MaxTs {
		return m.MaxTs < other.MaxTs
	}
	return m.FieldID < other.FieldID
}

// BlockEntry is BlockMeta without the field id/type, as stored nested
// under one IndexEntry.
type BlockEntry struct {
	MinTs     int64
	MaxTs     int64
	Count     uint32
	Offset    uint64
	Size      uint64
	ValOffset uint64
}

func (e BlockEntry) ToMeta(fieldID types.FieldID, fieldType types.FieldType) BlockMeta {
	return BlockMeta{
		FieldID:   fieldID,
		FieldType: fieldType,
		Count:     e.Count,
		MinTs:     e.MinTs,
		MaxTs:     e.MaxTs,
		Offset:    e.Offset,
		Size:      e.Size,
		ValOffset: e.ValOffset,
	}
}

// IndexEntry holds every block written for one field id in one file, in
// write order.
type IndexEntry struct {
	FieldID   types.FieldID
	FieldType types.FieldType
	Blocks    []BlockEntry
}

// Overlaps reports whether time ranges (aMin,aMax) and (bMin,bMax)
// intersect inclusively.
func Overlaps(aMin, aMax, bMin, bMax int64) bool {
	return aMin <= bMax && aMax >= bMin
}

// MergeBlocks merges N DataBlocks of the same field into one, sorted
// ascending and unique on Ts, with later entries in the input list
// winning ties. Input blocks must all share the
// same FieldType.
func MergeBlocks(blocks []*DataBlock) (*DataBlock, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("tsm: merge_blocks requires at least one block")
	}
	fieldType := blocks[0].FieldType

	type sample = struct {
		ts       int64
		srcIdx   int
		withinIx int
	}
	var samples []sample
	for bi, b := range blocks {
		if b.FieldType != fieldType {
			return nil, fmt.Errorf("tsm: merge_blocks: mixed field types")
		}
		for i, ts := range b.Ts {
			samples = append(samples, sample{ts: ts, srcIdx: bi, withinIx: i})
		}
	}

	// Stable sort by ts ascending; ties keep input order (later input
	// list entries will overwrite earlier ones when deduping below).
	stableSortSamples(samples)

	out := &DataBlock{FieldType: fieldType}
	var lastTs int64
	haveLast := false
	// dedupe: for equal ts, the sample with the larger srcIdx wins.
	// Walk runs of equal ts and pick the one with max srcIdx.
	i := 0
	for i < len(samples) {
		j := i + 1
		for j < len(samples) && samples[j].ts == samples[i].ts {
			j++
		}
		winner := samples[i]
		for k := i + 1; k < j; k++ {
			if samples[k].srcIdx >= winner.srcIdx {
				winner = samples[k]
			}
		}
		if haveLast && winner.ts <= lastTs {
			// unreachable given the sort; nothing is done here
		}
		appendSample(out, blocks[winner.srcIdx], winner.withinIx)
		lastTs = winner.ts
		haveLast = true
		i = j
	}

	return out, nil
}

func stableSortSamples(s []struct {
	ts       int64
	srcIdx   int
	withinIx int
}) {
	// insertion sort, which is stable (samples with equal ts keep their
	// input order); implemented inline to keep the sample type unexported.
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j].ts > v.ts {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

func appendSample(out *DataBlock, src *DataBlock, idx int) {
	out.Ts = append(out.Ts, src.Ts[idx])
	switch src.FieldType {
	case types.FieldTypeI64:
		out.ValI64 = append(out.ValI64, src.ValI64[idx])
	case types.FieldTypeU64:
		out.ValU64 = append(out.ValU64, src.ValU64[idx])
	case types.FieldTypeF64:
		out.ValF64 = append(out.ValF64, src.ValF64[idx])
	case types.FieldTypeBool:
		out.ValBool = append(out.ValBool, src.ValBool[idx])
	case types.FieldTypeBytes:
		out.ValBytes = append(out.ValBytes, src.ValBytes[idx])
	}
}
