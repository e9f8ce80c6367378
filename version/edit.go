package version

import (
	"bytes"
	"encoding/binary"
	"io"
	"fmt"

	"github.com/cnoshb/cnosdb/types"
)

// CompactMeta is one file's summary as carried in a manifest edit.
type CompactMeta struct {
	FileID   types.FileID
	FileSize uint64
	TsfID    types.VnodeID
	Level    types.LevelID
	MinTs    int64
	MaxTs    int64
	HighSeq  uint64
	LowSeq   uint64
	IsDelta  bool
}

// CompactMetaBuilder fixes TsfID while varying the rest across BuildTsm/
// BuildDelta calls — one builder per vnode, reused across a compaction
// job's output files.
type CompactMetaBuilder struct {
	TsfID types.VnodeID
}

// BuildTsm returns a CompactMeta for a non-delta output file.
func (b CompactMetaBuilder) BuildTsm(fileID types.FileID, fileSize uint64, level types.LevelID, minTs, maxTs int64) CompactMeta {
	return CompactMeta{FileID: fileID, FileSize: fileSize, TsfID: b.TsfID, Level: level, MinTs: minTs, MaxTs: maxTs}
}

// BuildDelta returns a CompactMeta for a delta output file.
func (b CompactMetaBuilder) BuildDelta(fileID types.FileID, fileSize uint64, level types.LevelID, minTs, maxTs int64) CompactMeta {
	m := b.BuildTsm(fileID, fileSize, level, minTs, maxTs)
	m.IsDelta = true
	return m
}

// VersionEdit is one manifest record: an add/remove of a vnode, or a
// batch of file additions/removals for an existing one.
type VersionEdit struct {
	HasSeqNo  bool
	SeqNo     uint64
	HasFileID bool
	FileID    types.FileID

	MaxLevelTs int64
	AddFiles   []CompactMeta
	DelFiles   []CompactMeta

	DelTsf bool
	AddTsf bool
	TsfID  types.VnodeID
	TsfName string
}

// NewAddVnode returns the edit that creates vnode id under owner (the
// "<tenant>.<db>" namespace string).
func NewAddVnode(id types.VnodeID, owner string) VersionEdit {
	return VersionEdit{TsfID: id, TsfName: owner, AddTsf: true, MaxLevelTs: minInt64}
}

// NewDelVnode returns the edit that removes vnode id.
func NewDelVnode(id types.VnodeID) VersionEdit {
	return VersionEdit{TsfID: id, DelTsf: true, MaxLevelTs: minInt64}
}

// AddFile appends a CompactMeta to add_files, tracking the high-water
// seq_no/file_id/max_level_ts the way the manifest replay expects.
func (e *VersionEdit) AddFile(m CompactMeta, maxLevelTs int64) {
	if m.HighSeq != 0 {
		e.HasSeqNo = true
		e.SeqNo = m.HighSeq
	}
	e.HasFileID = true
	if m.FileID > e.FileID {
		e.FileID = m.FileID
	}
	e.MaxLevelTs = maxLevelTs
	e.TsfID = m.TsfID
	e.AddFiles = append(e.AddFiles, m)
}

// DelFile appends a minimal CompactMeta (file id, level, is_delta only)
// to del_files, matching the source's del_file helper.
func (e *VersionEdit) DelFile(level types.LevelID, fileID types.FileID, isDelta bool) {
	e.DelFiles = append(e.DelFiles, CompactMeta{FileID: fileID, Level: level, IsDelta: isDelta})
}

// String is a one-line summary used by logging, grounded on the
// original's Display impl.
func (e VersionEdit) String() string {
	return fmt.Sprintf(
		"seq_no: %d, file_id: %d, add_files: %d, del_files: %d, del_tsf: %t, add_tsf: %t, tsf_id: %d, tsf_name: %s, has_seq_no: %t, has_file_id: %t, max_level_ts: %d",
		e.SeqNo, e.FileID, len(e.AddFiles), len(e.DelFiles), e.DelTsf, e.AddTsf, e.TsfID, e.TsfName, e.HasSeqNo, e.HasFileID, e.MaxLevelTs,
	)
}

// Encode serializes e to a self-describing byte slice. Decode(Encode(e))
// reproduces e field-for-field.
func (e VersionEdit) Encode() ([]byte, error) {
	var buf bytes.Buffer

	writeBool(&buf, e.HasSeqNo)
	writeU64(&buf, e.SeqNo)
	writeBool(&buf, e.HasFileID)
	writeU64(&buf, uint64(e.FileID))
	writeI64(&buf, e.MaxLevelTs)

	if err := encodeCompactMetas(&buf, e.AddFiles); err != nil {
		return nil, err
	}
	if err := encodeCompactMetas(&buf, e.DelFiles); err != nil {
		return nil, err
	}

	writeBool(&buf, e.DelTsf)
	writeBool(&buf, e.AddTsf)
	writeU32(&buf, uint32(e.TsfID))
	writeString(&buf, e.TsfName)

	return buf.Bytes(), nil
}

// Decode parses the bytes written by Encode.
func Decode(data []byte) (VersionEdit, error) {
	r := bytes.NewReader(data)
	var e VersionEdit
	var err error

	if e.HasSeqNo, err = readBool(r); err != nil {
		return e, err
	}
	var seqNo uint64
	if seqNo, err = readU64(r); err != nil {
		return e, err
	}
	e.SeqNo = seqNo
	if e.HasFileID, err = readBool(r); err != nil {
		return e, err
	}
	var fileID uint64
	if fileID, err = readU64(r); err != nil {
		return e, err
	}
	e.FileID = types.FileID(fileID)
	if e.MaxLevelTs, err = readI64(r); err != nil {
		return e, err
	}
	if e.AddFiles, err = decodeCompactMetas(r); err != nil {
		return e, err
	}
	if e.DelFiles, err = decodeCompactMetas(r); err != nil {
		return e, err
	}
	if e.DelTsf, err = readBool(r); err != nil {
		return e, err
	}
	if e.AddTsf, err = readBool(r); err != nil {
		return e, err
	}
	var tsfID uint32
	if tsfID, err = readU32(r); err != nil {
		return e, err
	}
	e.TsfID = types.VnodeID(tsfID)
	if e.TsfName, err = readString(r); err != nil {
		return e, err
	}
	return e, nil
}

// EncodeVec encodes a slice of edits as repeated 4B-length-prefixed
// Encode() payloads.
func EncodeVec(edits []VersionEdit) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range edits {
		b, err := e.Encode()
		if err != nil {
			return nil, err
		}
		writeU32(&buf, uint32(len(b)))
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// DecodeVec parses the bytes written by EncodeVec.
func DecodeVec(data []byte) ([]VersionEdit, error) {
	var out []VersionEdit
	pos := 0
	for pos < len(data) {
		if len(data)-pos < 4 {
			break
		}
		l := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if len(data)-pos < l {
			break
		}
		e, err := Decode(data[pos : pos+l])
		if err != nil {
			return nil, err
		}
		pos += l
		out = append(out, e)
	}
	return out, nil
}

func encodeCompactMetas(buf *bytes.Buffer, metas []CompactMeta) error {
	writeU32(buf, uint32(len(metas)))
	for _, m := range metas {
		writeU64(buf, uint64(m.FileID))
		writeU64(buf, m.FileSize)
		writeU32(buf, uint32(m.TsfID))
		buf.WriteByte(byte(m.Level))
		writeI64(buf, m.MinTs)
		writeI64(buf, m.MaxTs)
		writeU64(buf, m.HighSeq)
		writeU64(buf, m.LowSeq)
		writeBool(buf, m.IsDelta)
	}
	return nil
}

func decodeCompactMetas(r *bytes.Reader) ([]CompactMeta, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	metas := make([]CompactMeta, 0, n)
	for i := uint32(0); i < n; i++ {
		var m CompactMeta
		fileID, err := readU64(r)
		if err != nil {
			return nil, err
		}
		m.FileID = types.FileID(fileID)
		if m.FileSize, err = readU64(r); err != nil {
			return nil, err
		}
		tsfID, err := readU32(r)
		if err != nil {
			return nil, err
		}
		m.TsfID = types.VnodeID(tsfID)
		lvl, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("version: decode compact meta level: %w", err)
		}
		m.Level = types.LevelID(lvl)
		if m.MinTs, err = readI64(r); err != nil {
			return nil, err
		}
		if m.MaxTs, err = readI64(r); err != nil {
			return nil, err
		}
		if m.HighSeq, err = readU64(r); err != nil {
			return nil, err
		}
		if m.LowSeq, err = readU64(r); err != nil {
			return nil, err
		}
		if m.IsDelta, err = readBool(r); err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) { writeU64(buf, uint64(v)) }

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("version: decode bool: %w", err)
	}
	return b != 0, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("version: decode u32: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("version: decode u64: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("version: decode string: %w", err)
	}
	return string(b), nil
}
