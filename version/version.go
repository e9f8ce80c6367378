// Package version holds the in-memory per-vnode state: CompactMeta/
// VersionEdit manifest records, and the immutable Version/LevelInfo/
// ColumnFile snapshot tree they describe.
package version

import (
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cnoshb/cnosdb/tsm"
	"github.com/cnoshb/cnosdb/types"
)

// ColumnFile is one live TSM (or delta) file as tracked by a LevelInfo.
type ColumnFile struct {
	FileID  types.FileID
	MinTs   int64
	MaxTs   int64
	Size    uint64
	IsDelta bool
	Bloom   *bloom.BloomFilter
}

// Overlaps reports whether c and other's time ranges intersect.
func (c *ColumnFile) Overlaps(other *ColumnFile) bool {
	return tsm.Overlaps(c.MinTs, c.MaxTs, other.MinTs, other.MaxTs)
}

// Name returns the canonical on-disk filename for this file.
func (c *ColumnFile) Name() string {
	return tsm.Filename(uint64(c.FileID), c.IsDelta)
}

// LevelInfo is the ordered set of files at one compaction level for one
// vnode.
type LevelInfo struct {
	Level types.LevelID
	TsfID types.VnodeID
	Files []*ColumnFile
}

func newLevels(tsfID types.VnodeID) [types.MaxLevel + 1]*LevelInfo {
	var levels [types.MaxLevel + 1]*LevelInfo
	for l := range levels {
		levels[l] = &LevelInfo{Level: types.LevelID(l), TsfID: tsfID}
	}
	return levels
}

// Version is the immutable snapshot of one vnode's level/file structure.
// Mutations never happen in place; CopyApplyVersionEdits returns a new
// Version built from this one plus a batch of edits.
type Version struct {
	TsfID      types.VnodeID
	Owner      string
	LastSeq    uint64
	MaxLevelTs int64
	Levels     [types.MaxLevel + 1]*LevelInfo
}

// New returns an empty Version for a freshly added vnode.
func New(tsfID types.VnodeID, owner string) *Version {
	return &Version{
		TsfID:      tsfID,
		Owner:      owner,
		MaxLevelTs: minInt64,
		Levels:     newLevels(tsfID),
	}
}

const minInt64 = -1 << 63

// Files returns every live file across all levels, for tests and
// diagnostics.
func (v *Version) Files() []*ColumnFile {
	var out []*ColumnFile
	for _, l := range v.Levels {
		out = append(out, l.Files...)
	}
	return out
}

// FileByID looks up a live file by id across all levels.
func (v *Version) FileByID(id types.FileID) (*ColumnFile, bool) {
	for _, l := range v.Levels {
		for _, f := range l.Files {
			if f.FileID == id {
				return f, true
			}
		}
	}
	return nil, false
}

// clone makes a shallow copy of v with independently-mutable level file
// slices (the files themselves are immutable once built and may be
// shared between Versions).
func (v *Version) clone() *Version {
	nv := &Version{TsfID: v.TsfID, Owner: v.Owner, LastSeq: v.LastSeq, MaxLevelTs: v.MaxLevelTs}
	for l := range v.Levels {
		src := v.Levels[l]
		files := make([]*ColumnFile, len(src.Files))
		copy(files, src.Files)
		nv.Levels[l] = &LevelInfo{Level: src.Level, TsfID: src.TsfID, Files: files}
	}
	return nv
}

// CopyApplyVersionEdits clones v and applies edits in order, removing
// each edit's DelFiles then adding its AddFiles, tracking the maximum
// seq_no/max_level_ts seen. fileBlooms supplies a bloom filter for newly
// added files by file id (e.g. loaded from the TSM footer); a file with
// no entry gets an empty filter.
func (v *Version) CopyApplyVersionEdits(edits []VersionEdit, fileBlooms map[types.FileID]*bloom.BloomFilter) (*Version, error) {
	nv := v.clone()
	for _, e := range edits {
		for _, m := range e.DelFiles {
			if int(m.Level) >= len(nv.Levels) {
				return nil, fmt.Errorf("version: del_file level %d out of range", m.Level)
			}
			lvl := nv.Levels[m.Level]
			lvl.Files = removeFile(lvl.Files, m.FileID)
		}
		for _, m := range e.AddFiles {
			if int(m.Level) >= len(nv.Levels) {
				return nil, fmt.Errorf("version: add_file level %d out of range", m.Level)
			}
			bf := fileBlooms[m.FileID]
			if bf == nil {
				bf = bloom.NewWithEstimates(1, 0.01)
			}
			nv.Levels[m.Level].Files = append(nv.Levels[m.Level].Files, &ColumnFile{
				FileID:  m.FileID,
				MinTs:   m.MinTs,
				MaxTs:   m.MaxTs,
				Size:    m.FileSize,
				IsDelta: m.IsDelta,
				Bloom:   bf,
			})
		}
		if e.HasSeqNo && e.SeqNo > nv.LastSeq {
			nv.LastSeq = e.SeqNo
		}
		if e.MaxLevelTs > nv.MaxLevelTs {
			nv.MaxLevelTs = e.MaxLevelTs
		}
	}
	return nv, nil
}

func removeFile(files []*ColumnFile, id types.FileID) []*ColumnFile {
	out := files[:0]
	for _, f := range files {
		if f.FileID != id {
			out = append(out, f)
		}
	}
	return out
}
