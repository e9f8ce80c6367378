package manifest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cnoshb/cnosdb/log"
	"github.com/cnoshb/cnosdb/types"
	"github.com/cnoshb/cnosdb/version"
)

const summaryFileName = "summary.log"
const summaryTmpFileName = "summary.log.tmp"

var logger = log.WithComponent("manifest")

// Summary owns one vnode-set's manifest log: a writer over the current
// log file, the VersionSet it reconstructs, and the GlobalContext
// counters recovered alongside it. maxSize gates rollIfNeeded (grounded
// on the source's "roll when writer.file_size() >= max_summary_size"
// policy).
type Summary struct {
	dir     string
	writer  *RecordWriter
	ctx     *version.GlobalContext
	set     *version.VersionSet
	maxSize int64
}

// New creates a fresh manifest log in dir, seeded with one record: the
// catch-all empty VersionEdit the source writes on first creation so
// the file is never truly empty.
func New(dir string, maxSize int64) (*Summary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("manifest: create dir %s: %w", dir, err)
	}
	w, err := OpenRecordWriter(filepath.Join(dir, summaryFileName))
	if err != nil {
		return nil, err
	}
	var empty version.VersionEdit
	if err := writeEdit(w, empty); err != nil {
		return nil, err
	}
	if err := w.Sync(); err != nil {
		return nil, err
	}
	return &Summary{
		dir:     dir,
		writer:  w,
		ctx:     version.NewGlobalContext(),
		set:     version.NewVersionSet(),
		maxSize: maxSize,
	}, nil
}

// Recover replays dir's manifest log into a VersionSet and GlobalContext,
// then reopens the log for appending.
func Recover(dir string, maxSize int64) (*Summary, error) {
	path := filepath.Join(dir, summaryFileName)
	set, ctx, err := recoverVersion(path)
	if err != nil {
		return nil, err
	}
	w, err := OpenRecordWriter(path)
	if err != nil {
		return nil, err
	}
	return &Summary{dir: dir, writer: w, ctx: ctx, set: set, maxSize: maxSize}, nil
}

// recoverVersion replays every VersionEdit in path, grouping them by
// vnode id the way the source's recover_version does: accumulate
// per-vnode edit lists keyed by add_tsf/del_tsf markers, then fold each
// vnode's edits into a Version via CopyApplyVersionEdits.
func recoverVersion(path string) (*version.VersionSet, *version.GlobalContext, error) {
	r, err := OpenRecordReader(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	tsfEdits := map[types.VnodeID][]version.VersionEdit{}
	owners := map[types.VnodeID]string{}

	var maxSeq uint64
	var haveSeq bool
	var maxFileID uint64
	var haveFileID bool

	for {
		_, payload, err := r.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, err
		}
		ed, err := version.Decode(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("manifest: decode record: %w", err)
		}
		if ed.HasSeqNo {
			haveSeq = true
			if ed.SeqNo > maxSeq {
				maxSeq = ed.SeqNo
			}
		}
		if ed.HasFileID {
			haveFileID = true
			if uint64(ed.FileID) > maxFileID {
				maxFileID = uint64(ed.FileID)
			}
		}
		switch {
		case ed.AddTsf:
			tsfEdits[ed.TsfID] = nil
			owners[ed.TsfID] = ed.TsfName
		case ed.DelTsf:
			delete(tsfEdits, ed.TsfID)
			delete(owners, ed.TsfID)
		default:
			if _, ok := tsfEdits[ed.TsfID]; ok {
				tsfEdits[ed.TsfID] = append(tsfEdits[ed.TsfID], ed)
			}
		}
	}

	ctx := version.NewGlobalContext()
	set := version.NewVersionSet()

	for tsfID, edits := range tsfEdits {
		v := version.New(tsfID, owners[tsfID])
		nv, err := v.CopyApplyVersionEdits(edits, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("manifest: replay vnode %d: %w", tsfID, err)
		}
		set.Publish(nv)
	}

	if haveSeq {
		ctx.SetLastSeq(maxSeq + 1)
	}
	if haveFileID {
		ctx.SetFileID(maxFileID + 1)
	}
	return set, ctx, nil
}

// VersionSet returns the current VersionSet.
func (s *Summary) VersionSet() *version.VersionSet { return s.set }

// GlobalContext returns the shared counters recovered alongside this
// manifest.
func (s *Summary) GlobalContext() *version.GlobalContext { return s.ctx }

// ApplyVersionEdit writes edits to the log, folds them into the
// corresponding vnodes' Versions, and rolls the log if it has grown
// past MaxSize.
func (s *Summary) ApplyVersionEdit(edits []version.VersionEdit) error {
	if err := s.writeSummary(edits); err != nil {
		return err
	}
	return s.rollIfNeeded()
}

// writeSummary writes and folds edits, returning an error wrapping
// ErrApplyEdit on any failure — the caller (Processor.drainBatch)
// delivers that same error to every Task in the batch. Vnode deletions
// and new Versions are installed only after every edit is written and
// every group folded, so a failing batch publishes nothing.
func (s *Summary) writeSummary(edits []version.VersionEdit) error {
	byVnode := map[types.VnodeID][]version.VersionEdit{}
	deleted := map[types.VnodeID]bool{}
	for _, e := range edits {
		if err := writeEdit(s.writer, e); err != nil {
			return fmt.Errorf("%w: %w", ErrApplyEdit, err)
		}
		if err := s.writer.Sync(); err != nil {
			return fmt.Errorf("%w: %w", ErrApplyEdit, err)
		}
		if e.DelTsf {
			deleted[e.TsfID] = true
			continue
		}
		byVnode[e.TsfID] = append(byVnode[e.TsfID], e)
	}

	next := make([]*version.Version, 0, len(byVnode))
	for tsfID, group := range byVnode {
		var cur *version.Version
		if !deleted[tsfID] {
			cur = s.set.Get(tsfID)
		}
		if cur == nil {
			owner := ""
			for _, e := range group {
				if e.AddTsf {
					owner = e.TsfName
				}
			}
			cur = version.New(tsfID, owner)
		}
		nv, err := cur.CopyApplyVersionEdits(group, nil)
		if err != nil {
			return fmt.Errorf("%w: apply edits to vnode %d: %w", ErrApplyEdit, tsfID, err)
		}
		next = append(next, nv)
	}
	for id := range deleted {
		s.set.Delete(id)
	}
	for _, nv := range next {
		s.set.Publish(nv)
	}
	return nil
}

// rollIfNeeded implements the source's roll_summary_file: once the log
// exceeds MaxSize, it is replaced by a fresh one holding only the
// edits needed to rebuild every current Version (VersionSet.Snapshot),
// written to a temp file and atomically renamed over the old path.
func (s *Summary) rollIfNeeded() error {
	if s.maxSize <= 0 || s.writer.FileSize() < s.maxSize {
		return nil
	}
	logger.Info().Str("path", s.writer.Path()).Int64("size", s.writer.FileSize()).Msg("rolling manifest log")

	oldPath := s.writer.Path()
	tmpPath := filepath.Join(s.dir, summaryTmpFileName)
	_ = os.Remove(tmpPath)

	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("manifest: close old log before roll: %w", err)
	}

	tmpWriter, err := OpenRecordWriter(tmpPath)
	if err != nil {
		return err
	}
	snapshot := s.set.Snapshot()
	for _, e := range snapshot {
		if err := writeEdit(tmpWriter, e); err != nil {
			tmpWriter.Close()
			return err
		}
	}
	if err := tmpWriter.Sync(); err != nil {
		tmpWriter.Close()
		return err
	}
	if err := tmpWriter.Close(); err != nil {
		return fmt.Errorf("manifest: close snapshot log: %w", err)
	}

	if err := os.Rename(tmpPath, oldPath); err != nil {
		return fmt.Errorf("manifest: rename %s -> %s: %w", tmpPath, oldPath, err)
	}

	w, err := OpenRecordWriter(oldPath)
	if err != nil {
		return fmt.Errorf("manifest: reopen rolled log: %w", err)
	}
	s.writer = w
	return nil
}

// Close closes the underlying log file.
func (s *Summary) Close() error { return s.writer.Close() }

func writeEdit(w *RecordWriter, e version.VersionEdit) error {
	buf, err := e.Encode()
	if err != nil {
		return fmt.Errorf("manifest: encode edit: %w", err)
	}
	if _, err := w.WriteRecord(RecordTypeSummary, buf); err != nil {
		return err
	}
	return nil
}
