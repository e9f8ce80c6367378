package compaction

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cnoshb/cnosdb/log"
	"github.com/cnoshb/cnosdb/tsm"
	"github.com/cnoshb/cnosdb/types"
	"github.com/cnoshb/cnosdb/version"
)

var logger = log.WithComponent("compaction")

// maxDataBlockValues is the design's tuning knob for the optional raw-
// forwarding fast path; kept as the documented constant even though this
// driver always re-encodes merged blocks.
const maxDataBlockValues = 1000

// Request describes one compaction job: merge every non-delta file at
// Level into a new file (or files) at OutLevel.
type Request struct {
	Dir      string
	Version  *version.Version
	Level    types.LevelID
	Files    []*version.ColumnFile
	OutLevel types.LevelID
	MaxFileSize int64
}

// Run drives a CompactIterator over req's input files, feeding a fresh
// TsmWriter, rolling to a new output file whenever the current one would
// exceed MaxFileSize, and returns the VersionEdits the caller should
// hand to the manifest (one add_file per output file, plus a trailing
// edit deleting every input file). Run never writes to the manifest
// itself.
func Run(req Request, ctx *version.GlobalContext) ([]version.VersionEdit, error) {
	var inputs []*version.ColumnFile
	for _, f := range req.Files {
		if !f.IsDelta {
			inputs = append(inputs, f)
		}
	}
	if len(inputs) == 0 {
		return nil, nil
	}
	logger.Info().Uint32("vnode_id", uint32(req.Version.TsfID)).Int("files", len(inputs)).
		Uint8("from_level", uint8(req.Level)).Uint8("to_level", uint8(req.OutLevel)).
		Msg("starting compaction")

	readers := make([]*tsm.Reader, 0, len(inputs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, f := range inputs {
		r, err := tsm.Open(filepath.Join(req.Dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("compaction: %w: open %s: %v", ErrSetupFailed, f.Name(), err)
		}
		readers = append(readers, r)
	}

	it := NewIterator(readers, maxDataBlockValues)
	builder := version.CompactMetaBuilder{TsfID: req.Version.TsfID}

	var edits []version.VersionEdit
	w, err := tsm.CreateWriter(req.Dir, uint64(ctx.FileIDNext()), false, req.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("compaction: open output writer: %w", err)
	}

	finalize := func(w *tsm.Writer) (version.VersionEdit, error) {
		if err := w.Finish(); err != nil {
			return version.VersionEdit{}, fmt.Errorf("compaction: finish output file: %w", err)
		}
		minTs, _ := w.MinTs()
		maxTs, _ := w.MaxTs()
		meta := builder.BuildTsm(types.FileID(w.Sequence()), uint64(w.FileSize()), req.OutLevel, minTs, maxTs)
		var e version.VersionEdit
		e.AddFile(meta, req.Version.MaxLevelTs)
		return e, nil
	}

	for {
		block, ok, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("compaction: iterate: %w", err)
		}
		if !ok {
			break
		}

		if _, err := w.WriteBlock(block.FieldID, block.Block); err != nil {
			var sizeErr *tsm.MaxFileSizeExceedError
			if !errors.As(err, &sizeErr) {
				return nil, fmt.Errorf("compaction: write block: %w", err)
			}

			e, ferr := finalize(w)
			if ferr != nil {
				return nil, ferr
			}
			edits = append(edits, e)

			w, err = tsm.CreateWriter(req.Dir, uint64(ctx.FileIDNext()), false, req.MaxFileSize)
			if err != nil {
				return nil, fmt.Errorf("compaction: reopen output writer: %w", err)
			}
			if _, err := w.WriteBlock(block.FieldID, block.Block); err != nil {
				return nil, fmt.Errorf("compaction: write block after roll: %w", err)
			}
		}
	}

	e, err := finalize(w)
	if err != nil {
		return nil, err
	}
	edits = append(edits, e)

	var delEdit version.VersionEdit
	delEdit.TsfID = req.Version.TsfID
	for _, f := range inputs {
		delEdit.DelFile(req.Level, f.FileID, f.IsDelta)
	}
	edits = append(edits, delEdit)

	logger.Info().Uint32("vnode_id", uint32(req.Version.TsfID)).Int("output_files", len(edits)-1).
		Msg("compaction finished")
	return edits, nil
}
