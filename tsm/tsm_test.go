package tsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cnoshb/cnosdb/types"
)

func mustBlock(t *testing.T, ts []int64, vals []int64) *DataBlock {
	t.Helper()
	return &DataBlock{FieldType: types.FieldTypeI64, Ts: ts, ValI64: vals}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()

	w, err := CreateWriter(dir, 1, false, 0)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}

	blocksByField := map[types.FieldID]*DataBlock{
		1: mustBlock(t, []int64{1, 2, 3}, []int64{10, 20, 30}),
		2: mustBlock(t, []int64{5, 6, 7}, []int64{50, 60, 70}),
		3: mustBlock(t, []int64{0, 4}, []int64{100, 400}),
	}

	// write out of field-id order to exercise index sorting
	order := []types.FieldID{3, 1, 2}
	for _, id := range order {
		if _, err := w.WriteBlock(id, blocksByField[id]); err != nil {
			t.Fatalf("write block %d: %v", id, err)
		}
	}

	if err := w.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	r, err := Open(filepath.Join(dir, Filename(1, false)))
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	entries := r.IndexEntries()
	if len(entries) != 3 {
		t.Fatalf("got %d index entries, want 3", len(entries))
	}
	for i, want := range []types.FieldID{1, 2, 3} {
		if entries[i].FieldID != want {
			t.Fatalf("entries[%d].FieldID = %d, want %d", i, entries[i].FieldID, want)
		}
	}

	for id, want := range blocksByField {
		entry := r.IndexEntry(id)
		if entry == nil {
			t.Fatalf("missing index entry for field %d", id)
		}
		if len(entry.Blocks) != 1 {
			t.Fatalf("field %d: got %d blocks, want 1", id, len(entry.Blocks))
		}
		meta := entry.Blocks[0].ToMeta(id, entry.FieldType)
		got, err := r.GetDataBlock(meta)
		if err != nil {
			t.Fatalf("field %d: get data block: %v", id, err)
		}
		if len(got.Ts) != len(want.Ts) {
			t.Fatalf("field %d: got %d samples, want %d", id, len(got.Ts), len(want.Ts))
		}
		for i := range want.Ts {
			if got.Ts[i] != want.Ts[i] || got.ValI64[i] != want.ValI64[i] {
				t.Fatalf("field %d sample %d: got (%d,%d) want (%d,%d)",
					id, i, got.Ts[i], got.ValI64[i], want.Ts[i], want.ValI64[i])
			}
		}
		if !r.MayContain(id) {
			t.Fatalf("field %d: bloom filter false negative", id)
		}
	}

	minTs, _ := w.MinTs()
	maxTs, _ := w.MaxTs()
	if minTs != 0 {
		t.Fatalf("writer MinTs = %d, want 0", minTs)
	}
	if maxTs != 7 {
		t.Fatalf("writer MaxTs = %d, want 7", maxTs)
	}
}

func TestWriterFailsAfterFinish(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateWriter(dir, 1, false, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.WriteBlock(1, mustBlock(t, []int64{1}, []int64{1})); err != nil {
		t.Fatalf("write block: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := w.WriteBlock(2, mustBlock(t, []int64{2}, []int64{2})); err != ErrFinished {
		t.Fatalf("write after finish: got %v, want ErrFinished", err)
	}
}

func TestReaderDetectsCrcMismatch(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateWriter(dir, 1, false, 0)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	if _, err := w.WriteBlock(1, mustBlock(t, []int64{1, 2, 3}, []int64{10, 20, 30})); err != nil {
		t.Fatalf("write block: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	path := filepath.Join(dir, Filename(1, false))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	// flip a byte inside the first block's ts region (right after the header+crc).
	data[int(headerLength)+4] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	entry := r.IndexEntry(1)
	meta := entry.Blocks[0].ToMeta(1, entry.FieldType)
	if _, err := r.GetDataBlock(meta); err == nil {
		t.Fatalf("expected crc mismatch error, got nil")
	}
}

func TestWriterMaxFileSizeExceeded(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateWriter(dir, 1, false, int64(headerLength)+10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = w.WriteBlock(1, mustBlock(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, []int64{1, 2, 3, 4, 5, 6, 7, 8}))
	var sizeErr *MaxFileSizeExceedError
	if err == nil {
		t.Fatalf("expected MaxFileSizeExceedError, got nil")
	}
	if !asMaxFileSizeExceed(err, &sizeErr) {
		t.Fatalf("expected *MaxFileSizeExceedError, got %T: %v", err, err)
	}
}

func asMaxFileSizeExceed(err error, target **MaxFileSizeExceedError) bool {
	e, ok := err.(*MaxFileSizeExceedError)
	if !ok {
		return false
	}
	*target = e
	return true
}
