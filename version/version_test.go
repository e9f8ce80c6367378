package version

import (
	"reflect"
	"testing"

	"github.com/cnoshb/cnosdb/types"
)

func TestVersionEditRoundTrip(t *testing.T) {
	e := NewAddVnode(100, "cnosdb.hello")
	e.AddFile(CompactMeta{FileID: 7, FileSize: 1024, TsfID: 100, Level: 1, MinTs: 1, MaxTs: 9, HighSeq: 42}, 9)
	e.DelFile(0, 3, false)

	buf, err := e.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(e, got) {
		t.Fatalf("round trip mismatch:\n want %+v\n got  %+v", e, got)
	}
}

func TestVersionEditVecRoundTrip(t *testing.T) {
	edits := []VersionEdit{
		NewAddVnode(1, "a.b"),
		NewDelVnode(1),
		NewAddVnode(2, "a.c"),
	}
	buf, err := EncodeVec(edits)
	if err != nil {
		t.Fatalf("encode vec: %v", err)
	}
	got, err := DecodeVec(buf)
	if err != nil {
		t.Fatalf("decode vec: %v", err)
	}
	if !reflect.DeepEqual(edits, got) {
		t.Fatalf("vec round trip mismatch:\n want %+v\n got  %+v", edits, got)
	}
}

func TestCopyApplyVersionEditsAddAndDelete(t *testing.T) {
	v := New(100, "cnosdb.hello")

	var add VersionEdit
	add.AddFile(CompactMeta{FileID: 1, FileSize: 10, TsfID: 100, Level: 1, MinTs: 1, MaxTs: 5}, 5)
	add.AddFile(CompactMeta{FileID: 2, FileSize: 10, TsfID: 100, Level: 1, MinTs: 6, MaxTs: 9}, 9)

	nv, err := v.CopyApplyVersionEdits([]VersionEdit{add}, nil)
	if err != nil {
		t.Fatalf("apply add: %v", err)
	}
	if len(nv.Files()) != 2 {
		t.Fatalf("got %d files, want 2", len(nv.Files()))
	}

	var del VersionEdit
	del.DelFile(1, 1, false)
	nv2, err := nv.CopyApplyVersionEdits([]VersionEdit{del}, nil)
	if err != nil {
		t.Fatalf("apply del: %v", err)
	}
	if len(nv2.Files()) != 1 {
		t.Fatalf("got %d files after delete, want 1", len(nv2.Files()))
	}
	if _, ok := nv2.FileByID(2); !ok {
		t.Fatalf("file 2 should survive the delete")
	}
	if len(v.Files()) != 0 {
		t.Fatalf("original version must stay untouched, got %d files", len(v.Files()))
	}
}

func TestVersionSetAddDeleteVnode(t *testing.T) {
	vs := NewVersionSet()
	vs.Publish(New(100, "cnosdb.hello"))
	if len(vs.VnodeIDs()) != 1 {
		t.Fatalf("got %d vnodes, want 1", len(vs.VnodeIDs()))
	}
	vs.Delete(100)
	if len(vs.VnodeIDs()) != 0 {
		t.Fatalf("got %d vnodes after delete, want 0", len(vs.VnodeIDs()))
	}
}

func TestGlobalContextAllocatesMonotonicFileIDs(t *testing.T) {
	ctx := NewGlobalContext()
	var ids []types.FileID
	for i := 0; i < 3; i++ {
		ids = append(ids, ctx.FileIDNext())
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("file ids not monotonic: %v", ids)
		}
	}
}
