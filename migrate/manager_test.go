package migrate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cnoshb/cnosdb/manifest"
	"github.com/cnoshb/cnosdb/types"
	"github.com/cnoshb/cnosdb/version"
)

type fakeMeta struct {
	vnodes  map[types.VnodeID]VnodeAllInfo
	nextID  types.VnodeID
	updates []replUpdate
}

type replUpdate struct {
	db        string
	bucketID  types.BucketID
	replSetID types.ReplicaSetID
	del, add  []VnodeInfo
}

func (f *fakeMeta) VnodeAllInfo(tenant string, vnodeID types.VnodeID) (VnodeAllInfo, bool, error) {
	info, ok := f.vnodes[vnodeID]
	return info, ok, nil
}

func (f *fakeMeta) RetainID(tenant string, count int) (types.VnodeID, error) {
	f.nextID++
	return f.nextID, nil
}

func (f *fakeMeta) UpdateReplicationSet(tenant, db string, bucketID types.BucketID, replSetID types.ReplicaSetID, del, add []VnodeInfo) error {
	f.updates = append(f.updates, replUpdate{db: db, bucketID: bucketID, replSetID: replSetID, del: del, add: add})
	return nil
}

func (f *fakeMeta) NodeAddr(nodeID types.NodeID) (string, error) { return "fake:1234", nil }

type fakeClient struct {
	filesMeta FilesMetaResponse
	contents  map[string][]byte
	summary   SummaryResponse
}

func (c *fakeClient) FetchVnodeSummary(ctx context.Context, tenant, db string, vnodeID types.VnodeID) (SummaryResponse, error) {
	return c.summary, nil
}

func (c *fakeClient) GetVnodeFilesMeta(ctx context.Context, tenant, db string, vnodeID types.VnodeID) (FilesMetaResponse, error) {
	return c.filesMeta, nil
}

func (c *fakeClient) DownloadFile(ctx context.Context, tenant, db string, vnodeID types.VnodeID, filename string) (<-chan FileChunk, <-chan error) {
	chunks := make(chan FileChunk, 1)
	errs := make(chan error, 1)
	data, ok := c.contents[filename]
	if !ok {
		errs <- errors.New("no such file")
		close(chunks)
		close(errs)
		return chunks, errs
	}
	chunks <- FileChunk{Data: data}
	close(chunks)
	close(errs)
	return chunks, errs
}

type fakeClosable struct{}

func (fakeClosable) Close() error { return nil }

type fakeFactory struct {
	client TskvServiceClient
}

func (f *fakeFactory) Client(ctx context.Context, nodeID types.NodeID) (TskvServiceClient, io.Closer, error) {
	return f.client, fakeClosable{}, nil
}

type fakeManifests struct {
	summaries  map[types.VnodeID]*manifest.Summary
	processors map[types.VnodeID]*manifest.Processor
	dir        string
}

func (f *fakeManifests) Processor(tenant string, vnodeID types.VnodeID) (*manifest.Processor, error) {
	if p, ok := f.processors[vnodeID]; ok {
		return p, nil
	}
	s, err := manifest.New(filepath.Join(f.dir, "manifest"), 0)
	if err != nil {
		return nil, err
	}
	if f.summaries == nil {
		f.summaries = map[types.VnodeID]*manifest.Summary{}
	}
	f.summaries[vnodeID] = s
	if f.processors == nil {
		f.processors = map[types.VnodeID]*manifest.Processor{}
	}
	p := manifest.NewProcessor(s, 16)
	f.processors[vnodeID] = p
	return p, nil
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestCopyVnodeDownloadsFilesAndAppliesSummary(t *testing.T) {
	dir := t.TempDir()

	fileData := []byte("tsm file contents")
	var ve version.VersionEdit
	ve.AddFile(version.CompactMeta{FileID: 1, FileSize: uint64(len(fileData)), TsfID: 7, Level: 0, MinTs: 1, MaxTs: 2}, 2)
	buf, err := ve.Encode()
	if err != nil {
		t.Fatalf("encode ve: %v", err)
	}

	meta := &fakeMeta{vnodes: map[types.VnodeID]VnodeAllInfo{
		7: {Tenant: "t1", DBName: "d1", BucketID: 1, ReplSetID: 1, VnodeID: 7, NodeID: 2},
	}}
	client := &fakeClient{
		filesMeta: FilesMetaResponse{
			Path:  "/remote/data/d1/7",
			Infos: []FileMeta{{Name: "/remote/data/d1/7/_000001.tsm", MD5: md5Hex(fileData)}},
		},
		contents: map[string][]byte{"_000001.tsm": fileData},
		summary:  SummaryResponse{Code: 0, Data: buf},
	}
	manifests := &fakeManifests{summaries: map[types.VnodeID]*manifest.Summary{}, dir: dir}

	mgr := &VnodeManager{
		NodeID:    1,
		Meta:      meta,
		Clients:   &fakeFactory{client: client},
		Manifests: manifests,
		DataDir: func(owner string, vnodeID types.VnodeID) string {
			return filepath.Join(dir, "data", owner, fmtVnode(vnodeID))
		},
	}

	if err := mgr.CopyVnode(context.Background(), "t1", 7); err != nil {
		t.Fatalf("copy vnode: %v", err)
	}

	if len(meta.updates) != 1 {
		t.Fatalf("got %d replication set updates, want 1", len(meta.updates))
	}
	if len(meta.updates[0].add) != 1 || meta.updates[0].add[0].NodeID != 1 {
		t.Fatalf("unexpected replication add: %+v", meta.updates[0])
	}

	newID := meta.nextID
	got := manifests.summaries[newID]
	if got == nil {
		t.Fatalf("no local manifest created for new vnode %d", newID)
	}
	v := got.VersionSet().Get(newID)
	if v == nil {
		t.Fatalf("vnode %d not published locally", newID)
	}
	if len(v.Files()) != 1 {
		t.Fatalf("got %d files, want 1", len(v.Files()))
	}
}

// S6 — a downloaded file whose MD5 doesn't match the remote listing
// must fail the copy with the exact source wording (trailing space
// included) and leave the partial data directory removed.
func TestCopyVnodeDetectsMD5Mismatch(t *testing.T) {
	dir := t.TempDir()

	meta := &fakeMeta{vnodes: map[types.VnodeID]VnodeAllInfo{
		7: {Tenant: "t1", DBName: "d1", BucketID: 1, ReplSetID: 1, VnodeID: 7, NodeID: 2},
	}}
	client := &fakeClient{
		filesMeta: FilesMetaResponse{
			Path:  "/remote/data/d1/7",
			Infos: []FileMeta{{Name: "/remote/data/d1/7/_000001.tsm", MD5: "0000deadbeef0000deadbeef00000000"}},
		},
		contents: map[string][]byte{"_000001.tsm": []byte("mismatched contents")},
	}
	manifests := &fakeManifests{summaries: map[types.VnodeID]*manifest.Summary{}, dir: dir}

	var dataDir string
	mgr := &VnodeManager{
		NodeID:    1,
		Meta:      meta,
		Clients:   &fakeFactory{client: client},
		Manifests: manifests,
		DataDir: func(owner string, vnodeID types.VnodeID) string {
			dataDir = filepath.Join(dir, "data", owner, fmtVnode(vnodeID))
			return dataDir
		},
	}

	err := mgr.CopyVnode(context.Background(), "t1", 7)
	if err == nil {
		t.Fatalf("expected md5 mismatch error")
	}
	var ce *ErrCommonError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ErrCommonError, got %T: %v", err, err)
	}
	if ce.Msg != md5MismatchMsg {
		t.Fatalf("msg = %q, want %q", ce.Msg, md5MismatchMsg)
	}
	if _, err := os.Stat(dataDir); !os.IsNotExist(err) {
		t.Fatalf("expected data dir to be removed after failed copy")
	}
}

func TestDropVnodeUpdatesReplicationSet(t *testing.T) {
	meta := &fakeMeta{vnodes: map[types.VnodeID]VnodeAllInfo{
		7: {Tenant: "t1", DBName: "d1", BucketID: 1, ReplSetID: 1, VnodeID: 7, NodeID: 2},
	}}
	mgr := &VnodeManager{NodeID: 1, Meta: meta, Clients: &fakeFactory{}, Manifests: &fakeManifests{}}

	if err := mgr.DropVnode(context.Background(), "t1", 7); err != nil {
		t.Fatalf("drop vnode: %v", err)
	}
	if len(meta.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(meta.updates))
	}
	if len(meta.updates[0].del) != 1 || meta.updates[0].del[0].ID != 7 {
		t.Fatalf("unexpected replication delete: %+v", meta.updates[0])
	}
}

func TestVnodeAllInfoMissingTenantOrVnode(t *testing.T) {
	meta := &fakeMeta{vnodes: map[types.VnodeID]VnodeAllInfo{}}
	mgr := &VnodeManager{NodeID: 1, Meta: meta, Clients: &fakeFactory{}, Manifests: &fakeManifests{}}

	err := mgr.DropVnode(context.Background(), "t1", 99)
	if !errors.Is(err, ErrVnodeNotFound) {
		t.Fatalf("got %v, want ErrVnodeNotFound", err)
	}
}

func fmtVnode(id types.VnodeID) string {
	return "vnode-" + itoa(uint64(id))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
