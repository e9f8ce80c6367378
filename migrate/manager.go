package migrate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cnoshb/cnosdb/log"
	"github.com/cnoshb/cnosdb/manifest"
	"github.com/cnoshb/cnosdb/types"
	"github.com/cnoshb/cnosdb/version"
)

var logger = log.WithComponent("migrate")

// ClientFactory opens a TskvServiceClient to a remote node, grounded on
// vnode_mgr.rs's "resolve node id to a channel, wrap in Timeout"
// sequence. The returned io.Closer releases the underlying connection.
type ClientFactory interface {
	Client(ctx context.Context, nodeID types.NodeID) (TskvServiceClient, io.Closer, error)
}

// LocalManifests resolves a tenant+vnode id to the manifest.Processor
// that should receive a migrated vnode's edits. Routing through the
// Processor (rather than calling Summary.ApplyVersionEdit directly)
// serializes migration applies against whatever compaction/flush
// batches that same Summary's Processor is draining concurrently —
// Summary itself has no internal locking, so a direct call from this
// package's own goroutine would race the Processor's writer goroutine.
type LocalManifests interface {
	Processor(tenant string, vnodeID types.VnodeID) (*manifest.Processor, error)
}

// VnodeManager drives vnode migration: copy a vnode's files and
// manifest state onto this node, update cluster placement, then remove
// the original. Grounded field-for-field on the source's VnodeManager.
type VnodeManager struct {
	NodeID    types.NodeID
	Meta      MetaClient
	Clients   ClientFactory
	Manifests LocalManifests
	// DataDir returns the local directory a vnode's TSM files live in.
	DataDir func(owner string, vnodeID types.VnodeID) string
	// RPCTimeout bounds one migration's file-copy window; the source
	// uses a full hour since vnodes can be large.
	RPCTimeout time.Duration
}

func (m *VnodeManager) timeout() time.Duration {
	if m.RPCTimeout > 0 {
		return m.RPCTimeout
	}
	return time.Hour
}

// MoveVnode copies vnode_id from its current owner to this node, then
// removes the original replica from the replication set (see DropVnode).
func (m *VnodeManager) MoveVnode(ctx context.Context, tenant string, vnodeID types.VnodeID) error {
	if err := m.CopyVnode(ctx, tenant, vnodeID); err != nil {
		return err
	}
	return m.DropVnode(ctx, tenant, vnodeID)
}

// CopyVnode allocates a new local vnode id, downloads vnode_id's files
// from its current owner, updates the replication set to include the
// new replica, then applies the remote manifest state onto it.
func (m *VnodeManager) CopyVnode(ctx context.Context, tenant string, vnodeID types.VnodeID) error {
	allInfo, err := m.vnodeAllInfo(tenant, vnodeID)
	if err != nil {
		return err
	}

	newID, err := m.Meta.RetainID(tenant, 1)
	if err != nil {
		return fmt.Errorf("migrate: retain id: %w", err)
	}
	logger.Info().Uint32("vnode_id", uint32(vnodeID)).Uint32("new_id", uint32(newID)).
		Uint64("from_node", uint64(allInfo.NodeID)).Uint64("to_node", uint64(m.NodeID)).
		Msg("copying vnode")

	owner := types.Owner(allInfo.Tenant, allInfo.DBName)
	path := m.DataDir(owner, newID)

	client, closer, err := m.Clients.Client(ctx, allInfo.NodeID)
	if err != nil {
		return fmt.Errorf("migrate: dial node %d: %w", allInfo.NodeID, err)
	}
	defer closer.Close()

	dialCtx, cancel := context.WithTimeout(ctx, m.timeout())
	defer cancel()

	if err := m.downloadVnodeFiles(dialCtx, allInfo, path, client); err != nil {
		_ = os.RemoveAll(path)
		return err
	}

	addRepl := []VnodeInfo{{ID: newID, NodeID: m.NodeID}}
	if err := m.Meta.UpdateReplicationSet(tenant, allInfo.DBName, allInfo.BucketID, allInfo.ReplSetID, nil, addRepl); err != nil {
		return fmt.Errorf("migrate: update replication set: %w", err)
	}

	ve, err := m.fetchVnodeSummary(dialCtx, allInfo, client)
	if err != nil {
		return err
	}
	return m.applyRemoteSummary(tenant, owner, newID, ve)
}

// DropVnode removes vnode_id's replica from its replication set. The
// replica's files and manifest state on the node holding it are not
// removed.
func (m *VnodeManager) DropVnode(ctx context.Context, tenant string, vnodeID types.VnodeID) error {
	allInfo, err := m.vnodeAllInfo(tenant, vnodeID)
	if err != nil {
		return err
	}

	delRepl := []VnodeInfo{{ID: vnodeID, NodeID: allInfo.NodeID}}
	if err := m.Meta.UpdateReplicationSet(tenant, allInfo.DBName, allInfo.BucketID, allInfo.ReplSetID, delRepl, nil); err != nil {
		return fmt.Errorf("migrate: update replication set: %w", err)
	}
	return nil
}

func (m *VnodeManager) vnodeAllInfo(tenant string, vnodeID types.VnodeID) (VnodeAllInfo, error) {
	info, ok, err := m.Meta.VnodeAllInfo(tenant, vnodeID)
	if err != nil {
		return VnodeAllInfo{}, fmt.Errorf("migrate: %w: %v", ErrTenantNotFound, err)
	}
	if !ok {
		return VnodeAllInfo{}, fmt.Errorf("%w: vnode %d", ErrVnodeNotFound, vnodeID)
	}
	return info, nil
}

// applyRemoteSummary rewrites the remote VersionEdit's vnode id to the
// newly allocated local one and folds it into the local manifest.
//
// Open-question resolution: file ids are NOT remapped. A migrated
// file's on-disk name is derived from the file id the source node
// assigned it, and download_vnode_files preserves that name verbatim
// (relative_filename strips the remote listing's path prefix but keeps
// the original file name). Only the owning vnode id changes; file ids
// stay exactly as the remote node encoded them in ve.AddFiles.
func (m *VnodeManager) applyRemoteSummary(tenant, owner string, newID types.VnodeID, ve version.VersionEdit) error {
	ve.TsfID = newID
	for i := range ve.AddFiles {
		ve.AddFiles[i].TsfID = newID
	}

	p, err := m.Manifests.Processor(tenant, newID)
	if err != nil {
		return fmt.Errorf("migrate: local manifest processor for vnode %d: %w", newID, err)
	}
	add := version.NewAddVnode(newID, owner)
	task := manifest.NewTask(manifest.TaskApplySummary, []version.VersionEdit{add, ve})
	if err := <-p.Submit(task); err != nil {
		return fmt.Errorf("migrate: apply remote summary for vnode %d: %w", newID, err)
	}
	return nil
}

func (m *VnodeManager) fetchVnodeSummary(ctx context.Context, allInfo VnodeAllInfo, client TskvServiceClient) (version.VersionEdit, error) {
	resp, err := client.FetchVnodeSummary(ctx, allInfo.Tenant, allInfo.DBName, allInfo.VnodeID)
	if err != nil {
		return version.VersionEdit{}, fmt.Errorf("migrate: fetch vnode summary: %w", err)
	}
	if resp.Code != 0 {
		return version.VersionEdit{}, &ErrGRPCRequest{Msg: fmt.Sprintf("server status: %d, %q", resp.Code, resp.Data)}
	}
	ve, err := version.Decode(resp.Data)
	if err != nil {
		return version.VersionEdit{}, fmt.Errorf("migrate: decode remote version edit: %w", err)
	}
	return ve, nil
}

func (m *VnodeManager) downloadVnodeFiles(ctx context.Context, allInfo VnodeAllInfo, dataPath string, client TskvServiceClient) error {
	filesMeta, err := client.GetVnodeFilesMeta(ctx, allInfo.Tenant, allInfo.DBName, allInfo.VnodeID)
	if err != nil {
		return fmt.Errorf("migrate: get vnode files meta: %w", err)
	}

	prefix := filesMeta.Path + "/"
	for _, info := range filesMeta.Infos {
		relativeFilename := strings.TrimPrefix(info.Name, prefix)

		if err := m.downloadFile(ctx, allInfo, relativeFilename, dataPath, client); err != nil {
			return err
		}

		filename := filepath.Join(dataPath, relativeFilename)
		gotMD5, err := fileMD5(filename)
		if err != nil {
			return fmt.Errorf("migrate: hash downloaded file %s: %w", filename, err)
		}
		if gotMD5 != info.MD5 {
			return &ErrCommonError{Msg: md5MismatchMsg}
		}
	}
	return nil
}

func (m *VnodeManager) downloadFile(ctx context.Context, allInfo VnodeAllInfo, filename, dataPath string, client TskvServiceClient) error {
	filePath := filepath.Join(dataPath, filename)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("migrate: mkdir for %s: %w", filePath, err)
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("migrate: open %s: %w", filePath, err)
	}
	defer f.Close()

	chunks, errs := client.DownloadFile(ctx, allInfo.Tenant, allInfo.DBName, allInfo.VnodeID, filename)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				break
			}
			if chunk.Code != 0 {
				return &ErrGRPCRequest{Msg: fmt.Sprintf("server status: %d, %q", chunk.Code, chunk.Data)}
			}
			if _, err := f.Write(chunk.Data); err != nil {
				return fmt.Errorf("migrate: write %s: %w", filePath, err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				break
			}
			if err != nil {
				return fmt.Errorf("migrate: download stream: %w", err)
			}
		}
		if chunks == nil && errs == nil {
			return nil
		}
	}
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
