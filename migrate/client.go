package migrate

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cnoshb/cnosdb/types"
)

// TskvServiceClient is the remote node's migration-relevant RPC
// surface: fetch a vnode's manifest edits, list its files, and stream
// one file down. Grounded on vnode_mgr.rs's use of
// TskvServiceClient<Timeout<Channel>>; the concrete implementation
// wraps a *grpc.ClientConn dialed via DialNode.
type TskvServiceClient interface {
	FetchVnodeSummary(ctx context.Context, tenant, db string, vnodeID types.VnodeID) (SummaryResponse, error)
	GetVnodeFilesMeta(ctx context.Context, tenant, db string, vnodeID types.VnodeID) (FilesMetaResponse, error)
	DownloadFile(ctx context.Context, tenant, db string, vnodeID types.VnodeID, filename string) (<-chan FileChunk, <-chan error)
}

// MetaClient is the cluster metadata surface VnodeManager needs: vnode
// placement lookup, replica-set membership changes, and new-id
// allocation. Grounded on the source's meta::MetaRef/TenantMeta split.
type MetaClient interface {
	VnodeAllInfo(tenant string, vnodeID types.VnodeID) (VnodeAllInfo, bool, error)
	RetainID(tenant string, count int) (types.VnodeID, error)
	UpdateReplicationSet(tenant, db string, bucketID types.BucketID, replSetID types.ReplicaSetID, del, add []VnodeInfo) error
	NodeAddr(nodeID types.NodeID) (string, error)
}

// DialNode opens a gRPC connection to a node's tskv service address.
// The per-call timeout (mirroring the source's
// Timeout::new(channel, Duration::from_secs(60 * 60)) wrapper, since
// the migration window is a whole-vnode file copy, not a short
// request/response RPC) is applied by the caller via context on each
// RPC, not on the connection itself.
func DialNode(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials())) // #nosec G402 -- intra-cluster transport, mTLS is a later concern
	if err != nil {
		return nil, fmt.Errorf("migrate: dial %s: %w", addr, err)
	}
	return conn, nil
}
