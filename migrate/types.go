// Package migrate implements the coordinator-side vnode migration
// protocol: copy a vnode's files and manifest state from the node that
// owns it onto the local node, update the cluster's replication set,
// then drop the original.
package migrate

import (
	"github.com/cnoshb/cnosdb/types"
)

// VnodeAllInfo is everything the coordinator needs to locate and copy
// one vnode, mirrored from the source's VnodeAllInfo.
type VnodeAllInfo struct {
	Tenant    string
	DBName    string
	BucketID  types.BucketID
	ReplSetID types.ReplicaSetID
	VnodeID   types.VnodeID
	NodeID    types.NodeID
}

// VnodeInfo identifies one vnode replica's placement, used when
// updating a replication set.
type VnodeInfo struct {
	ID     types.VnodeID
	NodeID types.NodeID
}

// FileMeta describes one remote file as reported by GetVnodeFilesMeta:
// its full remote name (prefixed by Path), content MD5, and byte size.
type FileMeta struct {
	Name string
	MD5  string
	Size uint64
}

// FilesMetaResponse is the remote node's file listing for one vnode.
type FilesMetaResponse struct {
	Path  string
	Infos []FileMeta
}

// SummaryResponse carries the remote node's encoded VersionEdit for a
// vnode, plus the tskv response envelope's status code.
type SummaryResponse struct {
	Code int32
	Data []byte
}

// FileChunk is one piece of a streamed file download.
type FileChunk struct {
	Code int32
	Data []byte
}
