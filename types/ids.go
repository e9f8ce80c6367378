// Package types holds the identifiers and small value types shared across
// the storage engine: node, tenant, vnode and field identifiers, and the
// field type tag carried by every TSM block.
package types

import "fmt"

// NodeID identifies a cluster node.
type NodeID uint64

// VnodeID identifies a vnode (ts-family) within a node.
type VnodeID uint32

// FileID is a monotonic-per-node identifier assigned to TSM files.
type FileID uint64

// FieldID is a tenant-wide identifier for one time series field.
type FieldID uint64

// BucketID identifies a bucket within a database, as tracked by meta.
type BucketID uint64

// ReplicaSetID identifies a replication set within a bucket.
type ReplicaSetID uint64

// LevelID is a compaction level, 0 through MaxLevel inclusive.
type LevelID uint8

// MaxLevel is the highest compaction level a Version tracks.
const MaxLevel LevelID = 4

// Timestamp is a signed 64-bit nanosecond-resolution time value.
type Timestamp = int64

// FieldType tags the value column type carried by one DataBlock/BlockMeta.
type FieldType uint8

const (
	FieldTypeI64 FieldType = iota
	FieldTypeU64
	FieldTypeF64
	FieldTypeBool
	FieldTypeBytes
	FieldTypeUnknown
)

func (t FieldType) String() string {
	switch t {
	case FieldTypeI64:
		return "i64"
	case FieldTypeU64:
		return "u64"
	case FieldTypeF64:
		return "f64"
	case FieldTypeBool:
		return "bool"
	case FieldTypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Owner returns the "<tenant>.<database>" namespace string used to key a
// vnode's VersionEdit records.
func Owner(tenant, db string) string {
	return tenant + "." + db
}
