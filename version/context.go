package version

import (
	"sync"
	"sync/atomic"

	"github.com/cnoshb/cnosdb/types"
)

// GlobalContext holds the monotonic counters shared across one node's
// vnodes, replacing process-wide mutable state with a single owned,
// passed-in value per the design note on global counters.
type GlobalContext struct {
	lastSeq    atomic.Uint64
	nextFileID atomic.Uint64
}

// NewGlobalContext returns a context with both counters at zero.
func NewGlobalContext() *GlobalContext {
	return &GlobalContext{}
}

// LastSeq returns the current sequence high-water mark.
func (c *GlobalContext) LastSeq() uint64 { return c.lastSeq.Load() }

// SetLastSeq sets the sequence high-water mark (used on manifest recovery).
func (c *GlobalContext) SetLastSeq(seq uint64) { c.lastSeq.Store(seq) }

// FileIDNext atomically allocates and returns the next file id.
func (c *GlobalContext) FileIDNext() types.FileID {
	return types.FileID(c.nextFileID.Add(1) - 1)
}

// SetFileID sets the next file id to be allocated (used on manifest
// recovery, after scanning the max file id seen).
func (c *GlobalContext) SetFileID(id uint64) { c.nextFileID.Store(id) }

// VersionSet holds every vnode's current Version behind one set-level
// RWMutex: readers take the RLock to look a vnode up, and Publish/Delete
// take the write lock to swap a vnode's Version pointer. There is no
// separate per-vnode lock; a published Version is never mutated.
type VersionSet struct {
	mu       sync.RWMutex
	versions map[types.VnodeID]*Version
}

// NewVersionSet returns an empty set.
func NewVersionSet() *VersionSet {
	return &VersionSet{versions: make(map[types.VnodeID]*Version)}
}

// Get returns the current Version for a vnode, or nil if it doesn't exist.
func (s *VersionSet) Get(id types.VnodeID) *Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[id]
}

// Publish installs a new Version as the current one for its vnode.
func (s *VersionSet) Publish(v *Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.TsfID] = v
}

// Delete removes a vnode entirely.
func (s *VersionSet) Delete(id types.VnodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, id)
}

// VnodeIDs returns every live vnode id, in no particular order.
func (s *VersionSet) VnodeIDs() []types.VnodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.VnodeID, 0, len(s.versions))
	for id := range s.versions {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot synthesizes the add_tsf + file-add edits sufficient to
// rebuild every current Version from scratch, for the manifest roll
// policy.
func (s *VersionSet) Snapshot() []VersionEdit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var edits []VersionEdit
	for id, v := range s.versions {
		add := NewAddVnode(id, v.Owner)
		add.HasSeqNo = true
		add.SeqNo = v.LastSeq
		edits = append(edits, add)

		for _, lvl := range v.Levels {
			for _, f := range lvl.Files {
				var e VersionEdit
				e.AddFile(CompactMeta{
					FileID:   f.FileID,
					FileSize: f.Size,
					TsfID:    id,
					Level:    lvl.Level,
					MinTs:    f.MinTs,
					MaxTs:    f.MaxTs,
					IsDelta:  f.IsDelta,
				}, v.MaxLevelTs)
				edits = append(edits, e)
			}
		}
	}
	return edits
}
