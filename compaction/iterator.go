// Package compaction merges overlapping TSM files of one level into a
// higher level: a peekable per-reader cursor iterator that yields
// merged blocks field id by field id, and a driver that feeds a fresh
// TsmWriter from it.
package compaction

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/cnoshb/cnosdb/tsm"
	"github.com/cnoshb/cnosdb/types"
)

// CompactingBlock is the lazy sequence element produced by Iterator: a
// merged DataBlock for one field id. (The Raw-forwarding variant the
// design notes describe as an optional fast path is not implemented;
// every output is a freshly merged DataBlock.)
type CompactingBlock struct {
	FieldID types.FieldID
	Block   *tsm.DataBlock
}

// cursor is one reader's position in its own ascending-field-id index,
// per the design note preferring explicit array-of-cursors state over a
// per-reader callback.
type cursor struct {
	reader  *tsm.Reader
	entries []*tsm.IndexEntry
	pos     int
}

func (c *cursor) peek() (*tsm.IndexEntry, bool) {
	if c.pos >= len(c.entries) {
		return nil, false
	}
	return c.entries[c.pos], true
}

// Iterator produces a finite, single-pass sequence of CompactingBlocks
// by merge-sorting the index entries of N TsmReaders field id by field
// id. Readers are assumed to be ordered oldest-to-newest: on an
// equal-timestamp conflict within a field id, the block from the
// higher-indexed reader wins (see DataBlock merge semantics).
type Iterator struct {
	cursors  []*cursor
	finished *bitset.BitSet
	done     bool
}

// NewIterator builds an Iterator over readers, oldest file first. The
// maxDataBlockValues parameter is accepted for interface parity with
// the design's tuning knob but does not change correctness; it would
// gate the optional raw-forwarding fast path if implemented.
func NewIterator(readers []*tsm.Reader, maxDataBlockValues int) *Iterator {
	cursors := make([]*cursor, len(readers))
	for i, r := range readers {
		cursors[i] = &cursor{reader: r, entries: r.IndexEntries()}
	}
	it := &Iterator{
		cursors:  cursors,
		finished: bitset.New(uint(len(readers))),
	}
	for i, c := range cursors {
		if len(c.entries) == 0 {
			it.finished.Set(uint(i))
		}
	}
	return it
}

// Done reports whether every reader has been fully consumed.
func (it *Iterator) Done() bool {
	return it.done || it.finished.All()
}

// Next advances one turn and returns the merged block for this turn's
// field id, or ok=false once every reader is finished.
//
// Turn algorithm: find the minimum field id among all non-finished
// readers' peeked entries (the fix for the documented "turn semantics"
// bug: the source advances every reader's cursor once it picks a turn
// field id, even readers that did not hold that field id this turn,
// which silently drops any field id owned by only one reader; here only
// participating readers advance, and the turn field id is the minimum
// across all peeks, not "whichever non-finished reader happens first").
func (it *Iterator) Next() (CompactingBlock, bool, error) {
	if it.Done() {
		return CompactingBlock{}, false, nil
	}

	turnField, ok := it.nextFieldID()
	if !ok {
		it.done = true
		return CompactingBlock{}, false, nil
	}

	var participants []*tsm.IndexEntry
	var participantIdx []int
	for i, c := range it.cursors {
		if it.finished.Test(uint(i)) {
			continue
		}
		entry, ok := c.peek()
		if !ok {
			it.finished.Set(uint(i))
			continue
		}
		if entry.FieldID != turnField {
			continue // not participating this turn; cursor stays put
		}
		participants = append(participants, entry)
		participantIdx = append(participantIdx, i)
	}

	if len(participants) == 0 {
		return CompactingBlock{}, false, fmt.Errorf("compaction: no participants selected for field %d", turnField)
	}

	blocks := make([]*tsm.DataBlock, 0, len(participants))
	for n, entry := range participants {
		readerIdx := participantIdx[n]
		c := it.cursors[readerIdx]
		for _, be := range entry.Blocks {
			meta := be.ToMeta(entry.FieldID, entry.FieldType)
			blk, err := c.reader.GetDataBlock(meta)
			if err != nil {
				return CompactingBlock{}, false, fmt.Errorf("compaction: field %d: %w", turnField, err)
			}
			blocks = append(blocks, blk)
		}
		c.pos++
		if c.pos >= len(c.entries) {
			it.finished.Set(uint(readerIdx))
		}
	}

	merged, err := tsm.MergeBlocks(blocks)
	if err != nil {
		return CompactingBlock{}, false, fmt.Errorf("compaction: merge field %d: %w", turnField, err)
	}

	return CompactingBlock{FieldID: turnField, Block: merged}, true, nil
}

// nextFieldID returns the minimum FieldID among all non-finished
// readers' current peek, per the §9 turn-semantics fix.
func (it *Iterator) nextFieldID() (types.FieldID, bool) {
	var min types.FieldID
	found := false
	for i, c := range it.cursors {
		if it.finished.Test(uint(i)) {
			continue
		}
		entry, ok := c.peek()
		if !ok {
			it.finished.Set(uint(i))
			continue
		}
		if !found || entry.FieldID < min {
			min = entry.FieldID
			found = true
		}
	}
	return min, found
}
