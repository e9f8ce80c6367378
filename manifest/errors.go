package manifest

import "errors"

// ErrCorruptRecord is returned by RecordReader.ReadRecord when a
// record's CRC does not match its payload.
var ErrCorruptRecord = errors.New("corrupt manifest record")

// ErrVnodeNotFound is the error Processor.Submit delivers for a task
// submitted after the processor has been closed; nothing in this
// package returns it for a missing vnode.
var ErrVnodeNotFound = errors.New("manifest: vnode not found")

// ErrApplyEdit is returned (and, through Processor, delivered to every
// Task in the failing batch) when a summary write fails: the record
// could not be written/synced, or an edit could not be folded into its
// vnode's Version. No new Version is published for that batch.
var ErrApplyEdit = errors.New("manifest: apply version edit failed")
