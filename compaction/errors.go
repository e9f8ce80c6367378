package compaction

import "errors"

// ErrSetupFailed covers planning-time failures: Run returns it when an
// input TSM file cannot be opened. A request with no non-delta input
// files is not an error; Run returns no edits for it. Mapped onto the
// source's generic "Compact{reason}" kind.
var ErrSetupFailed = errors.New("compaction: setup failed")
