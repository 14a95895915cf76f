package store

import "errors"

// Error kinds from spec.md §7.
var (
	// ErrLocked is returned by Start when another process already holds
	// the directory's advisory lock.
	ErrLocked = errors.New("store: directory already locked by another process")

	// ErrInconsistent is returned by Start when blob files are present
	// without a gen file (spec.md §4.6: "verify no indx.*/keys.*/vals.*
	// leftovers" before bootstrapping generation 0).
	ErrInconsistent = errors.New("store: blob files present without a generation pointer")

	// ErrIoFailure is the I/O failure kind (spec.md §7). Only the Windows
	// lock stub returns it (see lock_windows.go; DESIGN.md); other I/O
	// errors reach the caller without this sentinel.
	ErrIoFailure = errors.New("store: io failure")

	// ErrNotStarted is returned by every operation called before Start
	// has completed successfully.
	ErrNotStarted = errors.New("store: not started")

	// ErrClosed is returned by every operation called after Stop.
	ErrClosed = errors.New("store: closed")

	// ErrCanceled is returned to a writer stalled in mutate's backpressure
	// wait when the store is stopped out from under it (spec.md §7:
	// "store closed while writer was stalled").
	ErrCanceled = errors.New("store: write canceled, store is stopping")

	// ErrOverflow names the blob-overflow kind. The store does not return
	// it: a merge whose blob would exceed array.MaxBlobSize fails with
	// array's own overflow error (see array.IsOverflow).
	ErrOverflow = errors.New("store: blob would exceed maximum size")

	// ErrCorrupt reports a structural problem outside array's own image
	// validation, such as a malformed gen file (spec.md §7, "Corrupt").
	ErrCorrupt = errors.New("store: corrupt on-disk state")

	// ErrHotCopyTargetNotEmpty is returned by HotCopy when the target
	// directory exists and is non-empty (spec.md §4.6: "target directory
	// must be absent or empty").
	ErrHotCopyTargetNotEmpty = errors.New("store: hot copy target directory is not empty")
)
