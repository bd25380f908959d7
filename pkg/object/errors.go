package object

import "errors"

var (
	// ErrNotFound is returned when no blob exists for a digest.
	ErrNotFound = errors.New("object not found")

	// ErrCorrupt is returned when a blob cannot be decompressed or decoded,
	// or its content does not hash to its digest.
	ErrCorrupt = errors.New("object corrupt")

	// ErrWriteFailed wraps I/O failures during an atomic blob write. These
	// are the only store errors worth retrying.
	ErrWriteFailed = errors.New("object write failed")

	// ErrHashMismatch is returned when a store populated under one hash
	// algorithm is opened with another.
	ErrHashMismatch = errors.New("object store hash mismatch")
)
