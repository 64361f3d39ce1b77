package checkpoint

import "errors"

var (
	// ErrPersist means the checkpoint could not be written after all retries.
	ErrPersist = errors.New("checkpoint persist failed")

	// ErrCorrupt means a stored payload did not decode or failed its checksum.
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrNotFound means the session has no checkpoints.
	ErrNotFound = errors.New("checkpoint not found")
)
