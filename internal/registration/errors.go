package registration

import "errors"

var (
	// ErrInvalidInput rejects a job before any file is read.
	ErrInvalidInput = errors.New("invalid registration input")
	// ErrFileFormat marks an input that could not be decoded.
	ErrFileFormat = errors.New("unreadable volume file")
	// ErrEngine marks a failure inside the registration engine.
	ErrEngine = errors.New("registration engine failed")
	// ErrNoEngine means no registered engine can run the transform.
	ErrNoEngine = errors.New("no registration engine available")
)
