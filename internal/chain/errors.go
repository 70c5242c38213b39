package chain

import "errors"

var (
	// ErrInvalidName is returned for empty or malformed logbook and entry names.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidFormat is returned when a hash or external reference does not
	// match its canonical format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrInvalidValue is returned for negative timestamps or block numbers.
	ErrInvalidValue = errors.New("invalid value")

	// ErrCorruptStore is returned when a persisted chain cannot be parsed.
	// It is never repaired automatically.
	ErrCorruptStore = errors.New("corrupt chain store")

	// ErrMissingContent is returned when entry content is required but absent.
	ErrMissingContent = errors.New("entry content missing")

	// ErrDuplicateEntry is returned when an entry name already exists in the logbook.
	ErrDuplicateEntry = errors.New("entry already exists")

	// ErrNotFound is returned by persistence backends and content stores when
	// nothing is stored under the requested key.
	ErrNotFound = errors.New("not found")
)
