package database

import "errors"

var (
	// ErrStorageFault is returned when an offset or record is inconsistent
	// with the allocation metadata of the store.
	ErrStorageFault = errors.New("storage fault")

	// ErrTooLarge is returned when an allocation does not fit in one chunk.
	ErrTooLarge = errors.New("allocation exceeds chunk size")

	// ErrVersionMismatch is returned by Open when the file was written by an
	// incompatible format version.
	ErrVersionMismatch = errors.New("database version mismatch")

	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("database closed")
)
