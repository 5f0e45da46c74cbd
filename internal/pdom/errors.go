package pdom

import (
	"errors"

	"github.com/agentic-research/pdom/internal/database"
)

var (
	// ErrLockProtocol reports a misuse of the fragment lock: releasing a lock
	// that is not held, trading more read locks than held, mutating without
	// the write lock or closing while write-locked.
	ErrLockProtocol = errors.New("lock protocol violation")

	// ErrFileExists is returned by CreateFile for a path already indexed.
	ErrFileExists = errors.New("file already exists")

	// ErrPrecondition is returned when a record operation is called in a
	// state it does not allow, such as adding macros to a file that has some.
	ErrPrecondition = errors.New("precondition violated")

	// ErrClosed is returned by operations on a closed fragment.
	ErrClosed = errors.New("fragment closed")

	// ErrStorageFault is re-exported for callers that only import pdom.
	ErrStorageFault = database.ErrStorageFault
)
