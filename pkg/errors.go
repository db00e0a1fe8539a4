package fileaudit

import "errors"

var (
	// ErrCapacityExceeded is returned when a matcher is full or a record cannot fit the writer buffer
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrNothingToObserve is returned by Commit when no channel has an include path
	ErrNothingToObserve = errors.New("nothing to observe")
	// ErrAlreadyObserved is returned when a process is registered twice without replace
	ErrAlreadyObserved = errors.New("process already observed")
	// ErrWriteFailure marks a session whose log could not be persisted
	ErrWriteFailure = errors.New("log write failure")
	// ErrLostEvent is returned by Enqueue when the queue is full
	ErrLostEvent = errors.New("event lost: queue full")
	// ErrPermissionDenied marks an unreadable candidate file
	ErrPermissionDenied = errors.New("permission denied")

	ErrAlreadyCommitted = errors.New("session already committed")
	ErrNotCommitted     = errors.New("session not committed")
	ErrMatcherFrozen    = errors.New("path matcher is read-only after commit")
	ErrNotAbsolute      = errors.New("path is not absolute")
	ErrDeleted          = errors.New("file deleted")
	ErrSessionClosed    = errors.New("session closed")
)
