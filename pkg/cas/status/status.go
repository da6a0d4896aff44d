// Package status declares error constants returned by the cas package.
package status

import (
	"github.com/cascached/cascached/pkg/errors"
)

var (
	// ErrIndexOpen indicates that the durable entry index could not be opened
	ErrIndexOpen = errors.New("failed to open entry index")

	// ErrIndexAccess indicates a failure reading or writing the entry index
	ErrIndexAccess = errors.New("failed to access entry index")

	// ErrSpool indicates a failure spooling ingested bytes to the staging area
	ErrSpool = errors.New("failed to spool content")

	// ErrCommit indicates a failure committing a spooled blob to the blob area
	ErrCommit = errors.New("failed to commit content")

	// ErrStartup indicates that the engine could not reconcile its index
	// with the blob area at startup
	ErrStartup = errors.New("failed to start content store")

	// ErrNotStarted indicates an operation on an engine before Startup
	ErrNotStarted = errors.New("content store not started")

	// ErrClosed indicates an operation on a closed engine
	ErrClosed = errors.New("content store closed")

	// ErrInterrupted indicates an operation canceled through its context
	ErrInterrupted = errors.New("operation interrupted")
)
