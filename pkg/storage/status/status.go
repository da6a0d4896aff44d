// Package status declares error constants returned by
// implementations of the Store interface.
//
// NOTE: such constants are located in a separate package to avoid
// creating undue cyclical dependencies between pkg/storage and one
// of its implementations.
package status

import "github.com/cascached/cascached/pkg/errors"

var (
	// ErrNotExists indicates that the fetched object does not exist on storage
	ErrNotExists = errors.New("object doesn't exist")

	// ErrExists indicates that the object already exists and exclusive creation was requested
	ErrExists = errors.New("exists already")

	// ErrNotSupported indicates that the backend does not support this capability
	ErrNotSupported = errors.New("not supported")

	// ErrDestinationExists indicates that a materialization target is already present
	ErrDestinationExists = errors.New("destination exists already")

	// ErrStorageAPI indicates any other backend failure
	ErrStorageAPI = errors.New("storage API error")
)
