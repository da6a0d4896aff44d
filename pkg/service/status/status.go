// Package status declares error constants returned by the service package.
package status

import (
	"github.com/cascached/cascached/pkg/errors"
)

var (
	// ErrNotStarted indicates a routed operation before Startup completed
	ErrNotStarted = errors.New("server not started")

	// ErrStopped indicates a routed operation after Shutdown
	ErrStopped = errors.New("server shut down")

	// ErrStartup indicates that one or more caches failed to start;
	// no cache is visible to routing in that case
	ErrStartup = errors.New("server startup failed")

	// ErrNoCaches indicates a server configured without any cache
	ErrNoCaches = errors.New("no caches configured")

	// ErrDuplicateCache indicates two caches configured under the same name
	ErrDuplicateCache = errors.New("duplicate cache name")
)
