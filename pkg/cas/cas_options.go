package cas

import (
	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/storage"

	"go.uber.org/zap"
)

// Option configures a content store engine
type Option func(*Engine)

// Quota sets the physical byte budget of the cache
func Quota(maxBytes int64) Option {
	return func(e *Engine) {
		if maxBytes > 0 {
			e.quotaMax = maxBytes
		}
	}
}

// BlockSize sets the filesystem block size used for physical size accounting
func BlockSize(size int64) Option {
	return func(e *Engine) {
		if size > 0 {
			e.blockSize = size
		}
	}
}

// WithAlgorithm sets the digest algorithm used when callers do not
// supply an expected digest
func WithAlgorithm(algo digest.Algorithm) Option {
	return func(e *Engine) {
		if algo.Supported() {
			e.algo = algo
		}
	}
}

// Backend overrides the blob area store. Mostly used by tests.
func Backend(store storage.Store) Option {
	return func(e *Engine) {
		e.blobs = store
	}
}

// Logger sets a logger for this engine
func Logger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.l = l
		}
	}
}

// WithLocator registers the distributed content location collaborator,
// notified when content is deleted with localOnly unset
func WithLocator(loc Locator) Option {
	return func(e *Engine) {
		e.locator = loc
	}
}

// OpOption tweaks a single engine operation
type OpOption func(*opSettings)

type opSettings struct {
	pin bool
}

// WithPinned registers a pin on the touched content before the
// operation releases its per-digest lock. There is no window in which
// eviction could reclaim the content between the operation returning
// and the pin registering.
func WithPinned() OpOption {
	return func(s *opSettings) {
		s.pin = true
	}
}

func operationSettings(opts []OpOption) opSettings {
	var s opSettings
	for _, apply := range opts {
		apply(&s)
	}
	return s
}
