// Package session provides caller-scoped handles into one named cache.
//
// A session owns the set of digests it has pinned: content pinned
// through a live session cannot be evicted. Shutting the session down
// releases every pin atomically; a client that still depends on
// content keeps its session open.
package session

import (
	"context"
	"io"
	"sync"

	"github.com/cascached/cascached/pkg/cas"
	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/dlogger"
	"github.com/cascached/cascached/pkg/errors"
	"github.com/cascached/cascached/pkg/model"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// Session binds a caller to exactly one cache engine for its lifetime
type Session struct {
	id        string
	name      string
	cacheName string
	engine    *cas.Engine
	policy    model.PinningPolicy
	l         *zap.Logger

	mu     sync.Mutex
	pins   map[digest.Digest]struct{}
	closed bool
}

// Option configures a session
type Option func(*Session)

// Name attaches a caller-chosen name, for diagnostics only
func Name(name string) Option {
	return func(s *Session) {
		s.name = name
	}
}

// PinningPolicy sets how the session pins the digests it touches
func PinningPolicy(policy model.PinningPolicy) Option {
	return func(s *Session) {
		if policy.Valid() {
			s.policy = policy
		}
	}
}

// Logger sets a logger for this session
func Logger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.l = l
		}
	}
}

// New creates a session against a cache engine. The session id is a
// fresh ksuid.
func New(cacheName string, engine *cas.Engine, opts ...Option) *Session {
	s := &Session{
		id:        ksuid.New().String(),
		cacheName: cacheName,
		engine:    engine,
		policy:    model.PinNone,
		pins:      make(map[digest.Digest]struct{}),
		l:         dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(s)
	}
	s.l = s.l.With(zap.String("session", s.id), zap.String("cache", cacheName))
	return s
}

// ID yields the unique session id
func (s *Session) ID() string {
	return s.id
}

// CacheName yields the name of the cache this session is bound to
func (s *Session) CacheName() string {
	return s.cacheName
}

// Put forwards a streaming ingest to the engine
func (s *Session) Put(ctx context.Context, source io.Reader, expected *digest.Digest) model.PutResult {
	if err := s.guard(); err != nil {
		return model.PutResult{Result: model.Failed(model.SessionNotFound, err)}
	}
	res := s.engine.Put(ctx, source, expected, s.opOptions()...)
	if res.Succeeded() {
		s.adoptPin(ctx, res.Digest)
	}
	return res
}

// PutFile forwards a file ingest to the engine
func (s *Session) PutFile(ctx context.Context, path string, expected *digest.Digest, mode model.RealizationMode) model.PutResult {
	if err := s.guard(); err != nil {
		return model.PutResult{Result: model.Failed(model.SessionNotFound, err)}
	}
	res := s.engine.PutFile(ctx, path, expected, mode, s.opOptions()...)
	if res.Succeeded() {
		s.adoptPin(ctx, res.Digest)
	}
	return res
}

// Place forwards a materialization to the engine
func (s *Session) Place(
	ctx context.Context,
	d digest.Digest,
	destPath string,
	access model.AccessMode,
	replacement model.ReplacementMode,
	realization model.RealizationMode,
) model.PlaceResult {
	if err := s.guard(); err != nil {
		return model.PlaceResult{Result: model.Failed(model.SessionNotFound, err), Digest: d}
	}
	res := s.engine.Place(ctx, d, destPath, access, replacement, realization, s.opOptions()...)
	if res.Succeeded() {
		s.adoptPin(ctx, d)
	}
	return res
}

// Delete forwards a removal to the engine
func (s *Session) Delete(ctx context.Context, d digest.Digest, localOnly bool) model.DeleteResult {
	if err := s.guard(); err != nil {
		return model.DeleteResult{Result: model.Failed(model.SessionNotFound, err), Digest: d}
	}
	return s.engine.Delete(ctx, d, localOnly)
}

// Pin pins a digest through this session; the pin is held until the
// session shuts down or the caller unpins explicitly
func (s *Session) Pin(ctx context.Context, d digest.Digest) model.PinResult {
	if err := s.guard(); err != nil {
		return model.PinResult{Result: model.Failed(model.SessionNotFound, err), Digest: d}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.pins[d]; held {
		return model.PinResult{Result: model.OK(), Digest: d}
	}
	res := s.engine.Pin(ctx, d)
	if res.Succeeded() {
		s.pins[d] = struct{}{}
	}
	return res
}

// Unpin releases a pin held by this session. Unpinning a digest the
// session never pinned is a no-op success.
func (s *Session) Unpin(ctx context.Context, d digest.Digest) model.PinResult {
	if err := s.guard(); err != nil {
		return model.PinResult{Result: model.Failed(model.SessionNotFound, err), Digest: d}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.pins[d]; !held {
		return model.PinResult{Result: model.OK(), Digest: d}
	}
	res := s.engine.Unpin(ctx, d)
	if res.Succeeded() {
		delete(s.pins, d)
	}
	return res
}

// PinnedDigests snapshots the pins currently held by this session
func (s *Session) PinnedDigests() []digest.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]digest.Digest, 0, len(s.pins))
	for d := range s.pins {
		out = append(out, d)
	}
	return out
}

// Shutdown releases every pin held by this session, all or nothing
// from the point of view of other callers, and marks it closed.
// Shutting down an already closed session succeeds without side
// effects.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for d := range s.pins {
		res := s.engine.Unpin(ctx, d)
		if !res.Succeeded() && res.Code != model.ContentNotFound {
			s.l.Warn("failed to release pin on shutdown",
				zap.Stringer("digest", d), zap.String("code", string(res.Code)))
		}
		delete(s.pins, d)
	}
	s.closed = true
	s.l.Debug("session shut down")
	return nil
}

// opOptions translates the pinning policy into engine options. Under
// implicit pinning the engine pins the touched content while it still
// holds its per-digest lock, so eviction cannot race the pin.
func (s *Session) opOptions() []cas.OpOption {
	if s.policy == model.PinImplicit {
		return []cas.OpOption{cas.WithPinned()}
	}
	return nil
}

// adoptPin records ownership of a pin the engine registered at commit
// time. When the session already holds the digest, or was shut down
// while the operation ran, the extra engine reference is released. The
// session's own reference keeps the count above zero throughout.
func (s *Session) adoptPin(ctx context.Context, d digest.Digest) {
	if s.policy != model.PinImplicit {
		return
	}
	s.mu.Lock()
	_, held := s.pins[d]
	duplicate := held || s.closed
	if !duplicate {
		s.pins[d] = struct{}{}
	}
	s.mu.Unlock()

	if duplicate {
		if res := s.engine.Unpin(ctx, d); !res.Succeeded() {
			s.l.Warn("failed to release duplicate pin",
				zap.Stringer("digest", d), zap.String("code", string(res.Code)))
		}
	}
}

func (s *Session) guard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

var errClosed = errors.New("session already shut down")
