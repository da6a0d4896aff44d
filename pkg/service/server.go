// Package service hosts N named caches behind a uniform operation set
// and routes session-scoped requests to the right cache. The server
// holds no content itself: it is a multiplexer plus lifecycle owner.
package service

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cascached/cascached/pkg/cas"
	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/dlogger"
	"github.com/cascached/cascached/pkg/model"
	"github.com/cascached/cascached/pkg/service/status"
	"github.com/cascached/cascached/pkg/session"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultShutdownGrace bounds how long Shutdown waits for in-flight
// operations before forcing disconnection
const DefaultShutdownGrace = 30 * time.Second

// CacheSpec describes one named cache hosted by the server
type CacheSpec struct {
	Name      string
	Root      string
	Quota     int64
	BlockSize int64
	Algorithm digest.Algorithm
}

const (
	stateCreated = iota
	stateStarted
	stateStopped
)

// Server routes session-scoped operations to named caches
type Server struct {
	specs   []CacheSpec
	grace   time.Duration
	locator cas.Locator
	l       *zap.Logger

	mu       sync.RWMutex
	state    int
	caches   map[string]*cas.Engine
	sessions map[string]*session.Session

	inflight sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// Option configures a server
type Option func(*Server)

// ShutdownGrace sets how long Shutdown waits for in-flight operations
func ShutdownGrace(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.grace = d
		}
	}
}

// Logger sets a logger for this server
func Logger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.l = l
		}
	}
}

// WithLocator registers the distributed content location collaborator
// on every hosted cache
func WithLocator(loc cas.Locator) Option {
	return func(s *Server) {
		s.locator = loc
	}
}

// New builds a server hosting the given caches. Nothing is routable
// until Startup completes.
func New(specs []CacheSpec, opts ...Option) *Server {
	s := &Server{
		specs:    specs,
		grace:    DefaultShutdownGrace,
		l:        dlogger.MustGetLogger(dlogger.LogLevelInfo),
		sessions: make(map[string]*session.Session),
	}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

// Startup brings every configured cache online, in parallel. It must
// complete before any session-scoped operation is accepted. A failed
// startup tears down whatever did start: no partially-registered cache
// is ever visible to routing.
func (s *Server) Startup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateStarted:
		return nil
	case stateStopped:
		return status.ErrStopped
	}
	if len(s.specs) == 0 {
		return status.ErrNoCaches
	}
	seen := make(map[string]struct{}, len(s.specs))
	for _, spec := range s.specs {
		if _, dup := seen[spec.Name]; dup {
			return status.ErrDuplicateCache.WrapWithLog(s.l, nil, zap.String("cache", spec.Name))
		}
		seen[spec.Name] = struct{}{}
	}

	var (
		builtMu sync.Mutex
		built   = make(map[string]*cas.Engine, len(s.specs))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range s.specs {
		spec := spec
		g.Go(func() error {
			opts := []cas.Option{
				cas.Quota(spec.Quota),
				cas.BlockSize(spec.BlockSize),
				cas.WithAlgorithm(spec.Algorithm),
				cas.Logger(s.l.Named(spec.Name)),
			}
			if s.locator != nil {
				opts = append(opts, cas.WithLocator(s.locator))
			}
			engine, err := cas.New(spec.Root, opts...)
			if err != nil {
				return err
			}
			if err := engine.Startup(gctx); err != nil {
				_ = engine.Close()
				return err
			}
			builtMu.Lock()
			built[spec.Name] = engine
			builtMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for name, engine := range built {
			if cerr := engine.Close(); cerr != nil {
				s.l.Warn("failed to close cache after aborted startup",
					zap.String("cache", name), zap.Error(cerr))
			}
		}
		return status.ErrStartup.WrapWithLog(s.l, err)
	}

	s.caches = built
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.state = stateStarted
	s.l.Info("server started", zap.Int("caches", len(built)))
	return nil
}

// Shutdown drains in-flight operations up to the grace period, then
// force-cancels stragglers, shuts down every session (releasing its
// pins) and closes every cache. It is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateStarted {
		s.state = stateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session.Session)
	caches := s.caches
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.grace):
		s.l.Warn("shutdown grace period expired, forcing disconnection")
	case <-ctx.Done():
		s.l.Warn("shutdown canceled by caller, forcing disconnection")
	}
	s.cancel()

	var firstErr error
	for _, sess := range sessions {
		if err := sess.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for name, engine := range caches {
		if err := engine.Close(); err != nil {
			s.l.Warn("failed to close cache", zap.String("cache", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.l.Info("server shut down")
	return firstErr
}

// CacheNames lists the caches visible to routing
func (s *Server) CacheNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	return names
}

// CacheStats reports occupancy for one cache
func (s *Server) CacheStats(name string) (cas.Stats, bool) {
	s.mu.RLock()
	engine, ok := s.caches[name]
	s.mu.RUnlock()
	if !ok {
		return cas.Stats{}, false
	}
	return engine.Stats(), true
}

// CreateSession opens a session against a named cache. Unknown cache
// names are a client error, never a crash.
func (s *Server) CreateSession(ctx context.Context, cacheName, sessionName string, policy model.PinningPolicy) model.SessionResult {
	if err := s.begin(); err != nil {
		return model.SessionResult{Result: model.Failed(model.ServerError, err)}
	}
	defer s.end()

	if policy != "" && !policy.Valid() {
		return model.SessionResult{Result: model.Failedf(model.MalformedInput, "invalid pinning policy %q", policy)}
	}
	if policy == "" {
		policy = model.PinNone
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	engine, ok := s.caches[cacheName]
	if !ok {
		return model.SessionResult{Result: model.Failedf(model.CacheNotFound, "unknown cache %q", cacheName)}
	}
	sess := session.New(cacheName, engine,
		session.Name(sessionName),
		session.PinningPolicy(policy),
		session.Logger(s.l),
	)
	s.sessions[sess.ID()] = sess
	s.l.Debug("session created",
		zap.String("session", sess.ID()),
		zap.String("cache", cacheName),
		zap.String("name", sessionName),
	)
	return model.SessionResult{Result: model.OK(), SessionID: sess.ID()}
}

// ShutdownSession releases every pin the session holds and forgets it.
// Shutting down an unknown or already closed session succeeds without
// side effects.
func (s *Server) ShutdownSession(ctx context.Context, sessionID string) model.SessionResult {
	if err := s.begin(); err != nil {
		return model.SessionResult{Result: model.Failed(model.ServerError, err)}
	}
	defer s.end()

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return model.SessionResult{Result: model.OK(), SessionID: sessionID}
	}
	if err := sess.Shutdown(ctx); err != nil {
		return model.SessionResult{Result: model.Failed(model.ServerError, err), SessionID: sessionID}
	}
	return model.SessionResult{Result: model.OK(), SessionID: sessionID}
}

// Put routes a streaming ingest to the session's cache
func (s *Server) Put(ctx context.Context, sessionID string, source io.Reader, expected *digest.Digest) model.PutResult {
	if err := s.begin(); err != nil {
		return model.PutResult{Result: model.Failed(model.ServerError, err)}
	}
	defer s.end()
	sess, ok := s.lookup(sessionID)
	if !ok {
		return model.PutResult{Result: model.Failedf(model.SessionNotFound, "unknown session %q", sessionID)}
	}
	ctx, done := s.opContext(ctx)
	defer done()
	return sess.Put(ctx, source, expected)
}

// PutFile routes a file ingest to the session's cache
func (s *Server) PutFile(ctx context.Context, sessionID, path string, expected *digest.Digest, mode model.RealizationMode) model.PutResult {
	if err := s.begin(); err != nil {
		return model.PutResult{Result: model.Failed(model.ServerError, err)}
	}
	defer s.end()
	sess, ok := s.lookup(sessionID)
	if !ok {
		return model.PutResult{Result: model.Failedf(model.SessionNotFound, "unknown session %q", sessionID)}
	}
	ctx, done := s.opContext(ctx)
	defer done()
	return sess.PutFile(ctx, path, expected, mode)
}

// Place routes a materialization to the session's cache
func (s *Server) Place(
	ctx context.Context,
	sessionID string,
	d digest.Digest,
	destPath string,
	access model.AccessMode,
	replacement model.ReplacementMode,
	realization model.RealizationMode,
) model.PlaceResult {
	if err := s.begin(); err != nil {
		return model.PlaceResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}
	defer s.end()
	sess, ok := s.lookup(sessionID)
	if !ok {
		return model.PlaceResult{Result: model.Failedf(model.SessionNotFound, "unknown session %q", sessionID), Digest: d}
	}
	ctx, done := s.opContext(ctx)
	defer done()
	return sess.Place(ctx, d, destPath, access, replacement, realization)
}

// Delete routes a removal to the session's cache
func (s *Server) Delete(ctx context.Context, sessionID string, d digest.Digest, localOnly bool) model.DeleteResult {
	if err := s.begin(); err != nil {
		return model.DeleteResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}
	defer s.end()
	sess, ok := s.lookup(sessionID)
	if !ok {
		return model.DeleteResult{Result: model.Failedf(model.SessionNotFound, "unknown session %q", sessionID), Digest: d}
	}
	ctx, done := s.opContext(ctx)
	defer done()
	return sess.Delete(ctx, d, localOnly)
}

// Pin routes a pin to the session's cache
func (s *Server) Pin(ctx context.Context, sessionID string, d digest.Digest) model.PinResult {
	if err := s.begin(); err != nil {
		return model.PinResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}
	defer s.end()
	sess, ok := s.lookup(sessionID)
	if !ok {
		return model.PinResult{Result: model.Failedf(model.SessionNotFound, "unknown session %q", sessionID), Digest: d}
	}
	ctx, done := s.opContext(ctx)
	defer done()
	return sess.Pin(ctx, d)
}

// Unpin routes an explicit pin release to the session's cache
func (s *Server) Unpin(ctx context.Context, sessionID string, d digest.Digest) model.PinResult {
	if err := s.begin(); err != nil {
		return model.PinResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}
	defer s.end()
	sess, ok := s.lookup(sessionID)
	if !ok {
		return model.PinResult{Result: model.Failedf(model.SessionNotFound, "unknown session %q", sessionID), Digest: d}
	}
	ctx, done := s.opContext(ctx)
	defer done()
	return sess.Unpin(ctx, d)
}

// begin admits one operation into the in-flight tracker
func (s *Server) begin() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case stateCreated:
		return status.ErrNotStarted
	case stateStopped:
		return status.ErrStopped
	}
	s.inflight.Add(1)
	return nil
}

func (s *Server) end() {
	s.inflight.Done()
}

func (s *Server) lookup(sessionID string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// opContext derives an operation context canceled either by the caller
// or by a forced server shutdown
func (s *Server) opContext(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
