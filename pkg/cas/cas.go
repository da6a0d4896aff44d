// Package cas implements the content store engine: a disk-quota
// bounded, deduplicated blob store addressed by content digest.
//
// The engine owns a blob area (see pkg/storage), a durable entry index
// and a quota tracker. Put, Place, Delete, Pin and Unpin return typed
// results (see pkg/model) carrying a result code; absence of content
// is an expected outcome, not an error.
//
// Operations on the same digest are serialized through a per-digest
// mutex; operations on different digests run in parallel. Pins are
// process-scoped reference counts owned by live sessions: a pinned
// entry is never evicted.
package cas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cascached/cascached/pkg/cas/status"
	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/dlogger"
	"github.com/cascached/cascached/pkg/errors"
	"github.com/cascached/cascached/pkg/model"
	"github.com/cascached/cascached/pkg/storage"
	"github.com/cascached/cascached/pkg/storage/localfs"
	storagestatus "github.com/cascached/cascached/pkg/storage/status"

	"github.com/docker/go-units"
	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	// DefaultQuota is the default physical byte budget of a cache
	DefaultQuota = 10 * units.GiB

	// DefaultBlockSize is the filesystem block size assumed for
	// physical size accounting when none is configured
	DefaultBlockSize = 4096

	// DefaultPresenceCacheSize is the number of digests for which
	// presence is remembered without consulting the index
	DefaultPresenceCacheSize = 10000

	blobArea  = "blobs"
	indexArea = "index"
	spoolArea = "tmp"
)

// Locator is notified when content is deleted with localOnly unset, so
// that a distributed content location layer can drop remote references.
// The engine only guarantees local removal semantics.
type Locator interface {
	Dropped(ctx context.Context, d digest.Digest) error
}

// Stats reports a snapshot of the engine's occupancy
type Stats struct {
	UsedBytes  int64
	MaxBytes   int64
	Entries    int64
	PinnedKeys int64
}

// Engine is the content store for one cache root
type Engine struct {
	root      string
	algo      digest.Algorithm
	blobs     storage.Store
	index     entryIndex
	quota     *quotaTracker
	locks     *keyedMutex
	present   *lru.Cache
	locator   Locator
	l         *zap.Logger
	m         *engineMetrics
	quotaMax  int64
	blockSize int64

	pinMu sync.Mutex
	pins  map[digest.Digest]int

	stateMu sync.Mutex
	started bool
	closed  bool
}

func defaultEngine(root string) *Engine {
	return &Engine{
		root:      root,
		algo:      digest.Blake2b,
		quotaMax:  DefaultQuota,
		blockSize: DefaultBlockSize,
		locks:     newKeyedMutex(),
		l:         dlogger.MustGetLogger(dlogger.LogLevelInfo),
		m:         engineM,
	}
}

// New builds an engine over a cache root directory. The root gains a
// blob area, a spool area for in-flight ingests and a durable index.
func New(root string, opts ...Option) (*Engine, error) {
	e := defaultEngine(root)
	for _, apply := range opts {
		apply(e)
	}
	e.l = e.l.With(zap.String("cache_root", root))

	for _, sub := range []string{blobArea, indexArea, spoolArea} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0700); err != nil {
			return nil, status.ErrStartup.Wrap(err)
		}
	}
	if e.blobs == nil {
		e.blobs = localfs.New(afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(root, blobArea)))
	}
	e.quota = newQuotaTracker(e.quotaMax, e.blockSize)

	index, err := openIndex(filepath.Join(root, indexArea), e.l)
	if err != nil {
		return nil, err
	}
	e.index = index

	cache, err := lru.New(DefaultPresenceCacheSize)
	if err != nil {
		return nil, status.ErrStartup.Wrap(err)
	}
	e.present = cache
	e.pins = make(map[digest.Digest]int)
	return e, nil
}

// Startup reconciles the index with the blob area and loads quota
// accounting. It must complete before any operation is accepted.
//
// Index entries without a backing blob are dropped; blobs without an
// index entry are adopted with a fresh last-access time. Pins always
// start at zero: they belong to live sessions only.
func (e *Engine) Startup(ctx context.Context) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.closed {
		return status.ErrClosed
	}
	if e.started {
		return nil
	}

	blobKeys, err := e.blobs.Keys(ctx)
	if err != nil {
		return status.ErrStartup.WrapWithLog(e.l, err)
	}
	onDisk := make(map[digest.Digest]string, len(blobKeys))
	for _, key := range blobKeys {
		d, err := digestForBlobKey(key)
		if err != nil {
			e.l.Warn("ignoring alien file in blob area", zap.String("key", key))
			continue
		}
		onDisk[d] = key
	}

	var orphaned []digest.Digest
	indexed := make(map[digest.Digest]struct{})
	err = e.index.Walk(func(entry model.Entry) error {
		if _, ok := onDisk[entry.Digest]; !ok {
			orphaned = append(orphaned, entry.Digest)
			return nil
		}
		indexed[entry.Digest] = struct{}{}
		e.quota.forceReserve(entry.PhysicalSize)
		return nil
	})
	if err != nil {
		return status.ErrStartup.WrapWithLog(e.l, err)
	}

	for _, d := range orphaned {
		e.l.Warn("dropping index entry without backing blob", zap.Stringer("digest", d))
		if err := e.index.Delete(d); err != nil {
			return status.ErrStartup.WrapWithLog(e.l, err)
		}
	}

	now := time.Now()
	for d, key := range onDisk {
		if _, ok := indexed[d]; ok {
			continue
		}
		attr, err := e.blobs.GetAttr(ctx, key)
		if err != nil {
			return status.ErrStartup.WrapWithLog(e.l, err)
		}
		entry := model.Entry{
			Digest:       d,
			LogicalSize:  attr.Size,
			PhysicalSize: e.quota.physicalSize(attr.Size),
			CreatedAt:    attr.Updated,
			LastAccess:   now,
		}
		e.l.Info("adopting unindexed blob", zap.Stringer("digest", d), zap.Int64("size", attr.Size))
		if err := e.index.Set(entry); err != nil {
			return status.ErrStartup.WrapWithLog(e.l, err)
		}
		e.quota.forceReserve(entry.PhysicalSize)
	}

	e.started = true
	used, max := e.quota.usage()
	e.l.Info("content store started",
		zap.Int64("used_bytes", used),
		zap.Int64("quota_bytes", max),
		zap.Int("entries", len(onDisk)),
	)
	return nil
}

// Close releases the durable index. Pending operations should be
// drained by the caller beforehand.
func (e *Engine) Close() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.started = false
	return e.index.Close()
}

// Stats reports current occupancy
func (e *Engine) Stats() Stats {
	used, max := e.quota.usage()
	var entries int64
	_ = e.index.Walk(func(model.Entry) error {
		entries++
		return nil
	})
	e.pinMu.Lock()
	pinned := int64(len(e.pins))
	e.pinMu.Unlock()
	return Stats{UsedBytes: used, MaxBytes: max, Entries: entries, PinnedKeys: pinned}
}

func (e *Engine) ready() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.closed {
		return status.ErrClosed
	}
	if !e.started {
		return status.ErrNotStarted
	}
	return nil
}

// blobKeyForDigest fans blobs out over subdirectories derived from the
// digest hex, to keep directory sizes bounded.
func blobKeyForDigest(d digest.Digest) string {
	hexed := d.Hex()
	return filepath.Join(string(d.Algorithm()), hexed[:3], hexed[3:6], hexed)
}

// digestForBlobKey inverts blobKeyForDigest
func digestForBlobKey(key string) (digest.Digest, error) {
	parts := strings.Split(filepath.ToSlash(key), "/")
	if len(parts) != 4 {
		return digest.Digest{}, fmt.Errorf("unexpected blob key layout: %q", key)
	}
	return digest.Parse(parts[0] + ":" + parts[3])
}

// exists serves lookups from the entry cache, falling back to the
// index. Mutations go through finalize, touch and remove, all under
// the per-digest lock, which keeps the cache coherent per digest.
func (e *Engine) exists(d digest.Digest) (model.Entry, bool, error) {
	if cached, ok := e.present.Get(d); ok {
		return cached.(model.Entry), true, nil
	}
	entry, ok, err := e.index.Get(d)
	if err != nil {
		return model.Entry{}, false, err
	}
	if ok {
		e.present.Add(d, entry)
	} else {
		e.present.Remove(d)
	}
	return entry, ok, nil
}

// touch refreshes the last-access time of an entry
func (e *Engine) touch(entry model.Entry) {
	entry.LastAccess = time.Now()
	if err := e.index.Set(entry); err != nil {
		e.l.Warn("failed to refresh last access", zap.Stringer("digest", entry.Digest), zap.Error(err))
		return
	}
	e.present.Add(entry.Digest, entry)
}

func interrupted(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return status.ErrInterrupted.Wrap(ctx.Err())
	default:
		return nil
	}
}

// isNotSupported tells whether a storage capability is unavailable
func isNotSupported(err error) bool {
	return errors.Is(err, storagestatus.ErrNotSupported)
}
