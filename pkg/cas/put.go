package cas

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cascached/cascached/pkg/cas/status"
	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/errors"
	"github.com/cascached/cascached/pkg/metrics"
	"github.com/cascached/cascached/pkg/model"
	"github.com/cascached/cascached/pkg/storage"
	storagestatus "github.com/cascached/cascached/pkg/storage/status"

	"go.uber.org/zap"
)

// Put ingests bytes from a stream.
//
// The stream is spooled to the staging area while its digest is
// computed, then committed to the blob area under the per-digest lock.
// When expected is non-nil the computed digest must match it exactly
// (HashMismatch otherwise, nothing stored); an expected digest that is
// already stored short-circuits to a dedup success without consuming
// the source. Content already present dedups to a success reporting
// zero bytes written. When the ingest would exceed the quota, eviction
// runs synchronously; if it cannot reclaim enough space the put fails
// with QuotaExceeded and the spooled bytes are rolled back.
func (e *Engine) Put(ctx context.Context, source io.Reader, expected *digest.Digest, opts ...OpOption) model.PutResult {
	if err := e.ready(); err != nil {
		return model.PutResult{Result: model.Failed(model.ServerError, err)}
	}
	settings := operationSettings(opts)
	if expected != nil {
		if res, done := e.dedupExisting(*expected, settings); done {
			metrics.Inc(e.m.PutCount, outcome(res.Code))
			return res
		}
	}
	algo := e.algo
	if expected != nil {
		algo = expected.Algorithm()
	}
	hasher, err := digest.NewHasher(algo)
	if err != nil {
		return model.PutResult{Result: model.Failed(model.MalformedInput, err)}
	}

	spool, err := os.CreateTemp(filepath.Join(e.root, spoolArea), "put-*")
	if err != nil {
		return model.PutResult{Result: model.Failed(model.ServerError, status.ErrSpool.Wrap(err))}
	}
	spoolPath := spool.Name()
	discard := func() {
		_ = spool.Close()
		_ = os.Remove(spoolPath)
	}

	logical, err := spoolCopy(ctx, io.MultiWriter(spool, hasher), source)
	if err != nil {
		discard()
		return model.PutResult{Result: model.Failed(model.ServerError, status.ErrSpool.Wrap(err))}
	}
	if err := spool.Close(); err != nil {
		_ = os.Remove(spoolPath)
		return model.PutResult{Result: model.Failed(model.ServerError, status.ErrSpool.Wrap(err))}
	}

	d := hasher.Digest()
	if expected != nil && !expected.Equal(d) {
		_ = os.Remove(spoolPath)
		e.l.Debug("hash mismatch on put",
			zap.Stringer("expected", *expected), zap.Stringer("actual", d))
		return model.PutResult{
			Result: model.Failedf(model.HashMismatch, "content hashed to %s, expected %s", d, expected),
			Digest: d,
		}
	}

	// the spool is consumed by the commit on every path
	res := e.commit(ctx, spoolPath, d, logical, true, settings)
	metrics.Inc(e.m.PutCount, outcome(res.Code))
	if res.Succeeded() {
		metrics.Int64(e.m.PutBytes, res.BytesWritten)
	}
	return res
}

// dedupExisting short-circuits an ingest whose expected digest is
// already stored. The source is left untouched.
func (e *Engine) dedupExisting(d digest.Digest, settings opSettings) (model.PutResult, bool) {
	e.locks.lock(d)
	defer e.locks.unlock(d)

	entry, ok, err := e.exists(d)
	if err != nil {
		return model.PutResult{Result: model.Failed(model.ServerError, err), Digest: d}, true
	}
	if !ok {
		return model.PutResult{}, false
	}
	return e.dedup(entry, d, settings), true
}

// PutFile ingests an existing file, realized as a copy, a hard link or
// a move of the source into the blob area. Semantics otherwise match Put.
func (e *Engine) PutFile(ctx context.Context, path string, expected *digest.Digest, mode model.RealizationMode, opts ...OpOption) model.PutResult {
	if err := e.ready(); err != nil {
		return model.PutResult{Result: model.Failed(model.ServerError, err)}
	}
	if !mode.Valid() {
		return model.PutResult{Result: model.Failedf(model.MalformedInput, "invalid realization mode %q", mode)}
	}
	if err := interrupted(ctx); err != nil {
		return model.PutResult{Result: model.Failed(model.ServerError, err)}
	}
	settings := operationSettings(opts)

	algo := e.algo
	if expected != nil {
		algo = expected.Algorithm()
	}
	d, logical, err := digest.FromFile(algo, path)
	if err != nil {
		if errors.Is(err, digest.ErrUnsupportedAlgorithm) {
			return model.PutResult{Result: model.Failed(model.MalformedInput, err)}
		}
		return model.PutResult{Result: model.Failed(model.ServerError, err)}
	}
	if expected != nil && !expected.Equal(d) {
		return model.PutResult{
			Result: model.Failedf(model.HashMismatch, "file hashed to %s, expected %s", d, expected),
			Digest: d,
		}
	}

	var res model.PutResult
	switch mode {
	case model.RealizeMove:
		res = e.commit(ctx, path, d, logical, false, settings)
	case model.RealizeHardLink:
		res = e.commitLinked(ctx, path, d, logical, settings)
	default:
		res = e.commitCopied(ctx, path, d, logical, settings)
	}
	metrics.Inc(e.m.PutCount, outcome(res.Code))
	if res.Succeeded() {
		metrics.Int64(e.m.PutBytes, res.BytesWritten)
	}
	return res
}

// commit makes a staged or moved-in file become the stored blob. The
// source is consumed on success and on dedup; on failure it is only
// discarded when it was an internal spool (a caller-owned move source
// is left in place).
func (e *Engine) commit(ctx context.Context, sourcePath string, d digest.Digest, logical int64, spooled bool, settings opSettings) model.PutResult {
	e.locks.lock(d)
	defer e.locks.unlock(d)

	discardOnFailure := func() {
		if spooled {
			_ = os.Remove(sourcePath)
		}
	}

	if entry, ok, err := e.exists(d); err != nil {
		discardOnFailure()
		return model.PutResult{Result: model.Failed(model.ServerError, err), Digest: d}
	} else if ok {
		// move semantics consume the source even when deduplicated
		_ = os.Remove(sourcePath)
		return e.dedup(entry, d, settings)
	}

	phys := e.quota.physicalSize(logical)
	if res, ok := e.reserve(ctx, d, phys); !ok {
		discardOnFailure()
		return res
	}

	key := blobKeyForDigest(d)
	if mover, ok := e.blobs.(storage.Mover); ok {
		err := mover.MoveIn(ctx, sourcePath, key)
		if err == nil {
			return e.finalize(d, logical, phys, settings)
		}
		if !isNotSupported(err) {
			discardOnFailure()
			return e.rollback(d, phys, err)
		}
	}
	res := e.ingestCopy(ctx, sourcePath, d, key, logical, phys, settings)
	if res.Succeeded() {
		_ = os.Remove(sourcePath)
	} else {
		discardOnFailure()
	}
	return res
}

// commitCopied ingests by copying, leaving the source untouched
func (e *Engine) commitCopied(ctx context.Context, sourcePath string, d digest.Digest, logical int64, settings opSettings) model.PutResult {
	e.locks.lock(d)
	defer e.locks.unlock(d)

	if entry, ok, err := e.exists(d); err != nil {
		return model.PutResult{Result: model.Failed(model.ServerError, err), Digest: d}
	} else if ok {
		return e.dedup(entry, d, settings)
	}

	phys := e.quota.physicalSize(logical)
	if res, ok := e.reserve(ctx, d, phys); !ok {
		return res
	}
	return e.ingestCopy(ctx, sourcePath, d, blobKeyForDigest(d), logical, phys, settings)
}

// commitLinked ingests by hard-linking the source into the blob area,
// falling back to a copy when the backend cannot link
func (e *Engine) commitLinked(ctx context.Context, sourcePath string, d digest.Digest, logical int64, settings opSettings) model.PutResult {
	e.locks.lock(d)
	defer e.locks.unlock(d)

	if entry, ok, err := e.exists(d); err != nil {
		return model.PutResult{Result: model.Failed(model.ServerError, err), Digest: d}
	} else if ok {
		return e.dedup(entry, d, settings)
	}

	phys := e.quota.physicalSize(logical)
	if res, ok := e.reserve(ctx, d, phys); !ok {
		return res
	}

	if linker, ok := e.blobs.(storage.Linker); ok {
		err := linker.LinkIn(ctx, sourcePath, blobKeyForDigest(d))
		if err == nil || errors.Is(err, storagestatus.ErrExists) {
			return e.finalize(d, logical, phys, settings)
		}
		if !isNotSupported(err) {
			return e.rollback(d, phys, err)
		}
	}
	return e.ingestCopy(ctx, sourcePath, d, blobKeyForDigest(d), logical, phys, settings)
}

func (e *Engine) ingestCopy(ctx context.Context, sourcePath string, d digest.Digest, key string, logical, phys int64, settings opSettings) model.PutResult {
	source, err := os.Open(sourcePath)
	if err != nil {
		return e.rollback(d, phys, status.ErrCommit.Wrap(err))
	}
	defer source.Close()
	_, err = e.blobs.Put(ctx, key, source, true)
	if err != nil && !errors.Is(err, storagestatus.ErrExists) {
		return e.rollback(d, phys, status.ErrCommit.Wrap(err))
	}
	return e.finalize(d, logical, phys, settings)
}

// dedup reports a successful no-op put of already present content
func (e *Engine) dedup(entry model.Entry, d digest.Digest, settings opSettings) model.PutResult {
	e.touch(entry)
	if settings.pin {
		e.addPin(d)
	}
	metrics.Inc(e.m.DedupCount)
	e.l.Debug("deduplicated put", zap.Stringer("digest", d))
	return model.PutResult{Result: model.OK(), Digest: d, Deduplicated: true}
}

// reserve accounts for phys bytes, evicting as needed. On failure it
// reports a QuotaExceeded result and false.
func (e *Engine) reserve(ctx context.Context, d digest.Digest, phys int64) (model.PutResult, bool) {
	for !e.quota.tryReserve(phys) {
		freed, err := e.evictOnce(ctx, d)
		if err != nil {
			return model.PutResult{Result: model.Failed(model.ServerError, err), Digest: d}, false
		}
		if freed == 0 {
			used, max := e.quota.usage()
			metrics.Inc(e.m.QuotaRejects)
			e.l.Warn("put rejected: nothing left to evict",
				zap.Stringer("digest", d),
				zap.Int64("needed_bytes", phys),
				zap.Int64("used_bytes", used),
				zap.Int64("quota_bytes", max),
			)
			return model.PutResult{
				Result: model.Failedf(model.QuotaExceeded,
					"need %d bytes but only %d of %d in use are reclaimable", phys, max-used, max),
				Digest: d,
			}, false
		}
	}
	return model.PutResult{}, true
}

func (e *Engine) finalize(d digest.Digest, logical, phys int64, settings opSettings) model.PutResult {
	now := time.Now()
	entry := model.Entry{
		Digest:       d,
		LogicalSize:  logical,
		PhysicalSize: phys,
		CreatedAt:    now,
		LastAccess:   now,
	}
	if err := e.index.Set(entry); err != nil {
		_ = e.blobs.Delete(context.Background(), blobKeyForDigest(d))
		e.quota.release(phys)
		return model.PutResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}
	e.present.Add(d, entry)
	if settings.pin {
		e.addPin(d)
	}
	e.l.Debug("content stored", zap.Stringer("digest", d), zap.Int64("bytes", logical))
	return model.PutResult{Result: model.OK(), Digest: d, BytesWritten: logical}
}

func (e *Engine) rollback(d digest.Digest, phys int64, err error) model.PutResult {
	e.quota.release(phys)
	return model.PutResult{Result: model.Failed(model.ServerError, err), Digest: d}
}

// spoolCopy copies a stream, checking for cancellation between chunks
func spoolCopy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := interrupted(ctx); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
