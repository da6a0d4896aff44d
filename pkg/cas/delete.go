package cas

import (
	"context"

	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/metrics"
	"github.com/cascached/cascached/pkg/model"

	"go.uber.org/zap"
)

// Delete removes an entry and its backing blob.
//
// Deleting content that was never present reports ContentNotFound,
// which is a succeeded outcome with zero bytes freed. Content pinned
// by a live session reports ContentNotDeleted, the only delete-path
// failure. With localOnly unset, the distributed location collaborator
// is notified; this engine only guarantees local removal.
func (e *Engine) Delete(ctx context.Context, d digest.Digest, localOnly bool) model.DeleteResult {
	if err := e.ready(); err != nil {
		return model.DeleteResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}
	if err := interrupted(ctx); err != nil {
		return model.DeleteResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}

	e.locks.lock(d)
	defer e.locks.unlock(d)

	entry, ok, err := e.exists(d)
	if err != nil {
		return model.DeleteResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}
	if !ok {
		metrics.Inc(e.m.DeleteCount, outcome(model.ContentNotFound))
		return model.DeleteResult{Result: model.Result{Code: model.ContentNotFound}, Digest: d}
	}
	if e.pinCount(d) > 0 {
		metrics.Inc(e.m.DeleteCount, outcome(model.ContentNotDeleted))
		return model.DeleteResult{
			Result: model.Failedf(model.ContentNotDeleted, "%s is pinned", d),
			Digest: d,
		}
	}

	if err := e.remove(ctx, entry); err != nil {
		return model.DeleteResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}

	if !localOnly && e.locator != nil {
		// remote reference bookkeeping is best effort here
		if err := e.locator.Dropped(ctx, d); err != nil {
			e.l.Warn("failed to notify location tracker", zap.Stringer("digest", d), zap.Error(err))
		}
	}

	metrics.Inc(e.m.DeleteCount, outcome(model.Success))
	metrics.Int64(e.m.FreedBytes, entry.PhysicalSize)
	e.l.Debug("content deleted", zap.Stringer("digest", d), zap.Int64("freed", entry.PhysicalSize))
	return model.DeleteResult{Result: model.OK(), Digest: d, BytesFreed: entry.PhysicalSize}
}

// remove drops the blob and the index entry and releases quota. The
// per-digest lock must be held.
func (e *Engine) remove(ctx context.Context, entry model.Entry) error {
	if err := e.blobs.Delete(ctx, blobKeyForDigest(entry.Digest)); err != nil {
		return err
	}
	if err := e.index.Delete(entry.Digest); err != nil {
		return err
	}
	e.present.Remove(entry.Digest)
	e.quota.release(entry.PhysicalSize)
	return nil
}

// Pin increments the reference count preventing eviction of a digest.
// Pinning missing content fails with ContentNotFound.
func (e *Engine) Pin(ctx context.Context, d digest.Digest) model.PinResult {
	if err := e.ready(); err != nil {
		return model.PinResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}

	e.locks.lock(d)
	defer e.locks.unlock(d)

	_, ok, err := e.exists(d)
	if err != nil {
		return model.PinResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}
	if !ok {
		return model.PinResult{
			Result: model.Failedf(model.ContentNotFound, "no content for %s", d),
			Digest: d,
		}
	}

	e.addPin(d)
	return model.PinResult{Result: model.OK(), Digest: d}
}

// addPin increments the pin count. Callers must hold the per-digest
// lock and have verified presence.
func (e *Engine) addPin(d digest.Digest) {
	e.pinMu.Lock()
	e.pins[d]++
	e.pinMu.Unlock()
}

// Unpin decrements the reference count of a digest. Unpinning an
// unpinned digest is a no-op success; unpinning missing content
// reports ContentNotFound.
func (e *Engine) Unpin(ctx context.Context, d digest.Digest) model.PinResult {
	if err := e.ready(); err != nil {
		return model.PinResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}

	e.locks.lock(d)
	defer e.locks.unlock(d)

	_, ok, err := e.exists(d)
	if err != nil {
		return model.PinResult{Result: model.Failed(model.ServerError, err), Digest: d}
	}
	if !ok {
		return model.PinResult{
			Result: model.Failedf(model.ContentNotFound, "no content for %s", d),
			Digest: d,
		}
	}

	e.pinMu.Lock()
	if n := e.pins[d]; n > 1 {
		e.pins[d] = n - 1
	} else {
		delete(e.pins, d)
	}
	e.pinMu.Unlock()
	return model.PinResult{Result: model.OK(), Digest: d}
}

func (e *Engine) pinCount(d digest.Digest) int {
	e.pinMu.Lock()
	defer e.pinMu.Unlock()
	return e.pins[d]
}
