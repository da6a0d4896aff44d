package cas

import (
	"context"
	"sort"

	"github.com/cascached/cascached/pkg/digest"
	"github.com/cascached/cascached/pkg/metrics"
	"github.com/cascached/cascached/pkg/model"

	"go.uber.org/zap"
)

// evictOnce reclaims the least recently used unpinned entry, skipping
// the protected digest of the in-flight put. It reports the physical
// bytes freed; zero means nothing was evictable.
//
// Candidates are snapshotted without locks, then revalidated under
// their per-digest lock: an entry pinned (or deleted) after the
// snapshot is skipped, so "evict because unpinned" can never race a
// pin just registered.
func (e *Engine) evictOnce(ctx context.Context, protect digest.Digest) (int64, error) {
	if err := interrupted(ctx); err != nil {
		return 0, err
	}

	var candidates []model.Entry
	err := e.index.Walk(func(entry model.Entry) error {
		if entry.Digest.Equal(protect) {
			return nil
		}
		if e.pinCount(entry.Digest) > 0 {
			return nil
		}
		candidates = append(candidates, entry)
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccess.Before(candidates[j].LastAccess)
	})

	for _, candidate := range candidates {
		d := candidate.Digest
		e.locks.lock(d)
		entry, ok, err := e.exists(d)
		if err != nil {
			e.locks.unlock(d)
			return 0, err
		}
		if !ok || e.pinCount(d) > 0 {
			e.locks.unlock(d)
			continue
		}
		if err := e.remove(ctx, entry); err != nil {
			e.locks.unlock(d)
			return 0, err
		}
		e.locks.unlock(d)

		metrics.Inc(e.m.EvictedCount)
		metrics.Int64(e.m.EvictedBytes, entry.PhysicalSize)
		e.l.Info("evicted content",
			zap.Stringer("digest", d),
			zap.Int64("freed", entry.PhysicalSize),
			zap.Time("last_access", entry.LastAccess),
		)
		return entry.PhysicalSize, nil
	}
	return 0, nil
}
