package cas

import "sync"

// quotaTracker accounts for the physical bytes a cache occupies.
// Its lock is held only for bookkeeping updates, never across IO.
type quotaTracker struct {
	mu        sync.Mutex
	max       int64
	blockSize int64
	used      int64
}

func newQuotaTracker(max, blockSize int64) *quotaTracker {
	return &quotaTracker{max: max, blockSize: blockSize}
}

// physicalSize rounds a logical byte count up to whole filesystem
// blocks. Quota is a physical-disk budget, not a logical one.
func (q *quotaTracker) physicalSize(logical int64) int64 {
	if q.blockSize <= 0 || logical <= 0 {
		return logical
	}
	blocks := (logical + q.blockSize - 1) / q.blockSize
	return blocks * q.blockSize
}

// tryReserve accounts for n physical bytes if they fit under the quota
func (q *quotaTracker) tryReserve(n int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used+n > q.max {
		return false
	}
	q.used += n
	return true
}

// forceReserve accounts for n physical bytes regardless of the quota.
// Used when adopting pre-existing blobs at startup.
func (q *quotaTracker) forceReserve(n int64) {
	q.mu.Lock()
	q.used += n
	q.mu.Unlock()
}

func (q *quotaTracker) release(n int64) {
	q.mu.Lock()
	q.used -= n
	if q.used < 0 {
		q.used = 0
	}
	q.mu.Unlock()
}

func (q *quotaTracker) usage() (used, max int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used, q.max
}
