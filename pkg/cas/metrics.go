package cas

import (
	"github.com/cascached/cascached/pkg/metrics"
	"github.com/cascached/cascached/pkg/model"

	"go.opencensus.io/stats"
)

// engineMetrics describes the measures recorded by the content store
type engineMetrics struct {
	PutCount     *stats.Int64Measure
	PutBytes     *stats.Int64Measure
	DedupCount   *stats.Int64Measure
	PlaceCount   *stats.Int64Measure
	DeleteCount  *stats.Int64Measure
	FreedBytes   *stats.Int64Measure
	EvictedCount *stats.Int64Measure
	EvictedBytes *stats.Int64Measure
	QuotaRejects *stats.Int64Measure
}

var engineM = &engineMetrics{
	PutCount:     metrics.MustInt64("cas/puts", "number of put operations", "count", "outcome"),
	PutBytes:     metrics.MustInt64("cas/putBytes", "bytes ingested by put operations", "sumbytes"),
	DedupCount:   metrics.MustInt64("cas/dedups", "number of puts short-circuited by deduplication", "count"),
	PlaceCount:   metrics.MustInt64("cas/places", "number of place operations", "count", "outcome"),
	DeleteCount:  metrics.MustInt64("cas/deletes", "number of delete operations", "count", "outcome"),
	FreedBytes:   metrics.MustInt64("cas/freedBytes", "physical bytes freed by deletes", "sumbytes"),
	EvictedCount: metrics.MustInt64("cas/evictions", "number of entries evicted", "count"),
	EvictedBytes: metrics.MustInt64("cas/evictedBytes", "physical bytes reclaimed by eviction", "sumbytes"),
	QuotaRejects: metrics.MustInt64("cas/quotaRejects", "number of puts failed for lack of reclaimable space", "count"),
}

func outcome(code model.Code) map[string]string {
	return map[string]string{"outcome": string(code)}
}
