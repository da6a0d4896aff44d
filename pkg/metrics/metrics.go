// Package metrics wraps opencensus measurement collection for the
// cache. Top-level drivers call Init once to define global settings
// (exporter, reporting period, global tags); packages declare their
// measures with MustInt64 and record through Inc, Int64 and Since.
//
// When no exporter is configured, recording is a cheap no-op at the
// opencensus level.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

type settings struct {
	contexter func() context.Context
	exporter  view.Exporter
	period    time.Duration
}

var (
	mp       *settings
	initOnce sync.Once

	tagKeysMu sync.Mutex
	tagKeys   = map[string]tag.Key{}
)

func defaultSettings() *settings {
	return &settings{contexter: context.Background}
}

func active() *settings {
	initOnce.Do(func() {
		mp = defaultSettings()
	})
	return mp
}

// Option alters global metrics settings
type Option func(*settings)

// WithExporter registers a view exporter for collected metrics
func WithExporter(e view.Exporter) Option {
	return func(s *settings) {
		s.exporter = e
	}
}

// WithReportingPeriod alters the default opencensus reporting period
func WithReportingPeriod(d time.Duration) Option {
	return func(s *settings) {
		s.period = d
	}
}

// Init global settings for metrics collection. Only the first call matters.
func Init(opts ...Option) {
	initOnce.Do(func() {
		mp = defaultSettings()
		for _, apply := range opts {
			apply(mp)
		}
		if mp.exporter != nil {
			view.RegisterExporter(mp.exporter)
		}
		if mp.period > 0 {
			view.SetReportingPeriod(mp.period)
		}
	})
}

func keyFor(name string) tag.Key {
	tagKeysMu.Lock()
	defer tagKeysMu.Unlock()
	k, ok := tagKeys[name]
	if !ok {
		k = tag.MustNewKey(name)
		tagKeys[name] = k
	}
	return k
}

// MustInt64 declares an int64 measure and registers a summing view for
// it. It panics on conflicting registrations, which are programming
// errors.
func MustInt64(name, description, unit string, tagNames ...string) *stats.Int64Measure {
	m := stats.Int64(name, description, unit)
	keys := make([]tag.Key, 0, len(tagNames))
	for _, tn := range tagNames {
		keys = append(keys, keyFor(tn))
	}
	v := &view.View{
		Name:        name,
		Description: description,
		Measure:     m,
		Aggregation: view.Sum(),
		TagKeys:     keys,
	}
	if err := view.Register(v); err != nil {
		panic(err)
	}
	return m
}

func mergeTags(tags []map[string]string) []tag.Mutator {
	var mutators []tag.Mutator
	for _, group := range tags {
		for k, v := range group {
			mutators = append(mutators, tag.Upsert(keyFor(k), v))
		}
	}
	return mutators
}

// Inc increments a counter-like metric
func Inc(counter *stats.Int64Measure, tags ...map[string]string) {
	_ = stats.RecordWithTags(active().contexter(), mergeTags(tags), counter.M(1))
}

// Int64 records a value against a measure
func Int64(measure *stats.Int64Measure, value int64, tags ...map[string]string) {
	_ = stats.RecordWithTags(active().contexter(), mergeTags(tags), measure.M(value))
}

// Since records a millisecond timing from some start time
func Since(start time.Time, measure *stats.Int64Measure, tags ...map[string]string) {
	Int64(measure, time.Since(start).Milliseconds(), tags...)
}
