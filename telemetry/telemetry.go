// Package telemetry defines the hook through which the matching engine,
// the retrieval database and the localizer report their work.
//
// Implement Collector to integrate with a monitoring system; package
// telemetry/prometheus ships a Prometheus implementation.
package telemetry

import (
	"sync/atomic"
	"time"
)

// Collector receives operational measurements.
//
// Implementations must be safe for concurrent use: the pairwise engine
// reports from its worker goroutines.
type Collector interface {
	// RecordIndexBuild is called after a matcher index was built over count
	// reference descriptors.
	RecordIndexBuild(count int, duration time.Duration, err error)

	// RecordPairMatch is called after one pair of views was matched.
	// matches is the number of correspondences that passed the ratio test.
	RecordPairMatch(matches int, duration time.Duration, err error)

	// RecordRetrieval is called after each database query. candidates is the
	// number of documents returned.
	RecordRetrieval(candidates int, duration time.Duration)

	// RecordLocalize is called after each localization attempt.
	// inliers is zero on failure, err is nil if successful.
	RecordLocalize(inliers int, duration time.Duration, err error)
}

// Noop is a Collector that discards everything.
type Noop struct{}

func (Noop) RecordIndexBuild(int, time.Duration, error) {}
func (Noop) RecordPairMatch(int, time.Duration, error)  {}
func (Noop) RecordRetrieval(int, time.Duration)         {}
func (Noop) RecordLocalize(int, time.Duration, error)   {}

// Basic provides simple in-memory counters.
// Useful for debugging and tests without external dependencies.
type Basic struct {
	IndexBuildCount  atomic.Int64
	IndexBuildErrors atomic.Int64
	IndexedRegions   atomic.Int64

	PairMatchCount  atomic.Int64
	PairMatchErrors atomic.Int64
	PairMatches     atomic.Int64

	RetrievalCount      atomic.Int64
	RetrievalCandidates atomic.Int64
	RetrievalTotalNanos atomic.Int64

	LocalizeCount      atomic.Int64
	LocalizeErrors     atomic.Int64
	LocalizeInliers    atomic.Int64
	LocalizeTotalNanos atomic.Int64
}

// RecordIndexBuild implements Collector.
func (b *Basic) RecordIndexBuild(count int, _ time.Duration, err error) {
	b.IndexBuildCount.Add(1)
	b.IndexedRegions.Add(int64(count))
	if err != nil {
		b.IndexBuildErrors.Add(1)
	}
}

// RecordPairMatch implements Collector.
func (b *Basic) RecordPairMatch(matches int, _ time.Duration, err error) {
	b.PairMatchCount.Add(1)
	b.PairMatches.Add(int64(matches))
	if err != nil {
		b.PairMatchErrors.Add(1)
	}
}

// RecordRetrieval implements Collector.
func (b *Basic) RecordRetrieval(candidates int, duration time.Duration) {
	b.RetrievalCount.Add(1)
	b.RetrievalCandidates.Add(int64(candidates))
	b.RetrievalTotalNanos.Add(duration.Nanoseconds())
}

// RecordLocalize implements Collector.
func (b *Basic) RecordLocalize(inliers int, duration time.Duration, err error) {
	b.LocalizeCount.Add(1)
	b.LocalizeInliers.Add(int64(inliers))
	b.LocalizeTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.LocalizeErrors.Add(1)
	}
}

// Stats returns a snapshot of the current counters.
func (b *Basic) Stats() Stats {
	return Stats{
		IndexBuildCount:    b.IndexBuildCount.Load(),
		IndexBuildErrors:   b.IndexBuildErrors.Load(),
		IndexedRegions:     b.IndexedRegions.Load(),
		PairMatchCount:     b.PairMatchCount.Load(),
		PairMatchErrors:    b.PairMatchErrors.Load(),
		PairMatches:        b.PairMatches.Load(),
		RetrievalCount:     b.RetrievalCount.Load(),
		RetrievalAvgNanos:  avg(b.RetrievalTotalNanos.Load(), b.RetrievalCount.Load()),
		LocalizeCount:      b.LocalizeCount.Load(),
		LocalizeErrors:     b.LocalizeErrors.Load(),
		LocalizeAvgInliers: avg(b.LocalizeInliers.Load(), b.LocalizeCount.Load()),
		LocalizeAvgNanos:   avg(b.LocalizeTotalNanos.Load(), b.LocalizeCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// Stats is a snapshot of Basic state.
type Stats struct {
	IndexBuildCount    int64
	IndexBuildErrors   int64
	IndexedRegions     int64
	PairMatchCount     int64
	PairMatchErrors    int64
	PairMatches        int64
	RetrievalCount     int64
	RetrievalAvgNanos  int64
	LocalizeCount      int64
	LocalizeErrors     int64
	LocalizeAvgInliers int64
	LocalizeAvgNanos   int64
}

// Compile time checks.
var (
	_ Collector = Noop{}
	_ Collector = (*Basic)(nil)
)
