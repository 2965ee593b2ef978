// Package prometheus exports localization telemetry as Prometheus metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/vislocate/telemetry"
)

// Compile time check to ensure Collector satisfies the telemetry interface.
var _ telemetry.Collector = (*Collector)(nil)

// Collector implements telemetry.Collector on Prometheus metric vectors.
type Collector struct {
	opLatency      *prometheus.HistogramVec
	indexedRegions prometheus.Counter
	pairMatches    prometheus.Counter
	candidates     prometheus.Histogram
	inliers        prometheus.Histogram
	localizations  *prometheus.CounterVec
}

// New creates a Collector and registers its metrics with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(namespace string, reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of index builds, pair matches, retrievals and localizations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		indexedRegions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexed_regions_total",
			Help:      "Total reference descriptors indexed by matchers",
		}),
		pairMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pair_matches_total",
			Help:      "Total correspondences that passed the ratio test",
		}),
		candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_candidates",
			Help:      "Number of candidate views returned per retrieval",
			Buckets:   prometheus.LinearBuckets(0, 5, 10),
		}),
		inliers: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "localization_inliers",
			Help:      "Number of resection inliers of successful localizations",
			Buckets:   prometheus.ExponentialBuckets(8, 2, 8),
		}),
		localizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "localizations_total",
			Help:      "Total localization attempts",
		}, []string{"status"}),
	}

	for _, m := range []prometheus.Collector{
		c.opLatency, c.indexedRegions, c.pairMatches, c.candidates, c.inliers, c.localizations,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordIndexBuild implements telemetry.Collector.
func (c *Collector) RecordIndexBuild(count int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("index_build", status(err)).Observe(d.Seconds())
	c.indexedRegions.Add(float64(count))
}

// RecordPairMatch implements telemetry.Collector.
func (c *Collector) RecordPairMatch(matches int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("pair_match", status(err)).Observe(d.Seconds())
	c.pairMatches.Add(float64(matches))
}

// RecordRetrieval implements telemetry.Collector.
func (c *Collector) RecordRetrieval(candidates int, d time.Duration) {
	c.opLatency.WithLabelValues("retrieval", "success").Observe(d.Seconds())
	c.candidates.Observe(float64(candidates))
}

// RecordLocalize implements telemetry.Collector.
func (c *Collector) RecordLocalize(inliers int, d time.Duration, err error) {
	c.opLatency.WithLabelValues("localize", status(err)).Observe(d.Seconds())
	c.localizations.WithLabelValues(status(err)).Inc()
	if err == nil {
		c.inliers.Observe(float64(inliers))
	}
}
