package vislocate

import (
	"log/slog"
	"runtime"

	"github.com/hupe1980/vislocate/config"
	"github.com/hupe1980/vislocate/feature"
	"github.com/hupe1980/vislocate/matching"
	"github.com/hupe1980/vislocate/resection"
	"github.com/hupe1980/vislocate/resource"
	"github.com/hupe1980/vislocate/telemetry"
)

type options struct {
	logger             *Logger
	metricsCollector   telemetry.Collector
	matcher            matching.Matcher
	matcherType        matching.Type
	ratio              float32
	numCandidates      int
	minCorrespondences int
	resection          resection.Options
	describer          feature.Describer
	describerType      feature.Type
	gridSize           int
	preset             feature.Preset
	workers            int
	resources          *resource.Controller

	// errs collects conversion failures of options that cannot return an
	// error themselves. New reports the first one.
	errs []*ConfigurationError
}

// Option configures the Localizer.
type Option func(*options)

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vislocate.NewJSONLogger(slog.LevelInfo)
//	loc, _ := vislocate.New(vislocate.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a collector for index builds, pair
// matches, retrievals and localizations. Pass nil to disable collection.
//
// Example with telemetry.Basic:
//
//	metrics := &telemetry.Basic{}
//	loc, _ := vislocate.New(vislocate.WithMetricsCollector(metrics))
//	// ... localize ...
//	stats := metrics.Stats()
func WithMetricsCollector(mc telemetry.Collector) Option {
	return func(o *options) {
		if mc == nil {
			mc = telemetry.Noop{}
		}
		o.metricsCollector = mc
	}
}

// WithMatcherType selects a matcher strategy with its default options.
func WithMatcherType(t matching.Type) Option {
	return func(o *options) {
		o.matcherType = t
		o.matcher = nil
	}
}

// WithMatcher installs a configured matcher, overriding WithMatcherType.
func WithMatcher(m matching.Matcher) Option {
	return func(o *options) {
		o.matcher = m
	}
}

// WithRatio sets the distance-ratio threshold in (0, 1].
func WithRatio(ratio float32) Option {
	return func(o *options) {
		o.ratio = ratio
	}
}

// WithNumCandidates sets how many views image retrieval returns per query.
func WithNumCandidates(n int) Option {
	return func(o *options) {
		o.numCandidates = n
	}
}

// WithMinCorrespondences sets the number of 2D-3D correspondences gathered
// before resection is attempted.
func WithMinCorrespondences(n int) Option {
	return func(o *options) {
		o.minCorrespondences = n
	}
}

// WithMinInliers sets the number of resection inliers required for success.
func WithMinInliers(n int) Option {
	return func(o *options) {
		o.resection.MinInliers = n
	}
}

// WithResection adjusts the resection options.
func WithResection(optFns ...func(o *resection.Options)) Option {
	return func(o *options) {
		for _, fn := range optFns {
			fn(&o.resection)
		}
	}
}

// WithDescriber sets the describer run on query images that come without
// regions. Its type replaces the configured descriptor type.
func WithDescriber(d feature.Describer) Option {
	return func(o *options) {
		o.describer = d
		if d != nil {
			o.describerType = d.Type()
		}
	}
}

// WithDescriberType sets the descriptor type loaded from the reconstruction
// and expected from queries.
func WithDescriberType(t feature.Type) Option {
	return func(o *options) {
		o.describerType = t
	}
}

// WithGrid limits described query regions to the budget of preset, spread
// over a gridSize×gridSize grid. A zero grid keeps the largest regions.
func WithGrid(gridSize int, preset feature.Preset) Option {
	return func(o *options) {
		o.gridSize = gridSize
		o.preset = preset
	}
}

// WithWorkers sets the number of candidate views matched concurrently.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithResourceController shares worker slots and index memory with other
// components. Nil disables limits.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.resources = rc
	}
}

// WithConfig applies a configuration document. Options given after it
// override its values.
func WithConfig(cfg config.Config) Option {
	return func(o *options) {
		if err := cfg.Validate(); err != nil {
			o.errs = append(o.errs, &ConfigurationError{Field: "config", cause: err})
			return
		}
		m, err := cfg.Matcher.New()
		if err != nil {
			o.errs = append(o.errs, &ConfigurationError{Field: "matcher", cause: err})
		} else {
			o.matcher = m
			o.matcherType = m.Type()
		}
		o.ratio = cfg.Matcher.Ratio
		o.numCandidates = cfg.Retrieval.NumCandidates
		o.minCorrespondences = cfg.Localization.MinCorrespondences
		o.workers = cfg.Localization.Workers
		o.gridSize = cfg.Localization.GridSize
		if t, err := cfg.Localization.DescriptorType(); err != nil {
			o.errs = append(o.errs, &ConfigurationError{Field: "describer_type", cause: err})
		} else {
			o.describerType = t
		}
		if p, err := feature.ParsePreset(cfg.Localization.Preset); err != nil {
			o.errs = append(o.errs, &ConfigurationError{Field: "preset", cause: err})
		} else {
			o.preset = p
		}
		if ro, err := cfg.Resection.Options(); err != nil {
			o.errs = append(o.errs, &ConfigurationError{Field: "resection", cause: err})
		} else {
			o.resection = ro
		}
		if rc := cfg.Resources.Controller(); rc != nil {
			o.resources = rc
		}
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:             NoopLogger(),
		metricsCollector:   telemetry.Noop{},
		matcherType:        matching.TypeCascadeHashing,
		ratio:              0.8,
		numCandidates:      25,
		minCorrespondences: 50,
		resection:          resection.DefaultOptions,
		describerType:      feature.TypeSIFT,
		preset:             feature.PresetNormal,
		workers:            runtime.GOMAXPROCS(0),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func (o *options) validate() error {
	if len(o.errs) > 0 {
		return o.errs[0]
	}
	if err := matching.ValidateRatio(o.ratio); err != nil {
		return &ConfigurationError{Field: "ratio", cause: err}
	}
	if o.numCandidates <= 0 {
		return &ConfigurationError{Field: "num_candidates"}
	}
	if o.minCorrespondences <= 0 {
		return &ConfigurationError{Field: "min_correspondences"}
	}
	if o.workers <= 0 {
		return &ConfigurationError{Field: "workers"}
	}
	if o.gridSize < 0 {
		return &ConfigurationError{Field: "grid_size"}
	}
	if o.describerType.Dimension() == 0 {
		return &ConfigurationError{Field: "describer_type"}
	}
	if o.describer != nil && o.describer.Type() != o.describerType {
		return &ConfigurationError{Field: "describer"}
	}
	if err := o.resection.Validate(); err != nil {
		return &ConfigurationError{Field: "resection", cause: err}
	}
	return nil
}
