// Package config loads localizer settings from YAML.
//
// A zero-valued section takes the defaults of Default(); Load and Parse
// start from Default() and overlay the document, so a file only needs the
// keys it changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/vislocate/assets"
	"github.com/hupe1980/vislocate/codec"
	"github.com/hupe1980/vislocate/feature"
	"github.com/hupe1980/vislocate/matching"
	"github.com/hupe1980/vislocate/resection"
	"github.com/hupe1980/vislocate/resource"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the root document.
type Config struct {
	Matcher      Matcher      `yaml:"matcher"`
	Retrieval    Retrieval    `yaml:"retrieval"`
	Localization Localization `yaml:"localization"`
	Resection    Resection    `yaml:"resection"`
	Resources    Resources    `yaml:"resources"`
	// Codec names the reconstruction codec ("go-json" or "json").
	Codec string `yaml:"codec"`
}

// Matcher selects and tunes the feature matcher.
type Matcher struct {
	Type    string         `yaml:"type"`
	Ratio   float32        `yaml:"ratio"`
	KDTree  KDTree         `yaml:"kdtree"`
	Cascade CascadeHashing `yaml:"cascade_hashing"`
}

type KDTree struct {
	LeafSize  int `yaml:"leaf_size"`
	MaxChecks int `yaml:"max_checks"`
}

type CascadeHashing struct {
	NumBucketGroups int    `yaml:"bucket_groups"`
	NumBucketBits   int    `yaml:"bucket_bits"`
	CodeBits        int    `yaml:"code_bits"`
	NumCandidates   int    `yaml:"candidates"`
	Seed            uint64 `yaml:"seed"`
}

// Retrieval tunes image retrieval.
type Retrieval struct {
	NumCandidates int `yaml:"candidates"`
}

// Localization tunes correspondence gathering.
type Localization struct {
	DescriberType      string `yaml:"describer_type"`
	Preset             string `yaml:"preset"`
	GridSize           int    `yaml:"grid_size"`
	MinCorrespondences int    `yaml:"min_correspondences"`
	Workers            int    `yaml:"workers"`
}

// Resection tunes pose estimation.
type Resection struct {
	Method         string  `yaml:"method"`
	ErrorThreshold float64 `yaml:"error_threshold"`
	MaxIterations  int     `yaml:"max_iterations"`
	Confidence     float64 `yaml:"confidence"`
	MinInliers     int     `yaml:"min_inliers"`
	Seed           uint64  `yaml:"seed"`
	Refine         bool    `yaml:"refine"`
}

// Resources mirrors resource.Config. All zero means no controller.
type Resources struct {
	MaxWorkers         int64 `yaml:"max_workers"`
	MemoryLimitBytes   int64 `yaml:"memory_limit_bytes"`
	IOLimitBytesPerSec int64 `yaml:"io_limit_bytes_per_sec"`
}

// Default returns the default configuration.
func Default() Config {
	kd := matching.DefaultKDTreeOptions
	ch := matching.DefaultCascadeHashingOptions
	rs := resection.DefaultOptions
	return Config{
		Matcher: Matcher{
			Type:   matching.TypeCascadeHashing.String(),
			Ratio:  0.8,
			KDTree: KDTree{LeafSize: kd.LeafSize, MaxChecks: kd.MaxChecks},
			Cascade: CascadeHashing{
				NumBucketGroups: ch.NumBucketGroups,
				NumBucketBits:   ch.NumBucketBits,
				CodeBits:        ch.CodeBits,
				NumCandidates:   ch.NumCandidates,
				Seed:            ch.Seed,
			},
		},
		Retrieval: Retrieval{NumCandidates: 25},
		Localization: Localization{
			DescriberType:      feature.TypeSIFT.String(),
			Preset:             feature.PresetNormal.String(),
			MinCorrespondences: 50,
			Workers:            runtime.GOMAXPROCS(0),
		},
		Resection: Resection{
			Method:         rs.Method.String(),
			ErrorThreshold: rs.ErrorThreshold,
			MaxIterations:  rs.MaxIterations,
			Confidence:     rs.Confidence,
			MinInliers:     rs.MinInliers,
			Seed:           rs.Seed,
			Refine:         rs.Refine,
		},
		Codec: "go-json",
	}
}

// Load reads and validates a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document over Default().
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if _, err := c.Matcher.New(); err != nil {
		return fmt.Errorf("%w: matcher: %w", ErrInvalid, err)
	}
	if err := matching.ValidateRatio(c.Matcher.Ratio); err != nil {
		return fmt.Errorf("%w: matcher.ratio: %w", ErrInvalid, err)
	}
	if c.Retrieval.NumCandidates <= 0 {
		return fmt.Errorf("%w: retrieval.candidates must be positive", ErrInvalid)
	}
	if _, err := c.Localization.DescriptorType(); err != nil {
		return fmt.Errorf("%w: localization.describer_type: %w", ErrInvalid, err)
	}
	if _, err := feature.ParsePreset(c.Localization.Preset); err != nil {
		return fmt.Errorf("%w: localization.preset: %w", ErrInvalid, err)
	}
	if c.Localization.MinCorrespondences <= 0 {
		return fmt.Errorf("%w: localization.min_correspondences must be positive", ErrInvalid)
	}
	if c.Localization.Workers < 0 || c.Localization.GridSize < 0 {
		return fmt.Errorf("%w: localization.workers and grid_size must not be negative", ErrInvalid)
	}
	if _, err := c.Resection.Options(); err != nil {
		return fmt.Errorf("%w: resection: %w", ErrInvalid, err)
	}
	if c.Resources.MaxWorkers < 0 || c.Resources.MemoryLimitBytes < 0 || c.Resources.IOLimitBytesPerSec < 0 {
		return fmt.Errorf("%w: resources must not be negative", ErrInvalid)
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		return fmt.Errorf("%w: codec: %w", ErrInvalid, err)
	}
	return nil
}

// New builds the configured matcher.
func (m Matcher) New() (matching.Matcher, error) {
	t, err := matching.ParseType(m.Type)
	if err != nil {
		return nil, err
	}
	switch t {
	case matching.TypeKDTree:
		kd, err := matching.NewKDTree(func(o *matching.KDTreeOptions) {
			o.LeafSize = m.KDTree.LeafSize
			o.MaxChecks = m.KDTree.MaxChecks
		})
		if err != nil {
			return nil, err
		}
		return kd, nil
	case matching.TypeCascadeHashing:
		ch, err := matching.NewCascadeHashing(func(o *matching.CascadeHashingOptions) {
			o.NumBucketGroups = m.Cascade.NumBucketGroups
			o.NumBucketBits = m.Cascade.NumBucketBits
			o.CodeBits = m.Cascade.CodeBits
			o.NumCandidates = m.Cascade.NumCandidates
			o.Seed = m.Cascade.Seed
		})
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return matching.New(t)
	}
}

// DescriptorType resolves the configured descriptor type.
func (l Localization) DescriptorType() (feature.Type, error) {
	return feature.ParseType(l.DescriberType)
}

// Options converts the section to resection options.
func (r Resection) Options() (resection.Options, error) {
	method, err := resection.ParseMethod(r.Method)
	if err != nil {
		return resection.Options{}, err
	}
	opts := resection.Options{
		Method:         method,
		ErrorThreshold: r.ErrorThreshold,
		MaxIterations:  r.MaxIterations,
		Confidence:     r.Confidence,
		MinInliers:     r.MinInliers,
		Seed:           r.Seed,
		Refine:         r.Refine,
	}
	if err := opts.Validate(); err != nil {
		return resection.Options{}, err
	}
	return opts, nil
}

// Controller returns a resource controller, or nil when no limit is set.
func (r Resources) Controller() *resource.Controller {
	if r == (Resources{}) {
		return nil
	}
	return resource.NewController(resource.Config{
		MaxWorkers:         r.MaxWorkers,
		MemoryLimitBytes:   r.MemoryLimitBytes,
		IOLimitBytesPerSec: r.IOLimitBytesPerSec,
	})
}

// AssetOptions returns the loader settings of the document. rc is shared
// with the localizer so that asset IO and matching draw from one budget.
func (c Config) AssetOptions(rc *resource.Controller) (func(o *assets.Options), error) {
	cd, err := codec.ByName(c.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: codec: %w", ErrInvalid, err)
	}
	return func(o *assets.Options) {
		o.Codec = cd
		o.Resources = rc
	}, nil
}
