package vislocate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/vislocate/assets"
	"github.com/hupe1980/vislocate/blobstore"
	"github.com/hupe1980/vislocate/camera"
	"github.com/hupe1980/vislocate/config"
	"github.com/hupe1980/vislocate/feature"
	"github.com/hupe1980/vislocate/matching"
	"github.com/hupe1980/vislocate/resection"
	"github.com/hupe1980/vislocate/sfm"
	"github.com/hupe1980/vislocate/telemetry"
	"github.com/hupe1980/vislocate/testutil"
	"github.com/hupe1980/vislocate/voctree"
)

const queryView = feature.ViewID(2)

// sceneSource serves the regions of a synthetic scene.
type sceneSource struct {
	scene *testutil.Scene
}

func (s sceneSource) LoadRegions(_ context.Context, view *sfm.View, t feature.Type) (*feature.Regions, error) {
	r := s.scene.Regions.Regions(view.ID, t)
	if r == nil {
		return nil, fmt.Errorf("no regions for view %d: %w", view.ID, blobstore.ErrNotFound)
	}
	return r, nil
}

type fixture struct {
	scene *testutil.Scene
	tree  *voctree.Tree
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	scene, err := testutil.NewScene()
	require.NoError(t, err)

	tree, err := voctree.BuildFromRegions(context.Background(), scene.AllRegions(), func(o *voctree.Options) {
		o.Branching = 8
		o.Depth = 3
		o.Seed = 7
	})
	require.NoError(t, err)

	return &fixture{scene: scene, tree: tree}
}

func (f *fixture) localizer(t *testing.T, optFns ...Option) *Localizer {
	t.Helper()

	opts := append([]Option{
		WithMatcherType(matching.TypeBruteForce),
		WithWorkers(1),
		WithMinCorrespondences(40),
	}, optFns...)
	l, err := New(opts...)
	require.NoError(t, err)

	require.NoError(t, l.SetVocabularyTree(f.tree, nil))
	require.NoError(t, l.LoadReconstructionDescriptors(context.Background(), f.scene.Reconstruction, sceneSource{f.scene}))
	assert.Equal(t, StateDatabaseLoaded, l.State())
	require.NoError(t, l.Validate())
	require.Equal(t, StateReady, l.State())
	return l
}

func (f *fixture) query(t *testing.T) (*feature.Regions, []sfm.LandmarkID, camera.Pose) {
	t.Helper()

	pose := f.scene.QueryPose(queryView)
	regions, truth, err := f.scene.Query(queryView, pose)
	require.NoError(t, err)
	require.Greater(t, len(truth), 50)
	return regions, truth, pose
}

func assertPose(t *testing.T, want, got camera.Pose) {
	t.Helper()

	assert.Less(t, r3.Norm(r3.Sub(want.Center, got.Center)), 1e-2)
	delta := want.Rotation.T().Mul(got.Rotation)
	assert.Less(t, r3.Norm(delta.RotationVector()), 1e-3)
}

func TestLocalize(t *testing.T) {
	f := newFixture(t)
	metrics := &telemetry.Basic{}
	l := f.localizer(t, WithMetricsCollector(metrics))
	regions, truth, pose := f.query(t)

	res, err := l.Localize(context.Background(), Query{Regions: regions, Intrinsics: f.scene.Intrinsics})
	require.NoError(t, err)

	d := res.Diagnostics
	require.NotEmpty(t, d.Candidates)
	assert.Equal(t, uint32(queryView), uint32(d.Candidates[0].ID))
	assert.Equal(t, 1, d.CandidatesTried)
	assert.GreaterOrEqual(t, d.Correspondences, 40)
	assert.Len(t, d.Associations, d.Correspondences)
	assert.GreaterOrEqual(t, d.Inliers, 12)
	assert.Len(t, d.InlierIndices, d.Inliers)
	assert.Positive(t, d.Iterations)

	for _, a := range d.Associations {
		assert.Equal(t, queryView, a.View)
		require.Less(t, int(a.QueryFeature), len(truth))
		assert.Equal(t, truth[a.QueryFeature], a.Landmark)
		obs := f.scene.Reconstruction.Landmarks[a.Landmark].Observations[queryView]
		assert.Equal(t, obs.FeatureID, a.Feature)
	}

	assertPose(t, pose, res.Pose)

	stats := metrics.Stats()
	assert.Equal(t, int64(1), stats.RetrievalCount)
	assert.Equal(t, int64(1), stats.LocalizeCount)
	assert.Zero(t, stats.LocalizeErrors)
	assert.Equal(t, int64(1), stats.IndexBuildCount)
}

func TestLocalize_Matchers(t *testing.T) {
	f := newFixture(t)
	regions, _, pose := f.query(t)

	for _, mt := range []matching.Type{matching.TypeKDTree, matching.TypeCascadeHashing} {
		t.Run(mt.String(), func(t *testing.T) {
			l := f.localizer(t, WithMatcherType(mt))

			res, err := l.Localize(context.Background(), Query{Regions: regions, Intrinsics: f.scene.Intrinsics})
			require.NoError(t, err)
			assertPose(t, pose, res.Pose)
		})
	}
}

func TestLocalize_BatchedCandidates(t *testing.T) {
	f := newFixture(t)
	l := f.localizer(t, WithWorkers(4))
	regions, _, pose := f.query(t)

	res, err := l.Localize(context.Background(), Query{Regions: regions, Intrinsics: f.scene.Intrinsics})
	require.NoError(t, err)
	assert.Equal(t, min(4, len(res.Diagnostics.Candidates)), res.Diagnostics.CandidatesTried)
	assertPose(t, pose, res.Pose)
}

func TestLocalize_MinimumNotReached(t *testing.T) {
	f := newFixture(t)
	l := f.localizer(t, WithWorkers(2), WithMinCorrespondences(1000))
	regions, _, _ := f.query(t)

	_, err := l.Localize(context.Background(), Query{Regions: regions, Intrinsics: f.scene.Intrinsics})
	require.ErrorIs(t, err, ErrInsufficientCorrespondences)

	var le *LocalizationError
	require.ErrorAs(t, err, &le)
	d := le.Diagnostics
	assert.Equal(t, len(d.Candidates), d.CandidatesTried)
	assert.Positive(t, d.Correspondences)
	assert.Zero(t, d.Iterations, "resection must not run below the minimum")
}

func TestLocalize_UnknownIntrinsics(t *testing.T) {
	f := newFixture(t)
	l := f.localizer(t)
	regions, _, pose := f.query(t)

	res, err := l.Localize(context.Background(), Query{Regions: regions})
	require.NoError(t, err)

	k := res.Intrinsics.K()
	assert.InDelta(t, f.scene.Intrinsics.Focal, k[0], 1)
	assert.Less(t, r3.Norm(r3.Sub(pose.Center, res.Pose.Center)), 0.05)
}

func TestLocalize_Concurrent(t *testing.T) {
	f := newFixture(t)
	l := f.localizer(t)
	regions, _, pose := f.query(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	results := make([]*Result, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = l.Localize(context.Background(), Query{Regions: regions, Intrinsics: f.scene.Intrinsics})
		}()
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assertPose(t, pose, results[i].Pose)
		assert.Equal(t, results[0].Diagnostics.Inliers, results[i].Diagnostics.Inliers)
	}
}

type stubDescriber struct {
	regions *feature.Regions
	calls   int
}

func (s *stubDescriber) Type() feature.Type { return s.regions.Type() }

func (s *stubDescriber) Describe(context.Context, *image.Gray, *image.Gray) (*feature.Regions, error) {
	s.calls++
	return s.regions, nil
}

func TestLocalize_Describer(t *testing.T) {
	f := newFixture(t)
	regions, _, pose := f.query(t)
	d := &stubDescriber{regions: regions}
	l := f.localizer(t, WithDescriber(d), WithGrid(4, feature.PresetNormal))

	img := image.NewGray(image.Rect(0, 0, 640, 480))
	res, err := l.Localize(context.Background(), Query{Image: img, Intrinsics: f.scene.Intrinsics})
	require.NoError(t, err)
	assert.Equal(t, 1, d.calls)
	assertPose(t, pose, res.Pose)
}

func TestLocalize_NoCandidates(t *testing.T) {
	f := newFixture(t)
	metrics := &telemetry.Basic{}

	l, err := New(WithMetricsCollector(metrics))
	require.NoError(t, err)
	require.NoError(t, l.SetVocabularyTree(f.tree, nil))
	require.NoError(t, l.LoadReconstructionDescriptors(context.Background(), f.scene.Empty(), sceneSource{f.scene}))
	require.NoError(t, l.Validate())

	regions, _, _ := f.query(t)
	res, err := l.Localize(context.Background(), Query{Regions: regions, Intrinsics: f.scene.Intrinsics})
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrNoCandidates)
	assert.NotErrorIs(t, err, ErrInsufficientCorrespondences)

	var le *LocalizationError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, NoCandidates, le.Kind)
	assert.Empty(t, le.Diagnostics.Candidates)
	assert.Zero(t, le.Diagnostics.CandidatesTried)
	assert.Zero(t, le.Diagnostics.Iterations)

	stats := metrics.Stats()
	assert.Equal(t, int64(1), stats.LocalizeErrors)
	assert.Zero(t, stats.IndexBuildCount)
}

func TestLocalize_InsufficientCorrespondences(t *testing.T) {
	f := newFixture(t)
	l := f.localizer(t)

	// Random features retrieve little and match nothing.
	rng := testutil.NewRNG(99)
	regions := rng.Regions(feature.TypeSIFT, 5, 640, 480)

	_, err := l.Localize(context.Background(), Query{Regions: regions})
	require.Error(t, err)

	var le *LocalizationError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, []FailureKind{NoCandidates, InsufficientCorrespondences}, le.Kind)
	assert.Zero(t, le.Diagnostics.Iterations)
	if le.Kind == InsufficientCorrespondences {
		assert.ErrorIs(t, err, ErrInsufficientCorrespondences)
		assert.Equal(t, len(le.Diagnostics.Candidates), le.Diagnostics.CandidatesTried)
	}
}

func TestLocalize_BelowThreshold(t *testing.T) {
	f := newFixture(t)
	metrics := &telemetry.Basic{}
	l := f.localizer(t, WithMinInliers(10000), WithMetricsCollector(metrics))
	regions, _, _ := f.query(t)

	_, err := l.Localize(context.Background(), Query{Regions: regions, Intrinsics: f.scene.Intrinsics})
	require.ErrorIs(t, err, ErrResectionBelowThreshold)
	require.ErrorIs(t, err, resection.ErrBelowThreshold)

	var le *LocalizationError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ResectionBelowThreshold, le.Kind)
	assert.Positive(t, le.Diagnostics.Inliers)
	assert.Equal(t, len(le.Diagnostics.Candidates), le.Diagnostics.CandidatesTried)

	stats := metrics.Stats()
	assert.Equal(t, int64(1), stats.LocalizeErrors)
	assert.Zero(t, stats.LocalizeAvgInliers)
}

func TestLocalize_InvalidQuery(t *testing.T) {
	f := newFixture(t)
	l := f.localizer(t)

	_, err := l.Localize(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	akaze := testutil.NewRNG(1).Regions(feature.TypeAKAZE, 10, 640, 480)
	_, err = l.Localize(context.Background(), Query{Regions: akaze})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	var ce *ConfigurationError
	_, err = l.Localize(context.Background(), Query{Image: image.NewGray(image.Rect(0, 0, 8, 8))})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "describer", ce.Field)
}

func TestLocalize_Canceled(t *testing.T) {
	f := newFixture(t)
	l := f.localizer(t)
	regions, _, _ := f.query(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Localize(ctx, Query{Regions: regions, Intrinsics: f.scene.Intrinsics})
	require.ErrorIs(t, err, context.Canceled)
	var le *LocalizationError
	assert.False(t, errors.As(err, &le))
}

func TestLocalizer_NotReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := New()
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, l.State())

	_, err = l.Localize(ctx, Query{})
	assert.ErrorIs(t, err, ErrNotReady)

	err = l.LoadReconstructionDescriptors(ctx, f.scene.Reconstruction, sceneSource{f.scene})
	assert.ErrorIs(t, err, ErrNotReady)

	assert.ErrorIs(t, l.Validate(), ErrNotReady)

	// A new tree drops the loaded database.
	require.NoError(t, l.SetVocabularyTree(f.tree, nil))
	require.NoError(t, l.LoadReconstructionDescriptors(ctx, f.scene.Reconstruction, sceneSource{f.scene}))
	_, err = l.Localize(ctx, Query{})
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, l.SetVocabularyTree(f.tree, nil))
	assert.Equal(t, StateUninitialized, l.State())
}

func TestLocalizer_LoadErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := New()
	require.NoError(t, err)

	var le *LoadError

	err = l.SetVocabularyTree(f.tree, make([]float32, 3))
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "weights", le.Asset)
	assert.ErrorIs(t, err, voctree.ErrCorrupt)

	l2, err := New(WithDescriberType(feature.TypeAKAZE))
	require.NoError(t, err)
	err = l2.SetVocabularyTree(f.tree, nil)
	require.ErrorAs(t, err, &le)
	var dm *voctree.ErrDimensionMismatch
	assert.ErrorAs(t, err, &dm)

	require.NoError(t, l.SetVocabularyTree(f.tree, nil))

	// A view without regions.
	missing := testutil.Scene{Regions: feature.NewRegionsPerView()}
	err = l.LoadReconstructionDescriptors(ctx, f.scene.Reconstruction, sceneSource{&missing})
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	assert.Equal(t, StateUninitialized, l.State())

	// Observations beyond the loaded regions.
	short := feature.NewRegionsPerView()
	for _, v := range f.scene.Reconstruction.ViewIDs() {
		r := f.scene.Regions.Regions(v, feature.TypeSIFT)
		sub, err := r.Subset([]int{0, 1, 2})
		require.NoError(t, err)
		short.Add(v, sub)
	}
	err = l.LoadReconstructionDescriptors(ctx, f.scene.Reconstruction, sceneSource{&testutil.Scene{Regions: short}})
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, feature.ErrInvariant)

	// An inconsistent reconstruction.
	bad := sfm.New()
	bad.Landmarks[1] = &sfm.Landmark{ID: 1, Observations: map[feature.ViewID]sfm.Observation{7: {}}}
	err = l.LoadReconstructionDescriptors(ctx, bad, sceneSource{f.scene})
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, sfm.ErrInvalid)
}

func TestNew_ConfigurationErrors(t *testing.T) {
	bad := config.Default()
	bad.Matcher.Type = "nope"

	tests := []struct {
		name  string
		opt   Option
		field string
	}{
		{"zero ratio", WithRatio(0), "ratio"},
		{"ratio above one", WithRatio(1.5), "ratio"},
		{"no candidates", WithNumCandidates(0), "num_candidates"},
		{"no correspondences", WithMinCorrespondences(0), "min_correspondences"},
		{"no workers", WithWorkers(0), "workers"},
		{"negative grid", WithGrid(-1, feature.PresetLow), "grid_size"},
		{"unknown descriptor", WithDescriberType(feature.TypeUnknown), "describer_type"},
		{"resection threshold", WithResection(func(o *resection.Options) { o.ErrorThreshold = 0 }), "resection"},
		{"negative inliers", WithMinInliers(-1), "resection"},
		{"bad config", WithConfig(bad), "config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opt)
			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestNew_Config(t *testing.T) {
	cfg, err := config.Parse([]byte(`
matcher:
  type: kdtree
  ratio: 0.7
retrieval:
  candidates: 3
localization:
  min_correspondences: 20
  workers: 2
resection:
  min_inliers: 8
`))
	require.NoError(t, err)

	l, err := New(WithConfig(cfg), WithWorkers(3))
	require.NoError(t, err)

	assert.Equal(t, matching.TypeKDTree, l.engine.Matcher().Type())
	assert.Equal(t, float32(0.7), l.opts.ratio)
	assert.Equal(t, 3, l.opts.numCandidates)
	assert.Equal(t, 20, l.opts.minCorrespondences)
	assert.Equal(t, 8, l.opts.resection.MinInliers)
	assert.Equal(t, 3, l.opts.workers)
}

func TestInit_Assets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, c := range map[string]assets.Compression{"none": assets.CompressionNone, "zstd": assets.CompressionZstd} {
		t.Run(name, func(t *testing.T) {
			loader := assets.NewLoader(blobstore.NewMemoryStore(), func(o *assets.Options) {
				o.Compression = c
			})
			require.NoError(t, loader.SaveReconstruction(ctx, f.scene.Reconstruction))
			require.NoError(t, loader.SaveVocabularyTree(ctx, f.tree))
			for _, v := range f.scene.Reconstruction.ViewIDs() {
				require.NoError(t, loader.SaveRegions(ctx, f.scene.Reconstruction.Views[v], f.scene.Regions.Regions(v, feature.TypeSIFT)))
			}

			l, err := New(WithMatcherType(matching.TypeBruteForce), WithMinCorrespondences(40))
			require.NoError(t, err)
			require.NoError(t, l.Init(ctx, AssetSources(loader)))
			require.Equal(t, StateReady, l.State())

			regions, _, pose := f.query(t)
			res, err := l.Localize(ctx, Query{Regions: regions, Intrinsics: f.scene.Intrinsics})
			require.NoError(t, err)
			assert.Equal(t, uint32(queryView), uint32(res.Diagnostics.Candidates[0].ID))
			assertPose(t, pose, res.Pose)
		})
	}
}

func TestInit_Weights(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	loader := assets.NewLoader(blobstore.NewMemoryStore())
	require.NoError(t, loader.SaveReconstruction(ctx, f.scene.Reconstruction))
	require.NoError(t, loader.SaveVocabularyTree(ctx, f.tree))
	for _, v := range f.scene.Reconstruction.ViewIDs() {
		require.NoError(t, loader.SaveRegions(ctx, f.scene.Reconstruction.Views[v], f.scene.Regions.Regions(v, feature.TypeSIFT)))
	}
	weights := make([]float32, f.tree.Words())
	for i := range weights {
		weights[i] = 1
	}
	require.NoError(t, loader.SaveWeights(ctx, weights))

	l, err := New(WithMatcherType(matching.TypeBruteForce), WithWorkers(1), WithMinCorrespondences(40))
	require.NoError(t, err)
	require.NoError(t, l.Init(ctx, AssetSources(loader)))

	regions, _, _ := f.query(t)
	res, err := l.Localize(ctx, Query{Regions: regions, Intrinsics: f.scene.Intrinsics})
	require.NoError(t, err)
	assert.Equal(t, uint32(queryView), uint32(res.Diagnostics.Candidates[0].ID))
}

func TestInit_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := New()
	require.NoError(t, err)

	var ce *ConfigurationError
	require.ErrorAs(t, l.Init(ctx, Sources{}), &ce)

	// Nothing stored yet.
	loader := assets.NewLoader(blobstore.NewMemoryStore())
	var le *LoadError
	err = l.Init(ctx, AssetSources(loader))
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "vocabulary tree", le.Asset)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, loader.SaveVocabularyTree(ctx, f.tree))
	err = l.Init(ctx, AssetSources(loader))
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "reconstruction", le.Asset)

	require.NoError(t, loader.SaveReconstruction(ctx, f.scene.Reconstruction))
	err = l.Init(ctx, AssetSources(loader))
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Asset, "descriptors")
	assert.NotEqual(t, StateReady, l.State())
}

func TestFailureKind(t *testing.T) {
	for _, k := range []FailureKind{NoCandidates, InsufficientCorrespondences, ResectionDegenerate, ResectionBelowThreshold} {
		err := &LocalizationError{Kind: k}
		assert.ErrorIs(t, err, k.sentinel(), k.String())
	}
	assert.Equal(t, "unknown(0)", FailureKind(0).String())

	kind, ok := failureKind(fmt.Errorf("wrap: %w", resection.ErrDegenerate))
	assert.True(t, ok)
	assert.Equal(t, ResectionDegenerate, kind)

	_, ok = failureKind(context.Canceled)
	assert.False(t, ok)
}
