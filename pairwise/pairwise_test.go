package pairwise

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vislocate/feature"
	"github.com/hupe1980/vislocate/matching"
	"github.com/hupe1980/vislocate/resource"
	"github.com/hupe1980/vislocate/telemetry"
)

// countingMatcher wraps a matcher and counts builds and match calls.
type countingMatcher struct {
	matching.Matcher
	builds  atomic.Int64
	matches atomic.Int64
	serial  bool
}

func (c *countingMatcher) Build(ref *feature.Regions) (matching.Index, error) {
	c.builds.Add(1)
	idx, err := c.Matcher.Build(ref)
	if err != nil {
		return nil, err
	}
	return &countingIndex{Index: idx, parent: c}, nil
}

type countingIndex struct {
	matching.Index
	parent *countingMatcher
}

func (c *countingIndex) ConcurrentSafe() bool { return !c.parent.serial }

func (c *countingIndex) Match(q *feature.Regions, ratio float32) ([]matching.IndMatch, error) {
	c.parent.matches.Add(1)
	return c.Index.Match(q, ratio)
}

// scene builds views whose regions share descriptors: view v contains the
// shared descriptors plus its own random ones.
func scene(t *testing.T, views []feature.ViewID, perView int) *feature.RegionsPerView {
	t.Helper()
	rng := rand.New(rand.NewPCG(21, 12))
	dim := feature.TypeSIFT.Dimension()

	shared := make([]feature.Descriptor, perView/2)
	for i := range shared {
		shared[i] = make(feature.Descriptor, dim)
		for k := range shared[i] {
			shared[i][k] = uint8(rng.IntN(256))
		}
	}

	rpv := feature.NewRegionsPerView()
	for _, v := range views {
		r := feature.NewRegions(feature.TypeSIFT, perView)
		for i := 0; i < perView; i++ {
			d := make(feature.Descriptor, dim)
			if i < len(shared) {
				for k, x := range shared[i] {
					d[k] = uint8(min(max(int(x)+rng.IntN(5)-2, 0), 255))
				}
			} else {
				for k := range d {
					d[k] = uint8(rng.IntN(256))
				}
			}
			require.NoError(t, r.Append(feature.Keypoint{X: float32(i)}, d))
		}
		rpv.Add(v, r)
	}
	return rpv
}

func TestEngine_GroupsPairsByFirstView(t *testing.T) {
	rpv := scene(t, []feature.ViewID{0, 1, 2}, 60)
	cm := &countingMatcher{Matcher: matching.NewBruteForce()}
	metrics := &telemetry.Basic{}

	e, err := New(cm, func(o *Options) {
		o.Workers = 4
		o.Metrics = metrics
	})
	require.NoError(t, err)

	pairs := []Pair{{0, 1}, {0, 2}, {1, 2}}
	got, err := e.Match(context.Background(), rpv, feature.TypeSIFT, pairs)
	require.NoError(t, err)

	assert.Equal(t, int64(2), cm.builds.Load())
	assert.Equal(t, int64(3), cm.matches.Load())
	assert.Equal(t, int64(2), metrics.Stats().IndexBuildCount)
	assert.Equal(t, int64(3), metrics.Stats().PairMatchCount)

	// Grouping must not change content.
	for _, p := range pairs {
		idx, err := matching.NewBruteForce().Build(rpv.Regions(p.I, feature.TypeSIFT))
		require.NoError(t, err)
		want, err := idx.Match(rpv.Regions(p.J, feature.TypeSIFT), 0.8)
		require.NoError(t, err)
		require.NotEmpty(t, want)
		assert.Equal(t, want, got.Get(p, feature.TypeSIFT), "pair %v", p)
	}
	assert.Len(t, got, 3)
	assert.Equal(t, int64(got.Len()), metrics.Stats().PairMatches)
}

func TestEngine_SkipsEmptyViews(t *testing.T) {
	rpv := scene(t, []feature.ViewID{0, 1}, 40)
	rpv.Add(2, feature.NewRegions(feature.TypeSIFT, 0))

	cm := &countingMatcher{Matcher: matching.NewBruteForce()}
	e, err := New(cm)
	require.NoError(t, err)

	got, err := e.Match(context.Background(), rpv, feature.TypeSIFT, []Pair{{2, 0}, {2, 1}, {0, 2}, {0, 7}, {0, 1}})
	require.NoError(t, err)

	// Only (0,1) reaches the matcher.
	assert.Equal(t, int64(1), cm.builds.Load())
	assert.Equal(t, int64(1), cm.matches.Load())
	assert.Len(t, got, 1)
	assert.NotEmpty(t, got.Get(Pair{0, 1}, feature.TypeSIFT))
}

func TestEngine_SkipsOtherDescriptorTypes(t *testing.T) {
	rpv := scene(t, []feature.ViewID{0, 1}, 20)
	cm := &countingMatcher{Matcher: matching.NewBruteForce()}
	e, err := New(cm)
	require.NoError(t, err)

	got, err := e.Match(context.Background(), rpv, feature.TypeAKAZE, []Pair{{0, 1}})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, cm.builds.Load())
}

func TestEngine_SequentialWhenIndexIsNotConcurrentSafe(t *testing.T) {
	views := []feature.ViewID{0, 1, 2, 3}
	rpv := scene(t, views, 40)

	serial := &countingMatcher{Matcher: matching.NewBruteForce(), serial: true}
	parallel := &countingMatcher{Matcher: matching.NewBruteForce()}

	es, err := New(serial, func(o *Options) { o.Workers = 8 })
	require.NoError(t, err)
	ep, err := New(parallel, func(o *Options) {
		o.Workers = 8
		o.Resources = resource.NewController(resource.Config{MaxWorkers: 2, MemoryLimitBytes: 1 << 20})
	})
	require.NoError(t, err)

	pairs := ExhaustivePairs(views)
	a, err := es.Match(context.Background(), rpv, feature.TypeSIFT, pairs)
	require.NoError(t, err)
	b, err := ep.Match(context.Background(), rpv, feature.TypeSIFT, pairs)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, int64(3), serial.builds.Load())
	assert.Equal(t, int64(6), serial.matches.Load())
}

func TestEngine_Canceled(t *testing.T) {
	rpv := scene(t, []feature.ViewID{0, 1}, 20)
	e, err := New(matching.NewBruteForce())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Match(ctx, rpv, feature.TypeSIFT, []Pair{{0, 1}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(matching.NewBruteForce(), func(o *Options) { o.Ratio = 1.5 })
	assert.ErrorIs(t, err, matching.ErrInvalidRatio)
}

func TestPairGenerators(t *testing.T) {
	views := []feature.ViewID{3, 1, 2, 1}

	assert.Equal(t, []Pair{{1, 2}, {1, 3}, {2, 3}}, ExhaustivePairs(views))
	assert.Empty(t, ExhaustivePairs(nil))

	assert.Equal(t, []Pair{{1, 2}, {2, 3}}, ContiguousPairs(views, 1))
	assert.Equal(t, []Pair{{1, 2}, {1, 3}, {2, 3}}, ContiguousPairs(views, 5))
	assert.Empty(t, ContiguousPairs(views, 0))
}

func TestGroupByFirst(t *testing.T) {
	groups := groupByFirst([]Pair{{2, 0}, {0, 1}, {0, 2}, {0, 1}, {1, 2}})
	require.Len(t, groups, 3)
	assert.Equal(t, feature.ViewID(0), groups[0].first)
	assert.Equal(t, []feature.ViewID{1, 2}, groups[0].others)
	assert.Equal(t, feature.ViewID(1), groups[1].first)
	assert.Equal(t, feature.ViewID(2), groups[2].first)
}
