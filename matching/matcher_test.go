package matching

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vislocate/feature"
)

func randomRegions(t *testing.T, rng *rand.Rand, n int) *feature.Regions {
	t.Helper()
	r := feature.NewRegions(feature.TypeSIFT, n)
	for i := 0; i < n; i++ {
		d := make(feature.Descriptor, feature.TypeSIFT.Dimension())
		for k := range d {
			d[k] = uint8(rng.IntN(256))
		}
		require.NoError(t, r.Append(feature.Keypoint{X: float32(i), Y: float32(i)}, d))
	}
	return r
}

// perturbed returns the descriptors of ref at indices, each value moved by
// at most noise.
func perturbed(t *testing.T, rng *rand.Rand, ref *feature.Regions, indices []int, noise int) *feature.Regions {
	t.Helper()
	out := feature.NewRegions(ref.Type(), len(indices))
	for _, i := range indices {
		src := ref.Descriptor(i)
		d := make(feature.Descriptor, len(src))
		for k, v := range src {
			x := int(v) + rng.IntN(2*noise+1) - noise
			d[k] = uint8(min(max(x, 0), 255))
		}
		require.NoError(t, out.Append(ref.Keypoint(i), d))
	}
	return out
}

func allMatchers(t *testing.T) []Matcher {
	t.Helper()
	kd, err := NewKDTree()
	require.NoError(t, err)
	approx, err := NewKDTree(func(o *KDTreeOptions) { o.MaxChecks = 32 })
	require.NoError(t, err)
	ch, err := NewCascadeHashing()
	require.NoError(t, err)
	return []Matcher{NewBruteForce(), kd, approx, ch}
}

func TestRatioTest(t *testing.T) {
	assert.False(t, RatioTest(10, 11, 0.8))
	assert.True(t, RatioTest(10, 20, 0.8))
	assert.False(t, RatioTest(10, 10, 1))

	// Accepted at some ratio implies accepted at every larger ratio.
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 1000; i++ {
		d1 := rng.Float32() * 100
		d2 := d1 + rng.Float32()*100
		r1 := rng.Float32()
		r2 := r1 + (1-r1)*rng.Float32()
		if RatioTest(d1, d2, r1) {
			assert.True(t, RatioTest(d1, d2, r2), "d1=%v d2=%v r1=%v r2=%v", d1, d2, r1, r2)
		}
	}
}

func TestNeighboursAcceptMatchesRatioTest(t *testing.T) {
	tests := []struct {
		d1, d2 float32
		ratio  float32
	}{
		{10, 11, 0.8},
		{10, 20, 0.8},
		{3, 4, 0.75},
		{0, 5, 0.5},
	}
	for _, tt := range tests {
		nb := newNeighbours()
		nb.offer(0, tt.d1*tt.d1)
		nb.offer(1, tt.d2*tt.d2)
		assert.Equal(t, RatioTest(tt.d1, tt.d2, tt.ratio), nb.accept(tt.ratio), "%+v", tt)
	}
}

func TestValidateRatio(t *testing.T) {
	for _, r := range []float32{0, -0.5, 1.01, float32(math.NaN())} {
		assert.ErrorIs(t, ValidateRatio(r), ErrInvalidRatio, "ratio %v", r)
	}
	for _, r := range []float32{0.1, 0.8, 1} {
		assert.NoError(t, ValidateRatio(r))
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{TypeBruteForce, TypeKDTree, TypeCascadeHashing} {
		got, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)

		m, err := New(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, m.Type())
	}

	_, err := ParseType("nope")
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = New(Type(42))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestMatchersRecoverPerturbedDescriptors(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	ref := randomRegions(t, rng, 400)

	indices := make([]int, 0, 100)
	for i := 0; i < 400; i += 4 {
		indices = append(indices, i)
	}
	query := perturbed(t, rng, ref, indices, 3)

	for _, m := range allMatchers(t) {
		t.Run(m.Type().String(), func(t *testing.T) {
			idx, err := m.Build(ref)
			require.NoError(t, err)
			assert.True(t, idx.ConcurrentSafe())

			matches, err := idx.Match(query, 0.8)
			require.NoError(t, err)

			correct := 0
			for _, mt := range matches {
				if int(mt.I) == indices[mt.J] {
					correct++
				}
			}
			if m.Type() == TypeBruteForce {
				assert.Len(t, matches, len(indices))
				assert.Equal(t, len(indices), correct)
			} else {
				assert.GreaterOrEqual(t, correct, len(indices)*9/10)
			}

			for i := 1; i < len(matches); i++ {
				assert.Less(t, matches[i-1].J, matches[i].J)
			}
		})
	}
}

func TestExactMatchersAgree(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 3))
	ref := randomRegions(t, rng, 300)
	query := randomRegions(t, rng, 200)

	bfIdx, err := NewBruteForce(func(o *BruteForceOptions) { o.BlockSize = 17 }).Build(ref)
	require.NoError(t, err)
	kd, err := NewKDTree(func(o *KDTreeOptions) { o.LeafSize = 4 })
	require.NoError(t, err)
	kdIdx, err := kd.Build(ref)
	require.NoError(t, err)

	for _, ratio := range []float32{0.9, 0.95, 1} {
		want, err := bfIdx.Match(query, ratio)
		require.NoError(t, err)
		got, err := kdIdx.Match(query, ratio)
		require.NoError(t, err)
		assert.Equal(t, want, got, "ratio %v", ratio)
	}
}

func TestRatioMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 9))
	ref := randomRegions(t, rng, 200)
	query := perturbed(t, rng, ref, []int{0, 10, 20, 30, 40, 50}, 60)
	query2 := randomRegions(t, rng, 50)
	for i := 0; i < query2.Count(); i++ {
		require.NoError(t, query.Append(query2.Keypoint(i), query2.Descriptor(i)))
	}

	for _, m := range allMatchers(t) {
		t.Run(m.Type().String(), func(t *testing.T) {
			idx, err := m.Build(ref)
			require.NoError(t, err)

			var prev map[IndMatch]struct{}
			for _, ratio := range []float32{0.3, 0.6, 0.8, 0.9, 1} {
				matches, err := idx.Match(query, ratio)
				require.NoError(t, err)
				cur := make(map[IndMatch]struct{}, len(matches))
				for _, mt := range matches {
					cur[mt] = struct{}{}
				}
				for mt := range prev {
					assert.Contains(t, cur, mt, "ratio %v lost %+v", ratio, mt)
				}
				prev = cur
			}
		})
	}
}

func TestSingleReferenceDescriptorIsAccepted(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	ref := randomRegions(t, rng, 1)
	query := randomRegions(t, rng, 5)

	for _, m := range allMatchers(t) {
		idx, err := m.Build(ref)
		require.NoError(t, err)
		matches, err := idx.Match(query, 0.5)
		require.NoError(t, err)
		assert.Len(t, matches, 5, m.Type().String())
		for _, mt := range matches {
			assert.Equal(t, uint32(0), mt.I)
		}
	}
}

func TestMatchErrorsAndEmptyInputs(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 1))
	ref := randomRegions(t, rng, 20)
	empty := feature.NewRegions(feature.TypeSIFT, 0)

	akaze := feature.NewRegions(feature.TypeAKAZE, 1)
	require.NoError(t, akaze.Append(feature.Keypoint{}, make(feature.Descriptor, feature.TypeAKAZE.Dimension())))

	for _, m := range allMatchers(t) {
		idx, err := m.Build(ref)
		require.NoError(t, err)

		_, err = idx.Match(ref, 0)
		assert.ErrorIs(t, err, ErrInvalidRatio)

		_, err = idx.Match(akaze, 0.8)
		var dimErr *ErrDimensionMismatch
		assert.ErrorAs(t, err, &dimErr)

		matches, err := idx.Match(empty, 0.8)
		require.NoError(t, err)
		assert.Empty(t, matches)

		emptyIdx, err := m.Build(empty)
		require.NoError(t, err)
		matches, err = emptyIdx.Match(ref, 0.8)
		require.NoError(t, err)
		assert.Empty(t, matches)
	}
}

func TestMatcherOptionsValidation(t *testing.T) {
	_, err := NewKDTree(func(o *KDTreeOptions) { o.LeafSize = 0 })
	assert.Error(t, err)
	_, err = NewCascadeHashing(func(o *CascadeHashingOptions) { o.CodeBits = 100 })
	assert.ErrorIs(t, err, ErrInvalidHashingOptions)
	_, err = NewCascadeHashing(func(o *CascadeHashingOptions) { o.NumCandidates = 1 })
	assert.ErrorIs(t, err, ErrInvalidHashingOptions)
}
