package feature

import (
	"bytes"
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descriptorOf(t Type, v uint8) Descriptor {
	d := make(Descriptor, t.Dimension())
	for i := range d {
		d[i] = v
	}
	return d
}

func TestRegions_Append(t *testing.T) {
	r := NewRegions(TypeSIFT, 2)
	require.NoError(t, r.Append(Keypoint{X: 1, Y: 2}, descriptorOf(TypeSIFT, 3)))
	require.NoError(t, r.Append(Keypoint{X: 4, Y: 5}, descriptorOf(TypeSIFT, 6)))

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, 128, r.Dimension())
	assert.Equal(t, float32(4), r.Keypoint(1).X)
	assert.Equal(t, uint8(6), r.Descriptor(1)[127])

	err := r.Append(Keypoint{}, make(Descriptor, 10))
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, 2, r.Count())
}

func TestRegions_Float32sInvalidatedByAppend(t *testing.T) {
	r := NewRegions(TypeAKAZE, 0)
	require.NoError(t, r.Append(Keypoint{}, descriptorOf(TypeAKAZE, 7)))
	f := r.Float32s()
	assert.Len(t, f, 64)
	assert.Equal(t, float32(7), f[0])

	require.NoError(t, r.Append(Keypoint{}, descriptorOf(TypeAKAZE, 9)))
	f = r.Float32s()
	assert.Len(t, f, 128)
	assert.Equal(t, float32(9), f[64])
}

func TestRegions_NilCount(t *testing.T) {
	var r *Regions
	assert.Equal(t, 0, r.Count())
}

func TestRegionsPerView(t *testing.T) {
	rpv := NewRegionsPerView()
	sift := NewRegions(TypeSIFT, 0)
	rpv.Add(3, sift)
	rpv.Add(1, NewRegions(TypeAKAZE, 0))

	assert.Same(t, sift, rpv.Regions(3, TypeSIFT))
	assert.Nil(t, rpv.Regions(3, TypeAKAZE))
	assert.Nil(t, rpv.Regions(7, TypeSIFT))
	assert.Equal(t, []ViewID{1, 3}, rpv.Views())
	assert.True(t, rpv.Has(1))
	assert.Equal(t, 2, rpv.Len())
}

func TestRootNormalize(t *testing.T) {
	d := RootNormalize([]float32{1, 0, 3, 0})
	// 512*sqrt(1/4) = 256 -> clamped, 512*sqrt(3/4) = 443 -> clamped
	assert.Equal(t, Descriptor{255, 0, 255, 0}, d)

	raw := make([]float32, 128)
	for i := range raw {
		raw[i] = 1
	}
	d = RootNormalize(raw)
	// 512*sqrt(1/128) = 45.25
	assert.Equal(t, uint8(45), d[0])

	assert.Equal(t, Descriptor{0, 0}, RootNormalize([]float32{0, 0}))
}

func TestKeypointsAndDescriptorsIO(t *testing.T) {
	r := NewRegions(TypeAKAZE, 0)
	require.NoError(t, r.Append(Keypoint{X: 1.5, Y: 2, Scale: 3, Orientation: 0.25}, descriptorOf(TypeAKAZE, 1)))
	require.NoError(t, r.Append(Keypoint{X: 10, Y: 20, Scale: 1, Orientation: -1}, descriptorOf(TypeAKAZE, 2)))

	var kb, db bytes.Buffer
	require.NoError(t, WriteKeypoints(&kb, r.Keypoints()))
	require.NoError(t, WriteDescriptors(&db, r))

	kps, err := ReadKeypoints(&kb)
	require.NoError(t, err)
	desc, err := ReadDescriptors(&db, TypeAKAZE.Dimension())
	require.NoError(t, err)

	got, err := Assemble(TypeAKAZE, kps, desc)
	require.NoError(t, err)
	assert.Equal(t, r.Keypoints(), got.Keypoints())
	assert.Equal(t, r.RawDescriptors(), got.RawDescriptors())

	_, err = Assemble(TypeAKAZE, kps, desc[:10])
	assert.ErrorIs(t, err, ErrInvariant)

	_, err = ReadKeypoints(bytes.NewBufferString("1 2 3\n"))
	assert.Error(t, err)
}

type stubDescriber struct{ r *Regions }

func (s stubDescriber) Type() Type { return s.r.Type() }

func (s stubDescriber) Describe(context.Context, *image.Gray, *image.Gray) (*Regions, error) {
	return s.r, nil
}

func TestGridFilter(t *testing.T) {
	r := NewRegions(TypeAKAZE, 0)
	// Five keypoints in the top-left cell, one in the bottom-right cell.
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Append(Keypoint{X: 1, Y: 1, Scale: float32(i + 1)}, descriptorOf(TypeAKAZE, uint8(i))))
	}
	require.NoError(t, r.Append(Keypoint{X: 99, Y: 99, Scale: 0.5}, descriptorOf(TypeAKAZE, 50)))

	g := &GridFilter{Describer: stubDescriber{r}, GridSize: 2, MaxTotal: 4}
	out, err := g.Describe(context.Background(), image.NewGray(image.Rect(0, 0, 100, 100)), nil)
	require.NoError(t, err)
	require.Equal(t, 4, out.Count())

	// perCell = 1: the largest top-left keypoint, the bottom-right one,
	// then the strongest rejected ones.
	assert.Equal(t, float32(5), out.Keypoint(0).Scale)
	assert.Equal(t, float32(0.5), out.Keypoint(1).Scale)
	assert.Equal(t, float32(4), out.Keypoint(2).Scale)
	assert.Equal(t, float32(3), out.Keypoint(3).Scale)
	assert.Equal(t, uint8(4), out.Descriptor(0)[0])
}

type emptyDescriber struct{}

func (emptyDescriber) Type() Type { return TypeSIFT }

func (emptyDescriber) Describe(context.Context, *image.Gray, *image.Gray) (*Regions, error) {
	return nil, nil
}

func TestGridFilter_NoRegions(t *testing.T) {
	g := &GridFilter{Describer: emptyDescriber{}, GridSize: 2, MaxTotal: 4}
	out, err := g.Describe(context.Background(), image.NewGray(image.Rect(0, 0, 100, 100)), nil)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, TypeSIFT, out.Type())
	assert.Zero(t, out.Count())
}

func TestGridFilter_UnderBudgetSortsOnly(t *testing.T) {
	r := NewRegions(TypeAKAZE, 0)
	require.NoError(t, r.Append(Keypoint{Scale: 1}, descriptorOf(TypeAKAZE, 1)))
	require.NoError(t, r.Append(Keypoint{Scale: 2}, descriptorOf(TypeAKAZE, 2)))

	g := &GridFilter{GridSize: 4, MaxTotal: 10}
	out, err := g.Filter(r, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, float32(2), out.Keypoint(0).Scale)
	assert.Equal(t, 2, out.Count())
}

func TestType(t *testing.T) {
	assert.Equal(t, "SIFT", TypeSIFT.String())
	assert.Equal(t, 0, TypeUnknown.Dimension())
	typ, err := ParseType("akaze")
	require.NoError(t, err)
	assert.Equal(t, TypeAKAZE, typ)
	_, err = ParseType("orb")
	assert.Error(t, err)
	assert.Equal(t, 10000, PresetNormal.Params().MaxTotalKeypoints)
}

func TestParsePreset(t *testing.T) {
	for _, p := range []Preset{PresetLow, PresetMedium, PresetNormal, PresetHigh, PresetUltra} {
		got, err := ParsePreset(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParsePreset("")
	require.NoError(t, err)
	assert.Equal(t, PresetNormal, got)
	_, err = ParsePreset("extreme")
	assert.Error(t, err)
}
