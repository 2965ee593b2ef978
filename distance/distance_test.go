package distance

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Identical", []float32{1, 2, 3, 4, 5}, []float32{1, 2, 3, 4, 5}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
		{"Unrolled", []float32{1, 1, 1, 1, 1, 1, 1, 1, 1}, []float32{0, 0, 0, 0, 0, 0, 0, 0, 0}, 9},
		{"Empty", []float32{}, []float32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SquaredL2(tt.a, tt.b)
			assert.InDelta(t, tt.expected, got, 1e-5)
		})
	}
}

func TestSquaredL2Bytes(t *testing.T) {
	assert.Equal(t, uint32(27), SquaredL2Bytes([]uint8{1, 2, 3}, []uint8{4, 5, 6}))
	assert.Equal(t, uint32(255*255), SquaredL2Bytes([]uint8{0}, []uint8{255}))
}

func TestHamming(t *testing.T) {
	assert.Equal(t, 0, Hamming([]uint64{0xFF}, []uint64{0xFF}))
	assert.Equal(t, 16, Hamming([]uint64{0xFF00, 0}, []uint64{0x00FF, 0}))
	assert.Equal(t, 64, Hamming([]uint64{0}, []uint64{^uint64(0)}))
}

func TestPairwiseSquaredL2MatchesScalar(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const dim, nq, nr = 16, 5, 7
	q := make([]float32, nq*dim)
	r := make([]float32, nr*dim)
	for i := range q {
		q[i] = float32(rng.Intn(256))
	}
	for i := range r {
		r[i] = float32(rng.Intn(256))
	}

	dst := make([]float32, nq*nr)
	PairwiseSquaredL2(dst, q, SquaredNorms(q, dim), r, SquaredNorms(r, dim), dim)

	for i := 0; i < nq; i++ {
		for j := 0; j < nr; j++ {
			want := SquaredL2(q[i*dim:(i+1)*dim], r[j*dim:(j+1)*dim])
			assert.InDelta(t, want, dst[i*nr+j], 1.0)
		}
	}
}

func TestMetric(t *testing.T) {
	assert.Equal(t, "L2", MetricL2.String())
	assert.Equal(t, "Hamming", MetricHamming.String())
	assert.Equal(t, "Unknown(99)", Metric(99).String())

	f, err := Provider(MetricL2)
	require.NoError(t, err)
	assert.InDelta(t, float32(27), f([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-5)

	_, err = Provider(MetricHamming)
	assert.Error(t, err)
}
