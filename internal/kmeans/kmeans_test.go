package kmeans

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vislocate/distance"
)

func newRNG() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

func TestTrainKMeans(t *testing.T) {
	ctx := context.Background()
	// 2 clusters: (0,0) and (10,10)
	vecs := []float32{
		0, 0, 0, 1, 1, 0, // near 0,0
		10, 10, 10, 11, 11, 10, // near 10,10
	}

	res, err := TrainKMeans(ctx, vecs, 2, 2, distance.MetricL2, 100, newRNG())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, res.Centroids, 4)
	assert.Len(t, res.Assignments, 6)

	p1, p2 := res.Assignments[0], res.Assignments[3]
	assert.NotEqual(t, p1, p2)

	for i := 0; i < 3; i++ {
		assert.Equal(t, p1, res.Assignments[i])
		assert.Equal(t, p2, res.Assignments[i+3])
	}
}

func TestTrainKMeans_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	vecs := make([]float32, 500*8)
	for i := range vecs {
		vecs[i] = rng.Float32() * 255
	}

	a, err := TrainKMeans(context.Background(), vecs, 8, 5, distance.MetricL2, 20, newRNG())
	require.NoError(t, err)
	b, err := TrainKMeans(context.Background(), vecs, 8, 5, distance.MetricL2, 20, newRNG())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTrainKMeans_IdenticalPoints(t *testing.T) {
	vecs := []float32{3, 3, 3, 3, 3, 3, 3, 3}
	res, err := TrainKMeans(context.Background(), vecs, 2, 2, distance.MetricL2, 10, newRNG())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []float32{3, 3, 3, 3}, res.Centroids)
}

func TestTrainKMeans_NotEnoughVectors(t *testing.T) {
	res, err := TrainKMeans(context.Background(), []float32{0, 0}, 2, 2, distance.MetricL2, 10, newRNG())
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestTrainKMeans_Error(t *testing.T) {
	_, err := TrainKMeans(context.Background(), []float32{0, 0}, 2, 1, distance.Metric(999), 10, newRNG())
	assert.Error(t, err)

	_, err = TrainKMeans(context.Background(), []float32{0, 0, 0}, 2, 1, distance.MetricL2, 10, newRNG())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestTrainKMeans_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vecs := make([]float32, 1000*2)
	for i := range vecs {
		vecs[i] = float32(i)
	}

	_, err := TrainKMeans(ctx, vecs, 2, 10, distance.MetricL2, 1000, newRNG())
	assert.ErrorIs(t, err, context.Canceled)
}
