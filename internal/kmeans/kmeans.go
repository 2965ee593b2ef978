package kmeans

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"

	"github.com/hupe1980/vislocate/distance"
)

// ErrInvalidInput is returned for inconsistent dimensions or cluster counts.
var ErrInvalidInput = errors.New("kmeans: invalid input")

// Result holds trained centroids and the final assignment of each vector.
type Result struct {
	Centroids   []float32 // k * dim, row-major
	Assignments []int
	Iterations  int
}

// TrainKMeans trains k centroids from the given vectors using Lloyd's algorithm
// with k-means++ seeding. All randomness is drawn from rng, so equal inputs
// and equally seeded generators give equal results.
// It returns a nil Result when there are fewer than k vectors.
func TrainKMeans(ctx context.Context, vectors []float32, dim, k int, metric distance.Metric, maxIter int, rng *rand.Rand) (*Result, error) {
	if dim <= 0 || k <= 0 || len(vectors)%dim != 0 {
		return nil, ErrInvalidInput
	}
	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	n := len(vectors) / dim
	if n < k {
		return nil, nil // Not enough vectors to cluster
	}

	centroids := seedPlusPlus(vectors, dim, k, distFunc, rng)

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	counts := make([]int, k)
	sums := make([]float64, k*dim)

	iter := 0
	for ; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		changed := false

		// Assignment step
		for i := 0; i < n; i++ {
			best := nearest(vectors[i*dim:(i+1)*dim], centroids, dim, distFunc)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed {
			break
		}

		// Update step
		clear(sums)
		clear(counts)
		for i := 0; i < n; i++ {
			cluster := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[cluster*dim+d] += float64(vec[d])
			}
			counts[cluster]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float64(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = float32(sums[j*dim+d] * scale)
				}
			} else {
				// Re-initialize empty cluster with a random point
				idx := rng.IntN(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
			}
		}
	}

	// A reseeded empty cluster may still own nothing after the last update.
	for i := 0; i < n; i++ {
		assignments[i] = nearest(vectors[i*dim:(i+1)*dim], centroids, dim, distFunc)
	}

	return &Result{Centroids: centroids, Assignments: assignments, Iterations: iter}, nil
}

// seedPlusPlus picks initial centroids with probability proportional to the
// squared distance to the nearest centroid chosen so far.
func seedPlusPlus(vectors []float32, dim, k int, distFunc distance.Func, rng *rand.Rand) []float32 {
	n := len(vectors) / dim
	centroids := make([]float32, k*dim)

	first := rng.IntN(n)
	copy(centroids[:dim], vectors[first*dim:(first+1)*dim])

	closest := make([]float64, n)
	for i := range closest {
		closest[i] = float64(distFunc(vectors[i*dim:(i+1)*dim], centroids[:dim]))
	}

	for c := 1; c < k; c++ {
		var total float64
		for _, d := range closest {
			total += d
		}

		pick := n - 1
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range closest {
				target -= d
				if target < 0 {
					pick = i
					break
				}
			}
		} else {
			// Every remaining point coincides with a centroid.
			pick = rng.IntN(n)
		}

		center := centroids[c*dim : (c+1)*dim]
		copy(center, vectors[pick*dim:(pick+1)*dim])
		for i := range closest {
			if d := float64(distFunc(vectors[i*dim:(i+1)*dim], center)); d < closest[i] {
				closest[i] = d
			}
		}
	}
	return centroids
}

func nearest(vec, centroids []float32, dim int, distFunc distance.Func) int {
	k := len(centroids) / dim
	best := -1
	minDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		if d := distFunc(vec, centroids[j*dim:(j+1)*dim]); d < minDist {
			minDist = d
			best = j
		}
	}
	return best
}
