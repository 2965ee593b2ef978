package testutil

import (
	"math/rand/v2"
	"sync"

	"github.com/hupe1980/vislocate/feature"
)

// RNG is a seeded random source. It is safe for concurrent use.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed uint64
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed uint64) *RNG {
	return &RNG{rand: rand.New(rand.NewPCG(seed, 0x5eed)), seed: seed}
}

// Seed returns the initial seed.
func (r *RNG) Seed() uint64 {
	return r.seed
}

// IntN returns a pseudo-random number in [0,n).
func (r *RNG) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.IntN(n)
}

// Float64 returns a pseudo-random number in [0,1).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// Uniform returns a pseudo-random number in [lo,hi).
func (r *RNG) Uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*r.Float64()
}

// NormFloat64 returns a standard normal sample.
func (r *RNG) NormFloat64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.NormFloat64()
}

// Descriptor returns a uniformly random descriptor.
func (r *RNG) Descriptor(dim int) feature.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := make(feature.Descriptor, dim)
	for i := range d {
		d[i] = uint8(r.rand.IntN(256))
	}
	return d
}

// Perturb returns a copy of d with every entry moved by at most amount,
// clamped to the uint8 range.
func (r *RNG) Perturb(d feature.Descriptor, amount int) feature.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(feature.Descriptor, len(d))
	for i, v := range d {
		x := int(v)
		if amount > 0 {
			x += r.rand.IntN(2*amount+1) - amount
		}
		out[i] = uint8(min(max(x, 0), 255))
	}
	return out
}

// Regions returns n random regions of type t inside a width×height image.
func (r *RNG) Regions(t feature.Type, n int, width, height float64) *feature.Regions {
	out := feature.NewRegions(t, n)
	for i := 0; i < n; i++ {
		kp := feature.Keypoint{
			X:     float32(r.Uniform(0, width)),
			Y:     float32(r.Uniform(0, height)),
			Scale: float32(r.Uniform(1, 8)),
		}
		// Append only fails for a mismatched length, which cannot happen here.
		_ = out.Append(kp, r.Descriptor(t.Dimension()))
	}
	return out
}
