package matching

import (
	"errors"
	"math/bits"
	"math/rand/v2"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/vislocate/distance"
	"github.com/hupe1980/vislocate/feature"
)

// Compile time check to ensure CascadeHashing satisfies the Matcher interface.
var _ Matcher = (*CascadeHashing)(nil)

// CascadeHashingOptions configures the hashed matcher.
type CascadeHashingOptions struct {
	// NumBucketGroups is the number of independent hash tables.
	NumBucketGroups int
	// NumBucketBits is the number of hyperplanes per table (key width).
	// Zero derives it from the number of reference descriptors so that
	// buckets hold a handful of descriptors each.
	NumBucketBits int
	// CodeBits is the length of the binary code used to rank candidates.
	// Must be a positive multiple of 64.
	CodeBits int
	// NumCandidates is the number of Hamming-nearest candidates whose exact
	// distance is computed.
	NumCandidates int
	// Seed drives the random hyperplanes.
	Seed uint64
}

// DefaultCascadeHashingOptions contains the default options for CascadeHashing.
var DefaultCascadeHashingOptions = CascadeHashingOptions{
	NumBucketGroups: 6,
	NumBucketBits:   0,
	CodeBits:        128,
	NumCandidates:   10,
	Seed:            42,
}

// ErrInvalidHashingOptions is returned for inconsistent CascadeHashingOptions.
var ErrInvalidHashingOptions = errors.New("matching: invalid cascade hashing options")

// CascadeHashing is the approximate matcher: candidates are found through
// multi-table hyperplane hashing, ranked by binary code Hamming distance,
// and only the best few are compared exactly.
type CascadeHashing struct {
	opts CascadeHashingOptions
}

// NewCascadeHashing creates a hashed matcher.
func NewCascadeHashing(optFns ...func(o *CascadeHashingOptions)) (*CascadeHashing, error) {
	opts := DefaultCascadeHashingOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.NumBucketGroups <= 0 || opts.NumBucketBits < 0 || opts.NumBucketBits > 32 ||
		opts.CodeBits <= 0 || opts.CodeBits%64 != 0 || opts.NumCandidates < 2 {
		return nil, ErrInvalidHashingOptions
	}
	return &CascadeHashing{opts: opts}, nil
}

// Type implements Matcher.
func (m *CascadeHashing) Type() Type { return TypeCascadeHashing }

// Build implements Matcher.
func (m *CascadeHashing) Build(ref *feature.Regions) (Index, error) {
	dim := ref.Dimension()
	n := ref.Count()
	data := ref.Float32s()

	opts := m.opts
	if opts.NumBucketBits == 0 {
		opts.NumBucketBits = autoBucketBits(n)
	}

	idx := &cascadeIndex{
		ref:  ref,
		dim:  dim,
		data: data,
		opts: opts,
		mean: make([]float32, dim),
	}

	if n > 0 {
		for i := 0; i < n; i++ {
			for d, v := range data[i*dim : (i+1)*dim] {
				idx.mean[d] += v
			}
		}
		for d := range idx.mean {
			idx.mean[d] /= float32(n)
		}
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	idx.codePlanes = gaussianPlanes(rng, opts.CodeBits, dim)
	idx.bucketPlanes = gaussianPlanes(rng, opts.NumBucketGroups*opts.NumBucketBits, dim)

	words := opts.CodeBits / 64
	idx.codes = make([]uint64, n*words)
	idx.buckets = make([]map[uint32][]uint32, opts.NumBucketGroups)
	for g := range idx.buckets {
		idx.buckets[g] = make(map[uint32][]uint32)
	}

	centred := make([]float32, dim)
	keys := make([]uint32, opts.NumBucketGroups)
	for i := 0; i < n; i++ {
		idx.centre(data[i*dim:(i+1)*dim], centred)
		idx.encode(centred, idx.codes[i*words:(i+1)*words])
		idx.hash(centred, keys)
		for g, k := range keys {
			idx.buckets[g][k] = append(idx.buckets[g][k], uint32(i))
		}
	}
	return idx, nil
}

// autoBucketBits targets about eight reference descriptors per bucket.
func autoBucketBits(n int) int {
	b := bits.Len(uint(n)) - 3
	return min(max(b, 4), 12)
}

func gaussianPlanes(rng *rand.Rand, rows, dim int) []float32 {
	planes := make([]float32, rows*dim)
	for i := range planes {
		planes[i] = float32(rng.NormFloat64())
	}
	return planes
}

type cascadeIndex struct {
	ref          *feature.Regions
	dim          int
	data         []float32
	opts         CascadeHashingOptions
	mean         []float32
	codePlanes   []float32
	bucketPlanes []float32
	codes        []uint64
	buckets      []map[uint32][]uint32
}

func (c *cascadeIndex) centre(v, dst []float32) {
	for d := range dst {
		dst[d] = v[d] - c.mean[d]
	}
}

func (c *cascadeIndex) encode(centred []float32, dst []uint64) {
	clear(dst)
	for b := 0; b < c.opts.CodeBits; b++ {
		if dot(c.codePlanes[b*c.dim:(b+1)*c.dim], centred) > 0 {
			dst[b/64] |= 1 << (b % 64)
		}
	}
}

func (c *cascadeIndex) hash(centred []float32, dst []uint32) {
	nbits := c.opts.NumBucketBits
	for g := range dst {
		var key uint32
		for b := 0; b < nbits; b++ {
			row := (g*nbits + b) * c.dim
			if dot(c.bucketPlanes[row:row+c.dim], centred) > 0 {
				key |= 1 << b
			}
		}
		dst[g] = key
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func (c *cascadeIndex) ConcurrentSafe() bool { return true }

func (c *cascadeIndex) Match(query *feature.Regions, ratio float32) ([]IndMatch, error) {
	if err := checkQuery(c.ref, query, ratio); err != nil {
		return nil, err
	}
	nr := c.ref.Count()
	if nr == 0 || query.Count() == 0 {
		return nil, nil
	}

	dim := c.dim
	words := c.opts.CodeBits / 64
	queries := query.Float32s()

	centred := make([]float32, dim)
	code := make([]uint64, words)
	keys := make([]uint32, c.opts.NumBucketGroups)
	seen := bitset.New(uint(nr))
	candidates := make([]uint32, 0, 64)
	ranked := make([][]uint32, c.opts.CodeBits+1)

	var matches []IndMatch
	for j := 0; j < query.Count(); j++ {
		q := queries[j*dim : (j+1)*dim]

		candidates = candidates[:0]
		if nr == 1 {
			candidates = append(candidates, 0)
		} else {
			c.centre(q, centred)
			c.hash(centred, keys)
			seen.ClearAll()
			for g, k := range keys {
				for _, i := range c.buckets[g][k] {
					if !seen.Test(uint(i)) {
						seen.Set(uint(i))
						candidates = append(candidates, i)
					}
				}
			}
			if len(candidates) < 2 {
				continue
			}
			if len(candidates) > c.opts.NumCandidates {
				c.encode(centred, code)
				candidates = c.closestCodes(code, candidates, ranked)
			}
		}

		nb := newNeighbours()
		for _, i := range candidates {
			nb.offer(int(i), distance.SquaredL2(q, c.data[int(i)*dim:(int(i)+1)*dim]))
		}
		if nb.accept(ratio) {
			matches = append(matches, IndMatch{I: uint32(nb.bestIdx), J: uint32(j)})
		}
	}
	return matches, nil
}

// closestCodes keeps the NumCandidates candidates whose binary codes are
// nearest to code, using a counting sort over Hamming distances.
func (c *cascadeIndex) closestCodes(code []uint64, candidates []uint32, ranked [][]uint32) []uint32 {
	words := len(code)
	for h := range ranked {
		ranked[h] = ranked[h][:0]
	}
	for _, i := range candidates {
		h := distance.Hamming(code, c.codes[int(i)*words:(int(i)+1)*words])
		ranked[h] = append(ranked[h], i)
	}
	out := candidates[:0]
	for _, bucket := range ranked {
		for _, i := range bucket {
			if len(out) == c.opts.NumCandidates {
				return out
			}
			out = append(out, i)
		}
	}
	return out
}
