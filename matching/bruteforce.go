package matching

import (
	"github.com/hupe1980/vislocate/distance"
	"github.com/hupe1980/vislocate/feature"
)

// Compile time check to ensure BruteForce satisfies the Matcher interface.
var _ Matcher = (*BruteForce)(nil)

// BruteForceOptions configures the exhaustive matcher.
type BruteForceOptions struct {
	// BlockSize is the number of query descriptors whose distances to all
	// reference descriptors are computed in one matrix product.
	BlockSize int
}

// DefaultBruteForceOptions contains the default options for BruteForce.
var DefaultBruteForceOptions = BruteForceOptions{
	BlockSize: 256,
}

// BruteForce is the exhaustive matcher. Every query descriptor is compared
// with every reference descriptor.
type BruteForce struct {
	opts BruteForceOptions
}

// NewBruteForce creates an exhaustive matcher.
func NewBruteForce(optFns ...func(o *BruteForceOptions)) *BruteForce {
	opts := DefaultBruteForceOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBruteForceOptions.BlockSize
	}
	return &BruteForce{opts: opts}
}

// Type implements Matcher.
func (m *BruteForce) Type() Type { return TypeBruteForce }

// Build implements Matcher.
func (m *BruteForce) Build(ref *feature.Regions) (Index, error) {
	refs := ref.Float32s()
	return &bruteForceIndex{
		ref:       ref,
		dim:       ref.Dimension(),
		refs:      refs,
		norms:     distance.SquaredNorms(refs, ref.Dimension()),
		blockSize: m.opts.BlockSize,
	}, nil
}

type bruteForceIndex struct {
	ref       *feature.Regions
	dim       int
	refs      []float32
	norms     []float32
	blockSize int
}

func (idx *bruteForceIndex) ConcurrentSafe() bool { return true }

func (idx *bruteForceIndex) Match(query *feature.Regions, ratio float32) ([]IndMatch, error) {
	if err := checkQuery(idx.ref, query, ratio); err != nil {
		return nil, err
	}
	nr := idx.ref.Count()
	nq := query.Count()
	if nr == 0 || nq == 0 {
		return nil, nil
	}

	dim := idx.dim
	queries := query.Float32s()
	qNorms := distance.SquaredNorms(queries, dim)

	block := idx.blockSize
	if block > nq {
		block = nq
	}
	dists := make([]float32, block*nr)

	var matches []IndMatch
	for start := 0; start < nq; start += block {
		end := min(start+block, nq)
		rows := end - start
		distance.PairwiseSquaredL2(dists, queries[start*dim:end*dim], qNorms[start:end], idx.refs, idx.norms, dim)

		for r := 0; r < rows; r++ {
			row := dists[r*nr : (r+1)*nr]
			nb := newNeighbours()
			for j, d := range row {
				nb.offer(j, d)
			}
			// The expanded form loses precision on close pairs; the two
			// survivors are re-scored exactly before the ratio test.
			q := queries[(start+r)*dim : (start+r+1)*dim]
			nb = rescore(nb, q, idx.refs, dim)
			if nb.accept(ratio) {
				matches = append(matches, IndMatch{I: uint32(nb.bestIdx), J: uint32(start + r)})
			}
		}
	}
	return matches, nil
}

// rescore recomputes the distances of the kept neighbours directly and
// restores their order.
func rescore(nb neighbours, q, refs []float32, dim int) neighbours {
	out := newNeighbours()
	if nb.bestIdx >= 0 {
		out.offer(nb.bestIdx, distance.SquaredL2(q, refs[nb.bestIdx*dim:(nb.bestIdx+1)*dim]))
	}
	if nb.secondIdx >= 0 {
		out.offer(nb.secondIdx, distance.SquaredL2(q, refs[nb.secondIdx*dim:(nb.secondIdx+1)*dim]))
	}
	return out
}
