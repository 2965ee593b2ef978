package matching

import (
	"errors"
	"slices"

	"github.com/hupe1980/vislocate/distance"
	"github.com/hupe1980/vislocate/feature"
	"github.com/hupe1980/vislocate/internal/queue"
)

// Compile time check to ensure KDTree satisfies the Matcher interface.
var _ Matcher = (*KDTree)(nil)

// KDTreeOptions configures the tree matcher.
type KDTreeOptions struct {
	// LeafSize is the maximum number of descriptors stored in a leaf.
	LeafSize int
	// MaxChecks bounds the number of leaves visited per query. Zero means
	// the search is exact.
	MaxChecks int
}

// DefaultKDTreeOptions contains the default options for KDTree.
var DefaultKDTreeOptions = KDTreeOptions{
	LeafSize:  8,
	MaxChecks: 0,
}

// KDTree matches by best-bin-first search in a kd-tree over the reference
// descriptors.
type KDTree struct {
	opts KDTreeOptions
}

// NewKDTree creates a tree matcher.
func NewKDTree(optFns ...func(o *KDTreeOptions)) (*KDTree, error) {
	opts := DefaultKDTreeOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.LeafSize <= 0 {
		return nil, errors.New("matching: kdtree leaf size must be positive")
	}
	if opts.MaxChecks < 0 {
		return nil, errors.New("matching: kdtree max checks must not be negative")
	}
	return &KDTree{opts: opts}, nil
}

// Type implements Matcher.
func (m *KDTree) Type() Type { return TypeKDTree }

// Build implements Matcher.
func (m *KDTree) Build(ref *feature.Regions) (Index, error) {
	n := ref.Count()
	t := &kdIndex{
		ref:       ref,
		dim:       ref.Dimension(),
		data:      ref.Float32s(),
		perm:      make([]uint32, n),
		maxChecks: m.opts.MaxChecks,
	}
	for i := range t.perm {
		t.perm[i] = uint32(i)
	}
	if n > 0 {
		t.build(0, n, m.opts.LeafSize)
	}
	return t, nil
}

type kdNode struct {
	splitDim    int32
	split       float32
	left, right int32 // -1 for leaves
	start, end  int32 // leaf range in perm
}

type kdIndex struct {
	ref       *feature.Regions
	dim       int
	data      []float32
	perm      []uint32
	nodes     []kdNode
	maxChecks int
}

func (t *kdIndex) row(i uint32) []float32 {
	return t.data[int(i)*t.dim : (int(i)+1)*t.dim]
}

// build partitions perm[start:end] and returns the node index.
func (t *kdIndex) build(start, end, leafSize int) int32 {
	id := int32(len(t.nodes))
	t.nodes = append(t.nodes, kdNode{left: -1, right: -1, start: int32(start), end: int32(end)})
	if end-start <= leafSize {
		return id
	}

	dim, variance := t.maxVarianceDim(start, end)
	if variance == 0 {
		return id
	}

	part := t.perm[start:end]
	slices.SortFunc(part, func(a, b uint32) int {
		va, vb := t.data[int(a)*t.dim+dim], t.data[int(b)*t.dim+dim]
		switch {
		case va < vb:
			return -1
		case va > vb:
			return 1
		default:
			return int(a) - int(b)
		}
	})
	mid := start + (end-start)/2
	split := t.data[int(t.perm[mid])*t.dim+dim]

	left := t.build(start, mid, leafSize)
	right := t.build(mid, end, leafSize)
	t.nodes[id] = kdNode{splitDim: int32(dim), split: split, left: left, right: right}
	return id
}

func (t *kdIndex) maxVarianceDim(start, end int) (int, float64) {
	n := float64(end - start)
	best, bestVar := 0, -1.0
	for d := 0; d < t.dim; d++ {
		var sum, sq float64
		for _, p := range t.perm[start:end] {
			v := float64(t.data[int(p)*t.dim+d])
			sum += v
			sq += v * v
		}
		mean := sum / n
		v := sq/n - mean*mean
		if v > bestVar {
			best, bestVar = d, v
		}
	}
	if bestVar < 1e-12 {
		bestVar = 0
	}
	return best, bestVar
}

func (t *kdIndex) ConcurrentSafe() bool { return true }

func (t *kdIndex) Match(query *feature.Regions, ratio float32) ([]IndMatch, error) {
	if err := checkQuery(t.ref, query, ratio); err != nil {
		return nil, err
	}
	if t.ref.Count() == 0 || query.Count() == 0 {
		return nil, nil
	}

	queries := query.Float32s()
	pq := queue.NewMin(64)
	var matches []IndMatch
	for j := 0; j < query.Count(); j++ {
		q := queries[j*t.dim : (j+1)*t.dim]
		nb := t.search(q, pq)
		if nb.accept(ratio) {
			matches = append(matches, IndMatch{I: uint32(nb.bestIdx), J: uint32(j)})
		}
	}
	return matches, nil
}

// search finds the two nearest reference descriptors of q. Queue entries
// carry a lower bound of the squared distance to any descriptor below the
// node: the largest squared split offset seen on the path.
func (t *kdIndex) search(q []float32, pq *queue.PriorityQueue) neighbours {
	pq.Reset()
	pq.Push(queue.Item{Node: 0, Distance: 0})

	nb := newNeighbours()
	checks := 0
	for {
		item, ok := pq.Pop()
		if !ok || item.Distance >= nb.second {
			break
		}
		bound := item.Distance
		node := &t.nodes[item.Node]
		for node.left >= 0 {
			diff := q[node.splitDim] - node.split
			near, far := node.left, node.right
			if diff >= 0 {
				near, far = node.right, node.left
			}
			if fb := max(bound, diff*diff); fb < nb.second {
				pq.Push(queue.Item{Node: uint32(far), Distance: fb})
			}
			node = &t.nodes[near]
		}
		for _, p := range t.perm[node.start:node.end] {
			nb.offer(int(p), distance.SquaredL2(q, t.row(p)))
		}
		checks++
		if t.maxChecks > 0 && checks >= t.maxChecks {
			break
		}
	}
	return nb
}
