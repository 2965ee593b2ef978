package voctree

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vislocate/distance"
	"github.com/hupe1980/vislocate/feature"
	"github.com/hupe1980/vislocate/internal/kmeans"
)

var (
	// ErrInvalidOptions is returned for unusable tree parameters.
	ErrInvalidOptions = errors.New("voctree: invalid options")

	// ErrNotEnoughData is returned when there are fewer training descriptors
	// than the branching factor.
	ErrNotEnoughData = errors.New("voctree: not enough training descriptors")
)

// ErrDimensionMismatch indicates a descriptor of the wrong length.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("voctree: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Word is a visual word id in [0, b^d).
type Word uint32

// maxWords bounds b^d so that every word fits a Word.
const maxWords = math.MaxUint32

// Options configures tree training.
type Options struct {
	// Branching is the number of children per node (k of each k-means).
	Branching int
	// Depth is the number of levels below the root.
	Depth int
	// MaxIterations bounds the Lloyd iterations of each k-means.
	MaxIterations int
	// Seed makes training deterministic.
	Seed uint64
	// Workers bounds the number of subtrees trained concurrently.
	Workers int
	// Logger receives progress output. Nil disables logging.
	Logger *slog.Logger
}

// DefaultOptions contains the default training options.
var DefaultOptions = Options{
	Branching:     10,
	Depth:         6,
	MaxIterations: 20,
	Seed:          42,
	Workers:       runtime.GOMAXPROCS(0),
}

// Tree is a trained vocabulary tree.
type Tree struct {
	branching int
	depth     int
	dim       int

	levelOffset []int   // first node of each level, levelOffset[0] == 0 for level 1
	rows        []int32 // node -> row in centers, -1 when invalid
	centers     []float32
}

func validateShape(branching, depth int) error {
	if branching < 2 {
		return fmt.Errorf("%w: branching must be at least 2, got %d", ErrInvalidOptions, branching)
	}
	if depth < 1 {
		return fmt.Errorf("%w: depth must be at least 1, got %d", ErrInvalidOptions, depth)
	}
	words := 1.0
	for i := 0; i < depth; i++ {
		words *= float64(branching)
	}
	if words > maxWords {
		return fmt.Errorf("%w: %d^%d words exceed the word range", ErrInvalidOptions, branching, depth)
	}
	return nil
}

func newTree(branching, depth, dim int) *Tree {
	t := &Tree{
		branching:   branching,
		depth:       depth,
		dim:         dim,
		levelOffset: make([]int, depth),
	}
	nodes, width := 0, 1
	for l := 0; l < depth; l++ {
		width *= branching
		t.levelOffset[l] = nodes
		nodes += width
	}
	t.rows = make([]int32, nodes)
	for i := range t.rows {
		t.rows[i] = -1
	}
	return t
}

// node returns the layout index of the node at level (1-based) with the given prefix.
func (t *Tree) node(level, prefix int) int {
	return t.levelOffset[level-1] + prefix
}

func (t *Tree) center(node int) []float32 {
	r := int(t.rows[node])
	return t.centers[r*t.dim : (r+1)*t.dim]
}

// Branching returns the branching factor.
func (t *Tree) Branching() int { return t.branching }

// Depth returns the number of levels below the root.
func (t *Tree) Depth() int { return t.depth }

// Dimension returns the descriptor length the tree was trained on.
func (t *Tree) Dimension() int { return t.dim }

// Words returns the size of the word space, b^d.
func (t *Tree) Words() int {
	n := 1
	for i := 0; i < t.depth; i++ {
		n *= t.branching
	}
	return n
}

// ValidNodes returns the number of nodes with a trained center.
func (t *Tree) ValidNodes() int {
	return len(t.centers) / t.dim
}

// Build trains a tree on vectors, a flat row-major matrix with dim columns.
func Build(ctx context.Context, vectors []float32, dim int, optFns ...func(o *Options)) (*Tree, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := validateShape(opts.Branching, opts.Depth); err != nil {
		return nil, err
	}
	if dim <= 0 || len(vectors)%dim != 0 {
		return nil, fmt.Errorf("%w: %d values do not form rows of %d", ErrInvalidOptions, len(vectors), dim)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions.MaxIterations
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	n := len(vectors) / dim
	if n < opts.Branching {
		return nil, fmt.Errorf("%w: %d < branching %d", ErrNotEnoughData, n, opts.Branching)
	}

	start := time.Now()
	b := &builder{
		tree:    newTree(opts.Branching, opts.Depth, dim),
		opts:    opts,
		vectors: vectors,
		local:   make([][]nodeCenter, opts.Branching),
	}

	all := make([]int32, n)
	for i := range all {
		all[i] = int32(i)
	}

	// The root split runs alone, its subtrees run concurrently. Each subtree
	// writes only its own nodes and collects its centers locally.
	rootMembers, rootCenters, err := b.cluster(ctx, 0, 0, all)
	if err != nil {
		return nil, err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.Workers)
	for c := 0; c < opts.Branching; c++ {
		b.local[c] = append(b.local[c], nodeCenter{node: b.tree.node(1, c), center: rootCenters[c*dim : (c+1)*dim]})
		members := rootMembers[c]
		eg.Go(func() error {
			return b.grow(egCtx, 1, c, members, &b.local[c])
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	b.assemble()

	logger.Info("vocabulary tree built",
		slog.Int("descriptors", n),
		slog.Int("branching", opts.Branching),
		slog.Int("depth", opts.Depth),
		slog.Int("valid_nodes", b.tree.ValidNodes()),
		slog.Duration("duration", time.Since(start)),
	)
	return b.tree, nil
}

// BuildFromRegions trains a tree on the descriptors of all regions.
// The regions must share one descriptor type.
func BuildFromRegions(ctx context.Context, regions []*feature.Regions, optFns ...func(o *Options)) (*Tree, error) {
	dim := 0
	total := 0
	for _, r := range regions {
		if r.Count() == 0 {
			continue
		}
		if dim == 0 {
			dim = r.Dimension()
		} else if r.Dimension() != dim {
			return nil, &ErrDimensionMismatch{Expected: dim, Actual: r.Dimension()}
		}
		total += r.Count() * dim
	}
	if dim == 0 {
		return nil, ErrNotEnoughData
	}
	vectors := make([]float32, 0, total)
	for _, r := range regions {
		if r.Count() > 0 {
			vectors = append(vectors, r.Float32s()...)
		}
	}
	return Build(ctx, vectors, dim, optFns...)
}

type nodeCenter struct {
	node   int
	center []float32
}

type builder struct {
	tree    *Tree
	opts    Options
	vectors []float32
	// local holds the trained nodes of each root child's subtree.
	local [][]nodeCenter
}

// cluster runs k-means on the members of the node at (level, prefix) and
// returns the members and center of each child. Each node draws from its
// own generator so results do not depend on scheduling.
func (b *builder) cluster(ctx context.Context, level, prefix int, members []int32) ([][]int32, []float32, error) {
	dim := b.tree.dim
	k := b.opts.Branching

	data := make([]float32, len(members)*dim)
	for i, m := range members {
		copy(data[i*dim:(i+1)*dim], b.vectors[int(m)*dim:(int(m)+1)*dim])
	}

	res, err := kmeans.TrainKMeans(ctx, data, dim, k, distance.MetricL2, b.opts.MaxIterations, b.rng(level, prefix))
	if err != nil {
		return nil, nil, err
	}

	children := make([][]int32, k)
	for i, c := range res.Assignments {
		children[c] = append(children[c], members[i])
	}
	return children, res.Centroids, nil
}

func (b *builder) rng(level, prefix int) *rand.Rand {
	h := fnv.New64a()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(level))
	binary.LittleEndian.PutUint64(buf[8:], uint64(prefix))
	_, _ = h.Write(buf[:])
	return rand.New(rand.NewPCG(b.opts.Seed, h.Sum64()))
}

// grow expands the node at (level, prefix) whose center is already set.
func (b *builder) grow(ctx context.Context, level, prefix int, members []int32, out *[]nodeCenter) error {
	if level == b.opts.Depth || len(members) < b.opts.Branching {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	children, centers, err := b.cluster(ctx, level, prefix, members)
	if err != nil {
		return err
	}
	dim := b.tree.dim
	for c := 0; c < b.opts.Branching; c++ {
		child := prefix*b.opts.Branching + c
		*out = append(*out, nodeCenter{node: b.tree.node(level+1, child), center: centers[c*dim : (c+1)*dim]})
		if err := b.grow(ctx, level+1, child, children[c], out); err != nil {
			return err
		}
	}
	return nil
}

// assemble moves the collected centers into layout order, so rows follow
// node order and serialization is canonical.
func (b *builder) assemble() {
	t := b.tree
	byNode := make(map[int][]float32)
	for _, l := range b.local {
		for _, nc := range l {
			byNode[nc.node] = nc.center
		}
	}
	t.centers = make([]float32, 0, len(byNode)*t.dim)
	row := int32(0)
	for node := range t.rows {
		if c, ok := byNode[node]; ok {
			t.rows[node] = row
			t.centers = append(t.centers, c...)
			row++
		}
	}
}

// Quantize maps a descriptor to its visual word. The descriptor must have
// Dimension() values.
func (t *Tree) Quantize(desc []float32) Word {
	b := t.branching
	level, prefix := 0, 0
	for level < t.depth {
		best := -1
		minDist := float32(math.MaxFloat32)
		first := prefix * b
		for c := 0; c < b; c++ {
			node := t.node(level+1, first+c)
			if t.rows[node] < 0 {
				continue
			}
			if d := distance.SquaredL2(desc, t.center(node)); d < minDist {
				minDist = d
				best = c
			}
		}
		if best < 0 {
			break
		}
		prefix = first + best
		level++
	}
	for ; level < t.depth; level++ {
		prefix *= b
	}
	return Word(prefix)
}

// QuantizeRegions returns the word counts of all descriptors of r.
func (t *Tree) QuantizeRegions(r *feature.Regions) (map[Word]uint32, error) {
	counts := make(map[Word]uint32)
	if r.Count() == 0 {
		return counts, nil
	}
	if r.Dimension() != t.dim {
		return nil, &ErrDimensionMismatch{Expected: t.dim, Actual: r.Dimension()}
	}
	data := r.Float32s()
	for i := 0; i < r.Count(); i++ {
		counts[t.Quantize(data[i*t.dim:(i+1)*t.dim])]++
	}
	return counts, nil
}
