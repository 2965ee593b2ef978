package matching

import (
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/vislocate/feature"
)

var (
	// ErrInvalidRatio is returned when the ratio threshold is outside (0, 1].
	ErrInvalidRatio = errors.New("matching: ratio must be in (0, 1]")

	// ErrUnknownType is returned by New for an unsupported matcher type.
	ErrUnknownType = errors.New("matching: unknown matcher type")
)

// ErrDimensionMismatch indicates that query and reference descriptors differ in length.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("matching: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// IndMatch is a putative correspondence: I indexes the reference regions the
// index was built over, J the query regions.
type IndMatch struct {
	I uint32
	J uint32
}

// Type selects a matcher strategy.
type Type int

const (
	TypeBruteForce Type = iota
	TypeKDTree
	TypeCascadeHashing
)

func (t Type) String() string {
	switch t {
	case TypeBruteForce:
		return "brute_force"
	case TypeKDTree:
		return "kdtree"
	case TypeCascadeHashing:
		return "cascade_hashing"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseType parses the names produced by Type.String.
func ParseType(s string) (Type, error) {
	switch s {
	case "brute_force", "bruteforce", "exhaustive":
		return TypeBruteForce, nil
	case "kdtree", "kd_tree", "tree":
		return TypeKDTree, nil
	case "cascade_hashing", "cascade", "hashed":
		return TypeCascadeHashing, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

// Matcher prepares an Index over reference regions.
type Matcher interface {
	// Type returns the strategy of the matcher.
	Type() Type
	// Build prepares an index over ref. The cost is paid once and amortized
	// over every Match against the index. ref must not be modified while the
	// index is in use.
	Build(ref *feature.Regions) (Index, error)
}

// Index answers ratio-tested nearest-neighbour queries against the
// reference regions it was built from.
type Index interface {
	// Match returns, for every query descriptor passing the ratio test, the
	// correspondence to its nearest reference descriptor, ordered by query index.
	Match(query *feature.Regions, ratio float32) ([]IndMatch, error)
	// ConcurrentSafe reports whether Match may be called from several
	// goroutines at once.
	ConcurrentSafe() bool
}

// New returns a matcher of the given type with default options.
func New(t Type) (Matcher, error) {
	switch t {
	case TypeBruteForce:
		return NewBruteForce(), nil
	case TypeKDTree:
		return NewKDTree()
	case TypeCascadeHashing:
		return NewCascadeHashing()
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, t)
	}
}

// ValidateRatio checks that ratio lies in (0, 1].
func ValidateRatio(ratio float32) error {
	if !(ratio > 0 && ratio <= 1) {
		return fmt.Errorf("%w: got %v", ErrInvalidRatio, ratio)
	}
	return nil
}

// RatioTest reports whether a match whose nearest and second nearest
// neighbours lie at Euclidean distances d1 and d2 is distinctive enough:
// d1/d2 < ratio.
func RatioTest(d1, d2, ratio float32) bool {
	return d1 < ratio*d2
}

// neighbours tracks the two nearest reference descriptors of a query by
// squared distance.
type neighbours struct {
	best, second float32
	bestIdx      int
	secondIdx    int
}

func newNeighbours() neighbours {
	return neighbours{
		best:      math.MaxFloat32,
		second:    math.MaxFloat32,
		bestIdx:   -1,
		secondIdx: -1,
	}
}

func (n *neighbours) offer(idx int, d float32) {
	switch {
	case d < n.best:
		n.second, n.secondIdx = n.best, n.bestIdx
		n.best, n.bestIdx = d, idx
	case d < n.second:
		n.second, n.secondIdx = d, idx
	}
}

// accept applies the ratio test on squared distances. Without a second
// neighbour the nearest one is accepted.
func (n *neighbours) accept(ratio float32) bool {
	if n.bestIdx < 0 {
		return false
	}
	if n.secondIdx < 0 {
		return true
	}
	return n.best < ratio*ratio*n.second
}

func checkQuery(ref, query *feature.Regions, ratio float32) error {
	if err := ValidateRatio(ratio); err != nil {
		return err
	}
	if query.Dimension() != ref.Dimension() {
		return &ErrDimensionMismatch{Expected: ref.Dimension(), Actual: query.Dimension()}
	}
	return nil
}
