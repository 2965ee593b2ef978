package distance

import (
	"fmt"
	"math/bits"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Metric represents the distance metric used for descriptor comparison.
type Metric int

const (
	MetricL2 Metric = iota
	MetricHamming
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricHamming:
		return "Hamming"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// Func is a function type for distance calculation.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	default:
		return nil, fmt.Errorf("unsupported metric for float32: %v", m)
	}
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	b = b[:len(a)]
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	for ; i < len(a); i++ {
		d := a[i] - b[i]
		s0 += d * d
	}
	return s0 + s1 + s2 + s3
}

// SquaredL2Bytes calculates the squared L2 distance between two uint8 vectors.
func SquaredL2Bytes(a, b []uint8) uint32 {
	b = b[:len(a)]
	var s uint32
	for i := range a {
		d := int32(a[i]) - int32(b[i])
		s += uint32(d * d)
	}
	return s
}

// Hamming counts the differing bits of two packed bit codes.
func Hamming(a, b []uint64) int {
	b = b[:len(a)]
	var d int
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d
}

// SquaredNorms returns |v|² for every dim-sized row of the flat matrix m.
func SquaredNorms(m []float32, dim int) []float32 {
	n := len(m) / dim
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		row := m[i*dim : (i+1)*dim]
		out[i] = blas32.Dot(blas32.Vector{N: dim, Inc: 1, Data: row}, blas32.Vector{N: dim, Inc: 1, Data: row})
	}
	return out
}

// PairwiseSquaredL2 fills dst (len(queries)/dim rows × len(refs)/dim
// columns, row-major) with the squared L2 distance between every query row
// and every reference row. queryNorms and refNorms are the rows' squared
// norms as returned by SquaredNorms. Small negative values caused by
// rounding are clamped to zero.
func PairwiseSquaredL2(dst, queries, queryNorms, refs, refNorms []float32, dim int) {
	nq := len(queries) / dim
	nr := len(refs) / dim
	if nq == 0 || nr == 0 {
		return
	}
	q := blas32.General{Rows: nq, Cols: dim, Stride: dim, Data: queries}
	r := blas32.General{Rows: nr, Cols: dim, Stride: dim, Data: refs}
	c := blas32.General{Rows: nq, Cols: nr, Stride: nr, Data: dst[:nq*nr]}

	// c = -2 * q * rᵀ
	blas32.Gemm(blas.NoTrans, blas.Trans, -2, q, r, 0, c)

	for i := 0; i < nq; i++ {
		row := dst[i*nr : (i+1)*nr]
		qn := queryNorms[i]
		for j := range row {
			v := row[j] + qn + refNorms[j]
			if v < 0 {
				v = 0
			}
			row[j] = v
		}
	}
}
