// Package distance provides the descriptor distance kernels used by the
// matchers and the vocabulary tree.
//
// Single-pair kernels are plain unrolled loops; batched distances between a
// query block and a reference block go through gonum's BLAS (Gemm) using the
// expansion |q-r|² = |q|² + |r|² - 2·q·r.
package distance
