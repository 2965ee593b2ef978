package resection

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Polynomials are coefficient slices in ascending order of degree.

func polyMul(a, b []float64) []float64 {
	out := make([]float64, len(a)+len(b)-1)
	for i, x := range a {
		for j, y := range b {
			out[i+j] += x * y
		}
	}
	return out
}

func polyAdd(a, b []float64) []float64 {
	n := max(len(a), len(b))
	out := make([]float64, n)
	for i := range out {
		if i < len(a) {
			out[i] += a[i]
		}
		if i < len(b) {
			out[i] += b[i]
		}
	}
	return out
}

func polyScale(s float64, a []float64) []float64 {
	out := make([]float64, len(a))
	for i, x := range a {
		out[i] = s * x
	}
	return out
}

func polyEval(p []float64, x float64) float64 {
	var v float64
	for i := len(p) - 1; i >= 0; i-- {
		v = v*x + p[i]
	}
	return v
}

func polyDeriv(p []float64) []float64 {
	if len(p) <= 1 {
		return []float64{0}
	}
	out := make([]float64, len(p)-1)
	for i := 1; i < len(p); i++ {
		out[i-1] = float64(i) * p[i]
	}
	return out
}

// realRoots returns the real roots of p, found as the eigenvalues of its
// companion matrix and polished with Newton steps.
func realRoots(p []float64) []float64 {
	scale := 0.0
	for _, c := range p {
		scale = math.Max(scale, math.Abs(c))
	}
	if scale == 0 {
		return nil
	}
	// Drop vanishing leading coefficients.
	n := len(p) - 1
	for n > 0 && math.Abs(p[n]) <= 1e-14*scale {
		n--
	}
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []float64{-p[0] / p[1]}
	}

	comp := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		comp.Set(0, j, -p[n-1-j]/p[n])
	}
	for i := 1; i < n; i++ {
		comp.Set(i, i-1, 1)
	}

	var eig mat.Eigen
	if !eig.Factorize(comp, mat.EigenNone) {
		return nil
	}

	d := polyDeriv(p[:n+1])
	var roots []float64
	for _, v := range eig.Values(nil) {
		if math.Abs(imag(v)) > 1e-6*(1+math.Abs(real(v))) {
			continue
		}
		x := real(v)
		for i := 0; i < 3; i++ {
			dv := polyEval(d, x)
			if dv == 0 {
				break
			}
			x -= polyEval(p[:n+1], x) / dv
		}
		roots = append(roots, x)
	}
	return roots
}
