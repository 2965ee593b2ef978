package resection

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/vislocate/camera"
)

// alignPoints returns the rotation r and translation t minimizing
// Σ|r·src_i + t − dst_i|² (Kabsch).
func alignPoints(src, dst []r3.Vec) (camera.Mat3, r3.Vec, bool) {
	n := float64(len(src))
	var cs, cd r3.Vec
	for i := range src {
		cs = r3.Add(cs, src[i])
		cd = r3.Add(cd, dst[i])
	}
	cs = r3.Scale(1/n, cs)
	cd = r3.Scale(1/n, cd)

	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := r3.Sub(src[i], cs)
		b := r3.Sub(dst[i], cd)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return camera.Mat3{}, r3.Vec{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// r = V · diag(1, 1, d) · Uᵀ with d fixing reflections.
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1
	}
	var rot camera.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[3*i+j] = v.At(i, 0)*u.At(j, 0) + v.At(i, 1)*u.At(j, 1) + d*v.At(i, 2)*u.At(j, 2)
		}
	}
	t := r3.Sub(cd, rot.MulVec(cs))
	return rot, t, true
}
