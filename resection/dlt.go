package resection

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/vislocate/camera"
)

// projection is a 3×4 camera matrix in row-major order.
type projection [12]float64

// similarity2 returns the transform moving the points' centroid to the
// origin with mean distance √2, as (scale, cx, cy).
func similarity2(xs, ys []float64) (float64, float64, float64) {
	n := float64(len(xs))
	var cx, cy float64
	for i := range xs {
		cx += xs[i]
		cy += ys[i]
	}
	cx /= n
	cy /= n
	var dist float64
	for i := range xs {
		dist += math.Hypot(xs[i]-cx, ys[i]-cy)
	}
	dist /= n
	if dist == 0 {
		return 0, cx, cy
	}
	return math.Sqrt2 / dist, cx, cy
}

// similarity3 is the 3D counterpart with mean distance √3.
func similarity3(pts []r3.Vec) (float64, r3.Vec) {
	var c r3.Vec
	for _, p := range pts {
		c = r3.Add(c, p)
	}
	c = r3.Scale(1/float64(len(pts)), c)
	var dist float64
	for _, p := range pts {
		dist += r3.Norm(r3.Sub(p, c))
	}
	dist /= float64(len(pts))
	if dist == 0 {
		return 0, c
	}
	return math.Sqrt(3) / dist, c
}

// solveDLT estimates the projection matrix from at least six
// correspondences with Hartley normalization. ok is false for degenerate
// configurations.
func solveDLT(xs, ys []float64, pts []r3.Vec) (projection, bool) {
	n := len(pts)
	if n < 6 {
		return projection{}, false
	}
	s2, cx, cy := similarity2(xs, ys)
	s3, c3 := similarity3(pts)
	if s2 == 0 || s3 == 0 {
		return projection{}, false
	}

	a := mat.NewDense(2*n, 12, nil)
	for i := range pts {
		x := (xs[i] - cx) * s2
		y := (ys[i] - cy) * s2
		p := r3.Scale(s3, r3.Sub(pts[i], c3))
		h := [4]float64{p.X, p.Y, p.Z, 1}
		for k := 0; k < 4; k++ {
			a.Set(2*i, k, h[k])
			a.Set(2*i, 8+k, -x*h[k])
			a.Set(2*i+1, 4+k, h[k])
			a.Set(2*i+1, 8+k, -y*h[k])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return projection{}, false
	}
	sv := svd.Values(nil)
	if len(sv) < 12 || sv[0] == 0 || sv[10]/sv[0] < 1e-10 {
		// The null space is not one-dimensional.
		return projection{}, false
	}
	var v mat.Dense
	svd.VTo(&v)

	var pn projection
	for k := 0; k < 12; k++ {
		pn[k] = v.At(k, 11)
	}

	// P = T2⁻¹ · Pn · T3
	t2inv := mat.NewDense(3, 3, []float64{
		1 / s2, 0, cx,
		0, 1 / s2, cy,
		0, 0, 1,
	})
	t3 := mat.NewDense(4, 4, []float64{
		s3, 0, 0, -s3 * c3.X,
		0, s3, 0, -s3 * c3.Y,
		0, 0, s3, -s3 * c3.Z,
		0, 0, 0, 1,
	})
	var tmp, full mat.Dense
	tmp.Mul(t2inv, mat.NewDense(3, 4, pn[:]))
	full.Mul(&tmp, t3)

	var p projection
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			p[4*i+j] = full.At(i, j)
		}
	}
	return p, true
}

// decompose splits P = K·[R | −R·C] into calibration, rotation and center
// using an RQ decomposition of the left 3×3 block.
func (p projection) decompose() (k, r camera.Mat3, c r3.Vec, ok bool) {
	m := camera.Mat3{p[0], p[1], p[2], p[4], p[5], p[6], p[8], p[9], p[10]}
	p4 := r3.Vec{X: p[3], Y: p[7], Z: p[11]}
	if m.Det() < 0 {
		for i := range m {
			m[i] = -m[i]
		}
		p4 = r3.Scale(-1, p4)
	}
	if math.Abs(m.Det()) < 1e-300 {
		return k, r, c, false
	}

	k, r = rq(m)
	if k[8] == 0 {
		return k, r, c, false
	}
	s := k[8]
	for i := range k {
		k[i] /= s
	}

	var minv mat.Dense
	if err := minv.Inverse(mat.NewDense(3, 3, m[:])); err != nil {
		return k, r, c, false
	}
	var cv mat.VecDense
	cv.MulVec(&minv, mat.NewVecDense(3, []float64{p4.X, p4.Y, p4.Z}))
	c = r3.Vec{X: -cv.AtVec(0), Y: -cv.AtVec(1), Z: -cv.AtVec(2)}
	return k, r, c, true
}

// rq factors m = k·r with k upper triangular with positive diagonal and r
// orthonormal, via the QR decomposition of the row-reversed transpose.
func rq(m camera.Mat3) (k, r camera.Mat3) {
	// a = (J·m)ᵀ where J reverses rows.
	a := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a.Set(j, i, m[3*(2-i)+j])
		}
	}
	var qr mat.QR
	qr.Factorize(a)
	var q, rr mat.Dense
	qr.QTo(&q)
	qr.RTo(&rr)

	// m = J·rrᵀ·J · J·qᵀ
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			k[3*i+j] = rr.At(2-j, 2-i)
			r[3*i+j] = q.At(j, 2-i)
		}
	}
	for i := 0; i < 3; i++ {
		if k[4*i] < 0 {
			for row := 0; row < 3; row++ {
				k[3*row+i] = -k[3*row+i]
			}
			for col := 0; col < 3; col++ {
				r[3*i+col] = -r[3*i+col]
			}
		}
	}
	return k, r
}
