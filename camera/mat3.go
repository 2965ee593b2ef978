package camera

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mat3 is a 3×3 matrix in row-major order.
type Mat3 [9]float64

// Identity returns the identity matrix.
func Identity() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns the element at row i, column j.
func (m Mat3) At(i, j int) float64 { return m[3*i+j] }

// MulVec returns m·v.
func (m Mat3) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Mul returns m·n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[3*i+j] = m[3*i]*n[j] + m[3*i+1]*n[3+j] + m[3*i+2]*n[6+j]
		}
	}
	return out
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	return Mat3{m[0], m[3], m[6], m[1], m[4], m[7], m[2], m[5], m[8]}
}

// Det returns the determinant.
func (m Mat3) Det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// IsRotation reports whether m is orthonormal with determinant +1 within tol.
func (m Mat3) IsRotation(tol float64) bool {
	p := m.Mul(m.T())
	id := Identity()
	for i := range p {
		if math.Abs(p[i]-id[i]) > tol {
			return false
		}
	}
	return math.Abs(m.Det()-1) <= tol
}

func skew(w r3.Vec) Mat3 {
	return Mat3{0, -w.Z, w.Y, w.Z, 0, -w.X, -w.Y, w.X, 0}
}

func (m Mat3) add(n Mat3) Mat3 {
	for i := range m {
		m[i] += n[i]
	}
	return m
}

func (m Mat3) scale(s float64) Mat3 {
	for i := range m {
		m[i] *= s
	}
	return m
}

// RotationFromVector returns the rotation of angle |w| about the axis w
// (Rodrigues' formula).
func RotationFromVector(w r3.Vec) Mat3 {
	theta := r3.Norm(w)
	k := skew(w)
	if theta < 1e-12 {
		return Identity().add(k)
	}
	a := math.Sin(theta) / theta
	b := (1 - math.Cos(theta)) / (theta * theta)
	return Identity().add(k.scale(a)).add(k.Mul(k).scale(b))
}

// RotationVector returns the axis-angle vector of the rotation m, the
// inverse of RotationFromVector for angles in [0, π].
func (m Mat3) RotationVector() r3.Vec {
	c := (m[0] + m[4] + m[8] - 1) / 2
	c = math.Max(-1, math.Min(1, c))
	theta := math.Acos(c)

	v := r3.Vec{X: m[7] - m[5], Y: m[2] - m[6], Z: m[3] - m[1]}
	switch {
	case theta < 1e-9:
		return r3.Scale(0.5, v)
	case math.Pi-theta < 1e-6:
		// Near π the antisymmetric part vanishes; read the axis from the
		// diagonal of (R+I)/2 = a·aᵀ.
		xx := (m[0] + 1) / 2
		yy := (m[4] + 1) / 2
		zz := (m[8] + 1) / 2
		var axis r3.Vec
		switch {
		case xx >= yy && xx >= zz:
			x := math.Sqrt(xx)
			axis = r3.Vec{X: x, Y: (m[1] + m[3]) / (4 * x), Z: (m[2] + m[6]) / (4 * x)}
		case yy >= zz:
			y := math.Sqrt(yy)
			axis = r3.Vec{X: (m[1] + m[3]) / (4 * y), Y: y, Z: (m[5] + m[7]) / (4 * y)}
		default:
			z := math.Sqrt(zz)
			axis = r3.Vec{X: (m[2] + m[6]) / (4 * z), Y: (m[5] + m[7]) / (4 * z), Z: z}
		}
		return r3.Scale(theta, r3.Unit(axis))
	default:
		return r3.Scale(theta/(2*math.Sin(theta)), v)
	}
}
