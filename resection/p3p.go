package resection

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/vislocate/camera"
)

// solveP3P returns the poses consistent with three bearings (unit rays in
// camera coordinates) and their world points, following Grunert's
// formulation: with s2 = u·s1 and s3 = v·s1 the distance constraints reduce
// to a quartic in v.
func solveP3P(bearings [3]r3.Vec, points [3]r3.Vec) []camera.Pose {
	a2 := r3.Norm2(r3.Sub(points[1], points[2]))
	b2 := r3.Norm2(r3.Sub(points[0], points[2]))
	c2 := r3.Norm2(r3.Sub(points[0], points[1]))
	if a2 < 1e-18 || b2 < 1e-18 || c2 < 1e-18 {
		return nil
	}
	// Collinear world points admit a continuum of solutions.
	if r3.Norm2(r3.Cross(r3.Sub(points[1], points[0]), r3.Sub(points[2], points[0]))) < 1e-12*b2*c2 {
		return nil
	}

	cosA := r3.Dot(bearings[1], bearings[2])
	cosB := r3.Dot(bearings[0], bearings[2])
	cosG := r3.Dot(bearings[0], bearings[1])

	A := a2 / b2
	C := c2 / b2
	amc := A - C

	num := []float64{1 + amc, -2 * amc * cosB, amc - 1}
	den := []float64{2 * cosG, -2 * cosA}
	oneMinusCQ := []float64{1 - C, 2 * C * cosB, -C}

	quartic := polyAdd(
		polyAdd(polyMul(num, num), polyScale(-2*cosG, polyMul(num, den))),
		polyMul(oneMinusCQ, polyMul(den, den)),
	)

	var poses []camera.Pose
	for _, v := range realRoots(quartic) {
		q := 1 + v*v - 2*v*cosB
		d := polyEval(den, v)
		if q <= 0 || math.Abs(d) < 1e-12 {
			continue
		}
		u := polyEval(num, v) / d
		s1 := math.Sqrt(b2 / q)
		s2 := u * s1
		s3 := v * s1
		if s1 <= 0 || s2 <= 0 || s3 <= 0 {
			continue
		}

		cam := []r3.Vec{
			r3.Scale(s1, bearings[0]),
			r3.Scale(s2, bearings[1]),
			r3.Scale(s3, bearings[2]),
		}
		rot, t, ok := alignPoints(points[:], cam)
		if !ok {
			continue
		}
		poses = append(poses, camera.PoseFromTranslation(rot, t))
	}
	return poses
}
