package resection

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/vislocate/camera"
)

// refine minimizes the reprojection error of h over the inliers. The pose is
// parameterized by a rotation vector and translation; estimated pinhole
// calibrations also refine the focal length. ok is false when the
// optimizer did not lower the cost.
func (e *estimator) refine(h hypothesis, inliers []int) (hypothesis, bool) {
	pin, estimated := h.intr.(*camera.Pinhole)
	refineFocal := estimated && e.method == MethodDLT

	w := h.pose.Rotation.RotationVector()
	t := h.pose.Translation()
	x0 := []float64{w.X, w.Y, w.Z, t.X, t.Y, t.Z}
	if refineFocal {
		x0 = append(x0, pin.Focal)
	}

	decode := func(x []float64) hypothesis {
		rot := camera.RotationFromVector(r3.Vec{X: x[0], Y: x[1], Z: x[2]})
		pose := camera.PoseFromTranslation(rot, r3.Vec{X: x[3], Y: x[4], Z: x[5]})
		intr := h.intr
		if refineFocal {
			cp := *pin
			cp.Focal = x[6]
			intr = &cp
		}
		return hypothesis{pose: pose, intr: intr}
	}

	// Points falling behind the camera cost as much as a far outlier.
	penalty := 100 * e.thr2
	cost := func(x []float64) float64 {
		if refineFocal && x[6] <= 0 {
			return math.Inf(1)
		}
		hx := decode(x)
		var sum float64
		for _, i := range inliers {
			r := e.residual2(hx, i)
			if math.IsInf(r, 1) {
				r = penalty
			}
			sum += r
		}
		return sum
	}

	c0 := cost(x0)
	problem := optimize.Problem{
		Func: cost,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, cost, x, nil)
		},
	}
	res, err := optimize.Minimize(problem, x0, &optimize.Settings{MajorIterations: 100}, &optimize.LBFGS{})
	if err != nil && !stalled(err) {
		return h, false
	}
	if res == nil || math.IsNaN(res.F) || !(res.F < c0) {
		return h, false
	}
	return decode(res.X), true
}

// stalled reports whether err only ends the line search early. The result
// still holds the best location found.
func stalled(err error) bool {
	return errors.Is(err, optimize.ErrLinesearcherFailure) || errors.Is(err, optimize.ErrNoProgress)
}
