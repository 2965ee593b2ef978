package resection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/vislocate/camera"
)

var (
	// ErrInvalidOptions is returned for unusable estimation parameters.
	ErrInvalidOptions = errors.New("resection: invalid options")

	// ErrInsufficientPoints is returned when there are fewer
	// correspondences than the minimal solver needs.
	ErrInsufficientPoints = errors.New("resection: insufficient correspondences")

	// ErrDegenerate is returned when no sample produced a usable hypothesis.
	ErrDegenerate = errors.New("resection: degenerate configuration")

	// ErrBelowThreshold is returned when the best hypothesis has fewer
	// inliers than required.
	ErrBelowThreshold = errors.New("resection: too few inliers")
)

// Method selects the minimal solver.
type Method int

const (
	// MethodAuto uses P3P with known intrinsics and DLT otherwise.
	MethodAuto Method = iota
	// MethodP3P is Grunert's three-point solver. Requires intrinsics.
	MethodP3P
	// MethodDLT is the six-point direct linear transform.
	MethodDLT
)

func (m Method) String() string {
	switch m {
	case MethodAuto:
		return "auto"
	case MethodP3P:
		return "p3p"
	case MethodDLT:
		return "dlt"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMethod parses the names produced by Method.String.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "auto":
		return MethodAuto, nil
	case "p3p":
		return MethodP3P, nil
	case "dlt", "dlt6":
		return MethodDLT, nil
	default:
		return 0, fmt.Errorf("%w: unknown method %q", ErrInvalidOptions, s)
	}
}

func (m Method) sampleSize() int {
	if m == MethodDLT {
		return 6
	}
	return 3
}

// Options configures Estimate.
type Options struct {
	Method Method
	// ErrorThreshold is the maximum reprojection error in pixels of an inlier.
	ErrorThreshold float64
	// MaxIterations bounds the RANSAC iterations.
	MaxIterations int
	// Confidence drives the adaptive iteration count.
	Confidence float64
	// MinInliers is the number of inliers required for success.
	MinInliers int
	// Seed makes sampling deterministic.
	Seed uint64
	// Refine enables nonlinear refinement of the best hypothesis.
	Refine bool
}

// DefaultOptions contains the default estimation options.
var DefaultOptions = Options{
	Method:         MethodAuto,
	ErrorThreshold: 4,
	MaxIterations:  4096,
	Confidence:     0.999,
	MinInliers:     12,
	Seed:           42,
	Refine:         true,
}

// Validate checks the options.
func (o Options) Validate() error {
	switch {
	case !(o.ErrorThreshold > 0) || math.IsInf(o.ErrorThreshold, 0):
		return fmt.Errorf("%w: error threshold must be positive", ErrInvalidOptions)
	case o.MaxIterations <= 0:
		return fmt.Errorf("%w: max iterations must be positive", ErrInvalidOptions)
	case !(o.Confidence > 0 && o.Confidence < 1):
		return fmt.Errorf("%w: confidence must be in (0, 1)", ErrInvalidOptions)
	case o.MinInliers < 0:
		return fmt.Errorf("%w: min inliers must not be negative", ErrInvalidOptions)
	case o.Method < MethodAuto || o.Method > MethodDLT:
		return fmt.Errorf("%w: unknown method %d", ErrInvalidOptions, int(o.Method))
	}
	return nil
}

// Correspondence pairs a pixel with the world point it images.
type Correspondence struct {
	X, Y  float64
	Point r3.Vec
}

// Problem is the input of Estimate.
type Problem struct {
	Correspondences []Correspondence
	// Intrinsics of the camera. Nil means unknown: the calibration is
	// estimated together with the pose.
	Intrinsics camera.Intrinsics
	// Width and Height of the image, used for estimated calibrations.
	Width, Height int
}

// Result is an estimated pose.
type Result struct {
	Pose       camera.Pose
	Intrinsics camera.Intrinsics
	Method     Method
	// Inliers are indices into Problem.Correspondences, ascending.
	Inliers    []int
	Iterations int
	// RMSE is the root mean square reprojection error over the inliers.
	RMSE    float64
	Refined bool
}

type hypothesis struct {
	pose camera.Pose
	intr camera.Intrinsics
}

type score struct {
	inliers int
	cost    float64
}

func (s score) better(o score) bool {
	if s.inliers != o.inliers {
		return s.inliers > o.inliers
	}
	return s.cost < o.cost
}

// Estimate computes the camera pose from the correspondences of p.
//
// On ErrBelowThreshold the best hypothesis found is returned along with the
// error so callers can report it; on every other error the result is nil.
func Estimate(ctx context.Context, p Problem, optFns ...func(o *Options)) (*Result, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	method := opts.Method
	if method == MethodAuto {
		method = MethodDLT
		if p.Intrinsics != nil {
			method = MethodP3P
		}
	}
	if method == MethodP3P && p.Intrinsics == nil {
		return nil, fmt.Errorf("%w: p3p requires intrinsics", ErrInvalidOptions)
	}

	corr := p.Correspondences
	n := len(corr)
	s := method.sampleSize()
	if n < s {
		return nil, fmt.Errorf("%w: %d < %d", ErrInsufficientPoints, n, s)
	}

	e := &estimator{
		problem: p,
		method:  method,
		thr2:    opts.ErrorThreshold * opts.ErrorThreshold,
	}
	if method == MethodP3P {
		e.bearings = make([]r3.Vec, n)
		for i, c := range corr {
			e.bearings[i] = p.Intrinsics.Bearing(c.X, c.Y)
		}
	}

	rng := rand.New(rand.NewPCG(opts.Seed, uint64(n)))
	sample := make([]int, s)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	var (
		best      *hypothesis
		bestScore = score{inliers: -1}
		limit     = opts.MaxIterations
		iter      int
	)
	for iter = 0; iter < limit; iter++ {
		if iter%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		// Partial Fisher-Yates draw of s distinct indices.
		for i := 0; i < s; i++ {
			j := i + rng.IntN(n-i)
			perm[i], perm[j] = perm[j], perm[i]
			sample[i] = perm[i]
		}

		for _, h := range e.solve(sample) {
			sc := e.score(h)
			if sc.better(bestScore) {
				hc := h
				best, bestScore = &hc, sc
				limit = min(limit, requiredIterations(sc.inliers, n, s, opts.Confidence, opts.MaxIterations))
			}
		}
	}

	if best == nil || bestScore.inliers == 0 {
		return nil, fmt.Errorf("%w: no hypothesis after %d iterations", ErrDegenerate, iter)
	}

	res := &Result{
		Pose:       best.pose,
		Intrinsics: best.intr,
		Method:     method,
		Iterations: iter,
	}
	inliers := e.inliers(*best)

	if opts.Refine && len(inliers) >= s {
		if h, ok := e.refine(*best, inliers); ok {
			if refined := e.inliers(h); len(refined) >= len(inliers) {
				res.Pose, res.Intrinsics = h.pose, h.intr
				res.Refined = true
				inliers = refined
			}
		}
	}

	res.Inliers = inliers
	res.RMSE = e.rmse(hypothesis{pose: res.Pose, intr: res.Intrinsics}, inliers)

	if len(inliers) < opts.MinInliers {
		return res, fmt.Errorf("%w: %d < %d", ErrBelowThreshold, len(inliers), opts.MinInliers)
	}
	return res, nil
}

// requiredIterations is the number of samples needed to draw an
// all-inlier sample with the given confidence.
func requiredIterations(inliers, n, sampleSize int, confidence float64, limit int) int {
	w := float64(inliers) / float64(n)
	ws := math.Pow(w, float64(sampleSize))
	if ws <= 0 {
		return limit
	}
	if ws >= 1 {
		return 1
	}
	k := math.Log(1-confidence) / math.Log(1-ws)
	if math.IsNaN(k) || k > float64(limit) {
		return limit
	}
	return max(1, int(math.Ceil(k)))
}

type estimator struct {
	problem  Problem
	method   Method
	bearings []r3.Vec
	thr2     float64
}

func (e *estimator) solve(sample []int) []hypothesis {
	corr := e.problem.Correspondences
	switch e.method {
	case MethodP3P:
		var b, pts [3]r3.Vec
		for i, idx := range sample {
			b[i] = e.bearings[idx]
			pts[i] = corr[idx].Point
		}
		poses := solveP3P(b, pts)
		out := make([]hypothesis, len(poses))
		for i, pose := range poses {
			out[i] = hypothesis{pose: pose, intr: e.problem.Intrinsics}
		}
		return out
	default:
		xs := make([]float64, len(sample))
		ys := make([]float64, len(sample))
		pts := make([]r3.Vec, len(sample))
		for i, idx := range sample {
			xs[i], ys[i], pts[i] = corr[idx].X, corr[idx].Y, corr[idx].Point
		}
		h, ok := e.fromProjection(xs, ys, pts)
		if !ok {
			return nil
		}
		return []hypothesis{h}
	}
}

func (e *estimator) fromProjection(xs, ys []float64, pts []r3.Vec) (hypothesis, bool) {
	proj, ok := solveDLT(xs, ys, pts)
	if !ok {
		return hypothesis{}, false
	}
	k, r, c, ok := proj.decompose()
	if !ok || !r.IsRotation(1e-6) {
		return hypothesis{}, false
	}
	w, h := e.problem.Width, e.problem.Height
	if w <= 0 || h <= 0 {
		w = max(1, int(math.Round(2*k[2])))
		h = max(1, int(math.Round(2*k[5])))
	}
	intr, err := camera.PinholeFromK(w, h, k)
	if err != nil {
		return hypothesis{}, false
	}
	return hypothesis{pose: camera.NewPose(r, c), intr: intr}, true
}

// residual2 returns the squared reprojection error of correspondence i,
// or +Inf when the point is behind the camera.
func (e *estimator) residual2(h hypothesis, i int) float64 {
	c := e.problem.Correspondences[i]
	x, y, ok := camera.Reproject(h.intr, h.pose, c.Point)
	if !ok {
		return math.Inf(1)
	}
	dx, dy := x-c.X, y-c.Y
	return dx*dx + dy*dy
}

func (e *estimator) score(h hypothesis) score {
	var s score
	for i := range e.problem.Correspondences {
		if r := e.residual2(h, i); r < e.thr2 {
			s.inliers++
			s.cost += r
		}
	}
	return s
}

func (e *estimator) inliers(h hypothesis) []int {
	var out []int
	for i := range e.problem.Correspondences {
		if e.residual2(h, i) < e.thr2 {
			out = append(out, i)
		}
	}
	return out
}

func (e *estimator) rmse(h hypothesis, inliers []int) float64 {
	if len(inliers) == 0 {
		return 0
	}
	var sum float64
	for _, i := range inliers {
		sum += e.residual2(h, i)
	}
	return math.Sqrt(sum / float64(len(inliers)))
}
