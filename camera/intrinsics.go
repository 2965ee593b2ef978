package camera

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrInvalidIntrinsics is returned for unusable calibration parameters.
var ErrInvalidIntrinsics = errors.New("camera: invalid intrinsics")

// DistortionType names a lens distortion model.
type DistortionType string

const (
	NoDistortionType DistortionType = "none"
	RadialK3Type     DistortionType = "radial_k3"
)

// DistortionModel distorts and undistorts normalized image coordinates.
type DistortionModel interface {
	ModelType() DistortionType
	Params() []float64
	Distort(x, y float64) (float64, float64)
	Undistort(x, y float64) (float64, float64)
}

// NoDistortion is the identity model.
type NoDistortion struct{}

func (NoDistortion) ModelType() DistortionType                 { return NoDistortionType }
func (NoDistortion) Params() []float64                         { return nil }
func (NoDistortion) Distort(x, y float64) (float64, float64)   { return x, y }
func (NoDistortion) Undistort(x, y float64) (float64, float64) { return x, y }

// RadialK3 is the three-coefficient polynomial radial model
// x_d = x·(1 + k1·r² + k2·r⁴ + k3·r⁶).
type RadialK3 struct {
	K1, K2, K3 float64
}

func (d RadialK3) ModelType() DistortionType { return RadialK3Type }

func (d RadialK3) Params() []float64 { return []float64{d.K1, d.K2, d.K3} }

func (d RadialK3) factor(r2 float64) float64 {
	return 1 + r2*(d.K1+r2*(d.K2+r2*d.K3))
}

func (d RadialK3) Distort(x, y float64) (float64, float64) {
	f := d.factor(x*x + y*y)
	return x * f, y * f
}

// Undistort inverts Distort by fixed-point iteration.
func (d RadialK3) Undistort(x, y float64) (float64, float64) {
	ux, uy := x, y
	for i := 0; i < 20; i++ {
		f := d.factor(ux*ux + uy*uy)
		if f == 0 {
			break
		}
		nx, ny := x/f, y/f
		if math.Abs(nx-ux) < 1e-12 && math.Abs(ny-uy) < 1e-12 {
			return nx, ny
		}
		ux, uy = nx, ny
	}
	return ux, uy
}

// NewDistortion returns the model of type t with the given parameters.
func NewDistortion(t DistortionType, params []float64) (DistortionModel, error) {
	switch t {
	case "", NoDistortionType:
		return NoDistortion{}, nil
	case RadialK3Type:
		if len(params) != 3 {
			return nil, fmt.Errorf("%w: radial_k3 needs 3 parameters, got %d", ErrInvalidIntrinsics, len(params))
		}
		return RadialK3{K1: params[0], K2: params[1], K3: params[2]}, nil
	default:
		return nil, fmt.Errorf("%w: unknown distortion %q", ErrInvalidIntrinsics, t)
	}
}

// Intrinsics maps between camera coordinates and pixels.
type Intrinsics interface {
	Width() int
	Height() int
	// K returns the calibration matrix.
	K() Mat3
	// Project maps camera coordinates to pixel coordinates.
	Project(xc r3.Vec) (x, y float64)
	// Bearing returns the unit ray through pixel (x, y) in camera coordinates.
	Bearing(x, y float64) r3.Vec
}

// Compile time check to ensure Pinhole satisfies the Intrinsics interface.
var _ Intrinsics = (*Pinhole)(nil)

// Pinhole is a pinhole camera with square pixels and optional lens distortion.
type Pinhole struct {
	W, H       int
	Focal      float64
	PrincipalX float64
	PrincipalY float64
	Distortion DistortionModel
}

// NewPinhole returns an undistorted pinhole camera.
func NewPinhole(width, height int, focal, cx, cy float64) (*Pinhole, error) {
	if width <= 0 || height <= 0 || !(focal > 0) || math.IsInf(focal, 0) {
		return nil, fmt.Errorf("%w: %dx%d focal %v", ErrInvalidIntrinsics, width, height, focal)
	}
	return &Pinhole{W: width, H: height, Focal: focal, PrincipalX: cx, PrincipalY: cy, Distortion: NoDistortion{}}, nil
}

// PinholeFromK returns an undistorted pinhole camera from a calibration
// matrix. Differing horizontal and vertical focal lengths are averaged.
func PinholeFromK(width, height int, k Mat3) (*Pinhole, error) {
	return NewPinhole(width, height, (k[0]+k[4])/2, k[2], k[5])
}

func (p *Pinhole) Width() int  { return p.W }
func (p *Pinhole) Height() int { return p.H }

func (p *Pinhole) K() Mat3 {
	return Mat3{p.Focal, 0, p.PrincipalX, 0, p.Focal, p.PrincipalY, 0, 0, 1}
}

func (p *Pinhole) distortion() DistortionModel {
	if p.Distortion == nil {
		return NoDistortion{}
	}
	return p.Distortion
}

func (p *Pinhole) Project(xc r3.Vec) (float64, float64) {
	x, y := p.distortion().Distort(xc.X/xc.Z, xc.Y/xc.Z)
	return p.Focal*x + p.PrincipalX, p.Focal*y + p.PrincipalY
}

func (p *Pinhole) Bearing(x, y float64) r3.Vec {
	ux, uy := p.distortion().Undistort((x-p.PrincipalX)/p.Focal, (y-p.PrincipalY)/p.Focal)
	return r3.Unit(r3.Vec{X: ux, Y: uy, Z: 1})
}

// Reproject projects the world point x seen from pose into pixels. ok is
// false when the point is not in front of the camera.
func Reproject(in Intrinsics, pose Pose, x r3.Vec) (px, py float64, ok bool) {
	xc := pose.Transform(x)
	if xc.Z <= 0 {
		return 0, 0, false
	}
	px, py = in.Project(xc)
	return px, py, true
}
