package camera

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a rigid camera pose: rotation plus camera center in world
// coordinates.
type Pose struct {
	Rotation Mat3   `json:"rotation"`
	Center   r3.Vec `json:"center"`
}

// NewPose returns the pose with rotation r and camera center c.
func NewPose(r Mat3, c r3.Vec) Pose {
	return Pose{Rotation: r, Center: c}
}

// PoseFromTranslation returns the pose with rotation r and translation t,
// where camera coordinates are R·X + t.
func PoseFromTranslation(r Mat3, t r3.Vec) Pose {
	return Pose{Rotation: r, Center: r3.Scale(-1, r.T().MulVec(t))}
}

// Translation returns t = −R·C.
func (p Pose) Translation() r3.Vec {
	return r3.Scale(-1, p.Rotation.MulVec(p.Center))
}

// Transform maps a world point into camera coordinates.
func (p Pose) Transform(x r3.Vec) r3.Vec {
	return p.Rotation.MulVec(r3.Sub(x, p.Center))
}

// Depth returns the z coordinate of x in the camera frame.
func (p Pose) Depth(x r3.Vec) float64 {
	return p.Transform(x).Z
}
