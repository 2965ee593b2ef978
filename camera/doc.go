// Package camera holds the geometric camera model: rigid poses and
// intrinsic calibrations that project scene points to pixels.
//
// Conventions: a Pose maps world points X to camera coordinates R·(X−C),
// with R a row-major rotation and C the camera center. The camera looks
// down +Z; pixel coordinates follow the image (x right, y down).
package camera
