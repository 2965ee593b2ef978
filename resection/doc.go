// Package resection estimates the pose of a camera from 2D–3D
// correspondences.
//
// With known intrinsics the minimal solver is Grunert's P3P; without, the
// 6-point DLT recovers the full projection matrix and the calibration is
// extracted by RQ decomposition. Either solver runs inside RANSAC with an
// adaptive iteration count, and the best hypothesis is refined on its
// inliers by minimizing the reprojection error.
package resection
