// Package feature defines the local-feature data model shared by every
// stage of the localization pipeline: keypoints, descriptors, per-image
// Regions and the per-view Regions registry.
//
// Regions are produced by an external Describer and are treated as
// immutable once construction has finished.
//
//	regions := feature.NewRegions(feature.TypeSIFT, 0)
//	_ = regions.Append(feature.Keypoint{X: 10, Y: 20, Scale: 2}, desc)
//
//	rpv := feature.NewRegionsPerView()
//	rpv.Add(viewID, regions)
package feature
