// Package assets loads and saves the persisted inputs of a localizer from a
// blobstore.BlobStore: the reconstruction, per-view features, the vocabulary
// tree and its optional weights.
//
// Layout relative to the store root (names are configurable):
//
//	sfm.json                      reconstruction
//	vocabulary.tree               vocabulary tree
//	vocabulary.weights            optional per-word weights
//	<view path>.<type>.feat       keypoints, one "x y scale orientation" per line
//	<view path>.<type>.desc       descriptors, uint64 count + count×dim bytes
//
// Every blob may instead be stored compressed with a ".zst" (zstd) or ".lz4"
// suffix; loading tries the plain name first.
package assets
