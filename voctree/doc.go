// Package voctree implements a vocabulary tree: a hierarchical k-means
// quantizer that maps descriptors to visual words.
//
// A tree with branching factor b and depth d partitions descriptor space
// into at most b^d words. Nodes are stored in a complete b-ary level-order
// layout; nodes that training never produced are marked invalid, and a node
// without valid children is a leaf even above the last level. Quantizing
// descends greedily to the nearest valid child, and a leaf reached at level
// l with path prefix p yields the word p·b^(d-l), so words always lie in
// [0, b^d).
//
//	tree, err := voctree.Build(ctx, descriptors, 128, func(o *voctree.Options) {
//	    o.Branching = 10
//	    o.Depth = 4
//	})
//	words, err := tree.QuantizeRegions(regions)
//
// Trees are immutable once built or read and safe for concurrent use.
package voctree
