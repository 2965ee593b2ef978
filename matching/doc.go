// Package matching implements the nearest-neighbour matcher strategies used
// to put descriptors of two images into correspondence.
//
// Every strategy follows the same two-step contract: Build prepares an
// Index over the reference Regions once, and Index.Match answers any number
// of queries against it, applying the distance-ratio test:
//
//	m, _ := matching.New(matching.TypeCascadeHashing)
//	idx, _ := m.Build(reference)
//	matches, _ := idx.Match(query, 0.8)
//
// Three strategies are provided:
//
//   - BruteForce compares every query descriptor with every reference
//     descriptor (exact).
//   - KDTree searches a kd-tree over the reference descriptors with
//     best-bin-first traversal (exact, or approximate when MaxChecks is set).
//   - CascadeHashing narrows candidates with multi-table hyperplane hashing
//     and binary codes before computing exact distances (approximate).
//
// All built indexes are immutable and safe for concurrent Match calls.
package matching
