// Package testutil generates synthetic localization scenes for tests.
//
// This package is intended for use in tests and benchmarks only. Everything
// is driven by a seeded RNG so that scenes are reproducible.
//
//	scene, err := testutil.NewScene(func(o *testutil.SceneOptions) {
//	    o.NumViews = 5
//	})
//	query, truth, err := scene.Query(2, scene.QueryPose(2))
//
// Each reference view observes its own cluster of landmarks; a query
// generated for view v shares descriptors only with view v.
package testutil
