// Package vislocate localizes camera images against a structure-from-motion
// reconstruction.
//
// A Localizer retrieves the reconstructed views most similar to a query with
// a vocabulary tree and an inverted-index database, matches the query
// against them, lifts the matches to 2D-3D correspondences through the
// landmarks the views observe, and estimates the camera pose by robust
// resection.
//
// # Quick Start
//
//	store := blobstore.NewLocalStore("./assets")
//	loader := assets.NewLoader(store)
//
//	loc, _ := vislocate.New(
//	    vislocate.WithMatcherType(matching.TypeCascadeHashing),
//	    vislocate.WithLogger(vislocate.NewTextLogger(slog.LevelInfo)),
//	)
//	if err := loc.Init(ctx, vislocate.AssetSources(loader)); err != nil {
//	    return err
//	}
//
//	res, err := loc.Localize(ctx, vislocate.Query{Regions: regions, Intrinsics: cam})
//	var le *vislocate.LocalizationError
//	if errors.As(err, &le) {
//	    // per-query failure; le.Diagnostics tells how far it got
//	}
//
// # Lifecycle
//
// A localizer moves from StateUninitialized to StateDatabaseLoaded once the
// reconstruction's descriptors are indexed, and to StateReady once the
// reconstruction has been checked against them. Init performs all steps;
// SetVocabularyTree, LoadReconstructionDescriptors and Validate do them one
// at a time. Localize requires StateReady and is safe for concurrent use.
//
// # Configuration
//
// Options are functional (WithRatio, WithNumCandidates, ...) or come from a
// YAML document through WithConfig and the config package.
package vislocate
