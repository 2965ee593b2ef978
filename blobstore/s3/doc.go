// Package s3 stores localization assets in an Amazon S3 bucket.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket", "scenes/office/",
//	    config.WithRegion("eu-central-1"),
//	)
//
//	loader := assets.NewLoader(store)
//
// Reads are ranged GETs; writes go through the multipart upload manager.
package s3
