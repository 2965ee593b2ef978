package testutil

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/vislocate/camera"
	"github.com/hupe1980/vislocate/feature"
	"github.com/hupe1980/vislocate/sfm"
)

// SceneOptions configures NewScene.
type SceneOptions struct {
	NumViews      int
	PointsPerView int
	// Distractors is the number of unobserved features added to every view
	// and query.
	Distractors int
	Type        feature.Type
	// DescriptorNoise bounds the per-entry change between the observations
	// of a landmark.
	DescriptorNoise int
	// PixelNoise is the standard deviation of keypoint noise in pixels.
	PixelNoise float64
	Width      int
	Height     int
	Focal      float64
	Seed       uint64
}

// DefaultSceneOptions contains the default scene options.
var DefaultSceneOptions = SceneOptions{
	NumViews:        5,
	PointsPerView:   80,
	Distractors:     20,
	Type:            feature.TypeSIFT,
	DescriptorNoise: 3,
	Width:           640,
	Height:          480,
	Focal:           500,
	Seed:            1,
}

// clusterSpacing separates the landmark clusters of neighbouring views.
const clusterSpacing = 20.0

// Scene is a synthetic reconstruction with the regions of its views.
type Scene struct {
	Options        SceneOptions
	Intrinsics     *camera.Pinhole
	Reconstruction *sfm.Reconstruction
	Regions        *feature.RegionsPerView

	descriptors map[sfm.LandmarkID]feature.Descriptor
	clusters    [][]sfm.LandmarkID
	rng         *RNG
}

// NewScene generates a scene in which view v observes only the landmarks of
// cluster v.
func NewScene(optFns ...func(o *SceneOptions)) (*Scene, error) {
	opts := DefaultSceneOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.NumViews <= 0 || opts.PointsPerView <= 0 || opts.Distractors < 0 {
		return nil, fmt.Errorf("testutil: invalid scene options %+v", opts)
	}
	intr, err := camera.NewPinhole(opts.Width, opts.Height, opts.Focal, float64(opts.Width)/2, float64(opts.Height)/2)
	if err != nil {
		return nil, err
	}

	s := &Scene{
		Options:        opts,
		Intrinsics:     intr,
		Reconstruction: sfm.New(),
		Regions:        feature.NewRegionsPerView(),
		descriptors:    make(map[sfm.LandmarkID]feature.Descriptor),
		clusters:       make([][]sfm.LandmarkID, opts.NumViews),
		rng:            NewRNG(opts.Seed),
	}
	s.Reconstruction.Intrinsics[0] = sfm.IntrinsicFromPinhole(0, intr)

	for v := 0; v < opts.NumViews; v++ {
		view := feature.ViewID(v)
		pose := camera.NewPose(
			camera.RotationFromVector(r3.Vec{
				X: s.rng.Uniform(-0.05, 0.05),
				Y: s.rng.Uniform(-0.05, 0.05),
				Z: s.rng.Uniform(-0.05, 0.05),
			}),
			r3.Add(clusterCenter(v), r3.Vec{X: s.rng.Uniform(-0.3, 0.3), Y: s.rng.Uniform(-0.3, 0.3), Z: -6}),
		)
		s.Reconstruction.Views[view] = &sfm.View{
			ID:          view,
			Path:        fmt.Sprintf("views/%d", v),
			IntrinsicID: 0,
			Pose:        &pose,
		}

		regions := feature.NewRegions(opts.Type, opts.PointsPerView+opts.Distractors)
		for len(s.clusters[v]) < opts.PointsPerView {
			x := r3.Add(clusterCenter(v), r3.Vec{
				X: s.rng.Uniform(-2, 2),
				Y: s.rng.Uniform(-1.5, 1.5),
				Z: s.rng.Uniform(-1, 1),
			})
			px, py, ok := s.project(pose, x)
			if !ok {
				continue
			}
			id := sfm.LandmarkID(v*100000 + len(s.clusters[v]))
			desc := s.rng.Descriptor(opts.Type.Dimension())
			s.descriptors[id] = desc
			s.clusters[v] = append(s.clusters[v], id)

			fid := uint32(regions.Count())
			if err := regions.Append(s.keypoint(px, py), s.rng.Perturb(desc, opts.DescriptorNoise)); err != nil {
				return nil, err
			}
			s.Reconstruction.Landmarks[id] = &sfm.Landmark{
				ID: id,
				X:  x,
				Observations: map[feature.ViewID]sfm.Observation{
					view: {FeatureID: fid, X: float64(regions.Keypoint(int(fid)).X), Y: float64(regions.Keypoint(int(fid)).Y)},
				},
			}
		}
		if err := s.addDistractors(regions); err != nil {
			return nil, err
		}
		s.Regions.Add(view, regions)
	}
	return s, s.Reconstruction.Validate()
}

func clusterCenter(v int) r3.Vec {
	return r3.Vec{X: float64(v) * clusterSpacing}
}

func (s *Scene) project(pose camera.Pose, x r3.Vec) (float64, float64, bool) {
	px, py, ok := camera.Reproject(s.Intrinsics, pose, x)
	margin := 3 * s.Options.PixelNoise
	if !ok || px < margin || py < margin ||
		px >= float64(s.Options.Width)-margin || py >= float64(s.Options.Height)-margin {
		return 0, 0, false
	}
	return px, py, true
}

func (s *Scene) keypoint(px, py float64) feature.Keypoint {
	if s.Options.PixelNoise > 0 {
		px += s.Options.PixelNoise * s.rng.NormFloat64()
		py += s.Options.PixelNoise * s.rng.NormFloat64()
	}
	return feature.Keypoint{
		X:           float32(px),
		Y:           float32(py),
		Scale:       float32(s.rng.Uniform(1, 8)),
		Orientation: float32(s.rng.Uniform(-math.Pi, math.Pi)),
	}
}

func (s *Scene) addDistractors(r *feature.Regions) error {
	for i := 0; i < s.Options.Distractors; i++ {
		kp := s.keypoint(
			s.rng.Uniform(0, float64(s.Options.Width)),
			s.rng.Uniform(0, float64(s.Options.Height)),
		)
		if err := r.Append(kp, s.rng.Descriptor(s.Options.Type.Dimension())); err != nil {
			return err
		}
	}
	return nil
}

// ViewPose returns the pose of a reference view.
func (s *Scene) ViewPose(v feature.ViewID) camera.Pose {
	return *s.Reconstruction.Views[v].Pose
}

// QueryPose returns a pose near view v that still sees most of its cluster.
func (s *Scene) QueryPose(v feature.ViewID) camera.Pose {
	p := s.ViewPose(v)
	return camera.NewPose(
		p.Rotation.Mul(camera.RotationFromVector(r3.Vec{X: 0.02, Y: -0.03, Z: 0.01})),
		r3.Add(p.Center, r3.Vec{X: 0.25, Y: -0.15, Z: 0.4}),
	)
}

// Landmarks returns the landmark ids observed by view v.
func (s *Scene) Landmarks(v feature.ViewID) []sfm.LandmarkID {
	return s.clusters[v]
}

// AllRegions returns the regions of every view ordered by view id.
func (s *Scene) AllRegions() []*feature.Regions {
	out := make([]*feature.Regions, 0, s.Options.NumViews)
	for _, v := range s.Reconstruction.ViewIDs() {
		out = append(out, s.Regions.Regions(v, s.Options.Type))
	}
	return out
}

// Query renders the cluster of view v from pose: every landmark of the
// cluster inside the image becomes a feature with a perturbed descriptor,
// followed by distractors. The second result maps feature index to landmark.
func (s *Scene) Query(v feature.ViewID, pose camera.Pose) (*feature.Regions, []sfm.LandmarkID, error) {
	if int(v) >= len(s.clusters) {
		return nil, nil, fmt.Errorf("testutil: unknown view %d", v)
	}
	regions := feature.NewRegions(s.Options.Type, len(s.clusters[v])+s.Options.Distractors)
	var truth []sfm.LandmarkID
	for _, id := range s.clusters[v] {
		px, py, ok := s.project(pose, s.Reconstruction.Landmarks[id].X)
		if !ok {
			continue
		}
		if err := regions.Append(s.keypoint(px, py), s.rng.Perturb(s.descriptors[id], s.Options.DescriptorNoise)); err != nil {
			return nil, nil, err
		}
		truth = append(truth, id)
	}
	if err := s.addDistractors(regions); err != nil {
		return nil, nil, err
	}
	return regions, truth, nil
}

// Empty returns a reconstruction without views or landmarks, sharing the
// scene's calibration.
func (s *Scene) Empty() *sfm.Reconstruction {
	r := sfm.New()
	r.Intrinsics[0] = sfm.IntrinsicFromPinhole(0, s.Intrinsics)
	return r
}
