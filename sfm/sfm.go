// Package sfm describes a structure-from-motion reconstruction: posed
// views, their calibrations and the landmarks triangulated from them.
//
// A reconstruction is produced offline and loaded read-only. Validate
// checks its referential integrity.
package sfm

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/hupe1980/vislocate/camera"
	"github.com/hupe1980/vislocate/feature"
)

// ErrInvalid is returned by Validate for inconsistent reconstructions.
var ErrInvalid = errors.New("sfm: invalid reconstruction")

// IntrinsicID identifies a calibration shared by views.
type IntrinsicID uint32

// LandmarkID identifies a 3D point.
type LandmarkID uint64

// Observation is the 2D measurement of a landmark in one view.
type Observation struct {
	FeatureID uint32  `json:"feature_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// Landmark is a reconstructed 3D point with its observations.
type Landmark struct {
	ID           LandmarkID                     `json:"id"`
	X            r3.Vec                         `json:"position"`
	Observations map[feature.ViewID]Observation `json:"observations"`
}

// View is one image of the reconstruction.
type View struct {
	ID          feature.ViewID `json:"id"`
	Path        string         `json:"path,omitempty"`
	IntrinsicID IntrinsicID    `json:"intrinsic_id"`
	// Pose is nil for views that were not localized during reconstruction.
	Pose *camera.Pose `json:"pose,omitempty"`
}

// Intrinsic is the serializable form of a pinhole calibration.
type Intrinsic struct {
	ID               IntrinsicID           `json:"id"`
	Width            int                   `json:"width"`
	Height           int                   `json:"height"`
	Focal            float64               `json:"focal"`
	PrincipalX       float64               `json:"principal_x"`
	PrincipalY       float64               `json:"principal_y"`
	Distortion       camera.DistortionType `json:"distortion,omitempty"`
	DistortionParams []float64             `json:"distortion_params,omitempty"`
}

// Camera builds the calibration.
func (in Intrinsic) Camera() (*camera.Pinhole, error) {
	p, err := camera.NewPinhole(in.Width, in.Height, in.Focal, in.PrincipalX, in.PrincipalY)
	if err != nil {
		return nil, err
	}
	d, err := camera.NewDistortion(in.Distortion, in.DistortionParams)
	if err != nil {
		return nil, err
	}
	p.Distortion = d
	return p, nil
}

// IntrinsicFromPinhole returns the serializable form of p.
func IntrinsicFromPinhole(id IntrinsicID, p *camera.Pinhole) Intrinsic {
	in := Intrinsic{
		ID:         id,
		Width:      p.W,
		Height:     p.H,
		Focal:      p.Focal,
		PrincipalX: p.PrincipalX,
		PrincipalY: p.PrincipalY,
	}
	if p.Distortion != nil && p.Distortion.ModelType() != camera.NoDistortionType {
		in.Distortion = p.Distortion.ModelType()
		in.DistortionParams = p.Distortion.Params()
	}
	return in
}

// Reconstruction is a set of posed views and landmarks.
type Reconstruction struct {
	Views      map[feature.ViewID]*View
	Intrinsics map[IntrinsicID]Intrinsic
	Landmarks  map[LandmarkID]*Landmark
}

// New returns an empty reconstruction.
func New() *Reconstruction {
	return &Reconstruction{
		Views:      make(map[feature.ViewID]*View),
		Intrinsics: make(map[IntrinsicID]Intrinsic),
		Landmarks:  make(map[LandmarkID]*Landmark),
	}
}

// ViewIDs returns the view ids in ascending order.
func (r *Reconstruction) ViewIDs() []feature.ViewID {
	return slices.Sorted(maps.Keys(r.Views))
}

// LandmarkIDs returns the landmark ids in ascending order.
func (r *Reconstruction) LandmarkIDs() []LandmarkID {
	return slices.Sorted(maps.Keys(r.Landmarks))
}

// Camera returns the calibration of view id.
func (r *Reconstruction) Camera(id feature.ViewID) (*camera.Pinhole, error) {
	v, ok := r.Views[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown view %d", ErrInvalid, id)
	}
	in, ok := r.Intrinsics[v.IntrinsicID]
	if !ok {
		return nil, fmt.Errorf("%w: view %d has unknown intrinsic %d", ErrInvalid, id, v.IntrinsicID)
	}
	return in.Camera()
}

// ViewObservation links a feature of a view to the landmark it observes.
type ViewObservation struct {
	FeatureID uint32
	Landmark  LandmarkID
}

// ObservationsByView groups the observations of all landmarks by view.
// Each slice is ordered by feature id.
func (r *Reconstruction) ObservationsByView() map[feature.ViewID][]ViewObservation {
	out := make(map[feature.ViewID][]ViewObservation)
	for _, id := range r.LandmarkIDs() {
		for view, obs := range r.Landmarks[id].Observations {
			out[view] = append(out[view], ViewObservation{FeatureID: obs.FeatureID, Landmark: id})
		}
	}
	for _, list := range out {
		slices.SortFunc(list, func(a, b ViewObservation) int {
			switch {
			case a.FeatureID < b.FeatureID:
				return -1
			case a.FeatureID > b.FeatureID:
				return 1
			case a.Landmark < b.Landmark:
				return -1
			case a.Landmark > b.Landmark:
				return 1
			default:
				return 0
			}
		})
	}
	return out
}

// Validate checks that every view references a known calibration, every
// observation references a known view and that no feature of a view
// observes two landmarks. The query view id is not a valid view id.
func (r *Reconstruction) Validate() error {
	for id, v := range r.Views {
		if v == nil || v.ID != id {
			return fmt.Errorf("%w: view entry %d is inconsistent", ErrInvalid, id)
		}
		if id == feature.UndefinedViewID {
			return fmt.Errorf("%w: view id %d is reserved for queries", ErrInvalid, id)
		}
		if _, ok := r.Intrinsics[v.IntrinsicID]; !ok {
			return fmt.Errorf("%w: view %d has unknown intrinsic %d", ErrInvalid, id, v.IntrinsicID)
		}
	}
	for id, in := range r.Intrinsics {
		if in.ID != id {
			return fmt.Errorf("%w: intrinsic entry %d is inconsistent", ErrInvalid, id)
		}
		if _, err := in.Camera(); err != nil {
			return fmt.Errorf("%w: intrinsic %d: %w", ErrInvalid, id, err)
		}
	}
	for id, l := range r.Landmarks {
		if l == nil || l.ID != id {
			return fmt.Errorf("%w: landmark entry %d is inconsistent", ErrInvalid, id)
		}
	}
	for view, list := range r.ObservationsByView() {
		if _, ok := r.Views[view]; !ok {
			return fmt.Errorf("%w: landmark %d observed in unknown view %d", ErrInvalid, list[0].Landmark, view)
		}
		for i := 1; i < len(list); i++ {
			if list[i].FeatureID == list[i-1].FeatureID {
				return fmt.Errorf("%w: feature %d of view %d observes landmarks %d and %d",
					ErrInvalid, list[i].FeatureID, view, list[i-1].Landmark, list[i].Landmark)
			}
		}
	}
	return nil
}
