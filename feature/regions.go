package feature

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrInvariant is returned when an operation would break the Regions invariants.
var ErrInvariant = errors.New("feature: regions invariant violated")

// Regions is the ordered set of (Keypoint, Descriptor) pairs of one image
// for one descriptor type.
//
// Keypoints and descriptors always have the same length and share indices.
// Regions are filled with Append during construction and must not be
// modified once they are handed to a matcher or a database.
type Regions struct {
	typ         Type
	dim         int
	keypoints   []Keypoint
	descriptors []uint8 // flat, len == len(keypoints)*dim

	floats atomic.Pointer[[]float32]
}

// NewRegions creates empty Regions of the given type with room for capacity entries.
func NewRegions(t Type, capacity int) *Regions {
	dim := t.Dimension()
	if capacity < 0 {
		capacity = 0
	}
	return &Regions{
		typ:         t,
		dim:         dim,
		keypoints:   make([]Keypoint, 0, capacity),
		descriptors: make([]uint8, 0, capacity*dim),
	}
}

// Type returns the descriptor type.
func (r *Regions) Type() Type { return r.typ }

// Dimension returns the descriptor length.
func (r *Regions) Dimension() int { return r.dim }

// Count returns the number of regions. A nil Regions has zero regions.
func (r *Regions) Count() int {
	if r == nil {
		return 0
	}
	return len(r.keypoints)
}

// Append adds one keypoint with its descriptor.
func (r *Regions) Append(kp Keypoint, d Descriptor) error {
	if r.dim == 0 {
		return fmt.Errorf("%w: descriptor type %v has no dimension", ErrInvariant, r.typ)
	}
	if len(d) != r.dim {
		return fmt.Errorf("%w: descriptor length %d, want %d", ErrInvariant, len(d), r.dim)
	}
	r.keypoints = append(r.keypoints, kp)
	r.descriptors = append(r.descriptors, d...)
	r.floats.Store(nil)
	return nil
}

// Keypoint returns the i-th keypoint.
func (r *Regions) Keypoint(i int) Keypoint {
	return r.keypoints[i]
}

// Keypoints returns the keypoints. The slice must not be modified.
func (r *Regions) Keypoints() []Keypoint {
	return r.keypoints
}

// Descriptor returns the i-th descriptor. The slice aliases internal storage.
func (r *Regions) Descriptor(i int) Descriptor {
	return r.descriptors[i*r.dim : (i+1)*r.dim : (i+1)*r.dim]
}

// RawDescriptors returns the flat descriptor storage (Count()*Dimension() bytes).
func (r *Regions) RawDescriptors() []uint8 {
	return r.descriptors
}

// Float32s returns the descriptors as a flat float32 matrix, row-major with
// Dimension() columns. Values are converted one to one; no normalization is
// applied. The result is computed once and shared; callers must not modify it.
func (r *Regions) Float32s() []float32 {
	if p := r.floats.Load(); p != nil {
		return *p
	}
	out := make([]float32, len(r.descriptors))
	for i, v := range r.descriptors {
		out[i] = float32(v)
	}
	r.floats.CompareAndSwap(nil, &out)
	return *r.floats.Load()
}

// Subset returns new Regions holding only the given indices, in order.
func (r *Regions) Subset(indices []int) (*Regions, error) {
	out := NewRegions(r.typ, len(indices))
	for _, i := range indices {
		if i < 0 || i >= r.Count() {
			return nil, fmt.Errorf("%w: index %d out of range [0,%d)", ErrInvariant, i, r.Count())
		}
		if err := out.Append(r.keypoints[i], r.Descriptor(i)); err != nil {
			return nil, err
		}
	}
	return out, nil
}
