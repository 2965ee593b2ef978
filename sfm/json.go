package sfm

import (
	"fmt"
	"maps"
	"slices"

	"github.com/hupe1980/vislocate/codec"
)

// document is the on-disk layout: flat lists sorted by id.
type document struct {
	Version    int         `json:"version"`
	Views      []View      `json:"views"`
	Intrinsics []Intrinsic `json:"intrinsics"`
	Landmarks  []Landmark  `json:"landmarks"`
}

const documentVersion = 1

// Marshal encodes r with c (codec.Default when nil).
func Marshal(c codec.Codec, r *Reconstruction) ([]byte, error) {
	if c == nil {
		c = codec.Default
	}
	doc := document{Version: documentVersion}
	for _, id := range r.ViewIDs() {
		doc.Views = append(doc.Views, *r.Views[id])
	}
	for _, id := range slices.Sorted(maps.Keys(r.Intrinsics)) {
		doc.Intrinsics = append(doc.Intrinsics, r.Intrinsics[id])
	}
	for _, id := range r.LandmarkIDs() {
		doc.Landmarks = append(doc.Landmarks, *r.Landmarks[id])
	}
	return c.Marshal(doc)
}

// Unmarshal decodes a reconstruction written by Marshal and validates it.
func Unmarshal(c codec.Codec, data []byte) (*Reconstruction, error) {
	if c == nil {
		c = codec.Default
	}
	var doc document
	if err := c.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalid, doc.Version)
	}

	r := New()
	for i := range doc.Views {
		v := doc.Views[i]
		if _, dup := r.Views[v.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate view %d", ErrInvalid, v.ID)
		}
		r.Views[v.ID] = &v
	}
	for _, in := range doc.Intrinsics {
		if _, dup := r.Intrinsics[in.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate intrinsic %d", ErrInvalid, in.ID)
		}
		r.Intrinsics[in.ID] = in
	}
	for i := range doc.Landmarks {
		l := doc.Landmarks[i]
		if _, dup := r.Landmarks[l.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate landmark %d", ErrInvalid, l.ID)
		}
		r.Landmarks[l.ID] = &l
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
