package feature

import "sort"

// RegionsPerView maps a view and a descriptor type to the Regions of that view.
//
// It is built once per reconstruction (or per query) and is read-only
// afterwards; concurrent reads are safe once construction has finished.
type RegionsPerView struct {
	views map[ViewID]map[Type]*Regions
}

// NewRegionsPerView creates an empty registry.
func NewRegionsPerView() *RegionsPerView {
	return &RegionsPerView{views: make(map[ViewID]map[Type]*Regions)}
}

// Add registers regions for a view under the regions' own descriptor type,
// replacing any previous entry of that type.
func (rpv *RegionsPerView) Add(view ViewID, r *Regions) {
	byType, ok := rpv.views[view]
	if !ok {
		byType = make(map[Type]*Regions, 1)
		rpv.views[view] = byType
	}
	byType[r.Type()] = r
}

// Regions returns the regions of the view for the descriptor type, or nil.
func (rpv *RegionsPerView) Regions(view ViewID, t Type) *Regions {
	byType, ok := rpv.views[view]
	if !ok {
		return nil
	}
	return byType[t]
}

// Has reports whether the view has regions of any type.
func (rpv *RegionsPerView) Has(view ViewID) bool {
	_, ok := rpv.views[view]
	return ok
}

// Len returns the number of views.
func (rpv *RegionsPerView) Len() int {
	return len(rpv.views)
}

// Views returns the registered view ids in ascending order.
func (rpv *RegionsPerView) Views() []ViewID {
	ids := make([]ViewID, 0, len(rpv.views))
	for id := range rpv.views {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
