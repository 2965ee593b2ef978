package feature

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"
)

// Describer turns an image into Regions. Implementations may wrap any
// detector; the localizer only relies on this contract.
type Describer interface {
	// Type returns the descriptor type produced by Describe.
	Type() Type
	// Describe detects and describes features. mask may be nil; when set,
	// only pixels with a non-zero mask value are considered.
	Describe(ctx context.Context, img *image.Gray, mask *image.Gray) (*Regions, error)
}

// Preset is a coarse quality setting for describers.
type Preset int

const (
	PresetLow Preset = iota
	PresetMedium
	PresetNormal
	PresetHigh
	PresetUltra
)

func (p Preset) String() string {
	switch p {
	case PresetLow:
		return "low"
	case PresetMedium:
		return "medium"
	case PresetNormal:
		return "normal"
	case PresetHigh:
		return "high"
	case PresetUltra:
		return "ultra"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePreset parses a preset name as produced by String. The empty string
// selects PresetNormal.
func ParsePreset(s string) (Preset, error) {
	switch s {
	case "low":
		return PresetLow, nil
	case "medium":
		return PresetMedium, nil
	case "", "normal":
		return PresetNormal, nil
	case "high":
		return PresetHigh, nil
	case "ultra":
		return PresetUltra, nil
	default:
		return PresetNormal, fmt.Errorf("unknown describer preset %q", s)
	}
}

// DescriberParams are the detector parameters selected by a Preset.
type DescriberParams struct {
	ContrastThreshold float64
	EdgeThreshold     float64
	MaxTotalKeypoints int
}

// Params returns the detector parameters of the preset.
func (p Preset) Params() DescriberParams {
	switch p {
	case PresetLow:
		return DescriberParams{ContrastThreshold: 0.01, EdgeThreshold: 10, MaxTotalKeypoints: 1000}
	case PresetMedium:
		return DescriberParams{ContrastThreshold: 0.005, EdgeThreshold: 10, MaxTotalKeypoints: 5000}
	case PresetHigh:
		return DescriberParams{ContrastThreshold: 0.005, EdgeThreshold: 20, MaxTotalKeypoints: 20000}
	case PresetUltra:
		return DescriberParams{ContrastThreshold: 0.005, EdgeThreshold: 20, MaxTotalKeypoints: 40000}
	default:
		return DescriberParams{ContrastThreshold: 0.005, EdgeThreshold: 15, MaxTotalKeypoints: 10000}
	}
}

// RootNormalize converts a raw histogram descriptor into the quantized
// root-normalized form used throughout the pipeline: each entry becomes
// 512*sqrt(v/sum(v)), clamped to 255. A zero histogram yields zeros.
func RootNormalize(raw []float32) Descriptor {
	out := make(Descriptor, len(raw))
	var sum float64
	for _, v := range raw {
		sum += float64(v)
	}
	if sum <= 0 {
		return out
	}
	for i, v := range raw {
		if v <= 0 {
			continue
		}
		q := 512 * math.Sqrt(float64(v)/sum)
		if q > 255 {
			q = 255
		}
		out[i] = uint8(q)
	}
	return out
}

// GridFilter wraps a Describer and limits the number of regions while
// keeping them spread over the image.
//
// Regions are ordered by decreasing scale. When there are more than MaxTotal
// regions, each of the GridSize×GridSize cells keeps at most
// MaxTotal/GridSize² of them; if that leaves the budget unfilled, the
// strongest rejected regions are added back in order. With GridSize == 0 the
// MaxTotal largest-scale regions are kept.
type GridFilter struct {
	Describer Describer
	GridSize  int
	MaxTotal  int
}

// Type implements Describer.
func (g *GridFilter) Type() Type { return g.Describer.Type() }

// Describe implements Describer.
func (g *GridFilter) Describe(ctx context.Context, img *image.Gray, mask *image.Gray) (*Regions, error) {
	r, err := g.Describer.Describe(ctx, img, mask)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return NewRegions(g.Type(), 0), nil
	}
	b := img.Bounds()
	return g.Filter(r, b.Dx(), b.Dy())
}

// Filter applies the grid policy to already described regions of an image
// with the given size.
func (g *GridFilter) Filter(r *Regions, width, height int) (*Regions, error) {
	order := make([]int, r.Count())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return r.keypoints[order[a]].Scale > r.keypoints[order[b]].Scale
	})

	if g.MaxTotal <= 0 || len(order) <= g.MaxTotal {
		return r.Subset(order)
	}
	if g.GridSize <= 0 || width <= 0 || height <= 0 {
		return r.Subset(order[:g.MaxTotal])
	}

	perCell := g.MaxTotal / (g.GridSize * g.GridSize)
	cellW := float64(width) / float64(g.GridSize)
	cellH := float64(height) / float64(g.GridSize)
	counts := make([]int, g.GridSize*g.GridSize)

	kept := make([]int, 0, g.MaxTotal)
	rejected := make([]int, 0, len(order))
	for _, i := range order {
		kp := r.keypoints[i]
		cx := min(max(int(float64(kp.X)/cellW), 0), g.GridSize-1)
		cy := min(max(int(float64(kp.Y)/cellH), 0), g.GridSize-1)
		cell := cy*g.GridSize + cx
		if counts[cell] < perCell {
			kept = append(kept, i)
		} else {
			rejected = append(rejected, i)
		}
		counts[cell]++
	}
	if missing := g.MaxTotal - len(kept); missing > 0 {
		kept = append(kept, rejected[:min(missing, len(rejected))]...)
	}
	return r.Subset(kept)
}
