package feature

import (
	"fmt"
	"math"
)

// ViewID identifies an image of the reconstruction (or the query).
type ViewID uint32

// UndefinedViewID is reserved for views that are not part of the
// reconstruction, such as the query image during localization.
const UndefinedViewID ViewID = math.MaxUint32

// Type identifies a descriptor family. The type is resolved once when
// regions are created and never re-checked per access.
type Type int

const (
	// TypeUnknown is the zero value and never valid for Regions.
	TypeUnknown Type = iota
	// TypeSIFT is a 128-dimensional SIFT descriptor with uint8 entries.
	TypeSIFT
	// TypeAKAZE is a 64-dimensional AKAZE (MSURF) descriptor with uint8 entries.
	TypeAKAZE
)

// Dimension returns the descriptor length of the type, or 0 for unknown types.
func (t Type) Dimension() int {
	switch t {
	case TypeSIFT:
		return 128
	case TypeAKAZE:
		return 64
	default:
		return 0
	}
}

func (t Type) String() string {
	switch t {
	case TypeSIFT:
		return "SIFT"
	case TypeAKAZE:
		return "AKAZE"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// ParseType parses a descriptor type name as produced by String.
func ParseType(s string) (Type, error) {
	switch s {
	case "SIFT", "sift":
		return TypeSIFT, nil
	case "AKAZE", "akaze":
		return TypeAKAZE, nil
	default:
		return TypeUnknown, fmt.Errorf("unknown descriptor type %q", s)
	}
}
