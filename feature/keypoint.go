package feature

// Keypoint is a scale and orientation invariant interest point.
type Keypoint struct {
	X           float32
	Y           float32
	Scale       float32
	Orientation float32
}

// Descriptor is a fixed-length vector of quantized magnitudes.
// Its length is given by the Type of the Regions it belongs to.
type Descriptor []uint8
