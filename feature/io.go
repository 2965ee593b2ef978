package feature

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadKeypoints parses the text keypoint format: one keypoint per line as
// "x y scale orientation". Blank lines are ignored.
func ReadKeypoints(r io.Reader) ([]Keypoint, error) {
	var kps []Keypoint
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("keypoints line %d: want 4 fields, got %d", line, len(fields))
		}
		var v [4]float32
		for i, f := range fields {
			x, err := strconv.ParseFloat(f, 32)
			if err != nil {
				return nil, fmt.Errorf("keypoints line %d: %w", line, err)
			}
			v[i] = float32(x)
		}
		kps = append(kps, Keypoint{X: v[0], Y: v[1], Scale: v[2], Orientation: v[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return kps, nil
}

// WriteKeypoints writes keypoints in the format read by ReadKeypoints.
func WriteKeypoints(w io.Writer, kps []Keypoint) error {
	bw := bufio.NewWriter(w)
	for _, kp := range kps {
		if _, err := fmt.Fprintf(bw, "%g %g %g %g\n", kp.X, kp.Y, kp.Scale, kp.Orientation); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadDescriptors parses the binary descriptor format: a little-endian
// uint64 count followed by count*dim bytes.
func ReadDescriptors(r io.Reader, dim int) ([]uint8, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("descriptor header: %w", err)
	}
	const maxDescriptors = 1 << 26
	if n > maxDescriptors {
		return nil, fmt.Errorf("descriptor count %d exceeds limit", n)
	}
	buf := make([]uint8, int(n)*dim)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("descriptor body: %w", err)
	}
	return buf, nil
}

// WriteDescriptors writes the flat descriptors of r in the format read by ReadDescriptors.
func WriteDescriptors(w io.Writer, r *Regions) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(r.Count())); err != nil {
		return err
	}
	_, err := w.Write(r.descriptors)
	return err
}

// Assemble builds Regions from separately stored keypoints and flat descriptors.
func Assemble(t Type, kps []Keypoint, descriptors []uint8) (*Regions, error) {
	dim := t.Dimension()
	if dim == 0 {
		return nil, fmt.Errorf("%w: descriptor type %v has no dimension", ErrInvariant, t)
	}
	if len(descriptors) != len(kps)*dim {
		return nil, fmt.Errorf("%w: %d keypoints but %d descriptor bytes (dim %d)",
			ErrInvariant, len(kps), len(descriptors), dim)
	}
	r := NewRegions(t, len(kps))
	for i, kp := range kps {
		if err := r.Append(kp, descriptors[i*dim:(i+1)*dim]); err != nil {
			return nil, err
		}
	}
	return r, nil
}
