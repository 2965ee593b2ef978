package voctree

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrCorrupt is returned when a persisted tree or weight table cannot be decoded.
var ErrCorrupt = errors.New("voctree: corrupt data")

const (
	treeMagic    = "VTRE"
	weightsMagic = "VTWT"
	formatV1     = uint32(1)

	maxReadNodes = 1 << 28
	readChunk    = 1 << 16
)

type treeHeader struct {
	Version   uint32
	Branching uint32
	Depth     uint32
	Dim       uint32
	Valid     uint32
}

// WriteTo writes the tree in its binary format: the magic "VTRE", a
// little-endian header, one validity byte per node in layout order and the
// centers of the valid nodes.
func (t *Tree) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)

	if _, err := bw.WriteString(treeMagic); err != nil {
		return cw.n, err
	}
	hdr := treeHeader{
		Version:   formatV1,
		Branching: uint32(t.branching),
		Depth:     uint32(t.depth),
		Dim:       uint32(t.dim),
		Valid:     uint32(t.ValidNodes()),
	}
	if err := binary.Write(bw, binary.LittleEndian, hdr); err != nil {
		return cw.n, err
	}
	for _, r := range t.rows {
		flag := byte(0)
		if r >= 0 {
			flag = 1
		}
		if err := bw.WriteByte(flag); err != nil {
			return cw.n, err
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, t.centers); err != nil {
		return cw.n, err
	}
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Read decodes a tree written by WriteTo.
func Read(r io.Reader) (*Tree, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(treeMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("%w: read magic: %w", ErrCorrupt, err)
	}
	if string(magic) != treeMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, magic)
	}

	var hdr treeHeader
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrCorrupt, err)
	}
	if hdr.Version != formatV1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, hdr.Version)
	}
	if err := validateShape(int(hdr.Branching), int(hdr.Depth)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if hdr.Dim == 0 || hdr.Dim > 1<<12 {
		return nil, fmt.Errorf("%w: descriptor dimension %d", ErrCorrupt, hdr.Dim)
	}

	if nodes := nodeCount(int(hdr.Branching), int(hdr.Depth)); nodes > maxReadNodes {
		return nil, fmt.Errorf("%w: layout of %d nodes", ErrCorrupt, nodes)
	}

	t := newTree(int(hdr.Branching), int(hdr.Depth), int(hdr.Dim))
	if int(hdr.Valid) > len(t.rows) {
		return nil, fmt.Errorf("%w: %d valid nodes in a tree of %d", ErrCorrupt, hdr.Valid, len(t.rows))
	}

	flags := make([]byte, len(t.rows))
	if _, err := io.ReadFull(br, flags); err != nil {
		return nil, fmt.Errorf("%w: read node flags: %w", ErrCorrupt, err)
	}
	row := int32(0)
	for node, f := range flags {
		switch f {
		case 0:
		case 1:
			t.rows[node] = row
			row++
		default:
			return nil, fmt.Errorf("%w: node %d has flag %d", ErrCorrupt, node, f)
		}
	}
	if uint32(row) != hdr.Valid {
		return nil, fmt.Errorf("%w: %d valid flags, header says %d", ErrCorrupt, row, hdr.Valid)
	}
	if err := t.checkStructure(); err != nil {
		return nil, err
	}

	t.centers = make([]float32, int(row)*t.dim)
	if err := binary.Read(br, binary.LittleEndian, t.centers); err != nil {
		return nil, fmt.Errorf("%w: read centers: %w", ErrCorrupt, err)
	}
	for _, v := range t.centers {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite center value", ErrCorrupt)
		}
	}
	return t, nil
}

// checkStructure verifies that every valid node below level 1 has a valid parent.
func (t *Tree) checkStructure() error {
	width := t.branching
	for level := 2; level <= t.depth; level++ {
		width *= t.branching
		for prefix := 0; prefix < width; prefix++ {
			if t.rows[t.node(level, prefix)] < 0 {
				continue
			}
			if t.rows[t.node(level-1, prefix/t.branching)] < 0 {
				return fmt.Errorf("%w: node %d/%d has no parent", ErrCorrupt, level, prefix)
			}
		}
	}
	return nil
}

// WriteWeights writes a per-word weight table: the magic "VTWT", a
// little-endian version and count, then the weights.
func WriteWeights(w io.Writer, weights []float32) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(weightsMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, formatV1); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(weights))); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, weights); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadWeights decodes a table written by WriteWeights.
func ReadWeights(r io.Reader) ([]float32, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(weightsMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("%w: read magic: %w", ErrCorrupt, err)
	}
	if string(magic) != weightsMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorrupt, magic)
	}
	var version uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: read version: %w", ErrCorrupt, err)
	}
	if version != formatV1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, version)
	}
	var n uint64
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: read count: %w", ErrCorrupt, err)
	}
	if n > maxWords {
		return nil, fmt.Errorf("%w: %d weights", ErrCorrupt, n)
	}
	weights := make([]float32, 0, min(n, readChunk))
	chunk := make([]float32, readChunk)
	for remaining := n; remaining > 0; {
		c := chunk[:min(remaining, readChunk)]
		if err := binary.Read(br, binary.LittleEndian, c); err != nil {
			return nil, fmt.Errorf("%w: read weights: %w", ErrCorrupt, err)
		}
		weights = append(weights, c...)
		remaining -= uint64(len(c))
	}
	return weights, nil
}

func nodeCount(branching, depth int) int {
	nodes, width := 0, 1
	for l := 0; l < depth; l++ {
		width *= branching
		nodes += width
	}
	return nodes
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
