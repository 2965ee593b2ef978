package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/vislocate/blobstore"
	"github.com/hupe1980/vislocate/codec"
	"github.com/hupe1980/vislocate/feature"
	"github.com/hupe1980/vislocate/resource"
	"github.com/hupe1980/vislocate/sfm"
	"github.com/hupe1980/vislocate/voctree"
)

// Compression selects how saved blobs are compressed.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

// Ext returns the file name suffix of the compression.
func (c Compression) Ext() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// Options configures a Loader.
type Options struct {
	// Codec decodes the reconstruction.
	Codec codec.Codec
	// Resources throttles blob IO. Nil means unlimited.
	Resources *resource.Controller
	// Compression is applied by the Save methods.
	Compression Compression

	ReconstructionName string
	VocabularyTreeName string
	WeightsName        string

	Logger *slog.Logger
}

// DefaultOptions contains the default loader options.
var DefaultOptions = Options{
	Codec:              codec.GoJSON{},
	ReconstructionName: "sfm.json",
	VocabularyTreeName: "vocabulary.tree",
	WeightsName:        "vocabulary.weights",
}

// Loader reads and writes localization assets.
type Loader struct {
	store blobstore.BlobStore
	opts  Options
}

// NewLoader creates a loader over store.
func NewLoader(store blobstore.BlobStore, optFns ...func(o *Options)) *Loader {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.GoJSON{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Loader{store: store, opts: opts}
}

// LoadReconstruction decodes and validates the reconstruction.
func (l *Loader) LoadReconstruction(ctx context.Context) (*sfm.Reconstruction, error) {
	data, err := l.read(ctx, l.opts.ReconstructionName)
	if err != nil {
		return nil, err
	}
	rec, err := sfm.Unmarshal(l.opts.Codec, data)
	if err != nil {
		return nil, fmt.Errorf("assets: %s: %w", l.opts.ReconstructionName, err)
	}
	l.opts.Logger.Debug("loaded reconstruction",
		"views", len(rec.Views), "landmarks", len(rec.Landmarks))
	return rec, nil
}

// SaveReconstruction encodes rec with the loader's codec.
func (l *Loader) SaveReconstruction(ctx context.Context, rec *sfm.Reconstruction) error {
	data, err := sfm.Marshal(l.opts.Codec, rec)
	if err != nil {
		return err
	}
	return l.write(ctx, l.opts.ReconstructionName, data)
}

// RegionsStem returns the name prefix of the feature files of a view.
func RegionsStem(view *sfm.View, t feature.Type) string {
	stem := view.Path
	if stem == "" {
		stem = fmt.Sprintf("views/%d", view.ID)
	}
	return stem + "." + strings.ToLower(t.String())
}

// LoadRegions reads the keypoints and descriptors of a view.
func (l *Loader) LoadRegions(ctx context.Context, view *sfm.View, t feature.Type) (*feature.Regions, error) {
	stem := RegionsStem(view, t)

	rc, err := l.open(ctx, stem+".feat")
	if err != nil {
		return nil, err
	}
	kps, err := feature.ReadKeypoints(rc)
	_ = rc.Close()
	if err != nil {
		return nil, fmt.Errorf("assets: %s.feat: %w", stem, err)
	}

	rc, err = l.open(ctx, stem+".desc")
	if err != nil {
		return nil, err
	}
	desc, err := feature.ReadDescriptors(rc, t.Dimension())
	_ = rc.Close()
	if err != nil {
		return nil, fmt.Errorf("assets: %s.desc: %w", stem, err)
	}

	r, err := feature.Assemble(t, kps, desc)
	if err != nil {
		return nil, fmt.Errorf("assets: view %d: %w", view.ID, err)
	}
	return r, nil
}

// SaveRegions writes the keypoints and descriptors of a view.
func (l *Loader) SaveRegions(ctx context.Context, view *sfm.View, r *feature.Regions) error {
	stem := RegionsStem(view, r.Type())

	var buf bytes.Buffer
	if err := feature.WriteKeypoints(&buf, r.Keypoints()); err != nil {
		return err
	}
	if err := l.write(ctx, stem+".feat", buf.Bytes()); err != nil {
		return err
	}
	buf.Reset()
	if err := feature.WriteDescriptors(&buf, r); err != nil {
		return err
	}
	return l.write(ctx, stem+".desc", buf.Bytes())
}

// LoadVocabularyTree reads the vocabulary tree.
func (l *Loader) LoadVocabularyTree(ctx context.Context) (*voctree.Tree, error) {
	rc, err := l.open(ctx, l.opts.VocabularyTreeName)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tree, err := voctree.Read(rc)
	if err != nil {
		return nil, fmt.Errorf("assets: %s: %w", l.opts.VocabularyTreeName, err)
	}
	l.opts.Logger.Debug("loaded vocabulary tree",
		"branching", tree.Branching(), "depth", tree.Depth(), "words", tree.Words())
	return tree, nil
}

// SaveVocabularyTree writes the vocabulary tree.
func (l *Loader) SaveVocabularyTree(ctx context.Context, tree *voctree.Tree) error {
	var buf bytes.Buffer
	if _, err := tree.WriteTo(&buf); err != nil {
		return err
	}
	return l.write(ctx, l.opts.VocabularyTreeName, buf.Bytes())
}

// LoadWeights reads the per-word weights. Weights are optional: a missing
// blob yields nil weights and no error.
func (l *Loader) LoadWeights(ctx context.Context) ([]float32, error) {
	rc, err := l.open(ctx, l.opts.WeightsName)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	w, err := voctree.ReadWeights(rc)
	if err != nil {
		return nil, fmt.Errorf("assets: %s: %w", l.opts.WeightsName, err)
	}
	return w, nil
}

// SaveWeights writes the per-word weights.
func (l *Loader) SaveWeights(ctx context.Context, weights []float32) error {
	var buf bytes.Buffer
	if err := voctree.WriteWeights(&buf, weights); err != nil {
		return err
	}
	return l.write(ctx, l.opts.WeightsName, buf.Bytes())
}

func (l *Loader) read(ctx context.Context, name string) ([]byte, error) {
	rc, err := l.open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// open returns a decompressing, throttled reader over the first existing
// variant of name.
func (l *Loader) open(ctx context.Context, name string) (io.ReadCloser, error) {
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		b, err := l.store.Open(ctx, name+c.Ext())
		if errors.Is(err, blobstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("assets: open %s: %w", name+c.Ext(), err)
		}
		r := io.Reader(resource.NewRateLimitedReader(ctx, blobstore.NewReader(ctx, b), l.opts.Resources))
		return decompress(r, b, c)
	}
	return nil, fmt.Errorf("assets: %s: %w", name, blobstore.ErrNotFound)
}

type readCloser struct {
	io.Reader
	close func() error
}

func (rc readCloser) Close() error { return rc.close() }

func decompress(r io.Reader, b blobstore.Blob, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		return readCloser{Reader: dec, close: func() error {
			dec.Close()
			return b.Close()
		}}, nil
	case CompressionLZ4:
		return readCloser{Reader: lz4.NewReader(r), close: b.Close}, nil
	default:
		return readCloser{Reader: r, close: b.Close}, nil
	}
}

func (l *Loader) write(ctx context.Context, name string, data []byte) error {
	payload, err := compress(data, l.opts.Compression)
	if err != nil {
		return fmt.Errorf("assets: compress %s: %w", name, err)
	}
	if err := l.opts.Resources.AcquireIO(ctx, len(payload)); err != nil {
		return err
	}
	if err := l.store.Put(ctx, name+l.opts.Compression.Ext(), payload); err != nil {
		return fmt.Errorf("assets: put %s: %w", name, err)
	}
	return nil
}

func compress(data []byte, c Compression) ([]byte, error) {
	var buf bytes.Buffer
	switch c {
	case CompressionZstd:
		enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
		if _, err := enc.Write(data); err != nil {
			_ = enc.Close()
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	case CompressionLZ4:
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	default:
		return data, nil
	}
	return buf.Bytes(), nil
}
