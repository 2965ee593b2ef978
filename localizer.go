package vislocate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vislocate/assets"
	"github.com/hupe1980/vislocate/camera"
	"github.com/hupe1980/vislocate/database"
	"github.com/hupe1980/vislocate/feature"
	"github.com/hupe1980/vislocate/matching"
	"github.com/hupe1980/vislocate/pairwise"
	"github.com/hupe1980/vislocate/resection"
	"github.com/hupe1980/vislocate/sfm"
	"github.com/hupe1980/vislocate/voctree"
)

// State is the lifecycle stage of a Localizer.
type State int

const (
	StateUninitialized State = iota
	StateDatabaseLoaded
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDatabaseLoaded:
		return "database_loaded"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ReconstructionSource loads the reconstruction to localize against.
type ReconstructionSource interface {
	LoadReconstruction(ctx context.Context) (*sfm.Reconstruction, error)
}

// DescriptorSource loads the regions of a reconstructed view.
type DescriptorSource interface {
	LoadRegions(ctx context.Context, view *sfm.View, t feature.Type) (*feature.Regions, error)
}

// VocabularyTreeSource loads the trained vocabulary tree.
type VocabularyTreeSource interface {
	LoadVocabularyTree(ctx context.Context) (*voctree.Tree, error)
}

// WeightsSource loads a per-word weight table. A nil table selects weights
// derived from document frequencies.
type WeightsSource interface {
	LoadWeights(ctx context.Context) ([]float32, error)
}

// Compile time check to ensure assets.Loader satisfies every source interface.
var (
	_ ReconstructionSource = (*assets.Loader)(nil)
	_ DescriptorSource     = (*assets.Loader)(nil)
	_ VocabularyTreeSource = (*assets.Loader)(nil)
	_ WeightsSource        = (*assets.Loader)(nil)
)

// Sources are the inputs of Init. Weights is optional.
type Sources struct {
	Reconstruction ReconstructionSource
	Descriptors    DescriptorSource
	VocabularyTree VocabularyTreeSource
	Weights        WeightsSource
}

// AssetSources reads every input through l.
func AssetSources(l *assets.Loader) Sources {
	return Sources{
		Reconstruction: l,
		Descriptors:    l,
		VocabularyTree: l,
		Weights:        l,
	}
}

// Query is an image to localize. When Regions is nil, the configured
// describer runs on Image.
type Query struct {
	Image *image.Gray
	// Mask optionally restricts description to its non-zero pixels.
	Mask *image.Gray
	// Intrinsics of the query camera. Nil means unknown: the calibration is
	// estimated together with the pose.
	Intrinsics camera.Intrinsics
	Regions    *feature.Regions
}

// Association links a query feature to the landmark it was matched to.
type Association struct {
	QueryFeature uint32
	View         feature.ViewID
	// Feature is the index of the matched feature in the view's regions.
	Feature  uint32
	Landmark sfm.LandmarkID
}

// Diagnostics describe how a query was processed.
type Diagnostics struct {
	CandidatesTried int
	Correspondences int
	Inliers         int
	// Candidates are the retrieved views, best first.
	Candidates []database.Match
	// Associations are the deduplicated 2D-3D correspondences in the order
	// they were handed to resection.
	Associations []Association
	// InlierIndices index Associations.
	InlierIndices []int
	Iterations    int
	RMSE          float64
}

// Result is a localized query.
type Result struct {
	Pose        camera.Pose
	Intrinsics  camera.Intrinsics
	Diagnostics Diagnostics
}

// reconstructed holds the regions of a view that observe a landmark.
type reconstructed struct {
	regions *feature.Regions
	// features maps a kept region to its index in the loaded regions.
	features []uint32
	// landmarks maps a kept region to the landmark it observes.
	landmarks []sfm.LandmarkID
	// count is the number of loaded regions.
	count int
}

// Localizer computes camera poses of query images against a reconstruction.
//
// Setup (Init, or SetVocabularyTree, LoadReconstructionDescriptors and
// Validate) must finish before Localize; once Ready, Localize is safe for
// concurrent use.
type Localizer struct {
	opts      options
	engine    *pairwise.Engine
	describer feature.Describer

	mu      sync.RWMutex
	state   State
	tree    *voctree.Tree
	weights []float32
	rec     *sfm.Reconstruction
	db      *database.Database
	views   map[feature.ViewID]*reconstructed
}

// New creates an uninitialized localizer.
func New(optFns ...Option) (*Localizer, error) {
	o := applyOptions(optFns)
	if err := o.validate(); err != nil {
		return nil, err
	}

	m := o.matcher
	if m == nil {
		var err error
		if m, err = matching.New(o.matcherType); err != nil {
			return nil, &ConfigurationError{Field: "matcher", cause: err}
		}
	}
	engine, err := pairwise.New(m, func(po *pairwise.Options) {
		po.Ratio = o.ratio
		po.Workers = o.workers
		po.Resources = o.resources
		po.Metrics = o.metricsCollector
		po.Logger = o.logger.Logger
	})
	if err != nil {
		return nil, &ConfigurationError{Field: "matcher", cause: err}
	}

	var describer feature.Describer
	if o.describer != nil {
		describer = &feature.GridFilter{
			Describer: o.describer,
			GridSize:  o.gridSize,
			MaxTotal:  o.preset.Params().MaxTotalKeypoints,
		}
	}

	return &Localizer{
		opts:      o,
		engine:    engine,
		describer: describer,
	}, nil
}

// State returns the lifecycle stage.
func (l *Localizer) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Init loads the vocabulary tree, the optional weights, the reconstruction
// and the descriptors of its views, and checks their consistency. Any
// failure is a *LoadError and leaves the localizer not ready.
func (l *Localizer) Init(ctx context.Context, src Sources) error {
	start := time.Now()
	err := l.init(ctx, src)

	views, landmarks := 0, 0
	if err == nil {
		l.mu.RLock()
		views, landmarks = len(l.views), len(l.rec.Landmarks)
		l.mu.RUnlock()
	}
	l.opts.logger.LogInit(ctx, views, landmarks, time.Since(start), err)
	return err
}

func (l *Localizer) init(ctx context.Context, src Sources) error {
	if src.Reconstruction == nil || src.Descriptors == nil || src.VocabularyTree == nil {
		return &ConfigurationError{Field: "sources"}
	}

	tree, err := src.VocabularyTree.LoadVocabularyTree(ctx)
	if err != nil {
		return &LoadError{Asset: "vocabulary tree", cause: err}
	}
	var weights []float32
	if src.Weights != nil {
		if weights, err = src.Weights.LoadWeights(ctx); err != nil {
			return &LoadError{Asset: "weights", cause: err}
		}
	}
	if err := l.SetVocabularyTree(tree, weights); err != nil {
		return err
	}

	rec, err := src.Reconstruction.LoadReconstruction(ctx)
	if err != nil {
		return &LoadError{Asset: "reconstruction", cause: err}
	}
	if err := l.LoadReconstructionDescriptors(ctx, rec, src.Descriptors); err != nil {
		return err
	}
	return l.Validate()
}

// SetVocabularyTree installs the tree used for image retrieval and an
// optional per-word weight table. A previously loaded database is dropped.
func (l *Localizer) SetVocabularyTree(tree *voctree.Tree, weights []float32) error {
	if tree == nil {
		return &ConfigurationError{Field: "vocabulary tree"}
	}
	if want := l.opts.describerType.Dimension(); tree.Dimension() != want {
		return &LoadError{
			Asset: "vocabulary tree",
			cause: &voctree.ErrDimensionMismatch{Expected: want, Actual: tree.Dimension()},
		}
	}
	if weights != nil && len(weights) != tree.Words() {
		return &LoadError{
			Asset: "weights",
			cause: fmt.Errorf("%w: %d weights for %d words", voctree.ErrCorrupt, len(weights), tree.Words()),
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.tree = tree
	l.weights = weights
	l.rec, l.db, l.views = nil, nil, nil
	l.state = StateUninitialized
	return nil
}

// LoadReconstructionDescriptors builds the retrieval database of rec.
//
// For every view observing a landmark, the regions of the configured type
// are loaded from src and reduced to the features observed by a landmark;
// their visual words form one document per view. Views without observations
// are not indexed. Requires a vocabulary tree.
func (l *Localizer) LoadReconstructionDescriptors(ctx context.Context, rec *sfm.Reconstruction, src DescriptorSource) error {
	l.mu.RLock()
	tree, weights := l.tree, l.weights
	l.mu.RUnlock()
	if tree == nil {
		return fmt.Errorf("%w: vocabulary tree required", ErrNotReady)
	}
	if rec == nil || src == nil {
		return &ConfigurationError{Field: "reconstruction"}
	}
	if err := rec.Validate(); err != nil {
		return &LoadError{Asset: "reconstruction", cause: err}
	}

	byView := rec.ObservationsByView()
	ids := make([]feature.ViewID, 0, len(byView))
	for _, id := range rec.ViewIDs() {
		if len(byView[id]) > 0 {
			ids = append(ids, id)
		}
	}

	loaded := make([]*reconstructed, len(ids))
	docs := make([]database.Document, len(ids))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(l.opts.workers)
	for i, id := range ids {
		eg.Go(func() error {
			asset := fmt.Sprintf("descriptors of view %d", id)
			r, err := src.LoadRegions(egCtx, rec.Views[id], l.opts.describerType)
			if err != nil {
				return &LoadError{Asset: asset, cause: err}
			}
			rr, err := reconstruct(r, l.opts.describerType, byView[id])
			if err != nil {
				return &LoadError{Asset: asset, cause: err}
			}
			counts, err := tree.QuantizeRegions(rr.regions)
			if err != nil {
				return &LoadError{Asset: asset, cause: err}
			}
			loaded[i], docs[i] = rr, counts
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	db := database.New()
	views := make(map[feature.ViewID]*reconstructed, len(ids))
	for i, id := range ids {
		if err := db.AddDocument(database.DocID(id), docs[i]); err != nil {
			return &LoadError{Asset: "reconstruction", cause: err}
		}
		views[id] = loaded[i]
	}
	if weights != nil {
		db.SetWeights(weights)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tree != tree {
		return fmt.Errorf("%w: vocabulary tree replaced during load", ErrNotReady)
	}
	l.rec, l.db, l.views = rec, db, views
	l.state = StateDatabaseLoaded
	return nil
}

// reconstruct keeps the regions observed by a landmark, in feature order.
func reconstruct(r *feature.Regions, t feature.Type, obs []sfm.ViewObservation) (*reconstructed, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no regions", feature.ErrInvariant)
	}
	if r.Type() != t {
		return nil, fmt.Errorf("%w: regions of type %v, want %v", feature.ErrInvariant, r.Type(), t)
	}
	rr := &reconstructed{
		features:  make([]uint32, len(obs)),
		landmarks: make([]sfm.LandmarkID, len(obs)),
		count:     r.Count(),
	}
	indices := make([]int, len(obs))
	for i, o := range obs {
		indices[i] = int(o.FeatureID)
		rr.features[i] = o.FeatureID
		rr.landmarks[i] = o.Landmark
	}
	sub, err := r.Subset(indices)
	if err != nil {
		return nil, err
	}
	rr.regions = sub
	return rr, nil
}

// Validate checks that every landmark observation resolves to a loaded view
// and a valid feature index, and makes the localizer ready.
func (l *Localizer) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateReady:
		return nil
	case StateUninitialized:
		return fmt.Errorf("%w: database not loaded", ErrNotReady)
	}

	for _, id := range l.rec.LandmarkIDs() {
		for view, o := range l.rec.Landmarks[id].Observations {
			rr, ok := l.views[view]
			if !ok {
				return &LoadError{
					Asset: "reconstruction",
					cause: fmt.Errorf("%w: landmark %d observed in view %d without descriptors", sfm.ErrInvalid, id, view),
				}
			}
			if int(o.FeatureID) >= rr.count {
				return &LoadError{
					Asset: "reconstruction",
					cause: fmt.Errorf("%w: landmark %d observes feature %d of view %d with %d features",
						sfm.ErrInvalid, id, o.FeatureID, view, rr.count),
				}
			}
		}
	}
	l.state = StateReady
	return nil
}

// Localize estimates the pose of the query camera.
//
// Per-query failures are *LocalizationError values carrying the
// diagnostics gathered so far; they never affect later queries.
func (l *Localizer) Localize(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	res, diag, err := l.localize(ctx, q)
	d := time.Since(start)

	inliers := 0
	if err == nil {
		inliers = diag.Inliers
	}
	l.opts.metricsCollector.RecordLocalize(inliers, d, err)
	l.opts.logger.LogLocalize(ctx, diag, d, err)
	return res, err
}

func (l *Localizer) localize(ctx context.Context, q Query) (*Result, *Diagnostics, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	diag := &Diagnostics{}
	if l.state != StateReady {
		return nil, diag, fmt.Errorf("%w: state %v", ErrNotReady, l.state)
	}

	regions, err := l.queryRegions(ctx, q)
	if err != nil {
		return nil, diag, err
	}
	counts, err := l.tree.QuantizeRegions(regions)
	if err != nil {
		return nil, diag, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}

	start := time.Now()
	candidates := l.db.Query(counts, l.opts.numCandidates)
	l.opts.metricsCollector.RecordRetrieval(len(candidates), time.Since(start))
	diag.Candidates = candidates
	if len(candidates) == 0 {
		return nil, diag, &LocalizationError{Kind: NoCandidates, Diagnostics: diag}
	}

	problem := resection.Problem{Intrinsics: knownIntrinsics(q.Intrinsics)}
	if q.Image != nil {
		b := q.Image.Bounds()
		problem.Width, problem.Height = b.Dx(), b.Dy()
	}

	g := newGatherer(regions, l.rec)
	var (
		lastKind    = InsufficientCorrespondences
		lastErr     error
		lastAttempt = -1
	)
	for next := 0; next < len(candidates); {
		end := min(next+l.opts.workers, len(candidates))
		batch := candidates[next:end]
		next = end

		if err := l.matchBatch(ctx, regions, batch, g); err != nil {
			return nil, diag, err
		}
		diag.CandidatesTried += len(batch)
		diag.Correspondences = len(g.corr)
		diag.Associations = g.assoc

		if len(g.corr) < l.opts.minCorrespondences || len(g.corr) == lastAttempt {
			continue
		}
		lastAttempt = len(g.corr)

		problem.Correspondences = g.corr
		res, err := resection.Estimate(ctx, problem, func(o *resection.Options) {
			*o = l.opts.resection
		})
		if res != nil {
			diag.Inliers = len(res.Inliers)
			diag.InlierIndices = res.Inliers
			diag.Iterations = res.Iterations
			diag.RMSE = res.RMSE
		}
		if err == nil {
			return &Result{Pose: res.Pose, Intrinsics: res.Intrinsics, Diagnostics: *diag}, diag, nil
		}

		kind, ok := failureKind(err)
		if !ok {
			return nil, diag, translateError(err)
		}
		lastKind, lastErr = kind, err
		l.opts.logger.DebugContext(ctx, "resection failed",
			"kind", kind,
			"correspondences", len(g.corr),
			"candidates_tried", diag.CandidatesTried,
		)
	}
	return nil, diag, &LocalizationError{Kind: lastKind, Diagnostics: diag, cause: lastErr}
}

// knownIntrinsics normalizes a typed nil calibration to nil.
func knownIntrinsics(in camera.Intrinsics) camera.Intrinsics {
	if p, ok := in.(*camera.Pinhole); ok && p == nil {
		return nil
	}
	return in
}

func (l *Localizer) queryRegions(ctx context.Context, q Query) (*feature.Regions, error) {
	if q.Regions != nil {
		if q.Regions.Type() != l.opts.describerType {
			return nil, fmt.Errorf("%w: regions of type %v, want %v", ErrInvalidQuery, q.Regions.Type(), l.opts.describerType)
		}
		return q.Regions, nil
	}
	if q.Image == nil {
		return nil, fmt.Errorf("%w: neither regions nor image", ErrInvalidQuery)
	}
	if l.describer == nil {
		return nil, &ConfigurationError{Field: "describer"}
	}
	r, err := l.describer.Describe(ctx, q.Image, q.Mask)
	if err != nil {
		return nil, fmt.Errorf("vislocate: describe query: %w", err)
	}
	return r, nil
}

// matchBatch matches the query against a batch of candidates with a single
// index build over the query regions.
func (l *Localizer) matchBatch(ctx context.Context, query *feature.Regions, batch []database.Match, g *gatherer) error {
	rpv := feature.NewRegionsPerView()
	rpv.Add(feature.UndefinedViewID, query)
	pairs := make([]pairwise.Pair, 0, len(batch))
	for _, c := range batch {
		view := feature.ViewID(c.ID)
		rpv.Add(view, l.views[view].regions)
		pairs = append(pairs, pairwise.Pair{I: feature.UndefinedViewID, J: view})
	}

	matches, err := l.engine.Match(ctx, rpv, l.opts.describerType, pairs)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("vislocate: match candidates: %w", err)
	}

	// Batch order is score order, so earlier candidates win duplicates.
	for i, c := range batch {
		view := feature.ViewID(c.ID)
		ms := matches.Get(pairs[i], l.opts.describerType)
		accepted := g.add(view, l.views[view], ms)
		l.opts.logger.WithView(view).LogCandidate(ctx, c.Score, len(ms), accepted)
	}
	return nil
}

// gatherer accumulates 2D-3D correspondences with at most one per query
// feature and one per landmark.
type gatherer struct {
	query        *feature.Regions
	rec          *sfm.Reconstruction
	seenFeature  map[uint32]struct{}
	seenLandmark map[sfm.LandmarkID]struct{}
	corr         []resection.Correspondence
	assoc        []Association
}

func newGatherer(query *feature.Regions, rec *sfm.Reconstruction) *gatherer {
	return &gatherer{
		query:        query,
		rec:          rec,
		seenFeature:  make(map[uint32]struct{}),
		seenLandmark: make(map[sfm.LandmarkID]struct{}),
	}
}

// add resolves the matches of one candidate and returns how many were new.
func (g *gatherer) add(view feature.ViewID, rr *reconstructed, ms []matching.IndMatch) int {
	n := 0
	for _, m := range ms {
		lm := rr.landmarks[m.J]
		if _, dup := g.seenFeature[m.I]; dup {
			continue
		}
		if _, dup := g.seenLandmark[lm]; dup {
			continue
		}
		g.seenFeature[m.I] = struct{}{}
		g.seenLandmark[lm] = struct{}{}

		kp := g.query.Keypoint(int(m.I))
		g.corr = append(g.corr, resection.Correspondence{
			X:     float64(kp.X),
			Y:     float64(kp.Y),
			Point: g.rec.Landmarks[lm].X,
		})
		g.assoc = append(g.assoc, Association{
			QueryFeature: m.I,
			View:         view,
			Feature:      rr.features[m.J],
			Landmark:     lm,
		})
		n++
	}
	return n
}
