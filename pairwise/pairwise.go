// Package pairwise matches the regions of many view pairs with one matcher.
//
// Pairs sharing a first view are grouped so that the matcher index over that
// view is built once; the comparisons of a group are then dispatched to a
// bounded pool of goroutines when the index allows concurrent queries.
package pairwise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vislocate/feature"
	"github.com/hupe1980/vislocate/matching"
	"github.com/hupe1980/vislocate/resource"
	"github.com/hupe1980/vislocate/telemetry"
)

// Pair is an ordered pair of views. The matcher index is built over I and
// queried with J, so IndMatch.I indexes the regions of I.
type Pair struct {
	I, J feature.ViewID
}

// Matches holds the putative correspondences per pair and descriptor type.
// Pairs without correspondences are absent.
type Matches map[Pair]map[feature.Type][]matching.IndMatch

// Get returns the matches of p for descriptor type t.
func (m Matches) Get(p Pair, t feature.Type) []matching.IndMatch {
	return m[p][t]
}

// Len returns the number of correspondences over all pairs and types.
func (m Matches) Len() int {
	n := 0
	for _, byType := range m {
		for _, ms := range byType {
			n += len(ms)
		}
	}
	return n
}

// Options configures an Engine.
type Options struct {
	// Ratio is the distance-ratio threshold passed to the matcher.
	Ratio float32
	// Workers bounds the concurrent comparisons of one group.
	Workers int
	// Resources optionally bounds workers and index memory across engines.
	Resources *resource.Controller
	// Metrics receives index-build and pair-match measurements.
	Metrics telemetry.Collector
	// Logger receives debug output. Nil disables logging.
	Logger *slog.Logger
}

// DefaultOptions contains the default options for the engine.
var DefaultOptions = Options{
	Ratio:   0.8,
	Workers: runtime.GOMAXPROCS(0),
}

// Engine runs pairwise matching with a single matcher strategy.
// It is safe for concurrent use.
type Engine struct {
	matcher matching.Matcher
	opts    Options
	logger  *slog.Logger
}

// New creates an engine around m.
func New(m matching.Matcher, optFns ...func(o *Options)) (*Engine, error) {
	if m == nil {
		return nil, errors.New("pairwise: matcher is required")
	}
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := matching.ValidateRatio(opts.Ratio); err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Noop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{matcher: m, opts: opts, logger: logger}, nil
}

// Matcher returns the strategy of the engine.
func (e *Engine) Matcher() matching.Matcher { return e.matcher }

// Match computes the putative matches of every pair for descriptor type t.
//
// Comparisons where either view has no regions of type t, or where the
// descriptor dimensions differ, are skipped without calling the matcher.
// Grouping never changes the result: it equals matching every pair on its
// own. Cancellation stops the dispatch of further groups.
func (e *Engine) Match(ctx context.Context, rpv *feature.RegionsPerView, t feature.Type, pairs []Pair) (Matches, error) {
	groups := groupByFirst(pairs)

	var (
		mu  sync.Mutex
		out = make(Matches)
	)
	insert := func(p Pair, ms []matching.IndMatch) {
		if len(ms) == 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		byType, ok := out[p]
		if !ok {
			byType = make(map[feature.Type][]matching.IndMatch, 1)
			out[p] = byType
		}
		byType[t] = ms
	}

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.matchGroup(ctx, rpv, t, g, insert); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type group struct {
	first  feature.ViewID
	others []feature.ViewID
}

// groupByFirst partitions pairs by first view in ascending order, keeping
// the order of the second views. Duplicate pairs are dropped.
func groupByFirst(pairs []Pair) []group {
	byFirst := make(map[feature.ViewID][]feature.ViewID)
	seen := make(map[Pair]struct{}, len(pairs))
	for _, p := range pairs {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		byFirst[p.I] = append(byFirst[p.I], p.J)
	}

	groups := make([]group, 0, len(byFirst))
	for first, others := range byFirst {
		groups = append(groups, group{first: first, others: others})
	}
	slices.SortFunc(groups, func(a, b group) int {
		switch {
		case a.first < b.first:
			return -1
		case a.first > b.first:
			return 1
		default:
			return 0
		}
	})
	return groups
}

func (e *Engine) matchGroup(ctx context.Context, rpv *feature.RegionsPerView, t feature.Type, g group, insert func(Pair, []matching.IndMatch)) error {
	ref := rpv.Regions(g.first, t)
	if ref.Count() == 0 {
		return nil
	}

	// Only comparisons that can produce matches justify the build.
	targets := make([]feature.ViewID, 0, len(g.others))
	for _, j := range g.others {
		q := rpv.Regions(j, t)
		if q.Count() == 0 || q.Type() != ref.Type() || q.Dimension() != ref.Dimension() {
			continue
		}
		targets = append(targets, j)
	}
	if len(targets) == 0 {
		return nil
	}

	mem := int64(ref.Count() * ref.Dimension() * 4)
	if err := e.opts.Resources.AcquireMemory(ctx, mem); err != nil {
		return err
	}
	defer e.opts.Resources.ReleaseMemory(mem)

	start := time.Now()
	idx, err := e.matcher.Build(ref)
	e.opts.Metrics.RecordIndexBuild(ref.Count(), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("pairwise: build index for view %d: %w", g.first, err)
	}

	e.logger.Debug("matching group",
		slog.Uint64("view", uint64(g.first)),
		slog.Int("regions", ref.Count()),
		slog.Int("pairs", len(targets)),
		slog.String("matcher", e.matcher.Type().String()),
	)

	matchOne := func(j feature.ViewID) error {
		if err := e.opts.Resources.AcquireWorker(ctx); err != nil {
			return err
		}
		defer e.opts.Resources.ReleaseWorker()

		start := time.Now()
		ms, err := idx.Match(rpv.Regions(j, t), e.opts.Ratio)
		e.opts.Metrics.RecordPairMatch(len(ms), time.Since(start), err)
		if err != nil {
			return fmt.Errorf("pairwise: match views %d-%d: %w", g.first, j, err)
		}
		insert(Pair{I: g.first, J: j}, ms)
		return nil
	}

	if !idx.ConcurrentSafe() || e.opts.Workers == 1 || len(targets) == 1 {
		for _, j := range targets {
			if err := matchOne(j); err != nil {
				return err
			}
		}
		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.opts.Workers)
	for _, j := range targets {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			return matchOne(j)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ExhaustivePairs returns every pair (a, b) of distinct views with a < b.
func ExhaustivePairs(views []feature.ViewID) []Pair {
	ids := sortedUnique(views)
	pairs := make([]Pair, 0, len(ids)*(len(ids)-1)/2)
	for a := 0; a < len(ids); a++ {
		for b := a + 1; b < len(ids); b++ {
			pairs = append(pairs, Pair{I: ids[a], J: ids[b]})
		}
	}
	return pairs
}

// ContiguousPairs pairs every view with the next window views in ascending
// id order, as for frames of a video sequence.
func ContiguousPairs(views []feature.ViewID, window int) []Pair {
	ids := sortedUnique(views)
	var pairs []Pair
	for a := 0; a < len(ids); a++ {
		for b := a + 1; b < len(ids) && b <= a+window; b++ {
			pairs = append(pairs, Pair{I: ids[a], J: ids[b]})
		}
	}
	return pairs
}

func sortedUnique(views []feature.ViewID) []feature.ViewID {
	ids := slices.Clone(views)
	slices.Sort(ids)
	return slices.Compact(ids)
}
