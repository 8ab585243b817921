package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kasane/internal/aggregate"
	"github.com/hyperjump/kasane/internal/consolidation"
	"github.com/hyperjump/kasane/internal/guard"
	"github.com/hyperjump/kasane/internal/level"
	"github.com/hyperjump/kasane/internal/metrics"
	"github.com/hyperjump/kasane/internal/vector"
)

// Config configures a Hierarchy.
type Config struct {
	Root     string
	LevelDir string
	// Level is the template for opening and creating levels. Name is set per level.
	Level       level.Options
	Guard       guard.Policy
	BatchSize   int
	Parallelism int
	Retry       Retry
}

// Hierarchy opens levels under a root on demand and runs multi-level operations.
type Hierarchy struct {
	cfg      Config
	logger   *zap.Logger
	observer metrics.Observer
	guard    *guard.Guard
	agg      *aggregate.Aggregator

	// mu guards tree and levels only; it is never held across disk I/O.
	mu      sync.Mutex
	tree    *Tree
	levels  map[string]*level.Level
	opening map[string]*sync.Mutex
}

// Option configures a Hierarchy.
type Option func(*Hierarchy)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hierarchy) { h.logger = logger }
}

// WithObserver sets the metrics observer passed to levels, the guard, and the aggregator.
func WithObserver(o metrics.Observer) Option {
	return func(h *Hierarchy) { h.observer = o }
}

// New discovers the levels under cfg.Root.
func New(cfg Config, opts ...Option) (*Hierarchy, error) {
	if cfg.LevelDir == "" {
		cfg.LevelDir = level.DefaultDirName
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	h := &Hierarchy{
		cfg:      cfg,
		logger:   zap.NewNop(),
		observer: metrics.NopObserver{},
		levels:   make(map[string]*level.Level),
		opening:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.guard = guard.New(cfg.Guard, guard.WithLogger(h.logger), guard.WithObserver(h.observer))
	h.agg = aggregate.New(
		aggregate.WithBatchSize(cfg.BatchSize),
		aggregate.WithLogger(h.logger),
		aggregate.WithObserver(h.observer),
	)
	if err := h.Refresh(); err != nil {
		return nil, err
	}
	return h, nil
}

// Root returns the absolute root directory.
func (h *Hierarchy) Root() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree.Root
}

// LevelDir returns the name of the per-session level directory.
func (h *Hierarchy) LevelDir() string { return h.cfg.LevelDir }

// Guard returns the consistency guard.
func (h *Hierarchy) Guard() *guard.Guard { return h.guard }

// Refresh rediscovers the tree. Open levels stay open.
func (h *Hierarchy) Refresh() error {
	t, err := Discover(h.cfg.Root, h.cfg.LevelDir)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.tree = t
	h.mu.Unlock()
	return nil
}

// Tree returns the last discovered tree.
func (h *Hierarchy) Tree() *Tree {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree
}

// Level opens the level at LevelPath p, or returns it if already open.
func (h *Hierarchy) Level(ctx context.Context, p string) (*level.Level, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	return h.open(ctx, p, false)
}

// Create opens the level at p, creating it if needed. With ancestors set, a level
// is also created at every ancestor directory up to the root.
func (h *Hierarchy) Create(ctx context.Context, p string, ancestors bool) (*level.Level, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	l, err := h.open(ctx, p, true)
	if err != nil {
		return nil, err
	}
	if ancestors {
		for _, a := range Ancestors(p) {
			if _, err := h.open(ctx, a, true); err != nil {
				return nil, err
			}
		}
	}
	return l, h.Refresh()
}

// CreateAncestors creates a level at every ancestor directory of every discovered
// level, up to the root. A new level takes the dimensions and metric of the level
// it was created for. Returns the paths created.
func (h *Hierarchy) CreateAncestors(ctx context.Context) ([]string, error) {
	t := h.Tree()
	done := make(map[string]bool)
	var created []string
	for _, n := range t.Nodes() {
		var missing []string
		for _, a := range Ancestors(n.Path) {
			if _, ok := t.Node(a); !ok && !done[a] {
				missing = append(missing, a)
			}
		}
		if len(missing) == 0 {
			continue
		}
		l, err := h.Level(ctx, n.Path)
		if err != nil {
			return created, err
		}
		info := l.Info()
		tmpl := h.cfg.Level
		tmpl.Dimensions = info.Dimensions
		tmpl.Metric = vector.Metric(info.Metric)
		for _, a := range missing {
			if _, err := h.openWith(ctx, a, true, tmpl); err != nil {
				return created, err
			}
			done[a] = true
			created = append(created, a)
		}
	}
	sort.Strings(created)
	return created, h.Refresh()
}

func (h *Hierarchy) open(ctx context.Context, p string, create bool) (*level.Level, error) {
	return h.openWith(ctx, p, create, h.cfg.Level)
}

func (h *Hierarchy) openWith(ctx context.Context, p string, create bool, opts level.Options) (*level.Level, error) {
	if l, ok := h.cached(p); ok {
		return l, nil
	}

	// One opener per path; other paths and tree readers proceed meanwhile.
	pl := h.pathLock(p)
	pl.Lock()
	defer pl.Unlock()
	if l, ok := h.cached(p); ok {
		return l, nil
	}

	session := filepath.Join(h.Root(), filepath.FromSlash(p))
	if create {
		if err := os.MkdirAll(session, 0755); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
	}
	opts.Name = p
	opts.Create = create
	opts.Logger = h.logger
	opts.Observer = h.observer

	var l *level.Level
	err := h.cfg.Retry.Do(ctx, h.logger, "open "+p, func(ctx context.Context) error {
		var err error
		l, err = level.Open(ctx, filepath.Join(session, h.cfg.LevelDir), opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.levels[p] = l
	h.mu.Unlock()
	return l, nil
}

func (h *Hierarchy) cached(p string) (*level.Level, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.levels[p]
	return l, ok
}

func (h *Hierarchy) pathLock(p string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.opening[p]
	if !ok {
		m = &sync.Mutex{}
		h.opening[p] = m
	}
	return m
}

// CheckAll checks every level in parallel, applying the guard policy when repair is
// set. Reports are sorted by level path.
func (h *Hierarchy) CheckAll(ctx context.Context, repair bool) ([]*guard.Report, error) {
	nodes := h.Tree().Nodes()
	reports := make([]*guard.Report, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Parallelism)
	for i, n := range nodes {
		g.Go(func() error {
			r, err := h.Check(gctx, n.Path, repair)
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	err := g.Wait()
	return compactReports(reports), err
}

// Check checks one level. With repair set, the guard policy is applied.
func (h *Hierarchy) Check(ctx context.Context, p string, repair bool) (*guard.Report, error) {
	l, err := h.Level(ctx, p)
	if err != nil {
		return nil, err
	}
	var r *guard.Report
	err = h.cfg.Retry.Do(ctx, h.logger, "check "+p, func(ctx context.Context) error {
		var err error
		if repair {
			r, err = h.guard.Reconcile(ctx, l)
		} else {
			r, err = h.guard.Check(ctx, l)
		}
		return err
	})
	return r, err
}

// Rebuild rebuilds the index of one level from its store.
func (h *Hierarchy) Rebuild(ctx context.Context, p string) error {
	l, err := h.Level(ctx, p)
	if err != nil {
		return err
	}
	return h.cfg.Retry.Do(ctx, h.logger, "rebuild "+p, func(ctx context.Context) error {
		return h.guard.Rebuild(ctx, l)
	})
}

// AggregateAll aggregates every edge bottom-up. Sibling subtrees run in parallel;
// the children of one parent feed it sequentially.
func (h *Hierarchy) AggregateAll(ctx context.Context) ([]*aggregate.Result, error) {
	t := h.Tree()
	return h.aggregateNodes(ctx, t.Tops)
}

// AggregateInto aggregates the subtree below the level at p, bottom-up.
func (h *Hierarchy) AggregateInto(ctx context.Context, p string) ([]*aggregate.Result, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	n, ok := h.Tree().Node(p)
	if !ok {
		return nil, fmt.Errorf("no level at %s", p)
	}
	return h.aggregateNodes(ctx, []*Node{n})
}

// AggregateEdge aggregates one child into its parent level.
func (h *Hierarchy) AggregateEdge(ctx context.Context, childPath string) (*aggregate.Result, error) {
	childPath, err := CleanPath(childPath)
	if err != nil {
		return nil, err
	}
	n, ok := h.Tree().Node(childPath)
	if !ok {
		return nil, fmt.Errorf("no level at %s", childPath)
	}
	if n.Parent == nil {
		return nil, fmt.Errorf("level %s has no parent level", childPath)
	}
	return h.aggregateEdge(ctx, n, n.Parent)
}

// Propagate aggregates the level at p into its parent, then the parent into its
// parent, up to a level without one. The tree is rediscovered first so levels
// created since the last walk are found.
func (h *Hierarchy) Propagate(ctx context.Context, p string) ([]*aggregate.Result, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	if err := h.Refresh(); err != nil {
		return nil, err
	}
	n, ok := h.Tree().Node(p)
	if !ok {
		return nil, fmt.Errorf("no level at %s", p)
	}
	var results []*aggregate.Result
	for ; n.Parent != nil; n = n.Parent {
		r, err := h.aggregateEdge(ctx, n, n.Parent)
		if r != nil {
			results = append(results, r)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (h *Hierarchy) aggregateNodes(ctx context.Context, nodes []*Node) ([]*aggregate.Result, error) {
	var mu sync.Mutex
	var results []*aggregate.Result
	collect := func(rs []*aggregate.Result) {
		mu.Lock()
		results = append(results, rs...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.Parallelism)
	for _, n := range nodes {
		g.Go(func() error {
			rs, err := h.aggregateSubtree(gctx, n)
			collect(rs)
			return err
		})
	}
	err := g.Wait()
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Parent != results[j].Parent {
			return results[i].Parent < results[j].Parent
		}
		return results[i].Child < results[j].Child
	})
	return results, err
}

// aggregateSubtree brings n up to date with everything below it.
func (h *Hierarchy) aggregateSubtree(ctx context.Context, n *Node) ([]*aggregate.Result, error) {
	if len(n.Children) == 0 {
		return nil, nil
	}
	results, err := h.aggregateNodes(ctx, n.Children)
	if err != nil {
		return results, err
	}
	for _, c := range n.Children {
		r, err := h.aggregateEdge(ctx, c, n)
		if r != nil {
			results = append(results, r)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (h *Hierarchy) aggregateEdge(ctx context.Context, child, parent *Node) (*aggregate.Result, error) {
	cl, err := h.Level(ctx, child.Path)
	if err != nil {
		return nil, err
	}
	pl, err := h.Level(ctx, parent.Path)
	if err != nil {
		return nil, err
	}

	var res *aggregate.Result
	err = h.cfg.Retry.Do(ctx, h.logger, "aggregate "+child.Path, func(ctx context.Context) error {
		r, err := h.agg.Aggregate(ctx, cl, pl)
		if r != nil {
			if res == nil {
				res = r
			} else {
				res.Copied += r.Copied
				res.Linked += r.Linked
				res.Scanned += r.Scanned
				res.ToID = r.ToID
				res.Duration += r.Duration
			}
		}
		return err
	})
	if err != nil {
		return res, err
	}
	if _, err := pl.MaybeConsolidate(ctx); err != nil {
		return res, err
	}
	return res, pl.Flush()
}

// ConsolidateDue consolidates every open level whose scheduler threshold is met,
// including the elapsed-time bound, and returns the paths consolidated. A failing
// level does not stop the sweep.
func (h *Hierarchy) ConsolidateDue(ctx context.Context) ([]string, error) {
	var done []string
	var errs []error
	for _, p := range h.Open() {
		l, ok := h.cached(p)
		if !ok {
			continue
		}
		reason, err := l.MaybeConsolidate(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("consolidate %s: %w", p, err))
			continue
		}
		if reason != consolidation.ReasonNone {
			h.logger.Info("Level consolidated", zap.String("level", p), zap.String("reason", string(reason)))
			done = append(done, p)
		}
	}
	return done, errors.Join(errs...)
}

// Open returns the paths of the levels currently open.
func (h *Hierarchy) Open() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.levels))
	for p := range h.levels {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Close closes every open level.
func (h *Hierarchy) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for p, l := range h.levels {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p, err))
		}
		delete(h.levels, p)
	}
	return errors.Join(errs...)
}

func compactReports(rs []*guard.Report) []*guard.Report {
	out := rs[:0]
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
