// Package pathfind computes obstacle-avoiding grid paths with a bounded A*
// search. Results are cached per obstacle generation and batches run on the
// shared worker pool.
package pathfind

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"dispatchsim/internal/grid"
	"dispatchsim/internal/logging"
	"dispatchsim/internal/metrics"
	"dispatchsim/internal/model"
	"dispatchsim/internal/workpool"
)

type Kind string

const (
	KindFound              Kind = "FOUND"
	KindNoPath             Kind = "NO_PATH"
	KindTimeout            Kind = "TIMEOUT"
	KindNodeBudgetExceeded Kind = "NODE_BUDGET_EXCEEDED"
	KindInvalidOrigin      Kind = "INVALID_ORIGIN"
	KindInvalidDestination Kind = "INVALID_DESTINATION"
	// KindCanceled marks batch entries that were never started.
	KindCanceled Kind = "CANCELED"
)

var ErrInvalidConfig = errors.New("pathfind: invalid config")

type Config struct {
	Diagonal bool `yaml:"diagonal" json:"diagonal"`
	// HeuristicWeight scales the heuristic; 1.0 keeps A* admissible.
	HeuristicWeight float64 `yaml:"heuristicWeight" json:"heuristicWeight"`
	// MaxNodes caps expansions per call.
	MaxNodes int `yaml:"maxNodes" json:"maxNodes"`
	// Timeout is the per-call wall-clock budget.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// BatchTimeout stops starting new batch calls once exceeded; 0 disables it.
	BatchTimeout time.Duration `yaml:"batchTimeout" json:"batchTimeout"`
	CacheSize    int           `yaml:"cacheSize" json:"cacheSize"`
}

func DefaultConfig() Config {
	return Config{
		HeuristicWeight: 1.0,
		MaxNodes:        200_000,
		Timeout:         2 * time.Second,
		CacheSize:       4096,
	}
}

func (c Config) Validate() error {
	if c.HeuristicWeight <= 0 {
		return fmt.Errorf("%w: heuristicWeight must be > 0, got %g", ErrInvalidConfig, c.HeuristicWeight)
	}
	if c.MaxNodes < 0 || c.Timeout < 0 || c.BatchTimeout < 0 {
		return fmt.Errorf("%w: budgets must be non-negative", ErrInvalidConfig)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("%w: cacheSize must be > 0, got %d", ErrInvalidConfig, c.CacheSize)
	}
	return nil
}

type Result struct {
	Origin        model.Point   `json:"origin"`
	Destination   model.Point   `json:"destination"`
	Found         bool          `json:"found"`
	Points        []model.Point `json:"points,omitempty"`
	Distance      float64       `json:"distance"`
	NodesExplored int           `json:"nodesExplored"`
	Duration      time.Duration `json:"duration"`
	Kind          Kind          `json:"kind"`
	Cached        bool          `json:"cached,omitempty"`
	Generation    uint64        `json:"generation"`
}

// Err describes an unsuccessful result; it is nil when a path was found.
func (r Result) Err() error {
	if r.Found {
		return nil
	}
	return fmt.Errorf("pathfind %s -> %s: %s", r.Origin, r.Destination, r.Kind)
}

type Request struct {
	Origin      model.Point `json:"origin"`
	Destination model.Point `json:"destination"`
}

// SnapshotSource hands out the current immutable obstacle view.
type SnapshotSource interface {
	Snapshot() *grid.Snapshot
}

type cacheKey struct {
	origin, dest model.Point
	generation   uint64
	diagonal     bool
	weight       float64
}

type Stats struct {
	Calls            uint64          `json:"calls"`
	CacheHits        uint64          `json:"cacheHits"`
	HitRate          float64         `json:"hitRate"`
	Searches         uint64          `json:"searches"`
	AvgNodesExplored float64         `json:"avgNodesExplored"`
	Throughput       float64         `json:"throughputPerSecond"`
	CacheEntries     int             `json:"cacheEntries"`
	ByKind           map[Kind]uint64 `json:"byKind"`
}

type Option func(*Finder)

func WithLogger(l logrus.FieldLogger) Option {
	return func(f *Finder) { f.log = logging.Component(l, "pathfind") }
}

// Finder is safe for concurrent use.
type Finder struct {
	src   SnapshotSource
	pool  *workpool.Pool
	cfg   Config
	cache *lru.Cache[cacheKey, Result]
	group singleflight.Group
	log   logrus.FieldLogger

	mu      sync.Mutex
	created time.Time
	calls   uint64
	hits    uint64
	nodes   uint64
	runs    uint64
	byKind  map[Kind]uint64
}

// New wires a finder to an obstacle source and the shared pool. A nil pool
// makes Batch run sequentially on the caller's goroutine.
func New(src SnapshotSource, pool *workpool.Pool, cfg Config, opts ...Option) (*Finder, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: snapshot source is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New[cacheKey, Result](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("pathfind: cache: %w", err)
	}
	f := &Finder{
		src:     src,
		pool:    pool,
		cfg:     cfg,
		cache:   cache,
		created: time.Now(),
		byKind:  map[Kind]uint64{},
	}
	for _, o := range opts {
		o(f)
	}
	if f.log == nil {
		f.log = logging.Component(nil, "pathfind")
	}
	return f, nil
}

func (f *Finder) Config() Config { return f.cfg }

func (f *Finder) FindPath(ctx context.Context, origin, dest model.Point) Result {
	return f.FindPathWith(ctx, origin, dest, f.cfg)
}

// FindPathWith runs one query with per-call settings against the current snapshot.
func (f *Finder) FindPathWith(ctx context.Context, origin, dest model.Point, cfg Config) Result {
	return f.find(ctx, f.src.Snapshot(), origin, dest, cfg)
}

func (f *Finder) find(ctx context.Context, snap *grid.Snapshot, origin, dest model.Point, cfg Config) Result {
	key := cacheKey{origin: origin, dest: dest, generation: snap.Generation, diagonal: cfg.Diagonal, weight: cfg.HeuristicWeight}
	if r, ok := f.cache.Get(key); ok {
		metrics.PathCache.WithLabelValues("hit").Inc()
		r.Cached = true
		r.Duration = 0
		r.Points = slices.Clone(r.Points)
		f.record(r, true)
		return r
	}
	metrics.PathCache.WithLabelValues("miss").Inc()

	// budgets are part of the flight key so a tight call never answers a generous one
	flight := fmt.Sprintf("%v|%d|%s", key, cfg.MaxNodes, cfg.Timeout)
	v, _, _ := f.group.Do(flight, func() (any, error) {
		r := search(ctx, snap, origin, dest, cfg)
		r.Generation = snap.Generation
		if r.Found {
			f.cache.Add(key, r)
		}
		metrics.PathSearches.WithLabelValues(string(r.Kind)).Inc()
		metrics.PathNodes.Observe(float64(r.NodesExplored))
		return r, nil
	})
	r := v.(Result)
	r.Points = slices.Clone(r.Points)
	f.record(r, false)
	if !r.Found {
		f.log.WithFields(logrus.Fields{"origin": origin, "destination": dest, "kind": r.Kind, "nodes": r.NodesExplored}).Debug("no path")
	}
	return r
}

func (f *Finder) record(r Result, hit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.byKind[r.Kind]++
	if hit {
		f.hits++
		return
	}
	f.runs++
	f.nodes += uint64(r.NodesExplored)
}

func (f *Finder) Batch(ctx context.Context, reqs []Request) []Result {
	return f.BatchWith(ctx, reqs, f.cfg)
}

// BatchWith resolves independent pairs on the pool against the current
// snapshot. Results keep input order. Once the batch deadline passes or ctx
// ends, calls not yet started are marked KindCanceled; calls already running
// finish normally.
func (f *Finder) BatchWith(ctx context.Context, reqs []Request, cfg Config) []Result {
	return f.BatchOn(ctx, f.src.Snapshot(), reqs, cfg)
}

// BatchOn is BatchWith against a caller-held snapshot.
func (f *Finder) BatchOn(ctx context.Context, snap *grid.Snapshot, reqs []Request, cfg Config) []Result {
	out := make([]Result, len(reqs))
	for i, r := range reqs {
		out[i] = Result{Origin: r.Origin, Destination: r.Destination, Kind: KindCanceled}
	}
	if len(reqs) == 0 {
		return out
	}
	gate := ctx
	if cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		gate, cancel = context.WithTimeout(ctx, cfg.BatchTimeout)
		defer cancel()
	}
	run := func(i int) {
		if gate.Err() != nil {
			return
		}
		out[i] = f.find(context.WithoutCancel(ctx), snap, reqs[i].Origin, reqs[i].Destination, cfg)
	}

	if f.pool == nil {
		for i := range reqs {
			run(i)
		}
	} else if err := f.pool.Run(gate, len(reqs), run, nil); err != nil {
		f.log.WithError(err).WithField("pairs", len(reqs)).Warn("batch stopped before every pair started")
	}

	canceled := 0
	for _, r := range out {
		if r.Kind == KindCanceled {
			canceled++
		}
	}
	if canceled > 0 {
		metrics.PathSearches.WithLabelValues(string(KindCanceled)).Add(float64(canceled))
		f.mu.Lock()
		f.byKind[KindCanceled] += uint64(canceled)
		f.mu.Unlock()
	}
	return out
}

// Precompute warms the cache with paths between every ordered pair of points
// and returns how many were found.
func (f *Finder) Precompute(ctx context.Context, points []model.Point) int {
	var reqs []Request
	for i, a := range points {
		for j, b := range points {
			if i != j {
				reqs = append(reqs, Request{Origin: a, Destination: b})
			}
		}
	}
	found := 0
	for _, r := range f.Batch(ctx, reqs) {
		if r.Found {
			found++
		}
	}
	f.log.WithFields(logrus.Fields{"pairs": len(reqs), "found": found}).Info("path cache precomputed")
	return found
}

func (f *Finder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Stats{
		Calls:        f.calls,
		CacheHits:    f.hits,
		Searches:     f.runs,
		CacheEntries: f.cache.Len(),
		ByKind:       make(map[Kind]uint64, len(f.byKind)),
	}
	for k, v := range f.byKind {
		s.ByKind[k] = v
	}
	if f.calls > 0 {
		s.HitRate = float64(f.hits) / float64(f.calls)
	}
	if f.runs > 0 {
		s.AvgNodesExplored = float64(f.nodes) / float64(f.runs)
	}
	if el := time.Since(f.created).Seconds(); el > 0 {
		s.Throughput = float64(f.calls) / el
	}
	return s
}

// Purge drops every cached path.
func (f *Finder) Purge() { f.cache.Purge() }
