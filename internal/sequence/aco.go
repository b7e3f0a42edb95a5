// Package sequence orders a vehicle's stops with an Ant Colony System: ants
// build open tours from the vehicle position, pheromone evaporates on every
// edge and is reinforced along each iteration's best tour.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"dispatchsim/internal/logging"
	"dispatchsim/internal/model"
	"dispatchsim/internal/workpool"
)

var ErrInvalidConfig = errors.New("sequence: invalid config")

const (
	minPheromone = 1e-6
	minDistance  = 0.1
)

type Config struct {
	Ants       int     `yaml:"ants" json:"ants"`
	Iterations int     `yaml:"iterations" json:"iterations"`
	Alpha      float64 `yaml:"alpha" json:"alpha"`
	Beta       float64 `yaml:"beta" json:"beta"`
	// Rho is the evaporation rate in (0,1].
	Rho float64 `yaml:"rho" json:"rho"`
	// Q0 is the probability of the greedy (exploitation) choice.
	Q0 float64 `yaml:"q0" json:"q0"`
	// StallIterations stops the colony after this many iterations without a
	// best-tour improvement larger than MinImprovement.
	StallIterations int `yaml:"stallIterations" json:"stallIterations"`
	// MinImprovement is relative: 0.01 means the best tour must shrink by 1%.
	MinImprovement float64 `yaml:"minImprovement" json:"minImprovement"`
	// TwoOptPasses polishes the best tour; 0 disables the polish.
	TwoOptPasses int `yaml:"twoOptPasses" json:"twoOptPasses"`
	// Seed fixes the random source; 0 seeds from the clock.
	Seed int64 `yaml:"seed" json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Ants:            10,
		Iterations:      60,
		Alpha:           1,
		Beta:            2,
		Rho:             0.1,
		Q0:              0.9,
		StallIterations: 15,
		MinImprovement:  0.001,
		TwoOptPasses:    5,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Ants < 1:
		return fmt.Errorf("%w: ants must be >= 1, got %d", ErrInvalidConfig, c.Ants)
	case c.Iterations < 1:
		return fmt.Errorf("%w: iterations must be >= 1, got %d", ErrInvalidConfig, c.Iterations)
	case c.Alpha < 0 || c.Beta < 0:
		return fmt.Errorf("%w: alpha and beta must be >= 0", ErrInvalidConfig)
	case c.Rho <= 0 || c.Rho > 1:
		return fmt.Errorf("%w: rho must be in (0,1], got %g", ErrInvalidConfig, c.Rho)
	case c.Q0 < 0 || c.Q0 > 1:
		return fmt.Errorf("%w: q0 must be in [0,1], got %g", ErrInvalidConfig, c.Q0)
	case c.StallIterations < 0 || c.MinImprovement < 0 || c.TwoOptPasses < 0:
		return fmt.Errorf("%w: stall, improvement and 2-opt settings must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// DistanceFunc measures travel between two stops.
type DistanceFunc func(a, b model.Point) float64

// Manhattan is the default distance.
func Manhattan(a, b model.Point) float64 { return float64(a.Manhattan(b)) }

type Metrics struct {
	Iterations    int           `json:"iterations"`
	Improvements  int           `json:"improvements"`
	Stalled       bool          `json:"stalled"`
	InitialLength float64       `json:"initialLength"`
	TwoOptGain    float64       `json:"twoOptGain"`
	Duration      time.Duration `json:"duration"`
}

type Result struct {
	Deliveries []model.Delivery `json:"deliveries"`
	// Tour holds input indices in visiting order.
	Tour   []int   `json:"tour"`
	Length float64 `json:"length"`
	Metrics
}

type Job struct {
	Key        string
	Start      model.Point
	Deliveries []model.Delivery
}

type JobResult struct {
	Key    string
	Result Result
	Err    error
}

type Option func(*Sequencer)

func WithDistance(fn DistanceFunc) Option { return func(s *Sequencer) { s.dist = fn } }

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Sequencer) { s.log = logging.Component(l, "sequence") }
}

type Sequencer struct {
	pool *workpool.Pool
	cfg  Config
	dist DistanceFunc
	log  logrus.FieldLogger
}

// New builds a sequencer; a nil pool makes SequenceAll run jobs one by one.
func New(pool *workpool.Pool, cfg Config, opts ...Option) (*Sequencer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sequencer{pool: pool, cfg: cfg, dist: Manhattan}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = logging.Component(nil, "sequence")
	}
	return s, nil
}

func (s *Sequencer) Config() Config { return s.cfg }

func (s *Sequencer) Sequence(ctx context.Context, start model.Point, deliveries []model.Delivery) (Result, error) {
	return s.SequenceWith(ctx, start, deliveries, s.cfg)
}

// SequenceWith runs the colony with per-call settings. The result is always a
// permutation of deliveries; when ctx ends early the best tour so far is
// returned together with ctx.Err().
func (s *Sequencer) SequenceWith(ctx context.Context, start model.Point, deliveries []model.Delivery, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	began := time.Now()
	n := len(deliveries)
	if n <= 1 {
		res := Result{Deliveries: append([]model.Delivery(nil), deliveries...), Tour: make([]int, n)}
		if n == 1 {
			res.Length = s.dist(start, deliveries[0].Target)
		}
		res.InitialLength = res.Length
		return res, nil
	}

	dist := s.matrix(start, deliveries)
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c := newColony(dist, cfg, rand.New(rand.NewSource(seed)))

	identity := make([]int, n+1)
	for i := range identity {
		identity[i] = i
	}
	m := Metrics{InitialLength: tourLength(dist, identity)}

	var err error
	best, bestLen := c.nearestNeighbour()
	stall := 0
	for m.Iterations < cfg.Iterations {
		if err = ctx.Err(); err != nil {
			break
		}
		m.Iterations++
		iterBest, iterLen := c.iterate()
		if iterLen < bestLen {
			if iterLen < bestLen*(1-cfg.MinImprovement) {
				m.Improvements++
				stall = 0
			} else {
				stall++
			}
			best, bestLen = iterBest, iterLen
		} else {
			stall++
		}
		if cfg.StallIterations > 0 && stall >= cfg.StallIterations {
			m.Stalled = true
			break
		}
	}

	if cfg.TwoOptPasses > 0 && err == nil {
		polished, l := improve2Opt(dist, best, cfg.TwoOptPasses)
		if l < bestLen {
			m.TwoOptGain = bestLen - l
			best, bestLen = polished, l
		}
	}

	res := Result{Tour: make([]int, 0, n), Deliveries: make([]model.Delivery, 0, n), Length: bestLen}
	for _, node := range best[1:] {
		res.Tour = append(res.Tour, node-1)
		res.Deliveries = append(res.Deliveries, deliveries[node-1])
	}
	m.Duration = time.Since(began)
	res.Metrics = m
	s.log.WithFields(logrus.Fields{
		"stops":      n,
		"iterations": m.Iterations,
		"length":     bestLen,
		"initial":    m.InitialLength,
	}).Debug("sequenced")
	return res, err
}

// matrix builds distances with node 0 as the start and node i as delivery i-1.
func (s *Sequencer) matrix(start model.Point, deliveries []model.Delivery) [][]float64 {
	pts := make([]model.Point, 0, len(deliveries)+1)
	pts = append(pts, start)
	for _, d := range deliveries {
		pts = append(pts, d.Target)
	}
	dist := make([][]float64, len(pts))
	for i := range pts {
		dist[i] = make([]float64, len(pts))
		for j := range pts {
			if i != j {
				dist[i][j] = s.dist(pts[i], pts[j])
			}
		}
	}
	return dist
}

// SequenceAll sequences independent jobs on the pool, each with its own
// colony. Results follow input order.
func (s *Sequencer) SequenceAll(ctx context.Context, jobs []Job) []JobResult {
	return s.SequenceAllWith(ctx, jobs, s.cfg)
}

func (s *Sequencer) SequenceAllWith(ctx context.Context, jobs []Job, cfg Config) []JobResult {
	out := make([]JobResult, len(jobs))
	run := func(i int) {
		jc := cfg
		if jc.Seed != 0 {
			jc.Seed += int64(i)
		}
		res, err := s.SequenceWith(ctx, jobs[i].Start, jobs[i].Deliveries, jc)
		out[i] = JobResult{Key: jobs[i].Key, Result: res, Err: err}
	}
	skipped := func(i int) {
		out[i] = JobResult{Key: jobs[i].Key, Err: fmt.Errorf("sequence %s: not started: %w", jobs[i].Key, ctx.Err())}
	}
	if s.pool == nil {
		for i := range jobs {
			if ctx.Err() != nil {
				skipped(i)
				continue
			}
			run(i)
		}
		return out
	}
	if err := s.pool.Run(ctx, len(jobs), run, skipped); err != nil {
		s.log.WithError(err).Warn("sequencing stopped before every job started")
	}
	return out
}

// colony owns the pheromone matrix for one call.
type colony struct {
	dist [][]float64
	eta  [][]float64
	tau  [][]float64
	cfg  Config
	rng  *rand.Rand
	n    int
}

func newColony(dist [][]float64, cfg Config, rng *rand.Rand) *colony {
	n := len(dist)
	c := &colony{dist: dist, cfg: cfg, rng: rng, n: n}
	c.eta = make([][]float64, n)
	c.tau = make([][]float64, n)
	_, nnLen := c.nearestNeighbour()
	tau0 := 1.0
	if nnLen > 0 {
		tau0 = 1 / (float64(n-1) * nnLen)
	}
	for i := 0; i < n; i++ {
		c.eta[i] = make([]float64, n)
		c.tau[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			c.eta[i][j] = 1 / math.Max(dist[i][j], minDistance)
			c.tau[i][j] = tau0
		}
	}
	return c
}

// nearestNeighbour is the greedy tour from node 0; it seeds the best tour.
func (c *colony) nearestNeighbour() ([]int, float64) {
	visited := make([]bool, c.n)
	tour := []int{0}
	visited[0] = true
	cur := 0
	for len(tour) < c.n {
		next := -1
		for j := 1; j < c.n; j++ {
			if !visited[j] && (next < 0 || c.dist[cur][j] < c.dist[cur][next]) {
				next = j
			}
		}
		visited[next] = true
		tour = append(tour, next)
		cur = next
	}
	return tour, tourLength(c.dist, tour)
}

func (c *colony) iterate() ([]int, float64) {
	var best []int
	bestLen := math.Inf(1)
	for a := 0; a < c.cfg.Ants; a++ {
		tour := c.construct()
		if l := tourLength(c.dist, tour); l < bestLen {
			best, bestLen = tour, l
		}
	}
	for i := range c.tau {
		for j := range c.tau[i] {
			c.tau[i][j] = math.Max(c.tau[i][j]*(1-c.cfg.Rho), minPheromone)
		}
	}
	deposit := 1 / math.Max(bestLen, minDistance)
	for i := 0; i+1 < len(best); i++ {
		c.tau[best[i]][best[i+1]] += deposit
	}
	return best, bestLen
}

func (c *colony) construct() []int {
	visited := make([]bool, c.n)
	tour := make([]int, 1, c.n)
	visited[0] = true
	weights := make([]float64, c.n)
	for len(tour) < c.n {
		cur := tour[len(tour)-1]
		total := 0.0
		arg, argW := -1, -1.0
		for j := 1; j < c.n; j++ {
			weights[j] = 0
			if visited[j] {
				continue
			}
			w := math.Pow(c.tau[cur][j], c.cfg.Alpha) * math.Pow(c.eta[cur][j], c.cfg.Beta)
			if math.IsNaN(w) || math.IsInf(w, 0) {
				w = 0
			}
			weights[j] = w
			total += w
			if w > argW {
				arg, argW = j, w
			}
		}
		next := arg
		if c.rng.Float64() >= c.cfg.Q0 && total > 0 {
			next = c.roulette(weights, total)
		}
		visited[next] = true
		tour = append(tour, next)
	}
	return tour
}

func (c *colony) roulette(weights []float64, total float64) int {
	r := c.rng.Float64() * total
	last := -1
	for j := 1; j < c.n; j++ {
		if weights[j] <= 0 {
			continue
		}
		last = j
		r -= weights[j]
		if r <= 0 {
			return j
		}
	}
	return last
}
