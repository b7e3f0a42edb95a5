// Package planner runs one planning pass: assign orders to vehicles, sequence
// each vehicle's stops, materialize grid paths and gate the routes on
// feasibility, shedding deliveries from routes with critical findings.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"dispatchsim/internal/assign"
	"dispatchsim/internal/feasibility"
	"dispatchsim/internal/grid"
	"dispatchsim/internal/logging"
	"dispatchsim/internal/metrics"
	"dispatchsim/internal/model"
	"dispatchsim/internal/pathfind"
	"dispatchsim/internal/sequence"
)

// Clock supplies virtual now for PlanNow.
type Clock interface {
	Now() time.Time
}

// Obstacles is the grid surface the orchestrator reads. A pass holds one view
// materialized at its own instant and never moves the live grid.
type Obstacles interface {
	SnapshotAt(at time.Time) *grid.Snapshot
	IsBlocked(p model.Point, at time.Time) bool
}

type Deps struct {
	Grid      Obstacles
	Finder    *pathfind.Finder
	Sequencer *sequence.Sequencer
	Assigner  *assign.Assigner
	Validator *feasibility.Validator
	// Clock is optional; only PlanNow needs it.
	Clock Clock
}

type Input struct {
	Orders     []model.Order     `json:"orders"`
	Vehicles   []model.Vehicle   `json:"vehicles"`
	Warehouses []model.Warehouse `json:"warehouses"`
	Now        time.Time         `json:"now"`
	// Level overrides the configured optimization level when set.
	Level Level `json:"level,omitempty"`
}

type Unassigned struct {
	OrderID string  `json:"orderId"`
	Volume  float64 `json:"volume"`
	Reason  string  `json:"reason"`
}

type RejectedRoute struct {
	VehicleID  string                `json:"vehicleId"`
	Deliveries []model.Delivery      `json:"deliveries"`
	Problems   []feasibility.Problem `json:"problems"`
}

type Metrics struct {
	Orders             int           `json:"orders"`
	EligibleOrders     int           `json:"eligibleOrders"`
	VehiclesUsed       int           `json:"vehiclesUsed"`
	Deliveries         int           `json:"deliveries"`
	AssignedVolume     float64       `json:"assignedVolume"`
	UnassignedVolume   float64       `json:"unassignedVolume"`
	AverageUtilization float64       `json:"averageUtilization"`
	TotalDistance      float64       `json:"totalDistance"`
	TotalFuel          float64       `json:"totalFuel"`
	AverageScore       float64       `json:"averageScore"`
	EstimatedSegments  int           `json:"estimatedSegments"`
	Replans            int           `json:"replans"`
	Duration           time.Duration `json:"duration"`
}

type Result struct {
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	Level     Level     `json:"level"`
	PlannedAt time.Time `json:"plannedAt"`
	// Routes and Reports are index-aligned.
	Routes      []model.OptimizedRoute `json:"routes"`
	Reports     []feasibility.Report   `json:"reports"`
	Assignments []model.Assignment     `json:"assignments"`
	Unassigned  []Unassigned           `json:"unassigned"`
	Rejected    []RejectedRoute        `json:"rejected"`
	Metrics     Metrics                `json:"metrics"`
}

type Option func(*Orchestrator)

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.log = logging.Component(l, "planner") }
}

type Orchestrator struct {
	deps Deps
	cfg  Config
	log  logrus.FieldLogger
}

func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	if deps.Grid == nil || deps.Finder == nil || deps.Sequencer == nil || deps.Assigner == nil || deps.Validator == nil {
		return nil, fmt.Errorf("%w: grid, finder, sequencer, assigner and validator are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{deps: deps, cfg: cfg}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logging.Component(nil, "planner")
	}
	return o, nil
}

func (o *Orchestrator) Config() Config { return o.cfg }

// PlanNow plans at the injected clock's current virtual time.
func (o *Orchestrator) PlanNow(ctx context.Context, in Input) (Result, error) {
	if o.deps.Clock == nil {
		return Result{Reason: "no clock configured"}, fmt.Errorf("%w: PlanNow needs a clock", ErrInvalidConfig)
	}
	in.Now = o.deps.Clock.Now()
	return o.Plan(ctx, in)
}

// Plan runs one pass at in.Now. Malformed input is rejected with an error
// matching model.ErrValidation; every other outcome, including partial
// success, is described by the returned Result.
func (o *Orchestrator) Plan(ctx context.Context, in Input) (Result, error) {
	began := time.Now()
	level := in.Level
	if level == "" {
		level = o.cfg.Level
	}
	res := Result{Level: level, PlannedAt: in.Now, Routes: []model.OptimizedRoute{}, Reports: []feasibility.Report{},
		Assignments: []model.Assignment{}, Unassigned: []Unassigned{}, Rejected: []RejectedRoute{}}
	finish := func(outcome string) {
		res.Metrics.Duration = time.Since(began)
		metrics.PlanDuration.WithLabelValues(string(level)).Observe(res.Metrics.Duration.Seconds())
		metrics.PlanPasses.WithLabelValues(string(level), outcome).Inc()
	}

	settings, ok := o.cfg.Levels[level]
	if !ok {
		res.Reason = fmt.Sprintf("unknown optimization level %q", level)
		finish("invalid")
		return res, fmt.Errorf("%w: %s", ErrInvalidConfig, res.Reason)
	}
	if err := o.validate(in); err != nil {
		res.Reason = err.Error()
		finish("invalid")
		return res, fmt.Errorf("planner: %w", err)
	}
	log := o.log.WithFields(logrus.Fields{"level": level, "now": in.Now, "orders": len(in.Orders), "vehicles": len(in.Vehicles)})
	res.Metrics.Orders = len(in.Orders)
	if len(in.Vehicles) == 0 {
		for _, ord := range in.Orders {
			res.Unassigned = append(res.Unassigned, Unassigned{OrderID: ord.ID, Volume: ord.Volume, Reason: "no vehicles available"})
		}
		res.Reason = "no vehicles available"
		o.summarize(&res)
		finish("failed")
		return res, nil
	}

	snap := o.deps.Grid.SnapshotAt(in.Now)

	asg := o.deps.Assigner.Assign(in.Orders, in.Vehicles, in.Now)
	res.Metrics.EligibleOrders = asg.Stats.Orders
	volumes := map[string]float64{}
	for _, ord := range in.Orders {
		volumes[ord.ID] = ord.Volume
	}
	for _, ex := range asg.Excluded {
		res.Unassigned = append(res.Unassigned, Unassigned{OrderID: ex.OrderID, Volume: volumes[ex.OrderID], Reason: ex.Reason})
	}
	for _, sf := range asg.Shortfalls {
		res.Unassigned = append(res.Unassigned, Unassigned{OrderID: sf.OrderID, Volume: sf.Unassigned, Reason: sf.Reason})
	}

	seqCfg := settings.sequence(o.deps.Sequencer.Config())
	pathCfg := settings.pathfind(o.deps.Finder.Config())

	// sequencing and path materialization are separate pool phases
	var jobs []sequence.Job
	var loaded []model.Assignment
	for _, a := range asg.Assignments {
		if a.Empty() {
			continue
		}
		loaded = append(loaded, a)
		jobs = append(jobs, sequence.Job{Key: a.Vehicle.ID, Start: a.Vehicle.Location, Deliveries: a.Deliveries})
	}
	ordered := make([][]model.Delivery, len(jobs))
	for i, jr := range o.deps.Sequencer.SequenceAllWith(ctx, jobs, seqCfg) {
		ordered[i] = jr.Result.Deliveries
		if len(ordered[i]) != len(jobs[i].Deliveries) {
			ordered[i] = jobs[i].Deliveries
		}
	}
	if err := ctx.Err(); err != nil {
		return o.aborted(&res, err, finish)
	}

	routes := o.materialize(ctx, snap, loaded, ordered, in, pathCfg)
	if err := ctx.Err(); err != nil {
		return o.aborted(&res, err, finish)
	}

	carried := make([][]model.Delivery, len(loaded))
	for i, a := range loaded {
		route, rep := routes[i], o.deps.Validator.Validate(routes[i])
		stops := ordered[i]
		for attempt := 0; rep.Critical() && attempt < o.cfg.ReplanAttempts && len(stops) > 0; attempt++ {
			drop := lowestPriority(stops)
			dropped := stops[drop]
			stops = append(append([]model.Delivery(nil), stops[:drop]...), stops[drop+1:]...)
			res.Metrics.Replans++
			res.Unassigned = append(res.Unassigned, Unassigned{OrderID: dropped.OrderID, Volume: dropped.Volume,
				Reason: "dropped while replanning: " + firstCritical(rep)})
			log.WithFields(logrus.Fields{"vehicle": a.Vehicle.ID, "delivery": dropped.ID, "attempt": attempt + 1}).Info("replanning critical route")
			if len(stops) == 0 {
				break
			}
			if sr, err := o.deps.Sequencer.SequenceWith(ctx, a.Vehicle.Location, stops, seqCfg); err == nil {
				stops = sr.Deliveries
			}
			single := o.materialize(ctx, snap, []model.Assignment{a}, [][]model.Delivery{stops}, in, pathCfg)
			route, rep = single[0], o.deps.Validator.Validate(single[0])
		}
		for _, p := range rep.Problems {
			metrics.FeasibilityProblems.WithLabelValues(string(p.Severity), string(p.Dimension)).Inc()
		}
		if len(stops) == 0 {
			continue
		}
		if rep.Critical() {
			res.Rejected = append(res.Rejected, RejectedRoute{VehicleID: a.Vehicle.ID, Deliveries: stops, Problems: rep.Problems})
			for _, d := range stops {
				res.Unassigned = append(res.Unassigned, Unassigned{OrderID: d.OrderID, Volume: d.Volume, Reason: "route rejected: " + firstCritical(rep)})
			}
			log.WithField("vehicle", a.Vehicle.ID).Warn("route rejected after replanning")
			continue
		}
		carried[i] = stops
		route.TotalTime = rep.Duration
		route.FuelRequired = rep.FuelRequired
		route.Feasible = rep.Executable
		route.Score = rep.Score
		res.Routes = append(res.Routes, route)
		res.Reports = append(res.Reports, rep)
	}

	// assignments report what the accepted routes carry, not the first packing
	res.Assignments = make([]model.Assignment, 0, len(asg.Assignments))
	k := 0
	for _, a := range asg.Assignments {
		if a.Empty() {
			res.Assignments = append(res.Assignments, a)
			continue
		}
		res.Assignments = append(res.Assignments, assign.Build(a.Vehicle, carried[k]))
		k++
	}
	res.Metrics.AverageUtilization = assign.AverageUtilization(res.Assignments)

	o.summarize(&res)
	outcome := "success"
	switch {
	case len(res.Routes) == 0 && res.Metrics.EligibleOrders > 0:
		res.Reason = "no executable routes"
		outcome = "failed"
	case len(res.Unassigned) > len(asg.Excluded):
		res.Reason = fmt.Sprintf("partial: %d unassigned entries", len(res.Unassigned)-len(asg.Excluded))
		res.Success = true
		outcome = "partial"
	default:
		res.Success = true
	}
	metrics.UnassignedVolume.Set(res.Metrics.UnassignedVolume)
	finish(outcome)
	log.WithFields(logrus.Fields{
		"routes":     len(res.Routes),
		"unassigned": len(res.Unassigned),
		"rejected":   len(res.Rejected),
		"duration":   time.Since(began),
	}).Info("planning pass complete")
	return res, nil
}

func (o *Orchestrator) validate(in Input) error {
	if in.Now.IsZero() {
		return &model.ValidationError{Entity: "input", Field: "now", Reason: "must be set"}
	}
	return model.ValidateFleet(in.Orders, in.Vehicles, in.Warehouses)
}

// aborted clears the partial pass; res must be the result finish writes to.
func (o *Orchestrator) aborted(res *Result, err error, finish func(string)) (Result, error) {
	res.Success = false
	res.Reason = "planning canceled: " + err.Error()
	res.Routes = []model.OptimizedRoute{}
	res.Reports = []feasibility.Report{}
	res.Assignments = []model.Assignment{}
	finish("canceled")
	return *res, err
}

// materialize resolves every leg of every route in one batch on snap.
func (o *Orchestrator) materialize(ctx context.Context, snap *grid.Snapshot, loaded []model.Assignment, ordered [][]model.Delivery, in Input, cfg pathfind.Config) []model.OptimizedRoute {
	type leg struct {
		from, to model.Point
		kind     model.SegmentKind
		delivery *model.Delivery
	}
	legs := make([][]leg, len(loaded))
	var reqs []pathfind.Request
	for i, a := range loaded {
		at := a.Vehicle.Location
		for j := range ordered[i] {
			d := ordered[i][j]
			legs[i] = append(legs[i], leg{from: at, to: d.Target, kind: model.SegmentDelivery, delivery: &d})
			at = d.Target
		}
		if o.cfg.ReturnToWarehouse {
			if w, ok := nearestWarehouse(at, in.Warehouses); ok {
				legs[i] = append(legs[i], leg{from: at, to: w.Location, kind: model.SegmentReturnToWarehouse})
			}
		}
		for _, l := range legs[i] {
			reqs = append(reqs, pathfind.Request{Origin: l.from, Destination: l.to})
		}
	}

	paths := o.deps.Finder.BatchOn(ctx, snap, reqs, cfg)
	out := make([]model.OptimizedRoute, len(loaded))
	k := 0
	for i, a := range loaded {
		route := model.OptimizedRoute{Vehicle: a.Vehicle, PlannedAt: in.Now, Segments: []model.RouteSegment{}}
		for _, l := range legs[i] {
			p := paths[k]
			k++
			seg := model.RouteSegment{From: l.from, To: l.to, Kind: l.kind, Delivery: l.delivery}
			if p.Found {
				seg.Path = p.Points
				seg.Distance = p.Distance
			} else {
				// straight-line estimate, flagged for the validator
				seg.Path = []model.Point{l.from, l.to}
				seg.Distance = float64(l.from.Manhattan(l.to))
				seg.Estimated = true
				seg.PathError = string(p.Kind)
			}
			route.TotalDistance += seg.Distance
			route.Segments = append(route.Segments, seg)
		}
		out[i] = route
	}
	return out
}

func nearestWarehouse(p model.Point, ws []model.Warehouse) (model.Warehouse, bool) {
	best, found := model.Warehouse{}, false
	for _, w := range ws {
		if !found || p.Manhattan(w.Location) < p.Manhattan(best.Location) ||
			(p.Manhattan(w.Location) == p.Manhattan(best.Location) && w.Principal && !best.Principal) {
			best, found = w, true
		}
	}
	return best, found
}

// lowestPriority picks the delivery to shed: lowest priority, then the
// latest deadline, then the larger id.
func lowestPriority(ds []model.Delivery) int {
	idx := 0
	for i, d := range ds[1:] {
		b := ds[idx]
		switch {
		case d.Priority < b.Priority,
			d.Priority == b.Priority && d.Deadline.After(b.Deadline),
			d.Priority == b.Priority && d.Deadline.Equal(b.Deadline) && d.ID > b.ID:
			idx = i + 1
		}
	}
	return idx
}

func firstCritical(rep feasibility.Report) string {
	for _, p := range rep.Problems {
		if p.Severity == feasibility.Critical {
			return fmt.Sprintf("%s: %s", p.Dimension, p.Description)
		}
	}
	return "critical finding"
}

func (o *Orchestrator) summarize(res *Result) {
	m := &res.Metrics
	m.VehiclesUsed = len(res.Routes)
	scores := 0.0
	for i, r := range res.Routes {
		m.TotalDistance += r.TotalDistance
		m.TotalFuel += r.FuelRequired
		scores += res.Reports[i].Score
		for _, s := range r.Segments {
			if s.Estimated {
				m.EstimatedSegments++
			}
		}
		for _, d := range r.Deliveries() {
			m.Deliveries++
			m.AssignedVolume += d.Volume
		}
	}
	if len(res.Routes) > 0 {
		m.AverageScore = scores / float64(len(res.Routes))
	}
	for _, u := range res.Unassigned {
		m.UnassignedVolume += u.Volume
	}
	sort.SliceStable(res.Unassigned, func(i, j int) bool { return res.Unassigned[i].OrderID < res.Unassigned[j].OrderID })
}

// IsValidation reports whether err came from rejected input.
func IsValidation(err error) bool { return errors.Is(err, model.ErrValidation) }
