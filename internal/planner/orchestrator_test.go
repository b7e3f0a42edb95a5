package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dispatchsim/internal/assign"
	"dispatchsim/internal/feasibility"
	"dispatchsim/internal/grid"
	"dispatchsim/internal/model"
	"dispatchsim/internal/pathfind"
	"dispatchsim/internal/sequence"
	"dispatchsim/internal/workpool"
)

var now = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type harness struct {
	grid *grid.Grid
	deps Deps
	orch *Orchestrator
}

func newHarness(t *testing.T, mutate func(*Config)) harness {
	t.Helper()
	g, err := grid.New(60, 60)
	if err != nil {
		t.Fatal(err)
	}
	pool, err := workpool.New(4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Shutdown)
	finder, err := pathfind.New(g, pool, pathfind.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	sc := sequence.DefaultConfig()
	sc.Seed = 17
	seq, err := sequence.New(pool, sc)
	if err != nil {
		t.Fatal(err)
	}
	asg, err := assign.New(assign.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	val, err := feasibility.New(feasibility.DefaultConfig(), g)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	deps := Deps{Grid: g, Finder: finder, Sequencer: seq, Assigner: asg, Validator: val, Clock: fixedClock{now}}
	o, err := New(deps, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return harness{grid: g, deps: deps, orch: o}
}

func mkOrder(id string, p model.Point, vol, deadline float64) model.Order {
	return model.NewOrder(id).At(p).Volume(vol).Registered(now.Add(-10 * time.Minute)).DeadlineHours(deadline).MustBuild()
}

func mkVehicle(id string, p model.Point, capacity, tank float64) model.Vehicle {
	return model.NewVehicle(id).At(p).Capacity(capacity).FuelTank(tank).TareWeight(2.5).Speed(50).MustBuild()
}

var depot = []model.Warehouse{{ID: "central", Location: model.Pt(0, 0), Capacity: 1000, Principal: true}}

func TestPlanRoutesEveryOrder(t *testing.T) {
	h := newHarness(t, nil)
	in := Input{
		Orders: []model.Order{
			mkOrder("o1", model.Pt(10, 4), 3, 24),
			mkOrder("o2", model.Pt(2, 20), 4, 24),
			mkOrder("o3", model.Pt(15, 15), 5, 12),
			mkOrder("o4", model.Pt(30, 2), 2, 36),
		},
		Vehicles:   []model.Vehicle{mkVehicle("TA01", model.Pt(0, 0), 10, 25), mkVehicle("TB01", model.Pt(0, 0), 10, 25)},
		Warehouses: depot,
		Now:        now,
	}
	res, err := h.orch.Plan(context.Background(), in)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !res.Success || len(res.Unassigned) != 0 {
		t.Fatalf("success=%v reason=%q unassigned=%+v", res.Success, res.Reason, res.Unassigned)
	}
	if len(res.Routes) != len(res.Reports) {
		t.Fatal("routes and reports not aligned")
	}
	served := map[string]bool{}
	snap := h.grid.Snapshot()
	for _, r := range res.Routes {
		if r.LoadVolume() > r.Vehicle.Capacity {
			t.Fatalf("vehicle %s overloaded", r.Vehicle.ID)
		}
		if !r.Feasible || r.FuelRequired <= 0 || r.TotalTime <= 0 {
			t.Fatalf("route aggregates not filled: %+v", r)
		}
		last := r.Segments[len(r.Segments)-1]
		if last.Kind != model.SegmentReturnToWarehouse || last.To != depot[0].Location {
			t.Fatalf("route must end at the depot, ends %v %s", last.To, last.Kind)
		}
		for i, s := range r.Segments {
			if s.Estimated {
				t.Fatalf("open grid produced an estimated segment")
			}
			if i > 0 && s.From != r.Segments[i-1].To {
				t.Fatal("segments not chained")
			}
			for _, p := range s.Path {
				if snap.Blocked(p) {
					t.Fatalf("segment crosses blocked %v", p)
				}
			}
		}
		for _, d := range r.Deliveries() {
			served[d.OrderID] = true
		}
	}
	if len(served) != 4 {
		t.Fatalf("served %v", served)
	}
	if res.Metrics.Deliveries != 4 || res.Metrics.AssignedVolume != 14 {
		t.Fatalf("metrics %+v", res.Metrics)
	}
}

func TestPlanRespectsActiveBlockage(t *testing.T) {
	h := newHarness(t, nil)
	// horizontal wall at y=10 open only at x=50
	err := h.grid.AddObstacle(model.Obstacle{ID: "wall", Kind: model.ObstacleBlockage, Shape: model.ShapePolyline,
		Vertices: []model.Point{{X: 0, Y: 10}, {X: 49, Y: 10}}, Start: now.Add(-time.Hour), End: now.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	err = h.grid.AddObstacle(model.Obstacle{ID: "wall-e", Kind: model.ObstacleBlockage, Shape: model.ShapePolyline,
		Vertices: []model.Point{{X: 51, Y: 10}, {X: 60, Y: 10}}, Start: now.Add(-time.Hour), End: now.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	in := Input{
		Orders:     []model.Order{mkOrder("north", model.Pt(5, 20), 2, 24)},
		Vehicles:   []model.Vehicle{mkVehicle("TA01", model.Pt(5, 0), 10, 50)},
		Warehouses: []model.Warehouse{{ID: "w", Location: model.Pt(5, 0)}},
		Now:        now,
	}
	res, err := h.orch.Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Routes) != 1 {
		t.Fatalf("routes %d, reason %q", len(res.Routes), res.Reason)
	}
	first := res.Routes[0].Segments[0]
	if first.Distance <= 20 {
		t.Fatalf("detour expected, distance %v", first.Distance)
	}
	for _, p := range first.Path {
		if h.grid.IsBlocked(p, now) {
			t.Fatalf("path crosses %v while the wall is up", p)
		}
	}

	in.Now = now.Add(2 * time.Hour)
	in.Orders[0] = model.NewOrder("north").At(model.Pt(5, 20)).Volume(2).Registered(in.Now.Add(-time.Minute)).DeadlineHours(24).MustBuild()
	res, err = h.orch.Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if d := res.Routes[0].Segments[0].Distance; d != 20 {
		t.Fatalf("after the wall expires the direct path is expected, got %v", d)
	}
}

// driftingGrid moves the live grid elsewhere right after handing out a view,
// as the recurring clock refresh may do mid-pass.
type driftingGrid struct {
	*grid.Grid
	away time.Time
}

func (d driftingGrid) SnapshotAt(at time.Time) *grid.Snapshot {
	s := d.Grid.SnapshotAt(at)
	d.Grid.Refresh(d.away)
	return s
}

func TestPlanHoldsItsOwnInstant(t *testing.T) {
	h := newHarness(t, nil)
	for _, o := range []model.Obstacle{
		{ID: "wall", Kind: model.ObstacleBlockage, Shape: model.ShapePolyline,
			Vertices: []model.Point{{X: 0, Y: 10}, {X: 49, Y: 10}}, Start: now, End: now.Add(2 * time.Hour)},
		{ID: "wall-e", Kind: model.ObstacleBlockage, Shape: model.ShapePolyline,
			Vertices: []model.Point{{X: 51, Y: 10}, {X: 60, Y: 10}}, Start: now, End: now.Add(2 * time.Hour)},
	} {
		if err := h.grid.AddObstacle(o); err != nil {
			t.Fatal(err)
		}
	}
	h.grid.Refresh(now.Add(-time.Hour))
	at := now.Add(30 * time.Minute)
	in := Input{
		Orders:     []model.Order{model.NewOrder("o1").At(model.Pt(5, 20)).Volume(2).Registered(at.Add(-time.Minute)).DeadlineHours(24).MustBuild()},
		Vehicles:   []model.Vehicle{mkVehicle("TA01", model.Pt(5, 0), 10, 50)},
		Warehouses: []model.Warehouse{{ID: "w", Location: model.Pt(5, 0)}},
		Now:        at,
	}

	res, err := h.orch.Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Routes) != 1 || len(res.Unassigned) != 0 {
		t.Fatalf("routes=%d unassigned=%+v", len(res.Routes), res.Unassigned)
	}
	if live := h.grid.Snapshot(); !live.At.Equal(now.Add(-time.Hour)) || live.ActiveCells() != 0 {
		t.Fatalf("plan moved the live grid to %v", live.At)
	}

	deps := h.deps
	deps.Grid = driftingGrid{Grid: h.grid, away: now.Add(-time.Hour)}
	o, err := New(deps, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	res, err = o.Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Routes) != 1 || len(res.Unassigned) != 0 {
		t.Fatalf("routes=%d unassigned=%+v", len(res.Routes), res.Unassigned)
	}
	if d := res.Routes[0].Segments[0].Distance; d <= 20 {
		t.Fatalf("detour around the wall expected, distance %v", d)
	}
}

func TestCriticalRouteShedsLowestPriority(t *testing.T) {
	h := newHarness(t, nil)
	in := Input{
		Orders: []model.Order{
			mkOrder("near", model.Pt(5, 0), 1, 2),
			mkOrder("far", model.Pt(40, 0), 1, 48),
		},
		// usable 0.9 gal covers the near stop only
		Vehicles:   []model.Vehicle{mkVehicle("TA01", model.Pt(0, 0), 10, 1)},
		Warehouses: depot,
		Now:        now,
	}
	res, err := h.orch.Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metrics.Replans < 1 {
		t.Fatal("expected a replan")
	}
	if len(res.Routes) != 1 || len(res.Routes[0].Deliveries()) != 1 || res.Routes[0].Deliveries()[0].OrderID != "near" {
		t.Fatalf("routes %+v", res.Routes)
	}
	if len(res.Unassigned) != 1 || res.Unassigned[0].OrderID != "far" || !strings.HasPrefix(res.Unassigned[0].Reason, "dropped while replanning") {
		t.Fatalf("unassigned %+v", res.Unassigned)
	}
	if !res.Success || res.Reason == "" {
		t.Fatalf("partial success expected, got %v %q", res.Success, res.Reason)
	}
	if len(res.Assignments) != 1 {
		t.Fatalf("assignments %+v", res.Assignments)
	}
	a := res.Assignments[0]
	if len(a.Deliveries) != 1 || a.Deliveries[0].OrderID != "near" || a.AssignedVolume != 1 || a.Utilization != 0.1 {
		t.Fatalf("assignment still lists the shed delivery: %+v", a)
	}
	if res.Metrics.AverageUtilization != 0.1 {
		t.Fatalf("average utilization %v", res.Metrics.AverageUtilization)
	}
}

func TestCriticalRouteRejectedWithoutReplans(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReplanAttempts = 0 })
	in := Input{
		Orders:     []model.Order{mkOrder("far", model.Pt(50, 50), 1, 48)},
		Vehicles:   []model.Vehicle{mkVehicle("TA01", model.Pt(0, 0), 10, 0.5)},
		Warehouses: depot,
		Now:        now,
	}
	res, err := h.orch.Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || len(res.Rejected) != 1 || len(res.Routes) != 0 {
		t.Fatalf("success=%v rejected=%d routes=%d", res.Success, len(res.Rejected), len(res.Routes))
	}
	if len(res.Unassigned) != 1 || !strings.HasPrefix(res.Unassigned[0].Reason, "route rejected") {
		t.Fatalf("unassigned %+v", res.Unassigned)
	}
	if len(res.Assignments) != 1 || !res.Assignments[0].Empty() || res.Assignments[0].AssignedVolume != 0 {
		t.Fatalf("rejected route still assigned: %+v", res.Assignments)
	}
	if res.Metrics.AverageUtilization != 0 {
		t.Fatalf("average utilization %v", res.Metrics.AverageUtilization)
	}
}

func TestPathFailureFallsBackToEstimate(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Levels[LevelFast] = LevelSettings{Ants: 2, Iterations: 2, MaxNodes: 1, PathTimeout: time.Second}
		c.Level = LevelFast
	})
	in := Input{
		Orders:     []model.Order{mkOrder("o1", model.Pt(20, 20), 1, 48)},
		Vehicles:   []model.Vehicle{mkVehicle("TA01", model.Pt(0, 0), 10, 25)},
		Warehouses: depot,
		Now:        now,
	}
	res, err := h.orch.Plan(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Routes) != 1 {
		t.Fatalf("node budget failures must not abort the pass: %q", res.Reason)
	}
	seg := res.Routes[0].Segments[0]
	if !seg.Estimated || seg.PathError != string(pathfind.KindNodeBudgetExceeded) || seg.Distance != 40 {
		t.Fatalf("segment %+v", seg)
	}
	if res.Metrics.EstimatedSegments != 2 {
		t.Fatalf("estimated segments = %d", res.Metrics.EstimatedSegments)
	}
}

func TestPlanRejectsMalformedInput(t *testing.T) {
	h := newHarness(t, nil)
	bad := model.Order{ID: "neg", Volume: -1, DeadlineHours: 4, RegisteredAt: now}
	_, err := h.orch.Plan(context.Background(), Input{Orders: []model.Order{bad}, Vehicles: []model.Vehicle{mkVehicle("V", model.Pt(0, 0), 5, 5)}, Now: now})
	if !errors.Is(err, model.ErrValidation) || !IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
	zero := model.Vehicle{ID: "zero", FuelTank: 5, Speed: 50}
	if _, err := h.orch.Plan(context.Background(), Input{Vehicles: []model.Vehicle{zero}, Now: now}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("zero-capacity vehicle accepted: %v", err)
	}
	if _, err := h.orch.Plan(context.Background(), Input{Level: "TURBO", Now: now}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unknown level accepted: %v", err)
	}
}

func TestPlanWithoutVehicles(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Plan(context.Background(), Input{Orders: []model.Order{mkOrder("o", model.Pt(1, 1), 1, 4)}, Now: now})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || len(res.Unassigned) != 1 {
		t.Fatalf("result %+v", res)
	}
}

func TestPlanNowUsesClock(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.PlanNow(context.Background(), Input{
		Orders:   []model.Order{mkOrder("o", model.Pt(3, 3), 1, 4)},
		Vehicles: []model.Vehicle{mkVehicle("V", model.Pt(0, 0), 5, 25)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.PlannedAt.Equal(now) || !res.Routes[0].PlannedAt.Equal(now) {
		t.Fatalf("planned at %v", res.PlannedAt)
	}
}

func TestPlanCanceledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.orch.Plan(ctx, Input{
		Orders:   []model.Order{mkOrder("o", model.Pt(3, 3), 1, 4)},
		Vehicles: []model.Vehicle{mkVehicle("V", model.Pt(0, 0), 5, 25)},
		Now:      now,
	})
	if !errors.Is(err, context.Canceled) || res.Success {
		t.Fatalf("err=%v success=%v", err, res.Success)
	}
}

func TestLowestPriorityTiebreaks(t *testing.T) {
	ds := []model.Delivery{
		{ID: "a#1", Priority: 500, Deadline: now},
		{ID: "b#1", Priority: 100, Deadline: now},
		{ID: "c#1", Priority: 100, Deadline: now.Add(time.Hour)},
	}
	if got := lowestPriority(ds); got != 2 {
		t.Fatalf("picked %d", got)
	}
}

func TestParseLevel(t *testing.T) {
	if l, err := ParseLevel(" precise "); err != nil || l != LevelPrecise {
		t.Fatalf("%v %v", l, err)
	}
	if _, err := ParseLevel("slow"); err == nil {
		t.Fatal("unknown level parsed")
	}
}
