package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"dispatchsim/internal/assign"
	"dispatchsim/internal/feasibility"
	"dispatchsim/internal/grid"
	"dispatchsim/internal/ingest"
	"dispatchsim/internal/logging"
	"dispatchsim/internal/model"
	"dispatchsim/internal/pathfind"
	"dispatchsim/internal/planner"
	"dispatchsim/internal/sequence"
	"dispatchsim/internal/simclock"
	"dispatchsim/internal/store"
	"dispatchsim/internal/workpool"
)

var epoch = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, mutate func(*Deps)) *Server {
	t.Helper()
	g, err := grid.New(50, 50)
	if err != nil {
		t.Fatal(err)
	}
	pool, err := workpool.New(2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Shutdown)
	finder, err := pathfind.New(g, pool, pathfind.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	sc := sequence.DefaultConfig()
	sc.Seed = 3
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
	clock, err := simclock.New(simclock.DefaultConfig(), epoch)
	if err != nil {
		t.Fatal(err)
	}
	orch, err := planner.New(planner.Deps{Grid: g, Finder: finder, Sequencer: seq, Assigner: asg, Validator: val, Clock: clock}, planner.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	d := Deps{Clock: clock, Grid: g, Finder: finder, Planner: orch, Log: logging.Discard(), PlanTimeout: 10 * time.Second}
	if mutate != nil {
		mutate(&d)
	}
	s, err := NewServer(d)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func samplePlan() planRequest {
	reg := epoch.Add(-30 * time.Minute)
	return planRequest{
		Orders: []model.Order{
			model.NewOrder("o1").At(model.Pt(10, 0)).Volume(3).Registered(reg).DeadlineHours(8).MustBuild(),
			model.NewOrder("o2").At(model.Pt(10, 10)).Volume(2).Registered(reg).DeadlineHours(8).MustBuild(),
		},
		Vehicles: []model.Vehicle{
			model.NewVehicle("TA01").Type("TA").At(model.Pt(0, 0)).Capacity(25).FuelTank(25).TareWeight(2.5).MustBuild(),
		},
		Warehouses: []model.Warehouse{{ID: "central", Location: model.Pt(0, 0), Capacity: 1000, Principal: true}},
	}
}

func TestHealthReady(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/readyz", nil); rr.Code != http.StatusOK {
		t.Fatalf("ready: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/metrics", nil); rr.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/debug/info", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"build"`) {
		t.Fatalf("debug info: %d %s", rr.Code, rr.Body.String())
	}
}

func TestReadyFailsWhenBrokerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rb, err := NewRedisBroker("redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rb.Close()
	h := newTestServer(t, func(d *Deps) { d.Broker = rb }).Handler()
	if rr := do(t, h, http.MethodGet, "/readyz", nil); rr.Code != http.StatusOK {
		t.Fatalf("ready: got %d", rr.Code)
	}
	mr.Close()
	if rr := do(t, h, http.MethodGet, "/readyz", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with redis down: got %d", rr.Code)
	}
}

func TestCreateGetListPlans(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()
	events := s.Broker.Subscribe(TopicPlans)
	defer s.Broker.Unsubscribe(TopicPlans, events)

	rr := do(t, h, http.MethodPost, "/v1/plans", samplePlan())
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	rec := decode[store.PlanRecord](t, rr)
	if rec.ID == "" || !rec.Result.Success {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.Result.Routes) != 1 || rec.Result.Metrics.Deliveries != 2 {
		t.Fatalf("routes=%d deliveries=%d", len(rec.Result.Routes), rec.Result.Metrics.Deliveries)
	}
	if !rec.Result.PlannedAt.Equal(epoch) {
		t.Fatalf("plannedAt = %v, want clock time %v", rec.Result.PlannedAt, epoch)
	}

	select {
	case evt := <-events:
		if evt.Type != "plan.completed" {
			t.Fatalf("event type %q", evt.Type)
		}
		if sum, ok := evt.Data.(store.PlanSummary); !ok || sum.ID != rec.ID {
			t.Fatalf("event data %#v", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no plan event")
	}

	rr = do(t, h, http.MethodGet, "/v1/plans/"+rec.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}
	if got := decode[store.PlanRecord](t, rr); got.ID != rec.ID {
		t.Fatalf("get returned %s", got.ID)
	}

	do(t, h, http.MethodPost, "/v1/plans", samplePlan())
	rr = do(t, h, http.MethodGet, "/v1/plans?limit=1", nil)
	page := decode[struct {
		Items      []store.PlanSummary `json:"items"`
		NextCursor string              `json:"nextCursor"`
	}](t, rr)
	if len(page.Items) != 1 || page.Items[0].ID != rec.ID || page.NextCursor == "" {
		t.Fatalf("first page %+v", page)
	}

	if rr := do(t, h, http.MethodGet, "/v1/plans?limit=x", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/plans/does-not-exist", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("missing plan: %d", rr.Code)
	}
}

func TestCreatePlanRejectsBadInput(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	if rr := do(t, h, http.MethodPost, "/v1/plans", `{"orders":`); rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: %d", rr.Code)
	}

	req := samplePlan()
	req.Level = "TURBO"
	if rr := do(t, h, http.MethodPost, "/v1/plans", req); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown level: %d", rr.Code)
	}

	req = samplePlan()
	req.Vehicles[0].Capacity = 0
	rr := do(t, h, http.MethodPost, "/v1/plans", req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("zero capacity: %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/problem+json") {
		t.Fatalf("content type %q", ct)
	}
}

func TestCreatePlanFillsFromScenario(t *testing.T) {
	sample := samplePlan()
	late := model.NewOrder("future").At(model.Pt(5, 5)).Volume(1).Registered(epoch.Add(time.Hour)).DeadlineHours(4).MustBuild()
	s := newTestServer(t, func(d *Deps) {
		d.Scenario = ingest.Dataset{
			Orders:     append(sample.Orders, late),
			Vehicles:   sample.Vehicles,
			Warehouses: sample.Warehouses,
		}
	})
	rr := do(t, s.Handler(), http.MethodPost, "/v1/plans", map[string]any{"level": "fast"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	rec := decode[store.PlanRecord](t, rr)
	if rec.Result.Level != planner.LevelFast {
		t.Fatalf("level %q", rec.Result.Level)
	}
	if rec.Result.Metrics.Orders != 2 {
		t.Fatalf("orders considered = %d, want 2 registered by now", rec.Result.Metrics.Orders)
	}
}

func TestSimulationControl(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()
	events := s.Broker.Subscribe(TopicSimulation)
	defer s.Broker.Unsubscribe(TopicSimulation, events)

	rr := do(t, h, http.MethodGet, "/v1/simulation", nil)
	view := decode[simulationView](t, rr)
	if view.Running || !view.CurrentTime.Equal(epoch) {
		t.Fatalf("initial view %+v", view)
	}

	rr = do(t, h, http.MethodPut, "/v1/simulation/acceleration", map[string]float64{"factor": 60})
	if rr.Code != http.StatusOK {
		t.Fatalf("acceleration: %d %s", rr.Code, rr.Body.String())
	}
	if v := decode[simulationView](t, rr); v.Acceleration != 60 {
		t.Fatalf("acceleration = %g", v.Acceleration)
	}
	if rr := do(t, h, http.MethodPut, "/v1/simulation/acceleration", map[string]float64{"factor": 0}); rr.Code != http.StatusBadRequest {
		t.Fatalf("zero factor: %d", rr.Code)
	}

	jump := epoch.Add(36 * time.Hour)
	rr = do(t, h, http.MethodPut, "/v1/simulation/time", map[string]time.Time{"time": jump})
	if v := decode[simulationView](t, rr); !v.CurrentTime.Equal(jump) {
		t.Fatalf("time = %v, want %v", v.CurrentTime, jump)
	}
	if rr := do(t, h, http.MethodPut, "/v1/simulation/time", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing time: %d", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/v1/simulation/start", nil)
	if v := decode[simulationView](t, rr); !v.Running {
		t.Fatal("clock not running after start")
	}
	rr = do(t, h, http.MethodPost, "/v1/simulation/pause", nil)
	if v := decode[simulationView](t, rr); v.Running {
		t.Fatal("clock running after pause")
	}
	if rr := do(t, h, http.MethodPost, "/v1/simulation/rewind", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown action: %d", rr.Code)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{"simulation.acceleration", "simulation.time", "simulation.start", "simulation.pause"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events %v, want %v", types, want)
	}
}

func TestObstacleLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	wall := model.Obstacle{
		ID:       "wall",
		Shape:    model.ShapePolyline,
		Vertices: []model.Point{model.Pt(0, 10), model.Pt(40, 10)},
		Start:    epoch.Add(-time.Hour),
		End:      epoch.Add(2 * time.Hour),
	}
	rr := do(t, h, http.MethodPost, "/v1/obstacles", wall)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: %d %s", rr.Code, rr.Body.String())
	}
	if got := decode[model.Obstacle](t, rr); got.Kind != model.ObstacleBlockage {
		t.Fatalf("kind %q", got.Kind)
	}

	rr = do(t, h, http.MethodPost, "/v1/obstacles", model.Obstacle{Vertices: []model.Point{model.Pt(3, 3)}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add permanent: %d", rr.Code)
	}
	perm := decode[model.Obstacle](t, rr)
	if !strings.HasPrefix(perm.ID, "obs-") || perm.Kind != model.ObstaclePermanent {
		t.Fatalf("generated obstacle %+v", perm)
	}

	type list struct {
		Items []model.Obstacle `json:"items"`
	}
	if got := decode[list](t, do(t, h, http.MethodGet, "/v1/obstacles", nil)); len(got.Items) != 2 {
		t.Fatalf("all obstacles = %d", len(got.Items))
	}
	if got := decode[list](t, do(t, h, http.MethodGet, "/v1/obstacles?at=now", nil)); len(got.Items) != 2 {
		t.Fatalf("active now = %d", len(got.Items))
	}
	later := epoch.Add(3 * time.Hour).Format(time.RFC3339)
	if got := decode[list](t, do(t, h, http.MethodGet, "/v1/obstacles?at="+later, nil)); len(got.Items) != 1 {
		t.Fatalf("active later = %d", len(got.Items))
	}
	if rr := do(t, h, http.MethodGet, "/v1/obstacles?at=tomorrow", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad instant: %d", rr.Code)
	}

	view := decode[simulationView](t, do(t, h, http.MethodGet, "/v1/simulation", nil))
	if view.ActiveCells == 0 || view.NextGridChange == nil || !view.NextGridChange.Equal(wall.End) {
		t.Fatalf("view %+v", view)
	}

	if rr := do(t, h, http.MethodPost, "/v1/obstacles", model.Obstacle{ID: "empty"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("no vertices: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/obstacles/wall", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/v1/obstacles/wall", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("delete again: %d", rr.Code)
	}
}

func TestFindPathsAndStats(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	body := pathsRequest{Pairs: []pathfind.Request{
		{Origin: model.Pt(0, 0), Destination: model.Pt(10, 5)},
		{Origin: model.Pt(0, 0), Destination: model.Pt(99, 99)},
	}}
	rr := do(t, h, http.MethodPost, "/v1/paths", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("paths: %d %s", rr.Code, rr.Body.String())
	}
	got := decode[struct {
		Results []pathfind.Result `json:"results"`
	}](t, rr)
	if len(got.Results) != 2 {
		t.Fatalf("results = %d", len(got.Results))
	}
	if !got.Results[0].Found || got.Results[0].Distance != 15 {
		t.Fatalf("first result %+v", got.Results[0])
	}
	if got.Results[1].Found {
		t.Fatal("out-of-bounds destination reported found")
	}

	if rr := do(t, h, http.MethodPost, "/v1/paths", pathsRequest{}); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty pairs: %d", rr.Code)
	}
	stats := decode[pathfind.Stats](t, do(t, h, http.MethodGet, "/v1/paths/stats", nil))
	if stats.Calls < 2 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, func(d *Deps) { d.RateRPS, d.RateBurst = 0.01, 1 }).Handler()
	if rr := do(t, h, http.MethodGet, "/v1/paths/stats", nil); rr.Code != http.StatusOK {
		t.Fatalf("first: %d", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/v1/paths/stats", nil)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("second: %d", rr.Code)
	}
	// probes stay outside the limiter
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
}

func TestStreamForwardsEvents(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/simulation/stream?topics=obstacles"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read state: %v", err)
	}
	if first.Type != "simulation.state" {
		t.Fatalf("first event %q", first.Type)
	}

	// the subscription is registered before the state message is written
	rr := do(t, s.Handler(), http.MethodPost, "/v1/obstacles", model.Obstacle{ID: "b1", Vertices: []model.Point{model.Pt(1, 1)}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: %d", rr.Code)
	}
	var evt Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != "obstacle.added" || evt.Topic != TopicObstacles {
		t.Fatalf("event %+v", evt)
	}
}

func TestStreamRejectsUnknownTopic(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	if rr := do(t, h, http.MethodGet, "/v1/simulation/stream?topics=weather", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("got %d", rr.Code)
	}
}
