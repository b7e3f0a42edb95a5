package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dispatchsim/internal/model"
	"dispatchsim/internal/pathfind"
	"dispatchsim/internal/planner"
	"dispatchsim/internal/simclock"
	"dispatchsim/internal/store"
)

const maxPathPairs = 1000

// Health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := s.Broker.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type planRequest struct {
	Orders     []model.Order     `json:"orders"`
	Vehicles   []model.Vehicle   `json:"vehicles"`
	Warehouses []model.Warehouse `json:"warehouses"`
	Level      string            `json:"level,omitempty"`
	// Now overrides the simulation clock.
	Now *time.Time `json:"now,omitempty"`
}

// CreatePlan handles POST /v1/plans
func (s *Server) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in := planner.Input{Orders: req.Orders, Vehicles: req.Vehicles, Warehouses: req.Warehouses, Now: s.Clock.Now()}
	if req.Now != nil {
		in.Now = *req.Now
	}
	if req.Level != "" {
		l, err := planner.ParseLevel(req.Level)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid plan request", err.Error(), r.URL.Path)
			return
		}
		in.Level = l
	}
	s.fillFromScenario(&in)

	ctx := r.Context()
	if s.PlanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.PlanTimeout)
		defer cancel()
	}
	res, err := s.Planner.Plan(ctx, in)
	switch {
	case planner.IsValidation(err), errors.Is(err, planner.ErrInvalidConfig):
		writeProblem(w, http.StatusBadRequest, "Invalid plan request", err.Error(), r.URL.Path)
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeProblem(w, http.StatusServiceUnavailable, "Planning interrupted", err.Error(), r.URL.Path)
		return
	case err != nil:
		writeProblem(w, http.StatusInternalServerError, "Planning failed", err.Error(), r.URL.Path)
		return
	}
	rec, err := s.Store.SavePlan(r.Context(), res)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Save plan failed", err.Error(), r.URL.Path)
		return
	}
	s.Broker.Publish(TopicPlans, Event{Type: "plan.completed", At: in.Now, Data: rec.Summary()})
	s.Log.WithFields(logrus.Fields{"plan": rec.ID, "success": res.Success, "routes": len(res.Routes)}).Info("plan stored")
	writeJSON(w, http.StatusCreated, rec)
}

// fillFromScenario supplies the loaded fleet and the orders registered by now
// for whatever the request left out.
func (s *Server) fillFromScenario(in *planner.Input) {
	if in.Vehicles == nil {
		in.Vehicles = s.Scenario.Vehicles
	}
	if in.Warehouses == nil {
		in.Warehouses = s.Scenario.Warehouses
	}
	if in.Orders == nil {
		for _, o := range s.Scenario.Orders {
			if !o.RegisteredAt.After(in.Now) && o.Deadline().After(in.Now) {
				in.Orders = append(in.Orders, o)
			}
		}
	}
}

// ListPlans handles GET /v1/plans
func (s *Server) ListPlans(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", err.Error(), r.URL.Path)
			return
		}
		limit = n
	}
	items, next, err := s.Store.ListPlans(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List plans failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// GetPlan handles GET /v1/plans/{id}
func (s *Server) GetPlan(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "no plan with that id", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get plan failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type simulationView struct {
	model.SimulationState
	Generation      uint64     `json:"gridGeneration"`
	ActiveCells     int        `json:"activeCells"`
	PendingTasks    int        `json:"pendingTasks"`
	NextGridChange  *time.Time `json:"nextGridChange,omitempty"`
	ActiveObstacles int        `json:"activeObstacles"`
}

func (s *Server) simulationView() simulationView {
	st := s.Clock.State()
	snap := s.Grid.Snapshot()
	v := simulationView{
		SimulationState: st,
		Generation:      snap.Generation,
		ActiveCells:     snap.ActiveCells(),
		PendingTasks:    s.Clock.Pending(),
		ActiveObstacles: len(s.Grid.ActiveObstacles(st.CurrentTime)),
	}
	if next, ok := s.Grid.NextChange(st.CurrentTime); ok {
		v.NextGridChange = &next
	}
	return v
}

// SimulationState handles GET /v1/simulation
func (s *Server) SimulationState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.simulationView())
}

// SimulationControl handles POST /v1/simulation/{start|pause|reset}
func (s *Server) SimulationControl(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	switch action {
	case "start":
		s.Clock.Start()
	case "pause":
		s.Clock.Pause()
	case "reset":
		s.Clock.Reset()
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", fmt.Sprintf("unknown simulation action %q", action), r.URL.Path)
		return
	}
	s.clockChanged("simulation." + action)
	writeJSON(w, http.StatusOK, s.simulationView())
}

// SetAcceleration handles PUT /v1/simulation/acceleration
func (s *Server) SetAcceleration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Factor float64 `json:"factor"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Clock.SetAcceleration(req.Factor); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, simclock.ErrInvalidParameter) {
			status = http.StatusBadRequest
		}
		writeProblem(w, status, "Invalid acceleration", err.Error(), r.URL.Path)
		return
	}
	s.clockChanged("simulation.acceleration")
	writeJSON(w, http.StatusOK, s.simulationView())
}

// SetTime handles PUT /v1/simulation/time
func (s *Server) SetTime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Time time.Time `json:"time"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Time.IsZero() {
		writeProblem(w, http.StatusBadRequest, "Invalid time", "time is required", r.URL.Path)
		return
	}
	s.Clock.SetTime(req.Time)
	s.clockChanged("simulation.time")
	writeJSON(w, http.StatusOK, s.simulationView())
}

// clockChanged re-evaluates blockages at the new virtual time and tells subscribers.
func (s *Server) clockChanged(typ string) {
	now := s.Clock.Now()
	s.Grid.Refresh(now)
	s.Broker.Publish(TopicSimulation, Event{Type: typ, At: now, Data: s.simulationView()})
}

// ListObstacles handles GET /v1/obstacles[?at=now|RFC3339]
func (s *Server) ListObstacles(w http.ResponseWriter, r *http.Request) {
	at := strings.TrimSpace(r.URL.Query().Get("at"))
	switch at {
	case "":
		writeJSON(w, http.StatusOK, map[string]any{"items": s.Grid.Obstacles()})
	case "now":
		writeJSON(w, http.StatusOK, map[string]any{"items": s.Grid.ActiveObstacles(s.Clock.Now())})
	default:
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid instant", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": s.Grid.ActiveObstacles(t)})
	}
}

// AddObstacle handles POST /v1/obstacles; an existing id is replaced.
func (s *Server) AddObstacle(w http.ResponseWriter, r *http.Request) {
	var o model.Obstacle
	if !decodeJSON(w, r, &o) {
		return
	}
	if o.ID == "" {
		o.ID = "obs-" + uuid.NewString()
	}
	if o.Kind == "" {
		o.Kind = model.ObstacleBlockage
		if o.Start.IsZero() && o.End.IsZero() {
			o.Kind = model.ObstaclePermanent
		}
	}
	if err := s.Grid.AddObstacle(o); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid obstacle", err.Error(), r.URL.Path)
		return
	}
	now := s.Clock.Now()
	s.Grid.Refresh(now)
	s.Broker.Publish(TopicObstacles, Event{Type: "obstacle.added", At: now, Data: o})
	writeJSON(w, http.StatusCreated, o)
}

// RemoveObstacle handles DELETE /v1/obstacles/{id}
func (s *Server) RemoveObstacle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Grid.RemoveObstacle(id) {
		writeProblem(w, http.StatusNotFound, "Not Found", "no obstacle with that id", r.URL.Path)
		return
	}
	s.Broker.Publish(TopicObstacles, Event{Type: "obstacle.removed", At: s.Clock.Now(), Data: map[string]string{"id": id}})
	w.WriteHeader(http.StatusNoContent)
}

type pathsRequest struct {
	Pairs    []pathfind.Request `json:"pairs"`
	Diagonal *bool              `json:"diagonal,omitempty"`
}

// FindPaths handles POST /v1/paths
func (s *Server) FindPaths(w http.ResponseWriter, r *http.Request) {
	var req pathsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Pairs) == 0 || len(req.Pairs) > maxPathPairs {
		writeProblem(w, http.StatusBadRequest, "Invalid path request", fmt.Sprintf("pairs must hold 1..%d entries", maxPathPairs), r.URL.Path)
		return
	}
	cfg := s.Finder.Config()
	if req.Diagonal != nil {
		cfg.Diagonal = *req.Diagonal
	}
	s.Grid.Refresh(s.Clock.Now())
	writeJSON(w, http.StatusOK, map[string]any{"results": s.Finder.BatchWith(r.Context(), req.Pairs, cfg)})
}

// PathStats handles GET /v1/paths/stats
func (s *Server) PathStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Finder.Stats())
}
