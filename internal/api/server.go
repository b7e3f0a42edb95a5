// Package api exposes the dispatch planner over HTTP and WebSocket.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"dispatchsim/internal/grid"
	"dispatchsim/internal/ingest"
	"dispatchsim/internal/logging"
	"dispatchsim/internal/metrics"
	"dispatchsim/internal/pathfind"
	"dispatchsim/internal/planner"
	"dispatchsim/internal/simclock"
	"dispatchsim/internal/store"
)

type Deps struct {
	Clock   *simclock.Clock
	Grid    *grid.Grid
	Finder  *pathfind.Finder
	Planner *planner.Orchestrator
	// Store and Broker default to the in-memory implementations.
	Store  store.Store
	Broker EventBroker
	// Scenario fills plan requests that omit orders, vehicles or warehouses.
	Scenario ingest.Dataset
	Log      logrus.FieldLogger
	// PlanTimeout bounds one plan request; 0 leaves it to the client.
	PlanTimeout time.Duration
	// RateRPS limits /v1 requests; 0 disables limiting.
	RateRPS   float64
	RateBurst int
	// Config is echoed by /debug/info and must already be redacted.
	Config map[string]any
}

type Server struct {
	Deps
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
}

func NewServer(d Deps) (*Server, error) {
	if d.Clock == nil || d.Grid == nil || d.Finder == nil || d.Planner == nil {
		return nil, errors.New("api: clock, grid, finder and planner are required")
	}
	if d.Store == nil {
		d.Store = store.NewMemory()
	}
	if d.Broker == nil {
		d.Broker = NewBroker()
	}
	d.Log = logging.Component(d.Log, "api")
	s := &Server{
		Deps:     d,
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}
	if d.RateRPS > 0 {
		burst := d.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(d.RateRPS), burst)
	}
	return s, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.Health)
	r.Get("/readyz", s.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/debug/info", s.DebugInfo)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.rateLimit)

		r.Post("/plans", s.CreatePlan)
		r.Get("/plans", s.ListPlans)
		r.Get("/plans/{id}", s.GetPlan)

		r.Get("/simulation", s.SimulationState)
		r.Post("/simulation/{action}", s.SimulationControl)
		r.Put("/simulation/acceleration", s.SetAcceleration)
		r.Put("/simulation/time", s.SetTime)
		r.Get("/simulation/stream", s.Stream)

		r.Get("/obstacles", s.ListObstacles)
		r.Post("/obstacles", s.AddObstacle)
		r.Delete("/obstacles/{id}", s.RemoveObstacle)

		r.Post("/paths", s.FindPaths)
		r.Get("/paths/stats", s.PathStats)
	})
	return r
}
