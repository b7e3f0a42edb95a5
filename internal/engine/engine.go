// Package engine wires the planning components from a Config.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dispatchsim/internal/assign"
	"dispatchsim/internal/config"
	"dispatchsim/internal/feasibility"
	"dispatchsim/internal/grid"
	"dispatchsim/internal/ingest"
	"dispatchsim/internal/logging"
	"dispatchsim/internal/model"
	"dispatchsim/internal/pathfind"
	"dispatchsim/internal/planner"
	"dispatchsim/internal/sequence"
	"dispatchsim/internal/simclock"
	"dispatchsim/internal/workpool"
)

type Engine struct {
	Pool      *workpool.Pool
	Grid      *grid.Grid
	Finder    *pathfind.Finder
	Sequencer *sequence.Sequencer
	Assigner  *assign.Assigner
	Validator *feasibility.Validator
	Clock     *simclock.Clock
	Planner   *planner.Orchestrator

	log logrus.FieldLogger
}

// New builds every component. now supplies the real time used when the
// configured simulation start is zero; nil means time.Now.
func New(cfg config.Config, log logrus.FieldLogger, now func() time.Time) (*Engine, error) {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Discard()
	}
	pool, err := workpool.New(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e := &Engine{Pool: pool, log: logging.Component(log, "engine")}
	if err := e.build(cfg, log, now); err != nil {
		pool.Shutdown()
		return nil, fmt.Errorf("engine: %w", err)
	}
	return e, nil
}

func (e *Engine) build(cfg config.Config, log logrus.FieldLogger, now func() time.Time) error {
	var err error
	if e.Grid, err = grid.New(cfg.Grid.Width, cfg.Grid.Height); err != nil {
		return err
	}
	if e.Finder, err = pathfind.New(e.Grid, e.Pool, cfg.Pathfind, pathfind.WithLogger(log)); err != nil {
		return err
	}
	if e.Sequencer, err = sequence.New(e.Pool, cfg.Sequence, sequence.WithLogger(log)); err != nil {
		return err
	}
	if e.Assigner, err = assign.New(cfg.Assign); err != nil {
		return err
	}
	if e.Validator, err = feasibility.New(cfg.Feasibility, e.Grid); err != nil {
		return err
	}
	start := cfg.Simulation.Start
	if start.IsZero() {
		start = ingest.PeriodStart(now().UTC())
	}
	if e.Clock, err = simclock.New(cfg.Simulation.Clock, start, simclock.WithRealTime(now), simclock.WithLogger(log)); err != nil {
		return err
	}
	e.Planner, err = planner.New(planner.Deps{
		Grid:      e.Grid,
		Finder:    e.Finder,
		Sequencer: e.Sequencer,
		Assigner:  e.Assigner,
		Validator: e.Validator,
		Clock:     e.Clock,
	}, cfg.Planner, planner.WithLogger(log))
	return err
}

// Load fetches the scenario for the clock's current month, installs its
// obstacles and warms the path cache between warehouses and vehicle depots.
func (e *Engine) Load(ctx context.Context, src ingest.Source) (ingest.Dataset, error) {
	now := e.Clock.Now()
	ds, err := src.Fetch(ctx, now)
	if err != nil {
		return ingest.Dataset{}, fmt.Errorf("engine: load %s: %w", src.Name(), err)
	}
	if err := e.Grid.SetObstacles(ds.Obstacles); err != nil {
		return ingest.Dataset{}, fmt.Errorf("engine: load %s: %w", src.Name(), err)
	}
	e.Grid.Refresh(now)
	e.log.WithFields(logrus.Fields{
		"source":     src.Name(),
		"orders":     len(ds.Orders),
		"vehicles":   len(ds.Vehicles),
		"warehouses": len(ds.Warehouses),
		"obstacles":  len(ds.Obstacles),
	}).Info("scenario loaded")
	e.Finder.Precompute(ctx, depots(ds))
	return ds, nil
}

func depots(ds ingest.Dataset) []model.Point {
	seen := map[model.Point]bool{}
	var out []model.Point
	add := func(p model.Point) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, w := range ds.Warehouses {
		add(w.Location)
	}
	for _, v := range ds.Vehicles {
		add(v.Location)
	}
	return out
}

func (e *Engine) Close() { e.Pool.Shutdown() }
