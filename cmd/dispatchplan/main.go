// Command dispatchplan runs one planning pass over a scenario directory and
// prints the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dispatchsim/internal/config"
	"dispatchsim/internal/engine"
	"dispatchsim/internal/ingest"
	"dispatchsim/internal/logging"
	"dispatchsim/internal/planner"
)

type options struct {
	configPath string
	dataDir    string
	period     string
	at         string
	level      string
	out        string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "optional YAML config file")
	flag.StringVar(&o.dataDir, "data", "", "scenario directory (vehicles.csv, warehouses.csv, orders.txt, blockages.txt)")
	flag.StringVar(&o.period, "period", "", "planning month as YYYY-MM (default: current month)")
	flag.StringVar(&o.at, "at", "01d00h00m", "planning instant as ddDhhHmmM into the month (01d00h00m is its start) or RFC3339")
	flag.StringVar(&o.level, "level", "", "optimization level: FAST, BALANCED or PRECISE")
	flag.StringVar(&o.out, "out", "-", "output file, - for stdout")
	flag.Parse()

	cfg, err := config.Load(o.configPath, "")
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, cfg, o, log); err != nil {
		log.WithError(err).Fatal("dispatchplan failed")
	}
}

func run(ctx context.Context, cfg config.Config, o options, log *logrus.Logger) error {
	if o.dataDir == "" {
		return fmt.Errorf("-data is required")
	}
	period := ingest.PeriodStart(time.Now().UTC())
	if o.period != "" {
		p, err := time.Parse("2006-01", o.period)
		if err != nil {
			return fmt.Errorf("-period: %w", err)
		}
		period = p
	}
	now, err := resolveInstant(o.at, period)
	if err != nil {
		return err
	}
	cfg.Simulation.Start = now

	in := planner.Input{Now: now}
	if o.level != "" {
		if in.Level, err = planner.ParseLevel(o.level); err != nil {
			return err
		}
	}

	eng, err := engine.New(cfg, log, nil)
	if err != nil {
		return err
	}
	defer eng.Close()
	ds, err := eng.Load(ctx, ingest.DirSource{Dir: o.dataDir})
	if err != nil {
		return err
	}
	in.Vehicles, in.Warehouses = ds.Vehicles, ds.Warehouses
	for _, ord := range ds.Orders {
		if !ord.RegisteredAt.After(now) {
			in.Orders = append(in.Orders, ord)
		}
	}

	res, err := eng.Planner.Plan(ctx, in)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"success":    res.Success,
		"routes":     len(res.Routes),
		"unassigned": len(res.Unassigned),
		"distance":   res.Metrics.TotalDistance,
		"fuel":       res.Metrics.TotalFuel,
	}).Info("plan complete")
	return writeResult(o.out, res)
}

// resolveInstant accepts a month offset such as 03d14h30m (day 3, 14:30) or
// an absolute RFC3339 time.
func resolveInstant(s string, period time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return period, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	off, err := ingest.ParseOffset(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("-at: %w", err)
	}
	return period.Add(off), nil
}

func writeResult(path string, res planner.Result) error {
	var w io.Writer = os.Stdout
	if path != "-" && path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
