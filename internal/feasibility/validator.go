// Package feasibility gates materialized routes on fuel, capacity,
// accessibility and time before they are handed out for execution.
package feasibility

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"dispatchsim/internal/model"
)

var ErrInvalidConfig = errors.New("feasibility: invalid config")

type Severity string

const (
	Critical Severity = "CRITICAL"
	High     Severity = "HIGH"
	Medium   Severity = "MEDIUM"
	Low      Severity = "LOW"
)

func (s Severity) rank() int {
	switch s {
	case Critical:
		return 0
	case High:
		return 1
	case Medium:
		return 2
	default:
		return 3
	}
}

type Dimension string

const (
	Fuel          Dimension = "FUEL"
	Capacity      Dimension = "CAPACITY"
	Accessibility Dimension = "ACCESSIBILITY"
	Time          Dimension = "TIME"
)

// Problem is one finding. Segment is -1 when the finding concerns the whole route.
type Problem struct {
	Severity    Severity  `json:"severity"`
	Dimension   Dimension `json:"dimension"`
	Description string    `json:"description"`
	Segment     int       `json:"segment"`
}

type Report struct {
	Executable      bool                  `json:"executable"`
	Score           float64               `json:"score"`
	Problems        []Problem             `json:"problems"`
	FuelRequired    float64               `json:"fuelRequired"`
	FuelAvailable   float64               `json:"fuelAvailable"`
	Duration        time.Duration         `json:"duration"`
	DimensionScores map[Dimension]float64 `json:"dimensionScores"`
}

// Critical reports whether any finding is CRITICAL.
func (r Report) Critical() bool {
	for _, p := range r.Problems {
		if p.Severity == Critical {
			return true
		}
	}
	return false
}

type Config struct {
	// FuelSafetyMargin is the fraction of the tank held in reserve.
	FuelSafetyMargin float64 `yaml:"fuelSafetyMargin" json:"fuelSafetyMargin"`
	// LoadDensity converts cargo volume (m3) to tonnes.
	LoadDensity float64 `yaml:"loadDensity" json:"loadDensity"`
	// ConsumptionDivisor: gallons = km × tonnes / divisor.
	ConsumptionDivisor float64       `yaml:"consumptionDivisor" json:"consumptionDivisor"`
	ServiceTime        time.Duration `yaml:"serviceTime" json:"serviceTime"`
	// TightSlack flags deliveries arriving with less slack than this.
	TightSlack        time.Duration `yaml:"tightSlack" json:"tightSlack"`
	FuelWarnRatio     float64       `yaml:"fuelWarnRatio" json:"fuelWarnRatio"`
	CapacityWarnRatio float64       `yaml:"capacityWarnRatio" json:"capacityWarnRatio"`
	Weights           Weights       `yaml:"weights" json:"weights"`
}

type Weights struct {
	Fuel          float64 `yaml:"fuel" json:"fuel"`
	Capacity      float64 `yaml:"capacity" json:"capacity"`
	Time          float64 `yaml:"time" json:"time"`
	Accessibility float64 `yaml:"accessibility" json:"accessibility"`
}

func DefaultConfig() Config {
	return Config{
		FuelSafetyMargin:   0.1,
		LoadDensity:        0.5,
		ConsumptionDivisor: 180,
		ServiceTime:        15 * time.Minute,
		TightSlack:         30 * time.Minute,
		FuelWarnRatio:      0.9,
		CapacityWarnRatio:  0.95,
		Weights:            Weights{Fuel: 0.3, Capacity: 0.2, Time: 0.3, Accessibility: 0.2},
	}
}

func (c Config) Validate() error {
	if c.FuelSafetyMargin < 0 || c.FuelSafetyMargin >= 1 {
		return fmt.Errorf("%w: fuelSafetyMargin must be in [0,1), got %g", ErrInvalidConfig, c.FuelSafetyMargin)
	}
	if c.ConsumptionDivisor <= 0 || c.LoadDensity < 0 {
		return fmt.Errorf("%w: consumption settings out of range", ErrInvalidConfig)
	}
	if c.ServiceTime < 0 || c.TightSlack < 0 {
		return fmt.Errorf("%w: durations must be >= 0", ErrInvalidConfig)
	}
	w := c.Weights
	if w.Fuel < 0 || w.Capacity < 0 || w.Time < 0 || w.Accessibility < 0 || w.Fuel+w.Capacity+w.Time+w.Accessibility == 0 {
		return fmt.Errorf("%w: weights must be >= 0 and not all zero", ErrInvalidConfig)
	}
	return nil
}

// BlockChecker answers whether a point is impassable at an instant.
type BlockChecker interface {
	IsBlocked(p model.Point, at time.Time) bool
}

// Validator never mutates the routes it inspects.
type Validator struct {
	cfg    Config
	blocks BlockChecker
}

// New builds a validator; a nil checker skips the per-point accessibility scan.
func New(cfg Config, blocks BlockChecker) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Validator{cfg: cfg, blocks: blocks}, nil
}

func (v *Validator) Config() Config { return v.cfg }

// FuelRequired is the load-dependent consumption of the route: cargo drops
// off after each delivery so later legs burn less.
func (v *Validator) FuelRequired(r model.OptimizedRoute) float64 {
	load := r.LoadVolume()
	total := 0.0
	for _, s := range r.Segments {
		tonnes := r.Vehicle.TareWeight + load*v.cfg.LoadDensity
		total += s.Distance * tonnes / v.cfg.ConsumptionDivisor
		if s.Delivery != nil {
			load = math.Max(0, load-s.Delivery.Volume)
		}
	}
	return total
}

func (v *Validator) Validate(r model.OptimizedRoute) Report {
	rep := Report{DimensionScores: map[Dimension]float64{}}
	add := func(sev Severity, dim Dimension, seg int, format string, args ...any) {
		rep.Problems = append(rep.Problems, Problem{Severity: sev, Dimension: dim, Segment: seg, Description: fmt.Sprintf(format, args...)})
	}

	// fuel
	rep.FuelRequired = v.FuelRequired(r)
	rep.FuelAvailable = r.Vehicle.FuelTank * (1 - v.cfg.FuelSafetyMargin)
	ratio := math.Inf(1)
	if rep.FuelAvailable > 0 {
		ratio = rep.FuelRequired / rep.FuelAvailable
	}
	switch {
	case ratio > 1:
		add(Critical, Fuel, -1, "needs %.2f gal, %.2f usable of %.2f tank", rep.FuelRequired, rep.FuelAvailable, r.Vehicle.FuelTank)
	case ratio > v.cfg.FuelWarnRatio:
		add(Medium, Fuel, -1, "fuel use at %.0f%% of usable tank", ratio*100)
	}
	rep.DimensionScores[Fuel] = clamp(200 * (1 - ratio))

	// capacity
	load := r.LoadVolume()
	capRatio := math.Inf(1)
	if r.Vehicle.Capacity > 0 {
		capRatio = load / r.Vehicle.Capacity
	}
	switch {
	case capRatio > 1+1e-9:
		add(Critical, Capacity, -1, "carries %.2f m3 over %.2f m3 capacity", load, r.Vehicle.Capacity)
		rep.DimensionScores[Capacity] = 0
	case capRatio > v.cfg.CapacityWarnRatio:
		add(Low, Capacity, -1, "loaded to %.0f%% of capacity", capRatio*100)
		rep.DimensionScores[Capacity] = 100
	default:
		rep.DimensionScores[Capacity] = 100
	}

	// accessibility
	bad := 0
	for i, s := range r.Segments {
		flagged := false
		if s.Estimated || s.PathError != "" {
			flagged = true
			add(pathErrorSeverity(s.PathError), Accessibility, i, "no grid path %s -> %s (%s), distance estimated", s.From, s.To, s.PathError)
		}
		if v.blocks != nil && !s.Estimated {
			for j, p := range s.Path {
				// the vehicle may already stand inside a temporary blockage
				if i == 0 && j == 0 && p == r.Vehicle.Location {
					continue
				}
				if v.blocks.IsBlocked(p, r.PlannedAt) {
					flagged = true
					add(Critical, Accessibility, i, "path crosses blocked point %s", p)
					break
				}
			}
		}
		if flagged {
			bad++
		}
	}
	rep.DimensionScores[Accessibility] = 100
	if len(r.Segments) > 0 {
		rep.DimensionScores[Accessibility] = 100 * float64(len(r.Segments)-bad) / float64(len(r.Segments))
	}

	// time
	at := r.PlannedAt
	deliveries, onTime := 0, 0
	for i, s := range r.Segments {
		at = at.Add(Travel(s.Distance, r.Vehicle.Speed))
		rep.Duration = at.Sub(r.PlannedAt)
		if s.Delivery == nil {
			continue
		}
		deliveries++
		slack := s.Delivery.Deadline.Sub(at)
		switch {
		case slack < 0:
			add(High, Time, i, "delivery %s late by %s", s.Delivery.ID, (-slack).Round(time.Minute))
		case slack < v.cfg.TightSlack:
			onTime++
			add(Low, Time, i, "delivery %s arrives with %s slack", s.Delivery.ID, slack.Round(time.Minute))
		default:
			onTime++
		}
		at = at.Add(v.cfg.ServiceTime)
		rep.Duration = at.Sub(r.PlannedAt)
	}
	rep.DimensionScores[Time] = 100
	if deliveries > 0 {
		rep.DimensionScores[Time] = 100 * float64(onTime) / float64(deliveries)
	}

	w := v.cfg.Weights
	sum := w.Fuel + w.Capacity + w.Time + w.Accessibility
	rep.Score = (w.Fuel*rep.DimensionScores[Fuel] + w.Capacity*rep.DimensionScores[Capacity] +
		w.Time*rep.DimensionScores[Time] + w.Accessibility*rep.DimensionScores[Accessibility]) / sum

	sort.SliceStable(rep.Problems, func(i, j int) bool {
		a, b := rep.Problems[i], rep.Problems[j]
		if a.Severity.rank() != b.Severity.rank() {
			return a.Severity.rank() < b.Severity.rank()
		}
		return a.Segment < b.Segment
	})
	rep.Executable = !rep.Critical()
	return rep
}

// Travel converts grid distance to driving time at speed km/h.
func Travel(distance, speed float64) time.Duration {
	if speed <= 0 {
		return 0
	}
	return time.Duration(distance / speed * float64(time.Hour))
}

func pathErrorSeverity(kind string) Severity {
	switch kind {
	case "TIMEOUT", "NODE_BUDGET_EXCEEDED", "CANCELED":
		return High
	default:
		return Critical
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
