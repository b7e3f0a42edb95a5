package model

import (
	"fmt"
	"time"
)

// Core domain types for the dispatch planner. Values are immutable once
// built; planning stages produce new values instead of mutating inputs.

// Point is an integer coordinate on the dispatch grid. One grid unit is one km.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Pt is shorthand for Point{X: x, Y: y}.
func Pt(x, y int) Point { return Point{X: x, Y: y} }

// Manhattan returns the L1 distance between p and q.
func (p Point) Manhattan(q Point) int {
	return abs(p.X-q.X) + abs(p.Y-q.Y)
}

func (p Point) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type Order struct {
	ID            string    `json:"id"`
	Customer      string    `json:"customer,omitempty"`
	Location      Point     `json:"location"`
	Volume        float64   `json:"volume"`
	RegisteredAt  time.Time `json:"registeredAt"`
	DeadlineHours float64   `json:"deadlineHours"`
	Priority      float64   `json:"priority,omitempty"`
}

// Deadline is the instant the order must be delivered by.
func (o Order) Deadline() time.Time {
	return o.RegisteredAt.Add(time.Duration(o.DeadlineHours * float64(time.Hour)))
}

// RemainingHours is the time left until the deadline, negative once overdue.
func (o Order) RemainingHours(now time.Time) float64 {
	return o.Deadline().Sub(now).Hours()
}

// WithPriority returns a copy of o carrying the given priority score.
func (o Order) WithPriority(p float64) Order {
	o.Priority = p
	return o
}

func (o Order) Validate() error {
	if o.ID == "" {
		return newValidation("order", "id", "must be non-empty")
	}
	if o.Volume <= 0 {
		return newValidation("order "+o.ID, "volume", fmt.Sprintf("must be > 0, got %g", o.Volume))
	}
	if o.DeadlineHours <= 0 {
		return newValidation("order "+o.ID, "deadlineHours", fmt.Sprintf("must be > 0, got %g", o.DeadlineHours))
	}
	if o.RegisteredAt.IsZero() {
		return newValidation("order "+o.ID, "registeredAt", "must be set")
	}
	return nil
}

// Delivery is a (possibly fragmented) portion of an order carried by one vehicle.
type Delivery struct {
	ID       string    `json:"id"`
	OrderID  string    `json:"orderId"`
	Volume   float64   `json:"volume"`
	Target   Point     `json:"target"`
	Deadline time.Time `json:"deadline"`
	Priority float64   `json:"priority"`
	Fragment int       `json:"fragment"`
}

type Vehicle struct {
	ID         string  `json:"id"`
	Type       string  `json:"type,omitempty"`
	Capacity   float64 `json:"capacity"`
	FuelTank   float64 `json:"fuelTank"`
	TareWeight float64 `json:"tareWeight"`
	Speed      float64 `json:"speed"`
	Location   Point   `json:"location"`
}

func (v Vehicle) Validate() error {
	if v.ID == "" {
		return newValidation("vehicle", "id", "must be non-empty")
	}
	if v.Capacity <= 0 {
		return newValidation("vehicle "+v.ID, "capacity", fmt.Sprintf("must be > 0, got %g", v.Capacity))
	}
	if v.FuelTank <= 0 {
		return newValidation("vehicle "+v.ID, "fuelTank", fmt.Sprintf("must be > 0, got %g", v.FuelTank))
	}
	if v.Speed <= 0 {
		return newValidation("vehicle "+v.ID, "speed", fmt.Sprintf("must be > 0, got %g", v.Speed))
	}
	if v.TareWeight < 0 {
		return newValidation("vehicle "+v.ID, "tareWeight", "must be >= 0")
	}
	return nil
}

type Warehouse struct {
	ID        string  `json:"id"`
	Location  Point   `json:"location"`
	Capacity  float64 `json:"capacity"`
	Principal bool    `json:"principal"`
}

func (w Warehouse) Validate() error {
	if w.ID == "" {
		return newValidation("warehouse", "id", "must be non-empty")
	}
	if w.Capacity < 0 {
		return newValidation("warehouse "+w.ID, "capacity", "must be >= 0")
	}
	return nil
}

// Assignment is the result of bin-packing for one vehicle in one planning pass.
type Assignment struct {
	Vehicle        Vehicle    `json:"vehicle"`
	Deliveries     []Delivery `json:"deliveries"`
	AssignedVolume float64    `json:"assignedVolume"`
	Utilization    float64    `json:"utilization"`
}

// Empty reports whether nothing was packed onto the vehicle.
func (a Assignment) Empty() bool { return len(a.Deliveries) == 0 }

type SegmentKind string

const (
	SegmentDelivery          SegmentKind = "DELIVERY"
	SegmentReturnToWarehouse SegmentKind = "RETURN_TO_WAREHOUSE"
	SegmentMove              SegmentKind = "MOVE"
)

type RouteSegment struct {
	From     Point       `json:"from"`
	To       Point       `json:"to"`
	Kind     SegmentKind `json:"kind"`
	Path     []Point     `json:"path"`
	Distance float64     `json:"distance"`
	Delivery *Delivery   `json:"delivery,omitempty"`
	// Estimated marks a straight-line fallback used when no grid path was found.
	Estimated bool   `json:"estimated,omitempty"`
	PathError string `json:"pathError,omitempty"`
}

type OptimizedRoute struct {
	Vehicle       Vehicle        `json:"vehicle"`
	Segments      []RouteSegment `json:"segments"`
	TotalDistance float64        `json:"totalDistance"`
	TotalTime     time.Duration  `json:"totalTime"`
	FuelRequired  float64        `json:"fuelRequired"`
	Feasible      bool           `json:"feasible"`
	Score         float64        `json:"score"`
	PlannedAt     time.Time      `json:"plannedAt"`
}

// Deliveries lists the deliveries served by the route in visiting order.
func (r OptimizedRoute) Deliveries() []Delivery {
	out := []Delivery{}
	for _, s := range r.Segments {
		if s.Delivery != nil {
			out = append(out, *s.Delivery)
		}
	}
	return out
}

// LoadVolume is the total volume carried when the route departs.
func (r OptimizedRoute) LoadVolume() float64 {
	total := 0.0
	for _, d := range r.Deliveries() {
		total += d.Volume
	}
	return total
}

type SimulationState struct {
	CurrentTime  time.Time `json:"currentTime"`
	Acceleration float64   `json:"acceleration"`
	Running      bool      `json:"running"`
	StartTime    time.Time `json:"startTime"`
	Ticks        int64     `json:"ticks"`
}
