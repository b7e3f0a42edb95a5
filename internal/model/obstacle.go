package model

import (
	"fmt"
	"time"
)

type ObstacleKind string

const (
	ObstacleBlockage  ObstacleKind = "BLOCKAGE"
	ObstaclePermanent ObstacleKind = "PERMANENT"
)

type ObstacleShape string

const (
	// ShapePoints blocks exactly the listed vertices.
	ShapePoints ObstacleShape = "POINTS"
	// ShapePolyline blocks every grid point on the segments joining consecutive vertices.
	ShapePolyline ObstacleShape = "POLYLINE"
	// ShapePolygon blocks the closed outline and its interior.
	ShapePolygon ObstacleShape = "POLYGON"
)

// Obstacle is a set of impassable cells, optionally valid only in [Start, End).
// Zero Start and End mean the obstacle is permanent.
type Obstacle struct {
	ID       string        `json:"id"`
	Kind     ObstacleKind  `json:"kind"`
	Shape    ObstacleShape `json:"shape"`
	Vertices []Point       `json:"vertices"`
	Start    time.Time     `json:"start,omitempty"`
	End      time.Time     `json:"end,omitempty"`
}

// Permanent reports whether the obstacle has no validity interval.
func (o Obstacle) Permanent() bool {
	return o.Kind == ObstaclePermanent || (o.Start.IsZero() && o.End.IsZero())
}

// ActiveAt applies the half-open rule start <= t < end.
func (o Obstacle) ActiveAt(t time.Time) bool {
	if o.Permanent() {
		return true
	}
	return !t.Before(o.Start) && t.Before(o.End)
}

func (o Obstacle) Validate() error {
	if o.ID == "" {
		return newValidation("obstacle", "id", "must be non-empty")
	}
	if len(o.Vertices) == 0 {
		return newValidation("obstacle "+o.ID, "vertices", "must not be empty")
	}
	if !o.Permanent() && !o.Start.Before(o.End) {
		return newValidation("obstacle "+o.ID, "interval", fmt.Sprintf("start %s must precede end %s", o.Start.Format(time.RFC3339), o.End.Format(time.RFC3339)))
	}
	switch o.Shape {
	case "", ShapePoints, ShapePolyline:
	case ShapePolygon:
		if len(o.Vertices) < 3 {
			return newValidation("obstacle "+o.ID, "vertices", "polygon needs at least 3 vertices")
		}
	default:
		return newValidation("obstacle "+o.ID, "shape", "unknown shape "+string(o.Shape))
	}
	return nil
}

// Cells rasterizes the obstacle into the grid points it blocks.
func (o Obstacle) Cells() []Point {
	switch o.Shape {
	case ShapePolyline:
		return polylineCells(o.Vertices, false)
	case ShapePolygon:
		return polygonCells(o.Vertices)
	default:
		return dedupe(o.Vertices)
	}
}

func polylineCells(vs []Point, closed bool) []Point {
	if len(vs) == 1 {
		return []Point{vs[0]}
	}
	out := []Point{}
	n := len(vs) - 1
	if closed {
		n = len(vs)
	}
	for i := 0; i < n; i++ {
		out = append(out, lineCells(vs[i], vs[(i+1)%len(vs)])...)
	}
	return dedupe(out)
}

// lineCells walks a Bresenham line; axis-aligned inputs give every lattice point.
func lineCells(a, b Point) []Point {
	dx := abs(b.X - a.X)
	dy := -abs(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	e := dx + dy
	out := []Point{}
	x, y := a.X, a.Y
	for {
		out = append(out, Point{X: x, Y: y})
		if x == b.X && y == b.Y {
			return out
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

func polygonCells(vs []Point) []Point {
	minX, minY, maxX, maxY := vs[0].X, vs[0].Y, vs[0].X, vs[0].Y
	for _, v := range vs[1:] {
		minX, maxX = min(minX, v.X), max(maxX, v.X)
		minY, maxY = min(minY, v.Y), max(maxY, v.Y)
	}
	out := polylineCells(vs, true)
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			if insidePolygon(vs, float64(x), float64(y)) {
				out = append(out, Point{X: x, Y: y})
			}
		}
	}
	return dedupe(out)
}

// insidePolygon is the even-odd ray casting test.
func insidePolygon(vs []Point, x, y float64) bool {
	in := false
	j := len(vs) - 1
	for i := range vs {
		xi, yi := float64(vs[i].X), float64(vs[i].Y)
		xj, yj := float64(vs[j].X), float64(vs[j].Y)
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			in = !in
		}
		j = i
	}
	return in
}

func dedupe(ps []Point) []Point {
	seen := make(map[Point]struct{}, len(ps))
	out := make([]Point, 0, len(ps))
	for _, p := range ps {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
