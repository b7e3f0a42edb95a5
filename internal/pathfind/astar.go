package pathfind

import (
	"container/heap"
	"context"
	"math"
	"time"

	"dispatchsim/internal/model"
)

// Blocker is the read-only obstacle view a search runs against.
type Blocker interface {
	InBounds(p model.Point) bool
	Blocked(p model.Point) bool
	PermanentlyBlocked(p model.Point) bool
}

// checkEvery is how many expansions pass between deadline checks.
const checkEvery = 256

type node struct {
	p      model.Point
	g      float64
	f      float64
	h      float64
	parent *node
	index  int
}

type openHeap []*node

func (h openHeap) Len() int { return len(h) }
func (h openHeap) Less(i, j int) bool {
	if h[i].f == h[j].f {
		return h[i].h < h[j].h
	}
	return h[i].f < h[j].f
}
func (h openHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *openHeap) Push(x any) {
	n := x.(*node)
	n.index = len(*h)
	*h = append(*h, n)
}
func (h *openHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

var (
	orthogonal = []model.Point{{X: 1, Y: 0}, {X: -1, Y: 0}, {X: 0, Y: 1}, {X: 0, Y: -1}}
	diagonal   = []model.Point{{X: 1, Y: 1}, {X: 1, Y: -1}, {X: -1, Y: 1}, {X: -1, Y: -1}}
)

func heuristic(a, b model.Point, cfg Config) float64 {
	dx := math.Abs(float64(a.X - b.X))
	dy := math.Abs(float64(a.Y - b.Y))
	if !cfg.Diagonal {
		return (dx + dy) * cfg.HeuristicWeight
	}
	// octile distance
	return (math.Max(dx, dy) + (math.Sqrt2-1)*math.Min(dx, dy)) * cfg.HeuristicWeight
}

// search runs one bounded A* query. The origin only has to be on the grid and
// not permanently blocked; a vehicle may already stand inside a temporary blockage.
func search(ctx context.Context, b Blocker, origin, dest model.Point, cfg Config) Result {
	began := time.Now()
	res := Result{Origin: origin, Destination: dest}
	done := func(k Kind) Result {
		res.Kind = k
		res.Found = k == KindFound
		res.Duration = time.Since(began)
		return res
	}
	if !b.InBounds(origin) || b.PermanentlyBlocked(origin) {
		return done(KindInvalidOrigin)
	}
	if !b.InBounds(dest) || b.PermanentlyBlocked(dest) {
		return done(KindInvalidDestination)
	}
	if origin == dest {
		res.Points = []model.Point{origin}
		return done(KindFound)
	}
	if b.Blocked(dest) {
		return done(KindNoPath)
	}

	var deadline time.Time
	if cfg.Timeout > 0 {
		deadline = began.Add(cfg.Timeout)
	}

	start := &node{p: origin, h: heuristic(origin, dest, cfg)}
	start.f = start.h
	open := &openHeap{start}
	best := map[model.Point]*node{origin: start}
	closed := map[model.Point]bool{}

	for open.Len() > 0 {
		cur := heap.Pop(open).(*node)
		if closed[cur.p] {
			continue
		}
		if cur.p == dest {
			res.Points = reconstruct(cur)
			res.Distance = cur.g
			return done(KindFound)
		}
		closed[cur.p] = true
		res.NodesExplored++

		if cfg.MaxNodes > 0 && res.NodesExplored >= cfg.MaxNodes {
			return done(KindNodeBudgetExceeded)
		}
		if res.NodesExplored%checkEvery == 0 {
			if ctx.Err() != nil {
				return done(KindCanceled)
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return done(KindTimeout)
			}
		}

		expand := func(d model.Point, cost float64) {
			np := model.Point{X: cur.p.X + d.X, Y: cur.p.Y + d.Y}
			if closed[np] || b.Blocked(np) {
				return
			}
			g := cur.g + cost
			if prev, ok := best[np]; ok && prev.g <= g {
				return
			}
			h := heuristic(np, dest, cfg)
			n := &node{p: np, g: g, h: h, f: g + h, parent: cur}
			best[np] = n
			heap.Push(open, n)
		}
		for _, d := range orthogonal {
			expand(d, 1)
		}
		if cfg.Diagonal {
			for _, d := range diagonal {
				// no corner cutting past a blocked orthogonal neighbour
				if b.Blocked(model.Point{X: cur.p.X + d.X, Y: cur.p.Y}) || b.Blocked(model.Point{X: cur.p.X, Y: cur.p.Y + d.Y}) {
					continue
				}
				expand(d, math.Sqrt2)
			}
		}
	}
	return done(KindNoPath)
}

func reconstruct(n *node) []model.Point {
	var rev []model.Point
	for ; n != nil; n = n.parent {
		rev = append(rev, n.p)
	}
	out := make([]model.Point, len(rev))
	for i, p := range rev {
		out[len(rev)-1-i] = p
	}
	return out
}
