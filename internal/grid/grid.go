// Package grid holds the obstacle model of the dispatch lattice: permanently
// blocked points plus temporally scoped blockages, materialized into an
// immutable snapshot that pathfinding reads with O(1) lookups.
package grid

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"dispatchsim/internal/model"
)

// Snapshot is an immutable view of the blocked cells at one refresh.
type Snapshot struct {
	width, height int
	permanent     map[model.Point]struct{}
	active        map[model.Point]struct{}
	Generation    uint64
	At            time.Time
}

func (s *Snapshot) Width() int  { return s.width }
func (s *Snapshot) Height() int { return s.height }

func (s *Snapshot) InBounds(p model.Point) bool {
	return p.X >= 0 && p.Y >= 0 && p.X <= s.width && p.Y <= s.height
}

// PermanentlyBlocked is true for off-grid points and permanent obstacles.
func (s *Snapshot) PermanentlyBlocked(p model.Point) bool {
	if !s.InBounds(p) {
		return true
	}
	_, ok := s.permanent[p]
	return ok
}

func (s *Snapshot) Blocked(p model.Point) bool {
	if s.PermanentlyBlocked(p) {
		return true
	}
	_, ok := s.active[p]
	return ok
}

// ActiveCells is the number of temporally blocked cells in the snapshot.
func (s *Snapshot) ActiveCells() int { return len(s.active) }

// Grid is safe for concurrent use. Points range over [0,Width]×[0,Height].
type Grid struct {
	width, height int

	mu          sync.RWMutex
	manual      map[model.Point]struct{}
	permObs     map[string]model.Obstacle
	permanent   map[model.Point]struct{}
	obstacles   map[string]model.Obstacle
	cells       map[string][]model.Point
	index       map[model.Point][]string
	activeIDs   map[string]struct{}
	refreshedAt time.Time
	generation  uint64
	snap        *Snapshot
	// last unpublished view built by SnapshotAt
	private    *Snapshot
	privateIDs map[string]struct{}
}

func New(width, height int) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("grid: dimensions must be positive, got %dx%d", width, height)
	}
	g := &Grid{
		width:     width,
		height:    height,
		manual:    map[model.Point]struct{}{},
		permObs:   map[string]model.Obstacle{},
		permanent: map[model.Point]struct{}{},
		obstacles: map[string]model.Obstacle{},
		cells:     map[string][]model.Point{},
		index:     map[model.Point][]string{},
		activeIDs: map[string]struct{}{},
	}
	g.snap = &Snapshot{width: width, height: height, permanent: g.permanent, active: map[model.Point]struct{}{}}
	return g, nil
}

func (g *Grid) Width() int  { return g.width }
func (g *Grid) Height() int { return g.height }

func (g *Grid) InBounds(p model.Point) bool {
	return p.X >= 0 && p.Y >= 0 && p.X <= g.width && p.Y <= g.height
}

// IsBlocked answers for an arbitrary instant: off-grid, permanently blocked,
// or covered by an obstacle with start <= at < end.
func (g *Grid) IsBlocked(p model.Point, at time.Time) bool {
	if !g.InBounds(p) {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.permanent[p]; ok {
		return true
	}
	for _, id := range g.index[p] {
		if g.obstacles[id].ActiveAt(at) {
			return true
		}
	}
	return false
}

// AddPermanent blocks points for good.
func (g *Grid) AddPermanent(ps ...model.Point) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range ps {
		g.manual[p] = struct{}{}
	}
	g.rebuildPermanentLocked()
}

func (g *Grid) AddObstacle(o model.Obstacle) error {
	if err := o.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, wasPerm := g.permObs[o.ID]
	_, wasActive := g.activeIDs[o.ID]
	g.removeLocked(o.ID)
	g.addLocked(o)
	if wasPerm || o.Permanent() {
		g.rebuildPermanentLocked()
	}
	// a replaced active obstacle keeps its id but not its cells
	g.rematerializeLocked(g.refreshedAt, wasActive)
	return nil
}

// RemoveObstacle drops an obstacle by id and reports whether it existed.
func (g *Grid) RemoveObstacle(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, perm := g.permObs[id]
	if !g.removeLocked(id) {
		return false
	}
	if perm {
		g.rebuildPermanentLocked()
	} else {
		g.rematerializeLocked(g.refreshedAt, false)
	}
	return true
}

// SetObstacles replaces every obstacle; points added via AddPermanent stay.
func (g *Grid) SetObstacles(obs []model.Obstacle) error {
	for _, o := range obs {
		if err := o.Validate(); err != nil {
			return err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.permObs = map[string]model.Obstacle{}
	g.obstacles = map[string]model.Obstacle{}
	g.cells = map[string][]model.Point{}
	g.index = map[model.Point][]string{}
	for _, o := range obs {
		g.addLocked(o)
	}
	g.rebuildPermanentLocked()
	g.rematerializeLocked(g.refreshedAt, true)
	return nil
}

func (g *Grid) addLocked(o model.Obstacle) {
	g.private = nil
	if o.Permanent() {
		g.permObs[o.ID] = o
		return
	}
	cells := o.Cells()
	g.obstacles[o.ID] = o
	g.cells[o.ID] = cells
	for _, p := range cells {
		g.index[p] = append(g.index[p], o.ID)
	}
}

func (g *Grid) removeLocked(id string) bool {
	g.private = nil
	if _, ok := g.permObs[id]; ok {
		delete(g.permObs, id)
		return true
	}
	if _, ok := g.obstacles[id]; !ok {
		return false
	}
	for _, p := range g.cells[id] {
		ids := g.index[p]
		for i, x := range ids {
			if x == id {
				ids = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(g.index, p)
		} else {
			g.index[p] = ids
		}
	}
	delete(g.obstacles, id)
	delete(g.cells, id)
	return true
}

// rebuildPermanentLocked swaps in a fresh permanent set; snapshots keep the old one.
func (g *Grid) rebuildPermanentLocked() {
	perm := make(map[model.Point]struct{}, len(g.manual))
	for p := range g.manual {
		perm[p] = struct{}{}
	}
	for _, o := range g.permObs {
		for _, p := range o.Cells() {
			perm[p] = struct{}{}
		}
	}
	g.permanent = perm
	g.private = nil
	g.generation++
	g.snap = &Snapshot{width: g.width, height: g.height, permanent: perm, active: g.snap.active, Generation: g.generation, At: g.snap.At}
}

// Refresh moves the active set to instant at. The active cells are only
// rebuilt, and the generation only bumped, when obstacle membership changed.
func (g *Grid) Refresh(at time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rematerializeLocked(at, false)
}

func (g *Grid) rematerializeLocked(at time.Time, force bool) bool {
	ids := g.activeAtLocked(at)
	g.refreshedAt = at
	if !force && sameKeys(ids, g.activeIDs) {
		if !g.snap.At.Equal(at) {
			s := *g.snap
			s.At = at
			g.snap = &s
		}
		return false
	}
	g.activeIDs = ids
	g.generation++
	g.snap = &Snapshot{width: g.width, height: g.height, permanent: g.permanent, active: g.cellsLocked(ids), Generation: g.generation, At: at}
	return true
}

func (g *Grid) activeAtLocked(at time.Time) map[string]struct{} {
	ids := make(map[string]struct{})
	for id, o := range g.obstacles {
		if o.ActiveAt(at) {
			ids[id] = struct{}{}
		}
	}
	return ids
}

func (g *Grid) cellsLocked(ids map[string]struct{}) map[model.Point]struct{} {
	active := make(map[model.Point]struct{})
	for id := range ids {
		for _, p := range g.cells[id] {
			active[p] = struct{}{}
		}
	}
	return active
}

// SnapshotAt materializes the view at instant at without publishing it, so
// what-if queries never move the live grid. A view whose active set matches
// the published one shares its generation and therefore its cached paths.
func (g *Grid) SnapshotAt(at time.Time) *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := g.activeAtLocked(at)
	base := g.snap
	switch {
	case sameKeys(ids, g.activeIDs):
	case g.private != nil && sameKeys(ids, g.privateIDs):
		base = g.private
	default:
		g.generation++
		g.private = &Snapshot{width: g.width, height: g.height, permanent: g.permanent, active: g.cellsLocked(ids), Generation: g.generation}
		g.privateIDs = ids
		base = g.private
	}
	s := *base
	s.At = at
	return &s
}

func sameKeys(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Snapshot returns the view materialized by the latest Refresh.
func (g *Grid) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap
}

// Generation is the generation of the published snapshot.
func (g *Grid) Generation() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap.Generation
}

// ActiveObstacles lists the obstacles active at instant at, permanent ones included.
func (g *Grid) ActiveObstacles(at time.Time) []model.Obstacle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := []model.Obstacle{}
	for _, o := range g.permObs {
		out = append(out, o)
	}
	for _, o := range g.obstacles {
		if o.ActiveAt(at) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *Grid) Obstacles() []model.Obstacle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.Obstacle, 0, len(g.obstacles)+len(g.permObs))
	for _, o := range g.permObs {
		out = append(out, o)
	}
	for _, o := range g.obstacles {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NextChange is the earliest obstacle start or end strictly after the instant.
func (g *Grid) NextChange(after time.Time) (time.Time, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var next time.Time
	found := false
	consider := func(t time.Time) {
		if t.After(after) && (!found || t.Before(next)) {
			next, found = t, true
		}
	}
	for _, o := range g.obstacles {
		consider(o.Start)
		consider(o.End)
	}
	return next, found
}
