package grid

import (
	"testing"
	"time"

	"dispatchsim/internal/model"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func mustGrid(t *testing.T, w, h int) *Grid {
	t.Helper()
	g, err := New(w, h)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestNewRejectsEmptyGrid(t *testing.T) {
	if _, err := New(0, 10); err == nil {
		t.Fatal("expected error for zero width")
	}
}

func TestIsBlockedHalfOpenInterval(t *testing.T) {
	g := mustGrid(t, 20, 20)
	start, end := t0, t0.Add(2*time.Hour)
	if err := g.AddObstacle(model.Obstacle{ID: "b1", Kind: model.ObstacleBlockage, Shape: model.ShapePolyline,
		Vertices: []model.Point{{X: 5, Y: 0}, {X: 5, Y: 10}}, Start: start, End: end}); err != nil {
		t.Fatalf("AddObstacle: %v", err)
	}
	p := model.Pt(5, 4)
	if g.IsBlocked(p, start.Add(-time.Nanosecond)) {
		t.Fatal("blocked before start")
	}
	if !g.IsBlocked(p, start) {
		t.Fatal("must be blocked at exactly start")
	}
	if !g.IsBlocked(p, end.Add(-time.Nanosecond)) {
		t.Fatal("must be blocked just before end")
	}
	if g.IsBlocked(p, end) {
		t.Fatal("must not be blocked at exactly end")
	}
	if g.IsBlocked(model.Pt(6, 4), start) {
		t.Fatal("neighbouring cell blocked")
	}
}

func TestIsBlockedBoundsAndPermanent(t *testing.T) {
	g := mustGrid(t, 10, 5)
	g.AddPermanent(model.Pt(3, 3))
	for _, p := range []model.Point{{X: -1, Y: 0}, {X: 0, Y: 6}, {X: 11, Y: 2}, {X: 3, Y: 3}} {
		if !g.IsBlocked(p, t0) {
			t.Fatalf("%v should be blocked", p)
		}
	}
	if g.IsBlocked(model.Pt(10, 5), t0) {
		t.Fatal("upper corner is inside the grid")
	}
}

func TestRefreshOnlyBumpsGenerationOnMembershipChange(t *testing.T) {
	g := mustGrid(t, 20, 20)
	if err := g.AddObstacle(model.Obstacle{ID: "b1", Shape: model.ShapePoints, Vertices: []model.Point{{X: 1, Y: 1}},
		Start: t0, End: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	g.Refresh(t0.Add(-time.Minute))
	gen := g.Generation()
	if g.Refresh(t0.Add(-time.Second)) {
		t.Fatal("no membership change expected")
	}
	if g.Generation() != gen {
		t.Fatal("generation moved without change")
	}
	if !g.Refresh(t0) {
		t.Fatal("obstacle became active, expected change")
	}
	s := g.Snapshot()
	if s.Generation != gen+1 || !s.Blocked(model.Pt(1, 1)) || !s.At.Equal(t0) {
		t.Fatalf("unexpected snapshot gen=%d at=%v", s.Generation, s.At)
	}
	if g.Refresh(t0.Add(30 * time.Minute)) {
		t.Fatal("still active, no change expected")
	}
	if !g.Snapshot().At.Equal(t0.Add(30 * time.Minute)) {
		t.Fatal("snapshot time not updated")
	}
	if !g.Refresh(t0.Add(time.Hour)) || g.Snapshot().Blocked(model.Pt(1, 1)) {
		t.Fatal("obstacle must expire at end")
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	g := mustGrid(t, 10, 10)
	old := g.Snapshot()
	g.AddPermanent(model.Pt(2, 2))
	if old.Blocked(model.Pt(2, 2)) {
		t.Fatal("old snapshot observed a later mutation")
	}
	if !g.Snapshot().Blocked(model.Pt(2, 2)) {
		t.Fatal("new snapshot misses permanent point")
	}
}

func TestRemoveAndReplaceObstacles(t *testing.T) {
	g := mustGrid(t, 10, 10)
	if err := g.AddObstacle(model.Obstacle{ID: "wall", Kind: model.ObstaclePermanent, Shape: model.ShapePolyline,
		Vertices: []model.Point{{X: 0, Y: 5}, {X: 3, Y: 5}}}); err != nil {
		t.Fatal(err)
	}
	if !g.IsBlocked(model.Pt(2, 5), t0) {
		t.Fatal("permanent obstacle not applied")
	}
	if !g.RemoveObstacle("wall") || g.IsBlocked(model.Pt(2, 5), t0) {
		t.Fatal("remove failed")
	}
	if g.RemoveObstacle("wall") {
		t.Fatal("second remove should report false")
	}
	g.AddPermanent(model.Pt(9, 9))
	err := g.SetObstacles([]model.Obstacle{
		{ID: "a", Shape: model.ShapePoints, Vertices: []model.Point{{X: 4, Y: 4}}, Start: t0, End: t0.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("SetObstacles: %v", err)
	}
	if !g.IsBlocked(model.Pt(9, 9), t0) {
		t.Fatal("manual permanent point lost by SetObstacles")
	}
	if got := len(g.ActiveObstacles(t0)); got != 1 {
		t.Fatalf("active obstacles = %d", got)
	}
	if got := len(g.ActiveObstacles(t0.Add(time.Hour))); got != 0 {
		t.Fatalf("active obstacles after end = %d", got)
	}
}

func TestAddObstacleRejectsInvalid(t *testing.T) {
	g := mustGrid(t, 10, 10)
	err := g.AddObstacle(model.Obstacle{ID: "x", Vertices: []model.Point{{X: 1, Y: 1}}, Start: t0.Add(time.Hour), End: t0})
	if err == nil {
		t.Fatal("inverted interval accepted")
	}
}

func TestNextChange(t *testing.T) {
	g := mustGrid(t, 10, 10)
	for _, o := range []model.Obstacle{
		{ID: "a", Vertices: []model.Point{{X: 1, Y: 1}}, Start: t0, End: t0.Add(time.Hour)},
		{ID: "b", Vertices: []model.Point{{X: 2, Y: 1}}, Start: t0.Add(30 * time.Minute), End: t0.Add(3 * time.Hour)},
	} {
		if err := g.AddObstacle(o); err != nil {
			t.Fatal(err)
		}
	}
	next, ok := g.NextChange(t0)
	if !ok || !next.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("next = %v %v", next, ok)
	}
	next, ok = g.NextChange(t0.Add(time.Hour))
	if !ok || !next.Equal(t0.Add(3*time.Hour)) {
		t.Fatalf("next = %v %v", next, ok)
	}
	if _, ok := g.NextChange(t0.Add(3 * time.Hour)); ok {
		t.Fatal("no change expected after last end")
	}
}

func TestReplaceActiveObstacleMovesCells(t *testing.T) {
	g := mustGrid(t, 10, 10)
	g.Refresh(t0)
	at := func(p model.Point) model.Obstacle {
		return model.Obstacle{ID: "b1", Shape: model.ShapePoints, Vertices: []model.Point{p}, Start: t0, End: t0.Add(time.Hour)}
	}
	if err := g.AddObstacle(at(model.Pt(1, 1))); err != nil {
		t.Fatal(err)
	}
	before := g.Generation()
	if err := g.AddObstacle(at(model.Pt(5, 5))); err != nil {
		t.Fatal(err)
	}
	g.Refresh(t0)
	s := g.Snapshot()
	if s.Blocked(model.Pt(1, 1)) || !s.Blocked(model.Pt(5, 5)) {
		t.Fatalf("stale cells after replace: (1,1)=%v (5,5)=%v", s.Blocked(model.Pt(1, 1)), s.Blocked(model.Pt(5, 5)))
	}
	if s.Generation <= before {
		t.Fatalf("generation %d not bumped past %d", s.Generation, before)
	}

	perm := model.Obstacle{ID: "b1", Kind: model.ObstaclePermanent, Shape: model.ShapePoints, Vertices: []model.Point{{X: 7, Y: 7}}}
	if err := g.AddObstacle(perm); err != nil {
		t.Fatal(err)
	}
	s = g.Snapshot()
	if s.Blocked(model.Pt(5, 5)) || !s.PermanentlyBlocked(model.Pt(7, 7)) || s.ActiveCells() != 0 {
		t.Fatalf("temporal to permanent replace left (5,5)=%v (7,7)=%v active=%d", s.Blocked(model.Pt(5, 5)), s.PermanentlyBlocked(model.Pt(7, 7)), s.ActiveCells())
	}

	if err := g.AddObstacle(at(model.Pt(2, 2))); err != nil {
		t.Fatal(err)
	}
	s = g.Snapshot()
	if s.Blocked(model.Pt(7, 7)) || !s.Blocked(model.Pt(2, 2)) {
		t.Fatalf("permanent to temporal replace left (7,7)=%v (2,2)=%v", s.Blocked(model.Pt(7, 7)), s.Blocked(model.Pt(2, 2)))
	}
}

func TestSnapshotAtDoesNotPublish(t *testing.T) {
	g := mustGrid(t, 10, 10)
	if err := g.AddObstacle(model.Obstacle{ID: "b1", Shape: model.ShapePoints, Vertices: []model.Point{{X: 3, Y: 3}},
		Start: t0, End: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	g.Refresh(t0.Add(-time.Hour))
	live := g.Snapshot()

	what := g.SnapshotAt(t0.Add(10 * time.Minute))
	if !what.Blocked(model.Pt(3, 3)) || !what.At.Equal(t0.Add(10*time.Minute)) {
		t.Fatal("view at the instant misses the active obstacle")
	}
	if what.Generation == live.Generation {
		t.Fatal("a different layout must not share the live generation")
	}
	if g.Snapshot() != live || g.Generation() != live.Generation {
		t.Fatal("SnapshotAt moved the published snapshot")
	}
	if again := g.SnapshotAt(t0.Add(20 * time.Minute)); again.Generation != what.Generation {
		t.Fatalf("same layout rebuilt: %d vs %d", again.Generation, what.Generation)
	}
	if same := g.SnapshotAt(t0.Add(-30 * time.Minute)); same.Generation != live.Generation || same.Blocked(model.Pt(3, 3)) {
		t.Fatal("view matching the live layout should reuse it")
	}

	// the live grid moving on does not change a view already handed out
	g.Refresh(t0)
	g.Refresh(t0.Add(-time.Hour))
	if !what.Blocked(model.Pt(3, 3)) {
		t.Fatal("view changed under its holder")
	}
}
