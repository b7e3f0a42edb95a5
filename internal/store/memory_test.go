package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispatchsim/internal/model"
	"dispatchsim/internal/planner"
)

func plan(level planner.Level, routes int) planner.Result {
	res := planner.Result{Success: true, Level: level, PlannedAt: time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC)}
	for i := 0; i < routes; i++ {
		res.Routes = append(res.Routes, model.OptimizedRoute{TotalDistance: 10})
	}
	res.Unassigned = []planner.Unassigned{{OrderID: "o9", Volume: 1, Reason: "no capacity"}}
	res.Metrics.TotalDistance = float64(10 * routes)
	return res
}

func TestMemorySaveGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec, err := m.SavePlan(ctx, plan(planner.LevelFast, 2))
	if err != nil {
		t.Fatalf("SavePlan: %v", err)
	}
	if rec.ID == "" || rec.CreatedAt.IsZero() {
		t.Fatalf("record not stamped: %+v", rec)
	}
	got, err := m.GetPlan(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if len(got.Result.Routes) != 2 {
		t.Fatalf("routes = %d", len(got.Result.Routes))
	}
	s := got.Summary()
	if s.Routes != 2 || s.Unassigned != 1 || s.TotalDistance != 20 || s.Level != planner.LevelFast {
		t.Fatalf("summary %+v", s)
	}
	if _, err := m.GetPlan(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := m.Ping(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryListPages(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := m.SavePlan(ctx, plan(planner.LevelBalanced, i))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}
	page, next, err := m.ListPlans(ctx, "", 2)
	if err != nil || len(page) != 2 || next != ids[1] {
		t.Fatalf("page 1: %d items next=%q err=%v", len(page), next, err)
	}
	page, next, _ = m.ListPlans(ctx, next, 2)
	if len(page) != 2 || page[0].ID != ids[2] || next != ids[3] {
		t.Fatalf("page 2: %+v next=%q", page, next)
	}
	page, next, _ = m.ListPlans(ctx, next, 2)
	if len(page) != 1 || page[0].ID != ids[4] || next != "" {
		t.Fatalf("page 3: %+v next=%q", page, next)
	}
}

func TestRecordIDsAreTimeOrdered(t *testing.T) {
	a, err := newRecord(planner.Result{})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := newRecord(planner.Result{})
	if !(a.ID < b.ID) {
		t.Fatalf("ids not increasing: %s then %s", a.ID, b.ID)
	}
	if clampLimit(0) != 100 || clampLimit(1000) != 100 || clampLimit(7) != 7 {
		t.Fatal("clampLimit")
	}
}
