package store

import (
	"context"
	"sync"

	"dispatchsim/internal/planner"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu    sync.Mutex
	plans map[string]PlanRecord
	order []string // ids in insertion order
}

func NewMemory() *Memory {
	return &Memory{plans: map[string]PlanRecord{}}
}

func (m *Memory) SavePlan(ctx context.Context, res planner.Result) (PlanRecord, error) {
	rec, err := newRecord(res)
	if err != nil {
		return PlanRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return rec, nil
}

func (m *Memory) GetPlan(ctx context.Context, id string) (PlanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plans[id]
	if !ok {
		return PlanRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) ListPlans(ctx context.Context, cursor string, limit int) ([]PlanSummary, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	start := 0
	if cursor != "" {
		for i, id := range m.order {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []PlanSummary{}
	for i := start; i < len(m.order) && len(out) < limit; i++ {
		out = append(out, m.plans[m.order[i]].Summary())
	}
	var next string
	if len(out) == limit && start+limit < len(m.order) {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
