package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"dispatchsim/internal/planner"
)

// Store persists planning runs for later inspection.
type Store interface {
	// SavePlan assigns the record id and creation time.
	SavePlan(ctx context.Context, res planner.Result) (PlanRecord, error)
	GetPlan(ctx context.Context, id string) (PlanRecord, error)
	// ListPlans pages oldest first; cursor is the last id of the previous page.
	ListPlans(ctx context.Context, cursor string, limit int) ([]PlanSummary, string, error)
	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")

type PlanRecord struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	Result    planner.Result `json:"result"`
}

// PlanSummary is the list view of a record.
type PlanSummary struct {
	ID            string        `json:"id"`
	CreatedAt     time.Time     `json:"createdAt"`
	PlannedAt     time.Time     `json:"plannedAt"`
	Level         planner.Level `json:"level"`
	Success       bool          `json:"success"`
	Reason        string        `json:"reason,omitempty"`
	Routes        int           `json:"routes"`
	Unassigned    int           `json:"unassigned"`
	TotalDistance float64       `json:"totalDistance"`
}

func (r PlanRecord) Summary() PlanSummary {
	return PlanSummary{
		ID:            r.ID,
		CreatedAt:     r.CreatedAt,
		PlannedAt:     r.Result.PlannedAt,
		Level:         r.Result.Level,
		Success:       r.Result.Success,
		Reason:        r.Result.Reason,
		Routes:        len(r.Result.Routes),
		Unassigned:    len(r.Result.Unassigned),
		TotalDistance: r.Result.Metrics.TotalDistance,
	}
}

// newRecord uses time-ordered (v7) ids so id order is creation order.
func newRecord(res planner.Result) (PlanRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return PlanRecord{}, err
	}
	return PlanRecord{ID: id.String(), CreatedAt: time.Now().UTC(), Result: res}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
