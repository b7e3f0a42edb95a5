package assign

import (
	"math"
	"time"

	"dispatchsim/internal/model"
)

// Priority scores an order's urgency at virtual time now from the hours left
// until its deadline. Expired orders land in the 1000+ band and grow with
// lateness; otherwise the score never increases as remaining time grows.
func Priority(o model.Order, now time.Time) float64 {
	return priorityFor(o.RemainingHours(now))
}

func priorityFor(remaining float64) float64 {
	switch {
	case remaining <= 0:
		return 1000 + 50*(-remaining)
	case remaining <= 1:
		return 900 + (1-remaining)*100
	case remaining <= 4:
		return 700 + (4-remaining)*50
	case remaining <= 12:
		return 400 + (12-remaining)*25
	default:
		return 100 + 300*math.Max(0, 1-remaining/48)
	}
}

// Prioritize returns copies of orders carrying their score at now.
func Prioritize(orders []model.Order, now time.Time) []model.Order {
	out := make([]model.Order, len(orders))
	for i, o := range orders {
		out[i] = o.WithPriority(Priority(o, now))
	}
	return out
}
