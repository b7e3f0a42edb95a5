// Package assign packs prioritized orders onto vehicles, fragmenting orders
// that no single vehicle can carry.
package assign

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"dispatchsim/internal/model"
)

var ErrInvalidConfig = errors.New("assign: invalid config")

type Config struct {
	// SimulationStart excludes orders registered before it; zero disables the check.
	SimulationStart time.Time `yaml:"simulationStart" json:"simulationStart"`
	// MinFragment is the smallest volume a split order may be cut into. It
	// bounds fragments only: an order smaller than it still ships whole.
	MinFragment float64 `yaml:"minFragment" json:"minFragment"`
}

func DefaultConfig() Config { return Config{MinFragment: 0.5} }

func (c Config) Validate() error {
	if c.MinFragment <= 0 {
		return fmt.Errorf("%w: minFragment must be > 0, got %g", ErrInvalidConfig, c.MinFragment)
	}
	return nil
}

// Shortfall reports volume left for a later pass. It is an outcome, not an error.
// An order whose total volume is below MinFragment never yields a shortfall
// for that reason; it is carried whole when any vehicle can hold it.
type Shortfall struct {
	OrderID    string  `json:"orderId"`
	Requested  float64 `json:"requested"`
	Assigned   float64 `json:"assigned"`
	Unassigned float64 `json:"unassigned"`
	Reason     string  `json:"reason"`
}

const (
	ReasonNoCapacity       = "insufficient fleet capacity"
	ReasonBelowFragment    = "remainder below minimum fragment"
	ReasonBeforeStart      = "registered before simulation start"
	ReasonNotYetRegistered = "registered after current time"
)

type Exclusion struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type Stats struct {
	Orders             int     `json:"orders"`
	VehiclesUsed       int     `json:"vehiclesUsed"`
	AverageUtilization float64 `json:"averageUtilization"`
	TotalDeliveries    int     `json:"totalDeliveries"`
	TotalVolume        float64 `json:"totalVolume"`
	FragmentedOrders   int     `json:"fragmentedOrders"`
	// SmallOrders counts orders assigned whole below MinFragment.
	SmallOrders int `json:"smallOrders"`
}

type Result struct {
	// Assignments has one entry per input vehicle, in input order.
	Assignments []model.Assignment `json:"assignments"`
	Shortfalls  []Shortfall        `json:"shortfalls"`
	Excluded    []Exclusion        `json:"excluded"`
	Stats       Stats              `json:"stats"`
}

// Assigner is stateless apart from its config and safe for concurrent use.
type Assigner struct{ cfg Config }

func New(cfg Config) (*Assigner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Assigner{cfg: cfg}, nil
}

func (a *Assigner) Config() Config { return a.cfg }

// Eligible splits orders into those inside [SimulationStart, now] and exclusions.
func (a *Assigner) Eligible(orders []model.Order, now time.Time) ([]model.Order, []Exclusion) {
	var ok []model.Order
	var ex []Exclusion
	for _, o := range orders {
		switch {
		case !a.cfg.SimulationStart.IsZero() && o.RegisteredAt.Before(a.cfg.SimulationStart):
			ex = append(ex, Exclusion{OrderID: o.ID, Reason: ReasonBeforeStart})
		case o.RegisteredAt.After(now):
			ex = append(ex, Exclusion{OrderID: o.ID, Reason: ReasonNotYetRegistered})
		default:
			ok = append(ok, o)
		}
	}
	return ok, ex
}

type bin struct {
	vehicle    model.Vehicle
	remaining  decimal.Decimal
	assigned   decimal.Decimal
	deliveries []model.Delivery
}

// Assign scores eligible orders at now and packs them by descending priority
// then volume. Each order goes whole to the vehicle with the most remaining
// capacity that can hold it; otherwise it is split across the roomiest
// vehicles, never cutting a piece below MinFragment.
func (a *Assigner) Assign(orders []model.Order, vehicles []model.Vehicle, now time.Time) Result {
	eligible, excluded := a.Eligible(orders, now)
	ranked := Prioritize(eligible, now)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		if ranked[i].Volume != ranked[j].Volume {
			return ranked[i].Volume > ranked[j].Volume
		}
		return ranked[i].ID < ranked[j].ID
	})

	bins := make([]*bin, len(vehicles))
	for i, v := range vehicles {
		bins[i] = &bin{vehicle: v, remaining: decimal.NewFromFloat(v.Capacity)}
	}
	floor := decimal.NewFromFloat(a.cfg.MinFragment)

	res := Result{Excluded: excluded}
	for _, o := range ranked {
		rem := decimal.NewFromFloat(o.Volume)
		total := rem
		frag := 0
		reason := ""
		for rem.IsPositive() {
			if frag > 0 && rem.LessThan(floor) {
				reason = ReasonBelowFragment
				break
			}
			if b := roomiestFitting(bins, rem); b != nil {
				frag++
				b.take(o, rem, frag)
				rem = decimal.Zero
				break
			}
			b := roomiest(bins)
			if b == nil || b.remaining.LessThan(floor) {
				reason = ReasonNoCapacity
				break
			}
			frag++
			piece := b.remaining
			b.take(o, piece, frag)
			rem = rem.Sub(piece)
		}
		if frag > 1 {
			res.Stats.FragmentedOrders++
		}
		if frag == 1 && rem.IsZero() && total.LessThan(floor) {
			res.Stats.SmallOrders++
		}
		if rem.IsPositive() {
			res.Shortfalls = append(res.Shortfalls, Shortfall{
				OrderID:    o.ID,
				Requested:  o.Volume,
				Assigned:   total.Sub(rem).InexactFloat64(),
				Unassigned: rem.InexactFloat64(),
				Reason:     reason,
			})
		}
	}

	res.Stats.Orders = len(ranked)
	utilSum := 0.0
	totalVol := decimal.Zero
	for _, b := range bins {
		as := model.Assignment{Vehicle: b.vehicle, Deliveries: b.deliveries, AssignedVolume: b.assigned.InexactFloat64()}
		if as.Deliveries == nil {
			as.Deliveries = []model.Delivery{}
		}
		if b.vehicle.Capacity > 0 {
			as.Utilization = b.assigned.Div(decimal.NewFromFloat(b.vehicle.Capacity)).InexactFloat64()
		}
		if !as.Empty() {
			res.Stats.VehiclesUsed++
			utilSum += as.Utilization
		}
		res.Stats.TotalDeliveries += len(b.deliveries)
		totalVol = totalVol.Add(b.assigned)
		res.Assignments = append(res.Assignments, as)
	}
	res.Stats.TotalVolume = totalVol.InexactFloat64()
	if res.Stats.VehiclesUsed > 0 {
		res.Stats.AverageUtilization = utilSum / float64(res.Stats.VehiclesUsed)
	}
	return res
}

// Build summarizes the deliveries a vehicle finally carries.
func Build(v model.Vehicle, ds []model.Delivery) model.Assignment {
	vol := decimal.Zero
	for _, d := range ds {
		vol = vol.Add(decimal.NewFromFloat(d.Volume))
	}
	as := model.Assignment{Vehicle: v, Deliveries: ds, AssignedVolume: vol.InexactFloat64()}
	if as.Deliveries == nil {
		as.Deliveries = []model.Delivery{}
	}
	if v.Capacity > 0 {
		as.Utilization = vol.Div(decimal.NewFromFloat(v.Capacity)).InexactFloat64()
	}
	return as
}

// AverageUtilization averages over vehicles carrying anything.
func AverageUtilization(as []model.Assignment) float64 {
	sum, used := 0.0, 0
	for _, a := range as {
		if !a.Empty() {
			sum += a.Utilization
			used++
		}
	}
	if used == 0 {
		return 0
	}
	return sum / float64(used)
}

func (b *bin) take(o model.Order, vol decimal.Decimal, frag int) {
	b.remaining = b.remaining.Sub(vol)
	b.assigned = b.assigned.Add(vol)
	b.deliveries = append(b.deliveries, model.Delivery{
		ID:       fmt.Sprintf("%s#%d", o.ID, frag),
		OrderID:  o.ID,
		Volume:   vol.InexactFloat64(),
		Target:   o.Location,
		Deadline: o.Deadline(),
		Priority: o.Priority,
		Fragment: frag,
	})
}

// roomiestFitting picks the vehicle with the most remaining capacity that can
// hold vol; ties keep input order.
func roomiestFitting(bins []*bin, vol decimal.Decimal) *bin {
	var best *bin
	for _, b := range bins {
		if b.remaining.LessThan(vol) {
			continue
		}
		if best == nil || b.remaining.GreaterThan(best.remaining) {
			best = b
		}
	}
	return best
}

func roomiest(bins []*bin) *bin {
	var best *bin
	for _, b := range bins {
		if !b.remaining.IsPositive() {
			continue
		}
		if best == nil || b.remaining.GreaterThan(best.remaining) {
			best = b
		}
	}
	return best
}
