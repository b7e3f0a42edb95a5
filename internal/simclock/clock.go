// Package simclock implements the virtual simulation clock: a time source
// that can be started, paused, reset, accelerated and jumped, and that fires
// scheduled tasks and triggers against virtual time after every tick.
package simclock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dispatchsim/internal/logging"
	"dispatchsim/internal/metrics"
	"dispatchsim/internal/model"
)

var ErrInvalidParameter = errors.New("simclock: invalid parameter")

// Config holds the clock limits. Zero values are replaced by DefaultConfig.
type Config struct {
	// MaxAcceleration bounds SetAcceleration; default 1000.
	MaxAcceleration float64 `yaml:"maxAcceleration"`
	// Acceleration is the initial factor; default 1.
	Acceleration float64 `yaml:"acceleration"`
	// TickInterval is the real-time period of Run; default 100ms.
	TickInterval time.Duration `yaml:"tickInterval"`
}

func DefaultConfig() Config {
	return Config{MaxAcceleration: 1000, Acceleration: 1, TickInterval: 100 * time.Millisecond}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAcceleration == 0 {
		c.MaxAcceleration = d.MaxAcceleration
	}
	if c.Acceleration == 0 {
		c.Acceleration = d.Acceleration
	}
	if c.TickInterval == 0 {
		c.TickInterval = d.TickInterval
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxAcceleration <= 0 {
		return fmt.Errorf("%w: maxAcceleration must be > 0, got %g", ErrInvalidParameter, c.MaxAcceleration)
	}
	if c.Acceleration <= 0 || c.Acceleration > c.MaxAcceleration {
		return fmt.Errorf("%w: acceleration must be in (0,%g], got %g", ErrInvalidParameter, c.MaxAcceleration, c.Acceleration)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tickInterval must be > 0", ErrInvalidParameter)
	}
	return nil
}

// TaskFunc runs against the virtual time of the tick that fired it.
type TaskFunc func(now time.Time) error

// Predicate decides whether a trigger fires for the given state.
type Predicate func(model.SimulationState) bool

type TaskID uint64

type task struct {
	id    TaskID
	name  string
	at    time.Time
	every time.Duration
	fn    TaskFunc
}

type trigger struct {
	id   TaskID
	name string
	pred Predicate
	fn   TaskFunc
	once bool
}

type Option func(*Clock)

// WithRealTime replaces the wall-clock source used to measure tick elapsed time.
func WithRealTime(now func() time.Time) Option { return func(c *Clock) { c.realNow = now } }

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Clock) { c.log = logging.Component(l, "simclock") }
}

// Clock is safe for concurrent use. Ticks and mutations take the write lock
// only for the arithmetic update; reads take the read lock.
type Clock struct {
	mu       sync.RWMutex
	cfg      Config
	realNow  func() time.Time
	virtual  time.Time
	start    time.Time
	accel    float64
	running  bool
	ticks    int64
	lastReal time.Time

	hooksMu  sync.Mutex
	fireMu   sync.Mutex
	nextID   TaskID
	tasks    map[TaskID]*task
	triggers map[TaskID]*trigger

	log logrus.FieldLogger
}

// New builds a stopped clock at virtual time start (real now when zero).
func New(cfg Config, start time.Time, opts ...Option) (*Clock, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Clock{
		cfg:      cfg,
		realNow:  time.Now,
		accel:    cfg.Acceleration,
		tasks:    map[TaskID]*task{},
		triggers: map[TaskID]*trigger{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logging.Component(nil, "simclock")
	}
	if start.IsZero() {
		start = c.realNow()
	}
	c.virtual, c.start = start, start
	c.lastReal = c.realNow()
	metrics.ClockAcceleration.Set(c.accel)
	return c, nil
}

func (c *Clock) Config() Config { return c.cfg }

func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.virtual
}

func (c *Clock) State() model.SimulationState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateLocked()
}

func (c *Clock) stateLocked() model.SimulationState {
	return model.SimulationState{
		CurrentTime:  c.virtual,
		Acceleration: c.accel,
		Running:      c.running,
		StartTime:    c.start,
		Ticks:        c.ticks,
	}
}

func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.lastReal = c.realNow()
	c.log.WithField("virtual", c.virtual).Info("clock started")
}

// Pause folds the real time elapsed since the last tick into virtual time and stops.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.advanceLocked()
	c.running = false
	c.log.WithField("virtual", c.virtual).Info("clock paused")
}

// Reset stops the clock and sets virtual and start time to the real current time.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.realNow()
	c.virtual, c.start, c.lastReal = now, now, now
	c.ticks = 0
	c.running = false
	c.log.Info("clock reset")
}

func (c *Clock) SetAcceleration(f float64) error {
	if f <= 0 || f > c.cfg.MaxAcceleration {
		return fmt.Errorf("%w: acceleration must be in (0,%g], got %g", ErrInvalidParameter, c.cfg.MaxAcceleration, f)
	}
	c.mu.Lock()
	if c.running {
		c.advanceLocked()
	}
	c.accel = f
	c.mu.Unlock()
	metrics.ClockAcceleration.Set(f)
	return nil
}

// SetTime jumps virtual time forward or backward without firing tasks.
func (c *Clock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.virtual = t
	c.lastReal = c.realNow()
}

// Tick advances virtual time by real elapsed × acceleration when running,
// then evaluates tasks and triggers against the new time.
func (c *Clock) Tick() model.SimulationState {
	c.mu.Lock()
	if !c.running {
		st := c.stateLocked()
		c.mu.Unlock()
		return st
	}
	c.advanceLocked()
	c.ticks++
	st := c.stateLocked()
	c.mu.Unlock()

	metrics.ClockTicks.Inc()
	c.fire(st)
	return st
}

// Evaluate fires due tasks and triggers against the current state without advancing.
func (c *Clock) Evaluate() model.SimulationState {
	st := c.State()
	c.fire(st)
	return st
}

func (c *Clock) advanceLocked() {
	real := c.realNow()
	elapsed := real.Sub(c.lastReal)
	if elapsed < 0 {
		elapsed = 0
	}
	c.lastReal = real
	c.virtual = c.virtual.Add(time.Duration(float64(elapsed) * c.accel))
}

// Run ticks every TickInterval until ctx is done.
func (c *Clock) Run(ctx context.Context) {
	t := time.NewTicker(c.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Tick()
		}
	}
}

// ScheduleTask runs fn once the virtual time reaches at; every > 0 repeats it.
func (c *Clock) ScheduleTask(name string, at time.Time, every time.Duration, fn TaskFunc) (TaskID, error) {
	if fn == nil || every < 0 {
		return 0, fmt.Errorf("%w: task %q needs a function and a non-negative period", ErrInvalidParameter, name)
	}
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.nextID++
	c.tasks[c.nextID] = &task{id: c.nextID, name: name, at: at, every: every, fn: fn}
	return c.nextID, nil
}

// RegisterTrigger runs fn after every tick whose state satisfies pred (nil
// means always). A once trigger is removed after it first fires.
func (c *Clock) RegisterTrigger(name string, pred Predicate, fn TaskFunc, once bool) (TaskID, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: trigger %q needs a function", ErrInvalidParameter, name)
	}
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.nextID++
	c.triggers[c.nextID] = &trigger{id: c.nextID, name: name, pred: pred, fn: fn, once: once}
	return c.nextID, nil
}

// Cancel removes a task or trigger; it reports whether one was found.
func (c *Clock) Cancel(id TaskID) bool {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	if _, ok := c.tasks[id]; ok {
		delete(c.tasks, id)
		return true
	}
	if _, ok := c.triggers[id]; ok {
		delete(c.triggers, id)
		return true
	}
	return false
}

// Pending is the number of registered tasks and triggers.
func (c *Clock) Pending() int {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	return len(c.tasks) + len(c.triggers)
}

func (c *Clock) fire(st model.SimulationState) {
	c.fireMu.Lock()
	defer c.fireMu.Unlock()
	now := st.CurrentTime

	c.hooksMu.Lock()
	due := make([]*task, 0)
	for _, t := range c.tasks {
		if !t.at.After(now) {
			due = append(due, t)
		}
	}
	trs := make([]*trigger, 0, len(c.triggers))
	for _, tr := range c.triggers {
		trs = append(trs, tr)
	}
	c.hooksMu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	sort.Slice(trs, func(i, j int) bool { return trs[i].id < trs[j].id })

	for _, t := range due {
		err := safeCall(t.fn, now)
		if err != nil {
			metrics.ClockTaskFailures.Inc()
			c.log.WithError(err).WithFields(logrus.Fields{"task": t.name, "recurring": t.every > 0}).Warn("scheduled task failed")
		}
		c.hooksMu.Lock()
		if _, still := c.tasks[t.id]; still {
			if t.every == 0 {
				delete(c.tasks, t.id)
			} else {
				t.at = nextOccurrence(t.at, t.every, now)
			}
		}
		c.hooksMu.Unlock()
	}

	for _, tr := range trs {
		if tr.pred != nil && !safePred(tr.pred, st) {
			continue
		}
		if err := safeCall(tr.fn, now); err != nil {
			metrics.ClockTaskFailures.Inc()
			c.log.WithError(err).WithField("trigger", tr.name).Warn("trigger failed")
		}
		if tr.once {
			c.hooksMu.Lock()
			delete(c.triggers, tr.id)
			c.hooksMu.Unlock()
		}
	}
}

// nextOccurrence returns the first at + k*every strictly after now.
func nextOccurrence(at time.Time, every time.Duration, now time.Time) time.Time {
	if at.After(now) {
		return at
	}
	k := now.Sub(at)/every + 1
	return at.Add(k * every)
}

func safeCall(fn TaskFunc, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(now)
}

func safePred(p Predicate, st model.SimulationState) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return p(st)
}
