package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchsim/internal/pathfind"
	"dispatchsim/internal/sequence"
)

var ErrInvalidConfig = errors.New("planner: invalid config")

type Level string

const (
	LevelFast     Level = "FAST"
	LevelBalanced Level = "BALANCED"
	LevelPrecise  Level = "PRECISE"
)

// ParseLevel accepts level names in any case.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToUpper(strings.TrimSpace(s))); l {
	case LevelFast, LevelBalanced, LevelPrecise:
		return l, nil
	}
	return "", fmt.Errorf("%w: unknown optimization level %q", ErrInvalidConfig, s)
}

// LevelSettings are the search budgets an optimization level maps to.
type LevelSettings struct {
	Ants         int           `yaml:"ants" json:"ants"`
	Iterations   int           `yaml:"iterations" json:"iterations"`
	TwoOptPasses int           `yaml:"twoOptPasses" json:"twoOptPasses"`
	MaxNodes     int           `yaml:"maxNodes" json:"maxNodes"`
	PathTimeout  time.Duration `yaml:"pathTimeout" json:"pathTimeout"`
	BatchTimeout time.Duration `yaml:"batchTimeout" json:"batchTimeout"`
}

func DefaultLevels() map[Level]LevelSettings {
	return map[Level]LevelSettings{
		LevelFast:     {Ants: 5, Iterations: 20, TwoOptPasses: 2, MaxNodes: 20_000, PathTimeout: 200 * time.Millisecond, BatchTimeout: 2 * time.Second},
		LevelBalanced: {Ants: 10, Iterations: 60, TwoOptPasses: 5, MaxNodes: 100_000, PathTimeout: time.Second, BatchTimeout: 10 * time.Second},
		LevelPrecise:  {Ants: 20, Iterations: 150, TwoOptPasses: 10, MaxNodes: 400_000, PathTimeout: 3 * time.Second, BatchTimeout: 30 * time.Second},
	}
}

type Config struct {
	Level Level `yaml:"level" json:"level"`
	// ReplanAttempts bounds how many deliveries a critical route may shed.
	ReplanAttempts int `yaml:"replanAttempts" json:"replanAttempts"`
	// ReturnToWarehouse appends a leg to the nearest warehouse.
	ReturnToWarehouse bool                    `yaml:"returnToWarehouse" json:"returnToWarehouse"`
	Levels            map[Level]LevelSettings `yaml:"levels" json:"levels"`
}

func DefaultConfig() Config {
	return Config{Level: LevelBalanced, ReplanAttempts: 3, ReturnToWarehouse: true, Levels: DefaultLevels()}
}

func (c Config) Validate() error {
	if _, ok := c.Levels[c.Level]; !ok {
		return fmt.Errorf("%w: level %q has no settings", ErrInvalidConfig, c.Level)
	}
	if c.ReplanAttempts < 0 {
		return fmt.Errorf("%w: replanAttempts must be >= 0", ErrInvalidConfig)
	}
	for l, s := range c.Levels {
		if s.Ants < 1 || s.Iterations < 1 || s.MaxNodes < 1 || s.PathTimeout <= 0 || s.TwoOptPasses < 0 || s.BatchTimeout < 0 {
			return fmt.Errorf("%w: level %s budgets out of range", ErrInvalidConfig, l)
		}
	}
	return nil
}

func (s LevelSettings) sequence(base sequence.Config) sequence.Config {
	base.Ants = s.Ants
	base.Iterations = s.Iterations
	base.TwoOptPasses = s.TwoOptPasses
	return base
}

func (s LevelSettings) pathfind(base pathfind.Config) pathfind.Config {
	base.MaxNodes = s.MaxNodes
	base.Timeout = s.PathTimeout
	base.BatchTimeout = s.BatchTimeout
	return base
}
