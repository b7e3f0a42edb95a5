// Package config loads service settings from an optional YAML file, a .env
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"dispatchsim/internal/assign"
	"dispatchsim/internal/feasibility"
	"dispatchsim/internal/pathfind"
	"dispatchsim/internal/planner"
	"dispatchsim/internal/sequence"
	"dispatchsim/internal/simclock"
)

var ErrInvalid = errors.New("config: invalid")

type Server struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`
	RedisURL    string `yaml:"redisUrl"`
	// Migrate creates the plans table on startup when a database is configured.
	Migrate   bool    `yaml:"migrate"`
	RateRPS   float64 `yaml:"rateRps"`
	RateBurst int     `yaml:"rateBurst"`
	// PlanTimeout bounds a single planning request.
	PlanTimeout time.Duration `yaml:"planTimeout"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Grid struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type Simulation struct {
	// Start is the initial virtual time; zero means the start of the current month.
	Start time.Time       `yaml:"start"`
	Clock simclock.Config `yaml:"clock"`
	// DataDir, when set, is loaded at startup.
	DataDir string `yaml:"dataDir"`
	// PublishEvery is the virtual-time period of simulation state events.
	PublishEvery time.Duration `yaml:"publishEvery"`
}

// Webhooks posts plan events to external receivers; no URLs disables it.
type Webhooks struct {
	URLs        []string `yaml:"urls"`
	Secret      string   `yaml:"secret"`
	MaxAttempts int      `yaml:"maxAttempts"`
}

type Config struct {
	Server      Server             `yaml:"server"`
	Webhooks    Webhooks           `yaml:"webhooks"`
	Log         Log                `yaml:"log"`
	Workers     int                `yaml:"workers"`
	Grid        Grid               `yaml:"grid"`
	Simulation  Simulation         `yaml:"simulation"`
	Pathfind    pathfind.Config    `yaml:"pathfind"`
	Sequence    sequence.Config    `yaml:"sequence"`
	Assign      assign.Config      `yaml:"assign"`
	Feasibility feasibility.Config `yaml:"feasibility"`
	Planner     planner.Config     `yaml:"planner"`
}

// Default is the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server:      Server{Port: "8080", Migrate: true, RateRPS: 20, RateBurst: 40, PlanTimeout: 60 * time.Second},
		Webhooks:    Webhooks{MaxAttempts: 10},
		Log:         Log{Level: "info", Format: "text"},
		Workers:     4,
		Grid:        Grid{Width: 70, Height: 50},
		Simulation:  Simulation{Clock: simclock.DefaultConfig(), PublishEvery: time.Minute},
		Pathfind:    pathfind.DefaultConfig(),
		Sequence:    sequence.DefaultConfig(),
		Assign:      assign.DefaultConfig(),
		Feasibility: feasibility.DefaultConfig(),
		Planner:     planner.DefaultConfig(),
	}
}

// Load reads path (optional), then envFile (optional), then the process
// environment. Variables already set in the environment win over .env.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PORT", &c.Server.Port)
	str("DATABASE_URL", &c.Server.DatabaseURL)
	str("REDIS_URL", &c.Server.RedisURL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("DATA_DIR", &c.Simulation.DataDir)
	str("WEBHOOK_SECRET", &c.Webhooks.Secret)
	if v, ok := lookup("WEBHOOK_URLS"); ok && strings.TrimSpace(v) != "" {
		c.Webhooks.URLs = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				c.Webhooks.URLs = append(c.Webhooks.URLs, u)
			}
		}
	}
	if v, ok := lookup("WEBHOOK_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: WEBHOOK_MAX_ATTEMPTS=%q", ErrInvalid, v)
		}
		c.Webhooks.MaxAttempts = n
	}
	if v, ok := lookup("DB_MIGRATE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: DB_MIGRATE=%q", ErrInvalid, v)
		}
		c.Server.Migrate = b
	}
	if v, ok := lookup("RATE_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: RATE_RPS=%q", ErrInvalid, v)
		}
		c.Server.RateRPS = f
	}
	if v, ok := lookup("RATE_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RATE_BURST=%q", ErrInvalid, v)
		}
		c.Server.RateBurst = n
	}
	if v, ok := lookup("WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: WORKERS=%q", ErrInvalid, v)
		}
		c.Workers = n
	}
	if v, ok := lookup("OPTIMIZATION_LEVEL"); ok && v != "" {
		l, err := planner.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		c.Planner.Level = l
	}
	return nil
}

// Validate checks the service settings and every component config.
func (c Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("%w: port %q", ErrInvalid, c.Server.Port)
	}
	if c.Server.RateRPS < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("%w: rate limits must be >= 0", ErrInvalid)
	}
	if c.Workers < 1 || c.Workers > 16 {
		return fmt.Errorf("%w: workers must be in [1,16], got %d", ErrInvalid, c.Workers)
	}
	if c.Grid.Width < 1 || c.Grid.Height < 1 {
		return fmt.Errorf("%w: grid must be at least 1x1", ErrInvalid)
	}
	if len(c.Webhooks.URLs) > 0 && c.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("%w: webhooks.maxAttempts must be >= 1", ErrInvalid)
	}
	for _, v := range []interface{ Validate() error }{
		c.Simulation.Clock, c.Pathfind, c.Sequence, c.Assign, c.Feasibility, c.Planner,
	} {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

// Redacted is safe to log and to expose on the debug endpoint.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"port":            c.Server.Port,
		"hasDatabaseUrl":  c.Server.DatabaseURL != "",
		"hasRedisUrl":     c.Server.RedisURL != "",
		"webhooks":        len(c.Webhooks.URLs),
		"rateRps":         c.Server.RateRPS,
		"rateBurst":       c.Server.RateBurst,
		"workers":         c.Workers,
		"grid":            fmt.Sprintf("%dx%d", c.Grid.Width, c.Grid.Height),
		"level":           c.Planner.Level,
		"logLevel":        c.Log.Level,
		"acceleration":    c.Simulation.Clock.Acceleration,
		"maxAcceleration": c.Simulation.Clock.MaxAcceleration,
	}
}
