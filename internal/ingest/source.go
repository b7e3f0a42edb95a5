package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"dispatchsim/internal/model"
)

// File names LoadDir looks for.
const (
	OrdersFile     = "orders.txt"
	BlockagesFile  = "blockages.txt"
	VehiclesFile   = "vehicles.csv"
	WarehousesFile = "warehouses.csv"
)

// Dataset is one planning period worth of scenario data.
type Dataset struct {
	Period     time.Time         `json:"period"`
	Orders     []model.Order     `json:"orders"`
	Vehicles   []model.Vehicle   `json:"vehicles"`
	Warehouses []model.Warehouse `json:"warehouses"`
	Obstacles  []model.Obstacle  `json:"obstacles"`
}

// Source is anything that can produce a Dataset for a period.
type Source interface {
	Name() string
	Fetch(ctx context.Context, period time.Time) (Dataset, error)
}

// DirSource reads the scenario files from a directory.
type DirSource struct {
	Dir string
}

func (s DirSource) Name() string { return "dir:" + s.Dir }

func (s DirSource) Fetch(ctx context.Context, period time.Time) (Dataset, error) {
	if err := ctx.Err(); err != nil {
		return Dataset{}, err
	}
	return LoadDir(s.Dir, period)
}

// LoadDir reads the scenario files in dir. Instants in the order and blockage
// files are resolved against the start of the month containing period.
// vehicles.csv is required; the other files may be absent.
func LoadDir(dir string, period time.Time) (Dataset, error) {
	ds := Dataset{Period: PeriodStart(period)}
	var err error
	if err = readFile(dir, VehiclesFile, true, func(r io.Reader, name string) error {
		ds.Vehicles, err = ParseVehicles(r, name)
		return err
	}); err != nil {
		return Dataset{}, err
	}
	if err = readFile(dir, WarehousesFile, false, func(r io.Reader, name string) error {
		ds.Warehouses, err = ParseWarehouses(r, name)
		return err
	}); err != nil {
		return Dataset{}, err
	}
	if err = readFile(dir, OrdersFile, false, func(r io.Reader, name string) error {
		ds.Orders, err = ParseOrders(r, name, ds.Period)
		return err
	}); err != nil {
		return Dataset{}, err
	}
	if err = readFile(dir, BlockagesFile, false, func(r io.Reader, name string) error {
		ds.Obstacles, err = ParseBlockages(r, name, ds.Period)
		return err
	}); err != nil {
		return Dataset{}, err
	}
	return ds, nil
}

func readFile(dir, name string, required bool, parse func(io.Reader, string) error) error {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	defer f.Close()
	return parse(f, path)
}
