package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"dispatchsim/internal/model"
)

var (
	vehicleHeader   = []string{"id", "type", "capacity", "fuel_tank", "tare_weight", "speed", "x", "y"}
	warehouseHeader = []string{"id", "x", "y", "capacity", "principal"}
)

// ParseVehicles reads a vehicle CSV with the header
// id,type,capacity,fuel_tank,tare_weight,speed,x,y.
func ParseVehicles(r io.Reader, source string) ([]model.Vehicle, error) {
	var out []model.Vehicle
	err := eachRecord(r, source, vehicleHeader, func(rec []string) error {
		nums, err := floats(rec[2:6])
		if err != nil {
			return err
		}
		x, y, err := coords(rec[6], rec[7])
		if err != nil {
			return err
		}
		v, err := model.NewVehicle(rec[0]).
			Type(rec[1]).
			Capacity(nums[0]).
			FuelTank(nums[1]).
			TareWeight(nums[2]).
			Speed(nums[3]).
			At(model.Pt(x, y)).
			Build()
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// ParseWarehouses reads a warehouse CSV with the header id,x,y,capacity,principal.
func ParseWarehouses(r io.Reader, source string) ([]model.Warehouse, error) {
	var out []model.Warehouse
	err := eachRecord(r, source, warehouseHeader, func(rec []string) error {
		x, y, err := coords(rec[1], rec[2])
		if err != nil {
			return err
		}
		capacity, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return fmt.Errorf("capacity %q: %w", rec[3], err)
		}
		principal, err := strconv.ParseBool(rec[4])
		if err != nil {
			return fmt.Errorf("principal %q: %w", rec[4], err)
		}
		w := model.Warehouse{ID: rec[0], Location: model.Pt(x, y), Capacity: capacity, Principal: principal}
		if err := w.Validate(); err != nil {
			return err
		}
		out = append(out, w)
		return nil
	})
	return out, err
}

func eachRecord(r io.Reader, source string, header []string, fn func(rec []string) error) error {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = len(header)
	cr.TrimLeadingSpace = true
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			line := 0
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				line = pe.Line
			}
			return &LineError{Source: source, Line: line, Err: err}
		}
		line, _ := cr.FieldPos(0)
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		if first {
			first = false
			if !sameHeader(rec, header) {
				return &LineError{Source: source, Line: line, Err: fmt.Errorf("header must be %s", strings.Join(header, ","))}
			}
			continue
		}
		if err := fn(rec); err != nil {
			return &LineError{Source: source, Line: line, Err: err}
		}
	}
}

func sameHeader(rec, want []string) bool {
	for i := range want {
		if !strings.EqualFold(rec[i], want[i]) {
			return false
		}
	}
	return true
}

func floats(fs []string) ([]float64, error) {
	out := make([]float64, len(fs))
	for i, f := range fs {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", f, err)
		}
		out[i] = v
	}
	return out, nil
}

func coords(xs, ys string) (int, int, error) {
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	if errX != nil || errY != nil {
		return 0, 0, fmt.Errorf("bad coordinates %q,%q", xs, ys)
	}
	return x, y, nil
}
