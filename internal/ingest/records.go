// Package ingest reads fleet scenario data: order and blockage records in the
// compact day/hour/minute text format, and vehicle and warehouse CSV files.
package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dispatchsim/internal/model"
)

// ErrFormat is matched by every LineError.
var ErrFormat = errors.New("ingest: malformed record")

// LineError locates a malformed record.
type LineError struct {
	Source string
	Line   int
	Err    error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Source, e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

func (e *LineError) Is(target error) bool { return target == ErrFormat }

var offsetRE = regexp.MustCompile(`^(\d+)[dD](\d+)[hH](\d+)[mM]$`)

// ParseOffset reads a ddDhhHmmM instant relative to the start of the period.
// Days are 1-based: 01d00h00m is the period start itself.
func ParseOffset(s string) (time.Duration, error) {
	m := offsetRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("instant %q is not ddDhhHmmM", s)
	}
	day, _ := strconv.Atoi(m[1])
	hour, _ := strconv.Atoi(m[2])
	minute, _ := strconv.Atoi(m[3])
	if day < 1 || hour > 23 || minute > 59 {
		return 0, fmt.Errorf("instant %q out of range", s)
	}
	return time.Duration(day-1)*24*time.Hour + time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}

// PeriodStart is the first instant of the month containing t, in t's location.
func PeriodStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// ParseOrders reads one order per line:
//
//	01d00h24m:16,13,c-167,9m3,36h
//
// Blank lines and lines starting with '#' are skipped. Order ids are derived
// from the period and the record's position.
func ParseOrders(r io.Reader, source string, period time.Time) ([]model.Order, error) {
	var out []model.Order
	err := eachLine(r, source, func(n int, line string) error {
		at, rest, ok := strings.Cut(line, ":")
		if !ok {
			return errors.New("missing ':' after the registration instant")
		}
		off, err := ParseOffset(at)
		if err != nil {
			return err
		}
		f := strings.Split(rest, ",")
		if len(f) != 5 {
			return fmt.Errorf("want x,y,customer,volume,deadline, got %d fields", len(f))
		}
		x, errX := strconv.Atoi(strings.TrimSpace(f[0]))
		y, errY := strconv.Atoi(strings.TrimSpace(f[1]))
		if errX != nil || errY != nil {
			return fmt.Errorf("bad coordinates %q,%q", f[0], f[1])
		}
		vol, err := unitFloat(f[3], "m3")
		if err != nil {
			return err
		}
		hours, err := unitFloat(f[4], "h")
		if err != nil {
			return err
		}
		o, err := model.NewOrder(fmt.Sprintf("%s-%05d", period.Format("200601"), len(out)+1)).
			Customer(strings.TrimSpace(f[2])).
			At(model.Pt(x, y)).
			Volume(vol).
			Registered(period.Add(off)).
			DeadlineHours(hours).
			Build()
		if err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

// ParseBlockages reads one polyline blockage per line, active in [start,end):
//
//	01d00h31m-01d21h35m:15,10,30,10,30,18
func ParseBlockages(r io.Reader, source string, period time.Time) ([]model.Obstacle, error) {
	var out []model.Obstacle
	err := eachLine(r, source, func(n int, line string) error {
		window, rest, ok := strings.Cut(line, ":")
		if !ok {
			return errors.New("missing ':' after the interval")
		}
		from, to, ok := strings.Cut(window, "-")
		if !ok {
			return fmt.Errorf("interval %q is not start-end", window)
		}
		start, err := ParseOffset(from)
		if err != nil {
			return err
		}
		end, err := ParseOffset(to)
		if err != nil {
			return err
		}
		f := strings.Split(rest, ",")
		if len(f) < 2 || len(f)%2 != 0 {
			return fmt.Errorf("want an even number of coordinates, got %d", len(f))
		}
		vs := make([]model.Point, 0, len(f)/2)
		for i := 0; i < len(f); i += 2 {
			x, errX := strconv.Atoi(strings.TrimSpace(f[i]))
			y, errY := strconv.Atoi(strings.TrimSpace(f[i+1]))
			if errX != nil || errY != nil {
				return fmt.Errorf("bad vertex %q,%q", f[i], f[i+1])
			}
			vs = append(vs, model.Pt(x, y))
		}
		o := model.Obstacle{
			ID:       fmt.Sprintf("blk-%s-%05d", period.Format("200601"), len(out)+1),
			Kind:     model.ObstacleBlockage,
			Shape:    model.ShapePolyline,
			Vertices: vs,
			Start:    period.Add(start),
			End:      period.Add(end),
		}
		if err := o.Validate(); err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

func unitFloat(s, unit string) (float64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.ToLower(s), unit), 64)
	if err != nil || !strings.HasSuffix(strings.ToLower(s), unit) {
		return 0, fmt.Errorf("%q is not a number in %s", s, unit)
	}
	return v, nil
}

func eachLine(r io.Reader, source string, fn func(n int, line string) error) error {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(n, line); err != nil {
			return &LineError{Source: source, Line: n, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ingest: read %s: %w", source, err)
	}
	return nil
}
