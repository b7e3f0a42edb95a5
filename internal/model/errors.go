package model

import (
	"errors"
	"fmt"
)

// ErrValidation is matched by every ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError reports malformed input rejected before any algorithm runs.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func newValidation(entity, field, reason string) *ValidationError {
	return &ValidationError{Entity: entity, Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Entity, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ValidateFleet checks orders, vehicles and warehouses and joins every problem found.
func ValidateFleet(orders []Order, vehicles []Vehicle, warehouses []Warehouse) error {
	var errs []error
	seen := map[string]bool{}
	for _, o := range orders {
		if err := o.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[o.ID] {
			errs = append(errs, newValidation("order "+o.ID, "id", "is duplicated"))
		}
		seen[o.ID] = true
	}
	seenV := map[string]bool{}
	for _, v := range vehicles {
		if err := v.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seenV[v.ID] {
			errs = append(errs, newValidation("vehicle "+v.ID, "id", "is duplicated"))
		}
		seenV[v.ID] = true
	}
	for _, w := range warehouses {
		if err := w.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
