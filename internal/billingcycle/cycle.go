// Package billingcycle computes billing period boundaries. All functions are
// pure: the same inputs always produce the same outputs, with no side effects.
package billingcycle

import (
	"errors"
	"strings"
	"time"
)

// Cycle is the recurring billing period of a subscription.
type Cycle string

const (
	CycleMonthly Cycle = "monthly"
	CycleYearly  Cycle = "yearly"
)

var ErrInvalidCycle = errors.New("invalid_billing_cycle")

// Parse normalizes a raw billing cycle string.
func Parse(raw string) (Cycle, error) {
	switch Cycle(strings.ToLower(strings.TrimSpace(raw))) {
	case CycleMonthly:
		return CycleMonthly, nil
	case CycleYearly:
		return CycleYearly, nil
	default:
		return "", ErrInvalidCycle
	}
}

// Boundary returns the end of the nth cycle counted from start. Boundaries
// are always computed from the original start date, never from the previous
// boundary, so a Jan 31 anchor yields Feb 28 (or 29) and then Mar 31 rather
// than drifting to Mar 28.
func Boundary(start time.Time, cycle Cycle, n int) (time.Time, error) {
	if n < 0 {
		return time.Time{}, ErrInvalidCycle
	}
	switch cycle {
	case CycleMonthly:
		return addMonthsClamped(start, n), nil
	case CycleYearly:
		return addMonthsClamped(start, 12*n), nil
	default:
		return time.Time{}, ErrInvalidCycle
	}
}

// Elapsed returns the number of whole cycles elapsed between start and now,
// together with the boundary date of the next cycle. A now before start
// counts as zero elapsed cycles.
func Elapsed(start, now time.Time, cycle Cycle) (int, time.Time, error) {
	if _, err := Boundary(start, cycle, 0); err != nil {
		return 0, time.Time{}, err
	}

	n := estimateCycles(start, now, cycle)
	if n < 0 {
		n = 0
	}
	for {
		boundary, err := Boundary(start, cycle, n+1)
		if err != nil {
			return 0, time.Time{}, err
		}
		if boundary.After(now) {
			if n > 0 {
				prev, err := Boundary(start, cycle, n)
				if err != nil {
					return 0, time.Time{}, err
				}
				if prev.After(now) {
					n--
					continue
				}
			}
			return n, boundary, nil
		}
		n++
	}
}

// NextAfter returns the smallest cycle boundary strictly after current.
// currentPeriodEnd always sits on a boundary, so advancing a period by one
// cycle is NextAfter(start, cycle, currentPeriodEnd).
func NextAfter(start time.Time, cycle Cycle, current time.Time) (time.Time, error) {
	if current.Before(start) {
		return Boundary(start, cycle, 1)
	}
	_, next, err := Elapsed(start, current, cycle)
	return next, err
}

func estimateCycles(start, now time.Time, cycle Cycle) int {
	months := (now.Year()-start.Year())*12 + int(now.Month()) - int(start.Month())
	if cycle == CycleYearly {
		return months/12 - 1
	}
	return months - 1
}

func addMonthsClamped(t time.Time, months int) time.Time {
	total := int(t.Month()) - 1 + months
	year := t.Year() + total/12
	month := time.Month(total%12 + 1)

	day := t.Day()
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	// Day zero of the following month normalizes to the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
