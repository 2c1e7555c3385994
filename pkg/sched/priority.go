package sched

import "time"

// Priorities map directly to SCHED_FIFO levels. Higher runs first.
const (
	MinPriority = 1
	MaxPriority = 99
)

// Base period bounds.
const (
	MinBasePeriod = 2 * time.Microsecond
	MaxBasePeriod = time.Second
)

// PrioHighest returns the most preferred priority.
func PrioHighest() int { return MaxPriority }

// PrioLowest returns the least preferred priority.
func PrioLowest() int { return MinPriority }

// PrioNextHigher returns the next more preferred priority, saturating.
func PrioNextHigher(p int) int {
	if p >= MaxPriority {
		return MaxPriority
	}
	if p < MinPriority {
		return MinPriority
	}
	return p + 1
}

// PrioNextLower returns the next less preferred priority, saturating.
func PrioNextLower(p int) int {
	if p <= MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p - 1
}

// roundPeriod rounds period to the nearest non-zero multiple of base.
func roundPeriod(period, base time.Duration) time.Duration {
	n := (period + base/2) / base
	if n < 1 {
		n = 1
	}
	return n * base
}
