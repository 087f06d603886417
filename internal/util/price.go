// Package util provides common utility functions for price calculations.
package util

import "math"

// epsilon absorbs float division noise so 0.35/0.05 floors to 7, not 6.
const epsilon = 1e-9

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 100.12 becomes 100.10.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment. Used for SELL-side
// aggressive limit prices so the order crosses the spread.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Floor(x/tick+epsilon) * tick
}

// CeilToTick rounds x up to the nearest tick increment. Used for BUY-side
// aggressive limit prices.
func CeilToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Ceil(x/tick-epsilon) * tick
}

// IsTickAligned reports whether x already sits on a tick boundary.
func IsTickAligned(x, tick float64) bool {
	if tick <= 0 {
		return true
	}
	return math.Abs(x-RoundToTick(x, tick)) < epsilon
}
