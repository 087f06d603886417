package util

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		x, tick, want float64
	}{
		{100.12, 0.05, 100.10},
		{100.13, 0.05, 100.15},
		{100.125, 0.05, 100.15},
		{24013.7, 0.05, 24013.70},
		{1.2345, 0.01, 1.23},
		{7.0, 0, 7.0}, // zero tick passes through
	}

	for _, tt := range tests {
		if got := RoundToTick(tt.x, tt.tick); !almostEqual(got, tt.want) {
			t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.want)
		}
	}
}

func TestFloorAndCeilToTick(t *testing.T) {
	tests := []struct {
		x, tick     float64
		floor, ceil float64
	}{
		{100.12, 0.05, 100.10, 100.15},
		{100.10, 0.05, 100.10, 100.10}, // already aligned
		{0.35, 0.05, 0.35, 0.35},       // float noise must not break alignment
		{99.99, 0.05, 99.95, 100.00},
	}

	for _, tt := range tests {
		if got := FloorToTick(tt.x, tt.tick); !almostEqual(got, tt.floor) {
			t.Errorf("FloorToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.floor)
		}
		if got := CeilToTick(tt.x, tt.tick); !almostEqual(got, tt.ceil) {
			t.Errorf("CeilToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.ceil)
		}
	}
}

func TestIsTickAligned(t *testing.T) {
	if !IsTickAligned(100.10, 0.05) {
		t.Error("100.10 should be aligned to 0.05")
	}
	if IsTickAligned(100.12, 0.05) {
		t.Error("100.12 should not be aligned to 0.05")
	}
	if !IsTickAligned(123.456, 0) {
		t.Error("zero tick treats everything as aligned")
	}
}
