package exchange

import (
	"math"
	"testing"
)

func TestFloorToStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		qty  float64
		step float64
		want float64
	}{
		{"whole step", 12.37, 0.1, 12.3},
		{"fine step", 0.123456, 0.001, 0.123},
		{"exact multiple unchanged", 1.5, 0.5, 1.5},
		{"integer step", 147.9, 1, 147},
		{"float artifact", 0.1 + 0.2, 0.1, 0.3},
		{"zero step passthrough", 3.1415, 0, 3.1415},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FloorToStep(tt.qty, tt.step)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("FloorToStep(%v, %v) = %v, want %v", tt.qty, tt.step, got, tt.want)
			}
		})
	}
}

func TestRoundToTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		price float64
		tick  float64
		want  float64
	}{
		{"round down", 142.512, 0.01, 142.51},
		{"round up", 142.516, 0.01, 142.52},
		{"coarse tick", 30123.4, 0.5, 30123.5},
		{"exact tick unchanged", 0.07, 0.001, 0.07},
		{"zero tick passthrough", 1.23456, 0, 1.23456},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := RoundToTick(tt.price, tt.tick)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
			}
		})
	}
}
